package fusion

import (
	"math"
	"sync"

	"github.com/quantfold/engine/internal/config"
	"github.com/quantfold/engine/internal/observ"
	"github.com/quantfold/engine/internal/strategy"
)

// Bias multiplier bounds applied to confidence and edge.
const (
	biasMin = 0.5
	biasMax = 1.6
)

// View is the fusion layer's opinion of one signal. When Action is WAIT
// the figures are the raw, unboosted inputs.
type View struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Edge       float64 `json:"edge"`
}

// Stats is a read-only projection of one tenant's outcome statistics.
type Stats struct {
	Outcomes    int     `json:"outcomes"`
	WinRate     float64 `json:"winRate"`
	Expectancy  float64 `json:"expectancy"`
	AvgWin      float64 `json:"avgWin"`
	AvgLoss     float64 `json:"avgLoss"`
	Bias        float64 `json:"bias"`
	Consistency float64 `json:"consistency"`
}

// Brain keeps per-tenant outcome history and recent-signal memory. It
// boosts strong, consistent signals and otherwise stays out of the way;
// it can never relax a hard gate downstream.
type Brain struct {
	mu      sync.Mutex
	cfg     config.Fusion
	tenants map[string]*tenantBias
}

type tenantBias struct {
	outcomes []float64
	signals  []string // directional actions only

	winRate    float64
	expectancy float64
	avgWin     float64
	avgLoss    float64
	bias       float64
}

func NewBrain(cfg config.Fusion) *Brain {
	return &Brain{cfg: cfg, tenants: make(map[string]*tenantBias)}
}

func (b *Brain) tenant(tenantID string) *tenantBias {
	t, ok := b.tenants[tenantID]
	if !ok {
		t = &tenantBias{bias: 1.0}
		b.tenants[tenantID] = t
	}
	return t
}

// RecordOutcome ingests one realized P&L and recomputes the tenant's
// expectancy-driven bias.
func (b *Brain) RecordOutcome(tenantID string, pnl float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.tenant(tenantID)
	t.outcomes = append(t.outcomes, pnl)
	if len(t.outcomes) > b.cfg.HistorySize {
		t.outcomes = t.outcomes[len(t.outcomes)-b.cfg.HistorySize:]
	}

	wins, winSum, lossSum := 0, 0.0, 0.0
	for _, p := range t.outcomes {
		if p > 0 {
			wins++
			winSum += p
		} else {
			lossSum += -p
		}
	}
	n := len(t.outcomes)
	t.winRate = float64(wins) / float64(n)
	t.avgWin = 0
	if wins > 0 {
		t.avgWin = winSum / float64(wins)
	}
	t.avgLoss = 0
	if n > wins {
		t.avgLoss = lossSum / float64(n-wins)
	}
	t.expectancy = t.winRate*t.avgWin - (1-t.winRate)*t.avgLoss

	switch {
	case t.expectancy > 0:
		t.bias = clamp(1+t.winRate*0.6, biasMin, biasMax)
	case t.expectancy < 0 && t.avgLoss > 0:
		t.bias = clamp(1-0.5*math.Min(1, -t.expectancy/t.avgLoss), biasMin, biasMax)
	default:
		t.bias = 1.0
	}

	observ.Log("fusion_outcome", map[string]any{
		"tenant":     tenantID,
		"pnl":        pnl,
		"win_rate":   t.winRate,
		"expectancy": t.expectancy,
		"bias":       t.bias,
	})
}

// Propose evaluates a strategy signal through the tenant's bias and
// consistency lens. Only a signal that stays strong after shaping is
// proposed; everything else comes back as WAIT with the raw figures.
func (b *Brain) Propose(tenantID string, sig strategy.Signal) View {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.tenant(tenantID)
	if sig.Action == strategy.ActionBuy || sig.Action == strategy.ActionSell {
		t.signals = append(t.signals, sig.Action)
		if len(t.signals) > b.cfg.SignalMemory {
			t.signals = t.signals[len(t.signals)-b.cfg.SignalMemory:]
		}
	}

	consistency := consistencyScore(t.signals)
	boostedConf := clamp(sig.Confidence*t.bias*(0.7+0.3*consistency), 0, 1)
	boostedEdge := sig.Edge * t.bias

	directional := sig.Action == strategy.ActionBuy || sig.Action == strategy.ActionSell
	if directional && boostedConf > b.cfg.ConfidenceThreshold && math.Abs(boostedEdge) > b.cfg.EdgeThreshold {
		return View{Action: sig.Action, Confidence: boostedConf, Edge: boostedEdge}
	}
	return View{Action: strategy.ActionWait, Confidence: sig.Confidence, Edge: sig.Edge}
}

// Snapshot reports the tenant's current fused statistics.
func (b *Brain) Snapshot(tenantID string) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.tenant(tenantID)
	return Stats{
		Outcomes:    len(t.outcomes),
		WinRate:     t.winRate,
		Expectancy:  t.expectancy,
		AvgWin:      t.avgWin,
		AvgLoss:     t.avgLoss,
		Bias:        t.bias,
		Consistency: consistencyScore(t.signals),
	}
}

// Reset drops a tenant's history, for hard resets.
func (b *Brain) Reset(tenantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tenants, tenantID)
}

// consistencyScore is 1 when recent directional signals agree and 0
// when they alternate evenly. Sparse memory scores 1: no evidence of
// oscillation yet.
func consistencyScore(signals []string) float64 {
	if len(signals) < 4 {
		return 1.0
	}
	buys := 0
	for _, s := range signals {
		if s == strategy.ActionBuy {
			buys++
		}
	}
	dominance := float64(buys) / float64(len(signals))
	if dominance < 0.5 {
		dominance = 1 - dominance
	}
	return 2*dominance - 1
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
