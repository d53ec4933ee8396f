package risk

import (
	"sync"
	"time"

	"github.com/quantfold/engine/internal/config"
	"github.com/quantfold/engine/internal/events"
	"github.com/quantfold/engine/internal/feed"
	"github.com/quantfold/engine/internal/observ"
	"github.com/quantfold/engine/internal/strategy"
)

// Halt reasons.
const (
	HaltMaxDrawdown    = "max_drawdown"
	HaltDailyLossLimit = "daily_loss_limit"
)

// Volatility-regime sizing multipliers and their clamp band.
const (
	highVolMultiplier = 0.6
	lowVolMultiplier  = 1.1
	minMultiplier     = 0.4
	maxMultiplier     = 1.25
)

// Verdict is the per-tick risk assessment.
type Verdict struct {
	Halted         bool    `json:"halted"`
	HaltReason     string  `json:"haltReason,omitempty"`
	Cooling        bool    `json:"cooling"`
	RiskMultiplier float64 `json:"riskMultiplier"`
	Drawdown       float64 `json:"drawdown"`
}

// State is a copy of the tenant's risk bookkeeping, for snapshots.
type State struct {
	Halted           bool      `json:"halted"`
	HaltReason       string    `json:"haltReason,omitempty"`
	CooldownUntil    time.Time `json:"cooldownUntil"`
	PeakEquity       float64   `json:"peakEquity"`
	DailyStartEquity float64   `json:"dailyStartEquity"`
	LastDayKey       string    `json:"lastDayKey"`
	RiskMultiplier   float64   `json:"riskMultiplier"`
}

type tenantRisk struct {
	halted           bool
	haltReason       string
	cooldownUntil    time.Time
	peakEquity       float64
	dailyStartEquity float64
	lastDayKey       string
	riskMultiplier   float64
	lastTradeCount   int
}

// Manager enforces drawdown and daily-loss halts, loss-cluster
// cooldowns, and the volatility sizing multiplier, per tenant.
type Manager struct {
	mu      sync.Mutex
	cfg     config.Risk
	sink    *events.Sink
	tenants map[string]*tenantRisk
}

func NewManager(cfg config.Risk, sink *events.Sink) *Manager {
	return &Manager{cfg: cfg, sink: sink, tenants: make(map[string]*tenantRisk)}
}

func dayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// Evaluate runs the full risk assessment for one tick. Halts stick for
// the rest of the calendar day; the day rollover clears them exactly
// once, when the day key changes. tradeCount is the tenant's lifetime
// closed-trade total; recentTrades carries only the retained tail.
func (m *Manager) Evaluate(tenantID string, equity float64, regime string, recentTrades []strategy.TradeOutcome, tradeCount int, now time.Time) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dayKey(now)
	t, ok := m.tenants[tenantID]
	if !ok {
		t = &tenantRisk{
			peakEquity:       equity,
			dailyStartEquity: equity,
			lastDayKey:       key,
			riskMultiplier:   1.0,
		}
		m.tenants[tenantID] = t
	}

	if key != t.lastDayKey {
		if t.halted && m.sink != nil {
			m.sink.Append(events.TypeHaltCleared, tenantID, "day_rollover", map[string]any{
				"previous_reason": t.haltReason,
			})
		}
		t.halted = false
		t.haltReason = ""
		t.cooldownUntil = time.Time{}
		t.dailyStartEquity = equity
		t.lastDayKey = key
		observ.Log("risk_day_reset", map[string]any{
			"tenant": tenantID,
			"day":    key,
			"equity": equity,
		})
		observ.SetGauge("risk_halted", 0, map[string]string{"tenant": tenantID})
	}

	if equity > t.peakEquity {
		t.peakEquity = equity
	}
	drawdown := 0.0
	if t.peakEquity > 0 {
		drawdown = (t.peakEquity - equity) / t.peakEquity
	}

	if !t.halted && drawdown > m.cfg.MaxDrawdownPct {
		m.halt(t, tenantID, HaltMaxDrawdown, equity, drawdown)
	}
	if !t.halted && t.dailyStartEquity > 0 {
		dailyLoss := (t.dailyStartEquity - equity) / t.dailyStartEquity
		if dailyLoss > m.cfg.DailyLossPct {
			m.halt(t, tenantID, HaltDailyLossLimit, equity, drawdown)
		}
	}

	// The cluster check only fires when the lifetime count advances, so
	// one losing run cannot keep re-opening the cooldown every tick and
	// the trimmed history cannot mask fresh losses.
	if tradeCount > t.lastTradeCount && m.lastAllLosses(recentTrades) {
		t.cooldownUntil = now.Add(time.Duration(m.cfg.CooldownMinutes) * time.Minute)
		observ.IncCounter("risk_cooldowns_total", map[string]string{"tenant": tenantID})
		observ.Log("risk_loss_cooldown", map[string]any{
			"tenant":         tenantID,
			"cluster_size":   m.cfg.LossClusterSize,
			"cooldown_until": t.cooldownUntil,
		})
		if m.sink != nil {
			m.sink.Append(events.TypeCooldown, tenantID, "consecutive loss cluster", map[string]any{
				"cluster_size":   m.cfg.LossClusterSize,
				"cooldown_until": t.cooldownUntil,
			})
		}
	}
	t.lastTradeCount = tradeCount

	t.riskMultiplier = multiplierFor(regime)

	return Verdict{
		Halted:         t.halted,
		HaltReason:     t.haltReason,
		Cooling:        now.Before(t.cooldownUntil),
		RiskMultiplier: t.riskMultiplier,
		Drawdown:       drawdown,
	}
}

func (m *Manager) halt(t *tenantRisk, tenantID, reason string, equity, drawdown float64) {
	t.halted = true
	t.haltReason = reason
	observ.IncCounter("risk_halts_total", map[string]string{"tenant": tenantID, "reason": reason})
	observ.SetGauge("risk_halted", 1, map[string]string{"tenant": tenantID})
	observ.Log("risk_halt", map[string]any{
		"tenant":   tenantID,
		"reason":   reason,
		"equity":   equity,
		"drawdown": drawdown,
	})
	if m.sink != nil {
		m.sink.Append(events.TypeHalt, tenantID, reason, map[string]any{
			"equity":   equity,
			"drawdown": drawdown,
		})
	}
}

func (m *Manager) lastAllLosses(trades []strategy.TradeOutcome) bool {
	n := m.cfg.LossClusterSize
	if n <= 0 || len(trades) < n {
		return false
	}
	for _, tr := range trades[len(trades)-n:] {
		if tr.Win {
			return false
		}
	}
	return true
}

func multiplierFor(regime string) float64 {
	mult := 1.0
	switch regime {
	case feed.RegimeHighVol:
		mult = highVolMultiplier
	case feed.RegimeLowVol:
		mult = lowVolMultiplier
	}
	if mult < minMultiplier {
		mult = minMultiplier
	}
	if mult > maxMultiplier {
		mult = maxMultiplier
	}
	return mult
}

// Snapshot returns a copy of the tenant's risk state.
func (m *Manager) Snapshot(tenantID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return State{RiskMultiplier: 1.0}
	}
	return State{
		Halted:           t.halted,
		HaltReason:       t.haltReason,
		CooldownUntil:    t.cooldownUntil,
		PeakEquity:       t.peakEquity,
		DailyStartEquity: t.dailyStartEquity,
		LastDayKey:       t.lastDayKey,
		RiskMultiplier:   t.riskMultiplier,
	}
}

// Reset drops the tenant's risk state, for hard resets.
func (m *Manager) Reset(tenantID string) {
	m.mu.Lock()
	delete(m.tenants, tenantID)
	m.mu.Unlock()
	observ.SetGauge("risk_halted", 0, map[string]string{"tenant": tenantID})
}
