package decision

import (
	"fmt"
	"math"
	"sync"

	"github.com/quantfold/engine/internal/config"
	"github.com/quantfold/engine/internal/feed"
	"github.com/quantfold/engine/internal/fusion"
	"github.com/quantfold/engine/internal/observ"
	"github.com/quantfold/engine/internal/strategy"
)

// Mode is the behavioral state machine. Exactly one mode holds at a
// time; transitions are driven by realized P&L deltas and streaks.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeRecovery Mode = "recovery"
	ModeCalm     Mode = "calm" // profit-discipline lock
)

// TickState is the per-tenant snapshot the caller supplies each tick.
type TickState struct {
	RealizedPnL     float64 // cumulative net realized P&L
	HasPosition     bool
	PositionSide    string
	Halted          bool
	TradesToday     int
	MaxTradesPerDay int
	Regime          string  // feed volatility tag
	VolatilityPulse float64 // this tick's absolute move
	Trades          []strategy.TradeOutcome
	TradeCount      int // lifetime closed trades; keeps counting past the trim
}

// Behavioral is the reported slice of the tenant's in-memory state.
type Behavioral struct {
	Mode               Mode    `json:"mode"`
	WinStreak          int     `json:"winStreak"`
	LossStreak         int     `json:"lossStreak"`
	Aggression         float64 `json:"aggression"`
	SmoothedConfidence float64 `json:"smoothedConfidence"`
	EdgeMomentum       float64 `json:"edgeMomentum"`
}

// Decision is the final verdict for one tick.
type Decision struct {
	Action     string     `json:"action"`
	Confidence float64    `json:"confidence"`
	Edge       float64    `json:"edge"`
	RiskPct    float64    `json:"riskPct"`
	Reason     string     `json:"reason"`
	Behavioral Behavioral `json:"behavioral"`
}

type behavioralState struct {
	winStreak    int
	lossStreak   int
	aggression   float64
	mode         Mode
	smoothedConf float64
	smoothedEdge float64
	seeded       bool
	lastRealized float64
	firstTick    bool
}

// Core fuses strategy and fusion views through behavioral state and
// hard gates into one action plus a bounded risk fraction.
type Core struct {
	mu       sync.Mutex
	cfg      config.Decision
	strategy *strategy.Engine
	brain    *fusion.Brain
	tenants  map[string]*behavioralState
}

func NewCore(cfg config.Decision, eng *strategy.Engine, brain *fusion.Brain) *Core {
	return &Core{
		cfg:      cfg,
		strategy: eng,
		brain:    brain,
		tenants:  make(map[string]*behavioralState),
	}
}

// Decide runs the full pipeline for one tick. Any internal panic
// degrades to WAIT; a bad decision must never take the engine down.
func (c *Core) Decide(tenantID, symbol string, price float64, st TickState) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			observ.Log("decision_panic", map[string]any{
				"tenant": tenantID,
				"symbol": symbol,
				"panic":  fmt.Sprint(r),
			})
			d = Decision{Action: strategy.ActionWait, Reason: "internal error"}
		}
	}()

	// Gate 1: a bad price is rejected before any state is touched.
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		observ.IncCounter("decisions_total", map[string]string{"tenant": tenantID, "action": strategy.ActionWait})
		return Decision{Action: strategy.ActionWait, Reason: "invalid price"}
	}

	c.mu.Lock()
	b := c.behavioral(tenantID)
	c.updateBehavioral(b, st.RealizedPnL)
	c.mu.Unlock()

	sig := c.strategy.Evaluate(tenantID, symbol, price, st.Trades, st.TradeCount)
	view := c.brain.Propose(tenantID, sig)
	action, conf, edge := blend(sig, view)
	action, normReason := normalizeAction(action, st)

	if st.Regime == feed.RegimeHighVol {
		conf *= 0.85
	}

	c.mu.Lock()
	if !b.seeded {
		b.smoothedConf = conf
		b.smoothedEdge = edge
		b.seeded = true
	} else {
		alpha := c.cfg.SmoothingAlpha
		b.smoothedConf = alpha*conf + (1-alpha)*b.smoothedConf
		b.smoothedEdge = alpha*edge + (1-alpha)*b.smoothedEdge
	}
	smoothedConf := b.smoothedConf
	smoothedEdge := b.smoothedEdge
	risk := computeRisk(c.cfg, b.mode, b.aggression, smoothedConf)
	behavioral := Behavioral{
		Mode:               b.mode,
		WinStreak:          b.winStreak,
		LossStreak:         b.lossStreak,
		Aggression:         b.aggression,
		SmoothedConfidence: smoothedConf,
		EdgeMomentum:       smoothedEdge,
	}
	lossStreak := b.lossStreak
	c.mu.Unlock()

	reason := sig.Reason
	if normReason != "" {
		reason = normReason
	}

	// Gates 2-4, in order. They veto the action but the computed
	// figures still surface for observability.
	switch {
	case st.Halted:
		action, reason = strategy.ActionWait, "system halted"
	case st.MaxTradesPerDay > 0 && st.TradesToday >= st.MaxTradesPerDay:
		action, reason = strategy.ActionWait, "daily trade cap reached"
	case c.cfg.LossStreakCap > 0 && lossStreak >= c.cfg.LossStreakCap:
		action, reason = strategy.ActionWait, "loss streak cap reached"
	}

	observ.IncCounter("decisions_total", map[string]string{"tenant": tenantID, "action": action})
	return Decision{
		Action:     action,
		Confidence: smoothedConf,
		Edge:       smoothedEdge,
		RiskPct:    risk,
		Reason:     reason,
		Behavioral: behavioral,
	}
}

func (c *Core) behavioral(tenantID string) *behavioralState {
	b, ok := c.tenants[tenantID]
	if !ok {
		b = &behavioralState{aggression: 1.0, mode: ModeNormal, firstTick: true}
		c.tenants[tenantID] = b
	}
	return b
}

// updateBehavioral applies the realized-P&L delta since the last call.
func (c *Core) updateBehavioral(b *behavioralState, realized float64) {
	if b.firstTick {
		b.firstTick = false
		b.lastRealized = realized
		return
	}
	delta := realized - b.lastRealized
	b.lastRealized = realized

	if delta > 0 {
		b.winStreak++
		b.lossStreak = 0
		b.aggression = math.Min(1.5, 1+0.1*float64(b.winStreak))
	} else if delta < 0 {
		b.lossStreak++
		b.winStreak = 0
		b.aggression = math.Max(0.5, b.aggression-0.15)
	}
	b.mode = nextMode(b.mode, b.winStreak, b.lossStreak, delta, c.cfg.CalmLossStreak)
}

// nextMode is the explicit transition table. Calm wins over recovery:
// a hot streak and a deep loss streak both call for sitting still.
func nextMode(cur Mode, winStreak, lossStreak int, delta float64, calmLossStreak int) Mode {
	calm := (calmLossStreak > 0 && lossStreak >= calmLossStreak) || winStreak >= 3
	switch {
	case calm:
		return ModeCalm
	case delta < 0:
		return ModeRecovery
	case cur == ModeRecovery && delta > 0:
		return ModeNormal
	case cur == ModeCalm:
		return ModeNormal
	default:
		return cur
	}
}

// blend folds the fusion view into the strategy signal. The view can
// raise confidence and edge, and may substitute its action; it can
// never lower the figures.
func blend(sig strategy.Signal, view fusion.View) (action string, conf, edge float64) {
	action, conf, edge = sig.Action, sig.Confidence, sig.Edge
	if view.Action == strategy.ActionWait {
		return action, conf, edge
	}
	action = view.Action
	if view.Confidence > conf {
		conf = view.Confidence
	}
	if math.Abs(view.Edge) > math.Abs(edge) {
		edge = view.Edge
	}
	return action, conf, edge
}

// normalizeAction squares the candidate action with the position state.
func normalizeAction(action string, st TickState) (string, string) {
	switch action {
	case strategy.ActionBuy:
		if st.HasPosition {
			return strategy.ActionWait, "position already open"
		}
	case strategy.ActionSell, strategy.ActionClose:
		if !st.HasPosition {
			return strategy.ActionWait, "no position to close"
		}
	}
	return action, ""
}

// computeRisk composes the final risk fraction from mode, aggression,
// and smoothed confidence, clamped to the configured band.
func computeRisk(cfg config.Decision, mode Mode, aggression, confidence float64) float64 {
	risk := cfg.BaseRiskPct * aggression
	switch mode {
	case ModeCalm:
		risk *= 0.6
	case ModeRecovery:
		risk *= 0.8
	}
	switch {
	case confidence < 0.4:
		risk *= 0.5
	case confidence > 0.8:
		risk *= 1.3
	}
	if risk < cfg.MinRiskPct {
		risk = cfg.MinRiskPct
	}
	if risk > cfg.MaxRiskPct {
		risk = cfg.MaxRiskPct
	}
	return risk
}

// Snapshot returns the tenant's behavioral state without ticking it.
func (c *Core) Snapshot(tenantID string) Behavioral {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.behavioral(tenantID)
	return Behavioral{
		Mode:               b.mode,
		WinStreak:          b.winStreak,
		LossStreak:         b.lossStreak,
		Aggression:         b.aggression,
		SmoothedConfidence: b.smoothedConf,
		EdgeMomentum:       b.smoothedEdge,
	}
}

// Reset drops the tenant's behavioral state, for hard resets.
func (c *Core) Reset(tenantID string) {
	c.mu.Lock()
	delete(c.tenants, tenantID)
	c.mu.Unlock()
	c.brain.Reset(tenantID)
}
