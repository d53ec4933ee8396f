package paper

import (
	"time"

	"github.com/quantfold/engine/internal/config"
)

// Phase is the per-tenant simulator state machine.
type Phase string

const (
	PhaseWarmingUp  Phase = "WARMING_UP"
	PhaseReady      Phase = "READY"
	PhaseInPosition Phase = "IN_POSITION"
	PhaseHalted     Phase = "HALTED"
)

// Exit reasons.
const (
	ExitTakeProfit = "take_profit"
	ExitStopLoss   = "stop_loss"
	ExitTimeExpiry = "time_expiry"
	ExitManual     = "manual"
	ExitHalted     = "halted"
)

// Strategy profiles.
const (
	ProfileScalp = "scalp"
	ProfileSwing = "swing"
)

const tradeHistoryCap = 500

// Position is one open simulated position. EntryMark is the mid price
// at entry; EntryPrice carries the cost-adjusted fill. CostBasis is
// the full cash outlay including the entry fee.
type Position struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	EntryMark  float64   `json:"entryMark"`
	EntryPrice float64   `json:"entryPrice"`
	CostBasis  float64   `json:"costBasis"`
	MarkPrice  float64   `json:"markPrice"`
	OpenedAt   time.Time `json:"openedAt"`
	Profile    string    `json:"profile"`
}

// Trade is one completed round trip, net of all costs.
type Trade struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entryPrice"`
	ExitPrice  float64   `json:"exitPrice"`
	PnL        float64   `json:"pnl"`
	Win        bool      `json:"win"`
	Reason     string    `json:"reason"`
	OpenedAt   time.Time `json:"openedAt"`
	ClosedAt   time.Time `json:"closedAt"`
}

// Costs accumulates simulated friction.
type Costs struct {
	FeePaid  float64 `json:"feePaid"`
	Slippage float64 `json:"slippage"`
	Spread   float64 `json:"spread"`
}

// Limits holds the daily counters and halt flag.
type Limits struct {
	TradesToday   int    `json:"tradesToday"`
	LossesToday   int    `json:"lossesToday"`
	Halted        bool   `json:"halted"`
	HaltReason    string `json:"haltReason,omitempty"`
	DayKey        string `json:"dayKey"`
	ForceBaseline bool   `json:"forceBaseline"`
}

// Realized aggregates closed-trade results.
type Realized struct {
	Wins   int     `json:"wins"`
	Losses int     `json:"losses"`
	NetPnL float64 `json:"netPnL"`
}

// SizingConfig is the owner-tunable sizing envelope.
type SizingConfig struct {
	BaselinePct     float64 `json:"baselinePct"`
	MaxPct          float64 `json:"maxPct"`
	MaxTradesPerDay int     `json:"maxTradesPerDay"`
}

// TenantState is the full per-tenant simulator record. It is mutated
// once per tick and persisted on a debounced schedule.
type TenantState struct {
	Phase       Phase        `json:"phase"`
	CashBalance float64      `json:"cashBalance"`
	Equity      float64      `json:"equity"`
	PeakEquity  float64      `json:"peakEquity"`
	TicksSeen   int          `json:"ticksSeen"`
	Position    *Position    `json:"position,omitempty"`
	Trades      []Trade      `json:"trades"`
	Costs       Costs        `json:"costs"`
	Limits      Limits       `json:"limits"`
	Realized    Realized     `json:"realized"`
	Sizing      SizingConfig `json:"sizing"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

func newTenantState(cfg config.Paper, dayKey string) *TenantState {
	return &TenantState{
		Phase:       PhaseWarmingUp,
		CashBalance: cfg.StartBalance,
		Equity:      cfg.StartBalance,
		PeakEquity:  cfg.StartBalance,
		Limits:      Limits{DayKey: dayKey},
		Sizing: SizingConfig{
			BaselinePct:     cfg.BaselinePct,
			MaxPct:          cfg.MaxPct,
			MaxTradesPerDay: cfg.MaxTradesPerDay,
		},
	}
}

// TradeCount is the lifetime number of closed trades. Unlike
// len(Trades) it keeps counting after the history trims.
func (t TenantState) TradeCount() int {
	return t.Realized.Wins + t.Realized.Losses
}

// copy returns a detached snapshot safe to hand out.
func (t *TenantState) copy() TenantState {
	out := *t
	if t.Position != nil {
		pos := *t.Position
		out.Position = &pos
	}
	out.Trades = make([]Trade, len(t.Trades))
	copy(out.Trades, t.Trades)
	return out
}

// sanitize repairs a loaded record so older or hand-edited files
// cannot produce an unusable simulator.
func (t *TenantState) sanitize(cfg config.Paper) {
	switch t.Phase {
	case PhaseWarmingUp, PhaseReady, PhaseInPosition, PhaseHalted:
	default:
		t.Phase = PhaseWarmingUp
	}
	if t.Sizing.BaselinePct <= 0 {
		t.Sizing.BaselinePct = cfg.BaselinePct
	}
	if t.Sizing.MaxPct <= 0 {
		t.Sizing.MaxPct = cfg.MaxPct
	}
	if t.Sizing.MaxPct < t.Sizing.BaselinePct {
		t.Sizing.MaxPct = t.Sizing.BaselinePct
	}
	if t.Sizing.MaxTradesPerDay <= 0 {
		t.Sizing.MaxTradesPerDay = cfg.MaxTradesPerDay
	}
	if t.CashBalance == 0 && t.Position == nil && len(t.Trades) == 0 {
		t.CashBalance = cfg.StartBalance
		t.Equity = cfg.StartBalance
		t.PeakEquity = cfg.StartBalance
	}
}
