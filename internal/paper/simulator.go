package paper

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/quantfold/engine/internal/config"
	"github.com/quantfold/engine/internal/events"
	"github.com/quantfold/engine/internal/feed"
	"github.com/quantfold/engine/internal/fusion"
	"github.com/quantfold/engine/internal/observ"
	"github.com/quantfold/engine/internal/strategy"
)

// Sizing patch clamp bands.
const (
	baselineFloor = 0.005
	baselineCeil  = 0.10
	maxPctFloor   = 0.01
	maxPctCeil    = 0.25
	tradesCeil    = 50
)

// Patch is a runtime sizing update; nil fields are left untouched.
type Patch struct {
	BaselinePct     *float64 `json:"baselinePct,omitempty"`
	MaxPct          *float64 `json:"maxPct,omitempty"`
	MaxTradesPerDay *int     `json:"maxTradesPerDay,omitempty"`
}

// Simulator runs the per-tenant paper trading state machine: warm-up,
// tiered entries, cost-modeled fills, profile-driven exits, and a
// drawdown halt that only an explicit reset clears.
type Simulator struct {
	mu          sync.Mutex
	cfg         config.Paper
	warmupTicks int
	maxDrawdown float64
	repo        *Repository
	brain       *fusion.Brain
	sink        *events.Sink
	tenants     map[string]*TenantState
}

func NewSimulator(cfg config.Paper, warmupTicks int, maxDrawdownPct float64, repo *Repository, brain *fusion.Brain, sink *events.Sink) *Simulator {
	if warmupTicks <= 0 {
		warmupTicks = 20
	}
	if maxDrawdownPct <= 0 {
		maxDrawdownPct = 0.20
	}
	return &Simulator{
		cfg:         cfg,
		warmupTicks: warmupTicks,
		maxDrawdown: maxDrawdownPct,
		repo:        repo,
		brain:       brain,
		sink:        sink,
		tenants:     make(map[string]*TenantState),
	}
}

func dayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// get loads or lazily creates the tenant record. Callers hold the lock.
func (s *Simulator) get(tenantID string, now time.Time) *TenantState {
	if st, ok := s.tenants[tenantID]; ok {
		return st
	}
	if st, ok := s.repo.Load(tenantID, s.cfg); ok {
		s.tenants[tenantID] = st
		return st
	}
	st := newTenantState(s.cfg, dayOf(now))
	s.tenants[tenantID] = st
	observ.Log("paper_tenant_created", map[string]any{
		"tenant":  tenantID,
		"balance": st.CashBalance,
	})
	return st
}

// OnTick advances the tenant's simulation by one market tick: warm-up
// counting, mark-to-market, profile exits, and the drawdown halt.
func (s *Simulator) OnTick(tenantID string, tick feed.Tick) TenantState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(tenantID, tick.Timestamp)
	s.rolloverDay(tenantID, st, tick.Timestamp)

	st.TicksSeen++
	if st.Phase == PhaseWarmingUp && st.TicksSeen >= s.warmupTicks {
		st.Phase = PhaseReady
		observ.Log("paper_ready", map[string]any{"tenant": tenantID, "ticks": st.TicksSeen})
	}

	if pos := st.Position; pos != nil {
		if tick.Symbol == pos.Symbol {
			pos.MarkPrice = tick.Price
		}
		st.Equity = st.CashBalance + pos.Quantity*pos.MarkPrice
		if tick.Symbol == pos.Symbol {
			if reason, hit := exitReason(pos, tick.Price, tick.Timestamp, s.profileCfg(pos.Profile)); hit {
				s.closeLocked(tenantID, st, tick.Price, tick.Timestamp, reason)
			}
		}
	} else {
		st.Equity = st.CashBalance
	}

	if st.Equity > st.PeakEquity {
		st.PeakEquity = st.Equity
	}
	if !st.Limits.Halted && st.PeakEquity > 0 {
		if dd := (st.PeakEquity - st.Equity) / st.PeakEquity; dd > s.maxDrawdown {
			if st.Position != nil {
				s.closeLocked(tenantID, st, st.Position.MarkPrice, tick.Timestamp, ExitHalted)
			}
			st.Limits.Halted = true
			st.Limits.HaltReason = "max_drawdown"
			st.Phase = PhaseHalted
			observ.IncCounter("paper_halts_total", map[string]string{"tenant": tenantID})
			observ.Log("paper_halt", map[string]any{
				"tenant":   tenantID,
				"equity":   st.Equity,
				"peak":     st.PeakEquity,
				"drawdown": dd,
			})
		}
	}

	st.UpdatedAt = tick.Timestamp
	s.persist(tenantID, st)
	return st.copy()
}

// Enter opens a long position sized by the tier rule, applying fee,
// half-spread, and slippage against the fill.
func (s *Simulator) Enter(tenantID, symbol string, price float64, regime string, now time.Time) (TenantState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(tenantID, now)
	switch {
	case st.Limits.Halted:
		return st.copy(), fmt.Errorf("tenant %s is halted (%s)", tenantID, st.Limits.HaltReason)
	case st.Phase == PhaseWarmingUp:
		return st.copy(), fmt.Errorf("tenant %s is still warming up", tenantID)
	case st.Phase == PhaseInPosition:
		return st.copy(), fmt.Errorf("tenant %s already holds a position", tenantID)
	case st.Phase != PhaseReady:
		return st.copy(), fmt.Errorf("tenant %s cannot enter in phase %s", tenantID, st.Phase)
	}
	if st.Limits.TradesToday >= st.Sizing.MaxTradesPerDay {
		return st.copy(), fmt.Errorf("daily trade cap reached (%d)", st.Sizing.MaxTradesPerDay)
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return st.copy(), fmt.Errorf("invalid entry price %v", price)
	}

	frac := s.sizingFraction(st)
	notional := st.Equity * frac
	halfSpread := s.cfg.SpreadPct / 2
	effEntry := price * (1 + halfSpread + s.cfg.SlippagePct)
	qty := notional / effEntry
	fee := notional * s.cfg.FeeRate

	st.CashBalance -= notional + fee
	st.Costs.FeePaid += fee
	st.Costs.Spread += qty * price * halfSpread
	st.Costs.Slippage += qty * price * s.cfg.SlippagePct
	observ.IncCounterBy("paper_fees_paid_total", map[string]string{"tenant": tenantID}, fee)

	profile := s.profileFor(regime)
	st.Position = &Position{
		Symbol:     symbol,
		Side:       "buy",
		Quantity:   qty,
		EntryMark:  price,
		EntryPrice: effEntry,
		CostBasis:  notional + fee,
		MarkPrice:  price,
		OpenedAt:   now,
		Profile:    profile,
	}
	st.Limits.TradesToday++
	st.Phase = PhaseInPosition
	st.Equity = st.CashBalance + qty*price
	st.UpdatedAt = now

	observ.IncCounter("paper_entries_total", map[string]string{"tenant": tenantID, "profile": profile})
	observ.Log("paper_entry", map[string]any{
		"tenant":   tenantID,
		"symbol":   symbol,
		"price":    price,
		"quantity": qty,
		"fraction": frac,
		"profile":  profile,
	})
	s.persist(tenantID, st)
	return st.copy(), nil
}

// Close exits the open position at the given price, for manual closes.
func (s *Simulator) Close(tenantID string, price float64, now time.Time) (TenantState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(tenantID, now)
	if st.Position == nil {
		return st.copy(), fmt.Errorf("tenant %s has no open position", tenantID)
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return st.copy(), fmt.Errorf("invalid exit price %v", price)
	}
	s.closeLocked(tenantID, st, price, now, ExitManual)
	st.UpdatedAt = now
	s.persist(tenantID, st)
	return st.copy(), nil
}

// closeLocked settles the open position at price: costs, realized
// stats, daily counters, and the forceBaseline flag.
func (s *Simulator) closeLocked(tenantID string, st *TenantState, price float64, now time.Time, reason string) {
	pos := st.Position
	halfSpread := s.cfg.SpreadPct / 2
	effExit := price * (1 - halfSpread - s.cfg.SlippagePct)
	proceeds := pos.Quantity * effExit
	exitFee := proceeds * s.cfg.FeeRate

	st.CashBalance += proceeds - exitFee
	st.Costs.FeePaid += exitFee
	st.Costs.Spread += pos.Quantity * price * halfSpread
	st.Costs.Slippage += pos.Quantity * price * s.cfg.SlippagePct
	observ.IncCounterBy("paper_fees_paid_total", map[string]string{"tenant": tenantID}, exitFee)

	pnl := proceeds - exitFee - pos.CostBasis
	win := pnl > 0
	if win {
		st.Realized.Wins++
		st.Limits.ForceBaseline = false
	} else {
		st.Realized.Losses++
		st.Limits.LossesToday++
		if st.Limits.LossesToday >= 2 {
			st.Limits.ForceBaseline = true
		}
	}
	st.Realized.NetPnL += pnl

	st.Trades = append(st.Trades, Trade{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  effExit,
		PnL:        pnl,
		Win:        win,
		Reason:     reason,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   now,
	})
	if len(st.Trades) > tradeHistoryCap {
		st.Trades = st.Trades[len(st.Trades)-tradeHistoryCap:]
	}

	st.Position = nil
	st.Phase = PhaseReady
	st.Equity = st.CashBalance

	result := "loss"
	if win {
		result = "win"
	}
	observ.IncCounter("paper_trades_total", map[string]string{
		"tenant": tenantID,
		"reason": reason,
		"result": result,
	})
	observ.Log("paper_trade_closed", map[string]any{
		"tenant": tenantID,
		"symbol": pos.Symbol,
		"reason": reason,
		"pnl":    pnl,
		"equity": st.Equity,
	})
	if s.brain != nil {
		s.brain.RecordOutcome(tenantID, pnl)
	}
}

// exitReason classifies the exit against the active profile, on the
// raw price move from the entry mark.
func exitReason(pos *Position, price float64, now time.Time, prof config.Profile) (string, bool) {
	change := (price - pos.EntryMark) / pos.EntryMark
	switch {
	case change >= prof.TakeProfitPct:
		return ExitTakeProfit, true
	case change <= -prof.StopLossPct:
		return ExitStopLoss, true
	case now.Sub(pos.OpenedAt) >= time.Duration(prof.MaxHoldMinutes)*time.Minute:
		return ExitTimeExpiry, true
	}
	return "", false
}

// sizingFraction grows linearly from baseline to max across each tier
// of equity; forceBaseline collapses it to exactly the baseline.
func (s *Simulator) sizingFraction(st *TenantState) float64 {
	if st.Limits.ForceBaseline {
		return st.Sizing.BaselinePct
	}
	tier := s.cfg.TierSize
	if tier <= 0 {
		return st.Sizing.BaselinePct
	}
	progress := math.Mod(st.Equity, tier) / tier
	return st.Sizing.BaselinePct + (st.Sizing.MaxPct-st.Sizing.BaselinePct)*progress
}

func (s *Simulator) profileFor(regime string) string {
	if regime == feed.RegimeHighVol {
		return ProfileScalp
	}
	return ProfileSwing
}

func (s *Simulator) profileCfg(name string) config.Profile {
	if name == ProfileScalp {
		return s.cfg.Scalp
	}
	return s.cfg.Swing
}

func (s *Simulator) rolloverDay(tenantID string, st *TenantState, now time.Time) {
	key := dayOf(now)
	if key == st.Limits.DayKey {
		return
	}
	st.Limits.TradesToday = 0
	st.Limits.LossesToday = 0
	st.Limits.ForceBaseline = false
	st.Limits.DayKey = key
	observ.Log("paper_day_reset", map[string]any{"tenant": tenantID, "day": key})
}

// SetConfig validates and applies a sizing patch. Values clamp to the
// documented bands; an inverted baseline/max pair is rejected whole.
func (s *Simulator) SetConfig(tenantID string, p Patch) (TenantState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(tenantID, time.Now())
	sz := st.Sizing
	if p.BaselinePct != nil {
		b := *p.BaselinePct
		if math.IsNaN(b) || b <= 0 {
			return st.copy(), fmt.Errorf("baseline_pct must be positive, got %v", b)
		}
		sz.BaselinePct = clampFloat(b, baselineFloor, baselineCeil)
	}
	if p.MaxPct != nil {
		m := *p.MaxPct
		if math.IsNaN(m) || m <= 0 {
			return st.copy(), fmt.Errorf("max_pct must be positive, got %v", m)
		}
		sz.MaxPct = clampFloat(m, maxPctFloor, maxPctCeil)
	}
	if p.MaxTradesPerDay != nil {
		n := *p.MaxTradesPerDay
		if n <= 0 {
			return st.copy(), fmt.Errorf("max_trades_per_day must be positive, got %d", n)
		}
		if n > tradesCeil {
			n = tradesCeil
		}
		sz.MaxTradesPerDay = n
	}
	if sz.BaselinePct > sz.MaxPct {
		return st.copy(), fmt.Errorf("baseline_pct %v exceeds max_pct %v", sz.BaselinePct, sz.MaxPct)
	}

	st.Sizing = sz
	observ.Log("paper_config_patched", map[string]any{
		"tenant":             tenantID,
		"baseline_pct":       sz.BaselinePct,
		"max_pct":            sz.MaxPct,
		"max_trades_per_day": sz.MaxTradesPerDay,
	})
	s.persist(tenantID, st)
	return st.copy(), nil
}

// HardReset reinitializes the tenant to defaults and persists at once.
func (s *Simulator) HardReset(tenantID string) TenantState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := newTenantState(s.cfg, dayOf(time.Now()))
	s.tenants[tenantID] = st
	if err := s.repo.SaveNow(tenantID, st.copy()); err != nil {
		observ.Log("paper_reset_persist_error", map[string]any{
			"tenant": tenantID,
			"error":  err.Error(),
		})
	}
	if s.sink != nil {
		s.sink.Append(events.TypeHardReset, tenantID, "paper state reinitialized", map[string]any{
			"balance": st.CashBalance,
		})
	}
	observ.IncCounter("paper_resets_total", map[string]string{"tenant": tenantID})
	observ.Log("paper_hard_reset", map[string]any{"tenant": tenantID})
	return st.copy()
}

// Snapshot returns the tenant's state without advancing it.
func (s *Simulator) Snapshot(tenantID string) (TenantState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tenants[tenantID]
	if !ok {
		return TenantState{}, false
	}
	return st.copy(), true
}

// Outcomes adapts the trade history for the learning and risk layers.
func (s *Simulator) Outcomes(tenantID string) []strategy.TradeOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tenants[tenantID]
	if !ok {
		return nil
	}
	out := make([]strategy.TradeOutcome, len(st.Trades))
	for i, tr := range st.Trades {
		out[i] = strategy.TradeOutcome{PnL: tr.PnL, Win: tr.Win}
	}
	return out
}

func (s *Simulator) persist(tenantID string, st *TenantState) {
	s.repo.MarkDirty(tenantID, st.copy())
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
