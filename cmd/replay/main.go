package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/quantfold/engine/internal/config"
	"github.com/quantfold/engine/internal/decision"
	"github.com/quantfold/engine/internal/feed"
	"github.com/quantfold/engine/internal/fusion"
	"github.com/quantfold/engine/internal/paper"
	"github.com/quantfold/engine/internal/portfolio"
	"github.com/quantfold/engine/internal/risk"
	"github.com/quantfold/engine/internal/state"
	"github.com/quantfold/engine/internal/strategy"
)

// tickLine is one recorded tick in the JSONL fixture.
type tickLine struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	TS     time.Time `json:"ts"`
}

// runner is the offline twin of the engine's per-tick pipeline: same
// simulator, risk gates, and decision core, no feed and no live path.
type runner struct {
	cfg     config.Root
	sim     *paper.Simulator
	core    *decision.Core
	riskMgr *risk.Manager
	folio   *portfolio.Manager

	decisions map[string]int
}

func (r *runner) step(tenantID string, tk feed.Tick) {
	st := r.sim.OnTick(tenantID, tk)
	outcomes := r.sim.Outcomes(tenantID)
	verdict := r.riskMgr.Evaluate(tenantID, st.Equity, tk.Regime, outcomes, st.TradeCount(), tk.Timestamp)

	side := ""
	if st.Position != nil {
		side = st.Position.Side
	}
	d := r.core.Decide(tenantID, tk.Symbol, tk.Price, decision.TickState{
		RealizedPnL:     st.Realized.NetPnL,
		HasPosition:     st.Position != nil,
		PositionSide:    side,
		Halted:          st.Limits.Halted || verdict.Halted,
		TradesToday:     st.Limits.TradesToday,
		MaxTradesPerDay: st.Sizing.MaxTradesPerDay,
		Regime:          tk.Regime,
		VolatilityPulse: tk.VolatilityPulse,
		Trades:          outcomes,
		TradeCount:      st.TradeCount(),
	})
	r.decisions[d.Action]++

	switch d.Action {
	case strategy.ActionBuy:
		if st.Phase != paper.PhaseReady || st.Position != nil || verdict.Cooling {
			return
		}
		proposed := d.RiskPct
		if ceiling := portfolio.Allocate(r.cfg.Allocator, portfolio.AllocatorInput{
			Edge:       d.Edge,
			Confidence: d.Confidence,
			Drawdown:   verdict.Drawdown,
			Regime:     tk.Regime,
		}); ceiling < proposed {
			proposed = ceiling
		}
		proposed *= verdict.RiskMultiplier
		if proposed <= 0 {
			return
		}
		folioVerdict := r.folio.Evaluate(portfolio.Request{
			TenantID:        tenantID,
			Symbol:          tk.Symbol,
			Equity:          st.Equity,
			ProposedRiskPct: proposed,
			Now:             tk.Timestamp,
		})
		if !folioVerdict.Allow {
			return
		}
		_, _ = r.sim.Enter(tenantID, tk.Symbol, tk.Price, tk.Regime, tk.Timestamp)
	case strategy.ActionSell, strategy.ActionClose:
		if st.Position != nil && st.Position.Symbol == tk.Symbol {
			_, _ = r.sim.Close(tenantID, tk.Price, tk.Timestamp)
		}
	}
}

func main() {
	log.SetFlags(0)
	var cfgPath string
	var ticksPath string
	var tenantID string
	flag.StringVar(&cfgPath, "config", "", "config path (empty = built-in defaults)")
	flag.StringVar(&ticksPath, "ticks", "fixtures/ticks.jsonl", "JSONL tick fixture")
	flag.StringVar(&tenantID, "tenant", "replay", "tenant id for the run")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store := state.NewMemStore()
	flusher := state.NewFlusher(store, time.Hour)
	repo := paper.NewRepository(store, flusher)
	learning := strategy.NewLearningBook(store, flusher, cfg.Strategy.MinTradesForEval, cfg.Strategy.WinRateWindow)
	strat := strategy.NewEngine(cfg.Strategy, learning)
	brain := fusion.NewBrain(cfg.Fusion)

	r := &runner{
		cfg:       cfg,
		sim:       paper.NewSimulator(cfg.Paper, cfg.Strategy.WarmupTicks, cfg.Risk.MaxDrawdownPct, repo, brain, nil),
		core:      decision.NewCore(cfg.Decision, strat, brain),
		riskMgr:   risk.NewManager(cfg.Risk, nil),
		folio:     portfolio.NewManager(cfg.Portfolio, nil, nil),
		decisions: map[string]int{},
	}

	f, err := os.Open(ticksPath)
	if err != nil {
		log.Fatalf("open %s: %v", ticksPath, err)
	}
	defer f.Close()

	tagger := feed.NewTagger(cfg.Feed)
	var processed, skipped int
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var tl tickLine
		if err := json.Unmarshal(line, &tl); err != nil || tl.Symbol == "" || tl.Price <= 0 {
			skipped++
			continue
		}
		r.step(tenantID, tagger.Tick(tl.Symbol, tl.Price, tl.TS))
		processed++
	}
	if err := sc.Err(); err != nil {
		log.Fatalf("scan %s: %v", ticksPath, err)
	}

	snap, ok := r.sim.Snapshot(tenantID)
	if !ok {
		log.Fatalf("no ticks reached tenant %s", tenantID)
	}
	for _, t := range snap.Trades {
		b, _ := json.Marshal(t)
		fmt.Printf("%s\n", b)
	}
	summary := map[string]any{
		"tenant":    tenantID,
		"ticks":     processed,
		"skipped":   skipped,
		"decisions": r.decisions,
		"phase":     snap.Phase,
		"equity":    snap.Equity,
		"cash":      snap.CashBalance,
		"peak":      snap.PeakEquity,
		"realized":  snap.Realized,
		"costs":     snap.Costs,
		"halted":    snap.Limits.Halted,
	}
	b, _ := json.Marshal(summary)
	fmt.Printf("%s\n", b)
}
