package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quantfold/engine/internal/config"
	"github.com/quantfold/engine/internal/decision"
	"github.com/quantfold/engine/internal/events"
	"github.com/quantfold/engine/internal/execution"
	"github.com/quantfold/engine/internal/feed"
	"github.com/quantfold/engine/internal/fusion"
	"github.com/quantfold/engine/internal/live"
	"github.com/quantfold/engine/internal/observ"
	"github.com/quantfold/engine/internal/paper"
	"github.com/quantfold/engine/internal/portfolio"
	"github.com/quantfold/engine/internal/risk"
	"github.com/quantfold/engine/internal/state"
	"github.com/quantfold/engine/internal/strategy"
)

const version = "0.4.0"

// engine fans each feed tick out to every tenant's pipeline:
// paper simulation, risk gates, decision core, and the live orchestrator.
type engine struct {
	cfg     config.Root
	tenants []string

	sim     *paper.Simulator
	core    *decision.Core
	riskMgr *risk.Manager
	folio   *portfolio.Manager
	orch    *live.Orchestrator
	book    *strategy.LearningBook
}

func (e *engine) handleTick(tk feed.Tick) {
	for _, tenantID := range e.tenants {
		e.tickTenant(tenantID, tk)
	}
}

func (e *engine) tickTenant(tenantID string, tk feed.Tick) {
	st := e.sim.OnTick(tenantID, tk)
	outcomes := e.sim.Outcomes(tenantID)
	verdict := e.riskMgr.Evaluate(tenantID, st.Equity, tk.Regime, outcomes, st.TradeCount(), tk.Timestamp)

	side := ""
	if st.Position != nil {
		side = st.Position.Side
	}
	d := e.core.Decide(tenantID, tk.Symbol, tk.Price, decision.TickState{
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

	switch d.Action {
	case strategy.ActionBuy:
		e.tryEnter(tenantID, tk, st, verdict, d)
	case strategy.ActionSell, strategy.ActionClose:
		if st.Position != nil && st.Position.Symbol == tk.Symbol {
			if _, err := e.sim.Close(tenantID, tk.Price, tk.Timestamp); err != nil {
				observ.Log("paper_close_failed", map[string]any{
					"tenant": tenantID,
					"symbol": tk.Symbol,
					"error":  err.Error(),
				})
			}
		}
	}

	e.orch.Tick(tenantID, tk)
}

// tryEnter runs the permission chain for a BUY: cooldown, allocator cap,
// risk multiplier, then the portfolio gate. The simulator still applies
// its own tier sizing on the way in.
func (e *engine) tryEnter(tenantID string, tk feed.Tick, st paper.TenantState, verdict risk.Verdict, d decision.Decision) {
	if st.Phase != paper.PhaseReady || st.Position != nil {
		return
	}
	if verdict.Cooling {
		observ.IncCounter("entries_skipped_cooldown_total", map[string]string{"tenant": tenantID})
		return
	}

	proposed := d.RiskPct
	if ceiling := portfolio.Allocate(e.cfg.Allocator, portfolio.AllocatorInput{
		Edge:       d.Edge,
		Confidence: d.Confidence,
		Drawdown:   verdict.Drawdown,
		MarginUtil: 0,
		Regime:     tk.Regime,
	}); ceiling < proposed {
		proposed = ceiling
	}
	proposed *= verdict.RiskMultiplier
	if proposed <= 0 {
		return
	}

	var positions []portfolio.PositionView
	if st.Position != nil {
		positions = append(positions, portfolio.PositionView{
			Symbol:    st.Position.Symbol,
			Side:      st.Position.Side,
			Quantity:  st.Position.Quantity,
			LastPrice: st.Position.MarkPrice,
		})
	}
	folioVerdict := e.folio.Evaluate(portfolio.Request{
		TenantID:        tenantID,
		Symbol:          tk.Symbol,
		Equity:          st.Equity,
		ProposedRiskPct: proposed,
		Positions:       positions,
		MarginUsed:      0,
		Now:             tk.Timestamp,
	})
	if !folioVerdict.Allow {
		return
	}

	if _, err := e.sim.Enter(tenantID, tk.Symbol, tk.Price, tk.Regime, tk.Timestamp); err != nil {
		observ.Log("paper_entry_blocked", map[string]any{
			"tenant": tenantID,
			"symbol": tk.Symbol,
			"reason": err.Error(),
		})
	}
}

func (e *engine) handleStatus(s feed.Status) {
	observ.Log("feed_status", map[string]any{
		"state":  s.State,
		"symbol": s.Symbol,
		"detail": s.Detail,
	})
}

// stateHandler serves read-only snapshots. Without a tenant query param it
// reports the engine summary; with one it assembles that tenant's view
// across paper, risk, portfolio, behavioral, and live state.
func (e *engine) stateHandler(f *feed.Feed, router *execution.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		tenantID := r.URL.Query().Get("tenant")
		if tenantID == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"version":  version,
				"mode":     e.orch.Mode(),
				"tenants":  e.tenants,
				"feed":     map[string]any{"health": f.Health(), "stats": f.Metrics()},
				"backends": router.Health(),
			})
			return
		}
		snap, ok := e.sim.Snapshot(tenantID)
		if !ok {
			http.Error(w, "unknown tenant", http.StatusNotFound)
			return
		}
		resp := map[string]any{
			"tenant":     tenantID,
			"mode":       e.orch.Mode(),
			"paper":      snap,
			"behavioral": e.core.Snapshot(tenantID),
			"learning":   e.book.Snapshot(tenantID),
			"risk":       e.riskMgr.Snapshot(tenantID),
			"portfolio":  e.folio.Snapshot(tenantID),
		}
		if ls, err := e.orch.Snapshot(tenantID); err == nil {
			resp["live"] = ls
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func main() {
	var cfgPath string
	var tenantList string
	flag.StringVar(&cfgPath, "config", "", "config path (empty = built-in defaults)")
	flag.StringVar(&tenantList, "tenants", "demo", "comma-separated tenant ids")
	flag.Parse()

	// Best-effort: backend credentials usually live in a local .env.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config.example.yaml?)", err)
	}

	// Apply environment variable overrides
	if os.Getenv("KILL_SWITCH") != "" {
		cfg.Execution.KillSwitch = os.Getenv("KILL_SWITCH") == "true"
	}
	if os.Getenv("LIVE_ENABLED") != "" {
		cfg.Live.Enabled = os.Getenv("LIVE_ENABLED") == "true"
	}
	if os.Getenv("LIVE_EXECUTE_ENABLED") != "" {
		cfg.Live.ExecuteEnabled = os.Getenv("LIVE_EXECUTE_ENABLED") == "true"
	}

	var tenants []string
	for _, t := range strings.Split(tenantList, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}
	if len(tenants) == 0 {
		log.Fatalf("no tenants configured")
	}

	observ.SetVersion(version)
	observ.Log("startup", map[string]any{
		"version":      version,
		"tenants":      tenants,
		"kill_switch":  cfg.Execution.KillSwitch,
		"live_enabled": cfg.Live.Enabled,
		"live_execute": cfg.Live.ExecuteEnabled,
		"symbols":      cfg.Feed.Symbols,
	})

	store, err := state.NewFileStore(cfg.Persistence.Dir)
	if err != nil {
		log.Fatalf("open state store: %v", err)
	}
	flusher := state.NewFlusher(store, time.Duration(cfg.Persistence.FlushIntervalMs)*time.Millisecond)
	flusher.Start()
	observ.Log("persistence_init", map[string]any{
		"dir":               cfg.Persistence.Dir,
		"flush_interval_ms": cfg.Persistence.FlushIntervalMs,
	})

	sink, err := events.NewSink(cfg.Events.Path)
	if err != nil {
		log.Fatalf("open event log: %v", err)
	}
	observ.Log("events_init", map[string]any{"path": cfg.Events.Path})

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	reg := execution.NewRegistry()
	for _, name := range []string{cfg.Execution.Primary, cfg.Execution.Secondary, cfg.Execution.Tertiary} {
		if name == "" {
			continue
		}
		var b execution.Backend
		if strings.HasPrefix(name, "sandbox") {
			b = execution.NewSandbox(name, cfg.Execution.Sandbox, rng)
		} else {
			b = execution.NewProduction(name)
		}
		if err := reg.Register(b); err != nil {
			log.Fatalf("register backend %s: %v", name, err)
		}
	}
	router, err := execution.NewRouter(cfg.Execution, reg, sink)
	if err != nil {
		log.Fatalf("build execution router: %v", err)
	}
	router.SetKillSwitch(cfg.Execution.KillSwitch)
	observ.Log("execution_init", map[string]any{
		"primary":     cfg.Execution.Primary,
		"secondary":   cfg.Execution.Secondary,
		"tertiary":    cfg.Execution.Tertiary,
		"kill_switch": cfg.Execution.KillSwitch,
	})

	learning := strategy.NewLearningBook(store, flusher, cfg.Strategy.MinTradesForEval, cfg.Strategy.WinRateWindow)
	strat := strategy.NewEngine(cfg.Strategy, learning)
	brain := fusion.NewBrain(cfg.Fusion)
	core := decision.NewCore(cfg.Decision, strat, brain)
	riskMgr := risk.NewManager(cfg.Risk, sink)
	folio := portfolio.NewManager(cfg.Portfolio, nil, nil)

	repo := paper.NewRepository(store, flusher)
	sim := paper.NewSimulator(cfg.Paper, cfg.Strategy.WarmupTicks, cfg.Risk.MaxDrawdownPct, repo, brain, sink)
	observ.Log("paper_init", map[string]any{
		"start_balance": cfg.Paper.StartBalance,
		"warmup_ticks":  cfg.Strategy.WarmupTicks,
	})

	// The live path runs on its own decision and risk instances. Paper
	// and live are separate engine modes; one tenant has one state entry
	// per mode, and the two equity series never meet.
	liveBook := strategy.NewLearningBook(store, flusher, cfg.Strategy.MinTradesForEval, cfg.Strategy.WinRateWindow)
	liveStrat := strategy.NewEngine(cfg.Strategy, liveBook)
	liveCore := decision.NewCore(cfg.Decision, liveStrat, fusion.NewBrain(cfg.Fusion))
	liveRisk := risk.NewManager(cfg.Risk, sink)

	// Live order handoff stays unwired: actionable intents in executing
	// mode record a stub error instead of reaching a venue.
	orch := live.NewOrchestrator(cfg.Live, liveCore, liveRisk, nil, store, flusher, cfg.Paper.StartBalance)
	if cfg.Live.Enabled {
		for _, t := range tenants {
			if err := orch.Start(t); err != nil {
				log.Fatalf("start live orchestrator for %s: %v", t, err)
			}
		}
		observ.Log("live_init", map[string]any{"mode": orch.Mode(), "tenants": tenants})
	}

	eng := &engine{
		cfg:     cfg,
		tenants: tenants,
		sim:     sim,
		core:    core,
		riskMgr: riskMgr,
		folio:   folio,
		orch:    orch,
		book:    learning,
	}

	f, err := feed.New(cfg.Feed)
	if err != nil {
		log.Fatalf("build feed: %v", err)
	}
	if err := f.Start(eng.handleTick, eng.handleStatus); err != nil {
		log.Fatalf("start feed: %v", err)
	}
	observ.Log("feed_init", map[string]any{
		"url":     cfg.Feed.URL,
		"symbols": cfg.Feed.Symbols,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/health", observ.Health())
	mux.Handle("/healthz", observ.HealthHandler())
	mux.HandleFunc("/state", eng.stateHandler(f, router))

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	go func() {
		observ.Log("http_listen", map[string]any{"addr": cfg.Server.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	observ.Log("shutdown_begin", map[string]any{"signal": sig.String()})

	f.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		observ.Log("http_shutdown_error", map[string]any{"error": err.Error()})
	}
	flusher.Close()
	observ.Log("shutdown_complete", map[string]any{"version": version})
}
