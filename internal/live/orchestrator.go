package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quantfold/engine/internal/config"
	"github.com/quantfold/engine/internal/decision"
	"github.com/quantfold/engine/internal/feed"
	"github.com/quantfold/engine/internal/observ"
	"github.com/quantfold/engine/internal/risk"
	"github.com/quantfold/engine/internal/state"
	"github.com/quantfold/engine/internal/strategy"
)

// Mode is derived from the two live flags: enabled gates everything,
// execute-enabled gates the router handoff.
const (
	ModeDisabled  = "live-disabled"
	ModeArmed     = "live-armed"
	ModeExecuting = "live-executing"
)

const defaultIntentHistory = 100

// ErrNotWired is returned for executable intents until a production
// order adapter is registered.
var ErrNotWired = errors.New("live order adapter not wired")

// Intent is one recorded live decision, executed or not.
type Intent struct {
	Timestamp  time.Time `json:"timestamp"`
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Action     string    `json:"action"`
	Confidence float64   `json:"confidence"`
	Edge       float64   `json:"edge"`
	RiskPct    float64   `json:"riskPct"`
	Reason     string    `json:"reason"`
	Mode       string    `json:"mode"`
	Executed   bool      `json:"executed"`
	ExecError  string    `json:"execError,omitempty"`
}

// OrderAdapter hands an actionable intent to a production router.
type OrderAdapter interface {
	Submit(tenantID string, intent Intent) error
}

// Record is the persisted per-tenant live state.
type Record struct {
	Running   bool      `json:"running"`
	Equity    float64   `json:"equity"`
	Intents   []Intent  `json:"intents"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (r *Record) copy() Record {
	out := *r
	out.Intents = make([]Intent, len(r.Intents))
	copy(out.Intents, r.Intents)
	return out
}

// Snapshot is the read-only control-surface projection.
type Snapshot struct {
	TenantID   string    `json:"tenantId"`
	Running    bool      `json:"running"`
	Mode       string    `json:"mode"`
	Equity     float64   `json:"equity"`
	LastIntent *Intent   `json:"lastIntent,omitempty"`
	Intents    []Intent  `json:"intents"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Orchestrator drives the live decision path: per-tenant lifecycle,
// tick-driven decisions, and a bounded intent log. Order handoff only
// happens in executing mode, through the registered adapter. The core
// and risk manager are the live path's own instances; paper and live
// are separate engine modes and never share a per-tenant entry.
type Orchestrator struct {
	mu          sync.Mutex
	cfg         config.Live
	core        *decision.Core
	riskMgr     *risk.Manager
	adapter     OrderAdapter
	store       state.Store
	flusher     *state.Flusher
	startEquity float64
	tenants     map[string]*Record
}

func NewOrchestrator(cfg config.Live, core *decision.Core, riskMgr *risk.Manager, adapter OrderAdapter, store state.Store, flusher *state.Flusher, startEquity float64) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		core:        core,
		riskMgr:     riskMgr,
		adapter:     adapter,
		store:       store,
		flusher:     flusher,
		startEquity: startEquity,
		tenants:     make(map[string]*Record),
	}
}

// Mode reports the current flag-derived mode.
func (o *Orchestrator) Mode() string {
	switch {
	case !o.cfg.Enabled:
		return ModeDisabled
	case o.cfg.ExecuteEnabled:
		return ModeExecuting
	default:
		return ModeArmed
	}
}

func (o *Orchestrator) historyCap() int {
	if o.cfg.IntentHistory > 0 {
		return o.cfg.IntentHistory
	}
	return defaultIntentHistory
}

// get loads or lazily creates the tenant record. Callers hold the lock.
func (o *Orchestrator) get(tenantID string) *Record {
	if rec, ok := o.tenants[tenantID]; ok {
		return rec
	}
	rec := &Record{Equity: o.startEquity}
	key := state.Key(tenantID, state.ConcernLive)
	if raw, ok, err := o.store.Get(key); err != nil {
		observ.Log("live_state_load_error", map[string]any{"tenant": tenantID, "error": err.Error()})
	} else if ok {
		var loaded Record
		if err := json.Unmarshal(raw, &loaded); err != nil {
			observ.Log("live_state_corrupt", map[string]any{"tenant": tenantID, "error": err.Error()})
		} else {
			rec = &loaded
			if rec.Equity <= 0 {
				rec.Equity = o.startEquity
			}
		}
	}
	o.tenants[tenantID] = rec
	return rec
}

func (o *Orchestrator) persist(tenantID string, rec *Record) {
	snap := rec.copy()
	o.flusher.MarkDirty(state.Key(tenantID, state.ConcernLive), func() ([]byte, error) {
		return json.Marshal(snap)
	})
}

// Start marks the tenant running. Refused outright while the global
// live flag is off.
func (o *Orchestrator) Start(tenantID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.cfg.Enabled {
		return fmt.Errorf("live trading is disabled")
	}
	rec := o.get(tenantID)
	if rec.Running {
		return fmt.Errorf("tenant %s is already running", tenantID)
	}
	rec.Running = true
	rec.StartedAt = time.Now().UTC()
	rec.UpdatedAt = rec.StartedAt
	observ.SetGauge("live_running", 1, map[string]string{"tenant": tenantID})
	observ.Log("live_started", map[string]any{"tenant": tenantID, "mode": o.Mode()})
	o.persist(tenantID, rec)
	return nil
}

func (o *Orchestrator) Stop(tenantID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec := o.get(tenantID)
	if !rec.Running {
		return fmt.Errorf("tenant %s is not running", tenantID)
	}
	rec.Running = false
	rec.UpdatedAt = time.Now().UTC()
	observ.SetGauge("live_running", 0, map[string]string{"tenant": tenantID})
	observ.Log("live_stopped", map[string]any{"tenant": tenantID})
	o.persist(tenantID, rec)
	return nil
}

// Tick runs one live decision for a running tenant and records the
// intent. Executing mode additionally hands actionable intents to the
// order adapter; without one wired, the intent carries ErrNotWired.
func (o *Orchestrator) Tick(tenantID string, tick feed.Tick) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec := o.get(tenantID)
	if !rec.Running {
		return
	}

	halted := false
	if o.riskMgr != nil {
		v := o.riskMgr.Evaluate(tenantID, rec.Equity, tick.Regime, nil, 0, tick.Timestamp)
		halted = v.Halted
	}
	d := o.core.Decide(tenantID, tick.Symbol, tick.Price, decision.TickState{
		Halted:          halted,
		Regime:          tick.Regime,
		VolatilityPulse: tick.VolatilityPulse,
	})

	mode := o.Mode()
	in := Intent{
		Timestamp:  tick.Timestamp,
		Symbol:     tick.Symbol,
		Price:      tick.Price,
		Action:     d.Action,
		Confidence: d.Confidence,
		Edge:       d.Edge,
		RiskPct:    d.RiskPct,
		Reason:     d.Reason,
		Mode:       mode,
	}
	if mode == ModeExecuting && d.Action != strategy.ActionWait {
		if o.adapter == nil {
			in.ExecError = ErrNotWired.Error()
		} else if err := o.adapter.Submit(tenantID, in); err != nil {
			in.ExecError = err.Error()
		} else {
			in.Executed = true
		}
		if in.ExecError != "" {
			observ.IncCounter("live_handoff_failures_total", map[string]string{"tenant": tenantID})
			observ.Log("live_handoff_failed", map[string]any{
				"tenant": tenantID,
				"action": d.Action,
				"error":  in.ExecError,
			})
		}
	}

	rec.Intents = append(rec.Intents, in)
	if max := o.historyCap(); len(rec.Intents) > max {
		rec.Intents = rec.Intents[len(rec.Intents)-max:]
	}
	rec.UpdatedAt = tick.Timestamp
	observ.IncCounter("live_intents_total", map[string]string{"tenant": tenantID, "action": d.Action})
	o.persist(tenantID, rec)
}

// Snapshot projects the tenant's live state without advancing it.
func (o *Orchestrator) Snapshot(tenantID string) (Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, ok := o.tenants[tenantID]
	if !ok {
		return Snapshot{}, fmt.Errorf("tenant %s not found", tenantID)
	}
	snap := Snapshot{
		TenantID:  tenantID,
		Running:   rec.Running,
		Mode:      o.Mode(),
		Equity:    rec.Equity,
		Intents:   make([]Intent, len(rec.Intents)),
		UpdatedAt: rec.UpdatedAt,
	}
	copy(snap.Intents, rec.Intents)
	if n := len(rec.Intents); n > 0 {
		last := rec.Intents[n-1]
		snap.LastIntent = &last
	}
	return snap, nil
}
