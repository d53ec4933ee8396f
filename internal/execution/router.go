package execution

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quantfold/engine/internal/config"
	"github.com/quantfold/engine/internal/events"
	"github.com/quantfold/engine/internal/observ"
)

// CredentialCheck reports whether a backend has API credentials
// configured. Checked before any backend is invoked.
type CredentialCheck func(backend string) bool

// EnvCredentials looks for <BACKEND>_API_KEY / <BACKEND>_API_SECRET in
// the environment, uppercasing the backend name.
func EnvCredentials(backend string) bool {
	prefix := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, strings.ToUpper(backend))
	return os.Getenv(prefix+"_API_KEY") != "" && os.Getenv(prefix+"_API_SECRET") != ""
}

// Router ranks the configured backends by rolling health and fails over
// down the list. Every attempt races a timeout; a timed-out call keeps
// running but counts as a failure for circuit accounting.
type Router struct {
	mu         sync.Mutex
	cfg        config.Execution
	registry   *Registry
	health     map[string]*BackendHealth
	ranked     []string
	killSwitch bool

	sink  *events.Sink
	now   func() time.Time
	creds CredentialCheck
}

// NewRouter validates the primary/secondary/tertiary slots against the
// registry. A backend name appearing in more than one slot is a
// configuration error.
func NewRouter(cfg config.Execution, reg *Registry, sink *events.Sink) (*Router, error) {
	var ranked []string
	for _, name := range []string{cfg.Primary, cfg.Secondary, cfg.Tertiary} {
		if name == "" {
			continue
		}
		ranked = append(ranked, name)
	}
	if len(ranked) == 0 {
		return nil, fmt.Errorf("execution: no backends configured")
	}

	seen := make(map[string]bool, len(ranked))
	health := make(map[string]*BackendHealth, len(ranked))
	for _, name := range ranked {
		if seen[name] {
			return nil, fmt.Errorf("execution: backend %q configured in more than one slot", name)
		}
		seen[name] = true
		if _, ok := reg.Get(name); !ok {
			return nil, fmt.Errorf("execution: backend %q not registered", name)
		}
		health[name] = newBackendHealth(name, cfg.LatencyWindow)
	}

	r := &Router{
		cfg:        cfg,
		registry:   reg,
		health:     health,
		ranked:     ranked,
		killSwitch: cfg.KillSwitch,
		sink:       sink,
		now:        time.Now,
		creds:      EnvCredentials,
	}
	observ.SetGauge("router_backends_configured", float64(len(ranked)), nil)
	observ.Log("router_created", map[string]any{
		"backends":    ranked,
		"kill_switch": cfg.KillSwitch,
	})
	return r, nil
}

// SetKillSwitch halts or resumes all routing.
func (r *Router) SetKillSwitch(on bool) {
	r.mu.Lock()
	changed := r.killSwitch != on
	r.killSwitch = on
	r.mu.Unlock()
	if !changed {
		return
	}
	gauge := 0.0
	if on {
		gauge = 1.0
	}
	observ.SetGauge("router_kill_switch", gauge, nil)
	observ.Log("router_kill_switch", map[string]any{"engaged": on})
	if on && r.sink != nil {
		r.sink.Append(events.TypeKillSwitch, "", "kill switch engaged", nil)
	}
}

// RouteOrder validates, ranks, and attempts backends until one fills
// the order or the eligible list is exhausted.
func (r *Router) RouteOrder(ctx context.Context, p OrderParams) (Result, error) {
	r.mu.Lock()
	killed := r.killSwitch
	r.mu.Unlock()
	if killed {
		observ.IncCounter("router_rejects_total", map[string]string{"reason": "kill_switch"})
		return Result{}, NewKillSwitchError()
	}

	normalized, rerr := normalizeParams(p)
	if rerr != nil {
		observ.IncCounter("router_rejects_total", map[string]string{"reason": "invalid_order"})
		return Result{}, rerr
	}

	candidates, cooling, credMissing := r.eligible(normalized.ForceClose)
	if len(candidates) == 0 {
		if credMissing == len(r.ranked) {
			observ.IncCounter("router_rejects_total", map[string]string{"reason": "no_credentials"})
			return Result{}, NewNoCredentialsError("no backend has API credentials configured")
		}
		observ.IncCounter("router_rejects_total", map[string]string{"reason": "all_unavailable"})
		return Result{}, NewAllUnavailableError(
			fmt.Sprintf("no eligible backend (%d cooling, %d missing credentials)", cooling, credMissing), nil)
	}

	timeout := time.Duration(r.cfg.AttemptTimeoutMs) * time.Millisecond
	var lastErr error
	for _, name := range candidates {
		backend, _ := r.registry.Get(name)
		res, err := r.attempt(ctx, backend, normalized, timeout)
		if err == nil {
			return res, nil
		}
		lastErr = err
		observ.Log("router_failover", map[string]any{
			"backend": name,
			"symbol":  normalized.Symbol,
			"error":   err.Error(),
		})
	}
	observ.IncCounter("router_rejects_total", map[string]string{"reason": "exhausted"})
	return Result{}, NewAllUnavailableError(fmt.Sprintf("%d backend attempts failed", len(candidates)), lastErr)
}

// eligible returns backend names sorted by health score, best first,
// excluding cooling and credential-less backends. Ties keep the
// configured slot order.
func (r *Router) eligible(forceClose bool) (names []string, cooling, credMissing int) {
	weight := r.cfg.LatencyWeight
	if forceClose {
		weight = r.cfg.ForceCloseLatencyWeight
	}
	now := r.now()

	r.mu.Lock()
	type scored struct {
		name  string
		score float64
	}
	var list []scored
	for _, name := range r.ranked {
		h := r.health[name]
		if h.cooling(now) {
			cooling++
			observ.IncCounter("router_skips_total", map[string]string{"backend": name, "reason": "cooling"})
			continue
		}
		backend, _ := r.registry.Get(name)
		if backend.NeedsCredentials() && !r.creds(name) {
			credMissing++
			observ.IncCounter("router_skips_total", map[string]string{"backend": name, "reason": "no_credentials"})
			continue
		}
		list = append(list, scored{name: name, score: h.score(weight)})
	}
	r.mu.Unlock()

	sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })
	for _, s := range list {
		names = append(names, s.name)
	}
	return names, cooling, credMissing
}

func (r *Router) attempt(ctx context.Context, b Backend, p OrderParams, timeout time.Duration) (Result, error) {
	type outcome struct {
		order Order
		err   error
	}
	resCh := make(chan outcome, 1)
	start := time.Now()
	go func() {
		order, err := b.Execute(ctx, p)
		resCh <- outcome{order: order, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	name := b.Name()
	select {
	case out := <-resCh:
		latency := time.Since(start)
		if out.err != nil {
			r.noteFailure(name, false, out.err)
			observ.IncCounter("router_attempts_total", map[string]string{"backend": name, "result": "error"})
			return Result{}, out.err
		}
		r.noteSuccess(name, latency, out.order.Status == StatusPartiallyFilled)
		observ.IncCounter("router_attempts_total", map[string]string{"backend": name, "result": "success"})
		observ.RecordDuration("router_latency", latency, map[string]string{"backend": name})
		return Result{Backend: name, LatencyMs: latency.Milliseconds(), Order: out.order}, nil

	case <-timer.C:
		// The stray call drains into the buffered channel whenever it
		// finishes; it already counts as a failure here.
		err := NewTimeoutError(name, int(timeout.Milliseconds()))
		r.noteFailure(name, true, err)
		observ.IncCounter("router_attempts_total", map[string]string{"backend": name, "result": "timeout"})
		return Result{}, err
	}
}

func (r *Router) noteSuccess(name string, latency time.Duration, partial bool) {
	r.mu.Lock()
	r.health[name].recordSuccess(float64(latency.Milliseconds()), partial)
	r.mu.Unlock()
}

func (r *Router) noteFailure(name string, timeout bool, cause error) {
	cooldown := time.Duration(r.cfg.CooldownMs) * time.Millisecond
	r.mu.Lock()
	opened := r.health[name].recordFailure(r.now(), timeout, r.cfg.FailureThreshold, cooldown)
	until := r.health[name].CooldownUntil
	r.mu.Unlock()

	observ.Log("backend_failure", map[string]any{
		"backend": name,
		"timeout": timeout,
		"error":   cause.Error(),
	})
	if opened {
		observ.Log("backend_circuit_opened", map[string]any{
			"backend":        name,
			"cooldown_until": until.Format(time.RFC3339),
		})
		if r.sink != nil {
			r.sink.Append(events.TypeCircuitOpen, "", "failure threshold reached", map[string]any{
				"backend":        name,
				"cooldown_until": until.Format(time.RFC3339),
			})
		}
	}
}

// Health returns a copy of every backend's health state.
func (r *Router) Health() map[string]BackendHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]BackendHealth, len(r.health))
	for name, h := range r.health {
		out[name] = h.snapshot()
	}
	return out
}
