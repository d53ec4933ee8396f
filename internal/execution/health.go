package execution

import (
	"time"

	"github.com/quantfold/engine/internal/observ"
)

// BackendHealth tracks rolling health for one backend. All mutation
// happens under the router's lock.
type BackendHealth struct {
	Name          string    `json:"name"`
	Failures      int       `json:"failures"` // consecutive
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	TotalAttempts int64     `json:"total_attempts"`
	Successes     int64     `json:"successes"`
	Timeouts      int64     `json:"timeouts"`
	PartialFills  int64     `json:"partial_fills"`

	latencies     []float64
	latencyWindow int
}

func newBackendHealth(name string, latencyWindow int) *BackendHealth {
	if latencyWindow <= 0 {
		latencyWindow = 50
	}
	return &BackendHealth{Name: name, latencyWindow: latencyWindow}
}

// recordSuccess resets the consecutive-failure count; one good fill
// closes the circuit.
func (h *BackendHealth) recordSuccess(latencyMs float64, partial bool) {
	h.TotalAttempts++
	h.Successes++
	h.Failures = 0
	if partial {
		h.PartialFills++
	}
	h.latencies = append(h.latencies, latencyMs)
	if len(h.latencies) > h.latencyWindow {
		h.latencies = h.latencies[len(h.latencies)-h.latencyWindow:]
	}
	if !h.CooldownUntil.IsZero() {
		h.CooldownUntil = time.Time{}
		observ.SetGauge("backend_circuit_open", 0, map[string]string{"backend": h.Name})
	}
}

// recordFailure counts the attempt and opens the circuit once the
// consecutive-failure threshold is hit. Returns true when this call
// opened it.
func (h *BackendHealth) recordFailure(now time.Time, timeout bool, threshold int, cooldown time.Duration) bool {
	h.TotalAttempts++
	h.Failures++
	if timeout {
		h.Timeouts++
	}
	if threshold > 0 && h.Failures >= threshold && !h.cooling(now) {
		h.CooldownUntil = now.Add(cooldown)
		observ.IncCounter("backend_circuit_open_total", map[string]string{"backend": h.Name})
		observ.SetGauge("backend_circuit_open", 1, map[string]string{"backend": h.Name})
		return true
	}
	return false
}

func (h *BackendHealth) cooling(now time.Time) bool {
	return now.Before(h.CooldownUntil)
}

// successRate is optimistic before any attempts so fresh backends get
// ranked and tried.
func (h *BackendHealth) successRate() float64 {
	if h.TotalAttempts == 0 {
		return 1.0
	}
	return float64(h.Successes) / float64(h.TotalAttempts)
}

func (h *BackendHealth) avgLatencyMs() float64 {
	if len(h.latencies) == 0 {
		return 0
	}
	var sum float64
	for _, l := range h.latencies {
		sum += l
	}
	return sum / float64(len(h.latencies))
}

// score blends success rate with inverse latency. latencyWeight rises
// during forced closes, when a slow fill is worse than a pricier one.
func (h *BackendHealth) score(latencyWeight float64) float64 {
	latencyScore := 100 / (100 + h.avgLatencyMs())
	return (1-latencyWeight)*h.successRate() + latencyWeight*latencyScore
}

// snapshot copies the state for read-only introspection.
func (h *BackendHealth) snapshot() BackendHealth {
	cp := *h
	cp.latencies = nil
	return cp
}
