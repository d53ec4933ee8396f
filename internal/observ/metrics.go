package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64   // name -> labelsKey -> count
	gauges   map[string]map[string]float64 // name -> labelsKey -> value
	hist     map[string]map[string][]float64
}

var reg = &registry{
	counters: map[string]map[string]int64{},
	gauges:   map[string]map[string]float64{},
	hist:     map[string]map[string][]float64{},
}

// canonicalize label map so key order is stable
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	k := canonLabels(labels)
	m[k] += int64(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	k := canonLabels(labels)
	m[k] = value
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.hist[name]
	if !ok {
		m = map[string][]float64{}
		reg.hist[name] = m
	}
	k := canonLabels(labels)
	m[k] = append(m[k], value)
	// Bound histogram memory; old samples age out of the percentile window.
	if len(m[k]) > 4096 {
		m[k] = m[k][len(m[k])-2048:]
	}
}

// RecordDuration records a duration metric in milliseconds
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// Basic text/JSON dump for quick checks (not Prometheus format on purpose)
func Handler() http.Handler {
	type dump struct {
		Counters map[string]map[string]int64     `json:"counters"`
		Gauges   map[string]map[string]float64   `json:"gauges"`
		Hist     map[string]map[string][]float64 `json:"histograms"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dump{Counters: reg.counters, Gauges: reg.gauges, Hist: reg.hist})
	})
}

// HealthStatus is the engine-wide health projection served on /healthz.
type HealthStatus struct {
	Status    string        `json:"status"`    // "healthy", "degraded", "failed"
	Timestamp string        `json:"timestamp"` // ISO 8601
	Uptime    string        `json:"uptime"`    // Duration since start
	Version   string        `json:"version"`   // Build version
	Metrics   HealthMetrics `json:"metrics"`
	Details   map[string]any `json:"details"`
}

// HealthMetrics holds the figures the health status is derived from.
type HealthMetrics struct {
	// Feed
	FeedConnected    bool  `json:"feed_connected"`
	FeedTicks        int64 `json:"feed_ticks"`
	FeedStaleEvents  int64 `json:"feed_stale_events"`
	FeedReconnects   int64 `json:"feed_reconnects"`

	// Routing
	RouteAttempts     int64   `json:"route_attempts"`
	RouteSuccessRate  float64 `json:"route_success_rate"`
	RouteLatencyP95Ms int64   `json:"route_latency_p95_ms"`
	OpenCircuits      int     `json:"open_circuits"`

	// Tenants
	HaltedTenants int   `json:"halted_tenants"`
	TradesClosed  int64 `json:"trades_closed"`
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// HealthHandler serves the health projection with an HTTP status matching it.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()

		metrics := calculateHealthMetrics()
		health := HealthStatus{
			Status:    overallStatus(metrics),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Version:   version,
			Metrics:   metrics,
			Details:   gatherHealthDetails(),
		}

		statusCode := http.StatusOK
		switch health.Status {
		case "degraded":
			statusCode = http.StatusPartialContent // 206
		case "failed":
			statusCode = http.StatusServiceUnavailable // 503
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	})
}

// overallStatus maps raw metrics to healthy/degraded/failed.
func overallStatus(m HealthMetrics) string {
	// Feed down is fatal: nothing downstream can decide without ticks.
	if !m.FeedConnected && m.FeedTicks > 0 {
		return "failed"
	}
	// Every configured backend cooling means routing cannot succeed.
	if m.OpenCircuits > 0 && m.OpenCircuits >= configuredBackends() && configuredBackends() > 0 {
		return "failed"
	}
	if m.FeedStaleEvents > 10 || m.RouteLatencyP95Ms > 500 || m.HaltedTenants > 0 || m.OpenCircuits > 0 {
		return "degraded"
	}
	return "healthy"
}

// calculateHealthMetrics computes the projection from raw telemetry.
// Caller holds reg.mu.
func calculateHealthMetrics() HealthMetrics {
	m := HealthMetrics{}

	if connected, ok := reg.gauges["feed_connected"]; ok {
		for _, v := range connected {
			m.FeedConnected = v == 1
			break
		}
	}
	m.FeedTicks = sumCounter("feed_ticks_total")
	m.FeedStaleEvents = sumCounter("feed_stale_events_total")
	m.FeedReconnects = sumCounter("feed_reconnects_total")

	m.RouteAttempts = sumCounter("router_attempts_total")
	var successes int64
	if attempts, ok := reg.counters["router_attempts_total"]; ok {
		for labelKey, count := range attempts {
			if strings.Contains(labelKey, "result=success") {
				successes += count
			}
		}
	}
	if m.RouteAttempts > 0 {
		m.RouteSuccessRate = float64(successes) / float64(m.RouteAttempts)
	}
	m.RouteLatencyP95Ms = histP95("router_latency_ms")

	if states, ok := reg.gauges["backend_circuit_open"]; ok {
		for _, v := range states {
			if v == 1 {
				m.OpenCircuits++
			}
		}
	}
	if halted, ok := reg.gauges["tenant_halted"]; ok {
		for _, v := range halted {
			if v == 1 {
				m.HaltedTenants++
			}
		}
	}
	m.TradesClosed = sumCounter("trades_closed_total")

	return m
}

// configuredBackends reads the backend count gauge set at startup.
// Caller holds reg.mu.
func configuredBackends() int {
	if g, ok := reg.gauges["router_backends_configured"]; ok {
		for _, v := range g {
			return int(v)
		}
	}
	return 0
}

// sumCounter totals a counter across all label sets. Caller holds reg.mu.
func sumCounter(name string) int64 {
	var total int64
	if counts, ok := reg.counters[name]; ok {
		for _, c := range counts {
			total += c
		}
	}
	return total
}

// histP95 computes P95 over all label sets of a histogram. Caller holds reg.mu.
func histP95(name string) int64 {
	samplesByLabel, ok := reg.hist[name]
	if !ok {
		return 0
	}
	var all []float64
	for _, samples := range samplesByLabel {
		all = append(all, samples...)
	}
	if len(all) == 0 {
		return 0
	}
	sort.Float64s(all)
	idx := int(float64(len(all)) * 0.95)
	if idx >= len(all) {
		idx = len(all) - 1
	}
	return int64(all[idx])
}

// gatherHealthDetails collects per-backend and per-tenant breakdowns.
// Caller holds reg.mu.
func gatherHealthDetails() map[string]any {
	details := make(map[string]any)

	circuits := map[string]bool{}
	if states, ok := reg.gauges["backend_circuit_open"]; ok {
		for labelKey, v := range states {
			circuits[labelKey] = v == 1
		}
	}
	details["circuits"] = circuits

	halted := []string{}
	if tenants, ok := reg.gauges["tenant_halted"]; ok {
		for labelKey, v := range tenants {
			if v == 1 {
				halted = append(halted, labelKey)
			}
		}
	}
	sort.Strings(halted)
	details["halted_tenants"] = halted

	if ages, ok := reg.gauges["feed_last_message_age_ms"]; ok {
		for _, v := range ages {
			details["feed_last_message_age_ms"] = int64(v)
			break
		}
	}

	return details
}

// Simple liveness handler
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
