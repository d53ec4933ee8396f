package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/quantfold/engine/internal/config"
	"github.com/quantfold/engine/internal/observ"
)

// Tick is one normalized price update. Ephemeral; never persisted.
type Tick struct {
	Symbol          string
	Price           float64
	Timestamp       time.Time
	Regime          string
	VolatilityPulse float64
}

// Status states reported through the onStatus callback.
const (
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
	StateStaleGlobal  = "stale_global"
	StateStaleSymbol  = "stale_symbol"
)

type Status struct {
	State  string
	Symbol string // set for stale_symbol
	Detail string
}

// Stats is the feed's metrics projection.
type Stats struct {
	Connected      bool          `json:"connected"`
	Ticks          int64         `json:"ticks"`
	Throttled      int64         `json:"throttled"`
	StaleEvents    int64         `json:"stale_events"`
	Reconnects     int64         `json:"reconnects"`
	LastMessageAge time.Duration `json:"last_message_age"`
}

// HealthReport scores the feed from recent stale events.
type HealthReport struct {
	Healthy           bool          `json:"healthy"`
	Score             float64       `json:"score"`
	Connected         bool          `json:"connected"`
	RecentStaleEvents int           `json:"recent_stale_events"`
	LastMessageAge    time.Duration `json:"last_message_age"`
}

const healthWindow = 10 * time.Minute

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

type wireTrade struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

type wireEnvelope struct {
	Stream string    `json:"stream"`
	Data   wireTrade `json:"data"`
}

// Feed consumes a public trade stream for a fixed symbol set, emitting
// throttled, volatility-tagged ticks. It reconnects itself with jittered
// exponential backoff and watches for global and per-symbol staleness.
type Feed struct {
	cfg            config.Feed
	orderedSymbols []string
	symbols        map[string]struct{}
	limiters       map[string]*rate.Limiter
	vols           map[string]*volTracker

	onTick   func(Tick)
	onStatus func(Status)

	mu         sync.Mutex
	conn       *websocket.Conn
	running    bool
	cancel     context.CancelFunc
	lastSeen   map[string]time.Time
	staleFlags map[string]bool
	staleLog   []time.Time

	wg sync.WaitGroup

	lastMsg     atomic.Int64 // unix ms of last raw message
	connected   atomic.Bool
	ticks       atomic.Int64
	throttled   atomic.Int64
	staleEvents atomic.Int64
	reconnects  atomic.Int64
}

func New(cfg config.Feed) (*Feed, error) {
	f := &Feed{
		cfg:        cfg,
		symbols:    make(map[string]struct{}),
		limiters:   make(map[string]*rate.Limiter),
		vols:       make(map[string]*volTracker),
		lastSeen:   make(map[string]time.Time),
		staleFlags: make(map[string]bool),
	}
	interval := time.Duration(cfg.EmitIntervalMs) * time.Millisecond
	for _, raw := range cfg.Symbols {
		sym, err := NormalizeSymbol(raw)
		if err != nil {
			return nil, fmt.Errorf("configured symbol: %w", err)
		}
		if _, dup := f.symbols[sym]; dup {
			continue
		}
		f.symbols[sym] = struct{}{}
		f.orderedSymbols = append(f.orderedSymbols, sym)
		f.limiters[sym] = rate.NewLimiter(rate.Every(interval), 1)
		f.vols[sym] = newVolTracker(cfg.VolatilityAlpha)
	}
	if len(f.orderedSymbols) == 0 {
		return nil, fmt.Errorf("feed requires at least one symbol")
	}
	return f, nil
}

// Start launches the connection and watchdog loops. onTick runs on the
// feed's read goroutine; tick handling is synchronous by contract.
func (f *Feed) Start(onTick func(Tick), onStatus func(Status)) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("feed already running")
	}
	f.running = true
	f.onTick = onTick
	f.onStatus = onStatus
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.mu.Unlock()

	f.wg.Add(2)
	go f.run(ctx)
	go f.watchdogLoop(ctx)
	return nil
}

// Stop cancels both loops and closes the socket.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	cancel := f.cancel
	conn := f.conn
	f.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	f.wg.Wait()
	f.connected.Store(false)
	observ.SetGauge("feed_connected", 0, nil)
	observ.Log("feed_stopped", nil)
}

// run is the reconnect loop: consume until the connection drops, then
// back off exponentially with jitter, resetting once a session has
// stayed up past the stability threshold.
func (f *Feed) run(ctx context.Context) {
	defer f.wg.Done()

	base := time.Duration(f.cfg.Reconnect.BaseDelayMs) * time.Millisecond
	maxDelay := time.Duration(f.cfg.Reconnect.MaxDelayMs) * time.Millisecond
	stableAfter := time.Duration(f.cfg.Reconnect.StableAfterMs) * time.Millisecond
	backoff := base

	for {
		if ctx.Err() != nil {
			return
		}
		f.emitStatus(Status{State: StateConnecting})

		sessionStart := time.Now()
		err := f.connectAndConsume(ctx)

		f.connected.Store(false)
		observ.SetGauge("feed_connected", 0, nil)
		if ctx.Err() != nil {
			return
		}
		f.emitStatus(Status{State: StateDisconnected, Detail: errDetail(err)})
		observ.Log("feed_disconnected", map[string]any{
			"error":      errDetail(err),
			"backoff_ms": backoff.Milliseconds(),
		})

		if time.Since(sessionStart) >= stableAfter {
			backoff = base
		}

		delay := backoff
		if f.cfg.Reconnect.JitterMs > 0 {
			delay += time.Duration(rand.Intn(f.cfg.Reconnect.JitterMs)) * time.Millisecond
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		backoff = nextBackoff(backoff, f.cfg.Reconnect.Factor, maxDelay)
		f.reconnects.Add(1)
		observ.IncCounter("feed_reconnects_total", nil)
	}
}

// nextBackoff grows the delay by factor, capped at maxDelay.
func nextBackoff(cur time.Duration, factor float64, maxDelay time.Duration) time.Duration {
	next := time.Duration(float64(cur) * factor)
	if next > maxDelay {
		next = maxDelay
	}
	return next
}

func (f *Feed) connectAndConsume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.cfg.URL, err)
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer func() {
		_ = conn.Close()
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
	}()

	// The watchdog owns staleness detection; the read deadline is a
	// backstop at twice the threshold so the two never race.
	readDeadline := 2 * time.Duration(f.cfg.StaleTimeoutMs) * time.Millisecond
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	streams := make([]string, 0, len(f.orderedSymbols))
	for _, sym := range f.orderedSymbols {
		streams = append(streams, streamName(sym))
	}
	if err := conn.WriteJSON(subscribeRequest{Method: "SUBSCRIBE", Params: streams, ID: 1}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	now := time.Now()
	f.lastMsg.Store(now.UnixMilli())
	f.mu.Lock()
	for _, sym := range f.orderedSymbols {
		f.lastSeen[sym] = now
		f.staleFlags[sym] = false
	}
	f.mu.Unlock()
	f.connected.Store(true)
	observ.SetGauge("feed_connected", 1, nil)
	f.emitStatus(Status{State: StateConnected})
	observ.Log("feed_connected", map[string]any{
		"url":     f.cfg.URL,
		"symbols": len(streams),
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		now := time.Now()
		f.lastMsg.Store(now.UnixMilli())
		_ = conn.SetReadDeadline(now.Add(readDeadline))
		f.handleMessage(message, now)
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleMessage validates, throttles, and emits one wire message.
// Runs only on the read goroutine (tests drive it directly).
func (f *Feed) handleMessage(raw []byte, now time.Time) {
	var trade wireTrade
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Data.Price != "" {
		trade = env.Data
	} else if err := json.Unmarshal(raw, &trade); err != nil {
		observ.IncCounter("feed_decode_errors_total", nil)
		return
	}
	if trade.Price == "" {
		return // subscription ack or control payload
	}
	if trade.Event != "" && trade.Event != "trade" {
		return
	}

	sym, err := NormalizeSymbol(trade.Symbol)
	if err != nil {
		observ.IncCounter("feed_invalid_symbol_total", nil)
		return
	}
	if _, ok := f.symbols[sym]; !ok {
		observ.IncCounter("feed_unknown_symbol_total", map[string]string{"symbol": sym})
		return
	}
	price, err := ParsePrice(trade.Price)
	if err != nil {
		observ.IncCounter("feed_invalid_price_total", map[string]string{"symbol": sym})
		observ.Log("feed_invalid_price", map[string]any{"symbol": sym, "error": err.Error()})
		return
	}

	f.mu.Lock()
	f.lastSeen[sym] = now
	f.staleFlags[sym] = false
	f.mu.Unlock()

	if !f.limiters[sym].Allow() {
		f.throttled.Add(1)
		observ.IncCounter("feed_throttled_total", map[string]string{"symbol": sym})
		return
	}

	pulse, smoothed := f.vols[sym].update(price)
	regime := regimeFor(smoothed, f.cfg.HighVolThreshold, f.cfg.LowVolThreshold)

	ts := now
	if trade.TradeTime > 0 {
		ts = time.UnixMilli(trade.TradeTime)
	}

	f.ticks.Add(1)
	observ.IncCounter("feed_ticks_total", map[string]string{"symbol": sym})
	if f.onTick != nil {
		f.onTick(Tick{Symbol: sym, Price: price, Timestamp: ts, Regime: regime, VolatilityPulse: pulse})
	}
}

// watchdogLoop fires independently of the connection: global silence
// force-closes the socket (run() reconnects); a quiet symbol only
// records a stale event.
func (f *Feed) watchdogLoop(ctx context.Context) {
	defer f.wg.Done()

	interval := time.Duration(f.cfg.WatchdogIntervalMs) * time.Millisecond
	staleTimeout := time.Duration(f.cfg.StaleTimeoutMs) * time.Millisecond
	symbolStale := time.Duration(f.cfg.SymbolStaleMs) * time.Millisecond

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !f.connected.Load() {
				continue
			}
			age := now.Sub(time.UnixMilli(f.lastMsg.Load()))
			observ.SetGauge("feed_last_message_age_ms", float64(age.Milliseconds()), nil)

			if age > staleTimeout {
				f.recordStale("global")
				f.emitStatus(Status{State: StateStaleGlobal, Detail: age.String()})
				observ.Log("feed_stale_global", map[string]any{"age_ms": age.Milliseconds()})
				f.forceClose()
				continue
			}

			f.mu.Lock()
			var stale []string
			for sym, seen := range f.lastSeen {
				if now.Sub(seen) > symbolStale && !f.staleFlags[sym] {
					f.staleFlags[sym] = true
					stale = append(stale, sym)
				}
			}
			f.mu.Unlock()
			for _, sym := range stale {
				f.recordStale("symbol")
				f.emitStatus(Status{State: StateStaleSymbol, Symbol: sym})
				observ.Log("feed_stale_symbol", map[string]any{"symbol": sym})
			}
		}
	}
}

func (f *Feed) recordStale(scope string) {
	f.staleEvents.Add(1)
	observ.IncCounter("feed_stale_events_total", map[string]string{"scope": scope})
	f.mu.Lock()
	f.staleLog = append(f.staleLog, time.Now())
	cutoff := time.Now().Add(-healthWindow)
	for len(f.staleLog) > 0 && f.staleLog[0].Before(cutoff) {
		f.staleLog = f.staleLog[1:]
	}
	f.mu.Unlock()
}

func (f *Feed) forceClose() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (f *Feed) emitStatus(s Status) {
	if f.onStatus != nil {
		f.onStatus(s)
	}
}

func (f *Feed) Metrics() Stats {
	var age time.Duration
	if last := f.lastMsg.Load(); last > 0 {
		age = time.Since(time.UnixMilli(last))
	}
	return Stats{
		Connected:      f.connected.Load(),
		Ticks:          f.ticks.Load(),
		Throttled:      f.throttled.Load(),
		StaleEvents:    f.staleEvents.Load(),
		Reconnects:     f.reconnects.Load(),
		LastMessageAge: age,
	}
}

// Health scores the feed down as stale events accumulate in the window.
func (f *Feed) Health() HealthReport {
	f.mu.Lock()
	cutoff := time.Now().Add(-healthWindow)
	recent := 0
	for _, t := range f.staleLog {
		if t.After(cutoff) {
			recent++
		}
	}
	f.mu.Unlock()

	score := 1.0 - float64(recent)/10.0
	if score < 0 {
		score = 0
	}
	connected := f.connected.Load()

	var age time.Duration
	if last := f.lastMsg.Load(); last > 0 {
		age = time.Since(time.UnixMilli(last))
	}
	return HealthReport{
		Healthy:           connected && score >= 0.5,
		Score:             score,
		Connected:         connected,
		RecentStaleEvents: recent,
		LastMessageAge:    age,
	}
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
