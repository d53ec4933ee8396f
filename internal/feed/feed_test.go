package feed

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/engine/internal/config"
)

func newTestFeed(t *testing.T, mutate func(*config.Feed)) *Feed {
	t.Helper()
	cfg := config.Feed{
		URL:                "ws://unused",
		Symbols:            []string{"BTCUSDT", "ETHUSDT"},
		EmitIntervalMs:     0, // unthrottled unless a test opts in
		StaleTimeoutMs:     30000,
		SymbolStaleMs:      10000,
		WatchdogIntervalMs: 5000,
		VolatilityAlpha:    0.2,
		HighVolThreshold:   0.004,
		LowVolThreshold:    0.0003,
		Reconnect: config.Reconnect{
			BaseDelayMs:   10,
			MaxDelayMs:    50,
			Factor:        2.0,
			JitterMs:      1,
			StableAfterMs: 60000,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f, err := New(cfg)
	require.NoError(t, err)
	return f
}

func tradeMsg(sym, price string) []byte {
	return []byte(fmt.Sprintf(`{"e":"trade","s":%q,"p":%q}`, sym, price))
}

func TestNewValidatesSymbols(t *testing.T) {
	_, err := New(config.Feed{Symbols: nil})
	require.Error(t, err)

	_, err = New(config.Feed{Symbols: []string{"BTC$USDT"}})
	require.Error(t, err)

	f, err := New(config.Feed{Symbols: []string{"btcusdt", "BTC/USDT"}})
	require.NoError(t, err)
	assert.Len(t, f.orderedSymbols, 1, "aliases of one pair collapse to a single subscription")
}

func TestHandleMessageEmitsTick(t *testing.T) {
	f := newTestFeed(t, nil)
	var got []Tick
	f.onTick = func(tk Tick) { got = append(got, tk) }

	now := time.Now()
	f.handleMessage([]byte(`{"e":"trade","s":"BTCUSDT","p":"50000.25","T":1700000000000}`), now)

	require.Len(t, got, 1)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
	assert.Equal(t, 50000.25, got[0].Price)
	assert.Equal(t, time.UnixMilli(1700000000000), got[0].Timestamp)
	assert.EqualValues(t, 1, f.ticks.Load())
}

func TestHandleMessageCombinedStreamEnvelope(t *testing.T) {
	f := newTestFeed(t, nil)
	var got []Tick
	f.onTick = func(tk Tick) { got = append(got, tk) }

	raw := []byte(`{"stream":"ethusdt@trade","data":{"e":"trade","s":"ETHUSDT","p":"3000"}}`)
	f.handleMessage(raw, time.Now())

	require.Len(t, got, 1)
	assert.Equal(t, "ETHUSDT", got[0].Symbol)
	assert.Equal(t, 3000.0, got[0].Price)
}

func TestHandleMessageIgnoresControlPayloads(t *testing.T) {
	f := newTestFeed(t, nil)
	var got []Tick
	f.onTick = func(tk Tick) { got = append(got, tk) }

	now := time.Now()
	f.handleMessage([]byte(`{"result":null,"id":1}`), now)
	f.handleMessage([]byte(`{"e":"kline","s":"BTCUSDT","p":"100"}`), now)
	f.handleMessage([]byte(`not json`), now)

	assert.Empty(t, got)
}

func TestHandleMessageSkipsUnknownSymbol(t *testing.T) {
	f := newTestFeed(t, nil)
	var got []Tick
	f.onTick = func(tk Tick) { got = append(got, tk) }

	f.handleMessage(tradeMsg("DOGEUSDT", "0.1"), time.Now())

	assert.Empty(t, got)
	assert.EqualValues(t, 0, f.ticks.Load())
}

func TestHandleMessageRejectsInvalidPrice(t *testing.T) {
	f := newTestFeed(t, nil)
	var got []Tick
	f.onTick = func(tk Tick) { got = append(got, tk) }

	now := time.Now()
	f.handleMessage(tradeMsg("BTCUSDT", "0"), now)
	f.handleMessage(tradeMsg("BTCUSDT", "-5"), now)
	f.handleMessage(tradeMsg("BTCUSDT", "NaN"), now)
	f.handleMessage(tradeMsg("BTCUSDT", "abc"), now)

	assert.Empty(t, got)
}

func TestHandleMessageThrottlesPerSymbol(t *testing.T) {
	f := newTestFeed(t, func(c *config.Feed) { c.EmitIntervalMs = 60000 })
	var got []Tick
	f.onTick = func(tk Tick) { got = append(got, tk) }

	now := time.Now()
	f.handleMessage(tradeMsg("BTCUSDT", "100"), now)
	f.handleMessage(tradeMsg("BTCUSDT", "101"), now)
	f.handleMessage(tradeMsg("BTCUSDT", "102"), now)

	require.Len(t, got, 1, "burst of one per interval")
	assert.EqualValues(t, 2, f.throttled.Load())

	// a different symbol has its own budget
	f.handleMessage(tradeMsg("ETHUSDT", "3000"), now)
	require.Len(t, got, 2)
	assert.Equal(t, "ETHUSDT", got[1].Symbol)
}

func TestHandleMessageTagsRegime(t *testing.T) {
	f := newTestFeed(t, func(c *config.Feed) { c.VolatilityAlpha = 1.0 })
	var got []Tick
	f.onTick = func(tk Tick) { got = append(got, tk) }

	now := time.Now()
	f.handleMessage(tradeMsg("BTCUSDT", "100"), now) // seeds: no history yet
	f.handleMessage(tradeMsg("BTCUSDT", "101"), now) // +1% move
	f.handleMessage(tradeMsg("BTCUSDT", "101"), now) // flat

	require.Len(t, got, 3)
	assert.Equal(t, RegimeLowVol, got[0].Regime)
	assert.Equal(t, 0.0, got[0].VolatilityPulse)
	assert.Equal(t, RegimeHighVol, got[1].Regime)
	assert.InDelta(t, 0.01, got[1].VolatilityPulse, 1e-9)
	assert.Equal(t, RegimeLowVol, got[2].Regime)
}

func TestNextBackoff(t *testing.T) {
	maxDelay := 30 * time.Second
	if got := nextBackoff(time.Second, 2.0, maxDelay); got != 2*time.Second {
		t.Fatalf("nextBackoff = %v, want 2s", got)
	}
	if got := nextBackoff(20*time.Second, 2.0, maxDelay); got != maxDelay {
		t.Fatalf("nextBackoff = %v, want cap %v", got, maxDelay)
	}
}

// --- socket-level tests ---

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// tradeServer upgrades each connection, consumes the subscribe frame,
// then hands the socket to script with a 1-based session number.
func tradeServer(t *testing.T, script func(conn *websocket.Conn, session int64)) (string, *atomic.Int64) {
	t.Helper()
	var sessions atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		script(conn, sessions.Add(1))
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &sessions
}

// holdOpen blocks until the peer closes the socket.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func waitTick(t *testing.T, ticks <-chan Tick) Tick {
	t.Helper()
	select {
	case tk := <-ticks:
		return tk
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for tick")
		return Tick{}
	}
}

func TestFeedStreamsFromServer(t *testing.T) {
	url, sessions := tradeServer(t, func(conn *websocket.Conn, _ int64) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, tradeMsg("BTCUSDT", "50000"))
		_ = conn.WriteMessage(websocket.TextMessage, tradeMsg("ETHUSDT", "3000"))
		holdOpen(conn)
	})

	f := newTestFeed(t, func(c *config.Feed) { c.URL = url })
	ticks := make(chan Tick, 16)
	require.NoError(t, f.Start(func(tk Tick) { ticks <- tk }, nil))
	defer f.Stop()

	tk := waitTick(t, ticks)
	assert.Equal(t, "BTCUSDT", tk.Symbol)
	assert.Equal(t, 50000.0, tk.Price)

	tk = waitTick(t, ticks)
	assert.Equal(t, "ETHUSDT", tk.Symbol)

	require.Eventually(t, func() bool { return f.Metrics().Connected }, time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, sessions.Load())
}

func TestFeedReconnectsAfterDrop(t *testing.T) {
	url, sessions := tradeServer(t, func(conn *websocket.Conn, session int64) {
		if session == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, tradeMsg("BTCUSDT", "100"))
			return // handler's deferred Close drops the session
		}
		_ = conn.WriteMessage(websocket.TextMessage, tradeMsg("BTCUSDT", "101"))
		holdOpen(conn)
	})

	f := newTestFeed(t, func(c *config.Feed) { c.URL = url })
	ticks := make(chan Tick, 16)
	require.NoError(t, f.Start(func(tk Tick) { ticks <- tk }, nil))
	defer f.Stop()

	assert.Equal(t, 100.0, waitTick(t, ticks).Price)
	assert.Equal(t, 101.0, waitTick(t, ticks).Price)
	assert.GreaterOrEqual(t, sessions.Load(), int64(2))
	assert.GreaterOrEqual(t, f.Metrics().Reconnects, int64(1))
}

func TestWatchdogForceClosesOnGlobalSilence(t *testing.T) {
	url, sessions := tradeServer(t, func(conn *websocket.Conn, _ int64) {
		_ = conn.WriteMessage(websocket.TextMessage, tradeMsg("BTCUSDT", "100"))
		holdOpen(conn) // stays open but silent
	})

	f := newTestFeed(t, func(c *config.Feed) {
		c.URL = url
		c.StaleTimeoutMs = 200
		c.WatchdogIntervalMs = 50
	})
	ticks := make(chan Tick, 16)
	require.NoError(t, f.Start(func(tk Tick) { ticks <- tk }, nil))
	defer f.Stop()

	waitTick(t, ticks)
	require.Eventually(t, func() bool {
		return f.Metrics().StaleEvents >= 1 && sessions.Load() >= 2
	}, 5*time.Second, 20*time.Millisecond, "watchdog should tear down the silent session")
}

func TestWatchdogFlagsQuietSymbolWithoutTeardown(t *testing.T) {
	sendETH := make(chan struct{}, 1)
	url, sessions := tradeServer(t, func(conn *websocket.Conn, _ int64) {
		done := make(chan struct{})
		go func() { holdOpen(conn); close(done) }()
		ticker := time.NewTicker(40 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if conn.WriteMessage(websocket.TextMessage, tradeMsg("BTCUSDT", "100")) != nil {
					return
				}
			case <-sendETH:
				if conn.WriteMessage(websocket.TextMessage, tradeMsg("ETHUSDT", "200")) != nil {
					return
				}
			case <-done:
				return
			}
		}
	})

	f := newTestFeed(t, func(c *config.Feed) {
		c.URL = url
		c.StaleTimeoutMs = 5000 // global watchdog stays quiet
		c.SymbolStaleMs = 150
		c.WatchdogIntervalMs = 50
	})

	var mu sync.Mutex
	var staleSymbols []string
	onStatus := func(s Status) {
		if s.State == StateStaleSymbol {
			mu.Lock()
			staleSymbols = append(staleSymbols, s.Symbol)
			mu.Unlock()
		}
	}
	countETH := func() int {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, s := range staleSymbols {
			if s == "ETHUSDT" {
				n++
			}
		}
		return n
	}

	var ethTicks atomic.Int64
	onTick := func(tk Tick) {
		if tk.Symbol == "ETHUSDT" {
			ethTicks.Add(1)
		}
	}
	require.NoError(t, f.Start(onTick, onStatus))
	defer f.Stop()

	// flagged once while quiet, not repeatedly
	require.Eventually(t, func() bool { return countETH() == 1 }, 5*time.Second, 20*time.Millisecond)

	// one trade clears the flag; going quiet again re-arms it
	sendETH <- struct{}{}
	require.Eventually(t, func() bool { return ethTicks.Load() >= 1 }, 2*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return countETH() == 2 }, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	for _, s := range staleSymbols {
		assert.Equal(t, "ETHUSDT", s, "the flowing symbol must never be flagged")
	}
	mu.Unlock()
	assert.EqualValues(t, 1, sessions.Load(), "symbol staleness must not drop the connection")
}
