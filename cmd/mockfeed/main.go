package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// mockfeed is a local stand-in for the public trade stream: it accepts
// websocket subscribers and emits random-walk trade frames in the same
// combined-stream envelope shape the real venue uses. Dev tool only.

type trade struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

type envelope struct {
	Stream string `json:"stream"`
	Data   trade  `json:"data"`
}

type walker struct {
	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
	drift  float64
	vol    float64
}

func newWalker(symbols []string, start, drift, vol float64, rng *rand.Rand) *walker {
	prices := make(map[string]float64, len(symbols))
	for i, sym := range symbols {
		// Spread the starting prices so symbols are distinguishable.
		prices[sym] = start * (1 + 0.5*float64(i))
	}
	return &walker{rng: rng, prices: prices, drift: drift, vol: vol}
}

func (w *walker) next(symbol string) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.prices[symbol] * (1 + w.drift + w.vol*w.rng.NormFloat64())
	if p < 0.0001 {
		p = 0.0001
	}
	w.prices[symbol] = p
	return p
}

func serve(conn *websocket.Conn, symbols []string, w *walker, interval time.Duration) {
	defer conn.Close()
	done := make(chan struct{})

	// Inbound frames are subscribe requests and pings; nothing needs a
	// reply beyond what the protocol handles automatically.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, sym := range symbols {
				env := envelope{
					Stream: strings.ToLower(sym) + "@trade",
					Data: trade{
						Event:     "trade",
						Symbol:    sym,
						Price:     strconv.FormatFloat(w.next(sym), 'f', -1, 64),
						TradeTime: time.Now().UnixMilli(),
					},
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(env); err != nil {
					return
				}
			}
		}
	}
}

func main() {
	var addr string
	var symbolList string
	var interval time.Duration
	var start, drift, vol float64
	flag.StringVar(&addr, "addr", "127.0.0.1:9443", "listen address")
	flag.StringVar(&symbolList, "symbols", "BTCUSDT,ETHUSDT", "comma-separated symbols")
	flag.DurationVar(&interval, "interval", 200*time.Millisecond, "emit interval per symbol")
	flag.Float64Var(&start, "start", 50000, "starting price for the first symbol")
	flag.Float64Var(&drift, "drift", 0, "per-tick drift fraction")
	flag.Float64Var(&vol, "vol", 0.0008, "per-tick volatility fraction")
	flag.Parse()

	var symbols []string
	for _, s := range strings.Split(symbolList, ",") {
		if s = strings.TrimSpace(strings.ToUpper(s)); s != "" {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		log.Fatalf("no symbols configured")
	}

	w := newWalker(symbols, start, drift, vol, rand.New(rand.NewSource(time.Now().UnixNano())))
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}

	http.HandleFunc("/ws", func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			log.Printf("upgrade: %v", err)
			return
		}
		log.Printf("subscriber connected: %s", r.RemoteAddr)
		serve(conn, symbols, w, interval)
		log.Printf("subscriber gone: %s", r.RemoteAddr)
	})
	http.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})

	b, _ := json.Marshal(symbols)
	log.Printf("mockfeed listening on ws://%s/ws symbols=%s interval=%s", addr, b, interval)
	log.Fatal(http.ListenAndServe(addr, nil))
}
