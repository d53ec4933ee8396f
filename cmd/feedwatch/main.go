package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quantfold/engine/internal/config"
	"github.com/quantfold/engine/internal/feed"
)

// feedwatch dials the configured market feed and prints normalized ticks
// and status transitions. Connectivity probe, no trading state involved.
func main() {
	log.SetFlags(0)
	var cfgPath string
	var symbolList string
	var duration time.Duration
	flag.StringVar(&cfgPath, "config", "", "config path (empty = built-in defaults)")
	flag.StringVar(&symbolList, "symbols", "", "comma-separated symbol override")
	flag.DurationVar(&duration, "duration", 0, "stop after duration (0 = run until interrupted)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if symbolList != "" {
		var symbols []string
		for _, s := range strings.Split(symbolList, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}
		cfg.Feed.Symbols = symbols
	}

	f, err := feed.New(cfg.Feed)
	if err != nil {
		log.Fatalf("build feed: %v", err)
	}

	onTick := func(tk feed.Tick) {
		b, _ := json.Marshal(map[string]any{
			"tick":   tk.Symbol,
			"price":  tk.Price,
			"ts":     tk.Timestamp.Format(time.RFC3339Nano),
			"regime": tk.Regime,
			"pulse":  tk.VolatilityPulse,
		})
		fmt.Printf("%s\n", b)
	}
	onStatus := func(s feed.Status) {
		b, _ := json.Marshal(map[string]any{
			"status": s.State,
			"symbol": s.Symbol,
			"detail": s.Detail,
		})
		fmt.Printf("%s\n", b)
	}
	if err := f.Start(onTick, onStatus); err != nil {
		log.Fatalf("start feed: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	if duration > 0 {
		select {
		case <-sigChan:
		case <-time.After(duration):
		}
	} else {
		<-sigChan
	}

	f.Stop()
	stats, _ := json.Marshal(f.Metrics())
	health, _ := json.Marshal(f.Health())
	fmt.Printf("{\"stats\":%s,\"health\":%s}\n", stats, health)
}
