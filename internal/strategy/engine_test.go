package strategy

import (
	"math"
	"strings"
	"testing"

	"github.com/quantfold/engine/internal/config"
)

func testStrategyCfg() config.Strategy {
	return config.Strategy{
		BufferSize:          120,
		WarmupTicks:         20,
		MomentumWindow:      10,
		ConfidenceThreshold: 0.55,
		EdgeThreshold:       0.25,
		TrendBoost:          1.25,
		RangeDamp:           0.8,
		MinTradesForEval:    10,
		WinRateWindow:       20,
	}
}

func newTestEngine() *Engine {
	cfg := testStrategyCfg()
	book := NewLearningBook(nil, nil, cfg.MinTradesForEval, cfg.WinRateWindow)
	return NewEngine(cfg, book)
}

// feed pushes a geometric price path and returns the final signal.
func feedPath(e *Engine, symbol string, start, ratio float64, n int) Signal {
	var sig Signal
	price := start
	for i := 0; i < n; i++ {
		sig = e.Evaluate("t1", symbol, price, nil, 0)
		price *= ratio
	}
	return sig
}

func TestEvaluateWaitsDuringWarmup(t *testing.T) {
	e := newTestEngine()
	sig := feedPath(e, "BTCUSDT", 100, 1.002, 5)
	if sig.Action != ActionWait {
		t.Fatalf("action = %s, want WAIT during warmup", sig.Action)
	}
	if !strings.Contains(sig.Reason, "warming up") {
		t.Errorf("reason = %q, want warmup reason", sig.Reason)
	}
}

func TestEvaluateBuysSteadyUptrend(t *testing.T) {
	e := newTestEngine()
	sig := feedPath(e, "BTCUSDT", 100, 1.002, 30)

	if sig.Action != ActionBuy {
		t.Fatalf("action = %s (reason %q), want BUY", sig.Action, sig.Reason)
	}
	if sig.Regime != RegimeTrend {
		t.Errorf("regime = %s, want trend", sig.Regime)
	}
	if sig.Edge <= 1.0 {
		t.Errorf("edge = %v, want > 1.0 after trend boost", sig.Edge)
	}
	// warmup full, magnitude capped at 1, noise = 0.002*50
	if math.Abs(sig.Confidence-0.9) > 1e-9 {
		t.Errorf("confidence = %v, want 0.9", sig.Confidence)
	}
}

func TestEvaluateSellsSteadyDowntrend(t *testing.T) {
	e := newTestEngine()
	sig := feedPath(e, "ETHUSDT", 100, 0.998, 30)

	if sig.Action != ActionSell {
		t.Fatalf("action = %s (reason %q), want SELL", sig.Action, sig.Reason)
	}
	if sig.Edge >= -1.0 {
		t.Errorf("edge = %v, want < -1.0", sig.Edge)
	}
}

func TestEvaluateWaitsOnFlatTape(t *testing.T) {
	e := newTestEngine()
	sig := feedPath(e, "BTCUSDT", 100, 1.0, 30)

	if sig.Action != ActionWait {
		t.Fatalf("action = %s, want WAIT on flat tape", sig.Action)
	}
	if sig.Edge != 0 {
		t.Errorf("edge = %v, want 0", sig.Edge)
	}
}

func TestEvaluateWaitsOnChop(t *testing.T) {
	e := newTestEngine()
	var sig Signal
	for i := 0; i < 30; i++ {
		price := 100.0
		if i%2 == 1 {
			price = 101.0
		}
		sig = e.Evaluate("t1", "BTCUSDT", price, nil, 0)
	}
	if sig.Action != ActionWait {
		t.Fatalf("action = %s (edge %v), want WAIT on chop", sig.Action, sig.Edge)
	}
}

func TestEvaluateKeepsTenantBuffersIsolated(t *testing.T) {
	solo := newTestEngine()
	multi := newTestEngine()

	// the same uptrend, once with a second tenant interleaved on the
	// same engine
	var want, got Signal
	price := 100.0
	for i := 0; i < 30; i++ {
		want = solo.Evaluate("alpha", "BTCUSDT", price, nil, 0)
		multi.Evaluate("zeta", "BTCUSDT", price, nil, 0)
		got = multi.Evaluate("alpha", "BTCUSDT", price, nil, 0)
		price *= 1.002
	}

	if got != want {
		t.Fatalf("tenant roster changed the signal: %+v vs %+v", got, want)
	}
	if want.Action != ActionBuy || want.Regime != RegimeTrend {
		t.Fatalf("action = %s regime = %s (reason %q), want BUY in trend", want.Action, want.Regime, want.Reason)
	}
	if n := multi.BufferLen("alpha", "BTCUSDT"); n != 30 {
		t.Errorf("alpha buffer = %d ticks, want 30", n)
	}
	if n := multi.BufferLen("zeta", "BTCUSDT"); n != 30 {
		t.Errorf("zeta buffer = %d ticks, want 30", n)
	}
}

func TestTightenedThresholdsSuppressMarginalSignals(t *testing.T) {
	cfg := testStrategyCfg()

	// a drift mild enough that confidence lands between the base
	// threshold and the tightened one
	run := func(book *LearningBook) Signal {
		e := NewEngine(cfg, book)
		var sig Signal
		price := 100.0
		for i := 0; i < 30; i++ {
			sig = e.Evaluate("t1", "BTCUSDT", price, nil, 0)
			if i%3 == 2 {
				price *= 0.9995 // shallow pullback keeps edge below the cap
			} else {
				price *= 1.003
			}
		}
		return sig
	}

	base := run(NewLearningBook(nil, nil, cfg.MinTradesForEval, cfg.WinRateWindow))
	if base.Action == ActionWait {
		t.Fatalf("baseline signal unexpectedly WAIT (reason %q)", base.Reason)
	}

	tight := NewLearningBook(nil, nil, cfg.MinTradesForEval, cfg.WinRateWindow)
	losses := make([]TradeOutcome, 20)
	for i := range losses {
		losses[i] = TradeOutcome{PnL: -10, Win: false}
	}
	for i := 0; i < 8; i++ { // walk the multipliers toward their caps
		tight.Adapt("t1", losses, len(losses))
		losses = append(losses, make([]TradeOutcome, 10)...)
	}
	got := run(tight)
	if got.Action != ActionWait {
		t.Fatalf("action = %s with tightened thresholds, want WAIT", got.Action)
	}
}

func TestClassifyRegime(t *testing.T) {
	mono := make([]float64, 11)
	for i := range mono {
		mono[i] = 100 + float64(i)
	}

	tight := make([]float64, 11)
	for i := range tight {
		tight[i] = 100
		if i%2 == 1 {
			tight[i] = 100.1
		}
	}

	burst := []float64{100, 100.05, 100.1, 100.15, 100.2, 100.25, 101.25, 102.25, 103.25, 104.25, 105.25}

	wild := []float64{100, 103, 99, 102, 98, 101, 100, 103, 99, 102, 98}

	cases := []struct {
		name   string
		prices []float64
		want   string
	}{
		{"monotonic run is trend", mono, RegimeTrend},
		{"tight oscillation is range", tight, RegimeRange},
		{"volatility burst is expansion", burst, RegimeExpansion},
		{"directionless swings are neutral", wild, RegimeNeutral},
		{"short history is neutral", []float64{100, 101}, RegimeNeutral},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyRegime(tc.prices, 10); got != tc.want {
				t.Errorf("classifyRegime = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestPriceBufferBounded(t *testing.T) {
	buf := newPriceBuffer(5)
	for i := 0; i < 9; i++ {
		buf.push(float64(i))
	}
	got := buf.snapshot()
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	if got[0] != 4 || got[4] != 8 {
		t.Errorf("snapshot = %v, want [4..8]", got)
	}
}
