package strategy

import (
	"fmt"
	"math"
	"sync"

	"github.com/quantfold/engine/internal/config"
)

// Actions shared across the decision pipeline.
const (
	ActionWait  = "WAIT"
	ActionBuy   = "BUY"
	ActionSell  = "SELL"
	ActionClose = "CLOSE"
)

// Market regimes from the rolling buffer. Distinct from the feed's
// volatility tags: these classify price structure, not pulse size.
const (
	RegimeTrend     = "trend"
	RegimeRange     = "range"
	RegimeExpansion = "expansion"
	RegimeNeutral   = "neutral"
)

// Signal is one strategy evaluation.
type Signal struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Edge       float64 `json:"edge"`
	Regime     string  `json:"regime"`
	Reason     string  `json:"reason"`
}

// Engine computes momentum edge and confidence from per-tenant,
// per-symbol price buffers, filtered through per-tenant adaptive
// thresholds. A tenant's signal depends only on the tape it has seen,
// never on which other tenants share the engine.
type Engine struct {
	mu      sync.Mutex
	cfg     config.Strategy
	buffers map[bufferKey]*priceBuffer
	learn   *LearningBook
}

// bufferKey scopes a price buffer to one tenant's view of one symbol.
type bufferKey struct {
	tenant string
	symbol string
}

func NewEngine(cfg config.Strategy, learn *LearningBook) *Engine {
	return &Engine{
		cfg:     cfg,
		buffers: make(map[bufferKey]*priceBuffer),
		learn:   learn,
	}
}

// Evaluate appends the price to the tenant's buffer for the symbol and
// emits a signal. trades is the retained realized history, oldest
// first; tradeCount is the lifetime closed-trade total, which keeps
// adaptation counting after the history trims.
func (e *Engine) Evaluate(tenantID, symbol string, price float64, trades []TradeOutcome, tradeCount int) Signal {
	key := bufferKey{tenant: tenantID, symbol: symbol}
	e.mu.Lock()
	buf, ok := e.buffers[key]
	if !ok {
		buf = newPriceBuffer(e.cfg.BufferSize)
		e.buffers[key] = buf
	}
	buf.push(price)
	prices := buf.snapshot()
	e.mu.Unlock()

	ls := e.learn.Adapt(tenantID, trades, tradeCount)

	if len(prices) < e.cfg.WarmupTicks {
		return Signal{
			Action: ActionWait,
			Regime: RegimeNeutral,
			Reason: fmt.Sprintf("warming up (%d/%d ticks)", len(prices), e.cfg.WarmupTicks),
		}
	}

	regime := classifyRegime(prices, e.cfg.MomentumWindow)
	edge, vol := e.computeEdge(prices, regime)
	confidence := e.computeConfidence(len(prices), edge, vol)

	confThreshold := e.cfg.ConfidenceThreshold * ls.ConfidenceMultiplier
	edgeThreshold := e.cfg.EdgeThreshold * ls.EdgeMultiplier

	sig := Signal{Confidence: confidence, Edge: edge, Regime: regime}
	switch {
	case confidence < confThreshold:
		sig.Action = ActionWait
		sig.Reason = fmt.Sprintf("confidence %.2f below %.2f", confidence, confThreshold)
	case math.Abs(edge) < edgeThreshold:
		sig.Action = ActionWait
		sig.Reason = fmt.Sprintf("edge %.2f below %.2f", math.Abs(edge), edgeThreshold)
	case edge > 0:
		sig.Action = ActionBuy
		sig.Reason = fmt.Sprintf("momentum edge %.2f in %s regime", edge, regime)
	default:
		sig.Action = ActionSell
		sig.Reason = fmt.Sprintf("momentum edge %.2f in %s regime", edge, regime)
	}
	return sig
}

// computeEdge normalizes window momentum by realized noise so a steady
// drift scores near ±1 and chop scores near 0, then applies the regime
// shaping.
func (e *Engine) computeEdge(prices []float64, regime string) (edge, vol float64) {
	window := e.cfg.MomentumWindow
	if len(prices) < window+1 {
		return 0, 0
	}
	last := prices[len(prices)-1]
	base := prices[len(prices)-1-window]
	momentum := (last - base) / base
	vol = meanAbsMove(prices[len(prices)-1-window:])
	if vol < 1e-12 {
		return 0, 0
	}
	edge = momentum / (vol * float64(window))
	switch regime {
	case RegimeTrend:
		edge *= e.cfg.TrendBoost
	case RegimeRange:
		edge *= e.cfg.RangeDamp
	}
	return edge, vol
}

// computeConfidence blends warm-up progress with edge magnitude and
// subtracts a noise penalty.
func (e *Engine) computeConfidence(tickCount int, edge, vol float64) float64 {
	warmup := float64(tickCount) / float64(e.cfg.WarmupTicks)
	if warmup > 1 {
		warmup = 1
	}
	magnitude := math.Abs(edge)
	if magnitude > 1 {
		magnitude = 1
	}
	noise := vol * 50
	if noise > 0.3 {
		noise = 0.3
	}
	return clamp(warmup*magnitude-noise, 0, 1)
}

// classifyRegime inspects the last window of moves: a burst of rising
// volatility is expansion, a dominant direction is trend, a tight band
// is range, anything else is neutral.
func classifyRegime(prices []float64, window int) string {
	if len(prices) < window+1 {
		return RegimeNeutral
	}
	tail := prices[len(prices)-1-window:]

	ups, downs := 0, 0
	for i := 1; i < len(tail); i++ {
		switch {
		case tail[i] > tail[i-1]:
			ups++
		case tail[i] < tail[i-1]:
			downs++
		}
	}

	if window >= 4 {
		half := window / 2
		early := meanAbsMove(tail[:half+1])
		late := meanAbsMove(tail[len(tail)-half-1:])
		if early > 1e-12 && late > 2*early {
			return RegimeExpansion
		}
	}

	if math.Abs(float64(ups-downs))/float64(window) >= 0.6 {
		return RegimeTrend
	}

	lo, hi, sum := tail[0], tail[0], 0.0
	for _, p := range tail {
		lo = math.Min(lo, p)
		hi = math.Max(hi, p)
		sum += p
	}
	if mean := sum / float64(len(tail)); mean > 0 && (hi-lo)/mean < 0.004 {
		return RegimeRange
	}
	return RegimeNeutral
}

// meanAbsMove is the average absolute percentage change across a series.
func meanAbsMove(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			sum += math.Abs(prices[i]-prices[i-1]) / prices[i-1]
		}
	}
	return sum / float64(len(prices)-1)
}

// BufferLen reports how many ticks a tenant has accumulated for a
// symbol.
func (e *Engine) BufferLen(tenantID, symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if buf, ok := e.buffers[bufferKey{tenant: tenantID, symbol: symbol}]; ok {
		return len(buf.prices)
	}
	return 0
}

type priceBuffer struct {
	prices []float64
	max    int
}

func newPriceBuffer(max int) *priceBuffer {
	if max <= 0 {
		max = 120
	}
	return &priceBuffer{max: max}
}

func (p *priceBuffer) push(v float64) {
	p.prices = append(p.prices, v)
	if len(p.prices) > p.max {
		p.prices = p.prices[len(p.prices)-p.max:]
	}
}

func (p *priceBuffer) snapshot() []float64 {
	out := make([]float64, len(p.prices))
	copy(out, p.prices)
	return out
}
