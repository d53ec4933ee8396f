package execution

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/engine/internal/config"
	"github.com/quantfold/engine/internal/observ"
)

// Sandbox simulates an execution venue: random latency inside a
// configured band, slippage against the taker (amplified on forced
// closes), and probabilistic partial fills. A forced close always fills
// in full; a liquidation that half-completes would leave the tenant
// exposed.
type Sandbox struct {
	name string
	cfg  config.Sandbox

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSandbox builds a simulated backend. A nil rng seeds from the
// clock; tests pass a fixed-seed source for reproducible fills.
func NewSandbox(name string, cfg config.Sandbox, rng *rand.Rand) *Sandbox {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Sandbox{name: name, cfg: cfg, rng: rng}
}

func (s *Sandbox) Name() string { return s.name }

func (s *Sandbox) NeedsCredentials() bool { return false }

func (s *Sandbox) Execute(ctx context.Context, p OrderParams) (Order, error) {
	latency, slippageBps, partialRoll, fillRoll := s.draw()

	if p.ForceClose {
		slippageBps *= s.cfg.ForceCloseSlippageMult
	}

	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return Order{}, ctx.Err()
	}

	slip := p.Price * slippageBps / 10000
	avg := p.Price + slip
	if p.Side == SideSell {
		avg = p.Price - slip
	}

	filled := p.Quantity
	status := StatusFilled
	if !p.ForceClose && partialRoll < s.cfg.PartialFillProb {
		// partial fills land in [0.5, 1.0) of the request
		filled = p.Quantity * (0.5 + 0.5*fillRoll)
		status = StatusPartiallyFilled
		observ.IncCounter("orders_partial_fills_total", map[string]string{"backend": s.name})
	}

	observ.IncCounter("orders_simulated_total", map[string]string{"backend": s.name})
	return Order{
		Symbol:        p.Symbol,
		Side:          p.Side,
		RequestedQty:  p.Quantity,
		FilledQty:     filled,
		AvgPrice:      avg,
		Status:        status,
		ClientOrderID: uuid.NewString(),
	}, nil
}

// draw takes all random samples under one lock; Execute bodies may run
// concurrently when the router has abandoned a timed-out attempt.
func (s *Sandbox) draw() (latency time.Duration, slippageBps, partialRoll, fillRoll float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latencyMs := s.cfg.LatencyMsMin
	if span := s.cfg.LatencyMsMax - s.cfg.LatencyMsMin; span > 0 {
		latencyMs += s.rng.Intn(span + 1)
	}
	latency = time.Duration(latencyMs) * time.Millisecond

	slippageBps = float64(s.cfg.SlippageBpsMin) + s.rng.Float64()*float64(s.cfg.SlippageBpsMax-s.cfg.SlippageBpsMin)
	partialRoll = s.rng.Float64()
	fillRoll = s.rng.Float64()
	return
}
