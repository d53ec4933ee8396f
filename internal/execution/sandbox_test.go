package execution

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/engine/internal/config"
)

func fastSandboxCfg() config.Sandbox {
	return config.Sandbox{
		LatencyMsMin:           0,
		LatencyMsMax:           0,
		SlippageBpsMin:         10,
		SlippageBpsMax:         10, // pinned so slippage is deterministic
		ForceCloseSlippageMult: 2.5,
		PartialFillProb:        0,
	}
}

func TestSandboxSlippageMovesAgainstTaker(t *testing.T) {
	s := NewSandbox("sim", fastSandboxCfg(), rand.New(rand.NewSource(1)))

	buy, err := s.Execute(context.Background(), OrderParams{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 1, Price: 50000})
	require.NoError(t, err)
	assert.InDelta(t, 50000*1.001, buy.AvgPrice, 1e-6, "buys fill above the quoted price")
	assert.Equal(t, StatusFilled, buy.Status)
	assert.Equal(t, 1.0, buy.FilledQty)
	assert.NotEmpty(t, buy.ClientOrderID)

	sell, err := s.Execute(context.Background(), OrderParams{Symbol: "BTCUSDT", Side: SideSell, Quantity: 1, Price: 50000})
	require.NoError(t, err)
	assert.InDelta(t, 50000*0.999, sell.AvgPrice, 1e-6, "sells fill below the quoted price")
}

func TestSandboxForceCloseAmplifiesSlippageButFillsInFull(t *testing.T) {
	cfg := fastSandboxCfg()
	cfg.PartialFillProb = 1.0 // would always partial-fill a normal order
	s := NewSandbox("sim", cfg, rand.New(rand.NewSource(1)))

	order, err := s.Execute(context.Background(), OrderParams{
		Symbol: "BTCUSDT", Side: SideSell, Quantity: 2, Price: 50000, ForceClose: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, order.Status, "liquidations never partial-fill")
	assert.Equal(t, 2.0, order.FilledQty)
	assert.InDelta(t, 50000*(1-0.0025), order.AvgPrice, 1e-6, "10bps * 2.5 force-close multiplier")
}

func TestSandboxPartialFill(t *testing.T) {
	cfg := fastSandboxCfg()
	cfg.PartialFillProb = 1.0
	s := NewSandbox("sim", cfg, rand.New(rand.NewSource(7)))

	order, err := s.Execute(context.Background(), OrderParams{Symbol: "ETHUSDT", Side: SideBuy, Quantity: 10, Price: 2000})
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyFilled, order.Status)
	assert.Equal(t, 10.0, order.RequestedQty)
	// fills draw from [0.5, 1.0) of the request
	assert.GreaterOrEqual(t, order.FilledQty, 5.0)
	assert.Less(t, order.FilledQty, 10.0)
}

func TestSandboxHonorsContextCancellation(t *testing.T) {
	cfg := fastSandboxCfg()
	cfg.LatencyMsMin = 5000
	cfg.LatencyMsMax = 5000
	s := NewSandbox("sim", cfg, rand.New(rand.NewSource(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Execute(ctx, OrderParams{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 1, Price: 100})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "must give up with the context, not sleep out the latency")
}
