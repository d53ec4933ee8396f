package portfolio

import (
	"math"

	"github.com/quantfold/engine/internal/config"
	"github.com/quantfold/engine/internal/feed"
)

// AllocatorInput is everything sizing depends on.
type AllocatorInput struct {
	Edge       float64
	Confidence float64
	Drawdown   float64
	MarginUtil float64
	Regime     string
}

// Allocate folds signal strength, confidence, drawdown, margin stress,
// and volatility into one risk fraction inside [MinPct, MaxPct].
func Allocate(cfg config.Allocator, in AllocatorInput) float64 {
	risk := cfg.BasePct

	magnitude := math.Abs(in.Edge)
	switch {
	case magnitude >= 1.0:
		risk *= 1.3
	case magnitude < 0.3:
		risk *= 0.7
	}

	confMult := 0.5 + in.Confidence
	if confMult < 0.6 {
		confMult = 0.6
	}
	if confMult > 1.4 {
		confMult = 1.4
	}
	risk *= confMult

	if in.Drawdown > 0.10 {
		risk *= 0.5
	}
	if in.MarginUtil > 0.60 {
		risk *= 0.5
	}
	if in.Regime == feed.RegimeHighVol {
		risk *= 0.7
	}

	if risk < cfg.MinPct {
		risk = cfg.MinPct
	}
	if risk > cfg.MaxPct {
		risk = cfg.MaxPct
	}
	return risk
}
