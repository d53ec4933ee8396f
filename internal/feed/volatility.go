package feed

import "math"

// Market regime tags derived from smoothed volatility.
const (
	RegimeHighVol = "high_vol"
	RegimeLowVol  = "low_vol"
	RegimeNormal  = "normal"
)

// volTracker smooths the absolute per-tick percentage change with an
// exponential moving average. One tracker per symbol.
type volTracker struct {
	alpha     float64
	smoothed  float64
	lastPrice float64
	seeded    bool
}

func newVolTracker(alpha float64) *volTracker {
	return &volTracker{alpha: alpha}
}

// update ingests a price and returns the raw pulse (this tick's absolute
// percentage move) and the smoothed volatility estimate.
func (v *volTracker) update(price float64) (pulse, smoothed float64) {
	if !v.seeded {
		v.lastPrice = price
		v.seeded = true
		return 0, v.smoothed
	}
	pulse = math.Abs(price-v.lastPrice) / v.lastPrice
	v.lastPrice = price
	v.smoothed = v.alpha*pulse + (1-v.alpha)*v.smoothed
	return pulse, v.smoothed
}

// regimeFor classifies smoothed volatility against the configured bands.
func regimeFor(smoothed, highThreshold, lowThreshold float64) string {
	switch {
	case smoothed > highThreshold:
		return RegimeHighVol
	case smoothed < lowThreshold:
		return RegimeLowVol
	default:
		return RegimeNormal
	}
}
