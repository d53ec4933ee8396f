package feed

import (
	"time"

	"github.com/quantfold/engine/internal/config"
)

// Tagger builds regime-tagged Ticks from raw prices outside the live read
// loop, using the same volatility classification. Replay tooling feeds
// recorded prices through it so offline runs see what the feed would emit.
type Tagger struct {
	cfg  config.Feed
	vols map[string]*volTracker
}

func NewTagger(cfg config.Feed) *Tagger {
	return &Tagger{cfg: cfg, vols: make(map[string]*volTracker)}
}

func (t *Tagger) Tick(symbol string, price float64, ts time.Time) Tick {
	v, ok := t.vols[symbol]
	if !ok {
		v = newVolTracker(t.cfg.VolatilityAlpha)
		t.vols[symbol] = v
	}
	pulse, smoothed := v.update(price)
	return Tick{
		Symbol:          symbol,
		Price:           price,
		Timestamp:       ts,
		Regime:          regimeFor(smoothed, t.cfg.HighVolThreshold, t.cfg.LowVolThreshold),
		VolatilityPulse: pulse,
	}
}
