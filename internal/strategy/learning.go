package strategy

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/quantfold/engine/internal/observ"
	"github.com/quantfold/engine/internal/state"
)

// Multiplier bounds and nudge steps for win-rate adaptation. Multipliers
// scale the WAIT thresholds: up tightens (fewer trades), down relaxes.
const (
	edgeMultMin = 0.5
	edgeMultMax = 2.0
	confMultMin = 0.5
	confMultMax = 1.5

	tightenStep = 1.05
	relaxStep   = 0.95

	lowWinRate  = 0.45
	highWinRate = 0.65
)

// LearningState is the persisted per-tenant adaptation record.
type LearningState struct {
	EdgeMultiplier          float64   `json:"edgeMultiplier"`
	ConfidenceMultiplier    float64   `json:"confidenceMultiplier"`
	LastWinRate             float64   `json:"lastWinRate"`
	LastEvaluatedTradeCount int       `json:"lastEvaluatedTradeCount"`
	UpdatedAt               time.Time `json:"updatedAt,omitempty"`
}

func defaultLearningState() LearningState {
	return LearningState{EdgeMultiplier: 1.0, ConfidenceMultiplier: 1.0}
}

// TradeOutcome is one realized trade as the learning layer sees it.
type TradeOutcome struct {
	PnL float64
	Win bool
}

// LearningBook is the per-tenant learning repository. Loads lazily from
// the store, filling defaults for fields absent in older records, and
// schedules a debounced write after every change.
type LearningBook struct {
	mu      sync.Mutex
	store   state.Store
	flusher *state.Flusher
	cfgMin  int // new trades required before re-evaluating
	window  int // trailing trades the win-rate is computed over
	states  map[string]*LearningState
}

func NewLearningBook(store state.Store, flusher *state.Flusher, minTradesForEval, winRateWindow int) *LearningBook {
	if minTradesForEval <= 0 {
		minTradesForEval = 10
	}
	if winRateWindow <= 0 {
		winRateWindow = 20
	}
	return &LearningBook{
		store:   store,
		flusher: flusher,
		cfgMin:  minTradesForEval,
		window:  winRateWindow,
		states:  make(map[string]*LearningState),
	}
}

func (b *LearningBook) get(tenantID string) *LearningState {
	if ls, ok := b.states[tenantID]; ok {
		return ls
	}
	ls := defaultLearningState()
	if b.store != nil {
		if raw, ok, err := b.store.Get(state.Key(tenantID, state.ConcernLearning)); err == nil && ok {
			// unmarshal over defaults so absent fields keep them
			if err := json.Unmarshal(raw, &ls); err != nil {
				observ.Log("learning_state_corrupt", map[string]any{
					"tenant": tenantID,
					"error":  err.Error(),
				})
				ls = defaultLearningState()
			}
		}
	}
	sanitizeLearning(&ls)
	b.states[tenantID] = &ls
	return &ls
}

func sanitizeLearning(ls *LearningState) {
	if ls.EdgeMultiplier <= 0 {
		ls.EdgeMultiplier = 1.0
	}
	if ls.ConfidenceMultiplier <= 0 {
		ls.ConfidenceMultiplier = 1.0
	}
	ls.EdgeMultiplier = clamp(ls.EdgeMultiplier, edgeMultMin, edgeMultMax)
	ls.ConfidenceMultiplier = clamp(ls.ConfidenceMultiplier, confMultMin, confMultMax)
}

// Adapt re-evaluates the multipliers when, and only when, at least
// cfgMin trades have completed since the last evaluation. Returns a
// copy of the current state either way. tradeCount is the tenant's
// lifetime closed-trade total; the trades slice carries only the
// retained tail, so its length stops moving once the history trims.
func (b *LearningBook) Adapt(tenantID string, trades []TradeOutcome, tradeCount int) LearningState {
	b.mu.Lock()
	defer b.mu.Unlock()

	ls := b.get(tenantID)
	if tradeCount < ls.LastEvaluatedTradeCount {
		// count went backwards (hard reset); restart the guard
		ls.LastEvaluatedTradeCount = tradeCount
	}
	if tradeCount-ls.LastEvaluatedTradeCount < b.cfgMin || len(trades) == 0 {
		return *ls
	}

	recent := trades
	if len(recent) > b.window {
		recent = recent[len(recent)-b.window:]
	}
	wins := 0
	for _, tr := range recent {
		if tr.Win {
			wins++
		}
	}
	winRate := float64(wins) / float64(len(recent))

	switch {
	case winRate < lowWinRate:
		ls.EdgeMultiplier = clamp(ls.EdgeMultiplier*tightenStep, edgeMultMin, edgeMultMax)
		ls.ConfidenceMultiplier = clamp(ls.ConfidenceMultiplier*tightenStep, confMultMin, confMultMax)
	case winRate > highWinRate:
		ls.EdgeMultiplier = clamp(ls.EdgeMultiplier*relaxStep, edgeMultMin, edgeMultMax)
		ls.ConfidenceMultiplier = clamp(ls.ConfidenceMultiplier*relaxStep, confMultMin, confMultMax)
	}
	ls.LastWinRate = winRate
	ls.LastEvaluatedTradeCount = tradeCount
	ls.UpdatedAt = time.Now().UTC()

	observ.Log("learning_adapted", map[string]any{
		"tenant":          tenantID,
		"win_rate":        winRate,
		"edge_mult":       ls.EdgeMultiplier,
		"confidence_mult": ls.ConfidenceMultiplier,
		"trade_count":     tradeCount,
	})
	b.scheduleWrite(tenantID, *ls)
	return *ls
}

// Snapshot returns the tenant's current learning state.
func (b *LearningBook) Snapshot(tenantID string) LearningState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.get(tenantID)
}

// Reset drops the tenant back to defaults and persists that.
func (b *LearningBook) Reset(tenantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := defaultLearningState()
	b.states[tenantID] = &ls
	b.scheduleWrite(tenantID, ls)
}

func (b *LearningBook) scheduleWrite(tenantID string, snapshot LearningState) {
	if b.flusher == nil {
		return
	}
	b.flusher.MarkDirty(state.Key(tenantID, state.ConcernLearning), func() ([]byte, error) {
		return json.Marshal(snapshot)
	})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
