package paper

import (
	"encoding/json"

	"github.com/quantfold/engine/internal/config"
	"github.com/quantfold/engine/internal/observ"
	"github.com/quantfold/engine/internal/state"
)

// Repository persists tenant simulator state through the shared store.
// Routine mutations go through the debounced flusher; hard resets
// write immediately.
type Repository struct {
	store   state.Store
	flusher *state.Flusher
}

func NewRepository(store state.Store, flusher *state.Flusher) *Repository {
	return &Repository{store: store, flusher: flusher}
}

// Load reads the tenant's persisted state. Records written by older
// builds decode over defaults, so missing fields stay usable; corrupt
// records are dropped in favor of a fresh start.
func (r *Repository) Load(tenantID string, cfg config.Paper) (*TenantState, bool) {
	data, found, err := r.store.Get(state.Key(tenantID, state.ConcernPaper))
	if err != nil || !found {
		if err != nil {
			observ.Log("paper_state_load_error", map[string]any{
				"tenant": tenantID,
				"error":  err.Error(),
			})
		}
		return nil, false
	}
	st := &TenantState{}
	if err := json.Unmarshal(data, st); err != nil {
		observ.Log("paper_state_corrupt", map[string]any{
			"tenant": tenantID,
			"error":  err.Error(),
		})
		return nil, false
	}
	st.sanitize(cfg)
	return st, true
}

// MarkDirty schedules a debounced write of the given snapshot.
func (r *Repository) MarkDirty(tenantID string, snapshot TenantState) {
	r.flusher.MarkDirty(state.Key(tenantID, state.ConcernPaper), func() ([]byte, error) {
		return json.Marshal(snapshot)
	})
}

// SaveNow bypasses the debounce, for hard resets.
func (r *Repository) SaveNow(tenantID string, snapshot TenantState) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return r.store.Set(state.Key(tenantID, state.ConcernPaper), data)
}
