package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/quantfold/engine/internal/observ"
)

// Loader produces the current serialized value for a dirty key at flush
// time, so coalesced mutations yield a single write of the latest state.
type Loader func() ([]byte, error)

// Flusher debounces persistence: mutations mark a key dirty, a periodic
// loop writes dirty keys, and Close flushes everything before shutdown.
// Tick processing never waits on a write.
type Flusher struct {
	mu       sync.Mutex
	store    Store
	interval time.Duration
	dirty    map[string]Loader
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	closed   bool
}

func NewFlusher(store Store, interval time.Duration) *Flusher {
	return &Flusher{
		store:    store,
		interval: interval,
		dirty:    make(map[string]Loader),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic flush loop.
func (f *Flusher) Start() {
	f.mu.Lock()
	if f.started || f.closed {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()

	f.wg.Add(1)
	go f.flushLoop()

	observ.Log("flusher_started", map[string]any{
		"interval": f.interval.String(),
	})
}

// MarkDirty schedules key for the next flush. A later call for the same
// key replaces the loader, so only the newest state is written.
func (f *Flusher) MarkDirty(key string, load Loader) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.dirty[key] = load
}

func (f *Flusher) flushLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.Flush()
		case <-f.stopCh:
			return
		}
	}
}

// Flush writes all dirty keys now. Write failures are logged and the key
// stays dirty for the next cycle; in-memory state remains authoritative.
func (f *Flusher) Flush() {
	f.mu.Lock()
	pending := f.dirty
	f.dirty = make(map[string]Loader)
	f.mu.Unlock()

	for key, load := range pending {
		if err := f.writeKey(key, load); err != nil {
			observ.Log("persist_error", map[string]any{
				"key":   key,
				"error": err.Error(),
			})
			observ.IncCounter("persist_errors_total", map[string]string{"concern": Concern(key)})
			f.mu.Lock()
			if _, overwritten := f.dirty[key]; !overwritten && !f.closed {
				f.dirty[key] = load
			}
			f.mu.Unlock()
			continue
		}
		observ.IncCounter("persist_writes_total", map[string]string{"concern": Concern(key)})
	}
}

func (f *Flusher) writeKey(key string, load Loader) error {
	data, err := load()
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}
	if err := f.store.Set(key, data); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	return nil
}

// Close stops the loop and flushes whatever is still dirty, so no state
// is silently dropped on shutdown.
func (f *Flusher) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	wasStarted := f.started
	f.mu.Unlock()

	if wasStarted {
		close(f.stopCh)
		f.wg.Wait()
	}

	f.Flush()

	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	observ.Log("flusher_stopped", nil)
}
