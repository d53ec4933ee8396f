package state

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the first failures writes, then behaves like MemStore.
type flakyStore struct {
	mu       sync.Mutex
	inner    *MemStore
	failures int
	attempts int
}

func (s *flakyStore) Get(key string) ([]byte, bool, error) { return s.inner.Get(key) }
func (s *flakyStore) Delete(key string) error              { return s.inner.Delete(key) }

func (s *flakyStore) Set(key string, value []byte) error {
	s.mu.Lock()
	s.attempts++
	fail := s.attempts <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.inner.Set(key, value)
}

func TestFlusherCoalescesWrites(t *testing.T) {
	store := NewMemStore()
	f := NewFlusher(store, time.Hour) // loop never fires; flush manually

	var loads int
	for i := 0; i < 5; i++ {
		v := []byte{byte('0' + i)}
		f.MarkDirty(Key("t1", ConcernPaper), func() ([]byte, error) {
			loads++
			return v, nil
		})
	}
	f.Flush()

	assert.Equal(t, 1, loads, "five mutations should produce one write")
	data, found, err := store.Get(Key("t1", ConcernPaper))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte{'4'}, data, "latest state wins")
}

func TestFlusherRetriesFailedWrite(t *testing.T) {
	store := &flakyStore{inner: NewMemStore(), failures: 1}
	f := NewFlusher(store, time.Hour)

	f.MarkDirty(Key("t1", ConcernLearning), func() ([]byte, error) {
		return []byte(`{"edge":1.0}`), nil
	})

	f.Flush() // fails, key stays dirty
	_, found, err := store.Get(Key("t1", ConcernLearning))
	require.NoError(t, err)
	assert.False(t, found)

	f.Flush() // retry succeeds
	data, found, err := store.Get(Key("t1", ConcernLearning))
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"edge":1.0}`, string(data))
}

func TestFlusherCloseFlushesPending(t *testing.T) {
	store := NewMemStore()
	f := NewFlusher(store, time.Hour)
	f.Start()

	f.MarkDirty(Key("t1", ConcernLive), func() ([]byte, error) {
		return []byte(`{"mode":"armed"}`), nil
	})
	f.Close()

	data, found, err := store.Get(Key("t1", ConcernLive))
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"mode":"armed"}`, string(data))

	// MarkDirty after Close is a no-op, not a panic.
	f.MarkDirty(Key("t1", ConcernLive), func() ([]byte, error) { return nil, nil })
	f.Close()
}

func TestFlusherPeriodicLoop(t *testing.T) {
	store := NewMemStore()
	f := NewFlusher(store, 10*time.Millisecond)
	f.Start()
	defer f.Close()

	f.MarkDirty(Key("t2", ConcernPaper), func() ([]byte, error) {
		return []byte(`{"cash":1}`), nil
	})

	require.Eventually(t, func() bool {
		_, found, _ := store.Get(Key("t2", ConcernPaper))
		return found
	}, time.Second, 5*time.Millisecond, "periodic loop should write dirty keys")
}
