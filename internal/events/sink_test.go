package events

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkAppendAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s, err := NewSink(path)
	require.NoError(t, err)

	s.Append(TypeHalt, "tenant-1", "max_drawdown", map[string]any{"drawdown": 0.21})
	s.Append(TypeCooldown, "tenant-1", "loss_cluster", nil)
	s.Append(TypeCircuitOpen, "", "failures", map[string]any{"backend": "sandbox_alpha"})

	recent := s.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, TypeCooldown, recent[0].Type)
	assert.Equal(t, TypeCircuitOpen, recent[1].Type)
	assert.Equal(t, "ev_3", recent[1].ID)

	// One JSON line per event on disk.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 3)
}

func TestSinkRecoversLastID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	s1, err := NewSink(path)
	require.NoError(t, err)
	s1.Append(TypeHalt, "tenant-1", "daily_loss_limit", nil)
	s1.Append(TypeHaltCleared, "tenant-1", "day_rollover", nil)

	// Reopen: IDs continue, tail is recovered.
	s2, err := NewSink(path)
	require.NoError(t, err)
	s2.Append(TypeHardReset, "tenant-1", "", nil)

	recent := s2.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "ev_3", recent[2].ID)
}

func TestSinkSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	content := `{"id":"ev_1","timestamp":"2026-01-02T00:00:00Z","type":"tenant_halted","tenant_id":"t1"}
not json at all
{"id":"ev_2","timestamp":"2026-01-02T00:01:00Z","type":"tenant_halt_cleared","tenant_id":"t1"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	s, err := NewSink(path)
	require.NoError(t, err)

	recent := s.Recent(0)
	require.Len(t, recent, 2, "malformed line is skipped, not fatal")
	assert.Equal(t, "ev_1", recent[0].ID)
	assert.Equal(t, "ev_2", recent[1].ID)
}
