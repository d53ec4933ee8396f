package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quantfold/engine/internal/observ"
)

// Audit event types.
const (
	TypeHalt        = "tenant_halted"
	TypeHaltCleared = "tenant_halt_cleared"
	TypeCooldown    = "loss_cooldown"
	TypeCircuitOpen = "backend_circuit_open"
	TypeKillSwitch  = "kill_switch_engaged"
	TypeHardReset   = "hard_reset"
)

// Event is one audit record. The log is append-only JSONL.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

const recentCap = 256

// Sink receives halt/cooldown/circuit notifications and appends them to a
// JSONL file, keeping a bounded in-memory tail for snapshots.
type Sink struct {
	mu     sync.Mutex
	path   string
	lastID int64
	recent []Event
}

// NewSink opens (or creates) the event log at path and recovers the last
// event ID from existing records. Malformed lines are skipped, not fatal.
func NewSink(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create events directory: %w", err)
	}
	s := &Sink{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) load() error {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no log yet
		}
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			observ.IncCounter("event_log_parse_errors_total", nil)
			continue
		}
		if idStr, ok := strings.CutPrefix(ev.ID, "ev_"); ok {
			if id, err := strconv.ParseInt(idStr, 10, 64); err == nil && id > s.lastID {
				s.lastID = id
			}
		}
		s.recent = append(s.recent, ev)
		if len(s.recent) > recentCap {
			s.recent = s.recent[len(s.recent)-recentCap:]
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading event log: %w", err)
	}
	return nil
}

// Append records an event. Write failures are logged and swallowed; the
// engine never stalls on the audit path.
func (s *Sink) Append(evType, tenantID, reason string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	ev := Event{
		ID:        fmt.Sprintf("ev_%d", s.lastID),
		Timestamp: time.Now().UTC(),
		Type:      evType,
		TenantID:  tenantID,
		Reason:    reason,
		Data:      data,
	}

	s.recent = append(s.recent, ev)
	if len(s.recent) > recentCap {
		s.recent = s.recent[len(s.recent)-recentCap:]
	}

	observ.IncCounter("audit_events_total", map[string]string{"type": evType})

	if err := s.persist(ev); err != nil {
		observ.Log("event_persist_error", map[string]any{
			"type":  evType,
			"error": err.Error(),
		})
		observ.IncCounter("event_persist_errors_total", map[string]string{"type": evType})
	}
}

func (s *Sink) persist(ev Event) error {
	file, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(file, "%s\n", b); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Recent returns up to n most recent events, oldest first.
func (s *Sink) Recent(n int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]Event, n)
	copy(out, s.recent[len(s.recent)-n:])
	return out
}
