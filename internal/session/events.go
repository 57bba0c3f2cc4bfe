package session

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is one record in cartridge_events.log. The file is append-only
// jsonl; every install-wide decision the coordinator makes (dispatch mode,
// distribution plan, self-heal actions, exit) lands here.
type Event struct {
	ID      string         `json:"id"`
	Time    time.Time      `json:"time"`
	Session string         `json:"session"`
	Kind    string         `json:"kind"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Event kinds recorded by the coordinator.
const (
	EventSessionStart   = "session_start"
	EventSessionExit    = "session_exit"
	EventDispatchMode   = "dispatch_mode"
	EventDistribution   = "distribution"
	EventWorkerDead     = "worker_dead"
	EventChunkFailed    = "chunk_failed"
	EventEndgameDup     = "endgame_dup"
	EventStolenChunk    = "chunk_stolen"
	EventOrphanRecover  = "orphan_recovered"
	EventProtocolAlert  = "protocol_alert"
	EventSelfHeal       = "self_heal"
	EventHostUpgrade    = "host_upgrade"
	EventLocalFallback  = "local_fallback"
	EventManifestPosted = "manifest_posted"
)

// EventLog is a single-writer append-only event recorder.
type EventLog struct {
	mu      sync.Mutex
	path    string
	session string
	entropy *ulid.MonotonicEntropy
}

// NewEventLog creates an event recorder writing to cartridge_events.log under
// the state dir.
func NewEventLog(s *Session) *EventLog {
	return &EventLog{
		path:    filepath.Join(s.StateDir, EventsLog),
		session: s.ID,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Record appends one event. Errors are returned but callers treat them as
// advisory: a full disk must not take down a running transcode.
func (l *EventLog) Record(kind string, detail map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	ev := Event{
		ID:      ulid.MustNew(ulid.Timestamp(now), l.entropy).String(),
		Time:    now,
		Session: l.session,
		Kind:    kind,
		Detail:  detail,
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	return appendLine(l.path, string(data)+"\n")
}
