// Package audit implements the append-only compliance trail spec.md §4.9
// requires: every rejected order and every admin action gets one JSON line,
// never rewritten, never reordered.
//
// Grounded on internal/store/store.go's atomic-write discipline, adapted
// from whole-file replace to append-mode logging (an audit trail must
// never lose an entry to a concurrent writer, but it also never needs the
// temp-file-then-rename dance since it's strictly append-only).
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Entry is one line of the audit log.
type Entry struct {
	Timestamp  string `json:"timestamp"`
	Kind       string `json:"kind"` // "rejection" | "admin_action"
	UserID     string `json:"user_id,omitempty"`
	Instrument string `json:"instrument,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Actor      string `json:"actor,omitempty"`
	Action     string `json:"action,omitempty"`
}

// Log is a concurrent-safe append-only JSONL writer, satisfying
// internal/router.AuditLogger.
type Log struct {
	mu   sync.Mutex
	f    *os.File
	clock func() time.Time
}

// Open opens (or creates) the audit log file at path in append mode.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	return &Log{f: f, clock: time.Now}, nil
}

func (l *Log) write(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = l.f.Write(data)
	_ = l.f.Sync()
}

// LogRejection records a rejected order, satisfying
// internal/router.AuditLogger.
func (l *Log) LogRejection(userID, instrument, reason string) {
	l.write(Entry{
		Timestamp:  l.clock().Format(time.RFC3339Nano),
		Kind:       "rejection",
		UserID:     userID,
		Instrument: instrument,
		Reason:     reason,
	})
}

// LogAdminAction records an administrative action (instrument create,
// manual settlement trigger, trading halt) for compliance review.
func (l *Log) LogAdminAction(actor, action, detail string) {
	l.write(Entry{
		Timestamp: l.clock().Format(time.RFC3339Nano),
		Kind:      "admin_action",
		Actor:     actor,
		Action:    action,
		Reason:    detail,
	})
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
