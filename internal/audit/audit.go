// Package audit appends permission resolutions and forwarded input to
// an append-only JSONL file.
package audit

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kjm1559/Clawbot/internal/event"
)

// Record is one audit line.
type Record struct {
	Event     string         `json:"event"`
	SessionID string         `json:"session_id"`
	Actor     string         `json:"actor"`
	Timestamp time.Time      `json:"timestamp"`
	Bytes     int            `json:"bytes,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Log writes append-only JSONL audit records.
type Log struct {
	path string
	mu   sync.Mutex
}

// NewLog creates a Log writing to path, creating parent directories.
// Does not truncate an existing file.
func NewLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return &Log{path: path}, nil
}

// Append writes one record. The file is opened per append so a crash
// never loses earlier lines.
func (l *Log) Append(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

// Consume drains bus events until the channel closes, recording every
// permission resolution and forwarded input.
func (l *Log) Consume(events <-chan event.Event) {
	for ev := range events {
		rec, ok := recordFor(ev)
		if !ok {
			continue
		}
		if err := l.Append(rec); err != nil {
			log.Printf("audit: %v", err)
		}
	}
}

func recordFor(ev event.Event) (Record, bool) {
	switch p := ev.Payload.(type) {
	case event.PermissionResolve:
		return Record{
			Event:     string(ev.Type),
			SessionID: ev.SessionID,
			Actor:     p.Actor,
			Timestamp: ev.Time,
			Details: map[string]any{
				"request_id": p.RequestID,
				"decision":   p.Decision,
				"timed_out":  p.TimedOut,
				"delivered":  p.Delivered,
			},
		}, true
	case event.InputForwarded:
		return Record{
			Event:     string(ev.Type),
			SessionID: ev.SessionID,
			Actor:     p.Actor,
			Timestamp: ev.Time,
			Bytes:     p.Bytes,
		}, true
	}
	return Record{}, false
}
