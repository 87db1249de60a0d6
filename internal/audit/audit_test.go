package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kjm1559/Clawbot/internal/event"
)

func readRecords(t *testing.T, path string) []Record {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("malformed audit line %q: %v", scanner.Text(), err)
		}
		records = append(records, rec)
	}
	return records
}

func TestLog_AppendCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "audit.jsonl")
	l, err := NewLog(path)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}

	if err := l.Append(Record{Event: "test", SessionID: "s1", Actor: "alice"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	records := readRecords(t, path)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Event != "test" || records[0].SessionID != "s1" {
		t.Errorf("unexpected record: %+v", records[0])
	}
	if records[0].Timestamp.IsZero() {
		t.Error("expected a timestamp to be filled in")
	}
}

func TestLog_AppendDoesNotTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	l, err := NewLog(path)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	if err := l.Append(Record{Event: "first"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Reopening the same path keeps earlier lines.
	l2, err := NewLog(path)
	if err != nil {
		t.Fatalf("reopen log: %v", err)
	}
	if err := l2.Append(Record{Event: "second"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	records := readRecords(t, path)
	if len(records) != 2 || records[0].Event != "first" || records[1].Event != "second" {
		t.Errorf("unexpected records: %+v", records)
	}
}

func TestLog_ConsumeRecordsAuditableEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewLog(path)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}

	events := make(chan event.Event, 8)
	events <- event.Event{
		Type:      event.TypePermissionResolve,
		SessionID: "s1",
		Time:      time.Now().UTC(),
		Payload: event.PermissionResolve{
			RequestID: "r1",
			SessionID: "s1",
			Decision:  3,
			Actor:     "system",
			TimedOut:  true,
			Delivered: true,
		},
	}
	events <- event.Event{
		Type:      event.TypeOutputChunk,
		SessionID: "s1",
		Payload:   event.Chunk{SessionID: "s1", Payload: "noise"},
	}
	events <- event.Event{
		Type:      event.TypeInputForwarded,
		SessionID: "s1",
		Time:      time.Now().UTC(),
		Payload:   event.InputForwarded{SessionID: "s1", Actor: "alice", Bytes: 6},
	}
	close(events)

	l.Consume(events)

	records := readRecords(t, path)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", len(records), records)
	}

	resolve := records[0]
	if resolve.Event != string(event.TypePermissionResolve) || resolve.Actor != "system" {
		t.Errorf("unexpected resolve record: %+v", resolve)
	}
	if resolve.Details["request_id"] != "r1" || resolve.Details["timed_out"] != true {
		t.Errorf("unexpected resolve details: %+v", resolve.Details)
	}

	input := records[1]
	if input.Event != string(event.TypeInputForwarded) || input.Actor != "alice" || input.Bytes != 6 {
		t.Errorf("unexpected input record: %+v", input)
	}
}
