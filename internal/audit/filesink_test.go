package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arklim/ipc-gateway/internal/core/domain"
)

func readLines(t *testing.T, path string) []domain.AuditEvent {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var events []domain.AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev domain.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad json line: %v", err)
		}
		events = append(events, ev)
	}
	return events
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := NewFileSink(FileSinkConfig{Path: path})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	batch := []domain.AuditEvent{
		{EventID: 1, Timestamp: time.Now().UTC(), SessionID: "s1", Command: "fs.read", Outcome: domain.OutcomeAllowed, Severity: domain.SeverityInfo},
		{EventID: 2, Timestamp: time.Now().UTC(), SessionID: "s1", Command: "system.exec", Outcome: domain.OutcomeDenied, Reason: domain.DenialBlocked, Severity: domain.SeverityCritical},
	}
	if err := sink.Append(context.Background(), batch); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	events := readLines(t, path)
	if len(events) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(events))
	}
	if events[0].EventID != 1 || events[1].EventID != 2 {
		t.Fatal("events out of order")
	}
	if events[1].Reason != domain.DenialBlocked {
		t.Fatalf("expected blocked reason, got %s", events[1].Reason)
	}
}

func TestFileSinkRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	sink, err := NewFileSink(FileSinkConfig{Path: path, MaxFileBytes: 200})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sink.WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})

	for i := 0; i < 10; i++ {
		ev := domain.AuditEvent{EventID: uint64(i + 1), Timestamp: now, SessionID: "s1", Command: "fs.read", Outcome: domain.OutcomeAllowed, Severity: domain.SeverityInfo}
		if err := sink.Append(context.Background(), []domain.AuditEvent{ev}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rotated, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(rotated) == 0 {
		t.Fatal("expected at least one rotated file")
	}

	// Every event is in exactly one file.
	total := 0
	for _, name := range append(rotated, path) {
		total += len(readLines(t, name))
	}
	if total != 10 {
		t.Fatalf("expected 10 events across files, got %d", total)
	}
}

func TestFileSinkPrunesOldFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	sink, err := NewFileSink(FileSinkConfig{Path: path, MaxFileBytes: 120, MaxFiles: 2})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sink.WithClock(func() time.Time {
		now = now.Add(time.Minute)
		return now
	})

	for i := 0; i < 20; i++ {
		ev := domain.AuditEvent{EventID: uint64(i + 1), Timestamp: now, SessionID: "s1", Command: "fs.read", Outcome: domain.OutcomeAllowed, Severity: domain.SeverityInfo}
		if err := sink.Append(context.Background(), []domain.AuditEvent{ev}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rotated, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(rotated) > 2 {
		t.Fatalf("expected at most 2 rotated files, got %d", len(rotated))
	}
}
