package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/arklim/ipc-gateway/internal/core/domain"
)

type captureSink struct {
	mu     sync.Mutex
	events []domain.AuditEvent

	entered chan struct{}
	gate    chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{}
}

func (s *captureSink) Append(_ context.Context, events []domain.AuditEvent) error {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) snapshot() []domain.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

func denied(sessionID, command string, reason domain.DenialReason) domain.AuditEvent {
	return domain.AuditEvent{
		SessionID: sessionID,
		Command:   command,
		Outcome:   domain.OutcomeDenied,
		Reason:    reason,
		Severity:  domain.SeverityWarning,
	}
}

func allowed(sessionID, command string) domain.AuditEvent {
	return domain.AuditEvent{
		SessionID: sessionID,
		Command:   command,
		Outcome:   domain.OutcomeAllowed,
		Severity:  domain.SeverityInfo,
	}
}

func TestEveryDecisionRecordedOnce(t *testing.T) {
	sink := newCaptureSink()
	r := NewRecorder(Config{BufferSize: 64, FlushInterval: 10 * time.Millisecond}, sink, zaptest.NewLogger(t))

	for i := 0; i < 50; i++ {
		r.Record(allowed("sess-1", fmt.Sprintf("cmd.%d", i)))
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := sink.snapshot()
	if len(got) != 50 {
		t.Fatalf("expected 50 events, got %d", len(got))
	}
	seen := make(map[uint64]bool)
	for _, ev := range got {
		if seen[ev.EventID] {
			t.Fatalf("duplicate event id %d", ev.EventID)
		}
		seen[ev.EventID] = true
	}
}

func TestPerSessionOrderPreserved(t *testing.T) {
	sink := newCaptureSink()
	r := NewRecorder(Config{BufferSize: 256, FlushInterval: 10 * time.Millisecond}, sink, zaptest.NewLogger(t))

	for i := 0; i < 20; i++ {
		r.Record(allowed("sess-a", fmt.Sprintf("a.%d", i)))
		r.Record(allowed("sess-b", fmt.Sprintf("b.%d", i)))
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var lastA, lastB uint64
	for _, ev := range sink.snapshot() {
		switch ev.SessionID {
		case "sess-a":
			if ev.EventID <= lastA {
				t.Fatalf("session a order violated at event %d", ev.EventID)
			}
			lastA = ev.EventID
		case "sess-b":
			if ev.EventID <= lastB {
				t.Fatalf("session b order violated at event %d", ev.EventID)
			}
			lastB = ev.EventID
		}
	}
}

func TestCriticalEventFlushedSynchronously(t *testing.T) {
	sink := newCaptureSink()
	// Long flush interval: only the critical path can have flushed this fast.
	r := NewRecorder(Config{BufferSize: 64, FlushInterval: time.Hour}, sink, zaptest.NewLogger(t))
	defer r.Close()

	r.Record(allowed("sess-1", "fs.read"))
	r.Record(denied("sess-1", "system.exec", domain.DenialBlocked))

	got := sink.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected both events flushed when Record returned, got %d", len(got))
	}
	if got[1].Reason != domain.DenialBlocked {
		t.Fatalf("expected blocked denial last, got %s", got[1].Reason)
	}
}

func TestOverflowDropsAndEmitsMetaEvent(t *testing.T) {
	sink := newCaptureSink()
	sink.entered = make(chan struct{}, 1)
	sink.gate = make(chan struct{})

	r := NewRecorder(Config{BufferSize: 8, FlushInterval: time.Hour}, sink, zaptest.NewLogger(t))

	// First event pulls the flusher into a blocked Append.
	r.Record(allowed("sess-1", "warm.up"))
	<-sink.entered

	// Fill the queue and then some; the excess must shed the oldest queued
	// events, never block.
	for i := 0; i < 12; i++ {
		r.Record(allowed("sess-1", fmt.Sprintf("cmd.%d", i)))
	}
	if r.Dropped() != 4 {
		t.Fatalf("expected 4 dropped, got %d", r.Dropped())
	}

	close(sink.gate)
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	flushed := make(map[string]bool)
	var meta *domain.AuditEvent
	count := 0
	for _, ev := range sink.snapshot() {
		flushed[ev.Command] = true
		if ev.Command == MetaBufferOverflow {
			count++
			e := ev
			meta = &e
		}
	}
	if meta == nil || count != 1 {
		t.Fatalf("expected exactly one overflow meta-event, got %d", count)
	}
	if meta.Detail["dropped"] != uint64(4) {
		t.Fatalf("expected dropped=4, got %v", meta.Detail["dropped"])
	}

	// Oldest events gave way: cmd.0 through cmd.3 dropped, the rest kept.
	for i := 0; i < 4; i++ {
		if flushed[fmt.Sprintf("cmd.%d", i)] {
			t.Fatalf("cmd.%d should have been dropped as oldest", i)
		}
	}
	for i := 4; i < 12; i++ {
		if !flushed[fmt.Sprintf("cmd.%d", i)] {
			t.Fatalf("cmd.%d should have survived", i)
		}
	}
}

func TestRecordAfterCloseIgnored(t *testing.T) {
	sink := newCaptureSink()
	r := NewRecorder(Config{BufferSize: 8, FlushInterval: 10 * time.Millisecond}, sink, zaptest.NewLogger(t))
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r.Record(allowed("sess-1", "late.event"))
	if len(sink.snapshot()) != 0 {
		t.Fatal("events after close must be ignored")
	}
}
