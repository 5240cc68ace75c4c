package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/dashlog/internal/ir"
)

const testVersion = "0.2.0"

// createTestStore opens a fresh store with the test version tag seeded.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if _, err := s.EnsureTag(context.Background(), testTag()); err != nil {
		t.Fatalf("EnsureTag() failed: %v", err)
	}
	return s
}

func testTag() ir.Tag {
	return ir.Tag{
		ID:        ir.MustTagID(testVersion),
		Version:   testVersion,
		CreatedAt: "2024-01-01_00:00:00.000000",
	}
}

// createTestEvent builds an event of the given type at ts.
func createTestEvent(eventType, ts string, attrs ir.Object) ir.Event {
	if attrs == nil {
		attrs = ir.Object{}
	}
	ev := ir.Event{
		ID:        ir.MustEventID(eventType, ts),
		Type:      eventType,
		Timestamp: ts,
		Timezone:  "US/Central",
		VersionID: testTag().ID,
		Attrs:     attrs,
	}
	if at, err := ev.Time(); err == nil {
		ev.UnixMicro = at.UnixMicro()
	}
	return ev
}

// mustWriteEvent writes ev and fails the test on error.
func mustWriteEvent(t *testing.T, s *Store, ev ir.Event) {
	t.Helper()
	if err := s.WriteEvent(context.Background(), ev); err != nil {
		t.Fatalf("WriteEvent(%s) failed: %v", ev.Type, err)
	}
}

// createTestSuccess builds a success row for ev with the given record.
func createTestSuccess(ev ir.Event, record ir.Object) ir.ProcessedEvent {
	handlerID := ir.MustHandlerID(ev.Type, ev.VersionID)
	return ir.ProcessedEvent{
		ID:          ir.MustProcessedID(ev.ID, handlerID),
		EventID:     ev.ID,
		HandlerID:   handlerID,
		EventType:   ev.Type,
		Outcome:     ir.OutcomeSuccess,
		Record:      record,
		ProcessedAt: ev.Timestamp,
	}
}

// mustProcess writes a success row for ev and returns it.
func mustProcess(t *testing.T, s *Store, ev ir.Event, record ir.Object) ir.ProcessedEvent {
	t.Helper()
	pe, _, err := s.WriteProcessed(context.Background(), createTestSuccess(ev, record), ev.VersionID)
	if err != nil {
		t.Fatalf("WriteProcessed(%s) failed: %v", ev.Type, err)
	}
	return pe
}
