package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dashlog/internal/ir"
	"github.com/roach88/dashlog/internal/metrics"
	"github.com/roach88/dashlog/internal/registry"
	"github.com/roach88/dashlog/internal/store"
	"github.com/roach88/dashlog/internal/testutil"
)

const (
	testVersion = "0.2.0"
	oldVersion  = "0.1.0"
)

type harness struct {
	store   *store.Store
	reg     *registry.Registry
	engine  *Engine
	metrics *metrics.Metrics
	calls   atomic.Int32
	ts      int
}

// setupEngine builds a store and a registry with user_add (echo), boom
// (transform error) and crash (panic), plus a stale handler for user_add at
// oldVersion.
func setupEngine(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &harness{store: s}

	reg, err := registry.New(testVersion)
	require.NoError(t, err)
	for _, name := range []string{"user_add", "boom", "crash", "orphan"} {
		require.NoError(t, reg.RegisterEventType(ir.EventTypeSpec{Name: name, Group: "G"}))
	}
	require.NoError(t, reg.RegisterHandler("Echo", "", []string{"user_add"}, func(_ context.Context, in registry.Input) (ir.Object, error) {
		h.calls.Add(1)
		return ir.Object{"user": in.Event.Attrs["user"], "seen": ir.Bool(in.Data != nil)}, nil
	}))
	require.NoError(t, reg.RegisterHandler("Boom", "", []string{"boom"}, func(context.Context, registry.Input) (ir.Object, error) {
		h.calls.Add(1)
		return nil, errors.New("bad attrs")
	}))
	require.NoError(t, reg.RegisterHandler("Crash", "", []string{"crash"}, func(context.Context, registry.Input) (ir.Object, error) {
		h.calls.Add(1)
		panic("nil map")
	}))
	require.NoError(t, reg.RegisterHandler("EchoV1", oldVersion, []string{"user_add"}, func(context.Context, registry.Input) (ir.Object, error) {
		h.calls.Add(1)
		return ir.Object{}, nil
	}))
	require.NoError(t, reg.Seed(context.Background(), s, "2024-01-01_00:00:00.000000"))

	h.reg = reg
	h.metrics = metrics.New()
	h.engine = New(s, reg,
		WithClock(testutil.NewStepClock(testutil.DefaultStart, time.Millisecond)),
		WithIDGenerator(testutil.NewSequenceIDGenerator("scan")),
		WithMetrics(h.metrics),
	)
	return h
}

// logEvent writes an event directly to the store, one second apart.
func (h *harness) logEvent(t *testing.T, eventType, version string, attrs, data ir.Object) ir.Event {
	t.Helper()
	h.ts++
	ts := time.Date(2024, 3, 1, 9, 0, h.ts, 0, time.UTC).Format(ir.TimestampLayout)
	ev := ir.Event{
		ID:        ir.MustEventID(eventType, ts),
		Type:      eventType,
		Timestamp: ts,
		Timezone:  "US/Central",
		VersionID: ir.MustTagID(version),
		Attrs:     attrs,
		Data:      data,
	}
	require.NoError(t, h.store.WriteEvent(context.Background(), ev))
	return ev
}

func TestProcess_Success(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	ev := h.logEvent(t, "user_add", testVersion, ir.Object{"user": ir.String("alice")}, ir.Object{"k": ir.Int(1)})

	pe, err := h.engine.Process(ctx, ev)
	require.NoError(t, err)

	handlerID := ir.MustHandlerID("user_add", h.reg.VersionID())
	assert.Equal(t, ir.OutcomeSuccess, pe.Outcome)
	assert.Equal(t, ir.MustProcessedID(ev.ID, handlerID), pe.ID)
	assert.Equal(t, handlerID, pe.HandlerID)
	assert.Equal(t, ev.ID, pe.EventID)
	assert.Equal(t, "user_add", pe.EventType)
	assert.Equal(t, ir.Object{"user": ir.String("alice"), "seen": ir.Bool(true)}, pe.Record)
	assert.Empty(t, pe.Error)
	assert.NotEmpty(t, pe.ProcessedAt)

	stored, err := h.store.ReadProcessed(ctx, pe.ID)
	require.NoError(t, err)
	assert.Equal(t, pe, stored)
}

func TestProcess_Idempotent(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	ev := h.logEvent(t, "user_add", testVersion, ir.Object{"user": ir.String("alice")}, nil)

	first, err := h.engine.Process(ctx, ev)
	require.NoError(t, err)
	second, err := h.engine.Process(ctx, ev)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), h.calls.Load(), "handler must not run for an already processed pair")

	rows, err := h.store.ListProcessed(ctx, store.ProcessedFilter{EventID: ev.ID})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestProcess_FailuresAreRecorded(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		version   string
		code      FailureCode
	}{
		{"transform error", "boom", testVersion, FailTransform},
		{"transform panic", "crash", testVersion, FailTransform},
		{"no handler for slot", "orphan", testVersion, FailHandlerNotFound},
		{"stale handler", "user_add", oldVersion, FailVersionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupEngine(t)
			ctx := context.Background()
			ev := h.logEvent(t, tt.eventType, tt.version, ir.Object{"user": ir.String("alice")}, nil)

			pe, err := h.engine.Process(ctx, ev)
			require.NoError(t, err, "handler failures are data")

			assert.Equal(t, ir.OutcomeFailure, pe.Outcome)
			assert.Nil(t, pe.Record)
			assert.Contains(t, pe.Error, string(tt.code))
			assert.Equal(t, ir.MustHandlerID(tt.eventType, ir.MustTagID(tt.version)), pe.HandlerID)

			// The failure is final: reprocessing returns the stored row.
			again, err := h.engine.Process(ctx, ev)
			require.NoError(t, err)
			assert.Equal(t, pe, again)
		})
	}
}

func TestProcess_StaleHandlerNeverRuns(t *testing.T) {
	h := setupEngine(t)
	ev := h.logEvent(t, "user_add", oldVersion, ir.Object{"user": ir.String("alice")}, nil)

	pe, err := h.engine.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, pe.Succeeded())
	assert.Equal(t, int32(0), h.calls.Load())
}

func TestProcess_MissingPayloadFile(t *testing.T) {
	h := setupEngine(t)
	ev := h.logEvent(t, "user_add", testVersion, ir.Object{"user": ir.String("alice")}, nil)
	ev.DataPath = filepath.Join(t.TempDir(), "gone.json")

	pe, err := h.engine.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Contains(t, pe.Error, string(FailMissingPayload))
	assert.Equal(t, int32(0), h.calls.Load())
}

func TestProcess_NeverBothOutcomes(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	ev := h.logEvent(t, "user_add", testVersion, ir.Object{"user": ir.String("alice")}, nil)

	handlerID := ir.MustHandlerID("user_add", h.reg.VersionID())
	pid := ir.MustProcessedID(ev.ID, handlerID)

	// A concurrent writer recorded a failure first.
	_, inserted, err := h.store.WriteProcessed(ctx, ir.ProcessedEvent{
		ID:          pid,
		EventID:     ev.ID,
		HandlerID:   handlerID,
		EventType:   ev.Type,
		Outcome:     ir.OutcomeFailure,
		Error:       "earlier failure",
		ProcessedAt: "2024-03-01_09:00:00.000000",
	}, ev.VersionID)
	require.NoError(t, err)
	require.True(t, inserted)

	pe, err := h.engine.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "earlier failure", pe.Error)

	rows, err := h.store.ListProcessed(ctx, store.ProcessedFilter{EventID: ev.ID})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestCatchUp(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	a := h.logEvent(t, "user_add", testVersion, ir.Object{"user": ir.String("alice")}, nil)
	h.logEvent(t, "boom", testVersion, nil, nil)
	h.logEvent(t, "user_add", oldVersion, ir.Object{"user": ir.String("bob")}, nil)

	// One event already handled eagerly.
	_, err := h.engine.Process(ctx, a)
	require.NoError(t, err)

	report, err := h.engine.CatchUp(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, ScanReport{ScanID: "scan-000001", Scanned: 2, Succeeded: 0, Failed: 2, Remaining: 0}, report)

	// Nothing left: a second scan is a no-op.
	report, err = h.engine.CatchUp(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)
	assert.Equal(t, "scan-000002", report.ScanID)
	assert.Equal(t, int32(2), h.calls.Load(), "Echo once, Boom once, stale handler never")
}

func TestCatchUp_Limit(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	for _, u := range []string{"a", "b", "c"} {
		h.logEvent(t, "user_add", testVersion, ir.Object{"user": ir.String(u)}, nil)
	}

	report, err := h.engine.CatchUp(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Remaining)

	families, err := h.metrics.Gather()
	require.NoError(t, err)
	var pending float64
	for _, mf := range families {
		if mf.GetName() == metrics.MetricPendingEvents {
			pending = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, float64(1), pending)
}

func TestCatchUp_CancelledContext(t *testing.T) {
	h := setupEngine(t)
	h.logEvent(t, "user_add", testVersion, ir.Object{"user": ir.String("alice")}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.engine.CatchUp(ctx, 0)
	require.Error(t, err)
	assert.Equal(t, 0, report.Scanned)
}

func TestUUIDv7Generator(t *testing.T) {
	g := UUIDv7Generator{}
	a, b := g.Generate(), g.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
	assert.LessOrEqual(t, a[:8], b[:8], "UUIDv7 sorts by creation time")
}
