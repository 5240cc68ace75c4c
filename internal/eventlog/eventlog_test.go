package eventlog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dashlog/internal/ir"
	"github.com/roach88/dashlog/internal/registry"
	"github.com/roach88/dashlog/internal/store"
	"github.com/roach88/dashlog/internal/testutil"
)

const testVersion = "0.2.0"

type fixture struct {
	store *store.Store
	reg   *registry.Registry
	clock *testutil.StepClock
	log   *Log
	dir   string
}

func noop(context.Context, registry.Input) (ir.Object, error) { return ir.Object{}, nil }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	s, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg, err := registry.New(testVersion)
	require.NoError(t, err)
	require.NoError(t, reg.RegisterEventType(ir.EventTypeSpec{Name: "user_add", Group: "UserAdd", Required: []string{"user"}}))
	require.NoError(t, reg.RegisterEventType(ir.EventTypeSpec{Name: "user_check_in", Group: "UserCheckIn", Required: []string{"user", "check_in"}}))
	require.NoError(t, reg.RegisterEventType(ir.EventTypeSpec{
		Name:     "upload",
		Group:    "Upload",
		Required: []string{"data.name"},
		Storage:  ir.Storage{Kind: ir.StorageFile, Ext: ".json"},
	}))
	require.NoError(t, reg.RegisterHandler("H", "", []string{"user_add", "user_check_in", "upload"}, noop))
	require.NoError(t, reg.Seed(context.Background(), s, "2024-01-01_00:00:00.000000"))

	clock := testutil.NewStepClock(time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC), time.Second)
	l, err := New(s, reg, Options{BaseDir: filepath.Join(dir, "events"), Clock: clock})
	require.NoError(t, err)

	return &fixture{store: s, reg: reg, clock: clock, log: l, dir: dir}
}

func TestLog_WritesOneRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev, err := f.log.Log(ctx, "user_add", ir.Object{"user": ir.String("alice")}, nil)
	require.NoError(t, err)

	// 15:00 UTC is 09:00 in US/Central during standard time.
	assert.Equal(t, "2024-03-01_09:00:00.000000", ev.Timestamp)
	assert.Equal(t, "US/Central", ev.Timezone)
	assert.Equal(t, testutil.DefaultStart.UnixMicro(), ev.UnixMicro)
	assert.Equal(t, ir.MustEventID("user_add", ev.Timestamp), ev.ID)
	assert.Equal(t, f.reg.VersionID(), ev.VersionID)
	assert.False(t, ev.HasPayload())

	stored, err := f.log.Read(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev, stored)

	events, err := f.log.List(ctx, store.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLog_SameAttrsDifferentTimeDifferentID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	attrs := ir.Object{"user": ir.String("alice")}

	a, err := f.log.Log(ctx, "user_add", attrs, nil)
	require.NoError(t, err)
	b, err := f.log.Log(ctx, "user_add", attrs, nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	n, err := f.store.Count(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLog_CollisionSurfaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := f.clock.Peek()

	_, err := f.log.Log(ctx, "user_add", ir.Object{"user": ir.String("alice")}, nil)
	require.NoError(t, err)

	f.clock.Set(at)
	_, err = f.log.Log(ctx, "user_add", ir.Object{"user": ir.String("bob")}, nil)
	assert.ErrorIs(t, err, store.ErrEventCollision)
}

func TestLog_ValidationWritesNothing(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		attrs     ir.Object
		data      ir.Object
		code      registry.ValidationErrorCode
	}{
		{"unknown type", "user_delete", ir.Object{"user": ir.String("a")}, nil, registry.ErrCodeUnknownType},
		{"missing attr", "user_check_in", ir.Object{"user": ir.String("a")}, nil, registry.ErrCodeMissingField},
		{"missing payload key", "upload", ir.Object{}, ir.Object{"size": ir.Int(3)}, registry.ErrCodeMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			_, err := f.log.Log(ctx, tt.eventType, tt.attrs, tt.data)
			var ve *registry.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.code, ve.Code)

			n, err := f.store.Count(ctx, "events")
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestLog_InlinePayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	data := ir.Object{"auto": ir.Bool(true)}
	ev, err := f.log.Log(ctx, "user_check_in", ir.Object{"user": ir.String("bob"), "check_in": ir.Int(0)}, data)
	require.NoError(t, err)
	assert.Equal(t, data, ev.Data)
	assert.Empty(t, ev.DataPath)

	payload, err := LoadPayload(ev)
	require.NoError(t, err)
	assert.Equal(t, data, payload)
}

func TestLog_FilePayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	data := ir.Object{"name": ir.String("report"), "rows": ir.Int(12)}
	ev, err := f.log.Log(ctx, "upload", nil, data)
	require.NoError(t, err)

	assert.Nil(t, ev.Data)
	assert.Equal(t, filepath.Join(f.dir, "events", ev.ID+".json"), ev.DataPath)

	raw, err := os.ReadFile(ev.DataPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"report","rows":12}`, string(raw))

	stored, err := f.log.Read(ctx, ev.ID)
	require.NoError(t, err)
	payload, err := LoadPayload(stored)
	require.NoError(t, err)
	assert.Equal(t, data, payload)
}

func TestLog_FileWriteFailureWritesNoRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A regular file where the payload directory should be.
	blocker := filepath.Join(f.dir, "blocked")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	l, err := New(f.store, f.reg, Options{BaseDir: blocker, Clock: f.clock})
	require.NoError(t, err)

	_, err = l.Log(ctx, "upload", nil, ir.Object{"name": ir.String("r")})
	require.Error(t, err)

	n, err := f.store.Count(ctx, "events")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLog_InsertFailureRemovesPayloadFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := f.clock.Peek()

	first, err := f.log.Log(ctx, "upload", nil, ir.Object{"name": ir.String("a")})
	require.NoError(t, err)
	require.NoError(t, os.Remove(first.DataPath))

	// Same instant: the second file is written, the insert collides, and
	// the file must not be left behind.
	f.clock.Set(at)
	_, err = f.log.Log(ctx, "upload", nil, ir.Object{"name": ir.String("b")})
	require.ErrorIs(t, err, store.ErrEventCollision)

	_, statErr := os.Stat(first.DataPath)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestLog_HookRunsWithPersistedEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var got ir.Event
	require.NoError(t, f.reg.BindHook("user_add", func(ctx context.Context, ev ir.Event) error {
		stored, err := f.store.ReadEvent(ctx, ev.ID)
		require.NoError(t, err)
		got = stored
		return nil
	}))

	ev, err := f.log.Log(ctx, "user_add", ir.Object{"user": ir.String("alice")}, nil)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestLog_HookErrorKeepsEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("boom")

	require.NoError(t, f.reg.BindHook("user_add", func(context.Context, ir.Event) error { return boom }))

	ev, err := f.log.Log(ctx, "user_add", ir.Object{"user": ir.String("alice")}, nil)
	var he *HookError
	require.ErrorAs(t, err, &he)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, ev.ID, he.Event.ID)

	_, err = f.store.ReadEvent(ctx, ev.ID)
	assert.NoError(t, err)
}

func TestLog_HookDepthBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	calls := 0
	require.NoError(t, f.reg.BindHook("user_add", func(ctx context.Context, ev ir.Event) error {
		calls++
		assert.Equal(t, 1, HookDepth(ctx))
		// Re-entry: this event is persisted, its hook is skipped.
		_, err := f.log.Log(ctx, "user_add", ir.Object{"user": ir.String("nested")}, nil)
		return err
	}))

	_, err := f.log.Log(ctx, "user_add", ir.Object{"user": ir.String("alice")}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	n, err := f.store.Count(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLoadPayload_MissingFile(t *testing.T) {
	_, err := LoadPayload(ir.Event{ID: "x", DataPath: filepath.Join(t.TempDir(), "gone.json")})
	assert.Error(t, err)

	payload, err := LoadPayload(ir.Event{ID: "y"})
	require.NoError(t, err)
	assert.Nil(t, payload)
}
