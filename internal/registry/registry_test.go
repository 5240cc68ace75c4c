package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dashlog/internal/catalog"
	"github.com/roach88/dashlog/internal/ir"
	"github.com/roach88/dashlog/internal/store"
)

const testVersion = "0.2.0"

func echo(_ context.Context, in Input) (ir.Object, error) {
	return in.Event.Attrs.Clone(), nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(testVersion)
	require.NoError(t, err)
	require.NoError(t, r.RegisterEventType(ir.EventTypeSpec{Name: "user_add", Group: "UserAdd", Required: []string{"user"}}))
	require.NoError(t, r.RegisterEventType(ir.EventTypeSpec{Name: "user_add_info", Group: "UserAdd", Required: []string{"user", "info_type"}}))
	require.NoError(t, r.RegisterHandler("UserEvent", "", []string{"user_add", "user_add_info"}, echo))
	return r
}

func testEvent(eventType string, attrs ir.Object) ir.Event {
	return ir.Event{
		ID:        ir.MustEventID(eventType, "2024-03-01_09:00:00.000000"),
		Type:      eventType,
		Timestamp: "2024-03-01_09:00:00.000000",
		Timezone:  "US/Central",
		VersionID: ir.MustTagID(testVersion),
		Attrs:     attrs,
	}
}

func TestNew_EmptyVersion(t *testing.T) {
	_, err := New("")
	assert.True(t, IsRegistrationError(err, ErrCodeEmptyName))
}

func TestRegisterEventType(t *testing.T) {
	tests := []struct {
		name string
		spec ir.EventTypeSpec
		code RegistrationErrorCode
	}{
		{"empty name", ir.EventTypeSpec{Group: "G"}, ErrCodeEmptyName},
		{"csv storage", ir.EventTypeSpec{Name: "x", Storage: ir.Storage{Kind: ir.StorageFile, Ext: ".csv"}}, ErrCodeUnsupportedStorage},
		{"unknown kind", ir.EventTypeSpec{Name: "x", Storage: ir.Storage{Kind: "s3"}}, ErrCodeUnsupportedStorage},
		{"duplicate", ir.EventTypeSpec{Name: "user_add"}, ErrCodeDuplicateEventType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			err := r.RegisterEventType(tt.spec)
			require.Error(t, err)
			assert.True(t, IsRegistrationError(err, tt.code), "got %v", err)
		})
	}
}

func TestRegisterEventType_FileDefaultsToJSON(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterEventType(ir.EventTypeSpec{Name: "blob", Storage: ir.Storage{Kind: ir.StorageFile}}))

	et, err := r.Lookup("blob")
	require.NoError(t, err)
	assert.Equal(t, ir.Storage{Kind: ir.StorageFile, Ext: JSONExt}, et.Storage)
}

func TestLookup_Unknown(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Lookup("nope")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ErrCodeUnknownType, ve.Code)
}

func TestCheckRequired(t *testing.T) {
	et := EventType{EventTypeSpec: ir.EventTypeSpec{
		Name:     "upload",
		Required: []string{"user", "data.path"},
	}}

	assert.NoError(t, et.CheckRequired(
		ir.Object{"user": ir.String("a")},
		ir.Object{"path": ir.String("/x")},
	))

	err := et.CheckRequired(ir.Object{}, ir.Object{"path": ir.String("/x")})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, ErrCodeMissingField, ve.Code)
	assert.Equal(t, "user", ve.Field)

	err = et.CheckRequired(ir.Object{"user": ir.String("a")}, nil)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "data.path", ve.Field)
}

func TestRegisterHandler_Duplicate(t *testing.T) {
	r := newTestRegistry(t)
	err := r.RegisterHandler("Other", "", []string{"user_add"}, echo)
	assert.True(t, IsRegistrationError(err, ErrCodeDuplicateHandler))

	// Same pair at a different version is a separate slot.
	require.NoError(t, r.RegisterHandler("Other", "0.1.0", []string{"user_add"}, echo))
}

func TestRegisterHandler_UnknownEventTypeRegistersNothing(t *testing.T) {
	r, err := New(testVersion)
	require.NoError(t, err)
	require.NoError(t, r.RegisterEventType(ir.EventTypeSpec{Name: "a"}))

	err = r.RegisterHandler("H", "", []string{"a", "missing"}, echo)
	assert.True(t, IsRegistrationError(err, ErrCodeUnknownEventType))

	_, err = r.Resolve("a", r.VersionID())
	assert.ErrorIs(t, err, ErrHandlerNotFound)
}

func TestResolve(t *testing.T) {
	r := newTestRegistry(t)

	h, err := r.Resolve("user_add_info", r.VersionID())
	require.NoError(t, err)
	assert.Equal(t, "UserEvent", h.Name)
	assert.Equal(t, ir.MustHandlerID("user_add_info", r.VersionID()), h.ID)
	assert.Equal(t, testVersion, h.Version)

	_, err = r.Resolve("user_add", ir.MustTagID("9.9.9"))
	assert.ErrorIs(t, err, ErrHandlerNotFound)
}

func TestResolve_Ambiguous(t *testing.T) {
	r := newTestRegistry(t)
	k := slot{"user_add", r.VersionID()}
	r.handlers[k] = append(r.handlers[k], r.handlers[k][0])

	_, err := r.Resolve("user_add", r.VersionID())
	assert.ErrorIs(t, err, ErrAmbiguousHandler)
	assert.True(t, IsRegistrationError(r.Validate(), ErrCodeDuplicateHandler))
}

func TestValidate_MissingHandler(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterEventType(ir.EventTypeSpec{Name: "user_access"}))

	err := r.Validate()
	require.Error(t, err)
	assert.True(t, IsRegistrationError(err, ErrCodeMissingHandler))
	assert.Contains(t, err.Error(), "user_access")
}

func TestValidate_StaleHandlerOnlyIsMissing(t *testing.T) {
	r, err := New(testVersion)
	require.NoError(t, err)
	require.NoError(t, r.RegisterEventType(ir.EventTypeSpec{Name: "a"}))
	require.NoError(t, r.RegisterHandler("Old", "0.1.0", []string{"a"}, echo))

	assert.True(t, IsRegistrationError(r.Validate(), ErrCodeMissingHandler))
}

func TestBindHook(t *testing.T) {
	r := newTestRegistry(t)
	called := false
	require.NoError(t, r.BindHook("user_add", func(context.Context, ir.Event) error {
		called = true
		return nil
	}))

	et, err := r.Lookup("user_add")
	require.NoError(t, err)
	require.NotNil(t, et.Hook)
	require.NoError(t, et.Hook(context.Background(), ir.Event{}))
	assert.True(t, called)

	err = r.BindHook("nope", nil)
	assert.True(t, IsRegistrationError(err, ErrCodeUnknownEventType))
}

func TestRun(t *testing.T) {
	r := newTestRegistry(t)
	h, err := r.Resolve("user_add", r.VersionID())
	require.NoError(t, err)

	ev := testEvent("user_add", ir.Object{"user": ir.String("alice")})
	rec, err := r.Run(context.Background(), h, Input{Event: ev})
	require.NoError(t, err)
	assert.Equal(t, ir.Object{"user": ir.String("alice")}, rec)
}

func TestRun_EventMismatch(t *testing.T) {
	r := newTestRegistry(t)
	h, err := r.Resolve("user_add", r.VersionID())
	require.NoError(t, err)

	_, err = r.Run(context.Background(), h, Input{Event: testEvent("user_add_info", ir.Object{})})
	assert.ErrorContains(t, err, "does not match")
}

func TestRun_VersionMismatchSkipsTransform(t *testing.T) {
	r := newTestRegistry(t)
	called := false
	require.NoError(t, r.RegisterHandler("Stale", "0.1.0", []string{"user_add"}, func(context.Context, Input) (ir.Object, error) {
		called = true
		return ir.Object{}, nil
	}))
	h, err := r.Resolve("user_add", ir.MustTagID("0.1.0"))
	require.NoError(t, err)

	_, err = r.Run(context.Background(), h, Input{Event: testEvent("user_add", ir.Object{})})
	var vm *VersionMismatchError
	require.ErrorAs(t, err, &vm)
	assert.Equal(t, "0.1.0", vm.HandlerVersion)
	assert.Equal(t, testVersion, vm.CurrentVersion)
	assert.False(t, called)
}

func TestRun_PanicBecomesError(t *testing.T) {
	r, err := New(testVersion)
	require.NoError(t, err)
	require.NoError(t, r.RegisterEventType(ir.EventTypeSpec{Name: "boom"}))
	require.NoError(t, r.RegisterHandler("Boom", "", []string{"boom"}, func(context.Context, Input) (ir.Object, error) {
		panic("kaboom")
	}))
	h, err := r.Resolve("boom", r.VersionID())
	require.NoError(t, err)

	_, err = r.Run(context.Background(), h, Input{Event: testEvent("boom", ir.Object{})})
	assert.ErrorContains(t, err, "kaboom")
}

func TestRun_TransformErrorPassesThrough(t *testing.T) {
	r, err := New(testVersion)
	require.NoError(t, err)
	require.NoError(t, r.RegisterEventType(ir.EventTypeSpec{Name: "e"}))
	sentinel := errors.New("bad input")
	require.NoError(t, r.RegisterHandler("E", "", []string{"e"}, func(context.Context, Input) (ir.Object, error) {
		return nil, sentinel
	}))
	h, err := r.Resolve("e", r.VersionID())
	require.NoError(t, err)

	_, err = r.Run(context.Background(), h, Input{Event: testEvent("e", ir.Object{})})
	assert.ErrorIs(t, err, sentinel)
}

func TestSeed_Idempotent(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterHandler("Stale", "0.1.0", []string{"user_add"}, echo))

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, r.Seed(ctx, s, "2024-01-01_00:00:00.000000"))
	}

	rows, err := s.ReadHandlers(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	n, err := s.Count(ctx, "tags")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFromCatalog(t *testing.T) {
	cat, err := catalog.Default()
	require.NoError(t, err)

	transforms := map[string]Transform{
		"UserEvent":    echo,
		"AccessEvent":  echo,
		"CheckInEvent": echo,
	}
	r, err := FromCatalog(cat, testVersion, transforms)
	require.NoError(t, err)
	assert.Len(t, r.Handlers(), 4)

	delete(transforms, "AccessEvent")
	_, err = FromCatalog(cat, testVersion, transforms)
	assert.True(t, IsRegistrationError(err, ErrCodeMissingTransform))
}

func TestSlotID(t *testing.T) {
	id, err := SlotID("user_add", ir.MustTagID(testVersion))
	require.NoError(t, err)
	assert.Equal(t, ir.MustHandlerID("user_add", ir.MustTagID(testVersion)), id)
}
