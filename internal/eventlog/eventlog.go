// Package eventlog appends typed events to the store and runs their
// post-insert hooks.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata" // US/Central must resolve on hosts without zoneinfo

	"github.com/roach88/dashlog/internal/ir"
	"github.com/roach88/dashlog/internal/metrics"
	"github.com/roach88/dashlog/internal/registry"
	"github.com/roach88/dashlog/internal/store"
)

// MaxHookDepth bounds hook re-entry. An event logged from inside a hook at
// this depth is persisted, but its own hook is skipped; catch-up scans
// process it later.
const MaxHookDepth = 1

// DefaultTimezone is the zone event timestamps are rendered in.
const DefaultTimezone = "US/Central"

// Clock supplies wall time for event timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options configures a Log. Zero values select defaults.
type Options struct {
	// BaseDir holds external payload files. Required only when an event
	// type uses file storage.
	BaseDir string

	// Location renders timestamps. Default: DefaultTimezone.
	Location *time.Location

	Clock   Clock
	Metrics *metrics.Metrics
}

// Log is the event log.
type Log struct {
	store   *store.Store
	reg     *registry.Registry
	baseDir string
	loc     *time.Location
	clock   Clock
	metrics *metrics.Metrics
}

// New creates a Log over s using the event types in reg.
func New(s *store.Store, reg *registry.Registry, opts Options) (*Log, error) {
	loc := opts.Location
	if loc == nil {
		var err error
		loc, err = time.LoadLocation(DefaultTimezone)
		if err != nil {
			return nil, fmt.Errorf("eventlog: load default timezone: %w", err)
		}
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Log{
		store:   s,
		reg:     reg,
		baseDir: opts.BaseDir,
		loc:     loc,
		clock:   clock,
		metrics: opts.Metrics,
	}, nil
}

// HookError reports a failed post-insert hook. The event was persisted.
type HookError struct {
	Event ir.Event
	Err   error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("on_event hook for %s %s: %v", e.Event.Type, e.Event.ID, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

type hookDepthKey struct{}

// HookDepth returns how many hooks enclose ctx.
func HookDepth(ctx context.Context) int {
	d, _ := ctx.Value(hookDepthKey{}).(int)
	return d
}

func withHookDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, hookDepthKey{}, depth)
}

// Log appends one event of eventType and runs its hook.
//
// Validation failures return a *registry.ValidationError and write
// nothing. A payload file write failure writes no row. A hook failure
// returns the persisted event together with a *HookError.
func (l *Log) Log(ctx context.Context, eventType string, attrs, data ir.Object) (ir.Event, error) {
	et, err := l.reg.Lookup(eventType)
	if err != nil {
		return ir.Event{}, err
	}
	if attrs == nil {
		attrs = ir.Object{}
	}
	if err := et.CheckRequired(attrs, data); err != nil {
		return ir.Event{}, err
	}

	now := l.clock.Now().In(l.loc)
	ev := ir.Event{
		Type:      eventType,
		Timestamp: now.Format(ir.TimestampLayout),
		Timezone:  l.loc.String(),
		UnixMicro: now.UnixMicro(),
		VersionID: l.reg.VersionID(),
		Attrs:     attrs,
	}
	if ev.ID, err = ir.EventID(ev.Type, ev.Timestamp); err != nil {
		return ir.Event{}, fmt.Errorf("log event: %w", err)
	}

	if data != nil {
		switch et.Storage.Kind {
		case ir.StorageFile:
			path, err := l.writePayload(ev.ID, et.Storage.Ext, data)
			if err != nil {
				return ir.Event{}, err
			}
			ev.DataPath = path
		default:
			ev.Data = data
		}
	}

	if err := l.store.WriteEvent(ctx, ev); err != nil {
		if ev.DataPath != "" {
			if rmErr := os.Remove(ev.DataPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				slog.Warn("failed to remove orphaned payload file", "path", ev.DataPath, "error", rmErr)
			}
		}
		return ir.Event{}, fmt.Errorf("log event: %w", err)
	}
	l.metrics.EventLogged(ev.Type)

	slog.Info("event logged", "event_id", ev.ID, "event_type", ev.Type, "event_ts", ev.Timestamp)
	slog.Debug("event logged with attrs", "event_id", ev.ID, "attrs", ev.Attrs)

	if et.Hook == nil {
		return ev, nil
	}
	depth := HookDepth(ctx)
	if depth >= MaxHookDepth {
		slog.Warn("hook depth exceeded, deferring to catch-up",
			"event_id", ev.ID, "event_type", ev.Type, "depth", depth)
		return ev, nil
	}
	if err := et.Hook(withHookDepth(ctx, depth+1), ev); err != nil {
		return ev, &HookError{Event: ev, Err: err}
	}
	return ev, nil
}

func (l *Log) writePayload(eventID, ext string, data ir.Object) (string, error) {
	if l.baseDir == "" {
		return "", fmt.Errorf("write payload: no base directory configured for external storage")
	}
	if ext == "" {
		ext = registry.JSONExt
	}
	b, err := ir.MarshalCanonical(data)
	if err != nil {
		return "", fmt.Errorf("write payload: %w", err)
	}
	if err := os.MkdirAll(l.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("write payload: %w", err)
	}
	path := PayloadPath(l.baseDir, eventID, ext)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("write payload: %w", err)
	}
	return path, nil
}

// PayloadPath is where the external payload of eventID is stored.
func PayloadPath(baseDir, eventID, ext string) string {
	return filepath.Join(baseDir, eventID+ext)
}

// Read returns one event by ID.
func (l *Log) Read(ctx context.Context, id string) (ir.Event, error) {
	return l.store.ReadEvent(ctx, id)
}

// List returns events matching f in timestamp order.
func (l *Log) List(ctx context.Context, f store.EventFilter) ([]ir.Event, error) {
	return l.store.ListEvents(ctx, f)
}

// LoadPayload returns the event's payload: the inline data, or the parsed
// external file. It returns nil for an event without payload.
func LoadPayload(ev ir.Event) (ir.Object, error) {
	if ev.Data != nil {
		return ev.Data, nil
	}
	if ev.DataPath == "" {
		return nil, nil
	}
	b, err := os.ReadFile(ev.DataPath)
	if err != nil {
		return nil, fmt.Errorf("load payload for event %s: %w", ev.ID, err)
	}
	obj, err := ir.ParseObject(b)
	if err != nil {
		return nil, fmt.Errorf("load payload for event %s: %w", ev.ID, err)
	}
	return obj, nil
}
