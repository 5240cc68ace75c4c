// Package dashboard wires the event log, handler registry, processing
// engine, materializers and notifier into the dashboard pipeline:
//
//	LogEvent → events row → hook → Process → Populate → Notify
//
// Processing failures are data; the hook reports only store errors.
// Notifications leave the pipeline through a queue drained by one
// goroutine; Close the Dashboard to deliver what is left.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/dashlog/internal/catalog"
	"github.com/roach88/dashlog/internal/engine"
	"github.com/roach88/dashlog/internal/eventlog"
	"github.com/roach88/dashlog/internal/ir"
	"github.com/roach88/dashlog/internal/materialize"
	"github.com/roach88/dashlog/internal/metrics"
	"github.com/roach88/dashlog/internal/notify"
	"github.com/roach88/dashlog/internal/registry"
	"github.com/roach88/dashlog/internal/store"
)

// Mode selects what the post-insert hook does.
type Mode string

const (
	// ModeEager processes, materializes and notifies inside the hook.
	ModeEager Mode = "eager"

	// ModeAsync enqueues the event for the engine's Run loop.
	ModeAsync Mode = "async"

	// ModeLazy does nothing in the hook; CatchUp does the work.
	ModeLazy Mode = "lazy"
)

// ParseMode validates a mode name. Empty means ModeEager.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeEager:
		return ModeEager, nil
	case ModeAsync, ModeLazy:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q (want eager, async or lazy)", s)
}

// Options configures a Dashboard. Zero values select defaults.
type Options struct {
	// Catalog declares event types and handlers. Default: catalog.Default().
	Catalog *catalog.Catalog

	// Version is the current schema version. Default: ir.SchemaVersion.
	Version string

	// BaseDir holds external payload files.
	BaseDir string

	// Location renders event timestamps. Default: eventlog.DefaultTimezone.
	Location *time.Location

	Mode Mode

	// Notifier delivers change notifications; it is wrapped in
	// notify.BestEffort. Default: notify.Log.
	Notifier notify.Notifier

	// Channel is the broadcast channel. Default: notify.DefaultChannel.
	Channel string

	// NotifyTimeout bounds the delivery of one change's messages.
	// Default: DefaultNotifyTimeout.
	NotifyTimeout time.Duration

	// Directory resolves Slack handles. Default: PayloadDirectory.
	Directory Directory

	Clock     eventlog.Clock
	IDs       engine.IDGenerator
	Metrics   *metrics.Metrics
	CreatedAt string // tag/handler seed time; default: now
}

// Dashboard is the assembled pipeline.
type Dashboard struct {
	store    *store.Store
	reg      *registry.Registry
	log      *eventlog.Log
	engine   *engine.Engine
	runner   *materialize.Runner
	notifier notify.Notifier
	channel  string
	mode     Mode
	metrics  *metrics.Metrics
	outbox   *outbox
}

// New builds the registry from the catalog, binds transforms and hooks,
// and seeds the version tag and handler rows in s.
func New(ctx context.Context, s *store.Store, opts Options) (*Dashboard, error) {
	cat := opts.Catalog
	if cat == nil {
		var err error
		if cat, err = catalog.Default(); err != nil {
			return nil, fmt.Errorf("dashboard: %w", err)
		}
	}
	version := opts.Version
	if version == "" {
		version = ir.SchemaVersion
	}
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}

	reg, err := registry.FromCatalog(cat, version, Transforms(opts.Directory))
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = wallClock{}
	}
	createdAt := opts.CreatedAt
	if createdAt == "" {
		createdAt = clock.Now().UTC().Format(ir.TimestampLayout)
	}
	if err := reg.Seed(ctx, s, createdAt); err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}

	l, err := eventlog.New(s, reg, eventlog.Options{
		BaseDir:  opts.BaseDir,
		Location: opts.Location,
		Clock:    clock,
		Metrics:  opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}

	n := opts.Notifier
	if n == nil {
		n = notify.Log{}
	}
	channel := opts.Channel
	if channel == "" {
		channel = notify.DefaultChannel
	}

	d := &Dashboard{
		store:    s,
		reg:      reg,
		log:      l,
		runner:   materialize.New(s, materialize.WithMetrics(opts.Metrics), materialize.WithClock(clock)),
		notifier: notify.BestEffort(n, opts.Metrics),
		channel:  channel,
		mode:     mode,
		metrics:  opts.Metrics,
		outbox:   newOutbox(opts.NotifyTimeout),
	}

	engineOpts := []engine.Option{
		engine.WithClock(clock),
		engine.WithMetrics(opts.Metrics),
		engine.WithSink(d.sink),
	}
	if opts.IDs != nil {
		engineOpts = append(engineOpts, engine.WithIDGenerator(opts.IDs))
	}
	d.engine = engine.New(s, reg, engineOpts...)

	for _, et := range reg.EventTypes() {
		if err := reg.BindHook(et.Name, d.onEvent); err != nil {
			return nil, fmt.Errorf("dashboard: %w", err)
		}
	}
	go d.deliver()
	return d, nil
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Registry returns the handler registry.
func (d *Dashboard) Registry() *registry.Registry { return d.reg }

// Engine returns the processing engine.
func (d *Dashboard) Engine() *engine.Engine { return d.engine }

// Runner returns the materializer runner.
func (d *Dashboard) Runner() *materialize.Runner { return d.runner }

// Mode returns the hook mode.
func (d *Dashboard) Mode() Mode { return d.mode }

// LogEvent appends an event and runs its hook. A hook failure returns the
// persisted event with an *eventlog.HookError.
func (d *Dashboard) LogEvent(ctx context.Context, eventType string, attrs, data ir.Object) (ir.Event, error) {
	return d.log.Log(ctx, eventType, attrs, data)
}

// onEvent is the post-insert hook of every event type.
func (d *Dashboard) onEvent(ctx context.Context, ev ir.Event) error {
	switch d.mode {
	case ModeLazy:
		return nil
	case ModeAsync:
		if !d.engine.Enqueue(ev) {
			slog.Warn("engine stopped; event left for catch-up", "event_id", ev.ID)
		}
		return nil
	}
	_, err := d.handle(ctx, ev)
	return err
}

// handle processes ev, materializes its processed row and notifies.
func (d *Dashboard) handle(ctx context.Context, ev ir.Event) (ir.ProcessedEvent, error) {
	pe, err := d.engine.Process(ctx, ev)
	if err != nil {
		return ir.ProcessedEvent{}, err
	}
	if !pe.Succeeded() {
		return pe, nil
	}
	report, err := d.runner.Populate(ctx, pe.ID)
	if err != nil {
		return pe, err
	}
	d.notifyAll(ctx, report.Changes)
	return pe, nil
}

// sink finishes an event processed by the Run loop.
func (d *Dashboard) sink(ctx context.Context, pe ir.ProcessedEvent) {
	if !pe.Succeeded() {
		return
	}
	report, err := d.runner.Populate(ctx, pe.ID)
	if err != nil {
		slog.Error("populate failed", "processed_id", pe.ID, "error", err)
		return
	}
	d.notifyAll(ctx, report.Changes)
}

// Process processes one stored event by ID, then materializes and
// notifies like the eager hook.
func (d *Dashboard) Process(ctx context.Context, eventID string) (ir.ProcessedEvent, error) {
	ev, err := d.log.Read(ctx, eventID)
	if err != nil {
		return ir.ProcessedEvent{}, err
	}
	return d.handle(ctx, ev)
}

// Report summarizes a full catch-up.
type Report struct {
	Scan        engine.ScanReport  `json:"scan"`
	Materialize materialize.Report `json:"materialize"`
}

// CatchUp processes every pending event, then materializes every pending
// processed row and notifies the resulting changes.
func (d *Dashboard) CatchUp(ctx context.Context) (Report, error) {
	var report Report
	var err error
	if report.Scan, err = d.engine.CatchUp(ctx, 0); err != nil {
		return report, err
	}
	if report.Materialize, err = d.Populate(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// Populate materializes every pending processed row and notifies.
func (d *Dashboard) Populate(ctx context.Context) (materialize.Report, error) {
	report, err := d.runner.CatchUp(ctx)
	if err != nil {
		return report, err
	}
	d.notifyAll(ctx, report.Changes)
	return report, nil
}

// Run drives the engine loop for ModeAsync until ctx is done or Stop.
func (d *Dashboard) Run(ctx context.Context) error {
	return d.engine.Run(ctx)
}

// Stop ends Run once the queue drains.
func (d *Dashboard) Stop() {
	d.engine.Stop()
}

// Watch runs CatchUp every interval until ctx is done. Scan errors are
// logged and the next tick retries.
func (d *Dashboard) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("watch: interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("watch starting", "interval", interval)
	for {
		if _, err := d.CatchUp(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			slog.Error("catch-up failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("watch stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunHandler runs the handler for a stored event without writing
// anything, for debugging and replay.
func (d *Dashboard) RunHandler(ctx context.Context, eventID string) (ir.Object, error) {
	ev, err := d.log.Read(ctx, eventID)
	if err != nil {
		return nil, err
	}
	h, err := d.reg.Resolve(ev.Type, ev.VersionID)
	if err != nil {
		return nil, err
	}
	data, err := eventlog.LoadPayload(ev)
	if err != nil {
		return nil, err
	}
	return d.reg.Run(ctx, h, registry.Input{Event: ev, Data: data})
}
