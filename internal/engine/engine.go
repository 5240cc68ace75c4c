package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/dashlog/internal/eventlog"
	"github.com/roach88/dashlog/internal/ir"
	"github.com/roach88/dashlog/internal/metrics"
	"github.com/roach88/dashlog/internal/registry"
	"github.com/roach88/dashlog/internal/store"
)

// Sink receives every row the Run loop processes, new or already stored.
// It runs on the Run goroutine.
type Sink func(ctx context.Context, pe ir.ProcessedEvent)

// Engine applies registered handlers to events.
//
// Thread-safety model:
//   - Process, CatchUp: safe from any goroutine; the store serializes writes
//     and the insert-or-skip write keeps one row per pair under races.
//   - Enqueue: safe from any goroutine.
//   - Run: must be called from exactly one goroutine.
type Engine struct {
	store   *store.Store
	reg     *registry.Registry
	clock   Clock
	ids     IDGenerator
	metrics *metrics.Metrics
	sink    Sink
	queue   *eventQueue
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for processed_at. Default: wall time.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithIDGenerator sets the scan ID source. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithMetrics records processing outcomes and the pending gauge on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithSink sets the callback the Run loop hands each processed row to.
func WithSink(s Sink) Option {
	return func(e *Engine) {
		e.sink = s
	}
}

// New creates an Engine that resolves handlers in reg and writes to s.
func New(s *store.Store, reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		store: s,
		reg:   reg,
		clock: systemClock{},
		ids:   UUIDv7Generator{},
		queue: newEventQueue(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process applies the handler for ev's (type, version) slot and records
// the outcome. If the pair was already processed the stored row is
// returned unchanged and the handler does not run.
//
// Handler failures are recorded as failure rows and returned with a nil
// error. The error is non-nil only when the store could not be read or
// written.
func (e *Engine) Process(ctx context.Context, ev ir.Event) (ir.ProcessedEvent, error) {
	h, resolveErr := e.reg.Resolve(ev.Type, ev.VersionID)
	handlerID := h.ID
	if resolveErr != nil {
		var err error
		handlerID, err = registry.SlotID(ev.Type, ev.VersionID)
		if err != nil {
			return ir.ProcessedEvent{}, fmt.Errorf("process %s: %w", ev.ID, err)
		}
	}

	processedID, err := ir.ProcessedID(ev.ID, handlerID)
	if err != nil {
		return ir.ProcessedEvent{}, fmt.Errorf("process %s: %w", ev.ID, err)
	}

	existing, err := e.store.ReadProcessed(ctx, processedID)
	if err == nil {
		slog.Debug("event already processed", "event_id", ev.ID, "processed_id", processedID)
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return ir.ProcessedEvent{}, fmt.Errorf("process %s: %w", ev.ID, err)
	}

	pe := ir.ProcessedEvent{
		ID:          processedID,
		EventID:     ev.ID,
		HandlerID:   handlerID,
		EventType:   ev.Type,
		ProcessedAt: e.clock.Now().UTC().Format(ir.TimestampLayout),
	}

	if resolveErr != nil {
		fail(&pe, resolveFailure(ev.ID, resolveErr))
	} else if record, failure := e.run(ctx, h, ev); failure != nil {
		fail(&pe, failure)
	} else {
		pe.Outcome = ir.OutcomeSuccess
		pe.Record = record
	}

	stored, inserted, err := e.store.WriteProcessed(ctx, pe, ev.VersionID)
	if err != nil {
		return ir.ProcessedEvent{}, fmt.Errorf("process %s: %w", ev.ID, err)
	}
	if inserted {
		e.metrics.EventProcessed(string(stored.Outcome))
		if stored.Succeeded() {
			slog.Info("event processed", "event_id", ev.ID, "event_type", ev.Type, "processed_id", stored.ID)
		} else {
			slog.Warn("event processing failed", "event_id", ev.ID, "event_type", ev.Type, "error", stored.Error)
		}
	}
	return stored, nil
}

func (e *Engine) run(ctx context.Context, h registry.Handler, ev ir.Event) (ir.Object, *ProcessingFailure) {
	data, err := eventlog.LoadPayload(ev)
	if err != nil {
		return nil, &ProcessingFailure{Code: FailMissingPayload, EventID: ev.ID, Handler: h.Name, Err: err}
	}
	record, err := e.reg.Run(ctx, h, registry.Input{Event: ev, Data: data})
	if err != nil {
		return nil, runFailure(ev.ID, h.Name, err)
	}
	return record, nil
}

func fail(pe *ir.ProcessedEvent, f *ProcessingFailure) {
	pe.Outcome = ir.OutcomeFailure
	pe.Error = f.Error()
}

// ScanReport summarizes one catch-up scan.
type ScanReport struct {
	ScanID    string `json:"scan_id"`
	Scanned   int    `json:"scanned"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Remaining int    `json:"remaining"`
}

// CatchUp processes events that have no processed row for the handler slot
// of their own version, oldest first. limit <= 0 means all of them.
//
// A store error stops the scan; the partial report is returned with it.
func (e *Engine) CatchUp(ctx context.Context, limit int) (ScanReport, error) {
	report := ScanReport{ScanID: e.ids.Generate()}
	log := slog.With("scan_id", report.ScanID)

	events, err := e.store.PendingEvents(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("catch-up: %w", err)
	}
	log.Debug("catch-up scan started", "pending", len(events))

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		pe, err := e.Process(ctx, ev)
		if err != nil {
			return report, fmt.Errorf("catch-up: %w", err)
		}
		report.Scanned++
		if pe.Succeeded() {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}

	remaining, err := e.store.CountPendingEvents(ctx)
	if err != nil {
		return report, fmt.Errorf("catch-up: %w", err)
	}
	report.Remaining = remaining
	e.metrics.SetPending(remaining)

	log.Info("catch-up scan complete",
		"scanned", report.Scanned,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"remaining", report.Remaining,
	)
	return report, nil
}

// Enqueue submits an event to the Run loop. Returns false after Stop.
func (e *Engine) Enqueue(ev ir.Event) bool {
	return e.queue.Enqueue(ev)
}

// QueueLen returns the number of events waiting in the Run queue.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Run processes enqueued events until ctx is cancelled, or until Stop is
// called and the queue has drained. Store errors are logged and the loop
// continues; the event stays pending in the store for the next catch-up.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting")

	for {
		ev, ok := e.queue.TryDequeue()
		if ok {
			pe, err := e.Process(ctx, ev)
			if err != nil {
				slog.Error("engine: process failed",
					"event_id", ev.ID,
					"event_type", ev.Type,
					"error", err,
				)
				continue
			}
			if e.sink != nil {
				e.sink(ctx, pe)
			}
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()
		case <-e.queue.Wait():
			if e.queue.closedAndEmpty() {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue. Run drains what is queued and returns.
func (e *Engine) Stop() {
	e.queue.Close()
}

