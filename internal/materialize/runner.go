package materialize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/dashlog/internal/ir"
	"github.com/roach88/dashlog/internal/metrics"
	"github.com/roach88/dashlog/internal/store"
)

// Clock supplies wall time for failed_at stamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Runner applies a fixed list of materializers to pending sources.
type Runner struct {
	store   *store.Store
	ms      []Materializer
	metrics *metrics.Metrics
	clock   Clock
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaterializers replaces Defaults. Order is application order.
func WithMaterializers(ms ...Materializer) Option {
	return func(r *Runner) {
		r.ms = ms
	}
}

// WithMetrics counts applied and failed sources on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithClock sets the clock used for failed_at. Default: wall time.
func WithClock(c Clock) Option {
	return func(r *Runner) {
		r.clock = c
	}
}

// New creates a Runner over s with the Defaults materializers.
func New(s *store.Store, opts ...Option) *Runner {
	r := &Runner{store: s, ms: Defaults(), clock: systemClock{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Materializers returns the configured materializers in application order.
func (r *Runner) Materializers() []Materializer {
	return r.ms
}

// Report summarizes one Populate or CatchUp call.
type Report struct {
	Applied int      `json:"applied"`
	Failed  int      `json:"failed"`
	Changes []Change `json:"changes,omitempty"`
}

// Populate materializes the single processed row processedID, for every
// materializer whose key source contains it. An empty processedID means
// every pending source, like CatchUp.
func (r *Runner) Populate(ctx context.Context, processedID string) (Report, error) {
	return r.run(ctx, processedID)
}

// CatchUp materializes every pending source of every materializer.
func (r *Runner) CatchUp(ctx context.Context) (Report, error) {
	return r.run(ctx, "")
}

// run applies each pending source in its own transaction. A failed apply
// is recorded in materialize_failures and the source stays pending, so the
// next run retries it. Only store errors are returned.
func (r *Runner) run(ctx context.Context, processedID string) (Report, error) {
	report := Report{Changes: []Change{}}
	for _, m := range r.ms {
		sources, err := r.store.PendingSources(ctx, m.Table(), m.EventTypes(), processedID)
		if err != nil {
			return report, fmt.Errorf("materialize %s: %w", m.Name(), err)
		}
		for _, src := range sources {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			change, err := r.apply(ctx, m, src)
			switch {
			case errors.Is(err, ErrAlreadyMaterialized):
				slog.Debug("source already materialized", "materializer", m.Name(), "processed_id", src.Processed.ID)
			case err != nil:
				if ctxErr := ctx.Err(); ctxErr != nil {
					return report, ctxErr
				}
				report.Failed++
				r.metrics.MaterializeFailed(m.Name())
				slog.Error("materialize failed",
					"materializer", m.Name(),
					"processed_id", src.Processed.ID,
					"event_id", src.Processed.EventID,
					"error", err,
				)
				if err := r.store.RecordMaterializeFailure(ctx, store.MaterializeFailureRow{
					ProcessedID:  src.Processed.ID,
					Materializer: m.Name(),
					EventID:      src.Processed.EventID,
					Error:        err.Error(),
					FailedAt:     r.clock.Now().UTC().Format(ir.TimestampLayout),
				}); err != nil {
					return report, fmt.Errorf("materialize %s: %w", m.Name(), err)
				}
			default:
				report.Applied++
				report.Changes = append(report.Changes, change)
				r.metrics.Materialized(m.Name())
				slog.Info("materialized", "materializer", m.Name(), "processed_id", src.Processed.ID, "user", change.User)
			}
		}
	}
	return report, nil
}

func (r *Runner) apply(ctx context.Context, m Materializer, src store.Source) (Change, error) {
	var change Change
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		if change, err = m.Apply(ctx, tx, src); err != nil {
			return err
		}
		return tx.ClearMaterializeFailure(ctx, src.Processed.ID, m.Name())
	})
	return change, err
}
