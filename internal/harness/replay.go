package harness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/dashlog/internal/catalog"
	"github.com/roach88/dashlog/internal/dashboard"
	"github.com/roach88/dashlog/internal/ir"
	"github.com/roach88/dashlog/internal/notify"
	"github.com/roach88/dashlog/internal/store"
)

// ReplayOptions configures Replay. Zero values use the embedded catalog,
// the current schema version and the payload directory.
type ReplayOptions struct {
	Catalog   *catalog.Catalog
	Version   string
	Directory dashboard.Directory
}

// ReplayResult reports whether rebuilding derived state from the event log
// is deterministic and agrees with the source store.
type ReplayResult struct {
	Events        int       `json:"events"`
	Deterministic bool      `json:"deterministic"`
	MatchesSource bool      `json:"matches_source"`
	Differences   []string  `json:"differences,omitempty"` // sections differing from the source
	Snapshot      *Snapshot `json:"snapshot"`
}

// Replay copies the event log of src into two fresh stores, rebuilds the
// derived state of each by catch-up, and compares the results with each
// other and with src. src is only read.
func Replay(ctx context.Context, src *store.Store, opts ReplayOptions) (*ReplayResult, error) {
	tags, err := src.ListTags(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	events, err := src.ListEvents(ctx, store.EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}

	first, err := replayOnce(ctx, tags, events, opts)
	if err != nil {
		return nil, fmt.Errorf("first replay failed: %w", err)
	}
	second, err := replayOnce(ctx, tags, events, opts)
	if err != nil {
		return nil, fmt.Errorf("second replay failed: %w", err)
	}

	runDiff, err := first.Diff(second)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}

	source, err := TakeSnapshot(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	srcDiff, err := first.Diff(source)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}

	result := &ReplayResult{
		Events:        len(events),
		Deterministic: len(runDiff) == 0,
		MatchesSource: len(srcDiff) == 0,
		Differences:   srcDiff,
		Snapshot:      first,
	}
	slog.Info("replay complete",
		"events", result.Events,
		"deterministic", result.Deterministic,
		"matches_source", result.MatchesSource)
	return result, nil
}

// replayOnce rebuilds derived state from events in a temporary store.
// Notifications are dropped.
func replayOnce(ctx context.Context, tags []ir.Tag, events []ir.Event, opts ReplayOptions) (*Snapshot, error) {
	dir, err := os.MkdirTemp("", "dashlog-replay-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	dst, err := store.Open(filepath.Join(dir, "replay.db"))
	if err != nil {
		return nil, err
	}
	defer dst.Close()

	for _, tag := range tags {
		if _, err := dst.EnsureTag(ctx, tag); err != nil {
			return nil, err
		}
	}
	for _, ev := range events {
		if err := dst.WriteEvent(ctx, ev); err != nil {
			return nil, err
		}
	}

	d, err := dashboard.New(ctx, dst, dashboard.Options{
		Catalog:   opts.Catalog,
		Version:   opts.Version,
		BaseDir:   filepath.Join(dir, "events"),
		Mode:      dashboard.ModeLazy,
		Notifier:  notify.Func(func(context.Context, string, string) error { return nil }),
		Directory: opts.Directory,
	})
	if err != nil {
		return nil, err
	}
	defer d.Close()
	if _, err := d.CatchUp(ctx); err != nil {
		return nil, err
	}
	return TakeSnapshot(ctx, dst)
}
