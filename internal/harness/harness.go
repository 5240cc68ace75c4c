package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/roach88/dashlog/internal/dashboard"
	"github.com/roach88/dashlog/internal/ir"
	"github.com/roach88/dashlog/internal/registry"
	"github.com/roach88/dashlog/internal/store"
	"github.com/roach88/dashlog/internal/testutil"
)

// StepInterval separates the timestamps of consecutive scenario steps.
const StepInterval = time.Second

// Harness executes one scenario against a private store.
type Harness struct {
	store    *store.Store
	dash     *dashboard.Dashboard
	clock    *testutil.StepClock
	notifier *testutil.RecordingNotifier
	events   []loggedEvent
}

type loggedEvent struct {
	step   int
	event  ir.Event
	expect *ExpectClause
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh SQLite database in a temporary directory.
// Step i logs its event at testutil.DefaultStart + i*StepInterval, so
// event IDs and timestamps are the same on every run and in every mode.
//
// Execution flow:
// 1. Create the store and dashboard in the scenario's mode
// 2. Execute steps (log or catch-up)
// 3. In async mode, drain the engine queue
// 4. Check expect clauses, take the snapshot, evaluate assertions
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "dashlog-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "scenario.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	mode, err := dashboard.ParseMode(scenario.Mode)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		store:    st,
		clock:    testutil.NewStepClock(testutil.DefaultStart, time.Millisecond),
		notifier: &testutil.RecordingNotifier{},
	}

	var lookup dashboard.Directory
	if len(scenario.Directory) > 0 {
		lookup = dashboard.StaticDirectory(scenario.Directory)
	}
	h.dash, err = dashboard.New(ctx, st, dashboard.Options{
		BaseDir:   filepath.Join(dir, "events"),
		Mode:      mode,
		Notifier:  h.notifier,
		Directory: lookup,
		Clock:     h.clock,
		IDs:       testutil.NewSequenceIDGenerator("scan"),
		CreatedAt: testutil.DefaultStart.UTC().Format(ir.TimestampLayout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dashboard: %w", err)
	}
	defer h.dash.Close()

	var loop chan error
	if mode == dashboard.ModeAsync {
		loop = make(chan error, 1)
		go func() { loop <- h.dash.Run(ctx) }()
	}

	result := NewResult()
	stepErr := h.executeSteps(ctx, scenario.Steps, result)

	if loop != nil {
		h.dash.Stop()
		if err := <-loop; err != nil && stepErr == nil {
			stepErr = fmt.Errorf("engine loop: %w", err)
		}
	}
	if stepErr != nil {
		return nil, stepErr
	}

	if err := h.collectTrace(ctx, result); err != nil {
		return nil, err
	}

	if result.Snapshot, err = TakeSnapshot(ctx, st); err != nil {
		return nil, err
	}
	h.dash.Flush()
	for _, n := range h.notifier.Sent() {
		result.Notifications = append(result.Notifications, Notification{Channel: n.Channel, Message: n.Message})
	}

	actx := &AssertionContext{Store: st, Dashboard: h.dash, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// executeSteps runs the steps in order. Rejected events are checked here;
// processing outcomes are checked by collectTrace once everything ran.
func (h *Harness) executeSteps(ctx context.Context, steps []Step, result *Result) error {
	for i, step := range steps {
		if step.CatchUp {
			if _, err := h.dash.CatchUp(ctx); err != nil {
				return fmt.Errorf("step %d: catch-up: %w", i, err)
			}
			continue
		}

		attrs, err := ir.ObjectFromMap(step.Attrs)
		if err != nil {
			return fmt.Errorf("step %d: attrs: %w", i, err)
		}
		var data ir.Object
		if step.Data != nil {
			if data, err = ir.ObjectFromMap(step.Data); err != nil {
				return fmt.Errorf("step %d: data: %w", i, err)
			}
		}

		h.clock.Set(testutil.DefaultStart.Add(time.Duration(i) * StepInterval))
		ev, err := h.dash.LogEvent(ctx, step.Log, attrs, data)
		if err != nil {
			if registry.IsValidationError(err) {
				result.Trace = append(result.Trace, TraceEntry{Step: i, EventType: step.Log, Outcome: "rejected", Error: err.Error()})
				checkExpect(i, step.Expect, "rejected", err.Error(), result)
				continue
			}
			return fmt.Errorf("step %d: log %s: %w", i, step.Log, err)
		}
		h.events = append(h.events, loggedEvent{step: i, event: ev, expect: step.Expect})
	}
	return nil
}

// collectTrace records what processing made of each logged event and
// checks the expect clauses against it.
func (h *Harness) collectTrace(ctx context.Context, result *Result) error {
	for _, le := range h.events {
		rows, err := h.store.ListProcessed(ctx, store.ProcessedFilter{EventID: le.event.ID})
		if err != nil {
			return fmt.Errorf("step %d: %w", le.step, err)
		}
		entry := TraceEntry{Step: le.step, EventType: le.event.Type, EventTS: le.event.Timestamp}
		if len(rows) > 0 {
			entry.Outcome = string(rows[0].Outcome)
			entry.Error = rows[0].Error
		}
		result.Trace = append(result.Trace, entry)
		checkExpect(le.step, le.expect, entry.Outcome, entry.Error, result)
	}
	// Rejected steps were traced first; restore step order.
	sort.SliceStable(result.Trace, func(i, j int) bool { return result.Trace[i].Step < result.Trace[j].Step })
	return nil
}

func checkExpect(step int, expect *ExpectClause, outcome, errText string, result *Result) {
	if expect == nil {
		return
	}
	if outcome == "" {
		outcome = "pending"
	}
	if outcome != expect.Outcome {
		result.AddError(fmt.Sprintf("step %d: expected outcome %s, got %s %s", step, expect.Outcome, outcome, errText))
		return
	}
	if expect.Error != "" && !strings.Contains(errText, expect.Error) {
		result.AddError(fmt.Sprintf("step %d: expected error containing %q, got %q", step, expect.Error, errText))
	}
}
