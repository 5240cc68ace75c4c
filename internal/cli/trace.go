package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/dashlog/internal/eventlog"
	"github.com/roach88/dashlog/internal/ir"
	"github.com/roach88/dashlog/internal/store"
)

// TraceRow is a dashboard row derived from the traced event.
type TraceRow struct {
	Table       string `json:"table"`
	ProcessedID string `json:"processed_id"`
	MakeID      string `json:"make_id"`
}

// TraceResult follows one event through the pipeline.
type TraceResult struct {
	Event     ir.Event            `json:"event"`
	Payload   ir.Object           `json:"payload,omitempty"`
	Processed []ir.ProcessedEvent `json:"processed"`
	Rows      []TraceRow          `json:"rows"`

	MaterializeFailures []store.MaterializeFailureRow `json:"materialize_failures,omitempty"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trace <event-id>",
		Short: "Follow an event through processing and materialization",
		Long: `Follow one event through the pipeline.

The output includes:
- Event: the stored event and its payload
- Processed: the handler outcome (record or failure)
- Rows: the dashboard rows materialized from it, and materializers
  that failed to apply it

Examples:
  dashlog trace 3f2a...e1
  dashlog trace 3f2a...e1 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			sess, err := rootOpts.openSession(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()

			result, err := buildTrace(ctx, sess.store, args[0])
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return rootOpts.formatter(cmd).Document(result)
			}
			return outputTraceText(cmd.OutOrStdout(), result)
		},
	}
}

func buildTrace(ctx context.Context, st *store.Store, eventID string) (TraceResult, error) {
	ev, err := st.ReadEvent(ctx, eventID)
	if err != nil {
		return TraceResult{}, WrapExitError(ExitCommandError, "failed to read event", err)
	}
	payload, err := eventlog.LoadPayload(ev)
	if err != nil {
		return TraceResult{}, WrapExitError(ExitCommandError, "failed to load payload", err)
	}
	processed, err := st.ListProcessed(ctx, store.ProcessedFilter{EventID: ev.ID})
	if err != nil {
		return TraceResult{}, WrapExitError(ExitCommandError, "failed to read processed events", err)
	}
	rows, err := derivedRows(ctx, st, ev.ID)
	if err != nil {
		return TraceResult{}, WrapExitError(ExitCommandError, "failed to read dashboard rows", err)
	}
	failed, err := st.MaterializeFailures(ctx, store.MaterializeFailureFilter{EventID: ev.ID})
	if err != nil {
		return TraceResult{}, WrapExitError(ExitCommandError, "failed to read materialize failures", err)
	}
	return TraceResult{Event: ev, Payload: payload, Processed: processed, Rows: rows, MaterializeFailures: failed}, nil
}

// derivedRows collects the rows of every keyed dashboard table that came
// from eventID.
func derivedRows(ctx context.Context, st *store.Store, eventID string) ([]TraceRow, error) {
	rows := []TraceRow{}

	adds, err := st.UserAdds(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range adds {
		if r.EventID == eventID {
			rows = append(rows, TraceRow{Table: string(store.TableUserAdds), ProcessedID: r.ProcessedID, MakeID: r.MakeID})
		}
	}

	infos, err := st.UserInfos(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, r := range infos {
		if r.EventID == eventID {
			rows = append(rows, TraceRow{Table: string(store.TableUserInfos), ProcessedID: r.ProcessedID, MakeID: r.MakeID})
		}
	}

	access, err := st.AccessLog(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, r := range access {
		if r.EventID == eventID {
			rows = append(rows, TraceRow{Table: string(store.TableAccessLog), ProcessedID: r.ProcessedID, MakeID: r.MakeID})
		}
	}

	checkins, err := st.CheckinLog(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, r := range checkins {
		if r.EventID == eventID {
			rows = append(rows, TraceRow{Table: string(store.TableCheckinLog), ProcessedID: r.ProcessedID, MakeID: r.MakeID})
		}
	}
	return rows, nil
}

// outputTraceText outputs the trace result as text.
func outputTraceText(w io.Writer, result TraceResult) error {
	ev := result.Event
	fmt.Fprintf(w, "Trace for Event: %s\n", ev.ID)
	fmt.Fprintln(w)

	// Event section
	fmt.Fprintln(w, "=== Event ===")
	attrs, err := ev.Attrs.MarshalJSON()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  %s %s (%s)\n", ev.Type, ev.Timestamp, ev.Timezone)
	fmt.Fprintf(w, "  attrs: %s\n", attrs)
	if result.Payload != nil {
		data, err := result.Payload.MarshalJSON()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  data: %s\n", data)
	}
	if ev.DataPath != "" {
		fmt.Fprintf(w, "  file: %s\n", ev.DataPath)
	}
	fmt.Fprintln(w)

	// Processed section
	fmt.Fprintln(w, "=== Processed ===")
	if len(result.Processed) == 0 {
		fmt.Fprintln(w, "  (pending)")
	}
	for _, pe := range result.Processed {
		fmt.Fprintf(w, "  %s %s at %s\n", truncateID(pe.HandlerID), pe.Outcome, pe.ProcessedAt)
		if pe.Succeeded() {
			record, err := pe.Record.MarshalJSON()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "    record: %s\n", record)
		} else {
			fmt.Fprintf(w, "    error: %s\n", pe.Error)
		}
	}
	fmt.Fprintln(w)

	// Rows section
	fmt.Fprintln(w, "=== Dashboard Rows ===")
	if len(result.Rows) == 0 && len(result.MaterializeFailures) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, r := range result.Rows {
		fmt.Fprintf(w, "  %-12s %s\n", r.Table, truncateID(r.MakeID))
	}
	for _, f := range result.MaterializeFailures {
		fmt.Fprintf(w, "  %-12s failed at %s (attempts=%d)\n", f.Materializer, f.FailedAt, f.Attempts)
		fmt.Fprintf(w, "    error: %s\n", f.Error)
	}
	return nil
}

// truncateID shortens a 64-character hex ID for display.
func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}
