package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/dashlog/internal/dashboard"
	"github.com/roach88/dashlog/internal/eventlog"
	"github.com/roach88/dashlog/internal/ir"
	"github.com/roach88/dashlog/internal/registry"
	"github.com/roach88/dashlog/internal/store"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Attrs    string
	Data     string
	DataFile string
}

// LogResult is the output of the log command.
type LogResult struct {
	Event   ir.Event `json:"event"`
	Mode    string   `json:"mode"`
	Outcome string   `json:"outcome,omitempty"` // empty while pending
	Error   string   `json:"error,omitempty"`
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log <event-type>",
		Short: "Append an event to the event log",
		Long: `Append an event to the event log.

The event is validated against its type, stamped with the current time,
written once, and handed to the post-insert hook. In eager mode the hook
processes, materializes and notifies before the command returns; in async
mode the queue is drained before exit; in lazy mode the event stays
pending until the next catchup.

Example:
  dashlog log user_add --attrs '{"user":"alice"}'
  dashlog log user_add_info --attrs '{"user":"alice","info_type":"slack_username"}' \
      --data '{"slack_username":"alice.s"}'
  dashlog log user_check_in --attrs '{"user":"alice","check_in":1}' --mode lazy`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return logEvent(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Attrs, "attrs", "{}", "event attrs as JSON")
	cmd.Flags().StringVar(&opts.Data, "data", "", "event payload as JSON")
	cmd.Flags().StringVar(&opts.DataFile, "data-file", "", "read the event payload from a JSON file (- for stdin)")

	return cmd
}

func logEvent(opts *LogOptions, eventType string, cmd *cobra.Command) error {
	attrs, err := ir.ParseObject([]byte(opts.Attrs))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --attrs JSON", err)
	}
	data, err := readPayload(opts, cmd)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	sess, err := opts.openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	ev, err := sess.dash.LogEvent(ctx, eventType, attrs, data)
	var hookErr *eventlog.HookError
	switch {
	case err == nil:
	case errors.As(err, &hookErr):
		return WrapExitError(ExitFailure, fmt.Sprintf("event %s logged but its hook failed", ev.ID), err)
	case registry.IsValidationError(err):
		return WrapExitError(ExitFailure, "event rejected", err)
	default:
		return WrapExitError(ExitCommandError, "failed to log event", err)
	}

	if sess.dash.Mode() == dashboard.ModeAsync {
		sess.dash.Stop()
		if err := sess.dash.Run(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to drain engine queue", err)
		}
	}

	result := LogResult{Event: ev, Mode: string(sess.dash.Mode())}
	rows, err := sess.store.ListProcessed(ctx, store.ProcessedFilter{EventID: ev.ID})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read processing outcome", err)
	}
	if len(rows) > 0 {
		result.Outcome = string(rows[0].Outcome)
		result.Error = rows[0].Error
	}

	f := opts.formatter(cmd)
	if opts.Format == "json" {
		return f.Success(result)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Logged %s %s at %s\n", ev.Type, ev.ID, ev.Timestamp)
	switch result.Outcome {
	case "":
		fmt.Fprintln(out, "  pending (run 'dashlog catchup' to process)")
	case string(ir.OutcomeSuccess):
		fmt.Fprintln(out, "  processed: success")
	default:
		fmt.Fprintf(out, "  processed: failure: %s\n", result.Error)
	}
	return nil
}

// readPayload parses --data or --data-file. At most one may be set; no
// payload yields nil.
func readPayload(opts *LogOptions, cmd *cobra.Command) (ir.Object, error) {
	if opts.Data != "" && opts.DataFile != "" {
		return nil, NewExitError(ExitCommandError, "--data and --data-file are exclusive")
	}
	raw := []byte(opts.Data)
	if opts.DataFile != "" {
		var err error
		if raw, err = stdinOrFile(cmd, opts.DataFile); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to read payload file", err)
		}
	}
	if len(raw) == 0 {
		return nil, nil
	}
	data, err := ir.ParseObject(raw)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid payload JSON", err)
	}
	return data, nil
}
