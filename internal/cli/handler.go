package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/dashlog/internal/ir"
)

// HandlerRunResult is the output of handler run.
type HandlerRunResult struct {
	EventID string    `json:"event_id"`
	Handler string    `json:"handler"`
	Record  ir.Object `json:"record"`
}

// NewHandlerCommand creates the handler command group.
func NewHandlerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handler",
		Short: "Inspect and dry-run handlers",
	}
	cmd.AddCommand(newHandlerListCommand(rootOpts))
	cmd.AddCommand(newHandlerRunCommand(rootOpts))
	return cmd
}

func newHandlerListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered handlers",
		Long: `List the handler bound to each event type for every known schema
version.

Example:
  dashlog handler list --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			sess, err := rootOpts.openSession(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()

			handlers := sess.dash.Registry().Handlers()
			if rootOpts.Format == "json" {
				records := make([]ir.HandlerRecord, len(handlers))
				for i, h := range handlers {
					records[i] = h.Record()
				}
				return rootOpts.formatter(cmd).Success(records)
			}
			out := cmd.OutOrStdout()
			for _, h := range handlers {
				fmt.Fprintf(out, "%-16s %-14s %-8s %s\n", h.EventType, h.Name, h.Version, h.ID)
			}
			return nil
		},
	}
}

func newHandlerRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <event-id>",
		Short: "Run a handler against a stored event without writing",
		Long: `Run the handler for a stored event and print the record it produces.
Nothing is written: no processed row, no dashboard change, no notification.

Example:
  dashlog handler run 3f2a...e1`,
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

			ev, err := sess.store.ReadEvent(ctx, args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read event", err)
			}
			h, err := sess.dash.Registry().Resolve(ev.Type, ev.VersionID)
			if err != nil {
				return WrapExitError(ExitCommandError, "no handler for event", err)
			}
			record, err := sess.dash.RunHandler(ctx, ev.ID)
			if err != nil {
				return WrapExitError(ExitFailure, fmt.Sprintf("handler %s failed", h.Name), err)
			}

			result := HandlerRunResult{EventID: ev.ID, Handler: h.Name, Record: record}
			if rootOpts.Format == "json" {
				return rootOpts.formatter(cmd).Success(result)
			}
			body, err := json.MarshalIndent(record, "", "  ")
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to encode record", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s(%s):\n%s\n", h.Name, ev.Type, body)
			return nil
		},
	}
}
