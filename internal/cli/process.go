package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/dashlog/internal/ir"
)

// InitResult is the output of the init command.
type InitResult struct {
	Database string             `json:"database"`
	Version  string             `json:"version"`
	Handlers []ir.HandlerRecord `json:"handlers"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database and register handlers",
		Long: `Create the database if it doesn't exist, record the current schema
version tag and register one handler row per event type.

Running init again is harmless: tags and handlers are only inserted once.

Example:
  dashlog init --db ./dashlog.db`,
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

			handlers, err := sess.store.ReadHandlers(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read handlers", err)
			}
			result := InitResult{
				Database: sess.cfg.Database,
				Version:  sess.dash.Registry().Version(),
				Handlers: handlers,
			}

			if rootOpts.Format == "json" {
				return rootOpts.formatter(cmd).Success(result)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Initialized %s (schema %s)\n", result.Database, result.Version)
			for _, h := range handlers {
				fmt.Fprintf(out, "  %-16s %s\n", h.EventType, h.Name)
			}
			return nil
		},
	}
}

// ProcessOptions holds flags for the process command.
type ProcessOptions struct {
	*RootOptions
	Limit int
}

// NewProcessCommand creates the process command.
func NewProcessCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProcessOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "process [event-id]",
		Short: "Run handlers over logged events",
		Long: `Run handlers over logged events.

With an event ID, that event is processed, materialized and notified like
the eager hook does. Without one, pending events (those with no processed
row for their version's handler) are processed oldest first; run populate
afterwards to update the dashboard tables.

Example:
  dashlog process 3f2a...e1
  dashlog process --limit 100`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return processOne(opts, args[0], cmd)
			}
			return processPending(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum events to process (0 for all)")

	return cmd
}

func processOne(opts *ProcessOptions, eventID string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	sess, err := opts.openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	pe, err := sess.dash.Process(ctx, eventID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to process event", err)
	}

	if opts.Format == "json" {
		return opts.formatter(cmd).Success(pe)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Processed %s %s: %s\n", pe.EventType, pe.EventID, pe.Outcome)
	if pe.Error != "" {
		fmt.Fprintf(out, "  %s\n", pe.Error)
	}
	return nil
}

func processPending(opts *ProcessOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	sess, err := opts.openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	report, err := sess.dash.Engine().CatchUp(ctx, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "processing scan failed", err)
	}

	if opts.Format == "json" {
		return opts.formatter(cmd).Success(report)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Scan %s: %d scanned, %d succeeded, %d failed, %d remaining\n",
		report.ScanID, report.Scanned, report.Succeeded, report.Failed, report.Remaining)
	return nil
}

// NewPopulateCommand creates the populate command.
func NewPopulateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "populate",
		Short: "Materialize processed events into dashboard tables",
		Long: `Apply every successful processed event that no dashboard table has
absorbed yet, then send a notification for each change.

Example:
  dashlog populate`,
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

			report, err := sess.dash.Populate(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "populate failed", err)
			}

			if rootOpts.Format == "json" {
				return rootOpts.formatter(cmd).Success(report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Materialized %d rows (%d failed), %d changes\n",
				report.Applied, report.Failed, len(report.Changes))
			return nil
		},
	}
}

// NewCatchUpCommand creates the catchup command.
func NewCatchUpCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "catchup",
		Short: "Process and materialize everything pending",
		Long: `Process every pending event, then materialize every pending processed
event and notify. This is process followed by populate, and is how lazy
mode makes progress.

Example:
  dashlog catchup --mode lazy`,
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

			report, err := sess.dash.CatchUp(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "catch-up failed", err)
			}

			if rootOpts.Format == "json" {
				return rootOpts.formatter(cmd).Success(report)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Scan %s: %d scanned, %d succeeded, %d failed\n",
				report.Scan.ScanID, report.Scan.Scanned, report.Scan.Succeeded, report.Scan.Failed)
			fmt.Fprintf(out, "Materialized %d rows (%d failed), %d changes\n",
				report.Materialize.Applied, report.Materialize.Failed, len(report.Materialize.Changes))
			return nil
		},
	}
}
