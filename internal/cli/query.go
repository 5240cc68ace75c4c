package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/dashlog/internal/dashboard"
	"github.com/roach88/dashlog/internal/ir"
	"github.com/roach88/dashlog/internal/store"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Type  string
	Limit int
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List logged events",
		Long: `List logged events in log order.

Example:
  dashlog events --type user_check_in --limit 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			sess, err := opts.openSession(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()

			events, err := sess.dash.Events(ctx, store.EventFilter{Type: opts.Type, Limit: opts.Limit})
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list events", err)
			}
			if opts.Format == "json" {
				return opts.formatter(cmd).Success(events)
			}
			out := cmd.OutOrStdout()
			for _, ev := range events {
				attrs, _ := ev.Attrs.MarshalJSON()
				fmt.Fprintf(out, "%s  %-16s %s  %s\n", ev.Timestamp, ev.Type, truncateID(ev.ID), attrs)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "only events of this type")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum events to list (0 for all)")

	return cmd
}

// FailuresOptions holds flags for the failures command.
type FailuresOptions struct {
	*RootOptions
	Limit int
}

// FailuresResult lists handler failures and failed materializer applies.
type FailuresResult struct {
	Processing  []ir.ProcessedEvent           `json:"processing"`
	Materialize []store.MaterializeFailureRow `json:"materialize"`
}

// NewFailuresCommand creates the failures command.
func NewFailuresCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FailuresOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List events whose handler or materializer failed",
		Long: `List failure rows: events whose handler ran and reported an error,
and processed events a materializer could not apply. The latter stay
pending and are retried by the next catch-up.

Example:
  dashlog failures --limit 10`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			sess, err := opts.openSession(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()

			var result FailuresResult
			if result.Processing, err = sess.dash.Failures(ctx, opts.Limit); err != nil {
				return WrapExitError(ExitCommandError, "failed to list failures", err)
			}
			if result.Materialize, err = sess.dash.MaterializeFailures(ctx, opts.Limit); err != nil {
				return WrapExitError(ExitCommandError, "failed to list materialize failures", err)
			}
			if opts.Format == "json" {
				return opts.formatter(cmd).Success(result)
			}
			out := cmd.OutOrStdout()
			if len(result.Processing) == 0 && len(result.Materialize) == 0 {
				fmt.Fprintln(out, "No failures")
				return nil
			}
			for _, pe := range result.Processing {
				fmt.Fprintf(out, "%s  %-16s %s  %s\n", pe.ProcessedAt, pe.EventType, truncateID(pe.EventID), pe.Error)
			}
			for _, mf := range result.Materialize {
				fmt.Fprintf(out, "%s  %-16s %s  %s (attempts=%d)\n", mf.FailedAt, mf.Materializer, truncateID(mf.EventID), mf.Error, mf.Attempts)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum rows to list (0 for all)")

	return cmd
}

// NewUsersCommand creates the users command.
func NewUsersCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "users",
		Short:         "List dashboard users",
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

			users, err := sess.dash.Users(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list users", err)
			}
			if rootOpts.Format == "json" {
				return rootOpts.formatter(cmd).Success(users)
			}
			out := cmd.OutOrStdout()
			for _, u := range users {
				slack := u.SlackUsername
				if slack == "" {
					slack = "-"
				}
				fmt.Fprintf(out, "%-20s %-20s %s\n", u.Username, slack, u.CreatedAt)
			}
			return nil
		},
	}
}

// StatusResult is the output of the status command.
type StatusResult struct {
	CheckIn dashboard.CheckInState `json:"check_in"`
	Infos   []store.UserInfoRow    `json:"infos"`
	Access  []store.AccessRow      `json:"access"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <user>",
		Short: "Show a user's check-in state, info and access log",
		Long: `Show a user's current check-in state, their info updates and their
access log.

Example:
  dashlog status alice`,
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

			user := args[0]
			var result StatusResult
			if result.CheckIn, err = sess.dash.CheckInState(ctx, user); err != nil {
				return WrapExitError(ExitCommandError, "failed to read check-in state", err)
			}
			if result.Infos, err = sess.dash.UserInfo(ctx, user); err != nil {
				return WrapExitError(ExitCommandError, "failed to read user info", err)
			}
			if result.Access, err = sess.dash.AccessLog(ctx, user); err != nil {
				return WrapExitError(ExitCommandError, "failed to read access log", err)
			}

			if rootOpts.Format == "json" {
				return rootOpts.formatter(cmd).Success(result)
			}
			printStatus(cmd, result)
			return nil
		},
	}
}

func printStatus(cmd *cobra.Command, r StatusResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "User: %s\n", r.CheckIn.User)
	if r.CheckIn.Slack != "" {
		fmt.Fprintf(out, "Slack: %s\n", r.CheckIn.Slack)
	}
	switch {
	case !r.CheckIn.Known:
		fmt.Fprintln(out, "Check-in: never")
	case r.CheckIn.CheckedIn:
		fmt.Fprintf(out, "Check-in: in since %s\n", r.CheckIn.Since)
	case r.CheckIn.Auto:
		fmt.Fprintf(out, "Check-in: auto-checked out since %s\n", r.CheckIn.Since)
	default:
		fmt.Fprintf(out, "Check-in: out since %s\n", r.CheckIn.Since)
	}
	if len(r.Infos) > 0 {
		fmt.Fprintln(out, "Info:")
		for _, info := range r.Infos {
			body, _ := info.Info.MarshalJSON()
			fmt.Fprintf(out, "  %-16s %s\n", info.InfoType, body)
		}
	}
	if len(r.Access) > 0 {
		fmt.Fprintln(out, "Access:")
		for _, a := range r.Access {
			fmt.Fprintf(out, "  %s  %s\n", a.EventTS, a.EntryPoint)
		}
	}
}
