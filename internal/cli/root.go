package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/dashlog/internal/catalog"
	"github.com/roach88/dashlog/internal/config"
	"github.com/roach88/dashlog/internal/dashboard"
	"github.com/roach88/dashlog/internal/eventlog"
	"github.com/roach88/dashlog/internal/metrics"
	"github.com/roach88/dashlog/internal/notify"
	"github.com/roach88/dashlog/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Database   string // overrides config database
	Mode       string // overrides config mode

	// Notifier overrides the configured notifier (for testing).
	Notifier notify.Notifier

	// Clock overrides the wall clock used for event timestamps (for testing).
	Clock eventlog.Clock
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the dashlog CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "dashlog",
		Short: "dashlog - event-sourced user dashboard",
		Long: `An append-only event log for a user dashboard.

Events are logged once and never modified. Handlers turn events into
processed records, materializers turn processed records into dashboard
tables, and every change is announced on Slack.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			setupLogging(cmd.ErrOrStderr(), opts.Verbose)
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Mode, "mode", "", "hook mode: eager, async or lazy (overrides config)")

	// Add subcommands
	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewLogCommand(opts))
	cmd.AddCommand(NewProcessCommand(opts))
	cmd.AddCommand(NewPopulateCommand(opts))
	cmd.AddCommand(NewCatchUpCommand(opts))
	cmd.AddCommand(NewHandlerCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewFailuresCommand(opts))
	cmd.AddCommand(NewUsersCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func setupLogging(w io.Writer, verbose bool) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// loadConfig reads the config file and environment, then applies flag
// overrides.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.Database != "" {
		cfg.Database = o.Database
	}
	if o.Mode != "" {
		cfg.Mode = o.Mode
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// session is an open store with the dashboard assembled on top of it.
type session struct {
	cfg     *config.Config
	store   *store.Store
	dash    *dashboard.Dashboard
	metrics *metrics.Metrics
}

// openSession loads the configuration, opens the database (creating it if
// it doesn't exist) and assembles the dashboard.
func (o *RootOptions) openSession(ctx context.Context) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	var cat *catalog.Catalog
	if cfg.Catalog != "" {
		if cat, err = catalog.LoadDir(cfg.Catalog); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load catalog", err)
		}
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid timezone", err)
	}
	notifier := o.Notifier
	if notifier == nil {
		if notifier, err = newNotifier(cfg.Notify); err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid notify configuration", err)
		}
	}

	slog.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	m := metrics.New()
	d, err := dashboard.New(ctx, st, dashboard.Options{
		Catalog:  cat,
		Version:  cfg.Schema.Version,
		BaseDir:  cfg.EventsDir(),
		Location: loc,
		Mode:     dashboard.Mode(cfg.Mode),
		Notifier: notifier,
		Channel:  cfg.Notify.Channel,
		Clock:    o.Clock,
		Metrics:  m,
	})
	if err != nil {
		_ = st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to assemble dashboard", err)
	}
	return &session{cfg: cfg, store: st, dash: d, metrics: m}, nil
}

func (s *session) Close() {
	s.dash.Close()
	if err := s.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// newNotifier posts to Slack when a webhook is configured and logs
// otherwise.
func newNotifier(cfg config.NotifyConfig) (notify.Notifier, error) {
	if cfg.WebhookURL == "" {
		return notify.Log{}, nil
	}
	return notify.NewSlack(notify.SlackConfig{
		WebhookURL:    cfg.WebhookURL,
		Timeout:       cfg.Timeout,
		MaxRetries:    cfg.MaxRetries,
		RatePerSecond: cfg.RatePerSecond,
	})
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// stdinOrFile reads path, or stdin when path is "-".
func stdinOrFile(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
