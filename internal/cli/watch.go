package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/dashlog/internal/dashboard"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Interval    time.Duration
	MetricsAddr string
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Catch up periodically until interrupted",
		Long: `Run a catch-up scan every interval until interrupted: process pending
events, materialize pending processed events and notify.

In async mode the engine loop runs alongside. With --metrics-addr the
Prometheus metrics are served at /metrics.

Example:
  dashlog watch --interval 30s
  dashlog watch --metrics-addr :9090 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "time between catch-up scans (overrides config)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	if opts.Interval < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid --interval %s: must be positive", opts.Interval))
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	sess, err := opts.openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	interval := sess.cfg.Watch.Interval
	if opts.Interval > 0 {
		interval = opts.Interval
	}
	addr := sess.cfg.Watch.MetricsAddr
	if opts.MetricsAddr != "" {
		addr = opts.MetricsAddr
	}

	if addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           metricsMux(sess),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("metrics listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var loop chan error
	if sess.dash.Mode() == dashboard.ModeAsync {
		loop = make(chan error, 1)
		go func() { loop <- sess.dash.Run(ctx) }()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s every %s (%s mode). Press Ctrl-C to stop.\n",
		sess.cfg.Database, interval, sess.dash.Mode())

	err = sess.dash.Watch(ctx, interval)
	if loop != nil {
		sess.dash.Stop()
		if loopErr := <-loop; loopErr != nil && !isCancellation(loopErr) {
			slog.Error("engine loop failed", "error", loopErr)
		}
	}
	if err != nil && !isCancellation(err) {
		return WrapExitError(ExitFailure, "watch error", err)
	}

	slog.Info("watch stopped gracefully")
	return nil
}

func metricsMux(sess *session) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", sess.metrics.Handler())
	return mux
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
