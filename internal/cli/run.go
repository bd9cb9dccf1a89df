package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pfirmstone/JGDMS-sub001/internal/compiler"
	"github.com/pfirmstone/JGDMS-sub001/internal/space"
	"github.com/pfirmstone/JGDMS-sub001/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database    string
	Config      string
	MetricsAddr string

	// Ready is called once the space is recovered and serving (for
	// testing).
	Ready func(s *space.Space, metricsAddr net.Addr)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the space on a SQLite log",
		Long: `Start the tuple space on a SQLite operation log.

The log is created if it does not exist. Otherwise the space recovers
from it: surviving entries, registrations and prepared transactions
come back, unprepared transactions are aborted and a new session starts.

The space then runs its transition dispatcher, event sender and lease
housekeeping until interrupted. With --metrics-addr, Prometheus metrics
are served on /metrics.

Example:
  tuplespace run --db ./space.db
  tuplespace run --db ./space.db --config ./space.cue --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSpace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Config, "config", "", "CUE configuration file or directory")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on")

	return cmd
}

func runSpace(opts *RunOptions, cmd *cobra.Command) error {
	var cfg space.Config
	if opts.Config != "" {
		loaded, err := compiler.LoadConfig(opts.Config)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid configuration", err)
		}
		cfg = loaded
		slog.Info("configuration loaded", "path", opts.Config, "types", len(cfg.Types))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("opening database", "path", opts.Database)
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	reg := prometheus.NewRegistry()
	s, err := space.Open(ctx, st, space.WithConfig(cfg), space.WithRegisterer(reg))
	if s == nil {
		return WrapExitError(ExitCommandError, "failed to create space", err)
	}
	if err != nil {
		// Whatever could be recovered is served; the rest is reported.
		slog.Warn("recovery incomplete", "error", err)
	}

	stats := s.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "Space %s started (session %d): %d entries, %d transactions.\n",
		s.UUID(), s.Session(), stats.Entries, stats.Transactions)

	g, ctx := errgroup.WithContext(ctx)

	var metricsAddr net.Addr
	if opts.MetricsAddr != "" {
		ln, err := net.Listen("tcp", opts.MetricsAddr)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to listen for metrics", err)
		}
		metricsAddr = ln.Addr()
		srv := newMetricsServer(reg)
		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		fmt.Fprintf(cmd.OutOrStdout(), "Metrics on http://%s/metrics\n", metricsAddr)
	}

	g.Go(func() error { return s.Run(ctx) })
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	if opts.Ready != nil {
		opts.Ready(s, metricsAddr)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "space error", err)
	}
	slog.Info("space stopped gracefully")
	return nil
}

func newMetricsServer(reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
