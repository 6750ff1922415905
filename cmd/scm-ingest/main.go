package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/app"
	"github.com/cam3ron2/scm-ingest/internal/collector"
	"github.com/cam3ron2/scm-ingest/internal/config"
	"github.com/cam3ron2/scm-ingest/internal/store"
	"github.com/cam3ron2/scm-ingest/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const serviceName = "scm-ingest"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	envFiles   []string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Ingest repository history into a queryable store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config/local.yaml", "path to YAML config file")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files loaded before config (default .env)")

	root.AddCommand(newServeCommand(opts), newSyncCommand(opts))
	return root
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, sync worker and webhook endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, opts)
		},
	}
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Sync every registered repository once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return syncOnce(ctx, opts, cmd.OutOrStdout())
		},
	}
}

// environment is everything a command needs after config load.
type environment struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   store.Store
	runtime *app.Runtime
	close   func()
}

func setup(ctx context.Context, opts *rootOptions) (*environment, error) {
	if err := config.LoadEnv(opts.envFiles...); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(logLevel(cfg.Server.LogLevel))
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	telemetryRuntime, err := telemetry.Setup(telemetry.Config{
		Enabled:          cfg.Telemetry.OTELEnabled,
		ServiceName:      serviceName,
		TraceMode:        cfg.Telemetry.OTELTraceMode,
		TraceSampleRatio: cfg.Telemetry.OTELTraceSampleRatio,
	})
	if err != nil {
		syncLogger(logger)
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}
	shutdownTelemetry := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetryRuntime.Shutdown(shutdownCtx)
	}

	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		shutdownTelemetry()
		syncLogger(logger)
		return nil, fmt.Errorf("open store: %w", err)
	}
	closeAll := func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Warn("close store", zap.Error(closeErr))
		}
		shutdownTelemetry()
		syncLogger(logger)
	}

	connector, err := app.NewConnector(cfg)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("build connector: %w", err)
	}
	runtime, err := app.NewRuntime(cfg, st, connector, logger)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("build runtime: %w", err)
	}
	if err := runtime.SeedRegistrations(ctx); err != nil {
		closeAll()
		return nil, fmt.Errorf("seed registrations: %w", err)
	}

	return &environment{cfg: cfg, logger: logger, store: st, runtime: runtime, close: closeAll}, nil
}

func loadConfig(path string) (*config.Config, error) {
	configFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer func() {
		_ = configFile.Close()
	}()

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, opts *rootOptions) error {
	env, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer env.close()
	logger := env.logger

	elector, closeElector, err := app.NewElector(env.cfg, logger)
	if err != nil {
		return fmt.Errorf("build elector: %w", err)
	}
	defer func() {
		_ = closeElector()
	}()

	server := &http.Server{
		Addr:              env.cfg.Server.ListenAddr,
		Handler:           env.runtime.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("http server starting", zap.String("addr", env.cfg.Server.ListenAddr))
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", serveErr)
		}
		return nil
	})
	group.Go(func() error {
		return env.runtime.Run(groupCtx, elector)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			return fmt.Errorf("http server shutdown: %w", shutdownErr)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func syncOnce(ctx context.Context, opts *rootOptions, out io.Writer) error {
	env, err := setup(ctx, opts)
	if err != nil {
		return err
	}
	defer env.close()

	results, err := env.runtime.SyncAll(ctx)
	for _, result := range results {
		_, _ = fmt.Fprintln(out, summarize(result))
	}
	if err != nil {
		return err
	}

	failed := 0
	for _, result := range results {
		if !result.Succeeded() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d repositories failed to sync", failed, len(results))
	}
	return nil
}

func summarize(result collector.Result) string {
	target := result.RepoURL + "#" + result.Branch
	if !result.Succeeded() {
		return fmt.Sprintf("%s failed %s: %v", target, result.ErrorCode(), result.Err)
	}
	return fmt.Sprintf("%s ok commits=%d pulls=%d issues=%d linked=%d reconciled=%d pages=%d duration=%s",
		target,
		result.NewCommits,
		result.NewPulls,
		result.NewIssues,
		result.Linked,
		result.Reconciled,
		result.Pages,
		result.Duration.Round(time.Millisecond),
	)
}

func syncLogger(logger *zap.Logger) {
	if err := logger.Sync(); err != nil && !shouldIgnoreLoggerSyncError(err) {
		_, _ = fmt.Fprintf(os.Stderr, "%s: sync logger: %v\n", serviceName, err)
	}
}

// shouldIgnoreLoggerSyncError reports whether err is the EINVAL or ENOTTY returned when
// syncing stdout or stderr attached to a terminal or pipe.
func shouldIgnoreLoggerSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}

func logLevel(raw string) zapcore.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
