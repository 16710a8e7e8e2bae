package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/restic123gw/gateway/internal/api"
	"github.com/restic123gw/gateway/internal/cache"
	"github.com/restic123gw/gateway/internal/cloudclient"
	cfgpkg "github.com/restic123gw/gateway/internal/config"
	"github.com/restic123gw/gateway/internal/gateway"
	"github.com/restic123gw/gateway/internal/gwerr"
	"github.com/restic123gw/gateway/internal/metrics"
	"github.com/restic123gw/gateway/internal/reconcile"
	"github.com/restic123gw/gateway/internal/token"
	"github.com/restic123gw/gateway/internal/warmup"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := cfgpkg.Default()

	root := &cobra.Command{
		Use:   "restic123gw",
		Short: "restic123gw — Restic REST backend gateway over a 123pan-style cloud drive",
		Long: `restic123gw exposes the Restic REST backend protocol v2 on one side
and translates it onto a proprietary cloud object-tree API on the other,
caching the remote directory tree locally so most requests never touch
the network.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.CloudBaseURL, "cloud-base-url", envOrDefault("RESTIC123GW_CLOUD_BASE_URL", cfg.CloudBaseURL), "Cloud provider API origin")
	root.PersistentFlags().StringVar(&cfg.ClientID, "client-id", envOrDefault("RESTIC123GW_CLIENT_ID", cfg.ClientID), "Cloud provider OAuth client ID (required)")
	root.PersistentFlags().StringVar(&cfg.ClientSecret, "client-secret", envOrDefault("RESTIC123GW_CLIENT_SECRET", cfg.ClientSecret), "Cloud provider OAuth client secret (required)")
	root.PersistentFlags().StringVar(&cfg.RepoPath, "repo-path", envOrDefault("RESTIC123GW_REPO_PATH", cfg.RepoPath), "Repository root path in the cloud provider's directory tree")
	root.PersistentFlags().StringVar(&cfg.ListenAddr, "listen-addr", envOrDefault("RESTIC123GW_LISTEN_ADDR", cfg.ListenAddr), "HTTP listen address for Restic clients")
	root.PersistentFlags().StringVar(&cfg.DBPath, "db-path", envOrDefault("RESTIC123GW_DB_PATH", cfg.DBPath), "Path to the metadata cache SQLite database")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", envOrDefault("RESTIC123GW_LOG_LEVEL", cfg.LogLevel), "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&cfg.ForceCacheRebuild, "force-cache-rebuild", envOrDefault("RESTIC123GW_FORCE_CACHE_REBUILD", "false") == "true", "Re-list every directory from the cloud at startup, ignoring has_children")
	root.PersistentFlags().DurationVar(&cfg.ReconcileInterval, "reconcile-interval", durationOrDefault("RESTIC123GW_RECONCILE_INTERVAL", cfg.ReconcileInterval), "Periodic cache re-list interval (0 disables reconciliation)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("restic123gw %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *cfgpkg.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		return gwerr.Wrap(gwerr.Configuration, "config.Validate", err)
	}

	logger.Info("starting restic123gw",
		zap.String("version", version),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("repo_path", cfg.RepoPath),
		zap.String("log_level", cfg.LogLevel),
		zap.Duration("reconcile_interval", cfg.ReconcileInterval),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Metadata cache ---
	cacheHandle, err := cache.Open(cache.Config{
		DSN:      cfg.DBPath,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open metadata cache: %w", err)
	}
	defer cacheHandle.Close()

	metaCache := cache.New(cacheHandle)

	// --- 2. Token manager and cloud client ---
	// No client-wide timeout: the cloud client applies its own per-call
	// deadlines, and download bodies stream for as long as Restic reads.
	httpClient := &http.Client{}
	tokens := token.New(httpClient, cfg.CloudBaseURL, cfg.ClientID, cfg.ClientSecret)

	metricsCollector := metrics.New()
	cloud := cloudclient.New(httpClient, cfg.CloudBaseURL, tokens, logger, metricsCollector)

	// Upload-domain discovery happens once, eagerly, so a misconfigured
	// client fails fast at startup instead of on the first backup upload.
	if _, err := cloud.DiscoverUploadDomain(ctx); err != nil {
		return fmt.Errorf("failed to discover upload domain: %w", err)
	}

	gw := gateway.New(metaCache, cloud, logger)

	// --- 3. Repository root and cache warmup ---
	rootID, err := gw.RepoRoot(ctx, cfg.RepoPath)
	if err != nil {
		return fmt.Errorf("failed to resolve repository root: %w", err)
	}

	logger.Info("warming metadata cache", zap.Bool("force_rebuild", cfg.ForceCacheRebuild))
	if err := warmup.Run(ctx, gw, rootID, cfg.ForceCacheRebuild, logger); err != nil {
		return fmt.Errorf("cache warmup failed: %w", err)
	}

	// --- 4. Optional periodic reconciliation ---
	if cfg.ReconcileInterval > 0 {
		reconciler, err := reconcile.New(gw, rootID, cfg.ReconcileInterval, logger)
		if err != nil {
			return fmt.Errorf("failed to create reconciler: %w", err)
		}
		reconciler.Start()
		defer func() {
			if err := reconciler.Stop(); err != nil {
				logger.Warn("reconciler shutdown error", zap.Error(err))
			}
		}()
	}

	// --- 5. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Gateway: gw,
		RootID:  rootID,
		Metrics: metricsCollector,
		Logger:  logger,
	})

	// No Read/WriteTimeout: a 1 GiB upload or a streamed download can
	// legitimately outlive any fixed whole-request deadline.
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down restic123gw")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("restic123gw stopped")
	return nil
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func durationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
