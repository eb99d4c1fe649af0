package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/blueberrycongee/llmux/internal/api"
	"github.com/blueberrycongee/llmux/internal/auth"
	"github.com/blueberrycongee/llmux/internal/cache"
	"github.com/blueberrycongee/llmux/internal/config"
	"github.com/blueberrycongee/llmux/internal/notifications"
	"github.com/blueberrycongee/llmux/internal/queue"
	"github.com/blueberrycongee/llmux/internal/registry"
	"github.com/blueberrycongee/llmux/internal/repository"
	"github.com/blueberrycongee/llmux/internal/responses"
	"github.com/blueberrycongee/llmux/internal/router"
	"github.com/blueberrycongee/llmux/internal/secrets"
	"github.com/blueberrycongee/llmux/internal/telemetry"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "llmux",
		Short: "OpenAI-compatible gateway multiplexing chat traffic across LLM providers",
	}

	var configPath string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("llmux " + version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(configPath string) error {
	// Best-effort: a missing .env is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	setupLogger(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "llmux", version, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	if err := resolveSecrets(ctx, cfg); err != nil {
		return err
	}

	reg := registry.New(cfg.Providers, cfg.Routing.ModelAliases)
	if len(reg.Names()) == 0 {
		return fmt.Errorf("no providers enabled; check provider api keys")
	}
	slog.Info("providers enabled", "providers", reg.Names(), "strategy", cfg.Routing.DefaultStrategy)

	respCache := buildCache(cfg)
	store := responses.NewStore(cfg.ResponseStore.MaxItems, cfg.ResponseStore.TTLDuration())
	rt := router.New(reg, cfg.Routing.DefaultStrategy, cfg.Routing.FallbackChain)

	var notifier api.Notifier
	if cfg.Notifications.TopicArn != "" {
		sn, err := notifications.NewSNSNotifier(ctx, cfg.Notifications.Region, cfg.Notifications.TopicArn)
		if err != nil {
			slog.Warn("notifications disabled", "error", err)
		} else {
			notifier = sn
			slog.Info("notifications enabled", "topic", cfg.Notifications.TopicArn)
		}
	}
	rt.SetObserver(api.NewRoutingObserver(notifier))

	usageSinks, closeUsage, err := buildUsageSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeUsage()

	svc := responses.NewService(api.RouterBackend{Router: rt}, respCache, store)

	handler := api.NewHandler(api.HandlerConfig{
		Auth:      auth.New(cfg.Auth.Keys()),
		Registry:  reg,
		Router:    rt,
		Cache:     respCache,
		Responses: svc,
		Usage:     usageSinks,
	})

	srv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Server.Addr(), "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeoutDuration())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

func setupLogger(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Pretty {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// resolveSecrets replaces aws-sm:// references in provider and auth keys
// with values from Secrets Manager.
func resolveSecrets(ctx context.Context, cfg *config.Config) error {
	hasRef := secrets.IsRef(cfg.Auth.APIKey)
	for _, key := range cfg.Auth.APIKeys {
		hasRef = hasRef || secrets.IsRef(key)
	}
	for _, name := range cfg.Providers.Order {
		hasRef = hasRef || secrets.IsRef(cfg.Providers.Entries[name].APIKey)
	}
	if !hasRef {
		return nil
	}

	store, err := secrets.NewAWSSecretsManager(ctx, cfg.Secrets.Region)
	if err != nil {
		return fmt.Errorf("init secrets manager: %w", err)
	}

	if cfg.Auth.APIKey, err = secrets.Resolve(ctx, store, cfg.Auth.APIKey); err != nil {
		return fmt.Errorf("resolve auth.api_key: %w", err)
	}
	for label, key := range cfg.Auth.APIKeys {
		if cfg.Auth.APIKeys[label], err = secrets.Resolve(ctx, store, key); err != nil {
			return fmt.Errorf("resolve auth key %s: %w", label, err)
		}
	}
	for _, name := range cfg.Providers.Order {
		pc := cfg.Providers.Entries[name]
		if pc.APIKey, err = secrets.Resolve(ctx, store, pc.APIKey); err != nil {
			return fmt.Errorf("resolve api key for provider %s: %w", name, err)
		}
	}
	return nil
}

// buildCache picks the configured backend. A Redis connection failure falls
// back to the in-process LRU with a warning.
func buildCache(cfg *config.Config) *cache.ResponseCache {
	if !cfg.Cache.Enabled {
		return cache.New(nil, false, 0)
	}

	var backend cache.Backend
	switch cfg.Cache.Backend {
	case "redis":
		rb, err := cache.NewRedisBackend(cfg.Cache.Redis.URL, cfg.Cache.Redis.KeyPrefix)
		if err != nil {
			slog.Warn("redis cache unavailable, using in-memory", "error", err)
			backend = cache.NewMemoryBackend(cfg.Cache.Memory.MaxItems)
		} else {
			slog.Info("using redis cache")
			backend = rb
		}
	default:
		slog.Info("using in-memory cache", "max_items", cfg.Cache.Memory.MaxItems)
		backend = cache.NewMemoryBackend(cfg.Cache.Memory.MaxItems)
	}

	return cache.New(backend, true, cfg.Cache.TTL())
}

func buildUsageSinks(ctx context.Context, cfg *config.Config) ([]api.UsageSink, func(), error) {
	var sinks []api.UsageSink
	closeFn := func() {}

	if cfg.Usage.DatabaseURL != "" {
		db, err := repository.Connect(ctx, cfg.Usage.DatabaseURL)
		if err != nil {
			return nil, closeFn, fmt.Errorf("connect usage database: %w", err)
		}
		repo := repository.NewUsageRepository(db)
		if err := repo.Migrate(ctx); err != nil {
			db.Close()
			return nil, closeFn, err
		}
		sinks = append(sinks, repo)
		closeFn = func() { db.Close() }
		slog.Info("usage records enabled", "sink", "postgres")
	}

	if cfg.Usage.QueueURL != "" {
		pub, err := queue.NewSQSPublisher(ctx, cfg.Usage.Region, cfg.Usage.QueueURL)
		if err != nil {
			return nil, closeFn, fmt.Errorf("init usage queue: %w", err)
		}
		sinks = append(sinks, pub)
		slog.Info("usage records enabled", "sink", "sqs")
	}

	return sinks, closeFn, nil
}
