package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"naturecms/internal/server/api"
	"naturecms/internal/server/config"
	"naturecms/internal/server/database"
	"naturecms/internal/server/kv"
	"naturecms/internal/server/metrics"
	"naturecms/internal/server/notify"
	"naturecms/internal/server/ratelimit"
	"naturecms/internal/server/service"
	"naturecms/internal/server/session"
	"naturecms/internal/server/storage"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "naturecms-server",
		Short:         "Content management backend for the nature reserve site",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(commandContext(cmd))
		},
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newCreateAdminCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(commandContext(cmd))
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			db, err := database.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			return db.Migrate(ctx)
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// loadConfig reads the configuration and installs the JSON logger at the
// configured level.
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)
	return cfg, nil
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	slog.Info("configuration loaded",
		"env", cfg.Env,
		"port", cfg.Port,
		"storage_backend", cfg.Storage.Backend,
		"max_file_size", cfg.Upload.MaxFileSize,
		"max_image_size", cfg.Upload.MaxImageSize,
	)

	// Connect to database
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Connect to Redis
	rdb, err := kv.New(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer rdb.Close()

	m := metrics.New()

	sessionStore := session.NewStore(rdb, session.StoreOptions{
		Prefix:       cfg.Session.Prefix,
		DefaultTTL:   cfg.Session.TTL,
		DisableTouch: cfg.Session.DisableTouch,
		DisableTTL:   cfg.Session.DisableTTL,
	})
	sessions := session.NewManager(sessionStore, session.ManagerOptions{
		CookieName: cfg.Session.CookieName,
		TTL:        cfg.Session.TTL,
		Rolling:    cfg.Session.Rolling,
	})
	limiter := ratelimit.New(rdb, ratelimit.Options{
		Prefix:     cfg.RateLimit.Prefix,
		FailOpen:   cfg.RateLimit.FailOpen,
		TrustProxy: cfg.RateLimit.TrustProxy,
		Metrics:    m,
	})

	// Initialize storage
	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	if err := store.EnsureDir(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	slog.Info("file storage initialized", "backend", cfg.Storage.Backend)

	publisher, closePublisher, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	// Initialize repositories and services
	users := database.NewUserRepository(db)
	files := database.NewFileRepository(db)
	tokens := service.NewResetTokens(cfg.ResetTokenSecret, cfg.ResetTokenTTL)

	handler := api.NewHandler(api.Deps{
		Auth:     service.NewAuthService(users, sessionStore, tokens, publisher, cfg.BaseURL, m),
		Users:    service.NewUserService(users, sessionStore, m),
		Uploads:  service.NewUploadService(files, store, cfg.Upload, m),
		Forms:    service.NewFormService(publisher),
		Sessions: sessions,
		Limiter:  limiter,
		Metrics:  m,
		Health: []api.HealthCheck{
			{Name: "database", Check: db.HealthCheck},
			{Name: "redis", Check: func(ctx context.Context) error { return kv.HealthCheck(ctx, rdb) }},
		},
	})
	e := api.SetupRouter(handler, cfg)

	// Start cleanup service
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	cleanup := storage.NewCleanupService(files, store, service.Features, cfg.CleanupInterval, cfg.OrphanGracePeriod)
	cleanup.Start(cleanupCtx)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop cleanup service
	cleanupCancel()
	cleanup.Wait()

	slog.Info("server exited cleanly")
	return nil
}

func newStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Backend == config.StorageS3 {
		store, err := storage.NewS3Store(ctx, storage.S3Options{
			Bucket:         cfg.Storage.S3Bucket,
			Endpoint:       cfg.Storage.S3Endpoint,
			Region:         cfg.Storage.S3Region,
			AccessKey:      cfg.Storage.S3AccessKey,
			SecretKey:      cfg.Storage.S3SecretKey,
			ForcePathStyle: cfg.Storage.S3ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 store: %w", err)
		}
		return store, nil
	}
	return storage.NewFileSystemStore(cfg.Storage.Path, service.Features...), nil
}

// newPublisher connects to NATS when NATS_URL is set and otherwise logs
// outgoing events.
func newPublisher(cfg *config.Config) (notify.Publisher, func(), error) {
	if cfg.NATSURL == "" {
		slog.Warn("NATS_URL not set, notifications will only be logged")
		return notify.NewLogPublisher(nil), func() {}, nil
	}

	pub, err := notify.NewNATSPublisher(cfg.NATSURL,
		nats.Name("naturecms-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return pub, pub.Close, nil
}
