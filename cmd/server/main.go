package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fieldline/audittrail/app"
	"github.com/fieldline/audittrail/audit"
	"github.com/fieldline/audittrail/cache"
	"github.com/fieldline/audittrail/config"
	"github.com/fieldline/audittrail/database"
	"github.com/fieldline/audittrail/feature"
	"github.com/fieldline/audittrail/log"
	"github.com/fieldline/audittrail/query"
	"github.com/fieldline/audittrail/redact"
	"github.com/fieldline/audittrail/server"
	"github.com/fieldline/audittrail/server/health"
	"github.com/fieldline/audittrail/server/middleware"
	"github.com/fieldline/audittrail/store"
	"github.com/fieldline/audittrail/stream"
	"github.com/fieldline/audittrail/undo"
)

type appConfig struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"audittrail"`
	APIPrefix   string `envconfig:"API_PREFIX" default:"/api"`

	RedisEnabled  bool   `envconfig:"REDIS_ENABLED" default:"false"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	Log    log.Config
	DB     database.Config
	Server server.Config
	Audit  audit.Config
	Auth   middleware.AuthConfig
}

func main() {
	configPath := os.Getenv("CONFIG_FILE")

	loader := config.NewLoader[appConfig]("", configPath)
	cfg, err := loader.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := log.New(cfg.Log)
	slog.SetDefault(logger)

	feature.Init(nil)

	runner := app.NewRunner(logger)
	runner.Run(func(ctx context.Context) error {
		return run(ctx, cfg, loader, configPath, logger)
	})
}

func run(ctx context.Context, cfg *appConfig, loader *config.Loader[appConfig], configPath string, logger *slog.Logger) error {
	db, err := database.NewPostgres(ctx, cfg.DB, cfg.ServiceName)
	if err != nil {
		return err
	}
	defer db.Close()

	pg := store.NewPostgres(db, logger)
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	policy := redact.DefaultPolicy()
	policy.SensitiveKeys = append(policy.SensitiveKeys, cfg.Audit.SensitiveFields...)
	if cfg.Audit.MaxDepth > 0 {
		policy.MaxDepth = cfg.Audit.MaxDepth
	}
	normalizer := audit.NewNormalizer(redact.New(policy))

	queue := audit.NewQueue(pg, audit.QueueConfig{
		Capacity:      cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		MaxAttempts:   cfg.Audit.MaxAttempts,
	}, logger)

	hub := stream.NewHub(logger)
	defer hub.Close()

	sinks := []audit.EventSink{hub}

	if cfg.RedisEnabled {
		rdb, err := cache.NewRedis(ctx, cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()

		bridge := stream.NewRedisBridge(rdb, hub, stream.DefaultChannel, logger)
		go bridge.Run(ctx)
		sinks = append(sinks, bridge)
	}

	if len(cfg.Audit.KafkaBrokers) > 0 {
		kafka, err := audit.NewKafkaSink(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic, logger)
		if err != nil {
			return fmt.Errorf("kafka sink: %w", err)
		}
		defer kafka.Close()
		sinks = append(sinks, kafka)
	}

	recorder := audit.NewRecorder(normalizer, queue, logger, sinks...)
	resolver := audit.NewActorResolver(nil)
	advisor := undo.NewAdvisor(pg, normalizer, logger, sinks...)
	querySvc := query.NewService(pg, cfg.Audit.MaxPageSize, logger)

	strategy, err := middleware.NewAuthStrategy(cfg.Auth, logger)
	if err != nil {
		return fmt.Errorf("auth strategy: %w", err)
	}
	var authMW *middleware.AuthMiddleware
	if strategy != nil {
		authMW = middleware.NewAuthMiddleware(strategy, logger)
	}

	ingest := middleware.NewIngest(recorder, resolver, nil, ingestConfig(cfg), logger)

	if configPath != "" {
		watcher := config.NewFileWatcher(configPath, 5*time.Second, logger)
		go watcher.Watch(ctx, func() {
			fresh, err := loader.Load()
			if err != nil {
				logger.Error("config reload failed, keeping previous settings", "error", err)
				return
			}
			if err := ingest.UpdateConfig(ingestConfig(fresh)); err != nil {
				logger.Error("config reload rejected", "error", err)
			}
		})
	}

	router := server.NewRouter(server.RouterDeps{
		Query:       query.NewHandler(querySvc, logger),
		Undo:        undo.NewHandler(advisor, resolver, logger),
		WS:          stream.NewWSHandler(hub, logger),
		Health:      health.NewChecker(db, queue, logger),
		Auth:        authMW,
		Ingest:      ingest,
		ServiceName: cfg.ServiceName,
		Logger:      logger,
	})

	srv := server.New(cfg.Server, logger, router)
	serveErr := srv.Start(ctx)

	// Drain buffered events before the store connection goes away.
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := queue.Close(closeCtx); err != nil {
		logger.Error("audit queue close failed, buffered events may be lost", "error", err)
	}

	return serveErr
}

func ingestConfig(cfg *appConfig) middleware.IngestConfig {
	return middleware.IngestConfig{
		Enabled:        cfg.Audit.Enabled,
		MaxBodySize:    cfg.Audit.MaxBodySize,
		ExcludePaths:   cfg.Audit.ExcludePaths,
		ExcludeHeaders: cfg.Audit.ExcludeHeaders,
		APIPrefix:      cfg.APIPrefix,
	}
}
