package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"imagestudio/internal/cache"
	"imagestudio/internal/canvas"
	"imagestudio/internal/completion"
	"imagestudio/internal/config"
	"imagestudio/internal/database"
	"imagestudio/internal/events"
	"imagestudio/internal/handlers"
	"imagestudio/internal/jobs"
	"imagestudio/internal/log"
	"imagestudio/internal/mask"
	"imagestudio/internal/remote"
	"imagestudio/internal/repository"
	"imagestudio/internal/security"
	"imagestudio/internal/server"
	"imagestudio/internal/service"
	"imagestudio/internal/session"
	"imagestudio/internal/storage"
	"imagestudio/internal/upload"
)

func main() {
	hashKey := flag.String("hash-key", "", "print the argon2id hash of an API key and exit")
	flag.Parse()

	if *hashKey != "" {
		hash, err := security.HashSecret(*hashKey)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(hash))
		return
	}

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.LogLevel)

	ctx := context.Background()

	images, err := openLineage(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Lineage.Driver).Msg("failed to open lineage store")
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect redis")
		}
	}

	objectStore, err := storage.NewObjectStore(cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init object store")
	}
	if err := objectStore.EnsureBuckets(ctx); err != nil {
		logger.Warn().Err(err).Msg("ensure buckets failed")
	}

	remoteClient := remote.NewClientFromConfig(cfg.Remote, logger)
	if err := remoteClient.InitSession(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial session launch failed")
	}

	publisher, err := events.Connect(cfg.NATS, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect nats")
	}

	imageService := service.NewImageService(
		images,
		session.NewStore(redisClient, images, cfg.Redis.SessionTTL, logger),
		completion.NewClient(remoteClient, cfg.Remote.Completion, logger,
			completion.WithStreamClient(remote.NewStreamingClient(remote.PolicyFromConfig(cfg.Remote.Retry), cfg.Remote.Timeout, logger)),
			completion.WithIdleTimeout(cfg.Remote.Timeout),
		),
		upload.NewClient(remoteClient, cfg.Upload, remote.NewPlainClient(cfg.Remote.Timeout), logger),
		mask.NewGenerator(objectStore, logger),
		canvas.NewComposer(remote.NewRetryingClient(remote.PolicyFromConfig(cfg.Remote.Retry), cfg.Remote.Timeout, logger), logger),
		objectStore,
		publisher,
		logger,
	)
	authService := service.NewAuthService(cfg.Security, logger)

	scheduler := jobs.NewScheduler(remoteClient, cfg.Maintenance, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	handlerSet := handlers.NewHandlerSet(logger, cfg, authService, imageService, redisClient, scheduler)
	httpServer := server.NewHTTPServer(cfg, logger, handlerSet)

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, scheduler, publisher, images, redisClient)
}

// openLineage opens the configured lineage store. The postgres store owns its pool.
func openLineage(ctx context.Context, cfg *config.AppConfig) (repository.ImageStore, error) {
	if cfg.Lineage.Driver != "postgres" {
		return repository.NewBoltImageStore(cfg.Lineage.BoltPath)
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	store := repository.NewPostgresImageStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

func waitForShutdown(
	logger zerolog.Logger,
	srv *server.HTTPServer,
	scheduler *jobs.Scheduler,
	publisher events.Publisher,
	images repository.ImageStore,
	redisClient *redis.Client,
) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("forced shutdown failed")
		}
	}

	if scheduler != nil {
		cancel := scheduler.Stop()
		cancel()
	}

	publisher.Close()
	if err := images.Close(); err != nil {
		logger.Error().Err(err).Msg("lineage store close error")
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("redis close error")
		}
	}

	logger.Info().Msg("server exited cleanly")
}
