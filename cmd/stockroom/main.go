package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/target/stockroom/config"
	"github.com/target/stockroom/internal/bootstrap"
)

func main() {
	ctx := context.Background()
	logger := bootstrap.InitLogger("info", "json")
	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	logger = bootstrap.InitLogger(cfg.LogLevel, cfg.LogFormat)
	cfgPtr := &cfg

	logStartupInfo(ctx, logger, cfgPtr)

	db, redisClient, err := initInfrastructure(ctx, cfgPtr, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close database failed", "error", cerr)
		}
	}()
	if redisClient != nil {
		defer func() {
			if cerr := redisClient.Close(); cerr != nil {
				logger.ErrorContext(ctx, "close redis failed", "error", cerr)
			}
		}()
	}

	if cfg.Postgres.RunMigrationsOnStart {
		if err = bootstrap.RunMigrations(ctx, db, logger); err != nil {
			return err
		}
	} else {
		logger.InfoContext(ctx, "skipping database migrations on startup", "reason", "disabled via config")
	}

	obs := bootstrap.BuildObservability(logger, cfg.Observability)
	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:        cfgPtr,
		DB:            db,
		RedisClient:   redisClient,
		Observability: obs,
		Logger:        logger,
	})
	if err != nil {
		if cerr := obs.Close(); cerr != nil {
			logger.WarnContext(ctx, "close observability failed", "error", cerr)
		}
		return fmt.Errorf("init services: %w", err)
	}

	return bootstrap.RunServicesWithShutdown(ctx, &bootstrap.ServiceOrchestrationConfig{
		Config:   cfgPtr,
		Services: services,
		Logger:   logger,
	})
}

func logStartupInfo(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) {
	logger.InfoContext(ctx, "starting stockroom agent",
		"db_host", cfg.Postgres.Host,
		"db_port", cfg.Postgres.Port,
		"db_name", cfg.Postgres.Name,
		"identity_mode", cfg.Identity.Mode,
		"realtime_transport", cfg.Realtime.Transport,
		"enabled_services", bootstrap.GetEnabledServices(cfg))
}

// listenerConns reserves one pooled connection per LISTEN channel.
func listenerConns(cfg *config.AppConfig) int {
	if !cfg.IsRealtimeEnabled() || cfg.Realtime.Transport != config.TransportPostgres {
		return 0
	}
	return len(cfg.Realtime.Topics)
}

// initInfrastructure connects shared dependencies used by the agent.
// Redis is optional; without it the profile cache stays in process.
//
//nolint:ireturn // returning redis.UniversalClient keeps sentinel/cluster support flexible.
func initInfrastructure(
	ctx context.Context,
	cfg *config.AppConfig,
	logger *slog.Logger,
) (*sql.DB, redis.UniversalClient, error) {
	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig:      cfg.Postgres,
		RedisConfig:   cfg.Redis,
		ListenerConns: listenerConns(cfg),
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}

	if !cfg.Redis.IsConfigured() {
		if cfg.Realtime.Transport == config.TransportRedis && cfg.IsRealtimeEnabled() {
			cerr := db.Close()
			return nil, nil, errors.Join(errors.New("redis realtime transport requires redis configuration"), cerr)
		}
		return db, nil, nil
	}

	redisClient, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{
		DBConfig:    cfg.Postgres,
		RedisConfig: cfg.Redis,
		Logger:      logger,
	})
	if err != nil {
		if cerr := db.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close database after redis connect failure", "error", cerr)
			return nil, nil, fmt.Errorf("connect redis: %w", errors.Join(err, fmt.Errorf("close database: %w", cerr)))
		}
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	return db, redisClient, nil
}
