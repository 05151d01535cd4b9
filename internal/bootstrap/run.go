package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/target/stockroom/config"
	domainauth "github.com/target/stockroom/internal/domain/auth"
	"github.com/target/stockroom/internal/domain/realtime"
	"golang.org/x/sync/errgroup"
)

const shutdownWaitTimeout = 15 * time.Second

// ServiceOrchestrationConfig contains the dependencies for running the agent.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
	// Signals stop the agent. Defaults to SIGINT and SIGTERM.
	Signals []os.Signal
}

// RunServicesWithShutdown starts the enabled services and blocks until ctx is
// done, a stop signal arrives or a service fails. Everything is disposed
// before it returns.
func RunServicesWithShutdown(ctx context.Context, cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil {
		return errors.New("service orchestration config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	signals := cfg.Signals
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	ctx, stop := signal.NotifyContext(ctx, signals...)
	defer stop()

	svc := cfg.Services
	obs := svc.Observability
	metricsServer := StartMetricsServer(logger, obs.MetricsConfig.PrometheusAddr, obs.Registry)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Config.IsSessionEnabled() && svc.Coordinator != nil {
		unwatch := svc.Coordinator.Watch(func(s domainauth.Snapshot) { logSnapshot(logger, s) })
		defer unwatch()

		g.Go(func() error {
			if err := svc.Coordinator.Init(gctx); err != nil {
				// The coordinator already reflects the failure; a later sign-in can recover.
				logger.WarnContext(gctx, "session startup failed", "error", err)
			}
			<-gctx.Done()
			return nil
		})
	}

	if cfg.Config.IsRealtimeEnabled() && svc.Channels != nil {
		g.Go(func() error {
			subs, err := SubscribeTopics(gctx, svc.Channels, cfg.Config.Realtime.Topics, func(topic string, ev realtime.ChangeEvent) {
				logChange(logger, topic, ev)
			})
			if err != nil {
				return err
			}
			logger.InfoContext(gctx, "realtime subscriptions started", "count", len(subs))
			<-gctx.Done()
			return nil
		})
	}

	runErr := g.Wait()
	logger.Info("shutting down services...")

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
	defer cancel()

	svc.Close(closeCtx)
	var errs []error
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		errs = append(errs, runErr)
	}
	if err := ShutdownMetricsServer(closeCtx, metricsServer, logger); err != nil {
		errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
	}
	if err := obs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close statsd: %w", err))
	}
	return errors.Join(errs...)
}

func logSnapshot(logger *slog.Logger, s domainauth.Snapshot) {
	attrs := []any{"state", s.State, "loading", s.IsLoading}
	if s.User != nil {
		attrs = append(attrs, "user_id", s.User.ID)
	}
	if s.Profile != nil {
		attrs = append(attrs, "role", s.Profile.Role)
	}
	if s.Error != nil {
		attrs = append(attrs, "error", s.Error)
	}
	if s.Warning != nil {
		attrs = append(attrs, "warning", s.Warning)
	}
	logger.Info("session state changed", attrs...)
}

func logChange(logger *slog.Logger, topic string, ev realtime.ChangeEvent) {
	var id any
	if rec := ev.Record(); rec != nil {
		id = rec["id"]
	}
	logger.Info("change received",
		"topic", topic,
		"event_id", ev.ID,
		"kind", ev.Kind,
		"table", ev.Table,
		"row_id", id,
		"commit_time", ev.CommitTime,
	)
}
