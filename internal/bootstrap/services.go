package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/target/stockroom/config"
	"github.com/target/stockroom/internal/adapters/memory"
	redisadapter "github.com/target/stockroom/internal/adapters/redis"
	"github.com/target/stockroom/internal/data"
	"github.com/target/stockroom/internal/domain/realtime"
	"github.com/target/stockroom/internal/ports"
	"github.com/target/stockroom/internal/service"
	"golang.org/x/time/rate"
)

// ServiceContainer holds all agent services.
type ServiceContainer struct {
	Identity    IdentityProvider
	Profiles    *data.ProfileRepo
	Persons     *data.PersonRepo
	Cache       *service.ProfileCache
	Resolver    *service.ProfileResolver
	Coordinator *service.SessionCoordinator
	// Realtime and Channels are nil when the realtime service is disabled.
	Realtime      ports.RealtimeClient
	Channels      *service.ChannelManager
	Observability ObservabilityContainer
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config        *config.AppConfig
	DB            *sql.DB
	RedisClient   redis.UniversalClient
	Observability ObservabilityContainer
	Logger        *slog.Logger
	// Identity overrides the configured identity provider. Optional.
	Identity IdentityProvider
}

// NewServices wires repositories, the session coordinator and, when enabled,
// the channel manager.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service config is required")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	identity := deps.Identity
	if identity == nil {
		var err error
		identity, err = BuildIdentityProvider(IdentityDeps{
			Identity:    cfg.Identity,
			RedisClient: deps.RedisClient,
			Logger:      logger,
		})
		if err != nil {
			return ServiceContainer{}, err
		}
	}

	out := ServiceContainer{
		Identity:      identity,
		Profiles:      data.NewProfileRepo(deps.DB),
		Persons:       data.NewPersonRepo(deps.DB),
		Observability: deps.Observability,
	}

	out.Cache = service.NewProfileCache(service.ProfileCacheOptions{
		Store:  newProfileStore(deps.RedisClient, cfg.Redis.KeyPrefix, logger),
		Key:    cfg.Session.CacheKey,
		TTL:    cfg.Session.CacheTTL,
		Logger: logger,
	})
	out.Resolver = service.NewProfileResolver(service.ProfileResolverOptions{
		Profiles:       out.Profiles,
		Persons:        out.Persons,
		ProfileTimeout: cfg.Session.ProfileTimeout,
		PersonTimeout:  cfg.Session.PersonTimeout,
		Logger:         logger,
	})
	out.Coordinator = service.NewSessionCoordinator(service.SessionCoordinatorOptions{
		Provider:       identity,
		Resolver:       out.Resolver,
		Cache:          out.Cache,
		SessionTimeout: cfg.Session.FetchTimeout,
		RefreshLimiter: newRefreshLimiter(cfg.Session),
		Metrics:        deps.Observability.Sink,
		Logger:         logger,
	})

	if cfg.IsRealtimeEnabled() {
		coordinator := out.Coordinator
		client, err := BuildRealtimeClient(RealtimeDeps{
			Realtime:    cfg.Realtime,
			DB:          deps.DB,
			RedisClient: deps.RedisClient,
			AccessToken: func() string {
				if s := coordinator.Snapshot().Session; s != nil {
					return s.AccessToken
				}
				return ""
			},
			Logger: logger,
		})
		if err != nil {
			identity.Close()
			return ServiceContainer{}, err
		}
		out.Realtime = client
		out.Channels = service.NewChannelManager(service.ChannelManagerOptions{
			Client: client,
			Retry: service.NewRetryScheduler(service.RetrySchedulerOptions{
				Policy: service.RetryPolicy{
					Base:        cfg.Realtime.RetryBase,
					Growth:      cfg.Realtime.RetryGrowth,
					Cap:         cfg.Realtime.RetryCap,
					MaxAttempts: cfg.Realtime.RetryMaxAttempts,
				},
			}),
			DedupeWindow: cfg.Realtime.DedupeWindow,
			Metrics:      deps.Observability.Sink,
			Logger:       logger,
		})
	}

	return out, nil
}

// Close disposes the coordinator and every subscription, then stops the
// identity provider's timers.
func (s ServiceContainer) Close(ctx context.Context) {
	if s.Channels != nil {
		s.Channels.Close(ctx)
	}
	if s.Coordinator != nil {
		s.Coordinator.Dispose()
	}
	if s.Identity != nil {
		s.Identity.Close()
	}
}

//nolint:ireturn // either backend satisfies the cache port.
func newProfileStore(client redis.UniversalClient, prefix string, logger *slog.Logger) ports.KeyValueStore {
	if client == nil {
		logger.Warn("profile cache is process-local: redis client not configured")
		return memory.NewKeyValueStore()
	}
	return redisadapter.NewKeyValueStore(client, prefix)
}

func newRefreshLimiter(cfg config.SessionConfig) *rate.Limiter {
	if cfg.RefreshRate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.RefreshRate), cfg.RefreshBurst)
}

// SubscribeTopics opens one subscription per configured topic. handler
// receives the topic name with each event.
func SubscribeTopics(
	ctx context.Context,
	channels *service.ChannelManager,
	topics config.Topics,
	handler func(topic string, ev realtime.ChangeEvent),
) ([]*service.Subscription, error) {
	subs := make([]*service.Subscription, 0, len(topics))
	for _, t := range topics {
		topic := t.Name
		sub, err := channels.Subscribe(ctx, service.SubscriptionOptions{
			Topic:   topic,
			Filter:  t.Filter,
			Handler: func(ev realtime.ChangeEvent) { handler(topic, ev) },
		})
		if err != nil {
			for _, s := range subs {
				s.Dispose(ctx)
			}
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
