package bootstrap

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/target/stockroom/config"
	redisadapter "github.com/target/stockroom/internal/adapters/redis"
	"github.com/target/stockroom/internal/adapters/wsrealtime"
	"github.com/target/stockroom/internal/data"
	"github.com/target/stockroom/internal/ports"
)

// RealtimeDeps contains dependencies for the realtime transport.
type RealtimeDeps struct {
	Realtime    config.RealtimeConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	// AccessToken supplies the bearer token for websocket joins. Optional.
	AccessToken func() string
	Logger      *slog.Logger
}

// BuildRealtimeClient creates the realtime client for the configured transport.
//
//nolint:ireturn // the concrete transport depends on REALTIME_TRANSPORT.
func BuildRealtimeClient(deps RealtimeDeps) (ports.RealtimeClient, error) {
	switch deps.Realtime.Transport {
	case config.TransportPostgres:
		if deps.DB == nil {
			return nil, errors.New("postgres realtime transport requires a database")
		}
		return data.NewPGRealtime(data.PGRealtimeOptions{
			DB:            deps.DB,
			NotifyChannel: deps.Realtime.NotifyChannel,
			Logger:        deps.Logger,
		}), nil

	case config.TransportRedis:
		if deps.RedisClient == nil {
			return nil, errors.New("redis realtime transport requires a redis client")
		}
		return redisadapter.NewPubSubRealtime(redisadapter.PubSubRealtimeOptions{
			Client: deps.RedisClient,
			Logger: deps.Logger,
		}), nil

	case config.TransportWebsocket:
		client, err := wsrealtime.New(wsrealtime.Options{
			URL:         deps.Realtime.WSURL,
			APIKey:      deps.Realtime.WSAPIKey,
			AccessToken: deps.AccessToken,
			Logger:      deps.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create websocket realtime client: %w", err)
		}
		return client, nil

	default:
		return nil, fmt.Errorf("unknown realtime transport %q", deps.Realtime.Transport)
	}
}
