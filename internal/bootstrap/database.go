package bootstrap

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/redis/go-redis/v9"
	"github.com/target/stockroom/config"
	"github.com/target/stockroom/internal/migrate"
	"github.com/target/stockroom/internal/service"
)

// DatabaseConfig contains configuration for database connections.
type DatabaseConfig struct {
	DBConfig    config.DBConfig
	RedisConfig config.RedisConfig
	// ListenerConns reserves pool headroom for connections held by LISTEN subscriptions.
	ListenerConns int
	Logger        *slog.Logger
}

// startupRetry spaces the startup pings while the database or Redis comes up.
var startupRetry = service.RetryPolicy{Base: 500 * time.Millisecond, Growth: 2, Cap: 5 * time.Second}

// ConnectDB opens the PostgreSQL pool and pings it, retrying up to
// DBConfig.ConnectAttempts times.
func ConnectDB(cfg DatabaseConfig) (*sql.DB, error) {
	dbCfg := cfg.DBConfig
	dbCfg.Sanitize()

	db, err := sql.Open("pgx", dbCfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	listeners := max(cfg.ListenerConns, 0)
	db.SetMaxOpenConns(dbCfg.MaxOpenConns + listeners)
	db.SetMaxIdleConns(dbCfg.MaxIdleConns + listeners)
	db.SetConnMaxLifetime(dbCfg.ConnMaxLifetime)

	pingErr := pingWithRetry(cfg.Logger, "database", dbCfg.ConnectAttempts, dbCfg.ConnectTimeout, db.PingContext)
	if pingErr != nil {
		if closeErr := db.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close database connection: %w", closeErr))
		}
		return nil, fmt.Errorf("ping database: %w", pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("database connected",
			"host", dbCfg.Host,
			"port", dbCfg.Port,
			"database", dbCfg.Name,
			"max_open_conns", dbCfg.MaxOpenConns+listeners,
			"listener_conns", listeners,
		)
	}
	return db, nil
}

// pingWithRetry calls ping until it succeeds or attempts run out. Each call
// gets its own timeout.
func pingWithRetry(
	logger *slog.Logger,
	what string,
	attempts int,
	timeout time.Duration,
	ping func(context.Context) error,
) error {
	attempts = max(attempts, 1)
	var err error
	for i := range attempts {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err = ping(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		delay := startupRetry.Delay(i)
		if logger != nil {
			logger.Warn(what+" not reachable; retrying", "attempt", i+1, "max_attempts", attempts, "delay", delay, "error", err)
		}
		time.Sleep(delay)
	}
	return err
}

// ConnectRedis establishes a connection to Redis.
//
//nolint:ireturn // returning redis.UniversalClient lets us pick single, sentinel, or cluster clients at runtime.
func ConnectRedis(cfg DatabaseConfig) (redis.UniversalClient, error) {
	client, addrDesc, err := newRedisClient(cfg.RedisConfig)
	if err != nil {
		return nil, err
	}

	ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	if pingErr := pingWithRetry(cfg.Logger, "redis", 1, 5*time.Second, ping); pingErr != nil {
		if closeErr := client.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close redis client: %w", closeErr))
		}
		return nil, fmt.Errorf("ping redis: %w", pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("redis connected", "addr", redactAddr(addrDesc), "key_prefix", cfg.RedisConfig.KeyPrefix)
	}
	return client, nil
}

//nolint:ireturn // returning redis.UniversalClient keeps client selection flexible.
func newRedisClient(cfg config.RedisConfig) (redis.UniversalClient, string, error) {
	switch {
	case cfg.UseCluster:
		return newClusterClient(cfg)
	case cfg.UseSentinel:
		return newSentinelClient(cfg)
	default:
		return newDirectClient(cfg)
	}
}

// redactAddr hides credentials in a URL-shaped address description.
func redactAddr(addr string) string {
	if u, err := url.Parse(addr); err == nil && u.User != nil {
		u.User = url.User("*")
		return u.Redacted()
	}
	if i := strings.LastIndex(addr, "@"); i > -1 {
		return addr[i+1:]
	}
	return addr
}

const redisClientName = "stockroom"

//nolint:ireturn // returning redis.UniversalClient keeps client selection flexible.
func newClusterClient(cfg config.RedisConfig) (redis.UniversalClient, string, error) {
	addrs := normalizeAddrs(cfg.ClusterNodes)
	password := cfg.Password
	username := ""
	var tlsConfig *tls.Config

	if len(addrs) == 0 {
		addr, parsedUsername, parsedPassword, parsedTLS, err := clusterFallbackFromURI(cfg.URI, password)
		if err != nil {
			return nil, "", err
		}

		if addr != "" {
			addrs = []string{addr}
			username = parsedUsername
			password = parsedPassword
			tlsConfig = parsedTLS
		}
	}

	if len(addrs) == 0 {
		return nil, "", errors.New("redis cluster configuration requires at least one address")
	}

	clusterOpts := &redis.ClusterOptions{
		Addrs:      addrs,
		Password:   password,
		ClientName: redisClientName,
		PoolSize:   cfg.PoolSize,
	}
	if username != "" {
		clusterOpts.Username = username
	}
	if tlsConfig != nil {
		clusterOpts.TLSConfig = tlsConfig
	}

	client := redis.NewClusterClient(clusterOpts)
	return client, "cluster:" + strings.Join(addrs, ","), nil
}

//nolint:ireturn // returning redis.UniversalClient keeps client selection flexible.
func newSentinelClient(cfg config.RedisConfig) (redis.UniversalClient, string, error) {
	if len(cfg.SentinelNodes) == 0 {
		return nil, "", errors.New("redis sentinel configuration requires at least one sentinel node")
	}

	opts := &redis.FailoverOptions{
		MasterName:       cfg.SentinelMasterName,
		SentinelAddrs:    cfg.SentinelNodes,
		Password:         cfg.Password,
		SentinelPassword: cfg.SentinelPassword,
		DB:               cfg.DB,
		ClientName:       redisClientName,
		PoolSize:         cfg.PoolSize,
	}
	client := redis.NewFailoverClient(opts)
	return client, "sentinel:" + cfg.SentinelMasterName, nil
}

//nolint:ireturn // returning redis.UniversalClient keeps client selection flexible.
func newDirectClient(cfg config.RedisConfig) (redis.UniversalClient, string, error) {
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return nil, "", errors.New("redis direct configuration requires a URI")
	}

	if isRedisURL(uri) {
		opt, err := redis.ParseURL(uri)
		if err != nil {
			return nil, "", fmt.Errorf("parse redis url: %w", err)
		}
		opt.ClientName = redisClientName
		if cfg.PoolSize > 0 {
			opt.PoolSize = cfg.PoolSize
		}
		return redis.NewClient(opt), opt.Addr, nil
	}

	opts := &redis.Options{
		Addr:       uri,
		Password:   cfg.Password,
		DB:         cfg.DB,
		ClientName: redisClientName,
		PoolSize:   cfg.PoolSize,
	}
	return redis.NewClient(opts), uri, nil
}

func normalizeAddrs(raw []string) []string {
	result := make([]string, 0, len(raw))
	for _, addr := range raw {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func clusterFallbackFromURI(uri, defaultPassword string) (string, string, string, *tls.Config, error) {
	trimmed := strings.TrimSpace(uri)
	if trimmed == "" {
		return "", "", defaultPassword, nil, nil
	}

	if !isRedisURL(trimmed) {
		return trimmed, "", defaultPassword, nil, nil
	}

	opt, err := redis.ParseURL(trimmed)
	if err != nil {
		return "", "", defaultPassword, nil, fmt.Errorf("parse redis cluster url: %w", err)
	}

	password := defaultPassword
	if opt.Password != "" {
		password = opt.Password
	}

	return opt.Addr, opt.Username, password, opt.TLSConfig, nil
}

func isRedisURL(value string) bool {
	return strings.HasPrefix(value, "redis://") || strings.HasPrefix(value, "rediss://")
}

// RunMigrations applies pending schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	applied, err := migrate.New(migrate.Options{Logger: logger}).Apply(ctx, db)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.InfoContext(ctx, "database migrations completed", "applied", len(applied))
	return nil
}
