package config

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"stockroom"`
	Password string `env:"PASSWORD" envDefault:"stockroom"`
	Name     string `env:"NAME"     envDefault:"stockroom"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`

	MaxOpenConns    int           `env:"MAX_OPEN_CONNS"     envDefault:"10"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS"     envDefault:"2"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME"  envDefault:"5m"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT"    envDefault:"5s"`
	// ConnectAttempts retries the startup ping while the database comes up.
	ConnectAttempts int `env:"CONNECT_ATTEMPTS" envDefault:"5"`
}

// DSN renders a pgx connection URL. Credentials are escaped.
func (c DBConfig) DSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Name,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	q.Set("application_name", "stockroom")
	u.RawQuery = q.Encode()
	return u.String()
}

// Sanitize restores defaults for non-positive pool and connect settings.
func (c *DBConfig) Sanitize() {
	c.Host = strings.TrimSpace(c.Host)
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = min(2, c.MaxOpenConns)
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 1
	}
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	DB                 int      `env:"DB"                   envDefault:"0"`
	SentinelPort       string   `env:"SENTINEL_PORT"        envDefault:"26379"`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
	// KeyPrefix namespaces the profile cache and other key-value entries.
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"stockroom:kv:"`
	// PoolSize caps connections per node. Zero keeps the go-redis default.
	PoolSize int `env:"POOL_SIZE" envDefault:"0"`
}

// IsConfigured reports whether enough Redis settings are present to connect.
// Clearing REDIS_URI runs the agent without Redis.
func (c RedisConfig) IsConfigured() bool {
	if c.UseCluster {
		return len(c.ClusterNodes) > 0 || c.URI != ""
	}
	if c.UseSentinel {
		return len(c.SentinelNodes) > 0
	}
	return c.URI != ""
}
