package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - identity.go: Identity provider configuration
//   - database.go: Database and Redis configuration
//   - session.go: Session reconciliation configuration
//   - realtime.go: Change subscription configuration
//   - services.go: Agent component selection
type AppConfig struct {
	// IsDev controls development mode behavior.
	// Set DEV=true or APP_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// LogFormat is json or text.
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Identity provider configuration
	Identity IdentityConfig

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	Session  SessionConfig  `envPrefix:"SESSION_"`
	Realtime RealtimeConfig `envPrefix:"REALTIME_"`

	// Services selects which agent components run.
	Services string `env:"SERVICES" envDefault:"session,realtime"`

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat)); c.LogFormat != "text" {
		c.LogFormat = "json"
	}

	c.Postgres.Sanitize()
	c.Identity.Sanitize()
	c.Session.Sanitize()
	c.Realtime.Sanitize()
	c.Observability.Sanitize()

	c.detectDevMode()
}

// Validate reports configuration that cannot be repaired by Sanitize.
func (c *AppConfig) Validate() error {
	var errs []error
	if _, err := c.GetEnabledServices(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Identity.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.IsRealtimeEnabled() {
		if err := c.Realtime.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// detectDevMode checks both DEV and APP_ENV environment variables.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		appEnv := strings.ToLower(os.Getenv("APP_ENV"))
		c.IsDev = appEnv == "development" || appEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsSessionEnabled returns true if the session coordinator runs.
func (c *AppConfig) IsSessionEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeSession]
}

// IsRealtimeEnabled returns true if change subscriptions run.
func (c *AppConfig) IsRealtimeEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeRealtime]
}
