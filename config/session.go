package config

import "time"

// SessionConfig controls session reconciliation and the local profile cache.
type SessionConfig struct {
	// FetchTimeout bounds each identity provider call.
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT" envDefault:"20s"`
	// ProfileTimeout bounds the profile record lookup.
	ProfileTimeout time.Duration `env:"PROFILE_TIMEOUT" envDefault:"30s"`
	// PersonTimeout bounds the linked person lookup.
	PersonTimeout time.Duration `env:"PERSON_TIMEOUT" envDefault:"30s"`
	// CacheKey is the key of the cached profile in the key-value store.
	CacheKey string `env:"CACHE_KEY" envDefault:"stockroom:profile:current"`
	// CacheTTL expires the cached profile. Zero keeps it until cleared.
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"0s"`
	// RefreshRate is the number of background refresh events handled per second.
	// Zero disables the limit.
	RefreshRate float64 `env:"REFRESH_RATE" envDefault:"1"`
	// RefreshBurst is the number of back-to-back refresh events allowed.
	RefreshBurst int `env:"REFRESH_BURST" envDefault:"3"`
}

// Sanitize applies guardrails to session configuration values.
func (c *SessionConfig) Sanitize() {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 20 * time.Second
	}
	if c.ProfileTimeout <= 0 {
		c.ProfileTimeout = 30 * time.Second
	}
	if c.PersonTimeout <= 0 {
		c.PersonTimeout = 30 * time.Second
	}
	if c.CacheTTL < 0 {
		c.CacheTTL = 0
	}
	if c.RefreshRate < 0 {
		c.RefreshRate = 0
	}
	if c.RefreshBurst < 1 {
		c.RefreshBurst = 1
	}
}
