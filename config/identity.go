package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// IdentityMode selects the identity provider implementation.
type IdentityMode string

const (
	// IdentityModeOIDC signs in against an OpenID Connect provider.
	IdentityModeOIDC IdentityMode = "oidc"
	// IdentityModeDev uses locally configured credentials (for development only).
	IdentityModeDev IdentityMode = "dev"
)

// UnmarshalText implements encoding.TextUnmarshaler for IdentityMode.
func (m *IdentityMode) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	switch v {
	case "oidc", "dev":
		*m = IdentityMode(v)
		return nil
	default:
		return fmt.Errorf("invalid IdentityMode: %q (valid options: oidc, dev)", v)
	}
}

// OIDCConfig contains OpenID Connect client configuration.
type OIDCConfig struct {
	ClientID     string `env:"CLIENT_ID"     envDefault:"stockroom"`
	ClientSecret string `env:"CLIENT_SECRET"`
	Scope        string `env:"SCOPE"         envDefault:"openid profile email offline_access"`
	DiscoveryURL string `env:"DISCOVERY_URL"`
	// RefreshLeeway is how long before expiry the access token is refreshed.
	RefreshLeeway time.Duration `env:"REFRESH_LEEWAY" envDefault:"1m"`
	// StoreKey names the persisted session in Redis.
	StoreKey string `env:"STORE_KEY" envDefault:"agent"`
	// SessionGrace keeps an expired session in the store long enough to refresh it.
	SessionGrace time.Duration `env:"SESSION_GRACE" envDefault:"24h"`
}

// DevAuthConfig controls the development identity.
// Used when IDENTITY_MODE=dev for development and testing.
type DevAuthConfig struct {
	UserID     string        `env:"USER_ID"     envDefault:"dev-user"`
	Email      string        `env:"EMAIL"       envDefault:"dev@example.com"`
	Password   string        `env:"PASSWORD"    envDefault:"stockroom"`
	SigningKey string        `env:"SIGNING_KEY" envDefault:"stockroom-dev-signing-key"`
	TokenTTL   time.Duration `env:"TOKEN_TTL"   envDefault:"1h"`
}

// IdentityConfig groups all identity provider configuration.
type IdentityConfig struct {
	// Mode determines which identity provider to use.
	Mode IdentityMode `env:"IDENTITY_MODE" envDefault:"oidc"`

	// OIDC configuration (used when Mode=oidc).
	OIDC OIDCConfig `envPrefix:"OIDC_"`

	// DevAuth configuration (used when Mode=dev).
	DevAuth DevAuthConfig `envPrefix:"DEV_AUTH_"`
}

// Sanitize trims values and restores defaults for non-positive durations.
func (c *IdentityConfig) Sanitize() {
	c.OIDC.DiscoveryURL = strings.TrimSpace(c.OIDC.DiscoveryURL)
	c.OIDC.Scope = strings.Join(strings.Fields(c.OIDC.Scope), " ")
	if c.OIDC.RefreshLeeway < 0 {
		c.OIDC.RefreshLeeway = 0
	}
	if c.OIDC.SessionGrace < 0 {
		c.OIDC.SessionGrace = 0
	}
	if strings.TrimSpace(c.OIDC.StoreKey) == "" {
		c.OIDC.StoreKey = "agent"
	}
	c.DevAuth.Email = strings.TrimSpace(c.DevAuth.Email)
	if c.DevAuth.TokenTTL <= 0 {
		c.DevAuth.TokenTTL = time.Hour
	}
}

// Validate checks the settings required by the selected mode.
func (c *IdentityConfig) Validate() error {
	switch c.Mode {
	case IdentityModeOIDC:
		if c.OIDC.DiscoveryURL == "" {
			return errors.New("OIDC_DISCOVERY_URL is required when IDENTITY_MODE=oidc")
		}
		if c.OIDC.ClientID == "" {
			return errors.New("OIDC_CLIENT_ID is required when IDENTITY_MODE=oidc")
		}
	case IdentityModeDev:
		if len(c.DevAuth.SigningKey) < 16 {
			return errors.New("DEV_AUTH_SIGNING_KEY must be at least 16 bytes")
		}
	default:
		return fmt.Errorf("unknown identity mode %q", c.Mode)
	}
	return nil
}
