package bootstrap

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/target/stockroom/config"
	"github.com/target/stockroom/internal/adapters/devauth"
	"github.com/target/stockroom/internal/adapters/oidc"
	redisadapter "github.com/target/stockroom/internal/adapters/redis"
	"github.com/target/stockroom/internal/ports"
)

// IdentityProvider is an identity provider that owns background refresh timers.
type IdentityProvider interface {
	ports.IdentityProvider
	Close()
}

// IdentityDeps contains configuration for the identity provider.
type IdentityDeps struct {
	Identity    config.IdentityConfig
	RedisClient redis.UniversalClient
	// HTTPClient is used for OIDC discovery and token calls. Optional.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// BuildIdentityProvider creates the identity provider for the configured mode.
//
//nolint:ireturn // the concrete provider depends on IDENTITY_MODE.
func BuildIdentityProvider(deps IdentityDeps) (IdentityProvider, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch deps.Identity.Mode {
	case config.IdentityModeDev:
		dev := deps.Identity.DevAuth
		prov, err := devauth.NewProvider(devauth.Config{
			UserID:     dev.UserID,
			Email:      dev.Email,
			Password:   dev.Password,
			SigningKey: dev.SigningKey,
			TokenTTL:   dev.TokenTTL,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create dev auth provider: %w", err)
		}
		logger.Warn("dev identity provider enabled; do not use in production", "email", dev.Email)
		return prov, nil

	case config.IdentityModeOIDC:
		o := deps.Identity.OIDC
		var store ports.SessionStore
		if deps.RedisClient != nil {
			store = redisadapter.NewSessionStore(deps.RedisClient, redisadapter.SessionStoreOptions{
				Grace: o.SessionGrace,
			})
		} else {
			logger.Warn("oidc session persistence disabled: redis client not configured")
		}
		prov, err := oidc.NewProvider(oidc.ProviderConfig{
			ClientID:      o.ClientID,
			ClientSecret:  o.ClientSecret,
			Scope:         o.Scope,
			DiscoveryURL:  o.DiscoveryURL,
			RefreshLeeway: o.RefreshLeeway,
			Store:         store,
			StoreKey:      o.StoreKey,
			HTTPClient:    deps.HTTPClient,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create oidc provider: %w", err)
		}
		return prov, nil

	default:
		return nil, fmt.Errorf("unknown identity mode %q", deps.Identity.Mode)
	}
}
