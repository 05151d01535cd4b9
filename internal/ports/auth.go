package ports

// Package ports defines interfaces (hexagonal ports) for identity, profile and realtime behavior.
// Implementations live in internal/adapters and internal/data; orchestration in internal/service.

import (
	"context"
	"errors"
	"time"

	domainauth "github.com/target/stockroom/internal/domain/auth"
)

var (
	// ErrBadCredentials is returned by identity providers that reject an email/password pair.
	ErrBadCredentials = errors.New("bad credentials")
	// ErrSessionNotFound is matched (errors.Is) by SessionStore misses.
	ErrSessionNotFound = errors.New("session not found")
)

// IdentityProvider is the external identity/session provider.
type IdentityProvider interface {
	// CurrentSession returns the provider's current session, or nil when signed out.
	CurrentSession(ctx context.Context) (*domainauth.Session, error)

	// ExchangeCredentials signs in with email and password. Implementations
	// return ErrBadCredentials (possibly wrapped) when the pair is rejected,
	// and emit a SIGNED_IN event on success.
	ExchangeCredentials(ctx context.Context, email, password string) (domainauth.Session, error)

	// EndSession signs out and emits SIGNED_OUT.
	EndSession(ctx context.Context) error

	// Listen registers fn for every change notification and returns a function
	// that removes it. Notifications are delivered from the provider's goroutine.
	Listen(fn func(domainauth.AuthEvent)) (unlisten func())
}

// SessionStore persists the provider's current session between process runs.
type SessionStore interface {
	Save(ctx context.Context, key string, sess domainauth.Session) error
	Get(ctx context.Context, key string) (domainauth.Session, error)
	Delete(ctx context.Context, key string) error
}

// KeyValueStore is the persisted store behind the local profile cache.
// Get returns nil bytes and no error when the key is absent.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
