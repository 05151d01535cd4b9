// Package redis holds the Redis-backed session store, profile cache and
// change-event transport.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/stockroom/internal/clock"
	domainauth "github.com/target/stockroom/internal/domain/auth"
	apperrors "github.com/target/stockroom/internal/errors"
	"github.com/target/stockroom/internal/ports"
)

// DefaultSessionPrefix namespaces persisted identity sessions.
const DefaultSessionPrefix = "stockroom:session:"

// ErrNotFound is returned for missing, expired and unreadable sessions.
var ErrNotFound = fmt.Errorf("redis: %w", ports.ErrSessionNotFound)

var errSessionExpired = errors.New("session is expired")

var _ ports.SessionStore = (*SessionStore)(nil)

// SessionStore persists identity provider sessions so a restarted agent can
// resume sign-in. Entries expire with the session plus Grace.
type SessionStore struct {
	client redis.UniversalClient
	prefix string
	grace  time.Duration
	clock  clock.Clock
}

// SessionStoreOptions groups optional settings for SessionStore. Grace keeps
// an entry past ExpiresAt so its refresh token stays usable.
type SessionStoreOptions struct {
	Prefix string
	Grace  time.Duration
	Clock  clock.Clock
}

// NewSessionStore creates a session store on client.
func NewSessionStore(client redis.UniversalClient, opts SessionStoreOptions) *SessionStore {
	s := &SessionStore{client: client, prefix: opts.Prefix, grace: max(opts.Grace, 0), clock: opts.Clock}
	if s.prefix == "" {
		s.prefix = DefaultSessionPrefix
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	return s
}

// Save stores sess under key. A session without ExpiresAt never expires.
func (s *SessionStore) Save(ctx context.Context, key string, sess domainauth.Session) error {
	switch {
	case key == "":
		return apperrors.Validation("session key is required")
	case sess.AccessToken == "":
		return apperrors.Validation("session access token is required")
	}

	ttl, err := s.ttl(sess)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err = s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

// Get loads the session under key. Expired or unreadable entries are deleted
// and reported as ErrNotFound.
func (s *SessionStore) Get(ctx context.Context, key string) (domainauth.Session, error) {
	if key == "" {
		return domainauth.Session{}, ErrNotFound
	}

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domainauth.Session{}, ErrNotFound
	}
	if err != nil {
		return domainauth.Session{}, fmt.Errorf("redis get session: %w", err)
	}

	var sess domainauth.Session
	if err = json.Unmarshal(data, &sess); err != nil {
		return domainauth.Session{}, s.discard(ctx, key, "corrupt")
	}
	if _, err = s.ttl(sess); err != nil {
		return domainauth.Session{}, s.discard(ctx, key, "expired")
	}
	return sess, nil
}

// Delete removes the session under key. Missing keys are not an error.
func (s *SessionStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

// ttl is the remaining lifetime of sess including grace; zero means no expiry.
func (s *SessionStore) ttl(sess domainauth.Session) (time.Duration, error) {
	if sess.ExpiresAt.IsZero() {
		return 0, nil
	}
	left := sess.ExpiresAt.Add(s.grace).Sub(s.clock.Now())
	if left <= 0 {
		return 0, errSessionExpired
	}
	return left, nil
}

func (s *SessionStore) discard(ctx context.Context, key, reason string) error {
	if err := s.Delete(ctx, key); err != nil {
		return fmt.Errorf("drop %s session: %w", reason, err)
	}
	return ErrNotFound
}
