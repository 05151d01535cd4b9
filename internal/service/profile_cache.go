package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	domainauth "github.com/target/stockroom/internal/domain/auth"
	"github.com/target/stockroom/internal/ports"
)

// DefaultProfileCacheKey is the single entry that holds the cached profile.
const DefaultProfileCacheKey = "stockroom:profile:current"

var errMalformedCachedProfile = errors.New("cached profile is malformed")

// ProfileCacheOptions groups dependencies for ProfileCache.
type ProfileCacheOptions struct {
	Store  ports.KeyValueStore
	Key    string        // defaults to DefaultProfileCacheKey
	TTL    time.Duration // zero keeps the entry until cleared
	Logger *slog.Logger
}

// ProfileCache holds the last known-good profile outside process memory.
// Every write stores a full replacement value, so concurrent writers can
// only ever race to a whole profile, never a mix of two.
type ProfileCache struct {
	store  ports.KeyValueStore
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

// NewProfileCache constructs a ProfileCache.
func NewProfileCache(opts ProfileCacheOptions) *ProfileCache {
	key := opts.Key
	if key == "" {
		key = DefaultProfileCacheKey
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfileCache{
		store:  opts.Store,
		key:    key,
		ttl:    opts.TTL,
		logger: logger.With("component", "profile_cache"),
	}
}

// Read returns the cached profile, or nil when there is none. A stored value
// that cannot be decoded or fails the structural check is deleted.
func (c *ProfileCache) Read(ctx context.Context) *domainauth.Profile {
	data, err := c.store.Get(ctx, c.key)
	if err != nil {
		c.logger.WarnContext(ctx, "read cached profile failed", "error", err)
		return nil
	}
	if data == nil {
		return nil
	}

	profile, err := decodeCachedProfile(data)
	if err != nil {
		c.logger.WarnContext(ctx, "discarding corrupt cached profile", "error", err)
		if delErr := c.store.Delete(ctx, c.key); delErr != nil {
			c.logger.WarnContext(ctx, "delete corrupt cached profile failed", "error", delErr)
		}
		return nil
	}
	return &profile
}

// Write stores profile as the new cached value.
func (c *ProfileCache) Write(ctx context.Context, profile domainauth.Profile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal cached profile: %w", err)
	}
	if err := c.store.Set(ctx, c.key, data, c.ttl); err != nil {
		return fmt.Errorf("write cached profile: %w", err)
	}
	return nil
}

// Clear removes the cached profile.
func (c *ProfileCache) Clear(ctx context.Context) error {
	if err := c.store.Delete(ctx, c.key); err != nil {
		return fmt.Errorf("clear cached profile: %w", err)
	}
	return nil
}

// decodeCachedProfile accepts only a record where id is a string, role is a
// string or null, and email is a string, null or absent.
func decodeCachedProfile(data []byte) (domainauth.Profile, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return domainauth.Profile{}, fmt.Errorf("%w: %w", errMalformedCachedProfile, err)
	}
	if raw == nil {
		return domainauth.Profile{}, fmt.Errorf("%w: not an object", errMalformedCachedProfile)
	}
	if _, ok := raw["id"].(string); !ok {
		return domainauth.Profile{}, fmt.Errorf("%w: id must be a string", errMalformedCachedProfile)
	}
	if !isStringOrNull(raw, "role", false) {
		return domainauth.Profile{}, fmt.Errorf("%w: role must be a string or null", errMalformedCachedProfile)
	}
	if !isStringOrNull(raw, "email", true) {
		return domainauth.Profile{}, fmt.Errorf("%w: email must be a string or null", errMalformedCachedProfile)
	}

	var profile domainauth.Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return domainauth.Profile{}, fmt.Errorf("%w: %w", errMalformedCachedProfile, err)
	}
	// A null role means no role; a stored empty string is returned as written.
	if raw["role"] == nil {
		profile.Role = domainauth.RoleNone
	}
	return profile, nil
}

func isStringOrNull(raw map[string]any, field string, allowMissing bool) bool {
	v, present := raw[field]
	if !present {
		return allowMissing
	}
	if v == nil {
		return true
	}
	_, ok := v.(string)
	return ok
}
