package devauth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/stockroom/internal/clock"
	domainauth "github.com/target/stockroom/internal/domain/auth"
	"github.com/target/stockroom/internal/ports"
)

func newTestProvider(t *testing.T) (*Provider, *clock.Fake, *[]domainauth.AuthEventKind, *sync.Mutex) {
	t.Helper()
	fake := clock.NewFake(time.Now())
	prov, err := NewProvider(Config{
		UserID:     "dev-user",
		Email:      "dev@example.com",
		Password:   "dev-password",
		SigningKey: "0123456789abcdef0123456789abcdef",
		TokenTTL:   10 * time.Minute,
		Clock:      fake,
	})
	require.NoError(t, err)
	t.Cleanup(prov.Close)

	var (
		mu    sync.Mutex
		kinds []domainauth.AuthEventKind
	)
	prov.Listen(func(ev domainauth.AuthEvent) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
	})
	return prov, fake, &kinds, &mu
}

func TestNewProvider_Validation(t *testing.T) {
	valid := Config{UserID: "u", Email: "e@example.com", Password: "p", SigningKey: "0123456789abcdef"}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing user id", func(c *Config) { c.UserID = "" }},
		{"missing email", func(c *Config) { c.Email = "" }},
		{"missing password", func(c *Config) { c.Password = "" }},
		{"short signing key", func(c *Config) { c.SigningKey = "short" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := NewProvider(cfg)
			require.Error(t, err)
		})
	}

	prov, err := NewProvider(valid)
	require.NoError(t, err)
	prov.Close()
}

func TestProvider_ExchangeCredentials(t *testing.T) {
	prov, _, kinds, mu := newTestProvider(t)
	ctx := context.Background()

	sess, err := prov.ExchangeCredentials(ctx, " DEV@example.com ", "dev-password")
	require.NoError(t, err)
	assert.Equal(t, domainauth.SessionUser{ID: "dev-user", Email: "dev@example.com"}, sess.User)
	assert.Equal(t, "Bearer", sess.TokenType)
	assert.NotEmpty(t, sess.RefreshToken)

	claims, err := prov.ParseAccessToken(sess.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "dev-user", claims.Subject)
	assert.Equal(t, "dev@example.com", claims.Email)
	assert.WithinDuration(t, sess.ExpiresAt, claims.ExpiresAt.Time, time.Second)

	current, err := prov.CurrentSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, sess.AccessToken, current.AccessToken)

	prov.hub.Flush()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domainauth.AuthEventKind{domainauth.EventSignedIn}, *kinds)
}

func TestProvider_RejectsWrongCredentials(t *testing.T) {
	prov, _, _, _ := newTestProvider(t)

	_, err := prov.ExchangeCredentials(context.Background(), "dev@example.com", "nope")
	assert.ErrorIs(t, err, ports.ErrBadCredentials)

	_, err = prov.ExchangeCredentials(context.Background(), "other@example.com", "dev-password")
	assert.ErrorIs(t, err, ports.ErrBadCredentials)

	current, err := prov.CurrentSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestProvider_RefreshTimerReissuesToken(t *testing.T) {
	prov, fake, kinds, mu := newTestProvider(t)
	ctx := context.Background()

	first, err := prov.ExchangeCredentials(ctx, "dev@example.com", "dev-password")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{9 * time.Minute}, fake.Pending())

	fake.Advance(9 * time.Minute)

	current, err := prov.CurrentSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.NotEqual(t, first.AccessToken, current.AccessToken)

	prov.hub.Flush()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domainauth.AuthEventKind{domainauth.EventSignedIn, domainauth.EventTokenRefreshed}, *kinds)
}

func TestProvider_EndSession(t *testing.T) {
	prov, fake, kinds, mu := newTestProvider(t)
	ctx := context.Background()

	_, err := prov.ExchangeCredentials(ctx, "dev@example.com", "dev-password")
	require.NoError(t, err)
	require.NoError(t, prov.EndSession(ctx))
	assert.Empty(t, fake.Pending())

	current, err := prov.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)

	prov.hub.Flush()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domainauth.AuthEventKind{domainauth.EventSignedIn, domainauth.EventSignedOut}, *kinds)
}

func TestProvider_CurrentSessionDropsUnverifiableToken(t *testing.T) {
	prov, fake, kinds, mu := newTestProvider(t)
	ctx := context.Background()

	_, err := prov.ExchangeCredentials(ctx, "dev@example.com", "dev-password")
	require.NoError(t, err)

	prov.mu.Lock()
	prov.session.AccessToken += "x"
	prov.mu.Unlock()

	current, err := prov.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)
	assert.Empty(t, fake.Pending())

	prov.hub.Flush()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domainauth.AuthEventKind{domainauth.EventSignedIn, domainauth.EventSignedOut}, *kinds)
}

func TestProvider_ParseAccessTokenRejectsForeignTokens(t *testing.T) {
	prov, _, _, _ := newTestProvider(t)
	other, err := NewProvider(Config{
		UserID: "dev-user", Email: "dev@example.com", Password: "p",
		SigningKey: "ffffffffffffffffffffffffffffffff",
	})
	require.NoError(t, err)
	defer other.Close()

	sess, err := other.ExchangeCredentials(context.Background(), "dev@example.com", "p")
	require.NoError(t, err)

	_, err = prov.ParseAccessToken(sess.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = prov.ParseAccessToken("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
