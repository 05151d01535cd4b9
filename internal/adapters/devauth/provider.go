package devauth

// Package devauth provides a config-driven identity provider for local development.
// It accepts a single configured account and mints HS256 access tokens locally.

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/target/stockroom/internal/adapters/authevents"
	"github.com/target/stockroom/internal/clock"
	domainauth "github.com/target/stockroom/internal/domain/auth"
	"github.com/target/stockroom/internal/ports"
)

const (
	issuer               = "stockroom-devauth"
	defaultTokenTTL      = time.Hour
	defaultRefreshLeeway = time.Minute
)

var _ ports.IdentityProvider = (*Provider)(nil)

// ErrInvalidToken indicates an access token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// Config controls the dev auth provider behavior.
// UserID, Email, Password and SigningKey are required.
type Config struct {
	UserID     string
	Email      string
	Password   string
	SigningKey string
	// TokenTTL is the access token lifetime. Default 1h.
	TokenTTL time.Duration
	// RefreshLeeway is how long before expiry the token is re-minted. Default 1m.
	RefreshLeeway time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Claims are the access token claims minted by the provider.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Provider implements ports.IdentityProvider for local development.
type Provider struct {
	user     domainauth.SessionUser
	password string
	key      []byte
	ttl      time.Duration
	leeway   time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	hub      *authevents.Hub

	mu      sync.Mutex
	session *domainauth.Session
	timer   clock.Timer
	closed  bool
}

// NewProvider constructs a dev auth provider from Config.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.UserID == "" {
		return nil, errors.New("dev auth: UserID is required")
	}
	if cfg.Email == "" {
		return nil, errors.New("dev auth: Email is required")
	}
	if cfg.Password == "" {
		return nil, errors.New("dev auth: Password is required")
	}
	if len(cfg.SigningKey) < 16 {
		return nil, errors.New("dev auth: SigningKey must be at least 16 bytes")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	leeway := cfg.RefreshLeeway
	if leeway <= 0 || leeway >= ttl {
		leeway = min(defaultRefreshLeeway, ttl/2)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		user:     domainauth.SessionUser{ID: cfg.UserID, Email: cfg.Email},
		password: cfg.Password,
		key:      []byte(cfg.SigningKey),
		ttl:      ttl,
		leeway:   leeway,
		clock:    clk,
		logger:   logger.With("component", "devauth"),
		hub:      authevents.NewHub(),
	}, nil
}

// Listen registers fn for session change notifications.
func (p *Provider) Listen(fn func(domainauth.AuthEvent)) func() {
	return p.hub.Listen(fn)
}

// CurrentSession returns the signed-in session, re-minting an expired token.
// A stored token that no longer verifies ends the session.
func (p *Provider) CurrentSession(ctx context.Context) (*domainauth.Session, error) {
	p.mu.Lock()
	if p.session == nil {
		p.mu.Unlock()
		return nil, nil
	}
	out := *p.session
	p.mu.Unlock()

	if !out.Expired(p.clock.Now()) {
		if _, err := p.ParseAccessToken(out.AccessToken); err != nil && !errors.Is(err, jwt.ErrTokenExpired) {
			p.logger.WarnContext(ctx, "stored dev token failed verification; signing out", "error", err)
			if endErr := p.EndSession(ctx); endErr != nil {
				return nil, endErr
			}
			return nil, nil
		}
		return &out, nil
	}

	sess, err := p.reissue(domainauth.EventTokenRefreshed)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ExchangeCredentials accepts only the configured account.
func (p *Provider) ExchangeCredentials(_ context.Context, email, password string) (domainauth.Session, error) {
	emailOK := strings.EqualFold(strings.TrimSpace(email), p.user.Email)
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(p.password)) == 1
	if !emailOK || !passOK {
		return domainauth.Session{}, ports.ErrBadCredentials
	}
	return p.reissue(domainauth.EventSignedIn)
}

// EndSession signs out and emits SIGNED_OUT.
func (p *Provider) EndSession(_ context.Context) error {
	p.mu.Lock()
	p.stopTimerLocked()
	p.session = nil
	p.mu.Unlock()
	p.hub.Emit(domainauth.AuthEvent{Kind: domainauth.EventSignedOut})
	return nil
}

// Close stops the refresh timer and event delivery.
func (p *Provider) Close() {
	p.mu.Lock()
	p.closed = true
	p.stopTimerLocked()
	p.mu.Unlock()
	p.hub.Close()
}

// ParseAccessToken verifies a token minted by this provider.
func (p *Provider) ParseAccessToken(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return p.key, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(p.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (p *Provider) reissue(kind domainauth.AuthEventKind) (domainauth.Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domainauth.Session{}, errors.New("dev auth: provider closed")
	}
	sess, err := p.mint()
	if err != nil {
		p.mu.Unlock()
		return domainauth.Session{}, err
	}
	p.session = &sess
	p.scheduleRefreshLocked(sess)
	p.mu.Unlock()

	out := sess
	p.hub.Emit(domainauth.AuthEvent{Kind: kind, Session: &out})
	return sess, nil
}

func (p *Provider) mint() (domainauth.Session, error) {
	now := p.clock.Now().UTC()
	expiresAt := now.Add(p.ttl)
	claims := Claims{
		Email: p.user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   p.user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.key)
	if err != nil {
		return domainauth.Session{}, fmt.Errorf("sign token: %w", err)
	}
	return domainauth.Session{
		AccessToken:  signed,
		RefreshToken: uuid.NewString(),
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
		User:         p.user,
	}, nil
}

func (p *Provider) scheduleRefreshLocked(sess domainauth.Session) {
	p.stopTimerLocked()
	token := sess.AccessToken
	p.timer = p.clock.AfterFunc(p.ttl-p.leeway, func() {
		p.mu.Lock()
		current := p.session != nil && p.session.AccessToken == token
		p.mu.Unlock()
		if !current {
			return
		}
		if _, err := p.reissue(domainauth.EventTokenRefreshed); err != nil {
			p.logger.Warn("dev token refresh failed", "error", err)
		}
	})
}

func (p *Provider) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
