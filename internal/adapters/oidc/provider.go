package oidc

// Package oidc provides an OIDC/OAuth2 identity provider for the stockroom agent.
// Credentials are exchanged with the resource owner password grant and the
// resulting session is refreshed in the background before it expires.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/target/stockroom/internal/adapters/authevents"
	"github.com/target/stockroom/internal/clock"
	domainauth "github.com/target/stockroom/internal/domain/auth"
	"github.com/target/stockroom/internal/ports"
	"golang.org/x/oauth2"
)

const (
	defaultRefreshLeeway = time.Minute
	defaultStoreKey      = "agent"
	minRefreshRetry      = 5 * time.Second
)

var _ ports.IdentityProvider = (*Provider)(nil)

// Provider implements ports.IdentityProvider using OIDC/OAuth2.
type Provider struct {
	config     *oauth2.Config
	httpClient *http.Client

	// go-oidc provider and verifier
	oidcProvider *gooidc.Provider
	verifier     *gooidc.IDTokenVerifier

	store    ports.SessionStore
	storeKey string
	leeway   time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	hub      *authevents.Hub

	refreshMu sync.Mutex

	mu      sync.Mutex
	session *domainauth.Session
	loaded  bool
	timer   clock.Timer
	closed  bool
}

// ProviderConfig holds configuration for the OIDC provider.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	Scope        string
	DiscoveryURL string
	// RefreshLeeway is how long before expiry the session is refreshed. Default 1m.
	RefreshLeeway time.Duration
	// Store persists the session across restarts. Optional.
	Store    ports.SessionStore
	StoreKey string
	// HTTPClient is optional and defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger
}

// DiscoveryDocument represents the OIDC discovery document.
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JwksURI               string `json:"jwks_uri"`
}

// NewProvider creates a new OIDC provider. Discovery runs once, here.
func NewProvider(config ProviderConfig) (*Provider, error) {
	if config.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if config.DiscoveryURL == "" {
		return nil, errors.New("discovery URL is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	leeway := config.RefreshLeeway
	if leeway <= 0 {
		leeway = defaultRefreshLeeway
	}
	storeKey := config.StoreKey
	if storeKey == "" {
		storeKey = defaultStoreKey
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Provider{
		httpClient: httpClient,
		store:      config.Store,
		storeKey:   storeKey,
		leeway:     leeway,
		clock:      clk,
		logger:     logger.With("component", "oidc_provider"),
		hub:        authevents.NewHub(),
	}

	issuer := strings.TrimSuffix(config.DiscoveryURL, "/")
	issuer = strings.TrimSuffix(issuer, "/.well-known/openid-configuration")
	issuer = strings.TrimSuffix(issuer, ".well-known/openid-configuration")
	op, err := gooidc.NewProvider(p.clientContext(context.Background()), issuer)
	if err != nil {
		p.hub.Close()
		return nil, fmt.Errorf("oidc new provider: %w", err)
	}
	p.oidcProvider = op
	p.verifier = op.Verifier(&gooidc.Config{ClientID: config.ClientID})

	p.config = &oauth2.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		Scopes:       strings.Fields(config.Scope),
		Endpoint:     op.Endpoint(),
	}

	return p, nil
}

// Listen registers fn for session change notifications.
func (p *Provider) Listen(fn func(domainauth.AuthEvent)) func() {
	return p.hub.Listen(fn)
}

// CurrentSession returns the live session, restoring it from the store on
// first use. An expired session is refreshed inline when possible.
func (p *Provider) CurrentSession(ctx context.Context) (*domainauth.Session, error) {
	if err := p.restore(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	sess := p.session
	p.mu.Unlock()
	if sess == nil {
		return nil, nil
	}
	if !sess.Expired(p.clock.Now()) {
		out := *sess
		return &out, nil
	}

	refreshed, err := p.refresh(ctx, *sess)
	if err != nil {
		if isInvalidGrant(err) {
			p.drop(ctx)
			return nil, nil
		}
		return nil, fmt.Errorf("refresh expired session: %w", err)
	}
	return &refreshed, nil
}

// ExchangeCredentials signs in with the password grant and emits SIGNED_IN.
func (p *Provider) ExchangeCredentials(ctx context.Context, email, password string) (domainauth.Session, error) {
	if email == "" || password == "" {
		return domainauth.Session{}, ports.ErrBadCredentials
	}

	tok, err := p.config.PasswordCredentialsToken(p.clientContext(ctx), email, password)
	if err != nil {
		if isInvalidGrant(err) {
			return domainauth.Session{}, fmt.Errorf("%w: %w", ports.ErrBadCredentials, err)
		}
		return domainauth.Session{}, fmt.Errorf("password grant: %w", err)
	}

	user, err := p.identify(ctx, tok)
	if err != nil {
		return domainauth.Session{}, err
	}
	if user.Email == "" {
		user.Email = email
	}

	sess := p.sessionFromToken(tok, user)
	p.install(ctx, sess)
	p.hub.Emit(domainauth.AuthEvent{Kind: domainauth.EventSignedIn, Session: &sess})
	return sess, nil
}

// EndSession forgets the session locally and in the store, then emits SIGNED_OUT.
func (p *Provider) EndSession(ctx context.Context) error {
	p.mu.Lock()
	p.stopTimerLocked()
	p.session = nil
	p.loaded = true
	p.mu.Unlock()

	var err error
	if p.store != nil {
		if delErr := p.store.Delete(ctx, p.storeKey); delErr != nil {
			err = fmt.Errorf("delete stored session: %w", delErr)
		}
	}
	p.hub.Emit(domainauth.AuthEvent{Kind: domainauth.EventSignedOut})
	return err
}

// Close stops the refresh timer and event delivery.
func (p *Provider) Close() {
	p.mu.Lock()
	p.closed = true
	p.stopTimerLocked()
	p.mu.Unlock()
	p.hub.Close()
}

func (p *Provider) restore(ctx context.Context) error {
	p.mu.Lock()
	if p.loaded {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	var restored *domainauth.Session
	if p.store != nil {
		sess, err := p.store.Get(ctx, p.storeKey)
		switch {
		case err == nil:
			restored = &sess
		case errors.Is(err, ports.ErrSessionNotFound):
		default:
			return fmt.Errorf("load stored session: %w", err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return nil
	}
	p.loaded = true
	p.session = restored
	if restored != nil {
		p.scheduleRefreshLocked(*restored)
	}
	return nil
}

// install makes sess current, persists it and arms the refresh timer.
func (p *Provider) install(ctx context.Context, sess domainauth.Session) {
	p.mu.Lock()
	p.session = &sess
	p.loaded = true
	p.scheduleRefreshLocked(sess)
	p.mu.Unlock()

	if p.store == nil {
		return
	}
	if err := p.store.Save(ctx, p.storeKey, sess); err != nil {
		p.logger.WarnContext(ctx, "persist session failed", "user_id", sess.User.ID, "error", err)
	}
}

func (p *Provider) drop(ctx context.Context) {
	p.mu.Lock()
	p.stopTimerLocked()
	p.session = nil
	p.mu.Unlock()
	if p.store != nil {
		if err := p.store.Delete(ctx, p.storeKey); err != nil {
			p.logger.WarnContext(ctx, "delete stored session failed", "error", err)
		}
	}
	p.hub.Emit(domainauth.AuthEvent{Kind: domainauth.EventSignedOut})
}

func (p *Provider) scheduleRefreshLocked(sess domainauth.Session) {
	p.stopTimerLocked()
	if p.closed || sess.RefreshToken == "" || sess.ExpiresAt.IsZero() {
		return
	}
	delay := sess.ExpiresAt.Sub(p.clock.Now()) - p.leeway
	if delay < 0 {
		delay = 0
	}
	p.timer = p.clock.AfterFunc(delay, func() { p.backgroundRefresh(sess.AccessToken) })
}

func (p *Provider) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// backgroundRefresh runs from the refresh timer. accessToken identifies the
// session the timer was armed for so a stale timer does nothing.
func (p *Provider) backgroundRefresh(accessToken string) {
	ctx := context.Background()
	p.mu.Lock()
	if p.closed || p.session == nil || p.session.AccessToken != accessToken {
		p.mu.Unlock()
		return
	}
	sess := *p.session
	p.mu.Unlock()

	if _, err := p.refresh(ctx, sess); err != nil {
		if isInvalidGrant(err) {
			p.logger.WarnContext(ctx, "refresh token rejected; signing out", "user_id", sess.User.ID, "error", err)
			p.drop(ctx)
			return
		}
		p.logger.WarnContext(ctx, "session refresh failed", "user_id", sess.User.ID, "error", err)
		p.mu.Lock()
		if !p.closed && p.session != nil && p.session.AccessToken == accessToken {
			retry := max(p.leeway/2, minRefreshRetry)
			p.timer = p.clock.AfterFunc(retry, func() { p.backgroundRefresh(accessToken) })
		}
		p.mu.Unlock()
	}
}

// refresh exchanges the refresh token, installs the new session and emits TOKEN_REFRESHED.
// Refreshes are serialized; a caller whose session was already replaced gets the replacement.
func (p *Provider) refresh(ctx context.Context, sess domainauth.Session) (domainauth.Session, error) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	p.mu.Lock()
	current := p.session
	p.mu.Unlock()
	if current == nil {
		return domainauth.Session{}, errors.New("session ended during refresh")
	}
	if current.AccessToken != sess.AccessToken {
		return *current, nil
	}
	if sess.RefreshToken == "" {
		return domainauth.Session{}, errors.New("session has no refresh token")
	}
	src := p.config.TokenSource(p.clientContext(ctx), &oauth2.Token{
		RefreshToken: sess.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return domainauth.Session{}, err
	}

	user := sess.User
	if fields, idErr := p.extractFromIDToken(ctx, tok); idErr == nil && fields.userID != "" {
		user = domainauth.SessionUser{ID: fields.userID, Email: firstNonEmpty(fields.email, user.Email)}
	}
	next := p.sessionFromToken(tok, user)
	if next.RefreshToken == "" {
		next.RefreshToken = sess.RefreshToken
	}
	p.install(ctx, next)
	p.hub.Emit(domainauth.AuthEvent{Kind: domainauth.EventTokenRefreshed, Session: &next})
	return next, nil
}

func (p *Provider) sessionFromToken(tok *oauth2.Token, user domainauth.SessionUser) domainauth.Session {
	expiresAt := p.clock.Now().Add(time.Hour)
	if !tok.Expiry.IsZero() {
		expiresAt = tok.Expiry
	}
	idToken, _ := tok.Extra("id_token").(string)
	return domainauth.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      idToken,
		TokenType:    tok.Type(),
		ExpiresAt:    expiresAt,
		User:         user,
	}
}

// identify resolves the session user from the ID token, falling back to UserInfo.
func (p *Provider) identify(ctx context.Context, tok *oauth2.Token) (domainauth.SessionUser, error) {
	fields, err := p.extractFromIDToken(ctx, tok)
	if err != nil {
		return domainauth.SessionUser{}, fmt.Errorf("extract id_token: %w", err)
	}
	if fields.email == "" || fields.userID == "" {
		if fillErr := p.fillFromUserInfo(ctx, tok.AccessToken, &fields); fillErr != nil {
			return domainauth.SessionUser{}, fmt.Errorf("get user info: %w", fillErr)
		}
	}
	if fields.userID == "" {
		return domainauth.SessionUser{}, errors.New("identity provider returned no subject")
	}
	return domainauth.SessionUser{ID: fields.userID, Email: fields.email}, nil
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// UserInfo represents the user information from the OIDC userinfo endpoint.
type UserInfo struct {
	Subject        string `json:"sub"`
	SamAccountName string `json:"samaccountname"`
	Mail           string `json:"mail"`
	Email          string `json:"email"`
}

func (p *Provider) getUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	ui, err := p.oidcProvider.UserInfo(
		p.clientContext(ctx),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	var userInfo UserInfo
	if claimsErr := ui.Claims(&userInfo); claimsErr != nil {
		return nil, fmt.Errorf("decode user info: %w", claimsErr)
	}
	return &userInfo, nil
}

type idFields struct {
	userID string
	email  string
}

func (p *Provider) extractFromIDToken(ctx context.Context, tok *oauth2.Token) (idFields, error) {
	var f idFields
	if !p.hasOpenIDScope() {
		return f, nil
	}
	rawID, err := getIDTokenFromToken(tok)
	if err != nil {
		return f, err
	}
	idTok, err := p.verifier.Verify(p.clientContext(ctx), rawID)
	if err != nil {
		return f, fmt.Errorf("verify id_token: %w", err)
	}
	var claims idTokenClaims
	if claimsErr := idTok.Claims(&claims); claimsErr != nil {
		return f, fmt.Errorf("parse id_token claims: %w", claimsErr)
	}
	return mapIDTokenClaims(claims), nil
}

func (p *Provider) fillFromUserInfo(ctx context.Context, accessToken string, f *idFields) error {
	ui, err := p.getUserInfo(ctx, accessToken)
	if err != nil {
		return err
	}
	fillFromUserInfoClaims(f, *ui)
	return nil
}

// idTokenClaims covers both standard OIDC and AD/ADFS claim shapes.
type idTokenClaims struct {
	Sub            string `json:"sub"`
	SamAccountName string `json:"samaccountname"`
	Mail           string `json:"mail"`
	Email          string `json:"email"`
}

func mapIDTokenClaims(c idTokenClaims) idFields {
	return idFields{
		userID: firstNonEmpty(c.Sub, c.SamAccountName),
		email:  firstNonEmpty(c.Email, c.Mail),
	}
}

func fillFromUserInfoClaims(f *idFields, ui UserInfo) {
	if f.userID == "" {
		f.userID = firstNonEmpty(ui.Subject, ui.SamAccountName)
	}
	if f.email == "" {
		f.email = firstNonEmpty(ui.Email, ui.Mail)
	}
}

// firstNonEmpty returns the first non-empty string from vals, or empty string if none.
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// hasOpenIDScope reports whether the configured scopes include "openid".
func (p *Provider) hasOpenIDScope() bool {
	for _, sc := range p.config.Scopes {
		if sc == "openid" {
			return true
		}
	}
	return false
}

// getIDTokenFromToken extracts the id_token from oauth2.Token.
func getIDTokenFromToken(tok *oauth2.Token) (string, error) {
	if tok == nil {
		return "", errors.New("nil token")
	}
	s, ok := tok.Extra("id_token").(string)
	if !ok || s == "" {
		return "", errors.New("missing id_token in token response")
	}
	return s, nil
}

// isInvalidGrant reports whether the token endpoint rejected the grant itself
// rather than failing transiently.
func isInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	switch re.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	}
	if re.ErrorCode == "" && re.Response != nil {
		return re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized
	}
	return false
}
