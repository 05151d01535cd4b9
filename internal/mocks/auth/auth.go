package auth

// Package auth contains simple hand-written test doubles for identity ports.
// These are lightweight and suitable for unit tests without codegen.

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/target/stockroom/internal/adapters/authevents"
	domainauth "github.com/target/stockroom/internal/domain/auth"
	"github.com/target/stockroom/internal/ports"
)

// Ensure compile-time conformance to ports.
var (
	_ ports.IdentityProvider = (*FakeIdentityProvider)(nil)
	_ ports.SessionStore     = (*MemorySessionStore)(nil)
)

// FakeIdentityProvider simulates an identity provider with a single account.
// Successful sign-in and sign-out emit SIGNED_IN and SIGNED_OUT unless
// Silent is set.
type FakeIdentityProvider struct {
	CurrentFunc  func(ctx context.Context) (*domainauth.Session, error)
	ExchangeFunc func(ctx context.Context, email, password string) (domainauth.Session, error)
	EndFunc      func(ctx context.Context) error

	// Account accepted by ExchangeCredentials when ExchangeFunc is nil.
	Email    string
	Password string
	User     domainauth.SessionUser
	Silent   bool

	hub *authevents.Hub

	mu            sync.Mutex
	session       *domainauth.Session
	exchangeCalls int
	endCalls      int
}

// NewFakeIdentityProvider creates a provider that accepts mock.user@example.com / secret.
func NewFakeIdentityProvider() *FakeIdentityProvider {
	return &FakeIdentityProvider{
		Email:    "mock.user@example.com",
		Password: "secret",
		User:     domainauth.SessionUser{ID: "mock-user-1", Email: "mock.user@example.com"},
		hub:      authevents.NewHub(),
	}
}

// SetSession replaces the current session without emitting an event.
func (p *FakeIdentityProvider) SetSession(sess *domainauth.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = sess
}

// Emit delivers ev to listeners asynchronously.
func (p *FakeIdentityProvider) Emit(ev domainauth.AuthEvent) { p.hub.Emit(ev) }

// Flush waits for every emitted event to be delivered.
func (p *FakeIdentityProvider) Flush() { p.hub.Flush() }

// Close stops event delivery.
func (p *FakeIdentityProvider) Close() { p.hub.Close() }

// ExchangeCalls returns how many times ExchangeCredentials ran.
func (p *FakeIdentityProvider) ExchangeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchangeCalls
}

// EndCalls returns how many times EndSession ran.
func (p *FakeIdentityProvider) EndCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endCalls
}

func (p *FakeIdentityProvider) CurrentSession(ctx context.Context) (*domainauth.Session, error) {
	if p.CurrentFunc != nil {
		return p.CurrentFunc(ctx)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil, nil
	}
	sess := *p.session
	return &sess, nil
}

func (p *FakeIdentityProvider) ExchangeCredentials(ctx context.Context, email, password string) (domainauth.Session, error) {
	p.mu.Lock()
	p.exchangeCalls++
	p.mu.Unlock()

	var (
		sess domainauth.Session
		err  error
	)
	if p.ExchangeFunc != nil {
		sess, err = p.ExchangeFunc(ctx, email, password)
	} else if email != p.Email || password != p.Password {
		err = ports.ErrBadCredentials
	} else {
		sess = domainauth.Session{
			AccessToken: "access-" + p.User.ID,
			TokenType:   "Bearer",
			ExpiresAt:   time.Now().Add(time.Hour),
			User:        p.User,
		}
	}
	if err != nil {
		return domainauth.Session{}, err
	}

	p.SetSession(&sess)
	if !p.Silent {
		out := sess
		p.hub.Emit(domainauth.AuthEvent{Kind: domainauth.EventSignedIn, Session: &out})
	}
	return sess, nil
}

func (p *FakeIdentityProvider) EndSession(ctx context.Context) error {
	p.mu.Lock()
	p.endCalls++
	p.mu.Unlock()

	if p.EndFunc != nil {
		if err := p.EndFunc(ctx); err != nil {
			return err
		}
	}
	p.SetSession(nil)
	if !p.Silent {
		p.hub.Emit(domainauth.AuthEvent{Kind: domainauth.EventSignedOut})
	}
	return nil
}

func (p *FakeIdentityProvider) Listen(fn func(domainauth.AuthEvent)) func() {
	return p.hub.Listen(fn)
}

// MemorySessionStore is an in-memory session store for unit tests.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]domainauth.Session
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]domainauth.Session),
	}
}

func (m *MemorySessionStore) Save(_ context.Context, key string, sess domainauth.Session) error {
	if key == "" {
		return errors.New("session key cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[key] = sess
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, key string) (domainauth.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[key]
	if !ok {
		return domainauth.Session{}, ErrNotFound
	}
	return sess, nil
}

func (m *MemorySessionStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	return nil
}

// ErrNotFound is returned by mocks when an entity is not present.
type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

func (notFoundError) Is(target error) bool { return target == ports.ErrSessionNotFound }

var ErrNotFound error = notFoundError{}
