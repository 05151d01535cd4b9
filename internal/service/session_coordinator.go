package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	domainauth "github.com/target/stockroom/internal/domain/auth"
	apperrors "github.com/target/stockroom/internal/errors"
	"github.com/target/stockroom/internal/observability/metrics"
	"github.com/target/stockroom/internal/observability/statsd"
	"github.com/target/stockroom/internal/ports"
	"github.com/target/stockroom/internal/timeout"
	"golang.org/x/time/rate"
)

// DefaultSessionTimeout bounds every identity provider call the coordinator makes.
const DefaultSessionTimeout = 20 * time.Second

// Reconciliation pass names used for logging and metrics.
const (
	passStartup  = "startup"
	passSignedIn = "signed_in"
	passLogin    = "login"
	passRefresh  = "refresh"
	passLogout   = "logout"
)

// SessionCoordinatorOptions groups dependencies for SessionCoordinator.
type SessionCoordinatorOptions struct {
	Provider       ports.IdentityProvider
	Resolver       *ProfileResolver
	Cache          *ProfileCache
	SessionTimeout time.Duration
	// RefreshLimiter drops background refresh events beyond its rate.
	// Nil allows every event through.
	RefreshLimiter *rate.Limiter
	Metrics        statsd.Sink
	Logger         *slog.Logger
}

// SessionCoordinator owns the authoritative (session, profile) pair and
// serializes every reconciliation pass through a ReconcileLock.
type SessionCoordinator struct {
	provider       ports.IdentityProvider
	resolver       *ProfileResolver
	cache          *ProfileCache
	lock           *ReconcileLock
	sessionTimeout time.Duration
	limiter        *rate.Limiter
	metrics        statsd.Sink
	logger         *slog.Logger

	mu       sync.RWMutex
	state    domainauth.CoordinatorState
	session  *domainauth.Session
	profile  *domainauth.Profile
	loading  bool
	lastErr  error
	warning  error
	epoch    uint64
	started  bool
	disposed bool
	handoff  *loginHandoff
	unlisten func()

	watchMu  sync.Mutex
	watchSeq int
	watchers map[int]func(domainauth.Snapshot)
}

// loginHandoff passes the lock held by Login to the SIGNED_IN reconciliation.
type loginHandoff struct {
	done    chan struct{}
	claimed bool
	err     error
}

// NewSessionCoordinator constructs a SessionCoordinator in the initializing state.
func NewSessionCoordinator(opts SessionCoordinatorOptions) *SessionCoordinator {
	c := &SessionCoordinator{
		provider:       opts.Provider,
		resolver:       opts.Resolver,
		cache:          opts.Cache,
		lock:           NewReconcileLock(),
		sessionTimeout: opts.SessionTimeout,
		limiter:        opts.RefreshLimiter,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		state:          domainauth.StateInitializing,
		loading:        true,
		watchers:       make(map[int]func(domainauth.Snapshot)),
	}
	if c.sessionTimeout <= 0 {
		c.sessionTimeout = DefaultSessionTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "session_coordinator")
	return c
}

// Snapshot returns a copy of the current session state.
func (c *SessionCoordinator) Snapshot() domainauth.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *SessionCoordinator) snapshotLocked() domainauth.Snapshot {
	snap := domainauth.Snapshot{
		State:     c.state,
		IsLoading: c.loading,
		Error:     c.lastErr,
		Warning:   c.warning,
	}
	if c.session != nil {
		sess := *c.session
		user := sess.User
		snap.Session = &sess
		snap.User = &user
	}
	if c.profile != nil {
		p := *c.profile
		snap.Profile = &p
	}
	return snap
}

// Watch registers fn to receive every snapshot change and returns a cancel func.
func (c *SessionCoordinator) Watch(fn func(domainauth.Snapshot)) func() {
	c.watchMu.Lock()
	c.watchSeq++
	id := c.watchSeq
	c.watchers[id] = fn
	c.watchMu.Unlock()

	return func() {
		c.watchMu.Lock()
		delete(c.watchers, id)
		c.watchMu.Unlock()
	}
}

func (c *SessionCoordinator) notify() {
	snap := c.Snapshot()
	c.watchMu.Lock()
	fns := make([]func(domainauth.Snapshot), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.watchMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// Init subscribes to provider notifications and runs the startup pass.
// Calling Init again, or while another pass holds the lock, is a no-op.
func (c *SessionCoordinator) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if !c.lock.TrySkip() {
		c.logger.DebugContext(ctx, "startup skipped: reconciliation in progress")
		return nil
	}
	defer c.lock.Release()

	unlisten := c.provider.Listen(func(ev domainauth.AuthEvent) {
		c.Dispatch(context.Background(), ev)
	})
	c.mu.Lock()
	c.unlisten = unlisten
	c.mu.Unlock()

	return c.startup(ctx)
}

// Dispose stops listening to the provider. The coordinator ignores events afterwards.
func (c *SessionCoordinator) Dispose() {
	c.mu.Lock()
	c.disposed = true
	unlisten := c.unlisten
	c.unlisten = nil
	c.mu.Unlock()

	if unlisten != nil {
		unlisten()
	}
}

func (c *SessionCoordinator) startup(ctx context.Context) error {
	start := time.Now()
	epoch := c.currentEpoch()
	c.setLoading(true)

	session, err := timeout.Run(ctx, c.sessionTimeout, apperrors.Timeout("session fetch"),
		func(ctx context.Context) (*domainauth.Session, error) {
			return c.provider.CurrentSession(ctx)
		})
	if err != nil {
		err = wrapProviderErr("session fetch", err)
		c.logger.ErrorContext(ctx, "startup session fetch failed", "error", err)
		c.commitUnauthenticated(epoch, err)
		c.emit(passStartup, metrics.ResultError, start, err)
		return err
	}

	if session == nil {
		c.startupWithoutSession(ctx, epoch)
		c.emit(passStartup, metrics.ResultSuccess, start, nil)
		return nil
	}

	result, reason := c.reconcileSession(ctx, epoch, *session)
	c.emit(passStartup, result, start, reason)
	return nil
}

// startupWithoutSession keeps a previously validated cached profile visible
// when the provider has no session to confirm.
func (c *SessionCoordinator) startupWithoutSession(ctx context.Context, epoch uint64) {
	cached := c.cache.Read(ctx)
	if cached != nil && cached.Valid() {
		c.logger.InfoContext(ctx, "no live session; using cached profile", "user_id", cached.ID)
		c.commit(epoch, func() {
			c.state = domainauth.StateDegraded
			c.session = nil
			c.profile = cached
			c.lastErr = nil
			c.warning = nil
		})
		return
	}
	if cached != nil {
		c.clearCache(ctx)
	}
	c.commitUnauthenticated(epoch, nil)
}

// reconcileSession resolves the profile for session and commits the outcome.
// It returns the metric result and, when the user ends up signed out, the
// reason. The caller must hold the lock.
func (c *SessionCoordinator) reconcileSession(ctx context.Context, epoch uint64, session domainauth.Session) (string, error) {
	user := session.User
	profile, err := c.resolver.Resolve(ctx, user.ID, user.Email)
	if err == nil && profile.Valid() {
		committed := c.commit(epoch, func() {
			c.state = domainauth.StateAuthenticated
			c.session = &session
			c.profile = &profile
			c.lastErr = nil
			c.warning = nil
		})
		if !committed {
			return metrics.ResultSkipped, nil
		}
		c.writeCache(ctx, profile)
		c.logger.InfoContext(ctx, "session authenticated", "user_id", user.ID, "role", profile.Role)
		return metrics.ResultSuccess, nil
	}
	if err == nil {
		err = apperrors.PersonInactive(profile.LinkedPersonID)
	}

	if apperrors.IsPersonInactive(err) {
		c.logger.WarnContext(ctx, "linked person inactive; signing out", "user_id", user.ID)
		c.forceSignOut(ctx, epoch, err)
		return metrics.ResultError, err
	}

	cached := c.cache.Read(ctx)
	if cached != nil && cached.MatchesUser(user) && cached.Valid() {
		code := apperrors.GetCode(err)
		if code == "" {
			code = apperrors.ErrCodeProvider
		}
		warning := apperrors.Wrap(err, code, "using cached profile; live profile unavailable")
		c.logger.WarnContext(ctx, "profile resolution failed; using cached profile",
			"user_id", user.ID, "error", err)
		c.commit(epoch, func() {
			c.state = domainauth.StateDegraded
			c.session = &session
			c.profile = cached
			c.lastErr = nil
			c.warning = warning
		})
		return metrics.ResultDegraded, nil
	}

	c.logger.WarnContext(ctx, "profile resolution failed; signing out locally", "user_id", user.ID, "error", err)
	c.clearCache(ctx)
	c.commitUnauthenticated(epoch, err)
	return metrics.ResultError, err
}

// Dispatch feeds one identity provider notification into the coordinator.
func (c *SessionCoordinator) Dispatch(ctx context.Context, ev domainauth.AuthEvent) {
	c.mu.RLock()
	disposed := c.disposed
	c.mu.RUnlock()
	if disposed {
		return
	}

	switch {
	case ev.Kind == domainauth.EventInitial:
		if err := c.Init(ctx); err != nil {
			c.logger.WarnContext(ctx, "initial reconciliation failed", "error", err)
		}
	case ev.Kind == domainauth.EventSignedIn:
		c.handleSignedIn(ctx, ev)
	case ev.IsBackgroundRefresh():
		c.handleBackgroundRefresh(ctx, ev)
	case ev.Kind == domainauth.EventSignedOut:
		c.handleSignedOut(ctx)
	default:
		c.logger.DebugContext(ctx, "ignoring unknown auth event", "kind", ev.Kind)
	}
}

func (c *SessionCoordinator) handleSignedIn(ctx context.Context, ev domainauth.AuthEvent) {
	if ev.Session == nil {
		c.logger.WarnContext(ctx, "SIGNED_IN without session ignored")
		return
	}
	start := time.Now()

	// A login in flight already holds the lock; run under its grant.
	c.mu.Lock()
	h := c.handoff
	if h != nil && !h.claimed {
		h.claimed = true
		c.mu.Unlock()
		result, reason := c.reconcileSession(ctx, c.currentEpoch(), *ev.Session)
		h.err = reason
		close(h.done)
		c.emit(passLogin, result, start, reason)
		return
	}
	c.mu.Unlock()

	if !c.lock.TrySkip() {
		c.logger.DebugContext(ctx, "SIGNED_IN reconciliation skipped: lock held")
		c.emit(passSignedIn, metrics.ResultSkipped, start, nil)
		return
	}
	defer c.lock.Release()
	result, reason := c.reconcileSession(ctx, c.currentEpoch(), *ev.Session)
	c.emit(passSignedIn, result, start, reason)
}

func (c *SessionCoordinator) handleBackgroundRefresh(ctx context.Context, ev domainauth.AuthEvent) {
	start := time.Now()
	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.DebugContext(ctx, "background refresh dropped by rate limit", "kind", ev.Kind)
		c.emit(passRefresh, metrics.ResultSkipped, start, nil)
		return
	}
	if !c.lock.TrySkip() {
		c.logger.DebugContext(ctx, "background refresh skipped: lock held", "kind", ev.Kind)
		c.emit(passRefresh, metrics.ResultSkipped, start, nil)
		return
	}
	defer c.lock.Release()

	epoch := c.currentEpoch()
	c.mu.RLock()
	state := c.state
	current := c.session
	c.mu.RUnlock()

	session := ev.Session
	if session == nil {
		session = current
	}
	if session == nil {
		c.emit(passRefresh, metrics.ResultSkipped, start, nil)
		return
	}

	if state != domainauth.StateAuthenticated {
		// A refreshed session is a chance to confirm a degraded or signed-out user.
		result, reason := c.reconcileSession(ctx, epoch, *session)
		c.emit(passRefresh, result, start, reason)
		return
	}

	result, err := c.refreshProfile(ctx, epoch, *session)
	c.emit(passRefresh, result, start, err)
}

// refreshProfile re-resolves the profile of an authenticated user. Only the
// PersonInactive veto signs the user out; other failures keep the current profile.
func (c *SessionCoordinator) refreshProfile(ctx context.Context, epoch uint64, session domainauth.Session) (string, error) {
	profile, err := c.resolver.Resolve(ctx, session.User.ID, session.User.Email)
	if err == nil && !profile.Valid() {
		err = apperrors.PersonInactive(profile.LinkedPersonID)
	}
	switch {
	case err == nil:
		committed := c.commit(epoch, func() {
			c.session = &session
			c.profile = &profile
			c.warning = nil
		})
		if !committed {
			return metrics.ResultSkipped, nil
		}
		c.writeCache(ctx, profile)
		return metrics.ResultSuccess, nil
	case apperrors.IsPersonInactive(err):
		c.logger.WarnContext(ctx, "linked person deactivated; forcing sign out", "user_id", session.User.ID)
		c.forceSignOut(ctx, epoch, err)
		return metrics.ResultError, err
	default:
		c.logger.WarnContext(ctx, "background profile refresh failed; keeping current profile",
			"user_id", session.User.ID, "error", err)
		c.commit(epoch, func() {
			c.session = &session
			c.warning = err
		})
		return metrics.ResultDegraded, err
	}
}

func (c *SessionCoordinator) handleSignedOut(ctx context.Context) {
	c.clearCache(ctx)

	c.mu.RLock()
	signedOut := c.state == domainauth.StateUnauthenticated && c.session == nil
	c.mu.RUnlock()
	if signedOut {
		// Echo of a sign-out this coordinator already applied; keep its reason.
		return
	}
	c.clearAll(nil)
	c.logger.InfoContext(ctx, "provider signed out")
}

// Login exchanges credentials with the identity provider. It fails fast with
// a Busy error when another pass is running. The profile reconciliation is
// driven by the provider's SIGNED_IN notification; if that never arrives the
// coordinator reconciles itself once the session timeout elapses.
func (c *SessionCoordinator) Login(ctx context.Context, email, password string) error {
	if err := c.lock.TryReject("login"); err != nil {
		return err
	}
	defer c.lock.Release()

	start := time.Now()
	h := &loginHandoff{done: make(chan struct{})}
	c.mu.Lock()
	c.handoff = h
	c.loading = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.handoff == h {
			c.handoff = nil
		}
		c.mu.Unlock()
	}()

	session, err := timeout.Run(ctx, c.sessionTimeout, apperrors.Timeout("credential exchange"),
		func(ctx context.Context) (domainauth.Session, error) {
			return c.provider.ExchangeCredentials(ctx, email, password)
		})
	if err != nil {
		err = normalizeLoginErr(err)
		c.clearCache(ctx)
		c.clearAll(err)
		c.emit(passLogin, metrics.ResultError, start, err)
		return err
	}

	if c.awaitHandoff(ctx, h) {
		return h.err
	}

	c.logger.WarnContext(ctx, "no SIGNED_IN notification after login; reconciling directly",
		"user_id", session.User.ID)
	result, reason := c.reconcileSession(ctx, c.currentEpoch(), session)
	c.emit(passLogin, result, start, reason)
	return reason
}

// awaitHandoff waits for the SIGNED_IN reconciliation. It reports false when
// the notification did not arrive and the caller must reconcile itself.
func (c *SessionCoordinator) awaitHandoff(ctx context.Context, h *loginHandoff) bool {
	timer := time.NewTimer(c.sessionTimeout)
	defer timer.Stop()

	select {
	case <-h.done:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}

	c.mu.Lock()
	if !h.claimed {
		h.claimed = true
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	// The notification arrived concurrently; let its pass finish under our grant.
	<-h.done
	return true
}

// Logout ends the provider session and always clears local state, even when
// the provider call fails. It waits for a running pass instead of failing.
func (c *SessionCoordinator) Logout(ctx context.Context) error {
	start := time.Now()

	c.mu.RLock()
	hasSession := c.session != nil
	c.mu.RUnlock()
	if c.lock.Held() && !hasSession {
		c.clearCache(ctx)
		c.clearAll(nil)
		c.emit(passLogout, metrics.ResultSkipped, start, nil)
		return nil
	}

	if err := c.lock.Wait(ctx); err != nil {
		c.clearCache(ctx)
		c.clearAll(nil)
		c.emit(passLogout, metrics.ResultError, start, err)
		return err
	}
	defer c.lock.Release()

	err := c.endSession(ctx)
	c.clearCache(ctx)
	c.clearAll(nil)
	if err != nil {
		c.logger.WarnContext(ctx, "provider sign out failed; local session cleared", "error", err)
		c.emit(passLogout, metrics.ResultError, start, err)
		return err
	}
	c.logger.InfoContext(ctx, "signed out")
	c.emit(passLogout, metrics.ResultSuccess, start, nil)
	return nil
}

// forceSignOut is the logout sequence run by a pass that already holds the lock.
// Local state is committed before the provider call so the SIGNED_OUT echo
// finds the user signed out and leaves the reason in place.
func (c *SessionCoordinator) forceSignOut(ctx context.Context, epoch uint64, reason error) {
	c.clearCache(ctx)
	c.commitUnauthenticated(epoch, reason)
	if err := c.endSession(ctx); err != nil {
		c.logger.WarnContext(ctx, "provider sign out failed during forced sign out", "error", err)
	}
}

func (c *SessionCoordinator) endSession(ctx context.Context) error {
	err := timeout.Exec(ctx, c.sessionTimeout, apperrors.Timeout("sign out"), c.provider.EndSession)
	return wrapProviderErr("sign out", err)
}

// commit applies a pass result unless a sign-out superseded the pass.
func (c *SessionCoordinator) commit(epoch uint64, apply func()) bool {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.logger.Debug("discarding stale reconciliation result")
		return false
	}
	apply()
	c.loading = false
	c.mu.Unlock()
	c.notify()
	return true
}

func (c *SessionCoordinator) commitUnauthenticated(epoch uint64, reason error) {
	c.commit(epoch, func() {
		c.state = domainauth.StateUnauthenticated
		c.session = nil
		c.profile = nil
		c.lastErr = reason
		c.warning = nil
	})
}

// clearAll drops session and profile unconditionally and invalidates running passes.
func (c *SessionCoordinator) clearAll(reason error) {
	c.mu.Lock()
	c.epoch++
	c.state = domainauth.StateUnauthenticated
	c.session = nil
	c.profile = nil
	c.lastErr = reason
	c.warning = nil
	c.loading = false
	c.mu.Unlock()
	c.notify()
}

func (c *SessionCoordinator) currentEpoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

func (c *SessionCoordinator) setLoading(v bool) {
	c.mu.Lock()
	c.loading = v
	c.mu.Unlock()
}

func (c *SessionCoordinator) writeCache(ctx context.Context, profile domainauth.Profile) {
	if err := c.cache.Write(ctx, profile); err != nil {
		c.logger.WarnContext(ctx, "cache profile failed", "error", err)
	}
}

func (c *SessionCoordinator) clearCache(ctx context.Context) {
	if err := c.cache.Clear(ctx); err != nil {
		c.logger.WarnContext(ctx, "clear cached profile failed", "error", err)
	}
}

func (c *SessionCoordinator) emit(pass, result string, start time.Time, err error) {
	metrics.EmitReconcile(c.metrics, metrics.ReconcileMetric{
		Pass:     pass,
		Result:   result,
		State:    string(c.Snapshot().State),
		Duration: time.Since(start),
		Err:      err,
	})
}

func normalizeLoginErr(err error) error {
	if errors.Is(err, ports.ErrBadCredentials) {
		return apperrors.InvalidCredentials(err)
	}
	return wrapProviderErr("credential exchange", err)
}

// wrapProviderErr keeps already classified errors and annotates the rest.
func wrapProviderErr(step string, err error) error {
	if err == nil {
		return nil
	}
	if apperrors.GetCode(err) != "" {
		return err
	}
	return apperrors.Provider(step, err)
}
