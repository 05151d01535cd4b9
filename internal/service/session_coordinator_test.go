package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/stockroom/internal/adapters/memory"
	domainauth "github.com/target/stockroom/internal/domain/auth"
	apperrors "github.com/target/stockroom/internal/errors"
	"github.com/target/stockroom/internal/mocks"
	mockauth "github.com/target/stockroom/internal/mocks/auth"
	"go.uber.org/mock/gomock"
	"golang.org/x/time/rate"
)

type coordinatorFixture struct {
	provider *mockauth.FakeIdentityProvider
	profiles *mocks.MockProfileRepository
	persons  *mocks.MockPersonRepository
	store    *memory.KeyValueStore
	cache    *ProfileCache
	coord    *SessionCoordinator
}

func newCoordinatorFixture(t *testing.T, tweak ...func(*SessionCoordinatorOptions)) *coordinatorFixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	provider := mockauth.NewFakeIdentityProvider()
	provider.User = domainauth.SessionUser{ID: testUserID, Email: testEmail}
	provider.Email = testEmail
	t.Cleanup(provider.Close)

	profiles := mocks.NewMockProfileRepository(ctrl)
	persons := mocks.NewMockPersonRepository(ctrl)
	store := memory.NewKeyValueStore()
	cache := NewProfileCache(ProfileCacheOptions{Store: store})

	opts := SessionCoordinatorOptions{
		Provider: provider,
		Resolver: NewProfileResolver(ProfileResolverOptions{
			Profiles:       profiles,
			Persons:        persons,
			ProfileTimeout: time.Second,
			PersonTimeout:  time.Second,
		}),
		Cache:          cache,
		SessionTimeout: time.Second,
	}
	for _, fn := range tweak {
		fn(&opts)
	}

	coord := NewSessionCoordinator(opts)
	t.Cleanup(coord.Dispose)

	return &coordinatorFixture{
		provider: provider,
		profiles: profiles,
		persons:  persons,
		store:    store,
		cache:    cache,
		coord:    coord,
	}
}

func testSession() *domainauth.Session {
	return &domainauth.Session{
		AccessToken: "access",
		ExpiresAt:   time.Now().Add(time.Hour),
		User:        domainauth.SessionUser{ID: testUserID, Email: testEmail},
	}
}

func activeProfile() domainauth.Profile {
	return domainauth.Profile{
		ID:             testUserID,
		Email:          testEmail,
		Role:           domainauth.RoleUser,
		LinkedPersonID: testPersonID,
		Person:         &domainauth.Person{ID: testPersonID, Status: domainauth.PersonActive},
	}
}

func (f *coordinatorFixture) expectResolve(status domainauth.PersonStatus) {
	f.profiles.EXPECT().GetProfile(gomock.Any(), testUserID).Return(linkedProfile(), nil)
	f.persons.EXPECT().GetPerson(gomock.Any(), testPersonID).
		Return(domainauth.Person{ID: testPersonID, Status: status}, nil)
}

func (f *coordinatorFixture) authenticate(t *testing.T) {
	t.Helper()
	f.provider.SetSession(testSession())
	f.expectResolve(domainauth.PersonActive)
	require.NoError(t, f.coord.Init(context.Background()))
	require.Equal(t, domainauth.StateAuthenticated, f.coord.Snapshot().State)
}

func TestSessionCoordinator_StartsInitializing(t *testing.T) {
	f := newCoordinatorFixture(t)
	snap := f.coord.Snapshot()
	assert.Equal(t, domainauth.StateInitializing, snap.State)
	assert.True(t, snap.IsLoading)
}

func TestSessionCoordinator_Init_SessionResolves(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.provider.SetSession(testSession())
	f.expectResolve(domainauth.PersonActive)

	require.NoError(t, f.coord.Init(context.Background()))

	snap := f.coord.Snapshot()
	assert.Equal(t, domainauth.StateAuthenticated, snap.State)
	assert.False(t, snap.IsLoading)
	require.NotNil(t, snap.Session)
	require.NotNil(t, snap.User)
	assert.Equal(t, testUserID, snap.User.ID)
	require.NotNil(t, snap.Profile)
	assert.Equal(t, testEmail, snap.Profile.Email)
	assert.NoError(t, snap.Error)

	cached := f.cache.Read(context.Background())
	require.NotNil(t, cached)
	assert.Equal(t, *snap.Profile, *cached)
}

func TestSessionCoordinator_Init_NoSessionUsesCachedProfile(t *testing.T) {
	f := newCoordinatorFixture(t)
	require.NoError(t, f.cache.Write(context.Background(), activeProfile()))

	require.NoError(t, f.coord.Init(context.Background()))

	snap := f.coord.Snapshot()
	assert.Equal(t, domainauth.StateDegraded, snap.State)
	assert.Nil(t, snap.Session)
	require.NotNil(t, snap.Profile)
	assert.Equal(t, testUserID, snap.Profile.ID)
}

func TestSessionCoordinator_Init_NoSessionNoCache(t *testing.T) {
	f := newCoordinatorFixture(t)

	require.NoError(t, f.coord.Init(context.Background()))

	snap := f.coord.Snapshot()
	assert.Equal(t, domainauth.StateUnauthenticated, snap.State)
	assert.Nil(t, snap.Profile)
	assert.NoError(t, snap.Error)
}

func TestSessionCoordinator_Init_NoSessionInvalidCacheCleared(t *testing.T) {
	f := newCoordinatorFixture(t)
	inactive := activeProfile()
	inactive.Person.Status = domainauth.PersonInactive
	require.NoError(t, f.cache.Write(context.Background(), inactive))

	require.NoError(t, f.coord.Init(context.Background()))

	assert.Equal(t, domainauth.StateUnauthenticated, f.coord.Snapshot().State)
	assert.Nil(t, f.cache.Read(context.Background()))
}

func TestSessionCoordinator_Init_PersonInactiveSignsOut(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.provider.SetSession(testSession())
	f.expectResolve(domainauth.PersonInactive)

	require.NoError(t, f.coord.Init(context.Background()))

	snap := f.coord.Snapshot()
	assert.Equal(t, domainauth.StateUnauthenticated, snap.State)
	assert.True(t, apperrors.IsPersonInactive(snap.Error))
	assert.Nil(t, snap.Session)
	assert.Nil(t, snap.Profile)
	assert.Nil(t, f.cache.Read(context.Background()))
	assert.Equal(t, 1, f.provider.EndCalls())
}

func TestSessionCoordinator_Init_PersonInactiveKeepsReasonAfterSignedOutEcho(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.provider.SetSession(testSession())
	f.provider.Silent = true
	// The SIGNED_OUT notification is handled before EndSession returns.
	f.provider.EndFunc = func(context.Context) error {
		f.provider.Emit(domainauth.AuthEvent{Kind: domainauth.EventSignedOut})
		f.provider.Flush()
		time.Sleep(5 * time.Millisecond)
		return nil
	}
	f.expectResolve(domainauth.PersonInactive)

	require.NoError(t, f.coord.Init(context.Background()))
	f.provider.Flush()

	snap := f.coord.Snapshot()
	assert.Equal(t, domainauth.StateUnauthenticated, snap.State)
	assert.True(t, apperrors.IsPersonInactive(snap.Error), "got %v", snap.Error)
	assert.Nil(t, snap.Profile)
	assert.Equal(t, 1, f.provider.EndCalls())
}

func TestSessionCoordinator_Init_PersonInactiveIgnoresMatchingCache(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.provider.SetSession(testSession())
	require.NoError(t, f.cache.Write(context.Background(), activeProfile()))
	f.expectResolve(domainauth.PersonInactive)

	require.NoError(t, f.coord.Init(context.Background()))

	snap := f.coord.Snapshot()
	assert.Equal(t, domainauth.StateUnauthenticated, snap.State)
	assert.True(t, apperrors.IsPersonInactive(snap.Error))
	assert.Nil(t, f.cache.Read(context.Background()))
}

func TestSessionCoordinator_Init_ResolutionFailureFallsBackToMatchingCache(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.provider.SetSession(testSession())
	require.NoError(t, f.cache.Write(context.Background(), activeProfile()))
	f.profiles.EXPECT().GetProfile(gomock.Any(), testUserID).Return(domainauth.Profile{}, errors.New("network down"))

	require.NoError(t, f.coord.Init(context.Background()))

	snap := f.coord.Snapshot()
	assert.Equal(t, domainauth.StateDegraded, snap.State)
	require.NotNil(t, snap.Session, "degraded with a live session keeps the session")
	require.NotNil(t, snap.Profile)
	assert.Equal(t, testUserID, snap.Profile.ID)
	require.Error(t, snap.Warning)
	assert.NoError(t, snap.Error)
}

func TestSessionCoordinator_Init_ResolutionFailureWithForeignCache(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.provider.SetSession(testSession())
	other := activeProfile()
	other.ID = "someone-else"
	require.NoError(t, f.cache.Write(context.Background(), other))
	f.profiles.EXPECT().GetProfile(gomock.Any(), testUserID).
		Return(domainauth.Profile{}, apperrors.NotFound("profile"))

	require.NoError(t, f.coord.Init(context.Background()))

	snap := f.coord.Snapshot()
	assert.Equal(t, domainauth.StateUnauthenticated, snap.State)
	assert.True(t, apperrors.IsProfileNotFound(snap.Error))
	assert.Nil(t, f.cache.Read(context.Background()))
}

func TestSessionCoordinator_Init_SessionFetchError(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.provider.CurrentFunc = func(context.Context) (*domainauth.Session, error) {
		return nil, errors.New("provider offline")
	}

	err := f.coord.Init(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsProvider(err))

	snap := f.coord.Snapshot()
	assert.Equal(t, domainauth.StateUnauthenticated, snap.State)
	assert.Error(t, snap.Error)
	assert.False(t, snap.IsLoading)
}

func TestSessionCoordinator_Init_RunsOnce(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.authenticate(t)

	// No further resolver expectations: a second Init must not reconcile.
	require.NoError(t, f.coord.Init(context.Background()))
	f.coord.Dispatch(context.Background(), domainauth.AuthEvent{Kind: domainauth.EventInitial})
}

func TestSessionCoordinator_Refresh_ReplacesProfile(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.authenticate(t)

	updated := linkedProfile()
	updated.Role = domainauth.RoleAdmin
	f.profiles.EXPECT().GetProfile(gomock.Any(), testUserID).Return(updated, nil)
	f.persons.EXPECT().GetPerson(gomock.Any(), testPersonID).
		Return(domainauth.Person{ID: testPersonID, Status: domainauth.PersonActive}, nil)

	f.coord.Dispatch(context.Background(), domainauth.AuthEvent{Kind: domainauth.EventTokenRefreshed, Session: testSession()})

	snap := f.coord.Snapshot()
	assert.Equal(t, domainauth.StateAuthenticated, snap.State)
	assert.True(t, snap.Profile.IsAdmin())
	assert.True(t, f.cache.Read(context.Background()).IsAdmin())
}

func TestSessionCoordinator_Refresh_PersonInactiveForcesLogout(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.authenticate(t)
	f.expectResolve(domainauth.PersonInactive)

	f.coord.Dispatch(context.Background(), domainauth.AuthEvent{Kind: domainauth.EventUserUpdated, Session: testSession()})

	snap := f.coord.Snapshot()
	assert.Equal(t, domainauth.StateUnauthenticated, snap.State)
	assert.True(t, apperrors.IsPersonInactive(snap.Error))
	assert.Nil(t, f.cache.Read(context.Background()))
	assert.Equal(t, 1, f.provider.EndCalls())
}

func TestSessionCoordinator_Refresh_FailureKeepsProfile(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.authenticate(t)
	before := f.coord.Snapshot().Profile
	f.profiles.EXPECT().GetProfile(gomock.Any(), testUserID).Return(domainauth.Profile{}, errors.New("flaky"))

	f.coord.Dispatch(context.Background(), domainauth.AuthEvent{Kind: domainauth.EventTokenRefreshed, Session: testSession()})

	snap := f.coord.Snapshot()
	assert.Equal(t, domainauth.StateAuthenticated, snap.State)
	assert.Equal(t, before, snap.Profile)
	assert.Error(t, snap.Warning)
	assert.NoError(t, snap.Error)
}

func TestSessionCoordinator_Refresh_SkippedWhileLockHeld(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.authenticate(t)

	require.True(t, f.coord.lock.TrySkip())
	// gomock fails the test on any resolver call.
	f.coord.Dispatch(context.Background(), domainauth.AuthEvent{Kind: domainauth.EventTokenRefreshed, Session: testSession()})
	f.coord.lock.Release()

	assert.Equal(t, domainauth.StateAuthenticated, f.coord.Snapshot().State)
}

func TestSessionCoordinator_Refresh_OverlappingTriggersResolveOnce(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.authenticate(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.profiles.EXPECT().GetProfile(gomock.Any(), testUserID).Times(1).DoAndReturn(
		func(context.Context, string) (domainauth.Profile, error) {
			close(entered)
			<-release
			return linkedProfile(), nil
		})
	f.persons.EXPECT().GetPerson(gomock.Any(), testPersonID).Times(1).
		Return(domainauth.Person{ID: testPersonID, Status: domainauth.PersonActive}, nil)

	ev := domainauth.AuthEvent{Kind: domainauth.EventTokenRefreshed, Session: testSession()}
	first := make(chan struct{})
	go func() {
		defer close(first)
		f.coord.Dispatch(context.Background(), ev)
	}()
	<-entered

	second := make(chan struct{})
	go func() {
		defer close(second)
		f.coord.Dispatch(context.Background(), ev)
	}()
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second refresh waited for the running one")
	}

	close(release)
	<-first

	snap := f.coord.Snapshot()
	assert.Equal(t, domainauth.StateAuthenticated, snap.State)
	require.NotNil(t, snap.Profile)
	assert.Equal(t, testUserID, snap.Profile.ID)
}

func TestSessionCoordinator_Refresh_RateLimited(t *testing.T) {
	f := newCoordinatorFixture(t, func(o *SessionCoordinatorOptions) {
		o.RefreshLimiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	})
	f.authenticate(t)
	f.expectResolve(domainauth.PersonActive)

	ev := domainauth.AuthEvent{Kind: domainauth.EventTokenRefreshed, Session: testSession()}
	f.coord.Dispatch(context.Background(), ev)
	f.coord.Dispatch(context.Background(), ev)

	assert.Equal(t, domainauth.StateAuthenticated, f.coord.Snapshot().State)
}

func TestSessionCoordinator_Refresh_UnauthenticatedReconciles(t *testing.T) {
	f := newCoordinatorFixture(t)
	require.NoError(t, f.coord.Init(context.Background()))
	require.Equal(t, domainauth.StateUnauthenticated, f.coord.Snapshot().State)
	f.expectResolve(domainauth.PersonActive)

	f.coord.Dispatch(context.Background(), domainauth.AuthEvent{Kind: domainauth.EventTokenRefreshed, Session: testSession()})

	assert.Equal(t, domainauth.StateAuthenticated, f.coord.Snapshot().State)
}

func TestSessionCoordinator_SignedOutClearsState(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.authenticate(t)

	f.coord.Dispatch(context.Background(), domainauth.AuthEvent{Kind: domainauth.EventSignedOut})

	snap := f.coord.Snapshot()
	assert.Equal(t, domainauth.StateUnauthenticated, snap.State)
	assert.Nil(t, snap.Profile)
	assert.Nil(t, f.cache.Read(context.Background()))
}

func TestSessionCoordinator_SignOutDiscardsInFlightRefresh(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.authenticate(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.profiles.EXPECT().GetProfile(gomock.Any(), testUserID).DoAndReturn(
		func(context.Context, string) (domainauth.Profile, error) {
			close(entered)
			<-release
			return domainauth.Profile{ID: testUserID, Role: domainauth.RoleAdmin}, nil
		})

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.coord.Dispatch(context.Background(), domainauth.AuthEvent{Kind: domainauth.EventTokenRefreshed, Session: testSession()})
	}()

	<-entered
	f.coord.Dispatch(context.Background(), domainauth.AuthEvent{Kind: domainauth.EventSignedOut})
	close(release)
	<-done

	snap := f.coord.Snapshot()
	assert.Equal(t, domainauth.StateUnauthenticated, snap.State)
	assert.Nil(t, snap.Profile)
}

func TestSessionCoordinator_Login_Success(t *testing.T) {
	f := newCoordinatorFixture(t)
	require.NoError(t, f.coord.Init(context.Background()))
	f.expectResolve(domainauth.PersonActive)

	require.NoError(t, f.coord.Login(context.Background(), testEmail, "secret"))

	snap := f.coord.Snapshot()
	assert.Equal(t, domainauth.StateAuthenticated, snap.State)
	require.NotNil(t, snap.Profile)
	assert.Equal(t, testUserID, snap.Profile.ID)
	assert.NotNil(t, f.cache.Read(context.Background()))
}

func TestSessionCoordinator_Login_WithoutSignedInNotification(t *testing.T) {
	f := newCoordinatorFixture(t, func(o *SessionCoordinatorOptions) {
		o.SessionTimeout = 50 * time.Millisecond
	})
	f.provider.Silent = true
	require.NoError(t, f.coord.Init(context.Background()))
	f.expectResolve(domainauth.PersonActive)

	require.NoError(t, f.coord.Login(context.Background(), testEmail, "secret"))
	assert.Equal(t, domainauth.StateAuthenticated, f.coord.Snapshot().State)
}

func TestSessionCoordinator_Login_BadCredentials(t *testing.T) {
	f := newCoordinatorFixture(t)
	require.NoError(t, f.coord.Init(context.Background()))

	err := f.coord.Login(context.Background(), testEmail, "wrong")
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidCredentials(err))
	assert.Equal(t, domainauth.StateUnauthenticated, f.coord.Snapshot().State)
}

func TestSessionCoordinator_Login_ProviderFailure(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.provider.ExchangeFunc = func(context.Context, string, string) (domainauth.Session, error) {
		return domainauth.Session{}, errors.New("503")
	}
	require.NoError(t, f.coord.Init(context.Background()))

	err := f.coord.Login(context.Background(), testEmail, "secret")
	require.Error(t, err)
	assert.True(t, apperrors.IsProvider(err))
	assert.False(t, apperrors.IsInvalidCredentials(err))
}

func TestSessionCoordinator_Login_RejectedWhileBusy(t *testing.T) {
	f := newCoordinatorFixture(t)
	require.True(t, f.coord.lock.TrySkip())
	defer f.coord.lock.Release()

	err := f.coord.Login(context.Background(), testEmail, "secret")
	require.Error(t, err)
	assert.True(t, apperrors.IsBusy(err))
	assert.Zero(t, f.provider.ExchangeCalls())
}

func TestSessionCoordinator_Login_PersonInactive(t *testing.T) {
	f := newCoordinatorFixture(t)
	require.NoError(t, f.coord.Init(context.Background()))
	f.expectResolve(domainauth.PersonInactive)

	err := f.coord.Login(context.Background(), testEmail, "secret")
	require.Error(t, err)
	assert.True(t, apperrors.IsPersonInactive(err))
	assert.Equal(t, domainauth.StateUnauthenticated, f.coord.Snapshot().State)
}

func TestSessionCoordinator_Logout(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.authenticate(t)

	require.NoError(t, f.coord.Logout(context.Background()))

	snap := f.coord.Snapshot()
	assert.Equal(t, domainauth.StateUnauthenticated, snap.State)
	assert.Nil(t, snap.Session)
	assert.Nil(t, f.cache.Read(context.Background()))
	assert.Equal(t, 1, f.provider.EndCalls())
}

func TestSessionCoordinator_Logout_ClearsEvenWhenProviderFails(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.authenticate(t)
	f.provider.EndFunc = func(context.Context) error { return errors.New("revoke failed") }

	err := f.coord.Logout(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsProvider(err))

	snap := f.coord.Snapshot()
	assert.Equal(t, domainauth.StateUnauthenticated, snap.State)
	assert.Nil(t, snap.Profile)
	assert.Nil(t, f.cache.Read(context.Background()))
}

func TestSessionCoordinator_Logout_WaitsForRunningPass(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.authenticate(t)
	require.True(t, f.coord.lock.TrySkip())

	done := make(chan error, 1)
	go func() { done <- f.coord.Logout(context.Background()) }()

	select {
	case <-done:
		t.Fatal("logout finished while a pass held the lock")
	case <-time.After(20 * time.Millisecond):
	}
	f.coord.lock.Release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("logout did not complete")
	}
	assert.Equal(t, domainauth.StateUnauthenticated, f.coord.Snapshot().State)
}

func TestSessionCoordinator_WatchReceivesSnapshots(t *testing.T) {
	f := newCoordinatorFixture(t)

	var mu sync.Mutex
	var states []domainauth.CoordinatorState
	cancel := f.coord.Watch(func(s domainauth.Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	f.authenticate(t)
	cancel()
	f.coord.Dispatch(context.Background(), domainauth.AuthEvent{Kind: domainauth.EventSignedOut})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domainauth.CoordinatorState{domainauth.StateAuthenticated}, states)
}

func TestSessionCoordinator_DisposeIgnoresEvents(t *testing.T) {
	f := newCoordinatorFixture(t)
	f.authenticate(t)
	f.coord.Dispose()

	f.coord.Dispatch(context.Background(), domainauth.AuthEvent{Kind: domainauth.EventSignedOut})
	assert.Equal(t, domainauth.StateAuthenticated, f.coord.Snapshot().State)
}
