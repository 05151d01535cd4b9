package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	domainauth "github.com/target/stockroom/internal/domain/auth"
	apperrors "github.com/target/stockroom/internal/errors"
	"github.com/target/stockroom/internal/mocks"
	"github.com/target/stockroom/internal/ports"
	"go.uber.org/mock/gomock"
)

const (
	testUserID   = "user-1"
	testEmail    = "user@example.com"
	testPersonID = "person-1"
)

func newTestResolver(ctrl *gomock.Controller, profileTimeout, personTimeout time.Duration) (*ProfileResolver, *mocks.MockProfileRepository, *mocks.MockPersonRepository) {
	profiles := mocks.NewMockProfileRepository(ctrl)
	persons := mocks.NewMockPersonRepository(ctrl)
	r := NewProfileResolver(ProfileResolverOptions{
		Profiles:       profiles,
		Persons:        persons,
		ProfileTimeout: profileTimeout,
		PersonTimeout:  personTimeout,
	})
	return r, profiles, persons
}

func linkedProfile() domainauth.Profile {
	return domainauth.Profile{ID: testUserID, Role: domainauth.RoleUser, LinkedPersonID: testPersonID}
}

func TestProfileResolver_Resolve_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	r, profiles, persons := newTestResolver(ctrl, time.Second, time.Second)

	stored := linkedProfile()
	stored.Email = "stale@example.com"
	profiles.EXPECT().GetProfile(gomock.Any(), testUserID).Return(stored, nil)
	persons.EXPECT().GetPerson(gomock.Any(), testPersonID).
		Return(domainauth.Person{ID: testPersonID, Status: domainauth.PersonActive}, nil)

	got, err := r.Resolve(context.Background(), testUserID, testEmail)
	require.NoError(t, err)
	assert.Equal(t, testEmail, got.Email)
	require.NotNil(t, got.Person)
	assert.Equal(t, testPersonID, got.Person.ID)
	assert.True(t, got.Valid())
}

func TestProfileResolver_Resolve_NoLinkedPerson(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	r, profiles, persons := newTestResolver(ctrl, time.Second, time.Second)

	profiles.EXPECT().GetProfile(gomock.Any(), testUserID).
		Return(domainauth.Profile{ID: testUserID, Role: domainauth.RoleAdmin}, nil)
	persons.EXPECT().GetPerson(gomock.Any(), gomock.Any()).Times(0)

	got, err := r.Resolve(context.Background(), testUserID, testEmail)
	require.NoError(t, err)
	assert.Nil(t, got.Person)
	assert.True(t, got.IsAdmin())
}

func TestProfileResolver_Resolve_EmptyUserID(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	r, _, _ := newTestResolver(ctrl, time.Second, time.Second)

	_, err := r.Resolve(context.Background(), "", testEmail)
	assert.True(t, apperrors.IsValidation(err))
}

func TestProfileResolver_Resolve_ProfileErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{name: "missing record", err: ports.ErrProfileRecordNotFound, check: apperrors.IsProfileNotFound},
		{name: "wrapped not found", err: apperrors.NotFound("profile"), check: apperrors.IsProfileNotFound},
		{name: "store failure", err: errors.New("connection reset"), check: apperrors.IsProvider},
		{name: "store timeout", err: apperrors.Timeout("query"), check: apperrors.IsTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()
			r, profiles, _ := newTestResolver(ctrl, time.Second, time.Second)
			profiles.EXPECT().GetProfile(gomock.Any(), testUserID).Return(domainauth.Profile{}, tt.err)

			_, err := r.Resolve(context.Background(), testUserID, testEmail)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error %v", err)
		})
	}
}

func TestProfileResolver_Resolve_ProfileTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	r, profiles, _ := newTestResolver(ctrl, 20*time.Millisecond, time.Second)

	release := make(chan struct{})
	defer close(release)
	profiles.EXPECT().GetProfile(gomock.Any(), testUserID).DoAndReturn(
		func(context.Context, string) (domainauth.Profile, error) {
			<-release
			return linkedProfile(), nil
		})

	_, err := r.Resolve(context.Background(), testUserID, testEmail)
	require.Error(t, err)
	assert.True(t, apperrors.IsTimeout(err))
	assert.Contains(t, err.Error(), "profile fetch")
}

func TestProfileResolver_Resolve_PersonErrorIsNonFatal(t *testing.T) {
	tests := []struct {
		name   string
		lookup func(context.Context, string) (domainauth.Person, error)
	}{
		{
			name: "lookup error",
			lookup: func(context.Context, string) (domainauth.Person, error) {
				return domainauth.Person{}, ports.ErrPersonNotFound
			},
		},
		{
			name: "lookup timeout",
			lookup: func(context.Context, string) (domainauth.Person, error) {
				time.Sleep(200 * time.Millisecond)
				return domainauth.Person{ID: testPersonID, Status: domainauth.PersonActive}, nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			r, profiles, persons := newTestResolver(ctrl, time.Second, 20*time.Millisecond)
			profiles.EXPECT().GetProfile(gomock.Any(), testUserID).Return(linkedProfile(), nil)
			persons.EXPECT().GetPerson(gomock.Any(), testPersonID).DoAndReturn(tt.lookup)

			got, err := r.Resolve(context.Background(), testUserID, testEmail)
			require.NoError(t, err)
			assert.Nil(t, got.Person)
			assert.Equal(t, testPersonID, got.LinkedPersonID)
			assert.True(t, got.Valid())

			// Let an abandoned lookup finish before the controller verifies.
			time.Sleep(250 * time.Millisecond)
			ctrl.Finish()
		})
	}
}

func TestProfileResolver_Resolve_PersonInactiveRegardlessOfTiming(t *testing.T) {
	delays := map[string]time.Duration{
		"fast profile lookup": 0,
		"slow profile lookup": 50 * time.Millisecond,
	}

	for name, delay := range delays {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()
			r, profiles, persons := newTestResolver(ctrl, time.Second, time.Second)

			profiles.EXPECT().GetProfile(gomock.Any(), testUserID).DoAndReturn(
				func(context.Context, string) (domainauth.Profile, error) {
					time.Sleep(delay)
					return linkedProfile(), nil
				})
			persons.EXPECT().GetPerson(gomock.Any(), testPersonID).
				Return(domainauth.Person{ID: testPersonID, Status: domainauth.PersonInactive}, nil)

			_, err := r.Resolve(context.Background(), testUserID, testEmail)
			require.Error(t, err)
			assert.True(t, apperrors.IsPersonInactive(err))
		})
	}
}
