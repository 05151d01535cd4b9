package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleAdmin, ParseRole("admin"))
	assert.Equal(t, RoleUser, ParseRole("user"))
	assert.Equal(t, RoleNone, ParseRole(""))
	assert.Equal(t, RoleNone, ParseRole("Admin"))
}

func TestSession_Expired(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, Session{}.Expired(now), "zero expiry never expires")
	assert.False(t, Session{ExpiresAt: now}.Expired(now))
	assert.True(t, Session{ExpiresAt: now.Add(-time.Second)}.Expired(now))
	assert.False(t, Session{ExpiresAt: now.Add(time.Minute)}.Expired(now))
}

func TestProfile_Valid(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		want    bool
	}{
		{name: "empty id", profile: Profile{}, want: false},
		{name: "no person", profile: Profile{ID: "u1", LinkedPersonID: "p1"}, want: true},
		{name: "active person", profile: Profile{ID: "u1", Person: &Person{ID: "p1", Status: PersonActive}}, want: true},
		{name: "inactive person", profile: Profile{ID: "u1", Person: &Person{ID: "p1", Status: PersonInactive}}, want: false},
		{name: "unknown status", profile: Profile{ID: "u1", Person: &Person{ID: "p1", Status: "suspended"}}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.profile.Valid())
		})
	}
}

func TestProfile_MatchesUser(t *testing.T) {
	p := Profile{ID: "u1", Email: "a@example.com"}

	assert.True(t, p.MatchesUser(SessionUser{ID: "u1", Email: "a@example.com"}))
	assert.False(t, p.MatchesUser(SessionUser{ID: "u1", Email: "b@example.com"}))
	assert.False(t, p.MatchesUser(SessionUser{ID: "u2", Email: "a@example.com"}))
}

func TestProfile_IsAdmin(t *testing.T) {
	assert.True(t, Profile{Role: RoleAdmin}.IsAdmin())
	assert.False(t, Profile{Role: RoleUser}.IsAdmin())
}

func TestAuthEvent_IsBackgroundRefresh(t *testing.T) {
	assert.True(t, AuthEvent{Kind: EventTokenRefreshed}.IsBackgroundRefresh())
	assert.True(t, AuthEvent{Kind: EventUserUpdated}.IsBackgroundRefresh())
	assert.False(t, AuthEvent{Kind: EventSignedIn}.IsBackgroundRefresh())
	assert.False(t, AuthEvent{Kind: EventSignedOut}.IsBackgroundRefresh())
	assert.False(t, AuthEvent{Kind: EventInitial}.IsBackgroundRefresh())
}
