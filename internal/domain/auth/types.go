package auth

// Package auth contains domain-level types for identity sessions and application profiles.
// It is pure and free of framework/adapter concerns.

import "time"

// Role represents an application's authorization role.
// Keep string form for easy persistence in the profile cache.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleNone  Role = "none"
)

// ParseRole maps a stored role value to a Role, falling back to RoleNone.
func ParseRole(v string) Role {
	switch Role(v) {
	case RoleAdmin, RoleUser:
		return Role(v)
	default:
		return RoleNone
	}
}

// SessionUser is the authenticated principal carried by a Session.
type SessionUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is the identity provider's token bundle for the current user.
// The coordinator only ever holds a copy; the provider owns its lifecycle.
type Session struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token,omitempty"`
	IDToken      string      `json:"id_token,omitempty"`
	TokenType    string      `json:"token_type,omitempty"`
	ExpiresAt    time.Time   `json:"expires_at"`
	User         SessionUser `json:"user"`
}

// Expired reports whether the access token is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// PersonStatus gates whether a linked person may be treated as authenticated.
type PersonStatus string

const (
	PersonActive   PersonStatus = "active"
	PersonInactive PersonStatus = "inactive"
)

// Person is the enrichment record linked from a profile.
type Person struct {
	ID        string       `json:"id"`
	FirstName string       `json:"first_name,omitempty"`
	LastName  string       `json:"last_name,omitempty"`
	Email     string       `json:"email,omitempty"`
	Status    PersonStatus `json:"status"`
}

// IsActive returns true if the person status is active.
func (p Person) IsActive() bool { return p.Status == PersonActive }

// Department is the optional organisational unit attached to a profile.
type Department struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Profile is the application-specific record associated with a session user.
// Profiles are replaced as a whole, never patched in place.
type Profile struct {
	ID             string      `json:"id"`
	Email          string      `json:"email,omitempty"`
	Role           Role        `json:"role"`
	LinkedPersonID string      `json:"linked_person_id,omitempty"`
	DepartmentID   string      `json:"department_id,omitempty"`
	Department     *Department `json:"department,omitempty"`
	Person         *Person     `json:"person,omitempty"`
}

// Valid reports whether the profile may be the active profile.
// A linked person that was loaded must be active. A person that could not be
// loaded (Person == nil) only degrades enrichment and does not invalidate.
func (p Profile) Valid() bool {
	if p.ID == "" {
		return false
	}
	return p.Person == nil || p.Person.IsActive()
}

// MatchesUser reports whether the profile belongs to the given session user.
func (p Profile) MatchesUser(u SessionUser) bool {
	return p.ID == u.ID && p.Email == u.Email
}

// IsAdmin returns true if the profile carries the admin role.
func (p Profile) IsAdmin() bool { return p.Role == RoleAdmin }

// AuthEventKind enumerates identity provider change notifications.
type AuthEventKind string

const (
	EventInitial        AuthEventKind = "INITIAL"
	EventSignedIn       AuthEventKind = "SIGNED_IN"
	EventSignedOut      AuthEventKind = "SIGNED_OUT"
	EventTokenRefreshed AuthEventKind = "TOKEN_REFRESHED"
	EventUserUpdated    AuthEventKind = "USER_UPDATED"
)

// AuthEvent is a single identity provider notification. Session is nil for
// SIGNED_OUT and for providers that have no session to report.
type AuthEvent struct {
	Kind    AuthEventKind
	Session *Session
}

// IsBackgroundRefresh reports whether the event only refreshes an existing sign-in.
func (e AuthEvent) IsBackgroundRefresh() bool {
	return e.Kind == EventTokenRefreshed || e.Kind == EventUserUpdated
}

// CoordinatorState is the reconciliation state exposed to the UI layer.
type CoordinatorState string

const (
	StateInitializing    CoordinatorState = "initializing"
	StateAuthenticated   CoordinatorState = "authenticated"
	StateUnauthenticated CoordinatorState = "unauthenticated"
	// StateDegraded means a previously validated cached profile is in use
	// because the live session or profile could not be confirmed.
	StateDegraded CoordinatorState = "degraded"
)

// Snapshot is a read-only view of the coordinator.
type Snapshot struct {
	State     CoordinatorState
	Session   *Session
	User      *SessionUser
	Profile   *Profile
	IsLoading bool
	// Error is the last fatal reason the user is not signed in.
	Error error
	// Warning is a non-fatal problem surfaced while keeping the user signed in.
	Warning error
}
