package ports

import (
	"context"
	"errors"

	domainauth "github.com/target/stockroom/internal/domain/auth"
)

// Lookup sentinels returned by row-store adapters.
var (
	ErrProfileRecordNotFound = errors.New("profile record not found")
	ErrPersonNotFound        = errors.New("person record not found")
)

// ProfileRepository performs point lookups of profile records by user id.
// The returned profile carries Role, LinkedPersonID and department data but
// never Person, which is resolved separately.
type ProfileRepository interface {
	GetProfile(ctx context.Context, userID string) (domainauth.Profile, error)
}

// PersonRepository performs point lookups of person records.
type PersonRepository interface {
	GetPerson(ctx context.Context, personID string) (domainauth.Person, error)
}
