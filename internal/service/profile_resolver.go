package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	domainauth "github.com/target/stockroom/internal/domain/auth"
	apperrors "github.com/target/stockroom/internal/errors"
	"github.com/target/stockroom/internal/ports"
	"github.com/target/stockroom/internal/timeout"
)

// Default lookup deadlines for ProfileResolver.
const (
	DefaultProfileTimeout = 30 * time.Second
	DefaultPersonTimeout  = 30 * time.Second
)

// ProfileResolverOptions groups dependencies for ProfileResolver.
type ProfileResolverOptions struct {
	Profiles       ports.ProfileRepository
	Persons        ports.PersonRepository
	ProfileTimeout time.Duration
	PersonTimeout  time.Duration
	Logger         *slog.Logger
}

// ProfileResolver assembles an application profile from the profile record
// and its linked person record.
type ProfileResolver struct {
	profiles       ports.ProfileRepository
	persons        ports.PersonRepository
	profileTimeout time.Duration
	personTimeout  time.Duration
	logger         *slog.Logger
}

// NewProfileResolver constructs a ProfileResolver.
func NewProfileResolver(opts ProfileResolverOptions) *ProfileResolver {
	r := &ProfileResolver{
		profiles:       opts.Profiles,
		persons:        opts.Persons,
		profileTimeout: opts.ProfileTimeout,
		personTimeout:  opts.PersonTimeout,
		logger:         opts.Logger,
	}
	if r.profileTimeout <= 0 {
		r.profileTimeout = DefaultProfileTimeout
	}
	if r.personTimeout <= 0 {
		r.personTimeout = DefaultPersonTimeout
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "profile_resolver")
	return r
}

// Resolve loads the profile for userID and attaches email and the linked person.
//
// The profile row is required: a timeout, lookup error or missing row fails
// resolution. The person row is enrichment: lookup failures leave Person nil,
// except that a person found in a non-active status fails with PersonInactive.
func (r *ProfileResolver) Resolve(ctx context.Context, userID, email string) (domainauth.Profile, error) {
	if userID == "" {
		return domainauth.Profile{}, apperrors.Validation("user id is required")
	}

	profile, err := timeout.Run(ctx, r.profileTimeout, apperrors.Timeout("profile fetch"),
		func(ctx context.Context) (domainauth.Profile, error) {
			return r.profiles.GetProfile(ctx, userID)
		})
	if err != nil {
		return domainauth.Profile{}, mapProfileLookupError(userID, err)
	}

	// The identity provider is authoritative for email.
	profile.Email = email
	profile.Person = nil

	if profile.LinkedPersonID == "" {
		return profile, nil
	}

	person, err := timeout.Run(ctx, r.personTimeout, apperrors.Timeout("person fetch"),
		func(ctx context.Context) (domainauth.Person, error) {
			return r.persons.GetPerson(ctx, profile.LinkedPersonID)
		})
	if err != nil {
		r.logger.WarnContext(ctx, "linked person lookup failed; continuing without person",
			"user_id", userID,
			"person_id", profile.LinkedPersonID,
			"error", err,
		)
		return profile, nil
	}

	if !person.IsActive() {
		return domainauth.Profile{}, apperrors.PersonInactive(profile.LinkedPersonID)
	}

	profile.Person = &person
	return profile, nil
}

func mapProfileLookupError(userID string, err error) error {
	switch {
	case apperrors.IsTimeout(err), apperrors.IsCanceled(err):
		return err
	case errors.Is(err, ports.ErrProfileRecordNotFound), apperrors.IsNotFound(err):
		return apperrors.ProfileNotFound(userID)
	default:
		return apperrors.Provider("profile lookup", err)
	}
}
