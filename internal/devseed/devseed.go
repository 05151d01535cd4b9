package devseed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/target/stockroom/config"
	"github.com/target/stockroom/internal/data"
	domainauth "github.com/target/stockroom/internal/domain/auth"
)

// Services bundles the dependencies needed for development seeding.
type Services struct {
	DB       *sql.DB
	profiles *data.ProfileRepo
	persons  *data.PersonRepo
}

// NewServices constructs the repositories used for seeding.
func NewServices(db *sql.DB) Services {
	return Services{
		DB:       db,
		profiles: data.NewProfileRepo(db),
		persons:  data.NewPersonRepo(db),
	}
}

// Fixture describes the records seeded for the development user.
type Fixture struct {
	Department domainauth.Department
	Person     domainauth.Person
	Profile    domainauth.Profile
}

// DevFixture builds the seed records for the configured development identity.
func DevFixture(cfg config.DevAuthConfig) Fixture {
	dept := domainauth.Department{ID: "dept-stockroom", Name: "Stockroom"}
	person := domainauth.Person{
		ID:        "person-" + cfg.UserID,
		FirstName: "Dev",
		LastName:  "User",
		Email:     cfg.Email,
		Status:    domainauth.PersonActive,
	}
	return Fixture{
		Department: dept,
		Person:     person,
		Profile: domainauth.Profile{
			ID:             cfg.UserID,
			Email:          cfg.Email,
			Role:           domainauth.RoleAdmin,
			LinkedPersonID: person.ID,
			DepartmentID:   dept.ID,
		},
	}
}

// Run seeds f. Every write is an upsert so the command can be repeated.
func Run(ctx context.Context, svcs Services, f Fixture, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := svcs.persons.UpsertPerson(ctx, f.Person); err != nil {
		return fmt.Errorf("seed person: %w", err)
	}
	logger.InfoContext(ctx, "seeded person", "id", f.Person.ID, "status", f.Person.Status)

	profile := f.Profile
	profile.Department = &f.Department
	if err := svcs.profiles.SaveProfile(ctx, profile); err != nil {
		return fmt.Errorf("seed profile: %w", err)
	}
	logger.InfoContext(ctx, "seeded profile", "id", f.Profile.ID, "role", f.Profile.Role, "department_id", f.Department.ID)
	return nil
}
