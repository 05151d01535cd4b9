package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/target/stockroom/internal/clock"
	"github.com/target/stockroom/internal/data/pgxutil"
	domainauth "github.com/target/stockroom/internal/domain/auth"
	apperrors "github.com/target/stockroom/internal/errors"
	"github.com/target/stockroom/internal/ports"
)

var _ ports.PersonRepository = (*PersonRepo)(nil)

// PersonRepo provides database operations for persons.
type PersonRepo struct {
	DB    *sql.DB
	clock clock.Clock
}

// NewPersonRepo creates a new PersonRepo using the system clock.
func NewPersonRepo(db *sql.DB) *PersonRepo {
	return &PersonRepo{DB: db, clock: clock.Real{}}
}

// GetPerson loads a person by id.
func (r *PersonRepo) GetPerson(ctx context.Context, personID string) (domainauth.Person, error) {
	if strings.TrimSpace(personID) == "" {
		return domainauth.Person{}, apperrors.Validation("person id is required")
	}

	var out domainauth.Person
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		var status string
		scanErr := conn.QueryRow(ctx, `
			SELECT id, first_name, last_name, email, status
			FROM persons
			WHERE id = $1
		`, personID).Scan(&out.ID, &out.FirstName, &out.LastName, &out.Email, &status)
		out.Status = domainauth.PersonStatus(status)
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return domainauth.Person{}, ports.ErrPersonNotFound
	}
	if err != nil {
		return domainauth.Person{}, fmt.Errorf("get person: %w", apperrors.MapDBError(err))
	}
	return out, nil
}

// UpsertPerson inserts or replaces a person row.
func (r *PersonRepo) UpsertPerson(ctx context.Context, p domainauth.Person) error {
	if strings.TrimSpace(p.ID) == "" {
		return apperrors.Validation("person id is required")
	}
	status := p.Status
	if status == "" {
		status = domainauth.PersonActive
	}
	if status != domainauth.PersonActive && status != domainauth.PersonInactive {
		return apperrors.Validation(fmt.Sprintf("unknown person status %q", status))
	}
	now := r.clock.Now().UTC()
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO persons (id, first_name, last_name, email, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			email = EXCLUDED.email,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`, p.ID, p.FirstName, p.LastName, p.Email, string(status), now)
	if err != nil {
		return fmt.Errorf("upsert person: %w", apperrors.MapDBError(err))
	}
	return nil
}

// SetStatus changes a person's status. It returns ErrPersonNotFound when no row matched.
func (r *PersonRepo) SetStatus(ctx context.Context, personID string, status domainauth.PersonStatus) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE persons SET status = $2, updated_at = $3 WHERE id = $1`,
		personID, string(status), r.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("set person status: %w", apperrors.MapDBError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set person status rows affected: %w", err)
	}
	if n == 0 {
		return ports.ErrPersonNotFound
	}
	return nil
}
