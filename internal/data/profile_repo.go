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

var _ ports.ProfileRepository = (*ProfileRepo)(nil)

// ProfileRepo provides database operations for profiles and departments.
type ProfileRepo struct {
	DB    *sql.DB
	clock clock.Clock
}

// NewProfileRepo creates a new ProfileRepo using the system clock.
func NewProfileRepo(db *sql.DB) *ProfileRepo {
	return &ProfileRepo{DB: db, clock: clock.Real{}}
}

// NewProfileRepoWithClock creates a ProfileRepo that stamps rows with c.
func NewProfileRepoWithClock(db *sql.DB, c clock.Clock) *ProfileRepo {
	return &ProfileRepo{DB: db, clock: c}
}

const profileColumns = `p.id, p.email, p.role, p.linked_person_id, p.department_id, d.id, d.name`

const upsertProfileSQL = `
	INSERT INTO profiles (id, email, role, linked_person_id, department_id, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $6)
	ON CONFLICT (id) DO UPDATE SET
		email = EXCLUDED.email,
		role = EXCLUDED.role,
		linked_person_id = EXCLUDED.linked_person_id,
		department_id = EXCLUDED.department_id,
		updated_at = EXCLUDED.updated_at
`

const upsertDepartmentSQL = `
	INSERT INTO departments (id, name, created_at, updated_at)
	VALUES ($1, $2, $3, $3)
	ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, updated_at = EXCLUDED.updated_at
`

// GetProfile loads the profile for userID with its department. Person is never populated.
func (r *ProfileRepo) GetProfile(ctx context.Context, userID string) (domainauth.Profile, error) {
	if strings.TrimSpace(userID) == "" {
		return domainauth.Profile{}, apperrors.Validation("user id is required")
	}

	var out domainauth.Profile
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx, `
			SELECT `+profileColumns+`
			FROM profiles p
			LEFT JOIN departments d ON d.id = p.department_id
			WHERE p.id = $1
		`, userID)
		var scanErr error
		out, scanErr = scanProfile(row)
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return domainauth.Profile{}, ports.ErrProfileRecordNotFound
	}
	if err != nil {
		return domainauth.Profile{}, fmt.Errorf("get profile: %w", apperrors.MapDBError(err))
	}
	return out, nil
}

// UpsertProfile inserts or replaces a profile row. Department and Person are not written.
func (r *ProfileRepo) UpsertProfile(ctx context.Context, p domainauth.Profile) error {
	if strings.TrimSpace(p.ID) == "" {
		return apperrors.Validation("profile id is required")
	}
	role := p.Role
	if role == "" {
		role = domainauth.RoleUser
	}
	now := r.clock.Now().UTC()
	_, err := r.DB.ExecContext(ctx, upsertProfileSQL,
		p.ID, p.Email, string(role), nullString(p.LinkedPersonID), nullString(p.DepartmentID), now)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", apperrors.MapDBError(err))
	}
	return nil
}

// UpsertDepartment inserts or renames a department.
func (r *ProfileRepo) UpsertDepartment(ctx context.Context, d domainauth.Department) error {
	if strings.TrimSpace(d.ID) == "" {
		return apperrors.Validation("department id is required")
	}
	now := r.clock.Now().UTC()
	_, err := r.DB.ExecContext(ctx, upsertDepartmentSQL, d.ID, strings.TrimSpace(d.Name), now)
	if err != nil {
		return fmt.Errorf("upsert department: %w", apperrors.MapDBError(err))
	}
	return nil
}

// SaveProfile writes p and, when p.Department is set, its department in a
// single transaction. p.Department.ID overrides p.DepartmentID. Person is not written.
func (r *ProfileRepo) SaveProfile(ctx context.Context, p domainauth.Profile) error {
	if strings.TrimSpace(p.ID) == "" {
		return apperrors.Validation("profile id is required")
	}
	if p.Department != nil {
		if strings.TrimSpace(p.Department.ID) == "" {
			return apperrors.Validation("department id is required")
		}
		p.DepartmentID = p.Department.ID
	}
	role := p.Role
	if role == "" {
		role = domainauth.RoleUser
	}
	now := r.clock.Now().UTC()

	err := pgxutil.WithPgxTx(ctx, r.DB, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if d := p.Department; d != nil {
			if _, err := tx.Exec(ctx, upsertDepartmentSQL, d.ID, strings.TrimSpace(d.Name), now); err != nil {
				return fmt.Errorf("upsert department: %w", err)
			}
		}
		_, err := tx.Exec(ctx, upsertProfileSQL,
			p.ID, p.Email, string(role), nullString(p.LinkedPersonID), nullString(p.DepartmentID), now)
		return err
	})
	if err != nil {
		return fmt.Errorf("save profile: %w", apperrors.MapDBError(err))
	}
	return nil
}

// DeleteProfile removes a profile. It reports whether a row was deleted.
func (r *ProfileRepo) DeleteProfile(ctx context.Context, userID string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM profiles WHERE id = $1`, userID)
	if err != nil {
		return false, fmt.Errorf("delete profile: %w", apperrors.MapDBError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete profile rows affected: %w", err)
	}
	return n > 0, nil
}

func scanProfile(row pgx.Row) (domainauth.Profile, error) {
	var (
		p            domainauth.Profile
		role         string
		linkedPerson *string
		departmentID *string
		deptID       *string
		deptName     *string
	)
	if err := row.Scan(&p.ID, &p.Email, &role, &linkedPerson, &departmentID, &deptID, &deptName); err != nil {
		return domainauth.Profile{}, err
	}
	p.Role = domainauth.ParseRole(role)
	if linkedPerson != nil {
		p.LinkedPersonID = *linkedPerson
	}
	if departmentID != nil {
		p.DepartmentID = *departmentID
	}
	if deptID != nil {
		p.Department = &domainauth.Department{ID: *deptID}
		if deptName != nil {
			p.Department.Name = *deptName
		}
	}
	return p, nil
}

func nullString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
