// Package migrate applies the embedded SQL schema.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// lockKey is the pg_advisory_lock key that serializes concurrent runs.
const lockKey int64 = 0x73746f636b // "stock"

// ErrChecksumMismatch reports an applied migration whose file has since changed.
var ErrChecksumMismatch = errors.New("migration checksum mismatch")

// Migration is one SQL file and its applied state.
type Migration struct {
	Version   string
	Checksum  string
	Applied   bool
	AppliedAt time.Time
	sql       string
}

// Options configures a Migrator. Zero values use the embedded files and slog.Default.
type Options struct {
	FS     fs.FS
	Dir    string
	Logger *slog.Logger
}

// Migrator applies SQL files in name order, each exactly once.
type Migrator struct {
	fs     fs.FS
	dir    string
	logger *slog.Logger
}

// New creates a Migrator.
func New(opts Options) *Migrator {
	m := &Migrator{fs: opts.FS, dir: opts.Dir, logger: opts.Logger}
	if m.fs == nil {
		m.fs = migrationsFS
		m.dir = "migrations"
	}
	if m.dir == "" {
		m.dir = "."
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "migrations")
	return m
}

// Run applies the embedded migrations. It is safe to call multiple times and
// from several processes at once.
func Run(ctx context.Context, db *sql.DB) error {
	_, err := New(Options{}).Apply(ctx, db)
	return err
}

// Apply runs every pending migration and returns the versions it applied.
func (m *Migrator) Apply(ctx context.Context, db *sql.DB) ([]string, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			m.logger.WarnContext(ctx, "release migration connection failed", "error", cerr)
		}
	}()

	if _, err = conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, uerr := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockKey); uerr != nil {
			m.logger.WarnContext(ctx, "release migration lock failed", "error", uerr)
		}
	}()

	if err = ensureTable(ctx, conn); err != nil {
		return nil, err
	}
	migrations, err := m.load(ctx, conn)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, mig := range migrations {
		if mig.Applied {
			continue
		}
		if err = m.apply(ctx, conn, mig); err != nil {
			return applied, err
		}
		applied = append(applied, mig.Version)
	}
	return applied, nil
}

// Status lists every known migration with its applied state.
func (m *Migrator) Status(ctx context.Context, db *sql.DB) ([]Migration, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if err = ensureTable(ctx, conn); err != nil {
		return nil, err
	}
	return m.load(ctx, conn)
}

func ensureTable(ctx context.Context, conn *sql.Conn) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''`,
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("prepare schema_migrations: %w", err)
		}
	}
	return nil
}

// load reads the files and merges the applied state. An applied file whose
// checksum changed is an error; a row recorded without a checksum is backfilled.
func (m *Migrator) load(ctx context.Context, conn *sql.Conn) ([]Migration, error) {
	files, err := m.readFiles()
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, `SELECT version, checksum, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	type appliedRow struct {
		checksum string
		at       time.Time
	}
	applied := map[string]appliedRow{}
	for rows.Next() {
		var v string
		var r appliedRow
		if err = rows.Scan(&v, &r.checksum, &r.at); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[v] = r
	}
	if err = errors.Join(rows.Err(), rows.Close()); err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}

	for i := range files {
		r, ok := applied[files[i].Version]
		if !ok {
			continue
		}
		files[i].Applied = true
		files[i].AppliedAt = r.at
		switch r.checksum {
		case files[i].Checksum:
		case "":
			if _, err = conn.ExecContext(ctx,
				`UPDATE schema_migrations SET checksum = $2 WHERE version = $1`,
				files[i].Version, files[i].Checksum); err != nil {
				return nil, fmt.Errorf("backfill checksum %s: %w", files[i].Version, err)
			}
		default:
			return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, files[i].Version)
		}
	}
	return files, nil
}

func (m *Migrator) readFiles() ([]Migration, error) {
	entries, err := fs.ReadDir(m.fs, m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		body, rerr := fs.ReadFile(m.fs, path.Join(m.dir, e.Name()))
		if rerr != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), rerr)
		}
		sum := sha256.Sum256(body)
		out = append(out, Migration{
			Version:  strings.TrimSuffix(e.Name(), ".sql"),
			Checksum: hex.EncodeToString(sum[:]),
			sql:      string(body),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, mig Migration) error {
	m.logger.InfoContext(ctx, "applying migration", "version", mig.Version)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			m.logger.ErrorContext(ctx, "failed to rollback transaction", "err", rollbackErr, "version", mig.Version)
		}
	}()

	if _, err = tx.ExecContext(ctx, mig.sql); err != nil {
		return fmt.Errorf("exec migration %s: %w", mig.Version, err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)`,
		mig.Version, mig.Checksum); err != nil {
		return fmt.Errorf("record migration %s: %w", mig.Version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", mig.Version, err)
	}
	return nil
}
