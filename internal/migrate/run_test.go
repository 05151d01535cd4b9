package migrate_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/stockroom/internal/migrate"
	"github.com/target/stockroom/internal/testutil"
)

// scratch returns unique version and table names and drops both afterwards.
func scratch(t *testing.T, db *sql.DB) (string, string) {
	t.Helper()
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	version := "9999_" + id
	table := "mig_check_" + id
	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = db.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version LIKE $1`, version+"%")
		_, _ = db.ExecContext(ctx, `DROP TABLE IF EXISTS `+table)
	})
	return version, table
}

func TestEmbeddedMigrationsAreApplied(t *testing.T) {
	db := testutil.SetupAutoDB(t)
	ctx := context.Background()

	status, err := migrate.New(migrate.Options{}).Status(ctx, db)
	require.NoError(t, err)
	require.NotEmpty(t, status)
	for _, m := range status {
		assert.True(t, m.Applied, m.Version)
		assert.Len(t, m.Checksum, 64)
	}
	require.NoError(t, migrate.Run(ctx, db))
}

func TestMigrator_ApplyIsIdempotent(t *testing.T) {
	db := testutil.SetupAutoDB(t)
	ctx := context.Background()
	version, table := scratch(t, db)

	files := fstest.MapFS{
		version + "_a.sql": {Data: []byte("CREATE TABLE " + table + " (id INT PRIMARY KEY)")},
		version + "_b.sql": {Data: []byte("INSERT INTO " + table + " (id) VALUES (1)")},
		"README.md":        {Data: []byte("ignored")},
	}
	m := migrate.New(migrate.Options{FS: files})

	applied, err := m.Apply(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []string{version + "_a", version + "_b"}, applied)

	applied, err = m.Apply(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, applied)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT count(*) FROM "+table).Scan(&n))
	assert.Equal(t, 1, n)

	status, err := m.Status(ctx, db)
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.True(t, status[0].Applied)
	assert.False(t, status[0].AppliedAt.IsZero())
}

func TestMigrator_DetectsEditedMigration(t *testing.T) {
	db := testutil.SetupAutoDB(t)
	ctx := context.Background()
	version, table := scratch(t, db)

	name := version + "_a.sql"
	_, err := migrate.New(migrate.Options{FS: fstest.MapFS{
		name: {Data: []byte("CREATE TABLE " + table + " (id INT)")},
	}}).Apply(ctx, db)
	require.NoError(t, err)

	_, err = migrate.New(migrate.Options{FS: fstest.MapFS{
		name: {Data: []byte("CREATE TABLE " + table + " (id BIGINT)")},
	}}).Apply(ctx, db)
	require.ErrorIs(t, err, migrate.ErrChecksumMismatch)
}

func TestMigrator_FailedMigrationIsNotRecorded(t *testing.T) {
	db := testutil.SetupAutoDB(t)
	ctx := context.Background()
	version, _ := scratch(t, db)

	m := migrate.New(migrate.Options{FS: fstest.MapFS{
		version + "_bad.sql": {Data: []byte("THIS IS NOT SQL")},
	}})
	_, err := m.Apply(ctx, db)
	require.Error(t, err)

	status, err := m.Status(ctx, db)
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.False(t, status[0].Applied)
}
