// Package testutil provides Postgres and Redis fixtures for adapter tests.
// Tests skip when the services are absent unless TEST_REQUIRE_INFRA is set.
package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/target/stockroom/config"
	"github.com/target/stockroom/internal/migrate"
)

// defaultTestDBPort is the host port of the docker-compose test profile.
const defaultTestDBPort = 55432

// TestingTB is the subset of testing.TB the fixtures need.
type TestingTB interface {
	Helper()
	Skip(args ...any)
	Skipf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Logf(format string, args ...any)
}

type cleaner interface{ Cleanup(func()) }

// TestDBConfig reads TEST_DB_* overrides on top of the local test profile.
// CI sets TEST_DB_PORT=5432.
func TestDBConfig() config.DBConfig {
	port := defaultTestDBPort
	if v := os.Getenv("TEST_DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}
	return config.DBConfig{
		Host:     envOr("TEST_DB_HOST", "localhost"),
		Port:     port,
		User:     envOr("TEST_DB_USER", "stockroom"),
		Password: envOr("TEST_DB_PASSWORD", "stockroom"),
		Name:     envOr("TEST_DB_NAME", "stockroom"),
		SSLMode:  envOr("DB_SSL_MODE", "disable"),
	}
}

// SetupAutoDB returns a migrated database for one test. By default the test
// gets its own schema, dropped on cleanup. TEST_DB_SHARED=1 uses the public
// schema instead and empties the profile tables around the test.
func SetupAutoDB(t TestingTB) *sql.DB {
	t.Helper()
	SkipIfNoTestDB(t)
	if envBool("TEST_DB_SHARED") {
		return setupSharedDB(t)
	}
	return setupSchemaDB(t)
}

// SkipIfNoTestDB skips (or fails, when required) if Postgres cannot be reached.
func SkipIfNoTestDB(t TestingTB) {
	t.Helper()

	db, err := sql.Open("pgx", TestDBConfig().DSN())
	if err != nil {
		skipOrFail(t, requireDB(), "test database not available:", err)
		return
	}
	defer closeAndLog(t, "ping DB", db)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if pingErr := db.PingContext(ctx); pingErr != nil {
		skipOrFail(t, requireDB(), "test database not available:", pingErr)
	}
}

func setupSharedDB(t TestingTB) *sql.DB {
	t.Helper()
	db := openMigrated(t, TestDBConfig().DSN())
	truncateProfiles(t, db)
	if tc, ok := t.(cleaner); ok {
		tc.Cleanup(func() {
			truncateProfiles(t, db)
			closeAndLog(t, "shared DB", db)
		})
	}
	return db
}

func setupSchemaDB(t TestingTB) *sql.DB {
	t.Helper()

	adminDB, err := sql.Open("pgx", TestDBConfig().DSN())
	if err != nil {
		t.Fatal("open admin DB:", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	schema := schemaName()
	if _, err = adminDB.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		closeAndLog(t, "admin DB", adminDB)
		t.Fatalf("create schema %s: %v", schema, err)
	}

	dsn, err := withSearchPath(TestDBConfig().DSN(), schema)
	if err != nil {
		closeAndLog(t, "admin DB", adminDB)
		t.Fatal("build schema DSN:", err)
	}
	var db *sql.DB
	if tc, ok := t.(cleaner); ok {
		tc.Cleanup(func() {
			if db != nil {
				closeAndLog(t, "schema DB", db)
			}
			dropCtx, dropCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer dropCancel()
			if _, dropErr := adminDB.ExecContext(dropCtx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); dropErr != nil {
				t.Logf("warning: drop schema %s: %v", schema, dropErr)
			}
			closeAndLog(t, "admin DB", adminDB)
		})
	}
	db = openMigrated(t, dsn)
	return db
}

func openMigrated(t TestingTB, dsn string) *sql.DB {
	t.Helper()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatal("open test DB:", err)
	}
	db.SetMaxOpenConns(10)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		closeAndLog(t, "test DB", db)
		t.Fatal("connect test DB (is docker-compose up?):", err)
	}
	if err = migrate.Run(ctx, db); err != nil {
		closeAndLog(t, "test DB", db)
		t.Fatal("run migrations:", err)
	}
	return db
}

func truncateProfiles(t TestingTB, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "TRUNCATE profiles, persons, departments"); err != nil {
		t.Fatalf("truncate profile tables: %v", err)
	}
}

// withSearchPath pins every pooled connection to schema, falling back to public.
func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("search_path", schema+",public")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func schemaName() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("t_%d", time.Now().UnixNano())
	}
	return "t_" + hex.EncodeToString(b)
}

// SetupTestRedis returns a client on an emptied Redis DB reserved for this test.
func SetupTestRedis(t TestingTB) *redis.Client {
	t.Helper()

	addr, ok := findRedis(t)
	if !ok {
		skipOrFail(t, requireRedis(), "redis not available for testing")
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: reserveRedisDB(t, addr)})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.FlushDB(ctx).Err(); err != nil {
		closeAndLog(t, "redis client", client)
		skipOrFail(t, requireRedis(), "flush redis test DB:", err)
		return nil
	}
	if tc, ok := t.(cleaner); ok {
		tc.Cleanup(func() { closeAndLog(t, "redis client", client) })
	}
	return client
}

// findRedis tries REDIS_ADDR, then the CI and local defaults.
func findRedis(t TestingTB) (string, bool) {
	t.Helper()
	candidates := []string{"redis:6379", "localhost:6379", "localhost:56379"}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		candidates = []string{addr}
	}
	for _, addr := range candidates {
		if pingRedis(addr) == nil {
			return addr, true
		}
	}
	t.Logf("redis not reachable at %s", strings.Join(candidates, ", "))
	return "", false
}

func pingRedis(addr string) error {
	c := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return c.Ping(ctx).Err()
}

// reserveRedisDB picks TEST_REDIS_DB, or claims one of DBs 1-15 with a lock
// key in DB 0 so parallel packages do not flush each other. It falls back to DB 1.
func reserveRedisDB(t TestingTB, addr string) int {
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
		t.Logf("ignoring invalid TEST_REDIS_DB=%q", v)
	}

	meta := redis.NewClient(&redis.Options{Addr: addr})
	defer closeAndLog(t, "redis meta client", meta)

	owner := fmt.Sprintf("%d:%d", os.Getpid(), time.Now().UnixNano())
	for db := 1; db <= 15; db++ {
		key := fmt.Sprintf("stockroom:testutil:db_lock:%d", db)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		claimed, err := meta.SetNX(ctx, key, owner, 30*time.Minute).Result()
		cancel()
		if err != nil || !claimed {
			continue
		}
		if tc, ok := t.(cleaner); ok {
			tc.Cleanup(func() { releaseRedisDB(t, addr, key) })
		}
		return db
	}
	t.Logf("no free redis test DB at %s, using DB 1", addr)
	return 1
}

func releaseRedisDB(t TestingTB, addr, key string) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	defer closeAndLog(t, "redis cleanup client", c)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Del(ctx, key).Err(); err != nil {
		t.Logf("warning: release redis db lock %s: %v", key, err)
	}
}

func skipOrFail(t TestingTB, required bool, args ...any) {
	if required {
		t.Fatal(args...)
	}
	t.Skip(args...)
}

func closeAndLog(t TestingTB, name string, closer interface{ Close() error }) {
	if err := closer.Close(); err != nil {
		t.Logf("warning: close %s: %v", name, err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

func requireDB() bool    { return envBool("TEST_REQUIRE_DB") || envBool("TEST_REQUIRE_INFRA") }
func requireRedis() bool { return envBool("TEST_REQUIRE_REDIS") || envBool("TEST_REQUIRE_INFRA") }
