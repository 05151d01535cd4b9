package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	domainauth "github.com/target/stockroom/internal/domain/auth"
	"github.com/target/stockroom/internal/migrate"
)

func TestCommandsAreNamedByKey(t *testing.T) {
	for key, cmd := range commands() {
		assert.Equal(t, key, cmd.name)
		assert.NotNil(t, cmd.run, key)
		assert.NotEmpty(t, cmd.description, key)
	}
}

func TestParseMigrateFlags(t *testing.T) {
	opts, err := parseMigrateFlags("migrate", nil)
	require.NoError(t, err)
	assert.Equal(t, defaultMigrationTimeout, opts.Timeout)

	_, err = parseMigrateFlags("migrate-status", []string{"--timeout", "0s"})
	require.Error(t, err)
}

func TestPrintMigrationStatus(t *testing.T) {
	var buf bytes.Buffer
	err := printMigrationStatus(&buf, []migrate.Migration{
		{
			Version:   "000001_profiles",
			Checksum:  strings.Repeat("ab", 32),
			Applied:   true,
			AppliedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		},
		{Version: "000002_change_notify", Checksum: "short"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "VERSION"))
	assert.Contains(t, lines[1], "2024-05-01T12:00:00Z")
	assert.Contains(t, lines[1], "abababababab")
	assert.NotContains(t, lines[1], strings.Repeat("ab", 7))
	assert.Contains(t, lines[2], "pending")
	assert.Contains(t, lines[2], "short")
}

func TestParseProfileDeleteFlags(t *testing.T) {
	opts, err := parseProfileDeleteFlags(nil, "dev-user")
	require.NoError(t, err)
	assert.Equal(t, "dev-user", opts.UserID)
	assert.Equal(t, defaultSessionTimeout, opts.Timeout)
	assert.False(t, opts.Yes)

	opts, err = parseProfileDeleteFlags([]string{"--user", " u-2 ", "--yes"}, "dev-user")
	require.NoError(t, err)
	assert.Equal(t, "u-2", opts.UserID)
	assert.True(t, opts.Yes)

	_, err = parseProfileDeleteFlags([]string{"--user", " "}, "dev-user")
	require.Error(t, err)
}

func TestProfileDeleteConfirm(t *testing.T) {
	opts := profileDeleteConfirmOptions{userID: "u-1"}
	assert.False(t, opts.IsYes())
	assert.Equal(t, `profile "u-1"`, opts.GetTarget())
	assert.NotEmpty(t, opts.GetWarning())
}

func TestParseDBResetFlags(t *testing.T) {
	opts, err := parseDBResetFlags([]string{"--yes", "--seed", "--timeout", "10s"})
	require.NoError(t, err)
	assert.True(t, opts.Yes)
	assert.True(t, opts.Seed)
	assert.False(t, opts.AllowRemote)
	assert.Equal(t, 10*time.Second, opts.Timeout)
}

func TestParseLoginFlags(t *testing.T) {
	t.Run("password flag", func(t *testing.T) {
		opts, err := parseLoginFlags([]string{"--email", " a@example.com ", "--password", "pw"}, strings.NewReader(""))
		require.NoError(t, err)
		assert.Equal(t, "a@example.com", opts.Email)
		assert.Equal(t, "pw", opts.Password)
	})

	t.Run("password stdin", func(t *testing.T) {
		opts, err := parseLoginFlags([]string{"--email", "a@example.com", "--password-stdin"}, strings.NewReader("s3cret\n"))
		require.NoError(t, err)
		assert.Equal(t, "s3cret", opts.Password)
	})

	t.Run("errors", func(t *testing.T) {
		cases := map[string][]string{
			"missing email":    {"--password", "pw"},
			"missing password": {"--email", "a@example.com"},
			"both passwords":   {"--email", "a@example.com", "--password", "pw", "--password-stdin"},
			"bad timeout":      {"--email", "a@example.com", "--password", "pw", "--timeout", "-1s"},
		}
		for name, args := range cases {
			_, err := parseLoginFlags(args, strings.NewReader("x\n"))
			assert.Error(t, err, name)
		}
	})
}

func TestIsLikelyRemoteHost(t *testing.T) {
	local := []string{"", "localhost", "127.0.0.1", "::1", "db.local", " LOCALHOST "}
	for _, h := range local {
		assert.False(t, isLikelyRemoteHost(h), h)
	}
	remote := []string{"db.example.com", "10.0.0.5"}
	for _, h := range remote {
		assert.True(t, isLikelyRemoteHost(h), h)
	}
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"stock"`, quoteIdentifier("stock"))
	assert.Equal(t, `"we""ird"`, quoteIdentifier(`we"ird`))
}

func TestConfirmActionFrom(t *testing.T) {
	opts := cacheClearConfirmOptions{key: "profile"}

	require.NoError(t, confirmActionFrom(strings.NewReader("y\n"), opts, "clear"))
	require.NoError(t, confirmActionFrom(strings.NewReader("YES\n"), opts, "clear"))
	require.Error(t, confirmActionFrom(strings.NewReader("n\n"), opts, "clear"))
	require.Error(t, confirmActionFrom(strings.NewReader(""), opts, "clear"))

	opts.yes = true
	require.NoError(t, confirmActionFrom(strings.NewReader(""), opts, "clear"))
}

func TestDBResetConfirm_RemoteHostIgnoresYes(t *testing.T) {
	opts := dbResetConfirmOptions{yes: true, remoteHost: "db.example.com"}
	assert.False(t, opts.IsYes())
	assert.Contains(t, opts.GetWarning(), "db.example.com")
}

func TestPrintSnapshot_Table(t *testing.T) {
	var buf bytes.Buffer
	snap := domainauth.Snapshot{
		State:   domainauth.StateAuthenticated,
		Session: &domainauth.Session{AccessToken: "tok", ExpiresAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		User:    &domainauth.SessionUser{ID: "u-1", Email: "u@example.com"},
		Profile: &domainauth.Profile{
			ID:         "u-1",
			Role:       domainauth.RoleAdmin,
			Department: &domainauth.Department{ID: "d", Name: "Stockroom"},
			Person:     &domainauth.Person{FirstName: "Dev", LastName: "User", Status: domainauth.PersonActive},
		},
		Warning: errors.New("person lookup timed out"),
	}
	require.NoError(t, printSnapshot(&buf, snap, false))

	out := buf.String()
	assert.Contains(t, out, "authenticated")
	assert.Contains(t, out, "u@example.com (u-1)")
	assert.Contains(t, out, "2026-01-02T03:04:05Z")
	assert.Contains(t, out, "Stockroom")
	assert.Contains(t, out, "Dev User [active]")
	assert.Regexp(t, `Admin:\s+yes`, out)
	assert.Contains(t, out, "person lookup timed out")
	assert.NotContains(t, out, "tok")
}

func TestPrintSnapshot_JSONOmitsTokens(t *testing.T) {
	var buf bytes.Buffer
	snap := domainauth.Snapshot{
		State:   domainauth.StateUnauthenticated,
		Session: &domainauth.Session{AccessToken: "secret-token", RefreshToken: "refresh"},
		Error:   errors.New("profile not found"),
	}
	require.NoError(t, printSnapshot(&buf, snap, true))
	assert.NotContains(t, buf.String(), "secret-token")

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "unauthenticated", got["state"])
	assert.Equal(t, "profile not found", got["error"])
}
