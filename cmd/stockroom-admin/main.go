package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/target/stockroom/config"
	"github.com/target/stockroom/internal/bootstrap"
	"github.com/target/stockroom/internal/data"
	"github.com/target/stockroom/internal/devseed"
	"github.com/target/stockroom/internal/migrate"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

const (
	defaultMigrationTimeout = 5 * time.Minute
	defaultSessionTimeout   = time.Minute
)

func main() {
	logger := bootstrap.InitLogger("info", "text")

	if len(os.Args) < 2 {
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}
	logger = bootstrap.InitLogger(cfg.LogLevel, cfg.LogFormat)

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"db-reset": {
			name:        "db-reset",
			description: "Drop the database schema, run migrations, and optionally seed data",
			run:         runDBReset,
		},
		"db-seed": {
			name:        "db-seed",
			description: "Run database migrations and seed the development user's profile",
			run:         runDBSeed,
		},
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrations,
		},
		"migrate-status": {
			name:        "migrate-status",
			description: "List embedded migrations and whether each is applied",
			run:         runMigrationStatus,
		},
		"profile-delete": {
			name:        "profile-delete",
			description: "Delete a user's profile row so the next sign in fails profile resolution",
			run:         runProfileDelete,
		},
		"login": {
			name:        "login",
			description: "Sign in with email and password and reconcile the profile",
			run:         runLogin,
		},
		"logout": {
			name:        "logout",
			description: "End the stored session and clear the cached profile",
			run:         runLogout,
		},
		"whoami": {
			name:        "whoami",
			description: "Restore the stored session and print the coordinator snapshot",
			run:         runWhoami,
		},
		"cache-show": {
			name:        "cache-show",
			description: "Print the locally cached profile",
			run:         runCacheShow,
		},
		"cache-clear": {
			name:        "cache-clear",
			description: "Remove the locally cached profile",
			run:         runCacheClear,
		},
	}
}

func printUsage() error {
	if err := writef(os.Stdout, "Usage: stockroom-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(os.Stdout, "Available commands:\n"); err != nil {
		return err
	}
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writef(os.Stdout, "  %-24s %s\n", name, cmds[name].description); err != nil {
			return err
		}
	}
	return nil
}

type migrateOptions struct {
	Timeout time.Duration
}

type dbResetOptions struct {
	Timeout     time.Duration
	Yes         bool
	Seed        bool
	AllowRemote bool
}

type dbSeedOptions struct {
	Timeout     time.Duration
	AllowRemote bool
}

type profileDeleteOptions struct {
	Timeout     time.Duration
	UserID      string
	Yes         bool
	AllowRemote bool
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags("migrate", args)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		cmdCtx.Logger.Info("running database migrations")
		if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
			return fmt.Errorf("run migrations: %w", migrateErr)
		}
		cmdCtx.Logger.Info("database migrations completed successfully")
		return nil
	})
}

func runMigrationStatus(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags("migrate-status", args)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		status, statusErr := migrate.New(migrate.Options{Logger: cmdCtx.Logger}).Status(ctx, db)
		if statusErr != nil {
			return fmt.Errorf("migration status: %w", statusErr)
		}
		return printMigrationStatus(os.Stdout, status)
	})
}

func printMigrationStatus(w io.Writer, status []migrate.Migration) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writeln(tw, "VERSION\tAPPLIED\tCHECKSUM"); err != nil {
		return err
	}
	for _, m := range status {
		applied := "pending"
		if m.Applied {
			applied = m.AppliedAt.UTC().Format(time.RFC3339)
		}
		sum := m.Checksum
		if len(sum) > 12 {
			sum = sum[:12]
		}
		if err := writef(tw, "%s\t%s\t%s\n", m.Version, applied, sum); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func runDBReset(cmdCtx *commandContext, args []string) error {
	opts, err := parseDBResetFlags(args)
	if err != nil {
		return err
	}

	target := fmt.Sprintf(
		"database %q on %s:%d",
		cmdCtx.Config.Postgres.Name,
		cmdCtx.Config.Postgres.Host,
		cmdCtx.Config.Postgres.Port,
	)

	remote, err := guardRemoteHost(cmdCtx, opts.AllowRemote, "drop and recreate the public schema")
	if err != nil {
		return err
	}

	confirmOpts := dbResetConfirmOptions{
		yes:    opts.Yes,
		target: target,
	}
	if remote {
		confirmOpts.remoteHost = cmdCtx.Config.Postgres.Host
	}
	if confirmErr := confirmAction(confirmOpts, "reset database schema"); confirmErr != nil {
		return confirmErr
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		cmdCtx.Logger.Info("dropping public schema", "database", cmdCtx.Config.Postgres.Name)
		if resetErr := cmdCtx.resetDatabase(ctx, db); resetErr != nil {
			return resetErr
		}

		cmdCtx.Logger.Info("re-running database migrations")
		if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
			return fmt.Errorf("run migrations: %w", migrateErr)
		}

		if opts.Seed {
			cmdCtx.Logger.Info("seeding development data after reset")
			if seedErr := cmdCtx.seed(ctx, db); seedErr != nil {
				return seedErr
			}
		}

		cmdCtx.Logger.Info("database reset completed successfully")
		return nil
	})
}

func runDBSeed(cmdCtx *commandContext, args []string) error {
	opts, err := parseDBSeedFlags(args)
	if err != nil {
		return err
	}

	if _, guardErr := guardRemoteHost(cmdCtx, opts.AllowRemote, "seed development data on the configured database"); guardErr != nil {
		return guardErr
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		cmdCtx.Logger.Info("ensuring database migrations are current")
		if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
			return fmt.Errorf("run migrations: %w", migrateErr)
		}

		if seedErr := cmdCtx.seed(ctx, db); seedErr != nil {
			return seedErr
		}
		cmdCtx.Logger.Info("database seeding completed successfully")
		return nil
	})
}

type profileDeleteConfirmOptions struct {
	yes    bool
	userID string
}

func (p profileDeleteConfirmOptions) IsYes() bool { return p.yes }
func (p profileDeleteConfirmOptions) GetWarning() string {
	return "WARNING: the user will be signed out with a profile-not-found error on the next reconciliation."
}
func (p profileDeleteConfirmOptions) GetTarget() string { return fmt.Sprintf("profile %q", p.userID) }

func runProfileDelete(cmdCtx *commandContext, args []string) error {
	opts, err := parseProfileDeleteFlags(args, cmdCtx.Config.Identity.DevAuth.UserID)
	if err != nil {
		return err
	}

	if _, guardErr := guardRemoteHost(cmdCtx, opts.AllowRemote, "delete a profile on the configured database"); guardErr != nil {
		return guardErr
	}
	confirmOpts := profileDeleteConfirmOptions{yes: opts.Yes, userID: opts.UserID}
	if confirmErr := confirmAction(confirmOpts, "delete profile"); confirmErr != nil {
		return confirmErr
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		deleted, delErr := data.NewProfileRepo(db).DeleteProfile(ctx, opts.UserID)
		if delErr != nil {
			return delErr
		}
		if !deleted {
			return writef(os.Stdout, "No profile found for %s.\n", opts.UserID)
		}
		cmdCtx.Logger.Info("profile deleted", "user_id", opts.UserID)
		return writef(os.Stdout, "Profile %s deleted.\n", opts.UserID)
	})
}

func (cmdCtx *commandContext) seed(ctx context.Context, db *sql.DB) error {
	fixture := devseed.DevFixture(cmdCtx.Config.Identity.DevAuth)
	if err := devseed.Run(ctx, devseed.NewServices(db), fixture, cmdCtx.Logger); err != nil {
		return fmt.Errorf("seed data: %w", err)
	}
	return nil
}

func parseMigrateFlags(name string, args []string) (migrateOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := migrateOptions{
		Timeout: defaultMigrationTimeout,
	}

	fs.DurationVar(
		&opts.Timeout,
		"timeout",
		defaultMigrationTimeout,
		"Maximum duration to wait for migrations to complete",
	)

	if err := fs.Parse(args); err != nil {
		return migrateOptions{}, err
	}

	if opts.Timeout <= 0 {
		return migrateOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func parseDBResetFlags(args []string) (dbResetOptions, error) {
	fs := flag.NewFlagSet("db-reset", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := dbResetOptions{
		Timeout: defaultMigrationTimeout,
	}

	fs.DurationVar(&opts.Timeout, "timeout", defaultMigrationTimeout, "Maximum duration to wait for reset operations to complete")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")
	fs.BoolVar(&opts.Seed, "seed", false, "Seed the development user's profile after reset completes")
	fs.BoolVar(&opts.AllowRemote, "allow-remote", false, "Permit running against database hosts that do not look local")

	if err := fs.Parse(args); err != nil {
		return dbResetOptions{}, err
	}

	if opts.Timeout <= 0 {
		return dbResetOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func parseDBSeedFlags(args []string) (dbSeedOptions, error) {
	fs := flag.NewFlagSet("db-seed", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := dbSeedOptions{
		Timeout: defaultMigrationTimeout,
	}

	fs.DurationVar(&opts.Timeout, "timeout", defaultMigrationTimeout, "Maximum duration to wait for seeding to complete")
	fs.BoolVar(&opts.AllowRemote, "allow-remote", false, "Permit running against database hosts that do not look local")

	if err := fs.Parse(args); err != nil {
		return dbSeedOptions{}, err
	}

	if opts.Timeout <= 0 {
		return dbSeedOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func parseProfileDeleteFlags(args []string, defaultUserID string) (profileDeleteOptions, error) {
	fs := flag.NewFlagSet("profile-delete", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := profileDeleteOptions{
		Timeout: defaultSessionTimeout,
	}

	fs.DurationVar(&opts.Timeout, "timeout", defaultSessionTimeout, "Maximum duration to wait for the delete to complete")
	fs.StringVar(&opts.UserID, "user", defaultUserID, "Profile id to delete (defaults to the dev auth user)")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")
	fs.BoolVar(&opts.AllowRemote, "allow-remote", false, "Permit running against database hosts that do not look local")

	if err := fs.Parse(args); err != nil {
		return profileDeleteOptions{}, err
	}

	opts.UserID = strings.TrimSpace(opts.UserID)
	if opts.UserID == "" {
		return profileDeleteOptions{}, errors.New("--user is required")
	}
	if opts.Timeout <= 0 {
		return profileDeleteOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func withDatabase(
	cmdCtx *commandContext,
	timeout time.Duration,
	f func(context.Context, *sql.DB) error,
) error {
	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, _, err := connectInfraWithOptions(&connectInfraOptions{
		Logger: cmdCtx.Logger,
		Config: &cmdCtx.Config,
		WantDB: true,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", cerr)
		}
	}()

	return f(ctx, db)
}

func guardRemoteHost(cmdCtx *commandContext, allow bool, action string) (bool, error) {
	remote := isLikelyRemoteHost(cmdCtx.Config.Postgres.Host)
	if !remote {
		return false, nil
	}
	if !allow {
		return true, fmt.Errorf(
			"refusing to run against potentially remote database host %q; re-run with --allow-remote if this is intentional",
			cmdCtx.Config.Postgres.Host,
		)
	}
	if err := requireRemoteHostConfirmation(os.Stdin, action, cmdCtx.Config.Postgres.Host); err != nil {
		return true, err
	}
	return true, nil
}

func (cmdCtx *commandContext) resetDatabase(ctx context.Context, db *sql.DB) error {
	if cmdCtx == nil {
		return errors.New("command context is required")
	}

	cfg := &cmdCtx.Config.Postgres
	statements := []string{
		"DROP SCHEMA public CASCADE",
		"CREATE SCHEMA public",
		"GRANT ALL ON SCHEMA public TO public",
	}
	if user := strings.TrimSpace(cfg.User); user != "" && !strings.EqualFold(user, "public") {
		statements = append(statements, "GRANT ALL ON SCHEMA public TO "+quoteIdentifier(user))
	}

	for _, stmt := range statements {
		cmdCtx.Logger.DebugContext(ctx, "executing reset statement", "sql", stmt)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func quoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func isLikelyRemoteHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "" {
		return false
	}
	if h == "localhost" || h == "127.0.0.1" || h == "::1" {
		return false
	}
	if strings.HasSuffix(h, ".local") {
		return false
	}
	if ip := net.ParseIP(h); ip != nil {
		return !ip.IsLoopback()
	}
	return true
}

func requireRemoteHostConfirmation(in io.Reader, action, host string) error {
	if err := writef(
		os.Stderr,
		"\nWARNING: database host %q does not look like a local address.\n"+
			"This operation will %s.\n",
		host,
		action,
	); err != nil {
		return fmt.Errorf("print remote host warning: %w", err)
	}
	if err := writef(os.Stderr, "Type %q to continue or press enter to abort: ", host); err != nil {
		return fmt.Errorf("print remote host prompt: %w", err)
	}
	resp, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("aborted by user: read confirmation: %w", err)
	}
	if strings.TrimSpace(resp) != host {
		if writeErr := writeln(os.Stderr, "\nRemote safeguard check failed; aborting."); writeErr != nil {
			return fmt.Errorf("print remote safeguard failure: %w", writeErr)
		}
		return errors.New("aborted by user")
	}
	return nil
}

type confirmOptions interface {
	IsYes() bool
	GetTarget() string
	GetWarning() string
}

type dbResetConfirmOptions struct {
	yes        bool
	target     string
	remoteHost string
}

func (d dbResetConfirmOptions) IsYes() bool {
	if d.remoteHost != "" {
		return false
	}
	return d.yes
}

func (d dbResetConfirmOptions) GetWarning() string {
	warning := "WARNING: this will drop and recreate the public schema for the configured database."
	if d.remoteHost != "" {
		warning += fmt.Sprintf(" Host %q appears to be remote; double-check before proceeding.", d.remoteHost)
	}
	return warning
}
func (d dbResetConfirmOptions) GetTarget() string { return d.target }

func confirmAction(opts confirmOptions, actionType string) error {
	return confirmActionFrom(os.Stdin, opts, actionType)
}

func confirmActionFrom(in io.Reader, opts confirmOptions, actionType string) error {
	if opts.IsYes() {
		return nil
	}

	if err := printConfirmationIntro(opts, actionType); err != nil {
		return err
	}

	if err := write(os.Stdout, "Continue? [y/N]: "); err != nil {
		return fmt.Errorf("print confirmation prompt: %w", err)
	}
	resp, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("aborted by user: read confirmation: %w", err)
	}
	resp = strings.ToLower(strings.TrimSpace(resp))
	if resp == "y" || resp == "yes" {
		return nil
	}
	return errors.New("aborted by user")
}

func printConfirmationIntro(opts confirmOptions, actionType string) error {
	if err := writeln(os.Stdout, opts.GetWarning()); err != nil {
		return fmt.Errorf("print confirmation warning: %w", err)
	}
	target := opts.GetTarget()
	if target == "" {
		return nil
	}
	if err := writef(os.Stdout, "About to %s for %s.\n", actionType, target); err != nil {
		return fmt.Errorf("print confirmation message: %w", err)
	}
	return nil
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func write(w io.Writer, args ...any) error {
	_, err := fmt.Fprint(w, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	_, err := fmt.Fprintln(w, args...)
	return err
}
