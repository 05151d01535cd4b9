package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/target/stockroom/config"
	"github.com/target/stockroom/internal/bootstrap"
	domainauth "github.com/target/stockroom/internal/domain/auth"
)

type loginOptions struct {
	Email         string
	Password      string
	PasswordStdin bool
	Timeout       time.Duration
}

type sessionOptions struct {
	Timeout time.Duration
	JSON    bool
	Yes     bool
}

func parseLoginFlags(args []string, stdin io.Reader) (loginOptions, error) {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := loginOptions{Timeout: defaultSessionTimeout}
	fs.StringVar(&opts.Email, "email", "", "Account email")
	fs.StringVar(&opts.Password, "password", "", "Account password")
	fs.BoolVar(&opts.PasswordStdin, "password-stdin", false, "Read the password from stdin")
	fs.DurationVar(&opts.Timeout, "timeout", defaultSessionTimeout, "Maximum duration to wait for sign in")

	if err := fs.Parse(args); err != nil {
		return loginOptions{}, err
	}

	opts.Email = strings.TrimSpace(opts.Email)
	if opts.Email == "" {
		return loginOptions{}, errors.New("--email is required")
	}
	if opts.PasswordStdin {
		if opts.Password != "" {
			return loginOptions{}, errors.New("--password and --password-stdin are mutually exclusive")
		}
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return loginOptions{}, fmt.Errorf("read password: %w", err)
		}
		opts.Password = strings.TrimRight(line, "\r\n")
	}
	if opts.Password == "" {
		return loginOptions{}, errors.New("--password or --password-stdin is required")
	}
	if opts.Timeout <= 0 {
		return loginOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func parseSessionFlags(name string, args []string) (sessionOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := sessionOptions{Timeout: defaultSessionTimeout}
	fs.DurationVar(&opts.Timeout, "timeout", defaultSessionTimeout, "Maximum duration to wait for the command")
	fs.BoolVar(&opts.JSON, "json", false, "Print JSON instead of a table")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")

	if err := fs.Parse(args); err != nil {
		return sessionOptions{}, err
	}
	if opts.Timeout <= 0 {
		return sessionOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

// withSession builds the session services only; realtime is never started
// from the admin tool.
func withSession(
	cmdCtx *commandContext,
	timeout time.Duration,
	f func(context.Context, bootstrap.ServiceContainer) error,
) error {
	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := cmdCtx.Config
	cfg.Services = string(config.ServiceModeSession)

	db, redisClient, err := connectInfra(cmdCtx.Logger, &cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeInfra(db, redisClient); cerr != nil {
			cmdCtx.Logger.Warn("close infrastructure failed", "error", cerr)
		}
	}()

	svcs, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      &cfg,
		DB:          db,
		RedisClient: redisClient,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("init services: %w", err)
	}
	defer svcs.Close(context.WithoutCancel(ctx))

	return f(ctx, svcs)
}

func runLogin(cmdCtx *commandContext, args []string) error {
	opts, err := parseLoginFlags(args, os.Stdin)
	if err != nil {
		return err
	}

	return withSession(cmdCtx, opts.Timeout, func(ctx context.Context, svcs bootstrap.ServiceContainer) error {
		if initErr := svcs.Coordinator.Init(ctx); initErr != nil {
			cmdCtx.Logger.WarnContext(ctx, "startup reconciliation failed", "error", initErr)
		}
		if loginErr := svcs.Coordinator.Login(ctx, opts.Email, opts.Password); loginErr != nil {
			return fmt.Errorf("login: %w", loginErr)
		}
		return printSnapshot(os.Stdout, svcs.Coordinator.Snapshot(), false)
	})
}

func runLogout(cmdCtx *commandContext, args []string) error {
	opts, err := parseSessionFlags("logout", args)
	if err != nil {
		return err
	}

	return withSession(cmdCtx, opts.Timeout, func(ctx context.Context, svcs bootstrap.ServiceContainer) error {
		if initErr := svcs.Coordinator.Init(ctx); initErr != nil {
			cmdCtx.Logger.WarnContext(ctx, "startup reconciliation failed", "error", initErr)
		}
		if logoutErr := svcs.Coordinator.Logout(ctx); logoutErr != nil {
			return fmt.Errorf("logout: %w", logoutErr)
		}
		return writeln(os.Stdout, "Signed out.")
	})
}

func runWhoami(cmdCtx *commandContext, args []string) error {
	opts, err := parseSessionFlags("whoami", args)
	if err != nil {
		return err
	}

	return withSession(cmdCtx, opts.Timeout, func(ctx context.Context, svcs bootstrap.ServiceContainer) error {
		if initErr := svcs.Coordinator.Init(ctx); initErr != nil {
			cmdCtx.Logger.WarnContext(ctx, "startup reconciliation failed", "error", initErr)
		}
		return printSnapshot(os.Stdout, svcs.Coordinator.Snapshot(), opts.JSON)
	})
}

func runCacheShow(cmdCtx *commandContext, args []string) error {
	opts, err := parseSessionFlags("cache-show", args)
	if err != nil {
		return err
	}

	return withSession(cmdCtx, opts.Timeout, func(ctx context.Context, svcs bootstrap.ServiceContainer) error {
		profile := svcs.Cache.Read(ctx)
		if profile == nil {
			return writeln(os.Stdout, "No cached profile.")
		}
		if opts.JSON {
			return printJSON(os.Stdout, profile)
		}
		return printProfile(os.Stdout, *profile)
	})
}

type cacheClearConfirmOptions struct {
	yes bool
	key string
}

func (c cacheClearConfirmOptions) IsYes() bool { return c.yes }
func (c cacheClearConfirmOptions) GetWarning() string {
	return "WARNING: the agent will start without an offline profile until the next successful sign in."
}
func (c cacheClearConfirmOptions) GetTarget() string { return fmt.Sprintf("cache key %q", c.key) }

func runCacheClear(cmdCtx *commandContext, args []string) error {
	opts, err := parseSessionFlags("cache-clear", args)
	if err != nil {
		return err
	}

	confirmOpts := cacheClearConfirmOptions{yes: opts.Yes, key: cmdCtx.Config.Session.CacheKey}
	if confirmErr := confirmAction(confirmOpts, "clear the cached profile"); confirmErr != nil {
		return confirmErr
	}

	return withSession(cmdCtx, opts.Timeout, func(ctx context.Context, svcs bootstrap.ServiceContainer) error {
		if clearErr := svcs.Cache.Clear(ctx); clearErr != nil {
			return fmt.Errorf("clear cache: %w", clearErr)
		}
		return writeln(os.Stdout, "Cached profile cleared.")
	})
}

type snapshotView struct {
	State     domainauth.CoordinatorState `json:"state"`
	User      *domainauth.SessionUser     `json:"user,omitempty"`
	ExpiresAt *time.Time                  `json:"expires_at,omitempty"`
	Profile   *domainauth.Profile         `json:"profile,omitempty"`
	Error     string                      `json:"error,omitempty"`
	Warning   string                      `json:"warning,omitempty"`
}

// newSnapshotView drops session tokens so they never reach the terminal.
func newSnapshotView(s domainauth.Snapshot) snapshotView {
	v := snapshotView{State: s.State, User: s.User, Profile: s.Profile}
	if s.Session != nil {
		exp := s.Session.ExpiresAt
		v.ExpiresAt = &exp
	}
	if s.Error != nil {
		v.Error = s.Error.Error()
	}
	if s.Warning != nil {
		v.Warning = s.Warning.Error()
	}
	return v
}

func printSnapshot(w io.Writer, s domainauth.Snapshot, asJSON bool) error {
	v := newSnapshotView(s)
	if asJSON {
		return printJSON(w, v)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writef(tw, "State:\t%s\n", v.State); err != nil {
		return err
	}
	if v.User != nil {
		if err := writef(tw, "User:\t%s (%s)\n", v.User.Email, v.User.ID); err != nil {
			return err
		}
	}
	if v.ExpiresAt != nil {
		if err := writef(tw, "Session expires:\t%s\n", v.ExpiresAt.Format(time.RFC3339)); err != nil {
			return err
		}
	}
	if v.Error != "" {
		if err := writef(tw, "Error:\t%s\n", v.Error); err != nil {
			return err
		}
	}
	if v.Warning != "" {
		if err := writef(tw, "Warning:\t%s\n", v.Warning); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if v.Profile == nil {
		return nil
	}
	return printProfile(w, *v.Profile)
}

func printProfile(w io.Writer, p domainauth.Profile) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"Profile", p.ID},
		{"Email", p.Email},
		{"Role", string(p.Role)},
		{"Admin", yesNo(p.IsAdmin())},
	}
	if p.Department != nil {
		rows = append(rows, [2]string{"Department", p.Department.Name})
	}
	if p.Person != nil {
		name := strings.TrimSpace(p.Person.FirstName + " " + p.Person.LastName)
		rows = append(rows, [2]string{"Person", fmt.Sprintf("%s [%s]", name, p.Person.Status)})
	}
	for _, r := range rows {
		if err := writef(tw, "%s:\t%s\n", r[0], r[1]); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
