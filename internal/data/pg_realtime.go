package data

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/target/stockroom/internal/data/pgxutil"
	"github.com/target/stockroom/internal/domain/realtime"
	"github.com/target/stockroom/internal/ports"
)

// ChangeNotifyChannel is the NOTIFY channel written by the change triggers.
const ChangeNotifyChannel = "stockroom_changes"

var (
	_ ports.RealtimeClient  = (*PGRealtime)(nil)
	_ ports.RealtimeChannel = (*pgChannel)(nil)
)

// PGRealtimeOptions groups dependencies for PGRealtime.
type PGRealtimeOptions struct {
	DB *sql.DB
	// NotifyChannel defaults to ChangeNotifyChannel.
	NotifyChannel string
	Logger        *slog.Logger
}

// PGRealtime delivers row changes through PostgreSQL LISTEN/NOTIFY. Every
// subscribed channel holds one pooled connection for its lifetime.
type PGRealtime struct {
	db      *sql.DB
	channel string
	logger  *slog.Logger
}

// NewPGRealtime constructs a PGRealtime.
func NewPGRealtime(opts PGRealtimeOptions) *PGRealtime {
	channel := opts.NotifyChannel
	if channel == "" {
		channel = ChangeNotifyChannel
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PGRealtime{db: opts.DB, channel: channel, logger: logger.With("component", "pg_realtime")}
}

// Channel creates an unsubscribed channel handle.
func (r *PGRealtime) Channel(name string) ports.RealtimeChannel {
	return &pgChannel{name: name, rt: r}
}

// RemoveChannel stops the channel's listener without waiting for it to exit.
func (r *PGRealtime) RemoveChannel(_ context.Context, ch ports.RealtimeChannel) error {
	c, ok := ch.(*pgChannel)
	if !ok {
		return fmt.Errorf("pg realtime: foreign channel %T", ch)
	}
	c.close()
	return nil
}

type pgChannel struct {
	name string
	rt   *PGRealtime

	mu      sync.Mutex
	filter  realtime.ChangeFilter
	handler func(realtime.ChangeEvent)
	cancel  context.CancelFunc
	closed  bool
}

func (c *pgChannel) Name() string { return c.name }

func (c *pgChannel) On(filter realtime.ChangeFilter, handler func(realtime.ChangeEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = filter
	c.handler = handler
}

func (c *pgChannel) Subscribe(ctx context.Context, status func(realtime.SubscribeStatus, error)) {
	c.mu.Lock()
	if c.closed || c.cancel != nil {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	filter, handler := c.filter, c.handler
	c.mu.Unlock()

	go c.run(runCtx, filter, handler, status)
}

func (c *pgChannel) run(
	ctx context.Context,
	filter realtime.ChangeFilter,
	handler func(realtime.ChangeEvent),
	status func(realtime.SubscribeStatus, error),
) {
	report := func(s realtime.SubscribeStatus, err error) {
		if ctx.Err() == nil {
			status(s, err)
		}
	}

	conn, err := c.rt.db.Conn(ctx)
	if err != nil {
		report(realtime.StatusChannelError, fmt.Errorf("get conn from pool: %w", err))
		return
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			c.rt.logger.Debug("listener conn close failed", "channel", c.name, "error", cerr)
		}
	}()

	quoted := pgx.Identifier{c.rt.channel}.Sanitize()
	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		report(realtime.StatusChannelError, fmt.Errorf("listen %s: %w", c.rt.channel, execErr))
		return
	}
	report(realtime.StatusSubscribed, nil)

	waitErr := pgxutil.WithRawConn(conn, func(pc *pgx.Conn) error {
		for {
			n, notifyErr := pc.WaitForNotification(ctx)
			if notifyErr != nil {
				if ctx.Err() != nil {
					// A cancelled wait leaves the connection unusable.
					return driver.ErrBadConn
				}
				return notifyErr
			}
			c.dispatch(filter, handler, n.Payload)
		}
	})

	if errors.Is(waitErr, driver.ErrBadConn) || ctx.Err() != nil {
		return
	}
	if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
		c.rt.logger.Debug("unlisten failed", "channel", c.name, "error", execErr)
	}
	report(realtime.StatusChannelError, fmt.Errorf("wait for notification: %w", waitErr))
}

func (c *pgChannel) dispatch(filter realtime.ChangeFilter, handler func(realtime.ChangeEvent), payload string) {
	var ev realtime.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		c.rt.logger.Warn("dropping malformed change notification", "channel", c.name, "error", err)
		return
	}
	if handler == nil || !filter.Targets(ev) {
		return
	}
	handler(ev)
}

func (c *pgChannel) close() {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
