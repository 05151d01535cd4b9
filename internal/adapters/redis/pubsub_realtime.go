package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/target/stockroom/internal/domain/realtime"
	"github.com/target/stockroom/internal/ports"
)

// DefaultChangePrefix namespaces change notification channels. The full
// channel is the prefix followed by "schema.table".
const DefaultChangePrefix = "stockroom:changes:"

var (
	_ ports.RealtimeClient  = (*PubSubRealtime)(nil)
	_ ports.RealtimeChannel = (*pubSubChannel)(nil)
)

// PubSubRealtimeOptions groups dependencies for PubSubRealtime.
type PubSubRealtimeOptions struct {
	Client redis.UniversalClient
	Prefix string
	Logger *slog.Logger
}

// PubSubRealtime delivers row changes published on Redis pub/sub channels.
type PubSubRealtime struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewPubSubRealtime constructs a PubSubRealtime.
func NewPubSubRealtime(opts PubSubRealtimeOptions) *PubSubRealtime {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultChangePrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PubSubRealtime{
		client: opts.Client,
		prefix: prefix,
		logger: logger.With("component", "redis_realtime"),
	}
}

// Channel creates an unsubscribed channel handle.
func (r *PubSubRealtime) Channel(name string) ports.RealtimeChannel {
	return &pubSubChannel{name: name, rt: r}
}

// RemoveChannel stops the channel's subscription. The reader exits
// asynchronously; status callbacks may run it from the reader itself.
func (r *PubSubRealtime) RemoveChannel(_ context.Context, ch ports.RealtimeChannel) error {
	c, ok := ch.(*pubSubChannel)
	if !ok {
		return fmt.Errorf("redis realtime: foreign channel %T", ch)
	}
	c.close()
	return nil
}

// Publish sends ev to subscribers of its table. Events without an ID get one.
func (r *PubSubRealtime) Publish(ctx context.Context, ev realtime.ChangeEvent) (int64, error) {
	if ev.Table == "" {
		return 0, errors.New("change event table is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CommitTime.IsZero() {
		ev.CommitTime = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal change event: %w", err)
	}
	key := r.channelKey(realtime.ChangeFilter{Schema: ev.Schema, Table: ev.Table})
	n, err := r.client.Publish(ctx, key, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("redis publish: %w", err)
	}
	return n, nil
}

func (r *PubSubRealtime) channelKey(f realtime.ChangeFilter) string {
	return r.prefix + f.Relation()
}

type pubSubChannel struct {
	name string
	rt   *PubSubRealtime

	mu      sync.Mutex
	filter  realtime.ChangeFilter
	handler func(realtime.ChangeEvent)
	cancel  context.CancelFunc
	closed  bool
}

func (c *pubSubChannel) Name() string { return c.name }

func (c *pubSubChannel) On(filter realtime.ChangeFilter, handler func(realtime.ChangeEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = filter
	c.handler = handler
}

func (c *pubSubChannel) Subscribe(ctx context.Context, status func(realtime.SubscribeStatus, error)) {
	c.mu.Lock()
	if c.closed || c.cancel != nil {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	filter, handler := c.filter, c.handler
	c.mu.Unlock()

	go c.run(runCtx, runState{filter: filter, handler: handler, status: status})
}

type runState struct {
	filter  realtime.ChangeFilter
	handler func(realtime.ChangeEvent)
	status  func(realtime.SubscribeStatus, error)
}

func (c *pubSubChannel) run(ctx context.Context, st runState) {
	key := c.rt.channelKey(st.filter)
	ps := c.rt.client.Subscribe(ctx, key)
	defer func() {
		if err := ps.Close(); err != nil {
			c.rt.logger.Debug("pubsub close failed", "channel", c.name, "error", err)
		}
	}()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			st.status(realtime.StatusChannelError, fmt.Errorf("subscribe %s: %w", key, err))
		}
		return
	}
	st.status(realtime.StatusSubscribed, nil)

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() == nil {
					st.status(realtime.StatusClosed, nil)
				}
				return
			}
			c.dispatch(st, msg.Payload)
		}
	}
}

func (c *pubSubChannel) dispatch(st runState, payload string) {
	var ev realtime.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		c.rt.logger.Warn("dropping malformed change event", "channel", c.name, "error", err)
		return
	}
	if ev.Table == "" {
		ev.Table = st.filter.Table
	}
	if ev.Schema == "" {
		ev.Schema = st.filter.Schema
	}
	if !st.filter.Targets(ev) || st.handler == nil {
		return
	}
	st.handler(ev)
}

func (c *pubSubChannel) close() {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
