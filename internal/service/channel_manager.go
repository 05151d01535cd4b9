package service

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmespath-community/go-jmespath"
	"github.com/target/stockroom/internal/domain/realtime"
	apperrors "github.com/target/stockroom/internal/errors"
	"github.com/target/stockroom/internal/observability/metrics"
	"github.com/target/stockroom/internal/observability/statsd"
	"github.com/target/stockroom/internal/ports"
)

const (
	defaultDedupeWindow = 256
	teardownTimeout     = 5 * time.Second
)

// ChannelManagerOptions groups dependencies for ChannelManager.
type ChannelManagerOptions struct {
	Client ports.RealtimeClient
	Retry  *RetryScheduler
	// DedupeWindow is how many recent event IDs each subscription remembers.
	DedupeWindow int
	Metrics      statsd.Sink
	Logger       *slog.Logger
}

// ChannelManager opens and supervises push subscriptions. Each subscription
// has its own state machine, lock and retry timer.
type ChannelManager struct {
	client  ports.RealtimeClient
	retry   *RetryScheduler
	window  int
	metrics statsd.Sink
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewChannelManager constructs a ChannelManager.
func NewChannelManager(opts ChannelManagerOptions) *ChannelManager {
	m := &ChannelManager{
		client:  opts.Client,
		retry:   opts.Retry,
		window:  opts.DedupeWindow,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		subs:    make(map[*Subscription]struct{}),
	}
	if m.retry == nil {
		m.retry = NewRetryScheduler(RetrySchedulerOptions{})
	}
	if m.window <= 0 {
		m.window = defaultDedupeWindow
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "channel_manager")
	return m
}

// SubscriptionOptions describe one subscription.
type SubscriptionOptions struct {
	Topic   string
	Filter  realtime.ChangeFilter
	Handler func(realtime.ChangeEvent)
	// Disabled creates the subscription without connecting.
	Disabled bool
}

// Subscribe validates opts and starts a subscription.
func (m *ChannelManager) Subscribe(ctx context.Context, opts SubscriptionOptions) (*Subscription, error) {
	if strings.TrimSpace(opts.Topic) == "" {
		return nil, apperrors.Validation("topic is required")
	}
	if opts.Filter.Table == "" {
		return nil, apperrors.Validation("filter table is required")
	}
	if opts.Filter.Event == "" {
		opts.Filter.Event = realtime.ChangeAll
	}
	if opts.Filter.Schema == "" {
		opts.Filter.Schema = "public"
	}
	if opts.Filter.Filter != "" {
		if _, err := jmespath.Compile(opts.Filter.Filter); err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ErrCodeValidation, "invalid filter expression for %s", opts.Topic)
		}
	}

	s := &Subscription{
		manager: m,
		topic:   opts.Topic,
		filter:  opts.Filter,
		state:   realtime.StateDisabled,
		seen:    newRecentIDs(m.window),
		logger:  m.logger.With("topic", opts.Topic),
	}
	s.handler.Store(&handlerCell{fn: opts.Handler})

	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	if !opts.Disabled {
		s.SetEnabled(ctx, true)
	}
	return s, nil
}

// Subscriptions returns the live subscriptions.
func (m *ChannelManager) Subscriptions() []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Subscription, 0, len(m.subs))
	for s := range m.subs {
		out = append(out, s)
	}
	return out
}

// Close disposes every subscription.
func (m *ChannelManager) Close(ctx context.Context) {
	for _, s := range m.Subscriptions() {
		s.Dispose(ctx)
	}
}

func (m *ChannelManager) forget(s *Subscription) {
	m.mu.Lock()
	delete(m.subs, s)
	m.mu.Unlock()
}

type handlerCell struct {
	fn func(realtime.ChangeEvent)
}

// Subscription is a single supervised channel.
type Subscription struct {
	manager *ChannelManager
	topic   string
	filter  realtime.ChangeFilter
	handler atomic.Pointer[handlerCell]
	logger  *slog.Logger

	// deliverMu is held while a handler runs so Dispose can wait it out.
	deliverMu sync.Mutex

	mu       sync.Mutex
	state    realtime.ChannelState
	err      error
	enabled  bool
	disposed bool
	gen      uint64
	channel  ports.RealtimeChannel
	retry    RetryState
	seen     *recentIDs
}

// Topic returns the subscription topic.
func (s *Subscription) Topic() string { return s.topic }

// Status returns the current state for display.
func (s *Subscription) Status() realtime.SubscriptionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return realtime.SubscriptionStatus{
		Topic:        s.topic,
		State:        s.state,
		IsSubscribed: s.state == realtime.StateSubscribed,
		Attempt:      s.retry.Attempt(),
		Error:        s.err,
	}
}

// SetHandler replaces the event handler without reconnecting.
func (s *Subscription) SetHandler(fn func(realtime.ChangeEvent)) {
	s.handler.Store(&handlerCell{fn: fn})
}

// SetEnabled connects or disconnects the subscription. Enabling resets the
// attempt count, which is how a failed subscription is brought back.
func (s *Subscription) SetEnabled(ctx context.Context, enabled bool) {
	s.mu.Lock()
	if s.disposed || s.enabled == enabled {
		s.mu.Unlock()
		return
	}
	s.enabled = enabled

	if !enabled {
		old := s.teardownLocked(realtime.StateDisabled)
		s.mu.Unlock()
		s.removeChannel(ctx, old)
		return
	}

	s.retry.Reset()
	s.err = nil
	start := s.connectLocked(ctx)
	s.mu.Unlock()
	start()
}

// Dispose stops the subscription for good. It is safe to call repeatedly; no
// handler runs after the first call returns. It must not be called from the
// subscription's own handler.
func (s *Subscription) Dispose(ctx context.Context) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.enabled = false
	old := s.teardownLocked(realtime.StateDisabled)
	s.mu.Unlock()

	// Wait for a handler that passed the generation check before teardown.
	s.deliverMu.Lock()
	s.deliverMu.Unlock() //nolint:staticcheck // empty critical section waits for in-flight handlers

	s.removeChannel(ctx, old)
	s.manager.forget(s)
}

// teardownLocked invalidates the current generation, cancels the retry timer
// and returns the channel the caller must remove.
func (s *Subscription) teardownLocked(next realtime.ChannelState) ports.RealtimeChannel {
	s.gen++
	s.manager.retry.Cancel(&s.retry)
	old := s.channel
	s.channel = nil
	s.transitionLocked(next, 0)
	return old
}

// connectLocked opens a fresh channel for a new generation and returns the
// function that starts it. The caller runs it after unlocking because
// transports may report status synchronously.
func (s *Subscription) connectLocked(ctx context.Context) func() {
	s.gen++
	gen := s.gen
	s.transitionLocked(realtime.StateConnecting, 0)

	name := s.topic + ":" + uuid.NewString()
	ch := s.manager.client.Channel(name)
	s.channel = ch
	ch.On(s.filter, func(ev realtime.ChangeEvent) { s.deliver(gen, ev) })
	s.logger.DebugContext(ctx, "channel connecting", "channel", name, "attempt", s.retry.Attempt())

	return func() {
		ch.Subscribe(context.WithoutCancel(ctx), func(status realtime.SubscribeStatus, err error) {
			s.onStatus(gen, status, err)
		})
	}
}

func (s *Subscription) onStatus(gen uint64, status realtime.SubscribeStatus, err error) {
	ctx := context.Background()
	s.mu.Lock()
	if s.gen != gen || s.disposed || !s.enabled {
		s.mu.Unlock()
		return
	}

	next := status.ChannelState()
	if next == realtime.StateSubscribed {
		s.manager.retry.Cancel(&s.retry)
		s.retry.Reset()
		s.err = nil
		s.transitionLocked(next, 0)
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "channel subscribed")
		return
	}

	if s.state == next {
		// Transports may repeat a failure status; one retry per failure.
		s.mu.Unlock()
		return
	}

	if s.manager.retry.Exhausted(&s.retry) {
		attempts := s.retry.Attempt()
		s.err = apperrors.ChannelConnectFailure(s.topic, attempts, err)
		old := s.teardownLocked(realtime.StateFailed)
		s.mu.Unlock()
		s.logger.ErrorContext(ctx, "channel failed; reconnect exhausted", "attempts", attempts, "error", err)
		s.removeChannel(ctx, old)
		return
	}

	s.err = err
	delay, _ := s.manager.retry.ScheduleRetry(&s.retry, func() { s.reconnect(gen) })
	s.transitionLocked(next, delay)
	s.mu.Unlock()
	s.logger.WarnContext(ctx, "channel interrupted; retry scheduled",
		"status", status, "delay", delay, "attempt", s.retry.Attempt(), "error", err)
}

// reconnect runs from the retry timer.
func (s *Subscription) reconnect(gen uint64) {
	ctx := context.Background()
	s.mu.Lock()
	if s.gen != gen || s.disposed || !s.enabled {
		s.mu.Unlock()
		return
	}
	old := s.channel
	s.channel = nil
	start := s.connectLocked(ctx)
	s.mu.Unlock()

	s.removeChannel(ctx, old)
	start()
}

func (s *Subscription) deliver(gen uint64, ev realtime.ChangeEvent) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	live := s.gen == gen && !s.disposed && s.enabled
	if !live || !s.matches(ev) || (ev.ID != "" && !s.seen.add(ev.ID)) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if ev.Topic == "" {
		ev.Topic = s.topic
	}
	if cell := s.handler.Load(); cell != nil && cell.fn != nil {
		cell.fn(ev)
	}
	metrics.EmitChangeDelivered(s.manager.metrics, s.topic, string(ev.Kind))
}

func (s *Subscription) matches(ev realtime.ChangeEvent) bool {
	f := s.filter
	if !f.Targets(ev) {
		return false
	}
	if f.Filter == "" {
		return true
	}
	out, err := jmespath.Search(f.Filter, ev.Record())
	if err != nil {
		s.logger.Debug("filter evaluation failed", "filter", f.Filter, "error", err)
		return false
	}
	return truthy(out)
}

func (s *Subscription) transitionLocked(next realtime.ChannelState, delay time.Duration) {
	prev := s.state
	s.state = next
	if prev == next {
		return
	}
	metrics.EmitChannelTransition(s.manager.metrics, metrics.ChannelMetric{
		Topic:   s.topic,
		From:    string(prev),
		To:      string(next),
		Attempt: s.retry.Attempt(),
		Delay:   delay,
	})
}

func (s *Subscription) removeChannel(ctx context.Context, ch ports.RealtimeChannel) {
	if ch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := s.manager.client.RemoveChannel(ctx, ch); err != nil {
		s.logger.WarnContext(ctx, "remove channel failed", "channel", ch.Name(), "error", err)
	}
}

// truthy applies JMESPath truthiness: false, null and empty values are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// recentIDs is a fixed-size FIFO set of event IDs.
type recentIDs struct {
	ring []string
	next int
	set  map[string]struct{}
}

func newRecentIDs(size int) *recentIDs {
	return &recentIDs{ring: make([]string, size), set: make(map[string]struct{}, size)}
}

// add records id and reports whether it was new.
func (r *recentIDs) add(id string) bool {
	if _, dup := r.set[id]; dup {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ring[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return true
}
