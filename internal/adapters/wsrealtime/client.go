// Package wsrealtime is a websocket transport for row change subscriptions.
//
// Each channel owns one connection. The wire format is a JSON envelope
// {topic, event, payload, ref}: the client joins with "phx_join" carrying the
// change filter, the gateway acknowledges with a "phx_reply" whose status is
// "ok", then pushes "postgres_changes" frames. Heartbeats keep idle
// connections alive.
package wsrealtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/target/stockroom/internal/domain/realtime"
	"github.com/target/stockroom/internal/ports"
)

// Wire events.
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventError     = "phx_error"
	EventClose     = "phx_close"
	EventHeartbeat = "heartbeat"
	EventChanges   = "postgres_changes"

	heartbeatTopic = "phoenix"
	topicPrefix    = "realtime:"
)

const (
	defaultHeartbeat   = 25 * time.Second
	defaultJoinTimeout = 10 * time.Second
	writeTimeout       = 5 * time.Second
)

var (
	_ ports.RealtimeClient  = (*Client)(nil)
	_ ports.RealtimeChannel = (*channel)(nil)
)

// Message is the JSON envelope exchanged with the gateway.
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// JoinPayload is sent with phx_join.
type JoinPayload struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

// JoinConfig lists the change filters requested by the join.
type JoinConfig struct {
	PostgresChanges []realtime.ChangeFilter `json:"postgres_changes"`
}

// ReplyPayload is the body of phx_reply.
type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// ChangesPayload is the body of postgres_changes.
type ChangesPayload struct {
	Data realtime.ChangeEvent `json:"data"`
}

// Options configures a Client.
type Options struct {
	// URL is the gateway websocket endpoint (ws:// or wss://).
	URL string
	// APIKey is sent as the apikey header and query parameter when set.
	APIKey string
	// AccessToken returns the bearer token to join with. Optional.
	AccessToken       func() string
	Dialer            *websocket.Dialer
	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration
	Logger            *slog.Logger
}

// Client opens one websocket connection per channel.
type Client struct {
	url         string
	header      http.Header
	dialer      *websocket.Dialer
	accessToken func() string
	heartbeat   time.Duration
	joinTimeout time.Duration
	logger      *slog.Logger
}

// New validates opts and constructs a Client. No connection is made until a
// channel subscribes.
func New(opts Options) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("realtime url must use ws or wss, got %q", u.Scheme)
	}

	header := http.Header{}
	if opts.APIKey != "" {
		header.Set("apikey", opts.APIKey)
		q := u.Query()
		q.Set("apikey", opts.APIKey)
		u.RawQuery = q.Encode()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment}
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	joinTimeout := opts.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = defaultJoinTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		url:         u.String(),
		header:      header,
		dialer:      dialer,
		accessToken: opts.AccessToken,
		heartbeat:   heartbeat,
		joinTimeout: joinTimeout,
		logger:      logger.With("component", "ws_realtime"),
	}, nil
}

// Channel creates an unsubscribed channel handle.
func (c *Client) Channel(name string) ports.RealtimeChannel {
	return &channel{name: name, client: c}
}

// RemoveChannel leaves and closes the channel's connection.
func (c *Client) RemoveChannel(_ context.Context, ch ports.RealtimeChannel) error {
	wc, ok := ch.(*channel)
	if !ok {
		return fmt.Errorf("ws realtime: foreign channel %T", ch)
	}
	wc.close()
	return nil
}

type channel struct {
	name   string
	client *Client

	mu      sync.Mutex
	filter  realtime.ChangeFilter
	handler func(realtime.ChangeEvent)
	cancel  context.CancelFunc
	closed  bool

	writeMu sync.Mutex
	ref     atomic.Uint64
}

func (ch *channel) Name() string { return ch.name }

func (ch *channel) On(filter realtime.ChangeFilter, handler func(realtime.ChangeEvent)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.filter = filter
	ch.handler = handler
}

func (ch *channel) Subscribe(ctx context.Context, status func(realtime.SubscribeStatus, error)) {
	ch.mu.Lock()
	if ch.closed || ch.cancel != nil {
		ch.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch.cancel = cancel
	filter, handler := ch.filter, ch.handler
	ch.mu.Unlock()

	go ch.run(runCtx, filter, handler, status)
}

func (ch *channel) close() {
	ch.mu.Lock()
	ch.closed = true
	cancel := ch.cancel
	ch.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (ch *channel) topic() string { return topicPrefix + ch.name }

func (ch *channel) nextRef() string { return strconv.FormatUint(ch.ref.Add(1), 10) }

func (ch *channel) run(
	ctx context.Context,
	filter realtime.ChangeFilter,
	handler func(realtime.ChangeEvent),
	status func(realtime.SubscribeStatus, error),
) {
	// report drops statuses once the channel was removed.
	report := func(s realtime.SubscribeStatus, err error) {
		if ctx.Err() == nil {
			status(s, err)
		}
	}

	conn, resp, err := ch.client.dialer.DialContext(ctx, ch.client.url, ch.client.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		report(realtime.StatusChannelError, fmt.Errorf("dial realtime gateway: %w", err))
		return
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = ch.write(conn, Message{Topic: ch.topic(), Event: EventLeave, Payload: json.RawMessage(`{}`), Ref: ch.nextRef()})
		_ = conn.Close()
	})
	defer stop()

	join := JoinPayload{Config: JoinConfig{PostgresChanges: []realtime.ChangeFilter{filter}}}
	if ch.client.accessToken != nil {
		join.AccessToken = ch.client.accessToken()
	}
	body, err := json.Marshal(join)
	if err != nil {
		report(realtime.StatusChannelError, fmt.Errorf("marshal join: %w", err))
		return
	}
	joinRef := ch.nextRef()
	if err := conn.SetReadDeadline(time.Now().Add(ch.client.joinTimeout)); err != nil {
		report(realtime.StatusChannelError, err)
		return
	}
	if err := ch.write(conn, Message{Topic: ch.topic(), Event: EventJoin, Payload: body, Ref: joinRef}); err != nil {
		report(realtime.StatusChannelError, fmt.Errorf("send join: %w", err))
		return
	}

	joined := false
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			report(classifyReadErr(err, joined))
			return
		}

		switch msg.Event {
		case EventReply:
			if joined || msg.Ref != joinRef {
				continue
			}
			var reply ReplyPayload
			if err := json.Unmarshal(msg.Payload, &reply); err != nil || reply.Status != "ok" {
				report(realtime.StatusChannelError, fmt.Errorf("join rejected: %s", string(msg.Payload)))
				return
			}
			joined = true
			if err := conn.SetReadDeadline(time.Time{}); err != nil {
				report(realtime.StatusChannelError, err)
				return
			}
			go ch.heartbeatLoop(ctx, conn)
			report(realtime.StatusSubscribed, nil)
		case EventChanges:
			if !joined {
				continue
			}
			ch.dispatch(filter, handler, msg.Payload)
		case EventError:
			report(realtime.StatusChannelError, fmt.Errorf("gateway channel error: %s", string(msg.Payload)))
			return
		case EventClose:
			report(realtime.StatusClosed, nil)
			return
		}
	}
}

func (ch *channel) dispatch(filter realtime.ChangeFilter, handler func(realtime.ChangeEvent), raw json.RawMessage) {
	var payload ChangesPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		ch.client.logger.Warn("dropping malformed change frame", "channel", ch.name, "error", err)
		return
	}
	ev := payload.Data
	if !filter.Targets(ev) || handler == nil {
		return
	}
	handler(ev)
}

func (ch *channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ch.client.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := Message{Topic: heartbeatTopic, Event: EventHeartbeat, Payload: json.RawMessage(`{}`), Ref: ch.nextRef()}
			if err := ch.write(conn, msg); err != nil {
				// The read loop observes the broken connection and reports it.
				return
			}
		}
	}
}

func (ch *channel) write(conn *websocket.Conn, msg Message) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func classifyReadErr(err error, joined bool) (realtime.SubscribeStatus, error) {
	var ne net.Error
	if !joined && errors.As(err, &ne) && ne.Timeout() {
		return realtime.StatusTimedOut, fmt.Errorf("join timed out: %w", err)
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return realtime.StatusClosed, nil
	}
	return realtime.StatusChannelError, err
}
