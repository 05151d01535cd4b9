package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/target/stockroom/internal/domain/realtime"
)

// RealtimeTransport selects how change events reach the agent.
type RealtimeTransport string

const (
	// TransportPostgres listens for trigger notifications on the row store.
	TransportPostgres RealtimeTransport = "postgres"
	// TransportRedis subscribes to change events relayed over Redis pub/sub.
	TransportRedis RealtimeTransport = "redis"
	// TransportWebsocket joins channels on a realtime gateway.
	TransportWebsocket RealtimeTransport = "websocket"
)

// UnmarshalText implements encoding.TextUnmarshaler for RealtimeTransport.
func (t *RealtimeTransport) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	switch RealtimeTransport(v) {
	case TransportPostgres, TransportRedis, TransportWebsocket:
		*t = RealtimeTransport(v)
		return nil
	default:
		return fmt.Errorf("invalid RealtimeTransport: %q (valid options: postgres, redis, websocket)", v)
	}
}

// TopicSpec is one configured change subscription.
type TopicSpec struct {
	Name   string
	Filter realtime.ChangeFilter
}

// Topics is a list of subscriptions written as
// name=schema.table[:event][?jmespath] entries separated by ';'.
type Topics []TopicSpec

// UnmarshalText implements encoding.TextUnmarshaler for Topics.
func (t *Topics) UnmarshalText(text []byte) error {
	parsed, err := ParseTopics(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTopics parses a topic list. Empty entries are ignored.
func ParseTopics(s string) (Topics, error) {
	var out Topics
	seen := make(map[string]bool)
	for _, raw := range strings.Split(s, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		spec, err := parseTopic(raw)
		if err != nil {
			return nil, err
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("duplicate topic %q", spec.Name)
		}
		seen[spec.Name] = true
		out = append(out, spec)
	}
	return out, nil
}

func parseTopic(raw string) (TopicSpec, error) {
	name, rest, ok := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return TopicSpec{}, fmt.Errorf("topic %q: expected name=schema.table", raw)
	}

	var f realtime.ChangeFilter
	rest, expr, _ := strings.Cut(rest, "?")
	f.Filter = strings.TrimSpace(expr)

	relation, event, hasEvent := strings.Cut(rest, ":")
	f.Event = realtime.ChangeAll
	if hasEvent {
		kind := realtime.ChangeKind(strings.ToUpper(strings.TrimSpace(event)))
		switch kind {
		case realtime.ChangeInsert, realtime.ChangeUpdate, realtime.ChangeDelete, realtime.ChangeAll:
			f.Event = kind
		default:
			return TopicSpec{}, fmt.Errorf("topic %q: unknown event %q", name, event)
		}
	}

	relation = strings.TrimSpace(relation)
	if schema, table, qualified := strings.Cut(relation, "."); qualified {
		f.Schema, f.Table = strings.TrimSpace(schema), strings.TrimSpace(table)
	} else {
		f.Table = relation
	}
	if f.Table == "" {
		return TopicSpec{}, fmt.Errorf("topic %q: table is required", name)
	}
	return TopicSpec{Name: name, Filter: f}, nil
}

// RealtimeConfig controls change subscriptions and their reconnect policy.
type RealtimeConfig struct {
	Transport RealtimeTransport `env:"TRANSPORT" envDefault:"postgres"`

	// WSURL is the realtime gateway endpoint (ws:// or wss://).
	WSURL    string `env:"WS_URL"`
	WSAPIKey string `env:"WS_API_KEY"`

	// NotifyChannel is the PostgreSQL NOTIFY channel for the postgres transport.
	NotifyChannel string `env:"NOTIFY_CHANNEL" envDefault:"stockroom_changes"`

	Topics Topics `env:"TOPICS" envDefault:"profiles=public.profiles"`

	RetryBase        time.Duration `env:"RETRY_BASE"         envDefault:"3s"`
	RetryGrowth      float64       `env:"RETRY_GROWTH"       envDefault:"1.8"`
	RetryCap         time.Duration `env:"RETRY_CAP"          envDefault:"30s"`
	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"5"`

	// DedupeWindow is how many recent event ids each subscription remembers.
	DedupeWindow int `env:"DEDUPE_WINDOW" envDefault:"256"`
}

// Sanitize applies guardrails to realtime configuration values.
func (c *RealtimeConfig) Sanitize() {
	c.WSURL = strings.TrimSpace(c.WSURL)
	if c.RetryBase <= 0 {
		c.RetryBase = 3 * time.Second
	}
	if c.RetryGrowth < 1 {
		c.RetryGrowth = 1
	}
	if c.RetryCap < 0 {
		c.RetryCap = 0
	}
	if c.RetryMaxAttempts < 1 {
		c.RetryMaxAttempts = 1
	}
	if c.DedupeWindow < 0 {
		c.DedupeWindow = 0
	}
	if strings.TrimSpace(c.NotifyChannel) == "" {
		c.NotifyChannel = "stockroom_changes"
	}
}

// Validate checks the settings required by the selected transport.
func (c *RealtimeConfig) Validate() error {
	if len(c.Topics) == 0 {
		return errors.New("REALTIME_TOPICS must name at least one topic")
	}
	if c.Transport == TransportWebsocket {
		u, err := url.Parse(c.WSURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("REALTIME_WS_URL must be a ws:// or wss:// URL, got %q", c.WSURL)
		}
	}
	return nil
}
