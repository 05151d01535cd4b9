// Package statsd emits DogStatsD-style lines over UDP.
package statsd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sink describes the minimal interface required to emit StatsD-style metrics.
type Sink interface {
	Count(name string, value int64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
	Timing(name string, value time.Duration, tags map[string]string)
}

const (
	// DefaultMaxPacketSize keeps a datagram under a 1500 byte Ethernet MTU.
	DefaultMaxPacketSize = 1432
	// DefaultFlushInterval bounds how long a buffered line waits.
	DefaultFlushInterval = time.Second
)

// Config describes how to connect to a StatsD-compatible sink.
type Config struct {
	Enabled bool
	Address string
	Prefix  string
	Logger  *slog.Logger
	// GlobalTags are appended to every line. A line's own tags win on conflict.
	GlobalTags map[string]string
	// MaxPacketSize caps a datagram. Lines are joined with '\n' until the cap.
	MaxPacketSize int
	// FlushInterval sends a partial packet. Zero or negative disables the
	// background flush and writes every line immediately.
	FlushInterval time.Duration
}

// Client batches metric lines into UDP datagrams.
// It is safe for concurrent use.
type Client struct {
	prefix     string
	globalTags map[string]string
	maxPacket  int
	logger     *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	enabled bool
	buf     []byte

	stop chan struct{}
	done chan struct{}
}

var _ Sink = (*Client)(nil)

// NewClient dials the configured StatsD endpoint unless disabled.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	address := strings.TrimSpace(cfg.Address)
	maxPacket := cfg.MaxPacketSize
	if maxPacket <= 0 {
		maxPacket = DefaultMaxPacketSize
	}

	client := &Client{
		prefix:     sanitizePrefix(cfg.Prefix),
		globalTags: cloneTags(cfg.GlobalTags),
		maxPacket:  maxPacket,
		logger:     logger,
	}
	if !cfg.Enabled || address == "" {
		return client, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("statsd dial %s: %w", address, err)
	}
	client.conn = conn
	client.enabled = true

	if cfg.FlushInterval > 0 {
		client.buf = make([]byte, 0, maxPacket)
		client.stop = make(chan struct{})
		client.done = make(chan struct{})
		go client.flushLoop(cfg.FlushInterval, client.stop, client.done)
	}
	return client, nil
}

// Enabled reports whether the client actively emits metrics.
func (c *Client) Enabled() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled && c.conn != nil
}

// Count increments a counter metric.
func (c *Client) Count(name string, value int64, tags map[string]string) {
	c.emit(name, strconv.FormatInt(value, 10)+"|c", tags)
}

// Gauge records the current value for a gauge metric.
func (c *Client) Gauge(name string, value float64, tags map[string]string) {
	c.emit(name, formatFloat(value)+"|g", tags)
}

// Timing records a timing metric using milliseconds.
func (c *Client) Timing(name string, value time.Duration, tags map[string]string) {
	ms := float64(value) / float64(time.Millisecond)
	c.emit(name, formatFloat(ms)+"|ms", tags)
}

// Flush sends any buffered lines.
func (c *Client) Flush() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

// Close flushes pending lines and releases the UDP connection.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
		<-c.done
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
	c.enabled = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) flushLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Flush()
		}
	}
}

func (c *Client) emit(name, payload string, tags map[string]string) {
	if c == nil {
		return
	}
	metric := c.metricName(name)
	if metric == "" {
		return
	}
	line := metric + ":" + payload + formatTags(c.globalTags, tags)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled || c.conn == nil {
		return
	}

	if c.buf == nil || len(line) >= c.maxPacket {
		c.flushLocked()
		c.send([]byte(line))
		return
	}
	if len(c.buf) > 0 && len(c.buf)+1+len(line) > c.maxPacket {
		c.flushLocked()
	}
	if len(c.buf) > 0 {
		c.buf = append(c.buf, '\n')
	}
	c.buf = append(c.buf, line...)
}

func (c *Client) flushLocked() {
	if len(c.buf) == 0 || c.conn == nil {
		return
	}
	c.send(c.buf)
	c.buf = c.buf[:0]
}

func (c *Client) send(packet []byte) {
	if _, err := c.conn.Write(packet); err != nil {
		c.logger.Debug("statsd write failed", "error", err, "bytes", len(packet))
	}
}

func (c *Client) metricName(name string) string {
	normalized := normalizeMetricName(name)
	if normalized == "" {
		return ""
	}
	if c.prefix == "" {
		return normalized
	}
	return c.prefix + "." + normalized
}

func sanitizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), ".")
}

// normalizeMetricName maps characters that break the line protocol to '_'.
func normalizeMetricName(name string) string {
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}
	n = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', ':', '|', '@', '#', ',':
			return '_'
		}
		return r
	}, n)
	for strings.Contains(n, "..") {
		n = strings.ReplaceAll(n, "..", ".")
	}
	return strings.Trim(n, ".")
}

// sanitizeTag strips separators that would split a tag.
func sanitizeTag(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '|', ',', '#', '\n':
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
}

func formatTags(global, local map[string]string) string {
	if len(global)+len(local) == 0 {
		return ""
	}

	merged := make(map[string]string, len(global)+len(local))
	for k, v := range global {
		merged[k] = v
	}
	for k, v := range local {
		if key := sanitizeTag(k); key != "" {
			merged[key] = sanitizeTag(v)
		}
	}
	if len(merged) == 0 {
		return ""
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("|#")
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(merged[k])
	}
	return b.String()
}

// cloneTags copies tags with keys and values already sanitized.
func cloneTags(tags map[string]string) map[string]string {
	cp := make(map[string]string, len(tags))
	for k, v := range tags {
		if key := sanitizeTag(k); key != "" {
			cp[key] = sanitizeTag(v)
		}
	}
	return cp
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
