package statsd

import (
	"net"
	"strings"
	"testing"
	"time"
)

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readPacket(t *testing.T, conn *net.UDPConn) string {
	t.Helper()
	buf := make([]byte, 4096)
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read packet: %v", err)
	}
	return string(buf[:n])
}

func TestSanitizePrefix(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"  stockroom.agent  ": "stockroom.agent",
		"..foo..":             "foo",
		".":                   "",
		"":                    "",
	}
	for input, want := range tests {
		if got := sanitizePrefix(input); got != want {
			t.Fatalf("sanitizePrefix(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNormalizeMetricName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		" session/reconcile ": "session_reconcile",
		"foo..bar":            "foo.bar",
		"channel|state":       "channel_state",
		"topic:profiles":      "topic_profiles",
		"  ":                  "",
	}
	for input, want := range tests {
		if got := normalizeMetricName(input); got != want {
			t.Fatalf("normalizeMetricName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestFormatTags(t *testing.T) {
	t.Parallel()

	global := cloneTags(map[string]string{"env": "prod", " service ": " agent "})
	local := map[string]string{
		"result": " success ",
		"":       "ignored",
		"env":    "stage",
		"topic":  "a,b|c",
	}

	got := formatTags(global, local)
	want := "|#env:stage,result:success,service:agent,topic:a_b_c"
	if got != want {
		t.Fatalf("formatTags mismatch\n got: %q\nwant: %q", got, want)
	}
	if got := formatTags(nil, nil); got != "" {
		t.Fatalf("formatTags(nil, nil) = %q, want empty string", got)
	}
}

func TestCloneTagsReturnsCopy(t *testing.T) {
	t.Parallel()

	original := map[string]string{"env": "prod", "": "ignored"}
	cloned := cloneTags(original)
	cloned["env"] = "stage"
	if original["env"] != "prod" {
		t.Fatal("cloneTags did not copy values")
	}
	if _, ok := cloned[""]; ok {
		t.Fatal("cloneTags kept empty key")
	}
}

func TestClientWritesUnbuffered(t *testing.T) {
	t.Parallel()

	srv := listenUDP(t)
	client, err := NewClient(Config{
		Enabled:    true,
		Address:    srv.LocalAddr().String(),
		Prefix:     "stockroom",
		GlobalTags: map[string]string{"env": "test"},
	})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	defer client.Close()

	client.Count("session.reconcile", 1, map[string]string{"result": "success"})
	if got, want := readPacket(t, srv), "stockroom.session.reconcile:1|c|#env:test,result:success"; got != want {
		t.Fatalf("packet = %q, want %q", got, want)
	}

	client.Timing("session.duration", 1500*time.Microsecond, nil)
	if got, want := readPacket(t, srv), "stockroom.session.duration:1.5|ms|#env:test"; got != want {
		t.Fatalf("packet = %q, want %q", got, want)
	}
}

func TestClientBatchesUntilFlush(t *testing.T) {
	t.Parallel()

	srv := listenUDP(t)
	client, err := NewClient(Config{
		Enabled:       true,
		Address:       srv.LocalAddr().String(),
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	defer client.Close()

	client.Count("a", 1, nil)
	client.Gauge("b", 2.5, nil)
	client.Flush()

	if got, want := readPacket(t, srv), "a:1|c\nb:2.5|g"; got != want {
		t.Fatalf("packet = %q, want %q", got, want)
	}
}

func TestClientSplitsAtMaxPacketSize(t *testing.T) {
	t.Parallel()

	srv := listenUDP(t)
	client, err := NewClient(Config{
		Enabled:       true,
		Address:       srv.LocalAddr().String(),
		FlushInterval: time.Hour,
		MaxPacketSize: 12,
	})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	defer client.Close()

	client.Count("aaaa", 1, nil) // "aaaa:1|c" is 8 bytes
	client.Count("bbbb", 1, nil) // would make 17 bytes, forces a flush

	if got := readPacket(t, srv); got != "aaaa:1|c" {
		t.Fatalf("first packet = %q", got)
	}
	client.Flush()
	if got := readPacket(t, srv); got != "bbbb:1|c" {
		t.Fatalf("second packet = %q", got)
	}
}

func TestClientCloseFlushesPending(t *testing.T) {
	t.Parallel()

	srv := listenUDP(t)
	client, err := NewClient(Config{
		Enabled:       true,
		Address:       srv.LocalAddr().String(),
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	client.Count("pending", 3, nil)
	if err := client.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if got := readPacket(t, srv); got != "pending:3|c" {
		t.Fatalf("packet = %q", got)
	}
	if client.Enabled() {
		t.Fatal("expected client.Enabled to report false after Close")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close (second call) error: %v", err)
	}

	// Writes after Close are dropped silently.
	client.Count("late", 1, nil)
}

func TestNilClient(t *testing.T) {
	t.Parallel()

	var c *Client
	if c.Enabled() {
		t.Fatal("nil client should report disabled")
	}
	c.Count("x", 1, nil)
	c.Flush()
	if err := c.Close(); err != nil {
		t.Fatalf("nil client Close error: %v", err)
	}
}

func TestNewClientDisabledWithoutAddress(t *testing.T) {
	t.Parallel()

	client, err := NewClient(Config{Enabled: true, Address: "   "})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if client.Enabled() {
		t.Fatal("expected client to stay disabled when address is empty")
	}
}

func TestNewClientDialError(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{Enabled: true, Address: "bad address"})
	if err == nil {
		t.Fatal("expected NewClient to error for invalid address")
	}
	if !strings.Contains(err.Error(), "statsd dial") {
		t.Fatalf("unexpected error: %v", err)
	}
}
