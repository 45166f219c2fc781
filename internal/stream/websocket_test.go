package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crowdwatch/config"
	"crowdwatch/internal/alert"

	"github.com/gorilla/websocket"
)

// mockStreamServer upgrades /ws/stream/<id>, writes frames and then closes
// normally.
func mockStreamServer(t *testing.T, frames ...[]byte) (*httptest.Server, chan string) {
	t.Helper()
	paths := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		paths <- r.URL.Path

		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		// wait for the client to answer the close handshake
		conn.SetReadDeadline(time.Now().Add(time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server, paths
}

func wsEndpoint(server *httptest.Server) func(string) string {
	return func(id string) string {
		return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/stream/" + id
	}
}

func TestWebsocketStreamEndToEnd(t *testing.T) {
	server, paths := mockStreamServer(t,
		frame(3, 0),
		[]byte(`{"count": 4, "density": "abc", "timestamp": "2024-05-01T12:00:01Z"}`),
		frame(8, 2),
	)
	p, diag := newTestPipeline(t)
	p.Alerts = alert.Passthrough{}

	c, err := Open(context.Background(), Options{
		LocationID: "demo-square",
		Endpoint:   wsEndpoint(server),
		Dialer:     &WebsocketDialer{HandshakeTimeout: time.Second, KeepAlive: 50 * time.Millisecond, Log: quietLogger()},
		Log:        quietLogger(),
	}, p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitDone(t, c)

	select {
	case path := <-paths:
		if path != "/ws/stream/demo-square" {
			t.Fatalf("path = %s", path)
		}
	default:
		t.Fatal("server never saw the connection")
	}

	latest := p.Latest.Snapshot()
	if latest.Reading == nil || latest.Reading.Count != 8 || latest.Alert {
		t.Fatalf("latest = %+v alert=%v", latest.Reading, latest.Alert)
	}
	if n := p.History.Len(); n != 2 {
		t.Fatalf("history length = %d", n)
	}
	if decodeFailures, transportErrors := diag.counts(); decodeFailures != 1 || transportErrors != 0 {
		t.Fatalf("diagnostics decode=%d transport=%d", decodeFailures, transportErrors)
	}
	if c.State() != Closed || c.LastError() != nil {
		t.Fatalf("state = %s err = %v", c.State(), c.LastError())
	}
}

func TestWebsocketDialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)

	p, diag := newTestPipeline(t)
	c, err := Open(context.Background(), Options{
		LocationID: "demo-square",
		Endpoint:   wsEndpoint(server),
		Dialer:     &WebsocketDialer{HandshakeTimeout: time.Second},
		Log:        quietLogger(),
	}, p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitDone(t, c)

	if c.LastError() == nil || !strings.Contains(c.LastError().Error(), "404") {
		t.Fatalf("last error = %v, want handshake status", c.LastError())
	}
	if _, transportErrors := diag.counts(); transportErrors != 1 {
		t.Fatalf("transport diagnostics = %d", transportErrors)
	}
}

func TestExponentialBackoffDelays(t *testing.T) {
	b := ExponentialBackoff{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxAttempts: 6}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		got, ok := b.NextDelay(i + 1)
		if !ok || got != w {
			t.Fatalf("attempt %d: got %v,%v want %v", i+1, got, ok, w)
		}
	}
	if _, ok := b.NextDelay(7); ok {
		t.Fatal("attempt beyond max_attempts should stop")
	}

	unlimited := ExponentialBackoff{BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 3}
	if d, ok := unlimited.NextDelay(10000); !ok || d != time.Second {
		t.Fatalf("unlimited policy: %v,%v", d, ok)
	}

	flat := ExponentialBackoff{BaseDelay: 250 * time.Millisecond, MaxDelay: time.Second, Multiplier: 1}
	for attempt := 1; attempt <= 4; attempt++ {
		if d, ok := flat.NextDelay(attempt); !ok || d != 250*time.Millisecond {
			t.Fatalf("multiplier 1, attempt %d: %v,%v", attempt, d, ok)
		}
	}
	if d, _ := b.NextDelay(0); d != 100*time.Millisecond {
		t.Fatalf("attempt 0 should use the base delay, got %v", d)
	}
	if _, ok := (NoReconnect{}).NextDelay(1); ok {
		t.Fatal("NoReconnect must never retry")
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p, err := PolicyFromConfig(config.ReconnectConfig{Policy: config.ReconnectNone})
	if err != nil {
		t.Fatalf("none: %v", err)
	}
	if _, ok := p.(NoReconnect); !ok {
		t.Fatalf("policy = %T", p)
	}

	p, err = PolicyFromConfig(config.ReconnectConfig{
		Policy:            config.ReconnectExponential,
		BaseDelay:         time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 1.5,
	})
	if err != nil {
		t.Fatalf("exponential: %v", err)
	}
	if b, ok := p.(ExponentialBackoff); !ok || b.Multiplier != 1.5 {
		t.Fatalf("policy = %#v", p)
	}

	if _, err := PolicyFromConfig(config.ReconnectConfig{Policy: config.ReconnectExponential}); err == nil {
		t.Fatal("exponential policy without parameters must fail")
	}
	if _, err := PolicyFromConfig(config.ReconnectConfig{Policy: "linear"}); err == nil {
		t.Fatal("unknown policy must fail")
	}
}

func TestLogDiagnosticsRateLimit(t *testing.T) {
	d := NewLogDiagnostics(quietLogger(), "demo-square", 0.001, 2)
	for i := 0; i < 5; i++ {
		d.DecodeFailure(context.DeadlineExceeded, []byte("x"))
	}
	if got := d.Suppressed(); got != 3 {
		t.Fatalf("suppressed = %d, want 3", got)
	}
}

func TestSnippetTruncates(t *testing.T) {
	long := strings.Repeat("a", maxSnippet+10)
	if got := snippet([]byte(long)); len(got) != maxSnippet+3 {
		t.Fatalf("snippet length = %d", len(got))
	}
	if got := snippet([]byte("short")); got != "short" {
		t.Fatalf("snippet = %q", got)
	}
}
