package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// wsServer runs fn for every accepted connection, numbered from 1.
func wsServer(t *testing.T, fn func(n int, ws *websocket.Conn)) (string, *atomic.Int32) {
	t.Helper()
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		fn(int(count.Add(1)), ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &count
}

func drain(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig(url string) Config {
	return Config{
		Name:        "test:stream",
		Exchange:    "test",
		URL:         url,
		Backoff:     Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		IdleTimeout: 2 * time.Second,
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}
	cases := map[int]time.Duration{
		0:  time.Second,
		1:  time.Second,
		2:  2 * time.Second,
		3:  4 * time.Second,
		5:  16 * time.Second,
		6:  30 * time.Second,
		40: 30 * time.Second,
	}
	for n, want := range cases {
		if got := b.Delay(n); got != want {
			t.Fatalf("Delay(%d) = %v, want %v", n, got, want)
		}
	}
	if got := (Backoff{}).Delay(2); got != 2*time.Second {
		t.Fatalf("default backoff Delay(2) = %v", got)
	}
}

func TestStateString(t *testing.T) {
	if Reconnecting.String() != "RECONNECTING" || Terminated.String() != "TERMINATED" {
		t.Fatal("unexpected state names")
	}
}

func TestConnHandshakeAndMalformedFrames(t *testing.T) {
	handshake := make(chan string, 1)
	url, _ := wsServer(t, func(_ int, ws *websocket.Conn) {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		handshake <- string(msg)
		for _, frame := range []string{"good-1", "bad", "good-2"} {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(frame))
		}
		drain(ws)
	})

	cfg := testConfig(url)
	cfg.Handshake = func() [][]byte { return [][]byte{[]byte(`{"op":"subscribe"}`)} }

	var mu sync.Mutex
	var got []string
	c := New(cfg, func(b []byte) error {
		if string(b) == "bad" {
			return errors.New("malformed")
		}
		mu.Lock()
		got = append(got, string(b))
		mu.Unlock()
		return nil
	}, nil)
	c.Start(context.Background())
	defer c.Stop()

	select {
	case msg := <-handshake:
		if msg != `{"op":"subscribe"}` {
			t.Fatalf("unexpected handshake %q", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handshake not received")
	}

	waitFor(t, "two good frames", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	if got[0] != "good-1" || got[1] != "good-2" {
		t.Fatalf("frames out of order: %v", got)
	}
	if c.Malformed() != 1 {
		t.Fatalf("malformed = %d, want 1", c.Malformed())
	}
	if c.State() != Connected {
		t.Fatalf("malformed frame should not drop the connection, state %s", c.State())
	}
}

func TestConnReconnectsAndResetsAttempts(t *testing.T) {
	url, conns := wsServer(t, func(n int, ws *websocket.Conn) {
		if n == 1 {
			return // drop the first connection immediately
		}
		drain(ws)
	})

	c := New(testConfig(url), func([]byte) error { return nil }, nil)
	c.Start(context.Background())
	defer c.Stop()

	waitFor(t, "second connection", func() bool {
		return conns.Load() >= 2 && c.State() == Connected
	})
	if c.Attempts() != 0 {
		t.Fatalf("attempts should reset on CONNECTED, got %d", c.Attempts())
	}
	if c.Reconnects() < 1 {
		t.Fatalf("expected at least one reconnect, got %d", c.Reconnects())
	}
	if !c.NextRetry().IsZero() {
		t.Fatal("next retry should be cleared once connected")
	}
}

func TestConnIdleTimeoutReconnects(t *testing.T) {
	url, conns := wsServer(t, func(_ int, ws *websocket.Conn) {
		drain(ws)
	})

	cfg := testConfig(url)
	cfg.IdleTimeout = 50 * time.Millisecond
	c := New(cfg, nil, nil)
	c.Start(context.Background())
	defer c.Stop()

	waitFor(t, "reconnect after idle timeout", func() bool { return conns.Load() >= 2 })
}

func TestConnTextPing(t *testing.T) {
	pinged := make(chan struct{}, 1)
	url, _ := wsServer(t, func(_ int, ws *websocket.Conn) {
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == `{"op":"ping"}` {
				select {
				case pinged <- struct{}{}:
				default:
				}
			}
		}
	})

	cfg := testConfig(url)
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingMessage = []byte(`{"op":"ping"}`)
	c := New(cfg, nil, nil)
	c.Start(context.Background())
	defer c.Stop()

	select {
	case <-pinged:
	case <-time.After(3 * time.Second):
		t.Fatal("text ping not received")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	url, _ := wsServer(t, func(_ int, ws *websocket.Conn) { drain(ws) })

	var mu sync.Mutex
	var states []State
	cfg := testConfig(url)
	cfg.OnState = func(_ string, s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}
	c := New(cfg, nil, nil)
	c.Start(context.Background())
	waitFor(t, "connected", func() bool { return c.State() == Connected })

	c.Stop()
	c.Stop()

	if c.State() != Terminated {
		t.Fatalf("state = %s, want TERMINATED", c.State())
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed after Stop")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{Connecting, Connected, Terminated}
	if len(states) != len(want) {
		t.Fatalf("transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", states, want)
		}
	}
}

func TestStopBeforeStart(t *testing.T) {
	c := New(testConfig("ws://127.0.0.1:1"), nil, nil)
	c.Stop()
	c.Start(context.Background())
	if c.State() != Terminated {
		t.Fatalf("state = %s, want TERMINATED", c.State())
	}
}

func TestMaxAttemptsTerminates(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	cfg := testConfig(url)
	cfg.MaxAttempts = 2
	c := New(cfg, nil, nil)
	c.Start(context.Background())

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("connection did not terminate after exhausting attempts")
	}
	if c.State() != Terminated {
		t.Fatalf("state = %s", c.State())
	}
	if c.Attempts() != 3 {
		t.Fatalf("attempts = %d, want 3", c.Attempts())
	}
	if c.Reconnects() != 2 {
		t.Fatalf("reconnects = %d, want 2", c.Reconnects())
	}
}

func TestContextCancelTerminates(t *testing.T) {
	url, _ := wsServer(t, func(_ int, ws *websocket.Conn) { drain(ws) })

	ctx, cancel := context.WithCancel(context.Background())
	c := New(testConfig(url), nil, nil)
	c.Start(ctx)
	waitFor(t, "connected", func() bool { return c.State() == Connected })
	if len(Snapshot()) == 0 {
		t.Fatal("running connection missing from snapshot")
	}

	cancel()
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("cancel did not terminate the connection")
	}
	for _, st := range Snapshot() {
		if st.Name == c.Name() && st.State != Terminated.String() {
			t.Fatal("terminated connection still listed")
		}
	}
}
