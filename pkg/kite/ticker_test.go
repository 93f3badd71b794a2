package kite

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// mockExchange is a ticker stand-in that counts connections and hands each
// accepted socket to onConn.
type mockExchange struct {
	srv *httptest.Server

	mu      sync.Mutex
	conns   int
	queries []url.Values
}

func newMockExchange(t *testing.T, onConn func(conn *websocket.Conn, n int)) *mockExchange {
	t.Helper()
	m := &mockExchange{}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		m.mu.Lock()
		m.conns++
		n := m.conns
		m.queries = append(m.queries, r.URL.Query())
		m.mu.Unlock()

		onConn(conn, n)
	}))
	return m
}

func (m *mockExchange) url() string {
	return "ws" + strings.TrimPrefix(m.srv.URL, "http")
}

func (m *mockExchange) connCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testClientConfig(u string) ClientConfig {
	return ClientConfig{
		URL:              u,
		Mode:             ModeQuote,
		ReconnectDelay:   50 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     2 * time.Second,
	}
}

func collectEvents(c *FeedClient) <-chan Event {
	events := make(chan Event, 64)
	c.AddHandler(func(ev Event) {
		select {
		case events <- ev:
		default:
		}
	})
	return events
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// go test -v --run TestControlFrameJSON
func TestControlFrameJSON(t *testing.T) {
	tokens := []int32{256265, 260105}

	b, _ := json.Marshal(SubscribeFrame(tokens))
	if string(b) != `{"a":"subscribe","v":[256265,260105]}` {
		t.Errorf("subscribe frame = %s", b)
	}

	b, _ = json.Marshal(ModeFrame(ModeQuote, tokens))
	if string(b) != `{"a":"mode","v":["quote",[256265,260105]]}` {
		t.Errorf("mode frame = %s", b)
	}

	b, _ = json.Marshal(SubscribeFrame(nil))
	if string(b) != `{"a":"subscribe","v":[]}` {
		t.Errorf("empty subscribe frame = %s", b)
	}
}

// go test -v --run TestConnectMissingCredentials
func TestConnectMissingCredentials(t *testing.T) {
	c := NewFeedClient(testClientConfig("ws://127.0.0.1:1"), testRegistry(t), zap.NewNop())

	if err := c.Connect(context.Background()); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}

	c.Configure("key", "")
	if err := c.Connect(context.Background()); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials with empty token, got %v", err)
	}

	c.mu.Lock()
	pending := c.timer != nil
	c.mu.Unlock()
	if pending {
		t.Error("credential failure must not schedule a reconnect")
	}
}

// go test -v --run TestFeedClientStreamsTicks
func TestFeedClientStreamsTicks(t *testing.T) {
	frames := make(chan string, 4)
	packet := EncodePacket(
		RawQuote{Token: 256265, LastPrice: 1234500}.LTPRecord(),
		RawQuote{Token: 424242, LastPrice: 1}.LTPRecord(),
	)

	ex := newMockExchange(t, func(conn *websocket.Conn, n int) {
		for i := 0; i < 2; i++ {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- string(msg)
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"order"}`))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x00}) // heartbeat
		_ = conn.WriteMessage(websocket.BinaryMessage, packet)
		drain(conn)
	})
	defer ex.srv.Close()

	c := NewFeedClient(testClientConfig(ex.url()), testRegistry(t), zap.NewNop())
	events := collectEvents(c)
	c.Configure("key", "token")
	defer c.Shutdown()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.Connected() {
		t.Error("expected Connected after successful dial")
	}

	if ev, ok := nextEvent(t, events).(StatusEvent); !ok || !ev.Connected {
		t.Fatalf("first event should be connected status, got %#v", ev)
	}

	ev := nextEvent(t, events)
	ticks, ok := ev.(TicksEvent)
	if !ok {
		t.Fatalf("expected TicksEvent, got %#v", ev)
	}
	if len(ticks.Ticks) != 1 || ticks.Ticks[0].LastPrice != 12345.00 {
		t.Errorf("unexpected ticks: %+v", ticks.Ticks)
	}

	if got := <-frames; got != `{"a":"subscribe","v":[256265,259849,260105]}` {
		t.Errorf("subscribe frame = %s", got)
	}
	if got := <-frames; got != `{"a":"mode","v":["quote",[256265,259849,260105]]}` {
		t.Errorf("mode frame = %s", got)
	}

	ex.mu.Lock()
	q := ex.queries[0]
	ex.mu.Unlock()
	if q.Get("api_key") != "key" || q.Get("access_token") != "token" {
		t.Errorf("credentials not sent as query params: %v", q)
	}

	c.Shutdown()
	if ev, ok := nextEvent(t, events).(StatusEvent); !ok || ev.Connected {
		t.Fatalf("expected disconnected status after shutdown, got %#v", ev)
	}
	if c.HasCredentials() {
		t.Error("shutdown should clear credentials")
	}
}

// go test -v --run TestConnectNoopWhenConnected
func TestConnectNoopWhenConnected(t *testing.T) {
	ex := newMockExchange(t, func(conn *websocket.Conn, n int) { drain(conn) })
	defer ex.srv.Close()

	c := NewFeedClient(testClientConfig(ex.url()), testRegistry(t), zap.NewNop())
	c.Configure("key", "token")
	defer c.Shutdown()

	for i := 0; i < 3; i++ {
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("Connect #%d: %v", i, err)
		}
	}

	time.Sleep(100 * time.Millisecond)
	if n := ex.connCount(); n != 1 {
		t.Errorf("expected 1 upstream connection, got %d", n)
	}
}

// go test -v --run TestReconnectAfterServerClose
func TestReconnectAfterServerClose(t *testing.T) {
	ex := newMockExchange(t, func(conn *websocket.Conn, n int) {
		if n == 1 {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "maintenance"))
			return
		}
		drain(conn)
	})
	defer ex.srv.Close()

	c := NewFeedClient(testClientConfig(ex.url()), testRegistry(t), zap.NewNop())
	events := collectEvents(c)
	c.Configure("key", "token")
	defer c.Shutdown()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	want := []bool{true, false, true}
	for i, w := range want {
		ev, ok := nextEvent(t, events).(StatusEvent)
		if !ok || ev.Connected != w {
			t.Fatalf("status #%d = %#v, want connected=%v", i, ev, w)
		}
	}
	if n := ex.connCount(); n != 2 {
		t.Errorf("expected 2 connections, got %d", n)
	}
}

// go test -v --run TestRepeatedClosesReconnectOnce
func TestRepeatedClosesReconnectOnce(t *testing.T) {
	ex := newMockExchange(t, func(conn *websocket.Conn, n int) {
		if n <= 2 {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "maintenance"))
			return
		}
		drain(conn)
	})
	defer ex.srv.Close()

	cfg := testClientConfig(ex.url())
	cfg.ReconnectDelay = 300 * time.Millisecond
	c := NewFeedClient(cfg, testRegistry(t), zap.NewNop())
	events := collectEvents(c)
	c.Configure("key", "token")
	defer c.Shutdown()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "first drop", func() bool { return c.State() == StateDisconnected })

	// second drop inside the pending reconnect delay
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("manual Connect: %v", err)
	}

	waitFor(t, "reconnect", func() bool { return ex.connCount() >= 3 })
	time.Sleep(2 * cfg.ReconnectDelay)
	if n := ex.connCount(); n != 3 {
		t.Errorf("expected 3 connections, got %d", n)
	}

	want := []bool{true, false, true, false, true}
	for i, w := range want {
		ev, ok := nextEvent(t, events).(StatusEvent)
		if !ok || ev.Connected != w {
			t.Fatalf("status #%d = %#v, want connected=%v", i, ev, w)
		}
	}
}

// go test -v --run TestCloseAfterShutdownIgnored
func TestCloseAfterShutdownIgnored(t *testing.T) {
	ex := newMockExchange(t, func(conn *websocket.Conn, n int) { drain(conn) })
	defer ex.srv.Close()

	c := NewFeedClient(testClientConfig(ex.url()), testRegistry(t), zap.NewNop())
	events := collectEvents(c)
	c.Configure("key", "token")

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Shutdown()

	// the read loop's close arrives after Shutdown retired the connection
	time.Sleep(200 * time.Millisecond)
	if n := ex.connCount(); n != 1 {
		t.Errorf("reconnected after shutdown: %d connections", n)
	}

	for i, w := range []bool{true, false} {
		ev, ok := nextEvent(t, events).(StatusEvent)
		if !ok || ev.Connected != w {
			t.Fatalf("status #%d = %#v, want connected=%v", i, ev, w)
		}
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected event after shutdown: %#v", ev)
	default:
	}
}

// go test -v --run TestCloseStatusSurvivesConcurrentConnect
func TestCloseStatusSurvivesConcurrentConnect(t *testing.T) {
	var (
		mu    sync.Mutex
		dials int
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n > 1 {
			http.Error(w, "token expired", http.StatusForbidden)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 2; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "maintenance"))
	}))
	defer srv.Close()

	var (
		c          *FeedClient
		once       sync.Once
		connectErr = make(chan error, 1)
	)
	// A Connect issued from the close path's log line runs after the
	// connection is marked down and before its status is delivered.
	core, _ := observer.New(zap.DebugLevel)
	logger := zap.New(core, zap.Hooks(func(e zapcore.Entry) error {
		if e.Message == "ticker disconnected" || e.Message == "ticker connection lost" {
			once.Do(func() { connectErr <- c.Connect(context.Background()) })
		}
		return nil
	}))

	cfg := testClientConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.ReconnectDelay = time.Hour
	c = NewFeedClient(cfg, testRegistry(t), logger)
	events := collectEvents(c)
	c.Configure("key", "token")
	defer c.Shutdown()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case err := <-connectErr:
		if err == nil {
			t.Fatal("expected the second dial to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close path never ran")
	}

	for i, w := range []bool{true, false} {
		ev, ok := nextEvent(t, events).(StatusEvent)
		if !ok || ev.Connected != w {
			t.Fatalf("status #%d = %#v, want connected=%v", i, ev, w)
		}
	}
	if c.Connected() {
		t.Error("feed should be disconnected")
	}
}

// go test -v --run TestShutdownCancelsReconnect
func TestShutdownCancelsReconnect(t *testing.T) {
	ex := newMockExchange(t, func(conn *websocket.Conn, n int) { drain(conn) })
	defer ex.srv.Close()

	cfg := testClientConfig(ex.url())
	cfg.ReconnectDelay = 100 * time.Millisecond
	c := NewFeedClient(cfg, testRegistry(t), zap.NewNop())
	c.Configure("key", "token")

	c.mu.Lock()
	c.scheduleReconnectLocked()
	c.mu.Unlock()
	c.Shutdown()
	c.Shutdown() // idempotent

	time.Sleep(300 * time.Millisecond)
	if n := ex.connCount(); n != 0 {
		t.Errorf("reconnect fired after shutdown: %d connections", n)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v", c.State())
	}
}

// go test -v --run TestDialFailureSchedulesReconnect
func TestDialFailureSchedulesReconnect(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewFeedClient(testClientConfig("ws"+strings.TrimPrefix(srv.URL, "http")), testRegistry(t), zap.NewNop())
	c.Configure("key", "bad-token")
	defer c.Shutdown()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}

	waitFor(t, "retry", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 2
	})
}

// go test -v --run TestParseMode
func TestParseMode(t *testing.T) {
	for _, s := range []string{"ltp", "quote", "full"} {
		m, err := ParseMode(s)
		if err != nil {
			t.Errorf("ParseMode(%q): %v", s, err)
		}
		if string(m) != s || !m.IsValid() {
			t.Errorf("ParseMode(%q) = %q", s, m)
		}
	}
	if _, err := ParseMode("depth"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
