package kite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrMissingCredentials = errors.New("kite: api key and access token are required")
	ErrShutdown           = errors.New("kite: client shut down during connect")
)

// State is the lifecycle state of the upstream connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ClientConfig configures a FeedClient.
type ClientConfig struct {
	URL              string        // ticker endpoint, e.g. wss://ws.kite.trade
	Mode             Mode          // streaming mode requested for every token
	ReconnectDelay   time.Duration // fixed delay before each reconnect attempt
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration // 0 disables the read deadline
}

// DefaultClientConfig mirrors the production ticker settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:              "wss://ws.kite.trade",
		Mode:             ModeQuote,
		ReconnectDelay:   5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      10 * time.Second,
	}
}

// FeedClient owns the streaming connection to the Kite ticker: credentials,
// subscriptions and reconnection. Decoded ticks and connectivity changes are
// delivered to handlers registered with AddHandler.
type FeedClient struct {
	cfg      ClientConfig
	registry Registry
	dialer   *websocket.Dialer
	logger   *zap.Logger

	handlersMu sync.RWMutex
	handlers   []EventHandler
	emitMu     sync.Mutex // serializes handler invocations across goroutines

	writeMu sync.Mutex

	mu          sync.Mutex
	state       State
	apiKey      string
	accessToken string
	conn        *websocket.Conn
	cancelDial  context.CancelFunc
	epoch       uint64 // bumped per connection attempt and on shutdown
	timer       *time.Timer
	timerSeq    uint64 // invalidates a reconnect timer that already fired
}

// NewFeedClient creates a disconnected client for the given registry.
func NewFeedClient(cfg ClientConfig, registry Registry, logger *zap.Logger) *FeedClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeQuote
	}
	return &FeedClient{
		cfg:      cfg,
		registry: registry,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:   logger.Named("kite"),
	}
}

// AddHandler registers h to receive every event. Handlers run in
// registration order on the connection goroutine.
func (c *FeedClient) AddHandler(h EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Configure stores credentials for the next connection attempt. It does not
// touch an established connection.
func (c *FeedClient) Configure(apiKey, accessToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = apiKey
	c.accessToken = accessToken
}

func (c *FeedClient) HasCredentials() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasCredentialsLocked()
}

func (c *FeedClient) Connected() bool {
	return c.State() == StateConnected
}

func (c *FeedClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the ticker and subscribes the registry's tokens. It is a
// no-op while a connection is open or being opened. Missing credentials fail
// fast without scheduling a reconnect; a failed dial schedules one.
func (c *FeedClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if !c.hasCredentialsLocked() {
		c.mu.Unlock()
		return ErrMissingCredentials
	}
	if state := c.state; state != StateDisconnected {
		c.mu.Unlock()
		c.logger.Debug("connect skipped", zap.Stringer("state", state))
		return nil
	}

	endpoint, err := c.streamURL()
	if err != nil {
		c.mu.Unlock()
		return err
	}

	c.state = StateConnecting
	c.epoch++
	epoch := c.epoch
	dialCtx, cancel := context.WithCancel(ctx)
	c.cancelDial = cancel
	c.mu.Unlock()

	c.logger.Info("connecting to ticker", zap.String("url", c.cfg.URL))
	conn, _, err := c.dialer.DialContext(dialCtx, endpoint, nil)
	cancel()

	c.mu.Lock()
	c.cancelDial = nil
	if epoch != c.epoch {
		// Shutdown ran while we were dialing.
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrShutdown
	}
	if err != nil {
		c.state = StateDisconnected
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.logger.Error("failed to connect to ticker", zap.Error(err))
		return fmt.Errorf("dial ticker: %w", err)
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("ticker connected")

	tokens := c.registry.Tokens()
	if err := c.subscribe(conn, tokens); err != nil {
		// The read loop sees the broken socket and runs the close path.
		c.logger.Error("failed to send subscription", zap.Error(err))
		_ = conn.Close()
	} else {
		c.logger.Info("subscribed to instruments",
			zap.Int("count", len(tokens)),
			zap.String("mode", string(c.cfg.Mode)))
	}

	c.emitCurrent(epoch, StatusEvent{Connected: true})
	go c.readLoop(conn, epoch)
	return nil
}

// Shutdown clears credentials, cancels any pending reconnect or in-flight
// dial and closes the connection. No automatic reconnect happens afterwards.
func (c *FeedClient) Shutdown() {
	c.mu.Lock()
	c.apiKey = ""
	c.accessToken = ""
	c.epoch++
	c.stopTimerLocked()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	conn := c.conn
	wasConnected := c.state == StateConnected
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if wasConnected {
		c.emit(StatusEvent{Connected: false})
	}
	c.logger.Info("ticker client shut down")
}

func (c *FeedClient) subscribe(conn *websocket.Conn, tokens []int32) error {
	if err := c.writeJSON(conn, SubscribeFrame(tokens)); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := c.writeJSON(conn, ModeFrame(c.cfg.Mode, tokens)); err != nil {
		return fmt.Errorf("set mode: %w", err)
	}
	return nil
}

func (c *FeedClient) writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *FeedClient) readLoop(conn *websocket.Conn, epoch uint64) {
	var err error
	for {
		if c.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}

		var (
			msgType int
			data    []byte
		)
		msgType, data, err = conn.ReadMessage()
		if err != nil {
			break
		}

		if msgType != websocket.BinaryMessage {
			c.logger.Debug("non-binary message from ticker", zap.ByteString("payload", truncate(data, 100)))
			continue
		}

		ticks := Decode(data, c.registry)
		if len(ticks) == 0 {
			continue
		}
		if ce := c.logger.Check(zap.DebugLevel, "decoded ticks"); ce != nil {
			ce.Write(zap.Int("bytes", len(data)), zap.Int("ticks", len(ticks)))
		}
		c.emitCurrent(epoch, TicksEvent{Ticks: ticks})
	}

	c.handleClose(conn, epoch, err)
}

// handleClose moves to Disconnected and schedules the single reconnect for a
// connection that ended on its own. Connections torn down by Shutdown have a
// stale epoch and are ignored.
//
// emitMu is held across the epoch check and the dispatch: once this
// connection is found current, its disconnected status is delivered even if
// a new Connect starts meanwhile, and that connection's own status waits.
func (c *FeedClient) handleClose(conn *websocket.Conn, epoch uint64, err error) {
	_ = conn.Close()

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Warn("ticker disconnected", zap.Error(err))
	} else {
		c.logger.Error("ticker connection lost", zap.Error(err))
	}
	c.dispatch(StatusEvent{Connected: false})
}

// scheduleReconnectLocked replaces any pending reconnect with a new one
// ReconnectDelay from now. Caller holds c.mu.
func (c *FeedClient) scheduleReconnectLocked() {
	c.stopTimerLocked()
	if !c.hasCredentialsLocked() {
		return
	}

	seq := c.timerSeq
	c.timer = time.AfterFunc(c.cfg.ReconnectDelay, func() { c.fireReconnect(seq) })
	c.logger.Info("reconnect scheduled", zap.Duration("delay", c.cfg.ReconnectDelay))
}

func (c *FeedClient) stopTimerLocked() {
	c.timerSeq++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *FeedClient) fireReconnect(seq uint64) {
	c.mu.Lock()
	if seq != c.timerSeq || !c.hasCredentialsLocked() {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	c.logger.Info("reconnecting")
	if err := c.Connect(context.Background()); err != nil && !errors.Is(err, ErrShutdown) {
		c.logger.Warn("reconnect attempt failed", zap.Error(err))
	}
}

func (c *FeedClient) emit(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.dispatch(ev)
}

// emitCurrent drops events from a connection that Shutdown has already
// retired, so nothing follows the final disconnected status. Lock order is
// emitMu before mu.
func (c *FeedClient) emitCurrent(epoch uint64, ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	current := epoch == c.epoch
	c.mu.Unlock()
	if current {
		c.dispatch(ev)
	}
}

func (c *FeedClient) dispatch(ev Event) {
	c.handlersMu.RLock()
	handlers := c.handlers
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (c *FeedClient) hasCredentialsLocked() bool {
	return c.apiKey != "" && c.accessToken != ""
}

// streamURL appends the credentials as query parameters. Caller holds c.mu.
func (c *FeedClient) streamURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse ticker url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.apiKey)
	q.Set("access_token", c.accessToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
