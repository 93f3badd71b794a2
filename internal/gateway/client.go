package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tickrelay/config"
	"tickrelay/internal/hub"
)

const maxMessageSize = 4 * 1024

var (
	ErrClientClosed = errors.New("gateway: client closed")
	ErrSlowConsumer = errors.New("gateway: send buffer full")
)

// Client adapts a browser WebSocket to hub.Subscriber. Outbound messages go
// through a buffered channel drained by the write pump, so Send never blocks.
type Client struct {
	id     string
	conn   *websocket.Conn
	hub    *hub.Hub
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

func NewClient(conn *websocket.Conn, h *hub.Hub, cfg config.GatewayConfig, logger *zap.Logger) *Client {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 5 * time.Second
	}

	id := uuid.NewString()
	return &Client{
		id:         id,
		conn:       conn,
		hub:        h,
		send:       make(chan []byte, cfg.SendBuffer),
		done:       make(chan struct{}),
		logger:     logger.Named("gateway").With(zap.String("client", id), zap.String("remote", conn.RemoteAddr().String())),
		writeWait:  cfg.WriteWait,
		pongWait:   cfg.PongWait,
		pingPeriod: cfg.PingPeriod,
	}
}

// Start runs the pumps. The read pump unregisters the client from the hub
// when the browser goes away.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

func (c *Client) ID() string { return c.id }

func (c *Client) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Send queues b for delivery. A full buffer closes the client.
func (c *Client) Send(b []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- b:
		return nil
	default:
		c.logger.Warn("slow consumer, closing", zap.Int("buffered", len(c.send)))
		c.Close()
		return ErrSlowConsumer
	}
}

// Close signals both pumps to stop. The write pump closes the socket.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		// Browsers only listen; inbound frames are drained for control handling.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Warn("browser connection error", zap.Error(err))
			} else {
				c.logger.Debug("browser disconnected", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeWait))
			return

		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
