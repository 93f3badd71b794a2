package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tickrelay/config"
	"tickrelay/internal/gateway"
	"tickrelay/internal/hub"
	"tickrelay/pkg/kite"
	"tickrelay/pkg/storage/postgres"
)

// Status is the relay's connectivity snapshot served at /ws-status.
type Status struct {
	KiteConnected  bool `json:"kiteConnected"`
	BrowserClients int  `json:"browserClients"`
	HasToken       bool `json:"hasToken"`
}

// TickLookup serves the latest tick seen for a token.
type TickLookup interface {
	LatestTick(ctx context.Context, token int32) (*kite.Tick, error)
}

// TickHistory serves archived ticks for a token, newest first.
type TickHistory interface {
	LatestTicks(ctx context.Context, token int32, limit int) ([]postgres.TickRecord, error)
}

// Service ties the upstream feed to the subscriber hub and owns the HTTP
// surface. One Service per process.
type Service struct {
	feed   *kite.FeedClient
	hub    *hub.Hub
	logger *zap.Logger

	latest  TickLookup
	history TickHistory

	gateway       config.GatewayConfig
	sweepInterval time.Duration
	upgrader      websocket.Upgrader
}

// New wires feed events into the hub, followed by any extra handlers in
// the order given.
func New(cfg *config.Config, feed *kite.FeedClient, h *hub.Hub, logger *zap.Logger, handlers ...kite.EventHandler) *Service {
	feed.AddHandler(h.Broadcast)
	for _, fn := range handlers {
		feed.AddHandler(fn)
	}

	return &Service{
		feed:          feed,
		hub:           h,
		logger:        logger.Named("service"),
		gateway:       cfg.Gateway,
		sweepInterval: cfg.Hub.SweepInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// UseCache enables GET /ticks/{token}.
func (s *Service) UseCache(latest TickLookup) {
	s.latest = latest
}

// UseArchive enables GET /ticks/{token}/history.
func (s *Service) UseArchive(history TickHistory) {
	s.history = history
}

// Accept registers a downstream socket and starts its pumps.
func (s *Service) Accept(conn *websocket.Conn) *gateway.Client {
	c := gateway.NewClient(conn, s.hub, s.gateway, s.logger)
	s.hub.Register(c)
	c.Start()
	return c
}

// UpdateCredentials stores a fresh API key and access token and connects
// upstream if not already connected.
func (s *Service) UpdateCredentials(ctx context.Context, apiKey, accessToken string) error {
	if apiKey == "" || accessToken == "" {
		return kite.ErrMissingCredentials
	}

	s.feed.Configure(apiKey, accessToken)
	s.logger.Info("credentials updated")

	if err := s.feed.Connect(ctx); err != nil {
		if errors.Is(err, kite.ErrShutdown) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Service) Status() Status {
	return Status{
		KiteConnected:  s.feed.Connected(),
		BrowserClients: s.hub.Count(),
		HasToken:       s.feed.HasCredentials(),
	}
}

// StartSweeper periodically drops subscribers that closed without a failed
// send. It stops with ctx.
func (s *Service) StartSweeper(ctx context.Context) {
	if s.sweepInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.hub.Sweep()
			}
		}
	}()
}

func (s *Service) Shutdown() {
	s.feed.Shutdown()
	s.logger.Info("service shut down", zap.Int("browser_clients", s.hub.Count()))
}
