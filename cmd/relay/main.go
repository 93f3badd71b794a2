package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"tickrelay/config"
	"tickrelay/internal/hub"
	"tickrelay/internal/instrument"
	"tickrelay/internal/retention"
	"tickrelay/internal/service"
	"tickrelay/internal/stream"
	"tickrelay/logger"
	"tickrelay/pkg/kite"
	"tickrelay/pkg/storage/cache"
	"tickrelay/pkg/storage/postgres"

	"go.uber.org/zap"
)

func main() {
	// viper config
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("relay failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	registry, err := instrument.FromConfig(cfg.Instruments)
	if err != nil {
		return err
	}

	mode, err := kite.ParseMode(cfg.Kite.Mode)
	if err != nil {
		return err
	}
	feed := kite.NewFeedClient(kite.ClientConfig{
		URL:              cfg.Kite.WSURL,
		Mode:             mode,
		ReconnectDelay:   cfg.Kite.ReconnectDelay,
		HandshakeTimeout: cfg.Kite.HandshakeTimeout,
		WriteTimeout:     cfg.Kite.WriteTimeout,
		ReadTimeout:      cfg.Kite.ReadTimeout,
	}, registry, log)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	st, err := openStores(workerCtx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	var handlers []kite.EventHandler
	recorder := st.startRecorder(workerCtx, cfg, log)
	if recorder != nil {
		handlers = append(handlers, recorder.MakeEventHandler())
	}

	svc := service.New(cfg, feed, hub.New(log), log, handlers...)
	if st.cache != nil {
		svc.UseCache(st.cache)
	}
	if st.archive != nil {
		svc.UseArchive(st.archive)
	}
	svc.StartSweeper(workerCtx)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: svc.Handler()}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("relay listening",
			zap.String("addr", cfg.Server.Addr),
			zap.Int("instruments", registry.Len()))
		serveErr <- srv.ListenAndServe()
	}()

	// connect as soon as credentials are known
	if apiKey, token := cfg.Kite.Credentials(); apiKey != "" && token != "" {
		if err := svc.UpdateCredentials(ctx, apiKey, token); err != nil {
			log.Warn("initial connect failed, retrying in background", zap.Error(err))
		}
	} else {
		log.Info("waiting for credentials on POST /credentials")
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			svc.Shutdown()
			return err
		}
	}

	svc.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}

	cancelWorkers()
	if recorder != nil {
		<-recorder.Done()
	}
	return nil
}

// stores holds the optional tick stores. Either field may be nil.
type stores struct {
	cache   *cache.RedisCache
	archive *postgres.PostgresClient
	closers []func() error
}

func (st *stores) close() {
	for _, c := range st.closers {
		_ = c()
	}
}

// openStores connects the configured stores and starts archive retention.
func openStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stores, error) {
	st := &stores{}

	if cfg.Redis.Enabled {
		rc := cache.NewRedisCache(cfg.Redis)
		if !rc.IsHealthy(ctx) {
			log.Warn("redis not reachable, cache writes will fail until it is", zap.String("addr", cfg.Redis.Addr))
		}
		st.cache = rc
		st.closers = append(st.closers, rc.Close)
	}

	if cfg.Postgres.Enabled {
		// managed databases are provisioned outside the relay in prod
		createDB := cfg.Log.Environment != "prod"
		pg, err := postgres.InitializeAndMigrate(cfg.Postgres, cfg.Log.Environment, createDB)
		if err != nil {
			st.close()
			return nil, err
		}
		st.archive = pg
		st.closers = append(st.closers, pg.Close)

		pruner := &retention.MidnightPruner{
			Pruner:    pg,
			Retention: cfg.Postgres.Retention,
			Logger:    log.Named("retention"),
		}
		pruner.Start(ctx)
	}

	return st, nil
}

// startRecorder starts the tick recorder over whichever stores are open. It
// returns nil when none are.
func (st *stores) startRecorder(ctx context.Context, cfg *config.Config, log *zap.Logger) *stream.Recorder {
	var (
		tickCache stream.TickCache
		archive   stream.TickArchive
	)
	if st.cache != nil {
		tickCache = st.cache
	}
	if st.archive != nil {
		archive = st.archive
	}
	if tickCache == nil && archive == nil {
		return nil
	}

	recorder := stream.NewRecorder(log, cfg.Recorder.Buffer, tickCache, archive)
	recorder.StartWorker(ctx)
	return recorder
}
