package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/field-dispatch/internal/config"
	"github.com/example/field-dispatch/internal/dispatch"
	"github.com/example/field-dispatch/internal/earnings"
	"github.com/example/field-dispatch/internal/eta"
	"github.com/example/field-dispatch/internal/geo"
	httpapi "github.com/example/field-dispatch/internal/http"
	"github.com/example/field-dispatch/internal/ingest"
	"github.com/example/field-dispatch/internal/logging"
	"github.com/example/field-dispatch/internal/matcher"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/notify"
	"github.com/example/field-dispatch/internal/payments"
	"github.com/example/field-dispatch/internal/rescan"
	"github.com/example/field-dispatch/internal/session"
	"github.com/example/field-dispatch/internal/storage"
	"github.com/example/field-dispatch/internal/tracking"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "field-dispatch")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	var index geo.Geo
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rdb)
		index = geo.NewRedisGeo(rdb, cfg.RedisGeoKey)
		logger.Info("geo index on redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	} else {
		index = geo.NewIndex()
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("storage unavailable", "error", err)
		os.Exit(1)
	}
	if c, ok := store.(io.Closer); ok {
		closers = append(closers, c)
	}

	var (
		pings httpapi.PingPublisher
		sinks []tracking.Sink
	)
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewLocationProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		events := ingest.NewTrackingEventWriter(cfg.KafkaBrokers, cfg.KafkaTrackingTopic, logger)
		closers = append(closers, producer, events)
		pings = producer
		sinks = append(sinks, events)
	}

	techs := session.NewRegistry(cfg.Dispatch.MaxConcurrentOffers, index, logger)
	techWS := notify.NewWSRegistry()
	requesterWS := notify.NewWSRegistry()
	notifier := buildNotifier(cfg, techs, techWS, requesterWS)

	var ledger payments.Ledger = payments.NewMemoryLedger()
	if cfg.StripeAPIKey != "" {
		ledger = payments.NewStripeLedger(cfg.StripeAPIKey)
	}

	estimator := &eta.Estimator{SpeedKmh: cfg.Tracking.ETASpeedKmh}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
		estimator.Cache = eta.NewCache(cfg.ETACacheTTL)
	}

	tracker := tracking.NewService(tracking.Deps{
		Store:       store,
		Technicians: techs,
		ETA:         estimator,
		Earnings:    earnings.NewCalculator(cfg.Earnings),
		Ledger:      ledger,
		Notifier:    notifier,
		Hub:         tracking.NewHub(cfg.Tracking.SubscriberBuffer, logger, sinks...),
	}, cfg.Tracking, logger)

	queue := &matcher.Service{
		Geo:      index,
		Dispatch: cfg.Dispatch,
		Positions: func(id string) (models.Coord, bool) {
			t, ok := techs.Get(id)
			if !ok || t.Position == nil {
				return models.Coord{}, false
			}
			return *t.Position, true
		},
		ETA: estimator,
	}

	engine := dispatch.NewEngine(dispatch.Deps{
		Store:       store,
		Queue:       queue,
		Technicians: techs,
		Tracker:     tracker,
		Notifier:    notifier,
	}, cfg.Dispatch, logger)

	job, err := rescan.New(store, engine, cfg.RescanSchedule, cfg.RescanBatch, logger)
	if err != nil {
		logger.Error("invalid rescan schedule", "error", err)
		os.Exit(1)
	}
	job.Start()

	api := httpapi.NewServer(httpapi.Deps{
		Engine:       engine,
		Technicians:  techs,
		Tracker:      tracker,
		Pings:        pings,
		TechnicianWS: techWS,
		RequesterWS:  requesterWS,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("field-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := job.Stop(shutdownCtx); err != nil {
		logger.Warn("rescan stop incomplete", "error", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatch shutdown incomplete", "error", err)
	}
	logger.Info("stopped")
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, requests are kept in memory")
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		applied, err := ps.Migrate(ctx)
		if err != nil {
			_ = ps.Close()
			return nil, err
		}
		logger.Info("migrations applied", "files", applied)
	}
	return ps, nil
}

// buildNotifier routes offers to technician channels and status changes
// to requester channels. Push and webhook transports are optional.
func buildNotifier(cfg config.ServerConfig, techs *session.Registry, techWS, requesterWS *notify.WSRegistry) notify.Notifier {
	n := notify.Multi{
		notify.OffersOnly{Notifier: techWS},
		notify.StatusOnly{Notifier: requesterWS},
	}
	if cfg.FCMEndpoint != "" {
		fcm := notify.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey, func(id string) string {
			t, _ := techs.Get(id)
			return t.DeviceToken
		})
		n = append(n, notify.OffersOnly{Notifier: fcm})
	}
	if cfg.NotifyWebhookURL != "" {
		n = append(n, notify.NewWebhookDispatcher(cfg.NotifyWebhookURL))
	}
	return n
}
