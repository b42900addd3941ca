package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/field-dispatch/internal/config"
	"github.com/example/field-dispatch/internal/geo"
	"github.com/example/field-dispatch/internal/ingest"
	"github.com/example/field-dispatch/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total technician location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
	msgsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_skipped_total",
		Help: "Pings skipped as stale or for offline technicians",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors, msgsSkipped)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	flag.Parse()

	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "location-consumer")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	go serveOps(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		p, err := ingest.DecodePing(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		applied, err := applyPing(ctx, radapter, cfg.RedisGeoKey, p, cfg.RetryAttempts, cfg.RetryDelay)
		if err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "technician_id", p.TechnicianID, "error", err)
			continue
		}
		if !applied {
			msgsSkipped.Inc()
			logger.Debug("ping skipped", "technician_id", p.TechnicianID, "at", p.At)
			continue
		}
		redisUpdates.Inc()
	}
}

func serveOps(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", 503)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server stopped", "error", err)
	}
}

// RedisUpdater is the subset of redis operations the consumer needs.
type RedisUpdater interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.c.HGetAll(ctx, key).Result()
}

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

// applyPing mirrors a ping into the geo set, retrying with exponential
// backoff. It reports false when the ping was skipped.
func applyPing(ctx context.Context, rc RedisUpdater, geoKey string, p ingest.LocationPing, attempts int, delay time.Duration) (bool, error) {
	var (
		applied bool
		err     error
	)
	for i := 0; i < attempts; i++ {
		if applied, err = mirror(ctx, rc, geoKey, p); err == nil {
			return applied, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
		delay *= 2
	}
	return false, err
}

// mirror only moves positions. The server's session registry owns the
// online flag and the rest of the hash, so a ping for a technician it
// lists as offline, or one not newer than the stored position, is skipped.
func mirror(ctx context.Context, rc RedisUpdater, geoKey string, p ingest.LocationPing) (bool, error) {
	if !p.Online {
		return false, nil
	}
	meta, err := rc.HGetAll(ctx, geo.MetaKey(p.TechnicianID))
	if err != nil {
		return false, err
	}
	if meta["online"] != "true" {
		return false, nil
	}
	if prev, err := time.Parse(time.RFC3339Nano, meta["position_at"]); err == nil && !p.At.After(prev) {
		return false, nil
	}
	if err := rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: p.Position.Lon, Latitude: p.Position.Lat, Name: p.TechnicianID}); err != nil {
		return false, err
	}
	if err := rc.HSet(ctx, geo.MetaKey(p.TechnicianID), map[string]interface{}{
		"position_at": p.At.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return false, err
	}
	return true, nil
}
