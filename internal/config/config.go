package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/field-dispatch/internal/models"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaTopic         string
	KafkaTrackingTopic string

	PGDSN string

	Dispatch DispatchConfig
	Tracking TrackingConfig
	Earnings EarningsConfig

	OSRMEndpoint string
	ETACacheTTL  time.Duration

	StripeAPIKey     string
	FCMEndpoint      string
	FCMKey           string
	NotifyWebhookURL string

	RescanSchedule string
	RescanBatch    int

	LogLevel      string
	RunMigrations bool
}

// DispatchConfig holds the offer negotiation knobs. Timeout and radius may be
// overridden per service category; the offer cap is per technician.
type DispatchConfig struct {
	OfferTimeout          time.Duration
	OfferTimeoutOverrides map[models.ServiceCategory]time.Duration
	SearchRadiusKm        float64
	RadiusOverrides       map[models.ServiceCategory]float64
	MaxConcurrentOffers   int
	MatcherTopN           int
}

func (d DispatchConfig) TimeoutFor(c models.ServiceCategory) time.Duration {
	if v, ok := d.OfferTimeoutOverrides[c]; ok {
		return v
	}
	return d.OfferTimeout
}

func (d DispatchConfig) RadiusFor(c models.ServiceCategory) float64 {
	if v, ok := d.RadiusOverrides[c]; ok {
		return v
	}
	return d.SearchRadiusKm
}

type TrackingConfig struct {
	ETASpeedKmh      float64
	ArrivingRadiusKm float64
	SubscriberBuffer int
}

type EarningsConfig struct {
	RatePerKmCents   map[models.VehicleType]int64
	MinFareCents     int64
	PeakWindows      []Window
	PeakBonusRate    float64
	RatingBonusMin   float64
	RatingBonusCents int64
	Currency         string
	Location         *time.Location
}

// Window is a daily time-of-day range, [Start, End). End before Start wraps midnight.
type Window struct {
	Start time.Duration
	End   time.Duration
}

func (w Window) Contains(t time.Time) bool {
	h, m, s := t.Clock()
	tod := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
	if w.Start <= w.End {
		return tod >= w.Start && tod < w.End
	}
	return tod >= w.Start || tod < w.End
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		OfferTimeout:          60 * time.Second,
		OfferTimeoutOverrides: map[models.ServiceCategory]time.Duration{},
		SearchRadiusKm:        10,
		RadiusOverrides:       map[models.ServiceCategory]float64{},
		MaxConcurrentOffers:   3,
		MatcherTopN:           20,
	}
}

func DefaultTrackingConfig() TrackingConfig {
	return TrackingConfig{ETASpeedKmh: 30, ArrivingRadiusKm: 0.5, SubscriberBuffer: 32}
}

func DefaultEarningsConfig() EarningsConfig {
	return EarningsConfig{
		RatePerKmCents: map[models.VehicleType]int64{
			models.VehicleMotorcycle: 80,
			models.VehicleCar:        100,
			models.VehicleVan:        130,
			models.VehicleTowTruck:   250,
			models.VehicleAmbulance:  300,
		},
		MinFareCents: 500,
		PeakWindows: []Window{
			{Start: 7 * time.Hour, End: 9 * time.Hour},
			{Start: 17 * time.Hour, End: 20 * time.Hour},
		},
		PeakBonusRate:    0.2,
		RatingBonusMin:   4.5,
		RatingBonusCents: 200,
		Currency:         "usd",
		Location:         time.UTC,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "technicians_geo",
		KafkaTopic:         "technician-locations",
		KafkaTrackingTopic: "tracking-events",
		Dispatch:           DefaultDispatchConfig(),
		Tracking:           DefaultTrackingConfig(),
		Earnings:           DefaultEarningsConfig(),
		ETACacheTTL:        30 * time.Second,
		RescanSchedule:     "@every 1m",
		RescanBatch:        100,
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaTrackingTopic, "KAFKA_TRACKING_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	d := &cfg.Dispatch
	setDurationFromEnv(&d.OfferTimeout, "JOB_OFFER_TIMEOUT", &errs)
	setFloatFromEnv(&d.SearchRadiusKm, "SEARCH_RADIUS_KM", &errs)
	setIntFromEnv(&d.MaxConcurrentOffers, "MAX_CONCURRENT_OFFERS", &errs)
	setIntFromEnv(&d.MatcherTopN, "MATCHER_TOP_N", &errs)
	forEachPair(os.Getenv("JOB_OFFER_TIMEOUT_OVERRIDES"), "JOB_OFFER_TIMEOUT_OVERRIDES", &errs, func(k, v string) error {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		d.OfferTimeoutOverrides[models.ServiceCategory(k)] = dur
		return nil
	})
	forEachPair(os.Getenv("SEARCH_RADIUS_OVERRIDES"), "SEARCH_RADIUS_OVERRIDES", &errs, func(k, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		d.RadiusOverrides[models.ServiceCategory(k)] = f
		return nil
	})

	setFloatFromEnv(&cfg.Tracking.ETASpeedKmh, "ETA_SPEED_KMH", &errs)
	setFloatFromEnv(&cfg.Tracking.ArrivingRadiusKm, "TRACKING_ARRIVING_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.Tracking.SubscriberBuffer, "TRACKING_SUBSCRIBER_BUFFER", &errs)
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	e := &cfg.Earnings
	forEachPair(os.Getenv("RATE_PER_KM_CENTS"), "RATE_PER_KM_CENTS", &errs, func(k, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		e.RatePerKmCents[models.VehicleType(k)] = n
		return nil
	})
	if v := os.Getenv("PEAK_WINDOWS"); v != "" {
		windows, err := ParseWindows(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid PEAK_WINDOWS: %w", err))
		} else {
			e.PeakWindows = windows
		}
	}
	setFloatFromEnv(&e.PeakBonusRate, "PEAK_BONUS_RATE", &errs)
	setFloatFromEnv(&e.RatingBonusMin, "RATING_BONUS_MIN", &errs)
	setInt64FromEnv(&e.RatingBonusCents, "RATING_BONUS_CENTS", &errs)
	setInt64FromEnv(&e.MinFareCents, "MIN_FARE_CENTS", &errs)
	setStringFromEnv(&e.Currency, "EARNINGS_CURRENCY")
	if tz := os.Getenv("EARNINGS_TZ"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid EARNINGS_TZ: %w", err))
		} else {
			e.Location = loc
		}
	}

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")
	setStringFromEnv(&cfg.NotifyWebhookURL, "NOTIFY_WEBHOOK_URL")
	setStringFromEnv(&cfg.RescanSchedule, "RESCAN_SCHEDULE")
	setIntFromEnv(&cfg.RescanBatch, "RESCAN_BATCH", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if d.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if d.MaxConcurrentOffers <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_OFFERS must be > 0"))
	}
	if d.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("JOB_OFFER_TIMEOUT must be > 0"))
	}
	if cfg.Tracking.ETASpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("ETA_SPEED_KMH must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives the location consumer that mirrors technician
// pings from Kafka into the Redis geo set.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr   string
	RetryAttempts int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "technician-locations",
		KafkaGroup:    "field-dispatch-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "technicians_geo",
		MetricsAddr:   ":2112",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.RetryAttempts, "REDIS_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "REDIS_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REDIS_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

// ParseWindows parses "07:00-09:00,17:00-20:00".
func ParseWindows(v string) ([]Window, error) {
	var out []Window
	for _, part := range splitAndTrim(v) {
		bounds := strings.SplitN(part, "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("window %q: want HH:MM-HH:MM", part)
		}
		start, err := parseClock(bounds[0])
		if err != nil {
			return nil, err
		}
		end, err := parseClock(bounds[1])
		if err != nil {
			return nil, err
		}
		out = append(out, Window{Start: start, End: end})
	}
	return out, nil
}

func parseClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

// forEachPair walks "k=v,k2=v2" lists.
func forEachPair(v, key string, errs *[]error, fn func(k, v string) error) {
	for _, pair := range splitAndTrim(v) {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			*errs = append(*errs, fmt.Errorf("invalid %s entry %q", key, pair))
			continue
		}
		if err := fn(strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])); err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s entry %q: %w", key, pair, err))
		}
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
