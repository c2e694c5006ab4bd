package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/order-dispatch/internal/models"
)

// DispatchConfig tunes the offer state machine. Both processes share it
// because both can start a dispatch round.
type DispatchConfig struct {
	OfferTTL        time.Duration
	MaxAttempts     int
	DefaultStrategy models.Strategy
	SweepInterval   time.Duration
	SweepBatch      int
}

// BrokerConfig covers the optional notification transports. Empty
// addresses leave the matching sink out.
type BrokerConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers     []string
	KafkaEventsTopic string
	AMQPURL          string
	AMQPExchange     string
}

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are loaded from environment variables with defaults that let the
// binary run locally on the in-memory store.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Brokers  BrokerConfig
	Dispatch DispatchConfig

	PGDSN string

	LogLevel      string
	LogFormat     string
	RunMigrations bool
}

// ConsumerConfig is the Kafka consumer process.
type ConsumerConfig struct {
	MetricsAddr     string
	LocationsTopic  string
	PaymentsTopic   string
	Group           string
	HandlerAttempts int
	HandlerBackoff  time.Duration

	Brokers  BrokerConfig
	Dispatch DispatchConfig

	PGDSN string

	LogLevel  string
	LogFormat string
}

func defaultBrokers() BrokerConfig {
	return BrokerConfig{
		RedisGeoKey:      "riders:geo",
		KafkaEventsTopic: "dispatch-events",
		AMQPExchange:     "dispatch_events",
	}
}

func defaultDispatch() DispatchConfig {
	return DispatchConfig{
		OfferTTL:        5 * time.Minute,
		MaxAttempts:     3,
		DefaultStrategy: models.StrategyNearest,
		SweepInterval:   30 * time.Second,
		SweepBatch:      100,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		Brokers:         defaultBrokers(),
		Dispatch:        defaultDispatch(),
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:     ":2112",
		LocationsTopic:  "rider-locations",
		PaymentsTopic:   "payment-confirmed",
		Group:           "order-dispatch-consumer",
		HandlerAttempts: 3,
		HandlerBackoff:  200 * time.Millisecond,
		Brokers:         defaultBrokers(),
		Dispatch:        defaultDispatch(),
		LogLevel:        "info",
		LogFormat:       "json",
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

	loadBrokers(&cfg.Brokers)
	loadDispatch(&cfg.Dispatch, &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	loadLogging(&cfg.LogLevel, &cfg.LogFormat)
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setStringFromEnv(&cfg.LocationsTopic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.PaymentsTopic, "KAFKA_PAYMENTS_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	setIntFromEnv(&cfg.HandlerAttempts, "CONSUMER_HANDLER_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.HandlerBackoff, "CONSUMER_HANDLER_BACKOFF", &errs)

	loadBrokers(&cfg.Brokers)
	if len(cfg.Brokers.KafkaBrokers) == 0 {
		cfg.Brokers.KafkaBrokers = []string{"localhost:9092"}
	}
	loadDispatch(&cfg.Dispatch, &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	loadLogging(&cfg.LogLevel, &cfg.LogFormat)

	if cfg.HandlerAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_HANDLER_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func loadBrokers(b *BrokerConfig) {
	b.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	b.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&b.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		b.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&b.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	b.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&b.AMQPExchange, "AMQP_EXCHANGE")
}

func loadDispatch(d *DispatchConfig, errs *[]error) {
	setDurationFromEnv(&d.OfferTTL, "OFFER_TTL", errs)
	setIntFromEnv(&d.MaxAttempts, "DISPATCH_MAX_ATTEMPTS", errs)
	if v := os.Getenv("DISPATCH_DEFAULT_STRATEGY"); v != "" {
		s, err := models.ParseStrategy(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid DISPATCH_DEFAULT_STRATEGY: %w", err))
		} else {
			d.DefaultStrategy = s
		}
	}
	setDurationFromEnv(&d.SweepInterval, "OFFER_SWEEP_INTERVAL", errs)
	setIntFromEnv(&d.SweepBatch, "OFFER_SWEEP_BATCH", errs)

	if d.OfferTTL <= 0 {
		*errs = append(*errs, fmt.Errorf("OFFER_TTL must be > 0"))
	}
	if d.MaxAttempts <= 0 {
		*errs = append(*errs, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be > 0"))
	}
	if d.SweepInterval < 0 {
		*errs = append(*errs, fmt.Errorf("OFFER_SWEEP_INTERVAL must be >= 0"))
	}
	if d.SweepBatch <= 0 {
		*errs = append(*errs, fmt.Errorf("OFFER_SWEEP_BATCH must be > 0"))
	}
}

func loadLogging(level, format *string) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		*level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		*format = strings.ToLower(v)
	}
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

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
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
