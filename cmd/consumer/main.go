package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/example/order-dispatch/internal/app"
	"github.com/example/order-dispatch/internal/config"
	"github.com/example/order-dispatch/internal/ingest"
	"github.com/example/order-dispatch/internal/logging"
	"github.com/example/order-dispatch/internal/observability"
)

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, app.Options{PGDSN: cfg.PGDSN, Brokers: cfg.Brokers, Dispatch: cfg.Dispatch}, log)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	h := ingest.NewHandler(a.Directory, a.Coordinator, log)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := a.Ready(r.Context()); err != nil {
				http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.WithField("addr", cfg.MetricsAddr).Info("metrics/health listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	streams := []stream{
		{topic: cfg.LocationsTopic, handle: h.HandleLocation},
		{topic: cfg.PaymentsTopic, handle: h.HandlePayment},
	}
	var wg sync.WaitGroup
	for _, s := range streams {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers.KafkaBrokers,
			Topic:    s.topic,
			GroupID:  cfg.Group,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		})
		wg.Add(1)
		go func(s stream, r *kafka.Reader) {
			defer wg.Done()
			defer r.Close()
			consume(ctx, r, s, cfg.HandlerAttempts, cfg.HandlerBackoff, log)
		}(s, r)
	}
	log.WithFields(logrus.Fields{
		"brokers":   cfg.Brokers.KafkaBrokers,
		"group":     cfg.Group,
		"locations": cfg.LocationsTopic,
		"payments":  cfg.PaymentsTopic,
	}).Info("consumer listening")

	wg.Wait()
	log.Info("shutting down consumer")
}

type stream struct {
	topic  string
	handle func(context.Context, []byte) error
}

// messageReader is the subset of *kafka.Reader the loop uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r messageReader, s stream, attempts int, delay time.Duration, log logrus.FieldLogger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).WithFields(logrus.Fields{"topic": s.topic, "backoff": backoff}).Warn("kafka read error")
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		result := "ok"
		if err := handleWithRetry(ctx, s.handle, m.Value, attempts, delay); err != nil {
			result = "failed"
			if errors.Is(err, ingest.ErrInvalidEvent) {
				result = "invalid"
			} else if ingest.Permanent(err) {
				result = "skipped"
			}
			log.WithError(err).WithFields(logrus.Fields{
				"topic":     s.topic,
				"partition": m.Partition,
				"offset":    m.Offset,
			}).Warn("event not applied")
		}
		observability.EventsConsumed.WithLabelValues(s.topic, result).Inc()
	}
}

// handleWithRetry runs handle with exponential backoff. Permanent errors are
// returned at once since retrying cannot change the outcome.
func handleWithRetry(ctx context.Context, handle func(context.Context, []byte) error, value []byte, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = handle(ctx, value); err == nil || ingest.Permanent(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
