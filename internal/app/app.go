// Package app assembles the store, notification sinks and services shared by
// the API server and the consumer.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/example/order-dispatch/internal/config"
	"github.com/example/order-dispatch/internal/directory"
	"github.com/example/order-dispatch/internal/dispatch"
	"github.com/example/order-dispatch/internal/geo"
	"github.com/example/order-dispatch/internal/notify"
	"github.com/example/order-dispatch/internal/storage"
)

type Options struct {
	PGDSN         string
	MigrationsDir string // applied when non-empty and a DSN is set
	Brokers       config.BrokerConfig
	Dispatch      config.DispatchConfig
	// Hub is added to the fan-out when set; only the API process serves sessions.
	Hub *notify.Hub
}

type App struct {
	Store       storage.Store
	Positions   geo.PositionIndex
	Sink        notify.Sink
	Directory   *directory.Directory
	Coordinator *dispatch.Coordinator

	redis   redis.UniversalClient
	pg      *storage.PostgresStore
	closers []func() error
}

func New(ctx context.Context, opts Options, log logrus.FieldLogger) (*App, error) {
	a := &App{}
	if err := a.openStore(ctx, opts, log); err != nil {
		return nil, err
	}

	var sinks notify.Fanout
	if opts.Hub != nil {
		sinks = append(sinks, opts.Hub)
	}

	a.Positions = geo.NewIndex()
	if addr := opts.Brokers.RedisAddr; addr != "" {
		rc := redis.NewClient(&redis.Options{Addr: addr, Password: opts.Brokers.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			rc.Close()
			a.Close()
			return nil, fmt.Errorf("redis ping %s: %w", addr, err)
		}
		a.redis = rc
		a.closers = append(a.closers, rc.Close)
		a.Positions = geo.NewRedisIndex(rc, opts.Brokers.RedisGeoKey)
		sinks = append(sinks, notify.NewRedisSink(rc, "dispatch:"))
		log.WithField("addr", addr).Info("redis position index and pub/sub enabled")
	}

	if len(opts.Brokers.KafkaBrokers) > 0 && opts.Brokers.KafkaEventsTopic != "" {
		ks := notify.NewKafkaSink(opts.Brokers.KafkaBrokers, opts.Brokers.KafkaEventsTopic)
		a.closers = append(a.closers, ks.Close)
		sinks = append(sinks, ks)
		log.WithField("topic", opts.Brokers.KafkaEventsTopic).Info("kafka event sink enabled")
	}

	if url := opts.Brokers.AMQPURL; url != "" {
		as, err := notify.NewAMQPSink(url, opts.Brokers.AMQPExchange)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("amqp sink: %w", err)
		}
		a.closers = append(a.closers, as.Close)
		sinks = append(sinks, as)
		log.WithField("exchange", opts.Brokers.AMQPExchange).Info("amqp event sink enabled")
	}

	a.Sink = notify.Discard{}
	if len(sinks) > 0 {
		a.Sink = sinks
	}

	a.Directory = directory.New(a.Store, a.Positions, a.Sink, log)
	a.Coordinator = dispatch.New(a.Store, a.Sink, log, dispatch.Options{
		OfferTTL:        opts.Dispatch.OfferTTL,
		MaxAttempts:     opts.Dispatch.MaxAttempts,
		DefaultStrategy: opts.Dispatch.DefaultStrategy,
	})
	return a, nil
}

func (a *App) openStore(ctx context.Context, opts Options, log logrus.FieldLogger) error {
	if opts.PGDSN == "" {
		a.Store = storage.NewMemoryStore()
		log.Warn("PG_DSN not set, using the in-memory store")
		return nil
	}
	pg, err := storage.NewPostgresStore(ctx, opts.PGDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	a.pg = pg
	a.Store = pg
	a.closers = append(a.closers, pg.Close)

	if opts.MigrationsDir != "" {
		applied, err := storage.Migrate(ctx, pg.DB(), opts.MigrationsDir)
		if err != nil {
			a.Close()
			return err
		}
		log.WithField("files", applied).Info("migrations applied")
	}
	return nil
}

// Ready reports whether the backing services answer.
func (a *App) Ready(ctx context.Context) error {
	var errs []error
	if a.pg != nil {
		if err := a.pg.DB().PingContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
