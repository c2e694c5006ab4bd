package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/order-dispatch/internal/app"
	"github.com/example/order-dispatch/internal/config"
	"github.com/example/order-dispatch/internal/dispatch"
	httpapi "github.com/example/order-dispatch/internal/http"
	"github.com/example/order-dispatch/internal/logging"
	"github.com/example/order-dispatch/internal/notify"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := notify.NewHub(log)
	opts := app.Options{PGDSN: cfg.PGDSN, Brokers: cfg.Brokers, Dispatch: cfg.Dispatch, Hub: hub}
	if cfg.RunMigrations {
		opts.MigrationsDir = getenv("MIGRATIONS_DIR", "migrations")
	}
	a, err := app.New(ctx, opts, log)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("shutdown cleanup failed")
		}
	}()

	api := httpapi.NewServer(a.Directory, a.Coordinator, hub, log)
	api.SweepBatch = cfg.Dispatch.SweepBatch

	if cfg.Dispatch.SweepInterval > 0 {
		go sweep(ctx, a.Coordinator, cfg.Dispatch.SweepInterval, cfg.Dispatch.SweepBatch, log)
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("graceful shutdown failed")
		}
	}()

	log.WithField("addr", cfg.HTTPAddr).Info("order-dispatch listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("http server stopped")
		return
	}
	log.Info("order-dispatch stopped")
}

// sweep expires lapsed offers until ctx is cancelled.
func sweep(ctx context.Context, c *dispatch.Coordinator, every time.Duration, batch int, log logrus.FieldLogger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.ExpireStale(ctx, batch)
			if err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("offer sweep failed")
			}
			if n > 0 {
				log.WithField("expired", n).Info("offer sweep")
			}
		}
	}
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
