package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rsinha488/ecom-checkout-saga/internal/config"
	"github.com/rsinha488/ecom-checkout-saga/internal/dlq"
	"github.com/rsinha488/ecom-checkout-saga/internal/events"
	"github.com/rsinha488/ecom-checkout-saga/internal/httpx"
	kafkax "github.com/rsinha488/ecom-checkout-saga/internal/kafka"
	"github.com/rsinha488/ecom-checkout-saga/internal/logx"
	"github.com/rsinha488/ecom-checkout-saga/internal/orders"
	"github.com/rsinha488/ecom-checkout-saga/internal/postgres"
	"github.com/rsinha488/ecom-checkout-saga/internal/redisx"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load("order-svc")
	log := logx.New(cfg.ServiceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.ServiceName, cfg.PostgresMax)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Quarantine only; this service publishes no domain events.
	prod := kafkax.NewProducer(cfg.KafkaBrokers)
	defer prod.Close()

	h := &orders.Handler{
		Store:    &orders.Repo{DB: db},
		Cache:    &orders.RedisCache{Client: rdb},
		Consumer: cfg.ServiceName,
		Log:      log,
	}

	router := httpx.NewRouter(log)
	(&httpx.OrdersHandler{Orders: h}).Register(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	guard := dlq.NewGuard(cfg.Retry, cfg.Group, rdb, prod, log)
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.Group, events.TopicPayments, cfg.Workers, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})
	g.Go(func() error {
		log.Info().Str("group", cfg.Group).Int("workers", cfg.Workers).Msg("order consumer started")
		return cons.Start(gctx, guard.Wrap(h.HandlePaymentEvent))
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("order service stopped")
		os.Exit(1)
	}
}
