package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rsinha488/ecom-checkout-saga/internal/config"
	"github.com/rsinha488/ecom-checkout-saga/internal/dlq"
	"github.com/rsinha488/ecom-checkout-saga/internal/events"
	"github.com/rsinha488/ecom-checkout-saga/internal/gateway"
	"github.com/rsinha488/ecom-checkout-saga/internal/httpx"
	kafkax "github.com/rsinha488/ecom-checkout-saga/internal/kafka"
	"github.com/rsinha488/ecom-checkout-saga/internal/ledger"
	"github.com/rsinha488/ecom-checkout-saga/internal/logx"
	"github.com/rsinha488/ecom-checkout-saga/internal/payments"
	"github.com/rsinha488/ecom-checkout-saga/internal/postgres"
	"github.com/rsinha488/ecom-checkout-saga/internal/redisx"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load("payment-svc")
	log := logx.New(cfg.ServiceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.ServiceName, cfg.PostgresMax)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		log.Fatal().Err(err).Msg("redis ping")
	}

	prod := kafkax.NewProducer(cfg.KafkaBrokers)
	defer prod.Close()

	gw := gateway.New(cfg.GatewaySecret, cfg.GatewayBaseURL)
	orch := &payments.Orchestrator{
		Store:       &payments.Repo{DB: db},
		Publisher:   prod,
		Gateway:     gw,
		ServiceName: cfg.ServiceName,
		Log:         log,
	}

	router := httpx.NewRouter(log)
	(&httpx.CheckoutHandler{Payments: orch, Log: log}).Register(router)
	(&httpx.WebhookHandler{
		Payments: orch,
		Verifier: gw,
		Ledger:   webhookLedger(cfg.WebhookLedger, db, rdb),
		Limiter:  rate.NewLimiter(rate.Limit(cfg.WebhookRPS), cfg.WebhookBurst),
		Log:      log,
	}).Register(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	guard := dlq.NewGuard(cfg.Retry, cfg.Group, rdb, prod, log)
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.Group, events.TopicInventory, cfg.Workers, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
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
		log.Info().Str("topic", events.TopicInventory).Msg("inventory consumer started")
		return cons.Start(gctx, guard.Wrap(orch.HandleInventoryEvent))
	})
	g.Go(func() error {
		return orch.RunSweeper(gctx, cfg.SweepInterval, cfg.PaymentExpiry)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("payment service stopped")
		os.Exit(1)
	}
	log.Info().Msg("payment service stopped")
}

func webhookLedger(kind string, db *pgxpool.Pool, rdb *redis.Client) ledger.Ledger {
	if kind == "postgres" {
		return &ledger.Postgres{DB: db}
	}
	return &ledger.Redis{Client: rdb, TTL: redisx.TTLDedup}
}
