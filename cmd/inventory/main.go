package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rsinha488/ecom-checkout-saga/internal/config"
	"github.com/rsinha488/ecom-checkout-saga/internal/dlq"
	"github.com/rsinha488/ecom-checkout-saga/internal/events"
	"github.com/rsinha488/ecom-checkout-saga/internal/inventory"
	kafkax "github.com/rsinha488/ecom-checkout-saga/internal/kafka"
	"github.com/rsinha488/ecom-checkout-saga/internal/logx"
	"github.com/rsinha488/ecom-checkout-saga/internal/metrics"
	"github.com/rsinha488/ecom-checkout-saga/internal/postgres"
	"github.com/rsinha488/ecom-checkout-saga/internal/redisx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load("inventory-svc")
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

	prod := kafkax.NewProducer(cfg.KafkaBrokers)
	defer prod.Close()

	engine := &inventory.Engine{Store: &inventory.Repo{DB: db}, Consumer: cfg.ServiceName}
	seedStock(ctx, engine, os.Getenv("INVENTORY_SEED"), log)

	svc := &inventory.Service{
		Engine:      engine,
		Publisher:   prod,
		ServiceName: cfg.ServiceName,
		Log:         log,
	}

	msrv := metrics.Serve(cfg.MetricsAddr, log)
	defer msrv.Close()

	guard := dlq.NewGuard(cfg.Retry, cfg.Group, rdb, prod, log)
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.Group, events.TopicPayments, cfg.Workers, log)

	log.Info().Str("group", cfg.Group).Str("topic", events.TopicPayments).Int("workers", cfg.Workers).Msg("inventory consumer started")
	if err := cons.Start(ctx, guard.Wrap(svc.HandlePaymentEvent)); err != nil {
		log.Error().Err(err).Msg("consumer exit")
		os.Exit(1)
	}
	log.Info().Msg("inventory consumer stopped")
}

// seedStock applies INVENTORY_SEED, e.g. "P1=10,P2=5", for local runs.
func seedStock(ctx context.Context, e *inventory.Engine, seed string, log zerolog.Logger) {
	for _, part := range strings.Split(seed, ",") {
		id, n, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		qty, err := strconv.Atoi(n)
		if err != nil {
			log.Warn().Str("entry", part).Msg("bad INVENTORY_SEED entry")
			continue
		}
		if err := e.SetStock(ctx, id, qty); err != nil {
			log.Error().Err(err).Str("product_id", id).Msg("seed stock")
		}
	}
}
