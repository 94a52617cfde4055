package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load("inventory-svc")
	assert.Equal(t, "inventory-svc", cfg.ServiceName)
	assert.Equal(t, "inventory-svc", cfg.Group)
	assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 30*time.Minute, cfg.PaymentExpiry)
	assert.Equal(t, "redis", cfg.WebhookLedger)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SERVICE_NAME", "payment-a")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("CONSUMER_WORKERS", "3")
	t.Setenv("RETRY_MAX_DELAY", "2s")
	t.Setenv("WEBHOOK_RATE_RPS", "7.5")
	t.Setenv("PAYMENT_SWEEP_INTERVAL", "not-a-duration")

	cfg := Load("payment-svc")
	assert.Equal(t, "payment-a", cfg.ServiceName)
	assert.Equal(t, "payment-a", cfg.Group)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 2*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 7.5, cfg.WebhookRPS)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
}
