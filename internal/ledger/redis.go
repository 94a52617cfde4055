package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rsinha488/ecom-checkout-saga/internal/redisx"
)

// Redis claims keys with SET NX. Claims expire after TTL, which bounds how
// long a duplicate is recognised; use it only where a late duplicate is
// also caught by a state check (webhook deliveries).
type Redis struct {
	Client *redis.Client
	TTL    time.Duration
}

func (l *Redis) TryClaim(ctx context.Context, consumer, key string) (bool, error) {
	if err := validKey(consumer, key); err != nil {
		return false, err
	}
	ttl := l.TTL
	if ttl <= 0 {
		ttl = redisx.TTLDedup
	}
	return l.Client.SetNX(ctx, fmt.Sprintf(redisx.KeyDedup, consumer, key), "1", ttl).Result()
}

func (l *Redis) Release(ctx context.Context, consumer, key string) error {
	return l.Client.Del(ctx, fmt.Sprintf(redisx.KeyDedup, consumer, key)).Err()
}
