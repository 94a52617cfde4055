package dlq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rsinha488/ecom-checkout-saga/internal/redisx"
)

// RedisAttempts keeps per-message failure counters in Redis so the attempt
// budget survives consumer restarts.
type RedisAttempts struct {
	Client *redis.Client
}

func (a *RedisAttempts) Incr(ctx context.Context, key string) (int, error) {
	k := fmt.Sprintf(redisx.KeyRetry, key)
	pipe := a.Client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, redisx.TTLRetry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (a *RedisAttempts) Reset(ctx context.Context, key string) error {
	return a.Client.Del(ctx, fmt.Sprintf(redisx.KeyRetry, key)).Err()
}

// RedisList pushes quarantined records onto dlq:{topic} for operators.
type RedisList struct {
	Client *redis.Client
}

func (s *RedisList) Quarantine(ctx context.Context, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.Client.LPush(ctx, fmt.Sprintf(redisx.KeyDLQ, rec.Topic), b).Err()
}

// NewGuard wires the production guard: attempts counted in Redis, poison
// messages copied to the DLQ topic and the Redis list.
func NewGuard(p Policy, group string, rdb *redis.Client, w RawWriter, log zerolog.Logger) *Guard {
	return &Guard{
		Policy:   p,
		Group:    group,
		Attempts: &RedisAttempts{Client: rdb},
		Sink:     Sinks{&TopicSink{W: w}, &RedisList{Client: rdb}},
		Log:      log,
	}
}
