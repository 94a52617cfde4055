package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rsinha488/ecom-checkout-saga/internal/redisx"
)

// RedisCache stores the order document under order_status:{id}.
type RedisCache struct {
	Client *redis.Client
}

func (c *RedisCache) Put(ctx context.Context, o Order) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, fmt.Sprintf(redisx.KeyOrderStatus, o.ID), b, redisx.TTLStatusCache).Err()
}

func (c *RedisCache) Get(ctx context.Context, orderID string) (Order, bool, error) {
	s, err := c.Client.Get(ctx, fmt.Sprintf(redisx.KeyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Order{}, false, nil
	}
	if err != nil {
		return Order{}, false, err
	}
	var o Order
	if err := json.Unmarshal(s, &o); err != nil {
		return Order{}, false, err
	}
	return o, true, nil
}
