package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rsinha488/ecom-checkout-saga/internal/dlq"
	"github.com/rsinha488/ecom-checkout-saga/internal/events"
	"github.com/rsinha488/ecom-checkout-saga/internal/metrics"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inventoryMessage(t *testing.T, orderID string) kafkago.Message {
	t.Helper()
	env, err := events.New("inventory-svc", orderID, "corr", events.StockInsufficient{
		OrderID: orderID,
		Reason:  events.ReasonStockInsufficient,
		Details: []events.StockShortage{{ProductID: "P1", Required: 2, Available: 0}},
	})
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return kafkago.Message{Topic: events.TopicInventory, Key: events.PartitionKey(orderID), Value: b}
}

func TestHandleInventoryEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels and compensates once", func(t *testing.T) {
		f := newFixture()
		c, err := f.o.Begin(ctx, checkoutRequest())
		require.NoError(t, err)

		m := inventoryMessage(t, c.OrderID)
		require.NoError(t, f.o.HandleInventoryEvent(ctx, m))
		require.NoError(t, f.o.HandleInventoryEvent(ctx, m))

		p, err := f.store.Get(ctx, c.PaymentID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, p.Status)
		assert.Equal(t, []string{events.TypePaymentInitiated, events.TypePaymentFailed}, f.pub.types())

		var body events.PaymentFailed
		require.NoError(t, json.Unmarshal(f.pub.out[1].Payload, &body))
		assert.Equal(t, events.ReasonStockInsufficient, body.Reason)
	})

	t.Run("rejection after completion raises an alert", func(t *testing.T) {
		f := newFixture()
		var buf bytes.Buffer
		f.o.Log = zerolog.New(&buf)
		c, err := f.o.Begin(ctx, checkoutRequest())
		require.NoError(t, err)
		_, err = f.o.OnGatewaySuccess(ctx, c.SessionRef, "tx-1")
		require.NoError(t, err)

		before := testutil.ToFloat64(metrics.PaidWithoutStock)
		require.NoError(t, f.o.HandleInventoryEvent(ctx, inventoryMessage(t, c.OrderID)))
		assert.Equal(t, before+1, testutil.ToFloat64(metrics.PaidWithoutStock))

		p, err := f.store.Get(ctx, c.PaymentID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, p.Status)
		assert.Equal(t, []string{events.TypePaymentInitiated, events.TypePaymentCompleted}, f.pub.types())
		assert.Contains(t, buf.String(), `"alert":"paid_without_stock"`)
		assert.Contains(t, buf.String(), `"level":"error"`)
	})

	t.Run("unknown order is permanent", func(t *testing.T) {
		f := newFixture()
		err := f.o.HandleInventoryEvent(ctx, inventoryMessage(t, "o-missing"))
		assert.True(t, dlq.IsPermanent(err))
	})

	t.Run("garbage is permanent", func(t *testing.T) {
		f := newFixture()
		err := f.o.HandleInventoryEvent(ctx, kafkago.Message{Value: []byte("nope")})
		assert.True(t, dlq.IsPermanent(err))
	})
}
