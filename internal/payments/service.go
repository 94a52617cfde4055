package payments

import (
	"context"
	"errors"

	"github.com/rsinha488/ecom-checkout-saga/internal/dlq"
	"github.com/rsinha488/ecom-checkout-saga/internal/events"
	"github.com/rsinha488/ecom-checkout-saga/internal/metrics"
	kafkago "github.com/segmentio/kafka-go"
)

// HandleInventoryEvent consumes inventory.events; a stock rejection aborts
// the payment and emits payment.failed as compensation.
func (o *Orchestrator) HandleInventoryEvent(ctx context.Context, m kafkago.Message) error {
	env, p, err := events.Decode(m.Value)
	if err != nil {
		return dlq.Permanent(err)
	}
	ev, ok := p.(events.StockInsufficient)
	if !ok {
		metrics.EventsProcessed.WithLabelValues(o.ServiceName, env.EventType, "ignored").Inc()
		return nil
	}
	pay, err := o.OnStockInsufficient(ctx, ev.OrderID)
	if errors.Is(err, ErrNotFound) {
		return dlq.Permanent(err)
	}
	if err != nil {
		return err
	}
	if pay.Status == StatusCompleted {
		// Money was taken for stock that is not held; needs a refund or
		// manual fulfilment.
		metrics.PaidWithoutStock.Inc()
		o.Log.Error().
			Str("alert", "paid_without_stock").
			Str("order_id", ev.OrderID).
			Str("payment_id", pay.ID).
			Str("correlation_id", env.CorrelationID).
			Interface("shortages", ev.Details).
			Msg("stock rejected after payment completed; operator action required")
		metrics.EventsProcessed.WithLabelValues(o.ServiceName, env.EventType, "paid_without_stock").Inc()
		return nil
	}
	o.Log.Info().
		Str("order_id", ev.OrderID).
		Str("correlation_id", env.CorrelationID).
		Str("status", string(pay.Status)).
		Interface("shortages", ev.Details).
		Msg("stock insufficient")
	metrics.EventsProcessed.WithLabelValues(o.ServiceName, env.EventType, string(pay.Status)).Inc()
	return nil
}
