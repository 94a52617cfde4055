package inventory

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rsinha488/ecom-checkout-saga/internal/dlq"
	"github.com/rsinha488/ecom-checkout-saga/internal/events"
	"github.com/rsinha488/ecom-checkout-saga/internal/metrics"
	kafkago "github.com/segmentio/kafka-go"
)

// Service consumes payment lifecycle events and drives the engine.
type Service struct {
	Engine      *Engine
	Publisher   events.Publisher // publish inventory.stock_insufficient
	ServiceName string
	Log         zerolog.Logger
}

// HandlePaymentEvent is installed as the payments topic handler.
func (s *Service) HandlePaymentEvent(ctx context.Context, m kafkago.Message) error {
	env, p, err := events.Decode(m.Value)
	if err != nil {
		return dlq.Permanent(err)
	}
	log := s.Log.With().
		Str("event_type", env.EventType).
		Str("order_id", env.OrderID).
		Str("correlation_id", env.CorrelationID).
		Logger()

	result := "applied"
	switch ev := p.(type) {
	case events.PaymentInitiated:
		res, err := s.Engine.Reserve(ctx, ev.OrderID, ev.Items)
		if err != nil {
			return err
		}
		if res.Duplicate {
			result = "duplicate"
		}
		if res.Rejected() {
			// Republished on duplicates too: the first attempt may have
			// crashed between commit and publish.
			if !res.Duplicate {
				metrics.StockRejections.Inc()
			}
			log.Info().Interface("shortages", res.Shortages).Msg("stock insufficient")
			if err := s.publishInsufficient(ctx, env, res.Shortages); err != nil {
				return err
			}
			result = "rejected"
		} else {
			log.Debug().Str("outcome", res.Outcome).Bool("duplicate", res.Duplicate).Msg("reserve")
		}
	case events.PaymentFailed:
		r, err := s.Engine.Release(ctx, ev.OrderID, ev.Items)
		if err != nil {
			return err
		}
		log.Info().Str("release", string(r)).Str("reason", ev.Reason).Msg("compensation")
		if r == ReleaseDuplicate {
			result = "duplicate"
		}
	case events.PaymentCompleted:
		ok, err := s.Engine.Confirm(ctx, ev.OrderID)
		if err != nil {
			return err
		}
		log.Debug().Bool("confirmed", ok).Msg("confirm reservation")
	default:
		result = "ignored"
	}
	metrics.EventsProcessed.WithLabelValues(s.ServiceName, env.EventType, result).Inc()
	return nil
}

func (s *Service) publishInsufficient(ctx context.Context, src events.Envelope, shortages []events.StockShortage) error {
	ev, err := events.New(s.ServiceName, src.OrderID, src.CorrelationID, events.StockInsufficient{
		OrderID: src.OrderID,
		Reason:  events.ReasonStockInsufficient,
		Details: shortages,
	})
	if err != nil {
		return err
	}
	if err := s.Publisher.Publish(ctx, events.TopicInventory, ev); err != nil {
		return fmt.Errorf("publish stock insufficient: %w", err)
	}
	return nil
}
