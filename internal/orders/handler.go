package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rsinha488/ecom-checkout-saga/internal/dlq"
	"github.com/rsinha488/ecom-checkout-saga/internal/events"
	"github.com/rsinha488/ecom-checkout-saga/internal/ledger"
	"github.com/rsinha488/ecom-checkout-saga/internal/metrics"
	kafkago "github.com/segmentio/kafka-go"
)

var ErrNotFound = errors.New("order not found")

// Tx is one storage transaction; the ledger claim and the order write made
// through it commit together.
type Tx interface {
	Claim(ctx context.Context, consumer, key string) (bool, error)
	// InsertIfAbsent creates o unless an order with o.ID exists.
	InsertIfAbsent(ctx context.Context, o Order) (bool, error)
	// Transition moves the order from -> to only if it is currently in from.
	Transition(ctx context.Context, orderID string, from, to Status, ps PaymentStatus, reason string) (bool, error)
	Get(ctx context.Context, orderID string) (Order, error)
}

type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Get(ctx context.Context, orderID string) (Order, error)
}

// StatusCache mirrors order state for read APIs. Best effort.
type StatusCache interface {
	Put(ctx context.Context, o Order) error
	Get(ctx context.Context, orderID string) (Order, bool, error)
}

type Outcome string

const (
	OutcomeCreated      Outcome = "created"
	OutcomeTransitioned Outcome = "transitioned"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeNoop         Outcome = "noop"
)

type Handler struct {
	Store    Store
	Cache    StatusCache
	Consumer string
	Log      zerolog.Logger
}

// HandlePaymentEvent is installed as the payments topic handler.
func (h *Handler) HandlePaymentEvent(ctx context.Context, m kafkago.Message) error {
	env, p, err := events.Decode(m.Value)
	if err != nil {
		return dlq.Permanent(err)
	}

	var out Outcome
	switch ev := p.(type) {
	case events.PaymentInitiated:
		out, err = h.OnInitiated(ctx, env, ev)
	case events.PaymentCompleted:
		out, err = h.OnCompleted(ctx, env, ev)
	case events.PaymentFailed:
		out, err = h.OnFailed(ctx, env, ev)
	default:
		metrics.EventsProcessed.WithLabelValues(h.Consumer, env.EventType, "ignored").Inc()
		return nil
	}
	if err != nil {
		return err
	}
	h.Log.Info().
		Str("event_type", env.EventType).
		Str("order_id", env.OrderID).
		Str("correlation_id", env.CorrelationID).
		Str("outcome", string(out)).
		Msg("order event handled")
	metrics.EventsProcessed.WithLabelValues(h.Consumer, env.EventType, string(out)).Inc()
	return nil
}

// OnInitiated creates the order in PENDING unless it already exists.
func (h *Handler) OnInitiated(ctx context.Context, env events.Envelope, ev events.PaymentInitiated) (Outcome, error) {
	o := Order{
		ID:            ev.OrderID,
		UserID:        ev.UserID,
		Items:         ev.Items,
		TotalCents:    ev.AmountCents,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		CorrelationID: env.CorrelationID,
	}
	return h.apply(ctx, env, func(tx Tx) (Outcome, error) {
		created, err := tx.InsertIfAbsent(ctx, o)
		if err != nil {
			return "", err
		}
		if created {
			return OutcomeCreated, nil
		}
		return OutcomeNoop, nil
	})
}

// OnCompleted moves a PENDING order to PROCESSING/PAID.
func (h *Handler) OnCompleted(ctx context.Context, env events.Envelope, ev events.PaymentCompleted) (Outcome, error) {
	fallback := Order{
		ID:            ev.OrderID,
		TotalCents:    ev.AmountCents,
		CorrelationID: env.CorrelationID,
	}
	return h.apply(ctx, env, func(tx Tx) (Outcome, error) {
		return settle(ctx, tx, fallback, StatusProcessing, "")
	})
}

// OnFailed moves a PENDING order to CANCELLED/FAILED, creating it directly
// in CANCELLED when payment.initiated has not been applied yet.
func (h *Handler) OnFailed(ctx context.Context, env events.Envelope, ev events.PaymentFailed) (Outcome, error) {
	fallback := Order{
		ID:            ev.OrderID,
		Items:         ev.Items,
		TotalCents:    events.TotalCents(ev.Items),
		CorrelationID: env.CorrelationID,
	}
	return h.apply(ctx, env, func(tx Tx) (Outcome, error) {
		return settle(ctx, tx, fallback, StatusCancelled, ev.Reason)
	})
}

func settle(ctx context.Context, tx Tx, fallback Order, to Status, reason string) (Outcome, error) {
	ps := paymentStatusFor(to)
	moved, err := tx.Transition(ctx, fallback.ID, StatusPending, to, ps, reason)
	if err != nil {
		return "", err
	}
	if moved {
		return OutcomeTransitioned, nil
	}
	if _, err := tx.Get(ctx, fallback.ID); err == nil {
		// Already terminal.
		return OutcomeNoop, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	fallback.Status = to
	fallback.PaymentStatus = ps
	fallback.CancelReason = reason
	created, err := tx.InsertIfAbsent(ctx, fallback)
	if err != nil {
		return "", err
	}
	if !created {
		return OutcomeNoop, nil
	}
	return OutcomeCreated, nil
}

// apply claims orderId:eventType and runs fn in one transaction, then
// refreshes the status cache.
func (h *Handler) apply(ctx context.Context, env events.Envelope, fn func(tx Tx) (Outcome, error)) (Outcome, error) {
	var out Outcome
	err := h.Store.InTx(ctx, func(tx Tx) error {
		claimed, err := tx.Claim(ctx, h.Consumer, ledger.Key(env.OrderID, env.EventType))
		if err != nil {
			return err
		}
		if !claimed {
			out = OutcomeDuplicate
			return nil
		}
		out, err = fn(tx)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", env.EventType, env.OrderID, err)
	}
	if out != OutcomeDuplicate {
		h.refreshCache(ctx, env.OrderID)
	}
	return out, nil
}

func (h *Handler) refreshCache(ctx context.Context, orderID string) {
	if h.Cache == nil {
		return
	}
	o, err := h.Store.Get(ctx, orderID)
	if err != nil {
		h.Log.Warn().Err(err).Str("order_id", orderID).Msg("reload order for cache")
		return
	}
	if err := h.Cache.Put(ctx, o); err != nil {
		h.Log.Warn().Err(err).Str("order_id", orderID).Msg("cache order status")
	}
}

// Get serves read APIs from the cache, falling back to the store.
func (h *Handler) Get(ctx context.Context, orderID string) (Order, error) {
	if h.Cache != nil {
		if o, ok, err := h.Cache.Get(ctx, orderID); err == nil && ok {
			return o, nil
		}
	}
	o, err := h.Store.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if h.Cache != nil {
		_ = h.Cache.Put(ctx, o)
	}
	return o, nil
}
