// Package payments drives the payment saga. The orchestrator is the only
// writer of Payment state and the only producer of payment.* events.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rsinha488/ecom-checkout-saga/internal/events"
	"github.com/rsinha488/ecom-checkout-saga/internal/gateway"
	"github.com/rsinha488/ecom-checkout-saga/internal/metrics"
)

var (
	ErrNotFound        = errors.New("payment not found")
	ErrInvalidCheckout = errors.New("invalid checkout")
	// ErrNotReady means a gateway callback arrived before the payment was
	// handed to the gateway; the caller should retry later.
	ErrNotReady = errors.New("payment not awaiting gateway")
	ErrPublish  = errors.New("publish payment event")
)

type Store interface {
	Create(ctx context.Context, p Payment) error
	Get(ctx context.Context, paymentID string) (Payment, error)
	GetByOrder(ctx context.Context, orderID string) (Payment, error)
	// Transition applies to only if the current status is one of from.
	Transition(ctx context.Context, paymentID string, from []Status, to Status, u Update) (bool, error)
	MarkPublished(ctx context.Context, paymentID string, status Status) error
	ListByStatus(ctx context.Context, status Status, updatedBefore time.Time, limit int) ([]Payment, error)
	// ListUnpublished returns terminal payments whose event was not published.
	ListUnpublished(ctx context.Context, updatedBefore time.Time, limit int) ([]Payment, error)
}

// Sessions is the gateway collaborator.
type Sessions interface {
	CreateSession(req gateway.SessionRequest) (gateway.Session, error)
	SessionPayment(ref string) (string, error)
}

type Orchestrator struct {
	Store       Store
	Publisher   events.Publisher
	Gateway     Sessions
	ServiceName string
	Log         zerolog.Logger

	now func() time.Time
}

func (o *Orchestrator) clock() time.Time {
	if o.now != nil {
		return o.now()
	}
	return time.Now()
}

type CheckoutRequest struct {
	UserID      string        `json:"user_id"`
	Items       []events.Item `json:"items"`
	AmountCents int64         `json:"amount_cents"`
	Currency    string        `json:"currency"`
}

type Checkout struct {
	OrderID     string `json:"order_id"`
	PaymentID   string `json:"payment_id"`
	Status      Status `json:"status"`
	SessionRef  string `json:"session_ref"`
	RedirectURL string `json:"redirect_url"`
}

func (r CheckoutRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: missing user_id", ErrInvalidCheckout)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidCheckout)
	}
	for _, it := range r.Items {
		if strings.TrimSpace(it.ProductID) == "" || it.Qty <= 0 || it.UnitPriceCents < 0 {
			return fmt.Errorf("%w: bad item %+v", ErrInvalidCheckout, it)
		}
	}
	if len(r.Currency) != 3 {
		return fmt.Errorf("%w: currency %q", ErrInvalidCheckout, r.Currency)
	}
	if total := events.TotalCents(r.Items); total != r.AmountCents {
		return fmt.Errorf("%w: amount %d does not match items total %d", ErrInvalidCheckout, r.AmountCents, total)
	}
	return nil
}

// Begin persists a PENDING payment, announces it with payment.initiated and
// hands it to the gateway.
func (o *Orchestrator) Begin(ctx context.Context, req CheckoutRequest) (Checkout, error) {
	if err := req.validate(); err != nil {
		return Checkout{}, err
	}
	items := make([]events.Item, len(req.Items))
	copy(items, req.Items)

	p := Payment{
		ID:            uuid.NewString(),
		OrderID:       uuid.NewString(),
		UserID:        req.UserID,
		AmountCents:   req.AmountCents,
		Currency:      strings.ToUpper(req.Currency),
		Items:         items,
		Status:        StatusPending,
		CorrelationID: uuid.NewString(),
	}
	session, err := o.Gateway.CreateSession(gateway.SessionRequest{
		PaymentID: p.ID, OrderID: p.OrderID, AmountCents: p.AmountCents, Currency: p.Currency,
	})
	if err != nil {
		return Checkout{}, err
	}
	p.SessionRef = session.Ref

	if err := o.Store.Create(ctx, p); err != nil {
		return Checkout{}, fmt.Errorf("create payment: %w", err)
	}
	log := o.Log.With().Str("payment_id", p.ID).Str("order_id", p.OrderID).Str("correlation_id", p.CorrelationID).Logger()

	env, err := events.New(o.ServiceName, p.OrderID, p.CorrelationID, events.PaymentInitiated{
		OrderID:     p.OrderID,
		PaymentID:   p.ID,
		UserID:      p.UserID,
		Items:       p.Items,
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
	})
	if err != nil {
		return Checkout{}, err
	}
	if err := o.publish(ctx, env); err != nil {
		log.Error().Err(err).Msg("publish payment.initiated; cancelling")
		if _, cerr := o.finish(context.WithoutCancel(ctx), p.ID, StatusCancelled, Update{FailureReason: events.ReasonPublishFailed}); cerr != nil {
			log.Error().Err(cerr).Msg("cancel after publish failure")
		}
		return Checkout{}, fmt.Errorf("%w: %v", ErrPublish, err)
	}

	status := StatusAwaitingGateway
	moved, err := o.Store.Transition(ctx, p.ID, []Status{StatusPending}, StatusAwaitingGateway, Update{EventPublished: true})
	if err != nil {
		return Checkout{}, err
	}
	if moved {
		metrics.PaymentTransitions.WithLabelValues(string(StatusAwaitingGateway)).Inc()
	} else {
		// Inventory already rejected the order.
		cur, err := o.Store.Get(ctx, p.ID)
		if err != nil {
			return Checkout{}, err
		}
		status = cur.Status
	}
	log.Info().Str("status", string(status)).Msg("checkout started")

	return Checkout{
		OrderID:     p.OrderID,
		PaymentID:   p.ID,
		Status:      status,
		SessionRef:  session.Ref,
		RedirectURL: session.RedirectURL,
	}, nil
}

// OnGatewaySuccess completes the payment unless it is already terminal.
func (o *Orchestrator) OnGatewaySuccess(ctx context.Context, sessionRef, transactionID string) (Payment, error) {
	id, err := o.Gateway.SessionPayment(sessionRef)
	if err != nil {
		return Payment{}, err
	}
	return o.finish(ctx, id, StatusCompleted, Update{TransactionID: transactionID})
}

// OnGatewayFailure fails the payment unless it is already terminal.
func (o *Orchestrator) OnGatewayFailure(ctx context.Context, sessionRef, reason string) (Payment, error) {
	id, err := o.Gateway.SessionPayment(sessionRef)
	if err != nil {
		return Payment{}, err
	}
	if reason == "" {
		reason = events.ReasonGatewayDeclined
	}
	return o.finish(ctx, id, StatusFailed, Update{FailureReason: reason})
}

// OnStockInsufficient aborts the payment when inventory could not reserve
// the order.
func (o *Orchestrator) OnStockInsufficient(ctx context.Context, orderID string) (Payment, error) {
	p, err := o.Store.GetByOrder(ctx, orderID)
	if err != nil {
		return Payment{}, err
	}
	return o.finish(ctx, p.ID, StatusCancelled, Update{FailureReason: events.ReasonStockInsufficient})
}

// finish moves the payment to a terminal status and emits its event. Only
// the caller that wins the transition publishes; calls on an already terminal
// payment change nothing. A terminal event lost between the state write and
// the publish is recovered by Sweep.
func (o *Orchestrator) finish(ctx context.Context, paymentID string, to Status, u Update) (Payment, error) {
	p, err := o.Store.Get(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status.Terminal() {
		return p, nil
	}
	if !CanTransition(p.Status, to) {
		return p, fmt.Errorf("%w: %s -> %s", ErrNotReady, p.Status, to)
	}
	moved, err := o.Store.Transition(ctx, paymentID, sourcesOf(to), to, u)
	if err != nil {
		return Payment{}, err
	}
	from := p.Status
	if p, err = o.Store.Get(ctx, paymentID); err != nil {
		return Payment{}, err
	}
	if !moved {
		if !p.Status.Terminal() {
			return p, fmt.Errorf("%w: %s -> %s", ErrNotReady, p.Status, to)
		}
		return p, nil
	}
	metrics.PaymentTransitions.WithLabelValues(string(to)).Inc()
	o.Log.Info().
		Str("payment_id", p.ID).Str("order_id", p.OrderID).
		Str("from", string(from)).Str("to", string(to)).
		Str("reason", u.FailureReason).
		Msg("payment transition")

	if err := o.publishTerminal(ctx, p); err != nil {
		return p, err
	}
	p.EventPublished = true
	return p, nil
}

func (o *Orchestrator) publishTerminal(ctx context.Context, p Payment) error {
	var payload events.Payload
	switch p.Status {
	case StatusCompleted:
		payload = events.PaymentCompleted{
			OrderID:       p.OrderID,
			PaymentID:     p.ID,
			TransactionID: p.TransactionID,
			AmountCents:   p.AmountCents,
		}
	case StatusFailed, StatusCancelled:
		payload = events.PaymentFailed{
			OrderID:   p.OrderID,
			PaymentID: p.ID,
			Items:     p.Items,
			Reason:    p.FailureReason,
		}
	default:
		return fmt.Errorf("no terminal event for status %s", p.Status)
	}
	env, err := events.New(o.ServiceName, p.OrderID, p.CorrelationID, payload)
	if err != nil {
		return err
	}
	if err := o.publish(ctx, env); err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	return o.Store.MarkPublished(ctx, p.ID, p.Status)
}

func (o *Orchestrator) publish(ctx context.Context, env events.Envelope) error {
	start := time.Now()
	defer func() { metrics.PublishLatency.Observe(time.Since(start).Seconds()) }()
	return o.Publisher.Publish(ctx, events.TopicPayments, env)
}

type SweepResult struct {
	Expired     int
	Abandoned   int
	Republished int
}

// Sweep fails payments the gateway never answered within window, cancels
// payments stuck before hand-off, and republishes terminal events that were
// never published.
func (o *Orchestrator) Sweep(ctx context.Context, window time.Duration, batch int) (SweepResult, error) {
	var res SweepResult
	cutoff := o.clock().Add(-window)

	stale, err := o.Store.ListByStatus(ctx, StatusAwaitingGateway, cutoff, batch)
	if err != nil {
		return res, err
	}
	for _, p := range stale {
		if _, err := o.finish(ctx, p.ID, StatusFailed, Update{FailureReason: events.ReasonGatewayTimeout}); err != nil {
			return res, err
		}
		res.Expired++
	}

	stuck, err := o.Store.ListByStatus(ctx, StatusPending, cutoff, batch)
	if err != nil {
		return res, err
	}
	for _, p := range stuck {
		if _, err := o.finish(ctx, p.ID, StatusCancelled, Update{FailureReason: events.ReasonPublishFailed}); err != nil {
			return res, err
		}
		res.Abandoned++
	}

	unpublished, err := o.Store.ListUnpublished(ctx, cutoff, batch)
	if err != nil {
		return res, err
	}
	for _, p := range unpublished {
		if err := o.publishTerminal(ctx, p); err != nil {
			return res, err
		}
		res.Republished++
	}
	return res, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval, window time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			res, err := o.Sweep(ctx, window, 100)
			if err != nil {
				o.Log.Error().Err(err).Msg("payment sweep")
				continue
			}
			if res != (SweepResult{}) {
				o.Log.Info().Int("expired", res.Expired).Int("abandoned", res.Abandoned).Int("republished", res.Republished).Msg("payment sweep")
			}
		}
	}
}
