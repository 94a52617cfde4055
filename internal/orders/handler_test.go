package orders

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rsinha488/ecom-checkout-saga/internal/dlq"
	"github.com/rsinha488/ecom-checkout-saga/internal/events"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	orders map[string]Order
	claims map[string]bool
	fail   error
}

func newMemStore() *memStore {
	return &memStore{orders: map[string]Order{}, claims: map[string]bool{}}
}

func (s *memStore) InTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders, claims := maps.Clone(s.orders), maps.Clone(s.claims)
	err := fn(&memTx{s: s})
	if err == nil {
		err = s.fail
	}
	if err != nil {
		s.orders, s.claims = orders, claims
	}
	return err
}

func (s *memStore) Get(_ context.Context, orderID string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

type memTx struct{ s *memStore }

func (t *memTx) Claim(_ context.Context, consumer, key string) (bool, error) {
	k := consumer + "|" + key
	if t.s.claims[k] {
		return false, nil
	}
	t.s.claims[k] = true
	return true, nil
}

func (t *memTx) InsertIfAbsent(_ context.Context, o Order) (bool, error) {
	if _, ok := t.s.orders[o.ID]; ok {
		return false, nil
	}
	o.CreatedAt, o.UpdatedAt = time.Now(), time.Now()
	t.s.orders[o.ID] = o
	return true, nil
}

func (t *memTx) Transition(_ context.Context, orderID string, from, to Status, ps PaymentStatus, reason string) (bool, error) {
	o, ok := t.s.orders[orderID]
	if !ok || o.Status != from || !CanTransition(from, to) {
		return false, nil
	}
	o.Status, o.PaymentStatus, o.CancelReason, o.UpdatedAt = to, ps, reason, time.Now()
	t.s.orders[orderID] = o
	return true, nil
}

func (t *memTx) Get(_ context.Context, orderID string) (Order, error) {
	o, ok := t.s.orders[orderID]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

type memCache struct {
	mu   sync.Mutex
	docs map[string]Order
}

func (c *memCache) Put(_ context.Context, o Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.docs == nil {
		c.docs = map[string]Order{}
	}
	c.docs[o.ID] = o
	return nil
}

func (c *memCache) Get(_ context.Context, orderID string) (Order, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.docs[orderID]
	return o, ok, nil
}

var testItems = []events.Item{{ProductID: "P1", Qty: 2, UnitPriceCents: 500}}

func newHandler() (*Handler, *memStore, *memCache) {
	s, c := newMemStore(), &memCache{}
	return &Handler{Store: s, Cache: c, Consumer: "order-svc", Log: zerolog.Nop()}, s, c
}

func message(t *testing.T, p events.Payload) kafkago.Message {
	t.Helper()
	env, err := events.New("payment-svc", "o-1", "corr-1", p)
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return kafkago.Message{Topic: events.TopicPayments, Key: []byte("o-1"), Value: b}
}

var (
	evInitiated = events.PaymentInitiated{OrderID: "o-1", PaymentID: "p-1", UserID: "u-1", Items: testItems, AmountCents: 1000, Currency: "USD"}
	evCompleted = events.PaymentCompleted{OrderID: "o-1", PaymentID: "p-1", TransactionID: "tx-1", AmountCents: 1000}
	evFailed    = events.PaymentFailed{OrderID: "o-1", PaymentID: "p-1", Items: testItems, Reason: events.ReasonGatewayDeclined}
)

func TestStatusTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusProcessing))
	assert.True(t, CanTransition(StatusPending, StatusCancelled))
	assert.False(t, CanTransition(StatusProcessing, StatusCancelled))
	assert.False(t, CanTransition(StatusCancelled, StatusProcessing))
	assert.False(t, CanTransition(StatusProcessing, StatusPending))
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.Equal(t, PaymentPaid, paymentStatusFor(StatusProcessing))
}

func TestHandlePaymentEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path ends in processing", func(t *testing.T) {
		h, s, c := newHandler()
		require.NoError(t, h.HandlePaymentEvent(ctx, message(t, evInitiated)))
		assert.Equal(t, StatusPending, s.orders["o-1"].Status)
		assert.Equal(t, int64(1000), s.orders["o-1"].TotalCents)

		require.NoError(t, h.HandlePaymentEvent(ctx, message(t, evCompleted)))
		o := s.orders["o-1"]
		assert.Equal(t, StatusProcessing, o.Status)
		assert.Equal(t, PaymentPaid, o.PaymentStatus)
		assert.Equal(t, StatusProcessing, c.docs["o-1"].Status)
	})

	t.Run("failed payment cancels", func(t *testing.T) {
		h, s, _ := newHandler()
		require.NoError(t, h.HandlePaymentEvent(ctx, message(t, evInitiated)))
		require.NoError(t, h.HandlePaymentEvent(ctx, message(t, evFailed)))
		o := s.orders["o-1"]
		assert.Equal(t, StatusCancelled, o.Status)
		assert.Equal(t, PaymentFailed, o.PaymentStatus)
		assert.Equal(t, events.ReasonGatewayDeclined, o.CancelReason)
	})

	t.Run("replayed completed is a no-op", func(t *testing.T) {
		h, s, _ := newHandler()
		require.NoError(t, h.HandlePaymentEvent(ctx, message(t, evInitiated)))
		m := message(t, evCompleted)
		require.NoError(t, h.HandlePaymentEvent(ctx, m))
		before := s.orders["o-1"]

		out, err := h.OnCompleted(ctx, mustEnvelope(t, m), evCompleted)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, out)
		assert.Equal(t, before, s.orders["o-1"])
	})

	t.Run("failed after completed leaves order paid", func(t *testing.T) {
		h, s, _ := newHandler()
		require.NoError(t, h.HandlePaymentEvent(ctx, message(t, evInitiated)))
		require.NoError(t, h.HandlePaymentEvent(ctx, message(t, evCompleted)))
		require.NoError(t, h.HandlePaymentEvent(ctx, message(t, evFailed)))
		assert.Equal(t, StatusProcessing, s.orders["o-1"].Status)
	})

	t.Run("failed before initiated creates cancelled order", func(t *testing.T) {
		h, s, _ := newHandler()
		require.NoError(t, h.HandlePaymentEvent(ctx, message(t, evFailed)))
		assert.Equal(t, StatusCancelled, s.orders["o-1"].Status)
		assert.Equal(t, int64(1000), s.orders["o-1"].TotalCents)

		require.NoError(t, h.HandlePaymentEvent(ctx, message(t, evInitiated)))
		assert.Equal(t, StatusCancelled, s.orders["o-1"].Status)
	})

	t.Run("completed before initiated creates processing order", func(t *testing.T) {
		h, s, _ := newHandler()
		require.NoError(t, h.HandlePaymentEvent(ctx, message(t, evCompleted)))
		assert.Equal(t, StatusProcessing, s.orders["o-1"].Status)
		assert.Equal(t, PaymentPaid, s.orders["o-1"].PaymentStatus)
	})

	t.Run("store failure rolls back the claim", func(t *testing.T) {
		h, s, _ := newHandler()
		s.fail = errors.New("commit failed")
		require.Error(t, h.HandlePaymentEvent(ctx, message(t, evInitiated)))
		assert.Empty(t, s.orders)
		assert.Empty(t, s.claims)

		s.fail = nil
		require.NoError(t, h.HandlePaymentEvent(ctx, message(t, evInitiated)))
		assert.Equal(t, StatusPending, s.orders["o-1"].Status)
	})

	t.Run("stock insufficient events are ignored", func(t *testing.T) {
		h, s, _ := newHandler()
		m := message(t, events.StockInsufficient{OrderID: "o-1", Reason: events.ReasonStockInsufficient})
		require.NoError(t, h.HandlePaymentEvent(ctx, m))
		assert.Empty(t, s.orders)
	})

	t.Run("malformed payload is permanent", func(t *testing.T) {
		h, _, _ := newHandler()
		err := h.HandlePaymentEvent(ctx, kafkago.Message{Value: []byte(`{"event_type":"payment.completed"}`)})
		assert.True(t, dlq.IsPermanent(err))
	})
}

func TestConcurrentInitiatedCreatesOneOrder(t *testing.T) {
	ctx := context.Background()
	h, s, _ := newHandler()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env, err := events.New("payment-svc", "o-1", "corr-1", evInitiated)
			if !assert.NoError(t, err) {
				return
			}
			out, err := h.OnInitiated(ctx, env, evInitiated)
			assert.NoError(t, err)
			if out == OutcomeCreated {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Len(t, s.orders, 1)
}

func TestGetPrefersCache(t *testing.T) {
	ctx := context.Background()
	h, s, c := newHandler()

	_, err := h.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	s.orders["o-2"] = Order{ID: "o-2", Status: StatusPending}
	o, err := h.Get(ctx, "o-2")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, o.Status)
	assert.Contains(t, c.docs, "o-2")

	c.docs["o-2"] = Order{ID: "o-2", Status: StatusProcessing}
	o, err = h.Get(ctx, "o-2")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, o.Status)
}

func mustEnvelope(t *testing.T, m kafkago.Message) events.Envelope {
	t.Helper()
	env, _, err := events.Decode(m.Value)
	require.NoError(t, err)
	return env
}
