package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rsinha488/ecom-checkout-saga/internal/events"
	"github.com/rsinha488/ecom-checkout-saga/internal/gateway"
	"github.com/rsinha488/ecom-checkout-saga/internal/orders"
	"github.com/rsinha488/ecom-checkout-saga/internal/payments"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeCheckout struct {
	got payments.CheckoutRequest
	err error
}

func (f *fakeCheckout) Begin(_ context.Context, req payments.CheckoutRequest) (payments.Checkout, error) {
	f.got = req
	if f.err != nil {
		return payments.Checkout{}, f.err
	}
	return payments.Checkout{OrderID: "o-1", PaymentID: "p-1", Status: payments.StatusAwaitingGateway}, nil
}

type fakeCallbacks struct {
	successes int
	failures  int
	err       error
}

func (f *fakeCallbacks) OnGatewaySuccess(context.Context, string, string) (payments.Payment, error) {
	if f.err != nil {
		return payments.Payment{}, f.err
	}
	f.successes++
	return payments.Payment{ID: "p-1", Status: payments.StatusCompleted}, nil
}

func (f *fakeCallbacks) OnGatewayFailure(context.Context, string, string) (payments.Payment, error) {
	if f.err != nil {
		return payments.Payment{}, f.err
	}
	f.failures++
	return payments.Payment{ID: "p-1", Status: payments.StatusFailed}, nil
}

type memLedger struct {
	mu     sync.Mutex
	claims map[string]bool
}

func (l *memLedger) TryClaim(_ context.Context, consumer, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claims == nil {
		l.claims = map[string]bool{}
	}
	if l.claims[consumer+key] {
		return false, nil
	}
	l.claims[consumer+key] = true
	return true, nil
}

func (l *memLedger) Release(_ context.Context, consumer, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claims, consumer+key)
	return nil
}

type fakeOrders map[string]orders.Order

func (f fakeOrders) Get(_ context.Context, id string) (orders.Order, error) {
	o, ok := f[id]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return o, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCheckoutHandler(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		fc := &fakeCheckout{}
		r := NewRouter(zerolog.Nop())
		(&CheckoutHandler{Payments: fc, Log: zerolog.Nop()}).Register(r)

		w := do(t, r, http.MethodPost, "/checkout", `{"user_id":"u-1","items":[{"product_id":"P1","qty":2,"unit_price_cents":500}],"amount_cents":1000,"currency":"USD"}`)
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, []events.Item{{ProductID: "P1", Qty: 2, UnitPriceCents: 500}}, fc.got.Items)

		var out payments.Checkout
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
		assert.Equal(t, "o-1", out.OrderID)
	})

	cases := []struct {
		name string
		body string
		err  error
		code int
	}{
		{"invalid json", "{", nil, http.StatusBadRequest},
		{"invalid checkout", `{}`, fmt.Errorf("%w: no items", payments.ErrInvalidCheckout), http.StatusBadRequest},
		{"publish failure", `{}`, payments.ErrPublish, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRouter(zerolog.Nop())
			(&CheckoutHandler{Payments: &fakeCheckout{err: tc.err}, Log: zerolog.Nop()}).Register(r)
			w := do(t, r, http.MethodPost, "/checkout", tc.body)
			assert.Equal(t, tc.code, w.Code)
		})
	}
}

func webhookRouter(cb *fakeCallbacks, limiter *rate.Limiter) (http.Handler, *gateway.Gateway) {
	gw := gateway.New("hook-secret", "https://pay.example.com")
	r := NewRouter(zerolog.Nop())
	(&WebhookHandler{Payments: cb, Verifier: gw, Ledger: &memLedger{}, Limiter: limiter, Log: zerolog.Nop()}).Register(r)
	return r, gw
}

func signed(t *testing.T, gw *gateway.Gateway, cb gateway.Callback) string {
	t.Helper()
	tok, err := gw.SignCallback(cb, time.Minute)
	require.NoError(t, err)
	b, err := json.Marshal(WebhookReq{Token: tok})
	require.NoError(t, err)
	return string(b)
}

func TestWebhookHandler(t *testing.T) {
	approved := gateway.Callback{EventID: "evt-1", SessionRef: "ref", Status: gateway.StatusApproved, TransactionID: "tx-1"}

	t.Run("applies once per delivery id", func(t *testing.T) {
		cb := &fakeCallbacks{}
		r, gw := webhookRouter(cb, nil)
		body := signed(t, gw, approved)

		w := do(t, r, http.MethodPost, "/webhooks/gateway", body)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"COMPLETED"`)

		w = do(t, r, http.MethodPost, "/webhooks/gateway", body)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"duplicate":true`)
		assert.Equal(t, 1, cb.successes)
	})

	t.Run("declined", func(t *testing.T) {
		cb := &fakeCallbacks{}
		r, gw := webhookRouter(cb, nil)
		w := do(t, r, http.MethodPost, "/webhooks/gateway", signed(t, gw, gateway.Callback{EventID: "evt-2", SessionRef: "ref", Status: gateway.StatusDeclined}))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, cb.failures)
	})

	t.Run("not ready is retryable", func(t *testing.T) {
		cb := &fakeCallbacks{err: payments.ErrNotReady}
		r, gw := webhookRouter(cb, nil)
		body := signed(t, gw, approved)

		w := do(t, r, http.MethodPost, "/webhooks/gateway", body)
		assert.Equal(t, http.StatusConflict, w.Code)

		cb.err = nil
		w = do(t, r, http.MethodPost, "/webhooks/gateway", body)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, cb.successes)
	})

	errCases := []struct {
		name string
		err  error
		code int
	}{
		{"unknown session", fmt.Errorf("%w: bad", gateway.ErrInvalidSession), http.StatusUnprocessableEntity},
		{"unknown payment", payments.ErrNotFound, http.StatusNotFound},
		{"store down", errors.New("db down"), http.StatusServiceUnavailable},
	}
	for _, tc := range errCases {
		t.Run(tc.name, func(t *testing.T) {
			r, gw := webhookRouter(&fakeCallbacks{err: tc.err}, nil)
			w := do(t, r, http.MethodPost, "/webhooks/gateway", signed(t, gw, approved))
			assert.Equal(t, tc.code, w.Code)
		})
	}

	t.Run("bad signature", func(t *testing.T) {
		r, _ := webhookRouter(&fakeCallbacks{}, nil)
		other := gateway.New("wrong", "")
		w := do(t, r, http.MethodPost, "/webhooks/gateway", signed(t, other, approved))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("empty body", func(t *testing.T) {
		r, _ := webhookRouter(&fakeCallbacks{}, nil)
		w := do(t, r, http.MethodPost, "/webhooks/gateway", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rate limited", func(t *testing.T) {
		r, gw := webhookRouter(&fakeCallbacks{}, rate.NewLimiter(rate.Every(time.Hour), 1))
		assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/webhooks/gateway", signed(t, gw, approved)).Code)
		assert.Equal(t, http.StatusTooManyRequests, do(t, r, http.MethodPost, "/webhooks/gateway", signed(t, gw, approved)).Code)
	})
}

func TestOrdersHandler(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	(&OrdersHandler{Orders: fakeOrders{"o-1": {ID: "o-1", Status: orders.StatusProcessing}}}).Register(r)

	w := do(t, r, http.MethodGet, "/orders/o-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"PROCESSING"`)

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/orders/o-2", "").Code)
}

func TestRouterHealthAndMetrics(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	w := do(t, r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	w = do(t, r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
