package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rsinha488/ecom-checkout-saga/internal/events"
	"github.com/rsinha488/ecom-checkout-saga/internal/payments"
)

// Checkout is what the checkout shell needs from the orchestrator.
type Checkout interface {
	Begin(ctx context.Context, req payments.CheckoutRequest) (payments.Checkout, error)
}

type CheckoutHandler struct {
	Payments Checkout
	Log      zerolog.Logger
}

type CheckoutReq struct {
	UserID      string        `json:"user_id"`
	Items       []events.Item `json:"items"`
	AmountCents int64         `json:"amount_cents"`
	Currency    string        `json:"currency"`
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.Post("/checkout", h.begin)
}

func (h *CheckoutHandler) begin(w http.ResponseWriter, r *http.Request) {
	var req CheckoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	out, err := h.Payments.Begin(ctx, payments.CheckoutRequest{
		UserID:      req.UserID,
		Items:       req.Items,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
	})
	switch {
	case errors.Is(err, payments.ErrInvalidCheckout):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.Log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("checkout failed")
		writeError(w, http.StatusServiceUnavailable, "checkout unavailable")
		return
	}
	writeJSON(w, http.StatusCreated, out)
}
