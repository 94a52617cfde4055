package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rsinha488/ecom-checkout-saga/internal/gateway"
	"github.com/rsinha488/ecom-checkout-saga/internal/ledger"
	"github.com/rsinha488/ecom-checkout-saga/internal/payments"
	"golang.org/x/time/rate"
)

// Callbacks is what the webhook needs from the orchestrator.
type Callbacks interface {
	OnGatewaySuccess(ctx context.Context, sessionRef, transactionID string) (payments.Payment, error)
	OnGatewayFailure(ctx context.Context, sessionRef, reason string) (payments.Payment, error)
}

type Verifier interface {
	VerifyCallback(token string) (gateway.Callback, error)
}

// WebhookHandler receives gateway callbacks. Gateways redeliver webhooks,
// so each delivery id is claimed in the ledger; the orchestrator's terminal
// state check absorbs anything the ledger misses.
type WebhookHandler struct {
	Payments Callbacks
	Verifier Verifier
	Ledger   ledger.Ledger
	Limiter  *rate.Limiter
	Log      zerolog.Logger
}

const webhookConsumer = "gateway-webhook"

type WebhookReq struct {
	Token string `json:"token"`
}

func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/webhooks/gateway", h.receive)
}

func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	if h.Limiter != nil && !h.Limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}
	var req WebhookReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	cb, err := h.Verifier.VerifyCallback(req.Token)
	if err != nil {
		h.Log.Warn().Err(err).Msg("rejected webhook")
		writeError(w, http.StatusUnauthorized, "invalid callback")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var pay payments.Payment
	applied, err := ledger.Guard(ctx, h.Ledger, webhookConsumer, cb.EventID, func(ctx context.Context) error {
		var err error
		if cb.Status == gateway.StatusApproved {
			pay, err = h.Payments.OnGatewaySuccess(ctx, cb.SessionRef, cb.TransactionID)
		} else {
			pay, err = h.Payments.OnGatewayFailure(ctx, cb.SessionRef, cb.Reason)
		}
		return err
	})
	log := h.Log.With().Str("callback_id", cb.EventID).Str("status", cb.Status).Logger()
	switch {
	case errors.Is(err, gateway.ErrInvalidSession):
		log.Warn().Err(err).Msg("webhook for unknown session")
		writeError(w, http.StatusUnprocessableEntity, "unknown session")
		return
	case errors.Is(err, payments.ErrNotFound):
		writeError(w, http.StatusNotFound, "payment not found")
		return
	case errors.Is(err, payments.ErrNotReady):
		// The gateway retries non-2xx deliveries.
		writeError(w, http.StatusConflict, "payment not ready")
		return
	case err != nil:
		log.Error().Err(err).Msg("webhook processing failed")
		writeError(w, http.StatusServiceUnavailable, "retry later")
		return
	}
	if !applied {
		log.Info().Msg("duplicate webhook delivery")
		writeJSON(w, http.StatusOK, map[string]any{"duplicate": true})
		return
	}
	log.Info().Str("payment_id", pay.ID).Str("payment_status", string(pay.Status)).Msg("webhook applied")
	writeJSON(w, http.StatusOK, map[string]any{"payment_id": pay.ID, "status": pay.Status})
}
