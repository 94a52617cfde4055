package payments

import (
	"time"

	"github.com/rsinha488/ecom-checkout-saga/internal/events"
)

// Payment is written only by the orchestrator and never deleted.
type Payment struct {
	ID            string        `json:"payment_id"`
	OrderID       string        `json:"order_id"`
	UserID        string        `json:"user_id"`
	AmountCents   int64         `json:"amount_cents"`
	Currency      string        `json:"currency"`
	Items         []events.Item `json:"items"`
	Status        Status        `json:"status"`
	CorrelationID string        `json:"saga_correlation_id"`
	SessionRef    string        `json:"session_ref,omitempty"`
	TransactionID string        `json:"transaction_id,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	// EventPublished reports whether the event for the current status has
	// reached the transport.
	EventPublished bool      `json:"event_published"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Update carries the columns a transition may set.
type Update struct {
	TransactionID  string
	FailureReason  string
	EventPublished bool
}
