package orders

import (
	"time"

	"github.com/rsinha488/ecom-checkout-saga/internal/events"
)

type Order struct {
	ID            string        `json:"order_id"`
	UserID        string        `json:"user_id"`
	Items         []events.Item `json:"items"`
	TotalCents    int64         `json:"total_cents"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	CancelReason  string        `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
