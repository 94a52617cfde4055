package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	TypePaymentInitiated  = "payment.initiated"
	TypePaymentCompleted  = "payment.completed"
	TypePaymentFailed     = "payment.failed"
	TypeStockInsufficient = "inventory.stock_insufficient"
)

// Version of every payload schema currently produced.
const Version = 1

// Failure reasons carried by payment.failed.
const (
	ReasonGatewayDeclined   = "GATEWAY_DECLINED"
	ReasonGatewayTimeout    = "GATEWAY_TIMEOUT"
	ReasonStockInsufficient = "STOCK_INSUFFICIENT"
	ReasonPublishFailed     = "PUBLISH_FAILED"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	OrderID       string          `json:"order_id"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// Payload is implemented by every typed event body.
type Payload interface {
	EventType() string
}

// Item is the purchase snapshot copied into the events at checkout time.
type Item struct {
	ProductID      string `json:"product_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type PaymentInitiated struct {
	OrderID     string `json:"order_id"`
	PaymentID   string `json:"payment_id"`
	UserID      string `json:"user_id"`
	Items       []Item `json:"items"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

type PaymentCompleted struct {
	OrderID       string `json:"order_id"`
	PaymentID     string `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
	AmountCents   int64  `json:"amount_cents"`
}

type PaymentFailed struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Items     []Item `json:"items"`
	Reason    string `json:"reason"`
}

type StockShortage struct {
	ProductID string `json:"product_id"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
}

type StockInsufficient struct {
	OrderID string          `json:"order_id"`
	Reason  string          `json:"reason"`
	Details []StockShortage `json:"details,omitempty"`
}

func (PaymentInitiated) EventType() string  { return TypePaymentInitiated }
func (PaymentCompleted) EventType() string  { return TypePaymentCompleted }
func (PaymentFailed) EventType() string     { return TypePaymentFailed }
func (StockInsufficient) EventType() string { return TypeStockInsufficient }

// New wraps p into a v1 envelope keyed by orderID.
func New(producer, orderID, correlationID string, p Payload) (Envelope, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     p.EventType(),
		EventVersion:  Version,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		OrderID:       orderID,
		CorrelationID: correlationID,
		Payload:       b,
	}, nil
}

// TotalCents sums qty*unit price over the snapshot.
func TotalCents(items []Item) int64 {
	var total int64
	for _, it := range items {
		total += int64(it.Qty) * it.UnitPriceCents
	}
	return total
}
