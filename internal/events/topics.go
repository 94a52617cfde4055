package events

import "context"

const (
	// All payment lifecycle events share one topic so that initiated always
	// precedes completed/failed for the same order.
	TopicPayments  = "payments.events"
	TopicInventory = "inventory.events"
)

// DLQTopic is the quarantine topic paired with topic.
func DLQTopic(topic string) string { return topic + ".dlq" }

// Partition key = order_id, so one order's events land on one partition in publish order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }

// Publisher appends an envelope to a topic; *kafka.Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
}
