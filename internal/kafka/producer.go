package kafka

import (
	"context"
	"strconv"
	"time"

	"github.com/rsinha488/ecom-checkout-saga/internal/events"
	"github.com/segmentio/kafka-go"
)

// Producer writes envelopes synchronously so the caller learns whether the
// broker accepted them. Topic is chosen per message.
type Producer struct {
	w *kafka.Writer
}

func NewProducer(brokers []string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
	}
}

// Publish appends env to topic keyed by the envelope's order id.
func (p *Producer) Publish(ctx context.Context, topic string, env events.Envelope) error {
	value, err := Marshal(env)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     events.PartitionKey(env.OrderID),
		Value:   value,
		Time:    env.OccurredAt,
		Headers: Headers(env),
	})
}

// WriteRaw forwards an already encoded message, used for quarantine.
func (p *Producer) WriteRaw(ctx context.Context, m kafka.Message) error {
	return p.w.WriteMessages(ctx, m)
}

func (p *Producer) Close() error { return p.w.Close() }

func Headers(env events.Envelope) []kafka.Header {
	return []kafka.Header{
		{Key: "x-event-type", Value: []byte(env.EventType)},
		{Key: "x-event-version", Value: []byte(strconv.Itoa(env.EventVersion))},
		{Key: "x-correlation-id", Value: []byte(env.CorrelationID)},
	}
}

// Header returns the first header value named key.
func Header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
