package dlq

import (
	"context"
	"errors"
	"strconv"

	"github.com/rsinha488/ecom-checkout-saga/internal/events"
	"github.com/segmentio/kafka-go"
)

// RawWriter is satisfied by *kafkax.Producer.
type RawWriter interface {
	WriteRaw(ctx context.Context, m kafka.Message) error
}

// TopicSink republishes the original message to <topic>.dlq with the
// failure attached as headers, keeping the original key.
type TopicSink struct {
	W RawWriter
}

func (s *TopicSink) Quarantine(ctx context.Context, rec Record) error {
	headers := make([]kafka.Header, 0, len(rec.Headers)+5)
	for k, v := range rec.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers,
		kafka.Header{Key: "x-dlq-group", Value: []byte(rec.Group)},
		kafka.Header{Key: "x-dlq-error", Value: []byte(rec.Error)},
		kafka.Header{Key: "x-dlq-attempts", Value: []byte(strconv.Itoa(rec.Attempts))},
		kafka.Header{Key: "x-dlq-source", Value: []byte(rec.Topic + "/" + strconv.Itoa(rec.Partition) + "/" + strconv.FormatInt(rec.Offset, 10))},
		kafka.Header{Key: "x-dlq-permanent", Value: []byte(strconv.FormatBool(rec.Permanent))},
	)
	return s.W.WriteRaw(ctx, kafka.Message{
		Topic:   events.DLQTopic(rec.Topic),
		Key:     []byte(rec.Key),
		Value:   rec.Value,
		Headers: headers,
	})
}

// Sinks fans a record out to every sink; the record counts as quarantined
// only when all of them accepted it.
type Sinks []Sink

func (ss Sinks) Quarantine(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range ss {
		if err := s.Quarantine(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
