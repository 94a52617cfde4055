package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	kafkax "github.com/rsinha488/ecom-checkout-saga/internal/kafka"
	"github.com/rsinha488/ecom-checkout-saga/internal/metrics"
	"github.com/segmentio/kafka-go"
)

// Attempts persists the failure count of one message across restarts.
type Attempts interface {
	Incr(ctx context.Context, key string) (int, error)
	Reset(ctx context.Context, key string) error
}

// Sink receives quarantined messages.
type Sink interface {
	Quarantine(ctx context.Context, rec Record) error
}

type Record struct {
	Group     string            `json:"group"`
	Topic     string            `json:"topic"`
	Partition int               `json:"partition"`
	Offset    int64             `json:"offset"`
	Key       string            `json:"key"`
	Value     []byte            `json:"value"`
	Headers   map[string]string `json:"headers,omitempty"`
	Error     string            `json:"error"`
	Attempts  int               `json:"attempts"`
	Permanent bool              `json:"permanent"`
	At        time.Time         `json:"at"`
}

type Guard struct {
	Policy   Policy
	Group    string
	Attempts Attempts
	Sink     Sink
	Log      zerolog.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AttemptKey identifies one message for the attempt counter.
func AttemptKey(group string, m kafka.Message) string {
	return fmt.Sprintf("%s:%s:%d:%d", group, m.Topic, m.Partition, m.Offset)
}

// Wrap retries h with backoff while it fails transiently and quarantines
// the message once it fails permanently or runs out of attempts. The
// returned handler only fails when ctx is done, so the partition never
// blocks on a poison message.
func (g *Guard) Wrap(h kafkax.Handler) kafkax.Handler {
	sleep := g.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return func(ctx context.Context, m kafka.Message) error {
		key := AttemptKey(g.Group, m)
		local := 0
		for {
			err := h(ctx, m)
			if err == nil {
				if local > 0 {
					g.resetAttempts(ctx, key)
				}
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			local++

			if IsPermanent(err) {
				return g.quarantine(ctx, m, key, err, local, true, sleep)
			}

			n, aerr := g.Attempts.Incr(ctx, key)
			if aerr != nil {
				g.Log.Warn().Err(aerr).Str("key", key).Msg("attempt counter unavailable; using local count")
				n = local
			}
			if n >= g.Policy.MaxAttempts {
				return g.quarantine(ctx, m, key, err, n, false, sleep)
			}

			metrics.Retries.WithLabelValues(g.Group, m.Topic).Inc()
			wait := g.Policy.Backoff(n)
			g.Log.Warn().Err(err).
				Int("partition", m.Partition).Int64("offset", m.Offset).
				Int("attempt", n).Dur("backoff", wait).
				Msg("handler failed; retrying")
			if err := sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
}

func (g *Guard) quarantine(ctx context.Context, m kafka.Message, key string, cause error, attempts int, permanent bool, sleep func(context.Context, time.Duration) error) error {
	rec := Record{
		Group:     g.Group,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       string(m.Key),
		Value:     m.Value,
		Headers:   headerMap(m.Headers),
		Error:     cause.Error(),
		Attempts:  attempts,
		Permanent: permanent,
		At:        time.Now().UTC(),
	}
	for try := 1; ; try++ {
		err := g.Sink.Quarantine(ctx, rec)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.Log.Error().Err(err).Str("key", key).Msg("quarantine failed; retrying")
		if err := sleep(ctx, g.Policy.Backoff(try)); err != nil {
			return err
		}
	}
	metrics.DLQMessages.WithLabelValues(g.Group, m.Topic).Inc()
	g.Log.Error().
		Str("alert", "dlq").
		Str("event_type", kafkax.Header(m, "x-event-type")).
		Str("order_id", string(m.Key)).
		Int("partition", m.Partition).Int64("offset", m.Offset).
		Int("attempts", attempts).Bool("permanent", permanent).
		Str("cause", cause.Error()).
		Msg("message quarantined; operator action required")
	g.resetAttempts(ctx, key)
	return nil
}

func (g *Guard) resetAttempts(ctx context.Context, key string) {
	if err := g.Attempts.Reset(ctx, key); err != nil {
		g.Log.Warn().Err(err).Str("key", key).Msg("reset attempt counter")
	}
}

func headerMap(hs []kafka.Header) map[string]string {
	if len(hs) == 0 {
		return nil
	}
	out := make(map[string]string, len(hs))
	for _, h := range hs {
		out[h.Key] = string(h.Value)
	}
	return out
}
