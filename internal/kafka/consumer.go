package kafka

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Handler must return nil only when processing succeeded and the offset may
// be committed.
type Handler func(ctx context.Context, m kafka.Message) error

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r       Reader
	workers int
	log     zerolog.Logger
}

func NewConsumer(brokers []string, group, topic string, workers int, log zerolog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // synchronous commit per message
		StartOffset:    kafka.FirstOffset,
	})
	return newConsumer(r, workers, log.With().Str("group", group).Str("topic", topic).Logger())
}

func newConsumer(r Reader, workers int, log zerolog.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers, log: log}
}

// workerFor pins a partition to one worker so its messages are handled
// strictly in order.
func workerFor(partition, workers int) int {
	if partition < 0 {
		partition = -partition
	}
	return partition % workers
}

// Start fetches messages until ctx is done. Each message is committed only
// after h returns nil. A handler error stops the consumer without
// committing, so the message is redelivered after restart or rebalance.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queues := make([]chan kafka.Message, c.workers)
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() { firstErr = err })
		cancel()
	}

	for i := range queues {
		queues[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(jobs <-chan kafka.Message) {
			defer wg.Done()
			for m := range jobs {
				if ctx.Err() != nil {
					return
				}
				if err := h(ctx, m); err != nil {
					if !errors.Is(err, context.Canceled) {
						c.log.Error().Err(err).Int("partition", m.Partition).Int64("offset", m.Offset).Msg("handler failed; stopping without commit")
						fail(err)
					}
					return
				}
				if err := c.r.CommitMessages(ctx, m); err != nil {
					if ctx.Err() == nil {
						fail(err)
					}
					return
				}
			}
		}(queues[i])
	}

	var fetchErr error
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				fetchErr = err
			}
			break
		}
		select {
		case queues[workerFor(m.Partition, c.workers)] <- m:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	for _, q := range queues {
		close(q)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return fetchErr
}
