package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sitetrace/scanrelay/pkg/common/config"
	"github.com/sitetrace/scanrelay/pkg/common/logger"
)

// Consumer wraps a consumer-group reader. Offsets are committed explicitly
// and only after a whole batch has been attempted, so a crash mid-batch
// redelivers the batch.
type Consumer struct {
	reader *kafka.Reader
}

func NewConsumer(cfg *config.Config) (*Consumer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS is not set")
	}

	mechanism, tlsConfig := credentials(cfg)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
		Dialer: &kafka.Dialer{
			Timeout:       10 * time.Second,
			DualStack:     true,
			SASLMechanism: mechanism,
			TLS:           tlsConfig,
		},
	})

	return &Consumer{reader: reader}, nil
}

// FetchBatch blocks for the first message, then keeps collecting until the
// batch is full or the batch wait elapses. Commit is the caller's job.
func (c *Consumer) FetchBatch(ctx context.Context, max int, wait time.Duration) ([]kafka.Message, error) {
	first, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}

	batch := []kafka.Message{first}
	if max <= 1 {
		return batch, nil
	}

	fillCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	for len(batch) < max {
		msg, err := c.reader.FetchMessage(fillCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if ctx.Err() != nil {
				return batch, nil
			}
			logger.Log.WithError(err).Warn("fetch during batch fill failed")
			break
		}
		batch = append(batch, msg)
	}

	return batch, nil
}

// Commit advances the consumer-group checkpoint past the given messages.
func (c *Consumer) Commit(ctx context.Context, msgs ...kafka.Message) error {
	return c.reader.CommitMessages(ctx, msgs...)
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
