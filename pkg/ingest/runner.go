package ingest

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sitetrace/scanrelay/pkg/common/logger"
)

// BatchSource is the slice of the broker consumer the runner needs.
type BatchSource interface {
	FetchBatch(ctx context.Context, max int, wait time.Duration) ([]kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// Runner drives the consume loop: fetch a batch, attempt every message,
// checkpoint only after the whole batch has been attempted. While the store
// is unreachable the same batch is retried without committing, which is the
// redelivery the at-least-once contract promises; rows persisted before the
// outage may be inserted again on the retry.
type Runner struct {
	source       BatchSource
	service      *Service
	batchSize    int
	batchWait    time.Duration
	retryBackoff time.Duration
}

func NewRunner(source BatchSource, service *Service, batchSize int, batchWait, retryBackoff time.Duration) *Runner {
	if batchSize < 1 {
		batchSize = 1
	}
	if retryBackoff <= 0 {
		retryBackoff = 5 * time.Second
	}
	return &Runner{
		source:       source,
		service:      service,
		batchSize:    batchSize,
		batchWait:    batchWait,
		retryBackoff: retryBackoff,
	}
}

func (r *Runner) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batch, err := r.source.FetchBatch(ctx, r.batchSize, r.batchWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Log.WithError(err).Warn("fetching batch failed")
			if !wait(ctx, r.retryBackoff) {
				return ctx.Err()
			}
			continue
		}
		if len(batch) == 0 {
			continue
		}

		for {
			summary := r.service.ProcessBatch(ctx, batch)
			if summary.Connectivity == nil {
				break
			}
			logger.Log.WithError(summary.Connectivity).WithField("backoff", r.retryBackoff.String()).
				Warn("batch held back, store unreachable")
			if !wait(ctx, r.retryBackoff) {
				return ctx.Err()
			}
		}

		if err := r.source.Commit(ctx, batch...); err != nil {
			logger.Log.WithError(err).Error("checkpoint commit failed")
		}
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
