package publisher

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sitetrace/scanrelay/pkg/common/broker"
	"github.com/sitetrace/scanrelay/pkg/common/logger"
	"github.com/sitetrace/scanrelay/pkg/relay"
	"github.com/sitetrace/scanrelay/pkg/scan"
)

// Session is the slice of the broker session the worker needs.
type Session interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

// Worker drains the relay queue in FIFO order and publishes one record per
// broker message. It is the sole reader of the queue and the sole user of
// the broker session, so outbound publishes are serialized by construction.
type Worker struct {
	queue          *relay.Queue
	session        Session
	retries        int
	backoff        time.Duration
	maxBackoff     time.Duration
	publishTimeout time.Duration

	published atomic.Int64
	dropped   atomic.Int64
}

func NewWorker(queue *relay.Queue, session Session, retries int, backoff, maxBackoff, publishTimeout time.Duration) *Worker {
	if retries < 1 {
		retries = 1
	}
	return &Worker{
		queue:          queue,
		session:        session,
		retries:        retries,
		backoff:        backoff,
		maxBackoff:     maxBackoff,
		publishTimeout: publishTimeout,
	}
}

// Run drains the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		rec, err := w.queue.Pop(ctx)
		if err != nil {
			return err
		}
		w.publishRecord(ctx, rec)
	}
}

// Drain publishes whatever is still queued, one attempt per record, within
// the shutdown grace context.
func (w *Worker) Drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		rec, ok := w.queue.TryPop()
		if !ok {
			return
		}
		if err := w.attempt(ctx, rec); err != nil {
			w.dropped.Add(1)
			logger.Log.WithError(err).WithField("tag", rec.TagName).Warn("record dropped during shutdown drain")
		} else {
			w.published.Add(1)
		}
	}
}

func (w *Worker) Published() int64 {
	return w.published.Load()
}

func (w *Worker) Dropped() int64 {
	return w.dropped.Load()
}

// publishRecord retries with exponential backoff up to the budget, then
// drops the record and moves on so one poisoned message cannot stall the
// queue. Transient failures trigger a reconnect on this single control path.
func (w *Worker) publishRecord(ctx context.Context, rec scan.Record) {
	wait := w.backoff

	for attempt := 1; attempt <= w.retries; attempt++ {
		err := w.attempt(ctx, rec)
		if err == nil {
			w.published.Add(1)
			logger.Log.WithFields(map[string]interface{}{
				"tag":     rec.TagName,
				"device":  rec.DeviceID,
				"attempt": attempt,
			}).Debug("record published")
			return
		}

		if ctx.Err() != nil {
			w.dropped.Add(1)
			logger.Log.WithField("tag", rec.TagName).Warn("shutdown interrupted publish, record dropped")
			return
		}

		if broker.IsFatal(err) {
			w.dropped.Add(1)
			logger.Log.WithError(err).WithFields(map[string]interface{}{
				"tag":    rec.TagName,
				"device": rec.DeviceID,
			}).Error("fatal publish error, record dropped")
			return
		}

		if attempt == w.retries {
			break
		}

		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"tag":     rec.TagName,
			"attempt": attempt,
			"backoff": wait.String(),
		}).Warn("publish failed, backing off")

		if !sleep(ctx, wait) {
			w.dropped.Add(1)
			return
		}
		wait *= 2
		if wait > w.maxBackoff {
			wait = w.maxBackoff
		}

		if cerr := w.session.Connect(ctx); cerr != nil {
			logger.Log.WithError(cerr).Warn("broker reconnect failed")
		}
	}

	w.dropped.Add(1)
	logger.Log.WithFields(map[string]interface{}{
		"tag":      rec.TagName,
		"device":   rec.DeviceID,
		"attempts": w.retries,
	}).Error("retry budget exhausted, record dropped")
}

func (w *Worker) attempt(ctx context.Context, rec scan.Record) error {
	payload, err := json.Marshal(scan.NewEnvelope(rec))
	if err != nil {
		return err
	}

	// The in-flight publish is bounded by its own timeout, not by the run
	// context, so a record popped just before shutdown still gets its attempt.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.publishTimeout)
	defer cancel()

	return w.session.Publish(pctx, []byte(uuid.New().String()), payload,
		kafka.Header{Key: "source", Value: []byte("relay-service")},
		kafka.Header{Key: "device-id", Value: []byte(rec.DeviceID)},
	)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
