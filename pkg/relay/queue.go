package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sitetrace/scanrelay/pkg/scan"
)

// ErrBusy is returned when a push waited out its bounded grace and the queue
// is still full. Producers are expected to retry.
var ErrBusy = errors.New("relay queue full")

// Queue is the hand-off between relay connections and the publisher worker.
// It is safe for concurrent producers and a single consumer; capacity is
// fixed so a stalled broker shows up as backpressure instead of memory growth.
type Queue struct {
	items    chan scan.Record
	pushWait time.Duration

	accepted atomic.Int64
	rejected atomic.Int64
}

type QueueStats struct {
	Depth    int   `json:"depth"`
	Capacity int   `json:"capacity"`
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
}

func NewQueue(capacity int, pushWait time.Duration) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items:    make(chan scan.Record, capacity),
		pushWait: pushWait,
	}
}

// Push blocks up to the configured wait when the queue is full, then fails
// with ErrBusy rather than growing past capacity.
func (q *Queue) Push(ctx context.Context, rec scan.Record) error {
	select {
	case q.items <- rec:
		q.accepted.Add(1)
		return nil
	default:
	}

	timer := time.NewTimer(q.pushWait)
	defer timer.Stop()

	select {
	case q.items <- rec:
		q.accepted.Add(1)
		return nil
	case <-timer.C:
		q.rejected.Add(1)
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop blocks until a record is available or the context is cancelled. The
// publisher worker is the only caller.
func (q *Queue) Pop(ctx context.Context) (scan.Record, error) {
	select {
	case rec := <-q.items:
		return rec, nil
	case <-ctx.Done():
		return scan.Record{}, ctx.Err()
	}
}

// TryPop is used during shutdown drain, where blocking is not wanted.
func (q *Queue) TryPop() (scan.Record, bool) {
	select {
	case rec := <-q.items:
		return rec, true
	default:
		return scan.Record{}, false
	}
}

func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Depth:    len(q.items),
		Capacity: cap(q.items),
		Accepted: q.accepted.Load(),
		Rejected: q.rejected.Load(),
	}
}
