package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeSource struct {
	mu      sync.Mutex
	batches [][]kafka.Message
	commits [][]kafka.Message
}

func (f *fakeSource) FetchBatch(ctx context.Context, max int, wait time.Duration) ([]kafka.Message, error) {
	f.mu.Lock()
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return batch, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSource) Commit(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, msgs)
	return nil
}

func (f *fakeSource) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commits)
}

func TestRunnerCommitsAfterWholeBatchAttempted(t *testing.T) {
	store := &fakeStore{}
	svc := newTestService(store)

	source := &fakeSource{batches: [][]kafka.Message{{
		msg(1, `{"tagName":"a","deviceId":"d1"}`),
		msg(2, `{"tagName": broken`),
		msg(3, `{"tagName":"b","deviceId":"d1"}`),
	}}}

	runner := NewRunner(source, svc, 10, 10*time.Millisecond, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && source.commitCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	if source.commitCount() != 1 {
		t.Fatalf("expected one commit, got %d", source.commitCount())
	}
	if len(source.commits[0]) != 3 {
		t.Fatalf("expected the whole batch committed, got %d messages", len(source.commits[0]))
	}
	if len(store.rows) != 2 {
		t.Fatalf("expected 2 rows despite the malformed message, got %d", len(store.rows))
	}
}

func TestRunnerHoldsCheckpointWhileStoreDown(t *testing.T) {
	var calls int
	var mu sync.Mutex
	store := &fakeStore{
		fail: func(row *PersistedScan) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return ConnectivityError{reason: errors.New("connection refused")}
			}
			return nil
		},
	}
	svc := newTestService(store)

	source := &fakeSource{batches: [][]kafka.Message{{
		msg(1, `{"tagName":"a","deviceId":"d1"}`),
	}}}

	runner := NewRunner(source, svc, 10, 10*time.Millisecond, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && source.commitCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	if source.commitCount() != 1 {
		t.Fatalf("expected the batch to commit after the store recovered, got %d commits", source.commitCount())
	}
	mu.Lock()
	defer mu.Unlock()
	if calls < 2 {
		t.Fatalf("expected the batch to be retried, got %d insert attempts", calls)
	}
}
