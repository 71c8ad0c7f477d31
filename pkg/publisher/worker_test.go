package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sitetrace/scanrelay/pkg/common/logger"
	"github.com/sitetrace/scanrelay/pkg/relay"
	"github.com/sitetrace/scanrelay/pkg/scan"
)

func TestMain(m *testing.M) {
	logger.Init("publisher-test")
	os.Exit(m.Run())
}

type fakeSession struct {
	mu        sync.Mutex
	attempts  map[string]int
	published []string
	connects  int
	fail      func(tag string, attempt int) error
}

func newFakeSession(fail func(tag string, attempt int) error) *fakeSession {
	return &fakeSession{attempts: make(map[string]int), fail: fail}
}

func (f *fakeSession) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeSession) Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	var env scan.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[env.TagName]++
	if f.fail != nil {
		if err := f.fail(env.TagName, f.attempts[env.TagName]); err != nil {
			return err
		}
	}
	f.published = append(f.published, env.TagName)
	return nil
}

func (f *fakeSession) snapshot() ([]string, map[string]int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	published := append([]string(nil), f.published...)
	attempts := make(map[string]int, len(f.attempts))
	for k, v := range f.attempts {
		attempts[k] = v
	}
	return published, attempts, f.connects
}

func newTestWorker(queue *relay.Queue, session Session) *Worker {
	return NewWorker(queue, session, 3, time.Millisecond, 10*time.Millisecond, time.Second)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWorkerPublishesInOrder(t *testing.T) {
	queue := relay.NewQueue(8, time.Second)
	session := newFakeSession(nil)
	worker := newTestWorker(queue, session)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	for _, tag := range []string{"a", "b", "c"} {
		if err := queue.Push(ctx, scan.Record{TagName: tag, DeviceID: "d"}); err != nil {
			t.Fatalf("push failed: %v", err)
		}
	}

	waitFor(t, func() bool { return worker.Published() == 3 })

	published, _, _ := session.snapshot()
	if len(published) != 3 || published[0] != "a" || published[1] != "b" || published[2] != "c" {
		t.Fatalf("expected FIFO publish order, got %v", published)
	}
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	transient := errors.New("broker unavailable")
	session := newFakeSession(func(tag string, attempt int) error {
		if attempt < 3 {
			return transient
		}
		return nil
	})

	queue := relay.NewQueue(4, time.Second)
	worker := newTestWorker(queue, session)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	if err := queue.Push(ctx, scan.Record{TagName: "a", DeviceID: "d"}); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	waitFor(t, func() bool { return worker.Published() == 1 })

	_, attempts, connects := session.snapshot()
	if attempts["a"] != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts["a"])
	}
	if connects < 2 {
		t.Fatalf("expected reconnect attempts after failures, got %d", connects)
	}
	if worker.Dropped() != 0 {
		t.Fatalf("expected no drops, got %d", worker.Dropped())
	}
}

func TestWorkerDropsPoisonedRecordAndContinues(t *testing.T) {
	transient := errors.New("broker unavailable")
	session := newFakeSession(func(tag string, attempt int) error {
		if tag == "poison" {
			return transient
		}
		return nil
	})

	queue := relay.NewQueue(4, time.Second)
	worker := newTestWorker(queue, session)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	if err := queue.Push(ctx, scan.Record{TagName: "poison", DeviceID: "d"}); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if err := queue.Push(ctx, scan.Record{TagName: "good", DeviceID: "d"}); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	waitFor(t, func() bool { return worker.Published() == 1 && worker.Dropped() == 1 })

	published, attempts, _ := session.snapshot()
	if attempts["poison"] != 3 {
		t.Fatalf("expected full retry budget for poisoned record, got %d", attempts["poison"])
	}
	if len(published) != 1 || published[0] != "good" {
		t.Fatalf("expected the next record to be published, got %v", published)
	}
}

func TestWorkerDropsImmediatelyOnFatalError(t *testing.T) {
	session := newFakeSession(func(tag string, attempt int) error {
		return kafka.SASLAuthenticationFailed
	})

	queue := relay.NewQueue(4, time.Second)
	worker := newTestWorker(queue, session)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	if err := queue.Push(ctx, scan.Record{TagName: "a", DeviceID: "d"}); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	waitFor(t, func() bool { return worker.Dropped() == 1 })

	_, attempts, _ := session.snapshot()
	if attempts["a"] != 1 {
		t.Fatalf("fatal error must not be retried, got %d attempts", attempts["a"])
	}
}

// stallSession parks the first publish until released, so a test can cancel
// the run context while a record is in flight.
type stallSession struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStallSession() *stallSession {
	return &stallSession{started: make(chan struct{}), release: make(chan struct{})}
}

func (s *stallSession) Connect(ctx context.Context) error { return nil }

func (s *stallSession) Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	s.once.Do(func() { close(s.started) })
	<-s.release
	// A cancelled context here means shutdown reached into the in-flight
	// publish instead of letting it finish.
	return ctx.Err()
}

func TestWorkerFinishesInFlightPublishOnShutdown(t *testing.T) {
	queue := relay.NewQueue(4, time.Second)
	session := newStallSession()
	worker := newTestWorker(queue, session)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	if err := queue.Push(context.Background(), scan.Record{TagName: "T1", DeviceID: "d"}); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	select {
	case <-session.started:
	case <-time.After(5 * time.Second):
		t.Fatal("publish never started")
	}

	cancel()
	close(session.release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	if published, dropped := worker.Published(), worker.Dropped(); published != 1 || dropped != 0 {
		t.Fatalf("expected in-flight record to be published, published=%d dropped=%d", published, dropped)
	}
}

func TestWorkerDrainFlushesQueue(t *testing.T) {
	queue := relay.NewQueue(8, time.Second)
	session := newFakeSession(nil)
	worker := newTestWorker(queue, session)

	ctx := context.Background()
	for _, tag := range []string{"a", "b"} {
		if err := queue.Push(ctx, scan.Record{TagName: tag, DeviceID: "d"}); err != nil {
			t.Fatalf("push failed: %v", err)
		}
	}

	drainCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	worker.Drain(drainCtx)

	published, _, _ := session.snapshot()
	if len(published) != 2 {
		t.Fatalf("expected drained records to be published, got %v", published)
	}
	if depth := queue.Stats().Depth; depth != 0 {
		t.Fatalf("expected empty queue after drain, got depth %d", depth)
	}
}
