package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sitetrace/scanrelay/pkg/common/logger"
	"github.com/sitetrace/scanrelay/pkg/scan"
)

func TestMain(m *testing.M) {
	logger.Init("relay-test")
	os.Exit(m.Run())
}

func startTestServer(t *testing.T, queue *Queue) (string, context.CancelFunc) {
	return startTestServerWith(t, queue, time.Minute, 64*1024)
}

func startTestServerWith(t *testing.T, queue *Queue, idle time.Duration, maxFrame int64) (string, context.CancelFunc) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "relay.sock")
	srv := NewServer(path, queue, scan.NewAliasTable(scan.DefaultAliases()), idle, maxFrame)
	if err := srv.Start(); err != nil {
		t.Fatalf("starting server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return path, cancel
}

func sendFrame(t *testing.T, conn net.Conn, reader *bufio.Reader, frame string) Ack {
	t.Helper()

	if _, err := conn.Write([]byte(frame + "\n")); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("reading ack: %v", err)
	}
	var ack Ack
	if err := json.Unmarshal(line, &ack); err != nil {
		t.Fatalf("decoding ack %q: %v", line, err)
	}
	return ack
}

func TestServerAcksValidRecord(t *testing.T) {
	queue := NewQueue(8, time.Second)
	path, _ := startTestServer(t, queue)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	ack := sendFrame(t, conn, reader, `{"tagName":"E20034120B1B017012345678","deviceId":"kiosk-1","latitude":37.7749}`)
	if ack.Status != StatusOK {
		t.Fatalf("expected ok ack, got %+v", ack)
	}

	rec, err := queue.Pop(context.Background())
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if rec.TagName != "E20034120B1B017012345678" || rec.Latitude != 37.7749 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.CapturedAtMicros == 0 {
		t.Fatal("expected capture time to be stamped")
	}
}

func TestServerKeepsConnectionOpenAfterBadFrame(t *testing.T) {
	queue := NewQueue(8, time.Second)
	path, _ := startTestServer(t, queue)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	ack := sendFrame(t, conn, reader, `{"tagName": not json`)
	if ack.Status != StatusError {
		t.Fatalf("expected error ack for malformed frame, got %+v", ack)
	}

	// Same connection, next frame must still be processed.
	ack = sendFrame(t, conn, reader, `{"tagName":"T2","deviceId":"kiosk-1"}`)
	if ack.Status != StatusOK {
		t.Fatalf("expected ok ack after bad frame, got %+v", ack)
	}

	rec, err := queue.Pop(context.Background())
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if rec.TagName != "T2" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestServerRejectsMissingRequiredFields(t *testing.T) {
	queue := NewQueue(8, time.Second)
	path, _ := startTestServer(t, queue)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	ack := sendFrame(t, conn, reader, `{"deviceId":"kiosk-1"}`)
	if ack.Status != StatusError {
		t.Fatalf("expected rejection for missing tagName, got %+v", ack)
	}
	if _, ok := queue.TryPop(); ok {
		t.Fatal("rejected record must not be enqueued")
	}

	ack = sendFrame(t, conn, reader, `{"tagName":"T1"}`)
	if ack.Status != StatusError {
		t.Fatalf("expected rejection for missing deviceId, got %+v", ack)
	}
}

func TestServerReportsBusyWhenQueueFull(t *testing.T) {
	queue := NewQueue(1, 30*time.Millisecond)
	path, _ := startTestServer(t, queue)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	ack := sendFrame(t, conn, reader, `{"tagName":"T1","deviceId":"d"}`)
	if ack.Status != StatusOK {
		t.Fatalf("expected ok ack, got %+v", ack)
	}

	ack = sendFrame(t, conn, reader, `{"tagName":"T2","deviceId":"d"}`)
	if ack.Status != StatusBusy {
		t.Fatalf("expected busy ack, got %+v", ack)
	}
}

func TestServerKeepsConnectionOpenAfterOversizedFrame(t *testing.T) {
	queue := NewQueue(8, time.Second)
	path, _ := startTestServerWith(t, queue, time.Minute, 128)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	// Larger than both the frame limit and the server's read buffer.
	ack := sendFrame(t, conn, reader, strings.Repeat("x", 5000))
	if ack.Status != StatusError {
		t.Fatalf("expected error ack for oversized frame, got %+v", ack)
	}
	if _, ok := queue.TryPop(); ok {
		t.Fatal("oversized frame must not be enqueued")
	}

	// Same connection, next frame must still be processed.
	ack = sendFrame(t, conn, reader, `{"tagName":"T3","deviceId":"kiosk-1"}`)
	if ack.Status != StatusOK {
		t.Fatalf("expected ok ack after oversized frame, got %+v", ack)
	}

	rec, err := queue.Pop(context.Background())
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if rec.TagName != "T3" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestServerClosesIdleConnection(t *testing.T) {
	queue := NewQueue(1, time.Second)
	path, _ := startTestServerWith(t, queue, 60*time.Millisecond, 0)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()

	// Send nothing; the server must hang up on its own.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected server to close idle connection, got %v", err)
	}
}

func TestServerRemovesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.sock")
	if err := os.WriteFile(path, []byte("stale"), 0o600); err != nil {
		t.Fatalf("creating stale file: %v", err)
	}

	srv := NewServer(path, NewQueue(1, time.Second), scan.NewAliasTable(scan.DefaultAliases()), time.Minute, 0)
	if err := srv.Start(); err != nil {
		t.Fatalf("expected stale socket to be replaced: %v", err)
	}
	srv.Close()
}

func TestServerHandlesConcurrentProducers(t *testing.T) {
	queue := NewQueue(16, time.Second)
	path, _ := startTestServer(t, queue)

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			conn, err := net.Dial("unix", path)
			if err != nil {
				t.Errorf("dialing: %v", err)
				return
			}
			defer conn.Close()
			reader := bufio.NewReader(conn)
			for j := 0; j < 4; j++ {
				if _, err := conn.Write([]byte(`{"tagName":"T","deviceId":"d"}` + "\n")); err != nil {
					t.Errorf("producer %d write: %v", id, err)
					return
				}
				line, err := reader.ReadBytes('\n')
				if err != nil {
					t.Errorf("producer %d read: %v", id, err)
					return
				}
				var ack Ack
				if err := json.Unmarshal(line, &ack); err != nil || ack.Status != StatusOK {
					t.Errorf("producer %d got %s (%v)", id, line, err)
					return
				}
			}
		}(i)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("producers did not finish")
		}
	}

	if stats := queue.Stats(); stats.Accepted != 8 {
		t.Fatalf("expected 8 accepted records, got %+v", stats)
	}
}
