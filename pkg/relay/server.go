package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sitetrace/scanrelay/pkg/common/logger"
	"github.com/sitetrace/scanrelay/pkg/scan"
)

type ProtocolError struct {
	reason error
}

func (e ProtocolError) Error() string {
	return e.reason.Error()
}

func (e ProtocolError) Unwrap() error {
	return e.reason
}

func IsProtocolError(err error) bool {
	var pe ProtocolError
	return errors.As(err, &pe)
}

const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusBusy  = "busy"
)

// Ack is the per-frame response written back to the producer.
type Ack struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Server accepts local producer connections over a unix domain socket. Each
// connection carries newline-framed JSON scan records; every frame is
// answered with an ack or nack. A bad frame never terminates the session.
type Server struct {
	path        string
	queue       *Queue
	aliases     *scan.AliasTable
	idleTimeout time.Duration
	maxFrame    int

	ln   net.Listener
	mu   sync.Mutex
	conn map[net.Conn]struct{}
	wg   sync.WaitGroup
}

func NewServer(path string, queue *Queue, aliases *scan.AliasTable, idleTimeout time.Duration, maxFrame int64) *Server {
	if maxFrame <= 0 {
		maxFrame = 256 * 1024
	}
	return &Server{
		path:        path,
		queue:       queue,
		aliases:     aliases,
		idleTimeout: idleTimeout,
		maxFrame:    int(maxFrame),
		conn:        make(map[net.Conn]struct{}),
	}
}

// Start binds the socket. A stale socket file from a prior abnormal exit is
// removed first; any other bind failure is fatal to the caller.
func (s *Server) Start() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.path, err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("binding relay socket %s: %w", s.path, err)
	}
	s.ln = ln

	logger.Log.WithField("socket", s.path).Info("Relay socket bound")
	return nil
}

// Serve runs the accept loop until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Log.WithError(err).Warn("accept failed")
			continue
		}

		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

// Close force-closes the listener and all open connections, then waits for
// connection handlers to finish.
func (s *Server) Close() {
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.conn {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	os.Remove(s.path)
}

func (s *Server) track(c net.Conn) {
	s.mu.Lock()
	s.conn[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conn, c)
	s.mu.Unlock()
	c.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	log := logger.Log.WithField("remote", conn.RemoteAddr().String())
	log.Debug("producer connected")

	reader := bufio.NewReaderSize(conn, 4096)
	encoder := json.NewEncoder(conn)

	for {
		if s.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}

		frame, tooLong, err := readFrame(reader, s.maxFrame)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Debug("producer disconnected")
				return
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				log.Info("closing idle producer connection")
			} else {
				log.WithError(err).Warn("producer connection read failed")
			}
			return
		}

		var ack Ack
		switch {
		case tooLong:
			log.WithField("limit", s.maxFrame).Warn("discarding oversized frame")
			ack = Ack{Status: StatusError, Error: "frame exceeds size limit"}
		case len(frame) == 0:
			continue
		default:
			ack = s.handleFrame(ctx, frame)
		}

		if err := encoder.Encode(ack); err != nil {
			log.WithError(err).Warn("writing ack failed")
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// readFrame reads one newline-delimited frame. A frame past the size limit is
// consumed through its terminating newline and reported via tooLong, so the
// caller can nack it without tearing down the session.
func readFrame(r *bufio.Reader, max int) (frame []byte, tooLong bool, err error) {
	for {
		chunk, rerr := r.ReadSlice('\n')
		if !tooLong {
			frame = append(frame, chunk...)
			if len(frame) > max+1 {
				frame = nil
				tooLong = true
			}
		}
		if rerr == nil {
			if tooLong {
				return nil, true, nil
			}
			return bytes.TrimRight(frame, "\r\n"), false, nil
		}
		if errors.Is(rerr, bufio.ErrBufferFull) {
			continue
		}
		return nil, tooLong, rerr
	}
}

// handleFrame parses, validates and enqueues one frame. Frame-level failures
// produce a nack and keep the session alive.
func (s *Server) handleFrame(ctx context.Context, frame []byte) Ack {
	rec, warnings, err := s.aliases.Decode(frame)
	if err != nil {
		perr := ProtocolError{reason: err}
		logger.Log.WithError(perr).WithField("frame", truncate(frame, 512)).Warn("malformed frame")
		return Ack{Status: StatusError, Error: "malformed frame: not valid JSON"}
	}
	for _, w := range warnings {
		logger.Log.WithField("warning", w).Debug("frame normalized with warning")
	}

	if err := rec.Validate(); err != nil {
		logger.Log.WithError(err).WithField("frame", truncate(frame, 512)).Warn("rejecting invalid record")
		return Ack{Status: StatusError, Error: err.Error()}
	}

	if rec.CapturedAtMicros == 0 {
		rec.CapturedAtMicros = time.Now().UnixMicro()
	}

	if err := s.queue.Push(ctx, rec); err != nil {
		if errors.Is(err, ErrBusy) {
			logger.Log.WithField("tag", rec.TagName).Warn("queue full, asking producer to retry")
			return Ack{Status: StatusBusy, Error: "relay busy, retry later"}
		}
		return Ack{Status: StatusError, Error: "relay shutting down"}
	}

	return Ack{Status: StatusOK}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
