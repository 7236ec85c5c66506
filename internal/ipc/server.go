// Package ipc implements IpcServer: the newline-delimited JSON protocol
// daemon clients speak over a Unix domain socket (a named pipe on
// Windows; see endpoint_windows.go). Each connection runs an independent
// reader and writer, merging request/response traffic with the
// daemon-wide event fan-out.
package ipc

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ptydeck/ptydeckd/internal/engine"
	"github.com/ptydeck/ptydeckd/internal/eventbus"
	"github.com/ptydeck/ptydeckd/internal/proto"
)

// maxLineSize bounds a single incoming request line; pty.output chunks are
// at most 64 KiB of raw bytes, which base64-inflates to under 100 KiB.
const maxLineSize = 1 << 20

// eventWriteTimeout bounds how long the writer will wait to deliver one
// event frame before dropping it, per the spec's "implementation-defined
// window" allowance — a connection is never closed over a slow event.
const eventWriteTimeout = 2 * time.Second

// Server accepts local connections and routes them to an Engine.
type Server struct {
	path   string
	eng    *engine.Engine
	bus    *eventbus.Bus
	logger *log.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New returns a Server bound to no listener yet; call Serve to start
// accepting connections on path.
func New(path string, eng *engine.Engine, bus *eventbus.Bus, logger *log.Logger) *Server {
	return &Server{path: path, eng: eng, bus: bus, logger: logger}
}

// Serve removes any stale endpoint file, listens on path, and accepts
// connections until ctx is cancelled or a fatal accept error occurs. It
// blocks until shutdown completes.
func (s *Server) Serve(ctx context.Context) error {
	if err := removeStale(s.path); err != nil {
		return err
	}
	ln, err := listen(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
		os.Remove(s.path)
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(conn)
		}()
	}
}

func removeStale(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	sub := s.bus.Subscribe()
	defer sub.Unsubscribe()

	w := bufio.NewWriter(conn)
	s.replayLiveSessionTails(conn, w)

	responses := make(chan proto.Response, 32)
	done := make(chan struct{})
	var closeOnce sync.Once
	stop := func() { closeOnce.Do(func() { close(done) }) }

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(conn, w, responses, sub.C, done)
	}()

	s.readLoop(conn, responses)

	stop()
	wg.Wait()
}

// replayLiveSessionTails gives a freshly connected client immediate
// context on every session that already has a child running, instead of
// a blank pane until its next output chunk. Run synchronously before the
// writer goroutine starts, so it needs no coordination with it.
func (s *Server) replayLiveSessionTails(conn net.Conn, w *bufio.Writer) {
	for _, sess := range s.eng.ListSessions() {
		if sess.Status == proto.StatusStopped {
			continue
		}
		tail := s.eng.SessionTail(sess.ID)
		if len(tail) == 0 {
			continue
		}
		data, err := json.Marshal(proto.PtyOutputEvent{SessionID: sess.ID, Output: base64.StdEncoding.EncodeToString(tail)})
		if err != nil {
			continue
		}
		s.writeFrame(conn, w, proto.Event{Event: proto.EventPtyOutput, Data: data}, 0)
	}
}

func (s *Server) readLoop(conn net.Conn, responses chan<- proto.Response) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req proto.Request
		if err := json.Unmarshal(line, &req); err != nil {
			responses <- proto.Response{Error: &proto.Error{Code: proto.CodeParseError, Message: err.Error()}}
			continue
		}
		responses <- s.dispatch(req)
	}
}

func (s *Server) writeLoop(conn net.Conn, w *bufio.Writer, responses <-chan proto.Response, events <-chan eventbus.Event, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case resp := <-responses:
			if !s.writeFrame(conn, w, resp, 0) {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			pe, ok := ev.(proto.Event)
			if !ok {
				continue
			}
			if !s.writeFrame(conn, w, pe, eventWriteTimeout) {
				return
			}
		}
	}
}

// writeFrame marshals v as one newline-terminated JSON line. A deadline
// of 0 blocks indefinitely (used for responses and the tail replay); a
// positive deadline drops the frame on timeout without closing the
// connection (used for live events), but still closes on any
// non-timeout write error.
func (s *Server) writeFrame(conn net.Conn, w *bufio.Writer, v any, deadline time.Duration) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return true
	}
	data = append(data, '\n')

	if deadline > 0 {
		conn.SetWriteDeadline(time.Now().Add(deadline))
	} else {
		conn.SetWriteDeadline(time.Time{})
	}

	if _, err := w.Write(data); err == nil {
		err = w.Flush()
	}
	if err == nil {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() && deadline > 0 {
		s.logger.Printf("ipc: dropped event for slow client: %v", err)
		return true
	}
	return false
}
