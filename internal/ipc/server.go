package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/overmind-sh/overmind/internal/common/logger"
	"github.com/overmind-sh/overmind/pkg/ipc"
)

// Server accepts connections on the unix socket and serves one
// request/response per connection. Connections are handled
// concurrently; shutdown drains in-flight handlers.
type Server struct {
	router  *Router
	log     *logger.Logger
	timeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
	closed   bool
}

// NewServer creates a server over a router. The timeout bounds a single
// connection's lifetime.
func NewServer(router *Router, timeout time.Duration, log *logger.Logger) *Server {
	if timeout <= 0 {
		timeout = 10 * time.Minute // long-poll verbs park here
	}
	return &Server{
		router:  router,
		log:     log.WithComponent("ipc-server"),
		timeout: timeout,
	}
}

// Listen binds the socket, replacing a stale file from a previous run.
func (s *Server) Listen(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("ipc listening", zap.String("socket", socketPath))
	return nil
}

// Serve runs the accept loop until Close. Call after Listen.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("ipc server: Listen before Serve")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn reads one line, dispatches, writes one line. Malformed
// JSON drops the connection without a reply; the server survives. A
// half-open socket (client closed its write side) is the normal case.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.timeout))

	reader := bufio.NewReaderSize(conn, 64*1024)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return
	}

	var req ipc.Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.log.Debug("malformed request dropped", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp := s.router.Dispatch(ctx, &req)

	payload, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("response encode failed",
			zap.String("type", req.Type), zap.Error(err))
		payload = []byte(`{"ok":false,"error":"response encoding failed"}`)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		s.log.Debug("response write failed",
			zap.String("type", req.Type), zap.Error(err))
	}
}

// Close stops accepting and waits out in-flight handlers. The stale
// socket file is replaced by the next Listen.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.conns.Wait()
	return err
}
