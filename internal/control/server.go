package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const connTimeout = 30 * time.Second

// Server accepts control connections on a unix socket. Each connection
// carries exactly one request and one response.
type Server struct {
	path   string
	d      *Dispatcher
	logger *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

func NewServer(path string, d *Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{path: path, d: d, logger: logger}
}

// Listen binds the socket, replacing a stale socket file left by a previous
// daemon. It fails if another daemon is still answering on path.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.path); err == nil {
		if conn, err := net.DialTimeout("unix", s.path, time.Second); err == nil {
			_ = conn.Close()
			return fmt.Errorf("daemon already listening on %s", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until ctx is cancelled, then closes the listener
// and removes the socket file.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("control server not listening")
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	defer os.Remove(s.path)

	s.logger.Info("control socket listening", "path", s.path)
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", "err", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Addr is the bound socket path.
func (s *Server) Addr() string { return s.path }

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	if err := s.d.store.IncrementCommands(ctx); err != nil {
		s.logger.Warn("increment command counter failed", "err", err)
	}

	var req Request
	var resp Response
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		resp = failResponse(fmt.Errorf("invalid request: %w", err))
	} else {
		s.logger.Debug("control request", "command", req.Command, "option", req.Option, "flag", req.Flag)
		resp = s.d.Handle(ctx, req)
	}
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Warn("write response failed", "err", err)
	}
}
