// Package server runs the line-protocol TCP listener: one persistent
// connection per client, one newline-terminated JSON reply per request line.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"tripline.opentransit.org/internal/app"
	"tripline.opentransit.org/internal/lineapi"
	"tripline.opentransit.org/internal/logging"
)

const (
	// maxLineBytes bounds a single request line.
	maxLineBytes = 64 * 1024

	// perConnRate and perConnBurst throttle a single client connection so
	// one chatty client cannot starve the worker pool.
	perConnRate  rate.Limit = 50
	perConnBurst            = 100
)

// Server accepts client connections and dispatches their request lines onto a
// bounded worker pool.
type Server struct {
	app    *app.Application
	api    *lineapi.LineAPI
	logger *slog.Logger

	listener net.Listener
	workers  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[string]net.Conn

	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

func New(application *app.Application) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		app:     application,
		api:     lineapi.New(application),
		logger:  application.Logger.With(slog.String("component", "server")),
		workers: make(chan struct{}, application.Config.NumberThreads),
		ctx:     ctx,
		cancel:  cancel,
		conns:   map[string]net.Conn{},
	}
}

// Start binds the configured port and launches the accept loop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.app.Config.ServerPort))
	if err != nil {
		return fmt.Errorf("binding port %d: %w", s.app.Config.ServerPort, err)
	}
	s.listener = listener

	logging.LogOperation(s.logger, "listening", slog.String("addr", listener.Addr().String()))
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Shutdown closes the listener and every open connection, then waits for the
// connection handlers to drain. Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for _, conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		logging.LogOperation(s.logger, "server stopped")
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			logging.LogError(s.logger, "accepting connection", err)
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()

	connID := uuid.NewString()
	s.track(connID, conn)
	defer s.untrack(connID)

	s.app.Metrics.OpenConnections.Inc()
	defer s.app.Metrics.OpenConnections.Dec()
	logging.LogOperation(s.logger, "client connected",
		slog.String("conn_id", connID),
		slog.String("remote", conn.RemoteAddr().String()))

	limiter := rate.NewLimiter(perConnRate, perConnBurst)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := limiter.Wait(s.ctx); err != nil {
			break
		}
		resp, ok := s.process(line)
		if !ok {
			break
		}
		if _, err := conn.Write(append(resp, '\n')); err != nil {
			break
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logging.LogError(s.logger, "reading request line", err, slog.String("conn_id", connID))
	}
	logging.LogOperation(s.logger, "client disconnected", slog.String("conn_id", connID))
}

// process runs one request line on a worker slot. It returns false when the
// server is shutting down before a slot frees up.
func (s *Server) process(line string) ([]byte, bool) {
	select {
	case s.workers <- struct{}{}:
	case <-s.ctx.Done():
		return nil, false
	}
	defer func() { <-s.workers }()
	return s.api.Handle(line), true
}

func (s *Server) track(id string, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[id] = conn
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	conn := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
