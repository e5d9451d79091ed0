package control

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/maplejuice/pkg/wire"
)

// ServerConfig configures the control listener.
type ServerConfig struct {
	// Addr is the listen address (host:port).
	Addr string

	// MaxConnections bounds concurrently served connections. Accept waits
	// for a free slot. Default: 64.
	MaxConnections int

	// ReadTimeout and WriteTimeout apply per frame. Zero disables.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server accepts control connections and hands each to the Handler on its
// own goroutine.
type Server struct {
	cfg     ServerConfig
	handler *Handler
	log     *zap.Logger
	sem     chan struct{}
	wg      sync.WaitGroup

	mu sync.Mutex
	ln net.Listener
}

func NewServer(cfg ServerConfig, handler *Handler, log *zap.Logger) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		log:     log,
		sem:     make(chan struct{}, cfg.MaxConnections),
	}
}

// ListenAndServe listens on cfg.Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled, then waits for in-flight
// connections to finish. It closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info("Control server listening", zap.String("addr", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.wg.Wait()
	defer func() { _ = ln.Close() }()

	for {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		nc, err := ln.Accept()
		if err != nil {
			<-s.sem
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.serveConn(ctx, nc)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	connID := uuid.New().String()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Panic serving control connection", zap.String("conn_id", connID), zap.Any("panic", r))
			_ = nc.Close()
		}
	}()
	s.log.Debug("Control connection accepted",
		zap.String("conn_id", connID),
		zap.String("remote", nc.RemoteAddr().String()),
	)
	s.handler.Serve(ctx, wire.NewConn(nc, s.cfg.ReadTimeout, s.cfg.WriteTimeout))
}

// Addr returns the bound listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}
