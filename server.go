package msgrpc

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Server accepts TCP connections and serves msgpack-rpc on each of them.
//
// Every accepted connection becomes its own Conn running with silent errors,
// so one peer hanging up never affects the listener or other peers. Requests
// and notifications from all connections go to the same Handler; a handler
// replies by writing to the *Conn it was given.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration
	connOpts        []Option
	active          atomic.Int64

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server and its connections.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server will wait up to this duration
// before closing the listener.
// Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerConnOption passes options to every accepted connection.
// HandlerOption and SilentErrorsOption are always overridden.
func ServerConnOption(opts ...Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// New creates a new server bound to the specified address.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	s := &Server{
		listener:    listener,
		logger:      defaultLogger(),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Listen resolves a "host:port" address and calls New.
func Listen(address string, opts ...ServerOption) (*Server, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", address)
	}
	return New(addr, opts...)
}

// Serve accepts connections and serves them with handler.
// It blocks until the context is canceled or an unrecoverable error occurs.
// Stopping the server closes the listener only: connections already accepted
// keep running until their peers disconnect.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	if handler == nil {
		return ErrInvalidHandler
	}

	s.logger.Info("server started", "addr", s.listener.Addr())

	served := make(chan struct{})
	defer close(served)

	go func() {
		select {
		case <-ctx.Done():
		case <-served:
			return
		}

		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			case <-served:
				return
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	// Accepted connections outlive Serve.
	connCtx := context.WithoutCancel(ctx)

	for {
		raw, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", raw.RemoteAddr())
		_ = raw.SetNoDelay(true)

		conn, err := NewConn(raw, s.connOptions(handler)...)
		if err != nil {
			_ = raw.Close()
			return err
		}
		go s.serveConn(connCtx, conn)
	}
}

func (s *Server) connOptions(handler Handler) []Option {
	opts := make([]Option, 0, len(s.connOpts)+3)
	opts = append(opts, LoggerOption(s.logger))
	opts = append(opts, s.connOpts...)
	return append(opts, HandlerOption(handler), SilentErrorsOption(true))
}

func (s *Server) serveConn(ctx context.Context, conn *Conn) {
	s.active.Add(1)
	defer s.active.Add(-1)

	if err := conn.Run(ctx); err != nil {
		s.logger.Debug("connection ended", "conn_id", conn.ID(), "error", err)
	}
}

// ActiveConns returns the number of accepted connections still running.
func (s *Server) ActiveConns() int {
	return int(s.active.Load())
}

// Close stops the server by closing the underlying listener.
// If a shutdown timeout is configured, Close() bypasses the remaining timeout.
// Accepted connections are not closed.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
