package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/chatrelay/internal/hub"
)

var (
	// ErrBind wraps failures to open the listening socket.
	ErrBind = errors.New("bind failed")

	// ErrServerClosed is returned by Run after Close or Shutdown.
	ErrServerClosed = errors.New("chat server closed")
)

// Server accepts chat connections and relays every message to every
// connected client through a single Hub.
type Server struct {
	listener net.Listener
	hub      *hub.Hub
	cfg      Config
	events   EventSink
	logger   *slog.Logger
	origins  *originPolicy

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conns   map[string]Stream
	wg      sync.WaitGroup
	closing atomic.Bool
}

// Option customizes a Server built by Bind.
type Option func(*Server)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(s *Server) {
		s.cfg = cfg
	}
}

// WithEventSink routes lifecycle and traffic events to sink instead of the
// logger.
func WithEventSink(sink EventSink) Option {
	return func(s *Server) {
		s.events = sink
	}
}

// WithLogger sets the logger used for server-level messages and, unless an
// event sink is also given, for events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// Bind opens a TCP listener on addr and creates the server's Hub. An empty
// addr uses the configured ChatAddr.
func Bind(addr string, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:   defaultConfig(),
		conns: make(map[string]Stream),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.cfg = s.cfg.sanitize()
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.events == nil {
		s.events = NewLogSink(s.logger)
	}
	if addr == "" {
		addr = s.cfg.ChatAddr
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBind, addr, err)
	}

	s.listener = ln
	s.hub = hub.New(s.cfg.HubCapacity)
	s.origins = newOriginPolicy(s.cfg.AllowedOrigins, s.logger)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Addr returns the listener's address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Hub returns the server's broadcast hub.
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Run accepts connections until the listener is closed. Transient accept
// failures (timeouts, descriptor exhaustion, aborted handshakes) are reported
// and retried with backoff. Any other listener error is returned wrapped;
// after Close, Run returns ErrServerClosed.
func (s *Server) Run() error {
	s.events.Emit(Event{Kind: EventListening, Transport: TransportTCP, Peer: s.Addr().String()})

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}

			s.events.Emit(Event{Kind: EventAcceptError, Transport: TransportTCP, Err: err})
			if !isTemporaryAcceptError(err) {
				return fmt.Errorf("accept: %w", err)
			}
			backoff = nextBackoff(backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.serve(newTCPStream(conn, s.cfg.MaxFrameSize))
	}
}

func isTemporaryAcceptError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EINTR)
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// serve subscribes the new connection to the hub and starts its pump.
func (s *Server) serve(stream Stream) {
	session := uuid.NewString()

	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		_ = stream.Close()
		return
	}
	s.conns[session] = stream
	s.wg.Add(1)
	s.mu.Unlock()

	sub := s.hub.Subscribe()
	p := newPump(stream, session, s.hub, sub, s.cfg, s.events)
	p.emit(Event{Kind: EventAccepted})

	go func() {
		defer s.wg.Done()
		defer s.untrack(session)
		_ = p.run(s.ctx)
	}()
}

func (s *Server) untrack(session string) {
	s.mu.Lock()
	delete(s.conns, session)
	s.mu.Unlock()
}

// ConnectionCounts reports live connections per transport.
func (s *Server) ConnectionCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[string]int{TransportTCP: 0, TransportWebSocket: 0}
	for _, stream := range s.conns {
		counts[stream.Transport()]++
	}
	return counts
}

// Close stops accepting new connections. Existing connections keep running
// until Shutdown or until they end on their own.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing.Store(true)
	s.mu.Unlock()

	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// forceCloseGrace bounds the wait for pumps to exit once their connections
// have been closed forcibly.
const forceCloseGrace = time.Second

// Shutdown closes the listener and the hub, then waits for every pump to
// finish. Connections still open when timeout expires are closed forcibly,
// their pumps get a short grace period to exit, and context.DeadlineExceeded
// is returned.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info("initiating chat server shutdown")

	if err := s.Close(); err != nil {
		s.logger.Warn("error closing listener", "error", err)
	}
	s.hub.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("chat server shutdown completed")
		return nil
	case <-time.After(timeout):
	}

	s.cancel()
	s.mu.Lock()
	for _, stream := range s.conns {
		if err := stream.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn("error closing connection", "peer", stream.RemoteAddr(), "error", err)
		}
	}
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(forceCloseGrace):
		s.logger.Warn("pumps still running after forced close")
	}

	s.logger.Warn("chat server shutdown timeout reached, connections closed forcibly")
	return context.DeadlineExceeded
}
