package box

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/internal/protocol/box"
	"github.com/marmos91/dittobox/internal/ratelimiter"
	"github.com/marmos91/dittobox/pkg/metrics"
	"github.com/marmos91/dittobox/pkg/registry"
)

// BoxAdapter serves the box line protocol over TCP.
//
// Architecture:
// One acceptor goroutine pushes accepted connections into a bounded
// AdmissionQueue. A fixed pool of client workers pops connections and runs
// one Session each, to completion. Commands that touch storage are handed to
// the registry's task pool; the client worker blocks until the task is done
// and then writes the reply.
//
// Graceful shutdown:
//  1. Context cancellation or Stop() closes the shutdown channel
//  2. The listener and the admission queue are closed
//  3. Sessions waiting for a command are interrupted; sessions in the middle
//     of a command finish it
//  4. Wait up to ShutdownTimeout for all connections to close
//  5. Force-close whatever is left
type BoxAdapter struct {
	config BoxConfig
	framer box.Framer

	listener net.Listener
	port     atomic.Int32

	// ready is closed once the listener is bound.
	ready     chan struct{}
	readyOnce sync.Once

	registry *registry.Registry
	metrics  metrics.BoxMetrics

	admission *AdmissionQueue
	limiter   *ratelimiter.RateLimiter

	// activeConns counts connections from accept until close, queued ones
	// included.
	activeConns sync.WaitGroup

	// workers tracks the client worker goroutines.
	workers sync.WaitGroup

	shutdownOnce sync.Once
	shutdown     chan struct{}

	connCount    atomic.Int32
	sessionCount atomic.Int32

	// shutdownCtx is cancelled when shutdown begins. Sessions check it
	// between commands.
	shutdownCtx    context.Context
	cancelRequests context.CancelFunc

	// activeConnections maps connection id to *trackedConn for
	// interruption and force-close during shutdown.
	activeConnections sync.Map
}

// BoxConfig configures the box adapter.
//
// Zero values are replaced by defaults; see applyDefaults.
type BoxConfig struct {
	// Enabled controls whether the adapter is started.
	Enabled bool `mapstructure:"enabled"`

	// Port is the TCP port to listen on. 0 selects a free port.
	Port int `mapstructure:"port" validate:"min=0,max=65535"`

	// ClientWorkers is the number of sessions served concurrently.
	// Default: 4
	ClientWorkers int `mapstructure:"client_workers" validate:"min=0"`

	// AdmissionCapacity bounds the number of accepted connections waiting
	// for a client worker. When it is reached the acceptor blocks.
	// Default: 256
	AdmissionCapacity int `mapstructure:"admission_capacity" validate:"min=0"`

	// Framing selects the payload framing: "sentinel" (default) or
	// "length".
	Framing string `mapstructure:"framing" validate:"omitempty,oneof=sentinel length"`

	// MaxUploadSize rejects upload payloads larger than this many bytes.
	// 0 disables the transport-level check; the quota still applies.
	MaxUploadSize int64 `mapstructure:"max_upload_size" validate:"min=0"`

	// IdleTimeout closes a session that sends no command for this long.
	// 0 disables it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=0"`

	// AcceptRate limits new connections per second. 0 disables it.
	AcceptRate float64 `mapstructure:"accept_rate" validate:"min=0"`

	// AcceptBurst is the number of connections accepted back to back
	// before AcceptRate applies. Defaults to ceil(AcceptRate).
	AcceptBurst int `mapstructure:"accept_burst" validate:"min=0"`

	// ShutdownTimeout bounds the wait for active sessions on shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`

	// MetricsLogInterval is how often connection statistics are logged.
	// 0 disables periodic logging.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" validate:"min=0"`
}

func (c *BoxConfig) applyDefaults() {
	if c.ClientWorkers == 0 {
		c.ClientWorkers = 4
	}
	if c.AdmissionCapacity == 0 {
		c.AdmissionCapacity = 256
	}
	if c.Framing == "" {
		c.Framing = box.FramingSentinel
	}
	if c.AcceptRate > 0 && c.AcceptBurst == 0 {
		c.AcceptBurst = int(c.AcceptRate)
		if float64(c.AcceptBurst) < c.AcceptRate {
			c.AcceptBurst++
		}
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

func (c *BoxConfig) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.ClientWorkers < 1 {
		return fmt.Errorf("invalid ClientWorkers %d: must be >= 1", c.ClientWorkers)
	}
	if c.AdmissionCapacity < 1 {
		return fmt.Errorf("invalid AdmissionCapacity %d: must be >= 1", c.AdmissionCapacity)
	}
	if _, err := box.NewFramer(c.Framing); err != nil {
		return err
	}
	if c.MaxUploadSize < 0 {
		return fmt.Errorf("invalid MaxUploadSize %d: must be >= 0", c.MaxUploadSize)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("invalid IdleTimeout %v: must be >= 0", c.IdleTimeout)
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("invalid AcceptRate %v: must be >= 0", c.AcceptRate)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	return nil
}

// New creates a box adapter. A nil m disables metrics.
//
// New panics if the configuration is invalid after defaults are applied.
// The adapter does not listen until Serve is called.
func New(config BoxConfig, m metrics.BoxMetrics) *BoxAdapter {
	config.applyDefaults()

	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid box config: %v", err))
	}

	// validate has already accepted the name.
	framer, _ := box.NewFramer(config.Framing)

	var limiter *ratelimiter.RateLimiter
	if config.AcceptRate > 0 {
		limiter = ratelimiter.New(config.AcceptRate, config.AcceptBurst)
		logger.Debug("Box accept rate limit: %.1f/s burst %d", config.AcceptRate, config.AcceptBurst)
	}

	shutdownCtx, cancelRequests := context.WithCancel(context.Background())

	return &BoxAdapter{
		config:         config,
		framer:         framer,
		ready:          make(chan struct{}),
		metrics:        metrics.OrNoop(m),
		admission:      NewAdmissionQueue(config.AdmissionCapacity),
		limiter:        limiter,
		shutdown:       make(chan struct{}),
		shutdownCtx:    shutdownCtx,
		cancelRequests: cancelRequests,
	}
}

// SetRegistry injects the shared services.
func (s *BoxAdapter) SetRegistry(reg *registry.Registry) {
	s.registry = reg
	logger.Debug("Box adapter registry configured")
}

// Serve listens on the configured port and serves until ctx is cancelled.
//
// Parameters:
//   - ctx: Cancelling it starts a graceful shutdown bounded by ShutdownTimeout
//
// Returns:
//   - error: Listen failure, or a timeout error when sessions outlive
//     ShutdownTimeout
func (s *BoxAdapter) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to create box listener on port %d: %w", s.config.Port, err)
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener serves on an already bound listener, which the adapter takes
// ownership of.
func (s *BoxAdapter) ServeListener(ctx context.Context, listener net.Listener) error {
	if s.registry == nil {
		_ = listener.Close()
		return errors.New("box adapter: registry not set")
	}
	if err := s.registry.Validate(); err != nil {
		_ = listener.Close()
		return fmt.Errorf("box adapter: %w", err)
	}

	s.listener = listener
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.port.Store(int32(addr.Port))
	}
	s.readyOnce.Do(func() { close(s.ready) })

	logger.Info("Box server listening on port %d", s.Port())
	logger.Debug("Box config: client_workers=%d admission_capacity=%d framing=%s max_upload_size=%d idle_timeout=%v",
		s.config.ClientWorkers, s.config.AdmissionCapacity, s.framer.Name(), s.config.MaxUploadSize, s.config.IdleTimeout)

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("Box shutdown signal received: %v", ctx.Err())
			s.initiateShutdown()
		case <-s.shutdown:
		}
	}()

	if s.config.MetricsLogInterval > 0 {
		go s.logMetrics(ctx)
	}

	for i := 0; i < s.config.ClientWorkers; i++ {
		s.workers.Add(1)
		go s.clientWorker(i)
	}

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(s.shutdownCtx); err != nil {
				return s.gracefulShutdown()
			}
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return s.gracefulShutdown()
			default:
				logger.Debug("Error accepting box connection: %v", err)
				continue
			}
		}

		tc := s.track(conn)
		logger.Debug("Box connection accepted from %s (active: %d, queued: %d)",
			conn.RemoteAddr(), s.connCount.Load(), s.admission.Len())

		// Blocks while every admission slot is taken.
		if err := s.admission.Enqueue(tc.conn); err != nil {
			s.untrack(tc)
			_ = conn.Close()
			return s.gracefulShutdown()
		}
		s.metrics.SetAdmissionQueueDepth(s.admission.Len())
	}
}

// trackedConn is a connection known to the adapter from accept until close.
type trackedConn struct {
	id   string
	conn net.Conn

	// idle is set while the connection waits in the admission queue or its
	// session waits for the next command.
	idle atomic.Bool
}

func (s *BoxAdapter) track(conn net.Conn) *trackedConn {
	tc := &trackedConn{id: uuid.NewString(), conn: conn}
	tc.idle.Store(true)

	s.activeConns.Add(1)
	s.connCount.Add(1)
	s.activeConnections.Store(conn, tc)
	s.metrics.RecordConnectionAccepted()
	return tc
}

func (s *BoxAdapter) untrack(tc *trackedConn) {
	s.activeConnections.Delete(tc.conn)
	s.connCount.Add(-1)
	s.metrics.RecordConnectionClosed()
	s.activeConns.Done()
}

func (s *BoxAdapter) lookup(conn net.Conn) *trackedConn {
	v, ok := s.activeConnections.Load(conn)
	if !ok {
		return nil
	}
	return v.(*trackedConn)
}

// clientWorker serves queued connections one at a time until the admission
// queue is closed and drained.
func (s *BoxAdapter) clientWorker(id int) {
	defer s.workers.Done()

	for {
		conn, ok := s.admission.Dequeue()
		if !ok {
			logger.Debug("Box client worker %d exiting", id)
			return
		}
		s.metrics.SetAdmissionQueueDepth(s.admission.Len())
		s.serveConn(conn)
	}
}

func (s *BoxAdapter) serveConn(conn net.Conn) {
	tc := s.lookup(conn)
	if tc == nil {
		// Force-closed while queued.
		_ = conn.Close()
		return
	}

	s.metrics.SetActiveSessions(s.sessionCount.Add(1))
	defer func() {
		s.untrack(tc)
		s.metrics.SetActiveSessions(s.sessionCount.Add(-1))
		logger.Debug("Box connection closed from %s (active: %d)", conn.RemoteAddr(), s.connCount.Load())
	}()

	newSession(s, tc).Serve(s.shutdownCtx)
}

// initiateShutdown stops the acceptor and interrupts idle sessions. Safe to
// call more than once.
func (s *BoxAdapter) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Debug("Box shutdown initiated")

		close(s.shutdown)

		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				logger.Debug("Error closing box listener: %v", err)
			}
		}

		s.admission.Close()

		// Cancel first: a session that turns idle after this point sees
		// the cancelled context before it blocks on a read.
		s.cancelRequests()
		s.interruptIdle()
	})
}

// interruptIdle unblocks sessions waiting for a command by expiring their
// read deadline.
func (s *BoxAdapter) interruptIdle() {
	now := time.Now()
	s.activeConnections.Range(func(_, value any) bool {
		tc := value.(*trackedConn)
		if tc.idle.Load() {
			_ = tc.conn.SetReadDeadline(now)
		}
		return true
	})
}

func (s *BoxAdapter) waitConnections() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		s.workers.Wait()
		close(done)
	}()
	return done
}

func (s *BoxAdapter) gracefulShutdown() error {
	logger.Info("Box graceful shutdown: waiting for %d active connection(s) (timeout: %v)",
		s.connCount.Load(), s.config.ShutdownTimeout)

	select {
	case <-s.waitConnections():
		logger.Info("Box graceful shutdown complete: all connections closed")
		return nil

	case <-time.After(s.config.ShutdownTimeout):
		remaining := s.connCount.Load()
		logger.Warn("Box shutdown timeout exceeded: %d connection(s) still active after %v, forcing closure",
			remaining, s.config.ShutdownTimeout)

		s.forceCloseConnections()
		return fmt.Errorf("box shutdown timeout: %d connections force-closed", remaining)
	}
}

func (s *BoxAdapter) forceCloseConnections() {
	closed := 0
	s.activeConnections.Range(func(_, value any) bool {
		tc := value.(*trackedConn)
		if err := tc.conn.Close(); err != nil {
			logger.Debug("Error force-closing connection %s: %v", tc.id, err)
			return true
		}
		closed++
		s.metrics.RecordConnectionForceClosed()
		return true
	})

	if closed > 0 {
		logger.Info("Force-closed %d box connection(s)", closed)
	}
}

// Stop initiates shutdown and waits for connections to close or ctx to
// expire.
func (s *BoxAdapter) Stop(ctx context.Context) error {
	s.initiateShutdown()

	if ctx == nil {
		return s.gracefulShutdown()
	}

	select {
	case <-s.waitConnections():
		logger.Info("Box graceful shutdown complete: all connections closed")
		return nil
	case <-ctx.Done():
		logger.Warn("Box shutdown context cancelled: %d connection(s) still active: %v",
			s.connCount.Load(), ctx.Err())
		return ctx.Err()
	}
}

func (s *BoxAdapter) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(s.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			logger.Info("Box metrics: connections=%d sessions=%d admission_queue=%d/%d",
				s.connCount.Load(), s.sessionCount.Load(), s.admission.Len(), s.admission.Cap())
		}
	}
}

// Ready is closed once the listener is bound and Port reports the actual
// port.
func (s *BoxAdapter) Ready() <-chan struct{} {
	return s.ready
}

// GetActiveConnections returns the number of accepted connections that are
// queued or being served.
func (s *BoxAdapter) GetActiveConnections() int32 {
	return s.connCount.Load()
}

// GetActiveSessions returns the number of connections currently owned by a
// client worker.
func (s *BoxAdapter) GetActiveSessions() int32 {
	return s.sessionCount.Load()
}

// QueuedConnections returns the number of connections waiting for a client
// worker.
func (s *BoxAdapter) QueuedConnections() int {
	return s.admission.Len()
}

// Protocol returns "BOX".
func (s *BoxAdapter) Protocol() string {
	return "BOX"
}

// Port returns the bound port once listening, the configured port before.
func (s *BoxAdapter) Port() int {
	if p := s.port.Load(); p != 0 {
		return int(p)
	}
	return s.config.Port
}
