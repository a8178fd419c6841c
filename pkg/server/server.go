package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/adapter"
	"github.com/marmos91/dittobox/pkg/registry"
)

// BoxServer runs one or more protocol adapters on top of a shared registry.
//
// The server owns the lifecycle of the registry's task pool: it starts the
// storage workers before the adapters and stops them after every adapter
// has drained, so commands accepted during shutdown still complete.
//
// Usage:
//
//	srv := server.New(reg, server.Options{})
//	srv.AddAdapter(box.New(boxConfig, boxMetrics))
//	err := srv.Serve(ctx) // blocks until ctx is cancelled
type BoxServer struct {
	registry *registry.Registry
	opts     Options

	adapters []adapter.Adapter

	mu     sync.Mutex
	served bool
}

// Options tunes the shutdown sequence.
type Options struct {
	// AdapterStopTimeout bounds the wait for all adapters to stop.
	// Default: 30s
	AdapterStopTimeout time.Duration

	// DrainTimeout bounds the wait for queued storage tasks once the
	// adapters have stopped. Default: 30s
	DrainTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.AdapterStopTimeout <= 0 {
		o.AdapterStopTimeout = 30 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
}

// New creates a server. It panics if reg is nil.
func New(reg *registry.Registry, opts Options) *BoxServer {
	if reg == nil {
		panic("registry cannot be nil")
	}
	opts.applyDefaults()

	return &BoxServer{
		registry: reg,
		opts:     opts,
		adapters: make([]adapter.Adapter, 0, 2),
	}
}

// AddAdapter registers an adapter and injects the registry into it.
//
// Returns an error if an adapter for the same protocol or the same non-zero
// port is already registered, or if Serve has been called.
func (s *BoxServer) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		return errors.New("adapter cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		return errors.New("cannot add adapter after Serve() has been called")
	}

	protocol := a.Protocol()
	port := a.Port()

	for _, existing := range s.adapters {
		if existing.Protocol() == protocol {
			return fmt.Errorf("adapter for protocol %s already registered", protocol)
		}
		if port != 0 && existing.Port() == port {
			return fmt.Errorf("port %d already in use by %s adapter", port, existing.Protocol())
		}
	}

	a.SetRegistry(s.registry)
	s.adapters = append(s.adapters, a)

	logger.Info("Registered %s adapter on port %d", protocol, port)
	return nil
}

// Serve starts the storage workers and every adapter, then blocks until ctx
// is cancelled or an adapter fails. It may be called once.
//
// On return all adapters have stopped and the storage queue has been
// drained. Returns ctx.Err() on a requested shutdown and the adapter's
// error when one failed.
func (s *BoxServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return errors.New("Serve() has already been called on this server instance")
	}
	s.served = true
	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	s.mu.Unlock()

	if len(adapters) == 0 {
		return errors.New("no adapters registered; call AddAdapter() before Serve()")
	}
	if err := s.registry.Validate(); err != nil {
		return fmt.Errorf("registry incomplete: %w", err)
	}

	// The workers outlive ctx so in-flight commands finish during shutdown.
	pool := s.registry.TaskPool()
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	pool.Start(workerCtx)

	logger.Info("Starting box server with %d adapter(s)", len(adapters))

	errChan := make(chan adapterError, len(adapters))
	var wg sync.WaitGroup

	for _, adp := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()

			protocol := a.Protocol()
			logger.Info("Starting %s adapter on port %d", protocol, a.Port())

			err := a.Serve(ctx)
			switch {
			case err == nil:
				logger.Info("%s adapter stopped", protocol)
			case errors.Is(err, context.Canceled) || ctx.Err() != nil:
				logger.Debug("%s adapter stopped: %v", protocol, err)
			default:
				logger.Error("%s adapter failed: %v", protocol, err)
				errChan <- adapterError{protocol: protocol, err: err}
			}
		}(adp)
	}

	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		shutdownErr = ctx.Err()

	case adapterErr := <-errChan:
		logger.Error("Adapter %s failed: %v - initiating shutdown of all adapters",
			adapterErr.protocol, adapterErr.err)
		shutdownErr = fmt.Errorf("%s adapter error: %w", adapterErr.protocol, adapterErr.err)
	}

	s.stopAllAdapters(adapters)
	wg.Wait()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), s.opts.DrainTimeout)
	defer cancelDrain()
	if err := pool.Stop(drainCtx); err != nil {
		logger.Warn("Storage queue not drained: %v", err)
	}

	logger.Info("Box server stopped")
	return shutdownErr
}

type adapterError struct {
	protocol string
	err      error
}

// stopAllAdapters stops adapters in reverse registration order.
func (s *BoxServer) stopAllAdapters(adapters []adapter.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.AdapterStopTimeout)
	defer cancel()

	for i := len(adapters) - 1; i >= 0; i-- {
		adp := adapters[i]
		if err := adp.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Error stopping %s adapter: %v", adp.Protocol(), err)
		}
	}
}

// Adapters returns a copy of the registered adapters.
func (s *BoxServer) Adapters() []adapter.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()

	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	return adapters
}

// Registry returns the shared registry.
func (s *BoxServer) Registry() *registry.Registry {
	return s.registry
}
