package adapter

import (
	"context"

	"github.com/marmos91/dittobox/pkg/registry"
)

// Adapter is a network front end managed by the box server.
//
// An adapter owns a listener, speaks one wire protocol and turns client
// commands into operations on the shared services held by the registry
// (account directory, content stores, staging area, task pool).
//
// Lifecycle:
//  1. Creation with protocol-specific configuration
//  2. SetRegistry injects the shared services
//  3. Serve listens and blocks until shutdown
//  4. Stop drains sessions, bounded by the adapter's shutdown timeout
//
// Stop may be called concurrently with Serve.
type Adapter interface {
	// Serve starts the listener and blocks until ctx is cancelled or an
	// unrecoverable error occurs. On cancellation it stops accepting,
	// waits for active sessions and returns nil or context.Canceled.
	//
	// A Serve that returns before cancellation is treated as fatal by the
	// server, which then stops every other adapter.
	Serve(ctx context.Context) error

	// SetRegistry injects the shared services. Called exactly once, before
	// Serve.
	SetRegistry(reg *registry.Registry)

	// Stop initiates graceful shutdown. It is idempotent and respects the
	// ctx deadline.
	Stop(ctx context.Context) error

	// Protocol returns the protocol name used in logs and metrics.
	Protocol() string

	// Port returns the TCP port the adapter listens on. Once Serve has
	// bound its listener this is the actual port, which differs from the
	// configured one when port 0 was requested.
	Port() int
}
