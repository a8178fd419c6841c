// Package e2e boots a complete DittoBox server from configuration and drives
// it over TCP with the box client.
package e2e

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/pkg/adapter/box"
	"github.com/marmos91/dittobox/pkg/client"
	"github.com/marmos91/dittobox/pkg/config"
	"github.com/marmos91/dittobox/pkg/registry"
	"github.com/marmos91/dittobox/pkg/server"
)

// StoreType selects the content store backing a test server.
type StoreType string

const (
	StoreTypeMemory     StoreType = "memory"
	StoreTypeFilesystem StoreType = "filesystem"
)

// TestContext is a running server plus what is needed to talk to it and
// tear it down.
type TestContext struct {
	T        testing.TB
	Config   *config.Config
	Registry *registry.Registry
	Server   *server.BoxServer
	Adapter  *box.BoxAdapter
	Addr     string

	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

// NewConfig returns a default configuration rooted in dir that listens on
// a free port.
func NewConfig(dir string, storeType StoreType) *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Logging.Level = "ERROR"
	cfg.Storage.Type = string(storeType)
	cfg.Storage.TmpDir = filepath.Join(dir, "tmp_storage")
	cfg.Storage.Filesystem["path"] = filepath.Join(dir, "storage")
	cfg.Accounts.Badger["db_path"] = filepath.Join(dir, "accounts.db")
	cfg.Adapters.Box.Port = 0
	cfg.Adapters.Box.ShutdownTimeout = 5 * time.Second
	cfg.Adapters.Box.MetricsLogInterval = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	return cfg
}

// NewTestContext starts a server for cfg and registers its shutdown with
// t.Cleanup.
func NewTestContext(t testing.TB, cfg *config.Config) *TestContext {
	t.Helper()

	// Functional tests, not debugging sessions.
	logger.SetLevel("ERROR")

	if err := config.Validate(cfg); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}

	reg, err := config.InitializeRegistry(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Failed to initialize registry: %v", err)
	}

	adapters, err := config.CreateAdapters(cfg, nil)
	if err != nil {
		_ = reg.Close()
		t.Fatalf("Failed to create adapters: %v", err)
	}

	srv := server.New(reg, server.Options{
		AdapterStopTimeout: cfg.Server.ShutdownTimeout,
		DrainTimeout:       cfg.Server.ShutdownTimeout,
	})
	var boxAdapter *box.BoxAdapter
	for _, a := range adapters {
		if err := srv.AddAdapter(a); err != nil {
			_ = reg.Close()
			t.Fatalf("Failed to add adapter: %v", err)
		}
		if b, ok := a.(*box.BoxAdapter); ok {
			boxAdapter = b
		}
	}
	if boxAdapter == nil {
		_ = reg.Close()
		t.Fatal("box adapter not created")
	}

	ctx, cancel := context.WithCancel(context.Background())
	tc := &TestContext{
		T:        t,
		Config:   cfg,
		Registry: reg,
		Server:   srv,
		Adapter:  boxAdapter,
		cancel:   cancel,
		done:     make(chan error, 1),
	}

	go func() { tc.done <- srv.Serve(ctx) }()

	select {
	case <-boxAdapter.Ready():
	case err := <-tc.done:
		cancel()
		_ = reg.Close()
		t.Fatalf("server exited before becoming ready: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		_ = reg.Close()
		t.Fatal("server did not become ready")
	}

	tc.Addr = fmt.Sprintf("127.0.0.1:%d", boxAdapter.Port())
	t.Cleanup(tc.Stop)
	return tc
}

// Stop shuts the server down and closes its stores. Safe to call twice.
func (tc *TestContext) Stop() {
	tc.once.Do(func() {
		tc.cancel()

		select {
		case err := <-tc.done:
			if err != nil && !errors.Is(err, context.Canceled) {
				tc.T.Errorf("server stopped with error: %v", err)
			}
		case <-time.After(15 * time.Second):
			tc.T.Errorf("server did not stop")
		}

		if err := tc.Registry.Close(); err != nil {
			tc.T.Errorf("closing registry: %v", err)
		}
	})
}

// Dial connects a client using the server's framing.
func (tc *TestContext) Dial() *client.Client {
	tc.T.Helper()

	c, err := client.Dial(context.Background(), tc.Addr, client.Options{
		Framing: tc.Config.Adapters.Box.Framing,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		tc.T.Fatalf("dial %s: %v", tc.Addr, err)
	}
	return c
}

// Signup dials, creates username and logs in.
func (tc *TestContext) Signup(username, password string) *client.Client {
	tc.T.Helper()

	c := tc.Dial()
	if err := c.Signup(username, password); err != nil {
		_ = c.Close()
		tc.T.Fatalf("signup %s: %v", username, err)
	}
	if err := c.Login(username, password); err != nil {
		_ = c.Close()
		tc.T.Fatalf("login %s: %v", username, err)
	}
	return c
}

// NewConfigLike copies cfg so a second server can run on the same data.
// The store option maps are cloned; everything else is a value.
func NewConfigLike(cfg *config.Config) *config.Config {
	c := *cfg
	c.Storage.Filesystem = maps.Clone(cfg.Storage.Filesystem)
	c.Storage.S3 = maps.Clone(cfg.Storage.S3)
	c.Accounts.Badger = maps.Clone(cfg.Accounts.Badger)
	c.Accounts.Seed = slices.Clone(cfg.Accounts.Seed)
	return &c
}

// clientFor dials without failing the test, for use from goroutines.
func clientFor(tc *TestContext) (*client.Client, error) {
	return client.Dial(context.Background(), tc.Addr, client.Options{
		Framing: tc.Config.Adapters.Box.Framing,
		Timeout: 10 * time.Second,
	})
}
