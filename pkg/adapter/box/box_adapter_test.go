package box

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/dittobox/internal/protocol/box"
	"github.com/marmos91/dittobox/pkg/account"
	"github.com/marmos91/dittobox/pkg/client"
	"github.com/marmos91/dittobox/pkg/registry"
	"github.com/marmos91/dittobox/pkg/storage"
	"github.com/marmos91/dittobox/pkg/storage/fs"
	"github.com/marmos91/dittobox/pkg/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	adapter  *BoxAdapter
	registry *registry.Registry
	accounts *account.Directory
	root     string
	addr     string
	cancel   context.CancelFunc
	done     chan error
}

func startHarness(t *testing.T, cfg BoxConfig, quota int64) *harness {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()

	content, err := fs.NewFSContentStore(ctx, filepath.Join(root, "storage"))
	require.NoError(t, err)
	staging, err := storage.NewStaging(filepath.Join(root, "tmp_storage"))
	require.NoError(t, err)
	accounts := account.NewDirectory(account.Options{Provision: content.Provision})

	pool := task.NewPool(2, task.NewExecutor(task.ExecutorConfig{
		Accounts:   accounts,
		Content:    content,
		Staging:    staging,
		QuotaLimit: quota,
	}), nil)
	pool.Start(ctx)

	reg := registry.NewRegistry()
	require.NoError(t, reg.SetAccounts(accounts))
	require.NoError(t, reg.RegisterContentStore("fs", content))
	require.NoError(t, reg.SetStaging(staging))
	require.NoError(t, reg.SetTaskPool(pool))

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	adapter := New(cfg, nil)
	adapter.SetRegistry(reg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serveCtx, cancel := context.WithCancel(context.Background())
	h := &harness{
		adapter:  adapter,
		registry: reg,
		accounts: accounts,
		root:     root,
		addr:     ln.Addr().String(),
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	go func() { h.done <- adapter.ServeListener(serveCtx, ln) }()

	select {
	case <-adapter.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("adapter did not start")
	}

	t.Cleanup(func() {
		h.stop(t)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = pool.Stop(stopCtx)
		_ = reg.Close()
	})
	return h
}

func (h *harness) stop(t *testing.T) {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Error("adapter did not stop")
	}
}

func (h *harness) dial(t *testing.T, framing string) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), h.addr, client.Options{Framing: framing, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// rawConn is a connection driven byte by byte.
type rawConn struct {
	t *testing.T
	net.Conn
	r *bufio.Reader
}

func (h *harness) dialRaw(t *testing.T) *rawConn {
	t.Helper()
	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &rawConn{t: t, Conn: conn, r: bufio.NewReader(conn)}
}

func (c *rawConn) send(s string) {
	c.t.Helper()
	_, err := io.WriteString(c.Conn, s)
	require.NoError(c.t, err)
}

func (c *rawConn) line() string {
	c.t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	s, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return s
}

func (c *rawConn) exactly(n int) string {
	c.t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, n)
	_, err := io.ReadFull(c.r, buf)
	require.NoError(c.t, err)
	return string(buf)
}

// silent asserts that nothing arrives within d.
func (c *rawConn) silent(d time.Duration) {
	c.t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(d))
	_, err := c.r.Peek(1)
	var ne net.Error
	require.ErrorAs(c.t, err, &ne, "expected no reply yet")
	require.True(c.t, ne.Timeout())
}

func TestEndToEndSentinelWire(t *testing.T) {
	h := startHarness(t, BoxConfig{}, 50<<20)
	c := h.dialRaw(t)

	c.send("SIGNUP alice secret\n")
	assert.Equal(t, "OK\n", c.line())

	c.send("LOGIN alice secret\r\n")
	assert.Equal(t, "OK\n", c.line())

	c.send("UPLOAD notes.txt\nhelloEOF")
	assert.Equal(t, "OK\n", c.line())

	c.send("LIST\n")
	assert.Equal(t, "Storage used: 5 bytes\n", c.line())
	assert.Equal(t, "notes.txt (5 bytes)\n", c.line())
	assert.Equal(t, "END_OF_LIST\n", c.line())

	c.send("DOWNLOAD notes.txt\n")
	assert.Equal(t, "helloEOF", c.exactly(8))

	c.send("DELETE notes.txt\n")
	assert.Equal(t, "OK\n", c.line())

	c.send("LIST\n")
	assert.Equal(t, "Storage used: 0 bytes\n", c.line())
	assert.Equal(t, "END_OF_LIST\n", c.line())

	c.send("QUIT\n")
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := c.r.ReadByte()
	assert.ErrorIs(t, err, io.EOF, "QUIT closes without a reply")

	_, err = os.Stat(filepath.Join(h.root, "storage", "alice", "notes.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestEndToEndClient(t *testing.T) {
	for _, framing := range []string{box.FramingSentinel, box.FramingLength} {
		t.Run(framing, func(t *testing.T) {
			h := startHarness(t, BoxConfig{Framing: framing}, 50<<20)
			c := h.dial(t, framing)

			require.NoError(t, c.Signup("alice", "secret"))
			require.NoError(t, c.Login("alice", "secret"))
			require.NoError(t, c.Upload("notes.txt", []byte("hello")))

			report, err := c.List()
			require.NoError(t, err)
			assert.Equal(t, "Storage used: 5 bytes\nnotes.txt (5 bytes)\n", report)

			data, err := c.Download("notes.txt")
			require.NoError(t, err)
			assert.Equal(t, "hello", string(data))

			require.NoError(t, c.Delete("notes.txt"))

			report, err = c.List()
			require.NoError(t, err)
			assert.Equal(t, "Storage used: 0 bytes\n", report)

			assert.NoError(t, c.Quit())
		})
	}
}

func TestLengthFramingIsBinarySafe(t *testing.T) {
	h := startHarness(t, BoxConfig{Framing: box.FramingLength}, 50<<20)
	c := h.dial(t, box.FramingLength)

	require.NoError(t, c.Signup("alice", "secret"))
	require.NoError(t, c.Login("alice", "secret"))

	payload := []byte("before EOF after\x00\nEND_OF_LIST\n")
	require.NoError(t, c.Upload("blob.bin", payload))

	got, err := c.Download("blob.bin")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestUploadLongestFilename(t *testing.T) {
	h := startHarness(t, BoxConfig{}, 50<<20)
	c := h.dial(t, box.FramingSentinel)

	require.NoError(t, c.Signup("alice", "secret"))
	require.NoError(t, c.Login("alice", "secret"))

	name := strings.Repeat("f", storage.MaxNameLength)
	require.NoError(t, c.Upload(name, []byte("long")))

	got, err := c.Download(name)
	require.NoError(t, err)
	assert.Equal(t, []byte("long"), got)
	require.NoError(t, c.Delete(name))
}

func TestSentinelPayloadSplitAcrossWrites(t *testing.T) {
	h := startHarness(t, BoxConfig{}, 50<<20)
	c := h.dialRaw(t)

	c.send("SIGNUP alice secret\nLOGIN alice secret\n")
	assert.Equal(t, "OK\n", c.line())
	assert.Equal(t, "OK\n", c.line())

	c.send("UPLOAD a.txt\nabcE")
	time.Sleep(20 * time.Millisecond)
	c.send("OF")
	assert.Equal(t, "OK\n", c.line())

	c.send("LIST\n")
	assert.Equal(t, "Storage used: 3 bytes\n", c.line())
	assert.Equal(t, "a.txt (3 bytes)\n", c.line())
	assert.Equal(t, "END_OF_LIST\n", c.line())
}

func TestSentinelPayloadTailIsNotExecuted(t *testing.T) {
	h := startHarness(t, BoxConfig{}, 50<<20)
	c := h.dialRaw(t)

	c.send("SIGNUP alice secret\nLOGIN alice secret\n")
	assert.Equal(t, "OK\n", c.line())
	assert.Equal(t, "OK\n", c.line())

	c.send("UPLOAD keep.txt\nkeepEOF")
	assert.Equal(t, "OK\n", c.line())

	// The payload contains the sentinel followed by text that looks like a
	// command. Only the upload is answered.
	c.send("UPLOAD a.txt\nheaderEOF\nDELETE keep.txt\n")
	assert.Equal(t, "OK\n", c.line())
	c.silent(100 * time.Millisecond)

	_, err := os.Stat(filepath.Join(h.root, "storage", "alice", "keep.txt"))
	require.NoError(t, err)

	c.send("LIST\n")
	assert.Equal(t, "Storage used: 10 bytes\n", c.line())
	assert.Equal(t, "a.txt (6 bytes)\n", c.line())
	assert.Equal(t, "keep.txt (4 bytes)\n", c.line())
	assert.Equal(t, "END_OF_LIST\n", c.line())
}

func TestUnauthenticatedState(t *testing.T) {
	h := startHarness(t, BoxConfig{}, 50<<20)
	c := h.dialRaw(t)

	for _, cmd := range []string{"LIST", "UPLOAD x", "DOWNLOAD x", "DELETE x", "BOGUS", "   ", "QUIT", "EXIT"} {
		c.send(cmd + "\n")
		assert.Equal(t, "ERR Authenticate first with SIGNUP or LOGIN\n", c.line(), cmd)
	}

	c.send("SIGNUP alice\n")
	assert.Equal(t, "ERR Usage: SIGNUP <user> <pass>\n", c.line())

	c.send("LOGIN\n")
	assert.Equal(t, "ERR Usage: LOGIN <user> <pass>\n", c.line())

	c.send("LOGIN alice secret\n")
	assert.Equal(t, "ERR Invalid credentials\n", c.line(), "unknown user")

	c.send("SIGNUP alice secret extra args\n")
	assert.Equal(t, "OK\n", c.line())

	c.send("SIGNUP alice other\n")
	assert.Equal(t, "ERR User exists\n", c.line())

	c.send("LOGIN alice wrong\n")
	assert.Equal(t, "ERR Invalid credentials\n", c.line())

	// Blank lines are skipped without a reply.
	c.send("\n\r\nSIGNUP ../x pw\n")
	assert.Equal(t, "ERR Invalid username\n", c.line())

	c.send("LIST\n")
	assert.Equal(t, "ERR Authenticate first with SIGNUP or LOGIN\n", c.line(), "SIGNUP does not log in")
}

func TestAuthenticatedState(t *testing.T) {
	h := startHarness(t, BoxConfig{}, 50<<20)
	c := h.dialRaw(t)

	c.send("SIGNUP alice secret\nLOGIN alice secret\n")
	c.line()
	c.line()
	assert.Eventually(t, func() bool { return h.registry.CountSessions() == 1 }, time.Second, 10*time.Millisecond)

	c.send("LOGIN alice secret\n")
	assert.Equal(t, "ERR Unknown command\n", c.line())

	c.send("FROB\n")
	assert.Equal(t, "ERR Unknown command\n", c.line())

	c.send("UPLOAD\n")
	assert.Equal(t, "ERR Usage: UPLOAD <filename>\n", c.line())

	c.send("DOWNLOAD missing.txt\n")
	assert.Equal(t, "ERR File not found\n", c.line())

	c.send("DELETE missing.txt\n")
	assert.Equal(t, "ERR File not found\n", c.line())

	c.send("UPLOAD empty.txt\nEOF")
	assert.Equal(t, "ERR No data received\n", c.line())

	c.send("UPLOAD ..\nxyzEOF")
	assert.Equal(t, "ERR Invalid filename\n", c.line())

	c.send("DOWNLOAD ..\n")
	assert.Equal(t, "ERR Invalid filename\n", c.line())

	c.send(strings.Repeat("A", box.MaxLineLength+10) + "\n")
	assert.Equal(t, "ERR Line too long\n", c.line())

	// The session is still in sync after every rejection.
	c.send("UPLOAD ok.txt\nfineEOF")
	assert.Equal(t, "OK\n", c.line())

	c.send("EXIT\n")
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := c.r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)

	assert.Eventually(t, func() bool { return h.registry.CountSessions() == 0 }, time.Second, 10*time.Millisecond)

	entries, err := os.ReadDir(filepath.Join(h.root, "tmp_storage"))
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected uploads leave no staged files")
}

func TestStagingFailureKeepsSessionInSync(t *testing.T) {
	h := startHarness(t, BoxConfig{}, 50<<20)
	c := h.dialRaw(t)

	c.send("SIGNUP alice secret\nLOGIN alice secret\n")
	c.line()
	c.line()

	stagingDir := filepath.Join(h.root, "tmp_storage")
	require.NoError(t, os.RemoveAll(stagingDir))

	c.send("UPLOAD a.txt\nlostEOF")
	assert.Equal(t, "ERR Temp create failed\n", c.line())

	require.NoError(t, os.MkdirAll(stagingDir, 0o755))
	c.send("UPLOAD b.txt\nkeptEOF")
	assert.Equal(t, "OK\n", c.line())

	c.send("LIST\n")
	assert.Equal(t, "Storage used: 4 bytes\n", c.line())
	assert.Equal(t, "b.txt (4 bytes)\n", c.line())
	assert.Equal(t, "END_OF_LIST\n", c.line())
}

func TestQuotaRejection(t *testing.T) {
	h := startHarness(t, BoxConfig{}, 10)
	c := h.dial(t, box.FramingSentinel)

	require.NoError(t, c.Signup("alice", "secret"))
	require.NoError(t, c.Login("alice", "secret"))
	require.NoError(t, c.Upload("a", []byte("123456")))

	err := c.Upload("b", []byte("123456"))
	var se *box.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Quota exceeded", se.Message)

	report, err := c.List()
	require.NoError(t, err)
	assert.Equal(t, "Storage used: 6 bytes\na (6 bytes)\n", report)
}

func TestMaxUploadSize(t *testing.T) {
	h := startHarness(t, BoxConfig{MaxUploadSize: 4}, 0)
	c := h.dial(t, box.FramingSentinel)

	require.NoError(t, c.Signup("alice", "secret"))
	require.NoError(t, c.Login("alice", "secret"))

	err := c.Upload("big", []byte("0123456789"))
	var se *box.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Quota exceeded", se.Message)

	require.NoError(t, c.Upload("small", []byte("0123")))

	u, err := h.accounts.Usage("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(4), u.QuotaUsed)
}

// With one client worker and one admission slot, the second client waits in
// the queue and the third holds the acceptor. Nobody is dropped: each is
// served in turn and sees every reply.
func TestAdmissionSaturationDoesNotDrop(t *testing.T) {
	h := startHarness(t, BoxConfig{ClientWorkers: 1, AdmissionCapacity: 1}, 50<<20)

	a := h.dialRaw(t)
	a.send("SIGNUP alice secret\nLOGIN alice secret\n")
	require.Equal(t, "OK\n", a.line())
	require.Equal(t, "OK\n", a.line())

	b := h.dialRaw(t)
	b.send("SIGNUP bob secret\nLOGIN bob secret\n")
	assert.Eventually(t, func() bool { return h.adapter.QueuedConnections() == 1 }, 2*time.Second, 10*time.Millisecond)

	c := h.dialRaw(t)
	c.send("SIGNUP carol secret\n")

	b.silent(100 * time.Millisecond)
	c.silent(100 * time.Millisecond)

	a.send("QUIT\n")

	assert.Equal(t, "OK\n", b.line())
	assert.Equal(t, "OK\n", b.line())
	c.silent(50 * time.Millisecond)

	b.send("UPLOAD b.txt\nfrom bobEOF")
	assert.Equal(t, "OK\n", b.line())
	b.send("QUIT\n")

	assert.Equal(t, "OK\n", c.line())
	assert.True(t, h.accounts.Exists("carol"))
}

func TestShutdownInterruptsIdleSessions(t *testing.T) {
	h := startHarness(t, BoxConfig{ShutdownTimeout: 10 * time.Second}, 50<<20)

	c := h.dialRaw(t)
	c.send("SIGNUP alice secret\n")
	require.Equal(t, "OK\n", c.line())
	assert.Eventually(t, func() bool { return h.adapter.GetActiveSessions() == 1 }, time.Second, 10*time.Millisecond)

	start := time.Now()
	h.cancel()

	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown waited for an idle session")
	}
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Zero(t, h.adapter.GetActiveConnections())

	// Put the result back for the cleanup hook.
	h.done <- nil
}

func TestShutdownInterruptsSessionsWithIdleTimeout(t *testing.T) {
	h := startHarness(t, BoxConfig{ClientWorkers: 4, IdleTimeout: time.Minute, ShutdownTimeout: 10 * time.Second}, 50<<20)

	conns := make([]*rawConn, 4)
	for i := range conns {
		conns[i] = h.dialRaw(t)
	}
	// Each session replies, then waits for the next command under its idle deadline.
	for _, c := range conns {
		c.send("LIST\nLIST\nLIST\n")
	}
	assert.Eventually(t, func() bool { return h.adapter.GetActiveSessions() == int32(len(conns)) }, time.Second, 10*time.Millisecond)

	start := time.Now()
	h.cancel()

	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown waited for the idle timeout")
	}
	assert.Less(t, time.Since(start), 5*time.Second)

	h.done <- nil
}

func TestIdleTimeoutClosesSession(t *testing.T) {
	h := startHarness(t, BoxConfig{IdleTimeout: 100 * time.Millisecond}, 50<<20)

	c := h.dialRaw(t)
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := c.r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestConfigDefaults(t *testing.T) {
	a := New(BoxConfig{Port: 9000}, nil)

	assert.Equal(t, 4, a.config.ClientWorkers)
	assert.Equal(t, 256, a.config.AdmissionCapacity)
	assert.Equal(t, box.FramingSentinel, a.framer.Name())
	assert.Equal(t, 30*time.Second, a.config.ShutdownTimeout)
	assert.Equal(t, 9000, a.Port())
	assert.Equal(t, "BOX", a.Protocol())

	b := New(BoxConfig{AcceptRate: 2.5}, nil)
	assert.Equal(t, 3, b.config.AcceptBurst)
	assert.NotNil(t, b.limiter)
}

func TestConfigValidation(t *testing.T) {
	for name, cfg := range map[string]BoxConfig{
		"port":      {Port: 70000},
		"framing":   {Framing: "chunked"},
		"upload":    {MaxUploadSize: -1},
		"idle":      {IdleTimeout: -time.Second},
		"rate":      {AcceptRate: -1},
		"workers":   {ClientWorkers: -1},
		"admission": {AdmissionCapacity: -1},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Panics(t, func() { New(cfg, nil) })
		})
	}
}

func TestServeRequiresRegistry(t *testing.T) {
	a := New(BoxConfig{}, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	assert.Error(t, a.ServeListener(context.Background(), ln))

	a.SetRegistry(registry.NewRegistry())
	ln, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Error(t, a.ServeListener(context.Background(), ln), "incomplete registry")
}
