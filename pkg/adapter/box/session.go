package box

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"runtime/debug"
	"time"

	"github.com/marmos91/dittobox/internal/logger"
	"github.com/marmos91/dittobox/internal/protocol/box"
	"github.com/marmos91/dittobox/pkg/account"
	"github.com/marmos91/dittobox/pkg/metrics"
	"github.com/marmos91/dittobox/pkg/registry"
	"github.com/marmos91/dittobox/pkg/storage"
	"github.com/marmos91/dittobox/pkg/task"
)

// sessionState is the authentication state of a session.
type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateAuthenticated
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const sessionBufferSize = 64 * 1024

// Wire messages that do not come from the task pipeline.
const (
	msgAuthFirst      = "Authenticate first with SIGNUP or LOGIN"
	msgUnknown        = "Unknown command"
	msgNoData         = "No data received"
	msgLineTooLong    = "Line too long"
	msgQuotaExceeded  = "Quota exceeded"
	msgShuttingDown   = "Server shutting down"
	msgTempFailed     = "Temp create failed"
	msgBadCredentials = "Invalid credentials"
	msgUserNotFound   = "user not found"
)

// errCloseSession ends the session without a reply.
var errCloseSession = errors.New("close session")

// Session runs the command loop of one client connection.
//
// A session starts unauthenticated. A successful LOGIN binds a username for
// the rest of the connection; SIGNUP never changes state. Every command gets
// exactly one reply before the next command is read, except QUIT and EXIT,
// which close the connection silently.
type Session struct {
	adapter *BoxAdapter
	tracked *trackedConn
	conn    net.Conn

	reader *bufio.Reader
	writer *bufio.Writer
	framer box.Framer

	accounts *account.Directory
	staging  *storage.Staging
	tasks    *task.Pool
	registry *registry.Registry
	metrics  metrics.BoxMetrics

	state    sessionState
	username string
}

func newSession(a *BoxAdapter, tc *trackedConn) *Session {
	return &Session{
		adapter:  a,
		tracked:  tc,
		conn:     tc.conn,
		reader:   bufio.NewReaderSize(tc.conn, sessionBufferSize),
		writer:   bufio.NewWriterSize(tc.conn, sessionBufferSize),
		framer:   a.framer,
		accounts: a.registry.Accounts(),
		staging:  a.registry.Staging(),
		tasks:    a.registry.TaskPool(),
		registry: a.registry,
		metrics:  a.metrics,
	}
}

// Serve reads and executes commands until the client quits, the transport
// fails or ctx is cancelled between commands. The connection is closed on
// return.
func (s *Session) Serve(ctx context.Context) {
	clientAddr := s.conn.RemoteAddr().String()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in box session from %s: %v\n%s", clientAddr, r, debug.Stack())
		}
		if s.state == stateAuthenticated {
			s.registry.RemoveSession(s.tracked.id)
		}
		s.state = stateClosed
		_ = s.conn.Close()
	}()

	logger.Debug("Box session started for %s", clientAddr)

	for {
		// The idle deadline goes on before the session is marked idle, so a
		// shutdown that interrupts it always sets the later deadline.
		if s.adapter.config.IdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.adapter.config.IdleTimeout))
		}
		s.tracked.idle.Store(true)
		if ctx.Err() != nil {
			logger.Debug("Box session for %s ended by shutdown", clientAddr)
			return
		}

		line, err := box.ReadLine(s.reader)

		s.tracked.idle.Store(false)
		if ctx.Err() != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Time{})

		if err != nil {
			if errors.Is(err, box.ErrLineTooLong) {
				if box.WriteError(s.writer, msgLineTooLong) != nil || s.writer.Flush() != nil {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) {
				logger.Debug("Box session read from %s failed: %v", clientAddr, err)
			}
			return
		}
		if line == "" {
			continue
		}

		if err := s.handleLine(ctx, line); err != nil {
			if !errors.Is(err, errCloseSession) {
				logger.Debug("Box session for %s closing: %v", clientAddr, err)
			}
			return
		}
	}
}

// handleLine executes one command and flushes its reply. A non-nil error
// ends the session.
func (s *Session) handleLine(ctx context.Context, line string) error {
	start := time.Now()

	cmd, err := box.ParseCommand(line)
	verb := cmd.Verb

	var cmdErr error
	switch {
	case err != nil && cmd.Verb == "":
		// Whitespace-only line.
		cmdErr = s.rejectUnknown()
	case s.state == stateUnauthenticated:
		cmdErr = s.dispatchUnauthenticated(ctx, cmd, err)
	default:
		cmdErr = s.dispatchAuthenticated(ctx, cmd, err)
	}

	if flushErr := s.writer.Flush(); flushErr != nil && cmdErr == nil {
		cmdErr = flushErr
	}

	if verb == "" || !isKnownVerb(verb) {
		verb = "UNKNOWN"
	}
	s.metrics.RecordCommand(verb, time.Since(start), cmdErr)
	return cmdErr
}

func isKnownVerb(verb string) bool {
	switch verb {
	case box.VerbSignup, box.VerbLogin, box.VerbUpload, box.VerbDownload,
		box.VerbDelete, box.VerbList, box.VerbQuit, box.VerbExit:
		return true
	}
	return false
}

func (s *Session) rejectUnknown() error {
	if s.state == stateUnauthenticated {
		return box.WriteError(s.writer, msgAuthFirst)
	}
	return box.WriteError(s.writer, msgUnknown)
}

func (s *Session) dispatchUnauthenticated(ctx context.Context, cmd box.Command, parseErr error) error {
	switch cmd.Verb {
	case box.VerbSignup, box.VerbLogin:
		var usage *box.UsageError
		if errors.As(parseErr, &usage) {
			return box.WriteError(s.writer, usage.Error())
		}
		if cmd.Verb == box.VerbSignup {
			return s.handleSignup(ctx, cmd)
		}
		return s.handleLogin(cmd)

	default:
		// QUIT and EXIT included: the session stays open until it logs in.
		// An unauthenticated UPLOAD does not consume its payload; the bytes
		// that follow are read as commands.
		return box.WriteError(s.writer, msgAuthFirst)
	}
}

func (s *Session) dispatchAuthenticated(ctx context.Context, cmd box.Command, parseErr error) error {
	var usage *box.UsageError
	if errors.As(parseErr, &usage) {
		return box.WriteError(s.writer, usage.Error())
	}

	switch cmd.Verb {
	case box.VerbUpload:
		return s.handleUpload(ctx, cmd.Arg(0))
	case box.VerbDownload:
		return s.handleDownload(ctx, cmd.Arg(0))
	case box.VerbDelete:
		return s.handleDelete(ctx, cmd.Arg(0))
	case box.VerbList:
		return s.handleList(ctx)
	case box.VerbQuit, box.VerbExit:
		return errCloseSession
	default:
		return box.WriteError(s.writer, msgUnknown)
	}
}

func (s *Session) handleSignup(ctx context.Context, cmd box.Command) error {
	username, password := cmd.Arg(0), cmd.Arg(1)

	if err := s.accounts.CreateAccount(ctx, username, password); err != nil {
		logger.Debug("SIGNUP %s from %s failed: %v", username, s.conn.RemoteAddr(), err)
		return box.WriteError(s.writer, task.Message(err))
	}

	logger.Info("Account %s registered from %s", username, s.conn.RemoteAddr())
	return box.WriteOK(s.writer)
}

func (s *Session) handleLogin(cmd box.Command) error {
	username, password := cmd.Arg(0), cmd.Arg(1)

	if err := s.accounts.CheckCredentials(username, password); err != nil {
		logger.Debug("LOGIN %s from %s failed: %v", username, s.conn.RemoteAddr(), err)
		return box.WriteError(s.writer, msgBadCredentials)
	}

	s.state = stateAuthenticated
	s.username = username
	s.registry.RecordSession(registry.SessionInfo{
		ID:         s.tracked.id,
		ClientAddr: s.conn.RemoteAddr().String(),
		Username:   username,
		LoginTime:  time.Now().Unix(),
	})

	logger.Debug("Session %s authenticated as %s", s.tracked.id, username)
	return box.WriteOK(s.writer)
}

// handleUpload receives the payload into a staged file, then hands it to the
// storage workers. The payload is always consumed from the stream, even
// when the upload is rejected, so the next command is read in sync.
func (s *Session) handleUpload(ctx context.Context, filename string) error {
	if err := storage.ValidateName(filename); err != nil {
		if drainErr := s.drainUpload(); drainErr != nil {
			return drainErr
		}
		return box.WriteError(s.writer, task.Message(err))
	}

	staged, err := s.staging.Create(filename)
	if err != nil {
		logger.Warn("Cannot stage upload %s/%s: %v", s.username, filename, err)
		if drainErr := s.drainUpload(); drainErr != nil {
			return drainErr
		}
		return box.WriteError(s.writer, msgTempFailed)
	}

	n, err := s.framer.ReadUpload(s.reader, staged, s.adapter.config.MaxUploadSize)
	closeErr := staged.Close()
	if err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		_ = staged.Discard()
		if errors.Is(err, box.ErrTooLarge) {
			s.metrics.RecordQuotaRejection()
			logger.Debug("Upload %s/%s rejected: %v", s.username, filename, err)
			return box.WriteError(s.writer, msgQuotaExceeded)
		}
		// The stream is no longer aligned on a command boundary.
		return err
	}
	s.metrics.RecordBytesTransferred("upload", n)

	if n == 0 {
		_ = staged.Discard()
		return box.WriteError(s.writer, msgNoData)
	}

	t := task.NewUpload(s.username, filename, staged.Path(), n)
	if err := s.submit(ctx, t); err != nil {
		if errors.Is(err, task.ErrQueueClosed) {
			_ = staged.Discard()
		}
		return err
	}

	if err := t.Err(); err != nil {
		return box.WriteError(s.writer, task.Message(err))
	}
	logger.Debug("Stored %s/%s (%d bytes)", s.username, filename, n)
	return box.WriteOK(s.writer)
}

func (s *Session) handleDownload(ctx context.Context, filename string) error {
	if err := storage.ValidateName(filename); err != nil {
		return box.WriteError(s.writer, task.Message(err))
	}

	t := task.NewDownload(s.username, filename)
	if err := s.submit(ctx, t); err != nil {
		return err
	}

	if err := t.Err(); err != nil {
		return box.WriteError(s.writer, task.Message(err))
	}

	data := t.Result()
	if err := s.framer.WriteDownload(s.writer, data); err != nil {
		return err
	}
	s.metrics.RecordBytesTransferred("download", int64(len(data)))
	return nil
}

func (s *Session) handleDelete(ctx context.Context, filename string) error {
	if err := storage.ValidateName(filename); err != nil {
		return box.WriteError(s.writer, task.Message(err))
	}

	t := task.NewDelete(s.username, filename)
	if err := s.submit(ctx, t); err != nil {
		return err
	}

	if err := t.Err(); err != nil {
		return box.WriteError(s.writer, task.Message(err))
	}
	return box.WriteOK(s.writer)
}

func (s *Session) handleList(ctx context.Context) error {
	t := task.NewList(s.username)
	if err := s.submit(ctx, t); err != nil {
		return err
	}

	if err := t.Err(); err != nil {
		msg := task.Message(err)
		if errors.Is(err, account.ErrNotFound) {
			msg = msgUserNotFound
		}
		return box.WriteError(s.writer, msg)
	}
	return s.framer.WriteList(s.writer, t.Result())
}

// submit runs t on the storage workers and waits for it. Shutdown does not
// interrupt the wait, so a command that reached the workers always gets its
// reply. A closed pool tells the client and ends the session.
func (s *Session) submit(ctx context.Context, t *task.Task) error {
	err := s.tasks.Submit(context.WithoutCancel(ctx), t)
	if errors.Is(err, task.ErrQueueClosed) {
		_ = box.WriteError(s.writer, msgShuttingDown)
		_ = s.writer.Flush()
	}
	return err
}

// drainUpload consumes a payload that will not be stored.
func (s *Session) drainUpload() error {
	_, err := s.framer.ReadUpload(s.reader, io.Discard, s.adapter.config.MaxUploadSize)
	if err != nil && !errors.Is(err, box.ErrTooLarge) {
		return err
	}
	return nil
}
