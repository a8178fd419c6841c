package box

import (
	"bufio"
	"fmt"
	"io"
)

// Framing names accepted by NewFramer.
const (
	FramingSentinel = "sentinel"
	FramingLength   = "length"
)

// Framer delimits file payloads and multi-line reports on the wire.
//
// The server side uses ReadUpload, WriteDownload and WriteList; the client
// side uses the mirror operations. Both ends of a connection must agree on
// the framing; nothing on the wire negotiates it.
type Framer interface {
	// Name returns the framing name (FramingSentinel or FramingLength).
	Name() string

	// ReadUpload copies one upload payload from r to dst and returns the
	// number of payload bytes. Once more than limit bytes have arrived the
	// rest of the payload is drained and ErrTooLarge is returned. A
	// limit <= 0 disables the check.
	ReadUpload(r *bufio.Reader, dst io.Writer, limit int64) (int64, error)

	// WriteDownload writes a successful DOWNLOAD reply carrying data.
	WriteDownload(w io.Writer, data []byte) error

	// WriteList writes a successful LIST reply carrying report.
	WriteList(w io.Writer, report []byte) error

	// WriteUpload writes size bytes from src as an upload payload.
	WriteUpload(w io.Writer, src io.Reader, size int64) error

	// ReadDownload reads a DOWNLOAD reply. An ERR reply is returned as a
	// *ServerError.
	ReadDownload(r *bufio.Reader) ([]byte, error)

	// ReadList reads a LIST reply. An ERR reply is returned as a
	// *ServerError.
	ReadList(r *bufio.Reader) (string, error)
}

// NewFramer returns the framer registered under name. An empty name selects
// sentinel framing.
func NewFramer(name string) (Framer, error) {
	switch name {
	case "", FramingSentinel:
		return SentinelFramer{}, nil
	case FramingLength:
		return LengthFramer{}, nil
	default:
		return nil, fmt.Errorf("unknown framing %q (want %q or %q)", name, FramingSentinel, FramingLength)
	}
}

// limitedWriter forwards writes to w until more than limit bytes have been
// seen, then discards. It always reports full writes so io.Copy keeps
// draining the source.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	n       int64
	tooMuch bool
	err     error
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	lw.n += int64(len(p))
	if lw.tooMuch || lw.err != nil {
		return len(p), nil
	}
	if lw.limit > 0 && lw.n > lw.limit {
		lw.tooMuch = true
		return len(p), nil
	}
	if _, err := lw.w.Write(p); err != nil {
		lw.err = err
	}
	return len(p), nil
}

// result reports the outcome once the payload has been fully consumed.
func (lw *limitedWriter) result() (int64, error) {
	switch {
	case lw.tooMuch:
		return lw.n, fmt.Errorf("%d bytes over limit %d: %w", lw.n, lw.limit, ErrTooLarge)
	case lw.err != nil:
		return lw.n, fmt.Errorf("write payload: %w", lw.err)
	default:
		return lw.n, nil
	}
}
