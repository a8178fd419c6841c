package box

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// LengthFramer prefixes every payload with its size as an XDR unsigned
// hyper (8 bytes, big-endian). Payloads may contain any bytes.
//
// Upload:   <8-byte length><payload>
// Download: OK\n<8-byte length><payload>   or   ERR <message>\n
// List:     OK\n<8-byte length><report>    or   ERR <message>\n
type LengthFramer struct{}

func (LengthFramer) Name() string { return FramingLength }

func writeLength(w io.Writer, n uint64) error {
	_, err := xdr.Marshal(w, n)
	return err
}

func readLength(r io.Reader) (uint64, error) {
	var n uint64
	if _, err := xdr.Unmarshal(r, &n); err != nil {
		return 0, fmt.Errorf("read length header: %w", err)
	}
	return n, nil
}

// ReadUpload reads the header and exactly that many bytes. An oversized
// payload is drained without being written.
func (LengthFramer) ReadUpload(r *bufio.Reader, dst io.Writer, limit int64) (int64, error) {
	size, err := readLength(r)
	if err != nil {
		return 0, err
	}
	if size > 1<<62 {
		return 0, fmt.Errorf("length %d: %w", size, ErrProtocol)
	}

	lw := &limitedWriter{w: dst, limit: limit}
	if limit > 0 && int64(size) > limit {
		// Skip straight to draining.
		lw.tooMuch = true
	}
	if _, err := io.CopyN(lw, r, int64(size)); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return lw.n, fmt.Errorf("read payload: %w", err)
	}
	return lw.result()
}

func (f LengthFramer) writePayload(w io.Writer, data []byte) error {
	if err := WriteOK(w); err != nil {
		return err
	}
	if err := writeLength(w, uint64(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func (f LengthFramer) WriteDownload(w io.Writer, data []byte) error {
	return f.writePayload(w, data)
}

func (f LengthFramer) WriteList(w io.Writer, report []byte) error {
	return f.writePayload(w, report)
}

func (LengthFramer) WriteUpload(w io.Writer, src io.Reader, size int64) error {
	if err := writeLength(w, uint64(size)); err != nil {
		return err
	}
	_, err := io.CopyN(w, src, size)
	return err
}

func (LengthFramer) readPayload(r *bufio.Reader) ([]byte, error) {
	if err := ReadReply(r); err != nil {
		return nil, err
	}
	size, err := readLength(r)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, int64(size)); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return buf.Bytes(), nil
}

func (f LengthFramer) ReadDownload(r *bufio.Reader) ([]byte, error) {
	return f.readPayload(r)
}

func (f LengthFramer) ReadList(r *bufio.Reader) (string, error) {
	data, err := f.readPayload(r)
	return string(data), err
}
