package box

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Sentinel markers.
const (
	PayloadSentinel = "EOF"
	ListTerminator  = "END_OF_LIST"
)

var payloadSentinel = []byte(PayloadSentinel)

// SentinelFramer is the default wire format: a payload ends at the first
// occurrence of "EOF" and a LIST report ends with an "END_OF_LIST" line.
//
// The format is not binary-safe. A payload containing the bytes "EOF" is
// truncated at that point. Whatever else arrived with the sentinel is
// dropped, so the remainder of such a payload is never parsed as commands;
// bytes the peer sends after that belong to the next command.
type SentinelFramer struct{}

func (SentinelFramer) Name() string { return FramingSentinel }

// ReadUpload copies bytes until the sentinel. The sentinel and every byte
// buffered after it, the rest of the chunk it arrived in, are discarded.
// The marker is found even when it straddles two reads from the connection.
func (SentinelFramer) ReadUpload(r *bufio.Reader, dst io.Writer, limit int64) (int64, error) {
	lw := &limitedWriter{w: dst, limit: limit}

	want := 1
	for {
		buf, err := r.Peek(want)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return lw.n, fmt.Errorf("payload ended before %q: %w", PayloadSentinel, err)
		}

		// Look at everything already buffered, not just what was asked for.
		if n := r.Buffered(); n > len(buf) {
			buf, _ = r.Peek(n)
		}

		if i := bytes.Index(buf, payloadSentinel); i >= 0 {
			_, _ = lw.Write(buf[:i])
			// buf spans everything buffered.
			_, _ = r.Discard(len(buf))
			return lw.result()
		}

		// Hold back a suffix that may be the start of a split sentinel.
		keep := partialSentinel(buf)
		flush := len(buf) - keep
		if flush == 0 {
			want = len(buf) + 1
			continue
		}

		_, _ = lw.Write(buf[:flush])
		_, _ = r.Discard(flush)
		want = 1
	}
}

// partialSentinel returns the length of the longest proper prefix of the
// sentinel that buf ends with.
func partialSentinel(buf []byte) int {
	for k := len(payloadSentinel) - 1; k > 0; k-- {
		if len(buf) >= k && bytes.Equal(buf[len(buf)-k:], payloadSentinel[:k]) {
			return k
		}
	}
	return 0
}

func (SentinelFramer) WriteDownload(w io.Writer, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := io.WriteString(w, PayloadSentinel)
	return err
}

func (SentinelFramer) WriteList(w io.Writer, report []byte) error {
	if _, err := w.Write(report); err != nil {
		return err
	}
	_, err := io.WriteString(w, ListTerminator+"\n")
	return err
}

func (SentinelFramer) WriteUpload(w io.Writer, src io.Reader, size int64) error {
	if _, err := io.CopyN(w, src, size); err != nil {
		return err
	}
	_, err := io.WriteString(w, PayloadSentinel)
	return err
}

// ReadDownload distinguishes an error reply from file content by its
// "ERR " prefix. A file that itself begins with "ERR " is misread; this is
// inherent to the format.
func (f SentinelFramer) ReadDownload(r *bufio.Reader) ([]byte, error) {
	head, err := r.Peek(len(PayloadSentinel))
	if err != nil {
		return nil, err
	}
	if string(head) != PayloadSentinel {
		head, err = r.Peek(len(replyErrPfx))
		if err != nil {
			return nil, err
		}
		if string(head) == replyErrPfx {
			return nil, ReadReply(r)
		}
	}

	var buf bytes.Buffer
	if _, err := f.ReadUpload(r, &buf, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (SentinelFramer) ReadList(r *bufio.Reader) (string, error) {
	var b strings.Builder
	first := true
	for {
		line, err := ReadLine(r)
		if err != nil {
			return "", err
		}
		if first && strings.HasPrefix(line, replyErrPfx) {
			return "", parseReply(line)
		}
		first = false
		if line == ListTerminator {
			return b.String(), nil
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
}
