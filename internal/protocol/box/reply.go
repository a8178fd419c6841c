package box

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const (
	replyOK     = "OK"
	replyErrPfx = "ERR "
)

// WriteOK writes "OK\n".
func WriteOK(w io.Writer) error {
	_, err := io.WriteString(w, replyOK+"\n")
	return err
}

// WriteError writes "ERR <message>\n".
func WriteError(w io.Writer, message string) error {
	_, err := io.WriteString(w, replyErrPfx+message+"\n")
	return err
}

// ReadReply reads a one-line reply. It returns nil for OK, a *ServerError
// for ERR and ErrProtocol for anything else.
func ReadReply(r *bufio.Reader) error {
	line, err := ReadLine(r)
	if err != nil {
		return err
	}
	return parseReply(line)
}

func parseReply(line string) error {
	switch {
	case line == replyOK:
		return nil
	case strings.HasPrefix(line, replyErrPfx):
		return &ServerError{Message: strings.TrimPrefix(line, replyErrPfx)}
	default:
		return fmt.Errorf("unexpected reply %q: %w", line, ErrProtocol)
	}
}
