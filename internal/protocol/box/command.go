// Package box implements the wire format of the box file-storage protocol.
//
// Commands are newline-terminated text lines:
//
//	SIGNUP <user> <pass>
//	LOGIN <user> <pass>
//	UPLOAD <filename>        (followed by the framed payload)
//	DOWNLOAD <filename>
//	DELETE <filename>
//	LIST
//	QUIT | EXIT
//
// Replies are "OK\n" or "ERR <message>\n", except for successful DOWNLOAD
// and LIST, whose payload framing depends on the configured Framer.
package box

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Command verbs.
const (
	VerbSignup   = "SIGNUP"
	VerbLogin    = "LOGIN"
	VerbUpload   = "UPLOAD"
	VerbDownload = "DOWNLOAD"
	VerbDelete   = "DELETE"
	VerbList     = "LIST"
	VerbQuit     = "QUIT"
	VerbExit     = "EXIT"
)

// MaxLineLength bounds a command line, terminator included.
const MaxLineLength = 4096

// Command is a parsed command line.
type Command struct {
	Verb string
	Args []string
}

// UsageError reports a known verb with missing arguments.
type UsageError struct {
	Usage string
}

func (e *UsageError) Error() string {
	return "Usage: " + e.Usage
}

var usages = map[string]string{
	VerbSignup:   "SIGNUP <user> <pass>",
	VerbLogin:    "LOGIN <user> <pass>",
	VerbUpload:   "UPLOAD <filename>",
	VerbDownload: "DOWNLOAD <filename>",
	VerbDelete:   "DELETE <filename>",
}

var arity = map[string]int{
	VerbSignup:   2,
	VerbLogin:    2,
	VerbUpload:   1,
	VerbDownload: 1,
	VerbDelete:   1,
	VerbList:     0,
	VerbQuit:     0,
	VerbExit:     0,
}

// ParseCommand splits a line (already stripped of its terminator) into verb
// and arguments. Arguments are whitespace-separated; extra arguments are
// ignored. Verbs are case-sensitive.
//
// Returns a *UsageError when a known verb lacks arguments. Unknown verbs
// parse successfully; the session decides how to reject them.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty command line: %w", ErrProtocol)
	}

	cmd := Command{Verb: fields[0], Args: fields[1:]}
	if n, ok := arity[cmd.Verb]; ok {
		if len(cmd.Args) < n {
			return cmd, &UsageError{Usage: usages[cmd.Verb]}
		}
		cmd.Args = cmd.Args[:n]
	}
	return cmd, nil
}

// Arg returns the i-th argument or "".
func (c Command) Arg(i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

// String renders the command for logging, masking passwords.
func (c Command) String() string {
	switch c.Verb {
	case VerbSignup, VerbLogin:
		return c.Verb + " " + c.Arg(0) + " ****"
	}
	if len(c.Args) == 0 {
		return c.Verb
	}
	return c.Verb + " " + strings.Join(c.Args, " ")
}

// ReadLine reads one command line and strips trailing CR/LF characters.
//
// A line longer than MaxLineLength is consumed up to its newline and
// reported as ErrLineTooLong, so the stream stays aligned on the next
// command. A stream ending without a newline returns the partial line with
// io.EOF.
func ReadLine(r *bufio.Reader) (string, error) {
	var buf []byte
	tooLong := false

	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			buf = append(buf, chunk...)
			if len(buf) > MaxLineLength {
				tooLong = true
				buf = nil
			}
		}

		switch {
		case err == nil:
			if tooLong {
				return "", ErrLineTooLong
			}
			return string(bytes.TrimRight(buf, "\r\n")), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			if tooLong {
				return "", err
			}
			return string(bytes.TrimRight(buf, "\r\n")), err
		}
	}
}
