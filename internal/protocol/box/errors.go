package box

import "errors"

var (
	// ErrProtocol indicates bytes on the wire that do not follow the protocol.
	ErrProtocol = errors.New("protocol violation")

	// ErrLineTooLong indicates a command line exceeding MaxLineLength.
	ErrLineTooLong = errors.New("line too long")

	// ErrTooLarge indicates an upload payload above the configured limit.
	// The payload has been drained from the stream.
	ErrTooLarge = errors.New("payload too large")
)

// ServerError is an "ERR <message>" reply received by a client.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}
