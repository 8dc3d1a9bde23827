package filesync

import (
	"errors"
	"fmt"
)

// errors.go provides all custom error types for the filesync package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)
//   server-reported errors additionally carry the server message and can be
//   inspected with errors.As(err, *RemoteError)

// protocol violations on the inbound side, and connection loss
var (
	ErrDecode           = errors.New("invalid frame")
	ErrUnexpectedEvent  = errors.New("unexpected terminal event")
	ErrConnectionClosed = errors.New("connection closed")
)

// misuse of the public api
var (
	ErrEventsConsumed = errors.New("events already being consumed")
	ErrFileClosed     = errors.New("file is closed")
)

// end of a file stream after close and drain
var ErrStreamClosed = errors.New("stream closed")

// RemoteError is an `error` event sent by the server in response to a command.
// The message is the server text verbatim.
type RemoteError struct {
	Message string
	Path    string
}

func (self *RemoteError) Error() string {
	if self.Path != "" {
		return fmt.Sprintf("remote error (%s): %s", self.Path, self.Message)
	}
	return fmt.Sprintf("remote error: %s", self.Message)
}
