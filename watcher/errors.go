package watcher

import (
	"errors"
	"fmt"
)

// ErrClosed is returned once the connection to the watcher has been closed, by either side.
var ErrClosed = errors.New("watcher connection closed")

// RemoteEvaluationError is returned when the watcher replies with an error.
// Message is the watcher's error text, verbatim.
type RemoteEvaluationError struct {
	Message string
}

func (e *RemoteEvaluationError) Error() string {
	return fmt.Sprintf("remote evaluation failed: %s", e.Message)
}

// TransportError is returned when the connection fails, times out or is closed during an exchange.
// After a TransportError caused by the connection going away, the client must be recreated.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("watcher transport error during %s: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
