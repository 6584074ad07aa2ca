package rpc

import (
	"errors"
	"fmt"
)

// ErrNoResponse is returned when no reply arrives before the call deadline.
// It is distinct from a remote error so callers can tell a dead peer from a
// failing one.
var ErrNoResponse = errors.New("rpc: no response before deadline")

// RemoteError carries an error the remote handler returned.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote error from %s: %s", e.Method, e.Message)
}

// StreamError is an explicit producer-side failure propagated through a
// stream's error marker, or a broken transport translated into one. It is
// never ambiguous with a clean end-of-stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "rpc: stream error: " + e.Message
}
