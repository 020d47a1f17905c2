package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by request/response calls while no session is established.
	ErrNotConnected = errors.New("transport not connected")

	// ErrDisconnected is returned to requests that were in flight when the session dropped.
	ErrDisconnected = errors.New("transport disconnected")

	// ErrUnsupportedEnvelope marks envelope types that do not map to channel events.
	ErrUnsupportedEnvelope = errors.New("unsupported envelope")
)

// RemoteError is an error envelope returned by the server for a request.
type RemoteError struct {
	Code    string
	Message string
}

func (e RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// DecodeError wraps a payload that could not be decoded.
type DecodeError struct {
	Type string
	Err  error
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Type, e.Err)
}

func (e DecodeError) Unwrap() error { return e.Err }
