package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no response arrived in time. The backend may or
	// may not have executed the request.
	ErrTimeout = errors.New("rpc: request timed out, outcome unknown")

	// ErrConnectionLost is returned for requests pending or started while the
	// connection to the backend is down. Requests that were sent have an unknown
	// outcome.
	ErrConnectionLost = errors.New("rpc: connection lost")

	// ErrBroadcastTimeout is returned when no client acknowledged a push in time.
	// Clients may still have received it.
	ErrBroadcastTimeout = errors.New("rpc: no client acknowledged broadcast")

	ErrUnauthorized = errors.New("rpc: unauthorized")
)

// RemoteError is an error returned by the handler on the backend. Code is the
// protocol-level response code, if any, e.g. "NONEXISTENT".
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
	}
	return "remote error: " + e.Message
}

// ResponseCode returns the protocol-level response code.
func (e *RemoteError) ResponseCode() string {
	return e.Code
}

// codeError is implemented by errors with a response code for the client.
type codeError interface {
	error
	ResponseCode() string
}

func remoteErrorFor(err error) *ErrorInfo {
	var ce codeError
	if errors.As(err, &ce) {
		return &ErrorInfo{Code: ce.ResponseCode(), Message: err.Error()}
	}
	return &ErrorInfo{Message: err.Error()}
}
