package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned when the bridge is not attached to a worker.
	ErrNotRunning = errors.New("worker not running")

	// ErrChannelUnavailable is returned when the bridge is active but has no
	// outbound writer. This indicates a wiring bug in the host.
	ErrChannelUnavailable = errors.New("worker stdin channel not available")

	// ErrTimeout is returned when no response arrives within the call timeout.
	ErrTimeout = errors.New("request timeout")

	// ErrCancelled is returned to in-flight calls when the bridge stops.
	ErrCancelled = errors.New("request cancelled: bridge stopped")

	// ErrSerialization is returned when a request cannot be encoded.
	ErrSerialization = errors.New("serialization error")
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is an error object reported by the worker.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (data: %s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsRemote reports whether err carries an error object from the worker and
// returns it.
func IsRemote(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
