package transport

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrTimeout is returned when no response arrived within the per-call deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrBrokenPipe is returned when the peer went away: the process exited,
	// its stdout reached EOF, or a write failed.
	ErrBrokenPipe = errors.New("broken pipe")
	// ErrProtocol is returned when the peer sent a frame that is not valid JSON-RPC.
	ErrProtocol = errors.New("protocol error")
)

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error makes a JSON-RPC error object usable as a Go error.
func (e *BaseJSONRPCErrorInner) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}
