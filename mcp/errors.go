package mcp

import (
	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/mcp/transport"
)

var (
	// ErrLaunch is returned when the server process could not be started.
	ErrLaunch = errors.New("failed to launch server")
	// ErrHandshake is returned when initialize failed, timed out or returned a malformed result.
	ErrHandshake = errors.New("handshake failed")

	// ErrTimeout is returned when a call received no response in time.
	// The connection stays usable.
	ErrTimeout = transport.ErrTimeout
	// ErrBrokenPipe is returned when the server went away.
	// The connection is dead and every later call fails fast.
	ErrBrokenPipe = transport.ErrBrokenPipe
	// ErrProtocol is returned when the server sent a malformed frame.
	// The connection is closed.
	ErrProtocol = transport.ErrProtocol
)

// RPCError is a JSON-RPC error object returned by the server.
type RPCError = transport.BaseJSONRPCErrorInner

// IsFatal returns true if err means the connection can no longer be used.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBrokenPipe) || errors.Is(err, ErrProtocol)
}
