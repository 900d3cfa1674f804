// Package transport defines the JSON-RPC 2.0 message model shared by all
// MCP transports, and the Transport interface they implement.
package transport

import (
	"context"
)

// Transport describes the minimal contract for a MCP transport that a client or server can communicate over.
type Transport interface {
	// Start starts processing messages on the transport, including any connection steps that might need to be taken.
	//
	// This method should only be called after callbacks are installed, or else messages may be lost.
	Start(ctx context.Context) error

	// Send sends a JSON-RPC message (request, notification or response).
	// Implementations must keep each message whole when called concurrently.
	Send(ctx context.Context, message *BaseJsonRpcMessage) error

	// Close closes the connection. It is safe to call more than once.
	Close() error

	// SetCloseHandler sets the callback for when the connection is closed for any reason.
	// This should be invoked when Close() is called as well.
	SetCloseHandler(handler func())

	// SetErrorHandler sets the callback for when an error occurs.
	// Errors wrapping ErrProtocol are fatal and are followed by the close callback.
	SetErrorHandler(handler func(error))

	// SetMessageHandler sets the callback for when a message (request, notification or response) is received over the connection.
	SetMessageHandler(handler func(ctx context.Context, message *BaseJsonRpcMessage))
}
