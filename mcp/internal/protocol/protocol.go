// Package protocol implements JSON-RPC request/response correlation on top
// of a pluggable transport.
//
// Every outgoing request gets a fresh id from a monotonic per-protocol
// counter and a one-slot channel registered in the pending table. The
// transport's reader delivers responses by id; the pending entry is removed
// on first delivery, on timeout, on cancellation and on close, so each
// request observes at most one result and late responses are dropped.
//
// Thread Safety:
//   - All public methods are safe for concurrent use
//   - Handlers run on the transport's reader goroutine or their own goroutine
package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolhost/mcp/internal", "protocol")

// DefaultRequestTimeout is used when a request does not specify one.
const DefaultRequestTimeout = 60 * time.Second

// notifyTimeout bounds the messages sent without a caller waiting on them
const notifyTimeout = 5 * time.Second

// RequestHandler answers a request sent by the remote side.
type RequestHandler func(ctx context.Context, request *transport.BaseJSONRPCRequest) (transport.JsonRpcBody, error)

// NotificationHandler handles a notification sent by the remote side.
type NotificationHandler func(notification *transport.BaseJSONRPCNotification) error

// Protocol implements MCP protocol framing on top of a pluggable transport,
// including request/response linking and notifications.
type Protocol struct {
	transport transport.Transport

	lastID atomic.Int64

	mu      sync.Mutex
	pending map[transport.RequestId]chan *responseEnvelope
	closed  bool
	// fatal is the error that ended the connection
	fatal error

	handlersMu           sync.RWMutex
	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler

	// OnClose is called once when the connection is closed for any reason,
	// with the error pending requests were failed with
	OnClose func(err error)
}

type responseEnvelope struct {
	result json.RawMessage
	err    error
}

// New creates a new Protocol instance.
// It answers "ping" requests from the remote side.
func New() *Protocol {
	p := &Protocol{
		pending:              make(map[transport.RequestId]chan *responseEnvelope),
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
	}
	p.SetRequestHandler("ping", func(context.Context, *transport.BaseJSONRPCRequest) (transport.JsonRpcBody, error) {
		return struct{}{}, nil
	})
	return p
}

// Connect attaches to the given transport, starts it, and starts listening for messages
func (p *Protocol) Connect(ctx context.Context, tr transport.Transport) error {
	p.transport = tr

	tr.SetCloseHandler(p.handleClose)
	tr.SetErrorHandler(p.handleError)
	tr.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		switch message.Type {
		case transport.BaseMessageTypeJSONRPCRequestType:
			p.handleRequest(ctx, message.JsonRpcRequest)
		case transport.BaseMessageTypeJSONRPCNotificationType:
			p.handleNotification(message.JsonRpcNotification)
		case transport.BaseMessageTypeJSONRPCResponseType:
			p.deliver(message.JsonRpcResponse.Id, &responseEnvelope{result: message.JsonRpcResponse.Result})
		case transport.BaseMessageTypeJSONRPCErrorType:
			rpcErr := message.JsonRpcError.Error
			p.deliver(message.JsonRpcError.Id, &responseEnvelope{err: &rpcErr})
		}
	})

	return tr.Start(ctx)
}

// Closed returns true once the transport has been closed.
func (p *Protocol) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Err returns the error the connection ended with, or nil while it is open.
func (p *Protocol) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		return nil
	}
	return p.closeErrLocked()
}

// Pending returns the number of requests awaiting a response.
func (p *Protocol) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Close closes the transport
func (p *Protocol) Close() error {
	if p.transport != nil {
		return p.transport.Close()
	}
	return nil
}

// Request sends a request and waits for the response with the matching id.
func (p *Protocol) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if p.transport == nil {
		return nil, errors.New("not connected")
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	var rawParams json.RawMessage
	if params != nil {
		js, err := json.Marshal(params)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal params")
		}
		rawParams = js
	}

	p.mu.Lock()
	if p.closed {
		err := p.closeErrLocked()
		p.mu.Unlock()
		return nil, err
	}
	id := transport.RequestId(p.lastID.Add(1))
	ch := make(chan *responseEnvelope, 1)
	p.pending[id] = ch
	p.mu.Unlock()

	defer p.forget(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// bounds transports that complete the exchange inside Send
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	request := &transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  rawParams,
		Id:      id,
	}
	if err := p.transport.Send(sendCtx, transport.NewBaseMessageRequest(request)); err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, errors.Wrapf(transport.ErrTimeout, "%s: no response after %v", method, timeout)
		case errors.Is(err, transport.ErrBrokenPipe), errors.Is(err, transport.ErrProtocol):
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to send request")
	}

	select {
	case envelope := <-ch:
		if envelope.err != nil {
			return nil, envelope.err
		}
		return envelope.result, nil
	case <-ctx.Done():
		go p.sendCancelNotification(id, ctx.Err().Error())
		return nil, ctx.Err()
	case <-timer.C:
		logger.KV(xlog.DEBUG, "method", method, "id", id, "status", "timeout", "timeout", timeout)
		go p.sendCancelNotification(id, "request timeout")
		return nil, errors.Wrapf(transport.ErrTimeout, "%s: no response after %v", method, timeout)
	}
}

// Notification emits a notification, which is a one-way message that does not expect a response
func (p *Protocol) Notification(ctx context.Context, method string, params any) error {
	if p.transport == nil {
		return errors.New("not connected")
	}

	var rawParams json.RawMessage
	if params != nil {
		marshalled, err := json.Marshal(params)
		if err != nil {
			return errors.Wrap(err, "failed to marshal notification params")
		}
		rawParams = marshalled
	}

	notification := &transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  rawParams,
	}
	return p.transport.Send(ctx, transport.NewBaseMessageNotification(notification))
}

// SetRequestHandler registers a handler to invoke when this protocol object receives a request with the given method
func (p *Protocol) SetRequestHandler(method string, handler RequestHandler) {
	p.handlersMu.Lock()
	p.requestHandlers[method] = handler
	p.handlersMu.Unlock()
}

// SetNotificationHandler registers a handler to invoke when this protocol object receives a notification with the given method
func (p *Protocol) SetNotificationHandler(method string, handler NotificationHandler) {
	p.handlersMu.Lock()
	p.notificationHandlers[method] = handler
	p.handlersMu.Unlock()
}

func (p *Protocol) forget(id transport.RequestId) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// deliver hands the envelope to the waiting request and removes the entry,
// so a duplicate or late response for the same id is dropped.
func (p *Protocol) deliver(id transport.RequestId, envelope *responseEnvelope) {
	p.mu.Lock()
	ch, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()

	if !ok {
		logger.KV(xlog.DEBUG, "id", id, "status", "unmatched_response")
		return
	}
	ch <- envelope
}

func (p *Protocol) handleClose() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	err := p.closeErrLocked()
	pending := p.pending
	p.pending = make(map[transport.RequestId]chan *responseEnvelope)
	p.mu.Unlock()

	for _, ch := range pending {
		ch <- &responseEnvelope{err: err}
	}

	if p.OnClose != nil {
		p.OnClose(err)
	}
}

func (p *Protocol) closeErrLocked() error {
	if p.fatal != nil {
		return p.fatal
	}
	return errors.Wrap(transport.ErrBrokenPipe, "connection closed")
}

func (p *Protocol) handleError(err error) {
	logger.KV(xlog.ERROR, "err", err.Error())

	p.mu.Lock()
	if p.fatal == nil && !p.closed {
		p.fatal = err
	}
	p.mu.Unlock()
}

func (p *Protocol) handleNotification(notification *transport.BaseJSONRPCNotification) {
	logger.KV(xlog.DEBUG, "method", notification.Method)

	p.handlersMu.RLock()
	handler := p.notificationHandlers[notification.Method]
	p.handlersMu.RUnlock()

	if handler == nil {
		return
	}
	if err := handler(notification); err != nil {
		logger.KV(xlog.ERROR, "method", notification.Method, "err", err.Error())
	}
}

func (p *Protocol) handleRequest(ctx context.Context, request *transport.BaseJSONRPCRequest) {
	logger.KV(xlog.DEBUG,
		"method", request.Method,
		"id", request.Id,
	)

	p.handlersMu.RLock()
	handler := p.requestHandlers[request.Method]
	p.handlersMu.RUnlock()

	go func() {
		if handler == nil {
			p.sendErrorResponse(request.Id, transport.CodeMethodNotFound, "method not found: "+request.Method)
			return
		}

		result, err := handler(ctx, request)
		if err != nil {
			p.sendErrorResponse(request.Id, transport.CodeInternalError, err.Error())
			return
		}

		jsonResult, err := json.Marshal(result)
		if err != nil {
			p.sendErrorResponse(request.Id, transport.CodeInternalError, "failed to marshal result")
			return
		}
		response := &transport.BaseJSONRPCResponse{
			Jsonrpc: "2.0",
			Id:      request.Id,
			Result:  jsonResult,
		}
		sendCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		if err := p.transport.Send(sendCtx, transport.NewBaseMessageResponse(response)); err != nil {
			logger.KV(xlog.DEBUG, "method", request.Method, "err", err.Error())
		}
	}()
}

func (p *Protocol) sendCancelNotification(requestID transport.RequestId, reason string) {
	if p.Closed() {
		return
	}
	params := map[string]any{
		"requestId": requestID,
		"reason":    reason,
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := p.Notification(ctx, "notifications/cancelled", params); err != nil {
		logger.KV(xlog.DEBUG, "id", requestID, "err", err.Error())
	}
}

func (p *Protocol) sendErrorResponse(requestID transport.RequestId, code int, message string) {
	response := &transport.BaseJSONRPCError{
		Jsonrpc: "2.0",
		Id:      requestID,
		Error: transport.BaseJSONRPCErrorInner{
			Code:    code,
			Message: message,
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := p.transport.Send(ctx, transport.NewBaseMessageError(response)); err != nil {
		logger.KV(xlog.DEBUG, "id", requestID, "err", err.Error())
	}
}
