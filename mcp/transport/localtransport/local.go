// Package localtransport connects a client to an in-process handler
// without pipes or sockets. Every request is handled on its own goroutine,
// so responses may arrive out of order as they would over a real stream.
package localtransport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/mcp/transport"
)

// Handler answers one message. A nil response means no reply.
// An error means the handler could not produce a valid frame.
type Handler interface {
	Handle(ctx context.Context, msg *transport.BaseJsonRpcMessage) (*transport.BaseJsonRpcMessage, error)
}

// Transport is a client transport bound to a Handler.
type Transport struct {
	handler Handler

	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
	mu             sync.RWMutex

	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New returns a transport that delivers messages to h.
func New(h Handler) *Transport {
	return &Transport{handler: h}
}

// Start implements Transport.Start
func (t *Transport) Start(ctx context.Context) error {
	// Does nothing in the local transport
	return nil
}

// Send implements Transport.Send
func (t *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	if t.closed.Load() {
		return errors.Wrap(transport.ErrBrokenPipe, "transport is closed")
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		resp, err := t.handler.Handle(ctx, message)
		if t.closed.Load() {
			return
		}
		if err != nil {
			t.fail(errors.WithMessage(transport.ErrProtocol, err.Error()))
			return
		}
		if resp == nil {
			return
		}

		t.mu.RLock()
		handler := t.messageHandler
		t.mu.RUnlock()
		if handler != nil {
			handler(context.WithoutCancel(ctx), resp)
		}
	}()
	return nil
}

func (t *Transport) fail(err error) {
	t.mu.RLock()
	onError := t.errorHandler
	t.mu.RUnlock()
	if onError != nil {
		onError(err)
	}
	_ = t.Close()
}

// Close implements Transport.Close
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)

		t.mu.RLock()
		handler := t.closeHandler
		t.mu.RUnlock()
		if handler != nil {
			handler()
		}
	})
	return nil
}

// Wait blocks until all in-flight messages have been handled.
func (t *Transport) Wait() {
	t.wg.Wait()
}

// SetCloseHandler implements Transport.SetCloseHandler
func (t *Transport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler
func (t *Transport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements Transport.SetMessageHandler
func (t *Transport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}
