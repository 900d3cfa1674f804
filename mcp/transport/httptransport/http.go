// Package httptransport implements a stateless client transport that POSTs
// every JSON-RPC message to a single MCP endpoint.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolhost/mcp/transport", "httptransport")

// DefaultClientTimeout is used when no http.Client is provided.
const DefaultClientTimeout = 5 * time.Minute

// HTTPTransport implements a client-side HTTP transport for MCP
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	headers  map[string]string

	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
	mu             sync.RWMutex
	closed         atomic.Bool
	closeOnce      sync.Once
}

// NewHTTPTransport creates a new HTTP transport that posts to the specified endpoint
func NewHTTPTransport(endpoint string) *HTTPTransport {
	return &HTTPTransport{
		endpoint: endpoint,
		client:   &http.Client{Timeout: DefaultClientTimeout},
		headers:  make(map[string]string),
	}
}

// WithClient sets the HTTP client
func (t *HTTPTransport) WithClient(client *http.Client) *HTTPTransport {
	t.client = client
	return t
}

// WithHeader adds a header to every request
func (t *HTTPTransport) WithHeader(key, value string) *HTTPTransport {
	t.headers[key] = value
	return t
}

// Start implements Transport.Start
func (t *HTTPTransport) Start(ctx context.Context) error {
	// Does nothing in the stateless http client transport
	return nil
}

// Send implements Transport.Send. A JSON body in the reply is dispatched
// to the message handler before Send returns.
func (t *HTTPTransport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	if t.closed.Load() {
		return errors.Wrap(transport.ErrBrokenPipe, "transport is closed")
	}

	jsonData, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(transport.ErrBrokenPipe, "POST %s: %s", t.endpoint, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(transport.ErrBrokenPipe, "failed to read response: %s", err.Error())
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"type", message.Type,
		"method", message.Method(),
		"status", resp.StatusCode,
		"size", len(body),
	)

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode >= 300:
		return errors.Errorf("server returned error: %d", resp.StatusCode)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	msg, err := transport.ParseMessage(body)
	if err != nil {
		t.mu.RLock()
		onError := t.errorHandler
		t.mu.RUnlock()
		if onError != nil {
			onError(err)
		}
		_ = t.Close()
		return err
	}

	t.mu.RLock()
	handler := t.messageHandler
	t.mu.RUnlock()

	if handler != nil {
		handler(ctx, msg)
	}
	return nil
}

// Close implements Transport.Close
func (t *HTTPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.client.CloseIdleConnections()

		t.mu.RLock()
		handler := t.closeHandler
		t.mu.RUnlock()
		if handler != nil {
			handler()
		}
	})
	return nil
}

// SetCloseHandler implements Transport.SetCloseHandler
func (t *HTTPTransport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler
func (t *HTTPTransport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements Transport.SetMessageHandler
func (t *HTTPTransport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}
