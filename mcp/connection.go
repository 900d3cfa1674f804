// Package mcp is a client for Model Context Protocol tool servers.
//
// A Connection owns one server: it launches the process (or binds the HTTP
// endpoint), performs the initialize handshake and then multiplexes
// concurrent calls over the single channel, matching responses by id.
package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/mcp/internal/protocol"
	"github.com/effective-security/toolhost/mcp/transport"
	"github.com/effective-security/toolhost/mcp/transport/httptransport"
	"github.com/effective-security/toolhost/mcp/transport/stdio"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolhost", "mcp")

const (
	// DefaultCallTimeout is used when neither the call nor the descriptor sets one.
	DefaultCallTimeout = 60 * time.Second
	// DefaultHandshakeTimeout bounds the initialize exchange.
	DefaultHandshakeTimeout = 30 * time.Second

	// maxToolPages guards against servers that never stop paginating
	maxToolPages = 100
)

// Option configures Open
type Option func(*options)

type options struct {
	clientInfo       Implementation
	handshakeTimeout time.Duration
	gracePeriod      time.Duration
	transport        transport.Transport
	onClose          func(name string, err error)
}

// WithClientInfo sets the client name and version sent in initialize
func WithClientInfo(name, version string) Option {
	return func(o *options) {
		o.clientInfo = Implementation{Name: name, Version: version}
	}
}

// WithHandshakeTimeout sets the timeout of the initialize exchange
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = d
	}
}

// WithGracePeriod sets how long Close waits before killing the process group
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) {
		o.gracePeriod = d
	}
}

// WithTransport uses the provided transport instead of building one from the descriptor
func WithTransport(tr transport.Transport) Option {
	return func(o *options) {
		o.transport = tr
	}
}

// WithOnClose registers a callback invoked once when the connection ends,
// with the error that ended it
func WithOnClose(fn func(name string, err error)) Option {
	return func(o *options) {
		o.onClose = fn
	}
}

// Connection is a live binding to one tool server.
type Connection struct {
	desc       ServerDescriptor
	proto      *protocol.Protocol
	tr         transport.Transport
	serverInfo InitializeResult

	closeOnce sync.Once
	closeErr  error
}

// Open launches the server described by desc and performs the handshake.
// Returns ErrLaunch if the process cannot be started
// and ErrHandshake if initialize fails.
func Open(ctx context.Context, desc ServerDescriptor, opts ...Option) (*Connection, error) {
	o := &options{
		clientInfo:       Implementation{Name: "toolhost", Version: "1.0.0"},
		handshakeTimeout: DefaultHandshakeTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.transport == nil {
		if err := desc.Validate(); err != nil {
			return nil, errors.WithMessage(ErrLaunch, err.Error())
		}
	}

	tr := o.transport
	if tr == nil {
		switch desc.Kind() {
		case TransportHTTP:
			ht := httptransport.NewHTTPTransport(desc.URL)
			for k, v := range desc.Headers {
				ht.WithHeader(k, v)
			}
			tr = ht
		default:
			tr = stdio.New(stdio.Options{
				Command:     desc.Command,
				Args:        desc.Args,
				Dir:         desc.Dir,
				Env:         desc.Env,
				GracePeriod: o.gracePeriod,
			})
		}
	}

	c := &Connection{
		desc:  desc,
		proto: protocol.New(),
		tr:    tr,
	}
	c.proto.OnClose = func(err error) {
		logger.KV(xlog.NOTICE,
			"server", desc.Name,
			"status", "closed",
			"err", err.Error(),
		)
		if o.onClose != nil {
			o.onClose(desc.Name, err)
		}
	}

	if err := c.proto.Connect(ctx, tr); err != nil {
		logger.ContextKV(ctx, xlog.ERROR,
			"server", desc.Name,
			"command", desc.Command,
			"err", err.Error(),
		)
		return nil, errors.WithMessage(ErrLaunch, err.Error())
	}

	if err := c.initialize(ctx, o); err != nil {
		_ = c.Close()
		if stderr := c.Stderr(); stderr != "" {
			err = errors.WithDetail(err, stderr)
		}
		logger.ContextKV(ctx, xlog.ERROR,
			"server", desc.Name,
			"err", err.Error(),
		)
		return nil, err
	}

	logger.ContextKV(ctx, xlog.INFO,
		"server", desc.Name,
		"status", "connected",
		"server_name", c.serverInfo.ServerInfo.Name,
		"server_version", c.serverInfo.ServerInfo.Version,
		"protocol", c.serverInfo.ProtocolVersion,
	)
	return c, nil
}

func (c *Connection) initialize(ctx context.Context, o *options) error {
	params := &InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      o.clientInfo,
	}

	raw, err := c.proto.Request(ctx, "initialize", params, o.handshakeTimeout)
	if err != nil {
		return errors.WithMessage(ErrHandshake, err.Error())
	}

	var res InitializeResult
	if err = json.Unmarshal(raw, &res); err != nil {
		return errors.WithMessagef(ErrHandshake, "malformed initialize result: %s", err.Error())
	}
	if res.ProtocolVersion == "" {
		return errors.WithMessage(ErrHandshake, "initialize result has no protocolVersion")
	}
	c.serverInfo = res

	if err = c.proto.Notification(ctx, "notifications/initialized", nil); err != nil {
		return errors.WithMessagef(ErrHandshake, "failed to send initialized: %s", err.Error())
	}
	return nil
}

// Name returns the server name from the descriptor.
func (c *Connection) Name() string {
	return c.desc.Name
}

// Descriptor returns the descriptor the connection was opened with.
func (c *Connection) Descriptor() ServerDescriptor {
	return c.desc
}

// ServerInfo returns the initialize result.
func (c *Connection) ServerInfo() InitializeResult {
	return c.serverInfo
}

// Alive returns false once the connection is closed or broken.
func (c *Connection) Alive() bool {
	return !c.proto.Closed()
}

// Err returns the error that ended the connection, or nil while it is alive.
func (c *Connection) Err() error {
	return c.proto.Err()
}

// Stderr returns the tail of the server's stderr, for stdio servers.
func (c *Connection) Stderr() string {
	if s, ok := c.tr.(interface{ Stderr() string }); ok {
		return s.Stderr()
	}
	return ""
}

// Call sends a request and waits for the matching response.
// Zero timeout uses the descriptor's timeout or DefaultCallTimeout.
func (c *Connection) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.desc.Timeout.Duration()
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	res, err := c.proto.Request(ctx, method, params, timeout)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s/%s", c.desc.Name, method)
	}
	return res, nil
}

// ListTools returns all tools advertised by the server, following pagination.
func (c *Connection) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	params := &ListToolsParams{}
	for page := 0; page < maxToolPages; page++ {
		raw, err := c.Call(ctx, "tools/list", params, 0)
		if err != nil {
			return nil, err
		}
		var res ListToolsResult
		if err = json.Unmarshal(raw, &res); err != nil {
			return nil, errors.Wrapf(ErrProtocol, "%s: malformed tools/list result: %s", c.desc.Name, err.Error())
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == nil || *res.NextCursor == "" {
			return tools, nil
		}
		params = &ListToolsParams{Cursor: *res.NextCursor}
	}
	return nil, errors.Errorf("%s: tools/list did not terminate after %d pages", c.desc.Name, maxToolPages)
}

// CallTool invokes a tool by its server-local name.
// A tool that ran and failed is reported with IsError in the result, not as error.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*CallToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.Call(ctx, "tools/call", &CallToolParams{Name: name, Arguments: args}, timeout)
	if err != nil {
		return nil, err
	}
	var res CallToolResult
	if err = json.Unmarshal(raw, &res); err != nil {
		return nil, errors.Wrapf(ErrProtocol, "%s: malformed tools/call result: %s", c.desc.Name, err.Error())
	}
	return &res, nil
}

// Close terminates the connection. It is idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.proto.Close()
		logger.KV(xlog.DEBUG, "server", c.desc.Name, "status", "closed")
	})
	return c.closeErr
}
