// Package mcptest provides an in-process MCP tool server for tests.
//
// The same Server can be exercised three ways: directly through Handle,
// over stdio by re-executing the test binary (see RunIfHelper), and over
// HTTP through Router.
package mcptest

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/mcp"
	"github.com/effective-security/toolhost/mcp/transport"
	"github.com/effective-security/toolhost/pkg/schema"
)

// HandshakeMode controls how the server answers initialize.
type HandshakeMode string

const (
	// HandshakeOK answers initialize normally
	HandshakeOK HandshakeMode = ""
	// HandshakeError answers initialize with a JSON-RPC error
	HandshakeError HandshakeMode = "error"
	// HandshakeSilent never answers initialize
	HandshakeSilent HandshakeMode = "silent"
	// HandshakeGarbage answers initialize with a line that is not JSON
	HandshakeGarbage HandshakeMode = "garbage"
	// HandshakeNoVersion answers initialize without a protocolVersion
	HandshakeNoVersion HandshakeMode = "no_version"
	// HandshakeDeaf answers initialize over stdio, then stops reading its input
	HandshakeDeaf HandshakeMode = "deaf"
)

// RawLine is returned by a tool handler to write a raw frame instead of a response.
type RawLine string

func (r RawLine) Error() string { return "raw line" }

type tool struct {
	def  mcp.Tool
	call func(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error)
}

// Server is a scripted MCP server.
type Server struct {
	name      string
	handshake HandshakeMode
	pageSize  int

	mu    sync.RWMutex
	tools map[string]*tool

	callsMu sync.Mutex
	calls   []string
}

// NewServer returns an empty server.
func NewServer(name string) *Server {
	return &Server{
		name:  name,
		tools: make(map[string]*tool),
	}
}

// WithHandshake sets the initialize behavior.
func (s *Server) WithHandshake(mode HandshakeMode) *Server {
	s.handshake = mode
	return s
}

// WithPagination splits tools/list into pages of the given size.
func (s *Server) WithPagination(limit int) *Server {
	s.pageSize = limit
	return s
}

// Name returns the server name.
func (s *Server) Name() string {
	return s.name
}

// Calls returns the names of the tools called so far, in arrival order.
func (s *Server) Calls() []string {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	return append([]string(nil), s.calls...)
}

// RegisterTool registers a typed tool. The input schema is reflected from T.
func RegisterTool[T any](s *Server, name, description string, handler func(ctx context.Context, args T) (*mcp.CallToolResult, error)) error {
	var zero T
	sc, err := schema.New(reflect.TypeOf(zero))
	if err != nil {
		return err
	}
	js, err := json.Marshal(sc.Parameters)
	if err != nil {
		return errors.Wrap(err, "failed to marshal schema")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[name] = &tool{
		def: mcp.Tool{
			Name:        name,
			Description: description,
			InputSchema: js,
		},
		call: func(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
			var args T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, &transport.BaseJSONRPCErrorInner{
						Code:    transport.CodeInvalidParams,
						Message: err.Error(),
					}
				}
			}
			return handler(ctx, args)
		},
	}
	return nil
}

// Handle answers one message. It returns nil for notifications
// and for requests that must not be answered.
func (s *Server) Handle(ctx context.Context, msg *transport.BaseJsonRpcMessage) (*transport.BaseJsonRpcMessage, error) {
	if msg.Type != transport.BaseMessageTypeJSONRPCRequestType {
		return nil, nil
	}
	req := msg.JsonRpcRequest

	result, err := s.dispatch(ctx, req)
	if err != nil {
		var raw RawLine
		if errors.As(err, &raw) {
			return nil, raw
		}
		if errors.Is(err, errNoReply) {
			return nil, nil
		}
		rpcErr := &transport.BaseJSONRPCErrorInner{Code: transport.CodeInternalError, Message: err.Error()}
		_ = errors.As(err, &rpcErr)
		return transport.NewBaseMessageError(&transport.BaseJSONRPCError{
			Jsonrpc: "2.0",
			Id:      req.Id,
			Error:   *rpcErr,
		}), nil
	}

	js, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal result")
	}
	return transport.NewBaseMessageResponse(&transport.BaseJSONRPCResponse{
		Jsonrpc: "2.0",
		Id:      req.Id,
		Result:  js,
	}), nil
}

var errNoReply = errors.New("no reply")

func (s *Server) dispatch(ctx context.Context, req *transport.BaseJSONRPCRequest) (any, error) {
	switch req.Method {
	case "initialize":
		return s.initialize()
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		var params mcp.ListToolsParams
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params, &params)
		}
		return s.listTools(params.Cursor)
	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &transport.BaseJSONRPCErrorInner{Code: transport.CodeInvalidParams, Message: err.Error()}
		}
		return s.callTool(ctx, params.Name, params.Arguments)
	}
	return nil, &transport.BaseJSONRPCErrorInner{Code: transport.CodeMethodNotFound, Message: "method not found: " + req.Method}
}

func (s *Server) initialize() (any, error) {
	switch s.handshake {
	case HandshakeError:
		return nil, &transport.BaseJSONRPCErrorInner{Code: transport.CodeInternalError, Message: "initialization refused"}
	case HandshakeSilent:
		return nil, errNoReply
	case HandshakeGarbage:
		return nil, RawLine("this is not json")
	case HandshakeNoVersion:
		return map[string]any{"serverInfo": mcp.Implementation{Name: s.name, Version: "0.0.1"}}, nil
	}
	return &mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ServerInfo:      mcp.Implementation{Name: s.name, Version: "0.0.1"},
	}, nil
}

func (s *Server) listTools(cursor string) (*mcp.ListToolsResult, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	tools := make([]mcp.Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, s.tools[name].def)
	}
	s.mu.RUnlock()

	if s.pageSize <= 0 {
		return &mcp.ListToolsResult{Tools: tools}, nil
	}

	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(tools) {
			return nil, &transport.BaseJSONRPCErrorInner{Code: transport.CodeInvalidParams, Message: "invalid cursor"}
		}
		start = n
	}
	end := min(start+s.pageSize, len(tools))
	res := &mcp.ListToolsResult{Tools: tools[start:end]}
	if end < len(tools) {
		next := strconv.Itoa(end)
		res.NextCursor = &next
	}
	return res, nil
}

func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	s.mu.RLock()
	t := s.tools[name]
	s.mu.RUnlock()
	if t == nil {
		return nil, &transport.BaseJSONRPCErrorInner{Code: transport.CodeInvalidParams, Message: "unknown tool: " + name}
	}

	s.callsMu.Lock()
	s.calls = append(s.calls, name)
	s.callsMu.Unlock()

	return t.call(ctx, args)
}

// ServeStdio reads line-delimited requests from r and writes responses to w
// until r is exhausted. Requests are handled concurrently.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	var writeMu sync.Mutex
	write := func(line []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_, _ = w.Write(append(line, '\n'))
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		msg, err := transport.ParseMessage(scanner.Bytes())
		if err != nil {
			continue
		}
		if s.handshake == HandshakeDeaf && msg.Type == transport.BaseMessageTypeJSONRPCRequestType &&
			msg.JsonRpcRequest.Method == "initialize" {
			if resp, err := s.Handle(ctx, msg); err == nil {
				if js, err := json.Marshal(resp); err == nil {
					write(js)
				}
			}
			// the input pipe fills up until the process is killed
			time.Sleep(time.Hour)
			return nil
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.Handle(ctx, msg)
			if err != nil {
				var raw RawLine
				if errors.As(err, &raw) {
					write([]byte(raw))
				}
				return
			}
			if resp == nil {
				return
			}
			js, err := json.Marshal(resp)
			if err != nil {
				return
			}
			write(js)
		}()
	}
	return scanner.Err()
}
