package mcptest

import (
	"context"

	"github.com/effective-security/toolhost/mcp"
	"github.com/effective-security/toolhost/mcp/transport/localtransport"
)

// Connect opens an in-process connection to s.
func Connect(ctx context.Context, s *Server, opts ...mcp.Option) (*mcp.Connection, error) {
	desc := mcp.ServerDescriptor{Name: s.Name(), Command: "in-process"}
	opts = append(opts, mcp.WithTransport(localtransport.New(s)))
	return mcp.Open(ctx, desc, opts...)
}
