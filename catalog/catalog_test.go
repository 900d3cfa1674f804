package catalog_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/catalog"
	"github.com/effective-security/toolhost/mcp"
	"github.com/effective-security/toolhost/mcp/mcptest"
	"github.com/effective-security/toolhost/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticConn struct {
	name  string
	tools []mcp.Tool
	err   error
	lists int
}

func (c *staticConn) Name() string { return c.name }

func (c *staticConn) ListTools(context.Context) ([]mcp.Tool, error) {
	c.lists++
	return c.tools, c.err
}

func (c *staticConn) CallTool(context.Context, string, map[string]any, time.Duration) (*mcp.CallToolResult, error) {
	return nil, errors.New("not implemented")
}

func connect(t *testing.T, name string) *mcp.Connection {
	t.Helper()
	c, err := mcptest.Connect(context.Background(), mcptest.NewToolbox(name, mcptest.ToolboxOptions{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func names(list []*catalog.ToolDescriptor) []string {
	var res []string
	for _, d := range list {
		res = append(res, d.Name)
	}
	return res
}

func TestSanitize(t *testing.T) {
	t.Parallel()
	tcases := []struct {
		server string
		tool   string
		exp    string
	}{
		{"SQLScout", "sql.explain", "SQLScout__sql_explain"},
		{"FS", "write_file", "FS__write_file"},
		{"my server", "read-file", "my_server__read-file"},
		{"git", "log/show:all", "git__log_show_all"},
	}
	for _, tc := range tcases {
		assert.Equal(t, tc.exp, catalog.QualifiedName(tc.server, tc.tool))
	}
}

func TestDiscover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cat := catalog.New()

	fs := connect(t, "FS")
	list, err := cat.Discover(ctx, fs)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"FS__echo", "FS__fail", "FS__garbage", "FS__git_add", "FS__git_commit",
		"FS__rows", "FS__sleep", "FS__write_file",
	}, names(list))

	d, err := cat.Resolve("FS__write_file")
	require.NoError(t, err)
	assert.Equal(t, "FS", d.Server)
	assert.Equal(t, "write_file", d.ToolName)
	assert.Equal(t, catalog.KindServer, d.Kind)
	assert.Equal(t, "Write a file", d.Description)
	assert.Same(t, fs, d.Conn)
	require.Len(t, d.Params, 2)
	assert.Equal(t, "path", d.Params[0].Name)
	assert.Equal(t, schema.TypeString, d.Params[0].Type)
	assert.True(t, d.Params[0].Required)

	exported := cat.Export()
	require.Len(t, exported, 8)
	assert.Equal(t, "function", exported[0].Type)
	assert.Equal(t, "FS__echo", exported[0].Function.Name)
	assert.NotNil(t, exported[0].Function.Parameters)

	assert.Equal(t, []string{"FS"}, cat.Servers())
}

func TestDiscoverIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cat := catalog.New()
	fs := connect(t, "FS")
	git := connect(t, "Git")

	_, err := cat.Discover(ctx, fs)
	require.NoError(t, err)
	_, err = cat.Discover(ctx, git)
	require.NoError(t, err)

	first := cat.Export()
	firstNames := cat.Names()
	require.Len(t, first, 16)

	for range 3 {
		_, err = cat.Discover(ctx, fs)
		require.NoError(t, err)
	}
	assert.Equal(t, firstNames, cat.Names())
	assert.Equal(t, first, cat.Export())
	assert.Equal(t, []string{"FS", "Git"}, cat.Servers())
}

func TestDiscoverReplaces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cat := catalog.New()

	conn := &staticConn{
		name: "SQLScout",
		tools: []mcp.Tool{
			{Name: "sql.explain", Description: "Explain a query", InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)},
			{Name: "sql.load", InputSchema: json.RawMessage(`{"type":"object","properties":{"schema":{"type":"string"}}}`)},
			{Name: "sql.load", Description: "duplicate"},
			{Name: "broken", InputSchema: json.RawMessage(`[1,2]`)},
		},
	}
	list, err := cat.Discover(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, []string{"SQLScout__broken", "SQLScout__sql_explain", "SQLScout__sql_load"}, names(list))

	broken, err := cat.Resolve("SQLScout__broken")
	require.NoError(t, err)
	assert.Equal(t, "object", broken.Schema.Type)
	assert.Empty(t, broken.Params)

	conn.tools = conn.tools[:1]
	list, err = cat.Discover(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, []string{"SQLScout__sql_explain"}, names(list))
	assert.Equal(t, []string{"SQLScout__sql_explain"}, cat.Names())

	_, err = cat.Resolve("SQLScout__sql_load")
	assert.ErrorIs(t, err, catalog.ErrUnknownTool)

	conn.err = errors.New("pipe closed")
	_, err = cat.Discover(ctx, conn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to discover tools of SQLScout")
	// previous entries are kept
	assert.Equal(t, []string{"SQLScout__sql_explain"}, cat.Names())
}

func TestResolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	// Git is registered first even though FS is discovered first
	cat := catalog.New("Git", "FS")

	_, err := cat.Discover(ctx, connect(t, "FS"))
	require.NoError(t, err)
	_, err = cat.Discover(ctx, connect(t, "Git"))
	require.NoError(t, err)
	_, err = cat.Discover(ctx, &staticConn{
		name:  "SQLScout",
		tools: []mcp.Tool{{Name: "sql.explain"}},
	})
	require.NoError(t, err)

	d, err := cat.Resolve("FS__echo")
	require.NoError(t, err)
	assert.Equal(t, "FS", d.Server)

	d, err = cat.Resolve("echo")
	require.NoError(t, err)
	assert.Equal(t, "Git", d.Server)

	d, err = cat.Resolve("sql.explain")
	require.NoError(t, err)
	assert.Equal(t, "SQLScout__sql_explain", d.Name)

	d, err = cat.Resolve("sql_explain")
	require.NoError(t, err)
	assert.Equal(t, "SQLScout__sql_explain", d.Name)

	_, err = cat.Resolve("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrUnknownTool)
	assert.Contains(t, err.Error(), `"nope"`)

	_, err = cat.Resolve("FS__nope")
	assert.ErrorIs(t, err, catalog.ErrUnknownTool)

	assert.Equal(t, []string{"Git", "FS", "SQLScout"}, cat.Servers())
}

func TestDisable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cat := catalog.New()
	fs := connect(t, "FS")
	_, err := cat.Discover(ctx, fs)
	require.NoError(t, err)
	_, err = cat.Discover(ctx, connect(t, "Git"))
	require.NoError(t, err)
	require.Len(t, cat.Export(), 16)

	cat.Disable("FS")
	cat.Disable("FS")
	assert.True(t, cat.IsDisabled("FS"))
	assert.False(t, cat.IsDisabled("Git"))

	exported := cat.Export()
	require.Len(t, exported, 8)
	for _, tool := range exported {
		assert.NotContains(t, tool.Function.Name, "FS__")
	}

	// still resolvable so the caller gets the connection error
	d, err := cat.Resolve("FS__echo")
	require.NoError(t, err)
	assert.Equal(t, "FS", d.Server)
	assert.Len(t, cat.List("FS"), 8)

	_, err = cat.Discover(ctx, fs)
	require.NoError(t, err)
	assert.False(t, cat.IsDisabled("FS"))
	assert.Len(t, cat.Export(), 16)
}

func TestRegisterComposite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cat := catalog.New()
	_, err := cat.Discover(ctx, connect(t, "FS"))
	require.NoError(t, err)

	params := schema.MustFromAny(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{"type": "string"},
		},
		"required": []string{"message"},
	})
	d, err := cat.RegisterComposite("commit.all", "Commit everything", params)
	require.NoError(t, err)
	assert.Equal(t, "commit_all", d.Name)
	assert.Equal(t, catalog.KindComposite, d.Kind)
	assert.Nil(t, d.Conn)
	assert.Empty(t, d.Server)

	_, err = cat.RegisterComposite("commit_all", "again", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	_, err = cat.RegisterComposite("", "empty", nil)
	require.Error(t, err)

	noargs, err := cat.RegisterComposite("status", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "object", noargs.Schema.Type)

	assert.Equal(t, []string{
		"FS__echo", "FS__fail", "FS__garbage", "FS__git_add", "FS__git_commit",
		"FS__rows", "FS__sleep", "FS__write_file", "commit_all", "status",
	}, cat.Names())

	resolved, err := cat.Resolve("commit_all")
	require.NoError(t, err)
	assert.Same(t, d, resolved)

	// composites are never disabled with a server
	cat.Disable("FS")
	assert.Equal(t, []string{"commit_all", "status"}, cat.Names())
	assert.Len(t, cat.List(""), 10)
}

func TestNameCollisions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("composite named like a server tool", func(t *testing.T) {
		t.Parallel()
		cat := catalog.New()
		_, err := cat.Discover(ctx, &staticConn{name: "FS", tools: []mcp.Tool{{Name: "echo"}}})
		require.NoError(t, err)

		_, err = cat.RegisterComposite("FS__echo", "shadow", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, catalog.ErrNameCollision)

		td, err := cat.Resolve("FS__echo")
		require.NoError(t, err)
		assert.Equal(t, catalog.KindServer, td.Kind)
	})

	t.Run("server tool named like a composite", func(t *testing.T) {
		t.Parallel()
		cat := catalog.New()
		d, err := cat.RegisterComposite("FS__echo", "composite first", nil)
		require.NoError(t, err)

		list, err := cat.Discover(ctx, &staticConn{name: "FS", tools: []mcp.Tool{{Name: "echo"}, {Name: "sleep"}}})
		require.NoError(t, err)
		assert.Equal(t, []string{"FS__sleep"}, names(list))

		td, err := cat.Resolve("FS__echo")
		require.NoError(t, err)
		assert.Same(t, d, td)
		assert.Equal(t, []string{"FS__echo", "FS__sleep"}, cat.Names())
	})

	t.Run("servers with the same namespace", func(t *testing.T) {
		t.Parallel()
		cat := catalog.New()
		_, err := cat.Discover(ctx, &staticConn{name: "my server", tools: []mcp.Tool{{Name: "echo"}}})
		require.NoError(t, err)

		_, err = cat.Discover(ctx, &staticConn{name: "my.server", tools: []mcp.Tool{{Name: "echo"}}})
		require.Error(t, err)
		assert.ErrorIs(t, err, catalog.ErrNameCollision)
		assert.Contains(t, err.Error(), `share the namespace "my_server"`)
		assert.Equal(t, []string{"my server"}, cat.Servers())

		td, err := cat.Resolve("my_server__echo")
		require.NoError(t, err)
		assert.Equal(t, "my server", td.Server)

		// rediscovering the same server is not a collision
		_, err = cat.Discover(ctx, &staticConn{name: "my server", tools: []mcp.Tool{{Name: "echo"}}})
		require.NoError(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cat := catalog.New()
	_, err := cat.Discover(ctx, connect(t, "FS"))
	require.NoError(t, err)

	d, err := cat.Resolve("FS__write_file")
	require.NoError(t, err)

	assert.NoError(t, d.Validate(map[string]any{"path": "a.txt", "content": "x"}))

	err = d.Validate(map[string]any{"path": "a.txt"})
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrInvalidArguments)
	assert.Contains(t, err.Error(), "FS__write_file")
	assert.Contains(t, err.Error(), "content: required")

	err = d.Validate(map[string]any{"path": 5, "content": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path: expected string, got number")
}
