// Package catalog keeps the flattened, namespaced view of the tools offered
// by all connected servers and by registered composite tools.
package catalog

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/mcp"
	"github.com/effective-security/toolhost/pkg/llms"
	"github.com/effective-security/toolhost/pkg/schema"
	"github.com/effective-security/xlog"
	"github.com/invopop/jsonschema"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolhost", "catalog")

// Separator joins the server namespace and the tool name.
const Separator = "__"

var (
	// ErrUnknownTool is returned when a name matches no tool.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments is returned when call arguments do not match the tool parameters.
	ErrInvalidArguments = schema.ErrInvalidArguments
	// ErrNameCollision is returned when two servers, or a server tool and a
	// composite tool, would expose the same name.
	ErrNameCollision = errors.New("tool name collision")
)

// Connection is the part of a server connection used by the catalog and its clients.
type Connection interface {
	Name() string
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*mcp.CallToolResult, error)
}

var _ Connection = (*mcp.Connection)(nil)

// Kind tells how a tool is executed.
type Kind string

const (
	// KindServer tools are called on their server connection
	KindServer Kind = "server"
	// KindComposite tools are run by the composite runner
	KindComposite Kind = "composite"
)

// ToolDescriptor describes one callable tool.
type ToolDescriptor struct {
	// Name is the qualified name exposed to the model
	Name string
	// Server is the owning server, empty for composite tools
	Server string
	// ToolName is the server-local name
	ToolName string
	// Description is shown to the model
	Description string
	// Schema is the parameters schema
	Schema *jsonschema.Schema
	// Params is the tagged form of Schema
	Params []schema.Param
	// Kind is server or composite
	Kind Kind
	// Conn is a non-owning reference to the server connection, nil for composite tools
	Conn Connection
}

// Validate checks args against the tool parameters.
func (d *ToolDescriptor) Validate(args map[string]any) error {
	if err := schema.Validate(d.Params, args); err != nil {
		return errors.WithMessage(err, d.Name)
	}
	return nil
}

// Tool returns the function definition exposed to the model.
func (d *ToolDescriptor) Tool() llms.Tool {
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Schema,
		},
	}
}

var invalidChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Sanitize replaces every character outside [A-Za-z0-9_-] with '_'.
func Sanitize(name string) string {
	return invalidChars.ReplaceAllString(name, "_")
}

// QualifiedName returns the name exposed to the model for a server tool,
// for example SQLScout__sql_explain for sql.explain on SQLScout.
func QualifiedName(server, tool string) string {
	return Sanitize(server) + Separator + Sanitize(tool)
}

// Catalog is safe for concurrent use.
type Catalog struct {
	lock sync.RWMutex

	// servers in registration order, used for the short name tie-break
	servers    []string
	disabled   map[string]bool
	byServer   map[string][]*ToolDescriptor
	composites []*ToolDescriptor

	byName  map[string]*ToolDescriptor
	byShort map[string]*ToolDescriptor
	export  []llms.Tool
}

// New returns an empty catalog. The servers, when provided, fix the
// registration order used to break ties between short names; servers
// discovered later are appended in discovery order.
func New(servers ...string) *Catalog {
	c := &Catalog{
		disabled: make(map[string]bool),
		byServer: make(map[string][]*ToolDescriptor),
		byName:   make(map[string]*ToolDescriptor),
		byShort:  make(map[string]*ToolDescriptor),
	}
	for _, s := range servers {
		c.addServer(s)
	}
	return c
}

func (c *Catalog) addServer(name string) {
	for _, s := range c.servers {
		if s == name {
			return
		}
	}
	c.servers = append(c.servers, name)
}

// Discover lists the tools of conn and replaces the entries of that server.
// Discovering an unchanged server again yields the same set.
// A discovered server is enabled.
func (c *Catalog) Discover(ctx context.Context, conn Connection) ([]*ToolDescriptor, error) {
	server := conn.Name()
	tools, err := conn.ListTools(ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to discover tools of %s", server)
	}

	seen := make(map[string]bool, len(tools))
	list := make([]*ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		name := QualifiedName(server, t.Name)
		if seen[name] {
			logger.ContextKV(ctx, xlog.WARNING,
				"server", server,
				"status", "duplicate_tool",
				"tool", t.Name,
			)
			continue
		}
		seen[name] = true

		s, err := schema.Parse(t.InputSchema)
		if err != nil {
			logger.ContextKV(ctx, xlog.WARNING,
				"server", server,
				"status", "invalid_schema",
				"tool", t.Name,
				"err", err.Error(),
			)
			s, _ = schema.Parse(nil)
		}
		list = append(list, &ToolDescriptor{
			Name:        name,
			Server:      server,
			ToolName:    t.Name,
			Description: t.Description,
			Schema:      s,
			Params:      schema.ParamsOf(s),
			Kind:        KindServer,
			Conn:        conn,
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	c.lock.Lock()
	if other := c.namespaceOwner(server); other != "" {
		c.lock.Unlock()
		return nil, errors.WithMessagef(ErrNameCollision, "servers %q and %q share the namespace %q", other, server, Sanitize(server))
	}
	kept := list[:0]
	for _, d := range list {
		if c.isComposite(d.Name) {
			logger.ContextKV(ctx, xlog.WARNING,
				"server", server,
				"status", "hidden_by_composite",
				"tool", d.ToolName,
			)
			continue
		}
		kept = append(kept, d)
	}
	list = kept
	c.addServer(server)
	c.byServer[server] = list
	delete(c.disabled, server)
	c.rebuild()
	c.lock.Unlock()

	logger.ContextKV(ctx, xlog.INFO,
		"server", server,
		"status", "discovered",
		"tools", len(list),
	)
	return list, nil
}

// RegisterComposite adds a composite tool. Its name is sanitized
// and must not collide with another composite tool.
func (c *Catalog) RegisterComposite(name, description string, parameters *jsonschema.Schema) (*ToolDescriptor, error) {
	name = Sanitize(name)
	if name == "" {
		return nil, errors.New("composite tool name is required")
	}
	if parameters == nil {
		parameters, _ = schema.Parse(nil)
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.isComposite(name) {
		return nil, errors.Errorf("composite tool %q is already registered", name)
	}
	for _, server := range c.servers {
		for _, d := range c.byServer[server] {
			if d.Name == name {
				return nil, errors.WithMessagef(ErrNameCollision, "composite %q is a tool of server %s", name, server)
			}
		}
	}
	d := &ToolDescriptor{
		Name:        name,
		ToolName:    name,
		Description: description,
		Schema:      parameters,
		Params:      schema.ParamsOf(parameters),
		Kind:        KindComposite,
	}
	c.composites = append(c.composites, d)
	c.rebuild()
	return d, nil
}

// namespaceOwner returns the discovered server, other than server, whose
// tools share its sanitized namespace. The caller holds the lock.
func (c *Catalog) namespaceOwner(server string) string {
	ns := Sanitize(server)
	for other := range c.byServer {
		if other != server && Sanitize(other) == ns {
			return other
		}
	}
	return ""
}

func (c *Catalog) isComposite(name string) bool {
	for _, d := range c.composites {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Disable hides the tools of server from Export.
// The tools can still be resolved, so a call fails with the connection error.
func (c *Catalog) Disable(server string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.disabled[server] {
		return
	}
	c.disabled[server] = true
	c.rebuild()
}

// IsDisabled returns true if the tools of server are hidden.
func (c *Catalog) IsDisabled(server string) bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.disabled[server]
}

// Servers returns the discovered servers in registration order.
func (c *Catalog) Servers() []string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	var list []string
	for _, s := range c.servers {
		if _, ok := c.byServer[s]; ok {
			list = append(list, s)
		}
	}
	return list
}

// List returns the tools of server sorted by name,
// or all tools including composite ones when server is empty.
func (c *Catalog) List(server string) []*ToolDescriptor {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if server != "" {
		return append([]*ToolDescriptor(nil), c.byServer[server]...)
	}
	list := make([]*ToolDescriptor, 0, len(c.byName))
	for _, d := range c.byName {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Resolve finds a tool by qualified name, then by its short server-local
// name. When several servers offer the same short name, the first
// registered server wins.
func (c *Catalog) Resolve(name string) (*ToolDescriptor, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if d, ok := c.byName[name]; ok {
		return d, nil
	}
	if d, ok := c.byShort[name]; ok {
		return d, nil
	}
	if d, ok := c.byShort[Sanitize(name)]; ok {
		return d, nil
	}
	return nil, errors.WithMessagef(ErrUnknownTool, "%q", name)
}

// Export returns the tools exposed to the model, sorted by name.
// Tools of disabled servers are omitted.
func (c *Catalog) Export() []llms.Tool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return append([]llms.Tool(nil), c.export...)
}

// Names returns the exported tool names.
func (c *Catalog) Names() []string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	names := make([]string, len(c.export))
	for i, t := range c.export {
		names[i] = t.Function.Name
	}
	return names
}

// rebuild regenerates the indexes; the caller holds the write lock.
func (c *Catalog) rebuild() {
	c.byName = make(map[string]*ToolDescriptor)
	c.byShort = make(map[string]*ToolDescriptor)

	for _, d := range c.composites {
		c.byName[d.Name] = d
		c.byShort[d.Name] = d
	}
	for _, server := range c.servers {
		for _, d := range c.byServer[server] {
			if _, taken := c.byName[d.Name]; !taken {
				c.byName[d.Name] = d
			}
			if _, ok := c.byShort[d.ToolName]; !ok {
				c.byShort[d.ToolName] = d
			}
			short := Sanitize(d.ToolName)
			if _, ok := c.byShort[short]; !ok {
				c.byShort[short] = d
			}
		}
	}

	names := make([]string, 0, len(c.byName))
	for name, d := range c.byName {
		if d.Kind == KindServer && c.disabled[d.Server] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	c.export = make([]llms.Tool, 0, len(names))
	for _, name := range names {
		c.export = append(c.export, c.byName[name].Tool())
	}
}
