// Package dispatcher runs conversational turns: it asks the model for the
// next step, dispatches the requested tool calls to the connected servers
// and feeds the results back until the model answers.
package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/catalog"
	"github.com/effective-security/toolhost/chatmodel"
	"github.com/effective-security/toolhost/composite"
	"github.com/effective-security/toolhost/mcp"
	"github.com/effective-security/toolhost/pkg/llms"
	"github.com/effective-security/toolhost/pkg/metricskey"
	"github.com/effective-security/toolhost/store"
	"github.com/effective-security/xlog"
	"golang.org/x/sync/errgroup"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolhost", "dispatcher")

var (
	// ErrChainLimitExceeded is recorded on a turn that requested more rounds
	// or tool calls than allowed.
	ErrChainLimitExceeded = errors.New("tool call chain limit exceeded")
	// ErrNoConnections is returned by Start when no server could be started.
	ErrNoConnections = errors.New("no tool server is available")
)

// Defaults of Config
const (
	DefaultMaxRounds    = 8
	DefaultMaxToolCalls = 32
	DefaultMaxParallel  = 4
)

// Config bounds a turn.
type Config struct {
	// MaxRounds is the number of dispatch rounds allowed in one turn
	MaxRounds int `json:"max_rounds,omitempty" yaml:"max_rounds,omitempty" validate:"gte=0"`
	// MaxToolCalls is the number of tool calls allowed in one turn
	MaxToolCalls int `json:"max_tool_calls,omitempty" yaml:"max_tool_calls,omitempty" validate:"gte=0"`
	// MaxParallel is the number of calls of one round running at the same time
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty" validate:"gte=0"`
	// CallTimeout applies to every tool call, zero uses the server timeout
	CallTimeout mcp.Duration `json:"call_timeout,omitempty" yaml:"call_timeout,omitempty"`
	// SystemPrompt is sent before the history
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = DefaultMaxToolCalls
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	return c
}

// Opener opens a connection for a descriptor, mcp.Open by default.
type Opener func(ctx context.Context, desc mcp.ServerDescriptor, opts ...mcp.Option) (*mcp.Connection, error)

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithStore sets the conversation history store.
func WithStore(st store.MessageStore) Option {
	return func(d *Dispatcher) {
		d.store = st
	}
}

// WithCallback sets the event handler.
func WithCallback(cb Callback) Option {
	return func(d *Dispatcher) {
		d.callback = cb
	}
}

// WithCallOptions adds options to every model call.
func WithCallOptions(opts ...llms.CallOption) Option {
	return func(d *Dispatcher) {
		d.callOpts = append(d.callOpts, opts...)
	}
}

// WithConnectOptions adds options used to open every server.
func WithConnectOptions(opts ...mcp.Option) Option {
	return func(d *Dispatcher) {
		d.connectOpts = append(d.connectOpts, opts...)
	}
}

// WithChat sets the chat used by turns whose context carries none.
func WithChat(chat chatmodel.ChatContext) Option {
	return func(d *Dispatcher) {
		d.chat = chat
	}
}

// WithOpener replaces mcp.Open.
func WithOpener(open Opener) Option {
	return func(d *Dispatcher) {
		d.open = open
	}
}

// Dispatcher drives the conversation of one session.
// Turns must not run concurrently; the calls of one turn do.
type Dispatcher struct {
	cfg         Config
	model       llms.Model
	store       store.MessageStore
	callback    Callback
	callOpts    []llms.CallOption
	connectOpts []mcp.Option
	open        Opener
	chat        chatmodel.ChatContext

	catalog *catalog.Catalog
	runner  *composite.Runner
	conns   *ConnectionTable

	turnLock sync.Mutex
	closing  atomic.Bool
}

// New returns a dispatcher using model.
func New(model llms.Model, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:   cfg.withDefaults(),
		model: model,
		open:  mcp.Open,
		conns: NewConnectionTable(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.store == nil {
		d.store = store.NewMemoryStore(0)
	}
	if d.chat == nil {
		d.chat = chatmodel.NewChatContext(chatmodel.DefaultTenantID, "", nil)
	}
	d.catalog = catalog.New()
	d.runner = composite.NewRunner(d.catalog, composite.WithCallTimeout(d.cfg.CallTimeout.Duration()))
	return d
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Catalog returns the tool catalog.
func (d *Dispatcher) Catalog() *catalog.Catalog {
	return d.catalog
}

// Runner returns the composite runner.
func (d *Dispatcher) Runner() *composite.Runner {
	return d.runner
}

// Connections returns the connection table.
func (d *Dispatcher) Connections() *ConnectionTable {
	return d.conns
}

// Start opens all servers concurrently, discovers their tools and registers
// the composites whose steps resolve. Servers that fail are reported in
// warnings and left out; Start fails only when none of them is available.
func (d *Dispatcher) Start(ctx context.Context, servers []mcp.ServerDescriptor, composites []composite.Spec) (warnings []error, err error) {
	names := make([]string, len(servers))
	for i, s := range servers {
		names[i] = s.Name
	}
	d.catalog = catalog.New(names...)
	d.runner = composite.NewRunner(d.catalog, composite.WithCallTimeout(d.cfg.CallTimeout.Duration()))

	errs := make([]error, len(servers))
	var g errgroup.Group
	for i, desc := range servers {
		g.Go(func() error {
			started := time.Now()
			_, err := d.connect(ctx, desc)
			if err != nil {
				errs[i] = errors.WithMessagef(err, "server %s", desc.Name)
				return nil
			}
			metricskey.PerfServerStart.MeasureSince(started, desc.Name)
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			warnings = append(warnings, err)
			logger.ContextKV(ctx, xlog.WARNING, "status", "server_unavailable", "err", err.Error())
		}
	}
	if len(servers) > 0 && len(warnings) == len(servers) {
		return warnings, errors.WithStack(ErrNoConnections)
	}

	for _, spec := range composites {
		if err := d.RegisterComposite(spec); err != nil {
			warnings = append(warnings, err)
			logger.ContextKV(ctx, xlog.WARNING,
				"composite", spec.Name,
				"status", "not_registered",
				"err", err.Error(),
			)
		}
	}

	logger.ContextKV(ctx, xlog.INFO,
		"status", "started",
		"servers", d.catalog.Servers(),
		"tools", len(d.catalog.Names()),
		"composites", d.runner.Names(),
	)
	return warnings, nil
}

// connect opens desc, adds the connection and discovers its tools.
func (d *Dispatcher) connect(ctx context.Context, desc mcp.ServerDescriptor) (*mcp.Connection, error) {
	opts := append([]mcp.Option{mcp.WithOnClose(d.onClose)}, d.connectOpts...)
	c, err := d.open(ctx, desc, opts...)
	if err != nil {
		return nil, err
	}
	if _, err = d.catalog.Discover(ctx, c); err != nil {
		_ = c.Close()
		return nil, err
	}
	d.conns.Add(c)
	return c, nil
}

// RegisterComposite registers spec after checking that every step tool
// resolves to a server tool.
func (d *Dispatcher) RegisterComposite(spec composite.Spec) error {
	for _, st := range spec.Steps {
		td, err := d.catalog.Resolve(st.Tool)
		if err != nil {
			return errors.WithMessagef(err, "composite %q step %q", spec.Name, st.Name)
		}
		if td.Kind != catalog.KindServer {
			return errors.Errorf("composite %q step %q: %s is not a server tool", spec.Name, st.Name, td.Name)
		}
	}
	_, err := d.runner.Register(d.catalog, spec)
	return err
}

// ListTools returns the tools of server, or of all servers and composites
// when server is empty. Tools of lost servers are included.
func (d *Dispatcher) ListTools(server string) []*catalog.ToolDescriptor {
	return d.catalog.List(server)
}

// Close closes every connection. It is safe to call more than once.
func (d *Dispatcher) Close() error {
	d.closing.Store(true)
	return d.conns.Close()
}

func (d *Dispatcher) onClose(server string, err error) {
	d.markDead(context.Background(), server, err)
}

// markDead disables the tools of server and emits a one-time warning.
func (d *Dispatcher) markDead(ctx context.Context, server string, err error) {
	if d.closing.Load() || server == "" {
		return
	}
	if _, ok := d.conns.Get(server); !ok {
		return
	}
	if !d.conns.MarkDead(server, err) {
		return
	}
	d.catalog.Disable(server)
	metricskey.StatsConnectionsLost.IncrCounter(1, server)

	var errMsg string
	if err != nil {
		errMsg = err.Error()
	}
	logger.ContextKV(ctx, xlog.WARNING,
		"server", server,
		"status", "connection_lost",
		"err", errMsg,
	)
	if d.callback != nil {
		d.callback.OnConnectionLost(ctx, server, err)
	}
}
