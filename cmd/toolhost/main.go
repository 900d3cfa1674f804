// Command toolhost is an interactive console that connects a chat model to
// a set of MCP tool servers.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/callbacks"
	"github.com/effective-security/toolhost/chatmodel"
	"github.com/effective-security/toolhost/config"
	"github.com/effective-security/toolhost/dispatcher"
	"github.com/effective-security/toolhost/mcp"
	"github.com/effective-security/toolhost/pkg/llmfactory"
	"github.com/effective-security/toolhost/pkg/llms"
	"github.com/effective-security/toolhost/store"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolhost", "cmd")

var version = "dev"

type flags struct {
	cfg     string
	chat    string
	tenant  string
	verbose bool
	version bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout))
}

func run(args []string, in io.Reader, out io.Writer) int {
	f := flags{}
	fs := flag.NewFlagSet("toolhost", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&f.cfg, "config", values.StringsCoalesce(os.Getenv("TOOLHOST_CONFIG"), "toolhost.yaml"), "configuration file")
	fs.StringVar(&f.chat, "chat", "", "chat ID, a new one is generated when empty")
	fs.StringVar(&f.tenant, "tenant", chatmodel.DefaultTenantID, "tenant ID of the chat")
	fs.BoolVar(&f.verbose, "verbose", false, "print the model and tool events of each turn")
	fs.BoolVar(&f.version, "version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if f.version {
		fmt.Fprintln(out, version)
		return 0
	}

	cfg, err := config.Load(f.cfg)
	if err != nil {
		fmt.Fprintf(out, "configuration error: %s\n", err.Error())
		return 1
	}
	setLogLevel(cfg.Log.Level)

	model, callOpts, err := llmfactory.New(&cfg.Model)
	if err != nil {
		fmt.Fprintf(out, "model error: %s\n", err.Error())
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err = serve(ctx, cfg, f, model, callOpts, in, out); err != nil {
		fmt.Fprintf(out, "error: %s\n", err.Error())
		return 1
	}
	return 0
}

func setLogLevel(level string) {
	switch level {
	case "error":
		xlog.SetGlobalLogLevel(xlog.ERROR)
	case "info":
		xlog.SetGlobalLogLevel(xlog.INFO)
	case "debug":
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	default:
		xlog.SetGlobalLogLevel(xlog.WARNING)
	}
}

// host is what serve builds from the configuration.
type host struct {
	d       *dispatcher.Dispatcher
	chat    chatmodel.ChatContext
	stats   *callbacks.Scratchpad
	closers []func() error
}

func (h *host) Close() error {
	var err error
	for i := len(h.closers) - 1; i >= 0; i-- {
		err = errors.CombineErrors(err, h.closers[i]())
	}
	return err
}

// newHost creates the store, the callbacks and the dispatcher.
func newHost(ctx context.Context, cfg *config.Config, f flags, model llms.Model, callOpts []llms.CallOption, out io.Writer, opts ...dispatcher.Option) (*host, error) {
	h := &host{}

	st, closeStore, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	h.closers = append(h.closers, closeStore)

	fanout := callbacks.NewFanout(
		callbacks.NewPackageLogger(logger),
		newConnectionWarnings(out, defaultStyles().Warning),
	)
	if cfg.Log.Path != "-" {
		jl, err := callbacks.OpenJSONL(cfg.Log.Path, cfg.Log.Buffer)
		if err != nil {
			_ = h.Close()
			return nil, err
		}
		h.closers = append(h.closers, jl.Close)
		fanout.Add(jl)
	}
	if f.verbose {
		fanout.Add(callbacks.NewPrinter(out, callbacks.ModeVerbose))
		h.stats = callbacks.NewScratchpad(callbacks.ModeDefault)
		fanout.Add(h.stats)
	}

	h.chat = chatmodel.NewChatContext(f.tenant, values.StringsCoalesce(f.chat, chatmodel.NewChatID()), nil)
	all := append([]dispatcher.Option{
		dispatcher.WithStore(st),
		dispatcher.WithCallback(fanout),
		dispatcher.WithCallOptions(callOpts...),
		dispatcher.WithChat(h.chat),
		dispatcher.WithConnectOptions(mcp.WithClientInfo("toolhost", version)),
	}, opts...)
	h.d = dispatcher.New(model, cfg.Dispatcher, all...)
	h.closers = append(h.closers, h.d.Close)
	return h, nil
}

func serve(ctx context.Context, cfg *config.Config, f flags, model llms.Model, callOpts []llms.CallOption, in io.Reader, out io.Writer, opts ...dispatcher.Option) error {
	h, err := newHost(ctx, cfg, f, model, callOpts, out, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := h.Close(); cerr != nil {
			logger.KV(xlog.WARNING, "status", "close", "err", cerr.Error())
		}
	}()

	c := newConsole(h.d, out)
	c.stats = h.stats

	warnings, err := h.d.Start(ctx, cfg.EnabledServers(), cfg.CompositeSpecs())
	for _, w := range warnings {
		fmt.Fprintln(out, c.styles.Warning.Render("warning: "+w.Error()))
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected to %d servers, %d tools. Chat %s. Type :help for commands.\n",
		len(h.d.Connections().Names()), len(h.d.Catalog().Names()), h.chat.GetChatID())

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	return c.run(chatmodel.WithChatContext(ctx, h.chat), readLines(in), interrupts)
}
