package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/lipgloss"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/callbacks"
	"github.com/effective-security/toolhost/catalog"
	"github.com/effective-security/toolhost/dispatcher"
	"github.com/effective-security/toolhost/pkg/llmutils"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/xlog"
)

const help = `Commands:
  :tools [pattern]  list the available tools, optionally filtered by a glob on the name or server
  :schema <tool>    show the input schema of a tool
  :call <tool> [json-args]
                    call a tool directly, outside of the conversation
  :load <file>      send the content of a file as the next message
  :servers          list the tool servers and their state
  :reset            clear the conversation history
  :help             show this help
  :quit             exit
Press Ctrl-C during a turn to cancel it, at the prompt to exit.`

// console reads user input line by line and runs a turn for each line
// that is not a command.
type console struct {
	d      *dispatcher.Dispatcher
	out    io.Writer
	styles styles
	// stats prints the scratchpad report after each turn when set
	stats *callbacks.Scratchpad
}

func newConsole(d *dispatcher.Dispatcher, out io.Writer) *console {
	return &console{
		d:      d,
		out:    out,
		styles: defaultStyles(),
	}
}

// readLines sends the lines of r on the returned channel, which is closed on EOF.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// run processes lines until :quit, EOF, ctx is done or an interrupt
// arrives at the prompt. An interrupt during a turn cancels the turn only.
func (c *console) run(ctx context.Context, lines <-chan string, interrupts <-chan os.Signal) error {
	for {
		fmt.Fprint(c.out, c.styles.Prompt.Render("> "))

		var line string
		select {
		case <-ctx.Done():
			return nil
		case <-interrupts:
			fmt.Fprintln(c.out)
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ":") {
			quit, err := c.command(ctx, line, interrupts)
			if err != nil {
				fmt.Fprintln(c.out, c.styles.Error.Render("error: "+err.Error()))
			}
			if quit {
				return nil
			}
			continue
		}
		c.turn(ctx, line, interrupts)
	}
}

func (c *console) turn(ctx context.Context, input string, interrupts <-chan os.Signal) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-interrupts:
			cancel()
		case <-done:
		}
	}()

	res, err := c.d.Turn(turnCtx, input)
	if err != nil {
		fmt.Fprintln(c.out, c.styles.Error.Render("error: "+err.Error()))
		return
	}
	c.printResult(res)

	if c.stats != nil {
		if _, report := c.stats.Report(ctx); len(report) > 0 {
			fmt.Fprintln(c.out, c.styles.Muted.Render(string(report)))
		}
	}
}

func (c *console) printResult(res *dispatcher.TurnResult) {
	switch res.Stop {
	case dispatcher.StopAnswer:
		fmt.Fprintln(c.out, c.styles.Answer.Render(res.Answer))
	case dispatcher.StopChainLimit:
		fmt.Fprintln(c.out, c.styles.Notice.Render(fmt.Sprintf(
			"The turn stopped after %d rounds and %d tool calls: the chain limit was reached.",
			res.Rounds, len(res.Calls))))
	case dispatcher.StopCancelled:
		fmt.Fprintln(c.out, c.styles.Notice.Render(fmt.Sprintf(
			"The turn was cancelled after %d tool calls.", len(res.Calls))))
	}
}

// command runs a console command and returns true when the console should exit.
func (c *console) command(ctx context.Context, line string, interrupts <-chan os.Signal) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case ":quit", ":exit", ":q":
		return true, nil
	case ":help", ":h":
		fmt.Fprintln(c.out, help)
	case ":reset":
		if err := c.d.Reset(ctx); err != nil {
			return false, errors.WithMessage(err, "failed to reset the conversation")
		}
		fmt.Fprintln(c.out, c.styles.Muted.Render("conversation cleared"))
	case ":servers":
		c.listServers()
	case ":schema":
		if len(fields) < 2 {
			return false, errors.New("usage: :schema <tool>")
		}
		td, err := c.d.Catalog().Resolve(fields[1])
		if err != nil {
			return false, err
		}
		fmt.Fprintf(c.out, "%s  %s\n", c.styles.Tool.Render(td.Name), c.styles.Muted.Render(td.Description))
		fmt.Fprint(c.out, llmutils.ToYAML(td.Schema))
	case ":call":
		if len(fields) < 2 {
			return false, errors.New("usage: :call <tool> [json-args]")
		}
		_, args, _ := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, fields[0])), fields[1])
		c.callTool(ctx, fields[1], strings.TrimSpace(args))
	case ":load":
		if len(fields) < 2 {
			return false, errors.New("usage: :load <file>")
		}
		data, err := os.ReadFile(fields[1])
		if err != nil {
			return false, errors.WithMessagef(err, "failed to load %s", fields[1])
		}
		input := strings.TrimSpace(string(data))
		if input == "" {
			return false, errors.Errorf("%s is empty", fields[1])
		}
		c.turn(ctx, input, interrupts)
	case ":tools":
		pattern := ""
		if len(fields) > 1 {
			pattern = fields[1]
		}
		return false, c.listTools(pattern)
	default:
		return false, errors.Errorf("unknown command %s, type :help", fields[0])
	}
	return false, nil
}

// callTool prints the rendered result of a direct call, or its failure.
func (c *console) callTool(ctx context.Context, name, args string) {
	rec := c.d.Call(ctx, name, args)
	if !rec.Success {
		fmt.Fprintln(c.out, c.styles.Error.Render(rec.Content))
		return
	}
	fmt.Fprintf(c.out, "%s  %s\n", c.styles.Tool.Render(rec.Tool), c.styles.Muted.Render(rec.Duration.String()))
	fmt.Fprintln(c.out, rec.Content)
}

func (c *console) listServers() {
	cat := c.d.Catalog()
	conns := c.d.Connections()
	for _, name := range cat.Servers() {
		state := "connected"
		if err := conns.Dead(name); err != nil {
			state = "lost: " + err.Error()
		} else if cat.IsDisabled(name) {
			state = "disabled"
		}
		fmt.Fprintf(c.out, "%s  %d tools  %s\n",
			c.styles.Server.Render(name), len(cat.List(name)), c.styles.Muted.Render(state))
	}
}

func (c *console) listTools(pattern string) error {
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return errors.Errorf("invalid pattern: %s", pattern)
	}

	cat := c.d.Catalog()
	groups := map[string][]*catalog.ToolDescriptor{}
	titles := append(cat.Servers(), "composite")
	for _, td := range cat.List("") {
		if pattern != "" && !match(pattern, td.Name) && !match(pattern, td.Server) && !match(pattern, td.ToolName) {
			continue
		}
		group := td.Server
		if td.Kind == catalog.KindComposite {
			group = "composite"
		}
		groups[group] = append(groups[group], td)
	}
	if len(groups) == 0 {
		fmt.Fprintln(c.out, c.styles.Muted.Render("no tools"))
		return nil
	}

	for _, title := range titles {
		list := groups[title]
		if len(list) == 0 {
			continue
		}
		fmt.Fprintln(c.out, c.styles.Server.Render(title))
		for _, td := range list {
			fmt.Fprintf(c.out, "  %s  %s\n",
				c.styles.Tool.Render(td.Name),
				c.styles.Muted.Render(slices.StringUpto(firstLine(td.Description), 80)))
		}
	}
	return nil
}

func match(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	if err != nil {
		logger.KV(xlog.DEBUG, "pattern", pattern, "err", err.Error())
	}
	return ok
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// connectionWarnings prints a warning when a server connection is lost.
type connectionWarnings struct {
	callbacks.Noop
	out   io.Writer
	style lipgloss.Style
	lock  sync.Mutex
}

func newConnectionWarnings(out io.Writer, style lipgloss.Style) *connectionWarnings {
	return &connectionWarnings{out: out, style: style}
}

func (w *connectionWarnings) OnConnectionLost(_ context.Context, server string, err error) {
	msg := fmt.Sprintf("warning: server %s disconnected, its tools are disabled", server)
	if err != nil {
		msg += ": " + err.Error()
	}
	w.lock.Lock()
	defer w.lock.Unlock()
	fmt.Fprintln(w.out, w.style.Render(msg))
}
