package callbacks

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/effective-security/toolhost/dispatcher"
	"github.com/effective-security/toolhost/pkg/llms"
	"github.com/effective-security/xlog"
)

// ensure that the callbacks implement the correct interfaces
var (
	_ dispatcher.Callback = (*Noop)(nil)
	_ dispatcher.Callback = (*Printer)(nil)
	_ dispatcher.Callback = (*PackageLogger)(nil)
	_ dispatcher.Callback = (*Fanout)(nil)
	_ dispatcher.Callback = (*Scratchpad)(nil)
	_ dispatcher.Callback = (*JSONL)(nil)
)

// Mode defines the mode for callback printing
type Mode int

const (
	// ModeDefault is the default mode for callback printing
	ModeDefault Mode = iota
	// ModeVerbose is the verbose mode for callback printing
	ModeVerbose
)

// Fanout is a callback handler that forwards the events to multiple callbacks.
type Fanout struct {
	callbacks []dispatcher.Callback
}

func NewFanout(callbacks ...dispatcher.Callback) *Fanout {
	return &Fanout{callbacks: callbacks}
}

// Add must not be called while a turn is running.
func (l *Fanout) Add(callback dispatcher.Callback) {
	l.callbacks = append(l.callbacks, callback)
}

func (l *Fanout) OnTurnStart(ctx context.Context, input string) {
	for _, callback := range l.callbacks {
		callback.OnTurnStart(ctx, input)
	}
}

func (l *Fanout) OnTurnEnd(ctx context.Context, res *dispatcher.TurnResult) {
	for _, callback := range l.callbacks {
		callback.OnTurnEnd(ctx, res)
	}
}

func (l *Fanout) OnModelCallStart(ctx context.Context, model llms.Model, messages []llms.Message) {
	for _, callback := range l.callbacks {
		callback.OnModelCallStart(ctx, model, messages)
	}
}

func (l *Fanout) OnModelCallEnd(ctx context.Context, model llms.Model, resp *llms.ContentResponse, err error) {
	for _, callback := range l.callbacks {
		callback.OnModelCallEnd(ctx, model, resp, err)
	}
}

func (l *Fanout) OnToolStart(ctx context.Context, call *dispatcher.CallRecord) {
	for _, callback := range l.callbacks {
		callback.OnToolStart(ctx, call)
	}
}

func (l *Fanout) OnToolEnd(ctx context.Context, call *dispatcher.CallRecord) {
	for _, callback := range l.callbacks {
		callback.OnToolEnd(ctx, call)
	}
}

func (l *Fanout) OnToolError(ctx context.Context, call *dispatcher.CallRecord) {
	for _, callback := range l.callbacks {
		callback.OnToolError(ctx, call)
	}
}

func (l *Fanout) OnToolNotFound(ctx context.Context, call *dispatcher.CallRecord) {
	for _, callback := range l.callbacks {
		callback.OnToolNotFound(ctx, call)
	}
}

func (l *Fanout) OnConnectionLost(ctx context.Context, server string, err error) {
	for _, callback := range l.callbacks {
		callback.OnConnectionLost(ctx, server, err)
	}
}

// Noop does nothing.
type Noop struct{}

func NewNoop() *Noop {
	return &Noop{}
}

func (l *Noop) OnTurnStart(ctx context.Context, input string)                   {}
func (l *Noop) OnTurnEnd(ctx context.Context, res *dispatcher.TurnResult)       {}
func (l *Noop) OnToolStart(ctx context.Context, call *dispatcher.CallRecord)    {}
func (l *Noop) OnToolEnd(ctx context.Context, call *dispatcher.CallRecord)      {}
func (l *Noop) OnToolError(ctx context.Context, call *dispatcher.CallRecord)    {}
func (l *Noop) OnToolNotFound(ctx context.Context, call *dispatcher.CallRecord) {}
func (l *Noop) OnConnectionLost(ctx context.Context, server string, err error)  {}
func (l *Noop) OnModelCallStart(ctx context.Context, model llms.Model, messages []llms.Message) {
}
func (l *Noop) OnModelCallEnd(ctx context.Context, model llms.Model, resp *llms.ContentResponse, err error) {
}

// Printer is a callback handler that prints to the Writer.
type Printer struct {
	Out  io.Writer
	Mode Mode

	lock sync.Mutex
}

func NewPrinter(out io.Writer, mode Mode) *Printer {
	return &Printer{Out: out, Mode: mode}
}

func (l *Printer) OnTurnStart(ctx context.Context, input string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Turn Start\n")
	fmt.Fprintf(l.Out, "Input: %s\n", input)
}

func (l *Printer) OnTurnEnd(ctx context.Context, res *dispatcher.TurnResult) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Turn End: %s, %d rounds, %d calls\n", res.Stop, res.Rounds, len(res.Calls))
	if res.Err != nil {
		fmt.Fprintf(l.Out, "Error: %s\n", res.Err.Error())
	}
	if l.Mode == ModeVerbose && res.Answer != "" {
		fmt.Fprintln(l.Out, res.Answer)
	}
}

func (l *Printer) OnModelCallStart(ctx context.Context, model llms.Model, messages []llms.Message) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Model Call: %s model, %d messages\n", model.GetName(), len(messages))
}

func (l *Printer) OnModelCallEnd(ctx context.Context, model llms.Model, resp *llms.ContentResponse, err error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if err != nil {
		fmt.Fprintf(l.Out, "Model Call Error: %s model: %s\n", model.GetName(), err.Error())
		return
	}
	fmt.Fprintf(l.Out, "Model Call End: %s model, %d tool calls\n", model.GetName(), len(resp.ToolCalls()))
}

func (l *Printer) OnToolStart(ctx context.Context, call *dispatcher.CallRecord) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Tool Start: %s\n", call.Tool)
	fmt.Fprintf(l.Out, "Input: %s\n", call.Arguments)
}

func (l *Printer) OnToolEnd(ctx context.Context, call *dispatcher.CallRecord) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Tool End: %s (%s)\n", call.Tool, call.Duration)
	if l.Mode == ModeVerbose {
		fmt.Fprintf(l.Out, "Output: %s\n", call.Content)
	}
}

func (l *Printer) OnToolError(ctx context.Context, call *dispatcher.CallRecord) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Tool Error: %s: %s\n", call.Tool, errString(call.Err))
}

func (l *Printer) OnToolNotFound(ctx context.Context, call *dispatcher.CallRecord) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Tool Not Found: %s\n", call.Tool)
}

func (l *Printer) OnConnectionLost(ctx context.Context, server string, err error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	fmt.Fprintf(l.Out, "Connection Lost: %s: %s\n", server, errString(err))
}

// PackageLogger is a callback handler that prints to the logger.
type PackageLogger struct {
	logger *xlog.PackageLogger
}

func NewPackageLogger(logger *xlog.PackageLogger) *PackageLogger {
	return &PackageLogger{logger: logger}
}

func (l *PackageLogger) OnTurnStart(ctx context.Context, input string) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "turn_start",
		"input", input,
	)
}

func (l *PackageLogger) OnTurnEnd(ctx context.Context, res *dispatcher.TurnResult) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "turn_end",
		"stop", res.Stop,
		"rounds", res.Rounds,
		"calls", len(res.Calls),
		"duration", res.Duration,
		"err", errString(res.Err),
	)
}

func (l *PackageLogger) OnModelCallStart(ctx context.Context, model llms.Model, messages []llms.Message) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "model_call_start",
		"model", model.GetName(),
		"messages", len(messages),
	)
}

func (l *PackageLogger) OnModelCallEnd(ctx context.Context, model llms.Model, resp *llms.ContentResponse, err error) {
	if err != nil {
		l.logger.ContextKV(ctx, xlog.ERROR,
			"event", "model_call_error",
			"model", model.GetName(),
			"err", err.Error(),
		)
		return
	}
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "model_call_end",
		"model", model.GetName(),
		"tool_calls", len(resp.ToolCalls()),
	)
}

func (l *PackageLogger) OnToolStart(ctx context.Context, call *dispatcher.CallRecord) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "tool_start",
		"tool", call.Tool,
		"call_id", call.ID,
		"input", call.Arguments,
	)
}

func (l *PackageLogger) OnToolEnd(ctx context.Context, call *dispatcher.CallRecord) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "tool_end",
		"tool", call.Tool,
		"call_id", call.ID,
		"duration", call.Duration,
	)
}

func (l *PackageLogger) OnToolError(ctx context.Context, call *dispatcher.CallRecord) {
	l.logger.ContextKV(ctx, xlog.ERROR,
		"event", "tool_error",
		"tool", call.Tool,
		"call_id", call.ID,
		"err", errString(call.Err),
	)
}

func (l *PackageLogger) OnToolNotFound(ctx context.Context, call *dispatcher.CallRecord) {
	l.logger.ContextKV(ctx, xlog.DEBUG,
		"event", "tool_not_found",
		"tool", call.Tool,
	)
}

func (l *PackageLogger) OnConnectionLost(ctx context.Context, server string, err error) {
	l.logger.ContextKV(ctx, xlog.WARNING,
		"event", "connection_lost",
		"server", server,
		"err", errString(err),
	)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
