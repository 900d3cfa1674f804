package callbacks

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/effective-security/toolhost/chatmodel"
	"github.com/effective-security/toolhost/dispatcher"
	"github.com/effective-security/toolhost/pkg/llms"
	"github.com/effective-security/toolhost/pkg/llmutils"
)

var TimeNowFn = time.Now

// RunStats are the counters of one turn.
type RunStats struct {
	ChatID string
	RunID  string

	Duration            time.Duration
	TotalMessages       uint32
	LLMBytesOut         uint64
	LLMBytesIn          uint64
	InputTokens         int64
	OutputTokens        int64
	ModelCalls          uint32
	ModelCallsFailed    uint32
	ToolsCalls          uint32
	ToolsCallsSucceeded uint32
	ToolsCallsFailed    uint32
	ToolNotFound        uint32
	ConnectionsLost     uint32
}

// Scratchpad records a transcript and counters for each turn of a chat.
// A run starts with the turn and its report is kept until Report is called.
type Scratchpad struct {
	runs    map[string]*run
	reports map[string]*report
	mode    Mode
	lock    sync.Mutex
}

type report struct {
	stats RunStats
	text  []byte
}

func NewScratchpad(mode Mode) *Scratchpad {
	return &Scratchpad{
		runs:    make(map[string]*run),
		reports: make(map[string]*report),
		mode:    mode,
	}
}

// Report returns and clears the report of the last finished turn of the chat in ctx.
func (l *Scratchpad) Report(ctx context.Context) (*RunStats, []byte) {
	chatID := chatmodel.GetChatID(ctx)

	l.lock.Lock()
	defer l.lock.Unlock()
	r := l.reports[chatID]
	if r == nil {
		return nil, nil
	}
	delete(l.reports, chatID)
	return &r.stats, r.text
}

func (l *Scratchpad) getRun(ctx context.Context) *run {
	l.lock.Lock()
	defer l.lock.Unlock()

	chatCtx := chatmodel.GetChatContext(ctx)
	if chatCtx == nil {
		return nil
	}
	return l.runs[chatCtx.GetChatID()]
}

func (l *Scratchpad) OnTurnStart(ctx context.Context, input string) {
	chatCtx := chatmodel.GetChatContext(ctx)
	if chatCtx == nil {
		return
	}

	r := &run{
		stats: RunStats{
			ChatID: chatCtx.GetChatID(),
			RunID:  chatCtx.RunID(),
		},
		chatCtx: chatCtx,
		started: time.Now(),
	}
	l.lock.Lock()
	l.runs[chatCtx.GetChatID()] = r
	l.lock.Unlock()

	r.print("*** Turn Started ***")
	r.print("Input:", input)
}

func (l *Scratchpad) OnTurnEnd(ctx context.Context, res *dispatcher.TurnResult) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}

	if l.mode == ModeVerbose && res.Answer != "" {
		r.print("Answer:", res.Answer)
	}
	if res.Err != nil {
		r.print("*** Error ***", res.Err.Error())
	}

	stats := r.stats
	stats.Duration = time.Since(r.started)

	r.print(fmt.Sprintf("Tool calls: %d, Failed: %d, Not Found: %d, Connections Lost: %d",
		stats.ToolsCalls,
		stats.ToolsCallsFailed,
		stats.ToolNotFound,
		stats.ConnectionsLost,
	))
	r.print(fmt.Sprintf("Model calls: %d, Failed: %d, Messages: %d, Bytes Out: %d, Bytes In: %d, Tokens In: %d, Tokens Out: %d",
		stats.ModelCalls,
		stats.ModelCallsFailed,
		stats.TotalMessages,
		stats.LLMBytesOut,
		stats.LLMBytesIn,
		stats.InputTokens,
		stats.OutputTokens,
	))
	r.print(fmt.Sprintf("*** Turn Ended: %s. Rounds: %d, Duration: %s ***", res.Stop, res.Rounds, stats.Duration))

	l.lock.Lock()
	delete(l.runs, r.chatCtx.GetChatID())
	l.reports[r.chatCtx.GetChatID()] = &report{stats: stats, text: r.bytes()}
	l.lock.Unlock()
}

func (l *Scratchpad) printMessages(messages []llms.Message) string {
	var buf strings.Builder
	buf.WriteString("Messages:\n")
	for idx, msg := range messages {
		fmt.Fprintf(&buf, "[%d] %s:\n", idx, msg.Role)
		textParts := 0
		toolParts := 0
		toolResponseParts := 0
		for _, part := range msg.Parts {
			switch typ := part.(type) {
			case llms.TextContent:
				textParts++
			case llms.ToolCall:
				toolParts++
				buf.WriteString("  - ")
				buf.WriteString(typ.String())
				buf.WriteString("\n")
			case llms.ToolCallResponse:
				toolResponseParts++
				buf.WriteString("  - ")
				buf.WriteString(typ.String())
				buf.WriteString("\n")
			}
		}

		fmt.Fprintf(&buf, "  - %d texts, %d tool calls, %d tool responses\n", textParts, toolParts, toolResponseParts)
	}
	return buf.String()
}

func (l *Scratchpad) OnModelCallStart(ctx context.Context, model llms.Model, payload []llms.Message) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}

	atomic.AddUint64(&r.stats.LLMBytesOut, llmutils.CountMessagesContentSize(payload))
	atomic.AddUint32(&r.stats.ModelCalls, 1)
	count := uint32(len(payload))
	atomic.AddUint32(&r.stats.TotalMessages, count)

	r.print("*** Model Call ***", fmt.Sprintf("%s model, %d messages", model.GetName(), count))
	if l.mode == ModeVerbose {
		r.print(l.printMessages(payload))
	}
}

func (l *Scratchpad) OnModelCallEnd(ctx context.Context, model llms.Model, resp *llms.ContentResponse, err error) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}
	if err != nil {
		atomic.AddUint32(&r.stats.ModelCallsFailed, 1)
		r.print("*** Model Call Error ***", err.Error())
		return
	}
	atomic.AddUint64(&r.stats.LLMBytesIn, llmutils.CountResponseContentSize(resp))
	in, out, _ := llmutils.CountTokens(resp)
	atomic.AddInt64(&r.stats.InputTokens, in)
	atomic.AddInt64(&r.stats.OutputTokens, out)
	r.print("*** Model Call End ***", fmt.Sprintf("%s model, %d tool calls", model.GetName(), len(resp.ToolCalls())))
}

func (l *Scratchpad) OnToolStart(ctx context.Context, call *dispatcher.CallRecord) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}
	atomic.AddUint32(&r.stats.ToolsCalls, 1)
	r.print(call.Tool, "*** Tool Start ***")
	r.print(call.Tool, "Input:", call.Arguments)
}

func (l *Scratchpad) OnToolEnd(ctx context.Context, call *dispatcher.CallRecord) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}
	atomic.AddUint32(&r.stats.ToolsCallsSucceeded, 1)
	if l.mode == ModeVerbose {
		r.print(call.Tool, "Output:", call.Content)
	}
	r.print(call.Tool, "*** Tool End ***")
}

func (l *Scratchpad) OnToolError(ctx context.Context, call *dispatcher.CallRecord) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}
	atomic.AddUint32(&r.stats.ToolsCallsFailed, 1)
	r.print(call.Tool, "*** Tool Error ***", errString(call.Err))
}

func (l *Scratchpad) OnToolNotFound(ctx context.Context, call *dispatcher.CallRecord) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}
	atomic.AddUint32(&r.stats.ToolNotFound, 1)
	r.print("*** Tool Not Found ***", call.Tool)
}

func (l *Scratchpad) OnConnectionLost(ctx context.Context, server string, err error) {
	r := l.getRun(ctx)
	if r == nil {
		return
	}
	atomic.AddUint32(&r.stats.ConnectionsLost, 1)
	r.print(server, "*** Connection Lost ***", errString(err))
}

type run struct {
	chatCtx chatmodel.ChatContext
	w       bytes.Buffer
	started time.Time
	lock    sync.Mutex
	stats   RunStats
}

// print writes the entries to the run's output.
// The entries are written in the following format:
// [timestamp chatID.runID] entry entry\n
func (r *run) print(entries ...string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	now := TimeNowFn()
	ts := now.Format("2006-01-02 15:04:05")

	_, _ = r.w.WriteString(ts)
	_, _ = r.w.WriteString(" ")
	_, _ = r.w.WriteString(r.chatCtx.GetChatID())
	_, _ = r.w.WriteString(".")
	_, _ = r.w.WriteString(r.chatCtx.RunID())
	_, _ = r.w.WriteString(" ")

	for i, entry := range entries {
		if i > 0 {
			_, _ = r.w.WriteString(" ")
		}
		_, _ = r.w.WriteString(entry)
	}
	_, _ = r.w.WriteString("\n")
}

func (r *run) bytes() []byte {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]byte(nil), r.w.Bytes()...)
}
