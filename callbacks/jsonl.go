package callbacks

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/chatmodel"
	"github.com/effective-security/toolhost/dispatcher"
	"github.com/effective-security/toolhost/pkg/llms"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolhost", "callbacks")

// DefaultJSONLBuffer is the number of records queued before new ones are dropped.
const DefaultJSONLBuffer = 1024

// Record is one line of the interaction log.
type Record struct {
	TS      string `json:"ts"`
	Role    string `json:"role"`
	Event   string `json:"event"`
	ChatID  string `json:"chat_id,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// JSONL appends interaction records to a writer, one JSON object per line.
// Records are written by a background goroutine; when its queue is full the
// record is dropped, so logging never blocks a turn.
type JSONL struct {
	out     io.WriteCloser
	ch      chan *Record
	done    chan struct{}
	dropped atomic.Uint64

	lock   sync.RWMutex
	closed bool
}

// OpenJSONL opens path for appending, creating its folder.
func OpenJSONL(path string, buffer int) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create log folder")
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open interaction log")
	}
	return NewJSONL(f, buffer), nil
}

// NewJSONL starts writing to out. Close closes out.
func NewJSONL(out io.WriteCloser, buffer int) *JSONL {
	if buffer <= 0 {
		buffer = DefaultJSONLBuffer
	}
	l := &JSONL{
		out:  out,
		ch:   make(chan *Record, buffer),
		done: make(chan struct{}),
	}
	go l.write()
	return l
}

func (l *JSONL) write() {
	defer close(l.done)
	enc := json.NewEncoder(l.out)
	for rec := range l.ch {
		if err := enc.Encode(rec); err != nil {
			logger.KV(xlog.ERROR, "status", "failed_to_write_record", "event", rec.Event, "err", err.Error())
		}
	}
}

// Log queues rec, or drops it if the queue is full or the log is closed.
func (l *JSONL) Log(rec *Record) {
	if rec.TS == "" {
		rec.TS = TimeNowFn().UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}

	l.lock.RLock()
	defer l.lock.RUnlock()
	if l.closed {
		l.dropped.Add(1)
		return
	}
	select {
	case l.ch <- rec:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns the number of records that were not written.
func (l *JSONL) Dropped() uint64 {
	return l.dropped.Load()
}

// Close flushes the queued records and closes the writer.
func (l *JSONL) Close() error {
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return nil
	}
	l.closed = true
	close(l.ch)
	l.lock.Unlock()

	<-l.done
	if n := l.Dropped(); n > 0 {
		logger.KV(xlog.WARNING, "status", "records_dropped", "count", n)
	}
	return l.out.Close()
}

func (l *JSONL) log(ctx context.Context, role, event, tool string, payload any) {
	l.Log(&Record{
		Role:    role,
		Event:   event,
		ChatID:  chatmodel.GetChatID(ctx),
		Tool:    tool,
		Payload: payload,
	})
}

func (l *JSONL) OnTurnStart(ctx context.Context, input string) {
	l.log(ctx, "user", "input", "", input)
}

func (l *JSONL) OnTurnEnd(ctx context.Context, res *dispatcher.TurnResult) {
	l.log(ctx, "assistant", "turn_end", "", map[string]any{
		"stop":        res.Stop,
		"answer":      res.Answer,
		"rounds":      res.Rounds,
		"calls":       len(res.Calls),
		"duration_ms": res.Duration.Milliseconds(),
		"error":       errString(res.Err),
	})
}

func (l *JSONL) OnModelCallStart(ctx context.Context, model llms.Model, messages []llms.Message) {
	l.log(ctx, "host", "model_request", "", map[string]any{
		"model":    model.GetName(),
		"messages": len(messages),
	})
}

func (l *JSONL) OnModelCallEnd(ctx context.Context, model llms.Model, resp *llms.ContentResponse, err error) {
	if err != nil {
		l.log(ctx, "assistant", "model_error", "", map[string]any{
			"model": model.GetName(),
			"error": err.Error(),
		})
		return
	}
	calls := []map[string]any{}
	for _, tc := range resp.ToolCalls() {
		if tc.FunctionCall == nil {
			continue
		}
		calls = append(calls, map[string]any{
			"id":        tc.ID,
			"name":      tc.FunctionCall.Name,
			"arguments": tc.FunctionCall.Arguments,
		})
	}
	l.log(ctx, "assistant", "model_response", "", map[string]any{
		"model":      model.GetName(),
		"text":       resp.Text(),
		"tool_calls": calls,
	})
}

func (l *JSONL) OnToolStart(ctx context.Context, call *dispatcher.CallRecord) {
	l.log(ctx, "tool", "tool_call", call.Tool, map[string]any{
		"id":        call.ID,
		"server":    call.Server,
		"arguments": call.Arguments,
	})
}

func (l *JSONL) OnToolEnd(ctx context.Context, call *dispatcher.CallRecord) {
	l.log(ctx, "tool", "tool_result", call.Tool, map[string]any{
		"id":          call.ID,
		"content":     call.Content,
		"duration_ms": call.Duration.Milliseconds(),
	})
}

func (l *JSONL) OnToolError(ctx context.Context, call *dispatcher.CallRecord) {
	l.log(ctx, "tool", "tool_error", call.Tool, map[string]any{
		"id":          call.ID,
		"content":     call.Content,
		"error":       errString(call.Err),
		"duration_ms": call.Duration.Milliseconds(),
	})
}

func (l *JSONL) OnToolNotFound(ctx context.Context, call *dispatcher.CallRecord) {
	l.log(ctx, "tool", "tool_not_found", call.Tool, map[string]any{
		"id": call.ID,
	})
}

func (l *JSONL) OnConnectionLost(ctx context.Context, server string, err error) {
	l.log(ctx, "host", "connection_lost", "", map[string]any{
		"server": server,
		"error":  errString(err),
	})
}
