package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/catalog"
	"github.com/effective-security/toolhost/chatmodel"
	"github.com/effective-security/toolhost/mcp"
	"github.com/effective-security/toolhost/pkg/llms"
	"github.com/effective-security/toolhost/pkg/metricskey"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrToolFailed is recorded on a call whose tool reported isError.
var ErrToolFailed = errors.New("tool reported an error")

// StopReason tells why a turn ended.
type StopReason string

const (
	// StopAnswer means the model answered without requesting more tools
	StopAnswer StopReason = "answer"
	// StopChainLimit means the turn requested too many rounds or calls
	StopChainLimit StopReason = "chain_limit"
	// StopCancelled means the turn was interrupted
	StopCancelled StopReason = "cancelled"
)

// CallRecord is the outcome of one tool call requested by the model.
type CallRecord struct {
	// ID is the model's call id
	ID string `json:"id"`
	// Tool is the requested name, replaced by the qualified name once resolved
	Tool      string `json:"tool"`
	Server    string `json:"server,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Success   bool   `json:"success"`
	// Content is returned to the model, for failures it carries the detail
	Content   string        `json:"content,omitempty"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Conversation is the ordered history seen by the model during a turn.
type Conversation struct {
	System   string
	Messages []llms.Message
}

// Append adds messages at the end.
func (c *Conversation) Append(msgs ...llms.Message) {
	c.Messages = append(c.Messages, msgs...)
}

// Payload returns the messages sent to the model, led by the system prompt.
func (c *Conversation) Payload() []llms.Message {
	payload := make([]llms.Message, 0, len(c.Messages)+1)
	if c.System != "" {
		payload = append(payload, llms.MessageFromTextParts(llms.RoleSystem, c.System))
	}
	return append(payload, c.Messages...)
}

// TurnResult is the outcome of a turn.
type TurnResult struct {
	Input  string     `json:"input"`
	Answer string     `json:"answer,omitempty"`
	Stop   StopReason `json:"stop"`
	// Err is ErrChainLimitExceeded for StopChainLimit
	Err          error         `json:"-"`
	Rounds       int           `json:"rounds"`
	Calls        []*CallRecord `json:"calls,omitempty"`
	Duration     time.Duration `json:"duration"`
	Conversation *Conversation `json:"-"`
}

// Turn runs one conversational turn for input.
//
// Tool failures are returned to the model and never fail the turn. A turn
// exceeding the chain limit ends with StopChainLimit, and a cancelled ctx
// ends it with StopCancelled: calls not yet issued are skipped while issued
// calls finish. Only a model failure is returned as error.
func (d *Dispatcher) Turn(ctx context.Context, input string) (*TurnResult, error) {
	d.turnLock.Lock()
	defer d.turnLock.Unlock()

	chat := chatmodel.GetChatContext(ctx)
	if chat == nil {
		chat = d.chat
		ctx = chatmodel.WithChatContext(ctx, chat)
	}
	runID := chat.NextRun()

	started := time.Now()
	modelName := d.model.GetName()
	defer metricskey.PerfTurn.MeasureSince(started, modelName)

	if d.callback != nil {
		d.callback.OnTurnStart(ctx, input)
	}

	conv := &Conversation{
		System:   d.cfg.SystemPrompt,
		Messages: d.store.Messages(ctx),
	}
	human := llms.MessageFromTextParts(llms.RoleHuman, input)
	conv.Append(human)

	res := &TurnResult{
		Input:        input,
		Conversation: conv,
	}

	err := d.run(ctx, res)
	res.Duration = time.Since(started)
	if err != nil {
		res.Err = err
		logger.ContextKV(ctx, xlog.ERROR,
			"run_id", runID,
			"status", "turn_failed",
			"rounds", res.Rounds,
			"err", err.Error(),
		)
		if d.callback != nil {
			d.callback.OnTurnEnd(ctx, res)
		}
		return res, err
	}

	metricskey.StatsTurns.IncrCounter(1, string(res.Stop))
	if res.Stop == StopAnswer {
		if serr := d.store.Add(ctx, human, llms.MessageFromTextParts(llms.RoleAI, res.Answer)); serr != nil {
			logger.ContextKV(ctx, xlog.WARNING,
				"run_id", runID,
				"status", "history_not_saved",
				"err", serr.Error(),
			)
		}
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"run_id", runID,
		"status", "turn_completed",
		"stop", res.Stop,
		"rounds", res.Rounds,
		"calls", len(res.Calls),
		"answer", slices.StringUpto(res.Answer, 64),
	)
	if d.callback != nil {
		d.callback.OnTurnEnd(ctx, res)
	}
	return res, nil
}

// Reset clears the history of the chat.
func (d *Dispatcher) Reset(ctx context.Context) error {
	if chatmodel.GetChatContext(ctx) == nil {
		ctx = chatmodel.WithChatContext(ctx, d.chat)
	}
	return d.store.Reset(ctx)
}

// run alternates model calls and dispatch rounds until the model answers.
func (d *Dispatcher) run(ctx context.Context, res *TurnResult) error {
	conv := res.Conversation
	modelName := d.model.GetName()

	for {
		if ctx.Err() != nil {
			res.Stop = StopCancelled
			return nil
		}

		payload := conv.Payload()
		opts := append([]llms.CallOption{}, d.callOpts...)
		opts = append(opts, llms.WithTools(d.catalog.Export()))

		if d.callback != nil {
			d.callback.OnModelCallStart(ctx, d.model, payload)
		}
		metricskey.StatsLLMMessagesSent.IncrCounter(float64(len(payload)), modelName)
		resp, err := d.model.GenerateContent(ctx, payload, opts...)
		if d.callback != nil {
			d.callback.OnModelCallEnd(ctx, d.model, resp, err)
		}
		if err != nil {
			if ctx.Err() != nil {
				res.Stop = StopCancelled
				return nil
			}
			return errors.WithMessagef(err, "model %s", modelName)
		}

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			res.Answer = resp.Text()
			res.Stop = StopAnswer
			conv.Append(llms.MessageFromTextParts(llms.RoleAI, res.Answer))
			return nil
		}

		if res.Rounds >= d.cfg.MaxRounds || len(res.Calls)+len(calls) > d.cfg.MaxToolCalls {
			res.Stop = StopChainLimit
			res.Answer = resp.Text()
			res.Err = errors.WithMessagef(ErrChainLimitExceeded,
				"%d rounds and %d calls done, %d more calls requested (limits: %d rounds, %d calls)",
				res.Rounds, len(res.Calls), len(calls), d.cfg.MaxRounds, d.cfg.MaxToolCalls)
			logger.ContextKV(ctx, xlog.WARNING,
				"status", "chain_limit_exceeded",
				"rounds", res.Rounds,
				"calls", len(res.Calls),
				"requested", len(calls),
			)
			return nil
		}

		res.Rounds++
		metricskey.StatsDispatchRounds.IncrCounter(1, modelName)

		for i := range calls {
			calls[i].ID = values.StringsCoalesce(calls[i].ID, "call_"+uuid.NewString())
			calls[i].Type = values.StringsCoalesce(calls[i].Type, "function")
			if calls[i].FunctionCall == nil {
				calls[i].FunctionCall = &llms.FunctionCall{}
			}
		}

		records := d.dispatch(ctx, calls)
		res.Calls = append(res.Calls, records...)

		ai := llms.MessageFromToolCalls(llms.RoleAI, calls...)
		if text := resp.Text(); text != "" {
			ai.Parts = append([]llms.ContentPart{llms.TextPart(text)}, ai.Parts...)
		}
		results := make([]llms.ToolCallResponse, 0, len(records))
		for _, rec := range records {
			results = append(results, llms.ToolCallResponse{
				ToolCallID: rec.ID,
				Name:       rec.Tool,
				Content:    rec.Content,
				IsError:    !rec.Success,
			})
		}
		conv.Append(ai, llms.MessageFromToolResults(results...))

		if ctx.Err() != nil {
			res.Stop = StopCancelled
			return nil
		}
	}
}

// Call runs one tool outside of a turn, the way a model call would run,
// and leaves the conversation unchanged. The record holds the rendered
// result or the failure detail.
func (d *Dispatcher) Call(ctx context.Context, name, arguments string) *CallRecord {
	rec := &CallRecord{
		ID:        "call_" + uuid.NewString(),
		Tool:      name,
		Arguments: arguments,
	}
	d.execute(ctx, rec)
	return rec
}

// dispatch runs calls concurrently and returns their records in call order.
// Once ctx is cancelled the calls not yet started are recorded as cancelled;
// started calls run on a context detached from the cancellation.
func (d *Dispatcher) dispatch(ctx context.Context, calls []llms.ToolCall) []*CallRecord {
	records := make([]*CallRecord, len(calls))
	for i, tc := range calls {
		records[i] = &CallRecord{
			ID:        tc.ID,
			Tool:      tc.FunctionCall.Name,
			Arguments: tc.FunctionCall.Arguments,
		}
	}

	detached := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(d.cfg.MaxParallel)
	for _, rec := range records {
		if ctx.Err() != nil {
			d.cancelled(ctx, rec)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				d.cancelled(ctx, rec)
				return nil
			}
			d.execute(detached, rec)
			return nil
		})
	}
	_ = g.Wait()
	return records
}

func (d *Dispatcher) cancelled(ctx context.Context, rec *CallRecord) {
	rec.Cancelled = true
	rec.Err = errors.WithMessagef(context.Canceled, "call %s was not issued", rec.Tool)
	rec.Content = "Error: the call was cancelled before it started"
	metricskey.StatsToolCallsCancelled.IncrCounter(1, rec.Tool)
	logger.ContextKV(ctx, xlog.DEBUG,
		"tool", rec.Tool,
		"call_id", rec.ID,
		"status", "cancelled",
	)
}

// execute resolves and runs one call and fills rec.
func (d *Dispatcher) execute(ctx context.Context, rec *CallRecord) {
	td, err := d.catalog.Resolve(rec.Tool)
	if err != nil {
		rec.Err = err
		rec.Content = fmt.Sprintf("Error: tool %q not found. Check the tool name and try again with an exact match. Available tools: %s",
			rec.Tool, strings.Join(d.availableTools(), ", "))
		metricskey.StatsToolCallsNotFound.IncrCounter(1, rec.Tool)
		logger.ContextKV(ctx, xlog.WARNING,
			"tool", rec.Tool,
			"call_id", rec.ID,
			"status", "tool_not_found",
		)
		if d.callback != nil {
			d.callback.OnToolNotFound(ctx, rec)
		}
		return
	}
	rec.Tool = td.Name
	rec.Server = td.Server

	if d.callback != nil {
		d.callback.OnToolStart(ctx, rec)
	}

	started := time.Now()
	err = d.call(ctx, td, rec)
	rec.Duration = time.Since(started)
	metricskey.PerfToolCall.MeasureSince(started, td.Name)

	if err != nil {
		rec.Err = err
		if rec.Content == "" {
			rec.Content = "Error: " + err.Error()
		}
		metricskey.StatsToolCallsFailed.IncrCounter(1, td.Name)
		logger.ContextKV(ctx, xlog.WARNING,
			"tool", td.Name,
			"call_id", rec.ID,
			"status", "tool_call_failed",
			"err", err.Error(),
		)
		if d.callback != nil {
			d.callback.OnToolError(ctx, rec)
		}
		return
	}

	rec.Success = true
	metricskey.StatsToolCallsSucceeded.IncrCounter(1, td.Name)
	logger.ContextKV(ctx, xlog.DEBUG,
		"tool", td.Name,
		"call_id", rec.ID,
		"status", "tool_call_succeeded",
		"duration", rec.Duration,
	)
	if d.callback != nil {
		d.callback.OnToolEnd(ctx, rec)
	}
}

// call runs a resolved tool and sets rec.Content.
func (d *Dispatcher) call(ctx context.Context, td *catalog.ToolDescriptor, rec *CallRecord) error {
	args := map[string]any{}
	if raw := strings.TrimSpace(rec.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return errors.Wrapf(catalog.ErrInvalidArguments, "%s: arguments are not a JSON object: %s", td.Name, err.Error())
		}
		if args == nil {
			args = map[string]any{}
		}
	}
	if err := td.Validate(args); err != nil {
		return err
	}

	if td.Kind == catalog.KindComposite {
		spec, ok := d.runner.Lookup(td.Name)
		if !ok {
			return errors.WithMessagef(catalog.ErrUnknownTool, "composite %q", td.Name)
		}
		cres, err := d.runner.Execute(ctx, spec, args)
		if cres != nil {
			rec.Content = cres.String()
		}
		if err != nil {
			if cres != nil && cres.Failed != nil && mcp.IsFatal(cres.Failed.Err) {
				d.markDead(ctx, cres.Failed.Server, cres.Failed.Err)
			}
			return err
		}
		return nil
	}

	if td.Conn == nil {
		return errors.Errorf("tool %s has no connection", td.Name)
	}
	res, err := td.Conn.CallTool(ctx, td.ToolName, args, d.cfg.CallTimeout.Duration())
	if err != nil {
		if mcp.IsFatal(err) {
			d.markDead(ctx, td.Server, err)
		}
		return err
	}
	rec.Content = mcp.RenderResult(res)
	if res.IsError {
		if rec.Content == "" {
			rec.Content = "Error: " + ErrToolFailed.Error()
		}
		return errors.WithMessagef(ErrToolFailed, "%s: %s", td.Name, slices.StringUpto(rec.Content, 256))
	}
	return nil
}

func (d *Dispatcher) availableTools() []string {
	list := d.catalog.Export()
	names := make([]string, len(list))
	for i, t := range list {
		names[i] = t.Function.Name
	}
	return names
}
