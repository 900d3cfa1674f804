package composite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/template"
	"text/template/parse"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/catalog"
	"github.com/effective-security/toolhost/mcp"
	"github.com/effective-security/toolhost/pkg/metricskey"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolhost", "composite")

// ErrStepFailed is returned when a composite tool aborted at one of its steps.
var ErrStepFailed = errors.New("composite step failed")

// Resolver finds the tool called by a step.
type Resolver interface {
	Resolve(name string) (*catalog.ToolDescriptor, error)
}

// StepResult is the outcome of one step.
type StepResult struct {
	Name string `json:"name"`
	// Tool is the qualified name of the called tool
	Tool string `json:"tool"`
	// Server owning the tool
	Server    string         `json:"server,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Text      string         `json:"text,omitempty"`
	// Structured is the decoded structuredContent of the result
	Structured any           `json:"structured,omitempty"`
	Duration   time.Duration `json:"duration"`
	// Detail describes the failure
	Detail string `json:"detail,omitempty"`
	// Err is the transport error, nil when the tool itself reported the failure
	Err error `json:"-"`
}

// Result is the outcome of a composite execution.
// On failure Completed lists the steps before the failed one.
type Result struct {
	Name      string        `json:"name"`
	Completed []*StepResult `json:"completed"`
	Failed    *StepResult   `json:"failed,omitempty"`
}

// Success returns true if every step completed.
func (r *Result) Success() bool {
	return r.Failed == nil
}

// String renders the result for the model.
func (r *Result) String() string {
	var b strings.Builder
	if r.Failed == nil {
		fmt.Fprintf(&b, "%s completed %d steps:\n", r.Name, len(r.Completed))
	} else {
		fmt.Fprintf(&b, "%s failed at step %d (%s) after %d completed steps:\n",
			r.Name, len(r.Completed)+1, r.Failed.Name, len(r.Completed))
	}
	for i, st := range r.Completed {
		fmt.Fprintf(&b, "%d. %s [%s]: ok", i+1, st.Name, st.Tool)
		if st.Text != "" {
			fmt.Fprintf(&b, ": %s", st.Text)
		}
		b.WriteByte('\n')
	}
	if r.Failed != nil {
		fmt.Fprintf(&b, "%d. %s [%s]: failed: %s\n", len(r.Completed)+1, r.Failed.Name, r.Failed.Tool, r.Failed.Detail)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Option configures a Runner
type Option func(*Runner)

// WithCallTimeout sets the timeout of every step call.
// Zero uses the server default.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.timeout = d
	}
}

// Runner executes composite tools. Steps of one execution run in order,
// while separate executions may run concurrently.
type Runner struct {
	tools   Resolver
	timeout time.Duration

	lock  sync.RWMutex
	specs map[string]*Spec
}

// NewRunner returns a runner resolving step tools through tools.
func NewRunner(tools Resolver, opts ...Option) *Runner {
	r := &Runner{
		tools: tools,
		specs: make(map[string]*Spec),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates spec, adds it to the catalog and makes it available to Lookup.
func (r *Runner) Register(cat *catalog.Catalog, spec Spec) (*catalog.ToolDescriptor, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	sc, err := spec.Schema()
	if err != nil {
		return nil, err
	}
	for _, st := range spec.Steps {
		if err = checkTemplates(st.Arguments); err != nil {
			return nil, errors.WithMessagef(err, "composite %q step %q", spec.Name, st.Name)
		}
	}

	d, err := cat.RegisterComposite(spec.Name, spec.Description, sc)
	if err != nil {
		return nil, err
	}

	s := spec
	if s.Vars == nil {
		s.Vars = map[string]any{}
	}
	r.lock.Lock()
	r.specs[d.Name] = &s
	r.lock.Unlock()
	return d, nil
}

// Lookup returns the spec registered under the qualified name.
func (r *Runner) Lookup(name string) (*Spec, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// Names returns the registered composite names, sorted.
func (r *Runner) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the steps of spec in order and aborts on the first failure:
// a transport error, a tool reporting isError, an unknown tool or arguments
// that do not render or validate. Completed steps are not rolled back.
// On failure the returned result is not nil and the error wraps ErrStepFailed.
func (r *Runner) Execute(ctx context.Context, spec *Spec, args map[string]any) (*Result, error) {
	if args == nil {
		args = map[string]any{}
	}
	vars := spec.Vars
	if vars == nil {
		vars = map[string]any{}
	}
	steps := make(map[string]any, len(spec.Steps))
	data := map[string]any{
		"args":  args,
		"vars":  vars,
		"steps": steps,
	}

	res := &Result{Name: spec.Name}
	for i, st := range spec.Steps {
		sr := r.step(ctx, st, data)
		if sr.Detail != "" {
			metricskey.StatsCompositeStepsFailed.IncrCounter(1, spec.Name)
			res.Failed = sr
			logger.ContextKV(ctx, xlog.WARNING,
				"composite", spec.Name,
				"status", "step_failed",
				"step", st.Name,
				"index", i+1,
				"completed", len(res.Completed),
				"detail", sr.Detail,
			)
			err := errors.Wrapf(ErrStepFailed, "%s: step %d (%s): %s", spec.Name, i+1, st.Name, sr.Detail)
			if sr.Err != nil {
				err = errors.WithSecondaryError(err, sr.Err)
			}
			return res, err
		}
		metricskey.StatsCompositeStepsSucceeded.IncrCounter(1, spec.Name)
		res.Completed = append(res.Completed, sr)
		steps[st.Name] = map[string]any{
			"text":       sr.Text,
			"structured": sr.Structured,
		}
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"composite", spec.Name,
		"status", "completed",
		"steps", len(res.Completed),
	)
	return res, nil
}

func (r *Runner) step(ctx context.Context, st Step, data map[string]any) *StepResult {
	sr := &StepResult{Name: st.Name, Tool: st.Tool}

	d, err := r.tools.Resolve(st.Tool)
	if err != nil {
		sr.Detail = err.Error()
		return sr
	}
	sr.Tool = d.Name
	sr.Server = d.Server
	if d.Kind != catalog.KindServer || d.Conn == nil {
		sr.Detail = fmt.Sprintf("tool %s cannot be called from a composite step", d.Name)
		return sr
	}

	rendered, err := render(st.Arguments, data)
	if err != nil {
		sr.Detail = err.Error()
		return sr
	}
	args, _ := rendered.(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	sr.Arguments = args

	if err = d.Validate(args); err != nil {
		sr.Detail = err.Error()
		return sr
	}

	started := time.Now()
	res, err := d.Conn.CallTool(ctx, d.ToolName, args, r.timeout)
	sr.Duration = time.Since(started)
	metricskey.PerfToolCall.MeasureSince(started, d.Name)
	if err != nil {
		sr.Err = err
		sr.Detail = err.Error()
		return sr
	}

	sr.Text = mcp.RenderResult(res)
	if len(res.StructuredContent) > 0 {
		_ = json.Unmarshal(res.StructuredContent, &sr.Structured)
	}
	if res.IsError {
		sr.Detail = sr.Text
		if sr.Detail == "" {
			sr.Detail = "tool reported an error"
		}
	}
	return sr
}

// captureFunc receives the value of a whole-value argument template
const captureFunc = "captureArgumentValue"

// blankFunc prints a missing value as an empty string
const blankFunc = "blankMissingValue"

func blankMissing(v any) any {
	if v == nil {
		return ""
	}
	return v
}

func newTemplate(text string) (*template.Template, error) {
	return template.New("arg").
		Funcs(sprig.TxtFuncMap()).
		Funcs(template.FuncMap{blankFunc: blankMissing}).
		Parse(text)
}

// wholeValue returns the pipeline of a template made of a single action
// and nothing else, like "{{ .args.ms }}".
func wholeValue(t *template.Template) *parse.PipeNode {
	if t.Tree == nil || t.Tree.Root == nil || len(t.Tree.Root.Nodes) != 1 {
		return nil
	}
	action, ok := t.Tree.Root.Nodes[0].(*parse.ActionNode)
	if !ok || len(action.Pipe.Decl) > 0 {
		return nil
	}
	return action.Pipe
}

// blankActions ends every printing action of the list with blankFunc.
func blankActions(list *parse.ListNode, blank *parse.CommandNode) {
	if list == nil {
		return
	}
	for _, n := range list.Nodes {
		switch node := n.(type) {
		case *parse.ActionNode:
			if len(node.Pipe.Decl) == 0 {
				node.Pipe.Cmds = append(node.Pipe.Cmds, blank.Copy().(*parse.CommandNode))
			}
		case *parse.IfNode:
			blankActions(node.List, blank)
			blankActions(node.ElseList, blank)
		case *parse.RangeNode:
			blankActions(node.List, blank)
			blankActions(node.ElseList, blank)
		case *parse.WithNode:
			blankActions(node.List, blank)
			blankActions(node.ElseList, blank)
		}
	}
}

// renderString executes a string template. A single action keeps the type
// of its value, so numbers, booleans, lists and objects pass through, and a
// missing value yields nil. Text mixed with actions renders to a string
// where a missing value prints as nothing.
func renderString(text string, data map[string]any) (any, error) {
	t, err := newTemplate(text)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid template %q", text)
	}

	if pipe := wholeValue(t); pipe != nil {
		var value any
		capture := template.FuncMap{
			captureFunc: func(v any) string {
				value = v
				return ""
			},
		}
		vt, err := template.New("value").Funcs(sprig.TxtFuncMap()).Funcs(capture).
			Parse("{{ " + pipe.String() + " | " + captureFunc + " }}")
		if err == nil {
			if err = vt.Execute(io.Discard, data); err != nil {
				return nil, errors.Wrapf(err, "failed to render %q", text)
			}
			return value, nil
		}
	}

	bt, err := newTemplate("{{ 0 | " + blankFunc + " }}")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	blank := bt.Tree.Root.Nodes[0].(*parse.ActionNode).Pipe.Cmds[1]
	blankActions(t.Tree.Root, blank)

	var buf bytes.Buffer
	if err = t.Execute(&buf, data); err != nil {
		return nil, errors.Wrapf(err, "failed to render %q", text)
	}
	return buf.String(), nil
}

// render walks the argument tree and executes every string as a template.
// Object keys whose template yields no value are dropped.
func render(v any, data map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, "{{") {
			return val, nil
		}
		return renderString(val, data)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			r, err := render(child, data)
			if err != nil {
				return nil, err
			}
			if _, isTemplate := child.(string); isTemplate && r == nil {
				continue
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			r, err := render(child, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

// checkTemplates parses every template of the argument tree.
func checkTemplates(v any) error {
	switch val := v.(type) {
	case string:
		if strings.Contains(val, "{{") {
			if _, err := newTemplate(val); err != nil {
				return errors.Wrapf(err, "invalid template %q", val)
			}
		}
	case map[string]any:
		for _, child := range val {
			if err := checkTemplates(child); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range val {
			if err := checkTemplates(child); err != nil {
				return err
			}
		}
	}
	return nil
}
