package dispatcher

import (
	"context"

	"github.com/effective-security/toolhost/pkg/llms"
)

// Callback receives the events of a turn. Tool events are delivered from
// concurrent goroutines, so implementations must be safe for concurrent use.
type Callback interface {
	OnTurnStart(ctx context.Context, input string)
	OnTurnEnd(ctx context.Context, res *TurnResult)
	OnModelCallStart(ctx context.Context, model llms.Model, messages []llms.Message)
	OnModelCallEnd(ctx context.Context, model llms.Model, resp *llms.ContentResponse, err error)
	OnToolStart(ctx context.Context, call *CallRecord)
	OnToolEnd(ctx context.Context, call *CallRecord)
	OnToolError(ctx context.Context, call *CallRecord)
	OnToolNotFound(ctx context.Context, call *CallRecord)
	OnConnectionLost(ctx context.Context, server string, err error)
}
