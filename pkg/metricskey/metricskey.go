package metricskey

import "github.com/effective-security/metrics"

// Stats
var (
	// StatsLLMMessagesSent is base for counter metric for total messages sent to LLM
	StatsLLMMessagesSent = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_messages_sent",
		Help:         "stats_llm_messages_sent provides total messages sent to LLM",
		RequiredTags: []string{"model"},
	}

	StatsDispatchRounds = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_dispatch_rounds",
		Help:         "stats_dispatch_rounds provides total rounds of tool calls dispatched",
		RequiredTags: []string{"model"},
	}

	StatsTurns = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_turns",
		Help:         "stats_turns provides total conversational turns by stop reason",
		RequiredTags: []string{"stop"},
	}

	StatsToolCallsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_succeeded",
		Help:         "stats_tool_calls_succeeded provides total tool calls succeeded",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_failed",
		Help:         "stats_tool_calls_failed provides total tool calls failed",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsNotFound = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_not_found",
		Help:         "stats_tool_calls_not_found provides total tool calls not found",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsCancelled = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_cancelled",
		Help:         "stats_tool_calls_cancelled provides total tool calls not issued because the turn was cancelled",
		RequiredTags: []string{"tool"},
	}

	StatsCompositeStepsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_composite_steps_succeeded",
		Help:         "stats_composite_steps_succeeded provides total composite steps succeeded",
		RequiredTags: []string{"composite"},
	}

	StatsCompositeStepsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_composite_steps_failed",
		Help:         "stats_composite_steps_failed provides total composite steps failed",
		RequiredTags: []string{"composite"},
	}

	StatsConnectionsLost = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_connections_lost",
		Help:         "stats_connections_lost provides total tool server connections lost",
		RequiredTags: []string{"server"},
	}
)

// Perf
var (
	PerfTurn = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_turn",
		Help:         "perf_turn provides duration of conversational turn",
		RequiredTags: []string{"model"},
	}

	PerfToolCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_tool_call",
		Help:         "perf_tool_call provides duration of tool call",
		RequiredTags: []string{"tool"},
	}

	PerfServerStart = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_server_start",
		Help:         "perf_server_start provides duration of tool server launch and discovery",
		RequiredTags: []string{"server"},
	}
)

// Metrics returns slice of metrics from this repo
// keep sorted by name
var Metrics = []*metrics.Describe{
	&PerfServerStart,
	&PerfToolCall,
	&PerfTurn,
	&StatsCompositeStepsFailed,
	&StatsCompositeStepsSucceeded,
	&StatsConnectionsLost,
	&StatsDispatchRounds,
	&StatsLLMMessagesSent,
	&StatsToolCallsCancelled,
	&StatsToolCallsFailed,
	&StatsToolCallsNotFound,
	&StatsToolCallsSucceeded,
	&StatsTurns,
}
