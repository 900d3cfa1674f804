// Package llms defines the model-facing types used by the dispatcher:
// conversation messages, tool definitions, tool calls and their responses,
// and the Model interface implemented by provider adapters.
//
// The `llms.go` file contains the Model interface.
//
// The `options.go` file provides the call options, including the tools
// advertised to the model.
package llms
