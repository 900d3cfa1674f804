package llms

import (
	"github.com/invopop/jsonschema"
)

// CallOption configures one GenerateContent call.
type CallOption func(*CallOptions)

// CallOptions of a GenerateContent call. Zero values leave the provider
// default in place.
type CallOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
	StopWords   []string
	// Tools the model may call in its response
	Tools []Tool
}

// Tool is a function the model can call.
type Tool struct {
	// Type is always "function"
	Type     string              `json:"type"`
	Function *FunctionDefinition `json:"function,omitempty"`
}

// FunctionDefinition describes a callable function and its JSON schema parameters.
type FunctionDefinition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}

// WithModel overrides the model name of the client.
func WithModel(model string) CallOption {
	return func(o *CallOptions) {
		o.Model = model
	}
}

// WithMaxTokens limits the tokens generated by one call.
func WithMaxTokens(maxTokens int) CallOption {
	return func(o *CallOptions) {
		o.MaxTokens = maxTokens
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temperature float64) CallOption {
	return func(o *CallOptions) {
		o.Temperature = temperature
	}
}

// WithStopWords stops the generation on any of the words.
func WithStopWords(stopWords []string) CallOption {
	return func(o *CallOptions) {
		o.StopWords = stopWords
	}
}

// WithTools sets the tools offered to the model.
func WithTools(tools []Tool) CallOption {
	return func(o *CallOptions) {
		o.Tools = tools
	}
}

// NewCallOptions applies opts in order, so later options win.
func NewCallOptions(opts ...CallOption) *CallOptions {
	o := &CallOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
