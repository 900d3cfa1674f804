package anthropic

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/pkg/llms"
	"github.com/effective-security/x/values"
)

// Errors of the adapter
var (
	ErrMissingToken           = errors.New("anthropic: missing API key, set it in the ANTHROPIC_API_KEY environment variable")
	ErrMissingModel           = errors.New("anthropic: model is required")
	ErrUnsupportedMessageType = errors.New("anthropic: unsupported message type")
	ErrUnsupportedContentType = errors.New("anthropic: unsupported content type")
)

// DefaultMaxTokens is used when the call does not set max tokens
const DefaultMaxTokens = 4096

// LLM calls the Anthropic Messages API.
type LLM struct {
	client  anthropic.Client
	options Options
}

var _ llms.Model = (*LLM)(nil)

// New returns a client. The token falls back to ANTHROPIC_API_KEY.
func New(opts ...Option) (*LLM, error) {
	options := Options{
		Token:      os.Getenv(TokenEnvVarName),
		BaseURL:    DefaultBaseURL,
		MaxRetries: DefaultMaxRetries,
		Timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Token == "" {
		return nil, ErrMissingToken
	}
	if options.Model == "" {
		return nil, ErrMissingModel
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(options.Token),
		option.WithBaseURL(values.StringsCoalesce(options.BaseURL, DefaultBaseURL)),
		option.WithMaxRetries(options.MaxRetries),
	}
	if options.Timeout > 0 {
		sdkOpts = append(sdkOpts, option.WithRequestTimeout(options.Timeout))
	}
	if options.HTTPClient != nil {
		sdkOpts = append(sdkOpts, option.WithHTTPClient(options.HTTPClient))
	}

	return &LLM{
		client:  anthropic.NewClient(sdkOpts...),
		options: options,
	}, nil
}

// GetName returns the model name.
func (o *LLM) GetName() string {
	return o.options.Model
}

// GetProviderType returns ProviderAnthropic.
func (o *LLM) GetProviderType() llms.ProviderType {
	return llms.ProviderAnthropic
}

// GenerateContent sends messages with the tools of the call options.
// The response has one choice holding the text blocks, joined, and the
// tool_use blocks in the order the model produced them. The token usage is
// reported in GenerationInfo.
func (o *LLM) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.NewCallOptions(options...)
	opts.Model = values.StringsCoalesce(opts.Model, o.options.Model)

	params, err := newParams(messages, opts)
	if err != nil {
		return nil, err
	}

	msg, err := o.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, errors.Wrapf(err, "anthropic: request failed with status %d", apiErr.StatusCode)
		}
		return nil, errors.Wrap(err, "anthropic: request failed")
	}
	return toResponse(msg)
}

func newParams(messages []llms.Message, opts *llms.CallOptions) (anthropic.MessageNewParams, error) {
	sdkMessages, system, err := toMessages(messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(opts.Model),
		Messages:  sdkMessages,
		MaxTokens: values.NumbersCoalesce(int64(opts.MaxTokens), DefaultMaxTokens),
		Tools:     toTools(opts.Tools),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}
	if len(opts.StopWords) > 0 {
		params.StopSequences = opts.StopWords
	}
	return params, nil
}

func toResponse(msg *anthropic.Message) (*llms.ContentResponse, error) {
	choice := &llms.ContentChoice{
		StopReason: string(msg.StopReason),
		GenerationInfo: map[string]any{
			"ID":           msg.ID,
			"InputTokens":  msg.Usage.InputTokens,
			"OutputTokens": msg.Usage.OutputTokens,
			"TotalTokens":  msg.Usage.InputTokens + msg.Usage.OutputTokens,
		},
	}

	var text []string
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text = append(text, b.Text)
		case anthropic.ToolUseBlock:
			args, err := json.Marshal(b.Input)
			if err != nil {
				return nil, errors.Wrapf(err, "anthropic: invalid input of tool %s", b.Name)
			}
			choice.ToolCalls = append(choice.ToolCalls, llms.ToolCall{
				ID:   b.ID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      b.Name,
					Arguments: string(args),
				},
			})
		case anthropic.ThinkingBlock, anthropic.RedactedThinkingBlock:
		default:
			return nil, errors.WithMessagef(ErrUnsupportedContentType, "%T", b)
		}
	}
	choice.Content = strings.Join(text, "\n")

	return &llms.ContentResponse{Choices: []*llms.ContentChoice{choice}}, nil
}
