package openai

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/pkg/llms"
	"github.com/effective-security/x/values"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Errors of the adapter
var (
	ErrMissingToken           = errors.New("openai: missing API key, set it in the OPENAI_API_KEY environment variable")
	ErrEmptyResponse          = errors.New("openai: empty response")
	ErrUnsupportedMessageType = errors.New("openai: unsupported message type")
	ErrUnsupportedContentType = errors.New("openai: unsupported content type")
)

// toolChoiceAuto lets the model decide between text and tool calls
const toolChoiceAuto = "auto"

// LLM calls the OpenAI Chat Completions API.
type LLM struct {
	client  openai.Client
	options Options
}

var _ llms.Model = (*LLM)(nil)

// New returns a client. The token falls back to OPENAI_API_KEY and the
// model to gpt-4o-mini.
func New(opts ...Option) (*LLM, error) {
	options := Options{
		Token:      os.Getenv(TokenEnvVarName),
		Model:      DefaultModel,
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
	options.Model = values.StringsCoalesce(options.Model, DefaultModel)

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(options.Token),
		option.WithBaseURL(values.StringsCoalesce(options.BaseURL, DefaultBaseURL)),
		option.WithMaxRetries(options.MaxRetries),
	}
	if options.Organization != "" {
		sdkOpts = append(sdkOpts, option.WithOrganization(options.Organization))
	}
	if options.Timeout > 0 {
		sdkOpts = append(sdkOpts, option.WithRequestTimeout(options.Timeout))
	}
	if options.HTTPClient != nil {
		sdkOpts = append(sdkOpts, option.WithHTTPClient(options.HTTPClient))
	}

	return &LLM{
		client:  openai.NewClient(sdkOpts...),
		options: options,
	}, nil
}

// GetName returns the model name.
func (o *LLM) GetName() string {
	return o.options.Model
}

// GetProviderType returns ProviderOpenAI.
func (o *LLM) GetProviderType() llms.ProviderType {
	return llms.ProviderOpenAI
}

// GenerateContent sends messages with the tools of the call options, and
// lets the model choose whether to call them.
func (o *LLM) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.NewCallOptions(options...)
	opts.Model = values.StringsCoalesce(opts.Model, o.options.Model)

	params, err := newParams(messages, opts)
	if err != nil {
		return nil, err
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, errors.Wrapf(err, "openai: request failed with status %d", apiErr.StatusCode)
		}
		return nil, errors.Wrap(err, "openai: request failed")
	}
	return toResponse(completion)
}

func newParams(messages []llms.Message, opts *llms.CallOptions) (openai.ChatCompletionNewParams, error) {
	sdkMessages, err := toMessages(messages)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	tools, err := toTools(opts.Tools)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(opts.Model),
		Messages: sdkMessages,
		Tools:    tools,
	}
	if len(tools) > 0 {
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: openai.String(toolChoiceAuto),
		}
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if len(opts.StopWords) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: opts.StopWords}
	}
	return params, nil
}

// toResponse keeps the first choice, which is the only one requested.
func toResponse(completion *openai.ChatCompletion) (*llms.ContentResponse, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	c := completion.Choices[0]

	choice := &llms.ContentChoice{
		Content:    c.Message.Content,
		StopReason: string(c.FinishReason),
		GenerationInfo: map[string]any{
			"ID":           completion.ID,
			"InputTokens":  completion.Usage.PromptTokens,
			"OutputTokens": completion.Usage.CompletionTokens,
			"TotalTokens":  completion.Usage.TotalTokens,
		},
	}
	for _, tc := range c.Message.ToolCalls {
		choice.ToolCalls = append(choice.ToolCalls, llms.ToolCall{
			ID:   tc.ID,
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: values.StringsCoalesce(tc.Function.Arguments, "{}"),
			},
		})
	}

	return &llms.ContentResponse{Choices: []*llms.ContentChoice{choice}}, nil
}
