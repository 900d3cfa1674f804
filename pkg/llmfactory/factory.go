package llmfactory

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolhost/pkg/llms"
	"github.com/effective-security/toolhost/pkg/llms/anthropic"
	"github.com/effective-security/toolhost/pkg/llms/openai"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolhost", "llmfactory")

// NewLLM is a wrapper for CreateLLM to allow for overriding the default implementation.
var NewLLM = CreateLLM

// Load returns the model configured in the file
func Load(location string) (llms.Model, []llms.CallOption, error) {
	cfg, err := LoadConfig(location)
	if err != nil {
		return nil, nil, err
	}
	return New(cfg)
}

// New returns the configured model and the call options derived from cfg.
func New(cfg *Config) (llms.Model, []llms.CallOption, error) {
	if cfg == nil {
		cfg = new(Config)
	}
	model, err := NewLLM(cfg)
	if err != nil {
		return nil, nil, err
	}

	logger.KV(xlog.DEBUG,
		"status", "created_llm",
		"type", model.GetProviderType(),
		"model", model.GetName())

	return model, CallOptions(cfg), nil
}

// CallOptions returns the options passed on every model call.
func CallOptions(cfg *Config) []llms.CallOption {
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}
	opts := []llms.CallOption{llms.WithMaxTokens(maxTokens)}
	if cfg.Temperature != nil {
		opts = append(opts, llms.WithTemperature(*cfg.Temperature))
	}
	return opts
}

// CreateLLM creates the provider client.
func CreateLLM(cfg *Config) (llms.Model, error) {
	provType := strings.ToUpper(values.StringsCoalesce(cfg.Provider, DefaultProvider))
	switch llms.ProviderType(provType) {
	case llms.ProviderAnthropic:
		return newAnthropic(cfg)
	case llms.ProviderOpenAI, "OPEN_AI":
		return newOpenAI(cfg)
	}
	return nil, errors.Errorf("unsupported provider type: %s", provType)
}

func newAnthropic(cfg *Config) (llms.Model, error) {
	opts := []anthropic.Option{
		anthropic.WithModel(values.StringsCoalesce(cfg.Model, DefaultModel)),
	}
	if cfg.Token != "" {
		opts = append(opts, anthropic.WithToken(cfg.Token))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	return anthropic.New(opts...)
}

func newOpenAI(cfg *Config) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(values.StringsCoalesce(cfg.Model, DefaultOpenAIModel)),
	}
	if cfg.Token != "" {
		opts = append(opts, openai.WithToken(cfg.Token))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	return openai.New(opts...)
}
