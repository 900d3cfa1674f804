package llmfactory

import (
	"github.com/effective-security/x/configloader"
)

// Default model settings
const (
	DefaultProvider  = "ANTHROPIC"
	DefaultModel     = "claude-3-5-sonnet-latest"
	DefaultMaxTokens = 2048
	// DefaultOpenAIModel is used by the OPENAI provider when no model is set
	DefaultOpenAIModel = "gpt-4o-mini"
)

// Config specifies the model used by the host.
type Config struct {
	// Provider specifies the provider type, ANTHROPIC or OPENAI
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	// Model specifies the model name
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
	// Token is the API key, the provider environment variable is used when empty
	Token   string `json:"token,omitempty" yaml:"token,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	// MaxTokens limits the size of each model response
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" validate:"gte=0"`
	// Temperature is passed to the model when set
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// LoadConfig from file
func LoadConfig(file string) (*Config, error) {
	cfg := new(Config)
	if file == "" {
		return cfg, nil
	}

	err := configloader.UnmarshalAndExpand(file, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
