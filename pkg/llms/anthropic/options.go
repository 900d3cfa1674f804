package anthropic

import (
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
)

// TokenEnvVarName is read when no token is configured
const TokenEnvVarName = "ANTHROPIC_API_KEY" //nolint:gosec

// Defaults of the client
const (
	DefaultBaseURL    = "https://api.anthropic.com"
	DefaultMaxRetries = 2
	DefaultTimeout    = 5 * time.Minute
)

// Options of the client
type Options struct {
	Token      string
	Model      string
	BaseURL    string
	HTTPClient option.HTTPClient
	MaxRetries int
	// Timeout bounds one request, retries included
	Timeout time.Duration
}

// Option configures the client
type Option func(*Options)

// WithToken sets the API key.
func WithToken(token string) Option {
	return func(opts *Options) {
		opts.Token = token
	}
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(opts *Options) {
		opts.Model = model
	}
}

// WithBaseURL sets the API endpoint, used by proxies and tests.
func WithBaseURL(baseURL string) Option {
	return func(opts *Options) {
		opts.BaseURL = baseURL
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client option.HTTPClient) Option {
	return func(opts *Options) {
		opts.HTTPClient = client
	}
}

// WithMaxRetries sets how many times a failed request is retried.
func WithMaxRetries(n int) Option {
	return func(opts *Options) {
		opts.MaxRetries = n
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.Timeout = d
	}
}
