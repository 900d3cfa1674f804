package openai

import (
	"time"

	"github.com/openai/openai-go/v3/option"
)

// TokenEnvVarName is read when no token is configured
const TokenEnvVarName = "OPENAI_API_KEY" //nolint:gosec

// Defaults of the client
const (
	DefaultBaseURL    = "https://api.openai.com/v1"
	DefaultModel      = "gpt-4o-mini"
	DefaultMaxRetries = 2
	DefaultTimeout    = 5 * time.Minute
)

// Options of the client
type Options struct {
	Token        string
	Model        string
	BaseURL      string
	Organization string
	HTTPClient   option.HTTPClient
	MaxRetries   int
	// Timeout bounds one request, retries included
	Timeout time.Duration
}

// Option configures the client
type Option func(*Options)

// WithToken passes the API token. If not set, the token is read from
// the OPENAI_API_KEY environment variable.
func WithToken(token string) Option {
	return func(opts *Options) {
		opts.Token = token
	}
}

// WithModel sets the model name, gpt-4o-mini by default.
func WithModel(model string) Option {
	return func(opts *Options) {
		opts.Model = model
	}
}

// WithBaseURL sets the API endpoint, used by compatible gateways and tests.
func WithBaseURL(baseURL string) Option {
	return func(opts *Options) {
		opts.BaseURL = baseURL
	}
}

// WithOrganization sets the OpenAI-Organization header.
func WithOrganization(organization string) Option {
	return func(opts *Options) {
		opts.Organization = organization
	}
}

// WithHTTPClient allows setting a custom HTTP client.
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
