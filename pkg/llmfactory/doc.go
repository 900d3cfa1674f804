// Package llmfactory creates the chat model used by the dispatcher from configuration.
package llmfactory
