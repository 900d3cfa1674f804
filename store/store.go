// Package store keeps the conversation history of each chat.
package store

import (
	"context"

	"github.com/effective-security/toolhost/pkg/llms"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolhost", "store")

// DefaultMaxMessages bounds the history kept per chat
const DefaultMaxMessages = 50

// MessageStore appends messages in order and returns the full history
// of the chat identified by the chatmodel.ChatContext of ctx.
type MessageStore interface {
	// Messages returns the history, oldest first
	Messages(ctx context.Context) []llms.Message
	// Add appends messages atomically
	Add(ctx context.Context, msgs ...llms.Message) error
	// Reset deletes the history
	Reset(ctx context.Context) error
}

// trim keeps the last limit messages. An odd limit is rounded down so that
// question and answer pairs are kept together.
func trim(list []llms.Message, limit int) []llms.Message {
	if limit <= 0 {
		return list
	}
	limit -= limit % 2
	if len(list) <= limit {
		return list
	}
	return list[len(list)-limit:]
}
