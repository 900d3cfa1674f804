package store

import (
	"context"
	"path"
	"sync"

	"github.com/effective-security/toolhost/chatmodel"
	"github.com/effective-security/toolhost/pkg/llms"
)

type inMemory struct {
	mu      sync.RWMutex
	storage map[string][]llms.Message
	limit   int
}

// NewMemoryStore returns a store that keeps up to limit messages per chat
// in memory. Zero uses DefaultMaxMessages.
func NewMemoryStore(limit int) MessageStore {
	if limit < 2 {
		limit = DefaultMaxMessages
	}
	return &inMemory{limit: limit}
}

func key(ctx context.Context) (string, error) {
	tenantID, chatID, err := chatmodel.GetTenantAndChatID(ctx)
	if err != nil {
		return "", err
	}
	return path.Join(tenantID, chatID), nil
}

func (m *inMemory) Messages(ctx context.Context) []llms.Message {
	k, err := key(ctx)
	if err != nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]llms.Message(nil), m.storage[k]...)
}

func (m *inMemory) Add(ctx context.Context, msgs ...llms.Message) error {
	k, err := key(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storage == nil {
		// create on first use
		m.storage = make(map[string][]llms.Message)
	}
	m.storage[k] = trim(append(m.storage[k], msgs...), m.limit)
	return nil
}

func (m *inMemory) Reset(ctx context.Context) error {
	k, err := key(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.storage, k)
	return nil
}
