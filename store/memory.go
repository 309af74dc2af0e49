package store

import (
	"context"
	"strings"
	"sync"

	"bookflow/models"
)

// MemoryStore keeps the watch universe in process memory. It backs tests and
// deployments that do not need persistence.
type MemoryStore struct {
	mu        sync.RWMutex
	tokens    []string
	exchanges []models.ExchangeDescriptor
}

func NewMemory() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Tokens(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.tokens))
	copy(out, m.tokens)
	return out, nil
}

func (m *MemoryStore) AddToken(ctx context.Context, token string) error {
	token = strings.ToUpper(strings.TrimSpace(token))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t == token {
			return nil
		}
	}
	m.tokens = append(m.tokens, token)
	return nil
}

func (m *MemoryStore) RemoveToken(ctx context.Context, token string) error {
	token = strings.ToUpper(strings.TrimSpace(token))
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tokens {
		if t == token {
			m.tokens = append(m.tokens[:i], m.tokens[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) Exchanges(ctx context.Context) ([]models.ExchangeDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ExchangeDescriptor, len(m.exchanges))
	copy(out, m.exchanges)
	return out, nil
}

func (m *MemoryStore) AddExchange(ctx context.Context, d models.ExchangeDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.exchanges {
		if strings.EqualFold(e.Name, d.Name) {
			m.exchanges[i] = d
			return nil
		}
	}
	m.exchanges = append(m.exchanges, d)
	return nil
}

func (m *MemoryStore) RemoveExchange(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.exchanges {
		if strings.EqualFold(e.Name, name) {
			m.exchanges = append(m.exchanges[:i], m.exchanges[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) Close() error {
	return nil
}
