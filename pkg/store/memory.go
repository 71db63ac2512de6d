package store

import (
	"context"
	"sync"
)

// Memory is an in-memory Store used by tests and the loopback setup.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]string)}
}

func (m *Memory) GetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.data[key]))
	for f, v := range m.data[key] {
		out[f] = v
	}
	return out, nil
}

func (m *Memory) GetField(ctx context.Context, key, field string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	v, ok := fields[field]
	return v, ok, nil
}

func (m *Memory) SetField(ctx context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, ok := m.data[key]
	if !ok {
		fields = make(map[string]string)
		m.data[key] = fields
	}
	fields[field] = value
	return nil
}

func (m *Memory) DeleteFields(ctx context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.data[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(stored, f)
	}
	if len(stored) == 0 {
		delete(m.data, key)
	}
	return nil
}

func (m *Memory) DeleteKey(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]map[string]string)
	return nil
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
