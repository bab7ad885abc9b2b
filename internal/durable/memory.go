package durable

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// Memory is an in-process Adapter. Values are copied on the way in and out.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]byte
	closed  bool
}

// NewMemory creates an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]byte)}
}

// GetAll implements Adapter.
func (m *Memory) GetAll(ctx context.Context, keys []string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("memory", "get", len(keys), err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, storeErr("memory", "get", len(keys), errClosed)
	}
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if v, ok := m.entries[key]; ok {
			out[key] = slices.Clone(v)
		}
	}
	return out, nil
}

// SetAll implements Adapter.
func (m *Memory) SetAll(ctx context.Context, entries map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return storeErr("memory", "set", len(entries), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storeErr("memory", "set", len(entries), errClosed)
	}
	for key, v := range entries {
		m.entries[key] = slices.Clone(v)
	}
	return nil
}

// EvictAll implements Adapter.
func (m *Memory) EvictAll(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return storeErr("memory", "evict", len(keys), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storeErr("memory", "evict", len(keys), errClosed)
	}
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

// Keys implements Lister.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close implements Adapter. A closed Memory rejects further operations.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
