package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	values   map[string]json.RawMessage
	children map[string][]string // key: parent path, value: child keys in insertion order
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string]json.RawMessage),
		children: make(map[string][]string),
	}
}

func (m *MemoryStore) Get(_ context.Context, path string) (json.RawMessage, error) {
	path, err := validatePath(path)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[path]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRaw(v), nil
}

func (m *MemoryStore) Children(_ context.Context, path string) ([]Child, error) {
	path = strings.Trim(path, "/")

	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := m.children[path]
	result := make([]Child, 0, len(keys))
	for _, key := range keys {
		if v, ok := m.values[Join(path, key)]; ok {
			result = append(result, Child{Key: key, Value: copyRaw(v)})
		}
	}
	return result, nil
}

func (m *MemoryStore) QueryByField(ctx context.Context, path, field string, value any) ([]Child, error) {
	all, err := m.Children(ctx, path)
	if err != nil {
		return nil, err
	}

	var matched []Child
	for _, c := range all {
		if fieldEquals(c.Value, field, value) {
			matched = append(matched, c)
		}
	}
	return matched, nil
}

func (m *MemoryStore) Push(ctx context.Context, path string, value any) (string, error) {
	key, err := NewPushID()
	if err != nil {
		return "", err
	}
	if err := m.Set(ctx, Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (m *MemoryStore) Set(_ context.Context, path string, value any) error {
	path, err := validatePath(path)
	if err != nil {
		return err
	}
	data, err := encode(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.put(path, data)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, path string, fields map[string]any) error {
	path, err := validatePath(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	merged, err := mergeFields(m.values[path], fields)
	if err != nil {
		return err
	}
	m.put(path, merged)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, path string) error {
	path, err := validatePath(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := path + "/"
	for p := range m.values {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(m.values, p)
		}
	}
	for p := range m.children {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(m.children, p)
		}
	}

	// Remove this key from the parent's ordered list
	parent, key := Split(path)
	if keys, ok := m.children[parent]; ok {
		for i, k := range keys {
			if k == key {
				m.children[parent] = append(keys[:i], keys[i+1:]...)
				break
			}
		}
		if len(m.children[parent]) == 0 {
			delete(m.children, parent)
		}
	}
	return nil
}

// put must be called with mu held.
func (m *MemoryStore) put(path string, data json.RawMessage) {
	if _, exists := m.values[path]; !exists {
		parent, key := Split(path)
		m.children[parent] = append(m.children[parent], key)
	}
	m.values[path] = data
}

// Len returns the number of valued records (for tests and stats)
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

func copyRaw(v json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), v...)
}
