package snapshot

import (
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store used by tests and local runs without a
// configured archive directory.
type MemStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// Fault injection for tests. Errors are consumed in order.
	GetErrs []error
	PutErrs []error
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{objects: map[string][]byte{}}
}

// List returns sorted keys under prefix.
func (m *MemStore) List(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Get returns the object at key or ErrNotFound.
func (m *MemStore) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.GetErrs) > 0 {
		err := m.GetErrs[0]
		m.GetErrs = m.GetErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// PutAtomic stores a copy of data at key.
func (m *MemStore) PutAtomic(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.PutErrs) > 0 {
		err := m.PutErrs[0]
		m.PutErrs = m.PutErrs[1:]
		if err != nil {
			return err
		}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	return nil
}

// Len returns the number of stored objects.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
