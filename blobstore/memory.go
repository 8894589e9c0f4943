package blobstore

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests. It is safe for concurrent
// use.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data    []byte
	modTime time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string]memoryObject{}}
}

// Put stores a copy of data under name, stamping the current time as its
// modification time.
func (m *MemoryStore) Put(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = memoryObject{
		data:    append([]byte(nil), data...),
		modTime: time.Now(),
	}
}

// Delete removes an object. Deleting a missing name is a no-op.
func (m *MemoryStore) Delete(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, name)
}

// Open returns a snapshot of the object; later Puts do not affect it.
func (m *MemoryStore) Open(_ context.Context, name string) (Blob, error) {
	m.mu.RLock()
	obj, ok := m.objects[name]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	data := append([]byte(nil), obj.data...)
	return &memoryBlob{Reader: bytes.NewReader(data), data: data}, nil
}

// List returns matching objects sorted by name.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var infos []ObjectInfo
	for name, obj := range m.objects {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		infos = append(infos, ObjectInfo{Name: name, Size: int64(len(obj.data)), ModTime: obj.modTime})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

type memoryBlob struct {
	*bytes.Reader
	data []byte
}

var (
	_ Blob      = (*memoryBlob)(nil)
	_ ReadAller = (*memoryBlob)(nil)
)

func (b *memoryBlob) Close() error { return nil }

func (b *memoryBlob) ReadAll(_ context.Context) ([]byte, error) {
	return b.data, nil
}
