// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package blob

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
)

var (
	memoryMu     sync.Mutex
	memoryStores = make(map[string]*memoryStore)
)

// Memory returns the process-wide in-memory store with the provided
// name, creating it if needed. Stores with the same name share their
// objects, so that a driver and the in-process workers of a local
// invoker observe the same state.
func Memory(name string) Store {
	memoryMu.Lock()
	defer memoryMu.Unlock()
	m := memoryStores[name]
	if m == nil {
		m = newMemoryStore()
		memoryStores[name] = m
	}
	return m
}

// NewMemory returns a new, private in-memory store.
func NewMemory() Store {
	return newMemoryStore()
}

// MemoryStore is a store implementation that maintains objects in
// memory.
type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: make(map[string][]byte)}
}

func (m *memoryStore) Put(ctx context.Context, key string, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("put %s", key))
	}
	m.objects[key] = append([]byte{}, p...)
	return nil
}

func (m *memoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.objects[key]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("get %s", key))
	}
	return append([]byte{}, p...), nil
}

func (m *memoryStore) GetRange(ctx context.Context, key string, off, n int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.objects[key]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("get %s", key))
	}
	if err := checkRange(key, int64(len(p)), off, n); err != nil {
		return nil, err
	}
	return append([]byte{}, p[off:off+n]...), nil
}

func (m *memoryStore) Stat(ctx context.Context, key string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.objects[key]
	if !ok {
		return Info{}, errors.E(errors.NotExist, fmt.Sprintf("stat %s", key))
	}
	return Info{Size: int64(len(p))}, nil
}

func (m *memoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}
