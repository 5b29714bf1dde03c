// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryBackend is an in-process LRU backend with per-key expiry.
type MemoryBackend struct {
	capacity int

	items    map[string]*list.Element
	eviction *list.List

	mu  sync.Mutex
	now func() time.Time
}

var _ Backend = (*MemoryBackend)(nil)

type memoryEntry struct {
	key     string
	value   []byte
	expires time.Time
}

// NewMemoryBackend creates an LRU backend holding at most capacity keys.
func NewMemoryBackend(capacity int) *MemoryBackend {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryBackend{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		eviction: list.New(),
		now:      time.Now,
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	e := elem.Value.(*memoryEntry)
	if !m.now().Before(e.expires) {
		m.remove(elem)
		return nil, false, nil
	}

	// Move to front (most recently used)
	m.eviction.MoveToFront(elem)
	return e.value, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expires := m.now().Add(ttl)
	if elem, ok := m.items[key]; ok {
		e := elem.Value.(*memoryEntry)
		e.value = value
		e.expires = expires
		m.eviction.MoveToFront(elem)
		return nil
	}

	m.items[key] = m.eviction.PushFront(&memoryEntry{key: key, value: value, expires: expires})
	for m.eviction.Len() > m.capacity {
		m.remove(m.eviction.Back())
	}
	return nil
}

func (m *MemoryBackend) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, elem := range m.items {
		if strings.HasPrefix(key, prefix) {
			m.remove(elem)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored keys, expired or not.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eviction.Len()
}

func (m *MemoryBackend) remove(elem *list.Element) {
	e := elem.Value.(*memoryEntry)
	delete(m.items, e.key)
	m.eviction.Remove(elem)
}
