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

package lock

import (
	"context"
	"sync"
	"time"
)

type held struct {
	token   string
	expires time.Time
}

// MemoryLocker is a process-local Locker for single-instance deployments
// and tests.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]held
	now   func() time.Time
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker creates an in-process run lock.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]held), now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, tenantID, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.locks[tenantID]; ok && now.Before(h.expires) {
		return false, nil
	}
	l.locks[tenantID] = held{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, tenantID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.locks[tenantID]; ok && h.token == token {
		delete(l.locks, tenantID)
	}
	return nil
}

func (l *MemoryLocker) Holder(_ context.Context, tenantID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.locks[tenantID]; ok && l.now().Before(h.expires) {
		return h.token, nil
	}
	return "", nil
}
