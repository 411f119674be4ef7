package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is a process-local Backend. It provides mutual
// exclusion within a single process only, so it suits tests and
// single-instance deployments, never multi-node ones.
type MemoryBackend struct {
	mu    sync.Mutex
	locks map[string]memoryLock
}

type memoryLock struct {
	token     string
	expiresAt time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{locks: make(map[string]memoryLock)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) TryAcquire(_ context.Context, key, token string, expiry time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.locks[key]; ok && time.Now().Before(cur.expiresAt) {
		return false, nil
	}
	m.locks[key] = memoryLock{token: token, expiresAt: time.Now().Add(expiry)}
	return true, nil
}

func (m *MemoryBackend) Release(_ context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[key]
	if !ok || cur.token != token {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

func (m *MemoryBackend) Extend(_ context.Context, key, token string, expiry time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[key]
	if !ok || cur.token != token || time.Now().After(cur.expiresAt) {
		return false, nil
	}
	m.locks[key] = memoryLock{token: token, expiresAt: time.Now().Add(expiry)}
	return true, nil
}

var _ Backend = (*MemoryBackend)(nil)
