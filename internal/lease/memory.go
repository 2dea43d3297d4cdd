package lease

import (
	"context"
	"sync"
	"time"
)

// MemoryManager implements Manager inside one process.
type MemoryManager struct {
	mu     sync.Mutex
	held   map[string]memoryEntry
	now    func() time.Time
	serial uint64
}

type memoryEntry struct {
	serial  uint64
	expires time.Time
}

// NewMemoryManager creates a MemoryManager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{held: make(map[string]memoryEntry), now: time.Now}
}

// Acquire implements Manager.
func (m *MemoryManager) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.held[key]; ok && now.Before(e.expires) {
		return nil, false, nil
	}
	m.serial++
	m.held[key] = memoryEntry{serial: m.serial, expires: now.Add(ttl)}
	return &memoryLease{m: m, key: key, serial: m.serial}, true, nil
}

// Held reports whether key is currently leased.
func (m *MemoryManager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.held[key]
	return ok && m.now().Before(e.expires)
}

type memoryLease struct {
	m      *MemoryManager
	key    string
	serial uint64
}

func (l *memoryLease) Extend(_ context.Context, ttl time.Duration) (bool, error) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	e, ok := l.m.held[l.key]
	if !ok || e.serial != l.serial {
		return false, nil
	}
	e.expires = l.m.now().Add(ttl)
	l.m.held[l.key] = e
	return true, nil
}

func (l *memoryLease) Release(context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if e, ok := l.m.held[l.key]; ok && e.serial == l.serial {
		delete(l.m.held, l.key)
	}
	return nil
}
