package shamir

import (
	"sync"
	"time"
)

// MemStore is an in-memory Store, used by tests and as the reference
// implementation the Postgres-backed relay store mirrors.
type MemStore struct {
	mu      sync.Mutex
	current KeyPair
	grace   []KeyPair
}

// NewMemStore seeds a MemStore with an initial current key.
func NewMemStore(initial KeyPair) *MemStore {
	return &MemStore{current: initial}
}

func (m *MemStore) CurrentKey() (KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, nil
}

func (m *MemStore) GraceKeys() ([]KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]KeyPair, len(m.grace))
	copy(out, m.grace)
	return out, nil
}

func (m *MemStore) PutCurrentKey(k KeyPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = k
	return nil
}

func (m *MemStore) AddGraceKey(k KeyPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grace = append(m.grace, k)
	return nil
}

func (m *MemStore) RemoveGraceKey(keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, g := range m.grace {
		if g.KeyID == keyID {
			m.grace = append(m.grace[:i], m.grace[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemStore) PruneExpiredGraceKeys(now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.grace[:0]
	for _, g := range m.grace {
		if g.ExpiresAt == nil || g.ExpiresAt.After(now) {
			kept = append(kept, g)
		}
	}
	m.grace = kept
	return nil
}
