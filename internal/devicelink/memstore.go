package devicelink

import (
	"context"
	"sync"

	"github.com/nearkey/signer-core/internal/svcerr"
)

// MemStore is an in-memory Store used by tests and single-instance relay
// deployments without Postgres configured. Grounded on internal/shamir's
// MemStore: a mutex-guarded map keyed by id.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]Session)}
}

func (m *MemStore) Save(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemStore) Load(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, svcerr.New(svcerr.CodeSessionExpired, "device-linking session not found")
	}
	return s, nil
}
