package session

import (
	"sync"
	"time"

	"github.com/derek2403/dhal-way/types"
)

// Store is the session persistence capability. The manager is the only
// writer. Implementations must be safe for concurrent use and must return
// and retain copies: a session handed out by Get is never mutated again by
// the store or any other caller.
type Store interface {
	Get(id string) (*types.Session, bool)
	Put(s *types.Session)
	Delete(id string)
}

// MemoryStore keeps sessions in process memory. Sessions do not survive a
// restart; a durable Store can be swapped in without touching the manager.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*types.Session)}
}

func (s *MemoryStore) Get(id string) (*types.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	cp := *sess
	return &cp, true
}

func (s *MemoryStore) Put(sess *types.Session) {
	cp := *sess
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[cp.ID] = &cp
}

func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Reap removes sessions whose expiry has passed and returns how many were
// dropped. Correctness does not depend on reaping: expiry is enforced on
// every access.
func (s *MemoryStore) Reap(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}
