package session

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/derek2403/dhal-way/types"
)

// FileStore persists sessions as a JSON document so grants survive process
// restarts. All reads are served from memory; every mutation rewrites the
// file through a temp-and-rename so a crash mid-write never corrupts it.
type FileStore struct {
	mu       sync.RWMutex
	path     string
	sessions map[string]*types.Session
}

// NewFileStore opens or creates the store at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:     path,
		sessions: make(map[string]*types.Session),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session store: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.sessions); err != nil {
			return nil, fmt.Errorf("failed to decode session store: %w", err)
		}
	}
	return s, nil
}

func (s *FileStore) Get(id string) (*types.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	cp := *sess
	return &cp, true
}

func (s *FileStore) Put(sess *types.Session) {
	cp := *sess
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[cp.ID] = &cp
	s.flushLocked()
}

func (s *FileStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	s.flushLocked()
}

// Reap removes sessions whose expiry has passed and returns how many were
// dropped.
func (s *FileStore) Reap(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
			n++
		}
	}
	if n > 0 {
		s.flushLocked()
	}
	return n
}

// flushLocked writes the current map to disk. A write failure leaves the
// in-memory state authoritative until the next successful flush.
func (s *FileStore) flushLocked() {
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return
	}
	_ = os.Rename(tmp, s.path)
}
