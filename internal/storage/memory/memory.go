// Package memory is an in-RAM storage backend used by tests and dry runs.
package memory

import (
	"sync"

	"github.com/pranikc/airsim-mac/internal/model"
	"github.com/pranikc/airsim-mac/pkg/core"
)

// Store keeps saved sessions in memory.
type Store struct {
	mu       sync.Mutex
	sessions []model.Session
}

// New creates an empty store.
func New() *Store {
	return &Store{}
}

// Init implements the storage lifecycle; nothing to open.
func (s *Store) Init() error { return nil }

// Close implements the storage lifecycle; nothing to release.
func (s *Store) Close() error { return nil }

// SaveSession records the summary.
func (s *Store) SaveSession(summary *core.Summary, episode string, configJSON []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, model.FromSummary(summary, episode, configJSON))
	return nil
}

// Sessions returns a copy of everything saved so far.
func (s *Store) Sessions() []model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Session(nil), s.sessions...)
}
