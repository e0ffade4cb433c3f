// Package gormdb persists playback sessions through the database manager,
// landing in Postgres or the SQLite fallback.
package gormdb

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pranikc/airsim-mac/internal/database"
	"github.com/pranikc/airsim-mac/internal/model"
	"github.com/pranikc/airsim-mac/pkg/core"
)

// Store writes sessions through a gorm connection.
type Store struct {
	mgr *database.Manager
	log zerolog.Logger
}

// New creates a store over an unconnected manager; Init connects and
// migrates.
func New(mgr *database.Manager, log zerolog.Logger) *Store {
	return &Store{mgr: mgr, log: log}
}

// Init connects the database and migrates the schema.
func (s *Store) Init() error {
	if err := s.mgr.Connect(); err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	if err := s.mgr.Setup(); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	if s.mgr.SqlDB == nil {
		return nil
	}
	return s.mgr.SqlDB.Close()
}

// SaveSession writes one summary row plus its agent results.
func (s *Store) SaveSession(summary *core.Summary, episode string, configJSON []byte) error {
	if !s.mgr.IsValid {
		return fmt.Errorf("database not valid, refusing to save")
	}
	session := model.FromSummary(summary, episode, configJSON)
	if err := s.mgr.DB.Create(&session).Error; err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	s.log.Info().
		Uint("id", session.ID).
		Str("outcome", session.Outcome).
		Int("agents", len(session.Agents)).
		Msg("Session saved")
	return nil
}
