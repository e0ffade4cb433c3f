// internal/storage/storage.go
package storage

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pranikc/airsim-mac/internal/database"
	"github.com/pranikc/airsim-mac/internal/storage/gormdb"
	"github.com/pranikc/airsim-mac/internal/storage/memory"
	"github.com/pranikc/airsim-mac/pkg/core"
)

// Backend is the interface all storage implementations must satisfy.
// Persistence is best-effort: playback outcomes never depend on a save
// succeeding.
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// SaveSession records one playback run's terminal summary. episode
	// names the source recording; configJSON is the playback configuration
	// snapshot the run used.
	SaveSession(summary *core.Summary, episode string, configJSON []byte) error
}

// NewBackend creates a storage backend by type name. Type "none" (or
// empty) disables persistence and returns a nil backend.
func NewBackend(kind string, mgr *database.Manager, log zerolog.Logger) (Backend, error) {
	switch kind {
	case "gorm", "database":
		return gormdb.New(mgr, log), nil
	case "memory":
		return memory.New(), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", kind)
	}
}
