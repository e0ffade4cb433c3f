package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/pranikc/airsim-mac/internal/geo"
	"github.com/pranikc/airsim-mac/pkg/core"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels lists every struct here that represents a table in the
// database schema.
var DatabaseModels = []interface{}{
	&Session{},
	&AgentResult{},
}

// Session is one playback run's terminal summary.
type Session struct {
	gorm.Model
	Episode         string    `json:"episode" gorm:"size:255;index"`
	Outcome         string    `json:"outcome" gorm:"size:31;index"`
	StartedAt       time.Time `json:"startedAt"`
	ElapsedMs       int64     `json:"elapsedMs"`
	Iterations      int       `json:"iterations"`
	FramesProcessed int       `json:"framesProcessed"`
	FramesTotal     int       `json:"framesTotal"`
	Error           string    `json:"error" gorm:"size:1023"`

	// Config is the playback configuration snapshot the run used.
	Config datatypes.JSON `json:"config"`

	Agents []AgentResult `json:"agents" gorm:"constraint:OnDelete:CASCADE"`
}

// AgentResult is one agent's terminal state within a session.
type AgentResult struct {
	gorm.Model
	SessionID     uint    `json:"sessionId" gorm:"index"`
	Agent         string  `json:"agent" gorm:"size:127"`
	FinalDistance float64 `json:"finalDistance"`
	Arrived       bool    `json:"arrived"`

	// Trail is the flown polyline in WKB.
	Trail []byte `json:"trail" gorm:"type:bytes"`
}

// FromSummary converts a run summary into its database representation.
func FromSummary(summary *core.Summary, episode string, configJSON []byte) Session {
	session := Session{
		Episode:         episode,
		Outcome:         string(summary.Outcome),
		StartedAt:       summary.StartedAt,
		ElapsedMs:       summary.Elapsed.Milliseconds(),
		Iterations:      summary.Iterations,
		FramesProcessed: summary.FramesProcessed,
		FramesTotal:     summary.FramesTotal,
		Config:          configJSON,
	}
	if summary.Err != nil {
		session.Error = summary.Err.Error()
	}
	for _, a := range summary.Agents {
		session.Agents = append(session.Agents, AgentResult{
			Agent:         a.Agent,
			FinalDistance: a.FinalDistance,
			Arrived:       a.Arrived,
			Trail:         geo.TrailWKB(a.Trail),
		})
	}
	return session
}
