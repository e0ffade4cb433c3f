// pkg/core/session.go
package core

import "time"

// Outcome is the terminal state of one playback run. Timeout is a first-class
// outcome, distinguishable from Failed, so an operator can tell "the
// simulator broke" apart from "the agents just didn't get there in time".
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeFailed      Outcome = "failed"
)

// AgentResult is the per-agent portion of a session summary.
type AgentResult struct {
	Agent string

	// FinalDistance is the distance in meters from the agent's last observed
	// pose to its path's final waypoint.
	FinalDistance float64

	// Arrived reports whether the agent satisfied the arrival predicate
	// before the run ended.
	Arrived bool

	// Trail is the sequence of observed poses sampled during monitoring.
	Trail []Pose
}

// Summary is the terminal report of a playback session. One joint summary is
// produced on every exit path, including partial failures.
type Summary struct {
	Outcome         Outcome
	StartedAt       time.Time
	Elapsed         time.Duration
	Iterations      int
	FramesProcessed int
	FramesTotal     int
	Agents          []AgentResult

	// Err carries the error that drove a Failed outcome, nil otherwise.
	Err error
}

// AllArrived reports whether every agent satisfied the arrival predicate.
func (s *Summary) AllArrived() bool {
	for _, a := range s.Agents {
		if !a.Arrived {
			return false
		}
	}
	return true
}
