// Package path builds per-agent waypoint paths from a recorded timeline and
// plans per-agent velocities so that every agent arrives at the same time.
package path

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pranikc/airsim-mac/internal/transform"
	"github.com/pranikc/airsim-mac/pkg/core"
)

// Strategy selects how absolute waypoint positions are derived.
type Strategy int

const (
	// Absolute uses the transformed recorded coordinates directly. Simple,
	// but the simulator's actual spawn pose frequently differs from the
	// transformed first-frame coordinate.
	Absolute Strategy = iota

	// Relative anchors the path at the agent's observed post-takeoff pose
	// and accumulates the recording's frame-to-frame displacements on top.
	// The motion shape exactly matches the recording while the absolute
	// position matches reality. This is the default.
	Relative
)

func (s Strategy) String() string {
	switch s {
	case Absolute:
		return "absolute"
	case Relative:
		return "relative"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Path is an ordered sequence of simulator-frame poses for one agent.
type Path []core.Pose

// Final returns the last waypoint, which the playback controller treats as
// the arrival target.
func (p Path) Final() core.Pose {
	return p[len(p)-1]
}

// Length returns the summed segment length in meters.
func (p Path) Length() float64 {
	var total float64
	for i := 1; i < len(p); i++ {
		total += p[i].Distance(p[i-1])
	}
	return total
}

// ErrAgentNotInStartFrame is returned when a requested agent has no pose in
// the first frame of the playback range.
var ErrAgentNotInStartFrame = errors.New("agent missing from start frame")

// ErrMissingObservedStart is returned when the relative strategy has no
// observed start pose for an agent.
var ErrMissingObservedStart = errors.New("no observed start pose for agent")

// Build produces one path per agent over frames[0:len(frames)]. Every path
// has exactly len(frames) waypoints: a frame that omits an agent repeats the
// previous waypoint, so paths never desynchronize in time across agents.
//
// observed maps agent identifier to the live pose queried from the simulator
// after takeoff; it is required for the Relative strategy and ignored for
// Absolute.
func Build(frames []core.Frame, tr transform.Transform, agents []string, observed map[string]core.Pose, strategy Strategy) (map[string]Path, error) {
	if len(frames) == 0 {
		return nil, errors.New("empty frame range")
	}
	if err := tr.Validate(); err != nil {
		return nil, err
	}

	paths := make(map[string]Path, len(agents))
	for _, agent := range agents {
		var p Path
		var err error
		switch strategy {
		case Relative:
			start, ok := observed[agent]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrMissingObservedStart, agent)
			}
			p, err = buildRelative(frames, tr, agent, start)
		default:
			p, err = buildAbsolute(frames, tr, agent)
		}
		if err != nil {
			return nil, err
		}
		paths[agent] = p
	}
	return paths, nil
}

func buildAbsolute(frames []core.Frame, tr transform.Transform, agent string) (Path, error) {
	first, ok := frames[0].Agents[agent]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAgentNotInStartFrame, agent)
	}

	path := make(Path, 0, len(frames))
	path = append(path, tr.ApplyPose(first))
	for _, frame := range frames[1:] {
		pose, ok := frame.Agents[agent]
		if !ok {
			// Hold the last known pose rather than shrinking the path.
			path = append(path, path[len(path)-1])
			continue
		}
		path = append(path, tr.ApplyPose(pose))
	}
	return path, nil
}

func buildRelative(frames []core.Frame, tr transform.Transform, agent string, start core.Pose) (Path, error) {
	prev, ok := frames[0].Agents[agent]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAgentNotInStartFrame, agent)
	}

	path := make(Path, 0, len(frames))
	path = append(path, start)
	prevTransformed := tr.Apply(prev.Position)
	for _, frame := range frames[1:] {
		pose, ok := frame.Agents[agent]
		if !ok {
			path = append(path, path[len(path)-1])
			continue
		}
		curTransformed := tr.Apply(pose.Position)
		delta := r3.Sub(curTransformed, prevTransformed)
		next := path[len(path)-1].Translate(delta)
		next.Yaw = pose.Yaw
		path = append(path, next)
		prevTransformed = curTransformed
	}
	return path, nil
}

// PlanVelocities computes per-agent follow velocities so that all agents are
// predicted to arrive together: the slowest agent at baseVelocity sets the
// shared flight time, and every other agent's velocity is its own path
// length divided by that time. Agents with zero-length paths hover in place
// and are assigned baseVelocity so the motion command stays valid.
func PlanVelocities(paths map[string]Path, baseVelocity float64) (map[string]float64, error) {
	if baseVelocity <= 0 {
		return nil, fmt.Errorf("base velocity must be positive, got %v", baseVelocity)
	}

	var flightTime float64
	for _, p := range paths {
		if t := p.Length() / baseVelocity; t > flightTime {
			flightTime = t
		}
	}

	velocities := make(map[string]float64, len(paths))
	for agent, p := range paths {
		length := p.Length()
		if flightTime == 0 || length == 0 {
			velocities[agent] = baseVelocity
			continue
		}
		velocities[agent] = length / flightTime
	}
	return velocities, nil
}
