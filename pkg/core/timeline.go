// pkg/core/timeline.go
package core

import (
	"errors"
	"fmt"
	"sort"
	"time"
	"unicode"
)

// VehicleName maps a recording's agent key to the simulator vehicle name
// ("defender" -> "Defender"). Every simulator RPC and every settings.json
// vehicle entry must use the same mapping or playback targets a vehicle
// that was never spawned.
func VehicleName(agent string) string {
	if agent == "" {
		return agent
	}
	r := []rune(agent)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// Frame is one timestamped snapshot of every agent's pose plus the optional
// reference point ("base"). Frames are produced once by the data source and
// are read-only during playback.
type Frame struct {
	// T is seconds from episode start. Monotonically non-decreasing across
	// a Timeline.
	T float64

	// Agents maps agent identifier to recorded pose.
	Agents map[string]Pose

	// Base is the reference-point pose, if the recording carries one.
	Base *Pose
}

// Timeline is the full ordered recording of frames for one episode.
type Timeline struct {
	frames []Frame
}

var (
	// ErrEmptyTimeline is returned when a timeline has no frames.
	ErrEmptyTimeline = errors.New("timeline has no frames")

	// ErrNonMonotonicTime is returned when frame timestamps decrease.
	ErrNonMonotonicTime = errors.New("timeline timestamps are not monotonically non-decreasing")
)

// NewTimeline validates the frame sequence and wraps it. The slice is owned
// by the returned Timeline and must not be modified by the caller.
func NewTimeline(frames []Frame) (*Timeline, error) {
	if len(frames) == 0 {
		return nil, ErrEmptyTimeline
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].T < frames[i-1].T {
			return nil, fmt.Errorf("%w: frame %d at t=%.3f after t=%.3f",
				ErrNonMonotonicTime, i, frames[i].T, frames[i-1].T)
		}
	}
	return &Timeline{frames: frames}, nil
}

// Len returns the number of frames.
func (tl *Timeline) Len() int {
	return len(tl.frames)
}

// Frame returns the frame at index i.
func (tl *Timeline) Frame(i int) Frame {
	return tl.frames[i]
}

// Duration returns the recorded episode duration in seconds.
func (tl *Timeline) Duration() float64 {
	return tl.frames[len(tl.frames)-1].T - tl.frames[0].T
}

// AgentNames returns the sorted identifiers of the agents in this frame.
func (f Frame) AgentNames() []string {
	names := make([]string, 0, len(f.Agents))
	for name := range f.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Agents returns the sorted identifiers of every agent present in the first
// frame of the full timeline. Playback derives its agent set from the first
// frame of the selected range instead, so agents absent there are not flown.
func (tl *Timeline) Agents() []string {
	return tl.frames[0].AgentNames()
}

// Wait returns how long playback should pause after frame i before advancing
// to frame i+1, under the given speed multiplier. The last frame gets a short
// fixed wait, and the result never drops below one millisecond so a zero
// recorded delta cannot spin the caller.
func (tl *Timeline) Wait(i int, speed float64) time.Duration {
	const minWait = time.Millisecond
	if speed <= 0 {
		speed = 1
	}
	if i >= len(tl.frames)-1 {
		return 100 * time.Millisecond
	}
	dt := tl.frames[i+1].T - tl.frames[i].T
	d := time.Duration(dt / speed * float64(time.Second))
	if d < minWait {
		return minWait
	}
	return d
}

// NominalInterval estimates the recording's inter-frame interval in seconds,
// used to map elapsed wall-clock time back onto a frame cursor. Falls back to
// 50 ms when the timeline is a single frame or carries no time information.
func (tl *Timeline) NominalInterval() float64 {
	if len(tl.frames) < 2 {
		return 0.05
	}
	d := tl.Duration() / float64(len(tl.frames)-1)
	if d <= 0 {
		return 0.05
	}
	return d
}

// Slice returns the frames in [start, end). An end of zero or anything past
// the last frame means "to the end". Returns an error when the range is
// empty or out of bounds, which is a configuration error per the playback
// error taxonomy.
func (tl *Timeline) Slice(start, end int) ([]Frame, error) {
	if end <= 0 || end > len(tl.frames) {
		end = len(tl.frames)
	}
	if start < 0 || start >= end {
		return nil, fmt.Errorf("invalid frame range [%d, %d) of %d frames", start, end, len(tl.frames))
	}
	return tl.frames[start:end], nil
}
