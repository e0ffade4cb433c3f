// Package transform maps recording-frame coordinates into the simulator's
// NED frame: uniform scale, optional vertical-axis inversion, vertical offset.
package transform

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pranikc/airsim-mac/pkg/core"
)

// ErrNonPositiveScale is returned when a transform is configured with a
// scale factor of zero or below.
var ErrNonPositiveScale = errors.New("transform scale must be positive")

// Transform converts recording-frame coordinates to simulator-frame
// coordinates. It is applied identically to every coordinate of every agent
// and the reference point within one playback run.
type Transform struct {
	// Scale multiplies all three axes. Must be > 0.
	Scale float64

	// InvertVertical negates the Z axis, converting a Z-up recording into
	// the simulator's down-positive NED convention.
	InvertVertical bool

	// VerticalOffset is added to Z after scaling and inversion, in meters.
	VerticalOffset float64
}

// Identity is the no-op transform.
var Identity = Transform{Scale: 1}

// Validate checks the transform's invariants before any simulator state is
// mutated.
func (t Transform) Validate() error {
	if t.Scale <= 0 {
		return fmt.Errorf("%w: got %v", ErrNonPositiveScale, t.Scale)
	}
	return nil
}

// Apply converts one position. Order: scale, then optional Z negation, then
// Z offset. Pure and deterministic.
func (t Transform) Apply(p r3.Vec) r3.Vec {
	out := r3.Scale(t.Scale, p)
	if t.InvertVertical {
		out.Z = -out.Z
	}
	out.Z += t.VerticalOffset
	return out
}

// ApplyPose converts a pose, leaving yaw untouched. Yaw is frame-agnostic for
// the recordings this tool plays back; both frames measure it about the
// vertical axis.
func (t Transform) ApplyPose(p core.Pose) core.Pose {
	return core.Pose{Position: t.Apply(p.Position), Yaw: p.Yaw}
}

// Detection reports the outcome of vertical-convention auto-detection so the
// operator can verify the heuristic's decision.
type Detection struct {
	Invert  bool
	MeanZ   float64
	Samples int
}

// DetectVerticalInversion samples the vertical-axis values of the named
// agents across up to ten evenly spaced frames and decides whether the
// recording places "up" at positive Z. A mean above threshold means the
// recording is Z-up and playback must invert the axis for NED.
//
// This is a best-effort heuristic, not a guarantee: a Z-up recording flown
// entirely below its origin will not be detected. The sampled mean is
// returned so the caller can log the decision.
func DetectVerticalInversion(tl *core.Timeline, agents []string, threshold float64) Detection {
	const maxSamples = 10

	step := tl.Len() / maxSamples
	if step < 1 {
		step = 1
	}

	var sum float64
	var n int
	for i := 0; i < tl.Len() && n < maxSamples*len(agents); i += step {
		frame := tl.Frame(i)
		for _, name := range agents {
			if pose, ok := frame.Agents[name]; ok {
				sum += pose.Position.Z
				n++
			}
		}
	}

	if n == 0 {
		return Detection{}
	}
	mean := sum / float64(n)
	return Detection{Invert: mean > threshold, MeanZ: mean, Samples: n}
}
