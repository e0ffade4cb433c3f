// pkg/core/pose.go
package core

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Pose is a position in meters plus a yaw angle in radians, in some frame
// (recording frame or simulator NED frame depending on context). Poses are
// value types and are never mutated after creation.
type Pose struct {
	Position r3.Vec
	Yaw      float64
}

// NewPose creates a Pose from raw coordinates.
func NewPose(x, y, z, yaw float64) Pose {
	return Pose{Position: r3.Vec{X: x, Y: y, Z: z}, Yaw: yaw}
}

// Distance returns the Euclidean distance between two pose positions.
func (p Pose) Distance(other Pose) float64 {
	return r3.Norm(r3.Sub(p.Position, other.Position))
}

// Translate returns a copy of the pose shifted by delta, keeping yaw.
func (p Pose) Translate(delta r3.Vec) Pose {
	return Pose{Position: r3.Add(p.Position, delta), Yaw: p.Yaw}
}

// YawDegrees returns the yaw angle converted to degrees, which is what the
// simulator's spawn settings expect.
func (p Pose) YawDegrees() float64 {
	return p.Yaw * 180 / math.Pi
}

// Lerp linearly interpolates between a and b positions with parameter u in
// [0,1]. Yaw is taken from the nearer endpoint; the visual reference object
// this exists for does not turn smoothly anyway.
func Lerp(a, b Pose, u float64) Pose {
	if u <= 0 {
		return a
	}
	if u >= 1 {
		return b
	}
	yaw := a.Yaw
	if u > 0.5 {
		yaw = b.Yaw
	}
	return Pose{
		Position: r3.Add(a.Position, r3.Scale(u, r3.Sub(b.Position, a.Position))),
		Yaw:      yaw,
	}
}
