// internal/airsim/types.go
package airsim

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pranikc/airsim-mac/pkg/core"
)

// Wire types mirroring the simulator's msgpack field names. The simulator
// serializes its structs as maps keyed by the C++ member names.

// Vector3r is the simulator's NED position vector.
type Vector3r struct {
	X float64 `msgpack:"x_val"`
	Y float64 `msgpack:"y_val"`
	Z float64 `msgpack:"z_val"`
}

// Quaternionr is the simulator's orientation quaternion.
type Quaternionr struct {
	W float64 `msgpack:"w_val"`
	X float64 `msgpack:"x_val"`
	Y float64 `msgpack:"y_val"`
	Z float64 `msgpack:"z_val"`
}

// WirePose pairs position and orientation.
type WirePose struct {
	Position    Vector3r    `msgpack:"position"`
	Orientation Quaternionr `msgpack:"orientation"`
}

// YawMode controls how the vehicle yaws while following a path.
type YawMode struct {
	IsRate    bool    `msgpack:"is_rate"`
	YawOrRate float64 `msgpack:"yaw_or_rate"`
}

// DrivetrainType selects the motion constraint for path following.
type DrivetrainType int

const (
	// MaxDegreeOfFreedom lets the controller yaw independently of travel
	// direction, which keeps multi-agent playback visually stable.
	MaxDegreeOfFreedom DrivetrainType = 0
	ForwardOnly        DrivetrainType = 1
)

func vectorFromVec(v r3.Vec) Vector3r {
	return Vector3r{X: v.X, Y: v.Y, Z: v.Z}
}

func (v Vector3r) vec() r3.Vec {
	return r3.Vec{X: v.X, Y: v.Y, Z: v.Z}
}

// yaw extracts the heading angle about the vertical axis in radians.
func (q Quaternionr) yaw() float64 {
	return math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))
}

// quaternionFromYaw builds an orientation rotated about the vertical axis.
func quaternionFromYaw(yaw float64) Quaternionr {
	return Quaternionr{W: math.Cos(yaw / 2), Z: math.Sin(yaw / 2)}
}

func wirePoseFrom(p core.Pose) WirePose {
	return WirePose{
		Position:    vectorFromVec(p.Position),
		Orientation: quaternionFromYaw(p.Yaw),
	}
}

func (p WirePose) pose() core.Pose {
	return core.Pose{Position: p.Position.vec(), Yaw: p.Orientation.yaw()}
}

func wirePath(waypoints []core.Pose) []Vector3r {
	out := make([]Vector3r, len(waypoints))
	for i, wp := range waypoints {
		out[i] = vectorFromVec(wp.Position)
	}
	return out
}
