// Package sim defines the capability set the playback engine consumes from a
// flight simulator, independent of any concrete RPC protocol.
package sim

import (
	"context"

	"github.com/pranikc/airsim-mac/pkg/core"
)

// Handle tracks an asynchronous simulator operation. Join blocks until the
// operation completes or errors.
type Handle interface {
	Join() error
}

// Client is the minimum capability set required to play back an episode.
// Exactly one goroutine issues commands and reads poses for a given agent
// set during an active session.
type Client interface {
	// EnableControl grants or revokes API control over an agent.
	EnableControl(ctx context.Context, agent string, enable bool) error

	// Arm arms or disarms an agent.
	Arm(ctx context.Context, agent string, arm bool) error

	// Takeoff starts an asynchronous takeoff.
	Takeoff(ctx context.Context, agent string) (Handle, error)

	// Land starts an asynchronous landing.
	Land(ctx context.Context, agent string) (Handle, error)

	// Cancel aborts the agent's in-flight motion command.
	Cancel(ctx context.Context, agent string) error

	// FollowPath commands the agent to fly the ordered waypoints at the
	// given velocity in m/s. The command executes server-side; the returned
	// handle completes when the path is flown or the timeout elapses.
	FollowPath(ctx context.Context, agent string, waypoints []core.Pose, velocity float64, timeoutSec float64) (Handle, error)

	// GetPose returns the agent's current pose. Must be cheap enough to call
	// for every agent on every polling tick.
	GetPose(ctx context.Context, agent string) (core.Pose, error)
}

// Color is an RGBA color with components in [0,1], matching the simulator's
// plotting API.
type Color [4]float64

var (
	Green = Color{0, 1, 0, 1}
	Red   = Color{1, 0, 0, 1}
	Cyan  = Color{0, 1, 1, 1}
)

// Plotter is the optional drawing capability used by the visualization
// overlay. Playback never depends on plotting succeeding.
type Plotter interface {
	PlotPoints(ctx context.Context, points []core.Pose, color Color, size float64, durationSec float64, persistent bool) error
	PlotLineStrip(ctx context.Context, points []core.Pose, color Color, thickness float64, durationSec float64, persistent bool) error
	FlushPersistentMarkers(ctx context.Context) error
}

// TextAnnotator is the optional text-label capability. Older simulator
// builds do not support it, so the overlay checks for this interface before
// drawing labels.
type TextAnnotator interface {
	PlotStrings(ctx context.Context, strings []string, positions []core.Pose, scale float64, color Color, durationSec float64) error
}

// ClockControl is the optional capability for changing simulation speed at
// runtime. The AirSim protocol only takes ClockSpeed from settings.json at
// startup, so its client does not advertise this.
type ClockControl interface {
	SetClockSpeed(ctx context.Context, speed float64) error
}

// ObjectSpawner is the optional capability for spawning visual-only scene
// objects, used for the reference-point mesh.
type ObjectSpawner interface {
	// SpawnObject creates a visual object from a named asset. Returns false
	// without error when the asset does not exist in the running scene.
	SpawnObject(ctx context.Context, objectName, assetName string, pose core.Pose, scale float64) (bool, error)
	DestroyObject(ctx context.Context, objectName string) error
	SetObjectPose(ctx context.Context, objectName string, pose core.Pose) error
}
