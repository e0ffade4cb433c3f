// internal/airsim/client.go
package airsim

import (
	"context"
	"log/slog"

	"github.com/pranikc/airsim-mac/internal/sim"
	"github.com/pranikc/airsim-mac/pkg/core"
)

// Client drives an AirSim-compatible simulator. It implements sim.Client,
// sim.Plotter, sim.TextAnnotator and sim.ObjectSpawner. Agent keys are
// mapped through core.VehicleName on every call so RPCs target the vehicle
// names the spawn-settings writer creates.
type Client struct {
	conn   *conn
	logger *slog.Logger

	// Path-following settings: a tight fixed lookahead makes the vehicle hit
	// recorded waypoints precisely instead of cutting corners.
	lookahead         float64
	adaptiveLookahead float64
}

// Dial connects to the simulator and confirms the RPC channel with a ping.
func Dial(ctx context.Context, address string, logger *slog.Logger) (*Client, error) {
	c, err := dial(ctx, address)
	if err != nil {
		return nil, err
	}
	client := &Client{
		conn:              c,
		logger:            logger,
		lookahead:         1.0,
		adaptiveLookahead: 0,
	}
	var ok bool
	if err := c.call(ctx, &ok, "ping"); err != nil {
		c.close()
		return nil, err
	}
	logger.Info("Connected to simulator", "address", address)
	return client, nil
}

// Close tears down the connection; pending calls fail with
// ErrConnectionClosed.
func (c *Client) Close() error {
	return c.conn.close()
}

// handle adapts a pending RPC call to sim.Handle.
type handle struct {
	conn *conn
	call *pendingCall
}

// Join blocks until the simulator reports the operation finished.
func (h *handle) Join() error {
	return h.conn.wait(context.Background(), h.call, nil)
}

// EnableControl grants or revokes API control over an agent.
func (c *Client) EnableControl(ctx context.Context, agent string, enable bool) error {
	return c.conn.call(ctx, nil, "enableApiControl", enable, core.VehicleName(agent))
}

// Arm arms or disarms an agent.
func (c *Client) Arm(ctx context.Context, agent string, arm bool) error {
	var ok bool
	return c.conn.call(ctx, &ok, "armDisarm", arm, core.VehicleName(agent))
}

// Takeoff starts an asynchronous takeoff with the simulator's default
// 20 second timeout.
func (c *Client) Takeoff(ctx context.Context, agent string) (sim.Handle, error) {
	call, err := c.conn.start("takeoff", 20.0, core.VehicleName(agent))
	if err != nil {
		return nil, err
	}
	return &handle{conn: c.conn, call: call}, nil
}

// Land starts an asynchronous landing.
func (c *Client) Land(ctx context.Context, agent string) (sim.Handle, error) {
	call, err := c.conn.start("land", 60.0, core.VehicleName(agent))
	if err != nil {
		return nil, err
	}
	return &handle{conn: c.conn, call: call}, nil
}

// Cancel aborts the agent's in-flight motion command.
func (c *Client) Cancel(ctx context.Context, agent string) error {
	return c.conn.call(ctx, nil, "cancelLastTask", core.VehicleName(agent))
}

// FollowPath commands the agent along waypoints at velocity m/s.
func (c *Client) FollowPath(ctx context.Context, agent string, waypoints []core.Pose, velocity float64, timeoutSec float64) (sim.Handle, error) {
	yawMode := YawMode{IsRate: false, YawOrRate: 0}
	call, err := c.conn.start("moveOnPath",
		wirePath(waypoints), velocity, timeoutSec,
		int(MaxDegreeOfFreedom), yawMode,
		c.lookahead, c.adaptiveLookahead, core.VehicleName(agent))
	if err != nil {
		return nil, err
	}
	return &handle{conn: c.conn, call: call}, nil
}

// GetPose returns the agent's current pose. Uses the lightweight pose query
// rather than the full multirotor state, since it runs every polling tick
// for every agent.
func (c *Client) GetPose(ctx context.Context, agent string) (core.Pose, error) {
	var wp WirePose
	if err := c.conn.call(ctx, &wp, "simGetVehiclePose", core.VehicleName(agent)); err != nil {
		return core.Pose{}, err
	}
	return wp.pose(), nil
}

// PlotPoints draws marker points in the scene.
func (c *Client) PlotPoints(ctx context.Context, points []core.Pose, color sim.Color, size float64, durationSec float64, persistent bool) error {
	return c.conn.call(ctx, nil, "simPlotPoints", wirePath(points), color, size, durationSec, persistent)
}

// PlotLineStrip draws a connected polyline through the points.
func (c *Client) PlotLineStrip(ctx context.Context, points []core.Pose, color sim.Color, thickness float64, durationSec float64, persistent bool) error {
	return c.conn.call(ctx, nil, "simPlotLineStrip", wirePath(points), color, thickness, durationSec, persistent)
}

// FlushPersistentMarkers clears markers left over from previous runs.
func (c *Client) FlushPersistentMarkers(ctx context.Context) error {
	return c.conn.call(ctx, nil, "simFlushPersistentMarkers")
}

// PlotStrings draws floating text labels. Not every simulator build exposes
// this method; callers reach it through the sim.TextAnnotator capability
// check and treat errors as non-fatal.
func (c *Client) PlotStrings(ctx context.Context, labels []string, positions []core.Pose, scale float64, color sim.Color, durationSec float64) error {
	return c.conn.call(ctx, nil, "simPlotStrings", labels, wirePath(positions), scale, color, durationSec)
}

// SpawnObject creates a visual-only object from a named asset. Reports
// ok=false when the asset does not exist in the loaded environment; newer
// simulator builds answer with the spawned object's name, older ones with a
// bare boolean.
func (c *Client) SpawnObject(ctx context.Context, objectName, assetName string, pose core.Pose, scale float64) (bool, error) {
	var result any
	err := c.conn.call(ctx, &result, "simSpawnObject",
		objectName, assetName, wirePoseFrom(pose),
		Vector3r{X: scale, Y: scale, Z: scale}, false)
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	case string:
		return v != "", nil
	default:
		return result != nil, nil
	}
}

// DestroyObject removes a previously spawned object.
func (c *Client) DestroyObject(ctx context.Context, objectName string) error {
	var ok bool
	return c.conn.call(ctx, &ok, "simDestroyObject", objectName)
}

// SetObjectPose teleports a spawned object.
func (c *Client) SetObjectPose(ctx context.Context, objectName string, pose core.Pose) error {
	var ok bool
	return c.conn.call(ctx, &ok, "simSetObjectPose", objectName, wirePoseFrom(pose), true)
}
