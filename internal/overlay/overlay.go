// Package overlay draws the visual layer of a playback run: recorded
// trajectory strips, live agent markers, optional text labels, and a scene
// object tracking the reference point. Every drawing failure is logged and
// swallowed; flight control never depends on the overlay.
package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pranikc/airsim-mac/internal/dispatcher"
	"github.com/pranikc/airsim-mac/internal/path"
	"github.com/pranikc/airsim-mac/internal/playback"
	"github.com/pranikc/airsim-mac/internal/sim"
	"github.com/pranikc/airsim-mac/pkg/core"
)

// fallbackAssets are tried in order when the preferred base asset is not
// present in the running scene. The cube is always available but needs
// scaling up to be visible.
var fallbackAssets = []string{"SUV", "Sedan", "Car", "Cube"}

const cubeScale = 3.0

// Config holds overlay tunables.
type Config struct {
	// MarkerSize is the point size for live agent markers.
	MarkerSize float64

	// TrailSeconds is how long per-tick trail segments linger.
	TrailSeconds float64

	// LabelScale is the text label scale, used only when the simulator
	// supports text plotting.
	LabelScale float64

	// BaseAsset is the preferred scene asset for the reference-point
	// object. The fallback chain is tried when it is missing.
	BaseAsset string

	// BaseObjectName is the scene name the spawned object gets.
	BaseObjectName string
}

// DefaultConfig returns the drawing defaults.
func DefaultConfig() Config {
	return Config{
		MarkerSize:     10,
		TrailSeconds:   2,
		LabelScale:     1,
		BaseAsset:      "SUV",
		BaseObjectName: "playback_base",
	}
}

// Overlay renders onto whatever capabilities the client actually has.
// Missing capabilities silently disable the corresponding visuals.
type Overlay struct {
	plotter sim.Plotter
	text    sim.TextAnnotator
	spawner sim.ObjectSpawner
	logger  *slog.Logger
	cfg     Config

	prevPose    map[string]core.Pose
	baseSpawned bool
	baseAsset   string
}

// New builds an overlay over the client, probing it for each optional
// drawing capability.
func New(client sim.Client, cfg Config, logger *slog.Logger) *Overlay {
	o := &Overlay{
		logger:   logger,
		cfg:      cfg,
		prevPose: make(map[string]core.Pose),
	}
	if p, ok := client.(sim.Plotter); ok {
		o.plotter = p
	}
	if ta, ok := client.(sim.TextAnnotator); ok {
		o.text = ta
	} else {
		logger.Info("simulator does not support text plotting, labels disabled")
	}
	if sp, ok := client.(sim.ObjectSpawner); ok {
		o.spawner = sp
	}
	return o
}

// agentColors cycles per-agent marker colors in a stable order.
var agentColors = []sim.Color{sim.Green, sim.Red, sim.Cyan}

func colorFor(index int) sim.Color {
	return agentColors[index%len(agentColors)]
}

// DrawStatic plots the persistent pre-flight picture: each agent's planned
// trajectory strip, a start marker per agent, and the base track.
func (o *Overlay) DrawStatic(ctx context.Context, paths map[string]path.Path, agents []string, base []core.Pose) {
	if o.plotter == nil {
		return
	}
	if err := o.plotter.FlushPersistentMarkers(ctx); err != nil {
		o.logger.Warn("flushing stale markers failed", "error", err)
	}

	for i, agent := range agents {
		p := paths[agent]
		if len(p) == 0 {
			continue
		}
		color := colorFor(i)
		if err := o.plotter.PlotLineStrip(ctx, p, color, 5, 0, true); err != nil {
			o.logger.Warn("plotting trajectory failed", "agent", agent, "error", err)
		}
		if err := o.plotter.PlotPoints(ctx, []core.Pose{p[0]}, color, o.cfg.MarkerSize*1.5, 0, true); err != nil {
			o.logger.Warn("plotting start marker failed", "agent", agent, "error", err)
		}
	}

	if len(base) > 0 {
		if err := o.plotter.PlotLineStrip(ctx, base, sim.Cyan, 3, 0, true); err != nil {
			o.logger.Warn("plotting base track failed", "error", err)
		}
	}
}

// SpawnBase creates the reference-point scene object at the given pose,
// walking the asset fallback chain until one spawns.
func (o *Overlay) SpawnBase(ctx context.Context, pose core.Pose) {
	if o.spawner == nil {
		return
	}
	chain := assetChain(o.cfg.BaseAsset)
	for _, asset := range chain {
		scale := 1.0
		if asset == "Cube" {
			scale = cubeScale
		}
		ok, err := o.spawner.SpawnObject(ctx, o.cfg.BaseObjectName, asset, pose, scale)
		if err != nil {
			o.logger.Warn("spawning base object failed", "asset", asset, "error", err)
			continue
		}
		if ok {
			o.baseSpawned = true
			o.baseAsset = asset
			o.logger.Info("base object spawned", "asset", asset)
			return
		}
		o.logger.Debug("asset not available", "asset", asset)
	}
	o.logger.Warn("no base asset could be spawned", "tried", len(chain))
}

// assetChain returns the preferred asset followed by the fallbacks, without
// duplicates.
func assetChain(preferred string) []string {
	chain := make([]string, 0, len(fallbackAssets)+1)
	if preferred != "" {
		chain = append(chain, preferred)
	}
	for _, a := range fallbackAssets {
		if a != preferred {
			chain = append(chain, a)
		}
	}
	return chain
}

// AssetCandidates returns the asset names tried for the reference-point
// object, preferred first.
func AssetCandidates(preferred string) []string {
	return assetChain(preferred)
}

// Attach subscribes the overlay to playback tick events on a buffered
// handler so slow drawing can never stall the monitor loop.
func (o *Overlay) Attach(ctx context.Context, events *dispatcher.Dispatcher) {
	events.Subscribe(dispatcher.KindTick, "overlay", func(e dispatcher.Event) error {
		snap, ok := e.Payload.(playback.TickSnapshot)
		if !ok {
			return fmt.Errorf("unexpected tick payload %T", e.Payload)
		}
		o.drawTick(ctx, snap)
		return nil
	}, dispatcher.Buffered(64))
}

// drawTick renders one monitor iteration: live markers, short trail
// segments, labels, and the base object's new pose.
func (o *Overlay) drawTick(ctx context.Context, snap playback.TickSnapshot) {
	agents := make([]string, 0, len(snap.Poses))
	for agent := range snap.Poses {
		agents = append(agents, agent)
	}
	sort.Strings(agents)

	if o.plotter != nil {
		for i, agent := range agents {
			pose := snap.Poses[agent]
			color := colorFor(i)
			if err := o.plotter.PlotPoints(ctx, []core.Pose{pose}, color, o.cfg.MarkerSize, o.cfg.TrailSeconds, false); err != nil {
				o.logger.Debug("live marker failed", "agent", agent, "error", err)
			}
			if prev, ok := o.prevPose[agent]; ok && prev.Distance(pose) > 0 {
				if err := o.plotter.PlotLineStrip(ctx, []core.Pose{prev, pose}, color, 3, o.cfg.TrailSeconds, false); err != nil {
					o.logger.Debug("trail segment failed", "agent", agent, "error", err)
				}
			}
			o.prevPose[agent] = pose
		}
	}

	if o.text != nil && len(agents) > 0 {
		labels := make([]string, 0, len(agents))
		positions := make([]core.Pose, 0, len(agents))
		for _, agent := range agents {
			labels = append(labels, agent)
			positions = append(positions, snap.Poses[agent].Translate(labelOffset))
		}
		if err := o.text.PlotStrings(ctx, labels, positions, o.cfg.LabelScale, sim.Green, o.cfg.TrailSeconds); err != nil {
			o.logger.Debug("labels failed", "error", err)
		}
	}

	if snap.Base != nil {
		o.moveBase(ctx, *snap.Base)
	}
}

// moveBase repositions the spawned base object, or draws a marker when no
// object could be spawned.
func (o *Overlay) moveBase(ctx context.Context, pose core.Pose) {
	if o.baseSpawned {
		if err := o.spawner.SetObjectPose(ctx, o.cfg.BaseObjectName, pose); err != nil {
			o.logger.Debug("moving base object failed", "error", err)
		}
		return
	}
	if o.plotter != nil {
		if err := o.plotter.PlotPoints(ctx, []core.Pose{pose}, sim.Cyan, o.cfg.MarkerSize, o.cfg.TrailSeconds, false); err != nil {
			o.logger.Debug("base marker failed", "error", err)
		}
	}
}

// Cleanup removes the spawned base object.
func (o *Overlay) Cleanup(ctx context.Context) {
	if !o.baseSpawned {
		return
	}
	if err := o.spawner.DestroyObject(ctx, o.cfg.BaseObjectName); err != nil {
		o.logger.Warn("destroying base object failed", "error", err)
	}
	o.baseSpawned = false
}

// ProbeAssets reports which of the candidate assets the running scene can
// spawn, cleaning up each probe object. Used by the assets subcommand.
func ProbeAssets(ctx context.Context, spawner sim.ObjectSpawner, candidates []string, logger *slog.Logger) []string {
	var available []string
	for i, asset := range candidates {
		name := fmt.Sprintf("probe_%d", i)
		ok, err := spawner.SpawnObject(ctx, name, asset, core.Pose{}, 1.0)
		if err != nil {
			logger.Warn("probe spawn failed", "asset", asset, "error", err)
			continue
		}
		if !ok {
			continue
		}
		available = append(available, asset)
		if err := spawner.DestroyObject(ctx, name); err != nil {
			logger.Warn("probe cleanup failed", "asset", asset, "error", err)
		}
	}
	return available
}

// labelOffset lifts labels one meter above the vehicle (NED, up is -Z).
var labelOffset = r3.Vec{Z: -1}
