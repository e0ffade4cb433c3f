package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pranikc/airsim-mac/internal/airsim"
	"github.com/pranikc/airsim-mac/internal/config"
	"github.com/pranikc/airsim-mac/internal/database"
	"github.com/pranikc/airsim-mac/internal/dispatcher"
	"github.com/pranikc/airsim-mac/internal/episode"
	"github.com/pranikc/airsim-mac/internal/geo"
	"github.com/pranikc/airsim-mac/internal/influx"
	"github.com/pranikc/airsim-mac/internal/logging"
	"github.com/pranikc/airsim-mac/internal/overlay"
	"github.com/pranikc/airsim-mac/internal/path"
	"github.com/pranikc/airsim-mac/internal/playback"
	"github.com/pranikc/airsim-mac/internal/settings"
	"github.com/pranikc/airsim-mac/internal/sim"
	"github.com/pranikc/airsim-mac/internal/storage"
	"github.com/pranikc/airsim-mac/internal/transform"
	"github.com/pranikc/airsim-mac/pkg/core"
)

// inversionThreshold is the mean-Z bound above which a recording is treated
// as Z-up and flipped into the simulator's NED frame.
const inversionThreshold = 1.0

func commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:      "play",
			Usage:     "replay an episode against the simulator",
			ArgsUsage: "<episode.json>",
			Flags:     playFlags(),
			Action:    playAction,
		},
		{
			Name:      "convert",
			Usage:     "convert a recorded waypoint file into episode format",
			ArgsUsage: "<input.json> <output.json>",
			Action:    convertAction,
		},
		{
			Name:      "clockspeed",
			Usage:     "set the simulator clock speed in settings.json (requires restart)",
			ArgsUsage: "<speed>",
			Action:    clockspeedAction,
		},
		{
			Name:   "assets",
			Usage:  "probe which reference-point assets the scene can spawn",
			Action: assetsAction,
		},
		{
			Name:      "probe",
			Usage:     "print an episode's coordinate ranges before and after transform",
			ArgsUsage: "<episode.json>",
			Flags:     playFlags(),
			Action:    probeAction,
		},
	}
}

func playFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Float64Flag{Name: "speed", Usage: "playback speed multiplier"},
		&cli.Float64Flag{Name: "scale", Usage: "coordinate scale factor"},
		&cli.IntFlag{Name: "start-frame", Usage: "first frame to replay"},
		&cli.IntFlag{Name: "end-frame", Usage: "frame to stop before (0 = end)"},
		&cli.BoolFlag{Name: "no-takeoff", Usage: "skip arming and takeoff (vehicles already hover)"},
		&cli.BoolFlag{Name: "no-overlay", Usage: "disable the in-scene visualization overlay"},
		&cli.BoolFlag{Name: "absolute", Usage: "use absolute recorded coordinates instead of drift-corrected relative paths"},
		&cli.BoolFlag{Name: "dry-run", Usage: "print the plan and replay against an in-process simulator instead of AirSim"},
		&cli.StringFlag{Name: "base-asset", Usage: "preferred asset for the reference-point object"},
		&cli.BoolFlag{Name: "write-settings", Usage: "write first-frame spawn poses into settings.json before playing"},
	}
}

// loadTimeline loads an episode and localizes geographic recordings into
// meters around the first frame's origin.
func loadTimeline(file string) (*episode.Episode, *core.Timeline, error) {
	ep, err := episode.Load(file)
	if err != nil {
		return nil, nil, err
	}
	tl := ep.Timeline
	if ep.Metadata.CoordinateSystem == geo.CoordinateSystemGeographic {
		Logger.Info("Geographic recording, localizing to meters")
		tl, err = geo.Localize(tl)
		if err != nil {
			return nil, nil, fmt.Errorf("localizing geographic episode: %w", err)
		}
	}
	return ep, tl, nil
}

// resolveTransform merges config, flags, and auto-detection into the final
// coordinate transform.
func resolveTransform(c *cli.Context, tl *core.Timeline) (transform.Transform, error) {
	tr := config.TransformConfig()
	if c.IsSet("scale") {
		tr.Scale = c.Float64("scale")
	}
	if err := tr.Validate(); err != nil {
		return tr, err
	}
	if !tr.InvertVertical {
		det := transform.DetectVerticalInversion(tl, tl.Agents(), inversionThreshold)
		if det.Invert {
			Logger.Info("Z-up recording detected, inverting vertical axis",
				"meanZ", fmt.Sprintf("%.2f", det.MeanZ), "samples", det.Samples)
			tr.InvertVertical = true
		}
	}
	return tr, nil
}

func resolvePlaybackConfig(c *cli.Context) (playback.Config, error) {
	cfg, err := config.PlaybackConfig()
	if err != nil {
		return cfg, err
	}
	if c.IsSet("speed") {
		cfg.PlaybackSpeed = c.Float64("speed")
	}
	if c.IsSet("start-frame") {
		cfg.StartFrame = c.Int("start-frame")
	}
	if c.IsSet("end-frame") {
		cfg.EndFrame = c.Int("end-frame")
	}
	if c.Bool("no-takeoff") {
		cfg.SkipTakeoff = true
	}
	if c.Bool("absolute") {
		cfg.Strategy = path.Absolute
	}
	return cfg, cfg.Validate()
}

func playAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("no episode file provided", 1)
	}
	file := c.Args().First()

	ep, tl, err := loadTimeline(file)
	if err != nil {
		return err
	}
	tr, err := resolveTransform(c, tl)
	if err != nil {
		return err
	}
	cfg, err := resolvePlaybackConfig(c)
	if err != nil {
		return err
	}

	Logger.Info("Episode loaded",
		"episode", ep.Metadata.Episode,
		"outcome", ep.Metadata.Outcome,
		"frames", tl.Len(),
		"agents", tl.Agents(),
		"duration", fmt.Sprintf("%.1fs", tl.Duration()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Bool("dry-run") {
		return runDryRun(ctx, tl, tr, cfg)
	}

	if c.Bool("write-settings") {
		if err := writeSpawnSettings(tl, tr, cfg); err != nil {
			return err
		}
	}

	client, err := airsim.Dial(ctx, config.SimAddress(), Logger)
	if err != nil {
		return fmt.Errorf("connecting to simulator at %s: %w", config.SimAddress(), err)
	}
	defer func() { _ = client.Close() }()

	events, err := dispatcher.New(logging.NewDispatcherLogger(Logger))
	if err != nil {
		return err
	}
	defer events.Close()

	if !c.Bool("no-overlay") && config.GetBool("overlay.enabled") {
		ovCfg := config.OverlayConfig()
		if c.IsSet("base-asset") {
			ovCfg.BaseAsset = c.String("base-asset")
		}
		ov := overlay.New(client, ovCfg, Logger)
		drawPreview(ctx, ov, tl, tr, cfg)
		ov.Attach(ctx, events)
		defer ov.Cleanup(context.WithoutCancel(ctx))
	}

	var pump *influx.Telemetry
	if config.GetBool("influx.enabled") {
		mgr := influx.NewManager(ZLogger, filepath.Join(config.GetString("logsDir"), "telemetry.lp.gz"))
		if err := mgr.Connect(); err != nil {
			Logger.Error("InfluxDB unavailable, telemetry disabled", "error", err)
		} else {
			pump = influx.NewTelemetry(mgr, ZLogger)
			pump.Attach(events)
			pump.Start(time.Second)
			defer func() {
				pump.Stop()
				mgr.Close()
			}()
		}
	}

	backend, err := storage.NewBackend(config.GetString("storage.backend"), database.NewManager(ZLogger), ZLogger)
	if err != nil {
		return err
	}
	if backend != nil {
		if err := backend.Init(); err != nil {
			Logger.Error("Storage backend unavailable, session will not be persisted", "error", err)
			backend = nil
		} else {
			defer func() { _ = backend.Close() }()
		}
	}

	controller, err := playback.New(client, cfg, Logger, playback.WithEvents(events))
	if err != nil {
		return err
	}

	summary, err := controller.Run(ctx, tl, tr)
	if err != nil {
		return err
	}

	printSummary(summary)

	if backend != nil {
		cfgJSON, _ := json.Marshal(cfg)
		if err := backend.SaveSession(summary, filepath.Base(file), cfgJSON); err != nil {
			Logger.Error("Error persisting session", "error", err)
		}
	}

	if summary.Outcome == core.OutcomeFailed {
		return cli.Exit(fmt.Sprintf("playback failed: %v", summary.Err), 1)
	}
	return nil
}

// dryRunClockSpeed accelerates the in-process simulator so a dry run finishes
// in a fraction of the recording's real duration.
const dryRunClockSpeed = 20.0

// runDryRun prints the velocity plan and then replays the episode against the
// in-process kinematic simulator instead of a live AirSim instance.
func runDryRun(ctx context.Context, tl *core.Timeline, tr transform.Transform, cfg playback.Config) error {
	if err := printPlan(tl, tr, cfg); err != nil {
		return err
	}

	frames, err := tl.Slice(cfg.StartFrame, cfg.EndFrame)
	if err != nil {
		return err
	}
	spawns := make(map[string]core.Pose, len(frames[0].Agents))
	for agent, pose := range frames[0].Agents {
		spawns[agent] = tr.ApplyPose(pose)
	}

	mem := sim.NewMemorySim(spawns)
	defer mem.Close()
	if err := mem.SetClockSpeed(ctx, dryRunClockSpeed); err != nil {
		return err
	}
	mem.Start(5 * time.Millisecond)

	cfg.TakeoffSettle = 0

	controller, err := playback.New(mem, cfg, Logger)
	if err != nil {
		return err
	}
	summary, err := controller.Run(ctx, tl, tr)
	if err != nil {
		return err
	}
	printSummary(summary)
	if summary.Outcome == core.OutcomeFailed {
		return cli.Exit(fmt.Sprintf("dry run failed: %v", summary.Err), 1)
	}
	return nil
}

// writeSpawnSettings maps first-frame transformed poses into settings.json
// vehicle entries so the simulator spawns agents where the recording starts.
func writeSpawnSettings(tl *core.Timeline, tr transform.Transform, cfg playback.Config) error {
	frames, err := tl.Slice(cfg.StartFrame, cfg.EndFrame)
	if err != nil {
		return err
	}
	spawns := make(map[string]core.Pose, len(frames[0].Agents))
	for agent, pose := range frames[0].Agents {
		spawns[agent] = tr.ApplyPose(pose)
	}
	return settings.UpdateSpawns(config.GetString("sim.settingsPath"), spawns, Logger)
}

// drawPreview plots the planned paths and the recorded base trail, and spawns
// the reference-point object at the base's first position. Preview paths use
// the absolute strategy; drift-corrected paths are only known after takeoff.
func drawPreview(ctx context.Context, ov *overlay.Overlay, tl *core.Timeline, tr transform.Transform, cfg playback.Config) {
	frames, err := tl.Slice(cfg.StartFrame, cfg.EndFrame)
	if err != nil {
		Logger.Error("Error slicing timeline for preview", "error", err)
		return
	}
	agents := frames[0].AgentNames()
	preview, err := path.Build(frames, tr, agents, nil, path.Absolute)
	if err != nil {
		Logger.Error("Error building preview paths", "error", err)
		return
	}

	var base []core.Pose
	for _, f := range frames {
		if f.Base != nil {
			base = append(base, tr.ApplyPose(*f.Base))
		}
	}

	ov.DrawStatic(ctx, preview, agents, base)
	if len(base) > 0 {
		ov.SpawnBase(ctx, base[0])
	}
}

func printPlan(tl *core.Timeline, tr transform.Transform, cfg playback.Config) error {
	frames, err := tl.Slice(cfg.StartFrame, cfg.EndFrame)
	if err != nil {
		return err
	}
	agents := frames[0].AgentNames()
	paths, err := path.Build(frames, tr, agents, nil, path.Absolute)
	if err != nil {
		return err
	}
	velocities, err := path.PlanVelocities(paths, cfg.BaseVelocity*cfg.PlaybackSpeed)
	if err != nil {
		return err
	}

	fmt.Printf("Plan: %d frames over %.1fs recorded, %d agents, scale %.3g, strategy %v\n",
		len(frames), tl.Duration(), len(agents), tr.Scale, cfg.Strategy)
	for _, agent := range agents {
		p := paths[agent]
		final := p.Final()
		fmt.Printf("  %-12s %7.1fm path, %5.2f m/s, target (%.1f, %.1f, %.1f)\n",
			agent, p.Length(), velocities[agent],
			final.Position.X, final.Position.Y, final.Position.Z)
	}
	return nil
}

func printSummary(s *core.Summary) {
	fmt.Printf("\nOutcome: %s\n", s.Outcome)
	fmt.Printf("Elapsed: %s over %d iterations, %d/%d frames\n",
		s.Elapsed.Round(time.Millisecond), s.Iterations, s.FramesProcessed, s.FramesTotal)
	for _, a := range s.Agents {
		mark := " "
		if a.Arrived {
			mark = "*"
		}
		fmt.Printf("  %s %-12s final distance %.2fm (%d samples)\n",
			mark, a.Agent, a.FinalDistance, len(a.Trail))
	}
	if s.Err != nil {
		fmt.Printf("Error: %v\n", s.Err)
	}
}

func convertAction(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.Exit("usage: convert <input.json> <output.json>", 1)
	}
	ep, err := episode.Convert(c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		return err
	}
	Logger.Info("Converted episode",
		"episode", ep.Metadata.Episode,
		"frames", ep.Timeline.Len(),
		"agents", ep.Timeline.Agents(),
		"output", c.Args().Get(1))
	return nil
}

func clockspeedAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("usage: clockspeed <speed>", 1)
	}
	speed, err := strconv.ParseFloat(c.Args().First(), 64)
	if err != nil {
		return fmt.Errorf("invalid clock speed %q: %w", c.Args().First(), err)
	}
	return settings.SetClockSpeed(config.GetString("sim.settingsPath"), speed, Logger)
}

func assetsAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := airsim.Dial(ctx, config.SimAddress(), Logger)
	if err != nil {
		return fmt.Errorf("connecting to simulator at %s: %w", config.SimAddress(), err)
	}
	defer func() { _ = client.Close() }()

	spawner, ok := any(client).(sim.ObjectSpawner)
	if !ok {
		return cli.Exit("simulator client does not support object spawning", 1)
	}

	candidates := overlay.AssetCandidates(config.GetString("overlay.baseAsset"))
	available := overlay.ProbeAssets(ctx, spawner, candidates, Logger)
	if len(available) == 0 {
		fmt.Println("No spawnable assets found.")
		return nil
	}
	for _, name := range available {
		fmt.Println(name)
	}
	return nil
}

func probeAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("no episode file provided", 1)
	}

	ep, tl, err := loadTimeline(c.Args().First())
	if err != nil {
		return err
	}
	tr, err := resolveTransform(c, tl)
	if err != nil {
		return err
	}

	fmt.Printf("Episode %d: %d frames, %.1fs, coordinate system %q, outcome %q\n",
		ep.Metadata.Episode, tl.Len(), tl.Duration(),
		ep.Metadata.CoordinateSystem, ep.Metadata.Outcome)
	fmt.Printf("Transform: scale %.3g, invertVertical %v, verticalOffset %.2f\n",
		tr.Scale, tr.InvertVertical, tr.VerticalOffset)

	first, last := tl.Frame(0), tl.Frame(tl.Len()-1)
	for _, agent := range first.AgentNames() {
		raw0 := first.Agents[agent]
		rawN, ok := last.Agents[agent]
		if !ok {
			rawN = raw0
		}
		t0, tN := tr.ApplyPose(raw0), tr.ApplyPose(rawN)
		fmt.Printf("  %-12s raw (%.2f, %.2f, %.2f) -> (%.2f, %.2f, %.2f)\n",
			agent,
			raw0.Position.X, raw0.Position.Y, raw0.Position.Z,
			rawN.Position.X, rawN.Position.Y, rawN.Position.Z)
		fmt.Printf("  %-12s sim (%.2f, %.2f, %.2f) -> (%.2f, %.2f, %.2f)\n",
			"",
			t0.Position.X, t0.Position.Y, t0.Position.Z,
			tN.Position.X, tN.Position.Y, tN.Position.Z)
	}
	if first.Base != nil {
		b := tr.ApplyPose(*first.Base)
		fmt.Printf("  %-12s sim (%.2f, %.2f, %.2f)\n", "base", b.Position.X, b.Position.Y, b.Position.Z)
	}
	return nil
}
