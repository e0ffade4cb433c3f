// Package playback drives a recorded timeline against a live simulator:
// arm and take off every agent, dispatch drift-corrected paths with
// equal-arrival velocities, poll poses until everyone arrives, and land
// unconditionally on every exit path.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pranikc/airsim-mac/internal/dispatcher"
	"github.com/pranikc/airsim-mac/internal/path"
	"github.com/pranikc/airsim-mac/internal/sim"
	"github.com/pranikc/airsim-mac/internal/transform"
	"github.com/pranikc/airsim-mac/pkg/core"
)

// State is a phase of the playback session lifecycle.
type State string

const (
	StateIdle        State = "Idle"
	StateDispatched  State = "Dispatched"
	StateMonitoring  State = "Monitoring"
	StateCompleted   State = "Completed"
	StateTimedOut    State = "TimedOut"
	StateInterrupted State = "Interrupted"
	StateFailed      State = "Failed"
	StateLanding     State = "Landing"
	StateTerminated  State = "Terminated"
)

// Configuration validation errors.
var (
	ErrNonPositiveVelocity  = errors.New("playback: base velocity must be positive")
	ErrNonPositiveSpeed     = errors.New("playback: playback speed must be positive")
	ErrNonPositiveThreshold = errors.New("playback: arrival threshold must be positive")
	ErrNonPositivePeriod    = errors.New("playback: poll period must be positive")
	ErrNonPositiveCeiling   = errors.New("playback: iteration ceiling must be positive")
)

// Config holds every tunable of a playback run. The defaults mirror the
// values the recordings were produced with.
type Config struct {
	// BaseVelocity is the nominal agent speed in m/s before playback-speed
	// scaling and equal-arrival adjustment.
	BaseVelocity float64

	// PlaybackSpeed scales both velocities and the base-path time cursor.
	PlaybackSpeed float64

	// ArrivalThreshold is the distance in meters at which an agent counts
	// as arrived at its final waypoint.
	ArrivalThreshold float64

	// PollPeriod is the monitor tick interval.
	PollPeriod time.Duration

	// IterationCeiling bounds the number of monitor ticks before the run
	// is declared timed out.
	IterationCeiling int

	// FollowTimeoutSeconds is handed to the simulator's path-follow command
	// so server-side execution is bounded too.
	FollowTimeoutSeconds float64

	// TakeoffSettle is how long to wait after takeoff completes before
	// sampling observed start poses.
	TakeoffSettle time.Duration

	// SkipTakeoff dispatches paths without arming a takeoff first, for
	// scenes where vehicles already hover.
	SkipTakeoff bool

	// Strategy selects absolute or drift-corrected relative paths.
	Strategy path.Strategy

	// StartFrame and EndFrame bound the replayed frame range. EndFrame 0
	// means the full timeline.
	StartFrame int
	EndFrame   int
}

// DefaultConfig returns the tuning the recordings were captured against.
func DefaultConfig() Config {
	return Config{
		BaseVelocity:         3.0,
		PlaybackSpeed:        1.0,
		ArrivalThreshold:     1.0,
		PollPeriod:           50 * time.Millisecond,
		IterationCeiling:     10000,
		FollowTimeoutSeconds: 600,
		TakeoffSettle:        2 * time.Second,
		Strategy:             path.Relative,
	}
}

// Validate rejects configurations before any simulator state is touched.
func (c Config) Validate() error {
	if c.BaseVelocity <= 0 {
		return ErrNonPositiveVelocity
	}
	if c.PlaybackSpeed <= 0 {
		return ErrNonPositiveSpeed
	}
	if c.ArrivalThreshold <= 0 {
		return ErrNonPositiveThreshold
	}
	if c.PollPeriod <= 0 {
		return ErrNonPositivePeriod
	}
	if c.IterationCeiling <= 0 {
		return ErrNonPositiveCeiling
	}
	return nil
}

// Controller owns one playback session at a time. A single goroutine calls
// Run; all simulator traffic for the controlled agents goes through it.
type Controller struct {
	client sim.Client
	cfg    Config
	logger *slog.Logger
	events *dispatcher.Dispatcher

	ticks    metric.Int64Counter
	arrivals metric.Int64Counter
	retries  metric.Int64Counter
	inFlight metric.Int64UpDownCounter
}

// Option configures a Controller.
type Option func(*Controller)

// WithEvents attaches a dispatcher that receives tick, transition, arrival
// and telemetry events during runs.
func WithEvents(d *dispatcher.Dispatcher) Option {
	return func(c *Controller) {
		c.events = d
	}
}

// New creates a Controller. Uses the global OTel meter for metrics (no-op
// if not configured).
func New(client sim.Client, cfg Config, logger *slog.Logger, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	m := meter()

	var err error
	if c.ticks, err = m.Int64Counter(
		"playback.monitor.ticks",
		metric.WithDescription("Monitor loop iterations"),
	); err != nil {
		return nil, fmt.Errorf("creating tick counter: %w", err)
	}
	if c.arrivals, err = m.Int64Counter(
		"playback.agent.arrivals",
		metric.WithDescription("Agents that reached their final waypoint"),
	); err != nil {
		return nil, fmt.Errorf("creating arrival counter: %w", err)
	}
	if c.retries, err = m.Int64Counter(
		"playback.pose.retries",
		metric.WithDescription("Transient pose query failures retried"),
	); err != nil {
		return nil, fmt.Errorf("creating retry counter: %w", err)
	}
	if c.inFlight, err = m.Int64UpDownCounter(
		"playback.agents.inflight",
		metric.WithDescription("Agents currently flying a dispatched path"),
	); err != nil {
		return nil, fmt.Errorf("creating in-flight counter: %w", err)
	}

	return c, nil
}

// TickSnapshot is the payload of a tick event: everything a consumer needs
// to draw or record one monitor iteration without calling the simulator.
type TickSnapshot struct {
	Iteration int
	// FrameCursor is the fractional recorded-frame index the elapsed time
	// maps to.
	FrameCursor float64
	// Base is the interpolated reference-point pose, nil when the recording
	// carries no base track.
	Base  *core.Pose
	Poses map[string]core.Pose
}

// PoseSample is the payload of a telemetry event.
type PoseSample struct {
	Agent    string
	Pose     core.Pose
	Distance float64
	Arrived  bool
	At       time.Time
}

// session is the mutable state of one run, owned by the monitor goroutine.
type session struct {
	state      State
	frames     []core.Frame
	agents     []string
	armed      []string
	handles    map[string]sim.Handle
	paths      map[string]path.Path
	velocities map[string]float64
	arrived    map[string]bool
	trails     map[string][]core.Pose
	lastPose   map[string]core.Pose
	basePath   []core.Pose
	iterations int
	cursor     float64
	startedAt  time.Time
	runErr     error
}

// Run plays the timeline through the simulator and always returns a summary;
// the error is non-nil only for fail-fast validation problems detected
// before the simulator was touched. Runtime failures are reported through
// Summary.Outcome and Summary.Err.
func (c *Controller) Run(ctx context.Context, tl *core.Timeline, tr transform.Transform) (*core.Summary, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}

	end := c.cfg.EndFrame
	if end <= 0 || end > tl.Len() {
		end = tl.Len()
	}
	frames, err := tl.Slice(c.cfg.StartFrame, end)
	if err != nil {
		return nil, err
	}

	s := &session{
		state:     StateIdle,
		frames:    frames,
		agents:    frames[0].AgentNames(),
		handles:   make(map[string]sim.Handle),
		arrived:   make(map[string]bool),
		trails:    make(map[string][]core.Pose),
		lastPose:  make(map[string]core.Pose),
		basePath:  baseTrack(frames, tr),
		startedAt: time.Now(),
	}

	if len(s.agents) == 0 {
		c.logger.Info("no agents in timeline, nothing to fly")
		c.transition(s, StateCompleted)
		c.transition(s, StateLanding)
		c.transition(s, StateTerminated)
		return c.summarize(s, StateCompleted), nil
	}

	// Landing runs exactly once no matter how the run ends, on a context
	// that survives cancellation of the run context.
	var cleanupOnce sync.Once
	defer cleanupOnce.Do(func() {
		c.cleanup(context.WithoutCancel(ctx), s)
	})

	outcome := c.run(ctx, tl, tr, s)
	cleanupOnce.Do(func() {
		c.cleanup(context.WithoutCancel(ctx), s)
	})
	return c.summarize(s, outcome), nil
}

// run executes setup, dispatch and monitoring, returning the terminal
// outcome state. Cleanup is the caller's responsibility.
func (c *Controller) run(ctx context.Context, tl *core.Timeline, tr transform.Transform, s *session) State {
	if err := c.setup(ctx, s); err != nil {
		if errors.Is(err, context.Canceled) {
			return c.abort(s, StateInterrupted, nil)
		}
		c.logger.Error("setup failed", "error", err)
		return c.abort(s, StateFailed, err)
	}

	observed, err := c.observeStarts(ctx, s)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return c.abort(s, StateInterrupted, nil)
		}
		c.logger.Error("observing start poses failed", "error", err)
		return c.abort(s, StateFailed, err)
	}

	s.paths, err = path.Build(s.frames, tr, s.agents, observed, c.cfg.Strategy)
	if err != nil {
		c.logger.Error("building paths failed", "error", err)
		return c.abort(s, StateFailed, err)
	}
	s.velocities, err = path.PlanVelocities(s.paths, c.cfg.BaseVelocity*c.cfg.PlaybackSpeed)
	if err != nil {
		return c.abort(s, StateFailed, err)
	}

	if err := c.dispatch(ctx, s); err != nil {
		if errors.Is(err, context.Canceled) {
			return c.abort(s, StateInterrupted, nil)
		}
		c.logger.Error("dispatch failed", "error", err)
		return c.abort(s, StateFailed, err)
	}

	outcome := c.monitor(ctx, tl, s)

	// Cancel every dispatched agent on any non-completed exit. The run
	// context is already canceled on the interrupt path, so the cancel
	// pass gets one that is not.
	if outcome != StateCompleted {
		cancelCtx := context.WithoutCancel(ctx)
		for agent := range s.handles {
			if err := c.client.Cancel(cancelCtx, agent); err != nil {
				c.logger.Warn("cancel failed", "agent", agent, "error", err)
			}
		}
	}
	c.joinHandles(s, outcome)

	return outcome
}

// cancelJoinGrace bounds the follow-handle join after a cancel pass.
const cancelJoinGrace = 5 * time.Second

// joinHandles waits for the follow handles, bounded so a handle that never
// finishes cannot keep the run from reaching landing. A completed run may
// legitimately take up to the follow timeout; after a cancel pass the
// handles should return within the grace period.
func (c *Controller) joinHandles(s *session, outcome State) {
	bound := time.Duration(c.cfg.FollowTimeoutSeconds * float64(time.Second))
	if outcome != StateCompleted || bound <= 0 {
		bound = cancelJoinGrace
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for agent, h := range s.handles {
			if err := h.Join(); err != nil {
				c.logger.Warn("follow handle finished with error", "agent", agent, "error", err)
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(bound):
		c.logger.Error("follow handles still pending, proceeding to landing", "waited", bound)
	}
	c.inFlight.Add(context.Background(), int64(-len(s.handles)))
}

// abort records the terminal state of a run that never reached monitoring.
func (c *Controller) abort(s *session, terminal State, err error) State {
	s.runErr = err
	c.transition(s, terminal)
	return terminal
}

// setup enables control, arms and takes off every agent. Agents are added
// to the armed set as soon as arming succeeds so a later failure still
// lands them.
func (c *Controller) setup(ctx context.Context, s *session) error {
	for _, agent := range s.agents {
		if err := c.client.EnableControl(ctx, agent, true); err != nil {
			return fmt.Errorf("enabling control for %s: %w", agent, err)
		}
		if err := c.client.Arm(ctx, agent, true); err != nil {
			return fmt.Errorf("arming %s: %w", agent, err)
		}
		s.armed = append(s.armed, agent)
	}

	if c.cfg.SkipTakeoff {
		return nil
	}

	handles := make(map[string]sim.Handle, len(s.agents))
	for _, agent := range s.agents {
		h, err := c.client.Takeoff(ctx, agent)
		if err != nil {
			return fmt.Errorf("takeoff for %s: %w", agent, err)
		}
		handles[agent] = h
	}
	for agent, h := range handles {
		if err := h.Join(); err != nil {
			return fmt.Errorf("takeoff join for %s: %w", agent, err)
		}
	}
	c.logger.Info("all agents airborne", "agents", len(s.agents))

	if c.cfg.TakeoffSettle > 0 {
		select {
		case <-time.After(c.cfg.TakeoffSettle):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// observeStarts queries the live post-takeoff pose of every agent. The
// simulator, not the recording, is the source of truth for start positions.
func (c *Controller) observeStarts(ctx context.Context, s *session) (map[string]core.Pose, error) {
	observed := make(map[string]core.Pose, len(s.agents))
	for _, agent := range s.agents {
		pose, err := c.client.GetPose(ctx, agent)
		if err != nil {
			return nil, fmt.Errorf("start pose for %s: %w", agent, err)
		}
		observed[agent] = pose
		c.logger.Debug("observed start pose", "agent", agent,
			"x", pose.Position.X, "y", pose.Position.Y, "z", pose.Position.Z)
	}
	return observed, nil
}

// dispatch issues every follow-path command in one pass so all agents start
// flying together.
func (c *Controller) dispatch(ctx context.Context, s *session) error {
	c.transition(s, StateDispatched)
	for _, agent := range s.agents {
		p := s.paths[agent]
		if len(p) == 0 {
			continue
		}
		h, err := c.client.FollowPath(ctx, agent, p, s.velocities[agent], c.cfg.FollowTimeoutSeconds)
		if err != nil {
			return fmt.Errorf("follow path for %s: %w", agent, err)
		}
		s.handles[agent] = h
		c.inFlight.Add(context.Background(), 1)
		c.logger.Info("path dispatched", "agent", agent,
			"waypoints", len(p), "velocity", s.velocities[agent])
	}
	return nil
}

// monitor polls all agents each tick until everyone arrives, the iteration
// ceiling is hit, the context is canceled, or a pose query fails twice.
func (c *Controller) monitor(ctx context.Context, tl *core.Timeline, s *session) State {
	c.transition(s, StateMonitoring)

	interval := tl.NominalInterval()
	monitorStart := time.Now()
	ticker := time.NewTicker(c.cfg.PollPeriod)
	defer ticker.Stop()

	for s.iterations < c.cfg.IterationCeiling {
		select {
		case <-ctx.Done():
			c.logger.Info("playback interrupted", "iterations", s.iterations)
			c.transition(s, StateInterrupted)
			return StateInterrupted
		case <-ticker.C:
		}

		s.iterations++
		c.ticks.Add(context.Background(), 1)

		allArrived := true
		for _, agent := range s.agents {
			pose, err := c.pollPose(ctx, agent)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					c.transition(s, StateInterrupted)
					return StateInterrupted
				}
				s.runErr = fmt.Errorf("polling %s: %w", agent, err)
				c.logger.Error("pose poll failed after retry", "agent", agent, "error", err)
				c.transition(s, StateFailed)
				return StateFailed
			}
			s.lastPose[agent] = pose
			s.trails[agent] = append(s.trails[agent], pose)

			dist := pose.Distance(s.paths[agent].Final())
			if !s.arrived[agent] && dist < c.cfg.ArrivalThreshold {
				s.arrived[agent] = true
				c.arrivals.Add(context.Background(), 1,
					metric.WithAttributes(attribute.String("agent", agent)))
				c.logger.Info("agent arrived", "agent", agent,
					"distance", dist, "iteration", s.iterations)
				c.publish(dispatcher.Event{Kind: dispatcher.KindArrival, Agent: agent, Frame: s.iterations})
			}
			allArrived = allArrived && s.arrived[agent]

			c.publish(dispatcher.Event{Kind: dispatcher.KindTelemetry, Agent: agent, Payload: PoseSample{
				Agent:    agent,
				Pose:     pose,
				Distance: dist,
				Arrived:  s.arrived[agent],
				At:       time.Now(),
			}})
		}

		// Advance the base cursor by elapsed real time scaled to the
		// recording's nominal frame interval.
		elapsed := time.Since(monitorStart).Seconds() * c.cfg.PlaybackSpeed
		s.cursor = elapsed / interval
		if limit := float64(len(s.frames) - 1); s.cursor > limit {
			s.cursor = limit
		}
		basePose := interpolateBase(s.basePath, s.cursor)

		c.publish(dispatcher.Event{Kind: dispatcher.KindTick, Frame: int(s.cursor), Payload: TickSnapshot{
			Iteration:   s.iterations,
			FrameCursor: s.cursor,
			Base:        basePose,
			Poses:       copyPoses(s.lastPose),
		}})

		if allArrived {
			c.logger.Info("all agents arrived", "iterations", s.iterations)
			c.transition(s, StateCompleted)
			return StateCompleted
		}
	}

	c.logger.Error("iteration ceiling reached before arrival",
		"ceiling", c.cfg.IterationCeiling)
	c.transition(s, StateTimedOut)
	return StateTimedOut
}

// pollPose queries an agent's pose with at most one immediate retry.
func (c *Controller) pollPose(ctx context.Context, agent string) (core.Pose, error) {
	pose, err := c.client.GetPose(ctx, agent)
	if err == nil || errors.Is(err, context.Canceled) {
		return pose, err
	}
	c.retries.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("agent", agent)))
	c.logger.Warn("pose query failed, retrying once", "agent", agent, "error", err)
	return c.client.GetPose(ctx, agent)
}

// cleanup lands, disarms and releases every armed agent. Failures are
// logged and never propagated; a best-effort landing beats any error.
func (c *Controller) cleanup(ctx context.Context, s *session) {
	c.transition(s, StateLanding)

	handles := make(map[string]sim.Handle, len(s.armed))
	for _, agent := range s.armed {
		h, err := c.client.Land(ctx, agent)
		if err != nil {
			c.logger.Error("land command failed", "agent", agent, "error", err)
			continue
		}
		handles[agent] = h
	}
	for agent, h := range handles {
		if err := h.Join(); err != nil {
			c.logger.Error("landing did not complete", "agent", agent, "error", err)
		}
	}
	for _, agent := range s.armed {
		if err := c.client.Arm(ctx, agent, false); err != nil {
			c.logger.Error("disarm failed", "agent", agent, "error", err)
		}
		if err := c.client.EnableControl(ctx, agent, false); err != nil {
			c.logger.Error("releasing control failed", "agent", agent, "error", err)
		}
	}

	c.transition(s, StateTerminated)
	c.logger.Info("session terminated", "agents_landed", len(s.armed))
}

func (c *Controller) summarize(s *session, outcome State) *core.Summary {
	summary := &core.Summary{
		Outcome:         outcomeOf(outcome),
		StartedAt:       s.startedAt,
		Elapsed:         time.Since(s.startedAt),
		Iterations:      s.iterations,
		FramesProcessed: int(s.cursor) + boolToInt(s.iterations > 0),
		FramesTotal:     len(s.frames),
		Err:             s.runErr,
	}
	if summary.FramesProcessed > summary.FramesTotal {
		summary.FramesProcessed = summary.FramesTotal
	}
	for _, agent := range s.agents {
		result := core.AgentResult{
			Agent:   agent,
			Arrived: s.arrived[agent],
			Trail:   s.trails[agent],
		}
		if p, ok := s.paths[agent]; ok && len(p) > 0 {
			if last, seen := s.lastPose[agent]; seen {
				result.FinalDistance = last.Distance(p.Final())
			} else {
				result.FinalDistance = -1
			}
		}
		summary.Agents = append(summary.Agents, result)
	}
	return summary
}

// transition moves the session state machine and announces the change.
func (c *Controller) transition(s *session, next State) {
	if s.state == next {
		return
	}
	c.logger.Debug("state transition", "from", s.state, "to", next)
	prev := s.state
	s.state = next
	c.publish(dispatcher.Event{
		Kind:   dispatcher.KindTransition,
		Detail: string(next),
		Payload: struct {
			From, To State
		}{prev, next},
	})
}

func (c *Controller) publish(e dispatcher.Event) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(e); err != nil {
		c.logger.Debug("event delivery failed", "kind", e.Kind, "error", err)
	}
}

// baseTrack extracts the transformed reference-point track, holding the
// last known pose across frames that omit it. Nil when no frame has one.
func baseTrack(frames []core.Frame, tr transform.Transform) []core.Pose {
	var track []core.Pose
	var last *core.Pose
	any := false
	for _, f := range frames {
		if f.Base != nil {
			p := tr.ApplyPose(*f.Base)
			last = &p
			any = true
		}
		if last != nil {
			track = append(track, *last)
		} else {
			track = append(track, core.Pose{})
		}
	}
	if !any {
		return nil
	}
	return track
}

// interpolateBase linearly interpolates the base track at a fractional
// frame cursor.
func interpolateBase(track []core.Pose, cursor float64) *core.Pose {
	if len(track) == 0 {
		return nil
	}
	if cursor <= 0 {
		p := track[0]
		return &p
	}
	i := int(cursor)
	if i >= len(track)-1 {
		p := track[len(track)-1]
		return &p
	}
	u := cursor - float64(i)
	p := core.Lerp(track[i], track[i+1], u)
	return &p
}

func copyPoses(m map[string]core.Pose) map[string]core.Pose {
	out := make(map[string]core.Pose, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func outcomeOf(s State) core.Outcome {
	switch s {
	case StateCompleted:
		return core.OutcomeCompleted
	case StateTimedOut:
		return core.OutcomeTimedOut
	case StateInterrupted:
		return core.OutcomeInterrupted
	default:
		return core.OutcomeFailed
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
