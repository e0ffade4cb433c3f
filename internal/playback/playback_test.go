package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pranikc/airsim-mac/internal/dispatcher"
	"github.com/pranikc/airsim-mac/internal/sim"
	"github.com/pranikc/airsim-mac/internal/transform"
	"github.com/pranikc/airsim-mac/pkg/core"
)

func discardSlog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}

// transitionRecorder collects state transitions published during a run.
type transitionRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *transitionRecorder) record(e dispatcher.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, e.Detail)
	return nil
}

func (r *transitionRecorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func (r *transitionRecorder) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseVelocity = 50
	cfg.PollPeriod = 2 * time.Millisecond
	cfg.TakeoffSettle = 0
	return cfg
}

// threeFrameTimeline is the canonical scenario: agent A moves ten meters
// along X over three frames, agent B holds position, the base creeps along X.
func threeFrameTimeline(t *testing.T) *core.Timeline {
	t.Helper()
	frames := make([]core.Frame, 3)
	ax := []float64{0, 0, 10}
	for i := range frames {
		base := core.NewPose(float64(i), 0, 0, 0)
		frames[i] = core.Frame{
			T: float64(i) * 0.05,
			Agents: map[string]core.Pose{
				"A": core.NewPose(ax[i], 0, 0, 0),
				"B": core.NewPose(0, 0, 0, 0),
			},
			Base: &base,
		}
	}
	tl, err := core.NewTimeline(frames)
	require.NoError(t, err)
	return tl
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "defaults valid", mutate: func(*Config) {}, wantErr: nil},
		{name: "zero velocity", mutate: func(c *Config) { c.BaseVelocity = 0 }, wantErr: ErrNonPositiveVelocity},
		{name: "negative speed", mutate: func(c *Config) { c.PlaybackSpeed = -1 }, wantErr: ErrNonPositiveSpeed},
		{name: "zero threshold", mutate: func(c *Config) { c.ArrivalThreshold = 0 }, wantErr: ErrNonPositiveThreshold},
		{name: "zero poll period", mutate: func(c *Config) { c.PollPeriod = 0 }, wantErr: ErrNonPositivePeriod},
		{name: "zero ceiling", mutate: func(c *Config) { c.IterationCeiling = 0 }, wantErr: ErrNonPositiveCeiling},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IterationCeiling = -1
	_, err := New(sim.NewMemorySim(nil), cfg, discardSlog())
	assert.ErrorIs(t, err, ErrNonPositiveCeiling)
}

func TestRun_RejectsInvalidTransformBeforeTouchingSim(t *testing.T) {
	memSim := sim.NewMemorySim(map[string]core.Pose{"A": {}})
	ctrl, err := New(memSim, fastConfig(), discardSlog())
	require.NoError(t, err)

	tl := threeFrameTimeline(t)
	_, err = ctrl.Run(context.Background(), tl, transform.Transform{Scale: 0})
	require.ErrorIs(t, err, transform.ErrNonPositiveScale)
	assert.False(t, memSim.Armed("A"), "failed validation must not arm agents")
}

func TestRun_ZeroAgentsCompletesImmediately(t *testing.T) {
	base := core.NewPose(0, 0, 0, 0)
	tl, err := core.NewTimeline([]core.Frame{{T: 0, Base: &base}})
	require.NoError(t, err)

	ctrl, err := New(sim.NewMemorySim(nil), fastConfig(), discardSlog())
	require.NoError(t, err)

	summary, err := ctrl.Run(context.Background(), tl, transform.Identity)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeCompleted, summary.Outcome)
	assert.Empty(t, summary.Agents)
	assert.Zero(t, summary.Iterations)
}

func TestRun_EndToEndCompleted(t *testing.T) {
	spawns := map[string]core.Pose{
		"A": core.NewPose(2, 1, 0, 0), // deliberate drift from recorded (0,0,0)
		"B": core.NewPose(-1, 3, 0, 0),
	}
	memSim := sim.NewMemorySim(spawns)
	memSim.Start(time.Millisecond)
	defer memSim.Close()

	events, err := dispatcher.New(discardLogger{})
	require.NoError(t, err)
	rec := &transitionRecorder{}
	events.Subscribe(dispatcher.KindTransition, "recorder", rec.record)

	ctrl, err := New(memSim, fastConfig(), discardSlog(), WithEvents(events))
	require.NoError(t, err)

	tl := threeFrameTimeline(t)
	summary, err := ctrl.Run(context.Background(), tl, transform.Identity)
	require.NoError(t, err)

	require.Equal(t, core.OutcomeCompleted, summary.Outcome)
	assert.True(t, summary.AllArrived())
	assert.Equal(t, 3, summary.FramesTotal)

	// Relative strategy: A ends ten meters along X from its observed
	// post-takeoff start, regardless of spawn drift.
	poseA, err := memSim.GetPose(context.Background(), "A")
	require.NoError(t, err)
	target := core.Pose{Position: r3.Vec{X: spawns["A"].Position.X + 10, Y: spawns["A"].Position.Y, Z: -1.5}}
	assert.Less(t, poseA.Distance(target), 1.0)

	// Single pass through the terminal states.
	seq := rec.sequence()
	assert.Equal(t, []string{"Dispatched", "Monitoring", "Completed", "Landing", "Terminated"}, seq)

	for _, agent := range []string{"A", "B"} {
		assert.False(t, memSim.Armed(agent), "agent %s should be disarmed", agent)
		assert.False(t, memSim.Airborne(agent), "agent %s should be landed", agent)
	}
}

func TestRun_IterationCeilingTimedOut(t *testing.T) {
	memSim := sim.NewMemorySim(map[string]core.Pose{
		"A": core.NewPose(0, 0, 0, 0),
		"B": core.NewPose(5, 5, 0, 0),
	})
	// No Start: agents never move, so nobody arrives.

	events, err := dispatcher.New(discardLogger{})
	require.NoError(t, err)
	rec := &transitionRecorder{}
	events.Subscribe(dispatcher.KindTransition, "recorder", rec.record)

	cfg := fastConfig()
	cfg.IterationCeiling = 1
	ctrl, err := New(memSim, cfg, discardSlog(), WithEvents(events))
	require.NoError(t, err)

	summary, err := ctrl.Run(context.Background(), threeFrameTimeline(t), transform.Identity)
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeTimedOut, summary.Outcome)
	assert.Equal(t, 1, summary.Iterations)
	assert.False(t, summary.AllArrived())

	// Landing must still run, exactly once.
	assert.Equal(t, 1, rec.count("Landing"))
	assert.Equal(t, 1, rec.count("Terminated"))
	assert.False(t, memSim.Armed("A"))
	assert.False(t, memSim.Airborne("A"))
}

func TestRun_CanceledBeforeStartStillLands(t *testing.T) {
	memSim := sim.NewMemorySim(map[string]core.Pose{
		"A": core.NewPose(0, 0, 0, 0),
		"B": core.NewPose(1, 1, 0, 0),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ctrl, err := New(memSim, fastConfig(), discardSlog())
	require.NoError(t, err)

	summary, err := ctrl.Run(ctx, threeFrameTimeline(t), transform.Identity)
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeInterrupted, summary.Outcome)
	// Landing uses an uncancelable context, so a canceled run still grounds
	// and disarms everyone.
	for _, agent := range []string{"A", "B"} {
		assert.False(t, memSim.Armed(agent))
		assert.False(t, memSim.Airborne(agent))
	}
}

// strictCancelClient behaves like the live RPC client: Cancel honors its
// context before sending anything, and records which agents were canceled.
type strictCancelClient struct {
	sim.Client
	mu      sync.Mutex
	cancels map[string]int
}

func (c *strictCancelClient) Cancel(ctx context.Context, agent string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.cancels[agent]++
	c.mu.Unlock()
	return c.Client.Cancel(ctx, agent)
}

func TestRun_InterruptionCancelsEveryAgentThenLands(t *testing.T) {
	// Agents never move: the sim is not started, so the follow handles only
	// finish if the controller cancels them.
	memSim := sim.NewMemorySim(map[string]core.Pose{
		"A": core.NewPose(0, 0, 0, 0),
		"B": core.NewPose(1, 1, 0, 0),
	})
	client := &strictCancelClient{Client: memSim, cancels: map[string]int{}}

	events, err := dispatcher.New(discardLogger{})
	require.NoError(t, err)
	rec := &transitionRecorder{}
	events.Subscribe(dispatcher.KindTransition, "recorder", rec.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events.Subscribe(dispatcher.KindTick, "interrupter", func(dispatcher.Event) error {
		cancel()
		return nil
	})

	ctrl, err := New(client, fastConfig(), discardSlog(), WithEvents(events))
	require.NoError(t, err)

	summary, err := ctrl.Run(ctx, threeFrameTimeline(t), transform.Identity)
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeInterrupted, summary.Outcome)
	assert.GreaterOrEqual(t, summary.Iterations, 1)

	// Every dispatched agent gets canceled even though the run context is
	// already dead when the cancel pass runs.
	client.mu.Lock()
	assert.Equal(t, map[string]int{"A": 1, "B": 1}, client.cancels)
	client.mu.Unlock()

	assert.Equal(t, 1, rec.count("Landing"))
	assert.Equal(t, 1, rec.count("Terminated"))
	for _, agent := range []string{"A", "B"} {
		assert.False(t, memSim.Armed(agent))
		assert.False(t, memSim.Airborne(agent))
	}
}

func TestRun_StartFrameAgentSetFromSelectedRange(t *testing.T) {
	// "C" exists only in frame 0; playing from frame 1 flies A and B and
	// never touches C.
	frames := []core.Frame{
		{T: 0, Agents: map[string]core.Pose{
			"A": core.NewPose(0, 0, 0, 0),
			"B": core.NewPose(0, 0, 0, 0),
			"C": core.NewPose(9, 9, 0, 0),
		}},
		{T: 0.05, Agents: map[string]core.Pose{
			"A": core.NewPose(0, 0, 0, 0),
			"B": core.NewPose(0, 0, 0, 0),
		}},
		{T: 0.1, Agents: map[string]core.Pose{
			"A": core.NewPose(5, 0, 0, 0),
			"B": core.NewPose(0, 0, 0, 0),
		}},
	}
	tl, err := core.NewTimeline(frames)
	require.NoError(t, err)

	memSim := sim.NewMemorySim(map[string]core.Pose{
		"A": core.NewPose(0, 0, 0, 0),
		"B": core.NewPose(1, 1, 0, 0),
		"C": core.NewPose(9, 9, 0, 0),
	})
	memSim.Start(time.Millisecond)
	defer memSim.Close()

	cfg := fastConfig()
	cfg.StartFrame = 1
	ctrl, err := New(memSim, cfg, discardSlog())
	require.NoError(t, err)

	summary, err := ctrl.Run(context.Background(), tl, transform.Identity)
	require.NoError(t, err)
	require.Equal(t, core.OutcomeCompleted, summary.Outcome)
	assert.Equal(t, 2, summary.FramesTotal)

	var names []string
	for _, a := range summary.Agents {
		names = append(names, a.Agent)
	}
	assert.Equal(t, []string{"A", "B"}, names)
	assert.False(t, memSim.Armed("C"))
	assert.False(t, memSim.Airborne("C"))
}

// flakyPoseClient fails GetPose from a given call number on, to drive the
// Failed transition out of the monitor loop.
type flakyPoseClient struct {
	sim.Client
	mu        sync.Mutex
	calls     int
	failAfter int
}

func (f *flakyPoseClient) GetPose(ctx context.Context, agent string) (core.Pose, error) {
	f.mu.Lock()
	f.calls++
	failing := f.calls > f.failAfter
	f.mu.Unlock()
	if failing {
		return core.Pose{}, errors.New("pose service unavailable")
	}
	return f.Client.GetPose(ctx, agent)
}

func TestRun_RepeatedPoseFailureIsFatal(t *testing.T) {
	memSim := sim.NewMemorySim(map[string]core.Pose{"A": core.NewPose(0, 0, 0, 0)})
	// One successful observe-start call, then every poll fails including
	// the single retry.
	client := &flakyPoseClient{Client: memSim, failAfter: 1}

	ctrl, err := New(client, fastConfig(), discardSlog())
	require.NoError(t, err)

	summary, err := ctrl.Run(context.Background(), threeFrameTimeline(t), transform.Identity)
	require.NoError(t, err)

	assert.Equal(t, core.OutcomeFailed, summary.Outcome)
	require.Error(t, summary.Err)
	assert.Contains(t, summary.Err.Error(), "pose service unavailable")

	// Cleanup still grounds the agent.
	assert.False(t, memSim.Armed("A"))
	assert.False(t, memSim.Airborne("A"))
}

func TestRun_SingleTransientPoseFailureRecovers(t *testing.T) {
	memSim := sim.NewMemorySim(map[string]core.Pose{"A": core.NewPose(0, 0, 0, 0)})
	memSim.Start(time.Millisecond)
	defer memSim.Close()

	client := &onceFailingClient{Client: memSim, failOn: 3}

	ctrl, err := New(client, fastConfig(), discardSlog())
	require.NoError(t, err)

	summary, err := ctrl.Run(context.Background(), threeFrameTimeline(t), transform.Identity)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeCompleted, summary.Outcome)
}

// onceFailingClient fails exactly one GetPose call, exercising the
// one-retry policy.
type onceFailingClient struct {
	sim.Client
	mu     sync.Mutex
	calls  int
	failOn int
}

func (f *onceFailingClient) GetPose(ctx context.Context, agent string) (core.Pose, error) {
	f.mu.Lock()
	f.calls++
	failing := f.calls == f.failOn
	f.mu.Unlock()
	if failing {
		return core.Pose{}, errors.New("transient glitch")
	}
	return f.Client.GetPose(ctx, agent)
}

func TestRun_TickEventsCarryInterpolatedBase(t *testing.T) {
	memSim := sim.NewMemorySim(map[string]core.Pose{"A": core.NewPose(0, 0, 0, 0)})
	memSim.Start(time.Millisecond)
	defer memSim.Close()

	events, err := dispatcher.New(discardLogger{})
	require.NoError(t, err)

	var mu sync.Mutex
	var snapshots []TickSnapshot
	events.Subscribe(dispatcher.KindTick, "collector", func(e dispatcher.Event) error {
		snap, ok := e.Payload.(TickSnapshot)
		if !ok {
			return errors.New("unexpected payload type")
		}
		mu.Lock()
		snapshots = append(snapshots, snap)
		mu.Unlock()
		return nil
	})

	ctrl, err := New(memSim, fastConfig(), discardSlog(), WithEvents(events))
	require.NoError(t, err)

	tl := threeFrameTimeline(t)
	summary, err := ctrl.Run(context.Background(), tl, transform.Identity)
	require.NoError(t, err)
	require.Equal(t, core.OutcomeCompleted, summary.Outcome)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, snapshots)
	for _, snap := range snapshots {
		require.NotNil(t, snap.Base, "recording has a base track")
		// The base track runs from x=0 to x=2; interpolation stays inside.
		assert.GreaterOrEqual(t, snap.Base.Position.X, 0.0)
		assert.LessOrEqual(t, snap.Base.Position.X, 2.0)
		assert.Contains(t, snap.Poses, "A")
	}
	last := snapshots[len(snapshots)-1]
	assert.Greater(t, last.FrameCursor, 0.0)
}
