// internal/sim/memory.go
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pranikc/airsim-mac/pkg/core"
)

// MemorySim is an in-process kinematic simulator implementing Client. Agents
// fly their commanded paths at constant speed. It backs the --dry-run
// playback mode and the engine's tests; time advances either in real time
// via Start or manually via Step.
type MemorySim struct {
	mu     sync.Mutex
	agents map[string]*memAgent

	takeoffAltitude float64
	clockScale      float64

	plotCalls map[string]int

	stopOnce sync.Once
	stop     chan struct{}
}

type memAgent struct {
	pose       core.Pose
	controlled bool
	armed      bool
	airborne   bool

	// Active follow command.
	waypoints []core.Pose
	wpIndex   int
	velocity  float64
	follow    *memHandle
}

type memHandle struct {
	done chan struct{}
	once sync.Once
	err  error
}

func (h *memHandle) complete(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Join blocks until the operation finishes.
func (h *memHandle) Join() error {
	<-h.done
	return h.err
}

// NewMemorySim creates a simulator with agents spawned at the given poses.
// Spawn poses may deliberately differ from a recording's first frame to
// exercise drift correction.
func NewMemorySim(spawns map[string]core.Pose) *MemorySim {
	agents := make(map[string]*memAgent, len(spawns))
	for name, pose := range spawns {
		agents[name] = &memAgent{pose: pose}
	}
	return &MemorySim{
		agents:          agents,
		takeoffAltitude: -1.5,
		clockScale:      1,
		plotCalls:       make(map[string]int),
		stop:            make(chan struct{}),
	}
}

// Start advances the simulation in real time until Close is called.
func (s *MemorySim) Start(tick time.Duration) {
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-s.stop:
				return
			case now := <-ticker.C:
				s.mu.Lock()
				scale := s.clockScale
				s.mu.Unlock()
				s.Step(now.Sub(last).Seconds() * scale)
				last = now
			}
		}
	}()
}

// Close stops the real-time loop.
func (s *MemorySim) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// SetClockSpeed scales how fast simulated flight advances relative to wall
// clock in the Start loop. Manual Step calls are unaffected.
func (s *MemorySim) SetClockSpeed(_ context.Context, speed float64) error {
	if speed <= 0 {
		return fmt.Errorf("clock speed must be positive, got %v", speed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clockScale = speed
	return nil
}

// Step advances every agent by dt seconds of flight.
func (s *MemorySim) Step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		s.stepAgent(a, dt)
	}
}

func (s *MemorySim) stepAgent(a *memAgent, dt float64) {
	if a.follow == nil {
		return
	}
	budget := a.velocity * dt
	for budget > 0 && a.wpIndex < len(a.waypoints) {
		target := a.waypoints[a.wpIndex]
		dist := a.pose.Distance(target)
		if dist <= budget {
			a.pose = target
			a.wpIndex++
			budget -= dist
			continue
		}
		dir := r3.Scale(1/dist, r3.Sub(target.Position, a.pose.Position))
		a.pose = a.pose.Translate(r3.Scale(budget, dir))
		budget = 0
	}
	if a.wpIndex >= len(a.waypoints) {
		a.follow.complete(nil)
		a.follow = nil
	}
}

func (s *MemorySim) agent(name string) (*memAgent, error) {
	a, ok := s.agents[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", name)
	}
	return a, nil
}

// EnableControl grants or revokes control of an agent.
func (s *MemorySim) EnableControl(_ context.Context, agent string, enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.agent(agent)
	if err != nil {
		return err
	}
	a.controlled = enable
	return nil
}

// Arm arms or disarms an agent.
func (s *MemorySim) Arm(_ context.Context, agent string, arm bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.agent(agent)
	if err != nil {
		return err
	}
	if arm && !a.controlled {
		return fmt.Errorf("agent %q is not under API control", agent)
	}
	a.armed = arm
	return nil
}

// Takeoff lifts the agent to hover altitude. Completes immediately.
func (s *MemorySim) Takeoff(_ context.Context, agent string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.agent(agent)
	if err != nil {
		return nil, err
	}
	if !a.armed {
		return nil, fmt.Errorf("agent %q is not armed", agent)
	}
	a.pose = core.Pose{
		Position: r3.Vec{X: a.pose.Position.X, Y: a.pose.Position.Y, Z: s.takeoffAltitude},
		Yaw:      a.pose.Yaw,
	}
	a.airborne = true
	h := &memHandle{done: make(chan struct{})}
	h.complete(nil)
	return h, nil
}

// Land drops the agent to ground level and cancels any follow command.
func (s *MemorySim) Land(_ context.Context, agent string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.agent(agent)
	if err != nil {
		return nil, err
	}
	if a.follow != nil {
		a.follow.complete(nil)
		a.follow = nil
	}
	a.pose = core.Pose{
		Position: r3.Vec{X: a.pose.Position.X, Y: a.pose.Position.Y, Z: 0},
		Yaw:      a.pose.Yaw,
	}
	a.airborne = false
	h := &memHandle{done: make(chan struct{})}
	h.complete(nil)
	return h, nil
}

// Cancel aborts the agent's in-flight follow command, leaving it hovering.
func (s *MemorySim) Cancel(_ context.Context, agent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.agent(agent)
	if err != nil {
		return err
	}
	if a.follow != nil {
		a.follow.complete(nil)
		a.follow = nil
	}
	return nil
}

// FollowPath commands the agent along waypoints at velocity m/s.
func (s *MemorySim) FollowPath(_ context.Context, agent string, waypoints []core.Pose, velocity float64, _ float64) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.agent(agent)
	if err != nil {
		return nil, err
	}
	if !a.airborne {
		return nil, fmt.Errorf("agent %q is not airborne", agent)
	}
	if velocity <= 0 {
		return nil, fmt.Errorf("velocity must be positive, got %v", velocity)
	}
	if a.follow != nil {
		a.follow.complete(nil)
	}
	h := &memHandle{done: make(chan struct{})}
	if len(waypoints) == 0 {
		h.complete(nil)
		return h, nil
	}
	a.waypoints = waypoints
	a.wpIndex = 0
	a.velocity = velocity
	a.follow = h
	return h, nil
}

// GetPose returns the agent's current pose.
func (s *MemorySim) GetPose(_ context.Context, agent string) (core.Pose, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.agent(agent)
	if err != nil {
		return core.Pose{}, err
	}
	return a.pose, nil
}

// Armed reports whether an agent is currently armed. Test helper.
func (s *MemorySim) Armed(agent string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agent]
	return ok && a.armed
}

// Airborne reports whether an agent is off the ground. Test helper.
func (s *MemorySim) Airborne(agent string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agent]
	return ok && a.airborne
}

// PlotPoints records the call; the in-memory scene has nothing to draw on.
func (s *MemorySim) PlotPoints(_ context.Context, _ []core.Pose, _ Color, _ float64, _ float64, _ bool) error {
	s.notePlot("points")
	return nil
}

// PlotLineStrip records the call.
func (s *MemorySim) PlotLineStrip(_ context.Context, _ []core.Pose, _ Color, _ float64, _ float64, _ bool) error {
	s.notePlot("linestrip")
	return nil
}

// FlushPersistentMarkers records the call.
func (s *MemorySim) FlushPersistentMarkers(_ context.Context) error {
	s.notePlot("flush")
	return nil
}

func (s *MemorySim) notePlot(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plotCalls[kind]++
}

// PlotCount reports how often a plot primitive was invoked. Test helper;
// kinds are "points", "linestrip" and "flush".
func (s *MemorySim) PlotCount(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plotCalls[kind]
}
