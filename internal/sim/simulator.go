package sim

import (
	"context"
	"fmt"

	"github.com/zde37/chordsim/internal/config"
	"github.com/zde37/chordsim/internal/scheduler"
	"github.com/zde37/chordsim/pkg"
)

// Simulator drives one network through time. Each Simulate call applies
// the events due at the current step, advances every node one step, then
// moves the clock.
type Simulator struct {
	ctx         *Context
	network     *Network
	scheduler   *scheduler.Scheduler
	broadcaster RingUpdateBroadcaster
	logger      *pkg.Logger

	digest      uint64
	stableSince int64
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithBroadcaster publishes join, leave and fail events plus periodic
// snapshots to b.
func WithBroadcaster(b RingUpdateBroadcaster) Option {
	return func(s *Simulator) {
		s.broadcaster = b
	}
}

// New builds a simulator for cfg. If cfg names an event file its events are
// scheduled immediately.
func New(cfg *config.Config, logger *pkg.Logger, opts ...Option) (*Simulator, error) {
	ctx, err := NewContext(cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &Simulator{
		ctx:       ctx,
		network:   NewNetwork(ctx),
		scheduler: scheduler.New(ctx.Logger),
		logger:    ctx.Logger.WithFields(pkg.Fields{"component": "simulator"}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.EventFile != "" {
		events, err := scheduler.LoadEvents(cfg.EventFile, ctx.Space)
		if err != nil {
			return nil, err
		}
		if err := s.AddEvents(events...); err != nil {
			return nil, err
		}
		s.logger.Info().
			Str("file", cfg.EventFile).
			Int("events", len(events)).
			Msg("Loaded event file")
	}

	return s, nil
}

// AddEvents schedules churn.
func (s *Simulator) AddEvents(events ...scheduler.Event) error {
	return s.scheduler.AddEvents(events...)
}

// Simulate runs one step. It reports whether more simulation is warranted:
// events remain scheduled or messages are still in flight.
func (s *Simulator) Simulate() bool {
	now := s.ctx.step

	for _, ev := range s.scheduler.GetEvents(now) {
		if err := s.network.Apply(ev); err != nil {
			s.logger.Warn().Err(err).Str("event", ev.String()).Msg("Event not applied")
			continue
		}
		s.publish(updateFor(ev, now))
	}

	s.network.Step(now)

	if d := s.network.Digest(); d != s.digest {
		s.digest = d
		s.stableSince = now
	}

	if interval := s.ctx.Config.SnapshotInterval; s.broadcaster != nil && interval > 0 && now%interval == 0 {
		snap := s.Snapshot()
		s.publish(RingUpdateEvent{
			Type:     EventSnapshot,
			Step:     now,
			Message:  fmt.Sprintf("%d nodes", len(snap.Nodes)),
			Snapshot: &snap,
		})
	}

	s.ctx.advance()
	return s.scheduler.HasNext() || s.network.Pending()
}

func (s *Simulator) publish(u RingUpdateEvent) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.BroadcastRingUpdate(u); err != nil {
		s.logger.Warn().Err(err).Str("type", u.Type).Msg("Failed to broadcast ring update")
	}
}

// Run simulates exactly steps steps and returns the last Simulate result.
func (s *Simulator) Run(steps int64) bool {
	more := s.scheduler.HasNext() || s.network.Pending()
	for i := int64(0); i < steps; i++ {
		more = s.Simulate()
	}
	return more
}

// Stabilize runs until every event has been applied, the routing state has
// not changed for StableWindow steps and Verify finds the ring correct. A
// quiescent ring that fails verification is checked again once per window.
// It returns the steps taken, or ErrNotConverged once maxSteps is exceeded.
func (s *Simulator) Stabilize(maxSteps int64) (int64, error) {
	return s.StabilizeContext(context.Background(), maxSteps)
}

// StabilizeContext is Stabilize with cancellation, checked between steps.
func (s *Simulator) StabilizeContext(ctx context.Context, maxSteps int64) (int64, error) {
	window := s.ctx.Config.StableWindow
	start := s.ctx.step
	checked := int64(-1)
	issues := 0

	for taken := int64(0); taken < maxSteps; taken++ {
		if err := ctx.Err(); err != nil {
			return taken, err
		}
		s.Simulate()
		if s.scheduler.HasNext() || s.ctx.step-s.stableSince <= window {
			continue
		}
		if checked >= 0 && s.ctx.step-checked <= window {
			continue
		}

		checked = s.ctx.step
		rep := s.network.Verify()
		if rep.OK() {
			s.logger.Info().
				Int64("steps", taken+1).
				Int("nodes", s.network.Len()).
				Msg("Ring stabilized")
			return taken + 1, nil
		}
		issues = rep.Issues
		s.logger.Warn().
			Int("issues", issues).
			Strs("problems", rep.Problems).
			Msg("Ring quiescent but inconsistent")
	}

	if issues > 0 {
		return s.ctx.step - start, fmt.Errorf("%w after %d steps: %d verification issues", pkg.ErrNotConverged, maxSteps, issues)
	}
	return s.ctx.step - start, fmt.Errorf("%w after %d steps", pkg.ErrNotConverged, maxSteps)
}

// Result summarizes the simulator after a stabilization attempt that took
// steps and ended with err. The ring counts as converged only when err is
// nil and the final state verifies clean.
func (s *Simulator) Result(steps int64, err error) BatchResult {
	rep := s.network.Verify()
	return BatchResult{
		Seed:      s.ctx.Config.Seed,
		Steps:     steps,
		Converged: err == nil && rep.OK(),
		Digest:    s.network.Digest(),
		Report:    rep,
		Stats:     *s.ctx.Stats,
	}
}

// Drain stops periodic maintenance and runs until no message is in
// flight, so every request still outstanding gets its answer. Maintenance
// is switched back on afterwards.
func (s *Simulator) Drain(maxSteps int64) (int64, error) {
	s.network.SetMaintenance(false)
	defer s.network.SetMaintenance(true)

	for taken := int64(0); taken < maxSteps; taken++ {
		if !s.network.Pending() {
			return taken, nil
		}
		s.Simulate()
	}
	if s.network.Pending() {
		return maxSteps, fmt.Errorf("%w: network still busy after %d steps", pkg.ErrNotConverged, maxSteps)
	}
	return maxSteps, nil
}

// Snapshot captures every node's routing state.
func (s *Simulator) Snapshot() Snapshot {
	nodes := s.network.sortedNodes()
	snap := Snapshot{
		Step:   s.ctx.step,
		Digest: s.digest,
		Nodes:  make([]NodeView, 0, len(nodes)),
		Stats:  *s.ctx.Stats,
		Report: s.network.Verify(),
	}
	for _, n := range nodes {
		snap.Nodes = append(snap.Nodes, viewOf(n))
	}
	return snap
}

// Network returns the simulated network.
func (s *Simulator) Network() *Network {
	return s.network
}

// Context returns the run's context.
func (s *Simulator) Context() *Context {
	return s.ctx
}

// Scheduler returns the churn timeline.
func (s *Simulator) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}
