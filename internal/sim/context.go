package sim

import (
	"fmt"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/zde37/chordsim/internal/chord"
	"github.com/zde37/chordsim/internal/config"
	"github.com/zde37/chordsim/internal/ring"
	"github.com/zde37/chordsim/pkg"
)

// Context is the state of one simulation run: clock, randomness, counters,
// message pool and subscriptions. Everything that would otherwise be global
// lives here and is passed by pointer, so runs never share state.
type Context struct {
	Config *config.Config
	Space  *ring.Space
	Logger *pkg.Logger
	Pool   *chord.MessagePool
	Subs   *Subscriptions
	Stats  *chord.Stats

	rng  *rand.Rand
	step int64
}

// NewContext validates cfg and builds a fresh context at step 0. A nil
// logger discards output.
func NewContext(cfg *config.Config, logger *pkg.Logger) (*Context, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	space, err := ring.NewSpace(cfg.Bits)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pkg.NewNop()
	}

	ctx := &Context{
		Config: cfg,
		Space:  space,
		Pool:   chord.NewMessagePool(cfg.DebugPool),
		Subs:   NewSubscriptions(),
		Stats:  &chord.Stats{},
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
	ctx.Logger = logger.WithHook(stepHook{ctx: ctx})
	return ctx, nil
}

// Step returns the current simulated step.
func (c *Context) Step() int64 {
	return c.step
}

// Rand returns the run's deterministic random source.
func (c *Context) Rand() *rand.Rand {
	return c.rng
}

// Reset rewinds the context to step 0 with the configured seed.
func (c *Context) Reset() {
	c.step = 0
	c.rng = rand.New(rand.NewSource(c.Config.Seed))
	c.Pool.Reset()
	c.Subs.Reset()
	c.Stats.Reset()
}

func (c *Context) advance() {
	c.step++
}

// stepHook stamps the simulated step on every log event.
type stepHook struct {
	ctx *Context
}

func (h stepHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	e.Int64("step", h.ctx.step)
}
