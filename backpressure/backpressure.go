// Package backpressure turns live worker metrics into an enforceable load
// level. Four inputs each map through a three-threshold step function; the
// overall level is the maximum of the four. Derived actions tune admission,
// batch size and flush cadence.
package backpressure

import (
	"context"
	"sync"
	"time"

	"github.com/loomworks/agentd/telemetry"
)

type (
	// Level is the worker load level.
	Level int

	// Inputs are the live metrics feeding the controller.
	Inputs struct {
		PendingWrites int
		ActiveRuns    int
		FlushLatency  time.Duration
		MemoryPercent float64
	}

	// Actions are the knobs derived from the current level.
	Actions struct {
		AcceptWork    bool
		ShedLoad      bool
		BatchSize     int
		FlushInterval time.Duration
	}

	// Thresholds holds the elevated/high/critical cut points for one input.
	Thresholds struct {
		Elevated float64
		High     float64
		Critical float64
	}

	// Config sets the per-input thresholds.
	Config struct {
		PendingWrites Thresholds
		ActiveRuns    Thresholds
		FlushLatency  Thresholds // milliseconds
		MemoryPercent Thresholds
	}

	// Callback observes level transitions.
	Callback func(ctx context.Context, from, to Level)

	// Controller aggregates inputs and publishes the load level. Thread-safe.
	Controller struct {
		cfg     Config
		logger  telemetry.Logger
		metrics *telemetry.WorkerMetrics

		mu        sync.Mutex
		inputs    Inputs
		level     Level
		callbacks []Callback
	}
)

const (
	LevelNormal Level = iota
	LevelElevated
	LevelHigh
	LevelCritical
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelElevated:
		return "elevated"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "normal"
	}
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		PendingWrites: Thresholds{Elevated: 50, High: 80, Critical: 95},
		ActiveRuns:    Thresholds{Elevated: 300, High: 500, Critical: 800},
		FlushLatency:  Thresholds{Elevated: 500, High: 2000, Critical: 5000},
		MemoryPercent: Thresholds{Elevated: 60, High: 75, Critical: 90},
	}
}

// actionTable maps each level to its derived knobs.
var actionTable = map[Level]Actions{
	LevelNormal:   {AcceptWork: true, ShedLoad: false, BatchSize: 100, FlushInterval: 5 * time.Second},
	LevelElevated: {AcceptWork: true, ShedLoad: false, BatchSize: 75, FlushInterval: 3 * time.Second},
	LevelHigh:     {AcceptWork: true, ShedLoad: true, BatchSize: 50, FlushInterval: 2 * time.Second},
	LevelCritical: {AcceptWork: false, ShedLoad: true, BatchSize: 25, FlushInterval: time.Second},
}

// New constructs a Controller at LevelNormal.
func New(cfg Config, logger telemetry.Logger, metrics *telemetry.WorkerMetrics) *Controller {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Controller{cfg: cfg, logger: logger, metrics: metrics}
}

// OnTransition registers a callback invoked on every level change.
func (c *Controller) OnTransition(cb Callback) {
	c.mu.Lock()
	c.callbacks = append(c.callbacks, cb)
	c.mu.Unlock()
}

// UpdateMetrics refreshes the inputs and recomputes the level, firing
// transition callbacks outside the lock.
func (c *Controller) UpdateMetrics(ctx context.Context, in Inputs) Level {
	c.mu.Lock()
	c.inputs = in
	from := c.level
	to := computeLevel(c.cfg, in)
	c.level = to
	callbacks := c.callbacks
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.LoadLevel.Set(float64(to))
		c.metrics.PendingWrites.Set(float64(in.PendingWrites))
	}
	if from != to {
		c.logger.Info(ctx, "load level transition",
			"from", from.String(), "to", to.String(),
			"pending_writes", in.PendingWrites, "active_runs", in.ActiveRuns,
			"flush_latency_ms", in.FlushLatency.Milliseconds(), "memory_percent", in.MemoryPercent)
		for _, cb := range callbacks {
			cb(ctx, from, to)
		}
	}
	return to
}

// Level returns the current load level.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Actions returns the knobs for the current level.
func (c *Controller) Actions() Actions {
	return actionTable[c.Level()]
}

// Inputs returns the last reported inputs.
func (c *Controller) Inputs() Inputs {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputs
}

// computeLevel is the pure level function: the maximum of the four per-input
// step functions.
func computeLevel(cfg Config, in Inputs) Level {
	level := stepLevel(float64(in.PendingWrites), cfg.PendingWrites)
	if l := stepLevel(float64(in.ActiveRuns), cfg.ActiveRuns); l > level {
		level = l
	}
	if l := stepLevel(float64(in.FlushLatency.Milliseconds()), cfg.FlushLatency); l > level {
		level = l
	}
	if l := stepLevel(in.MemoryPercent, cfg.MemoryPercent); l > level {
		level = l
	}
	return level
}

func stepLevel(v float64, t Thresholds) Level {
	switch {
	case v >= t.Critical:
		return LevelCritical
	case v >= t.High:
		return LevelHigh
	case v >= t.Elevated:
		return LevelElevated
	default:
		return LevelNormal
	}
}

// Compute exposes the pure level function for tests.
func Compute(cfg Config, in Inputs) Level {
	return computeLevel(cfg, in)
}
