package gate

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TickConfig limits how often a rate-limited actor may act.
// Convenience interval fields are normalized to IntervalMs at parse time.
type TickConfig struct {
	Enabled          bool  `json:"enabled"`
	IntervalMs       int64 `json:"interval_ms,omitempty"`
	IntervalSeconds  int64 `json:"interval_seconds,omitempty"`
	IntervalMinutes  int64 `json:"interval_minutes,omitempty"`
	MaxTicksPerRound int   `json:"max_ticks_per_round,omitempty"`
}

// Normalize folds the convenience interval fields into IntervalMs.
// IntervalMs wins when more than one is set.
func (c *TickConfig) Normalize() {
	if c == nil || c.IntervalMs > 0 {
		return
	}
	if c.IntervalSeconds > 0 {
		c.IntervalMs = c.IntervalSeconds * 1000
	} else if c.IntervalMinutes > 0 {
		c.IntervalMs = c.IntervalMinutes * 60 * 1000
	}
}

// Interval returns the normalized tick interval.
func (c *TickConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// ValidateTick returns every problem with the config. A disabled or nil
// config is valid.
func ValidateTick(c *TickConfig) []string {
	if c == nil || !c.Enabled {
		return nil
	}
	var errs []string
	if c.IntervalMs == 0 && c.IntervalSeconds == 0 && c.IntervalMinutes == 0 {
		errs = append(errs, "tick is enabled but no interval is set")
	}
	if c.IntervalMs < 0 {
		errs = append(errs, fmt.Sprintf("interval_ms %d must be strictly positive", c.IntervalMs))
	}
	if c.IntervalSeconds < 0 {
		errs = append(errs, fmt.Sprintf("interval_seconds %d must be strictly positive", c.IntervalSeconds))
	}
	if c.IntervalMinutes < 0 {
		errs = append(errs, fmt.Sprintf("interval_minutes %d must be strictly positive", c.IntervalMinutes))
	}
	if c.MaxTicksPerRound < 0 {
		errs = append(errs, fmt.Sprintf("max_ticks_per_round %d must be strictly positive", c.MaxTicksPerRound))
	}
	return errs
}

// tickState tracks one actor's confirmed executions.
type tickState struct {
	lastTickAt time.Time
	tickCount  int
}

// TickGate is a shared arena of per-actor tick state. Two nodes gated on
// the same actor key share one interval budget.
type TickGate struct {
	actors map[string]*tickState
	now    func() time.Time
	mu     sync.Mutex
	logger *zap.Logger
}

// NewTickGate creates an empty tick arena.
func NewTickGate(logger *zap.Logger) *TickGate {
	return &TickGate{
		actors: make(map[string]*tickState),
		now:    time.Now,
		logger: logger,
	}
}

// SetClock overrides the gate's time source. Used by tests.
func (g *TickGate) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// ShouldExecute reports whether the actor may act now. It does not
// consume a tick; callers confirm execution with RecordTick.
func (g *TickGate) ShouldExecute(key string, cfg *TickConfig) bool {
	if cfg == nil || !cfg.Enabled {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.actors[key]
	if !ok {
		return true
	}
	if !st.lastTickAt.IsZero() && g.now().Sub(st.lastTickAt) < cfg.Interval() {
		return false
	}
	if cfg.MaxTicksPerRound > 0 && st.tickCount >= cfg.MaxTicksPerRound {
		g.logger.Debug("tick round budget exhausted",
			zap.String("actor", key),
			zap.Int("ticks", st.tickCount))
		return false
	}
	return true
}

// RecordTick marks a confirmed execution for the actor. Callers invoke it
// immediately before acting so gate state reflects only real executions.
func (g *TickGate) RecordTick(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.actors[key]
	if !ok {
		st = &tickState{}
		g.actors[key] = st
	}
	st.lastTickAt = g.now()
	st.tickCount++
}

// ResetRound zeroes the actor's round counter without touching the
// interval clock.
func (g *TickGate) ResetRound(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.actors[key]; ok {
		st.tickCount = 0
	}
}
