// Package engine provides the tick-based simulation loop and the
// multi-resolution scheduler that runs each tick.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Cadence is a callback that runs every Every ticks.
type Cadence struct {
	Name  string
	Every uint64
	Fn    func(tick uint64)
}

// Engine drives the simulation forward.
type Engine struct {
	Tick     uint64        // Current tick counter (monotonic, never resets)
	Interval time.Duration // Base tick interval at speed 1

	// OnTick runs every tick before any cadence.
	OnTick func(tick uint64)

	cadences []Cadence

	mu    sync.Mutex
	speed float64 // Multiplier: 1.0 = real-time, 0 = paused
	stop  context.CancelFunc
}

// NewEngine creates an engine running tickRate ticks per second at speed 1.
func NewEngine(tickRate int) *Engine {
	if tickRate <= 0 {
		tickRate = 1
	}
	return &Engine{
		Interval: time.Second / time.Duration(tickRate),
		speed:    1.0,
	}
}

// Every registers a cadence callback. Callbacks run in registration order.
// A zero interval disables the callback.
func (e *Engine) Every(name string, every uint64, fn func(tick uint64)) {
	if every == 0 || fn == nil {
		return
	}
	e.cadences = append(e.cadences, Cadence{Name: name, Every: every, Fn: fn})
}

// Speed returns the current speed multiplier.
func (e *Engine) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// SetSpeed changes the speed multiplier. Zero pauses the loop.
func (e *Engine) SetSpeed(s float64) {
	if s < 0 {
		s = 0
	}
	e.mu.Lock()
	e.speed = s
	e.mu.Unlock()
}

// Run starts the simulation loop. Blocks until ctx is cancelled or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.stop = cancel
	e.mu.Unlock()
	defer cancel()

	slog.Info("simulation engine started", "tick", e.Tick, "speed", e.Speed())

	for ctx.Err() == nil {
		speed := e.Speed()
		if speed <= 0 {
			// Paused: sleep briefly and check again.
			if !sleep(ctx, 100*time.Millisecond) {
				break
			}
			continue
		}

		start := time.Now()
		e.Step()

		// Sleep for the remainder of the tick interval, adjusted for speed.
		elapsed := time.Since(start)
		target := time.Duration(float64(e.Interval) / speed)
		if elapsed < target && !sleep(ctx, target-elapsed) {
			break
		}
	}

	slog.Info("simulation engine stopped", "tick", e.Tick)
}

// Stop halts a running loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop != nil {
		e.stop()
	}
}

// Step advances the simulation by one tick.
func (e *Engine) Step() {
	e.Tick++

	if e.OnTick != nil {
		e.OnTick(e.Tick)
	}
	for _, c := range e.cadences {
		if e.Tick%c.Every == 0 {
			c.Fn(e.Tick)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// SimTime returns a human-readable simulation time string from a tick number.
func SimTime(tick, ticksPerDay uint64) string {
	if ticksPerDay == 0 {
		ticksPerDay = 1440
	}
	day := tick/ticksPerDay + 1
	minutes := (tick % ticksPerDay) * 1440 / ticksPerDay
	return fmt.Sprintf("Day %d, %d:%02d", day, minutes/60, minutes%60)
}
