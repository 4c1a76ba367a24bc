// Package camera supplies the viewer focus that drives tier classification.
package camera

import (
	"sync"

	"github.com/talgya/metropolis/internal/spatial"
)

// Camera is read once per classification pass.
type Camera interface {
	Focus() spatial.Vec2
	RelevanceRadius() float64
}

// Read returns focus and radius as one consistent pair. Cameras that can be
// moved concurrently provide View for that; others are read field by field.
func Read(c Camera) (spatial.Vec2, float64) {
	if v, ok := c.(interface {
		View() (spatial.Vec2, float64)
	}); ok {
		return v.View()
	}
	return c.Focus(), c.RelevanceRadius()
}

// Rig is a settable camera safe for concurrent use. The API moves it; the
// simulation reads it.
type Rig struct {
	mu     sync.RWMutex
	focus  spatial.Vec2
	radius float64
	moved  bool
}

// NewRig places a camera at focus with the given relevance radius.
func NewRig(focus spatial.Vec2, radius float64) *Rig {
	return &Rig{focus: focus, radius: radius}
}

func (r *Rig) Focus() spatial.Vec2 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.focus
}

func (r *Rig) RelevanceRadius() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.radius
}

// View returns focus and radius under one lock.
func (r *Rig) View() (spatial.Vec2, float64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.focus, r.radius
}

// Move repositions the camera. A non-positive radius keeps the current one.
func (r *Rig) Move(focus spatial.Vec2, radius float64) {
	r.mu.Lock()
	r.focus = focus
	if radius > 0 {
		r.radius = radius
	}
	r.moved = true
	r.mu.Unlock()
}

// TakeMoved reports whether the camera moved since the last call.
func (r *Rig) TakeMoved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.moved
	r.moved = false
	return m
}
