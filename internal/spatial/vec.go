// Package spatial provides world coordinates and the uniform grid index used
// for proximity queries over agent positions.
package spatial

import "math"

// Vec2 is a position in world units.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns v + o.
func (v Vec2) Add(o Vec2) Vec2 { return Vec2{v.X + o.X, v.Y + o.Y} }

// Sub returns v - o.
func (v Vec2) Sub(o Vec2) Vec2 { return Vec2{v.X - o.X, v.Y - o.Y} }

// Scale returns v * s.
func (v Vec2) Scale(s float64) Vec2 { return Vec2{v.X * s, v.Y * s} }

// Dist2 returns the squared Euclidean distance between v and o.
func (v Vec2) Dist2(o Vec2) float64 {
	dx := v.X - o.X
	dy := v.Y - o.Y
	return dx*dx + dy*dy
}

// Dist returns the Euclidean distance between v and o.
func (v Vec2) Dist(o Vec2) float64 { return math.Sqrt(v.Dist2(o)) }

// Lerp interpolates linearly from v to o; t is clamped to [0, 1].
func (v Vec2) Lerp(o Vec2, t float64) Vec2 {
	if t <= 0 {
		return v
	}
	if t >= 1 {
		return o
	}
	return v.Add(o.Sub(v).Scale(t))
}

// Clamp restricts v to the rectangle [0,w]×[0,h].
func (v Vec2) Clamp(w, h float64) Vec2 {
	return Vec2{math.Max(0, math.Min(w, v.X)), math.Max(0, math.Min(h, v.Y))}
}
