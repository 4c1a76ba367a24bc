// Package tiers grades each inhabitant's simulation fidelity by its distance
// from the camera focus.
package tiers

import (
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/talgya/metropolis/internal/agents"
	"github.com/talgya/metropolis/internal/spatial"
)

// Config holds classifier thresholds and cadence.
type Config struct {
	Near            float64 // Full inside this distance
	Far             float64 // Simplified inside this distance
	ReferenceRadius float64 // Relevance radius at which Near/Far apply unscaled
	MinScale        float64
	MaxScale        float64
	Hysteresis      float64 // Band half-width as a fraction of each threshold
	Every           uint64  // Ticks between passes
	MaxFull         int     // Zero means no cap
	MaxSimplified   int
}

// Request asks the transition manager to move one agent between tiers.
type Request struct {
	ID   agents.AgentID
	From agents.Tier
	To   agents.Tier
}

// View is what the classifier needs from the simulation for one pass.
type View struct {
	Focus  spatial.Vec2
	Radius float64         // Camera relevance radius
	Live   []*agents.Agent // Full and Simplified agents
	Hash   *spatial.Hash
	Lookup func(agents.AgentID) *agents.Agent
}

// Classifier decides target tiers. It never changes an agent's tier itself;
// it emits requests.
type Classifier struct {
	cfg Config

	mu     sync.Mutex
	pins   map[agents.AgentID]struct{}
	forced bool

	last    uint64
	ran     bool
	scratch []uint64
	desired []placement
}

type placement struct {
	a      *agents.Agent
	d2     float64
	to     agents.Tier
	pinned bool
}

// New creates a classifier.
func New(cfg Config) *Classifier {
	if cfg.Hysteresis < 0 {
		cfg.Hysteresis = 0
	}
	if cfg.Every == 0 {
		cfg.Every = 1
	}
	if cfg.Far < cfg.Near {
		cfg.Far = cfg.Near
	}
	return &Classifier{cfg: cfg, pins: make(map[agents.AgentID]struct{})}
}

// Pin forces an agent to the Full tier until unpinned.
func (c *Classifier) Pin(id agents.AgentID) {
	c.mu.Lock()
	c.pins[id] = struct{}{}
	c.forced = true
	c.mu.Unlock()
}

// Unpin releases a pinned agent back to distance-based grading.
func (c *Classifier) Unpin(id agents.AgentID) {
	c.mu.Lock()
	if _, ok := c.pins[id]; ok {
		delete(c.pins, id)
		c.forced = true
	}
	c.mu.Unlock()
}

// Pinned reports whether an agent is pinned.
func (c *Classifier) Pinned(id agents.AgentID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pins[id]
	return ok
}

// Pins returns the pinned agent IDs in ascending order.
func (c *Classifier) Pins() []agents.AgentID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]agents.AgentID, 0, len(c.pins))
	for id := range c.pins {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Force makes the next Due call return true.
func (c *Classifier) Force() {
	c.mu.Lock()
	c.forced = true
	c.mu.Unlock()
}

// Due reports whether a pass should run at this tick.
func (c *Classifier) Due(tick uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forced || !c.ran || tick-c.last >= c.cfg.Every
}

// Thresholds returns the near and far distances for a relevance radius.
func (c *Classifier) Thresholds(radius float64) (near, far float64) {
	scale := 1.0
	if c.cfg.ReferenceRadius > 0 && radius > 0 {
		scale = radius / c.cfg.ReferenceRadius
		if c.cfg.MinScale > 0 {
			scale = math.Max(scale, c.cfg.MinScale)
		}
		if c.cfg.MaxScale > 0 {
			scale = math.Min(scale, c.cfg.MaxScale)
		}
	}
	return c.cfg.Near * scale, c.cfg.Far * scale
}

// Target returns the tier an agent currently at cur should hold at distance
// d. An agent must cross the far edge of a threshold's band before flipping.
func (c *Classifier) Target(cur agents.Tier, d, near, far float64) agents.Tier {
	h := c.cfg.Hysteresis
	nearIn, nearOut := near*(1-h), near*(1+h)
	farIn, farOut := far*(1-h), far*(1+h)

	switch cur {
	case agents.TierFull:
		if d <= nearOut {
			return agents.TierFull
		}
		if d <= farOut {
			return agents.TierSimplified
		}
	case agents.TierSimplified:
		if d < nearIn {
			return agents.TierFull
		}
		if d <= farOut {
			return agents.TierSimplified
		}
	default:
		if d < nearIn {
			return agents.TierFull
		}
		if d < farIn {
			return agents.TierSimplified
		}
	}
	return agents.TierStatistical
}

// Classify runs one pass and returns requests sorted by agent ID.
func (c *Classifier) Classify(tick uint64, v View) []Request {
	c.mu.Lock()
	pins := make(map[agents.AgentID]struct{}, len(c.pins))
	for id := range c.pins {
		pins[id] = struct{}{}
	}
	c.forced = false
	c.ran = true
	c.last = tick
	c.mu.Unlock()

	near, far := c.Thresholds(v.Radius)
	c.desired = c.desired[:0]
	seen := make(map[agents.AgentID]struct{}, len(v.Live))

	place := func(a *agents.Agent) {
		if a == nil || !a.Alive {
			return
		}
		if _, dup := seen[a.ID]; dup {
			return
		}
		seen[a.ID] = struct{}{}
		d2 := a.Pos.Dist2(v.Focus)
		_, pinned := pins[a.ID]
		to := agents.TierFull
		if !pinned {
			to = c.Target(a.Tier, math.Sqrt(d2), near, far)
		}
		c.desired = append(c.desired, placement{a: a, d2: d2, to: to, pinned: pinned})
	}

	for _, a := range v.Live {
		place(a)
	}

	// Statistical agents are only reachable through the hash.
	candidates := 0
	if v.Hash != nil && v.Lookup != nil {
		c.scratch = v.Hash.QueryRadiusInto(c.scratch[:0], v.Focus, far*(1-c.cfg.Hysteresis))
		for _, id := range c.scratch {
			a := v.Lookup(agents.AgentID(id))
			if a == nil || a.Tier != agents.TierStatistical {
				continue
			}
			candidates++
			place(a)
		}
	}
	if v.Lookup != nil {
		for id := range pins {
			if _, ok := seen[id]; !ok {
				place(v.Lookup(id))
			}
		}
	}

	c.applyCaps()

	var out []Request
	for _, p := range c.desired {
		if p.to != p.a.Tier {
			out = append(out, Request{ID: p.a.ID, From: p.a.Tier, To: p.to})
		}
	}
	slices.SortFunc(out, func(a, b Request) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	slog.Debug("tier classification",
		"tick", tick,
		"evaluated", len(c.desired),
		"candidates", candidates,
		"requests", len(out),
		"near", near,
		"far", far,
	)
	return out
}

// applyCaps keeps the nearest agents within each tier budget. Pinned agents
// rank ahead of everyone else.
func (c *Classifier) applyCaps() {
	if c.cfg.MaxFull <= 0 && c.cfg.MaxSimplified <= 0 {
		return
	}
	slices.SortFunc(c.desired, func(a, b placement) int {
		if a.pinned != b.pinned {
			if a.pinned {
				return -1
			}
			return 1
		}
		switch {
		case a.d2 < b.d2:
			return -1
		case a.d2 > b.d2:
			return 1
		case a.a.ID < b.a.ID:
			return -1
		case a.a.ID > b.a.ID:
			return 1
		}
		return 0
	})
	full, simple := 0, 0
	for i := range c.desired {
		p := &c.desired[i]
		if p.to == agents.TierFull {
			if c.cfg.MaxFull > 0 && full >= c.cfg.MaxFull && !p.pinned {
				p.to = agents.TierSimplified
			} else {
				full++
				continue
			}
		}
		if p.to == agents.TierSimplified {
			if c.cfg.MaxSimplified > 0 && simple >= c.cfg.MaxSimplified {
				p.to = agents.TierStatistical
			} else {
				simple++
			}
		}
	}
}
