package engine

import (
	"fmt"

	"github.com/talgya/metropolis/internal/agents"
	"github.com/talgya/metropolis/internal/pathfinding"
	"github.com/talgya/metropolis/internal/spatial"
)

// intent carries side effects computed in the parallel phase and applied
// single-threaded afterwards.
type intent struct {
	cancel uint64 // Route handle to abandon
}

// Mood contributions of the thoughts full-tier agents form.
const (
	moodHungry        = -8
	moodExhausted     = -10
	moodLonely        = -6
	moodBored         = -4
	moodCrowded       = -5
	moodUnemployed    = -6
	moodLongCommute   = -3
	moodWellRested    = 4
	moodGoodMeal      = 4
	moodNiceEvening   = 6
	moodProductiveDay = 3
	moodPaid          = 2

	longCommute = 24 // Path points
)

// runEngines advances every full and simplified agent by one tick.
func (s *Simulation) runEngines(tick uint64) {
	part := agents.DayPartAt(tick, s.cfg.World.TicksPerDay)

	n := s.full.len()
	if cap(s.intents) < n {
		s.intents = make([]intent, n)
	}
	s.intents = s.intents[:n]
	clear(s.intents)

	full := s.full.list
	s.pool.run(n, func(i0, i1 int) {
		for i := i0; i < i1; i++ {
			s.updateFull(full[i], part, &s.intents[i])
		}
	})
	s.applyFull()

	slot := tick / max(s.cfg.World.TicksPerDay/agents.NumDayParts, 1)
	simple := s.simple.list
	s.pool.run(len(simple), func(i0, i1 int) {
		for i := i0; i < i1; i++ {
			s.updateSimple(simple[i], part, slot)
		}
	})
}

// updateFull runs the full-fidelity update for one agent. It reads the
// spatial hash and writes only the agent's own state.
func (s *Simulation) updateFull(a *agents.Agent, part agents.DayPart, in *intent) {
	fs := a.Full
	ec := &s.cfg.Engine

	agents.DecayThoughts(fs)
	fs.Needs.Decay(ec.NeedDecay)
	fs.Carry *= 1 - ec.CarryDecay

	arrived := false
	if rest := fs.Route.Remaining(); len(rest) > 0 {
		a.Pos, arrived = walk(a.Pos, fs.Route.Path, &fs.Route.Next, ec.WalkSpeed)
	}
	if !fs.Route.Pending && len(fs.Route.Remaining()) == 0 {
		fs.Needs.Satisfy(fs.Activity, ec.NeedRecovery)
	}

	s.notice(a, arrived)
	fs.Health = agents.ClampHealth(fs.Health + (fs.Needs.OverallSatisfaction()-fs.Health)*0.001)
	fs.RecomputeMood(a.ID)

	if next := agents.Decide(a, part); next != fs.Activity {
		in.cancel = fs.Route.Handle
		fs.Activity = next
		fs.Route = agents.Route{Dest: a.Destination(next), Pending: true}
	}
}

// notice forms thoughts from the agent's needs, surroundings and arrivals.
func (s *Simulation) notice(a *agents.Agent, arrived bool) {
	fs := a.Full
	dur := s.cfg.Memory.ThoughtDuration
	limit := s.cfg.Memory.MaxThoughts
	add := func(kind agents.ThoughtKind, value float32, d uint32) {
		agents.AddThought(fs, agents.Thought{Kind: kind, Value: value, Duration: d}, limit)
	}

	n := &fs.Needs
	if n.Food < 0.2 {
		add(agents.ThoughtHungry, moodHungry, dur)
	}
	if n.Rest < 0.2 {
		add(agents.ThoughtExhausted, moodExhausted, dur)
	}
	if n.Social < 0.2 {
		add(agents.ThoughtLonely, moodLonely, dur)
	}
	if n.Fun < 0.15 {
		add(agents.ThoughtBored, moodBored, dur)
	}
	if !fs.Employed && !agents.HasThought(fs, agents.ThoughtUnemployed) {
		add(agents.ThoughtUnemployed, moodUnemployed, dur*4)
	}
	if s.hash.CountWithin(a.Pos, s.cfg.Engine.CrowdRadius, uint64(a.ID)) >= s.cfg.Engine.CrowdThreshold {
		add(agents.ThoughtCrowded, moodCrowded, max(dur/4, 1))
	}

	if !arrived {
		return
	}
	if len(fs.Route.Path) > longCommute {
		add(agents.ThoughtLongCommute, moodLongCommute, dur)
	}
	switch fs.Activity {
	case agents.ActivityHome:
		if n.Rest > 0.6 {
			add(agents.ThoughtWellRested, moodWellRested, dur)
		}
	case agents.ActivityShop:
		add(agents.ThoughtGoodMeal, moodGoodMeal, dur)
	case agents.ActivityLeisure:
		add(agents.ThoughtNiceEvening, moodNiceEvening, dur)
	case agents.ActivityWork:
		if fs.Employed {
			add(agents.ThoughtProductiveDay, moodProductiveDay, dur)
			add(agents.ThoughtPaid, moodPaid, dur)
		}
	}
}

// AddThought records a thought from an outside event on a full-tier agent.
// A zero duration uses memory.thought_duration.
func (s *Simulation) AddThought(id agents.AgentID, kind agents.ThoughtKind, value float32, duration uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.roster.get(id)
	if a == nil {
		return fmt.Errorf("%w: %d", ErrUnknownAgent, id)
	}
	if a.Full == nil {
		return fmt.Errorf("%w: agent %d is %s", ErrNotFullTier, id, a.Tier)
	}
	if duration == 0 {
		duration = s.cfg.Memory.ThoughtDuration
	}
	agents.AddThought(a.Full, agents.Thought{Kind: kind, Value: value, Duration: duration}, s.cfg.Memory.MaxThoughts)
	a.Full.RecomputeMood(a.ID)
	return nil
}

// applyFull issues and collects route requests. The pathfinder is only ever
// called from here.
func (s *Simulation) applyFull() {
	for i, a := range s.full.list {
		fs := a.Full
		if h := s.intents[i].cancel; h != 0 {
			s.paths.Cancel(pathfinding.Handle(h))
		}
		if !fs.Route.Pending {
			continue
		}
		if fs.Route.Handle == 0 {
			fs.Route.Handle = uint64(s.paths.RequestPath(uint64(a.ID), a.Pos, fs.Route.Dest))
			continue
		}
		if path, ok := s.paths.Poll(pathfinding.Handle(fs.Route.Handle)); ok {
			fs.Route.Path = path
			fs.Route.Next = 0
			fs.Route.Pending = false
			fs.Route.Handle = 0
		}
	}
}

// walk moves step units along path from index next. It reports whether the
// end of the path was reached.
func walk(pos spatial.Vec2, path []spatial.Vec2, next *int, step float64) (spatial.Vec2, bool) {
	for step > 0 && *next < len(path) {
		target := path[*next]
		d := pos.Dist(target)
		if d <= step {
			pos = target
			step -= d
			*next++
			continue
		}
		pos = pos.Lerp(target, step/d)
		step = 0
	}
	return pos, *next >= len(path)
}
