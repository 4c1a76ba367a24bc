package engine

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/talgya/metropolis/internal/agents"
	"github.com/talgya/metropolis/internal/pathfinding"
	"github.com/talgya/metropolis/internal/tiers"
)

// transitionQueue holds the tier changes requested during a tick. A later
// request for the same agent replaces an earlier one.
type transitionQueue struct {
	pending map[agents.AgentID]tiers.Request
}

func newTransitionQueue() transitionQueue {
	return transitionQueue{pending: make(map[agents.AgentID]tiers.Request)}
}

func (q *transitionQueue) push(r tiers.Request) {
	q.pending[r.ID] = r
}

func (q *transitionQueue) len() int { return len(q.pending) }

// drain empties the queue and returns its requests ordered by agent ID.
func (q *transitionQueue) drain() []tiers.Request {
	if len(q.pending) == 0 {
		return nil
	}
	out := make([]tiers.Request, 0, len(q.pending))
	for _, r := range q.pending {
		out = append(out, r)
	}
	clear(q.pending)
	slices.SortFunc(out, func(a, b tiers.Request) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// RequestTransition queues a tier change to be applied in the next drain.
func (s *Simulation) RequestTransition(r tiers.Request) {
	s.mu.Lock()
	s.queue.push(r)
	s.mu.Unlock()
}

// drainTransitions applies every queued tier change in one ordered pass.
// Requests for destroyed agents, or whose From tier no longer matches, are
// dropped.
func (s *Simulation) drainTransitions(tick uint64) {
	reqs := s.queue.drain()
	applied := 0
	for _, r := range reqs {
		a := s.roster.get(r.ID)
		switch {
		case a == nil || !a.Alive:
			s.dropStale(r, "agent destroyed")
			continue
		case a.Tier != r.From:
			s.dropStale(r, fmt.Sprintf("agent is %s", a.Tier))
			continue
		case r.To == r.From:
			continue
		}
		s.moveTier(a, r.To, tick)
		applied++
	}
	s.counters.Transitions += uint64(applied)
	if applied > 0 {
		slog.Debug("tier transitions applied", "tick", tick, "applied", applied, "requested", len(reqs))
	}
}

func (s *Simulation) dropStale(r tiers.Request, why string) {
	s.counters.StaleDropped++
	err := fmt.Errorf("%w: transition %s->%s for agent %d: %s", ErrStaleReference, r.From, r.To, r.ID, why)
	slog.Debug("dropping transition", "err", err)
}

// moveTier changes an agent's representation. Moves that skip a tier are
// composed from the adjacent steps, except promotion out of the statistical
// tier, which builds the target state directly from the group sample.
func (s *Simulation) moveTier(a *agents.Agent, to agents.Tier, tick uint64) {
	switch a.Tier {
	case agents.TierFull:
		s.collapseFull(a)
		if to == agents.TierStatistical {
			s.foldSimple(a)
		}
	case agents.TierSimplified:
		if to == agents.TierFull {
			s.simple.remove(a.ID)
			a.Full = a.Simple.Expand(a.ID)
			a.Simple = nil
			a.Tier = agents.TierFull
			s.full.add(a)
			return
		}
		s.foldSimple(a)
	case agents.TierStatistical:
		s.promote(a, to, tick)
	}
}

// collapseFull demotes Full to Simplified: the thought list is discarded,
// its effect kept in the mood scalar, and the remaining route becomes the
// waypoint list.
func (s *Simulation) collapseFull(a *agents.Agent) {
	if h := a.Full.Route.Handle; h != 0 {
		s.paths.Cancel(pathfinding.Handle(h))
	}
	s.full.remove(a.ID)
	a.Simple = a.Full.Collapse(a.Pos)
	a.Full = nil
	a.Tier = agents.TierSimplified
	s.simple.add(a)
}

// foldSimple demotes Simplified to Statistical, folding the agent's current
// attributes into its group.
func (s *Simulation) foldSimple(a *agents.Agent) {
	s.simple.remove(a.ID)
	s.agg.Fold(a, a.Simple.Vitals)
	a.Simple = nil
	a.Tier = agents.TierStatistical
}

// promote reconstructs individual state from the agent's group. The mood
// handed back never lands further than mood_epsilon from the mood the group
// held for the agent.
func (s *Simulation) promote(a *agents.Agent, to agents.Tier, tick uint64) {
	held, known := s.agg.Recall(a)
	v, ok := s.agg.Withdraw(a, tick)
	if !ok {
		slog.Debug("promoting agent without group, using model defaults", "agent", a.ID)
	}
	if known {
		v.Mood = limitShift(v.Mood, held, float32(s.cfg.Transition.MoodEpsilon))
	}
	part := agents.DayPartAt(tick, s.cfg.World.TicksPerDay)
	act := agents.ActivityHome
	if part == agents.DayMorning || part == agents.DayAfternoon {
		if v.Employed {
			act = agents.ActivityWork
		}
	}

	switch to {
	case agents.TierFull:
		a.Full = agents.NewFullState(a.ID, v, act)
		a.Tier = agents.TierFull
		s.full.add(a)
	default:
		a.Simple = &agents.SimpleState{
			Vitals:    v,
			Activity:  act,
			Waypoints: agents.StraightWaypoints(a.Pos, a.Destination(act), s.cfg.Transition.Segments),
		}
		a.Tier = agents.TierSimplified
		s.simple.add(a)
	}
}

// limitShift keeps v within eps of ref.
func limitShift(v, ref, eps float32) float32 {
	return min(max(v, ref-eps), ref+eps)
}
