package engine

import (
	"github.com/talgya/metropolis/internal/agents"
)

// updateSimple runs the simplified update for one agent: interpolate along
// precomputed waypoints, choose from the decision table once arrived, and
// drift mood toward the activity's target.
func (s *Simulation) updateSimple(a *agents.Agent, part agents.DayPart, slot uint64) {
	ss := a.Simple
	ec := &s.cfg.Engine

	if len(ss.Waypoints) > 1 && !ss.Arrived() {
		a.Pos = ss.Advance(ec.WalkSpeed)
	}
	if len(ss.Waypoints) == 0 || ss.Arrived() {
		// The draw is fixed for a day part, so an agent decides once per part.
		u := (agents.Jitter(a.ID, slot) + 1) / 2
		if next := s.table.Pick(agents.MoodBandOf(ss.Mood), part, u); next != ss.Activity {
			ss.Activity = next
			ss.Waypoints = agents.StraightWaypoints(a.Pos, a.Destination(next), s.cfg.Transition.Segments)
			ss.Leg, ss.Progress = 0, 0
		}
	}

	target := agents.MoodTarget[ss.Activity] + agents.Baseline(a.ID) - 55
	ss.Mood = agents.ClampMood(ss.Mood + (target-ss.Mood)*ec.SimpleMoodRate)
}
