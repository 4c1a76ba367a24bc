package engine

import (
	"log/slog"
	"slices"

	"github.com/talgya/metropolis/internal/agents"
	"github.com/talgya/metropolis/internal/pathfinding"
	"github.com/talgya/metropolis/internal/population"
	"github.com/talgya/metropolis/internal/spatial"
)

// runLifecycle applies births, deaths, migration and materialization for
// the time elapsed since the last pass. Every event adjusts the aggregate
// that accounts for the inhabitant at that moment.
func (s *Simulation) runLifecycle(tick uint64) {
	lc := &s.cfg.Lifecycle
	days := float64(lc.Every) * s.cfg.Derived.DaysPerTick

	deaths := s.deaths(lc.DeathRate * days)
	births := s.births(tick, lc.BirthRate*days)
	immigrants := s.immigrate(lc.ImmigrantRate * days)
	emigrants := s.emigrate(lc.EmigrationMax * days)
	absorbed := s.dematerialize()
	materialized := s.materialize(tick)
	s.ledger.Recalibrate(s.roster.len())

	if deaths+births+immigrants+emigrants+int64(materialized+absorbed) > 0 {
		slog.Debug("lifecycle",
			"tick", tick,
			"deaths", deaths,
			"births", births,
			"immigrants", immigrants,
			"emigrants", emigrants,
			"materialized", materialized,
			"absorbed", absorbed,
			"population", s.total,
		)
	}
}

// draw rounds an expected count stochastically.
func (s *Simulation) draw(expected float64) int64 {
	if expected <= 0 {
		return 0
	}
	n := int64(expected)
	if s.rng.Float64() < expected-float64(n) {
		n++
	}
	return n
}

func (s *Simulation) deaths(rate float64) int64 {
	n := s.draw(float64(s.roster.len()) * rate)
	for i := int64(0); i < n && s.roster.len() > 0; i++ {
		s.destroy(s.roster.list[s.rng.Intn(s.roster.len())])
	}
	removed := s.ledger.Remove(s.draw(float64(s.ledger.Total()) * rate))
	s.total -= removed

	total := n + removed
	s.counters.Deaths += uint64(total)
	return total
}

func (s *Simulation) births(tick uint64, rate float64) int64 {
	n := s.draw(float64(s.roster.len()) * rate)
	for i := int64(0); i < n; i++ {
		parent := s.roster.list[s.rng.Intn(s.roster.len())]
		if s.roster.len() < s.cfg.Lifecycle.MaxAgents {
			s.spawn(parent.Income, parent.Education, &parent.Home, tick)
		} else {
			s.ledger.Add(population.Demographic{Income: parent.Income, Education: parent.Education}, 1)
		}
		s.total++
	}

	vn := s.draw(float64(s.ledger.Total()) * rate)
	s.ledger.AddSpread(vn, s.ledgerWeights())
	s.total += vn

	total := n + vn
	s.counters.Births += uint64(total)
	return total
}

// immigrate adds arrivals to the virtual population. They become agents
// only through materialization.
func (s *Simulation) immigrate(rate float64) int64 {
	n := s.draw(float64(s.total) * rate)
	s.ledger.AddSpread(n, population.DefaultWeights())
	s.total += n
	s.counters.Immigrants += uint64(n)
	return n
}

// emigrate removes inhabitants in proportion to their group's emigration
// pressure. Virtual inhabitants leave at the population-weighted mean pressure.
func (s *Simulation) emigrate(rate float64) int64 {
	want := make(map[population.Key]int64)
	keys := make(map[population.Key]struct{})
	var pressure, weight float64
	for _, g := range s.agg.Groups() {
		pressure += g.EmigrationPressure * float64(g.Count)
		weight += float64(g.Count)
		if n := s.draw(float64(g.Count) * g.EmigrationPressure * rate); n > 0 {
			want[g.Key] = n
			keys[g.Key] = struct{}{}
		}
	}

	var left int64
	members := s.agg.MembersOf(keys)
	for _, k := range sortedGroupKeys(want) {
		ids := members[k]
		n := min(want[k], int64(len(ids)))
		// Partial shuffle picks n distinct members.
		for i := int64(0); i < n; i++ {
			j := i + s.rng.Int63n(int64(len(ids))-i)
			ids[i], ids[j] = ids[j], ids[i]
			if a := s.roster.get(ids[i]); a != nil {
				s.destroy(a)
				left++
			}
		}
	}

	if weight > 0 {
		removed := s.ledger.Remove(s.draw(float64(s.ledger.Total()) * rate * pressure / weight))
		s.total -= removed
		left += removed
	}
	s.counters.Emigrants += uint64(left)
	return left
}

// materialize turns virtual inhabitants into statistical agents while
// agent capacity allows. The reported population does not change.
func (s *Simulation) materialize(tick uint64) int {
	room := s.cfg.Lifecycle.MaxAgents - s.roster.len()
	n := min(s.cfg.Lifecycle.Materialize, room)
	if n <= 0 || s.ledger.Total() == 0 {
		return 0
	}
	demos := s.ledger.Materialize(n)
	for _, d := range demos {
		s.spawn(d.Income, d.Education, nil, tick)
	}
	s.counters.Materialized += uint64(len(demos))
	return len(demos)
}

// dematerialize returns statistical agents to the virtual population while
// the roster is over agent capacity, as after lowering lifecycle.max_agents.
// The reported population does not change.
func (s *Simulation) dematerialize() int {
	limit := s.cfg.Lifecycle.MaxAgents
	if limit <= 0 || s.roster.len() <= limit {
		return 0
	}
	excess := s.roster.len() - limit
	n := 0
	// Removal swaps the last entry into the hole, so walking backwards
	// never skips an unvisited agent.
	for i := s.roster.len() - 1; i >= 0 && n < excess; i-- {
		a := s.roster.list[i]
		if a.Tier != agents.TierStatistical || s.classifier.Pinned(a.ID) {
			continue
		}
		s.unlink(a)
		s.ledger.Absorb(a)
		n++
	}
	s.counters.Absorbed += uint64(n)
	return n
}

// spawn creates a statistical agent without touching the reported total.
// A nil home picks one at random.
func (s *Simulation) spawn(income agents.IncomeClass, edu agents.EducationLevel, home *agents.Place, tick uint64) *agents.Agent {
	h, w := s.pickPlaces()
	if home != nil {
		h = *home
	}
	a, v := s.spawner.Spawn(h, w, income, edu, tick)
	a.Pos = s.spawner.Scatter(h.Pos, 16, s.cfg.World.Width, s.cfg.World.Height)
	s.admit(a, v)
	return a
}

func (s *Simulation) pickPlaces() (home, work agents.Place) {
	center := agents.Place{Pos: spatial.Vec2{X: s.cfg.World.Width / 2, Y: s.cfg.World.Height / 2}}
	home, work = center, center
	if n := len(s.places.Homes); n > 0 {
		home = s.places.Homes[s.rng.Intn(n)]
	}
	if n := len(s.places.Works); n > 0 {
		work = s.places.Works[s.rng.Intn(n)]
	}
	return home, work
}

// destroy removes an inhabitant from the city.
func (s *Simulation) destroy(a *agents.Agent) {
	s.unlink(a)
	s.total--
}

// unlink removes an agent from the simulation and immediately decrements
// whichever aggregate accounted for it.
func (s *Simulation) unlink(a *agents.Agent) {
	switch a.Tier {
	case agents.TierFull:
		if h := a.Full.Route.Handle; h != 0 {
			s.paths.Cancel(pathfinding.Handle(h))
		}
		s.full.remove(a.ID)
	case agents.TierSimplified:
		s.simple.remove(a.ID)
	default:
		if !s.agg.Remove(a) {
			slog.Debug("destroyed statistical agent had no group", "agent", a.ID)
		}
	}
	s.roster.remove(a.ID)
	if s.classifier.Pinned(a.ID) {
		s.classifier.Unpin(a.ID)
	}
	a.Alive = false
	a.Full, a.Simple = nil, nil
}

// Kill destroys one agent. It reports false if the agent is unknown.
func (s *Simulation) Kill(id agents.AgentID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.roster.get(id)
	if a == nil {
		return false
	}
	s.destroy(a)
	s.counters.Deaths++
	return true
}

func (s *Simulation) ledgerWeights() population.Weights {
	rec := s.ledger.Record()
	if rec.Total == 0 {
		return population.DefaultWeights()
	}
	var w population.Weights
	for i := range rec.Dist {
		for j := range rec.Dist[i] {
			w[i][j] = float64(rec.Dist[i][j])
		}
	}
	return w
}

func sortedGroupKeys(m map[population.Key]int64) []population.Key {
	keys := make([]population.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b population.Key) int {
		if a == b {
			return 0
		}
		if a.Less(b) {
			return -1
		}
		return 1
	})
	return keys
}
