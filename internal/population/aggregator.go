package population

import (
	"log/slog"
	"slices"

	"golang.org/x/exp/maps"

	"github.com/talgya/metropolis/internal/agents"
	"github.com/talgya/metropolis/internal/spatial"
)

// AggregatorConfig sizes the district grid that buckets groups.
type AggregatorConfig struct {
	Width, Height float64
	DistrictSize  float64 // Edge length of a district bucket in world units
	SampleSpread  float64 // Max happiness deviation when sampling a member with no recorded mood
	MoodJitter    float64 // Max per-agent noise added to a promoted member's recalled mood
}

// Aggregator represents every statistical-tier agent through population
// groups. Membership is a derived index from agent ID to group key; it is
// rebuilt at each re-aggregation and never owns agents.
//
// Aggregator is not safe for concurrent use. The simulation serializes all
// mutation through the transition pass, the lifecycle phase and Advance.
type Aggregator struct {
	model    Model
	cfg      AggregatorConfig
	cols     int
	rows     int
	groups   map[Key]*Group
	members  map[agents.AgentID]Key
	total    int
	advanced uint64
}

// ReaggregationReport summarizes one re-aggregation pass.
type ReaggregationReport struct {
	Members int
	Groups  int
	Pruned  int
	Seeded  int // Members with no previous group, given model defaults
}

// NewAggregator creates an empty aggregator.
func NewAggregator(cfg AggregatorConfig, model Model) *Aggregator {
	if cfg.DistrictSize <= 0 {
		cfg.DistrictSize = 512
	}
	if cfg.SampleSpread <= 0 {
		cfg.SampleSpread = 3
	}
	if cfg.MoodJitter < 0 {
		cfg.MoodJitter = 0
	}
	if model == nil {
		model = DefaultDriftModel()
	}
	return &Aggregator{
		model:   model,
		cfg:     cfg,
		cols:    int(cfg.Width/cfg.DistrictSize) + 1,
		rows:    int(cfg.Height/cfg.DistrictSize) + 1,
		groups:  make(map[Key]*Group),
		members: make(map[agents.AgentID]Key),
	}
}

// Model returns the group model in use.
func (ag *Aggregator) Model() Model { return ag.model }

// KeyFor returns the group key an agent belongs to at its current position.
func (ag *Aggregator) KeyFor(a *agents.Agent) Key {
	cx := int(a.Pos.X / ag.cfg.DistrictSize)
	cy := int(a.Pos.Y / ag.cfg.DistrictSize)
	if a.Pos.X < 0 {
		cx = 0
	}
	if a.Pos.Y < 0 {
		cy = 0
	}
	return Key{
		Bucket:    spatial.Cell{X: min(cx, ag.cols-1), Y: min(cy, ag.rows-1)},
		Income:    a.Income,
		Education: a.Education,
	}
}

// Total returns the number of agents represented by groups.
func (ag *Aggregator) Total() int { return ag.total }

// Len returns the number of live groups.
func (ag *Aggregator) Len() int { return len(ag.groups) }

// MemberKey returns the group currently accounting for an agent.
func (ag *Aggregator) MemberKey(id agents.AgentID) (Key, bool) {
	k, ok := ag.members[id]
	return k, ok
}

// Group returns a copy of one group.
func (ag *Aggregator) Group(k Key) (Group, bool) {
	g, ok := ag.groups[k]
	if !ok {
		return Group{}, false
	}
	return *g, true
}

// Groups returns a copy of every group, sorted by key.
func (ag *Aggregator) Groups() []Group {
	out := make([]Group, 0, len(ag.groups))
	for _, k := range sortedKeys(ag.groups) {
		out = append(out, *ag.groups[k])
	}
	return out
}

// Fold adds an agent to its group with the given vitals. The group is
// created on first member. The agent keeps its own mood, net of group
// drift, so a later Withdraw can hand it back.
func (ag *Aggregator) Fold(a *agents.Agent, v agents.Vitals) Key {
	if _, ok := ag.members[a.ID]; ok {
		ag.leave(a)
	}
	k := ag.KeyFor(a)
	g := ag.groupFor(k)
	g.add(v)
	a.GroupMood = v.Mood - float32(g.Drift)
	ag.members[a.ID] = k
	ag.total++
	return k
}

// Recall returns the mood a member holds in its group: its folded mood plus
// the drift the group has seen since.
func (ag *Aggregator) Recall(a *agents.Agent) (float32, bool) {
	k, ok := ag.members[a.ID]
	if !ok {
		return 0, false
	}
	g, live := ag.groups[k]
	if !live {
		return 0, false
	}
	return agents.ClampMood(a.GroupMood + float32(g.Drift)), true
}

// Withdraw removes an agent from its group. Mood is the member's recalled
// mood with per-agent jitter derived from salt; the other vitals are sampled
// from the group's distribution.
func (ag *Aggregator) Withdraw(a *agents.Agent, salt uint64) (agents.Vitals, bool) {
	k, ok := ag.members[a.ID]
	if !ok {
		return ag.model.Seed(ag.KeyFor(a)), false
	}
	g, live := ag.groups[k]
	if !live {
		ag.drop(a.ID)
		return ag.model.Seed(k), false
	}
	u := agents.Jitter(a.ID, salt)
	v := g.Sample(u, agents.Jitter(a.ID, salt+1), ag.cfg.SampleSpread)
	mood := float64(a.GroupMood) + g.Drift
	v.Mood = agents.ClampMood(float32(mood + float64(u)*ag.cfg.MoodJitter))
	ag.leave(a)
	return v, true
}

// Remove drops a destroyed agent from its group immediately.
func (ag *Aggregator) Remove(a *agents.Agent) bool {
	if _, ok := ag.members[a.ID]; !ok {
		return false
	}
	ag.leave(a)
	return true
}

// leave takes a member and its mood contribution out of its group.
func (ag *Aggregator) leave(a *agents.Agent) {
	if g, ok := ag.groups[ag.members[a.ID]]; ok {
		g.forget(float64(a.GroupMood) + g.Drift)
	}
	ag.drop(a.ID)
}

func (ag *Aggregator) drop(id agents.AgentID) {
	k := ag.members[id]
	delete(ag.members, id)
	ag.total--
	g, ok := ag.groups[k]
	if !ok {
		return
	}
	g.drop()
	if g.Count == 0 {
		delete(ag.groups, k)
	}
}

func (ag *Aggregator) groupFor(k Key) *Group {
	g, ok := ag.groups[k]
	if !ok {
		env := ag.model.Environment(k)
		g = &Group{Key: k, ServiceCoverage: env.ServiceCoverage, CrimeExposure: env.CrimeExposure}
		ag.groups[k] = g
	}
	return g
}

// MembersOf returns the current members of each requested group, sorted by ID.
func (ag *Aggregator) MembersOf(keys map[Key]struct{}) map[Key][]agents.AgentID {
	out := make(map[Key][]agents.AgentID, len(keys))
	if len(keys) == 0 {
		return out
	}
	for id, k := range ag.members {
		if _, ok := keys[k]; ok {
			out[k] = append(out[k], id)
		}
	}
	for _, ids := range out {
		slices.Sort(ids)
	}
	return out
}

// Advance evolves every group by dt ticks without touching members.
func (ag *Aggregator) Advance(dt float64) {
	for _, g := range ag.groups {
		before := g.Happiness
		ag.model.Advance(g, dt)
		g.Drift += g.Happiness - before
	}
	ag.advanced++
}

// Reaggregate rebuilds all groups from the given statistical-tier agents.
// Counts are recomputed from scratch; averages are rebuilt from each member's
// last-known contribution, which is its share of the group that accounted for
// it before. Groups left without members are pruned.
//
// Running it twice with no membership change in between yields identical groups.
func (ag *Aggregator) Reaggregate(members []*agents.Agent) ReaggregationReport {
	type origin struct {
		from   map[Key]int
		seeded int
	}
	origins := make(map[Key]*origin)
	newMembers := make(map[agents.AgentID]Key, len(members))

	for _, a := range members {
		if a == nil || !a.Alive {
			continue
		}
		k := ag.KeyFor(a)
		o, ok := origins[k]
		if !ok {
			o = &origin{from: make(map[Key]int)}
			origins[k] = o
		}
		// Member moods are rebased onto rebuilt groups, which start with no drift.
		prev, known := ag.members[a.ID]
		if pg, live := ag.groups[prev]; known && live {
			o.from[prev]++
			a.GroupMood += float32(pg.Drift)
		} else {
			o.seeded++
			a.GroupMood = ag.model.Seed(k).Mood
		}
		newMembers[a.ID] = k
	}

	report := ReaggregationReport{Members: len(newMembers)}
	groups := make(map[Key]*Group, len(origins))
	for _, k := range sortedKeys(origins) {
		o := origins[k]
		g := &Group{Key: k}
		for _, pk := range sortedKeys(o.from) {
			g.merge(ag.groups[pk].share(o.from[pk]))
		}
		if o.seeded > 0 {
			seed := Group{}
			v := ag.model.Seed(k)
			seed.add(v)
			seed.Count = o.seeded
			seed.HappinessM2 = 0
			g.merge(seed)
			report.Seeded += o.seeded
		}
		env := ag.model.Environment(k)
		g.ServiceCoverage = env.ServiceCoverage
		g.CrimeExposure = env.CrimeExposure
		g.Drift = 0
		groups[k] = g
	}

	for k := range ag.groups {
		if _, ok := groups[k]; !ok {
			report.Pruned++
		}
	}

	ag.groups = groups
	ag.members = newMembers
	ag.total = len(newMembers)
	report.Groups = len(groups)

	slog.Debug("population re-aggregated",
		"members", report.Members,
		"groups", report.Groups,
		"pruned", report.Pruned,
		"seeded", report.Seeded,
	)
	return report
}

// Restore replaces all groups with saved ones and rebuilds the membership
// index from the statistical-tier agents.
func (ag *Aggregator) Restore(groups []Group, members []*agents.Agent) {
	ag.groups = make(map[Key]*Group, len(groups))
	for i := range groups {
		g := groups[i]
		if g.Count <= 0 {
			continue
		}
		ag.groups[g.Key] = &g
	}
	ag.members = make(map[agents.AgentID]Key, len(members))
	for _, a := range members {
		if !a.Alive {
			continue
		}
		k := ag.KeyFor(a)
		ag.members[a.ID] = k
		// Saves without per-member moods place members at the group mean.
		if g, ok := ag.groups[k]; ok && a.GroupMood == 0 {
			a.GroupMood = float32(g.Happiness - g.Drift)
		}
	}
	ag.total = 0
	for _, g := range ag.groups {
		ag.total += g.Count
	}
}

// Consistent reports whether group counts match the membership index.
func (ag *Aggregator) Consistent() bool {
	sum := 0
	for _, g := range ag.groups {
		sum += g.Count
	}
	return sum == ag.total && ag.total == len(ag.members)
}

func sortedKeys[V any](m map[Key]V) []Key {
	keys := maps.Keys(m)
	slices.SortFunc(keys, func(a, b Key) int {
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
