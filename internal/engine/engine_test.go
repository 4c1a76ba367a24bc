package engine

import (
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/talgya/metropolis/internal/agents"
	"github.com/talgya/metropolis/internal/camera"
	"github.com/talgya/metropolis/internal/config"
	"github.com/talgya/metropolis/internal/pathfinding"
	"github.com/talgya/metropolis/internal/persistence"
	"github.com/talgya/metropolis/internal/population"
	"github.com/talgya/metropolis/internal/spatial"
	"github.com/talgya/metropolis/internal/tiers"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.World.Width, cfg.World.Height = 4096, 4096
	cfg.Engine.Workers = 4
	cfg.Engine.ParallelThreshold = 64
	return cfg
}

// newTestSim seeds n statistical agents scattered over the map and virtual
// inhabitants on top.
func newTestSim(t *testing.T, cfg *config.Config, n int, virtual int64) (*Simulation, *camera.Rig) {
	t.Helper()
	rig := camera.NewRig(spatial.Vec2{X: cfg.World.Width / 2, Y: cfg.World.Height / 2}, cfg.Tiers.ReferenceRadius)
	s := New(Options{Config: cfg, Meta: CityMeta{ID: "test-city", Name: "Test", Seed: 3}, Camera: rig})
	t.Cleanup(s.Close)

	rng := rand.New(rand.NewSource(11))
	for i := 0; i < n; i++ {
		home := agents.Place{ID: uint64(i), Pos: spatial.Vec2{X: rng.Float64() * cfg.World.Width, Y: rng.Float64() * cfg.World.Height}}
		work := agents.Place{ID: uint64(n + i), Pos: spatial.Vec2{X: rng.Float64() * cfg.World.Width, Y: rng.Float64() * cfg.World.Height}}
		a, v := s.Spawner().Spawn(home, work, agents.IncomeClass(rng.Intn(3)), agents.EducationLevel(rng.Intn(3)), 0)
		s.AddResident(a, v)
	}
	if virtual > 0 {
		s.AddVirtual(virtual, population.DefaultWeights())
	}
	return s, rig
}

func TestInvariantHoldsEveryTick(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.Every = 5
	cfg.Lifecycle.BirthRate = 1
	cfg.Lifecycle.DeathRate = 1
	cfg.Lifecycle.ImmigrantRate = 0.5
	cfg.Lifecycle.EmigrationMax = 2
	cfg.Lifecycle.Materialize = 20
	cfg.Lifecycle.MaxAgents = 2500
	cfg.Aggregation.ReaggregateEvery = 50

	s, rig := newTestSim(t, cfg, 2000, 3000)
	for tick := uint64(1); tick <= 400; tick++ {
		if tick == 150 {
			rig.Move(spatial.Vec2{X: 600, Y: 600}, 700)
		}
		s.Step(tick)
		if err := s.Audit(); err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
	}

	c := s.Counters()
	if c.ConsistencyFailures != 0 {
		t.Errorf("consistency failures = %d, want 0", c.ConsistencyFailures)
	}
	if c.Births == 0 || c.Deaths == 0 || c.Materialized == 0 {
		t.Errorf("lifecycle did not run: %+v", c)
	}
	if c.Transitions == 0 {
		t.Errorf("no tier transitions applied")
	}
	st := s.Stats()
	if st.Full == 0 || st.Simplified == 0 || st.Statistical == 0 {
		t.Errorf("tiers not all populated: %+v", st)
	}
	if got := int64(st.Full+st.Simplified+st.Statistical) + st.Virtual; got != st.Reported {
		t.Errorf("stats count %d, reported %d", got, st.Reported)
	}
}

func TestCameraDrivesTiers(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.Every = 0
	s, rig := newTestSim(t, cfg, 0, 0)

	center := spatial.Vec2{X: 2048, Y: 2048}
	a, v := s.Spawner().Spawn(agents.Place{Pos: center}, agents.Place{Pos: center}, agents.IncomeMiddle, agents.EducationSecondary, 0)
	s.AddResident(a, v)

	tick := uint64(0)
	run := func(n int) {
		for i := 0; i < n; i++ {
			tick++
			s.Step(tick)
		}
	}

	run(int(cfg.Tiers.ClassifyEvery) * 2)
	if tier, _ := s.TierOf(a.ID); tier != agents.TierFull {
		t.Fatalf("agent at focus is %s, want full", tier)
	}

	// A camera move reclassifies on the very next tick.
	rig.Move(spatial.Vec2{X: 100, Y: 100}, cfg.Tiers.ReferenceRadius)
	run(1)
	if tier, _ := s.TierOf(a.ID); tier != agents.TierStatistical {
		t.Fatalf("agent far from focus is %s, want statistical", tier)
	}
	groups := s.Groups()
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	if m, ok := s.MoodOf(a.ID); !ok || m != float32(groups[0].Happiness) {
		t.Errorf("statistical mood = %v (%v), want group mean %v", m, ok, groups[0].Happiness)
	}

	s.Classifier().Pin(a.ID)
	run(int(cfg.Tiers.ClassifyEvery) * 2)
	if tier, _ := s.TierOf(a.ID); tier != agents.TierFull {
		t.Fatalf("pinned agent is %s, want full", tier)
	}
	if err := s.Audit(); err != nil {
		t.Fatal(err)
	}
}

func TestRoundTripThroughStatisticalKeepsMood(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.Every = 0

	t.Run("homogeneous group", func(t *testing.T) {
		s := New(Options{Config: cfg, Meta: CityMeta{Seed: 1}})
		defer s.Close()
		home := agents.Place{Pos: spatial.Vec2{X: 300, Y: 300}}
		var subject *agents.Agent
		for i := 0; i < 40; i++ {
			a, _ := s.Spawner().Spawn(home, home, agents.IncomeMiddle, agents.EducationSecondary, 0)
			s.AddResident(a, agents.Vitals{Mood: 55 + float32(i%3)*0.5, Health: 0.9, Employed: true, Income: 80})
			if i == 7 {
				subject = a
			}
		}

		s.moveTier(subject, agents.TierFull, 10)
		before := subject.Full.Mood
		s.moveTier(subject, agents.TierStatistical, 11)
		s.moveTier(subject, agents.TierFull, 12)
		after := subject.Full.Mood
		if d := math.Abs(float64(after - before)); d > cfg.Transition.MoodEpsilon {
			t.Fatalf("mood moved %.2f -> %.2f, want within %.0f", before, after, cfg.Transition.MoodEpsilon)
		}
		if err := s.Audit(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("solo group keeps thoughts effect", func(t *testing.T) {
		s := New(Options{Config: cfg, Meta: CityMeta{Seed: 1}})
		defer s.Close()
		home := agents.Place{Pos: spatial.Vec2{X: 3000, Y: 1000}}
		a, v := s.Spawner().Spawn(home, home, agents.IncomeHigh, agents.EducationTertiary, 0)
		s.AddResident(a, v)

		s.moveTier(a, agents.TierFull, 10)
		agents.AddThought(a.Full, agents.Thought{Kind: agents.ThoughtPaid, Value: 12, Duration: 100}, 20)
		a.Full.RecomputeMood(a.ID)
		before := a.Full.Mood

		s.moveTier(a, agents.TierStatistical, 11)
		if len(s.Groups()) != 1 {
			t.Fatalf("groups = %d, want 1", len(s.Groups()))
		}
		s.moveTier(a, agents.TierFull, 12)
		if d := math.Abs(float64(a.Full.Mood - before)); d > cfg.Transition.MoodEpsilon {
			t.Fatalf("mood moved %.2f -> %.2f", before, a.Full.Mood)
		}
	})

	t.Run("mixed group keeps thoughts effect", func(t *testing.T) {
		s := New(Options{Config: cfg, Meta: CityMeta{Seed: 1}})
		defer s.Close()
		home := agents.Place{Pos: spatial.Vec2{X: 300, Y: 300}}
		var members []*agents.Agent
		for i := 0; i < 40; i++ {
			a, _ := s.Spawner().Spawn(home, home, agents.IncomeMiddle, agents.EducationSecondary, 0)
			s.AddResident(a, agents.Vitals{Mood: 30 + float32(i), Health: 0.9, Employed: true, Income: 80})
			members = append(members, a)
		}
		subject := members[28]

		s.moveTier(subject, agents.TierFull, 10)
		agents.AddThought(subject.Full, agents.Thought{Kind: agents.ThoughtEvent, Value: 12, Duration: 500}, 20)
		subject.Full.RecomputeMood(subject.ID)
		before := subject.Full.Mood

		for round := uint64(0); round < 3; round++ {
			s.moveTier(subject, agents.TierStatistical, 11+2*round)
			s.moveTier(subject, agents.TierFull, 12+2*round)
			if d := math.Abs(float64(subject.Full.Mood - before)); d > cfg.Transition.MoodEpsilon {
				t.Fatalf("round %d: mood moved %.2f -> %.2f", round, before, subject.Full.Mood)
			}
		}

		// Other members come back at their own moods, not the group mean.
		other := members[2]
		s.moveTier(other, agents.TierSimplified, 20)
		if d := math.Abs(float64(other.Simple.Mood - 32)); d > 1.0001 {
			t.Errorf("member folded at 32 came back at %.2f", other.Simple.Mood)
		}
		if err := s.Audit(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("noisy sampling capped by epsilon", func(t *testing.T) {
		noisy := testConfig()
		noisy.Lifecycle.Every = 0
		noisy.Aggregation.MoodJitter = 40
		s := New(Options{Config: noisy, Meta: CityMeta{Seed: 1}})
		defer s.Close()
		home := agents.Place{Pos: spatial.Vec2{X: 900, Y: 900}}
		for i := 0; i < 30; i++ {
			a, _ := s.Spawner().Spawn(home, home, agents.IncomeLow, agents.EducationBasic, 0)
			s.AddResident(a, agents.Vitals{Mood: 50, Health: 0.9})
			s.moveTier(a, agents.TierFull, 5)
			if d := math.Abs(float64(a.Full.Mood - 50)); d > noisy.Transition.MoodEpsilon+1e-4 {
				t.Fatalf("agent %d promoted at %.2f", a.ID, a.Full.Mood)
			}
		}
	})
}

func TestTransitionsNeverDoubleCount(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.Every = 0
	s, _ := newTestSim(t, cfg, 300, 0)

	rng := rand.New(rand.NewSource(2))
	ids := make([]agents.AgentID, 0, 300)
	for _, a := range s.roster.list {
		ids = append(ids, a.ID)
	}
	for round := 0; round < 50; round++ {
		for i := 0; i < 40; i++ {
			id := ids[rng.Intn(len(ids))]
			from, _ := s.TierOf(id)
			s.RequestTransition(tiers.Request{ID: id, From: from, To: agents.Tier(rng.Intn(3))})
		}
		s.mu.Lock()
		s.drainTransitions(uint64(round))
		s.mu.Unlock()
		if err := s.Audit(); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
	}
	if s.Population() != 300 {
		t.Fatalf("population = %d, want 300", s.Population())
	}
}

func TestStaleTransitionDropped(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.Every = 0
	s, _ := newTestSim(t, cfg, 50, 0)

	victim := s.roster.list[0].ID
	other := s.roster.list[1].ID
	s.RequestTransition(tiers.Request{ID: victim, From: agents.TierStatistical, To: agents.TierFull})
	s.RequestTransition(tiers.Request{ID: other, From: agents.TierFull, To: agents.TierSimplified})
	if !s.Kill(victim) {
		t.Fatal("kill failed")
	}

	s.mu.Lock()
	s.drainTransitions(1)
	s.mu.Unlock()

	if got := s.Counters().StaleDropped; got != 2 {
		t.Fatalf("stale dropped = %d, want 2", got)
	}
	if tier, _ := s.TierOf(other); tier != agents.TierStatistical {
		t.Fatalf("mismatched request applied: agent is %s", tier)
	}
	if _, ok := s.TierOf(victim); ok {
		t.Fatal("destroyed agent still present")
	}
	if err := s.Audit(); err != nil {
		t.Fatal(err)
	}
	if s.Population() != 49 {
		t.Fatalf("population = %d, want 49", s.Population())
	}
}

func TestLastRequestWins(t *testing.T) {
	q := newTransitionQueue()
	q.push(tiers.Request{ID: 9, From: agents.TierStatistical, To: agents.TierFull})
	q.push(tiers.Request{ID: 2, From: agents.TierStatistical, To: agents.TierSimplified})
	q.push(tiers.Request{ID: 9, From: agents.TierStatistical, To: agents.TierSimplified})

	got := q.drain()
	if len(got) != 2 || got[0].ID != 2 || got[1].ID != 9 {
		t.Fatalf("drain = %+v", got)
	}
	if got[1].To != agents.TierSimplified {
		t.Fatalf("agent 9 target = %s, want simplified", got[1].To)
	}
	if q.len() != 0 {
		t.Fatal("queue not empty after drain")
	}
}

func TestVirtualPopulationSurvivesReload(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.Every = 0
	s, _ := newTestSim(t, cfg, 10000, 50000)
	for tick := uint64(1); tick <= 20; tick++ {
		s.Step(tick)
	}
	if got := s.Stats().Reported; got != 60000 {
		t.Fatalf("reported before save = %d, want 60000", got)
	}
	snap := s.Snapshot()

	check := func(t *testing.T, r *Simulation) {
		t.Helper()
		st := r.Stats()
		if st.Reported != 60000 {
			t.Errorf("reported = %d, want 60000", st.Reported)
		}
		if st.Virtual != 50000 || st.Materialized != 10000 {
			t.Errorf("virtual %d materialized %d, want 50000 and 10000", st.Virtual, st.Materialized)
		}
		if math.Abs(st.ScaleFactor-6) > 1e-9 {
			t.Errorf("scale factor = %v, want 6", st.ScaleFactor)
		}
		if err := r.Audit(); err != nil {
			t.Error(err)
		}
		r.Step(r.Tick() + 1)
		if r.Population() != 60000 {
			t.Errorf("population after a tick = %d", r.Population())
		}
	}

	t.Run("file", func(t *testing.T) {
		path := persistence.SnapshotPath(t.TempDir(), snap.Header.Tick)
		if err := persistence.WriteSnapshot(path, snap); err != nil {
			t.Fatal(err)
		}
		loaded, err := persistence.ReadSnapshot(path)
		if err != nil {
			t.Fatal(err)
		}
		r, err := Restore(Options{Config: cfg}, loaded)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		if r.Meta().ID != "test-city" {
			t.Errorf("city id = %q", r.Meta().ID)
		}
		check(t, r)
	})

	t.Run("database", func(t *testing.T) {
		db, err := persistence.Open(filepath.Join(t.TempDir(), "city.db"))
		if err != nil {
			t.Fatal(err)
		}
		defer db.Close()
		if err := db.SaveSnapshot(snap); err != nil {
			t.Fatal(err)
		}
		loaded, err := db.LoadSnapshot()
		if err != nil {
			t.Fatal(err)
		}
		r, err := Restore(Options{Config: cfg}, loaded)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		check(t, r)
	})
}

func TestLegacySnapshotForcesReaggregation(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.Every = 0
	s, _ := newTestSim(t, cfg, 500, 0)
	s.Step(1)

	snap := s.Snapshot()
	snap.Header.Version = 1
	snap.Virtual = nil

	r, err := Restore(Options{Config: cfg}, snap)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if !r.forceReaggregate {
		t.Fatal("legacy restore did not schedule a re-aggregation")
	}
	if r.Stats().Virtual != 0 {
		t.Fatalf("virtual = %d, want 0", r.Stats().Virtual)
	}

	r.Step(r.Tick() + 1)
	if r.Counters().Reaggregations != 1 {
		t.Fatalf("reaggregations = %d, want 1", r.Counters().Reaggregations)
	}
	if r.Population() != 500 {
		t.Fatalf("population = %d, want 500", r.Population())
	}
	if err := r.Audit(); err != nil {
		t.Fatal(err)
	}
}

func TestRestoreRepairsMismatchedTotal(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.Every = 0
	s, _ := newTestSim(t, cfg, 200, 800)
	snap := s.Snapshot()
	snap.TotalPopulation += 37

	r, err := Restore(Options{Config: cfg}, snap)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.Population() != 1000 {
		t.Fatalf("population = %d, want 1000", r.Population())
	}
	if err := r.Audit(); err != nil {
		t.Fatal(err)
	}
}

func TestCheckInvariantDetectsDrift(t *testing.T) {
	cfg := testConfig()
	s, _ := newTestSim(t, cfg, 10, 0)
	s.total++
	if err := s.checkInvariant(); !errors.Is(err, ErrConsistency) {
		t.Fatalf("err = %v, want ErrConsistency", err)
	}
	s.resync(1)
	if err := s.checkInvariant(); err != nil {
		t.Fatalf("after resync: %v", err)
	}
}

func TestTierSet(t *testing.T) {
	ts := newTierSet()
	for i := 1; i <= 5; i++ {
		ts.add(&agents.Agent{ID: agents.AgentID(i)})
	}
	ts.add(&agents.Agent{ID: 3})
	if ts.len() != 5 {
		t.Fatalf("len = %d, want 5", ts.len())
	}
	if !ts.remove(2) || ts.remove(2) {
		t.Fatal("remove should succeed exactly once")
	}
	for _, id := range []agents.AgentID{1, 3, 4, 5} {
		if a := ts.get(id); a == nil || a.ID != id {
			t.Errorf("get(%d) = %v", id, a)
		}
	}
	if ts.get(2) != nil {
		t.Error("removed agent still reachable")
	}
}

func TestWorkerPoolCoversEveryIndex(t *testing.T) {
	p := newWorkerPool(4, 16)
	defer p.stop()

	for _, n := range []int{0, 5, 1000, 1003} {
		hits := make([]int, n)
		p.run(n, func(i0, i1 int) {
			for i := i0; i < i1; i++ {
				hits[i]++
			}
		})
		for i, h := range hits {
			if h != 1 {
				t.Fatalf("n=%d: index %d visited %d times", n, i, h)
			}
		}
	}
}

func TestEngineCadences(t *testing.T) {
	e := NewEngine(20)
	var ticks, every3, every5 int
	e.OnTick = func(uint64) { ticks++ }
	e.Every("three", 3, func(uint64) { every3++ })
	e.Every("five", 5, func(uint64) { every5++ })
	e.Every("off", 0, func(uint64) { t.Error("disabled cadence ran") })

	for i := 0; i < 15; i++ {
		e.Step()
	}
	if ticks != 15 || every3 != 5 || every5 != 3 {
		t.Fatalf("ticks %d every3 %d every5 %d", ticks, every3, every5)
	}
	e.SetSpeed(-2)
	if e.Speed() != 0 {
		t.Errorf("negative speed not clamped: %v", e.Speed())
	}
}

func TestSimTime(t *testing.T) {
	tests := []struct {
		tick uint64
		want string
	}{
		{0, "Day 1, 0:00"},
		{90, "Day 1, 1:30"},
		{1440 + 615, "Day 2, 10:15"},
	}
	for _, tt := range tests {
		if got := SimTime(tt.tick, 1440); got != tt.want {
			t.Errorf("SimTime(%d) = %q, want %q", tt.tick, got, tt.want)
		}
	}
}

func TestDematerializeAbsorbsExcess(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.Every = 1
	cfg.Lifecycle.BirthRate = 0
	cfg.Lifecycle.DeathRate = 0
	cfg.Lifecycle.ImmigrantRate = 0
	cfg.Lifecycle.EmigrationMax = 0
	cfg.Lifecycle.Materialize = 0
	cfg.Lifecycle.MaxAgents = 1000

	s, rig := newTestSim(t, cfg, 50, 100)
	rig.Move(spatial.Vec2{X: -5000, Y: -5000}, 1)
	s.Step(1)
	before := s.Stats()
	if before.Materialized != 50 || before.Statistical != 50 {
		t.Fatalf("setup: %+v", before)
	}

	cfg.Lifecycle.MaxAgents = 40
	s.Step(2)
	after := s.Stats()
	if after.Materialized != 40 {
		t.Errorf("materialized = %d, want 40", after.Materialized)
	}
	if after.Virtual != before.Virtual+10 {
		t.Errorf("virtual = %d, want %d", after.Virtual, before.Virtual+10)
	}
	if after.Reported != before.Reported {
		t.Errorf("reported %d -> %d", before.Reported, after.Reported)
	}
	if got := s.Counters().Absorbed; got != 10 {
		t.Errorf("absorbed = %d, want 10", got)
	}
	if err := s.Audit(); err != nil {
		t.Fatal(err)
	}
}

func TestAddThought(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.Every = 0
	s := New(Options{Config: cfg, Meta: CityMeta{Seed: 1}})
	defer s.Close()
	home := agents.Place{Pos: spatial.Vec2{X: 500, Y: 500}}
	a, _ := s.Spawner().Spawn(home, home, agents.IncomeMiddle, agents.EducationSecondary, 0)
	s.AddResident(a, agents.Vitals{Mood: 40, Health: 1})

	if err := s.AddThought(9999, agents.ThoughtEvent, 10, 0); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("unknown agent: err = %v", err)
	}
	if err := s.AddThought(a.ID, agents.ThoughtEvent, 10, 0); !errors.Is(err, ErrNotFullTier) {
		t.Errorf("statistical agent: err = %v", err)
	}

	s.moveTier(a, agents.TierFull, 1)
	before := a.Full.Mood
	if err := s.AddThought(a.ID, agents.ThoughtEvent, 10, 0); err != nil {
		t.Fatal(err)
	}
	if !agents.HasThought(a.Full, agents.ThoughtEvent) {
		t.Fatal("thought not recorded")
	}
	if a.Full.Mood <= before {
		t.Errorf("mood %.2f -> %.2f, want higher", before, a.Full.Mood)
	}
}

// countingPaths records who asks for routes and how many come back.
type countingPaths struct {
	*pathfinding.Deferred
	sim      *Simulation
	requests int
	nonFull  []agents.AgentID
	resolved int
}

func (c *countingPaths) RequestPath(owner uint64, from, to spatial.Vec2) pathfinding.Handle {
	c.requests++
	// Called from Step, which already holds the simulation lock.
	if a := c.sim.roster.get(agents.AgentID(owner)); a == nil || a.Tier != agents.TierFull {
		c.nonFull = append(c.nonFull, agents.AgentID(owner))
	}
	return c.Deferred.RequestPath(owner, from, to)
}

func (c *countingPaths) Poll(h pathfinding.Handle) ([]spatial.Vec2, bool) {
	p, ok := c.Deferred.Poll(h)
	if ok {
		c.resolved++
	}
	return p, ok
}

func TestOnlyFullAgentsRequestRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.Every = 0
	paths := &countingPaths{Deferred: pathfinding.NewDeferred(cfg.Engine.PathLatency, cfg.Engine.PathStep)}
	center := spatial.Vec2{X: 2048, Y: 2048}
	rig := camera.NewRig(center, cfg.Tiers.ReferenceRadius)
	s := New(Options{Config: cfg, Meta: CityMeta{Seed: 5}, Camera: rig, Paths: paths})
	defer s.Close()
	paths.sim = s

	rng := rand.New(rand.NewSource(4))
	for i := 0; i < 300; i++ {
		home := agents.Place{Pos: spatial.Vec2{X: rng.Float64() * 4096, Y: rng.Float64() * 4096}}
		work := agents.Place{Pos: spatial.Vec2{X: rng.Float64() * 4096, Y: rng.Float64() * 4096}}
		a, v := s.Spawner().Spawn(home, work, agents.IncomeMiddle, agents.EducationSecondary, 0)
		s.AddResident(a, v)
	}
	pinned, v := s.Spawner().Spawn(
		agents.Place{Pos: spatial.Vec2{X: 1900, Y: 2048}},
		agents.Place{Pos: spatial.Vec2{X: 2300, Y: 2048}},
		agents.IncomeMiddle, agents.EducationSecondary, 0)
	v.Employed = true
	s.AddResident(pinned, v)
	s.Classifier().Pin(pinned.ID)

	start := pinned.Pos
	var moved float64
	last := start
	for tick := uint64(1); tick <= 1000; tick++ {
		s.Step(tick)
		moved += pinned.Pos.Dist(last)
		last = pinned.Pos
	}

	st := s.Stats()
	if st.Full == 0 || st.Simplified == 0 {
		t.Fatalf("tiers not mixed: %+v", st)
	}
	if paths.requests == 0 {
		t.Fatal("full agents never requested a route")
	}
	if len(paths.nonFull) > 0 {
		t.Fatalf("%d route requests from agents outside the full tier, first %d", len(paths.nonFull), paths.nonFull[0])
	}
	if paths.resolved == 0 {
		t.Fatal("no route was ever collected")
	}
	if moved == 0 {
		t.Errorf("pinned agent never moved from %v", start)
	}
}

func TestSimplifiedFollowsWaypoints(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.Every = 0
	cfg.Engine.WalkSpeed = 4
	paths := &countingPaths{Deferred: pathfinding.NewDeferred(1, 64)}
	s := New(Options{Config: cfg, Meta: CityMeta{Seed: 1}, Paths: paths})
	defer s.Close()
	paths.sim = s

	from, to := spatial.Vec2{X: 1000, Y: 1000}, spatial.Vec2{X: 1128, Y: 1000}
	a, v := s.Spawner().Spawn(agents.Place{Pos: from}, agents.Place{Pos: spatial.Vec2{X: 3000, Y: 3000}}, agents.IncomeLow, agents.EducationBasic, 0)
	s.AddResident(a, v)
	s.moveTier(a, agents.TierSimplified, 1)
	ss := a.Simple
	a.Pos = from
	ss.Activity = agents.ActivityShop
	ss.Waypoints = []spatial.Vec2{from, to}
	ss.Leg, ss.Progress = 0, 0

	const slot = 3
	part := agents.DayMorning
	for i := 0; i < 5; i++ {
		s.updateSimple(a, part, slot)
	}
	if a.Pos != (spatial.Vec2{X: 1020, Y: 1000}) {
		t.Fatalf("after 5 steps at %v, want (1020, 1000)", a.Pos)
	}
	if ss.Activity != agents.ActivityShop {
		t.Fatalf("activity changed mid-route to %v", ss.Activity)
	}

	// 128 units at 4 per step: the 32nd step lands on the end.
	for i := 0; i < 26; i++ {
		s.updateSimple(a, part, slot)
	}
	u := (agents.Jitter(a.ID, slot) + 1) / 2
	want := s.table.Pick(agents.MoodBandOf(ss.Mood), part, u)
	s.updateSimple(a, part, slot)
	if a.Pos != to {
		t.Fatalf("arrived at %v, want %v", a.Pos, to)
	}
	if ss.Activity != want {
		t.Errorf("activity at arrival = %v, want table pick %v", ss.Activity, want)
	}
	if want != agents.ActivityShop {
		if n := len(ss.Waypoints); n != cfg.Transition.Segments+1 || ss.Waypoints[0] != to || ss.Waypoints[n-1] != a.Destination(want) {
			t.Errorf("new waypoints %v do not run from %v to %v", ss.Waypoints, to, a.Destination(want))
		}
	}
	if paths.requests != 0 {
		t.Errorf("simplified agent requested %d routes", paths.requests)
	}
}
