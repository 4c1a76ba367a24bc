// Simulation ties the scheduler components together and runs them each tick.
package engine

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/talgya/metropolis/internal/agents"
	"github.com/talgya/metropolis/internal/camera"
	"github.com/talgya/metropolis/internal/config"
	"github.com/talgya/metropolis/internal/pathfinding"
	"github.com/talgya/metropolis/internal/population"
	"github.com/talgya/metropolis/internal/spatial"
	"github.com/talgya/metropolis/internal/tiers"
)

// PerfRecorder receives per-phase timings.
type PerfRecorder interface {
	Record(phase string, d time.Duration)
}

// Places are the buildings new inhabitants are assigned to.
type Places struct {
	Homes []agents.Place `json:"homes"`
	Works []agents.Place `json:"works"`
}

// CityMeta identifies a city across saves.
type CityMeta struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Seed int64  `json:"seed"`
}

// Options configures a new simulation. Camera, Paths and Model default when nil.
type Options struct {
	Config *config.Config
	Meta   CityMeta
	Places Places
	Camera camera.Camera
	Paths  pathfinding.Pathfinder
	Model  population.Model
	Perf   PerfRecorder
}

// Counters are cumulative event counts since the simulation was created.
type Counters struct {
	Births              uint64 `json:"births"`
	Deaths              uint64 `json:"deaths"`
	Immigrants          uint64 `json:"immigrants"`
	Emigrants           uint64 `json:"emigrants"`
	Materialized        uint64 `json:"materialized"`
	Absorbed            uint64 `json:"absorbed"` // Agents returned to the virtual population
	Transitions         uint64 `json:"transitions"`
	StaleDropped        uint64 `json:"stale_dropped"`
	Reaggregations      uint64 `json:"reaggregations"`
	ConsistencyFailures uint64 `json:"consistency_failures"`
}

// Simulation owns every agent, the population groups and the virtual ledger.
// Step holds the write lock for a whole tick; readers take the read lock.
type Simulation struct {
	mu sync.RWMutex

	cfg    *config.Config
	meta   CityMeta
	places Places
	tick   uint64
	total  int64 // Reported population

	roster tierSet // Every living agent
	full   tierSet
	simple tierSet

	hash       *spatial.Hash
	entries    []spatial.Entry
	classifier *tiers.Classifier
	camera     camera.Camera
	paths      pathfinding.Pathfinder
	agg        *population.Aggregator
	ledger     *population.Ledger
	queue      transitionQueue

	spawner *agents.Spawner
	rng     *rand.Rand
	table   agents.DecisionTable
	pool    *workerPool
	intents []intent

	forceReaggregate bool
	lastReaggregate  uint64

	counters Counters
	stats    CityStats
	perf     PerfRecorder
}

// New creates an empty simulation.
func New(opts Options) *Simulation {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.ComputeDerived()
	cam := opts.Camera
	if cam == nil {
		cam = camera.NewRig(spatial.Vec2{X: cfg.World.Width / 2, Y: cfg.World.Height / 2}, cfg.Tiers.ReferenceRadius)
	}
	paths := opts.Paths
	if paths == nil {
		paths = pathfinding.NewDeferred(cfg.Engine.PathLatency, cfg.Engine.PathStep)
	}
	model := opts.Model
	if model == nil {
		model = &population.DriftModel{
			Rate:          cfg.Aggregation.DriftRate,
			PressureRate:  cfg.Aggregation.PressureRate,
			CoverageBase:  population.DefaultDriftModel().CoverageBase,
			CrimeBase:     population.DefaultDriftModel().CrimeBase,
			DistrictNoise: cfg.Aggregation.DistrictNoise,
		}
	}

	s := &Simulation{
		cfg:    cfg,
		meta:   opts.Meta,
		places: opts.Places,
		roster: newTierSet(),
		full:   newTierSet(),
		simple: newTierSet(),
		hash:   spatial.NewHash(cfg.World.Width, cfg.World.Height, cfg.Spatial.CellSize, cfg.Spatial.CrowdedCell),
		classifier: tiers.New(tiers.Config{
			Near:            cfg.Tiers.Near,
			Far:             cfg.Tiers.Far,
			ReferenceRadius: cfg.Tiers.ReferenceRadius,
			MinScale:        cfg.Tiers.MinScale,
			MaxScale:        cfg.Tiers.MaxScale,
			Hysteresis:      cfg.Tiers.Hysteresis,
			Every:           cfg.Tiers.ClassifyEvery,
			MaxFull:         cfg.Tiers.MaxFull,
			MaxSimplified:   cfg.Tiers.MaxSimplified,
		}),
		camera: cam,
		paths:  paths,
		agg: population.NewAggregator(population.AggregatorConfig{
			Width:        cfg.World.Width,
			Height:       cfg.World.Height,
			DistrictSize: cfg.Aggregation.DistrictSize,
			SampleSpread: cfg.Aggregation.SampleSpread,
			MoodJitter:   cfg.Aggregation.MoodJitter,
		}, model),
		ledger:  population.NewLedger(),
		queue:   newTransitionQueue(),
		spawner: agents.NewSpawner(opts.Meta.Seed),
		rng:     rand.New(rand.NewSource(opts.Meta.Seed + 700)),
		table:   agents.DefaultDecisionTable(),
		pool:    newWorkerPool(cfg.Engine.Workers, cfg.Engine.ParallelThreshold),
		perf:    opts.Perf,
	}
	return s
}

// Close stops the worker pool.
func (s *Simulation) Close() {
	s.pool.stop()
}

// Config returns the configuration the simulation runs with.
func (s *Simulation) Config() *config.Config { return s.cfg }

// Meta returns the city identity.
func (s *Simulation) Meta() CityMeta { return s.meta }

// Classifier exposes pin control.
func (s *Simulation) Classifier() *tiers.Classifier { return s.classifier }

// Camera returns the camera driving classification.
func (s *Simulation) Camera() camera.Camera { return s.camera }

// Tick returns the most recently completed tick.
func (s *Simulation) Tick() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tick
}

// AddResident places a new statistical-tier agent into the simulation with
// the given starting vitals.
func (s *Simulation) AddResident(a *agents.Agent, v agents.Vitals) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addResident(a, v)
}

func (s *Simulation) addResident(a *agents.Agent, v agents.Vitals) {
	s.admit(a, v)
	s.total++
}

// admit adds an agent to the roster and its group without changing the
// reported population.
func (s *Simulation) admit(a *agents.Agent, v agents.Vitals) {
	a.Alive = true
	a.Tier = agents.TierStatistical
	a.Full, a.Simple = nil, nil
	s.roster.add(a)
	s.agg.Fold(a, v)
}

// AddVirtual records n inhabitants that exist only in the ledger.
func (s *Simulation) AddVirtual(n int64, w population.Weights) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger.AddSpread(n, w)
	s.total += n
	s.ledger.Recalibrate(s.roster.len())
}

// Spawner returns the agent factory, for seeding a new city.
func (s *Simulation) Spawner() *agents.Spawner { return s.spawner }

// TierOf returns an agent's current tier.
func (s *Simulation) TierOf(id agents.AgentID) (agents.Tier, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.roster.get(id)
	if a == nil {
		return 0, false
	}
	return a.Tier, true
}

// MoodOf returns an agent's mood. Statistical agents report their group's
// mean happiness.
func (s *Simulation) MoodOf(id agents.AgentID) (float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.moodOf(id)
}

func (s *Simulation) moodOf(id agents.AgentID) (float32, bool) {
	a := s.roster.get(id)
	if a == nil {
		return 0, false
	}
	if m, ok := a.Mood(); ok {
		return m, true
	}
	k, ok := s.agg.MemberKey(id)
	if !ok {
		return 0, false
	}
	g, ok := s.agg.Group(k)
	if !ok {
		return 0, false
	}
	return float32(g.Happiness), true
}

// Groups returns a sorted copy of every population group.
func (s *Simulation) Groups() []population.Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agg.Groups()
}

// Counters returns cumulative event counts.
func (s *Simulation) Counters() Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters
}

// AgentView is a read-only copy of one agent for external consumers.
type AgentView struct {
	ID        agents.AgentID        `json:"id"`
	Tier      string                `json:"tier"`
	Pos       spatial.Vec2          `json:"pos"`
	Income    agents.IncomeClass    `json:"income"`
	Education agents.EducationLevel `json:"education"`
	Mood      float32               `json:"mood"`
	Activity  string                `json:"activity,omitempty"`
	Thoughts  []agents.Thought      `json:"thoughts,omitempty"`
	Group     *population.Key       `json:"group,omitempty"`
	Pinned    bool                  `json:"pinned"`
}

// Agent returns a view of one agent.
func (s *Simulation) Agent(id agents.AgentID) (AgentView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.roster.get(id)
	if a == nil {
		return AgentView{}, false
	}
	v := AgentView{
		ID:        a.ID,
		Tier:      a.CurrentTier().String(),
		Pos:       a.Position(),
		Income:    a.Income,
		Education: a.Education,
		Pinned:    s.classifier.Pinned(a.ID),
	}
	v.Mood, _ = s.moodOf(id)
	switch {
	case a.Full != nil:
		v.Activity = a.Full.Activity.String()
		v.Thoughts = append([]agents.Thought(nil), a.Full.Thoughts...)
	case a.Simple != nil:
		v.Activity = a.Simple.Activity.String()
	default:
		if k, ok := s.agg.MemberKey(id); ok {
			v.Group = &k
		}
	}
	return v, true
}

// Step runs one tick of the scheduler.
func (s *Simulation) Step(tick uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick = tick

	t := time.Now()
	s.rebuildHash()
	s.mark("hash", &t)

	if m, ok := s.camera.(interface{ TakeMoved() bool }); ok && m.TakeMoved() {
		s.classifier.Force()
	}
	if s.classifier.Due(tick) {
		focus, radius := camera.Read(s.camera)
		for _, r := range s.classifier.Classify(tick, tiers.View{
			Focus:  focus,
			Radius: radius,
			Live:   s.liveAgents(),
			Hash:   s.hash,
			Lookup: s.roster.get,
		}) {
			s.queue.push(r)
		}
		s.mark("classify", &t)
	}

	s.paths.Advance(tick)
	s.runEngines(tick)
	s.mark("engines", &t)

	if every := s.cfg.Lifecycle.Every; every > 0 && tick%every == 0 {
		s.runLifecycle(tick)
		s.mark("lifecycle", &t)
	}

	s.drainTransitions(tick)
	s.mark("transitions", &t)

	if s.forceReaggregate || tick-s.lastReaggregate >= s.cfg.Aggregation.ReaggregateEvery {
		s.reaggregate(tick)
	} else if every := s.cfg.Aggregation.AdvanceEvery; every > 0 && tick%every == 0 {
		s.agg.Advance(float64(every))
	}
	s.mark("aggregate", &t)

	if err := s.checkInvariant(); err != nil {
		s.counters.ConsistencyFailures++
		slog.Warn("population invariant failed, resyncing", "tick", tick, "err", err)
		s.resync(tick)
	}
	s.updateStats()
}

func (s *Simulation) mark(phase string, t *time.Time) {
	if s.perf == nil {
		return
	}
	now := time.Now()
	s.perf.Record(phase, now.Sub(*t))
	*t = now
}

func (s *Simulation) rebuildHash() {
	s.entries = s.entries[:0]
	for _, a := range s.roster.list {
		s.entries = append(s.entries, spatial.Entry{ID: uint64(a.ID), Pos: a.Pos})
	}
	s.hash.Rebuild(s.entries)
}

func (s *Simulation) liveAgents() []*agents.Agent {
	live := make([]*agents.Agent, 0, s.full.len()+s.simple.len())
	live = append(live, s.full.list...)
	return append(live, s.simple.list...)
}

// reaggregate rebuilds population groups from every statistical agent.
func (s *Simulation) reaggregate(tick uint64) {
	members := make([]*agents.Agent, 0, s.agg.Total())
	for _, a := range s.roster.list {
		if a.Tier == agents.TierStatistical {
			members = append(members, a)
		}
	}
	s.agg.Reaggregate(members)
	s.forceReaggregate = false
	s.lastReaggregate = tick
	s.counters.Reaggregations++
}

// ForceReaggregation schedules an out-of-cycle re-aggregation on the next tick.
func (s *Simulation) ForceReaggregation() {
	s.mu.Lock()
	s.forceReaggregate = true
	s.mu.Unlock()
}

// tierSet is an indexed agent list with O(1) removal. Order is not stable.
type tierSet struct {
	list []*agents.Agent
	pos  map[agents.AgentID]int
}

func newTierSet() tierSet {
	return tierSet{pos: make(map[agents.AgentID]int)}
}

func (t *tierSet) len() int { return len(t.list) }

func (t *tierSet) add(a *agents.Agent) {
	if _, ok := t.pos[a.ID]; ok {
		return
	}
	t.pos[a.ID] = len(t.list)
	t.list = append(t.list, a)
}

func (t *tierSet) remove(id agents.AgentID) bool {
	i, ok := t.pos[id]
	if !ok {
		return false
	}
	last := len(t.list) - 1
	t.list[i] = t.list[last]
	t.pos[t.list[i].ID] = i
	t.list[last] = nil
	t.list = t.list[:last]
	delete(t.pos, id)
	return true
}

func (t *tierSet) get(id agents.AgentID) *agents.Agent {
	i, ok := t.pos[id]
	if !ok {
		return nil
	}
	return t.list[i]
}
