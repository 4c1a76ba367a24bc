// Agent spawning: creates inhabitants with demographics and starting vitals.
package agents

import (
	"math/rand"

	"github.com/talgya/metropolis/internal/spatial"
)

// Spawner creates agents for the simulation.
type Spawner struct {
	rng    *rand.Rand
	nextID AgentID
}

// NewSpawner creates an agent spawner with the given seed.
func NewSpawner(seed int64) *Spawner {
	return &Spawner{
		rng:    rand.New(rand.NewSource(seed + 300)),
		nextID: 1,
	}
}

// NextID returns the next ID the spawner will issue.
func (s *Spawner) NextID() AgentID { return s.nextID }

// SetNextID sets the next agent ID to be issued (used when restoring a save).
func (s *Spawner) SetNextID(id AgentID) {
	s.nextID = id
}

// Spawn creates a statistical-tier agent. Its starting vitals are returned
// separately because a statistical agent holds no individual state.
func (s *Spawner) Spawn(home, work Place, income IncomeClass, edu EducationLevel, tick uint64) (*Agent, Vitals) {
	id := s.nextID
	s.nextID++

	a := &Agent{
		ID:        id,
		Pos:       home.Pos,
		Home:      home,
		Work:      work,
		Income:    income,
		Education: edu,
		Tier:      TierStatistical,
		BornTick:  tick,
		Alive:     true,
	}
	return a, s.StartingVitals(id, income, edu)
}

// StartingVitals draws plausible vitals for a new inhabitant.
func (s *Spawner) StartingVitals(id AgentID, income IncomeClass, edu EducationLevel) Vitals {
	employed := s.rng.Float32() < employmentOdds[edu]
	pay := float32(0)
	if employed {
		pay = baseIncome[income] * (0.8 + s.rng.Float32()*0.4)
	}
	return Vitals{
		Mood:     ClampMood(Baseline(id) + (s.rng.Float32()-0.5)*10),
		Health:   0.7 + s.rng.Float32()*0.3,
		Income:   pay,
		Employed: employed,
	}
}

// Float32 exposes the spawner's random stream for callers that place agents.
func (s *Spawner) Float32() float32 { return s.rng.Float32() }

// Scatter returns a point near center within radius, clamped to the map.
func (s *Spawner) Scatter(center spatial.Vec2, radius, w, h float64) spatial.Vec2 {
	p := spatial.Vec2{
		X: center.X + (s.rng.Float64()*2-1)*radius,
		Y: center.Y + (s.rng.Float64()*2-1)*radius,
	}
	return p.Clamp(w, h)
}

var employmentOdds = [NumEducationLevels]float32{
	EducationBasic:     0.82,
	EducationSecondary: 0.90,
	EducationTertiary:  0.95,
}

var baseIncome = [NumIncomeClasses]float32{
	IncomeLow:    60,
	IncomeMiddle: 140,
	IncomeHigh:   320,
}
