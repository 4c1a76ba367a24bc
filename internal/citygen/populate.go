package citygen

import (
	"log/slog"
	"math/rand"

	"gonum.org/v1/gonum/stat"

	"github.com/talgya/metropolis/internal/agents"
	"github.com/talgya/metropolis/internal/engine"
	"github.com/talgya/metropolis/internal/population"
)

// Summary describes a freshly populated city.
type Summary struct {
	Agents          int
	Virtual         int64
	Reported        int64
	Homes           int
	Works           int
	Districts       int
	MeanAffluence   float64
	AffluenceStdDev float64
	IncomeShare     [agents.NumIncomeClasses]float64
}

// LogValue implements slog.LogValuer.
func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("agents", s.Agents),
		slog.Int64("virtual", s.Virtual),
		slog.Int("homes", s.Homes),
		slog.Int("works", s.Works),
		slog.Int("districts", s.Districts),
		slog.Float64("affluence", s.MeanAffluence),
	)
}

// Places returns the buildings in the form the simulation assigns from.
func (c *City) Places() engine.Places {
	return engine.Places{Homes: c.Homes, Works: c.Works}
}

// Populate seeds sim with n statistical agents living in the city's homes,
// then adds virtual inhabitants until the reported population reaches
// reported. The virtual population mirrors the materialized demographic mix.
func Populate(sim *engine.Simulation, c *City, n int, reported int64) Summary {
	rng := rand.New(rand.NewSource(c.Seed + 300))
	w, h := c.cfg.Width, c.cfg.Height
	sp := sim.Spawner()

	var mix [agents.NumIncomeClasses][agents.NumEducationLevels]float64
	aff := make([]float64, 0, n)
	for i := 0; i < n && len(c.Homes) > 0; i++ {
		home := c.Homes[rng.Intn(len(c.Homes))]
		work := home
		if len(c.Works) > 0 {
			work = c.Works[rng.Intn(len(c.Works))]
		}
		income, edu := c.Demographics(rng, home.Pos)
		a, v := sp.Spawn(home, work, income, edu, 0)
		a.Pos = sp.Scatter(home.Pos, 16, w, h)
		sim.AddResident(a, v)

		mix[income][edu]++
		aff = append(aff, c.Affluence(home.Pos))
	}

	sum := Summary{
		Agents:    len(aff),
		Homes:     len(c.Homes),
		Works:     len(c.Works),
		Districts: len(c.Districts),
	}
	if len(aff) > 1 {
		sum.MeanAffluence, sum.AffluenceStdDev = stat.MeanStdDev(aff, nil)
	} else if len(aff) == 1 {
		sum.MeanAffluence = aff[0]
	}

	var weights population.Weights
	for i := range mix {
		for j := range mix[i] {
			// One pseudo-count keeps every demographic reachable.
			weights[i][j] = mix[i][j] + 1
			sum.IncomeShare[i] += mix[i][j]
		}
	}
	if sum.Agents > 0 {
		for i := range sum.IncomeShare {
			sum.IncomeShare[i] /= float64(sum.Agents)
		}
	}

	if virtual := reported - int64(sum.Agents); virtual > 0 {
		sim.AddVirtual(virtual, weights)
		sum.Virtual = virtual
	}
	sum.Reported = sim.Population()
	slog.Info("city populated", "summary", sum)
	return sum
}
