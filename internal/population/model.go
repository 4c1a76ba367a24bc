package population

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"github.com/talgya/metropolis/internal/agents"
)

// Environment describes the district conditions a group lives under.
type Environment struct {
	ServiceCoverage float64
	CrimeExposure   float64
}

// Model supplies group-level approximations of the formulas individual
// agents follow. Implementations must be deterministic.
type Model interface {
	// Environment returns the conditions for a group key.
	Environment(k Key) Environment
	// Advance evolves a group's averages by dt ticks.
	Advance(g *Group, dt float64)
	// Seed returns the vitals assumed for a member with no known history.
	Seed(k Key) agents.Vitals
}

// DriftModel relaxes group happiness toward a target set by district
// conditions, and lets emigration pressure build where happiness is low.
type DriftModel struct {
	Rate          float64 // Fraction of the gap closed per tick
	PressureRate  float64
	CoverageBase  [agents.NumIncomeClasses]float64
	CrimeBase     [agents.NumIncomeClasses]float64
	DistrictNoise float64 // Per-district variation amplitude
}

// DefaultDriftModel returns the model used when none is configured.
func DefaultDriftModel() *DriftModel {
	return &DriftModel{
		Rate:          0.002,
		PressureRate:  0.001,
		CoverageBase:  [agents.NumIncomeClasses]float64{0.55, 0.7, 0.85},
		CrimeBase:     [agents.NumIncomeClasses]float64{0.35, 0.2, 0.1},
		DistrictNoise: 0.1,
	}
}

// Environment returns deterministic conditions for a key.
func (m *DriftModel) Environment(k Key) Environment {
	n := districtNoise(k) * m.DistrictNoise
	inc := int(k.Income) % agents.NumIncomeClasses
	return Environment{
		ServiceCoverage: clamp01(m.CoverageBase[inc] + n),
		CrimeExposure:   clamp01(m.CrimeBase[inc] - n/2),
	}
}

// Target returns the happiness a group settles at.
func (m *DriftModel) Target(g *Group) float64 {
	t := 30 + 40*g.ServiceCoverage + 25*g.EmploymentRate - 30*g.CrimeExposure + 5*g.Health
	return math.Max(0, math.Min(100, t))
}

// Advance implements Model.
func (m *DriftModel) Advance(g *Group, dt float64) {
	if g.Count == 0 {
		return
	}
	k := 1 - math.Pow(1-m.Rate, dt)
	g.Happiness += (m.Target(g) - g.Happiness) * k

	want := clamp01((45 - g.Happiness) / 45)
	p := 1 - math.Pow(1-m.PressureRate, dt)
	g.EmigrationPressure += (want - g.EmigrationPressure) * p
}

// Seed implements Model.
func (m *DriftModel) Seed(k Key) agents.Vitals {
	env := m.Environment(k)
	g := Group{ServiceCoverage: env.ServiceCoverage, CrimeExposure: env.CrimeExposure, EmploymentRate: 0.9, Health: 0.8}
	return agents.Vitals{Mood: float32(m.Target(&g)), Health: 0.8, Employed: true}
}

// districtNoise returns a stable value in [-1, 1] for a district.
func districtNoise(k Key) float64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(int64(k.Bucket.X)))
	binary.LittleEndian.PutUint64(buf[8:], uint64(int64(k.Bucket.Y)))
	h := fnv.New32a()
	h.Write(buf[:])
	return float64(h.Sum32()%2001)/1000 - 1
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
