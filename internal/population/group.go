// Package population holds the aggregate representations of inhabitants that
// are not simulated individually: population groups for statistical-tier
// agents and the virtual population ledger for inhabitants never materialized.
package population

import (
	"math"

	"github.com/talgya/metropolis/internal/agents"
	"github.com/talgya/metropolis/internal/spatial"
)

// Key identifies a population group. The key space is bounded by the number
// of districts times income classes times education levels.
type Key struct {
	Bucket    spatial.Cell          `json:"bucket"`
	Income    agents.IncomeClass    `json:"income"`
	Education agents.EducationLevel `json:"education"`
}

// Less orders keys by bucket row, column, income, then education.
func (k Key) Less(o Key) bool {
	if k.Bucket.Y != o.Bucket.Y {
		return k.Bucket.Y < o.Bucket.Y
	}
	if k.Bucket.X != o.Bucket.X {
		return k.Bucket.X < o.Bucket.X
	}
	if k.Income != o.Income {
		return k.Income < o.Income
	}
	return k.Education < o.Education
}

// Group stands in for every statistical-tier agent sharing a key.
type Group struct {
	Key   Key `json:"key"`
	Count int `json:"count"`

	// Running averages over members.
	Happiness      float64 `json:"happiness"`       // 0–100
	Health         float64 `json:"health"`          // 0–1
	Income         float64 `json:"income"`          // Daily earnings, unemployed count as zero
	EmploymentRate float64 `json:"employment_rate"` // 0–1

	// HappinessM2 is the sum of squared deviations from the mean happiness.
	HappinessM2 float64 `json:"happiness_m2"`

	// Drift is the happiness change applied to every member by Advance since
	// the group was last rebuilt.
	Drift float64 `json:"drift"`

	// District conditions and derived pressure.
	CrimeExposure      float64 `json:"crime_exposure"`      // 0–1
	ServiceCoverage    float64 `json:"service_coverage"`    // 0–1
	EmigrationPressure float64 `json:"emigration_pressure"` // 0–1
}

// HappinessStdDev returns the population standard deviation of member happiness.
func (g *Group) HappinessStdDev() float64 {
	if g.Count < 2 || g.HappinessM2 <= 0 {
		return 0
	}
	return math.Sqrt(g.HappinessM2 / float64(g.Count))
}

// add folds one member's vitals into the running averages.
func (g *Group) add(v agents.Vitals) {
	n := float64(g.Count + 1)
	x := float64(v.Mood)
	delta := x - g.Happiness
	g.Happiness += delta / n
	g.HappinessM2 += delta * (x - g.Happiness)

	g.Health += (float64(v.Health) - g.Health) / n
	g.Income += (float64(v.Income) - g.Income) / n
	emp := 0.0
	if v.Employed {
		emp = 1
	}
	g.EmploymentRate += (emp - g.EmploymentRate) / n
	g.Count++
}

// drop removes one member whose individual values are unknown. The member is
// taken to sit at the group mean, so averages are unchanged.
func (g *Group) drop() {
	if g.Count <= 0 {
		return
	}
	g.Count--
	if g.Count == 0 {
		g.HappinessM2 = 0
	}
}

// forget takes one member's happiness x out of the running moments. The
// count is left to drop.
func (g *Group) forget(x float64) {
	if g.Count < 2 {
		return
	}
	n := float64(g.Count)
	mean := (n*g.Happiness - x) / (n - 1)
	g.HappinessM2 -= (x - mean) * (x - g.Happiness)
	if g.HappinessM2 < 0 {
		g.HappinessM2 = 0
	}
	g.Happiness = math.Max(0, math.Min(100, mean))
}

// share returns k members' worth of this group as a standalone partial group.
func (g *Group) share(k int) Group {
	p := *g
	if g.Count > 0 && k != g.Count {
		p.HappinessM2 = g.HappinessM2 * (float64(k) / float64(g.Count))
	}
	p.Count = k
	return p
}

// merge combines another partial group into g.
func (g *Group) merge(o Group) {
	if o.Count == 0 {
		return
	}
	if g.Count == 0 {
		key := g.Key
		*g = o
		g.Key = key
		return
	}
	na, nb := float64(g.Count), float64(o.Count)
	n := na + nb
	w := nb / n

	delta := o.Happiness - g.Happiness
	g.Happiness += delta * w
	g.HappinessM2 += o.HappinessM2 + delta*delta*na*nb/n
	g.Health += (o.Health - g.Health) * w
	g.Income += (o.Income - g.Income) * w
	g.EmploymentRate += (o.EmploymentRate - g.EmploymentRate) * w
	g.EmigrationPressure += (o.EmigrationPressure - g.EmigrationPressure) * w
	g.Count += o.Count
}

// Sample draws member vitals from the group distribution. u and v are in
// [-1, 1); spread caps how far from the mean happiness the sample may land.
func (g *Group) Sample(u, v float32, spread float64) agents.Vitals {
	dev := g.HappinessStdDev()
	if dev > spread {
		dev = spread
	}
	mood := g.Happiness + float64(u)*dev

	employed := float64(v+1)/2 < g.EmploymentRate
	income := 0.0
	if employed && g.EmploymentRate > 0 {
		income = g.Income / g.EmploymentRate
	}
	return agents.Vitals{
		Mood:     agents.ClampMood(float32(mood)),
		Health:   float32(math.Max(0, math.Min(1, g.Health))),
		Income:   float32(income),
		Employed: employed,
	}
}
