package engine

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/talgya/metropolis/internal/population"
)

// CityStats are city-wide figures for reports and the API.
type CityStats struct {
	Tick         uint64  `json:"tick"`
	Reported     int64   `json:"reported"`
	Materialized int     `json:"materialized"`
	Full         int     `json:"full"`
	Simplified   int     `json:"simplified"`
	Statistical  int     `json:"statistical"`
	Groups       int     `json:"groups"`
	Virtual      int64   `json:"virtual"`
	ScaleFactor  float64 `json:"scale_factor"` // Reported inhabitants per materialized one
	RealRatio    float64 `json:"real_ratio"`   // Materialized per virtual

	Happiness          float64 `json:"happiness"` // Weighted over every materialized inhabitant
	HappinessStdDev    float64 `json:"happiness_std_dev"`
	Employment         float64 `json:"employment"`
	EmigrationPressure float64 `json:"emigration_pressure"`
	PendingTransitions int     `json:"pending_transitions"`
}

// Stats returns the figures computed at the end of the last tick.
func (s *Simulation) Stats() CityStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Population returns the reported population.
func (s *Simulation) Population() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

func (s *Simulation) updateStats() {
	groups := s.agg.Groups()
	live := s.full.len() + s.simple.len()

	mood := make([]float64, 0, live+len(groups))
	emp := make([]float64, 0, live+len(groups))
	w := make([]float64, 0, live+len(groups))
	for _, set := range []*tierSet{&s.full, &s.simple} {
		for _, a := range set.list {
			v := a.Vitals()
			mood = append(mood, float64(v.Mood))
			e := 0.0
			if v.Employed {
				e = 1
			}
			emp = append(emp, e)
			w = append(w, 1)
		}
	}

	pressure := make([]float64, 0, len(groups))
	gw := make([]float64, 0, len(groups))
	for _, g := range groups {
		mood = append(mood, g.Happiness)
		emp = append(emp, g.EmploymentRate)
		w = append(w, float64(g.Count))
		pressure = append(pressure, g.EmigrationPressure)
		gw = append(gw, float64(g.Count))
	}

	st := CityStats{
		Tick:               s.tick,
		Reported:           s.total,
		Materialized:       s.roster.len(),
		Full:               s.full.len(),
		Simplified:         s.simple.len(),
		Statistical:        s.agg.Total(),
		Groups:             len(groups),
		Virtual:            s.ledger.Total(),
		ScaleFactor:        s.ledger.ScaleFactor(s.roster.len()),
		RealRatio:          s.ledger.Ratio(),
		PendingTransitions: s.queue.len(),
	}
	if len(mood) > 0 {
		st.Happiness, st.HappinessStdDev = weightedMeanStdDev(mood, w)
		st.Employment = stat.Mean(emp, w)
	}
	if len(pressure) > 0 {
		st.EmigrationPressure = stat.Mean(pressure, gw)
	}
	s.stats = st
}

// weightedMeanStdDev returns the weighted mean and standard deviation.
// Group spread beyond the group mean is not included.
func weightedMeanStdDev(x, w []float64) (float64, float64) {
	if len(x) == 1 {
		return x[0], 0
	}
	mean, std := stat.MeanStdDev(x, w)
	if math.IsNaN(std) || math.IsInf(std, 0) {
		std = 0
	}
	return mean, std
}

// GroupSummary reduces groups to a count-weighted happiness mean.
func GroupSummary(groups []population.Group) (count int, happiness float64) {
	if len(groups) == 0 {
		return 0, 0
	}
	x := make([]float64, len(groups))
	w := make([]float64, len(groups))
	for i, g := range groups {
		x[i] = g.Happiness
		w[i] = float64(g.Count)
		count += g.Count
	}
	if count == 0 {
		return 0, 0
	}
	return count, stat.Mean(x, w)
}
