package population

import (
	"log/slog"
	"sort"

	"github.com/talgya/metropolis/internal/agents"
)

// VirtualRecord is the saved form of the virtual population: a count plus its
// distribution by income class and education level.
type VirtualRecord struct {
	Total int64                                                     `json:"total"`
	Dist  [agents.NumIncomeClasses][agents.NumEducationLevels]int64 `json:"dist"`
}

// Demographic is one cell of the virtual distribution.
type Demographic struct {
	Income    agents.IncomeClass
	Education agents.EducationLevel
}

// Weights gives relative shares across the demographic cells.
type Weights [agents.NumIncomeClasses][agents.NumEducationLevels]float64

// DefaultWeights is the demographic mix assumed for unspecified arrivals.
func DefaultWeights() Weights {
	return Weights{
		{0.22, 0.12, 0.03},
		{0.10, 0.22, 0.11},
		{0.02, 0.06, 0.12},
	}
}

// Ledger tracks inhabitants counted in city totals but never materialized.
// It changes only through migration, lifecycle and save/load.
type Ledger struct {
	rec   VirtualRecord
	ratio float64 // Real-to-virtual ratio, recalculated on restore
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger { return &Ledger{} }

// Total returns the virtual population count.
func (l *Ledger) Total() int64 { return l.rec.Total }

// Record returns a copy of the ledger contents for saving.
func (l *Ledger) Record() VirtualRecord { return l.rec }

// Count returns the virtual population in one demographic cell.
func (l *Ledger) Count(d Demographic) int64 { return l.rec.Dist[d.Income][d.Education] }

// Add records n virtual inhabitants of one demographic.
func (l *Ledger) Add(d Demographic, n int64) {
	if n <= 0 {
		return
	}
	l.rec.Dist[d.Income][d.Education] += n
	l.rec.Total += n
}

// Absorb returns a departing individual to the virtual population.
func (l *Ledger) Absorb(a *agents.Agent) {
	l.Add(Demographic{Income: a.Income, Education: a.Education}, 1)
}

// AddSpread records n virtual inhabitants apportioned by w.
func (l *Ledger) AddSpread(n int64, w Weights) {
	if n <= 0 {
		return
	}
	parts := apportion(n, func(i, j int) float64 { return w[i][j] })
	for i := range parts {
		for j := range parts[i] {
			l.rec.Dist[i][j] += parts[i][j]
		}
	}
	l.rec.Total += n
}

// Remove takes up to n inhabitants out of the ledger in proportion to the
// current distribution and returns how many were removed.
func (l *Ledger) Remove(n int64) int64 {
	_, removed := l.take(n)
	return removed
}

// Materialize removes up to n inhabitants and returns their demographics so
// the caller can create agents for them. Order is deterministic.
func (l *Ledger) Materialize(n int) []Demographic {
	parts, removed := l.take(int64(n))
	out := make([]Demographic, 0, removed)
	for i := range parts {
		for j := range parts[i] {
			for c := int64(0); c < parts[i][j]; c++ {
				out = append(out, Demographic{Income: agents.IncomeClass(i), Education: agents.EducationLevel(j)})
			}
		}
	}
	return out
}

func (l *Ledger) take(n int64) ([agents.NumIncomeClasses][agents.NumEducationLevels]int64, int64) {
	var parts [agents.NumIncomeClasses][agents.NumEducationLevels]int64
	if n <= 0 || l.rec.Total <= 0 {
		return parts, 0
	}
	if n >= l.rec.Total {
		parts = l.rec.Dist
		removed := l.rec.Total
		l.rec = VirtualRecord{}
		return parts, removed
	}
	parts = apportion(n, func(i, j int) float64 { return float64(l.rec.Dist[i][j]) })
	for i := range parts {
		for j := range parts[i] {
			l.rec.Dist[i][j] -= parts[i][j]
		}
	}
	l.rec.Total -= n
	return parts, n
}

// Restore installs a saved record verbatim and recalculates the
// real-to-virtual ratio against the materialized count. A record whose
// distribution does not sum to its total is repaired by spreading the
// difference with default weights.
func (l *Ledger) Restore(rec VirtualRecord, materialized int) {
	var sum int64
	for i := range rec.Dist {
		for j := range rec.Dist[i] {
			if rec.Dist[i][j] < 0 {
				rec.Dist[i][j] = 0
			}
			sum += rec.Dist[i][j]
		}
	}
	l.rec = VirtualRecord{Dist: rec.Dist, Total: sum}
	switch {
	case rec.Total > sum:
		slog.Warn("virtual population distribution short of total, spreading remainder",
			"total", rec.Total, "distributed", sum)
		l.AddSpread(rec.Total-sum, DefaultWeights())
	case rec.Total < sum:
		slog.Warn("virtual population distribution exceeds total, trimming",
			"total", rec.Total, "distributed", sum)
		l.Remove(sum - max(rec.Total, 0))
	}
	l.Recalibrate(materialized)
}

// Recalibrate recomputes the real-to-virtual ratio for the given number of
// materialized inhabitants.
func (l *Ledger) Recalibrate(materialized int) float64 {
	if l.rec.Total == 0 {
		l.ratio = 0
	} else {
		l.ratio = float64(materialized) / float64(l.rec.Total)
	}
	return l.ratio
}

// Ratio returns the last computed real-to-virtual ratio. Zero means the
// ledger is empty.
func (l *Ledger) Ratio() float64 { return l.ratio }

// ScaleFactor returns how many reported inhabitants each materialized one
// stands for.
func (l *Ledger) ScaleFactor(materialized int) float64 {
	if materialized <= 0 {
		return 1
	}
	return float64(int64(materialized)+l.rec.Total) / float64(materialized)
}

// apportion splits n across the demographic cells by weight using the
// largest-remainder method. Ties go to the lower cell index.
func apportion(n int64, weight func(i, j int) float64) [agents.NumIncomeClasses][agents.NumEducationLevels]int64 {
	var out [agents.NumIncomeClasses][agents.NumEducationLevels]int64
	var sum float64
	for i := range out {
		for j := range out[i] {
			if w := weight(i, j); w > 0 {
				sum += w
			}
		}
	}
	if sum <= 0 {
		out[agents.IncomeMiddle][agents.EducationSecondary] = n
		return out
	}

	type rem struct {
		i, j int
		frac float64
	}
	rems := make([]rem, 0, agents.NumIncomeClasses*agents.NumEducationLevels)
	var given int64
	for i := range out {
		for j := range out[i] {
			w := weight(i, j)
			if w <= 0 {
				continue
			}
			exact := float64(n) * w / sum
			whole := int64(exact)
			out[i][j] = whole
			given += whole
			rems = append(rems, rem{i, j, exact - float64(whole)})
		}
	}
	sort.SliceStable(rems, func(a, b int) bool { return rems[a].frac > rems[b].frac })
	for k := 0; given < n; k++ {
		r := rems[k%len(rems)]
		out[r.i][r.j]++
		given++
	}
	return out
}
