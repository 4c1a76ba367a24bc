// Package telemetry records per-window city figures and per-phase tick
// timing, and writes both as CSV.
package telemetry

import (
	"log/slog"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/talgya/metropolis/internal/engine"
	"github.com/talgya/metropolis/internal/population"
)

// WindowStats holds city figures for one telemetry window.
type WindowStats struct {
	WindowStartTick uint64 `csv:"-"`
	WindowEndTick   uint64 `csv:"window_end"`
	SimTime         string `csv:"sim_time"`

	// Population at window end
	Reported    int64   `csv:"reported"`
	Full        int     `csv:"full"`
	Simplified  int     `csv:"simplified"`
	Statistical int     `csv:"statistical"`
	Virtual     int64   `csv:"virtual"`
	Groups      int     `csv:"groups"`
	ScaleFactor float64 `csv:"scale_factor"`

	// Events during the window
	Births         uint64 `csv:"births"`
	Deaths         uint64 `csv:"deaths"`
	Immigrants     uint64 `csv:"immigrants"`
	Emigrants      uint64 `csv:"emigrants"`
	Materialized   uint64 `csv:"materialized"`
	Transitions    uint64 `csv:"transitions"`
	StaleDropped   uint64 `csv:"stale_dropped"`
	Reaggregations uint64 `csv:"reaggregations"`
	Resyncs        uint64 `csv:"resyncs"`

	// Wellbeing
	Happiness          float64 `csv:"happiness"`
	HappinessStdDev    float64 `csv:"happiness_std"`
	GroupHappinessP10  float64 `csv:"group_happiness_p10"`
	GroupHappinessP50  float64 `csv:"group_happiness_p50"`
	GroupHappinessP90  float64 `csv:"group_happiness_p90"`
	Employment         float64 `csv:"employment"`
	EmigrationPressure float64 `csv:"emigration_pressure"`
}

// LogValue implements slog.LogValuer.
func (w WindowStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("tick", w.WindowEndTick),
		slog.Int64("reported", w.Reported),
		slog.Int("full", w.Full),
		slog.Int("simplified", w.Simplified),
		slog.Int64("virtual", w.Virtual),
		slog.Uint64("births", w.Births),
		slog.Uint64("deaths", w.Deaths),
		slog.Uint64("transitions", w.Transitions),
		slog.Float64("happiness", w.Happiness),
	)
}

// Collector turns cumulative simulation counters into per-window deltas.
type Collector struct {
	windowTicks uint64
	ticksPerDay uint64
	start       uint64
	prev        engine.Counters
}

// NewCollector creates a collector flushing every windowTicks ticks.
func NewCollector(windowTicks, ticksPerDay uint64) *Collector {
	if windowTicks == 0 {
		windowTicks = 1
	}
	return &Collector{windowTicks: windowTicks, ticksPerDay: ticksPerDay}
}

// Reset starts the next window at tick with the given counter baseline.
func (c *Collector) Reset(tick uint64, base engine.Counters) {
	c.start = tick
	c.prev = base
}

// ShouldFlush reports whether the current window is complete.
func (c *Collector) ShouldFlush(tick uint64) bool {
	return tick-c.start >= c.windowTicks
}

// WindowTicks returns the window length.
func (c *Collector) WindowTicks() uint64 { return c.windowTicks }

// Flush produces the stats for the window ending at st.Tick and starts the
// next one.
func (c *Collector) Flush(st engine.CityStats, counters engine.Counters, groups []population.Group) WindowStats {
	d := counters
	p := c.prev
	w := WindowStats{
		WindowStartTick: c.start,
		WindowEndTick:   st.Tick,
		SimTime:         engine.SimTime(st.Tick, c.ticksPerDay),

		Reported:    st.Reported,
		Full:        st.Full,
		Simplified:  st.Simplified,
		Statistical: st.Statistical,
		Virtual:     st.Virtual,
		Groups:      st.Groups,
		ScaleFactor: st.ScaleFactor,

		Births:         d.Births - p.Births,
		Deaths:         d.Deaths - p.Deaths,
		Immigrants:     d.Immigrants - p.Immigrants,
		Emigrants:      d.Emigrants - p.Emigrants,
		Materialized:   d.Materialized - p.Materialized,
		Transitions:    d.Transitions - p.Transitions,
		StaleDropped:   d.StaleDropped - p.StaleDropped,
		Reaggregations: d.Reaggregations - p.Reaggregations,
		Resyncs:        d.ConsistencyFailures - p.ConsistencyFailures,

		Happiness:          st.Happiness,
		HappinessStdDev:    st.HappinessStdDev,
		Employment:         st.Employment,
		EmigrationPressure: st.EmigrationPressure,
	}
	w.GroupHappinessP10, w.GroupHappinessP50, w.GroupHappinessP90 = groupQuantiles(groups)

	c.start = st.Tick
	c.prev = counters
	return w
}

// groupQuantiles returns count-weighted happiness quantiles over groups.
func groupQuantiles(groups []population.Group) (p10, p50, p90 float64) {
	if len(groups) == 0 {
		return 0, 0, 0
	}
	type hw struct{ h, w float64 }
	pts := make([]hw, 0, len(groups))
	for _, g := range groups {
		if g.Count > 0 {
			pts = append(pts, hw{g.Happiness, float64(g.Count)})
		}
	}
	if len(pts) == 0 {
		return 0, 0, 0
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].h < pts[j].h })
	x := make([]float64, len(pts))
	w := make([]float64, len(pts))
	for i, p := range pts {
		x[i], w[i] = p.h, p.w
	}
	return stat.Quantile(0.1, stat.Empirical, x, w),
		stat.Quantile(0.5, stat.Empirical, x, w),
		stat.Quantile(0.9, stat.Empirical, x, w)
}
