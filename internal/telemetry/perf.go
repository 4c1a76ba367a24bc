package telemetry

import (
	"log/slog"
	"sync"
	"time"
)

// Phase names reported by the simulation step.
const (
	PhaseHash        = "hash"
	PhaseClassify    = "classify"
	PhaseEngines     = "engines"
	PhaseLifecycle   = "lifecycle"
	PhaseTransitions = "transitions"
	PhaseAggregate   = "aggregate"
)

var phases = []string{PhaseHash, PhaseClassify, PhaseEngines, PhaseLifecycle, PhaseTransitions, PhaseAggregate}

// PerfSample holds timing data for a single tick.
type PerfSample struct {
	TickDuration time.Duration
	Phases       map[string]time.Duration
}

// PerfCollector tracks per-phase tick timing over a rolling window. The
// simulation reports phases through Record; the tick loop closes each tick
// with EndTick.
type PerfCollector struct {
	mu          sync.Mutex
	windowSize  int
	samples     []PerfSample
	writeIndex  int
	sampleCount int
	current     map[string]time.Duration
}

// NewPerfCollector creates a collector averaging over windowSize ticks.
func NewPerfCollector(windowSize int) *PerfCollector {
	if windowSize < 1 {
		windowSize = 60
	}
	return &PerfCollector{
		windowSize: windowSize,
		samples:    make([]PerfSample, windowSize),
		current:    make(map[string]time.Duration),
	}
}

// Record adds time spent in a phase of the current tick.
func (p *PerfCollector) Record(phase string, d time.Duration) {
	p.mu.Lock()
	p.current[phase] += d
	p.mu.Unlock()
}

// EndTick closes the current tick and stores its sample.
func (p *PerfCollector) EndTick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	var total time.Duration
	for _, d := range p.current {
		total += d
	}
	p.samples[p.writeIndex] = PerfSample{TickDuration: total, Phases: p.current}
	p.writeIndex = (p.writeIndex + 1) % p.windowSize
	if p.sampleCount < p.windowSize {
		p.sampleCount++
	}
	p.current = make(map[string]time.Duration, len(phases))
}

// PerfStats holds aggregated performance statistics.
type PerfStats struct {
	AvgTickDuration time.Duration
	MinTickDuration time.Duration
	MaxTickDuration time.Duration

	PhaseAvg map[string]time.Duration
	PhasePct map[string]float64 // Share of average tick time

	TicksPerSecond float64
}

// Stats computes aggregated statistics over the current window.
func (p *PerfCollector) Stats() PerfStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sampleCount == 0 {
		return PerfStats{
			PhaseAvg: make(map[string]time.Duration),
			PhasePct: make(map[string]float64),
		}
	}

	var totalTick, minTick, maxTick time.Duration
	phaseSum := make(map[string]time.Duration)
	for i := 0; i < p.sampleCount; i++ {
		s := p.samples[i]
		totalTick += s.TickDuration
		if i == 0 || s.TickDuration < minTick {
			minTick = s.TickDuration
		}
		if s.TickDuration > maxTick {
			maxTick = s.TickDuration
		}
		for phase, d := range s.Phases {
			phaseSum[phase] += d
		}
	}

	avgTick := totalTick / time.Duration(p.sampleCount)
	phaseAvg := make(map[string]time.Duration, len(phaseSum))
	phasePct := make(map[string]float64, len(phaseSum))
	for phase, sum := range phaseSum {
		phaseAvg[phase] = sum / time.Duration(p.sampleCount)
		if avgTick > 0 {
			phasePct[phase] = float64(phaseAvg[phase]) / float64(avgTick) * 100
		}
	}

	var tps float64
	if avgTick > 0 {
		tps = float64(time.Second) / float64(avgTick)
	}
	return PerfStats{
		AvgTickDuration: avgTick,
		MinTickDuration: minTick,
		MaxTickDuration: maxTick,
		PhaseAvg:        phaseAvg,
		PhasePct:        phasePct,
		TicksPerSecond:  tps,
	}
}

// LogValue implements slog.LogValuer.
func (s PerfStats) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int64("avg_tick_us", s.AvgTickDuration.Microseconds()),
		slog.Int64("max_tick_us", s.MaxTickDuration.Microseconds()),
		slog.Float64("ticks_per_sec", s.TicksPerSecond),
	}
	for _, phase := range phases {
		if pct, ok := s.PhasePct[phase]; ok && pct > 0.1 {
			attrs = append(attrs, slog.Float64(phase+"_pct", float64(int(pct*10))/10))
		}
	}
	return slog.GroupValue(attrs...)
}

// PerfStatsCSV is a flat row for perf.csv.
type PerfStatsCSV struct {
	WindowEnd      uint64  `csv:"window_end"`
	AvgTickUS      int64   `csv:"avg_tick_us"`
	MinTickUS      int64   `csv:"min_tick_us"`
	MaxTickUS      int64   `csv:"max_tick_us"`
	TicksPerSec    float64 `csv:"ticks_per_sec"`
	HashPct        float64 `csv:"hash_pct"`
	ClassifyPct    float64 `csv:"classify_pct"`
	EnginesPct     float64 `csv:"engines_pct"`
	LifecyclePct   float64 `csv:"lifecycle_pct"`
	TransitionsPct float64 `csv:"transitions_pct"`
	AggregatePct   float64 `csv:"aggregate_pct"`
}

// ToCSV flattens the stats for export.
func (s PerfStats) ToCSV(windowEnd uint64) PerfStatsCSV {
	return PerfStatsCSV{
		WindowEnd:      windowEnd,
		AvgTickUS:      s.AvgTickDuration.Microseconds(),
		MinTickUS:      s.MinTickDuration.Microseconds(),
		MaxTickUS:      s.MaxTickDuration.Microseconds(),
		TicksPerSec:    s.TicksPerSecond,
		HashPct:        s.PhasePct[PhaseHash],
		ClassifyPct:    s.PhasePct[PhaseClassify],
		EnginesPct:     s.PhasePct[PhaseEngines],
		LifecyclePct:   s.PhasePct[PhaseLifecycle],
		TransitionsPct: s.PhasePct[PhaseTransitions],
		AggregatePct:   s.PhasePct[PhaseAggregate],
	}
}
