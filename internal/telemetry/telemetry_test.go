package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/talgya/metropolis/internal/engine"
	"github.com/talgya/metropolis/internal/population"
)

func TestPerfCollectorRollingWindow(t *testing.T) {
	pc := NewPerfCollector(5)
	for i := 0; i < 10; i++ {
		pc.Record(PhaseHash, time.Millisecond)
		pc.Record(PhaseEngines, 3*time.Millisecond)
		pc.EndTick()
	}

	st := pc.Stats()
	if st.AvgTickDuration != 4*time.Millisecond {
		t.Fatalf("avg tick = %v, want 4ms", st.AvgTickDuration)
	}
	if st.PhasePct[PhaseEngines] != 75 {
		t.Errorf("engines pct = %v, want 75", st.PhasePct[PhaseEngines])
	}
	if st.TicksPerSecond != 250 {
		t.Errorf("ticks/sec = %v, want 250", st.TicksPerSecond)
	}
}

func TestPerfCollectorEmpty(t *testing.T) {
	st := NewPerfCollector(0).Stats()
	if st.AvgTickDuration != 0 || st.PhaseAvg == nil {
		t.Fatalf("empty stats = %+v", st)
	}
}

func TestCollectorWindowDeltas(t *testing.T) {
	c := NewCollector(100, 1440)
	c.Reset(0, engine.Counters{Births: 5})
	if c.ShouldFlush(99) || !c.ShouldFlush(100) {
		t.Fatal("flush boundary wrong")
	}

	w := c.Flush(
		engine.CityStats{Tick: 100, Reported: 1000, Virtual: 800},
		engine.Counters{Births: 12, Deaths: 3, Transitions: 40},
		nil,
	)
	if w.Births != 7 || w.Deaths != 3 || w.Transitions != 40 {
		t.Errorf("deltas = births %d deaths %d transitions %d", w.Births, w.Deaths, w.Transitions)
	}
	if w.WindowStartTick != 0 || w.WindowEndTick != 100 {
		t.Errorf("window = [%d, %d]", w.WindowStartTick, w.WindowEndTick)
	}
	if c.ShouldFlush(150) {
		t.Error("window did not restart at flush")
	}

	w = c.Flush(engine.CityStats{Tick: 200}, engine.Counters{Births: 12, Deaths: 4, Transitions: 40}, nil)
	if w.Births != 0 || w.Deaths != 1 {
		t.Errorf("second window births %d deaths %d", w.Births, w.Deaths)
	}
}

func TestGroupQuantilesWeighted(t *testing.T) {
	groups := []population.Group{
		{Count: 90, Happiness: 40},
		{Count: 10, Happiness: 80},
		{Count: 0, Happiness: 5},
	}
	p10, p50, p90 := groupQuantiles(groups)
	if p10 != 40 || p50 != 40 {
		t.Errorf("p10 %v p50 %v, want 40", p10, p50)
	}
	if p90 != 40 && p90 != 80 {
		t.Errorf("p90 = %v", p90)
	}
	if a, b, c := groupQuantiles(nil); a != 0 || b != 0 || c != 0 {
		t.Error("empty groups should give zeros")
	}
}

func TestOutputWritesHeaderOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	out, err := NewOutput(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint64(1); i <= 3; i++ {
		if err := out.WriteWindow(WindowStats{WindowEndTick: i * 100, Reported: 10}); err != nil {
			t.Fatal(err)
		}
	}
	if err := out.WritePerf(PerfStats{AvgTickDuration: time.Millisecond}, 300); err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "telemetry.csv"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("telemetry.csv has %d lines, want 4", len(lines))
	}
	if !strings.HasPrefix(lines[0], "window_end,") || strings.Count(string(data), "window_end") != 1 {
		t.Errorf("header = %q", lines[0])
	}

	perf, err := os.ReadFile(filepath.Join(dir, "perf.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(perf), "avg_tick_us") || !strings.Contains(string(perf), "\n300,1000,") {
		t.Errorf("perf.csv = %q", perf)
	}
}

func TestNilOutputIsNoop(t *testing.T) {
	var out *Output
	if err := out.WriteWindow(WindowStats{}); err != nil {
		t.Fatal(err)
	}
	if out.Dir() != "" || out.Close() != nil {
		t.Fatal("nil output should be inert")
	}
	o, err := NewOutput("")
	if o != nil || err != nil {
		t.Fatalf("NewOutput(\"\") = %v, %v", o, err)
	}
}
