// Command citysim runs the multi-resolution city population simulation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/talgya/metropolis/internal/api"
	"github.com/talgya/metropolis/internal/camera"
	"github.com/talgya/metropolis/internal/citygen"
	"github.com/talgya/metropolis/internal/config"
	"github.com/talgya/metropolis/internal/engine"
	"github.com/talgya/metropolis/internal/persistence"
	"github.com/talgya/metropolis/internal/spatial"
	"github.com/talgya/metropolis/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "YAML config file merged over the defaults")
	seed := flag.Int64("seed", 0, "city seed (overrides city.seed)")
	fresh := flag.Bool("fresh", false, "ignore saved state and generate a new city")
	ticks := flag.Uint64("ticks", 0, "run this many ticks as fast as possible, save, and exit")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	setupLogger(*debug)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	if *seed != 0 {
		cfg.City.Seed = *seed
	}

	// ── Persistence ───────────────────────────────────────────────────
	store := &persistence.Store{Dir: cfg.Persistence.SnapshotDir, Keep: cfg.Persistence.KeepSnapshots}
	if path := cfg.Persistence.DBPath; path != "" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				slog.Error("creating database directory", "error", err)
				os.Exit(1)
			}
		}
		db, err := persistence.Open(path)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		store.DB = db
		slog.Info("database opened", "path", path)
	}

	rig := camera.NewRig(spatial.Vec2{X: cfg.World.Width / 2, Y: cfg.World.Height / 2}, cfg.City.CameraRadius)
	perf := telemetry.NewPerfCollector(cfg.Telemetry.PerfWindow)
	opts := engine.Options{Config: cfg, Camera: rig, Perf: perf}

	// ── Load or Generate City ─────────────────────────────────────────
	sim, err := loadOrGenerate(cfg, store, opts, *fresh)
	if err != nil {
		slog.Error("starting city", "error", err)
		os.Exit(1)
	}
	defer sim.Close()

	// ── Telemetry ─────────────────────────────────────────────────────
	out, err := telemetry.NewOutput(cfg.Telemetry.Dir)
	if err != nil {
		slog.Error("telemetry output", "error", err)
		os.Exit(1)
	}
	defer out.Close()
	if err := out.WriteConfig(cfg); err != nil {
		slog.Warn("writing config copy", "error", err)
	}
	collector := telemetry.NewCollector(cfg.Telemetry.WindowTicks, cfg.World.TicksPerDay)
	collector.Reset(sim.Tick(), sim.Counters())

	// ── Engine ────────────────────────────────────────────────────────
	eng := engine.NewEngine(cfg.World.TickRate)
	eng.Tick = sim.Tick()
	eng.OnTick = func(tick uint64) {
		sim.Step(tick)
		perf.EndTick()
	}
	save := func(reason string) {
		if !store.Enabled() {
			return
		}
		start := time.Now()
		path, err := store.Save(sim.Snapshot())
		if err != nil {
			slog.Error("save failed", "reason", reason, "error", err)
			return
		}
		slog.Info("city saved", "reason", reason, "tick", sim.Tick(), "file", path, "took", time.Since(start).Round(time.Millisecond))
	}
	eng.Every("autosave", cfg.Persistence.AutosaveEvery, func(uint64) { save("autosave") })
	eng.Every("report", max(cfg.World.TicksPerDay/24, 1), func(tick uint64) { report(sim, perf, tick) })
	eng.Every("telemetry", collector.WindowTicks(), func(tick uint64) {
		w := collector.Flush(sim.Stats(), sim.Counters(), sim.Groups())
		if err := out.WriteWindow(w); err != nil {
			slog.Warn("telemetry write failed", "error", err)
		}
		if err := out.WritePerf(perf.Stats(), tick); err != nil {
			slog.Warn("perf write failed", "error", err)
		}
		slog.Debug("telemetry window", "window", w)
	})

	// ── Batch mode ────────────────────────────────────────────────────
	if *ticks > 0 {
		start := time.Now()
		for i := uint64(0); i < *ticks; i++ {
			eng.Step()
		}
		report(sim, perf, sim.Tick())
		slog.Info("batch finished", "ticks", *ticks, "took", time.Since(start).Round(time.Millisecond))
		save("batch")
		return
	}

	// ── HTTP API ──────────────────────────────────────────────────────
	adminKey := cfg.API.AdminToken
	if env := os.Getenv("CITYSIM_ADMIN_KEY"); env != "" {
		adminKey = env
	}
	var srv *api.Server
	if cfg.API.Addr != "" {
		if adminKey == "" {
			slog.Warn("no admin token set, admin POST endpoints will be disabled")
		}
		srv = &api.Server{
			Sim:      sim,
			Eng:      eng,
			Camera:   rig,
			Store:    store,
			Perf:     perf,
			Addr:     cfg.API.Addr,
			AdminKey: adminKey,
			Limiter:  api.NewRateLimiter(cfg.API.RateLimit, cfg.API.RateBurst),
		}
		srv.Start()
		eng.Every("stream", cfg.API.StreamEvery, srv.Broadcast)
	}

	// ── Start ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meta := sim.Meta()
	fmt.Printf("\n%s is alive: %s inhabitants, %s simulated as agents.\n",
		meta.Name, humanize.Comma(sim.Population()), humanize.Comma(int64(sim.Stats().Materialized)))
	if cfg.API.Addr != "" {
		fmt.Printf("API: http://localhost%s/api/v1/status\n", cfg.API.Addr)
	}
	if t := sim.Tick(); t > 0 {
		fmt.Printf("Resuming from tick %d (%s)\n", t, engine.SimTime(t, cfg.World.TicksPerDay))
	}
	fmt.Println("Starting simulation... (Ctrl+C to stop)")

	eng.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown", "error", err)
		}
		cancel()
	}
	slog.Info("final save...")
	save("shutdown")
	fmt.Println("Simulation stopped.")
}

// setupLogger picks a text handler for terminals and JSON otherwise.
func setupLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

// loadOrGenerate restores the newest saved city, or generates a new one
// when there is none or fresh is set.
func loadOrGenerate(cfg *config.Config, store *persistence.Store, opts engine.Options, fresh bool) (*engine.Simulation, error) {
	if !fresh && store.Enabled() {
		snap, err := store.Load()
		switch {
		case err == nil:
			slog.Info("found saved city, loading...",
				"name", snap.Header.Name,
				"tick", snap.Header.Tick,
				"saved", humanize.Time(snap.Header.SavedAt),
			)
			return engine.Restore(opts, snap)
		case !errors.Is(err, persistence.ErrNoCity):
			return nil, fmt.Errorf("loading saved city: %w", err)
		}
	}

	slog.Info("generating new city...", "seed", cfg.City.Seed)
	city := citygen.Generate(citygen.GenConfig{
		Width:      cfg.World.Width,
		Height:     cfg.World.Height,
		Seed:       cfg.City.Seed,
		Places:     cfg.City.Places,
		NoiseScale: cfg.City.NoiseScale,
		CellSize:   cfg.Aggregation.DistrictSize,
		Districts:  cfg.City.Districts,
	})
	opts.Meta = engine.CityMeta{ID: uuid.NewString(), Name: cfg.City.Name, Seed: city.Seed}
	opts.Places = city.Places()
	sim := engine.New(opts)
	citygen.Populate(sim, city, cfg.City.Agents, cfg.City.ReportedTotal)

	if store.Enabled() {
		if _, err := store.Save(sim.Snapshot()); err != nil {
			slog.Error("initial save failed", "error", err)
		}
	}
	return sim, nil
}

// report logs an hourly city summary.
func report(sim *engine.Simulation, perf *telemetry.PerfCollector, tick uint64) {
	st := sim.Stats()
	slog.Info("city",
		"time", engine.SimTime(tick, sim.Config().World.TicksPerDay),
		"population", humanize.Comma(st.Reported),
		"agents", humanize.Comma(int64(st.Materialized)),
		"virtual", humanize.Comma(st.Virtual),
		"full", st.Full,
		"simplified", st.Simplified,
		"groups", st.Groups,
		"happiness", fmt.Sprintf("%.1f", st.Happiness),
		"scale", fmt.Sprintf("%.2f", st.ScaleFactor),
		"perf", perf.Stats(),
	)
}
