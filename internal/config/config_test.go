package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsLoad(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Memory.MaxThoughts != 20 {
		t.Errorf("max_thoughts = %d, want 20", cfg.Memory.MaxThoughts)
	}
	if cfg.Tiers.Hysteresis != 0.10 {
		t.Errorf("hysteresis = %v", cfg.Tiers.Hysteresis)
	}
	// 8192 / 512 + 1 = 17 districts per side.
	if cfg.Derived.MaxGroups != 17*17*9 {
		t.Errorf("max groups = %d, want %d", cfg.Derived.MaxGroups, 17*17*9)
	}
	if cfg.Derived.DaysPerTick != 1.0/1440 {
		t.Errorf("days per tick = %v", cfg.Derived.DaysPerTick)
	}
	if cfg.Aggregation.MoodJitter != 1 || cfg.Transition.MoodEpsilon != 5 {
		t.Errorf("mood jitter %v epsilon %v", cfg.Aggregation.MoodJitter, cfg.Transition.MoodEpsilon)
	}
}

func TestUserFileOverridesSubset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "city.yaml")
	if err := os.WriteFile(path, []byte("tiers:\n  near: 300\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tiers.Near != 300 {
		t.Errorf("near = %v, want 300", cfg.Tiers.Near)
	}
	if cfg.Tiers.Far != 2048 {
		t.Errorf("far = %v, default lost", cfg.Tiers.Far)
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("tiers:\n  near: 900\n  far: 100\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error")
	}
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := cfg.WriteYAML(path); err != nil {
		t.Fatal(err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if back.City.ReportedTotal != cfg.City.ReportedTotal {
		t.Errorf("reported total %d, want %d", back.City.ReportedTotal, cfg.City.ReportedTotal)
	}
}
