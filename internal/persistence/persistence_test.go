package persistence

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/talgya/metropolis/internal/agents"
	"github.com/talgya/metropolis/internal/population"
	"github.com/talgya/metropolis/internal/spatial"
)

func sampleSnapshot() *Snapshot {
	full := &agents.Agent{
		ID: 1, Pos: spatial.Vec2{X: 10, Y: 20}, Tier: agents.TierFull, Alive: true,
		Home: agents.Place{ID: 5, Pos: spatial.Vec2{X: 1, Y: 2}},
		Full: agents.NewFullState(1, agents.Vitals{Mood: 61, Health: 0.9, Employed: true}, agents.ActivityWork),
	}
	agents.AddThought(full.Full, agents.Thought{Kind: agents.ThoughtGoodMeal, Value: 4, Duration: 100}, 20)
	agents.AddThought(full.Full, agents.Thought{Kind: agents.ThoughtCrowded, Value: -5, Duration: 40}, 20)

	simple := &agents.Agent{
		ID: 2, Pos: spatial.Vec2{X: 30, Y: 40}, Tier: agents.TierSimplified, Alive: true, Income: agents.IncomeHigh,
		Simple: &agents.SimpleState{Vitals: agents.Vitals{Mood: 48}, Activity: agents.ActivityLeisure,
			Waypoints: []spatial.Vec2{{X: 30, Y: 40}, {X: 90, Y: 40}}},
	}
	stat := &agents.Agent{ID: 3, Pos: spatial.Vec2{X: 700, Y: 700}, Tier: agents.TierStatistical, Alive: true, GroupMood: 47.5}

	virtual := &population.VirtualRecord{Total: 50000}
	virtual.Dist[1][1] = 30000
	virtual.Dist[0][0] = 20000

	return &Snapshot{
		Header:          Header{Version: CurrentVersion, CityID: "c0ffee", Name: "Testville", Tick: 1234, SavedAt: time.Unix(1700000000, 0).UTC()},
		Seed:            9,
		TotalPopulation: 50003,
		NextAgent:       4,
		Agents:          []*agents.Agent{full, simple, stat},
		Groups: []population.Group{{
			Key:   population.Key{Bucket: spatial.Cell{X: 1, Y: 1}},
			Count: 1, Happiness: 52, Health: 0.8, EmploymentRate: 1, Drift: 4.5,
		}},
		Homes:   []agents.Place{{ID: 5, Pos: spatial.Vec2{X: 1, Y: 2}}},
		Works:   []agents.Place{{ID: 6, Pos: spatial.Vec2{X: 3, Y: 4}}},
		Virtual: virtual,
	}
}

func checkSnapshot(t *testing.T, got, want *Snapshot) {
	t.Helper()
	if got.Header.CityID != want.Header.CityID || got.Header.Tick != want.Header.Tick {
		t.Errorf("header = %+v, want %+v", got.Header, want.Header)
	}
	if got.TotalPopulation != want.TotalPopulation || got.NextAgent != want.NextAgent {
		t.Errorf("total=%d next=%d", got.TotalPopulation, got.NextAgent)
	}
	if len(got.Agents) != len(want.Agents) {
		t.Fatalf("agents = %d, want %d", len(got.Agents), len(want.Agents))
	}
	full := got.Agents[0]
	if full.Full == nil || len(full.Full.Thoughts) != 2 || full.Full.Thoughts[1].Kind != agents.ThoughtCrowded {
		t.Errorf("full agent state lost: %+v", full.Full)
	}
	if full.Full.Carry != want.Agents[0].Full.Carry {
		t.Errorf("carry = %v, want %v", full.Full.Carry, want.Agents[0].Full.Carry)
	}
	if s := got.Agents[1].Simple; s == nil || len(s.Waypoints) != 2 || s.Mood != 48 {
		t.Errorf("simple agent state lost: %+v", s)
	}
	if got.Agents[2].Full != nil || got.Agents[2].Simple != nil {
		t.Error("statistical agent gained live state")
	}
	if got.Agents[2].GroupMood != want.Agents[2].GroupMood {
		t.Errorf("group mood = %v, want %v", got.Agents[2].GroupMood, want.Agents[2].GroupMood)
	}
	if len(got.Groups) != 1 || got.Groups[0] != want.Groups[0] {
		t.Errorf("groups = %+v", got.Groups)
	}
	if got.Virtual == nil || *got.Virtual != *want.Virtual {
		t.Errorf("virtual = %+v, want %+v", got.Virtual, want.Virtual)
	}
}

func TestSnapshotFileRoundTrip(t *testing.T) {
	want := sampleSnapshot()
	path := SnapshotPath(t.TempDir(), want.Header.Tick)
	if err := WriteSnapshot(path, want); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	checkSnapshot(t, got, want)
}

func TestSnapshotFileLegacy(t *testing.T) {
	snap := sampleSnapshot()
	snap.Header.Version = 1
	snap.Virtual = nil
	path := filepath.Join(t.TempDir(), "old.snap.zst")
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatal(err)
	}
	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("legacy snapshot failed to load: %v", err)
	}
	if !got.Legacy() {
		t.Error("snapshot without virtual record not reported as legacy")
	}
}

func TestSnapshotFileNewerVersionRejected(t *testing.T) {
	snap := sampleSnapshot()
	snap.Header.Version = CurrentVersion + 1
	path := filepath.Join(t.TempDir(), "future.snap.zst")
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSnapshot(path); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("err = %v, want ErrVersionMismatch", err)
	}
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	if p, err := Latest(dir); err != nil || p != "" {
		t.Fatalf("empty dir = %q, %v", p, err)
	}
	for _, tick := range []uint64{90, 1200, 300} {
		snap := sampleSnapshot()
		snap.Header.Tick = tick
		if err := WriteSnapshot(SnapshotPath(dir, tick), snap); err != nil {
			t.Fatal(err)
		}
	}
	p, err := Latest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if p != SnapshotPath(dir, 1200) {
		t.Errorf("Latest = %q", p)
	}
}

func TestDBRoundTrip(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "city.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := db.LoadSnapshot(); !errors.Is(err, ErrNoCity) {
		t.Fatalf("empty db err = %v, want ErrNoCity", err)
	}

	want := sampleSnapshot()
	if err := db.SaveSnapshot(want); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	got, err := db.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	checkSnapshot(t, got, want)
	if len(got.Homes) != 1 || len(got.Works) != 1 {
		t.Errorf("places = %v / %v", got.Homes, got.Works)
	}

	// Saving again replaces rather than appends.
	if err := db.SaveSnapshot(want); err != nil {
		t.Fatal(err)
	}
	again, err := db.LoadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Agents) != 3 {
		t.Errorf("agents after resave = %d", len(again.Agents))
	}
}

func TestDBLegacyWithoutVirtual(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "old.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	snap := sampleSnapshot()
	snap.Virtual = nil
	if err := db.SaveSnapshot(snap); err != nil {
		t.Fatal(err)
	}
	got, err := db.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if !got.Legacy() {
		t.Error("expected legacy snapshot")
	}
}

func TestStoreSerializesSaves(t *testing.T) {
	store := &Store{Dir: filepath.Join(t.TempDir(), "snaps")}
	snap := sampleSnapshot()

	// Autosave and an API snapshot can land on the same tick.
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := store.Save(snap)
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Errorf("save %d: %v", i, err)
		}
	}
	got, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	checkSnapshot(t, got, snap)
}

func TestDBAddsColumnsToOlderSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v1.db")
	old, err := sqlx.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := old.Exec(`
	CREATE TABLE agents (
		id INTEGER PRIMARY KEY, tier INTEGER NOT NULL, pos_x REAL NOT NULL, pos_y REAL NOT NULL,
		home_id INTEGER NOT NULL, home_x REAL NOT NULL, home_y REAL NOT NULL,
		work_id INTEGER NOT NULL, work_x REAL NOT NULL, work_y REAL NOT NULL,
		income INTEGER NOT NULL, education INTEGER NOT NULL, born_tick INTEGER NOT NULL,
		state_json TEXT
	);
	CREATE TABLE pop_groups (
		bucket_x INTEGER NOT NULL, bucket_y INTEGER NOT NULL, income INTEGER NOT NULL, education INTEGER NOT NULL,
		count INTEGER NOT NULL, happiness REAL NOT NULL, health REAL NOT NULL, avg_income REAL NOT NULL,
		employment_rate REAL NOT NULL, happiness_m2 REAL NOT NULL, crime_exposure REAL NOT NULL,
		service_coverage REAL NOT NULL, emigration_pressure REAL NOT NULL,
		PRIMARY KEY (bucket_x, bucket_y, income, education)
	);`); err != nil {
		t.Fatal(err)
	}
	old.Close()

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	want := sampleSnapshot()
	if err := db.SaveSnapshot(want); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	got, err := db.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	checkSnapshot(t, got, want)
}
