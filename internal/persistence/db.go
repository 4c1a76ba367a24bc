// Package persistence provides SQLite and snapshot-file storage for city state.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/metropolis/internal/agents"
	"github.com/talgya/metropolis/internal/population"
	"github.com/talgya/metropolis/internal/spatial"
)

// DB wraps a SQLite connection for city state persistence.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id INTEGER PRIMARY KEY,
		tier INTEGER NOT NULL,
		pos_x REAL NOT NULL,
		pos_y REAL NOT NULL,
		home_id INTEGER NOT NULL,
		home_x REAL NOT NULL,
		home_y REAL NOT NULL,
		work_id INTEGER NOT NULL,
		work_x REAL NOT NULL,
		work_y REAL NOT NULL,
		income INTEGER NOT NULL,
		education INTEGER NOT NULL,
		born_tick INTEGER NOT NULL,
		group_mood REAL NOT NULL DEFAULT 0,
		state_json TEXT
	);

	CREATE TABLE IF NOT EXISTS thoughts (
		agent_id INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		kind INTEGER NOT NULL,
		value REAL NOT NULL,
		remaining INTEGER NOT NULL,
		duration INTEGER NOT NULL,
		PRIMARY KEY (agent_id, seq)
	);

	CREATE TABLE IF NOT EXISTS pop_groups (
		bucket_x INTEGER NOT NULL,
		bucket_y INTEGER NOT NULL,
		income INTEGER NOT NULL,
		education INTEGER NOT NULL,
		count INTEGER NOT NULL,
		happiness REAL NOT NULL,
		health REAL NOT NULL,
		avg_income REAL NOT NULL,
		employment_rate REAL NOT NULL,
		happiness_m2 REAL NOT NULL,
		crime_exposure REAL NOT NULL,
		service_coverage REAL NOT NULL,
		emigration_pressure REAL NOT NULL,
		drift REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (bucket_x, bucket_y, income, education)
	);

	CREATE TABLE IF NOT EXISTS virtual_population (
		income INTEGER NOT NULL,
		education INTEGER NOT NULL,
		count INTEGER NOT NULL,
		PRIMARY KEY (income, education)
	);

	CREATE TABLE IF NOT EXISTS places (
		id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		x REAL NOT NULL,
		y REAL NOT NULL,
		PRIMARY KEY (kind, id)
	);

	CREATE TABLE IF NOT EXISTS city_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agents_tier ON agents(tier);
	`
	if _, err := db.conn.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first release.
	for _, col := range []struct{ table, name string }{
		{"agents", "group_mood"},
		{"pop_groups", "drift"},
	} {
		var n int
		if err := db.conn.Get(&n, "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", col.table, col.name); err != nil {
			return fmt.Errorf("inspect %s: %w", col.table, err)
		}
		if n == 0 {
			if _, err := db.conn.Exec("ALTER TABLE " + col.table + " ADD COLUMN " + col.name + " REAL NOT NULL DEFAULT 0"); err != nil {
				return fmt.Errorf("add %s.%s: %w", col.table, col.name, err)
			}
		}
	}
	return nil
}

type agentRow struct {
	ID        uint64         `db:"id"`
	Tier      uint8          `db:"tier"`
	PosX      float64        `db:"pos_x"`
	PosY      float64        `db:"pos_y"`
	HomeID    uint64         `db:"home_id"`
	HomeX     float64        `db:"home_x"`
	HomeY     float64        `db:"home_y"`
	WorkID    uint64         `db:"work_id"`
	WorkX     float64        `db:"work_x"`
	WorkY     float64        `db:"work_y"`
	Income    uint8          `db:"income"`
	Education uint8          `db:"education"`
	BornTick  uint64         `db:"born_tick"`
	GroupMood float32        `db:"group_mood"`
	StateJSON sql.NullString `db:"state_json"`
}

type thoughtRow struct {
	AgentID   uint64  `db:"agent_id"`
	Seq       int     `db:"seq"`
	Kind      uint8   `db:"kind"`
	Value     float32 `db:"value"`
	Remaining uint32  `db:"remaining"`
	Duration  uint32  `db:"duration"`
}

type groupRow struct {
	BucketX            int     `db:"bucket_x"`
	BucketY            int     `db:"bucket_y"`
	Income             uint8   `db:"income"`
	Education          uint8   `db:"education"`
	Count              int     `db:"count"`
	Happiness          float64 `db:"happiness"`
	Health             float64 `db:"health"`
	AvgIncome          float64 `db:"avg_income"`
	EmploymentRate     float64 `db:"employment_rate"`
	HappinessM2        float64 `db:"happiness_m2"`
	CrimeExposure      float64 `db:"crime_exposure"`
	ServiceCoverage    float64 `db:"service_coverage"`
	EmigrationPressure float64 `db:"emigration_pressure"`
	Drift              float64 `db:"drift"`
}

type virtualRow struct {
	Income    uint8 `db:"income"`
	Education uint8 `db:"education"`
	Count     int64 `db:"count"`
}

type placeRow struct {
	ID   uint64  `db:"id"`
	Kind string  `db:"kind"`
	X    float64 `db:"x"`
	Y    float64 `db:"y"`
}

// liveState is what state_json holds. Thoughts live in their own table.
type liveState struct {
	Full   *agents.FullState   `json:"full,omitempty"`
	Simple *agents.SimpleState `json:"simple,omitempty"`
}

// Meta keys.
const (
	metaVersion    = "version"
	metaCityID     = "city_id"
	metaName       = "name"
	metaSeed       = "seed"
	metaTick       = "tick"
	metaTotal      = "total_population"
	metaNextAgent  = "next_agent"
	metaHasVirtual = "has_virtual"
	metaSavedAt    = "saved_at"
)

// SaveSnapshot replaces the stored city with snap in one transaction.
func (db *DB) SaveSnapshot(snap *Snapshot) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"agents", "thoughts", "pop_groups", "virtual_population", "places"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	if err := saveAgents(tx, snap.Agents); err != nil {
		return err
	}
	if err := saveGroups(tx, snap.Groups); err != nil {
		return err
	}
	if err := savePlaces(tx, snap.Homes, snap.Works); err != nil {
		return err
	}
	if snap.Virtual != nil {
		for i := range snap.Virtual.Dist {
			for j, n := range snap.Virtual.Dist[i] {
				if _, err := tx.NamedExec(`INSERT INTO virtual_population (income, education, count)
					VALUES (:income, :education, :count)`,
					virtualRow{Income: uint8(i), Education: uint8(j), Count: n}); err != nil {
					return fmt.Errorf("insert virtual population: %w", err)
				}
			}
		}
	}

	meta := map[string]string{
		metaVersion:    strconv.Itoa(CurrentVersion),
		metaCityID:     snap.Header.CityID,
		metaName:       snap.Header.Name,
		metaSeed:       strconv.FormatInt(snap.Seed, 10),
		metaTick:       strconv.FormatUint(snap.Header.Tick, 10),
		metaTotal:      strconv.FormatInt(snap.TotalPopulation, 10),
		metaNextAgent:  strconv.FormatUint(uint64(snap.NextAgent), 10),
		metaHasVirtual: strconv.FormatBool(snap.Virtual != nil),
		metaSavedAt:    snap.Header.SavedAt.UTC().Format(time.RFC3339),
	}
	for k, v := range meta {
		if _, err := tx.Exec("INSERT OR REPLACE INTO city_meta (key, value) VALUES (?, ?)", k, v); err != nil {
			return fmt.Errorf("save meta %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("city state saved", "tick", snap.Header.Tick, "agents", len(snap.Agents), "groups", len(snap.Groups))
	return nil
}

func saveAgents(tx *sqlx.Tx, list []*agents.Agent) error {
	stmt, err := tx.PrepareNamed(`INSERT INTO agents
		(id, tier, pos_x, pos_y, home_id, home_x, home_y, work_id, work_x, work_y,
		 income, education, born_tick, group_mood, state_json)
		VALUES (:id, :tier, :pos_x, :pos_y, :home_id, :home_x, :home_y, :work_id, :work_x, :work_y,
		 :income, :education, :born_tick, :group_mood, :state_json)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	thought, err := tx.PrepareNamed(`INSERT INTO thoughts
		(agent_id, seq, kind, value, remaining, duration)
		VALUES (:agent_id, :seq, :kind, :value, :remaining, :duration)`)
	if err != nil {
		return err
	}
	defer thought.Close()

	for _, a := range list {
		if !a.Alive {
			continue
		}
		row := agentRow{
			ID: uint64(a.ID), Tier: uint8(a.Tier),
			PosX: a.Pos.X, PosY: a.Pos.Y,
			HomeID: a.Home.ID, HomeX: a.Home.Pos.X, HomeY: a.Home.Pos.Y,
			WorkID: a.Work.ID, WorkX: a.Work.Pos.X, WorkY: a.Work.Pos.Y,
			Income: uint8(a.Income), Education: uint8(a.Education),
			BornTick: a.BornTick, GroupMood: a.GroupMood,
		}

		var thoughts []agents.Thought
		if a.Full != nil || a.Simple != nil {
			st := liveState{Simple: a.Simple}
			if a.Full != nil {
				fs := *a.Full
				thoughts = fs.Thoughts
				fs.Thoughts = nil
				st.Full = &fs
			}
			data, err := json.Marshal(st)
			if err != nil {
				return fmt.Errorf("encode agent %d state: %w", a.ID, err)
			}
			row.StateJSON = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := stmt.Exec(row); err != nil {
			return fmt.Errorf("insert agent %d: %w", a.ID, err)
		}
		for i, t := range thoughts {
			if _, err := thought.Exec(thoughtRow{
				AgentID: uint64(a.ID), Seq: i, Kind: uint8(t.Kind),
				Value: t.Value, Remaining: t.Remaining, Duration: t.Duration,
			}); err != nil {
				return fmt.Errorf("insert thought for agent %d: %w", a.ID, err)
			}
		}
	}
	return nil
}

func saveGroups(tx *sqlx.Tx, groups []population.Group) error {
	stmt, err := tx.PrepareNamed(`INSERT INTO pop_groups
		(bucket_x, bucket_y, income, education, count, happiness, health, avg_income,
		 employment_rate, happiness_m2, crime_exposure, service_coverage, emigration_pressure, drift)
		VALUES (:bucket_x, :bucket_y, :income, :education, :count, :happiness, :health, :avg_income,
		 :employment_rate, :happiness_m2, :crime_exposure, :service_coverage, :emigration_pressure, :drift)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, g := range groups {
		if _, err := stmt.Exec(groupRow{
			BucketX: g.Key.Bucket.X, BucketY: g.Key.Bucket.Y,
			Income: uint8(g.Key.Income), Education: uint8(g.Key.Education),
			Count: g.Count, Happiness: g.Happiness, Health: g.Health, AvgIncome: g.Income,
			EmploymentRate: g.EmploymentRate, HappinessM2: g.HappinessM2,
			CrimeExposure: g.CrimeExposure, ServiceCoverage: g.ServiceCoverage,
			EmigrationPressure: g.EmigrationPressure, Drift: g.Drift,
		}); err != nil {
			return fmt.Errorf("insert group %+v: %w", g.Key, err)
		}
	}
	return nil
}

func savePlaces(tx *sqlx.Tx, homes, works []agents.Place) error {
	for kind, list := range map[string][]agents.Place{"home": homes, "work": works} {
		for _, p := range list {
			if _, err := tx.NamedExec(`INSERT INTO places (id, kind, x, y) VALUES (:id, :kind, :x, :y)`,
				placeRow{ID: p.ID, Kind: kind, X: p.Pos.X, Y: p.Pos.Y}); err != nil {
				return fmt.Errorf("insert %s %d: %w", kind, p.ID, err)
			}
		}
	}
	return nil
}

// ErrNoCity is returned by LoadSnapshot when the database holds no saved city.
var ErrNoCity = errors.New("no saved city")

// LoadSnapshot reads the stored city. A database written before the
// virtual population table existed yields a snapshot with a nil Virtual.
func (db *DB) LoadSnapshot() (*Snapshot, error) {
	meta, err := db.meta()
	if err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		return nil, ErrNoCity
	}

	snap := &Snapshot{}
	snap.Header.Version, _ = strconv.Atoi(meta[metaVersion])
	if snap.Header.Version == 0 {
		snap.Header.Version = 1
	}
	if snap.Header.Version > CurrentVersion {
		return nil, fmt.Errorf("%w: database is version %d", ErrVersionMismatch, snap.Header.Version)
	}
	snap.Header.CityID = meta[metaCityID]
	snap.Header.Name = meta[metaName]
	snap.Header.Tick, _ = strconv.ParseUint(meta[metaTick], 10, 64)
	snap.Header.SavedAt, _ = time.Parse(time.RFC3339, meta[metaSavedAt])
	snap.Seed, _ = strconv.ParseInt(meta[metaSeed], 10, 64)
	snap.TotalPopulation, _ = strconv.ParseInt(meta[metaTotal], 10, 64)
	next, _ := strconv.ParseUint(meta[metaNextAgent], 10, 64)
	snap.NextAgent = agents.AgentID(next)

	if snap.Agents, err = db.loadAgents(); err != nil {
		return nil, err
	}
	if snap.Groups, err = db.loadGroups(); err != nil {
		return nil, err
	}
	if snap.Homes, snap.Works, err = db.loadPlaces(); err != nil {
		return nil, err
	}

	if has, _ := strconv.ParseBool(meta[metaHasVirtual]); has {
		var rows []virtualRow
		if err := db.conn.Select(&rows, "SELECT income, education, count FROM virtual_population"); err != nil {
			return nil, fmt.Errorf("load virtual population: %w", err)
		}
		rec := &population.VirtualRecord{}
		for _, r := range rows {
			if int(r.Income) >= agents.NumIncomeClasses || int(r.Education) >= agents.NumEducationLevels {
				continue
			}
			rec.Dist[r.Income][r.Education] = r.Count
			rec.Total += r.Count
		}
		snap.Virtual = rec
	}
	return snap, nil
}

func (db *DB) meta() (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := db.conn.Select(&rows, "SELECT key, value FROM city_meta"); err != nil {
		return nil, fmt.Errorf("load meta: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

func (db *DB) loadAgents() ([]*agents.Agent, error) {
	var rows []agentRow
	if err := db.conn.Select(&rows, "SELECT * FROM agents ORDER BY id"); err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	var trows []thoughtRow
	if err := db.conn.Select(&trows, "SELECT * FROM thoughts ORDER BY agent_id, seq"); err != nil {
		return nil, fmt.Errorf("load thoughts: %w", err)
	}
	thoughts := make(map[uint64][]agents.Thought)
	for _, t := range trows {
		thoughts[t.AgentID] = append(thoughts[t.AgentID], agents.Thought{
			Kind: agents.ThoughtKind(t.Kind), Value: t.Value, Remaining: t.Remaining, Duration: t.Duration,
		})
	}

	out := make([]*agents.Agent, 0, len(rows))
	for _, r := range rows {
		a := &agents.Agent{
			ID:        agents.AgentID(r.ID),
			Pos:       spatial.Vec2{X: r.PosX, Y: r.PosY},
			Home:      agents.Place{ID: r.HomeID, Pos: spatial.Vec2{X: r.HomeX, Y: r.HomeY}},
			Work:      agents.Place{ID: r.WorkID, Pos: spatial.Vec2{X: r.WorkX, Y: r.WorkY}},
			Income:    agents.IncomeClass(r.Income),
			Education: agents.EducationLevel(r.Education),
			Tier:      agents.Tier(r.Tier),
			BornTick:  r.BornTick,
			GroupMood: r.GroupMood,
			Alive:     true,
		}
		if r.StateJSON.Valid {
			var st liveState
			if err := json.Unmarshal([]byte(r.StateJSON.String), &st); err != nil {
				return nil, fmt.Errorf("decode agent %d state: %w", r.ID, err)
			}
			a.Full, a.Simple = st.Full, st.Simple
			if a.Full != nil {
				a.Full.Thoughts = thoughts[r.ID]
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func (db *DB) loadGroups() ([]population.Group, error) {
	var rows []groupRow
	if err := db.conn.Select(&rows, "SELECT * FROM pop_groups ORDER BY bucket_y, bucket_x, income, education"); err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	out := make([]population.Group, 0, len(rows))
	for _, r := range rows {
		out = append(out, population.Group{
			Key: population.Key{
				Bucket:    spatial.Cell{X: r.BucketX, Y: r.BucketY},
				Income:    agents.IncomeClass(r.Income),
				Education: agents.EducationLevel(r.Education),
			},
			Count:              r.Count,
			Happiness:          r.Happiness,
			Health:             r.Health,
			Income:             r.AvgIncome,
			EmploymentRate:     r.EmploymentRate,
			HappinessM2:        r.HappinessM2,
			CrimeExposure:      r.CrimeExposure,
			ServiceCoverage:    r.ServiceCoverage,
			EmigrationPressure: r.EmigrationPressure,
			Drift:              r.Drift,
		})
	}
	return out, nil
}

func (db *DB) loadPlaces() (homes, works []agents.Place, err error) {
	var rows []placeRow
	if err := db.conn.Select(&rows, "SELECT id, kind, x, y FROM places ORDER BY kind, id"); err != nil {
		return nil, nil, fmt.Errorf("load places: %w", err)
	}
	for _, r := range rows {
		p := agents.Place{ID: r.ID, Pos: spatial.Vec2{X: r.X, Y: r.Y}}
		switch r.Kind {
		case "home":
			homes = append(homes, p)
		case "work":
			works = append(works, p)
		}
	}
	return homes, works, nil
}
