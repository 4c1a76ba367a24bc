package engine

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/talgya/metropolis/internal/agents"
	"github.com/talgya/metropolis/internal/persistence"
)

// Snapshot captures the simulation for saving. Agents are deep-copied so
// the result can be written while the simulation keeps running.
func (s *Simulation) Snapshot() *persistence.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*agents.Agent, 0, s.roster.len())
	for _, a := range s.roster.list {
		list = append(list, copyAgent(a))
	}
	slices.SortFunc(list, func(a, b *agents.Agent) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	rec := s.ledger.Record()
	return &persistence.Snapshot{
		Header: persistence.Header{
			Version: persistence.CurrentVersion,
			CityID:  s.meta.ID,
			Name:    s.meta.Name,
			Tick:    s.tick,
			SavedAt: time.Now().UTC(),
		},
		Seed:            s.meta.Seed,
		TotalPopulation: s.total,
		NextAgent:       s.spawner.NextID(),
		Agents:          list,
		Groups:          s.agg.Groups(),
		Homes:           s.places.Homes,
		Works:           s.places.Works,
		Pins:            s.classifier.Pins(),
		Virtual:         &rec,
	}
}

func copyAgent(a *agents.Agent) *agents.Agent {
	c := *a
	if a.Full != nil {
		fs := *a.Full
		fs.Thoughts = slices.Clone(a.Full.Thoughts)
		fs.Route.Path = slices.Clone(a.Full.Route.Path)
		c.Full = &fs
	}
	if a.Simple != nil {
		ss := *a.Simple
		ss.Waypoints = slices.Clone(a.Simple.Waypoints)
		c.Simple = &ss
	}
	return &c
}

// Restore rebuilds a simulation from a snapshot. A snapshot without a
// virtual record restores an empty ledger and schedules a re-aggregation
// that runs before the first tick completes.
func Restore(opts Options, snap *persistence.Snapshot) (*Simulation, error) {
	if snap == nil {
		return nil, fmt.Errorf("restore: nil snapshot")
	}
	if opts.Meta.ID == "" {
		opts.Meta = CityMeta{ID: snap.Header.CityID, Name: snap.Header.Name, Seed: snap.Seed}
	}
	if len(opts.Places.Homes) == 0 {
		opts.Places = Places{Homes: snap.Homes, Works: snap.Works}
	}
	s := New(opts)
	s.tick = snap.Header.Tick
	s.lastReaggregate = snap.Header.Tick

	var statistical []*agents.Agent
	var maxID agents.AgentID
	for _, a := range snap.Agents {
		if a == nil || !a.Alive {
			continue
		}
		maxID = max(maxID, a.ID)
		s.restoreAgent(a)
		s.roster.add(a)
		if a.Tier == agents.TierStatistical {
			statistical = append(statistical, a)
		}
	}
	s.spawner.SetNextID(max(snap.NextAgent, maxID+1))
	s.agg.Restore(snap.Groups, statistical)

	if snap.Legacy() {
		err := fmt.Errorf("%w: snapshot version %d has no virtual population record", persistence.ErrVersionMismatch, snap.Header.Version)
		slog.Warn("loading legacy snapshot, virtual population starts empty", "err", err)
		s.forceReaggregate = true
	} else {
		s.ledger.Restore(*snap.Virtual, s.roster.len())
	}

	s.total = snap.TotalPopulation
	if err := s.checkInvariant(); err != nil {
		slog.Warn("restored city inconsistent, resyncing", "err", err)
		s.forceReaggregate = true
		s.resync(s.tick)
	}
	for _, id := range snap.Pins {
		s.classifier.Pin(id)
	}
	s.classifier.Force()
	s.updateStats()

	slog.Info("city restored",
		"tick", s.tick,
		"agents", s.roster.len(),
		"groups", s.agg.Len(),
		"virtual", s.ledger.Total(),
		"reported", s.total,
	)
	return s, nil
}

// restoreAgent files an agent under its tier and repairs live state that
// does not match it. Outstanding route requests died with the old process.
func (s *Simulation) restoreAgent(a *agents.Agent) {
	switch {
	case a.Tier == agents.TierFull && a.Full != nil:
		a.Simple = nil
		if a.Full.Route.Pending {
			a.Full.Route.Handle = 0
		}
		s.full.add(a)
	case a.Tier == agents.TierSimplified && a.Simple != nil:
		a.Full = nil
		s.simple.add(a)
	default:
		if a.Tier != agents.TierStatistical {
			slog.Warn("agent tier without live state, demoting", "agent", a.ID, "tier", a.Tier)
		}
		a.Tier = agents.TierStatistical
		a.Full, a.Simple = nil, nil
	}
}
