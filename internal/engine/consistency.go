package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/talgya/metropolis/internal/agents"
)

var (
	// ErrConsistency reports that the population invariant does not hold.
	ErrConsistency = errors.New("population invariant violated")
	// ErrStaleReference reports a queued operation for a destroyed or moved agent.
	ErrStaleReference = errors.New("stale agent reference")
	// ErrUnknownAgent reports an agent ID that is not in the roster.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrNotFullTier reports an operation that needs a full-tier agent.
	ErrNotFullTier = errors.New("agent is not simulated at full fidelity")
)

// checkInvariant verifies that every reported inhabitant is accounted for
// exactly once:
//
//	total == |Full| + |Simplified| + Σ group counts + virtual
func (s *Simulation) checkInvariant() error {
	grouped := s.agg.Total()
	counted := int64(s.full.len()+s.simple.len()+grouped) + s.ledger.Total()
	if counted != s.total {
		return fmt.Errorf("%w: reported %d, counted %d (full %d, simplified %d, grouped %d, virtual %d)",
			ErrConsistency, s.total, counted, s.full.len(), s.simple.len(), grouped, s.ledger.Total())
	}
	if statistical := s.roster.len() - s.full.len() - s.simple.len(); statistical != grouped {
		return fmt.Errorf("%w: %d statistical agents, groups hold %d", ErrConsistency, statistical, grouped)
	}
	if !s.agg.Consistent() {
		return fmt.Errorf("%w: group counts disagree with membership", ErrConsistency)
	}
	return nil
}

// Audit walks every agent and checks that each sits in exactly one tier
// with matching live state. It is O(n) and meant for tests and loads.
func (s *Simulation) Audit() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audit()
}

func (s *Simulation) audit() error {
	if err := s.checkInvariant(); err != nil {
		return err
	}
	var errs []error
	if n := s.agg.Len(); n > s.cfg.Derived.MaxGroups {
		errs = append(errs, fmt.Errorf("%d groups exceed the key space of %d", n, s.cfg.Derived.MaxGroups))
	}
	for _, a := range s.roster.list {
		inFull := s.full.get(a.ID) != nil
		inSimple := s.simple.get(a.ID) != nil
		_, inGroup := s.agg.MemberKey(a.ID)

		places := 0
		for _, in := range []bool{inFull, inSimple, inGroup} {
			if in {
				places++
			}
		}
		if places != 1 {
			errs = append(errs, fmt.Errorf("agent %d counted in %d places", a.ID, places))
			continue
		}
		ok := false
		switch a.Tier {
		case agents.TierFull:
			ok = inFull && a.Full != nil && a.Simple == nil
		case agents.TierSimplified:
			ok = inSimple && a.Simple != nil && a.Full == nil
		case agents.TierStatistical:
			ok = inGroup && a.Full == nil && a.Simple == nil
		}
		if !ok {
			errs = append(errs, fmt.Errorf("agent %d tier %s does not match its state", a.ID, a.Tier))
		}
		if len(errs) >= 10 {
			break
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConsistency, errors.Join(errs...))
	}
	return nil
}

// resync rebuilds derived state from the authoritative agent set: the
// spatial hash, every group, and the reported total.
func (s *Simulation) resync(tick uint64) {
	s.rebuildHash()
	s.reaggregate(tick)
	counted := int64(s.full.len()+s.simple.len()+s.agg.Total()) + s.ledger.Total()
	if counted != s.total {
		slog.Info("reported population resynced", "from", s.total, "to", counted)
		s.total = counted
	}
	s.ledger.Recalibrate(s.roster.len())
}
