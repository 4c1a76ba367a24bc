// Package agents provides the inhabitant data model: identity, demographics,
// fidelity tier, and the per-tier live state carried while an inhabitant is
// simulated individually.
package agents

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/talgya/metropolis/internal/spatial"
)

// AgentID is a unique identifier for an agent. Stable for the agent's lifetime.
type AgentID uint64

// Tier determines how an agent is simulated.
type Tier uint8

const (
	TierStatistical Tier = 0 // Folded into a population group, no individual state
	TierSimplified  Tier = 1 // Waypoint movement, table-driven decisions, scalar mood
	TierFull        Tier = 2 // Needs, thoughts, routed movement
)

// NumTiers is the number of fidelity tiers.
const NumTiers = 3

func (t Tier) String() string {
	switch t {
	case TierStatistical:
		return "statistical"
	case TierSimplified:
		return "simplified"
	case TierFull:
		return "full"
	}
	return "unknown"
}

// IncomeClass is a coarse household income band.
type IncomeClass uint8

const (
	IncomeLow IncomeClass = iota
	IncomeMiddle
	IncomeHigh
)

// NumIncomeClasses is the number of income bands.
const NumIncomeClasses = 3

// EducationLevel is the highest completed schooling.
type EducationLevel uint8

const (
	EducationBasic EducationLevel = iota
	EducationSecondary
	EducationTertiary
)

// NumEducationLevels is the number of education levels.
const NumEducationLevels = 3

// Place is an opaque reference to a building plus the point agents travel to.
type Place struct {
	ID  uint64       `json:"id"`
	Pos spatial.Vec2 `json:"pos"`
}

// Vitals are the attributes every individually simulated agent carries and
// every population group averages.
type Vitals struct {
	Mood     float32 `json:"mood"`     // 0–100
	Health   float32 `json:"health"`   // 0.0–1.0
	Income   float32 `json:"income"`   // Daily earnings
	Employed bool    `json:"employed"`
}

// Agent is one simulated inhabitant.
//
// Exactly one of Full and Simple is set while the agent is in the matching
// tier; both are nil in the statistical tier, where the agent's state exists
// only as its share of a population group.
type Agent struct {
	ID        AgentID        `json:"id"`
	Pos       spatial.Vec2   `json:"pos"`
	Home      Place          `json:"home"`
	Work      Place          `json:"work"`
	Income    IncomeClass    `json:"income"`
	Education EducationLevel `json:"education"`
	Tier      Tier           `json:"tier"`
	BornTick  uint64         `json:"born_tick"`
	Alive     bool           `json:"alive"`

	// GroupMood is the agent's mood while statistical, net of the drift its
	// group has accumulated since the agent was folded in.
	GroupMood float32 `json:"group_mood,omitempty"`

	Full   *FullState   `json:"full,omitempty"`
	Simple *SimpleState `json:"simple,omitempty"`
}

// Vitals returns the live vitals of an individually simulated agent, or nil
// for a statistical agent.
func (a *Agent) Vitals() *Vitals {
	switch {
	case a.Full != nil:
		return &a.Full.Vitals
	case a.Simple != nil:
		return &a.Simple.Vitals
	}
	return nil
}

// Mood returns the agent's current mood and whether it has individual state.
func (a *Agent) Mood() (float32, bool) {
	if a.Full != nil {
		return a.Full.Mood, true
	}
	if a.Simple != nil {
		return a.Simple.Mood, true
	}
	return 0, false
}

// Observed is the read surface shared by every tier.
type Observed interface {
	CurrentTier() Tier
	Position() spatial.Vec2
	Mood() (float32, bool)
}

var _ Observed = (*Agent)(nil)

// Position returns the agent's world position.
func (a *Agent) Position() spatial.Vec2 { return a.Pos }

// CurrentTier returns the agent's fidelity tier.
func (a *Agent) CurrentTier() Tier { return a.Tier }

// Baseline returns the personality mood baseline for an agent. It is derived
// from the ID so it survives tiers that keep no per-agent state.
func Baseline(id AgentID) float32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	h := fnv.New32a()
	h.Write(buf[:])
	// 45–65
	return 45 + float32(h.Sum32()%2001)/100
}

// Jitter returns a deterministic value in [-1, 1) for an agent and a salt.
func Jitter(id AgentID, salt uint64) float32 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(id))
	binary.LittleEndian.PutUint64(buf[8:], salt)
	h := fnv.New64a()
	h.Write(buf[:])
	return float32(h.Sum64()>>11)/float32(1<<53)*2 - 1
}

func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampMood restricts a mood value to its valid range.
func ClampMood(m float32) float32 { return clamp32(m, 0, 100) }

// ClampHealth restricts a health value to its valid range.
func ClampHealth(h float32) float32 { return clamp32(h, 0, 1) }
