// NeedsState implements the needs hierarchy of full-tier agents.
package agents

// NeedsState tracks the fulfillment level of each need.
// All values range from 0.0 (completely unmet) to 1.0 (fully satisfied).
// Lower needs dominate behavior when unmet.
type NeedsState struct {
	Rest    float32 `json:"rest"`    // Sleep, recovery
	Food    float32 `json:"food"`    // Groceries, meals
	Social  float32 `json:"social"`  // Friends, neighbors
	Fun     float32 `json:"fun"`     // Leisure, entertainment
	Comfort float32 `json:"comfort"` // Housing quality, commute stress
}

// NeedType enumerates the need layers.
type NeedType uint8

const (
	NeedRest NeedType = iota
	NeedFood
	NeedSocial
	NeedFun
	NeedComfort
	NeedNone
)

// urgentNeed is the level below which a need drives behavior.
const urgentNeed = 0.3

// Priority returns the most urgent unmet need, or NeedNone.
// Needs are evaluated bottom-up: an exhausted worker goes home, not shopping.
func (n *NeedsState) Priority() NeedType {
	if n.Rest < urgentNeed {
		return NeedRest
	}
	if n.Food < urgentNeed {
		return NeedFood
	}
	if n.Social < urgentNeed {
		return NeedSocial
	}
	if n.Fun < urgentNeed {
		return NeedFun
	}
	if n.Comfort < urgentNeed {
		return NeedComfort
	}
	return NeedNone
}

// OverallSatisfaction returns a weighted average of all needs,
// with lower needs weighted more heavily.
func (n *NeedsState) OverallSatisfaction() float32 {
	return (n.Rest*5 + n.Food*4 + n.Social*3 + n.Fun*2 + n.Comfort*1) / 15
}

// Decay lowers every need by rate, scaled per layer.
func (n *NeedsState) Decay(rate float32) {
	n.Rest = clamp32(n.Rest-rate*0.8, 0, 1)
	n.Food = clamp32(n.Food-rate, 0, 1)
	n.Social = clamp32(n.Social-rate*0.6, 0, 1)
	n.Fun = clamp32(n.Fun-rate*0.5, 0, 1)
	n.Comfort = clamp32(n.Comfort-rate*0.2, 0, 1)
}

// Satisfy raises the needs an activity fulfills.
func (n *NeedsState) Satisfy(act Activity, rate float32) {
	switch act {
	case ActivityHome:
		n.Rest = clamp32(n.Rest+rate*3, 0, 1)
		n.Comfort = clamp32(n.Comfort+rate, 0, 1)
	case ActivityShop:
		n.Food = clamp32(n.Food+rate*4, 0, 1)
	case ActivityLeisure:
		n.Fun = clamp32(n.Fun+rate*3, 0, 1)
		n.Social = clamp32(n.Social+rate*2, 0, 1)
	case ActivityWork:
		n.Social = clamp32(n.Social+rate*0.5, 0, 1)
	}
}

// DefaultNeeds returns a comfortable starting state.
func DefaultNeeds() NeedsState {
	return NeedsState{Rest: 0.8, Food: 0.8, Social: 0.7, Fun: 0.6, Comfort: 0.7}
}
