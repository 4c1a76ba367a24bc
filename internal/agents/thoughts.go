// Thought list: bounded, individually decaying memories of recent events that
// drive a full-tier agent's mood.
package agents

// DefaultMaxThoughts bounds the thought list when no configuration is given.
const DefaultMaxThoughts = 20

// ThoughtKind identifies what a thought is about. At most one thought of each
// kind is held at a time.
type ThoughtKind uint8

const (
	ThoughtCrowded ThoughtKind = iota
	ThoughtLonely
	ThoughtHungry
	ThoughtExhausted
	ThoughtBored
	ThoughtGoodMeal
	ThoughtWellRested
	ThoughtNiceEvening
	ThoughtProductiveDay
	ThoughtLongCommute
	ThoughtPaid
	ThoughtUnemployed
	ThoughtEvent // Externally injected gameplay event
)

// Thought is one memory entry with its own decay timer.
type Thought struct {
	Kind      ThoughtKind `json:"kind"`
	Value     float32     `json:"value"`     // Mood contribution at full strength
	Remaining uint32      `json:"remaining"` // Ticks until it is forgotten
	Duration  uint32      `json:"duration"`  // Initial lifetime in ticks
}

// Weight returns the recency weight of a thought: 1 when fresh, 0 when expired.
func (t Thought) Weight() float32 {
	if t.Duration == 0 {
		return 0
	}
	return float32(t.Remaining) / float32(t.Duration)
}

// AddThought records a thought. A thought of the same kind is refreshed in
// place. When the list is full, the weakest entry is replaced if the new
// thought is stronger.
func AddThought(fs *FullState, t Thought, max int) {
	if max <= 0 {
		max = DefaultMaxThoughts
	}
	if t.Remaining == 0 {
		t.Remaining = t.Duration
	}

	for i := range fs.Thoughts {
		if fs.Thoughts[i].Kind == t.Kind {
			fs.Thoughts[i] = t
			return
		}
	}

	if len(fs.Thoughts) < max {
		fs.Thoughts = append(fs.Thoughts, t)
		return
	}

	weakest := 0
	for i := 1; i < len(fs.Thoughts); i++ {
		if impact(fs.Thoughts[i]) < impact(fs.Thoughts[weakest]) {
			weakest = i
		}
	}
	if impact(t) > impact(fs.Thoughts[weakest]) {
		fs.Thoughts[weakest] = t
	}
}

func impact(t Thought) float32 {
	v := t.Value * t.Weight()
	if v < 0 {
		return -v
	}
	return v
}

// DecayThoughts advances every timer by one tick and forgets expired thoughts,
// keeping the remaining entries in order.
func DecayThoughts(fs *FullState) {
	kept := fs.Thoughts[:0]
	for _, t := range fs.Thoughts {
		if t.Remaining <= 1 {
			continue
		}
		t.Remaining--
		kept = append(kept, t)
	}
	for i := len(kept); i < len(fs.Thoughts); i++ {
		fs.Thoughts[i] = Thought{}
	}
	fs.Thoughts = kept
}

// ThoughtSum returns the recency-weighted sum of active thought values.
func ThoughtSum(thoughts []Thought) float32 {
	var sum float32
	for _, t := range thoughts {
		sum += t.Value * t.Weight()
	}
	return sum
}

// HasThought reports whether a thought of the given kind is active.
func HasThought(fs *FullState, kind ThoughtKind) bool {
	for _, t := range fs.Thoughts {
		if t.Kind == kind {
			return true
		}
	}
	return false
}
