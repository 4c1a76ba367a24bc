package agents

import "github.com/talgya/metropolis/internal/spatial"

// Activity is what an agent is currently doing.
type Activity uint8

const (
	ActivityHome Activity = iota
	ActivityWork
	ActivityShop
	ActivityLeisure
)

// NumActivities is the number of activities.
const NumActivities = 4

func (a Activity) String() string {
	switch a {
	case ActivityHome:
		return "home"
	case ActivityWork:
		return "work"
	case ActivityShop:
		return "shop"
	case ActivityLeisure:
		return "leisure"
	}
	return "unknown"
}

// Route tracks a full-tier agent's path request and the path it follows.
type Route struct {
	Handle  uint64         `json:"handle,omitempty"`
	Pending bool           `json:"pending,omitempty"`
	Dest    spatial.Vec2   `json:"dest"`
	Path    []spatial.Vec2 `json:"path,omitempty"`
	Next    int            `json:"next,omitempty"` // Index of the next path point
}

// Remaining returns the unvisited part of the path.
func (r *Route) Remaining() []spatial.Vec2 {
	if r.Next >= len(r.Path) {
		return nil
	}
	return r.Path[r.Next:]
}

// FullState is the live state of a full-tier agent.
type FullState struct {
	Vitals
	Needs    NeedsState `json:"needs"`
	Thoughts []Thought  `json:"thoughts,omitempty"`
	Carry    float32    `json:"carry"` // Mood carried in from a coarser tier, fades out
	Activity Activity   `json:"activity"`
	Route    Route      `json:"route"`
}

// SimpleState is the live state of a simplified-tier agent.
type SimpleState struct {
	Vitals
	Activity  Activity       `json:"activity"`
	Waypoints []spatial.Vec2 `json:"waypoints,omitempty"`
	Leg       int            `json:"leg"`      // Index of the current segment's start point
	Progress  float64        `json:"progress"` // 0–1 along the current segment
}

// NewFullState builds full-tier state around existing vitals. The thought
// list starts empty and the carried term absorbs the gap to the personality
// baseline, so mood is continuous.
func NewFullState(id AgentID, v Vitals, act Activity) *FullState {
	v.Mood = ClampMood(v.Mood)
	return &FullState{
		Vitals:   v,
		Needs:    DefaultNeeds(),
		Carry:    v.Mood - Baseline(id),
		Activity: act,
	}
}

// RecomputeMood derives mood from baseline, carried mood and active thoughts.
func (fs *FullState) RecomputeMood(id AgentID) {
	fs.Mood = ClampMood(Baseline(id) + fs.Carry + ThoughtSum(fs.Thoughts))
}

// Collapse folds full-tier state into simplified state. The thought list is
// discarded; its effect survives in the mood scalar. The unvisited route
// becomes the waypoint list.
func (fs *FullState) Collapse(pos spatial.Vec2) *SimpleState {
	ss := &SimpleState{
		Vitals:   fs.Vitals,
		Activity: fs.Activity,
	}
	if rest := fs.Route.Remaining(); len(rest) > 0 {
		ss.Waypoints = make([]spatial.Vec2, 0, len(rest)+1)
		ss.Waypoints = append(ss.Waypoints, pos)
		ss.Waypoints = append(ss.Waypoints, rest...)
	}
	return ss
}

// Expand promotes simplified state to full-tier state.
func (ss *SimpleState) Expand(id AgentID) *FullState {
	fs := NewFullState(id, ss.Vitals, ss.Activity)
	if len(ss.Waypoints) > 0 {
		fs.Route.Dest = ss.Waypoints[len(ss.Waypoints)-1]
	}
	return fs
}

// Arrived reports whether the agent has reached the end of its waypoints.
func (ss *SimpleState) Arrived() bool {
	return ss.Leg >= len(ss.Waypoints)-1
}

// Advance moves step world units along the waypoints and returns the new position.
func (ss *SimpleState) Advance(step float64) spatial.Vec2 {
	if len(ss.Waypoints) == 0 {
		return spatial.Vec2{}
	}
	for step > 0 && !ss.Arrived() {
		a, b := ss.Waypoints[ss.Leg], ss.Waypoints[ss.Leg+1]
		length := a.Dist(b)
		if length <= 0 {
			ss.Leg++
			ss.Progress = 0
			continue
		}
		left := (1 - ss.Progress) * length
		if step < left {
			ss.Progress += step / length
			step = 0
			break
		}
		step -= left
		ss.Leg++
		ss.Progress = 0
	}
	return ss.Position()
}

// Position interpolates the current point on the waypoint polyline.
func (ss *SimpleState) Position() spatial.Vec2 {
	if len(ss.Waypoints) == 0 {
		return spatial.Vec2{}
	}
	if ss.Arrived() {
		return ss.Waypoints[len(ss.Waypoints)-1]
	}
	return ss.Waypoints[ss.Leg].Lerp(ss.Waypoints[ss.Leg+1], ss.Progress)
}

// StraightWaypoints precomputes an evenly spaced polyline from a to b.
func StraightWaypoints(a, b spatial.Vec2, segments int) []spatial.Vec2 {
	if segments < 1 {
		segments = 1
	}
	pts := make([]spatial.Vec2, segments+1)
	for i := 0; i <= segments; i++ {
		pts[i] = a.Lerp(b, float64(i)/float64(segments))
	}
	return pts
}

// Destination returns where an agent goes for an activity.
func (a *Agent) Destination(act Activity) spatial.Vec2 {
	switch act {
	case ActivityWork:
		return a.Work.Pos
	case ActivityShop, ActivityLeisure:
		// Errands happen between home and work, offset per agent.
		mid := a.Home.Pos.Lerp(a.Work.Pos, 0.5)
		off := spatial.Vec2{X: float64(Jitter(a.ID, uint64(act))), Y: float64(Jitter(a.ID, uint64(act)+7))}.Scale(120)
		return mid.Add(off)
	}
	return a.Home.Pos
}
