// Package pathfinding is the route service used by full-fidelity agents.
// Requests never block; results are polled on later ticks.
package pathfinding

import (
	"sync"

	"github.com/talgya/metropolis/internal/spatial"
)

// Handle identifies an outstanding route request. Zero is never issued.
type Handle uint64

// Pathfinder resolves routes asynchronously.
type Pathfinder interface {
	RequestPath(owner uint64, from, to spatial.Vec2) Handle
	// Poll returns the path once resolved. A resolved path is handed out
	// once and then forgotten.
	Poll(h Handle) ([]spatial.Vec2, bool)
	// Cancel drops a request whose owner no longer needs it.
	Cancel(h Handle)
	Advance(tick uint64)
}

type request struct {
	owner    uint64
	from, to spatial.Vec2
	due      uint64
}

// Deferred resolves straight-line routes a fixed number of ticks after they
// are requested, split into segments of at most Step units.
type Deferred struct {
	Latency uint64
	Step    float64

	mu      sync.Mutex
	tick    uint64
	next    Handle
	pending map[Handle]request
	done    map[Handle][]spatial.Vec2
}

// NewDeferred creates a deferred pathfinder.
func NewDeferred(latency uint64, step float64) *Deferred {
	if step <= 0 {
		step = 64
	}
	return &Deferred{
		Latency: latency,
		Step:    step,
		pending: make(map[Handle]request),
		done:    make(map[Handle][]spatial.Vec2),
	}
}

func (d *Deferred) RequestPath(owner uint64, from, to spatial.Vec2) Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	h := d.next
	d.pending[h] = request{owner: owner, from: from, to: to, due: d.tick + d.Latency}
	return h
}

func (d *Deferred) Poll(h Handle) ([]spatial.Vec2, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.done[h]
	if ok {
		delete(d.done, h)
	}
	return p, ok
}

func (d *Deferred) Cancel(h Handle) {
	d.mu.Lock()
	delete(d.pending, h)
	delete(d.done, h)
	d.mu.Unlock()
}

// Advance resolves every request whose latency has elapsed.
func (d *Deferred) Advance(tick uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick = tick
	for h, r := range d.pending {
		if r.due > tick {
			continue
		}
		d.done[h] = straight(r.from, r.to, d.Step)
		delete(d.pending, h)
	}
}

// Pending returns the number of unresolved requests.
func (d *Deferred) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func straight(from, to spatial.Vec2, step float64) []spatial.Vec2 {
	n := int(from.Dist(to)/step) + 1
	path := make([]spatial.Vec2, 0, n)
	for i := 1; i <= n; i++ {
		path = append(path, from.Lerp(to, float64(i)/float64(n)))
	}
	return path
}
