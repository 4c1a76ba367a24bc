package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/metropolis/internal/engine"
	"github.com/talgya/metropolis/internal/population"
	"github.com/talgya/metropolis/internal/spatial"
)

// Frame is one message on the observer stream.
type Frame struct {
	Tick    uint64             `json:"tick"`
	SimTime string             `json:"sim_time"`
	Stats   engine.CityStats   `json:"stats"`
	Focus   spatial.Vec2       `json:"focus"`
	Radius  float64            `json:"radius"`
	Groups  []population.Group `json:"groups,omitempty"` // Largest groups only
}

// Hub fans encoded frames out to websocket subscribers. Slow subscribers
// miss frames rather than stall the publisher.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]chan []byte
	nextID uint64
	max    int
	closed bool
}

// NewHub creates a hub accepting at most max subscribers.
func NewHub(max int) *Hub {
	return &Hub{subs: make(map[uint64]chan []byte), max: max}
}

func (h *Hub) subscribe() (uint64, <-chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.subs) >= h.max {
		return 0, nil, false
	}
	h.nextID++
	ch := make(chan []byte, 4)
	h.subs[h.nextID] = ch
	return h.nextID, ch, true
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish encodes v once and offers it to every subscriber.
func (h *Hub) Publish(v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) == 0 {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		slog.Warn("encoding stream frame", "err", err)
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- b:
		default:
		}
	}
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Broadcast publishes the current city figures to stream subscribers.
func (s *Server) Broadcast(tick uint64) {
	if s.Hub == nil || s.Hub.Len() == 0 {
		return
	}
	s.Hub.Publish(Frame{
		Tick:    tick,
		SimTime: engine.SimTime(tick, s.Sim.Config().World.TicksPerDay),
		Stats:   s.Sim.Stats(),
		Focus:   s.Camera.Focus(),
		Radius:  s.Camera.RelevanceRadius(),
		Groups:  largest(s.Sim.Groups(), 16),
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream upgrades to a websocket and relays hub frames until either
// side closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frames, ok := s.Hub.subscribe()
	if !ok {
		http.Error(w, "too many stream connections", http.StatusServiceUnavailable)
		return
	}
	defer s.Hub.unsubscribe(id)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	slog.Info("stream client connected", "sub_id", id)

	// The reader only notices disconnects; clients send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()
	for {
		select {
		case b, ok := <-frames:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-gone:
			slog.Info("stream client disconnected", "sub_id", id)
			return
		}
	}
}

// largest returns the n most populous groups, ties broken by key.
func largest(groups []population.Group, n int) []population.Group {
	if n >= len(groups) {
		return groups
	}
	out := slices.Clone(groups)
	slices.SortStableFunc(out, func(a, b population.Group) int {
		return b.Count - a.Count
	})
	return out[:n]
}
