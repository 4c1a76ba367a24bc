// Package api provides the HTTP API for observing and steering the city.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/talgya/metropolis/internal/agents"
	"github.com/talgya/metropolis/internal/camera"
	"github.com/talgya/metropolis/internal/engine"
	"github.com/talgya/metropolis/internal/persistence"
	"github.com/talgya/metropolis/internal/spatial"
	"github.com/talgya/metropolis/internal/telemetry"
)

const maxStreamConns = 8

// Server serves the city state over HTTP.
type Server struct {
	Sim      *engine.Simulation
	Eng      *engine.Engine
	Camera   *camera.Rig
	Store    *persistence.Store       // nil disables snapshots
	Perf     *telemetry.PerfCollector // nil omits timing from /stats
	Addr     string
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.

	Limiter *RateLimiter // Applied to snapshot requests
	Hub     *Hub

	srv *http.Server
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	if s.Hub == nil {
		s.Hub = NewHub(maxStreamConns)
	}
	if s.Limiter == nil {
		s.Limiter = NewRateLimiter(0, 1)
	}

	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/groups", s.handleGroups)
	mux.HandleFunc("/api/v1/agent/", s.handleAgent)
	mux.HandleFunc("/api/v1/stream", s.handleStream)

	// Admin endpoints (GET passes through where supported).
	mux.HandleFunc("/api/v1/camera", s.adminOnly(s.handleCamera))
	mux.HandleFunc("/api/v1/pin", s.adminOnly(s.handlePin(true)))
	mux.HandleFunc("/api/v1/unpin", s.adminOnly(s.handlePin(false)))
	mux.HandleFunc("/api/v1/speed", s.adminOnly(s.handleSpeed))
	mux.HandleFunc("/api/v1/snapshot", s.adminOnly(RateLimitMiddleware(s.Limiter, s.handleSnapshot)))
	mux.HandleFunc("/api/v1/reaggregate", s.adminOnly(s.handleReaggregate))
	mux.HandleFunc("/api/v1/thought", s.adminOnly(s.handleThought))

	return mux
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", s.Addr, "admin_auth", s.AdminKey != "")

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops the server and closes stream subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.Hub != nil {
		s.Hub.Close()
	}
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth on POST requests.
// GET requests pass through (for endpoints that support both GET and POST).
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "admin endpoints disabled (no admin token configured)", http.StatusForbidden)
				return
			}
			if !s.checkBearerToken(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	meta := s.Sim.Meta()
	tick := s.Sim.Tick()
	status := map[string]any{
		"city_id":    meta.ID,
		"name":       meta.Name,
		"tick":       tick,
		"sim_time":   engine.SimTime(tick, s.Sim.Config().World.TicksPerDay),
		"population": s.Sim.Population(),
		"streams":    s.Hub.Len(),
	}
	if s.Eng != nil {
		status["speed"] = s.Eng.Speed()
	}
	writeJSON(w, status)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"city":     s.Sim.Stats(),
		"counters": s.Sim.Counters(),
	}
	if s.Perf != nil {
		p := s.Perf.Stats()
		resp["perf"] = map[string]any{
			"avg_tick_us":   p.AvgTickDuration.Microseconds(),
			"max_tick_us":   p.MaxTickDuration.Microseconds(),
			"ticks_per_sec": p.TicksPerSecond,
			"phase_pct":     p.PhasePct,
		}
	}
	writeJSON(w, resp)
}

// handleGroups lists population groups. ?limit=N returns the N largest.
func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups := s.Sim.Groups()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		groups = largest(groups, n)
	}
	count, happiness := engine.GroupSummary(groups)
	writeJSON(w, map[string]any{
		"groups":    groups,
		"members":   count,
		"happiness": happiness,
	})
}

// handleAgent serves GET /api/v1/agent/:id.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[3] == "" {
		http.Error(w, "missing agent id", http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		http.Error(w, "invalid agent id", http.StatusBadRequest)
		return
	}
	view, ok := s.Sim.Agent(agents.AgentID(id))
	if !ok {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	writeJSON(w, view)
}

func (s *Server) handleCamera(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req struct {
			X      float64 `json:"x"`
			Y      float64 `json:"y"`
			Radius float64 `json:"radius"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Radius <= 0 {
			http.Error(w, "radius must be positive", http.StatusBadRequest)
			return
		}
		wc := s.Sim.Config().World
		s.Camera.Move(spatial.Vec2{X: req.X, Y: req.Y}.Clamp(wc.Width, wc.Height), req.Radius)
		s.Sim.Classifier().Force()
		slog.Info("camera moved", "x", req.X, "y", req.Y, "radius", req.Radius)
	}
	writeJSON(w, map[string]any{
		"focus":  s.Camera.Focus(),
		"radius": s.Camera.RelevanceRadius(),
	})
}

// handlePin pins or unpins the agent named in the request body.
func (s *Server) handlePin(pin bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, map[string]any{"pinned": s.Sim.Classifier().Pins()})
			return
		}
		var req struct {
			ID agents.AgentID `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if _, ok := s.Sim.TierOf(req.ID); !ok {
			http.Error(w, "agent not found", http.StatusNotFound)
			return
		}
		if pin {
			s.Sim.Classifier().Pin(req.ID)
		} else {
			s.Sim.Classifier().Unpin(req.ID)
		}
		slog.Info("agent pin changed", "agent", req.ID, "pinned", pin)
		writeJSON(w, map[string]any{"id": req.ID, "pinned": pin})
	}
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if s.Eng == nil {
		http.Error(w, "engine not available", http.StatusServiceUnavailable)
		return
	}
	if r.Method == http.MethodPost {
		var req struct {
			Speed float64 `json:"speed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Speed < 0 || req.Speed > 1000 {
			http.Error(w, "speed must be 0-1000", http.StatusBadRequest)
			return
		}
		s.Eng.SetSpeed(req.Speed)
		slog.Info("speed changed", "speed", req.Speed)
	}
	writeJSON(w, map[string]float64{"speed": s.Eng.Speed()})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.Store.Enabled() {
		http.Error(w, "persistence not available", http.StatusServiceUnavailable)
		return
	}

	snap := s.Sim.Snapshot()
	path, err := s.Store.Save(snap)
	if err != nil {
		slog.Error("snapshot save failed", "error", err)
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"tick":       snap.Header.Tick,
		"population": snap.TotalPopulation,
		"file":       path,
		"message":    "snapshot saved",
	})
}

// handleReaggregate schedules an out-of-cycle group rebuild for the next tick.
func (s *Server) handleReaggregate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.Sim.ForceReaggregation()
	slog.Info("re-aggregation requested")
	writeJSON(w, map[string]string{"message": "re-aggregation scheduled"})
}

// handleThought injects a gameplay event into a full-tier agent's memory.
func (s *Server) handleThought(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID       agents.AgentID `json:"id"`
		Value    float32        `json:"value"`
		Duration uint32         `json:"duration"` // Ticks; 0 uses the configured default
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Value < -50 || req.Value > 50 {
		http.Error(w, "value must be -50 to 50", http.StatusBadRequest)
		return
	}
	err := s.Sim.AddThought(req.ID, agents.ThoughtEvent, req.Value, req.Duration)
	switch {
	case errors.Is(err, engine.ErrUnknownAgent):
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrNotFullTier):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	mood, _ := s.Sim.MoodOf(req.ID)
	slog.Info("thought added", "agent", req.ID, "value", req.Value)
	writeJSON(w, map[string]any{"id": req.ID, "mood": mood})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		slog.Debug("writing response", "err", err)
	}
}
