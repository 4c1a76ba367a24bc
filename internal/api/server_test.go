package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/metropolis/internal/agents"
	"github.com/talgya/metropolis/internal/camera"
	"github.com/talgya/metropolis/internal/config"
	"github.com/talgya/metropolis/internal/engine"
	"github.com/talgya/metropolis/internal/persistence"
	"github.com/talgya/metropolis/internal/population"
	"github.com/talgya/metropolis/internal/spatial"
)

const token = "secret"

func newTestServer(t *testing.T) (*Server, []agents.AgentID) {
	t.Helper()
	cfg := config.Default()
	cfg.World.Width, cfg.World.Height = 2048, 2048
	// Camera in a corner, zoomed in, so every resident stays statistical.
	rig := camera.NewRig(spatial.Vec2{X: 2048, Y: 0}, 200)
	sim := engine.New(engine.Options{Config: cfg, Meta: engine.CityMeta{ID: "c1", Name: "Testville", Seed: 9}, Camera: rig})
	t.Cleanup(sim.Close)

	var ids []agents.AgentID
	for i := 0; i < 20; i++ {
		home := agents.Place{ID: uint64(i), Pos: spatial.Vec2{X: float64(100 * i), Y: float64(90 * i)}}
		a, v := sim.Spawner().Spawn(home, home, agents.IncomeClass(i%3), agents.EducationLevel(i%3), 0)
		sim.AddResident(a, v)
		ids = append(ids, a.ID)
	}
	sim.AddVirtual(80, population.DefaultWeights())
	sim.Step(1)

	srv := &Server{
		Sim:      sim,
		Eng:      engine.NewEngine(cfg.World.TickRate),
		Camera:   rig,
		Store:    &persistence.Store{Dir: filepath.Join(t.TempDir(), "snaps")},
		AdminKey: token,
		Limiter:  NewRateLimiter(0.001, 1),
	}
	return srv, ids
}

func do(t *testing.T, h http.Handler, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusReportsPopulation(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv.Handler(), http.MethodGet, "/api/v1/status", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["population"].(float64) != 100 || body["name"] != "Testville" {
		t.Fatalf("status = %v", body)
	}
}

func TestAgentEndpoint(t *testing.T) {
	srv, ids := newTestServer(t)
	h := srv.Handler()

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/agent/" + jsonID(ids[3]), http.StatusOK},
		{"/api/v1/agent/999999", http.StatusNotFound},
		{"/api/v1/agent/abc", http.StatusBadRequest},
		{"/api/v1/agent/", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := do(t, h, http.MethodGet, tt.path, "", false); rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}

	rec := do(t, h, http.MethodGet, "/api/v1/agent/"+jsonID(ids[3]), "", false)
	var view engine.AgentView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.ID != ids[3] {
		t.Errorf("agent id = %d, want %d", view.ID, ids[3])
	}
}

func TestAdminAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	if rec := do(t, h, http.MethodPost, "/api/v1/speed", `{"speed":2}`, false); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/speed", `{"speed":2}`, true); rec.Code != http.StatusOK {
		t.Errorf("with token: %d", rec.Code)
	}
	if srv.Eng.Speed() != 2 {
		t.Errorf("speed = %v, want 2", srv.Eng.Speed())
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/speed", `{"speed":-1}`, true); rec.Code != http.StatusBadRequest {
		t.Errorf("bad speed: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/speed", "", false); rec.Code != http.StatusOK {
		t.Errorf("GET speed: %d", rec.Code)
	}

	srv.AdminKey = ""
	if rec := do(t, h, http.MethodPost, "/api/v1/speed", `{"speed":1}`, true); rec.Code != http.StatusForbidden {
		t.Errorf("admin disabled: %d", rec.Code)
	}
}

func TestPinAndCamera(t *testing.T) {
	srv, ids := newTestServer(t)
	h := srv.Handler()

	if rec := do(t, h, http.MethodPost, "/api/v1/pin", `{"id":`+jsonID(ids[5])+`}`, true); rec.Code != http.StatusOK {
		t.Fatalf("pin: %d %s", rec.Code, rec.Body)
	}
	if !srv.Sim.Classifier().Pinned(ids[5]) {
		t.Fatal("agent not pinned")
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/pin", `{"id":424242}`, true); rec.Code != http.StatusNotFound {
		t.Errorf("pin unknown: %d", rec.Code)
	}
	srv.Sim.Step(2)
	if tier, _ := srv.Sim.TierOf(ids[5]); tier != agents.TierFull {
		t.Errorf("pinned agent is %s", tier)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/unpin", `{"id":`+jsonID(ids[5])+`}`, true); rec.Code != http.StatusOK {
		t.Fatalf("unpin: %d", rec.Code)
	}
	if srv.Sim.Classifier().Pinned(ids[5]) {
		t.Fatal("agent still pinned")
	}

	if rec := do(t, h, http.MethodPost, "/api/v1/camera", `{"x":10,"y":20,"radius":300}`, true); rec.Code != http.StatusOK {
		t.Fatalf("camera: %d", rec.Code)
	}
	if f := srv.Camera.Focus(); f.X != 10 || f.Y != 20 || srv.Camera.RelevanceRadius() != 300 {
		t.Errorf("camera = %v r=%v", f, srv.Camera.RelevanceRadius())
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/camera", `{"x":10,"y":20,"radius":0}`, true); rec.Code != http.StatusBadRequest {
		t.Errorf("zero radius: %d", rec.Code)
	}
}

func TestThoughtEndpoint(t *testing.T) {
	srv, ids := newTestServer(t)
	h := srv.Handler()
	body := func(id agents.AgentID, value string) string {
		return `{"id":` + jsonID(id) + `,"value":` + value + `}`
	}

	if rec := do(t, h, http.MethodGet, "/api/v1/thought", "", true); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/thought", body(ids[2], "10"), false); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/thought", body(ids[2], "80"), true); rec.Code != http.StatusBadRequest {
		t.Errorf("value out of range: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/thought", body(424242, "10"), true); rec.Code != http.StatusNotFound {
		t.Errorf("unknown agent: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/thought", body(ids[2], "10"), true); rec.Code != http.StatusConflict {
		t.Errorf("statistical agent: %d", rec.Code)
	}

	srv.Sim.Classifier().Pin(ids[2])
	srv.Sim.Step(2)
	before, _ := srv.Sim.MoodOf(ids[2])
	rec := do(t, h, http.MethodPost, "/api/v1/thought", body(ids[2], "10"), true)
	if rec.Code != http.StatusOK {
		t.Fatalf("full agent: %d %s", rec.Code, rec.Body)
	}
	var resp struct {
		Mood float32 `json:"mood"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if before < 90 && resp.Mood <= before {
		t.Errorf("mood %.2f -> %.2f, want higher", before, resp.Mood)
	}
}

func TestSnapshotRateLimited(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/snapshot", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot: %d %s", rec.Code, rec.Body)
	}
	snap, err := srv.Store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if snap.TotalPopulation != 100 || snap.Virtual == nil || snap.Virtual.Total != 80 {
		t.Fatalf("saved total %d virtual %+v", snap.TotalPopulation, snap.Virtual)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/snapshot", "", true)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second snapshot: %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestReaggregateEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	before := srv.Sim.Counters().Reaggregations

	if rec := do(t, h, http.MethodGet, "/api/v1/reaggregate", "", true); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/reaggregate", "", true); rec.Code != http.StatusOK {
		t.Fatalf("POST: %d", rec.Code)
	}
	srv.Sim.Step(2)
	if got := srv.Sim.Counters().Reaggregations; got != before+1 {
		t.Errorf("reaggregations = %d, want %d", got, before+1)
	}
}

func TestGroupsLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/groups?limit=2", "", false)
	var body struct {
		Groups []population.Group `json:"groups"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(body.Groups))
	}
	if body.Groups[0].Count < body.Groups[1].Count {
		t.Error("groups not ordered by size")
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/groups?limit=x", "", false); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: %d", rec.Code)
	}
}

func TestStreamDeliversFrames(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	srv.Broadcast(1)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	if f.Tick != 1 || f.Stats.Reported != 100 {
		t.Fatalf("frame = %+v", f)
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst not honoured")
	}
	if rl.Allow("a") {
		t.Fatal("third request allowed")
	}
	if !rl.Allow("b") {
		t.Fatal("clients share a bucket")
	}
	if got := rl.RetryAfter("a"); got != 1 {
		t.Errorf("retry after = %d, want 1", got)
	}
	now = now.Add(1500 * time.Millisecond)
	if !rl.Allow("a") {
		t.Fatal("bucket did not refill")
	}
}

func TestClientAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	if got := clientAddr(req); got != "10.0.0.7" {
		t.Errorf("remote = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	if got := clientAddr(req); got != "1.2.3.4" {
		t.Errorf("forwarded = %q", got)
	}
}

func jsonID(id agents.AgentID) string {
	b, _ := json.Marshal(id)
	return string(b)
}
