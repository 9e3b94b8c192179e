package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telescopio-montemayor/ethernet-encoder-servo/internal/auth"
	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/config"
	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/servo"
)

func newTestRegistry(t *testing.T) *servo.Registry {
	t.Helper()

	registry := servo.NewRegistry()
	axes := []servo.AxisConfig{
		{Name: "ra", Axis: "A", Host: "10.0.0.10"},
		{Name: "dec", Axis: "B", Host: "10.0.0.11"},
	}
	for _, cfg := range axes {
		if _, err := registry.Add(cfg, nil); err != nil {
			t.Fatalf("Add(%s): %v", cfg.Name, err)
		}
	}
	return registry
}

func newTestServer(t *testing.T) (*Server, *servo.Registry) {
	t.Helper()
	registry := newTestRegistry(t)
	srv := New(config.DefaultConfig(), registry, NewEventBus())
	return srv, registry
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// TestListDevices returns both configured axes.
func TestListDevices(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/devices", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var devices []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &devices); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	if devices[0]["name"] != "ra" || devices[1]["name"] != "dec" {
		t.Errorf("device order = %v, %v", devices[0]["name"], devices[1]["name"])
	}
}

// TestUnknownDeviceIs404 covers the not-found path on every route shape.
func TestUnknownDeviceIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	paths := []struct {
		method string
		path   string
		body   interface{}
	}{
		{http.MethodGet, "/api/v1/devices/nope", nil},
		{http.MethodPut, "/api/v1/devices/nope/goto", map[string]int{"value": 1}},
		{http.MethodPut, "/api/v1/devices/nope/halt", nil},
		{http.MethodGet, "/api/v1/devices/nope/reset", nil},
	}

	for _, tt := range paths {
		rec := doJSON(t, srv.Handler(), tt.method, tt.path, tt.body)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: status = %d, want 404", tt.method, tt.path, rec.Code)
		}
	}
}

// TestGotoRaw drives the target through the API.
func TestGotoRaw(t *testing.T) {
	srv, registry := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPut, "/api/v1/devices/ra/goto",
		map[string]int64{"value": 50000})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var state servo.State
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if state.Target != 50000 {
		t.Errorf("state target = %v, want 50000", state.Target)
	}
	if !state.ClosedLoop {
		t.Error("goto must engage the closed loop")
	}

	ra, _ := registry.Get("ra")
	if got := ra.Controller.TargetRaw(); got != 50000 {
		t.Errorf("controller target = %v, want 50000", got)
	}
}

// TestGotoAngleAndRelative exercises the sexagesimal goto paths.
func TestGotoAngleAndRelative(t *testing.T) {
	srv, registry := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPut, "/api/v1/devices/ra/goto/angle",
		map[string]interface{}{"degrees": 45, "minutes": 0, "seconds": 0.0})
	if rec.Code != http.StatusOK {
		t.Fatalf("goto/angle status = %d: %s", rec.Code, rec.Body.String())
	}

	ra, _ := registry.Get("ra")
	if got := ra.Controller.TargetAngle().ToDecimal(); math.Abs(got-45) > 1e-6 {
		t.Errorf("target angle = %v, want 45", got)
	}

	// Relative move of +1 degree 30 minutes.
	rec = doJSON(t, srv.Handler(), http.MethodPut, "/api/v1/devices/ra/goto/relative/angle",
		map[string]interface{}{"degrees": 1, "minutes": 30, "seconds": 0.0})
	if rec.Code != http.StatusOK {
		t.Fatalf("relative status = %d: %s", rec.Code, rec.Body.String())
	}

	if got := ra.Controller.TargetAngle().ToDecimal(); math.Abs(got-46.5) > 1e-6 {
		t.Errorf("target angle after relative goto = %v, want 46.5", got)
	}
}

// TestGotoAstronomicalEnablesTracking checks the tracking coupling.
func TestGotoAstronomicalEnablesTracking(t *testing.T) {
	srv, registry := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPut, "/api/v1/devices/ra/goto/astronomical",
		map[string]interface{}{"hours": 5, "minutes": 30, "seconds": 0.0})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	ra, _ := registry.Get("ra")
	if !ra.Controller.Tracking() {
		t.Error("astronomical goto must enable tracking")
	}
	target := ra.Controller.TargetAstronomical()
	if target.Hours != 5 || target.Minutes != 30 {
		t.Errorf("stored astronomical target = %+v", target)
	}
}

// TestSyncRebasesFrame covers the raw sync endpoint.
func TestSyncRebasesFrame(t *testing.T) {
	srv, registry := newTestServer(t)

	ra, _ := registry.Get("ra")
	ra.Controller.UpdateAt(100000, time.Now())

	rec := doJSON(t, srv.Handler(), http.MethodPut, "/api/v1/devices/ra/sync",
		map[string]int64{"value": 0})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	if got := ra.Controller.Position(); got != 0 {
		t.Errorf("position after sync = %v, want 0", got)
	}
}

// TestHaltResumeReset walks the mode endpoints.
func TestHaltResumeReset(t *testing.T) {
	srv, registry := newTestServer(t)
	ra, _ := registry.Get("ra")

	ra.Controller.SetTargetRaw(1000)
	ra.Controller.SetTracking(true)

	rec := doJSON(t, srv.Handler(), http.MethodPut, "/api/v1/devices/ra/halt", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("halt status = %d", rec.Code)
	}
	if ra.Controller.ClosedLoop() || ra.Controller.Tracking() {
		t.Error("halt must open the loop and stop tracking")
	}

	rec = doJSON(t, srv.Handler(), http.MethodPut, "/api/v1/devices/ra/resume", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d", rec.Code)
	}
	if !ra.Controller.ClosedLoop() {
		t.Error("resume must engage the loop")
	}

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/devices/ra/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}
	if ra.Controller.Tracking() || ra.Controller.FreeRunning() {
		t.Error("reset must clear tracking and free-running")
	}
	if got, want := ra.Controller.TargetRaw(), ra.Controller.Position(); math.Abs(got-want) > 1e-9 {
		t.Errorf("reset target = %v, want position %v", got, want)
	}
}

// TestRunSpeed engages free-running through the API.
func TestRunSpeed(t *testing.T) {
	srv, registry := newTestServer(t)
	ra, _ := registry.Get("ra")

	rec := doJSON(t, srv.Handler(), http.MethodPut, "/api/v1/devices/ra/run_speed",
		map[string]interface{}{"degrees": 0, "minutes": 30, "seconds": 0.0})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	if !ra.Controller.FreeRunning() {
		t.Error("non-zero run speed must engage free-running")
	}

	rec = doJSON(t, srv.Handler(), http.MethodPut, "/api/v1/devices/ra/run_speed",
		map[string]interface{}{"degrees": 0, "minutes": 0, "seconds": 0.0})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ra.Controller.FreeRunning() {
		t.Error("zero run speed must clear free-running")
	}
}

// TestTrackingEndpoint toggles the flag.
func TestTrackingEndpoint(t *testing.T) {
	srv, registry := newTestServer(t)
	ra, _ := registry.Get("ra")

	rec := doJSON(t, srv.Handler(), http.MethodPut, "/api/v1/devices/ra/tracking",
		map[string]bool{"tracking": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !ra.Controller.Tracking() {
		t.Error("tracking flag not set")
	}
}

// TestPIDEndpoints reads and tunes the controller at runtime.
func TestPIDEndpoints(t *testing.T) {
	srv, registry := newTestServer(t)
	ra, _ := registry.Get("ra")

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/devices/ra/pid", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get pid status = %d", rec.Code)
	}

	var pid servo.PIDState
	if err := json.Unmarshal(rec.Body.Bytes(), &pid); err != nil {
		t.Fatalf("unmarshal pid: %v", err)
	}
	if pid.Kp != 1.8 {
		t.Errorf("default Kp = %v, want 1.8", pid.Kp)
	}

	rec = doJSON(t, srv.Handler(), http.MethodPut, "/api/v1/devices/ra/pid",
		map[string]float64{"Kp": 2.5, "derivative_filtering": 0.5})
	if rec.Code != http.StatusOK {
		t.Fatalf("put pid status = %d: %s", rec.Code, rec.Body.String())
	}

	state := ra.Controller.State()
	if state.PID.Kp != 2.5 {
		t.Errorf("tuned Kp = %v, want 2.5", state.PID.Kp)
	}
	if state.PID.DerivativeFiltering != 0.5 {
		t.Errorf("tuned alpha = %v, want 0.5", state.PID.DerivativeFiltering)
	}
	if state.PID.Ki != 1.0 {
		t.Errorf("untouched Ki = %v, want 1.0", state.PID.Ki)
	}
}

// TestMalformedBodyIs400 rejects bad payloads before they reach the
// controller.
func TestMalformedBodyIs400(t *testing.T) {
	srv, registry := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/devices/ra/goto",
		strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	ra, _ := registry.Get("ra")
	if got := ra.Controller.TargetRaw(); got != 0 {
		t.Errorf("target changed by a malformed request: %v", got)
	}
}

// TestAuthGuardsMutations requires a token on mutating endpoints only.
func TestAuthGuardsMutations(t *testing.T) {
	registry := newTestRegistry(t)

	svc := auth.NewService(auth.Config{JWTSecret: "test-secret", BCryptCost: 4})
	hash, err := svc.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.Username = "operator"
	cfg.Auth.PasswordHash = hash

	srv := New(cfg, registry, NewEventBus())

	// Reads stay open.
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/devices", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("unauthenticated read status = %d, want 200", rec.Code)
	}

	// Mutations without a token are rejected.
	rec = doJSON(t, srv.Handler(), http.MethodPut, "/api/v1/devices/ra/goto",
		map[string]int64{"value": 1})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated mutation status = %d, want 401", rec.Code)
	}

	// Wrong password is rejected.
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/auth/login",
		map[string]string{"username": "operator", "password": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d, want 401", rec.Code)
	}

	// Login issues a token.
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/auth/login",
		map[string]string{"username": "operator", "password": "hunter2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}

	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}

	// The token unlocks mutations.
	data, _ := json.Marshal(map[string]int64{"value": 123})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/devices/ra/goto", bytes.NewReader(data))
	req.Header.Set("Authorization", "Bearer "+login.Token)
	authedRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(authedRec, req)
	if authedRec.Code != http.StatusOK {
		t.Fatalf("authenticated mutation status = %d: %s", authedRec.Code, authedRec.Body.String())
	}

	ra, _ := registry.Get("ra")
	if got := ra.Controller.TargetRaw(); got != 123 {
		t.Errorf("target = %v, want 123", got)
	}
}

// TestEventStream connects a websocket client and receives a published
// state document.
func TestEventStream(t *testing.T) {
	srv, registry := newTestServer(t)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// Wait for registration before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for srv.events.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ra, _ := registry.Get("ra")
	ra.Controller.SetTargetRaw(777)
	srv.events.Publish(ra.Controller.State())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Event string      `json:"event"`
		Data  servo.State `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}

	if msg.Event != "position" {
		t.Errorf("event type = %q, want position", msg.Event)
	}
	if msg.Data.Name != "ra" {
		t.Errorf("event axis = %q, want ra", msg.Data.Name)
	}
	if msg.Data.Target != 777 {
		t.Errorf("event target = %v, want 777", msg.Data.Target)
	}
}

// TestEventSubscriptionFilters limits the stream to the requested axis.
func TestEventSubscriptionFilters(t *testing.T) {
	srv, registry := newTestServer(t)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"action": "subscribe", "device": "dec"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Give the read loop a moment to apply the subscription.
	deadline := time.Now().Add(2 * time.Second)
	for srv.events.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)

	ra, _ := registry.Get("ra")
	dec, _ := registry.Get("dec")
	srv.events.Publish(ra.Controller.State())
	srv.events.Publish(dec.Controller.State())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Data servo.State `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if msg.Data.Name != "dec" {
		t.Errorf("filtered stream delivered %q, want dec", msg.Data.Name)
	}
}

// TestStatusDocumentShape pins a couple of wire fields the UI relies on.
func TestStatusDocumentShape(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/devices/ra", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{
		"name", "closed_loop", "tracking", "free_running",
		"position", "position_angle", "position_astronomical",
		"target", "target_angle", "target_astronomical",
		"run_speed", "speed_hz", "pid", "error", "output",
	} {
		if _, ok := doc[key]; !ok {
			t.Errorf("status document missing %q: %s", key, rec.Body.String())
		}
	}

	if fmt.Sprint(doc["name"]) != "ra" {
		t.Errorf("name = %v, want ra", doc["name"])
	}
}
