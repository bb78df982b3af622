package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/cartnav/internal/config"
	"github.com/banshee-data/cartnav/internal/drive"
	"github.com/banshee-data/cartnav/internal/navigation"
	"github.com/banshee-data/cartnav/internal/occupancy"
	"github.com/banshee-data/cartnav/internal/planner"
	"github.com/banshee-data/cartnav/internal/runner"
	"github.com/banshee-data/cartnav/internal/sim"
	"github.com/banshee-data/cartnav/internal/timeutil"
	"github.com/banshee-data/cartnav/internal/units"
	"github.com/banshee-data/cartnav/internal/workflow"
)

func newTestRunner(t *testing.T, withWorkflow bool) *runner.Runner {
	t.Helper()
	cfg := config.MustLoadDefaultConfig()
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	m := occupancy.NewMap(occupancy.MapConfigFromNav(cfg))
	start := cfg.GetStart()
	ctrl := navigation.NewController(navigation.ConfigFromNav(cfg), m,
		planner.New(planner.OptionsFromNav(cfg)),
		units.Pose{X: start.X, Y: start.Y, Heading: cfg.GetStartHeading()})

	var wf *workflow.Sequencer
	if withWorkflow {
		wf = workflow.New(workflow.Options{
			Home:         cfg.GetHome(),
			Destinations: cfg.GetDestinations(),
			Clock:        clock,
		}, ctrl)
	}
	r, err := runner.New(runner.Options{
		Map:        m,
		Controller: ctrl,
		Sensors:    &sim.Sonar{World: sim.NewDemoWorld(cfg.GetCellSize()), Mounts: cfg.GetSensors()},
		Driver:     &drive.RecordingDriver{},
		Workflow:   wf,
		Clock:      clock,
	})
	require.NoError(t, err)
	return r
}

func newTestServer(t *testing.T) (*WebServer, *runner.Runner) {
	t.Helper()
	r := newTestRunner(t, true)
	return NewWebServer(WebServerConfig{Address: "127.0.0.1:0", Runner: r, Version: "test"}), r
}

func do(t *testing.T, ws *WebServer, method, target string, body string, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	ws.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHandleHealth(t *testing.T) {
	ws, _ := newTestServer(t)
	w := do(t, ws, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status": "ok"`)
}

func TestHandleIndex(t *testing.T) {
	ws, _ := newTestServer(t)
	w := do(t, ws, http.MethodGet, "/", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "ROOM-A")
	assert.Contains(t, body, "ROOM-B")
	assert.Contains(t, body, "test")

	w = do(t, ws, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleStatus(t *testing.T) {
	ws, r := newTestServer(t)
	r.Step(context.Background())

	w := do(t, ws, http.MethodGet, "/api/status", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[struct {
		Tick int `json:"tick"`
		Nav  struct {
			State string `json:"state"`
		} `json:"nav"`
		Workflow       string `json:"workflow"`
		DriveConnected bool   `json:"drive_connected"`
	}](t, w)
	assert.Equal(t, 1, got.Tick)
	assert.Equal(t, "idle", got.Nav.State)
	assert.Equal(t, "idle", got.Workflow)
	assert.True(t, got.DriveConnected)

	w = do(t, ws, http.MethodPost, "/api/status", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleMap(t *testing.T) {
	ws, r := newTestServer(t)
	for range 3 {
		r.Step(context.Background())
	}

	w := do(t, ws, http.MethodGet, "/api/map", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[MapView](t, w)
	assert.Equal(t, 50, got.Width)
	assert.Equal(t, 50, got.Height)
	assert.Equal(t, 10.0, got.CellSize)
	require.Len(t, got.Rows, got.Height)
	assert.Len(t, got.Rows[0], got.Width)
	assert.Equal(t, byte('.'), got.Rows[1][1], "cart cell is free")
	assert.Positive(t, got.Counts["confirmed"])
	assert.Equal(t, got.Width*got.Height,
		got.Counts["unknown"]+got.Counts["free"]+got.Counts["tentative"]+got.Counts["confirmed"])
	assert.Equal(t, 15.0, got.Pose.X)
	assert.Empty(t, got.Path)
	assert.Nil(t, got.Destination)
}

func TestHandleScan(t *testing.T) {
	ws, r := newTestServer(t)

	w := do(t, ws, http.MethodPost, "/api/scan", `{"code":"ROOM-A"}`, "application/json")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	got := decode[struct {
		State    string `json:"state"`
		Delivery struct {
			Code string `json:"code"`
		} `json:"delivery"`
		Queue []string `json:"queue"`
	}](t, w)
	assert.Equal(t, "to_destination", got.State)
	assert.Equal(t, "ROOM-A", got.Delivery.Code)
	assert.Empty(t, got.Queue)

	dest, ok := r.Controller().Destination()
	require.True(t, ok)
	assert.Equal(t, 255.0, dest.X)

	// Form posts from the index page queue behind the active delivery.
	form := url.Values{"code": {"ROOM-B"}}.Encode()
	w = do(t, ws, http.MethodPost, "/api/scan", form, "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"ROOM-B"}, r.Workflow().Queue())

	for range 3 {
		w = do(t, ws, http.MethodPost, "/api/scan?code=ROOM-B", "", "")
		require.Equal(t, http.StatusAccepted, w.Code)
	}
	w = do(t, ws, http.MethodPost, "/api/scan?code=ROOM-B", "", "")
	assert.Equal(t, http.StatusConflict, w.Code, "queue is full")

	mv := decode[MapView](t, do(t, ws, http.MethodGet, "/api/map", "", ""))
	require.NotNil(t, mv.Destination)
	assert.Equal(t, [2]float64{255, 45}, *mv.Destination)
}

func TestHandleScan_Errors(t *testing.T) {
	ws, _ := newTestServer(t)

	tests := []struct {
		name        string
		method      string
		body        string
		contentType string
		want        int
	}{
		{"unknown code", http.MethodPost, `{"code":"ROOM-Z"}`, "application/json", http.StatusBadRequest},
		{"missing code", http.MethodPost, `{}`, "application/json", http.StatusBadRequest},
		{"bad json", http.MethodPost, `{`, "application/json", http.StatusBadRequest},
		{"wrong method", http.MethodGet, "", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, ws, tt.method, "/api/scan", tt.body, tt.contentType)
			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestHandleConfirmAndCancel(t *testing.T) {
	ws, r := newTestServer(t)

	w := do(t, ws, http.MethodPost, "/api/confirm", "", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	require.NoError(t, r.Workflow().Scan("ROOM-B"))
	w = do(t, ws, http.MethodPost, "/api/cancel", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[struct {
		State string `json:"state"`
	}](t, w)
	assert.Equal(t, "returning", got.State)

	w = do(t, ws, http.MethodGet, "/api/cancel", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	w = do(t, ws, http.MethodGet, "/api/confirm", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestWorkflowDisabled(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Runner: newTestRunner(t, false)})
	for _, path := range []string{"/api/scan?code=ROOM-A", "/api/confirm", "/api/cancel"} {
		w := do(t, ws, http.MethodPost, path, "", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
	w := do(t, ws, http.MethodGet, "/", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleMapChart(t *testing.T) {
	ws, r := newTestServer(t)
	r.Step(context.Background())

	w := do(t, ws, http.MethodGet, "/charts/map", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "Occupancy Map")
	assert.Contains(t, body, echartsAssetsPrefix)
}

func TestHandleMapPlot(t *testing.T) {
	ws, r := newTestServer(t)
	require.NoError(t, r.Workflow().Scan("ROOM-A"))
	for range 3 {
		r.Step(context.Background())
	}

	w := do(t, ws, http.MethodGet, "/charts/map.png", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "\x89PNG"))
}

func TestSaveMapPlot(t *testing.T) {
	snap, err := occupancy.ParseSnapshot(10,
		"#####",
		"#..t#",
		"#...#",
		"#####",
	)
	require.NoError(t, err)
	route := []occupancy.Coord{{X: 2, Y: 1}, {X: 2, Y: 2}}

	path := filepath.Join(t.TempDir(), "map.png")
	require.NoError(t, SaveMapPlot(path, snap, units.Pose{X: 15, Y: 15}, route))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	// An empty map still renders the cart marker.
	empty, err := occupancy.ParseSnapshot(10, "???", "???")
	require.NoError(t, err)
	require.NoError(t, SaveMapPlot(filepath.Join(t.TempDir(), "empty.png"), empty, units.Pose{X: 5, Y: 5}, nil))
}

func TestHandleSnapshot(t *testing.T) {
	ws, r := newTestServer(t)
	r.Step(context.Background())

	w := do(t, ws, http.MethodPost, "/api/snapshot", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]any](t, w)
	assert.Equal(t, "manual", got["reason"])
	assert.Equal(t, 50.0, got["width"])

	w = do(t, ws, http.MethodGet, "/api/snapshot", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ws, r := newTestServer(t)
	r.Step(context.Background())
	w := do(t, ws, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cartnav_ticks_total")
}

func TestAdminRoutesAttached(t *testing.T) {
	called := false
	ws := NewWebServer(WebServerConfig{
		Runner: newTestRunner(t, true),
		AdminRoutes: []func(*http.ServeMux){
			func(mux *http.ServeMux) {
				called = true
				mux.HandleFunc("/debug/extra", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusTeapot)
				})
			},
		},
	})
	assert.True(t, called)
	w := do(t, ws, http.MethodGet, "/debug/extra", "", "")
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestStart_ShutsDownOnCancel(t *testing.T) {
	ws := NewWebServer(WebServerConfig{Address: "127.0.0.1:0", Runner: newTestRunner(t, true)})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
