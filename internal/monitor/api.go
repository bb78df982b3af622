package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/banshee-data/cartnav/internal/httputil"
	"github.com/banshee-data/cartnav/internal/monitoring"
	"github.com/banshee-data/cartnav/internal/occupancy"
	"github.com/banshee-data/cartnav/internal/units"
	"github.com/banshee-data/cartnav/internal/workflow"
)

// MapView is the /api/map response. Rows use the '.', 't', '#', '?' cell
// symbols, top row first.
type MapView struct {
	Width         int               `json:"width"`
	Height        int               `json:"height"`
	CellSize      float64           `json:"cell_size"`
	Rows          []string          `json:"rows"`
	Counts        map[string]int    `json:"counts"`
	Pose          units.Pose        `json:"pose"`
	Path          []occupancy.Coord `json:"path"`
	WaypointIndex int               `json:"waypoint_index"`
	Destination   *[2]float64       `json:"destination,omitempty"`
}

func (ws *WebServer) mapView() MapView {
	snap := ws.runner.Map().Snapshot()
	ctrl := ws.runner.Controller()
	path, idx := ctrl.Path()

	counts := make(map[string]int, 4)
	for st, n := range snap.Counts() {
		counts[st.String()] = n
	}
	v := MapView{
		Width:         snap.Width,
		Height:        snap.Height,
		CellSize:      snap.CellSize,
		Rows:          snap.Rows(),
		Counts:        counts,
		Pose:          ctrl.Pose(),
		Path:          path,
		WaypointIndex: idx,
	}
	if v.Path == nil {
		v.Path = []occupancy.Coord{}
	}
	if d, ok := ctrl.Destination(); ok {
		v.Destination = &[2]float64{d.X, d.Y}
	}
	return v
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ws.runner.Status())
}

func (ws *WebServer) handleMap(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ws.mapView())
}

type workflowResponse struct {
	State    workflow.State     `json:"state"`
	Delivery *workflow.Delivery `json:"delivery,omitempty"`
	Queue    []string           `json:"queue"`
}

func workflowState(wf *workflow.Sequencer) workflowResponse {
	resp := workflowResponse{State: wf.State(), Queue: wf.Queue()}
	if d, ok := wf.Current(); ok {
		resp.Delivery = &d
	}
	if resp.Queue == nil {
		resp.Queue = []string{}
	}
	return resp
}

// scanCode reads the code from a JSON body {"code": "..."} or from a form
// or query value.
func scanCode(r *http.Request) (string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Code string `json:"code"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", err
		}
		return strings.TrimSpace(body.Code), nil
	}
	return strings.TrimSpace(r.FormValue("code")), nil
}

// handleScan starts or queues a delivery.
//
//	POST /api/scan  {"code": "ROOM-A"}
func (ws *WebServer) handleScan(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	wf := ws.runner.Workflow()
	if wf == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "delivery workflow not enabled")
		return
	}
	code, err := scanCode(r)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if code == "" {
		httputil.WriteJSONError(w, http.StatusBadRequest, "missing 'code' parameter")
		return
	}

	switch err := wf.Scan(code); {
	case errors.Is(err, workflow.ErrUnknownCode):
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrBusy):
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
	case err != nil:
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
	default:
		monitoring.Logf("[monitor] scan %s accepted", code)
		httputil.WriteJSON(w, http.StatusAccepted, workflowState(wf))
	}
}

func (ws *WebServer) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	wf := ws.runner.Workflow()
	if wf == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "delivery workflow not enabled")
		return
	}
	if err := wf.Confirm(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, workflow.ErrNotAwaiting) {
			status = http.StatusConflict
		}
		httputil.WriteJSONError(w, status, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, workflowState(wf))
}

func (ws *WebServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	wf := ws.runner.Workflow()
	if wf == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "delivery workflow not enabled")
		return
	}
	wf.Cancel()
	httputil.WriteJSON(w, http.StatusOK, workflowState(wf))
}

// handleSnapshot persists the map immediately with reason "manual".
func (ws *WebServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := ws.runner.SnapshotNow("manual"); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("persist map: %v", err))
		return
	}
	width, height := ws.runner.Map().Size()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"reason":    "manual",
		"width":     width,
		"height":    height,
		"confirmed": ws.runner.Map().ConfirmedCount(),
	})
}
