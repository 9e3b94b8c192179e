package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/servo"
	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/units"
)

// deviceInfo is the configuration-level view returned by the listing.
type deviceInfo struct {
	Name              string  `json:"name"`
	Host              string  `json:"host"`
	Port              int     `json:"port"`
	Axis              string  `json:"axis"`
	Steps             int     `json:"steps"`
	Invert            bool    `json:"invert"`
	MaxSpeed          float64 `json:"max_speed"`
	Interval          int     `json:"interval"`
	SupportsHourAngle bool    `json:"supports_hour_angle"`
	CanTrack          bool    `json:"can_track"`
	ClosedLoop        bool    `json:"closed_loop"`
	Offset            float64 `json:"offset"`
}

func newDeviceInfo(axis *servo.Axis) deviceInfo {
	cfg := axis.Config
	state := axis.Controller.State()
	return deviceInfo{
		Name:              cfg.Name,
		Host:              cfg.Host,
		Port:              cfg.Port,
		Axis:              cfg.Axis,
		Steps:             cfg.Steps,
		Invert:            cfg.Invert,
		MaxSpeed:          cfg.MaxSpeed,
		Interval:          cfg.Interval,
		SupportsHourAngle: cfg.SupportsHourAngle,
		CanTrack:          cfg.CanTrack,
		ClosedLoop:        state.ClosedLoop,
		Offset:            state.Offset,
	}
}

// getDevice resolves the axis from the URL or writes a 404.
func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) (*servo.Axis, bool) {
	name := chi.URLParam(r, "name")
	axis, ok := s.registry.Get(name)
	if !ok {
		respondError(w, http.StatusNotFound, "device '"+name+"' does not exist")
		return nil, false
	}
	return axis, true
}

// decodeBody parses a JSON request body or writes a 400.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// respondStatus writes the axis state document, the common response of
// every command endpoint.
func respondStatus(w http.ResponseWriter, axis *servo.Axis) {
	respondJSON(w, http.StatusOK, axis.Controller.State())
}

// handleListDevices returns the configured axes.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	axes := s.registry.List()
	out := make([]deviceInfo, 0, len(axes))
	for _, axis := range axes {
		out = append(out, newDeviceInfo(axis))
	}
	respondJSON(w, http.StatusOK, out)
}

// handleDeviceStatus returns one axis state document.
func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	axis, ok := s.getDevice(w, r)
	if !ok {
		return
	}
	respondStatus(w, axis)
}

// handleGotoRaw sets the target in raw encoder counts.
func (s *Server) handleGotoRaw(w http.ResponseWriter, r *http.Request) {
	axis, ok := s.getDevice(w, r)
	if !ok {
		return
	}

	var req struct {
		Value int64 `json:"value"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	axis.Controller.SetTargetRaw(float64(req.Value))
	respondStatus(w, axis)
}

// handleGotoAngle sets the target as a mechanical angle.
func (s *Server) handleGotoAngle(w http.ResponseWriter, r *http.Request) {
	axis, ok := s.getDevice(w, r)
	if !ok {
		return
	}

	var req units.AnglePosition
	if !decodeBody(w, r, &req) {
		return
	}

	axis.Controller.SetTargetAngle(req)
	respondStatus(w, axis)
}

// handleGotoAstronomical sets the target as an astronomical coordinate
// and enables tracking.
func (s *Server) handleGotoAstronomical(w http.ResponseWriter, r *http.Request) {
	axis, ok := s.getDevice(w, r)
	if !ok {
		return
	}

	var req units.AstronomicalPosition
	if !decodeBody(w, r, &req) {
		return
	}

	axis.Controller.SetTargetAstronomical(req)
	respondStatus(w, axis)
}

// handleGotoRelativeAngle adds the request component-wise to the current
// angle target.
func (s *Server) handleGotoRelativeAngle(w http.ResponseWriter, r *http.Request) {
	axis, ok := s.getDevice(w, r)
	if !ok {
		return
	}

	var req units.AnglePosition
	if !decodeBody(w, r, &req) {
		return
	}

	target := axis.Controller.TargetAngle().Add(req)
	axis.Controller.SetTargetAngle(target)
	respondStatus(w, axis)
}

// handleGotoRelativeAstronomical adds the request component-wise to the
// current astronomical target.
func (s *Server) handleGotoRelativeAstronomical(w http.ResponseWriter, r *http.Request) {
	axis, ok := s.getDevice(w, r)
	if !ok {
		return
	}

	var req units.AstronomicalPosition
	if !decodeBody(w, r, &req) {
		return
	}

	target := axis.Controller.TargetAstronomical().Add(req)
	axis.Controller.SetTargetAstronomical(target)
	respondStatus(w, axis)
}

// handleSyncRaw rebases the frame to a raw count value.
func (s *Server) handleSyncRaw(w http.ResponseWriter, r *http.Request) {
	axis, ok := s.getDevice(w, r)
	if !ok {
		return
	}

	var req struct {
		Value int64 `json:"value"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	axis.Controller.SyncRaw(float64(req.Value))
	respondStatus(w, axis)
}

// handleSyncAngle rebases the frame to a mechanical angle.
func (s *Server) handleSyncAngle(w http.ResponseWriter, r *http.Request) {
	axis, ok := s.getDevice(w, r)
	if !ok {
		return
	}

	var req units.AnglePosition
	if !decodeBody(w, r, &req) {
		return
	}

	axis.Controller.SyncAngle(req)
	respondStatus(w, axis)
}

// handleSyncAstronomical rebases the frame to an astronomical coordinate
// and re-engages tracking on it.
func (s *Server) handleSyncAstronomical(w http.ResponseWriter, r *http.Request) {
	axis, ok := s.getDevice(w, r)
	if !ok {
		return
	}

	var req units.AstronomicalPosition
	if !decodeBody(w, r, &req) {
		return
	}

	axis.Controller.SyncAstronomical(req)
	respondStatus(w, axis)
}

// handleTracking switches tracking on or off.
func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	axis, ok := s.getDevice(w, r)
	if !ok {
		return
	}

	var req struct {
		Tracking bool `json:"tracking"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	axis.Controller.SetTracking(req.Tracking)
	respondStatus(w, axis)
}

// handleRunSpeed sets the continuous slew rate in degrees per second,
// given as a sexagesimal angle.
func (s *Server) handleRunSpeed(w http.ResponseWriter, r *http.Request) {
	axis, ok := s.getDevice(w, r)
	if !ok {
		return
	}

	var req units.AnglePosition
	if !decodeBody(w, r, &req) {
		return
	}

	axis.Controller.SetRunSpeed(req)
	respondStatus(w, axis)
}

// handleHalt opens the loop and stops tracking: all motion stops.
func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	axis, ok := s.getDevice(w, r)
	if !ok {
		return
	}

	axis.Controller.SetClosedLoop(false)
	axis.Controller.SetTracking(false)
	respondStatus(w, axis)
}

// handleResume re-engages the closed loop at the current position.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	axis, ok := s.getDevice(w, r)
	if !ok {
		return
	}

	axis.Controller.SetClosedLoop(true)
	respondStatus(w, axis)
}

// handleReset drops tracking and free-running and parks the target on the
// current position.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	axis, ok := s.getDevice(w, r)
	if !ok {
		return
	}

	axis.Controller.SetTracking(false)
	axis.Controller.SetFreeRunning(false)
	axis.Controller.SetTargetRaw(axis.Controller.Position())
	respondStatus(w, axis)
}

// handleGetPID returns the runtime-tunable control parameters.
func (s *Server) handleGetPID(w http.ResponseWriter, r *http.Request) {
	axis, ok := s.getDevice(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, axis.Controller.State().PID)
}

// handleSetPID applies the provided control parameters atomically.
func (s *Server) handleSetPID(w http.ResponseWriter, r *http.Request) {
	axis, ok := s.getDevice(w, r)
	if !ok {
		return
	}

	var req servo.ControlParameters
	if !decodeBody(w, r, &req) {
		return
	}

	axis.Controller.SetControlParameters(req)
	respondStatus(w, axis)
}
