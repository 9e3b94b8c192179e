package servo

import (
	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/units"
)

// PIDState is the runtime-tunable part of the PID controller as exposed in
// the per-tick state document.
type PIDState struct {
	Kp                  float64 `json:"Kp"`
	Ki                  float64 `json:"Ki"`
	Kd                  float64 `json:"Kd"`
	DerivativeFiltering float64 `json:"derivative_filtering"`
	MaxSlewRate         float64 `json:"max_slew_rate"`
}

// State is the axis state document emitted on the event stream each tick
// and returned by the status endpoint.
type State struct {
	Name string `json:"name"`

	ClosedLoop  bool `json:"closed_loop"`
	Tracking    bool `json:"tracking"`
	FreeRunning bool `json:"free_running"`

	Position             float64                    `json:"position"`
	PositionAngle        units.AnglePosition        `json:"position_angle"`
	PositionAstronomical units.AstronomicalPosition `json:"position_astronomical"`

	Target             float64                    `json:"target"`
	TargetAngle        units.AnglePosition        `json:"target_angle"`
	TargetAstronomical units.AstronomicalPosition `json:"target_astronomical"`

	RunSpeed units.AnglePosition `json:"run_speed"`

	Offset   float64 `json:"offset"`
	Dt       float64 `json:"dt"`
	SpeedCps float64 `json:"speed_cps"`
	SpeedHz  float64 `json:"speed_hz"`

	Error  float64 `json:"error"`
	Output float64 `json:"output"`

	PID PIDState `json:"pid"`
}

// State captures a consistent snapshot of the axis between ticks.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	positionAngle := units.AngleFromDecimal(c.positionLocked() * c.rawToAngle)

	return State{
		Name:                 c.cfg.Name,
		ClosedLoop:           c.closedLoop,
		Tracking:             c.tracking,
		FreeRunning:          c.freeRunning,
		Position:             c.positionLocked(),
		PositionAngle:        positionAngle,
		PositionAstronomical: units.AstronomicalFromDegrees(positionAngle.ToDecimal()),
		Target:               c.targetRawLocked(),
		TargetAngle:          c.targetAngleLocked(),
		TargetAstronomical:   c.targetAstronomicalLocked(),
		RunSpeed:             units.AngleFromDecimal(c.runSpeedRaw * c.rawToAngle),
		Offset:               c.offset,
		Dt:                   c.dt,
		SpeedCps:             c.speedCps,
		SpeedHz:              c.speedHz,
		Error:                c.pid.LastError(),
		Output:               c.pid.LastOutput(),
		PID: PIDState{
			Kp:                  c.pid.Kp,
			Ki:                  c.pid.Ki,
			Kd:                  c.pid.Kd,
			DerivativeFiltering: c.pid.DerivativeFiltering(),
			MaxSlewRate:         c.pid.MaxSlewRate(),
		},
	}
}

// Snapshot is the persisted part of the axis state: everything needed to
// re-hydrate an axis across restarts. Mode flags are stored for the
// record but always forced false on load; a freshly started controller
// must not move until told to.
type Snapshot struct {
	Kp                  float64                     `json:"Kp"`
	Ki                  float64                     `json:"Ki"`
	Kd                  float64                     `json:"Kd"`
	DerivativeFiltering float64                     `json:"derivative_filtering"`
	MaxSlewRate         float64                     `json:"max_slew_rate"`
	Offset              float64                     `json:"offset"`
	Target              float64                     `json:"target"`
	TargetAngle         units.AnglePosition         `json:"target_angle"`
	TargetAstronomical  *units.AstronomicalPosition `json:"target_astronomical,omitempty"`
	Tracking            bool                        `json:"tracking"`
	FreeRunning         bool                        `json:"free_running"`
	ClosedLoop          bool                        `json:"closed_loop"`
}

// Snapshot captures the persistable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		Kp:                  c.pid.Kp,
		Ki:                  c.pid.Ki,
		Kd:                  c.pid.Kd,
		DerivativeFiltering: c.pid.DerivativeFiltering(),
		MaxSlewRate:         c.pid.MaxSlewRate(),
		Offset:              c.offset,
		Target:              c.targetRawLocked(),
		TargetAngle:         c.targetAngleLocked(),
		TargetAstronomical:  c.astronomicalTarget,
		Tracking:            c.tracking,
		FreeRunning:         c.freeRunning,
		ClosedLoop:          c.closedLoop,
	}
}

// Restore replays a persisted snapshot: control parameters and offset
// first, then the setpoint is initialized from the stored target. Mode
// flags are forced false regardless of what was saved.
func (c *Controller) Restore(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.Kp != 0 {
		c.pid.Kp = s.Kp
	}
	if s.Ki != 0 {
		c.pid.Ki = s.Ki
	}
	if s.Kd != 0 {
		c.pid.Kd = s.Kd
	}
	if s.DerivativeFiltering != 0 {
		c.pid.SetDerivativeFiltering(s.DerivativeFiltering)
	}
	if s.MaxSlewRate != 0 {
		c.pid.SetMaxSlewRate(s.MaxSlewRate)
	}

	c.offset = s.Offset
	c.pid.SetPoint = s.Target + c.offset
	if s.TargetAstronomical != nil {
		stored := *s.TargetAstronomical
		c.astronomicalTarget = &stored
	}

	c.tracking = false
	c.freeRunning = false
	c.closedLoop = false
}
