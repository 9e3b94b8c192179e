package servo

import (
	"sync"
	"time"

	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/dsp"
	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/pid"
	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/units"
)

const positionFilterLength = 3

// Controller is the per-axis servo state machine. It ingests raw encoder
// samples, unwraps them into an unbounded signed position, runs the PID
// loop against the active target, and commands the stepper sink.
//
// All exported methods are safe for concurrent use: the control plane
// mutates targets and modes while the polling goroutine ticks Update, and
// a single mutex makes every mutation atomic with respect to a tick.
type Controller struct {
	mu sync.Mutex

	cfg  AxisConfig
	sink Sink

	// Derived constants, fixed at construction.
	angleToRaw    float64
	rawToAngle    float64
	countsPerStep float64

	pid            *pid.Controller
	positionFilter *dsp.MovingAverage

	// position is the wrap-unwrapped accumulated encoder value. It is
	// signed and unbounded; offset rebases it into the user frame.
	position int64
	offset   float64

	oldValue   int64
	haveSample bool

	oldTimestamp  time.Time
	haveTimestamp bool
	dt            float64

	speedCps float64
	speedHz  float64

	runSpeedRaw float64

	tracking    bool
	freeRunning bool
	closedLoop  bool

	// astronomicalTarget, when set, is the authoritative target: its
	// angular value is re-projected into the PID setpoint every tick
	// while tracking.
	astronomicalTarget *units.AstronomicalPosition
}

// NewController validates the axis configuration and builds a controller
// wired to the given stepper sink. A nil sink behaves like NopSink.
func NewController(cfg AxisConfig, sink Sink) (*Controller, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = NopSink{}
	}

	angleToRaw := (float64(CountsPerRevolution) / 360.0) / (cfg.GearRatioNum / cfg.GearRatioDen)
	countsPerStep := CountsPerStep(cfg.Steps)
	interval := float64(cfg.Interval) / 1000.0

	// Half a motor step in encoder counts: errors below this are noise
	// the motor cannot act on.
	deadbandLimit := float64(CountsPerRevolution) / (2.0 * float64(cfg.Steps))
	slewRateLimit := 10.0 * (1.0 / 360.0) * float64(cfg.Steps) *
		(cfg.GearRatioDen / cfg.GearRatioNum) * interval

	c := &Controller{
		cfg:            cfg,
		sink:           sink,
		angleToRaw:     angleToRaw,
		rawToAngle:     1.0 / angleToRaw,
		countsPerStep:  countsPerStep,
		pid:            pid.New(),
		positionFilter: dsp.NewMovingAverage(positionFilterLength),
		dt:             interval,
	}

	c.pid.Kp = cfg.Kp
	c.pid.Ki = cfg.Ki
	c.pid.Kd = cfg.Kd
	c.pid.SampleTime = interval
	c.pid.SetDeadband(deadbandLimit)
	c.pid.SetMaxSlewRate(slewRateLimit)
	c.pid.SetSaturationLimit(HzToCps(cfg.MaxSpeed, countsPerStep))
	c.pid.SetDerivativeFiltering(cfg.DerivativeFiltering)

	return c, nil
}

// Config returns the axis configuration.
func (c *Controller) Config() AxisConfig {
	return c.cfg
}

// nominalDt is the configured sample period in seconds.
func (c *Controller) nominalDt() float64 {
	return float64(c.cfg.Interval) / 1000.0
}

// positionLocked is the user-visible signed position in counts.
func (c *Controller) positionLocked() float64 {
	return float64(c.position) - c.offset
}

// targetRawLocked is the user-visible target in counts.
func (c *Controller) targetRawLocked() float64 {
	return c.pid.SetPoint - c.offset
}

// setTargetRawLocked stores a raw target. The stored astronomical target
// is replaced by the projection of the new angle, so a later tracking tick
// holds the position the caller just asked for.
func (c *Controller) setTargetRawLocked(raw float64) {
	c.pid.SetPoint = raw + c.offset
	projected := units.AstronomicalFromDegrees(c.targetAngleLocked().ToDecimal())
	c.astronomicalTarget = &projected
}

func (c *Controller) targetAngleLocked() units.AnglePosition {
	return units.AngleFromDecimal(c.targetRawLocked() * c.rawToAngle)
}

func (c *Controller) targetAstronomicalLocked() units.AstronomicalPosition {
	if c.astronomicalTarget != nil {
		return *c.astronomicalTarget
	}
	return units.AstronomicalFromDegrees(c.targetAngleLocked().ToDecimal())
}

// setClosedLoopLocked switches between open and closed loop. Engaging the
// loop seeds the target to the current position so re-engagement produces
// no transient; disengaging also clears free-running.
func (c *Controller) setClosedLoopLocked(value bool) {
	wasClosed := c.closedLoop
	c.closedLoop = value
	if !value {
		c.freeRunning = false
	} else if !wasClosed {
		c.setTargetRawLocked(c.positionLocked())
	}
}

// ClosedLoop reports whether the servo loop is engaged.
func (c *Controller) ClosedLoop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedLoop
}

// SetClosedLoop engages or disengages the servo loop.
func (c *Controller) SetClosedLoop(value bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setClosedLoopLocked(value)
}

// Tracking reports whether the astronomical target is re-projected each
// tick.
func (c *Controller) Tracking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracking
}

// SetTracking enables or disables astronomical tracking.
func (c *Controller) SetTracking(value bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracking = value
}

// FreeRunning reports whether the axis is slewing at a constant rate.
func (c *Controller) FreeRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freeRunning
}

// SetFreeRunning sets the free-running flag directly. Prefer SetRunSpeed,
// which keeps the flag consistent with the configured rate.
func (c *Controller) SetFreeRunning(value bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freeRunning = value
}

// RunSpeed returns the continuous slew rate in angular form (degrees and
// fractions per second).
func (c *Controller) RunSpeed() units.AnglePosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return units.AngleFromDecimal(c.runSpeedRaw * c.rawToAngle)
}

// SetRunSpeed sets the continuous slew rate from a sexagesimal angular
// rate per second.
func (c *Controller) SetRunSpeed(speed units.AnglePosition) {
	c.SetRunSpeedDegrees(speed.ToDecimal())
}

// SetRunSpeedDegrees sets the continuous slew rate in degrees per second.
// A non-zero rate engages free-running (and with it the closed loop); zero
// clears free-running.
func (c *Controller) SetRunSpeedDegrees(degreesPerSecond float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.runSpeedRaw = degreesPerSecond * c.angleToRaw
	if c.runSpeedRaw != 0 {
		c.freeRunning = true
		c.setClosedLoopLocked(true)
	} else {
		c.freeRunning = false
	}
}

// Position returns the user-visible signed position in counts. It is
// free-running across revolutions; no wrap applies.
func (c *Controller) Position() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked()
}

// PositionAngle returns the position as a mechanical angle.
func (c *Controller) PositionAngle() units.AnglePosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return units.AngleFromDecimal(c.positionLocked() * c.rawToAngle)
}

// PositionAstronomical returns the position as an astronomical coordinate.
func (c *Controller) PositionAstronomical() units.AstronomicalPosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return units.AstronomicalFromDegrees(units.AngleFromDecimal(c.positionLocked() * c.rawToAngle).ToDecimal())
}

// TargetRaw returns the user-visible target in counts.
func (c *Controller) TargetRaw() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetRawLocked()
}

// SetTargetRaw sets a positional goto target in raw counts. This engages
// the closed loop and cancels free-running; the stored astronomical target
// becomes the projection of the new angle.
func (c *Controller) SetTargetRaw(raw float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setClosedLoopLocked(true)
	c.freeRunning = false
	c.setTargetRawLocked(raw)
}

// TargetAngle returns the target as a mechanical angle.
func (c *Controller) TargetAngle() units.AnglePosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetAngleLocked()
}

// SetTargetAngle sets a positional goto target from a mechanical angle.
func (c *Controller) SetTargetAngle(angle units.AnglePosition) {
	c.SetTargetAngleDegrees(angle.ToDecimal())
}

// SetTargetAngleDegrees sets a positional goto target in decimal degrees.
func (c *Controller) SetTargetAngleDegrees(degrees float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setClosedLoopLocked(true)
	c.freeRunning = false
	c.setTargetRawLocked(degrees * c.angleToRaw)
}

// TargetAstronomical returns the stored astronomical target when present,
// otherwise the projection of the current target angle.
func (c *Controller) TargetAstronomical() units.AstronomicalPosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetAstronomicalLocked()
}

// SetTargetAstronomical sets an astronomical goto target and enables
// tracking. The value is kept verbatim so the caller can advance it (for
// example at sidereal rate) and have the setpoint follow tick by tick.
func (c *Controller) SetTargetAstronomical(target units.AstronomicalPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setClosedLoopLocked(true)
	c.freeRunning = false
	c.setTargetRawLocked(target.ToDegrees() * c.angleToRaw)
	stored := target
	c.astronomicalTarget = &stored
	c.tracking = true
}

// SyncRaw rebases the user-visible frame so the current physical position
// reads as real. The axis does not move.
func (c *Controller) SyncRaw(real float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncRawLocked(real)
}

func (c *Controller) syncRawLocked(real float64) {
	c.offset = float64(c.position) - real
}

// SyncAngle rebases the frame to the given mechanical angle, then targets
// that same angle so the axis holds still against the new frame.
func (c *Controller) SyncAngle(angle units.AnglePosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncRawLocked(angle.ToDecimal() * c.angleToRaw)
	c.setClosedLoopLocked(true)
	c.freeRunning = false
	c.setTargetRawLocked(angle.ToDecimal() * c.angleToRaw)
}

// SyncAstronomical rebases the frame to the given astronomical coordinate
// and re-engages tracking on it.
func (c *Controller) SyncAstronomical(target units.AstronomicalPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncRawLocked(target.ToDegrees() * c.angleToRaw)
	c.setClosedLoopLocked(true)
	c.freeRunning = false
	c.setTargetRawLocked(target.ToDegrees() * c.angleToRaw)
	stored := target
	c.astronomicalTarget = &stored
	c.tracking = true
}

// ControlParameters are the runtime-mutable PID settings.
type ControlParameters struct {
	Kp                  *float64 `json:"Kp,omitempty"`
	Ki                  *float64 `json:"Ki,omitempty"`
	Kd                  *float64 `json:"Kd,omitempty"`
	DerivativeFiltering *float64 `json:"derivative_filtering,omitempty"`
	MaxSlewRate         *float64 `json:"max_slew_rate,omitempty"`
	SetPoint            *float64 `json:"setpoint,omitempty"`
}

// SetControlParameters applies the non-nil fields atomically.
func (c *Controller) SetControlParameters(p ControlParameters) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.Kp != nil {
		c.pid.Kp = *p.Kp
	}
	if p.Ki != nil {
		c.pid.Ki = *p.Ki
	}
	if p.Kd != nil {
		c.pid.Kd = *p.Kd
	}
	if p.DerivativeFiltering != nil {
		c.pid.SetDerivativeFiltering(*p.DerivativeFiltering)
	}
	if p.MaxSlewRate != nil {
		c.pid.SetMaxSlewRate(*p.MaxSlewRate)
	}
	if p.SetPoint != nil {
		c.pid.SetPoint = *p.SetPoint
	}
}

// Update ingests one raw encoder sample using the wall clock and returns
// the commanded step frequency.
func (c *Controller) Update(raw uint32) float64 {
	return c.UpdateAt(raw, time.Now())
}

// UpdateAt ingests one raw encoder sample stamped at now. It always
// advances state and always returns a frequency (possibly zero); I/O
// failures in the sink are absorbed there.
func (c *Controller) UpdateAt(raw uint32, now time.Time) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	value := int64(raw)
	if c.cfg.Invert {
		value = CountsPerRevolution - value
	}

	if !c.haveSample {
		// First sample: seed the accumulator, no delta to apply.
		c.position = value
		c.oldValue = value
		c.haveSample = true
	} else {
		c.position += unwrapDelta(value, c.oldValue)
		c.oldValue = value
	}

	filtered := c.positionFilter.Process(float64(c.position))

	if c.haveTimestamp {
		dt := now.Sub(c.oldTimestamp).Seconds()
		if dt <= 0 {
			dt = c.nominalDt()
		}
		c.dt = dt
	}
	c.oldTimestamp = now
	c.haveTimestamp = true

	if c.tracking && !c.freeRunning {
		// Re-project the astronomical target every tick so a
		// time-varying coordinate (hour angle advancing at sidereal
		// rate) takes effect. The stored target itself is preserved.
		c.pid.SetPoint = c.targetAstronomicalLocked().ToDegrees()*c.angleToRaw + c.offset
	}

	if c.freeRunning {
		c.setTargetRawLocked(c.targetRawLocked() + c.runSpeedRaw*c.dt)
	}

	if !c.closedLoop {
		// Open loop: the target shadows the filtered position so
		// re-engagement starts with zero error.
		c.setTargetRawLocked(filtered - c.offset)
	}

	c.pid.SampleTime = c.dt
	newCps := c.pid.Update(filtered)

	if c.closedLoop {
		if c.cfg.Invert {
			newCps = -newCps
		}

		newSpeed := CpsToHz(newCps, c.countsPerStep)
		_ = c.sink.SetFrequency(c.cfg.Axis, newSpeed)

		c.speedCps = newCps
		c.speedHz = newSpeed
	}

	return c.speedHz
}

// unwrapDelta picks the shortest signed circular delta between two raw
// readings, so a sweep across the wrap boundary accumulates monotonically.
func unwrapDelta(value, oldValue int64) int64 {
	dv := value - oldValue
	dvAbs := dv
	if dvAbs < 0 {
		dvAbs = -dvAbs
	}

	mod := dv % CountsPerRevolution
	if mod < 0 {
		mod += CountsPerRevolution
	}

	dvWrapped := dvAbs
	if mod < dvWrapped {
		dvWrapped = mod
	}
	if CountsPerRevolution-dvAbs < dvWrapped {
		dvWrapped = CountsPerRevolution - dvAbs
	}

	if dvWrapped == dvAbs {
		return dv
	}
	// The shortest arc crosses the wrap boundary: it runs opposite to
	// the direct difference.
	if dv >= 0 {
		return -dvWrapped
	}
	return dvWrapped
}
