// Package pid implements the discrete PID controller that drives each
// telescope axis: proportional/integral/derivative terms with a low-pass
// filtered derivative, a clamped integrator conditioned on output
// saturation, an output slew-rate limit, and output saturation.
package pid

import (
	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/dsp"
)

const (
	// WindupGuard bounds the integrator magnitude.
	WindupGuard = 4000.0

	// DefaultSampleTime is used when no positive sample time is
	// configured, so the derivative never divides by zero.
	DefaultSampleTime = 0.1

	defaultKp    = 1.8
	defaultKi    = 1.0
	defaultKd    = 1.0
	defaultAlpha = 0.75
)

// Controller is a discrete PID controller. It is not safe for concurrent
// use; the owning servo controller serializes access.
type Controller struct {
	Kp float64
	Ki float64
	Kd float64

	// SetPoint is the target value in the feedback's units (here,
	// accumulated encoder counts including the axis offset).
	SetPoint float64

	// SampleTime is the integration interval in seconds. The servo
	// controller refreshes it with the measured tick interval.
	SampleTime float64

	PTerm float64
	ITerm float64
	DTerm float64

	derivativeFilter *dsp.IIRLowPass
	deadband         *dsp.DeadBand
	slewRateLimiter  *dsp.SlewRateLimiter
	saturation       *dsp.SaturationLimiter

	lastError   float64
	lastInput   float64
	lastOutput  float64
	isSaturated bool
}

// New builds a controller with the conventional axis defaults. Deadband,
// saturation and slew limits are unset until configured.
func New() *Controller {
	c := &Controller{
		Kp:               defaultKp,
		Ki:               defaultKi,
		Kd:               defaultKd,
		SampleTime:       DefaultSampleTime,
		derivativeFilter: dsp.NewIIRLowPass(defaultAlpha),
		deadband:         &dsp.DeadBand{},
		slewRateLimiter:  &dsp.SlewRateLimiter{},
		saturation:       &dsp.SaturationLimiter{},
	}
	c.Clear()
	return c
}

// Clear zeroes the controller state: integrator, derivative memory, last
// error, last output and the saturation flag. Gains and limits survive.
func (c *Controller) Clear() {
	c.SetPoint = 0
	c.PTerm = 0
	c.ITerm = 0
	c.DTerm = 0
	c.lastError = 0
	c.lastInput = 0
	c.lastOutput = 0
	c.isSaturated = false
	c.derivativeFilter.Reset()
	c.slewRateLimiter.Reset(0)
}

// SetDeadband configures the symmetric error dead-band.
func (c *Controller) SetDeadband(limit float64) {
	c.deadband.SetLimit(limit)
}

// SetSaturationLimit configures the symmetric output saturation.
func (c *Controller) SetSaturationLimit(limit float64) {
	c.saturation.SetLimit(limit)
}

// SaturationLimit reports the configured output saturation.
func (c *Controller) SaturationLimit() (float64, bool) {
	return c.saturation.Limit()
}

// SetMaxSlewRate configures the maximum output delta per update.
func (c *Controller) SetMaxSlewRate(rate float64) {
	c.slewRateLimiter.SetRate(rate)
}

// MaxSlewRate reports the configured output slew rate.
func (c *Controller) MaxSlewRate() float64 {
	rate, _ := c.slewRateLimiter.Rate()
	return rate
}

// SetDerivativeFiltering replaces the derivative low-pass smoothing factor.
func (c *Controller) SetDerivativeFiltering(alpha float64) {
	c.derivativeFilter.SetAlpha(alpha)
}

// DerivativeFiltering returns the derivative low-pass smoothing factor.
func (c *Controller) DerivativeFiltering() float64 {
	return c.derivativeFilter.Alpha()
}

// LastError returns the dead-banded error from the previous update.
func (c *Controller) LastError() float64 {
	return c.lastError
}

// LastOutput returns the saturated output from the previous update.
func (c *Controller) LastOutput() float64 {
	return c.lastOutput
}

// IsSaturated reports whether the previous update hit the output limit.
func (c *Controller) IsSaturated() bool {
	return c.isSaturated
}

// Update advances the controller one step with the given feedback value
// and returns the commanded output.
//
// The integrator is frozen while the output is saturated and clamped to
// the windup guard otherwise; the derivative acts on the dead-banded error
// and is low-pass filtered before use.
func (c *Controller) Update(feedback float64) float64 {
	sampleTime := c.SampleTime
	if sampleTime <= 0 {
		sampleTime = DefaultSampleTime
	}

	errorValue := c.deadband.Process(c.SetPoint - feedback)

	c.PTerm = c.Kp * errorValue

	if !c.isSaturated {
		c.ITerm += errorValue * sampleTime
	}
	c.ITerm = dsp.Saturate(c.ITerm, WindupGuard, -WindupGuard)

	c.DTerm = c.derivativeFilter.Process((errorValue - c.lastError) / sampleTime)

	output := c.PTerm + c.Ki*c.ITerm + c.Kd*c.DTerm

	output = c.slewRateLimiter.Process(output)
	limited := c.saturation.Process(output)
	c.isSaturated = limited != output

	c.lastError = errorValue
	c.lastInput = feedback
	c.lastOutput = limited

	return limited
}
