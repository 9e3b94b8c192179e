// Package units provides the position value types used throughout the servo
// controller: raw encoder counts, sexagesimal mechanical angles, and
// sexagesimal astronomical coordinates (hour angle / right ascension).
//
// All three representations are interchangeable through decimal degrees.
// No angular wrap is ever applied: -10 degrees and 350 degrees are distinct
// values, and accumulated positions are free-running across revolutions.
package units

import (
	"fmt"
	"math"
)

// HoursToDegrees converts decimal hours to decimal degrees (1h = 15 deg).
const HoursToDegrees = 15.0

// RawCounts is an accumulated encoder position in counts. It is signed and
// unbounded: the wrap-unwrap accumulator in the servo controller is free to
// run across any number of revolutions.
type RawCounts int64

// AnglePosition is a mechanical angle in sexagesimal form
// (degrees, arc-minutes, arc-seconds).
//
// Components may be independently signed on input; the canonical form
// produced by AngleFromDecimal carries the sign on the first non-zero component
// with the remaining fractional parts non-negative.
type AnglePosition struct {
	Degrees int     `json:"degrees"`
	Minutes int     `json:"minutes"`
	Seconds float64 `json:"seconds"`
}

// AstronomicalPosition is an astronomical coordinate in sexagesimal form
// (hours, minutes, seconds of right ascension or hour angle).
type AstronomicalPosition struct {
	Hours   int     `json:"hours"`
	Minutes int     `json:"minutes"`
	Seconds float64 `json:"seconds"`
}

// sexagesimalSign returns the sign carried by the first non-zero component.
func sexagesimalSign(first, second int, third float64) float64 {
	switch {
	case first != 0:
		if first < 0 {
			return -1
		}
	case second != 0:
		if second < 0 {
			return -1
		}
	case third != 0:
		if third < 0 {
			return -1
		}
	}
	return 1
}

// toDecimal folds sexagesimal components into a signed decimal value.
// The magnitude is the sum of the absolute components; the sign comes from
// the first non-zero component.
func toDecimal(first, second int, third float64) float64 {
	sign := sexagesimalSign(first, second, third)
	magnitude := math.Abs(float64(first)) +
		math.Abs(float64(second))/60.0 +
		math.Abs(third)/3600.0
	return sign * magnitude
}

// fromDecimal decomposes a signed decimal value into canonical sexagesimal
// components: seconds and minutes in [0, 60) with the sign carried on the
// first non-zero component.
func fromDecimal(value float64) (int, int, float64) {
	sign := 1.0
	if value < 0 {
		sign = -1.0
	}

	magnitude := math.Abs(value)
	first := math.Floor(magnitude)
	remainder := (magnitude - first) * 60.0
	second := math.Floor(remainder)
	third := (remainder - second) * 60.0

	// Guard against floating point spill at the component boundaries.
	if third >= 60.0 {
		third -= 60.0
		second++
	}
	if second >= 60.0 {
		second -= 60.0
		first++
	}

	// The sign rides on the first non-zero component so that the value
	// survives a round trip even when the leading components are zero.
	switch {
	case first != 0:
		first *= sign
	case second != 0:
		second *= sign
	default:
		third *= sign
	}

	return int(first), int(second), third
}

// AngleFromDecimal canonicalizes decimal degrees into an AnglePosition.
func AngleFromDecimal(degrees float64) AnglePosition {
	d, m, s := fromDecimal(degrees)
	return AnglePosition{Degrees: d, Minutes: m, Seconds: s}
}

// ToDecimal returns the angle as signed decimal degrees.
func (a AnglePosition) ToDecimal() float64 {
	return toDecimal(a.Degrees, a.Minutes, a.Seconds)
}

// ToDegrees is an alias for ToDecimal: an AnglePosition already measures
// degrees.
func (a AnglePosition) ToDegrees() float64 {
	return a.ToDecimal()
}

// Canonical returns the canonical form of the angle, with minutes and
// seconds normalized into [0, 60) and the sign on the leading non-zero
// component.
func (a AnglePosition) Canonical() AnglePosition {
	return AngleFromDecimal(a.ToDecimal())
}

// Add returns the component-wise sum of two angles. No normalization is
// applied; relative goto requests are folded into the target through
// ToDecimal, which accepts denormalized components.
func (a AnglePosition) Add(other AnglePosition) AnglePosition {
	return AnglePosition{
		Degrees: a.Degrees + other.Degrees,
		Minutes: a.Minutes + other.Minutes,
		Seconds: a.Seconds + other.Seconds,
	}
}

// String renders the angle for logs and the console client.
func (a AnglePosition) String() string {
	return fmt.Sprintf("%+d° %d' %.1f\"", a.Degrees, a.Minutes, a.Seconds)
}

// AstronomicalFromDecimal canonicalizes decimal hours into an
// AstronomicalPosition.
func AstronomicalFromDecimal(hours float64) AstronomicalPosition {
	h, m, s := fromDecimal(hours)
	return AstronomicalPosition{Hours: h, Minutes: m, Seconds: s}
}

// AstronomicalFromDegrees converts decimal degrees into an
// AstronomicalPosition (15 degrees per hour).
func AstronomicalFromDegrees(degrees float64) AstronomicalPosition {
	return AstronomicalFromDecimal(degrees / HoursToDegrees)
}

// ToDecimal returns the coordinate as signed decimal hours.
func (p AstronomicalPosition) ToDecimal() float64 {
	return toDecimal(p.Hours, p.Minutes, p.Seconds)
}

// ToDegrees returns the coordinate as signed decimal degrees.
func (p AstronomicalPosition) ToDegrees() float64 {
	return p.ToDecimal() * HoursToDegrees
}

// Canonical returns the canonical form of the coordinate.
func (p AstronomicalPosition) Canonical() AstronomicalPosition {
	return AstronomicalFromDecimal(p.ToDecimal())
}

// Add returns the component-wise sum of two coordinates, without
// normalization.
func (p AstronomicalPosition) Add(other AstronomicalPosition) AstronomicalPosition {
	return AstronomicalPosition{
		Hours:   p.Hours + other.Hours,
		Minutes: p.Minutes + other.Minutes,
		Seconds: p.Seconds + other.Seconds,
	}
}

// String renders the coordinate for logs and the console client.
func (p AstronomicalPosition) String() string {
	return fmt.Sprintf("%dh %dm %.1fs", p.Hours, p.Minutes, p.Seconds)
}
