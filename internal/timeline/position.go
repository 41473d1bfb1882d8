// Package timeline converts between wall-clock seconds and musical time
// expressed as bar/beat/tick.
package timeline

import (
	"errors"
	"fmt"
	"math"
)

// TicksPerBeat is the fixed tick resolution of a beat.
const TicksPerBeat = 480

// ErrInvalidParameter is returned for a tempo, time signature or time value
// that cannot be converted.
var ErrInvalidParameter = errors.New("invalid parameter")

// maxTicks bounds conversions so float→int never overflows.
const maxTicks = 1 << 52

const tickEpsilon = 1e-6

// TimeSignature is a meter such as 4/4 or 6/8. Numerator is the number of
// beats per bar.
type TimeSignature struct {
	Numerator   int `json:"numerator" yaml:"numerator"`
	Denominator int `json:"denominator" yaml:"denominator"`
}

// CommonTime is 4/4.
var CommonTime = TimeSignature{Numerator: 4, Denominator: 4}

// Validate reports ErrInvalidParameter for non-positive parts.
func (ts TimeSignature) Validate() error {
	if ts.Numerator <= 0 {
		return fmt.Errorf("%w: beats per bar %d", ErrInvalidParameter, ts.Numerator)
	}
	if ts.Denominator <= 0 {
		return fmt.Errorf("%w: beat unit %d", ErrInvalidParameter, ts.Denominator)
	}
	return nil
}

func (ts TimeSignature) String() string {
	return fmt.Sprintf("%d/%d", ts.Numerator, ts.Denominator)
}

// ValidateTempo reports ErrInvalidParameter unless bpm is finite and positive.
func ValidateTempo(bpm float64) error {
	if math.IsNaN(bpm) || math.IsInf(bpm, 0) || bpm <= 0 {
		return fmt.Errorf("%w: tempo %v", ErrInvalidParameter, bpm)
	}
	return nil
}

// TicksPerSecond returns how many ticks elapse per second at bpm.
func TicksPerSecond(bpm float64) float64 {
	return bpm / 60 * TicksPerBeat
}

// Position is a normalized musical time: Beat < beats per bar and
// Tick < TicksPerBeat. Bars and beats count from zero.
type Position struct {
	Bar  int `json:"bar"`
	Beat int `json:"beat"`
	Tick int `json:"tick"`
}

// IsZero reports whether p is the start of the timeline.
func (p Position) IsZero() bool {
	return p == Position{}
}

// String renders p one-based, as shown on a transport display.
func (p Position) String() string {
	return fmt.Sprintf("%d.%d.%03d", p.Bar+1, p.Beat+1, p.Tick)
}

// TotalTicks returns the absolute tick offset of p from the start.
func (p Position) TotalTicks(ts TimeSignature) int64 {
	beats := int64(p.Bar)*int64(ts.Numerator) + int64(p.Beat)
	return beats*TicksPerBeat + int64(p.Tick)
}

// FromTicks builds the normalized position of an absolute tick offset.
func FromTicks(ticks int64, ts TimeSignature) (Position, error) {
	if err := ts.Validate(); err != nil {
		return Position{}, err
	}
	if ticks < 0 || ticks > maxTicks {
		return Position{}, fmt.Errorf("%w: tick offset %d", ErrInvalidParameter, ticks)
	}
	beats := ticks / TicksPerBeat
	return Position{
		Bar:  int(beats / int64(ts.Numerator)),
		Beat: int(beats % int64(ts.Numerator)),
		Tick: int(ticks % TicksPerBeat),
	}, nil
}

// Advance returns p moved forward by seconds of wall-clock time at the given
// tempo and meter. Partial ticks are truncated; p is not modified.
func (p Position) Advance(seconds, bpm float64, ts TimeSignature) (Position, error) {
	delta, err := secondsToTicks(seconds, bpm, ts)
	if err != nil {
		return p, err
	}
	start := p.TotalTicks(ts)
	if start < 0 {
		return p, fmt.Errorf("%w: position %v", ErrInvalidParameter, p)
	}
	next, err := FromTicks(start+delta, ts)
	if err != nil {
		return p, err
	}
	return next, nil
}

// ToSeconds returns the wall-clock offset of p at the given tempo and meter.
func (p Position) ToSeconds(bpm float64, ts TimeSignature) (float64, error) {
	if err := ValidateTempo(bpm); err != nil {
		return 0, err
	}
	if err := ts.Validate(); err != nil {
		return 0, err
	}
	return float64(p.TotalTicks(ts)) / TicksPerSecond(bpm), nil
}

// FromSeconds returns the position reached seconds after the start.
func FromSeconds(seconds, bpm float64, ts TimeSignature) (Position, error) {
	return Position{}.Advance(seconds, bpm, ts)
}

func secondsToTicks(seconds, bpm float64, ts TimeSignature) (int64, error) {
	if err := ValidateTempo(bpm); err != nil {
		return 0, err
	}
	if err := ts.Validate(); err != nil {
		return 0, err
	}
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return 0, fmt.Errorf("%w: duration %v", ErrInvalidParameter, seconds)
	}
	// The epsilon keeps ToSeconds→FromSeconds stable when the product lands
	// a hair under a whole tick.
	ticks := math.Floor(seconds*TicksPerSecond(bpm) + tickEpsilon)
	if ticks > maxTicks {
		return 0, fmt.Errorf("%w: duration %v out of range", ErrInvalidParameter, seconds)
	}
	return int64(ticks), nil
}
