// Package timeline maps per-source timestamps onto one continuous output
// timeline. All times are microseconds.
package timeline

import "math"

// End asks a Step for its last mapped value instead of mapping a sample.
const End int64 = math.MaxInt64

// Epsilon separates the last timestamp of a step from the first timestamp of
// the next one.
const Epsilon int64 = 10

// Interpolator maps a presentation timestamp to a new one.
type Interpolator interface {
	Interpolate(timeUs int64) int64
}

// Func adapts a plain function to Interpolator.
type Func func(timeUs int64) int64

func (f Func) Interpolate(timeUs int64) int64 {
	return f(timeUs)
}

// Identity returns timestamps unchanged.
func Identity() Interpolator {
	return Func(func(timeUs int64) int64 { return timeUs })
}

// Speed plays the output faster (factor > 1) or slower (factor < 1).
// Non-positive factors behave like Identity.
func Speed(factor float64) Interpolator {
	if factor <= 0 || factor == 1 {
		return Identity()
	}
	return Func(func(timeUs int64) int64 {
		return int64(float64(timeUs) / factor)
	})
}

// Step is the mapper owned by one step of a transcode. The first sample it
// sees fixes the input origin; every later sample lands at
// base + (t - origin) before being handed to the wrapped interpolator.
type Step struct {
	wrap   Interpolator
	base   int64
	origin int64
	seeded bool
	last   int64
}

// NewStep returns a Step placing its first sample at base.
func NewStep(base int64, wrap Interpolator) *Step {
	if wrap == nil {
		wrap = Identity()
	}
	return &Step{wrap: wrap, base: base, last: base}
}

// Base returns the time base the step was created with.
func (s *Step) Base() int64 {
	return s.base
}

// Interpolate maps one sample. Passing End returns the last unwrapped value
// without consuming a sample.
func (s *Step) Interpolate(timeUs int64) int64 {
	if timeUs == End {
		return s.last
	}
	if !s.seeded {
		s.origin = timeUs
		s.seeded = true
	}
	s.last = s.base + (timeUs - s.origin)
	return s.wrap.Interpolate(s.last)
}

// Chain builds one Step per transcode step, each seeded from the end of the
// previous one.
type Chain struct {
	steps []*Step
}

// Next creates the mapper for the next step.
func (c *Chain) Next(wrap Interpolator) *Step {
	var base int64
	if n := len(c.steps); n > 0 {
		base = c.steps[n-1].Interpolate(End)
	}
	step := NewStep(base+Epsilon, wrap)
	c.steps = append(c.steps, step)
	return step
}

// At returns the mapper of step i.
func (c *Chain) At(i int) *Step {
	return c.steps[i]
}

func (c *Chain) Len() int {
	return len(c.steps)
}
