// Package lrschedule implements the learning-rate policy used for
// large-batch synchronous training: the linear scaling rule, a linear
// warmup phase and a stepwise decay, following Goyal et al., "Accurate,
// Large Minibatch SGD: Training ImageNet in 1 Hour".
//
// The package is pure host-side arithmetic: it computes scalar learning
// rates from a run configuration and a global step counter. Feeding the
// values into the training graph is done by Attach.
package lrschedule

import (
	"sort"

	. "github.com/gomlx/exceptions"
)

// Interpolation selects how the learning rate behaves between two
// schedule points.
type Interpolation int

const (
	// InterpNone holds the value of the most recent point until the next
	// point is reached.
	InterpNone Interpolation = iota

	// InterpLinear interpolates linearly between consecutive points.
	InterpLinear
)

// Point sets the learning rate value at a given global step.
type Point struct {
	Step  int64
	Value float64
}

// Schedule is an ordered sequence of points with an interpolation mode.
// Steps are strictly increasing: adding a point at or before the last
// one panics.
type Schedule struct {
	interp Interpolation
	points []Point
}

// NewSchedule creates a schedule with the given interpolation mode and
// optional initial points (which must come in strictly increasing step
// order).
func NewSchedule(interp Interpolation, points ...Point) *Schedule {
	s := &Schedule{interp: interp}
	for _, p := range points {
		s.Add(p.Step, p.Value)
	}
	return s
}

// Add appends a point to the schedule and returns the schedule, so
// calls can be chained.
func (s *Schedule) Add(step int64, value float64) *Schedule {
	if step < 0 {
		Panicf("schedule step must be >= 0, got %d", step)
	}
	if n := len(s.points); n > 0 && step <= s.points[n-1].Step {
		Panicf("schedule steps must be strictly increasing: got step %d after %d",
			step, s.points[n-1].Step)
	}
	s.points = append(s.points, Point{Step: step, Value: value})
	return s
}

// Points returns a copy of the schedule points.
func (s *Schedule) Points() []Point {
	out := make([]Point, len(s.points))
	copy(out, s.points)
	return out
}

// ValueAt returns the scheduled value at the given step. The boolean is
// false when the step precedes the first point, that is, when the
// schedule has nothing to say yet.
func (s *Schedule) ValueAt(step int64) (float64, bool) {
	if len(s.points) == 0 || step < s.points[0].Step {
		return 0, false
	}
	// Index of the last point with Step <= step.
	idx := sort.Search(len(s.points), func(i int) bool {
		return s.points[i].Step > step
	}) - 1
	last := s.points[idx]
	if s.interp == InterpNone || idx == len(s.points)-1 {
		return last.Value, true
	}
	next := s.points[idx+1]
	frac := float64(step-last.Step) / float64(next.Step-last.Step)
	return last.Value + frac*(next.Value-last.Value), true
}
