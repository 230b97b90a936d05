// Package resource watches process CPU, memory, and pipeline backlog, and
// maps them onto a pressure state the pipeline adapts to.
//
// State moves down (toward Critical) immediately when a threshold is
// breached, but only moves back up after several consecutive clean samples.
// The hysteresis keeps the ASR tier from flapping when load hovers around a
// threshold.
package resource

import (
	"time"
)

// State is the pressure level, ordered from healthy to overloaded.
type State int

const (
	Normal State = iota
	Elevated
	Throttled
	Critical
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Elevated:
		return "elevated"
	case Throttled:
		return "throttled"
	case Critical:
		return "critical"
	}
	return "unknown"
}

// Sample is one point-in-time reading.
type Sample struct {
	// CPUFraction is process CPU usage over the sampling interval,
	// normalised to [0, 1] across all cores.
	CPUFraction float64

	// MemoryMb is the process resident set size.
	MemoryMb int

	// Backlog is the pipeline inference queue depth.
	Backlog int

	Taken time.Time
}

// Thresholds define when each state engages.
type Thresholds struct {
	// MaxMemoryMb is the soft ceiling; Elevated starts at 70% of it,
	// Throttled at 90%, Critical at 110%.
	MaxMemoryMb int

	// CPU levels for Elevated / Throttled / Critical.
	CPUElevated  float64
	CPUThrottled float64
	CPUCritical  float64

	// Backlog levels, in queued chunks.
	BacklogElevated  int
	BacklogThrottled int
}

// DefaultThresholds returns the standard levels for the given memory ceiling.
func DefaultThresholds(maxMemoryMb int) Thresholds {
	return Thresholds{
		MaxMemoryMb:      maxMemoryMb,
		CPUElevated:      0.70,
		CPUThrottled:     0.85,
		CPUCritical:      0.95,
		BacklogElevated:  16,
		BacklogThrottled: 48,
	}
}

// classify maps one sample onto the state its worst metric demands.
func (t Thresholds) classify(s Sample) State {
	state := Normal

	raise := func(to State) {
		if to > state {
			state = to
		}
	}

	switch {
	case s.CPUFraction >= t.CPUCritical:
		raise(Critical)
	case s.CPUFraction >= t.CPUThrottled:
		raise(Throttled)
	case s.CPUFraction >= t.CPUElevated:
		raise(Elevated)
	}

	if t.MaxMemoryMb > 0 {
		switch {
		case s.MemoryMb >= t.MaxMemoryMb*11/10:
			raise(Critical)
		case s.MemoryMb >= t.MaxMemoryMb*9/10:
			raise(Throttled)
		case s.MemoryMb >= t.MaxMemoryMb*7/10:
			raise(Elevated)
		}
	}

	switch {
	case s.Backlog >= t.BacklogThrottled:
		raise(Throttled)
	case s.Backlog >= t.BacklogElevated:
		raise(Elevated)
	}

	return state
}

// Transition describes one state change.
type Transition struct {
	From  State
	To    State
	Cause Sample
}

// Tracker folds samples into a pressure state with hysteresis.
// Not safe for concurrent use; the controller goroutine owns it.
type Tracker struct {
	thresholds      Thresholds
	recoverySamples int

	state State
	clean int // consecutive samples classifying below current state
}

// NewTracker returns a tracker that requires recoverySamples consecutive
// below-state samples before upgrading.
func NewTracker(thresholds Thresholds, recoverySamples int) *Tracker {
	if recoverySamples < 1 {
		recoverySamples = 3
	}
	return &Tracker{thresholds: thresholds, recoverySamples: recoverySamples}
}

// State returns the current pressure state.
func (tr *Tracker) State() State { return tr.state }

// Observe folds one sample in and reports a transition when the state moved.
func (tr *Tracker) Observe(s Sample) (Transition, bool) {
	target := tr.thresholds.classify(s)

	if target > tr.state {
		// Downgrade immediately, in one step.
		t := Transition{From: tr.state, To: target, Cause: s}
		tr.state = target
		tr.clean = 0
		return t, true
	}

	if target < tr.state {
		tr.clean++
		if tr.clean >= tr.recoverySamples {
			// Upgrade one level at a time.
			t := Transition{From: tr.state, To: tr.state - 1, Cause: s}
			tr.state--
			tr.clean = 0
			return t, true
		}
		return Transition{}, false
	}

	tr.clean = 0
	return Transition{}, false
}
