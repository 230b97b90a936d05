// Package session orchestrates the live transcription pipeline: audio
// capture feeds voice-activity segmentation, closed segments are diarized
// and transcribed, and speaker-attributed transcript updates stream out as
// typed events. A [Manager] runs multiple sessions against a shared speaker
// store.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/tessera-audio/tessera/internal/merge"
)

// Severity classifies pipeline failures by how the session reacts to them.
type Severity int

const (
	// SeverityTransient covers resource pressure: quality is reduced and
	// processing continues.
	SeverityTransient Severity = iota

	// SeverityRecoverable covers degraded output, e.g. a diarization
	// failure that falls back to the default speaker.
	SeverityRecoverable

	// SeverityCritical stops the session safely, preserving partial
	// results.
	SeverityCritical

	// SeverityFatal aborts the session; no partial results are usable.
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityTransient:
		return "transient"
	case SeverityRecoverable:
		return "recoverable"
	case SeverityCritical:
		return "critical"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Event is a message on a session's event stream. The concrete types below
// are the only implementations.
type Event interface {
	event()
}

// SpeakerDetected announces a cluster seen for the first time in this
// session.
type SpeakerDetected struct {
	SpeakerID string

	// Known is true when the speaker was re-identified against the
	// persistent store; ProfileID is set in that case.
	Known     bool
	ProfileID uuid.UUID

	Confidence float32
	At         time.Duration
}

// SpeakerActivity reports a speaker becoming active or an attributed span
// closing. Active events carry only Start; closing events carry the full
// span, the transcript text once the first pass produced it, and the
// speakers involved when the span overlaps another.
type SpeakerActivity struct {
	SpeakerID string
	Active    bool
	Start     time.Duration
	End       time.Duration
	Text      string

	HasOverlap          bool
	OverlappingSpeakers []string
}

// UpdateType distinguishes first-pass transcript segments from second-pass
// refinements.
type UpdateType int

const (
	UpdateTypeNew UpdateType = iota
	UpdateTypeRefined
)

func (u UpdateType) String() string {
	if u == UpdateTypeRefined {
		return "refined"
	}
	return "new"
}

// TranscriptionUpdate carries one speaker-attributed transcript segment.
// Refined updates reference time ranges already covered by earlier updates
// and supersede them.
type TranscriptionUpdate struct {
	Type    UpdateType
	Segment merge.MergedSegment
}

// ProcessingProgress is a periodic heartbeat with pipeline health numbers.
type ProcessingProgress struct {
	AudioProcessed time.Duration
	Backlog        int

	// RealTimeFactor is processing time divided by audio time; above 1
	// the pipeline is falling behind.
	RealTimeFactor float64
}

// Warning reports a degradation that did not stop the session.
type Warning struct {
	Stage    string
	Message  string
	Severity Severity
}

// ErrorEvent reports a failure. SeverityCritical and SeverityFatal errors
// are followed by session shutdown.
type ErrorEvent struct {
	Stage    string
	Err      error
	Severity Severity
}

func (SpeakerDetected) event()     {}
func (SpeakerActivity) event()     {}
func (TranscriptionUpdate) event() {}
func (ProcessingProgress) event()  {}
func (Warning) event()             {}
func (ErrorEvent) event()          {}
