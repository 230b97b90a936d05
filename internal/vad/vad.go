// Package vad segments a 16 kHz mono audio stream into speech segments using
// a frame-level Silero VAD detector.
//
// The segmenter is stateful and owns a single stream; create one per session.
// It is synchronous: Process returns immediately with any segments that closed
// during the supplied audio, making it suitable for the pipeline loop that
// gates embedding extraction and transcription.
package vad

import (
	"fmt"
	"time"

	"github.com/streamer45/silero-vad-go/speech"
)

// FrameSize is the number of samples per detector frame at 16 kHz.
const FrameSize = 512

// SampleRate is the only rate the segmenter accepts.
const SampleRate = 16000

// SpeechSegment is a closed region of continuous speech.
type SpeechSegment struct {
	// Start and End are offsets from the beginning of the stream.
	Start time.Duration
	End   time.Duration

	// Samples is the 16 kHz mono audio covering [Start, End).
	Samples []float32

	// HasOverlap marks segments where the energy profile suggests more than
	// one simultaneous speaker.
	HasOverlap bool
}

// Duration returns the segment length.
func (s SpeechSegment) Duration() time.Duration { return s.End - s.Start }

// FrameEvent is the detector's verdict for one frame of audio.
type FrameEvent struct {
	IsStart     bool
	IsEnd       bool
	StartSample int
	EndSample   int
}

// Detector is the frame-level speech detector behind the segmenter. It is an
// interface so tests can script detection sequences without a live model.
type Detector interface {
	// DetectFrame analyses one frame of exactly FrameSize samples.
	DetectFrame(frame []float32) (FrameEvent, error)

	// Reset clears detector state between streams.
	Reset() error

	// Close releases the underlying model session.
	Close() error
}

// sileroDetector adapts silero-vad-go's streaming detector to [Detector].
type sileroDetector struct {
	det *speech.Detector
}

var _ Detector = (*sileroDetector)(nil)

// NewSileroDetector loads the Silero VAD model at modelPath and returns a
// streaming detector. threshold is the speech probability above which a frame
// counts as voiced.
func NewSileroDetector(modelPath string, threshold float32) (Detector, error) {
	det, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:  modelPath,
		SampleRate: SampleRate,
		Threshold:  threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("vad: create silero detector: %w", err)
	}
	return &sileroDetector{det: det}, nil
}

func (d *sileroDetector) DetectFrame(frame []float32) (FrameEvent, error) {
	ev, err := d.det.DetectStreamFrame(frame)
	if err != nil {
		return FrameEvent{}, fmt.Errorf("vad: detect frame: %w", err)
	}
	if ev == nil {
		return FrameEvent{}, nil
	}
	return FrameEvent{
		IsStart:     ev.IsStart,
		IsEnd:       ev.IsEnd,
		StartSample: int(ev.StartSample),
		EndSample:   int(ev.EndSample),
	}, nil
}

func (d *sileroDetector) Reset() error {
	if err := d.det.Reset(); err != nil {
		return fmt.Errorf("vad: reset detector: %w", err)
	}
	return nil
}

func (d *sileroDetector) Close() error {
	if err := d.det.Destroy(); err != nil {
		return fmt.Errorf("vad: destroy detector: %w", err)
	}
	return nil
}

// samplesToDuration converts a sample offset at 16 kHz to a stream offset.
func samplesToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}
