package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — captured from the input device,
// resampled to the pipeline rate, and consumed by the inference stages.
type AudioFrame struct {
	// PCM audio data, 16-bit signed little-endian.
	Data []byte

	// SampleRate in Hz (device native on capture, 16000 after resampling).
	SampleRate int

	// Channels: 1 for mono (pipeline format), 2 for stereo capture devices.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the play time of the frame derived from its PCM length.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// SilenceFrame returns a frame of silence with the given duration and format.
// Underruns are filled with silence so downstream stages keep a continuous
// timeline instead of stalling.
func SilenceFrame(d time.Duration, sampleRate, channels int, ts time.Duration) AudioFrame {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return AudioFrame{
		Data:       make([]byte, samples*channels*2),
		SampleRate: sampleRate,
		Channels:   channels,
		Timestamp:  ts,
	}
}

// Source produces a continuous sequence of audio frames from an input device.
//
// Implementations must not block the device callback beyond one frame period;
// when the consumer falls behind, frames are dropped at the source and counted
// rather than queued without bound.
type Source interface {
	// Frames returns the capture channel. The channel is closed when the
	// source stops, either via Close or a fatal device error.
	Frames() <-chan AudioFrame

	// Errors returns a channel that delivers at most one fatal device error
	// (e.g. the input device disappeared mid-session).
	Errors() <-chan error

	// Start begins capture. Returns an error if the device cannot be opened.
	Start() error

	// Close stops capture and releases the device. Safe to call more than once.
	Close() error
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when you don't need the data from a
// streaming channel.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
