// This file contains the miniaudio-backed capture source. The malgo device
// callback runs on an audio thread owned by the OS backend and must never
// block; frames are handed off through a buffered channel and dropped (with
// a counter) when the consumer falls behind.

package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
)

// Compile-time assertion that MalgoSource satisfies Source.
var _ Source = (*MalgoSource)(nil)

const (
	// captureQueueCap bounds the hand-off channel between the device
	// callback and the pipeline. At 20 ms per frame this is ~1.3 s of slack.
	captureQueueCap = 64

	// underrunAfter is how long the monitor waits without a device frame
	// before injecting silence to keep the downstream timeline continuous.
	underrunAfter = 100 * time.Millisecond
)

// ErrDeviceLost is delivered on Errors when the capture device disappears
// mid-session. It is fatal: the session cannot continue without audio.
var ErrDeviceLost = errors.New("audio: capture device lost")

// CaptureConfig holds parameters for opening a capture device.
type CaptureConfig struct {
	// SampleRate requested from the device. 0 lets the backend pick the
	// device's native rate; the resampler normalises downstream.
	SampleRate int

	// Channels requested from the device. Defaults to 1.
	Channels int

	// DeviceName selects a capture device by name substring. Empty uses
	// the system default device.
	DeviceName string
}

// MalgoSource captures PCM audio from an input device via miniaudio.
// All exported methods are safe for concurrent use.
type MalgoSource struct {
	cfg CaptureConfig

	mctx   *malgo.AllocatedContext
	device *malgo.Device

	frames chan AudioFrame
	errs   chan error

	started   time.Time
	dropped   atomic.Int64
	lastFrame atomic.Int64 // monotonic ns of last callback

	stopMonitor chan struct{}
	closeOnce   sync.Once
}

// NewMalgoSource creates a capture source for the given configuration.
// The device is not opened until Start.
func NewMalgoSource(cfg CaptureConfig) *MalgoSource {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return &MalgoSource{
		cfg:         cfg,
		frames:      make(chan AudioFrame, captureQueueCap),
		errs:        make(chan error, 1),
		stopMonitor: make(chan struct{}),
	}
}

// Frames returns the capture channel. Closed when the source stops.
func (s *MalgoSource) Frames() <-chan AudioFrame { return s.frames }

// Errors returns the fatal-error channel. At most one error is delivered.
func (s *MalgoSource) Errors() <-chan error { return s.errs }

// Dropped reports the number of frames discarded because the consumer fell
// behind the capture queue.
func (s *MalgoSource) Dropped() int64 { return s.dropped.Load() }

// Start opens the capture device and begins delivering frames.
func (s *MalgoSource) Start() error {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return fmt.Errorf("audio: init capture context: %w", err)
	}
	s.mctx = mctx

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = uint32(s.cfg.Channels)
	if s.cfg.SampleRate > 0 {
		devCfg.SampleRate = uint32(s.cfg.SampleRate)
	}
	devCfg.Alsa.NoMMap = 1

	s.started = time.Now()
	s.lastFrame.Store(time.Now().UnixNano())

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, raw []byte, _ uint32) {
			if len(raw) == 0 {
				return
			}
			data := make([]byte, len(raw))
			copy(data, raw)
			frame := AudioFrame{
				Data:       data,
				SampleRate: int(devCfg.SampleRate),
				Channels:   s.cfg.Channels,
				Timestamp:  time.Since(s.started),
			}
			s.lastFrame.Store(time.Now().UnixNano())
			select {
			case s.frames <- frame:
			default:
				s.dropped.Add(1)
			}
		},
		Stop: func() {
			// The backend invokes Stop when the device is removed. A
			// deliberate Close also lands here; closeOnce distinguishes.
			select {
			case <-s.stopMonitor:
				return // closing deliberately
			default:
			}
			select {
			case s.errs <- ErrDeviceLost:
			default:
			}
		},
	}

	device, err := malgo.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("audio: init capture device: %w", err)
	}
	s.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("audio: start capture device: %w", err)
	}

	go s.monitorUnderruns(int(devCfg.SampleRate))

	slog.Info("audio capture started",
		"sample_rate", devCfg.SampleRate,
		"channels", s.cfg.Channels,
	)
	return nil
}

// monitorUnderruns injects silence frames when the device callback stalls,
// so downstream stages see a continuous timeline. Intermittent underruns are
// logged; persistent silence injection means the device is struggling but the
// session keeps producing output.
func (s *MalgoSource) monitorUnderruns(sampleRate int) {
	ticker := time.NewTicker(underrunAfter)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopMonitor:
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastFrame.Load())
			gap := time.Since(last)
			if gap < underrunAfter {
				continue
			}
			slog.Warn("audio capture underrun, filling with silence", "gap", gap)
			frame := SilenceFrame(underrunAfter, sampleRate, s.cfg.Channels, time.Since(s.started))
			s.lastFrame.Store(time.Now().UnixNano())
			select {
			case s.frames <- frame:
			default:
				s.dropped.Add(1)
			}
		}
	}
}

// Close stops capture, releases the device, and closes the frame channel.
// Safe to call more than once.
func (s *MalgoSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopMonitor)
		if s.device != nil {
			_ = s.device.Stop()
			s.device.Uninit()
		}
		if s.mctx != nil {
			_ = s.mctx.Uninit()
			s.mctx.Free()
		}
		close(s.frames)
		if n := s.dropped.Load(); n > 0 {
			slog.Warn("audio capture dropped frames", "count", n)
		}
	})
	return nil
}

// DecodeS16 converts a raw little-endian S16 capture buffer into int16
// samples. Exposed for tests and fixture tooling.
func DecodeS16(raw []byte) []int16 {
	n := len(raw) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
	}
	return out
}
