package vad

import (
	"fmt"
	"math"
	"time"

	"github.com/tessera-audio/tessera/pkg/audio"
)

// Config holds segmentation policy knobs.
type Config struct {
	// MinSegmentLength is the shortest segment that is emitted on its own.
	// Shorter segments are merged into an adjacent segment when the gap is
	// below MergeGap, otherwise dropped.
	MinSegmentLength time.Duration

	// MergeGap is the largest silence between two segments that still
	// allows a short segment to be absorbed by its neighbour.
	MergeGap time.Duration

	// DetectOverlaps enables the energy-profile overlap heuristic.
	DetectOverlaps bool
}

// DefaultMergeGap is used when Config.MergeGap is zero.
const DefaultMergeGap = 300 * time.Millisecond

// maxPreRoll bounds how far back a detector-reported start may reach into
// already-consumed audio. One second covers silero's lookback padding.
const maxPreRoll = SampleRate

// Segmenter turns a continuous 16 kHz mono stream into speech segments.
// Not safe for concurrent use; the pipeline drives it from a single goroutine.
type Segmenter struct {
	cfg Config
	det Detector

	buf        []float32 // residue smaller than one detector frame
	samplesFed int       // absolute sample position of the stream
	recent     []float32 // pre-roll ring of the last maxPreRoll samples

	inSpeech     bool
	curStart     int       // sample offset of the open segment
	cur          []float32 // samples of the open segment
	curEnergies  []float64 // per-frame RMS of the open segment
	pending      *SpeechSegment
	pendingAbsEn []float64 // per-frame RMS carried with pending for merges
}

// NewSegmenter returns a segmenter over det with the given policy.
func NewSegmenter(cfg Config, det Detector) *Segmenter {
	if cfg.MergeGap == 0 {
		cfg.MergeGap = DefaultMergeGap
	}
	return &Segmenter{cfg: cfg, det: det}
}

// Process feeds one audio frame and returns any segments that closed.
// The frame must be 16 kHz mono 16-bit PCM.
func (s *Segmenter) Process(frame audio.AudioFrame) ([]SpeechSegment, error) {
	if frame.SampleRate != SampleRate || frame.Channels != 1 {
		return nil, fmt.Errorf("vad: expected %d Hz mono input, got %d Hz %d ch",
			SampleRate, frame.SampleRate, frame.Channels)
	}
	s.buf = append(s.buf, audio.PCMToFloat32(frame.Data)...)

	var closed []SpeechSegment
	for len(s.buf) >= FrameSize {
		chunk := s.buf[:FrameSize]
		segs, err := s.processFrame(chunk)
		if err != nil {
			return closed, err
		}
		closed = append(closed, segs...)
		s.buf = s.buf[FrameSize:]
		s.samplesFed += FrameSize
	}
	return closed, nil
}

func (s *Segmenter) processFrame(chunk []float32) ([]SpeechSegment, error) {
	ev, err := s.det.DetectFrame(chunk)
	if err != nil {
		return nil, err
	}

	if ev.IsStart {
		s.inSpeech = true
		s.curStart = ev.StartSample
		s.cur = s.cur[:0]
		s.curEnergies = s.curEnergies[:0]
		// Detectors date the start before the triggering frame when their
		// lookback padding fires; recover those samples from the pre-roll
		// so Samples covers the claimed [Start, End) span.
		if back := s.samplesFed - ev.StartSample; back > 0 {
			if back > len(s.recent) {
				back = len(s.recent)
				s.curStart = s.samplesFed - back
			}
			pre := s.recent[len(s.recent)-back:]
			s.cur = append(s.cur, pre...)
			for i := 0; i+FrameSize <= len(pre); i += FrameSize {
				s.curEnergies = append(s.curEnergies, frameRMS(pre[i:i+FrameSize]))
			}
		}
	}
	if s.inSpeech {
		s.cur = append(s.cur, chunk...)
		s.curEnergies = append(s.curEnergies, frameRMS(chunk))
	} else {
		s.recent = append(s.recent, chunk...)
		if len(s.recent) > maxPreRoll {
			s.recent = s.recent[len(s.recent)-maxPreRoll:]
		}
	}
	if ev.IsEnd && s.inSpeech {
		s.inSpeech = false
		// The pre-roll restarts at the closing frame so it stays
		// contiguous with the stream position.
		s.recent = append(s.recent[:0], chunk...)
		// The closing frame is already in cur; keep only up to EndSample.
		n := min(max(ev.EndSample-s.curStart, 0), len(s.cur))
		seg := SpeechSegment{
			Start:   samplesToDuration(s.curStart),
			End:     samplesToDuration(ev.EndSample),
			Samples: append([]float32(nil), s.cur[:n]...),
		}
		energies := append([]float64(nil), s.curEnergies...)
		return s.commit(seg, energies), nil
	}
	return nil, nil
}

// commit applies the min-length policy. One segment of latency is held back
// so a short segment can still be absorbed by whichever neighbour is closer.
func (s *Segmenter) commit(seg SpeechSegment, energies []float64) []SpeechSegment {
	if s.pending == nil {
		s.pending = &seg
		s.pendingAbsEn = energies
		return nil
	}

	gap := seg.Start - s.pending.End
	shortPending := s.pending.Duration() < s.cfg.MinSegmentLength
	shortNew := seg.Duration() < s.cfg.MinSegmentLength
	if (shortPending || shortNew) && gap >= 0 && gap <= s.cfg.MergeGap {
		// Absorb: bridge the gap with silence so sample count matches span.
		gapSamples := int(gap * SampleRate / time.Second)
		merged := *s.pending
		merged.End = seg.End
		merged.Samples = append(merged.Samples, make([]float32, gapSamples)...)
		merged.Samples = append(merged.Samples, seg.Samples...)
		s.pending = &merged
		s.pendingAbsEn = append(s.pendingAbsEn, energies...)
		return nil
	}

	out := s.emitPending()
	s.pending = &seg
	s.pendingAbsEn = energies
	return out
}

// emitPending releases the held segment, dropping it when still too short.
func (s *Segmenter) emitPending() []SpeechSegment {
	if s.pending == nil {
		return nil
	}
	seg := *s.pending
	energies := s.pendingAbsEn
	s.pending = nil
	s.pendingAbsEn = nil
	if seg.Duration() < s.cfg.MinSegmentLength {
		return nil
	}
	if s.cfg.DetectOverlaps {
		seg.HasOverlap = overlapLikely(energies)
	}
	return []SpeechSegment{seg}
}

// Flush closes any open segment and releases the held one. Call at end of
// stream; Process must not be called afterwards without Reset.
func (s *Segmenter) Flush() []SpeechSegment {
	var out []SpeechSegment
	if s.inSpeech && len(s.cur) > 0 {
		seg := SpeechSegment{
			Start:   samplesToDuration(s.curStart),
			End:     samplesToDuration(s.curStart + len(s.cur)),
			Samples: append([]float32(nil), s.cur...),
		}
		s.inSpeech = false
		out = append(out, s.commit(seg, append([]float64(nil), s.curEnergies...))...)
	}
	out = append(out, s.emitPending()...)
	return out
}

// Reset clears stream state for reuse on a new stream.
func (s *Segmenter) Reset() error {
	s.buf = nil
	s.samplesFed = 0
	s.recent = nil
	s.inSpeech = false
	s.cur = nil
	s.curEnergies = nil
	s.pending = nil
	s.pendingAbsEn = nil
	return s.det.Reset()
}

// Close releases the detector.
func (s *Segmenter) Close() error { return s.det.Close() }

// frameRMS is the root-mean-square energy of one float32 frame.
func frameRMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, v := range frame {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// overlapLikely inspects the per-frame energy profile of a segment. A single
// speaker produces a fairly unimodal profile; simultaneous speakers stack
// energy, so a large fraction of frames sitting far above the segment median
// is treated as overlap.
func overlapLikely(energies []float64) bool {
	if len(energies) < 8 {
		return false
	}
	med := median(energies)
	if med <= 0 {
		return false
	}
	high := 0
	for _, e := range energies {
		if e > 2*med {
			high++
		}
	}
	return float64(high)/float64(len(energies)) > 0.35
}

func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	// insertion sort; profiles are short
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted[len(sorted)/2]
}
