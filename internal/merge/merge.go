// Package merge combines transcript segments with speaker assignments into
// speaker-attributed transcript output.
//
// Transcription and diarization run on different clocks: whisper spans and
// VAD-driven speaker turns rarely line up exactly. The merger assigns each
// transcript span to the speaker turn it overlaps most, then cleans up the
// result sequence (joining same-speaker runs, settling contested boundaries,
// bridging micro-gaps).
package merge

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/tessera-audio/tessera/internal/asr"
)

// DefaultSpeakerID is assigned when no speaker turn overlaps a transcript
// span enough to qualify.
const DefaultSpeakerID = "speaker_1"

// minOverlapRatio is the fraction of a transcript span that a speaker turn
// must cover before the assignment counts as a real match.
const minOverlapRatio = 0.5

// SpeakerTurn is one diarized stretch of speech: a closed speech segment plus
// its cluster assignment.
type SpeakerTurn struct {
	Start      time.Duration
	End        time.Duration
	SpeakerID  string
	Confidence float32
	HasOverlap bool

	// OverlappingSpeakers lists the speakers involved when this turn
	// overlaps an adjacent one. Filled in by AddTurn.
	OverlappingSpeakers []string
}

// MergedSegment is one speaker-attributed transcript span.
type MergedSegment struct {
	ID        string
	Text      string
	Start     time.Duration
	End       time.Duration
	SpeakerID string
	Language  string

	TranscriptionConfidence float32
	SpeakerConfidence       float32
	OverallConfidence       float32

	// WasMerged is false when no speaker turn qualified and the default
	// speaker was assigned.
	WasMerged bool

	// Refined marks second-pass output.
	Refined bool

	// HasOverlap carries the overlapping-speech flag of the matched turn.
	HasOverlap bool

	// OverlappingSpeakers lists both speakers of an overlapping region.
	OverlappingSpeakers []string
}

// ConfidenceWeights controls how transcription and speaker confidence combine
// into OverallConfidence. Zero values fall back to equal weighting.
type ConfidenceWeights struct {
	Transcription float64
	Speaker       float64
}

// Merger is the per-session merge state. Not safe for concurrent use.
type Merger struct {
	weights ConfidenceWeights
	turns   []SpeakerTurn

	// history remembers assignments by exact time range so refined
	// segments covering an unchanged range keep their speaker.
	history map[spanKey]historyEntry
}

type spanKey struct{ start, end time.Duration }

type historyEntry struct {
	speakerID           string
	speakerConfidence   float32
	wasMerged           bool
	hasOverlap          bool
	overlappingSpeakers []string
}

// New returns a merger with the given confidence weighting.
func New(weights ConfidenceWeights) *Merger {
	if weights.Transcription <= 0 && weights.Speaker <= 0 {
		weights = ConfidenceWeights{Transcription: 1, Speaker: 1}
	}
	return &Merger{
		weights: weights,
		history: make(map[spanKey]historyEntry),
	}
}

// AddTurn registers a diarized speaker turn. Turns must be added before the
// transcript spans they cover are merged.
//
// A turn flagged HasOverlap that follows a different speaker marks both
// turns as overlapping each other, so spans merged from either side list
// both speakers.
func (m *Merger) AddTurn(t SpeakerTurn) {
	if t.HasOverlap && len(m.turns) > 0 {
		prev := &m.turns[len(m.turns)-1]
		if prev.SpeakerID != t.SpeakerID {
			pair := []string{prev.SpeakerID, t.SpeakerID}
			prev.HasOverlap = true
			prev.OverlappingSpeakers = pair
			t.OverlappingSpeakers = pair
		}
	}
	m.turns = append(m.turns, t)
}

// Merge assigns a speaker to one transcript segment.
func (m *Merger) Merge(seg asr.TranscriptSegment) MergedSegment {
	out := MergedSegment{
		ID:                      seg.ID,
		Text:                    seg.Text,
		Start:                   seg.Start,
		End:                     seg.End,
		Language:                seg.Language,
		TranscriptionConfidence: seg.Confidence,
		Refined:                 seg.Refined,
	}

	key := spanKey{seg.Start, seg.End}
	if seg.Refined {
		if prev, ok := m.history[key]; ok {
			// Unchanged range: the refinement keeps its speaker.
			out.SpeakerID = prev.speakerID
			out.SpeakerConfidence = prev.speakerConfidence
			out.WasMerged = prev.wasMerged
			out.HasOverlap = prev.hasOverlap
			out.OverlappingSpeakers = prev.overlappingSpeakers
			out.OverallConfidence = m.overall(out)
			return out
		}
	}

	turn, ratio := m.bestTurn(seg.Start, seg.End)
	if turn == nil || ratio <= minOverlapRatio {
		out.SpeakerID = DefaultSpeakerID
		out.WasMerged = false
		out.SpeakerConfidence = 0
		// Without diarization evidence the span is worth half its
		// transcription confidence.
		out.OverallConfidence = seg.Confidence * 0.5
	} else {
		out.SpeakerID = turn.SpeakerID
		out.WasMerged = true
		out.SpeakerConfidence = turn.Confidence
		out.HasOverlap = turn.HasOverlap
		out.OverlappingSpeakers = turn.OverlappingSpeakers
		out.OverallConfidence = m.overall(out)
	}

	m.history[key] = historyEntry{
		speakerID:           out.SpeakerID,
		speakerConfidence:   out.SpeakerConfidence,
		wasMerged:           out.WasMerged,
		hasOverlap:          out.HasOverlap,
		overlappingSpeakers: out.OverlappingSpeakers,
	}
	return out
}

// bestTurn finds the speaker turn with maximal temporal overlap against
// [start, end) and the overlap ratio relative to the span length.
func (m *Merger) bestTurn(start, end time.Duration) (*SpeakerTurn, float64) {
	span := end - start
	if span <= 0 {
		return nil, 0
	}
	var best *SpeakerTurn
	var bestOverlap time.Duration
	for i := range m.turns {
		t := &m.turns[i]
		o := overlap(start, end, t.Start, t.End)
		if o > bestOverlap {
			best, bestOverlap = t, o
		}
	}
	if best == nil {
		return nil, 0
	}
	return best, float64(bestOverlap) / float64(span)
}

func overlap(aStart, aEnd, bStart, bEnd time.Duration) time.Duration {
	start := max(aStart, bStart)
	end := min(aEnd, bEnd)
	if end <= start {
		return 0
	}
	return end - start
}

// overall is the weighted geometric mean of the two confidences.
func (m *Merger) overall(seg MergedSegment) float32 {
	ct := float64(seg.TranscriptionConfidence)
	cs := float64(seg.SpeakerConfidence)
	if ct <= 0 || cs <= 0 {
		return 0
	}
	wt := m.weights.Transcription
	ws := m.weights.Speaker
	total := wt + ws
	return float32(math.Exp((wt*math.Log(ct) + ws*math.Log(cs)) / total))
}

// Post-processing thresholds.
const (
	// sameSpeakerJoinGap is the largest pause between two spans of the
	// same speaker that still reads as one utterance.
	sameSpeakerJoinGap = time.Second

	// bridgeGap is the largest gap that gets silently closed by extending
	// the earlier span.
	bridgeGap = 200 * time.Millisecond
)

// PostProcess cleans a result sequence: sorts by start, settles overlapping
// boundaries between different speakers at the overlap midpoint, joins
// adjacent same-speaker spans, and bridges micro-gaps. The input is not
// modified.
func PostProcess(segs []MergedSegment) []MergedSegment {
	if len(segs) == 0 {
		return nil
	}
	out := append([]MergedSegment(nil), segs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	// Contested boundaries: cross-speaker overlap settles at the midpoint.
	for i := 1; i < len(out); i++ {
		prev, cur := &out[i-1], &out[i]
		if cur.Start < prev.End && prev.SpeakerID != cur.SpeakerID {
			mid := cur.Start + (prev.End-cur.Start)/2
			prev.End = mid
			cur.Start = mid
		}
	}

	// Join same-speaker runs.
	joined := out[:1]
	for i := 1; i < len(out); i++ {
		last := &joined[len(joined)-1]
		cur := out[i]
		gap := cur.Start - last.End
		if cur.SpeakerID == last.SpeakerID && gap >= 0 && gap <= sameSpeakerJoinGap {
			last.Text = strings.TrimSpace(last.Text + " " + cur.Text)
			last.End = cur.End
			last.TranscriptionConfidence = minf(last.TranscriptionConfidence, cur.TranscriptionConfidence)
			last.OverallConfidence = minf(last.OverallConfidence, cur.OverallConfidence)
			last.HasOverlap = last.HasOverlap || cur.HasOverlap
			if len(last.OverlappingSpeakers) == 0 {
				last.OverlappingSpeakers = cur.OverlappingSpeakers
			}
			continue
		}
		joined = append(joined, cur)
	}

	// Bridge micro-gaps so playback-aligned consumers see contiguous time.
	for i := 1; i < len(joined); i++ {
		gap := joined[i].Start - joined[i-1].End
		if gap > 0 && gap <= bridgeGap {
			joined[i-1].End = joined[i].Start
		}
	}
	return joined
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
