package session

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SpeakerStats summarises one speaker's contribution to a session.
type SpeakerStats struct {
	SpeakerID   string        `json:"speaker_id"`
	DisplayName string        `json:"display_name,omitempty"`
	SpeechTime  time.Duration `json:"speech_time"`

	// Percentage is this speaker's share of all attributed speech.
	Percentage float64 `json:"percentage"`

	Segments int `json:"segments"`
	Words    int `json:"words"`

	// WordsPerMinute is computed over the speaker's own speech time.
	WordsPerMinute float64 `json:"words_per_minute"`
}

// Statistics is the session-level rollup.
type Statistics struct {
	SessionID uuid.UUID     `json:"session_id"`
	State     string        `json:"state"`
	Duration  time.Duration `json:"duration"`

	// AudioProcessed is how much capture audio went through the pipeline.
	AudioProcessed time.Duration `json:"audio_processed"`

	Speakers       []SpeakerStats `json:"speakers"`
	SpeakerChanges int            `json:"speaker_changes"`
	SegmentCount   int            `json:"segment_count"`
	RefinedCount   int            `json:"refined_count"`

	// DroppedSegments counts segments shed by the inference queue.
	DroppedSegments int64 `json:"dropped_segments"`

	// RealTimeFactor is total processing time over total audio time.
	RealTimeFactor float64 `json:"real_time_factor"`

	// EmbeddingCacheHitRate is the fraction of embedding windows served
	// from cache.
	EmbeddingCacheHitRate float64 `json:"embedding_cache_hit_rate"`
}

// Statistics computes the current session rollup.
func (o *Orchestrator) Statistics() Statistics {
	o.mu.Lock()
	segs := make([]segView, 0, len(o.segments))
	for _, s := range o.segments {
		segs = append(segs, segView{
			speakerID: s.SpeakerID,
			start:     s.Start,
			end:       s.End,
			words:     len(strings.Fields(s.Text)),
		})
	}
	stats := Statistics{
		SessionID:      o.ID,
		State:          o.state.String(),
		AudioProcessed: o.audioProcessed,
		SpeakerChanges: o.speakerChanges,
		SegmentCount:   len(o.segments),
		RefinedCount:   o.refinedCount,
	}
	if o.audioProcessed > 0 {
		stats.RealTimeFactor = o.processing.Seconds() / o.audioProcessed.Seconds()
	}
	names := make(map[string]string, len(o.names))
	for k, v := range o.names {
		names[k] = v
	}
	startedAt := o.StartedAt
	o.mu.Unlock()

	if !startedAt.IsZero() {
		stats.Duration = time.Since(startedAt)
	}
	stats.DroppedSegments = o.queue.droppedTotal()
	if o.ext != nil {
		stats.EmbeddingCacheHitRate = o.ext.CacheHitRate()
	}
	stats.Speakers = speakerRollup(segs, names)
	return stats
}

type segView struct {
	speakerID  string
	start, end time.Duration
	words      int
}

func speakerRollup(segs []segView, names map[string]string) []SpeakerStats {
	byID := make(map[string]*SpeakerStats)
	var total time.Duration
	for _, s := range segs {
		sp := byID[s.speakerID]
		if sp == nil {
			sp = &SpeakerStats{SpeakerID: s.speakerID, DisplayName: names[s.speakerID]}
			byID[s.speakerID] = sp
		}
		d := s.end - s.start
		sp.SpeechTime += d
		sp.Segments++
		sp.Words += s.words
		total += d
	}

	out := make([]SpeakerStats, 0, len(byID))
	for _, sp := range byID {
		if total > 0 {
			sp.Percentage = 100 * sp.SpeechTime.Seconds() / total.Seconds()
		}
		if sp.SpeechTime > 0 {
			sp.WordsPerMinute = float64(sp.Words) / sp.SpeechTime.Minutes()
		}
		out = append(out, *sp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SpeechTime != out[j].SpeechTime {
			return out[i].SpeechTime > out[j].SpeechTime
		}
		return out[i].SpeakerID < out[j].SpeakerID
	})
	return out
}
