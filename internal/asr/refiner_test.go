package asr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tessera-audio/tessera/internal/config"
	"github.com/tessera-audio/tessera/internal/vad"
)

// fakeTranscriber records calls and returns one segment per call.
type fakeTranscriber struct {
	mu    sync.Mutex
	calls []fakeCall
	err   error
}

type fakeCall struct {
	tier    config.Tier
	offset  time.Duration
	samples int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, samples []float32, offset time.Duration) ([]TranscriptSegment, error) {
	return f.TranscribeWith(ctx, config.TierStandard, samples, offset)
}

func (f *fakeTranscriber) TranscribeWith(ctx context.Context, tier config.Tier, samples []float32, offset time.Duration) ([]TranscriptSegment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{tier: tier, offset: offset, samples: len(samples)})
	if f.err != nil {
		return nil, f.err
	}
	return []TranscriptSegment{{
		ID:    "seg",
		Text:  "hello",
		Start: offset,
		End:   offset + time.Duration(len(samples))*time.Second/vad.SampleRate,
	}}, nil
}

func (f *fakeTranscriber) Close() error { return nil }

func (f *fakeTranscriber) snapshot() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall(nil), f.calls...)
}

func segmentAt(start, dur time.Duration) vad.SpeechSegment {
	n := int(dur * vad.SampleRate / time.Second)
	return vad.SpeechSegment{Start: start, End: start + dur, Samples: make([]float32, n)}
}

func TestRefiner_FlushRefinesAtHighTier(t *testing.T) {
	tr := &fakeTranscriber{}
	var mu sync.Mutex
	var got []TranscriptSegment
	r := NewRefiner(tr, time.Hour, func(segs []TranscriptSegment) {
		mu.Lock()
		got = append(got, segs...)
		mu.Unlock()
	})
	defer r.Close()

	r.Add(segmentAt(0, 2*time.Second))
	r.Flush(context.Background())

	calls := tr.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected 1 transcription, got %d", len(calls))
	}
	if calls[0].tier != config.TierHighAccuracy {
		t.Errorf("tier = %s, want high_accuracy", calls[0].tier)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || !got[0].Refined {
		t.Fatalf("expected 1 refined segment, got %+v", got)
	}
}

func TestRefiner_QuiescenceTimerFires(t *testing.T) {
	tr := &fakeTranscriber{}
	done := make(chan struct{})
	r := NewRefiner(tr, 20*time.Millisecond, func(segs []TranscriptSegment) {
		close(done)
	})
	defer r.Close()

	r.Add(segmentAt(0, time.Second))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refiner did not fire after quiescence delay")
	}
}

func TestRefiner_AdjacentSpansJoin(t *testing.T) {
	tr := &fakeTranscriber{}
	r := NewRefiner(tr, time.Hour, func([]TranscriptSegment) {})
	defer r.Close()

	// Two 2 s spans 500 ms apart: one joined stretch of 4.5 s.
	r.Add(segmentAt(0, 2*time.Second))
	r.Add(segmentAt(2500*time.Millisecond, 2*time.Second))
	r.Flush(context.Background())

	calls := tr.snapshot()
	if len(calls) != 1 {
		t.Fatalf("expected spans to join into 1 call, got %d", len(calls))
	}
	if calls[0].samples != 4500*vad.SampleRate/1000 {
		t.Errorf("joined span has %d samples, want %d", calls[0].samples, 4500*vad.SampleRate/1000)
	}
	if calls[0].offset != 0 {
		t.Errorf("joined span offset = %v, want 0", calls[0].offset)
	}
}

func TestRefiner_DistantSpansStaySeparate(t *testing.T) {
	tr := &fakeTranscriber{}
	r := NewRefiner(tr, time.Hour, func([]TranscriptSegment) {})
	defer r.Close()

	r.Add(segmentAt(0, time.Second))
	r.Add(segmentAt(10*time.Second, time.Second))
	r.Flush(context.Background())

	if calls := tr.snapshot(); len(calls) != 2 {
		t.Fatalf("expected 2 separate refinements, got %d", len(calls))
	}
}

func TestRefiner_ErrorKeepsFirstPass(t *testing.T) {
	tr := &fakeTranscriber{err: errors.New("model crashed")}
	emitted := false
	r := NewRefiner(tr, time.Hour, func([]TranscriptSegment) { emitted = true })
	defer r.Close()

	r.Add(segmentAt(0, time.Second))
	r.Flush(context.Background())

	if emitted {
		t.Error("failed refinement must not emit segments")
	}
}

func TestRefiner_PauseHoldsQueue(t *testing.T) {
	tr := &fakeTranscriber{}
	fired := make(chan struct{}, 1)
	r := NewRefiner(tr, 20*time.Millisecond, func([]TranscriptSegment) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	defer r.Close()

	r.Pause()
	r.Add(segmentAt(0, time.Second))
	select {
	case <-fired:
		t.Fatal("paused refiner fired")
	case <-time.After(100 * time.Millisecond):
	}

	r.Resume()
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("resumed refiner never fired")
	}
}

func TestRefiner_CloseDropsQueue(t *testing.T) {
	tr := &fakeTranscriber{}
	r := NewRefiner(tr, time.Hour, func([]TranscriptSegment) {})
	r.Add(segmentAt(0, time.Second))
	r.Close()
	r.Flush(context.Background())
	if calls := tr.snapshot(); len(calls) != 0 {
		t.Errorf("closed refiner still transcribed %d spans", len(calls))
	}
}
