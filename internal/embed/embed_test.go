package embed

import (
	"errors"
	"testing"
	"time"

	"github.com/tessera-audio/tessera/internal/vad"
)

// fakeInference returns a constant vector and counts invocations.
type fakeInference struct {
	runs   int
	vector []float32
	err    error
}

func (f *fakeInference) Run(window []float32) ([]float32, error) {
	f.runs++
	if f.err != nil {
		return nil, f.err
	}
	if f.vector != nil {
		return f.vector, nil
	}
	v := make([]float32, Dim)
	v[0] = 1
	return v, nil
}

func (f *fakeInference) Close() error { return nil }

// speechSegment builds a segment of dur filled with constant amplitude.
func speechSegment(dur time.Duration, amp float32) vad.SpeechSegment {
	n := int(dur * vad.SampleRate / time.Second)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = amp
	}
	return vad.SpeechSegment{Start: 0, End: dur, Samples: samples}
}

func TestExtract_RejectsShortSegment(t *testing.T) {
	ext := NewExtractor(Config{}, &fakeInference{})
	_, err := ext.Extract(speechSegment(300*time.Millisecond, 0.05))
	if !errors.Is(err, ErrSegmentTooShort) {
		t.Fatalf("expected ErrSegmentTooShort, got %v", err)
	}
}

func TestExtract_PadsShortWindow(t *testing.T) {
	inf := &fakeInference{}
	ext := NewExtractor(Config{Window: 3 * time.Second}, inf)
	emb, err := ext.Extract(speechSegment(time.Second, 0.05))
	if err != nil {
		t.Fatal(err)
	}
	if len(emb.Vector) != Dim {
		t.Fatalf("vector has %d dims, want %d", len(emb.Vector), Dim)
	}
	if emb.AudioDuration != time.Second {
		t.Errorf("AudioDuration = %v, want 1s", emb.AudioDuration)
	}
}

func TestExtract_QualityScalesWithDurationAndEnergy(t *testing.T) {
	inf := &fakeInference{}
	ext := NewExtractor(Config{Window: 3 * time.Second}, inf)

	full, err := ext.Extract(speechSegment(3*time.Second, 0.08))
	if err != nil {
		t.Fatal(err)
	}
	short, err := ext.Extract(speechSegment(800*time.Millisecond, 0.08))
	if err != nil {
		t.Fatal(err)
	}
	quiet, err := ext.Extract(speechSegment(3*time.Second, 0.002))
	if err != nil {
		t.Fatal(err)
	}

	if full.Quality <= short.Quality {
		t.Errorf("full window quality %f should exceed short %f", full.Quality, short.Quality)
	}
	if full.Quality <= quiet.Quality {
		t.Errorf("energetic quality %f should exceed quiet %f", full.Quality, quiet.Quality)
	}
	if full.LowQuality() {
		t.Errorf("full loud window flagged low quality (%f)", full.Quality)
	}
	if !quiet.LowQuality() {
		t.Errorf("near-silent window not flagged low quality (%f)", quiet.Quality)
	}
}

func TestExtract_CacheHitSkipsInference(t *testing.T) {
	inf := &fakeInference{}
	ext := NewExtractor(Config{}, inf)
	seg := speechSegment(2*time.Second, 0.05)

	if _, err := ext.Extract(seg); err != nil {
		t.Fatal(err)
	}
	if _, err := ext.Extract(seg); err != nil {
		t.Fatal(err)
	}
	if inf.runs != 1 {
		t.Errorf("identical window ran inference %d times, want 1", inf.runs)
	}
	if got := ext.CacheHitRate(); got != 0.5 {
		t.Errorf("hit rate = %f, want 0.5", got)
	}
}

func TestExtract_WrongModelDims(t *testing.T) {
	inf := &fakeInference{vector: make([]float32, 7)}
	ext := NewExtractor(Config{}, inf)
	_, err := ext.Extract(speechSegment(2*time.Second, 0.05))
	if err == nil {
		t.Fatal("expected error for wrong output dimensionality")
	}
}

func TestExtract_InferenceError(t *testing.T) {
	inf := &fakeInference{err: errors.New("runtime exploded")}
	ext := NewExtractor(Config{}, inf)
	_, err := ext.Extract(speechSegment(2*time.Second, 0.05))
	if err == nil {
		t.Fatal("expected inference error to propagate")
	}
}

func TestCache_Eviction(t *testing.T) {
	c := newCache(2)
	w1 := []float32{1}
	w2 := []float32{2}
	w3 := []float32{3}
	c.put(w1, SpeakerEmbedding{Quality: 1})
	c.put(w2, SpeakerEmbedding{Quality: 2})
	c.put(w3, SpeakerEmbedding{Quality: 3}) // evicts w1

	if _, ok := c.get(w1); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.get(w2); !ok {
		t.Error("w2 should survive")
	}
	if _, ok := c.get(w3); !ok {
		t.Error("w3 should survive")
	}
}
