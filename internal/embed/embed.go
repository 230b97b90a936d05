// Package embed extracts speaker embeddings from speech segments.
//
// The extractor feeds a fixed-length audio window through an ONNX speaker
// model and returns a vector characterising the speaker's voice. Windows are
// cached by content hash so a re-processed segment never pays for inference
// twice.
package embed

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tessera-audio/tessera/internal/vad"
)

// Dim is the embedding dimensionality produced by the speaker model.
const Dim = 512

// MinUsable is the shortest segment that can produce a meaningful embedding.
// Shorter segments are rejected rather than padded into noise.
const MinUsable = 500 * time.Millisecond

// DefaultWindow is the audio window fed to the model when Config.Window is zero.
const DefaultWindow = 3 * time.Second

// ErrSegmentTooShort is returned for segments below [MinUsable].
var ErrSegmentTooShort = errors.New("embed: segment too short for embedding")

// LowQuality is the quality score below which an embedding is flagged.
// Flagged embeddings still participate in clustering but carry less weight.
const LowQuality = 0.4

// SpeakerEmbedding is one voice fingerprint.
type SpeakerEmbedding struct {
	Vector  []float32
	Quality float32

	// AudioDuration is the speech length the embedding was computed from,
	// before windowing.
	AudioDuration time.Duration

	ExtractedAt time.Time
}

// LowQuality reports whether the embedding should carry reduced weight.
func (e SpeakerEmbedding) LowQuality() bool { return e.Quality < LowQuality }

// Inference runs the speaker model over one fixed-length window.
// Implementations must be safe to call from a single goroutine at a time.
type Inference interface {
	// Run returns the raw embedding for a window of exactly the configured
	// sample count.
	Run(window []float32) ([]float32, error)

	// Close releases the model session.
	Close() error
}

// Config holds extractor settings.
type Config struct {
	// Window is the fixed audio window length. Segments longer than this
	// use the leading window; shorter ones are zero-padded.
	Window time.Duration

	// CacheSize bounds the embedding cache entry count. Zero uses a default.
	CacheSize int
}

// Extractor turns speech segments into speaker embeddings.
// Not safe for concurrent use; the pipeline drives one per session.
type Extractor struct {
	inf    Inference
	window int // samples
	cache  *cache
}

// NewExtractor wraps inf with windowing, caching, and quality scoring.
func NewExtractor(cfg Config, inf Inference) *Extractor {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	return &Extractor{
		inf:    inf,
		window: int(cfg.Window * vad.SampleRate / time.Second),
		cache:  newCache(cfg.CacheSize),
	}
}

// Extract computes the embedding for seg. Segments shorter than [MinUsable]
// return [ErrSegmentTooShort].
func (e *Extractor) Extract(seg vad.SpeechSegment) (SpeakerEmbedding, error) {
	if seg.Duration() < MinUsable {
		return SpeakerEmbedding{}, fmt.Errorf("%w: %v", ErrSegmentTooShort, seg.Duration())
	}

	window := e.windowOf(seg.Samples)
	if emb, ok := e.cache.get(window); ok {
		return emb, nil
	}

	raw, err := e.inf.Run(window)
	if err != nil {
		return SpeakerEmbedding{}, fmt.Errorf("embed: inference: %w", err)
	}
	if len(raw) != Dim {
		return SpeakerEmbedding{}, fmt.Errorf("embed: model returned %d dims, want %d", len(raw), Dim)
	}

	emb := SpeakerEmbedding{
		Vector:        append([]float32(nil), raw...),
		Quality:       qualityScore(seg.Duration(), e.windowDuration(), window),
		AudioDuration: seg.Duration(),
		ExtractedAt:   time.Now(),
	}
	e.cache.put(window, emb)
	return emb, nil
}

// CacheHitRate returns the fraction of Extract calls served from cache.
func (e *Extractor) CacheHitRate() float64 { return e.cache.hitRate() }

// Close releases the inference session.
func (e *Extractor) Close() error { return e.inf.Close() }

func (e *Extractor) windowDuration() time.Duration {
	return time.Duration(e.window) * time.Second / vad.SampleRate
}

// windowOf takes the leading window of samples, zero-padding when short.
func (e *Extractor) windowOf(samples []float32) []float32 {
	window := make([]float32, e.window)
	copy(window, samples)
	return window
}

// qualityScore combines how much of the window real speech fills with how
// energetic that speech is. Quiet or heavily padded windows yield embeddings
// the clusterer should trust less.
func qualityScore(dur, window time.Duration, samples []float32) float32 {
	durFactor := float64(dur) / float64(window)
	if durFactor > 1 {
		durFactor = 1
	}

	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	// Conversational speech sits around 0.03–0.1 RMS in [-1, 1] samples.
	energyFactor := rms / 0.05
	if energyFactor > 1 {
		energyFactor = 1
	}

	// Geometric mean: a window that is long but silent, or loud but tiny,
	// must not score well on the strength of one factor alone.
	return float32(math.Sqrt(durFactor * energyFactor))
}
