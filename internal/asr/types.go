// Package asr turns speech audio into transcript segments using whisper.cpp,
// in two passes: an immediate provisional pass at the active quality tier and
// an optional deferred refinement pass at the high-accuracy tier.
package asr

import (
	"context"
	"time"

	"github.com/tessera-audio/tessera/internal/config"
)

// TranscriptSegment is one transcribed span of audio.
type TranscriptSegment struct {
	// ID is unique per emitted segment, including refinements.
	ID string

	Text string

	// Start and End are offsets from the beginning of the stream.
	Start time.Duration
	End   time.Duration

	// Confidence is the mean token probability reported by the model.
	Confidence float32

	// Language is the detected (or configured) ISO 639-1 code.
	Language string

	// Refined is true for second-pass segments that supersede earlier
	// output covering the same range.
	Refined bool

	// Tier records which quality tier produced the text.
	Tier config.Tier
}

// Transcriber runs inference over a chunk of 16 kHz mono samples that starts
// at the given stream offset.
type Transcriber interface {
	// Transcribe uses the engine's active tier.
	Transcribe(ctx context.Context, samples []float32, offset time.Duration) ([]TranscriptSegment, error)

	// TranscribeWith forces a specific tier, falling back to the nearest
	// available model when that tier has none.
	TranscribeWith(ctx context.Context, tier config.Tier, samples []float32, offset time.Duration) ([]TranscriptSegment, error)

	Close() error
}

// TierSwitcher is implemented by transcribers whose active quality tier can
// be changed at runtime. The resource controller downgrades the tier under
// pressure.
type TierSwitcher interface {
	Tier() config.Tier
	SetTier(config.Tier)
}
