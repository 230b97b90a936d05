// This file contains the whisper.cpp backed engine. The whisper.cpp static
// library (libwhisper.a) and headers (whisper.h) must be available at link
// time via LIBRARY_PATH and C_INCLUDE_PATH environment variables.

package asr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/google/uuid"

	"github.com/tessera-audio/tessera/internal/config"
)

// Compile-time assertion that WhisperEngine satisfies Transcriber.
var _ Transcriber = (*WhisperEngine)(nil)

// Config holds engine settings.
type Config struct {
	// Models maps quality tiers to model file paths. Tiers without an
	// entry fall back to the nearest configured tier.
	Models map[config.Tier]string

	// InitialTier is the active tier at start.
	InitialTier config.Tier

	// Languages restricts transcription. One entry pins the language;
	// multiple (or none) enable per-segment auto-detection.
	Languages []string
}

// WhisperEngine loads one whisper model per configured tier and shares them
// across inferences. Each inference creates its own context, so concurrent
// calls are safe; the models themselves are loaded once.
type WhisperEngine struct {
	cfg    Config
	models map[config.Tier]whisperlib.Model

	mu   sync.Mutex
	tier config.Tier
}

// NewWhisperEngine loads every model named in cfg.Models. At least one model
// must be configured.
func NewWhisperEngine(cfg Config) (*WhisperEngine, error) {
	if len(cfg.Models) == 0 {
		return nil, errors.New("asr: no models configured")
	}
	if cfg.InitialTier == "" {
		cfg.InitialTier = config.TierStandard
	}

	models := make(map[config.Tier]whisperlib.Model, len(cfg.Models))
	for tier, path := range cfg.Models {
		m, err := whisperlib.New(path)
		if err != nil {
			for _, loaded := range models {
				loaded.Close()
			}
			return nil, fmt.Errorf("asr: load %s model %q: %w", tier, path, err)
		}
		models[tier] = m
		slog.Info("asr model loaded", "tier", tier, "path", path)
	}

	e := &WhisperEngine{cfg: cfg, models: models}
	e.tier = e.nearestAvailable(cfg.InitialTier)
	return e, nil
}

// Tier returns the active quality tier.
func (e *WhisperEngine) Tier() config.Tier {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tier
}

// SetTier switches the active tier, clamping to the nearest tier that has a
// model. The resource controller calls this on pressure transitions.
func (e *WhisperEngine) SetTier(t config.Tier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.nearestAvailable(t)
	if next != e.tier {
		slog.Info("asr tier switched", "from", e.tier, "to", next)
		e.tier = next
	}
}

// nearestAvailable walks down from t to a tier with a loaded model, then up.
func (e *WhisperEngine) nearestAvailable(t config.Tier) config.Tier {
	cur := t
	for range 3 {
		if _, ok := e.models[cur]; ok {
			return cur
		}
		cur = cur.Below()
	}
	for tier := range e.models {
		return tier
	}
	return t
}

// Transcribe runs inference at the active tier.
func (e *WhisperEngine) Transcribe(ctx context.Context, samples []float32, offset time.Duration) ([]TranscriptSegment, error) {
	return e.TranscribeWith(ctx, e.Tier(), samples, offset)
}

// TranscribeWith runs inference at the requested tier.
func (e *WhisperEngine) TranscribeWith(ctx context.Context, tier config.Tier, samples []float32, offset time.Duration) ([]TranscriptSegment, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("asr: context cancelled: %w", err)
	}
	tier = e.nearestAvailable(tier)
	model := e.models[tier]

	// Each context is NOT thread-safe, but the model can be shared.
	wctx, err := model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("asr: create context: %w", err)
	}

	pinned := ""
	if len(e.cfg.Languages) == 1 {
		pinned = e.cfg.Languages[0]
	}
	if pinned != "" {
		if err := wctx.SetLanguage(pinned); err != nil {
			slog.Warn("asr: failed to pin language", "language", pinned, "error", err)
		}
	} else if err := wctx.SetLanguage("auto"); err != nil {
		slog.Warn("asr: failed to enable language detection", "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("asr: process audio: %w", err)
	}

	lang := pinned
	if lang == "" {
		lang = wctx.DetectedLanguage()
	}

	var out []TranscriptSegment
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("asr: read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		out = append(out, TranscriptSegment{
			ID:         uuid.NewString(),
			Text:       text,
			Start:      offset + seg.Start,
			End:        offset + seg.End,
			Confidence: meanTokenProbability(seg.Tokens),
			Language:   lang,
			Tier:       tier,
		})
	}
	return out, nil
}

// Close releases all loaded models.
func (e *WhisperEngine) Close() error {
	var errs []error
	for tier, m := range e.models {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("asr: close %s model: %w", tier, err))
		}
	}
	return errors.Join(errs...)
}

func meanTokenProbability(tokens []whisperlib.Token) float32 {
	if len(tokens) == 0 {
		return 0
	}
	var sum float32
	for _, t := range tokens {
		sum += t.P
	}
	return sum / float32(len(tokens))
}
