package session

import (
	"context"
	"fmt"

	"github.com/tessera-audio/tessera/internal/asr"
	"github.com/tessera-audio/tessera/internal/config"
	"github.com/tessera-audio/tessera/internal/embed"
	"github.com/tessera-audio/tessera/internal/models"
	"github.com/tessera-audio/tessera/internal/resource"
	"github.com/tessera-audio/tessera/internal/vad"
	"github.com/tessera-audio/tessera/pkg/audio"
)

// DefaultFactory opens the capture device and loads the segmentation,
// embedding, and transcription models named in cfg. Model files are
// integrity-checked first so a corrupt download fails the session before any
// audio is captured.
func DefaultFactory(ctx context.Context, cfg *config.Config) (Pipeline, error) {
	if err := models.Verify(cfg.Diarization.SegmentationModelPath, models.KindSegmentation); err != nil {
		return Pipeline{}, err
	}

	detector, err := vad.NewSileroDetector(cfg.Diarization.SegmentationModelPath, cfg.Diarization.VADThreshold)
	if err != nil {
		return Pipeline{}, fmt.Errorf("session: load segmentation model: %w", err)
	}

	// Diarization is optional: without an embedding model every segment is
	// attributed to the default speaker.
	var inference embed.Inference
	if path := cfg.Diarization.EmbeddingModelPath; path != "" {
		if err := models.Verify(path, models.KindEmbedding); err != nil {
			_ = detector.Close()
			return Pipeline{}, err
		}
		windowSamples := cfg.Diarization.EmbeddingWindowMs * vad.SampleRate / 1000
		inference, err = embed.NewONNXInference(path, "", windowSamples)
		if err != nil {
			_ = detector.Close()
			return Pipeline{}, fmt.Errorf("session: load embedding model: %w", err)
		}
	}

	engine, err := asr.NewWhisperEngine(asr.Config{
		Models:      cfg.ASR.Models,
		InitialTier: cfg.ASR.InitialTier,
		Languages:   cfg.ASR.Languages,
	})
	if err != nil {
		if inference != nil {
			_ = inference.Close()
		}
		_ = detector.Close()
		return Pipeline{}, fmt.Errorf("session: load transcription models: %w", err)
	}

	source := audio.NewMalgoSource(audio.CaptureConfig{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		DeviceName: cfg.Audio.DeviceName,
	})

	return Pipeline{
		Source:    source,
		Detector:  detector,
		Inference: inference,
		Engine:    engine,
		Sampler:   resource.NewProcSampler(),
	}, nil
}
