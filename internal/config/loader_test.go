package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/tessera-audio/tessera/internal/config"
)

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty config should load with defaults, got: %v", err)
	}
	if cfg.Diarization.MaxSpeakers != 8 {
		t.Errorf("max_speakers default = %d, want 8", cfg.Diarization.MaxSpeakers)
	}
	if cfg.Diarization.MinSpeakers != 2 {
		t.Errorf("min_speakers default = %d, want 2", cfg.Diarization.MinSpeakers)
	}
	if cfg.Diarization.ClusteringThreshold != 0.7 {
		t.Errorf("clustering_threshold default = %f, want 0.7", cfg.Diarization.ClusteringThreshold)
	}
	if cfg.Diarization.MinSegmentLengthMs != 1500 {
		t.Errorf("min_segment_length_ms default = %d, want 1500", cfg.Diarization.MinSegmentLengthMs)
	}
	if cfg.Diarization.EmbeddingWindowMs != 3000 {
		t.Errorf("embedding_window_ms default = %d, want 3000", cfg.Diarization.EmbeddingWindowMs)
	}
	if cfg.Diarization.VADThreshold != 0.5 {
		t.Errorf("vad_threshold default = %f, want 0.5", cfg.Diarization.VADThreshold)
	}
	if !*cfg.Diarization.DetectOverlaps {
		t.Error("detect_overlaps should default to true")
	}
	if cfg.Resource.MaxMemoryMb != 500 {
		t.Errorf("max_memory_mb default = %d, want 500", cfg.Resource.MaxMemoryMb)
	}
	if cfg.ASR.InitialTier != config.TierStandard {
		t.Errorf("initial_tier default = %q, want standard", cfg.ASR.InitialTier)
	}
}

func TestLoadFromReader_ExplicitFalseSurvivesDefaults(t *testing.T) {
	t.Parallel()
	yaml := `
diarization:
  detect_overlaps: false
  enable_adaptive_clustering: false
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *cfg.Diarization.DetectOverlaps {
		t.Error("explicit detect_overlaps: false was overwritten by default")
	}
	if *cfg.Diarization.EnableAdaptiveClustering {
		t.Error("explicit enable_adaptive_clustering: false was overwritten by default")
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	yaml := `
diarization:
  max_talkers: 4
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_RangeErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "max_speakers too high",
			yaml: "diarization:\n  max_speakers: 11\n",
			want: "max_speakers",
		},
		{
			name: "min above max",
			yaml: "diarization:\n  max_speakers: 3\n  min_speakers: 5\n",
			want: "exceeds max_speakers",
		},
		{
			name: "threshold out of range",
			yaml: "diarization:\n  clustering_threshold: 1.5\n",
			want: "clustering_threshold",
		},
		{
			name: "bad acceleration",
			yaml: "diarization:\n  hardware_acceleration: vulkan\n",
			want: "hardware_acceleration",
		},
		{
			name: "bad tier",
			yaml: "asr:\n  initial_tier: ludicrous\n",
			want: "initial_tier",
		},
		{
			name: "memory floor",
			yaml: "resource:\n  max_memory_mb: 32\n",
			want: "max_memory_mb",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_InitialTierNeedsModel(t *testing.T) {
	t.Parallel()
	yaml := `
asr:
  initial_tier: turbo
  models:
    standard: /models/ggml-base.bin
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error when initial tier has no model entry, got nil")
	}
	if !strings.Contains(err.Error(), "initial tier") {
		t.Errorf("error should mention the initial tier, got: %v", err)
	}
}

func TestLoadFromReader_FullDocument(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: debug
  metrics_addr: ":9999"
audio:
  device_name: "USB Mic"
  sample_rate: 48000
  channels: 2
diarization:
  segmentation_model_path: /models/silero_vad.onnx
  embedding_model_path: /models/embedding.onnx
  max_speakers: 4
  clustering_threshold: 0.65
asr:
  initial_tier: standard
  models:
    standard: /models/ggml-base.bin
    high_accuracy: /models/ggml-large.bin
  languages: [en, de]
  second_pass_delay: 5s
store:
  postgres_dsn: postgres://localhost/tessera
session:
  queue_capacity: 128
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Audio.SampleRate != 48000 || cfg.Audio.Channels != 2 {
		t.Errorf("audio = %d/%d, want 48000/2", cfg.Audio.SampleRate, cfg.Audio.Channels)
	}
	if cfg.Diarization.MaxSpeakers != 4 {
		t.Errorf("max_speakers = %d, want 4", cfg.Diarization.MaxSpeakers)
	}
	// Unset fields still receive defaults.
	if cfg.Diarization.EmbeddingWindowMs != 3000 {
		t.Errorf("embedding_window_ms = %d, want default 3000", cfg.Diarization.EmbeddingWindowMs)
	}
	if cfg.ASR.SecondPassDelay.Duration() != 5*time.Second {
		t.Errorf("second_pass_delay = %v, want 5s", cfg.ASR.SecondPassDelay)
	}
	if len(cfg.ASR.Languages) != 2 {
		t.Errorf("languages = %v, want [en de]", cfg.ASR.Languages)
	}
}

func TestTierBelow(t *testing.T) {
	t.Parallel()
	if config.TierHighAccuracy.Below() != config.TierStandard {
		t.Error("high_accuracy should step down to standard")
	}
	if config.TierStandard.Below() != config.TierTurbo {
		t.Error("standard should step down to turbo")
	}
	if config.TierTurbo.Below() != config.TierTurbo {
		t.Error("turbo is the floor and should not step down")
	}
}
