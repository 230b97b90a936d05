package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults, and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults replaces zero values left by a partial YAML document with
// the documented defaults. Pointer fields keep an explicit false.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = def.Server.LogLevel
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = def.Audio.SampleRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = def.Audio.Channels
	}

	d := &cfg.Diarization
	dd := def.Diarization
	if d.MaxSpeakers == 0 {
		d.MaxSpeakers = dd.MaxSpeakers
	}
	if d.MinSpeakers == 0 {
		d.MinSpeakers = dd.MinSpeakers
	}
	if d.MinSegmentLengthMs == 0 {
		d.MinSegmentLengthMs = dd.MinSegmentLengthMs
	}
	if d.EmbeddingWindowMs == 0 {
		d.EmbeddingWindowMs = dd.EmbeddingWindowMs
	}
	if d.ClusteringThreshold == 0 {
		d.ClusteringThreshold = dd.ClusteringThreshold
	}
	if d.EnableAdaptiveClustering == nil {
		d.EnableAdaptiveClustering = dd.EnableAdaptiveClustering
	}
	if d.VADThreshold == 0 {
		d.VADThreshold = dd.VADThreshold
	}
	if d.DetectOverlaps == nil {
		d.DetectOverlaps = dd.DetectOverlaps
	}
	if d.HardwareAcceleration == "" {
		d.HardwareAcceleration = dd.HardwareAcceleration
	}

	if cfg.ASR.InitialTier == "" {
		cfg.ASR.InitialTier = def.ASR.InitialTier
	}
	if cfg.ASR.EnableSecondPass == nil {
		cfg.ASR.EnableSecondPass = def.ASR.EnableSecondPass
	}
	if cfg.ASR.SecondPassDelay == 0 {
		cfg.ASR.SecondPassDelay = def.ASR.SecondPassDelay
	}

	if cfg.Resource.MaxMemoryMb == 0 {
		cfg.Resource.MaxMemoryMb = def.Resource.MaxMemoryMb
	}
	if cfg.Resource.SampleInterval == 0 {
		cfg.Resource.SampleInterval = def.Resource.SampleInterval
	}
	if cfg.Resource.RecoverySamples == 0 {
		cfg.Resource.RecoverySamples = def.Resource.RecoverySamples
	}

	if cfg.Store.MaxEmbeddingsPerProfile == 0 {
		cfg.Store.MaxEmbeddingsPerProfile = def.Store.MaxEmbeddingsPerProfile
	}
	if cfg.Session.QueueCapacity == 0 {
		cfg.Session.QueueCapacity = def.Session.QueueCapacity
	}
	if cfg.Session.StopGracePeriod == 0 {
		cfg.Session.StopGracePeriod = def.Session.StopGracePeriod
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	d := cfg.Diarization
	if d.MaxSpeakers < 2 || d.MaxSpeakers > 10 {
		errs = append(errs, fmt.Errorf("diarization.max_speakers %d is out of range [2, 10]", d.MaxSpeakers))
	}
	if d.MinSpeakers < 1 || d.MinSpeakers > 10 {
		errs = append(errs, fmt.Errorf("diarization.min_speakers %d is out of range [1, 10]", d.MinSpeakers))
	}
	if d.MinSpeakers > d.MaxSpeakers {
		errs = append(errs, fmt.Errorf("diarization.min_speakers %d exceeds max_speakers %d", d.MinSpeakers, d.MaxSpeakers))
	}
	if d.ClusteringThreshold <= 0 || d.ClusteringThreshold >= 1 {
		errs = append(errs, fmt.Errorf("diarization.clustering_threshold %.2f is out of range (0, 1)", d.ClusteringThreshold))
	}
	if d.VADThreshold <= 0 || d.VADThreshold >= 1 {
		errs = append(errs, fmt.Errorf("diarization.vad_threshold %.2f is out of range (0, 1)", d.VADThreshold))
	}
	if !d.HardwareAcceleration.IsValid() {
		errs = append(errs, fmt.Errorf("diarization.hardware_acceleration %q is invalid; valid values: auto, cpu, cuda, coreml", d.HardwareAcceleration))
	}
	if d.MinSegmentLengthMs < 0 {
		errs = append(errs, fmt.Errorf("diarization.min_segment_length_ms %d is negative", d.MinSegmentLengthMs))
	}
	if d.EmbeddingWindowMs <= 0 {
		errs = append(errs, fmt.Errorf("diarization.embedding_window_ms %d must be positive", d.EmbeddingWindowMs))
	}

	if !cfg.ASR.InitialTier.IsValid() {
		errs = append(errs, fmt.Errorf("asr.initial_tier %q is invalid; valid values: high_accuracy, standard, turbo", cfg.ASR.InitialTier))
	}
	for tier := range cfg.ASR.Models {
		if !tier.IsValid() {
			errs = append(errs, fmt.Errorf("asr.models key %q is not a valid tier", tier))
		}
	}
	if len(cfg.ASR.Models) > 0 {
		if _, ok := cfg.ASR.Models[cfg.ASR.InitialTier]; !ok && cfg.ASR.InitialTier.IsValid() {
			errs = append(errs, fmt.Errorf("asr.models has no entry for initial tier %q", cfg.ASR.InitialTier))
		}
	}
	if cfg.ASR.SecondPassDelay < 0 {
		errs = append(errs, fmt.Errorf("asr.second_pass_delay %v is negative", cfg.ASR.SecondPassDelay))
	}
	if *cfg.ASR.EnableSecondPass && len(cfg.ASR.Models) > 0 {
		if _, ok := cfg.ASR.Models[TierHighAccuracy]; !ok {
			slog.Warn("second pass enabled but no high_accuracy model configured; refinement will reuse the initial tier")
		}
	}

	if cfg.Resource.MaxMemoryMb < 64 {
		errs = append(errs, fmt.Errorf("resource.max_memory_mb %d is below the 64 MB floor", cfg.Resource.MaxMemoryMb))
	}
	if cfg.Resource.SampleInterval.Duration() < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("resource.sample_interval %v is below 100ms", cfg.Resource.SampleInterval))
	}
	if cfg.Resource.RecoverySamples < 1 {
		errs = append(errs, fmt.Errorf("resource.recovery_samples %d must be at least 1", cfg.Resource.RecoverySamples))
	}

	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; speaker profiles will not persist across sessions")
	}
	if cfg.Store.MaxEmbeddingsPerProfile < 1 {
		errs = append(errs, fmt.Errorf("store.max_embeddings_per_profile %d must be at least 1", cfg.Store.MaxEmbeddingsPerProfile))
	}

	if cfg.Session.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("session.queue_capacity %d must be at least 1", cfg.Session.QueueCapacity))
	}

	return errors.Join(errs...)
}

// SlogLevel maps the configured log level onto slog's scale.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}
