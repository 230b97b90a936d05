// Package config provides the configuration schema and loader for the
// Tessera diarized transcription pipeline.
package config

import "time"

// LogLevel controls log verbosity for the Tessera process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Acceleration selects the inference backend for the ONNX and ASR models.
type Acceleration string

const (
	// AccelAuto probes CUDA, then CoreML, then falls back to CPU.
	AccelAuto Acceleration = "auto"

	AccelCPU    Acceleration = "cpu"
	AccelCUDA   Acceleration = "cuda"
	AccelCoreML Acceleration = "coreml"
)

// IsValid reports whether a is a recognised acceleration mode.
func (a Acceleration) IsValid() bool {
	switch a {
	case AccelAuto, AccelCPU, AccelCUDA, AccelCoreML:
		return true
	}
	return false
}

// Tier selects an ASR quality tier. Higher tiers use larger models and
// produce better transcripts at higher latency.
type Tier string

const (
	TierHighAccuracy Tier = "high_accuracy"
	TierStandard     Tier = "standard"
	TierTurbo        Tier = "turbo"
)

// IsValid reports whether t is a recognised ASR tier.
func (t Tier) IsValid() bool {
	switch t {
	case TierHighAccuracy, TierStandard, TierTurbo:
		return true
	}
	return false
}

// Below returns the next lower tier, or t itself when already at the bottom.
func (t Tier) Below() Tier {
	switch t {
	case TierHighAccuracy:
		return TierStandard
	case TierStandard:
		return TierTurbo
	}
	return TierTurbo
}

// Config is the root configuration structure for Tessera.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Audio       AudioConfig       `yaml:"audio"`
	Diarization DiarizationConfig `yaml:"diarization"`
	ASR         ASRConfig         `yaml:"asr"`
	Resource    ResourceConfig    `yaml:"resource"`
	Store       StoreConfig       `yaml:"store"`
	Session     SessionConfig     `yaml:"session"`
}

// ServerConfig holds logging and metrics endpoint settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address the Prometheus /metrics endpoint
	// listens on (e.g., ":9464"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// AudioConfig holds capture device settings. Captured audio is converted to
// 16 kHz mono internally regardless of the device's native format.
type AudioConfig struct {
	// DeviceName selects a capture device by name substring.
	// Empty uses the system default device.
	DeviceName string `yaml:"device_name"`

	// SampleRate is the capture rate requested from the device.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the capture channel count requested from the device.
	Channels int `yaml:"channels"`
}

// DiarizationConfig holds speaker segmentation, embedding, and clustering
// settings.
type DiarizationConfig struct {
	// SegmentationModelPath is the Silero VAD ONNX model file.
	SegmentationModelPath string `yaml:"segmentation_model_path"`

	// EmbeddingModelPath is the speaker embedding ONNX model file.
	EmbeddingModelPath string `yaml:"embedding_model_path"`

	// MaxSpeakers bounds the number of distinct speaker clusters per
	// session. Range [2, 10].
	MaxSpeakers int `yaml:"max_speakers"`

	// MinSpeakers is the expected lower bound on distinct speakers.
	// Range [1, 10].
	MinSpeakers int `yaml:"min_speakers"`

	// MinSegmentLengthMs drops or merges speech segments shorter than this.
	MinSegmentLengthMs int `yaml:"min_segment_length_ms"`

	// EmbeddingWindowMs is the fixed audio window fed to the embedding
	// model. Segments shorter than this are padded; longer ones use the
	// leading window.
	EmbeddingWindowMs int `yaml:"embedding_window_ms"`

	// ClusteringThreshold is the cosine similarity above which an
	// embedding joins an existing cluster. Range (0, 1).
	ClusteringThreshold float32 `yaml:"clustering_threshold"`

	// EnableAdaptiveClustering scales the effective threshold by
	// embedding quality.
	EnableAdaptiveClustering *bool `yaml:"enable_adaptive_clustering"`

	// VADThreshold is the speech probability above which a window counts
	// as voiced. Range (0, 1).
	VADThreshold float32 `yaml:"vad_threshold"`

	// DetectOverlaps enables overlapping-speech detection.
	DetectOverlaps *bool `yaml:"detect_overlaps"`

	// HardwareAcceleration selects the inference backend.
	HardwareAcceleration Acceleration `yaml:"hardware_acceleration"`
}

// ASRConfig holds transcription settings.
type ASRConfig struct {
	// Models maps each quality tier to a whisper model file. At least the
	// standard tier must be present.
	Models map[Tier]string `yaml:"models"`

	// InitialTier is the tier used while resource pressure is normal.
	InitialTier Tier `yaml:"initial_tier"`

	// Languages restricts transcription to the listed ISO 639-1 codes.
	// With more than one entry, each segment carries a detected-language
	// tag. Empty means auto-detect freely.
	Languages []string `yaml:"languages"`

	// EnableSecondPass turns on deferred high-accuracy re-transcription.
	EnableSecondPass *bool `yaml:"enable_second_pass"`

	// SecondPassDelay is how long a span must be quiescent before the
	// second pass re-transcribes it.
	SecondPassDelay Duration `yaml:"second_pass_delay"`
}

// ResourceConfig holds adaptive quality control settings.
type ResourceConfig struct {
	// MaxMemoryMb is the soft memory ceiling for the pipeline. Breaching
	// it drives the controller toward the throttled state.
	MaxMemoryMb int `yaml:"max_memory_mb"`

	// SampleInterval is how often CPU and memory are sampled.
	SampleInterval Duration `yaml:"sample_interval"`

	// RecoverySamples is how many consecutive below-threshold samples are
	// required before pressure state upgrades.
	RecoverySamples int `yaml:"recovery_samples"`
}

// StoreConfig holds speaker profile persistence settings.
type StoreConfig struct {
	// PostgresDSN is the connection string for the speaker store.
	// Empty disables cross-session speaker persistence.
	PostgresDSN string `yaml:"postgres_dsn"`

	// MaxEmbeddingsPerProfile caps stored embeddings per speaker; the
	// lowest-quality embedding is evicted when the cap is exceeded.
	MaxEmbeddingsPerProfile int `yaml:"max_embeddings_per_profile"`
}

// SessionConfig holds pipeline queueing and shutdown settings.
type SessionConfig struct {
	// QueueCapacity bounds the inference queue between capture and the
	// processing stages. On overflow the oldest chunk is dropped.
	QueueCapacity int `yaml:"queue_capacity"`

	// StopGracePeriod bounds how long Stop waits for in-flight work.
	StopGracePeriod Duration `yaml:"stop_grace_period"`
}

// Default returns a Config populated with the documented defaults.
// Loaded files override individual fields; zero values are replaced by
// these defaults during [Validate].
func Default() *Config {
	tru := true
	return &Config{
		Server: ServerConfig{
			LogLevel:    LogInfo,
			MetricsAddr: ":9464",
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
		},
		Diarization: DiarizationConfig{
			MaxSpeakers:              8,
			MinSpeakers:              2,
			MinSegmentLengthMs:       1500,
			EmbeddingWindowMs:        3000,
			ClusteringThreshold:      0.7,
			EnableAdaptiveClustering: &tru,
			VADThreshold:             0.5,
			DetectOverlaps:           &tru,
			HardwareAcceleration:     AccelAuto,
		},
		ASR: ASRConfig{
			InitialTier:      TierStandard,
			EnableSecondPass: &tru,
			SecondPassDelay:  Duration(3 * time.Second),
		},
		Resource: ResourceConfig{
			MaxMemoryMb:     500,
			SampleInterval:  Duration(2 * time.Second),
			RecoverySamples: 3,
		},
		Store: StoreConfig{
			MaxEmbeddingsPerProfile: 20,
		},
		Session: SessionConfig{
			QueueCapacity:   64,
			StopGracePeriod: Duration(10 * time.Second),
		},
	}
}
