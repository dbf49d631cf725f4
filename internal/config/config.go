// Package config provides the configuration schema, environment loader, and
// validation for the voxline transcription server.
//
// Environment variables are authoritative. An optional YAML file can seed
// values (see [Load]); any environment variable that is set overrides the
// file.
package config

// LogLevel controls log verbosity for the voxline server.
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

// Device selects the compute device for the decoder.
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// IsValid reports whether d is a recognised device.
func (d Device) IsValid() bool {
	return d == DeviceCPU || d == DeviceCUDA
}

// Config is the root configuration for the transcription server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Decoder   DecoderConfig   `yaml:"decoder"`
	Admission AdmissionConfig `yaml:"admission"`
	Decode    DecodeConfig    `yaml:"decode"`
	VAD       VADConfig       `yaml:"vad"`
	Detection DetectionConfig `yaml:"language_detection"`
}

// ServerConfig holds network, identity, and auth settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g. ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// WorkerID identifies this worker in health payloads and logs.
	WorkerID string `yaml:"worker_id"`

	// APIToken is the shared secret for request authentication. Empty
	// disables auth (a warning is logged on every request).
	APIToken string `yaml:"api_token"`
}

// DecoderConfig identifies the decoder handle loaded at startup.
type DecoderConfig struct {
	// ModelSize is the decoder identity (e.g. "large-v3-turbo").
	ModelSize string `yaml:"model_size"`

	// ModelPath is the weights file loaded by the whisper.cpp decoder. When
	// empty it is derived from ModelSize under models/.
	ModelPath string `yaml:"model_path"`

	// Device is "cpu" or "cuda".
	Device Device `yaml:"device"`

	// ComputeType is the decoder compute precision (e.g. "int8").
	ComputeType string `yaml:"compute_type"`

	// CPUThreads bounds decoder threading on CPU. 0 means auto-detect.
	CPUThreads int `yaml:"cpu_threads"`
}

// AdmissionConfig tunes the backpressure gate in front of the decoder.
type AdmissionConfig struct {
	// MaxConcurrent is the number of admission slots: the hard bound on
	// in-flight decoder invocations.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxQueue is the ceiling on requests waiting for a slot.
	MaxQueue int `yaml:"max_queue"`

	// FailFastWhenBusy sheds load with 503 the moment all slots are held,
	// instead of queueing. Waiting here would decode stale audio while the
	// upstream keeps buffering newer audio.
	FailFastWhenBusy bool `yaml:"fail_fast_when_busy"`

	// BusyRetryAfterS seeds the Retry-After header on 503 responses.
	BusyRetryAfterS int `yaml:"busy_retry_after_s"`
}

// DecodeConfig carries the decoder search and quality parameters.
type DecodeConfig struct {
	BeamSize                  int     `yaml:"beam_size"`
	BestOf                    int     `yaml:"best_of"`
	CompressionRatioThreshold float64 `yaml:"compression_ratio_threshold"`
	LogProbThreshold          float64 `yaml:"log_prob_threshold"`
	NoSpeechThreshold         float64 `yaml:"no_speech_threshold"`
	ConditionOnPreviousText   bool    `yaml:"condition_on_previous_text"`
	PromptResetOnTemperature  float64 `yaml:"prompt_reset_on_temperature"`

	// UseTemperatureFallback walks the temperature chain when an attempt is
	// classified as hallucinated.
	UseTemperatureFallback bool `yaml:"use_temperature_fallback"`
}

// VADConfig configures voice-activity gating.
type VADConfig struct {
	Filter       bool    `yaml:"filter"`
	Threshold    float64 `yaml:"threshold"`
	MinSilenceMs int     `yaml:"min_silence_duration_ms"`
}

// DetectionConfig tunes language detection (used only when the request does
// not supply a language).
type DetectionConfig struct {
	// Threshold is the early-stop average probability.
	Threshold float64 `yaml:"threshold"`

	// Segments caps how many 10-second probe windows are consumed.
	Segments int `yaml:"segments"`
}
