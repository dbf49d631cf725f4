package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default returns the built-in configuration before environment overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8000",
			LogLevel:   LogInfo,
			WorkerID:   "1",
		},
		Decoder: DecoderConfig{
			ModelSize:   "large-v3-turbo",
			Device:      DeviceCUDA,
			ComputeType: "int8",
		},
		Admission: AdmissionConfig{
			MaxConcurrent:    2,
			MaxQueue:         10,
			FailFastWhenBusy: true,
			BusyRetryAfterS:  1,
		},
		Decode: DecodeConfig{
			BeamSize:                  5,
			BestOf:                    5,
			CompressionRatioThreshold: 2.4,
			LogProbThreshold:          -1.0,
			NoSpeechThreshold:         0.6,
			ConditionOnPreviousText:   true,
			PromptResetOnTemperature:  0.5,
			UseTemperatureFallback:    false,
		},
		VAD: VADConfig{
			Filter:       true,
			Threshold:    0.5,
			MinSilenceMs: 160,
		},
		Detection: DetectionConfig{
			Threshold: 0.5,
			Segments:  10,
		},
	}
}

// Load builds the effective configuration: defaults, then the optional YAML
// file at path (skipped when path is empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	FromEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and applies
// environment overrides. Useful in tests with string-literal configs.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	FromEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// FromEnv applies environment variable overrides onto cfg. Malformed values
// log a warning and keep the current value, so a bad deployment variable
// degrades to defaults instead of failing startup.
func FromEnv(cfg *Config) {
	envString("LISTEN_ADDR", &cfg.Server.ListenAddr)
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(strings.TrimSpace(v)))
	}
	envString("WORKER_ID", &cfg.Server.WorkerID)
	if v, ok := os.LookupEnv("API_TOKEN"); ok {
		cfg.Server.APIToken = strings.TrimSpace(v)
	}

	envString("MODEL_SIZE", &cfg.Decoder.ModelSize)
	envString("MODEL_PATH", &cfg.Decoder.ModelPath)
	if v, ok := os.LookupEnv("DEVICE"); ok {
		cfg.Decoder.Device = Device(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := os.LookupEnv("COMPUTE_TYPE"); ok {
		if ct := strings.ToLower(strings.TrimSpace(v)); ct != "" {
			cfg.Decoder.ComputeType = ct
		}
	}
	envInt("CPU_THREADS", &cfg.Decoder.CPUThreads)

	envInt("MAX_CONCURRENT_TRANSCRIPTIONS", &cfg.Admission.MaxConcurrent)
	envInt("MAX_QUEUE_SIZE", &cfg.Admission.MaxQueue)
	envBool("FAIL_FAST_WHEN_BUSY", &cfg.Admission.FailFastWhenBusy)
	envInt("BUSY_RETRY_AFTER_S", &cfg.Admission.BusyRetryAfterS)

	envInt("BEAM_SIZE", &cfg.Decode.BeamSize)
	envInt("BEST_OF", &cfg.Decode.BestOf)
	envFloat("COMPRESSION_RATIO_THRESHOLD", &cfg.Decode.CompressionRatioThreshold)
	envFloat("LOG_PROB_THRESHOLD", &cfg.Decode.LogProbThreshold)
	envFloat("NO_SPEECH_THRESHOLD", &cfg.Decode.NoSpeechThreshold)
	envBool("CONDITION_ON_PREVIOUS_TEXT", &cfg.Decode.ConditionOnPreviousText)
	envFloat("PROMPT_RESET_ON_TEMPERATURE", &cfg.Decode.PromptResetOnTemperature)
	envBool("USE_TEMPERATURE_FALLBACK", &cfg.Decode.UseTemperatureFallback)

	envBool("VAD_FILTER", &cfg.VAD.Filter)
	envFloat("VAD_FILTER_THRESHOLD", &cfg.VAD.Threshold)
	envInt("VAD_MIN_SILENCE_DURATION_MS", &cfg.VAD.MinSilenceMs)

	envFloat("LANGUAGE_DETECTION_THRESHOLD", &cfg.Detection.Threshold)
	envInt("LANGUAGE_DETECTION_SEGMENTS", &cfg.Detection.Segments)
}

// ModelPath returns the configured weights file, deriving one from ModelSize
// when unset.
func (c *Config) ModelPath() string {
	if c.Decoder.ModelPath != "" {
		return c.Decoder.ModelPath
	}
	return filepath.Join("models", "ggml-"+c.Decoder.ModelSize+".bin")
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Decoder.Device.IsValid() {
		errs = append(errs, fmt.Errorf("decoder.device %q is invalid; valid values: cpu, cuda", cfg.Decoder.Device))
	}
	if cfg.Decoder.ModelSize == "" {
		errs = append(errs, errors.New("decoder.model_size is required"))
	}
	if cfg.Admission.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("admission.max_concurrent %d must be at least 1", cfg.Admission.MaxConcurrent))
	}
	if cfg.Admission.MaxQueue < 0 {
		errs = append(errs, fmt.Errorf("admission.max_queue %d must not be negative", cfg.Admission.MaxQueue))
	}
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.2f is out of range [0, 1]", cfg.VAD.Threshold))
	}
	if cfg.Detection.Threshold < 0 || cfg.Detection.Threshold > 1 {
		errs = append(errs, fmt.Errorf("language_detection.threshold %.2f is out of range [0, 1]", cfg.Detection.Threshold))
	}
	if cfg.Detection.Segments < 1 {
		errs = append(errs, fmt.Errorf("language_detection.segments %d must be at least 1", cfg.Detection.Segments))
	}

	if cfg.Server.APIToken == "" {
		slog.Warn("API_TOKEN not configured — authentication is disabled")
	}

	return errors.Join(errs...)
}

// ---- env parsers ------------------------------------------------------------

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok {
		if s := strings.TrimSpace(v); s != "" {
			*dst = s
		}
	}
}

func envInt(name string, dst *int) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("invalid integer environment value, keeping default", "name", name, "value", v, "default", *dst)
		return
	}
	*dst = n
}

func envFloat(name string, dst *float64) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		slog.Warn("invalid float environment value, keeping default", "name", name, "value", v, "default", *dst)
		return
	}
	*dst = f
}

func envBool(name string, dst *bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		*dst = true
	case "0", "false", "no", "n", "off":
		*dst = false
	default:
		slog.Warn("invalid boolean environment value, keeping default", "name", name, "value", v, "default", *dst)
	}
}
