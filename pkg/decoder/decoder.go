// Package decoder defines the boundary between the transcription server and
// the speech decoder. The decoder is treated as an opaque, blocking compute
// resource: one process-wide handle, initialised at startup, invoked under
// the server's admission gate.
//
// Implementations must be safe for concurrent use up to the concurrency the
// server's admission semaphore permits. The whispercpp subpackage provides
// the production implementation; the mock subpackage provides a scripted
// decoder for tests.
package decoder

import "context"

// Task selects what the decoder produces from the audio.
type Task string

const (
	// TaskTranscribe produces text in the spoken language.
	TaskTranscribe Task = "transcribe"

	// TaskTranslate produces an English translation of the spoken audio.
	TaskTranslate Task = "translate"
)

// IsValid reports whether t is a recognised task.
func (t Task) IsValid() bool {
	return t == TaskTranscribe || t == TaskTranslate
}

// VADOptions configures the voice-activity gate applied before decoding.
type VADOptions struct {
	// Enabled turns VAD gating on.
	Enabled bool

	// Threshold is the speech-probability cutoff in [0, 1].
	Threshold float64

	// MinSilenceMs is the minimum silence gap, in milliseconds, that splits
	// speech regions.
	MinSilenceMs int
}

// Options carries the per-call decoding parameters. Zero values mean
// "decoder default" except where documented.
type Options struct {
	// Language is the ISO-639-1 language hint. Empty means auto-detect
	// inside the decoder.
	Language string

	// Task selects transcription or translation. Empty means transcribe.
	Task Task

	// Prompt is an optional context string conditioning the decode.
	Prompt string

	// Temperature is the sampling temperature for this attempt.
	Temperature float64

	// BeamSize and BestOf control the decoder search.
	BeamSize int
	BestOf   int

	// CompressionRatioThreshold, LogProbThreshold, and NoSpeechThreshold are
	// the decoder-internal quality cutoffs.
	CompressionRatioThreshold float64
	LogProbThreshold          float64
	NoSpeechThreshold         float64

	// ConditionOnPreviousText carries decoded text forward as context.
	ConditionOnPreviousText bool

	// PromptResetOnTemperature drops the carried prompt once the sampling
	// temperature reaches this value.
	PromptResetOnTemperature float64

	// VAD configures voice-activity gating.
	VAD VADOptions
}

// Segment is one contiguous transcribed interval with its confidence
// metadata. Times are seconds from the start of the submitted audio.
type Segment struct {
	Start            float64
	End              float64
	Text             string
	AvgLogProb       float64
	CompressionRatio float64
	NoSpeechProb     float64
}

// Result is the outcome of one decoder invocation.
type Result struct {
	// Segments in non-decreasing start order.
	Segments []Segment

	// Language is the ISO-639-1 code the decoder settled on.
	Language string

	// LanguageProbability is the decoder's confidence in Language, in [0, 1].
	LanguageProbability float64
}

// LanguageProb is one candidate from a language probe, ordered by descending
// probability in probe results.
type LanguageProb struct {
	Language    string
	Probability float64
}

// ModelInfo describes the loaded decoder handle for health reporting.
type ModelInfo struct {
	// Model is the decoder identity (e.g. "large-v3-turbo" or a file path).
	Model string

	// Device is "cpu" or "cuda".
	Device string

	// ComputeType is the decoder compute precision (e.g. "int8").
	ComputeType string
}

// Decoder is the opaque speech decoder handle.
//
// Transcribe and DetectLanguage are blocking calls; callers bound their
// concurrency externally. Samples must be 16 kHz mono float32 in [-1, 1].
type Decoder interface {
	// Transcribe decodes the audio with the given options and returns the
	// segment list plus the decoder's language verdict.
	Transcribe(ctx context.Context, samples []float32, opts Options) (Result, error)

	// DetectLanguage runs the short language-probing primitive over the audio
	// window and returns candidate languages by descending probability. The
	// slice may be empty when the probe finds nothing usable.
	DetectLanguage(ctx context.Context, samples []float32, opts Options) ([]LanguageProb, error)

	// Info reports the model identity backing this handle.
	Info() ModelInfo
}
