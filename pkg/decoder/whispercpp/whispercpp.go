// Package whispercpp implements decoder.Decoder over the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.
//
// The model is loaded once in New and shared by every call; each Transcribe
// or DetectLanguage invocation creates its own whisper context, so the
// decoder is safe for the bounded concurrency the server's admission gate
// permits (contexts are not shareable, the model is).
package whispercpp

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/voxline/voxline/pkg/decoder"
)

// Compile-time assertion that Decoder satisfies decoder.Decoder.
var _ decoder.Decoder = (*Decoder)(nil)

// Option is a functional option for configuring a Decoder.
type Option func(*Decoder)

// WithDevice records the device label ("cpu" or "cuda") reported by Info.
// whisper.cpp selects the device at build/link time; this label only feeds
// health reporting.
func WithDevice(device string) Option {
	return func(d *Decoder) { d.info.Device = device }
}

// WithComputeType records the compute precision label reported by Info.
func WithComputeType(ct string) Option {
	return func(d *Decoder) { d.info.ComputeType = ct }
}

// WithThreads sets the CPU thread count per decode. 0 lets whisper.cpp
// auto-detect.
func WithThreads(n int) Option {
	return func(d *Decoder) { d.threads = n }
}

// Decoder is a process-wide whisper.cpp decoder handle.
type Decoder struct {
	model   whisperlib.Model
	info    decoder.ModelInfo
	threads int
}

// New loads the whisper.cpp model from modelPath. The handle lives for the
// process; call Close only on shutdown.
func New(modelPath string, opts ...Option) (*Decoder, error) {
	if modelPath == "" {
		return nil, errors.New("whispercpp: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: load model %q: %w", modelPath, err)
	}
	d := &Decoder{
		model: model,
		info: decoder.ModelInfo{
			Model:  modelPath,
			Device: "cpu",
		},
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Close releases the model.
func (d *Decoder) Close() error {
	if d.model != nil {
		return d.model.Close()
	}
	return nil
}

// Info reports the model identity backing this handle.
func (d *Decoder) Info() decoder.ModelInfo { return d.info }

// Transcribe decodes 16 kHz mono float32 samples with a fresh whisper
// context. The bindings expose no VAD gate or quality thresholds, so
// opts.VAD and the threshold fields are handled by the caller's
// classification pass rather than inside the decode.
func (d *Decoder) Transcribe(ctx context.Context, samples []float32, opts decoder.Options) (decoder.Result, error) {
	if err := ctx.Err(); err != nil {
		return decoder.Result{}, fmt.Errorf("whispercpp: context already cancelled: %w", err)
	}

	wctx, err := d.newContext(opts)
	if err != nil {
		return decoder.Result{}, err
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return decoder.Result{}, fmt.Errorf("whispercpp: process audio: %w", err)
	}

	res := decoder.Result{
		Language: opts.Language,
		// whisper.cpp reports a single language verdict without a calibrated
		// probability; a committed verdict is treated as certain.
		LanguageProbability: 1.0,
	}
	if res.Language == "" {
		res.Language = wctx.DetectedLanguage()
	}

	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return decoder.Result{}, fmt.Errorf("whispercpp: read segment: %w", err)
		}
		res.Segments = append(res.Segments, decoder.Segment{
			Start:            seg.Start.Seconds(),
			End:              seg.End.Seconds(),
			Text:             strings.TrimSpace(seg.Text),
			AvgLogProb:       avgLogProb(seg.Tokens),
			CompressionRatio: compressionRatio(seg.Text),
			// The bindings do not surface the no-speech probability; 0 keeps
			// the server's silence classifier on the avg_logprob path.
			NoSpeechProb: 0,
		})
	}
	return res, nil
}

// DetectLanguage runs a probe decode with auto language selection and
// returns the verdict as a single-candidate distribution. The probability is
// the mean token probability of the probe, since the bindings do not expose
// the full per-language distribution.
func (d *Decoder) DetectLanguage(ctx context.Context, samples []float32, opts decoder.Options) ([]decoder.LanguageProb, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whispercpp: context already cancelled: %w", err)
	}

	probe := opts
	probe.Language = ""
	probe.Prompt = ""
	wctx, err := d.newContext(probe)
	if err != nil {
		return nil, err
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whispercpp: probe audio: %w", err)
	}

	lang := wctx.DetectedLanguage()
	if lang == "" {
		return nil, nil
	}

	var tokens []whisperlib.Token
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whispercpp: read probe segment: %w", err)
		}
		tokens = append(tokens, seg.Tokens...)
	}

	prob := meanTokenP(tokens)
	return []decoder.LanguageProb{{Language: lang, Probability: prob}}, nil
}

// newContext creates and configures a whisper context from opts.
func (d *Decoder) newContext(opts decoder.Options) (whisperlib.Context, error) {
	wctx, err := d.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whispercpp: create context: %w", err)
	}

	lang := opts.Language
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return nil, fmt.Errorf("whispercpp: set language %q: %w", lang, err)
	}
	wctx.SetTranslate(opts.Task == decoder.TaskTranslate)
	if opts.Prompt != "" {
		wctx.SetInitialPrompt(opts.Prompt)
	}
	if opts.BeamSize > 0 {
		wctx.SetBeamSize(opts.BeamSize)
	}
	wctx.SetTemperature(float32(opts.Temperature))
	if d.threads > 0 {
		wctx.SetThreads(uint(d.threads))
	}
	return wctx, nil
}

// avgLogProb returns the mean natural-log probability across tokens, or 0
// for a tokenless segment.
func avgLogProb(tokens []whisperlib.Token) float64 {
	if len(tokens) == 0 {
		return 0
	}
	var sum float64
	for _, t := range tokens {
		p := float64(t.P)
		if p <= 0 {
			p = math.SmallestNonzeroFloat64
		}
		sum += math.Log(p)
	}
	return sum / float64(len(tokens))
}

// meanTokenP returns the mean raw token probability, or 0 when empty.
func meanTokenP(tokens []whisperlib.Token) float64 {
	if len(tokens) == 0 {
		return 0
	}
	var sum float64
	for _, t := range tokens {
		sum += float64(t.P)
	}
	return sum / float64(len(tokens))
}

// compressionRatio is the reference Whisper hallucination signal: the ratio
// of text length to its zlib-compressed length. Repetitive fabricated text
// compresses far better than speech.
func compressionRatio(text string) float64 {
	if text == "" {
		return 0
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write([]byte(text)); err != nil {
		return 0
	}
	if err := zw.Close(); err != nil {
		return 0
	}
	if buf.Len() == 0 {
		return 0
	}
	return float64(len(text)) / float64(buf.Len())
}
