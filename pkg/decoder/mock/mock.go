// Package mock provides a scripted test double for the decoder package.
//
// Use Decoder to script Transcribe results per call (e.g. one result per
// temperature attempt) and DetectLanguage probe distributions per audio
// window, and to inspect the options the server passed in.
//
// Example:
//
//	d := &mock.Decoder{
//	    TranscribeResults: []decoder.Result{{Segments: segs, Language: "en"}},
//	}
//	res, _ := d.Transcribe(ctx, samples, opts)
package mock

import (
	"context"
	"sync"

	"github.com/voxline/voxline/pkg/decoder"
)

// TranscribeCall records a single invocation of Decoder.Transcribe.
type TranscribeCall struct {
	// Samples is the audio buffer passed in (not copied).
	Samples []float32
	// Opts is the Options passed in.
	Opts decoder.Options
}

// DetectCall records a single invocation of Decoder.DetectLanguage.
type DetectCall struct {
	Samples []float32
	Opts    decoder.Options
}

// Decoder is a scripted mock implementation of decoder.Decoder.
type Decoder struct {
	mu sync.Mutex

	// TranscribeResults are returned in order, one per Transcribe call. When
	// exhausted, the last element is repeated. Empty means a zero Result.
	TranscribeResults []decoder.Result

	// TranscribeErr, if non-nil, is returned from every Transcribe call.
	TranscribeErr error

	// TranscribeDelayFn, if set, is invoked at the start of each Transcribe
	// call. Tests use it to hold a slot open and observe concurrency.
	TranscribeDelayFn func(ctx context.Context)

	// DetectResults are returned in order, one per DetectLanguage call. When
	// exhausted, the last element is repeated. Empty means a nil slice.
	DetectResults [][]decoder.LanguageProb

	// DetectErr, if non-nil, is returned from every DetectLanguage call.
	DetectErr error

	// Model is returned from Info. Zero value is fine for most tests.
	Model decoder.ModelInfo

	// TranscribeCalls and DetectCalls record every invocation.
	TranscribeCalls []TranscribeCall
	DetectCalls     []DetectCall
}

// Compile-time interface assertion.
var _ decoder.Decoder = (*Decoder)(nil)

// Transcribe records the call and returns the next scripted result.
func (d *Decoder) Transcribe(ctx context.Context, samples []float32, opts decoder.Options) (decoder.Result, error) {
	d.mu.Lock()
	d.TranscribeCalls = append(d.TranscribeCalls, TranscribeCall{Samples: samples, Opts: opts})
	n := len(d.TranscribeCalls)
	delay := d.TranscribeDelayFn
	d.mu.Unlock()

	if delay != nil {
		delay(ctx)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.TranscribeErr != nil {
		return decoder.Result{}, d.TranscribeErr
	}
	if len(d.TranscribeResults) == 0 {
		return decoder.Result{}, nil
	}
	idx := n - 1
	if idx >= len(d.TranscribeResults) {
		idx = len(d.TranscribeResults) - 1
	}
	return d.TranscribeResults[idx], nil
}

// DetectLanguage records the call and returns the next scripted distribution.
func (d *Decoder) DetectLanguage(_ context.Context, samples []float32, opts decoder.Options) ([]decoder.LanguageProb, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DetectCalls = append(d.DetectCalls, DetectCall{Samples: samples, Opts: opts})
	if d.DetectErr != nil {
		return nil, d.DetectErr
	}
	if len(d.DetectResults) == 0 {
		return nil, nil
	}
	idx := len(d.DetectCalls) - 1
	if idx >= len(d.DetectResults) {
		idx = len(d.DetectResults) - 1
	}
	return d.DetectResults[idx], nil
}

// Info returns the scripted model description.
func (d *Decoder) Info() decoder.ModelInfo { return d.Model }

// Reset clears all recorded calls. Thread-safe.
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.TranscribeCalls = nil
	d.DetectCalls = nil
}
