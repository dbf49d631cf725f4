// Package langdetect implements language detection over a decoder's
// language-probing primitive. Raw probes on real meeting audio are noisy —
// silence, cross-talk, and music windows produce confident nonsense — so the
// detector aggregates per-language probabilities across consecutive probe
// windows, discards low-confidence windows, weights languages by how
// consistently they appear, and stops early once a language is clearly ahead.
//
// When nothing trustworthy emerges the detector returns ("en", 0.0): the zero
// probability is a sentinel telling the caller that detection failed and no
// language should be locked.
package langdetect

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/voxline/voxline/pkg/decoder"
)

const (
	// sampleRate is the probe input rate; callers resample first.
	sampleRate = 16000

	// windowSeconds is the duration of one probe window.
	windowSeconds = 10

	// windowSamples is the probe window length in samples.
	windowSamples = sampleRate * windowSeconds

	// minWindowSamples is the shortest window worth probing (0.5 s).
	minWindowSamples = sampleRate / 2

	// minWindowConfidence rejects probe windows whose best candidate is
	// weaker than this.
	minWindowConfidence = 0.4

	// accumulateFloor is the minimum per-candidate probability worth
	// accumulating.
	accumulateFloor = 0.1
)

// Prober is the language-probing primitive the detector consumes. A
// decoder.Decoder satisfies it.
type Prober interface {
	DetectLanguage(ctx context.Context, samples []float32, opts decoder.Options) ([]decoder.LanguageProb, error)
}

// Config tunes the aggregation.
type Config struct {
	// Threshold is the early-stop average probability. Relaxed by 0.1 (with
	// a 0.4 floor) once three windows have been accepted.
	Threshold float64

	// MaxWindows caps how many probe windows are consumed.
	MaxWindows int
}

// Result is the detector's verdict. Probability 0 means detection was not
// trusted and Language is only the "en" fallback.
type Result struct {
	Language    string
	Probability float64
}

// Detect runs the aggregation over samples (16 kHz mono float32). opts is
// forwarded to each probe so VAD settings apply. Probe errors abort
// detection.
func Detect(ctx context.Context, p Prober, samples []float32, opts decoder.Options, cfg Config) (Result, error) {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.5
	}
	if cfg.MaxWindows <= 0 {
		cfg.MaxWindows = 10
	}

	n := len(samples)
	numWindows := (n + windowSamples - 1) / windowSamples
	if numWindows < 1 {
		numWindows = 1
	}
	if numWindows > cfg.MaxWindows {
		numWindows = cfg.MaxWindows
	}

	aggregator := make(map[string][]float64)
	var (
		processed int
		lastProbs []decoder.LanguageProb
	)

	for w := range numWindows {
		start := w * windowSamples
		end := min(start+windowSamples, n)
		if end-start < minWindowSamples {
			continue
		}

		probs, err := p.DetectLanguage(ctx, samples[start:end], opts)
		if err != nil {
			return Result{}, fmt.Errorf("langdetect: probe window %d: %w", w, err)
		}
		sort.SliceStable(probs, func(i, j int) bool { return probs[i].Probability > probs[j].Probability })
		lastProbs = probs
		if len(probs) == 0 {
			continue
		}

		top := probs[0].Probability
		if top < minWindowConfidence {
			slog.Debug("langdetect: window below confidence floor", "window", w, "top", top)
			continue
		}
		if len(probs) >= 2 {
			diff := top - probs[1].Probability
			if (diff < 0.12 && top < 0.45) || top < 0.30 {
				slog.Debug("langdetect: ambiguous window skipped", "window", w, "top", top, "diff", diff)
				continue
			}
		}

		for _, lp := range probs {
			if lp.Probability >= accumulateFloor {
				aggregator[lp.Language] = append(aggregator[lp.Language], lp.Probability)
			}
		}
		processed++

		// Early stop once the front-runner is clearly ahead with at least two
		// supporting windows.
		if lang, avg, ok := earlyStop(aggregator, processed, cfg.Threshold); ok {
			return Result{Language: lang, Probability: avg}, nil
		}
	}

	return finalSelect(aggregator, lastProbs), nil
}

// earlyStop checks the early-stopping condition after an accepted window.
func earlyStop(agg map[string][]float64, processed int, threshold float64) (string, float64, bool) {
	if len(agg) == 0 || processed < 2 {
		return "", 0, false
	}

	topLang, topAvg := topAverage(agg)
	stopAt := threshold
	if processed >= 3 {
		stopAt = max(0.4, threshold-0.1)
	}
	if topAvg > stopAt && len(agg[topLang]) >= 2 {
		return topLang, topAvg, true
	}
	return "", 0, false
}

// finalSelect picks the language once all windows are consumed without an
// early stop.
func finalSelect(agg map[string][]float64, lastProbs []decoder.LanguageProb) Result {
	if len(agg) == 0 {
		// Every window was filtered out. Trust the last window's leader only
		// if it was genuinely confident.
		if len(lastProbs) > 0 && lastProbs[0].Probability >= 0.5 {
			return Result{Language: lastProbs[0].Language, Probability: lastProbs[0].Probability}
		}
		slog.Info("langdetect: all windows filtered, returning sentinel")
		return Result{Language: "en", Probability: 0}
	}

	// Weighted score: average probability boosted by appearance consistency.
	var (
		bestLang  string
		bestScore float64
	)
	for lang, probs := range agg {
		avg := mean(probs)
		consistency := min(1.0, float64(len(probs))/3.0)
		score := avg * (0.7 + 0.3*consistency)
		if bestLang == "" || score > bestScore {
			bestLang, bestScore = lang, score
		}
	}

	avg := mean(agg[bestLang])
	if avg < 0.5 {
		slog.Info("langdetect: confidence too low, returning sentinel", "language", bestLang, "avg", avg)
		return Result{Language: "en", Probability: 0}
	}
	return Result{Language: bestLang, Probability: avg}
}

// topAverage returns the language with the highest average probability.
func topAverage(agg map[string][]float64) (string, float64) {
	var (
		topLang string
		topAvg  float64
	)
	for lang, probs := range agg {
		avg := mean(probs)
		if topLang == "" || avg > topAvg {
			topLang, topAvg = lang, avg
		}
	}
	return topLang, topAvg
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
