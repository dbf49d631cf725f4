package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/voxline/voxline/internal/langdetect"
	"github.com/voxline/voxline/internal/observe"
	"github.com/voxline/voxline/pkg/audio"
	"github.com/voxline/voxline/pkg/decoder"
)

// temperatureChain is the fallback schedule walked when an attempt is
// classified as hallucinated.
var temperatureChain = []float64{0.0, 0.2, 0.4, 0.6, 0.8, 1.0}

// minConfidenceForEnglish is the extra bar auto-detected English must clear.
// The underlying models skew toward English on noisy audio; locking the
// decoder to a borderline "en" verdict would poison every later chunk of a
// non-English meeting.
const minConfidenceForEnglish = 0.65

// apiSegment is the wire shape of one transcribed interval. audio_start and
// audio_end duplicate start and end for adapter compatibility.
type apiSegment struct {
	ID               int     `json:"id"`
	Seek             int     `json:"seek"`
	Start            float64 `json:"start"`
	End              float64 `json:"end"`
	Text             string  `json:"text"`
	Tokens           []int   `json:"tokens"`
	Temperature      float64 `json:"temperature"`
	AvgLogProb       float64 `json:"avg_logprob"`
	CompressionRatio float64 `json:"compression_ratio"`
	NoSpeechProb     float64 `json:"no_speech_prob"`
	AudioStart       float64 `json:"audio_start"`
	AudioEnd         float64 `json:"audio_end"`
}

// apiResponse is the wire shape of a completed transcription.
type apiResponse struct {
	Text                string       `json:"text"`
	Language            string       `json:"language"`
	LanguageProbability float64      `json:"language_probability"`
	Duration            float64      `json:"duration"`
	Segments            []apiSegment `json:"segments"`
}

// handleTranscribe serves POST /v1/audio/transcriptions.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx).With("worker_id", s.cfg.Server.WorkerID)

	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "invalid or missing API token")
		return
	}

	// Admission before touching the body: a request we are going to shed
	// should be shed as cheaply as possible.
	s.metrics.WaitingRequests.Add(ctx, 1)
	release, err := s.gate.Acquire(ctx)
	s.metrics.WaitingRequests.Add(ctx, -1)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			retryAfter := max(1, s.cfg.Admission.BusyRetryAfterS)
			s.metrics.RecordShed(ctx, "busy")
			log.Info("shedding request, server at capacity", "retry_after_s", retryAfter)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusServiceUnavailable, "service temporarily overloaded, please retry later")
			return
		}
		// Client went away while queued.
		log.Info("request cancelled while waiting for a slot", "error", err)
		return
	}
	defer release()
	s.metrics.ActiveTranscriptions.Add(ctx, 1)
	defer s.metrics.ActiveTranscriptions.Add(ctx, -1)

	start := time.Now()

	samples, err := s.readUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Debug("audio decoded", "samples", len(samples), "duration_s", audio.Duration(samples, audio.WhisperSampleRate))

	// The model field is required for OpenAI API compatibility; its value is
	// opaque since the worker decodes with whatever model it loaded.
	if strings.TrimSpace(r.FormValue("model")) == "" {
		writeError(w, http.StatusBadRequest, "model parameter is required")
		return
	}

	language := strings.TrimSpace(r.FormValue("language"))
	task := decoder.Task(strings.TrimSpace(r.FormValue("task")))
	if task == "" {
		task = decoder.TaskTranscribe
	}
	if !task.IsValid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown task %q", task))
		return
	}
	requestedTemp := 0.0
	if v := strings.TrimSpace(r.FormValue("temperature")); v != "" {
		requestedTemp, err = strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid temperature %q", v))
			return
		}
	}

	opts := s.decodeOptions(task, r.FormValue("prompt"))

	// The decode must finish and free its slot even if the client hangs up;
	// the transport discards the orphaned response.
	decodeCtx := context.WithoutCancel(ctx)

	// Language detection runs only when the caller did not pin a language.
	lowConfidence := false
	if language == "" {
		detStart := time.Now()
		det, err := langdetect.Detect(decodeCtx, s.dec, samples, opts, langdetect.Config{
			Threshold:  s.cfg.Detection.Threshold,
			MaxWindows: s.cfg.Detection.Segments,
		})
		if err != nil {
			log.Error("language detection failed", "error", err)
			writeError(w, http.StatusInternalServerError, "language detection failed")
			return
		}
		s.metrics.DetectionDuration.Record(ctx, time.Since(detStart).Seconds())

		switch {
		case det.Probability == 0:
			lowConfidence = true
			log.Info("language detection not trusted, decoding without a hint")
		case det.Language == "en" && det.Probability < minConfidenceForEnglish:
			lowConfidence = true
			log.Info("borderline English verdict, not locking", "probability", det.Probability)
		default:
			language = det.Language
			log.Info("language detected", "language", language, "probability", det.Probability)
		}
	}

	temps := []float64{requestedTemp}
	if s.cfg.Decode.UseTemperatureFallback {
		temps = temperatureChain
	}

	var (
		chosen   decoder.Result
		chosenT  float64
		accepted bool
		silence  bool
	)
	for _, t := range temps {
		o := opts
		o.Language = language
		o.Temperature = t

		res, err := s.dec.Transcribe(decodeCtx, samples, o)
		if err != nil {
			log.Error("decode failed", "temperature", t, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		chosen, chosenT = res, t

		if s.looksLikeSilence(res.Segments) {
			s.metrics.RecordDecodeAttempt(ctx, "silence")
			log.Info("silence detected", "temperature", t)
			silence, accepted = true, true
			break
		}
		if s.looksLikeHallucination(res.Segments) {
			s.metrics.RecordDecodeAttempt(ctx, "hallucination")
			log.Info("attempt rejected as hallucination", "temperature", t)
			continue
		}
		s.metrics.RecordDecodeAttempt(ctx, "accepted")
		accepted = true
		break
	}
	if !accepted {
		// Every temperature was flagged. Emit the last attempt anyway so the
		// upstream keeps moving; its confidence fields tell the full story.
		log.Warn("all temperature attempts rejected, returning last", "temperature", chosenT)
	}

	resp := s.shapeResponse(chosen, chosenT, language, lowConfidence, silence)

	status := "ok"
	if silence {
		status = "silence"
	}
	s.metrics.RecordTranscription(ctx, resp.Language, status, time.Since(start).Seconds())
	log.Info("transcription completed",
		"language", resp.Language,
		"segments", len(resp.Segments),
		"duration_s", resp.Duration,
		"elapsed", time.Since(start))

	writeJSON(w, http.StatusOK, resp)
}

// readUpload pulls the multipart file field and decodes it to 16 kHz mono
// float32 samples.
func (s *Server) readUpload(r *http.Request) ([]float32, error) {
	f, _, err := r.FormFile("file")
	if err != nil {
		return nil, errors.New("missing or unreadable file field")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio file: %w", err)
	}
	return audio.Resample(samples, rate, audio.WhisperSampleRate), nil
}

// decodeOptions assembles the per-request decoder options from the static
// configuration. Language and temperature vary per attempt and are filled by
// the caller.
func (s *Server) decodeOptions(task decoder.Task, prompt string) decoder.Options {
	d := s.cfg.Decode
	return decoder.Options{
		Task:                      task,
		Prompt:                    prompt,
		BeamSize:                  d.BeamSize,
		BestOf:                    d.BestOf,
		CompressionRatioThreshold: d.CompressionRatioThreshold,
		LogProbThreshold:          d.LogProbThreshold,
		NoSpeechThreshold:         d.NoSpeechThreshold,
		ConditionOnPreviousText:   d.ConditionOnPreviousText,
		PromptResetOnTemperature:  d.PromptResetOnTemperature,
		VAD: decoder.VADOptions{
			Enabled:      s.cfg.VAD.Filter,
			Threshold:    s.cfg.VAD.Threshold,
			MinSilenceMs: s.cfg.VAD.MinSilenceMs,
		},
	}
}

// looksLikeSilence reports whether an attempt decoded nothing worth keeping:
// no segments at all, or every segment confidently classified as non-speech.
func (s *Server) looksLikeSilence(segs []decoder.Segment) bool {
	if len(segs) == 0 {
		return true
	}
	for _, seg := range segs {
		if !(seg.NoSpeechProb > s.cfg.Decode.NoSpeechThreshold && seg.AvgLogProb < s.cfg.Decode.LogProbThreshold) {
			return false
		}
	}
	return true
}

// looksLikeHallucination reports whether any segment shows the pathological
// repetition or confidence profile of fabricated text.
func (s *Server) looksLikeHallucination(segs []decoder.Segment) bool {
	for _, seg := range segs {
		if seg.CompressionRatio > s.cfg.Decode.CompressionRatioThreshold || seg.AvgLogProb < s.cfg.Decode.LogProbThreshold {
			return true
		}
	}
	return false
}

// shapeResponse converts a decoder result into the wire response, applying
// the language-reporting rules for untrusted auto-detection.
func (s *Server) shapeResponse(res decoder.Result, temp float64, hint string, lowConfidence, silence bool) apiResponse {
	segments := make([]apiSegment, 0, len(res.Segments))
	texts := make([]string, 0, len(res.Segments))
	if !silence {
		for i, seg := range res.Segments {
			segments = append(segments, apiSegment{
				ID:               i,
				Seek:             0,
				Start:            seg.Start,
				End:              seg.End,
				Text:             seg.Text,
				Tokens:           []int{},
				Temperature:      temp,
				AvgLogProb:       seg.AvgLogProb,
				CompressionRatio: seg.CompressionRatio,
				NoSpeechProb:     clamp01(seg.NoSpeechProb),
				AudioStart:       seg.Start,
				AudioEnd:         seg.End,
			})
			texts = append(texts, strings.TrimSpace(seg.Text))
		}
	}

	var duration float64
	if len(segments) > 0 {
		duration = segments[len(segments)-1].End
	}

	resultLang := res.Language
	if resultLang == "" {
		resultLang = hint
	}
	if resultLang == "" {
		resultLang = "unknown"
	}

	reported, prob := resultLang, 1.0
	switch {
	case lowConfidence && resultLang == "en" && silence:
		// Pure silence under failed detection: keep the "en" sentinel with
		// zero probability so clients know nothing was established.
		reported, prob = "en", 0.0
	case lowConfidence && resultLang == "en":
		// Do not let clients lock onto a borderline English verdict.
		reported, prob = "unknown", 0.0
	case resultLang == "unknown":
		prob = 0.0
	}

	return apiResponse{
		Text:                strings.TrimSpace(strings.Join(texts, " ")),
		Language:            reported,
		LanguageProbability: prob,
		Duration:            duration,
		Segments:            segments,
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
