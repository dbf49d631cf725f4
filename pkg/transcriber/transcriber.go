// Package transcriber is the client-side adapter for a remote transcription
// server. It frames audio as an in-memory WAV payload, calls the server over
// a pooled keep-alive HTTP client with exponential-backoff retries, and
// normalizes responses to the upstream segment model.
//
// Overload (HTTP 429/503) is deliberately NOT retried here: it surfaces as a
// typed [Overloaded] error so the caller can keep buffering and submit the
// latest audio window on its next cycle instead of blocking on retries for an
// older chunk. That split keeps the backpressure signal sharp — internal
// retries would hide overload from the producer.
package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/voxline/voxline/pkg/audio"
)

// Overloaded signals that the remote server shed the request with 429 or
// 503. It is never retried internally; the caller decides what to do with
// the current audio fragment.
type Overloaded struct {
	// StatusCode is 429 or 503.
	StatusCode int

	// RetryAfter is the server's Retry-After header in seconds (1.0 when
	// absent or unparseable).
	RetryAfter float64

	// Detail is the response body, truncated to 500 bytes.
	Detail string
}

// Error implements the error interface.
func (e *Overloaded) Error() string {
	return fmt.Sprintf("remote transcriber overloaded (HTTP %d, retry_after=%gs): %s",
		e.StatusCode, e.RetryAfter, e.Detail)
}

// Segment is one transcribed interval in the upstream model.
type Segment struct {
	ID               int
	Seek             int
	Start            float64
	End              float64
	Text             string
	AvgLogProb       float64
	CompressionRatio float64
	NoSpeechProb     float64
	Temperature      float64
}

// Info summarises a transcription: the established language, its confidence,
// and the submitted audio's duration.
type Info struct {
	Language            string
	LanguageProbability float64
	Duration            float64
	Model               string
	Temperature         float64
}

// Request carries the per-call transcription parameters.
type Request struct {
	// Language is a language name or ISO-639-1 code; empty means auto-detect.
	Language string

	// Task is "transcribe" (default) or "translate".
	Task string

	// Prompt is optional context for spelling and vocabulary.
	Prompt string
}

const (
	defaultModel       = "default"
	defaultTemperature = "0"
	defaultSampleRate  = audio.WhisperSampleRate

	maxRetries        = 3
	initialRetryDelay = time.Second
	maxRetryDelay     = 10 * time.Second

	requestTimeout = 60 * time.Second
	maxDetailBytes = 500
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the model form field. The server decides whether to honour
// it.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithTemperature sets the decode temperature sent with every request.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = strconv.FormatFloat(t, 'g', -1, 64) }
}

// WithVADModel sets the optional vad_model form field.
func WithVADModel(model string) Option {
	return func(c *Client) { c.vadModel = model }
}

// WithSampleRate declares the rate of the sample buffers passed to
// Transcribe. Default 16 kHz.
func WithSampleRate(rate int) Option {
	return func(c *Client) { c.sampleRate = rate }
}

// WithHTTPClient replaces the pooled default client. Tests use it to stub
// the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpc = hc }
}

// WithRetryPolicy tunes the backoff schedule for transient failures.
func WithRetryPolicy(retries int, initial, max time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = retries
		c.initialDelay = initial
		c.maxDelay = max
	}
}

// Client calls a remote transcription server. One Client holds one pooled
// HTTP client; construct it once and share it across calls.
type Client struct {
	apiURL      string
	apiKey      string
	model       string
	temperature string
	vadModel    string
	sampleRate  int

	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration

	httpc *http.Client
}

// New builds a Client. Empty apiURL and apiKey fall back to the
// REMOTE_TRANSCRIBER_URL and REMOTE_TRANSCRIBER_API_KEY environment
// variables; both are required. Model, temperature, and VAD model fall back
// to REMOTE_TRANSCRIBER_MODEL, REMOTE_TRANSCRIBER_TEMPERATURE, and
// REMOTE_TRANSCRIBER_VAD_MODEL.
func New(apiURL, apiKey string, opts ...Option) (*Client, error) {
	if apiURL == "" {
		apiURL = os.Getenv("REMOTE_TRANSCRIBER_URL")
	}
	if apiURL == "" {
		return nil, errors.New("transcriber: no API URL; set REMOTE_TRANSCRIBER_URL or pass it explicitly")
	}
	if apiKey == "" {
		apiKey = os.Getenv("REMOTE_TRANSCRIBER_API_KEY")
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("transcriber: no API key; set REMOTE_TRANSCRIBER_API_KEY or pass it explicitly")
	}

	c := &Client{
		apiURL:       apiURL,
		apiKey:       apiKey,
		model:        defaultModel,
		temperature:  defaultTemperature,
		sampleRate:   defaultSampleRate,
		maxRetries:   maxRetries,
		initialDelay: initialRetryDelay,
		maxDelay:     maxRetryDelay,
		httpc: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
			},
		},
	}
	if v := os.Getenv("REMOTE_TRANSCRIBER_MODEL"); v != "" {
		c.model = v
	}
	if v := os.Getenv("REMOTE_TRANSCRIBER_TEMPERATURE"); v != "" {
		c.temperature = v
	}
	if v := os.Getenv("REMOTE_TRANSCRIBER_VAD_MODEL"); v != "" {
		c.vadModel = v
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Transcribe submits mono float32 samples and returns the normalized
// segments plus summary info. Samples are clipped to [-1, 1] and framed as
// 16-bit PCM WAV entirely in memory.
func (c *Client) Transcribe(ctx context.Context, samples []float32, req Request) ([]Segment, Info, error) {
	wav := audio.EncodeWAV(samples, c.sampleRate)
	language := NormalizeLanguage(req.Language)

	resp, err := c.call(ctx, wav, language, req)
	if err != nil {
		return nil, Info{}, err
	}

	segments := c.normalizeSegments(resp)

	// Only default to "en" when neither the caller nor the backend provided a
	// language. A backend "unknown" is a meaningful verdict (low-confidence
	// detection) and must not be rewritten to English.
	raw := language
	if raw == "" {
		raw = resp.Language
	}
	infoLang := "en"
	if raw != "" {
		infoLang = NormalizeLanguage(raw)
	}
	prob := 1.0
	if resp.LanguageProbability != nil {
		prob = *resp.LanguageProbability
	}

	info := Info{
		Language:            infoLang,
		LanguageProbability: prob,
		Duration:            audio.Duration(samples, c.sampleRate),
		Model:               c.model,
		Temperature:         c.temperatureValue(),
	}
	return segments, info, nil
}

// TranscribeFile reads a WAV file and submits it. A convenience path for
// offline use; the hot path is Transcribe with in-memory samples.
func (c *Client) TranscribeFile(ctx context.Context, path string, req Request) ([]Segment, Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Info{}, fmt.Errorf("transcriber: read %q: %w", path, err)
	}
	return c.transcribeEncoded(ctx, data, req)
}

// TranscribeReader decodes WAV data from r and submits it.
func (c *Client) TranscribeReader(ctx context.Context, r io.Reader, req Request) ([]Segment, Info, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, Info{}, fmt.Errorf("transcriber: read source: %w", err)
	}
	return c.transcribeEncoded(ctx, data, req)
}

func (c *Client) transcribeEncoded(ctx context.Context, data []byte, req Request) ([]Segment, Info, error) {
	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, Info{}, fmt.Errorf("transcriber: decode audio: %w", err)
	}
	return c.Transcribe(ctx, audio.Resample(samples, rate, c.sampleRate), req)
}

// wireResponse is the server's verbose_json shape. Pointers distinguish an
// absent field from a zero value.
type wireResponse struct {
	Text                string        `json:"text"`
	Language            string        `json:"language"`
	LanguageProbability *float64      `json:"language_probability"`
	Duration            float64       `json:"duration"`
	Segments            []wireSegment `json:"segments"`
	AvgLogProb          *float64      `json:"avg_logprob"`
	CompressionRatio    *float64      `json:"compression_ratio"`
	NoSpeechProb        *float64      `json:"no_speech_prob"`
}

type wireSegment struct {
	Seek             *int     `json:"seek"`
	Start            *float64 `json:"start"`
	End              *float64 `json:"end"`
	AudioStart       *float64 `json:"audio_start"`
	AudioEnd         *float64 `json:"audio_end"`
	Duration         *float64 `json:"duration"`
	Text             string   `json:"text"`
	AvgLogProb       *float64 `json:"avg_logprob"`
	CompressionRatio *float64 `json:"compression_ratio"`
	NoSpeechProb     *float64 `json:"no_speech_prob"`
}

// call runs the request with the retry policy. Overload is returned
// immediately; everything else is retried with exponential backoff, and the
// last error is returned after the final attempt.
func (c *Client) call(ctx context.Context, wav []byte, language string, req Request) (*wireResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := min(c.initialDelay<<(attempt-1), c.maxDelay)
			slog.Warn("remote transcriber call failed, retrying",
				"attempt", attempt, "max_retries", c.maxRetries, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.doOnce(ctx, wav, language, req)
		if err == nil {
			return resp, nil
		}
		var ov *Overloaded
		if errors.As(err, &ov) {
			// Backpressure signal: bubble up untouched.
			return nil, err
		}
		lastErr = err
	}
	slog.Error("remote transcriber call failed permanently", "retries", c.maxRetries, "error", lastErr)
	return nil, lastErr
}

// doOnce performs a single HTTP round-trip.
func (c *Client) doOnce(ctx context.Context, wav []byte, language string, req Request) (*wireResponse, error) {
	httpReq, err := c.buildRequest(ctx, wav, language, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transcriber: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return nil, &Overloaded{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Detail:     readDetail(resp.Body),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("transcriber: HTTP %d: %s", resp.StatusCode, readDetail(resp.Body))
	}

	var out wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("transcriber: decode response: %w", err)
	}
	return &out, nil
}

// buildRequest assembles the multipart upload. Built fresh per attempt since
// the body is consumed by the transport.
func (c *Client) buildRequest(ctx context.Context, wav []byte, language string, req Request) (*http.Request, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="audio.wav"`)
	hdr.Set("Content-Type", "audio/wav")
	fw, err := mw.CreatePart(hdr)
	if err != nil {
		return nil, fmt.Errorf("transcriber: create file part: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("transcriber: write audio: %w", err)
	}

	fields := map[string]string{
		"model":                   c.model,
		"temperature":             c.temperature,
		"response_format":         "verbose_json",
		"timestamp_granularities": "segment",
	}
	if c.vadModel != "" {
		fields["vad_model"] = c.vadModel
	}
	if language != "" {
		fields["language"] = language
	}
	if req.Prompt != "" {
		fields["prompt"] = req.Prompt
	}
	if req.Task == "translate" {
		fields["task"] = req.Task
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("transcriber: write field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("transcriber: finalize form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, &buf)
	if err != nil {
		return nil, fmt.Errorf("transcriber: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	return httpReq, nil
}

// normalizeSegments converts the wire response into upstream segments,
// repairing the timestamp and probability quirks observed across backends.
func (c *Client) normalizeSegments(resp *wireResponse) []Segment {
	temp := c.temperatureValue()

	if len(resp.Segments) == 0 {
		// Some backends return only flat text. Synthesize one segment so the
		// caller still gets timing to anchor on.
		text := strings.TrimSpace(resp.Text)
		if text == "" {
			return nil
		}
		end := resp.Duration
		if end <= 0 {
			end = float64(len(text)) * 0.1
		}
		nsp := clampProbability(floatOr(resp.NoSpeechProb, 0))
		if nsp >= 1.0 {
			nsp = 0.1
		}
		return []Segment{{
			ID:               0,
			Start:            0,
			End:              end,
			Text:             resp.Text,
			AvgLogProb:       floatOr(resp.AvgLogProb, -0.5),
			CompressionRatio: floatOr(resp.CompressionRatio, 1.0),
			NoSpeechProb:     nsp,
			Temperature:      temp,
		}}
	}

	segments := make([]Segment, 0, len(resp.Segments))
	for idx, ws := range resp.Segments {
		start, end := segmentSpan(ws, resp.Duration)

		// Backends have returned no_speech_prob on inverted or oversaturated
		// scales. A saturated value on a segment that plainly carries text
		// means speech was detected; report it as such.
		nsp := clampProbability(floatOr(ws.NoSpeechProb, 0))
		if nsp >= 1.0 && strings.TrimSpace(ws.Text) != "" {
			nsp = 0.1
		}

		segments = append(segments, Segment{
			ID:               idx,
			Seek:             intOr(ws.Seek, 0),
			Start:            start,
			End:              end,
			Text:             ws.Text,
			AvgLogProb:       floatOr(ws.AvgLogProb, -0.5),
			CompressionRatio: floatOr(ws.CompressionRatio, 1.0),
			NoSpeechProb:     nsp,
			Temperature:      temp,
		})
	}
	return segments
}

// segmentSpan picks the best available timestamps for a segment:
// audio_start/audio_end first, then start/end, then the per-segment or total
// duration, finally a half-second floor so spans stay valid.
func segmentSpan(ws wireSegment, totalDuration float64) (start, end float64) {
	start = floatOr(ws.AudioStart, floatOr(ws.Start, 0))

	switch {
	case ws.AudioEnd != nil:
		end = *ws.AudioEnd
	case ws.End != nil:
		end = *ws.End
	}

	if end <= start {
		if d := floatOr(ws.Duration, 0); d > 0 {
			end = start + d
		}
	}
	if end <= start && totalDuration > 0 {
		if start > 0 {
			end = min(totalDuration, start+totalDuration)
		} else {
			end = totalDuration
		}
	}
	if end <= start {
		end = start + 0.5
	}
	return start, end
}

func (c *Client) temperatureValue() float64 {
	t, err := strconv.ParseFloat(c.temperature, 64)
	if err != nil {
		return 0
	}
	return t
}

func parseRetryAfter(raw string) float64 {
	if raw == "" {
		return 1.0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 1.0
	}
	return v
}

func readDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxDetailBytes))
	if err != nil {
		return ""
	}
	return string(data)
}

// clampProbability forces a probability into [0, 1]. Values above 1 clamp to
// 1 rather than erroring; backends disagree about scales.
func clampProbability(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
