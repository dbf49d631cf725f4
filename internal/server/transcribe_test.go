package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/voxline/voxline/internal/config"
	"github.com/voxline/voxline/pkg/audio"
	"github.com/voxline/voxline/pkg/decoder"
	"github.com/voxline/voxline/pkg/decoder/mock"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.WorkerID = "test-worker"
	return cfg
}

func speech(d float64) []float32 {
	s := make([]float32, int(d*float64(audio.WhisperSampleRate)))
	for i := range s {
		s[i] = 0.25
	}
	return s
}

func goodSegment(start, end float64, text string) decoder.Segment {
	return decoder.Segment{
		Start:            start,
		End:              end,
		Text:             text,
		AvgLogProb:       -0.3,
		CompressionRatio: 1.4,
		NoSpeechProb:     0.05,
	}
}

// uploadBody builds a multipart body with a WAV file field plus form fields.
func uploadBody(t *testing.T, samples []float32, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(samples, audio.WhisperSampleRate)); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if _, ok := fields["model"]; !ok {
		if err := mw.WriteField("model", "whisper-1"); err != nil {
			t.Fatalf("write model field: %v", err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func postUpload(t *testing.T, h http.Handler, samples []float32, fields map[string]string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, ctype := uploadBody(t, samples, fields)
	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", body)
	req.Header.Set("Content-Type", ctype)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var resp apiResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nbody: %s", err, rec.Body.String())
	}
	return resp
}

// ---- happy path -------------------------------------------------------------

func TestTranscribeSuccess(t *testing.T) {
	d := &mock.Decoder{
		TranscribeResults: []decoder.Result{{
			Language: "de",
			Segments: []decoder.Segment{
				goodSegment(0, 2.5, " Guten Morgen. "),
				goodSegment(2.5, 4.0, "Wie geht es?"),
			},
		}},
	}
	srv := New(testConfig(), d, nil)

	rec := postUpload(t, srv.Handler(), speech(4), map[string]string{"language": "de"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	resp := decodeResponse(t, rec)
	if resp.Text != "Guten Morgen. Wie geht es?" {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Language != "de" || resp.LanguageProbability != 1.0 {
		t.Errorf("language = %q/%v, want de/1.0", resp.Language, resp.LanguageProbability)
	}
	if resp.Duration != 4.0 {
		t.Errorf("duration = %v, want last segment end", resp.Duration)
	}
	if len(resp.Segments) != 2 {
		t.Fatalf("segment count = %d", len(resp.Segments))
	}
	for i, seg := range resp.Segments {
		if seg.ID != i {
			t.Errorf("segment %d id = %d, want dense prefix", i, seg.ID)
		}
		if seg.AudioStart != seg.Start || seg.AudioEnd != seg.End {
			t.Errorf("segment %d audio_start/audio_end do not mirror start/end", i)
		}
		if seg.Seek != 0 {
			t.Errorf("segment %d seek = %d, want 0", i, seg.Seek)
		}
		if seg.NoSpeechProb < 0 || seg.NoSpeechProb > 1 {
			t.Errorf("segment %d no_speech_prob = %v out of range", i, seg.NoSpeechProb)
		}
	}
}

func TestTranscribeExplicitLanguageSkipsDetection(t *testing.T) {
	d := &mock.Decoder{
		TranscribeResults: []decoder.Result{{Language: "fr", Segments: []decoder.Segment{goodSegment(0, 1, "Bonjour")}}},
		DetectResults:     [][]decoder.LanguageProb{{{Language: "de", Probability: 0.99}}},
	}
	srv := New(testConfig(), d, nil)

	rec := postUpload(t, srv.Handler(), speech(15), map[string]string{"language": "fr"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(d.DetectCalls) != 0 {
		t.Errorf("detection probes = %d, want 0 with explicit language", len(d.DetectCalls))
	}
	if d.TranscribeCalls[0].Opts.Language != "fr" {
		t.Errorf("decode language hint = %q, want fr", d.TranscribeCalls[0].Opts.Language)
	}
}

// ---- language reporting -----------------------------------------------------

func TestTranscribeEnglishBiasGuard(t *testing.T) {
	// Detection settles on (en, 0.60) — below the 0.65 bar. The decoder must
	// run without a language hint and the response must not lock clients to
	// English.
	d := &mock.Decoder{
		DetectResults:     [][]decoder.LanguageProb{{{Language: "en", Probability: 0.60}}},
		TranscribeResults: []decoder.Result{{Language: "en", Segments: []decoder.Segment{goodSegment(0, 2, "hello there")}}},
	}
	srv := New(testConfig(), d, nil)

	rec := postUpload(t, srv.Handler(), speech(10), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	resp := decodeResponse(t, rec)
	if resp.Language != "unknown" || resp.LanguageProbability != 0.0 {
		t.Errorf("language = %q/%v, want unknown/0.0", resp.Language, resp.LanguageProbability)
	}
	if got := d.TranscribeCalls[0].Opts.Language; got != "" {
		t.Errorf("decode language hint = %q, want none", got)
	}
}

func TestTranscribeConfidentDetectionLocksLanguage(t *testing.T) {
	d := &mock.Decoder{
		DetectResults: [][]decoder.LanguageProb{
			{{Language: "de", Probability: 0.8}},
			{{Language: "de", Probability: 0.75}},
		},
		TranscribeResults: []decoder.Result{{Language: "de", Segments: []decoder.Segment{goodSegment(0, 2, "Guten Tag")}}},
	}
	srv := New(testConfig(), d, nil)

	rec := postUpload(t, srv.Handler(), speech(20), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Language != "de" {
		t.Errorf("language = %q, want de", resp.Language)
	}
	if got := d.TranscribeCalls[0].Opts.Language; got != "de" {
		t.Errorf("decode language hint = %q, want de", got)
	}
}

func TestTranscribeSilenceWithFailedDetection(t *testing.T) {
	// All probe windows are junk, so detection returns its sentinel; the
	// decode classifies as silence. The response keeps the "en" sentinel with
	// zero probability instead of reporting "unknown".
	d := &mock.Decoder{
		DetectResults: [][]decoder.LanguageProb{{{Language: "en", Probability: 0.3}}},
		TranscribeResults: []decoder.Result{{
			Language: "en",
			Segments: []decoder.Segment{{Start: 0, End: 3, Text: "uh", AvgLogProb: -1.8, NoSpeechProb: 0.95}},
		}},
	}
	srv := New(testConfig(), d, nil)

	rec := postUpload(t, srv.Handler(), speech(10), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	resp := decodeResponse(t, rec)
	if resp.Text != "" || len(resp.Segments) != 0 {
		t.Errorf("silence response carries text %q and %d segments", resp.Text, len(resp.Segments))
	}
	if resp.Duration != 0 {
		t.Errorf("duration = %v, want 0", resp.Duration)
	}
	if resp.Language != "en" || resp.LanguageProbability != 0.0 {
		t.Errorf("language = %q/%v, want en/0.0", resp.Language, resp.LanguageProbability)
	}
}

// ---- temperature fallback ---------------------------------------------------

func TestTranscribeTemperatureFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Decode.UseTemperatureFallback = true

	halluc := decoder.Result{Language: "en", Segments: []decoder.Segment{{
		Start: 0, End: 2, Text: "the the the the", AvgLogProb: -0.5, CompressionRatio: 3.0,
	}}}
	clean := decoder.Result{Language: "en", Segments: []decoder.Segment{{
		Start: 0, End: 2, Text: "actual speech", AvgLogProb: -0.4, CompressionRatio: 1.5,
	}}}
	d := &mock.Decoder{TranscribeResults: []decoder.Result{halluc, clean}}
	srv := New(cfg, d, nil)

	rec := postUpload(t, srv.Handler(), speech(2), map[string]string{"language": "en"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if len(d.TranscribeCalls) != 2 {
		t.Fatalf("decode attempts = %d, want 2", len(d.TranscribeCalls))
	}
	if got := d.TranscribeCalls[0].Opts.Temperature; got != 0.0 {
		t.Errorf("first attempt temperature = %v, want 0", got)
	}
	if got := d.TranscribeCalls[1].Opts.Temperature; got != 0.2 {
		t.Errorf("second attempt temperature = %v, want 0.2", got)
	}

	resp := decodeResponse(t, rec)
	if resp.Text != "actual speech" {
		t.Errorf("text = %q, want the accepted attempt", resp.Text)
	}
	for _, seg := range resp.Segments {
		if seg.Temperature != 0.2 {
			t.Errorf("segment temperature = %v, want 0.2", seg.Temperature)
		}
	}
}

func TestTranscribeAllAttemptsRejectedReturnsLast(t *testing.T) {
	cfg := testConfig()
	cfg.Decode.UseTemperatureFallback = true

	halluc := decoder.Result{Language: "en", Segments: []decoder.Segment{{
		Start: 0, End: 2, Text: "la la la la la", AvgLogProb: -0.5, CompressionRatio: 3.2,
	}}}
	d := &mock.Decoder{TranscribeResults: []decoder.Result{halluc}}
	srv := New(cfg, d, nil)

	rec := postUpload(t, srv.Handler(), speech(2), map[string]string{"language": "en"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even when every attempt is flagged", rec.Code)
	}
	if len(d.TranscribeCalls) != len(temperatureChain) {
		t.Fatalf("decode attempts = %d, want the full chain of %d", len(d.TranscribeCalls), len(temperatureChain))
	}

	resp := decodeResponse(t, rec)
	if resp.Text == "" || len(resp.Segments) == 0 {
		t.Error("last attempt was not returned")
	}
	if got := resp.Segments[0].Temperature; got != 1.0 {
		t.Errorf("segment temperature = %v, want the final chain entry 1.0", got)
	}
}

// ---- validation and auth ----------------------------------------------------

func TestTranscribeRejectsMalformedAudio(t *testing.T) {
	srv := New(testConfig(), &mock.Decoder{}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "audio.wav")
	io.WriteString(fw, "this is not a wav file")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTranscribeMissingFileField(t *testing.T) {
	srv := New(testConfig(), &mock.Decoder{}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("language", "en")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTranscribeMissingModel(t *testing.T) {
	srv := New(testConfig(), &mock.Decoder{}, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(speech(1), audio.WhisperSampleRate)); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	mw.WriteField("language", "en")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without a model field", rec.Code)
	}
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Detail != "model parameter is required" {
		t.Errorf("detail = %q", body.Detail)
	}
}

func TestTranscribeInvalidTask(t *testing.T) {
	srv := New(testConfig(), &mock.Decoder{}, nil)
	rec := postUpload(t, srv.Handler(), speech(1), map[string]string{"language": "en", "task": "summarize"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTranscribeInvalidTemperature(t *testing.T) {
	srv := New(testConfig(), &mock.Decoder{}, nil)
	rec := postUpload(t, srv.Handler(), speech(1), map[string]string{"language": "en", "temperature": "warm"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTranscribeAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Server.APIToken = "s3cret"
	d := &mock.Decoder{TranscribeResults: []decoder.Result{{Language: "en", Segments: []decoder.Segment{goodSegment(0, 1, "hi")}}}}
	srv := New(cfg, d, nil)
	h := srv.Handler()

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"no credentials", nil, http.StatusUnauthorized},
		{"wrong key", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"api key header", map[string]string{"X-API-Key": "s3cret"}, http.StatusOK},
		{"bearer token", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"wrong bearer", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := postUpload(t, h, speech(1), map[string]string{"language": "en"}, tc.headers)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestHealthUnauthenticated(t *testing.T) {
	cfg := testConfig()
	cfg.Server.APIToken = "s3cret"
	srv := New(cfg, &mock.Decoder{Model: decoder.ModelInfo{Model: "large-v3-turbo", Device: "cuda"}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200 without credentials", rec.Code)
	}
}

func TestHealthReportsDecoderWithoutModel(t *testing.T) {
	// A decoder handle with no model identity means loading has not finished;
	// the scheduler must route audio elsewhere.
	srv := New(testConfig(), &mock.Decoder{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want 503 while no model is loaded", rec.Code)
	}
}

// ---- admission under load ---------------------------------------------------

func TestTranscribeShedsThirdConcurrentRequest(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.MaxConcurrent = 2
	cfg.Admission.MaxQueue = 10
	cfg.Admission.FailFastWhenBusy = true
	cfg.Admission.BusyRetryAfterS = 1

	started := make(chan struct{}, 4)
	hold := make(chan struct{})
	d := &mock.Decoder{
		TranscribeResults: []decoder.Result{{Language: "en", Segments: []decoder.Segment{goodSegment(0, 1, "ok")}}},
		TranscribeDelayFn: func(ctx context.Context) {
			started <- struct{}{}
			<-hold
		},
	}
	srv := httptest.NewServer(New(cfg, d, nil).Handler())
	defer srv.Close()

	post := func() (*http.Response, error) {
		body, ctype := uploadBody(t, speech(1), map[string]string{"language": "en"})
		return http.Post(srv.URL+"/v1/audio/transcriptions", ctype, body)
	}

	var wg sync.WaitGroup
	codes := make(chan int, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := post()
			if err != nil {
				t.Errorf("post: %v", err)
				return
			}
			resp.Body.Close()
			codes <- resp.StatusCode
		}()
	}

	// Both slots are now occupied inside the decoder.
	<-started
	<-started

	resp, err := post()
	if err != nil {
		t.Fatalf("third post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("third request status = %d, want 503", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}

	close(hold)
	wg.Wait()
	close(codes)
	for code := range codes {
		if code != http.StatusOK {
			t.Errorf("in-flight request status = %d, want 200", code)
		}
	}
}

func TestTranscribeSlotReleasedAfterError(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.MaxConcurrent = 1

	d := &mock.Decoder{TranscribeErr: fmt.Errorf("decoder exploded")}
	srv := New(cfg, d, nil)
	h := srv.Handler()

	rec := postUpload(t, h, speech(1), map[string]string{"language": "en"}, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	// The slot must be free again: a follow-up request reaches the decoder
	// instead of being shed.
	rec = postUpload(t, h, speech(1), map[string]string{"language": "en"}, nil)
	if rec.Code == http.StatusServiceUnavailable {
		t.Fatal("slot leaked: follow-up request was shed")
	}
	if held, _ := srv.gate.Stats(); held != 0 {
		t.Errorf("held slots = %d after requests finished, want 0", held)
	}
}
