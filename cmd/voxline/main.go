// Command voxline runs the transcription server: a whisper.cpp decoder
// behind an admission-controlled HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxline/voxline/internal/config"
	"github.com/voxline/voxline/internal/observe"
	"github.com/voxline/voxline/internal/server"
	"github.com/voxline/voxline/pkg/decoder/whispercpp"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to an optional YAML configuration file")
	flag.Parse()

	// ── Environment ────────────────────────────────────────────────────────────
	// A .env next to the binary seeds the environment in development; real
	// deployments set variables directly.
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxline: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxline starting",
		"worker_id", cfg.Server.WorkerID,
		"listen_addr", cfg.Server.ListenAddr,
		"model", cfg.Decoder.ModelSize,
		"device", cfg.Decoder.Device,
		"max_concurrent", cfg.Admission.MaxConcurrent,
		"fail_fast", cfg.Admission.FailFastWhenBusy,
	)

	// ── Observability ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voxline",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()

	// ── Decoder ───────────────────────────────────────────────────────────────
	// Loading the model can take a while; the health endpoint stays 503 until
	// the process is actually listening with a live decoder.
	modelPath := cfg.ModelPath()
	slog.Info("loading model", "path", modelPath, "compute_type", cfg.Decoder.ComputeType)
	loadStart := time.Now()

	dec, err := whispercpp.New(modelPath,
		whispercpp.WithDevice(string(cfg.Decoder.Device)),
		whispercpp.WithComputeType(cfg.Decoder.ComputeType),
		whispercpp.WithThreads(cfg.Decoder.CPUThreads),
	)
	if err != nil {
		slog.Error("failed to load model", "path", modelPath, "err", err)
		return 1
	}
	defer dec.Close()
	slog.Info("model loaded", "elapsed", time.Since(loadStart))

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := server.New(cfg, dec, metrics)

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("GET /metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready", "addr", cfg.Server.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// In-flight decodes run to completion within the shutdown grace.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		slog.Info("shutdown signal received, stopping")
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
