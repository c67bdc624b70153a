package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"feedd/internal/config"
	"feedd/internal/feed"
	"feedd/internal/logging"
	"feedd/internal/metrics"
	"feedd/internal/playback"
	"feedd/internal/producer"
	"feedd/internal/synth"
	"feedd/internal/tailer"
	"feedd/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	logStartupEstimates(cfg, logger)

	reg := metrics.NewRegistry()
	run := feed.NewRun(cfg.Feed.RingCapacity)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prod, cleanup, err := buildProducer(ctx, cfg, run, logger, reg)
	if err != nil {
		logger.Error("producer setup failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "producer setup failed: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	server, err := transport.NewServer(cfg, logger, reg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	server.SetRun(run)
	if err := server.Start(ctx); err != nil {
		logger.Fatal("transport start failed", zap.Error(err))
	}

	go func() {
		// A producer failure stops ingest but tears nothing down; sessions
		// keep serving whatever the ring retains.
		if err := prod.Produce(ctx); err != nil && ctx.Err() == nil {
			logger.Error("producer failed", zap.Error(err))
		}
	}()

	if cfg.Metrics.Enabled {
		go runDiagnostics(ctx, cfg, reg, logger)
	}

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reg.RingSize.Set(float64(run.Ring().Len()))
			}
		}
	}()

	logger.Info("feed server running",
		zap.String("addr", server.Addr()),
		zap.String("mode", cfg.Feed.Mode))

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Stop(shutdownCtx)
	logger.Info("transport stopped")
}

// buildProducer selects and prepares the configured sample source.
func buildProducer(ctx context.Context, cfg config.Config, run *feed.Run, logger *zap.Logger, reg *metrics.Registry) (producer.Producer, func(), error) {
	switch cfg.Feed.Mode {
	case config.ModeQuick, config.ModeSession:
		samples, err := synth.BuildDataset(cfg.Synth, cfg.Feed.Mode, logger)
		if err != nil {
			return nil, nil, err
		}
		warnRingOverflow(cfg, len(samples), logger)
		label := "synthetic-" + cfg.Feed.Mode
		return playback.New(run, samples, cfg.Feed.EmitSamplesPerSec, cfg.Feed.LiveBatch, label, logger, reg.SamplesAppended), nil, nil

	case config.ModeStreamLive:
		t, err := tailer.New(run, cfg.Stream, logger, reg.SamplesAppended)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil

	case config.ModeStreamPlayback:
		t, err := tailer.New(run, cfg.Stream, logger, reg.SamplesAppended)
		if err != nil {
			return nil, nil, err
		}
		samples, err := t.LoadWindow(ctx)
		if err != nil {
			t.Close()
			return nil, nil, err
		}
		warnRingOverflow(cfg, len(samples), logger)
		return playback.New(run, samples, cfg.Feed.EmitSamplesPerSec, cfg.Feed.LiveBatch, "stream_playback", logger, reg.SamplesAppended), t.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown mode %q", cfg.Feed.Mode)
}

// logStartupEstimates prints the throughput sanity checks: sender capacity
// versus the configured emit rate, and the synthetic fan-out estimate.
func logStartupEstimates(cfg config.Config, logger *zap.Logger) {
	senderCapacity := cfg.Feed.SenderCapacity()
	logger.Info("sender capacity estimate",
		zap.Float64("samples_per_sec", senderCapacity),
		zap.Int("live_batch", cfg.Feed.LiveBatch),
		zap.Int("flush_ms", cfg.Feed.FlushMs),
		zap.String("ws_format", cfg.Feed.WsFormat))

	if cfg.Feed.EmitSamplesPerSec > 0 {
		if cfg.Feed.EmitSamplesPerSec > senderCapacity*0.9 {
			logger.Warn("emit rate close to or above sender capacity, slow clients may see gaps",
				zap.Float64("emit_samples_per_sec", cfg.Feed.EmitSamplesPerSec),
				zap.Float64("sender_capacity", senderCapacity))
		}
	} else {
		logger.Info("unpaced producers, emitting as fast as possible")
	}

	if cfg.Feed.Mode == config.ModeQuick || cfg.Feed.Mode == config.ModeSession {
		tickRate := 1000.0 / float64(cfg.Synth.TickDtMs)
		windows, _ := cfg.Synth.IndicatorWindowList()
		fanout := 1.0 + float64(len(windows))
		estSamples := float64(cfg.Synth.TotalSamples)
		if cfg.Feed.Mode == config.ModeSession {
			estSamples = tickRate * fanout * float64(cfg.Synth.SessionMs) / 1000.0
		}
		logger.Info("synthetic estimate",
			zap.Int64("tick_dt_ms", cfg.Synth.TickDtMs),
			zap.Float64("tick_rate", tickRate),
			zap.Float64("est_samples", estSamples))
		if estSamples > float64(cfg.Feed.RingCapacity) {
			logger.Warn("estimated samples exceed ring capacity, oldest will age out before the run ends",
				zap.Float64("est_samples", estSamples),
				zap.Int("ring_capacity", cfg.Feed.RingCapacity))
		}
	}

	if cfg.Feed.Mode == config.ModeStreamLive {
		pollsPerSec := 1000.0 / float64(cfg.Stream.PollInterval().Milliseconds())
		ingestBound := pollsPerSec * 1000.0 * 6 // LIMIT per fetch x subjects
		logger.Info("stream_live ingest upper bound",
			zap.Float64("samples_per_sec", ingestBound),
			zap.Duration("poll_interval", cfg.Stream.PollInterval()))
		if ingestBound > senderCapacity*2 {
			logger.Warn("source could outrun sender capacity, consider larger live_batch or ring_capacity")
		}
	}
}

func warnRingOverflow(cfg config.Config, samples int, logger *zap.Logger) {
	if samples > cfg.Feed.RingCapacity {
		logger.Warn("dataset exceeds ring capacity, oldest samples will be truncated",
			zap.Int("samples", samples),
			zap.Int("ring_capacity", cfg.Feed.RingCapacity))
	}
}

// runDiagnostics serves Prometheus metrics and a system snapshot on the
// metrics listener.
func runDiagnostics(ctx context.Context, cfg config.Config, reg *metrics.Registry, logger *zap.Logger) {
	stats := metrics.NewSystemStats()

	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/system", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats.Snapshot()); err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	})

	srv := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("diagnostics listening", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("diagnostics server failed", zap.Error(err))
		}
	}
}
