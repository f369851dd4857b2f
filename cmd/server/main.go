package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gyaneshwarpardhi/eventlens/internal/api"
	"github.com/gyaneshwarpardhi/eventlens/internal/config"
	"github.com/gyaneshwarpardhi/eventlens/internal/engine"
	"github.com/gyaneshwarpardhi/eventlens/internal/ingest"
	"github.com/gyaneshwarpardhi/eventlens/internal/logging"
	"github.com/gyaneshwarpardhi/eventlens/internal/store"
)

func main() {
	cfgPath := flag.String("config", "configs/eventlens.yaml", "Path to YAML config")
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	flag.Parse()

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		slog.Error("config validation failed", "err", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger, logOut, err := logging.New(cfg.Logging)
	if err != nil {
		slog.Error("failed to set up logging", "err", err)
		os.Exit(1)
	}
	defer logOut.Close()
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Store ─────────────────────────────────────────────────────────────────
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Store.Driver, "err", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("store ready", "driver", cfg.Store.Driver)

	// ── Engine and schedule ───────────────────────────────────────────────────
	eng, err := engine.New(ctx, st, cfg, engine.WithLogger(logger))
	if err != nil {
		slog.Error("failed to build engine", "err", err)
		os.Exit(1)
	}
	intervals, err := cfg.Engine.Schedule.Intervals()
	if err != nil {
		slog.Error("invalid schedule", "err", err)
		os.Exit(1)
	}
	sched := engine.NewScheduler(eng, intervals, logger)
	sched.Start(ctx)

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		eng.Apply(newCfg)
		slog.Info("config hot-reloaded", "retention_policies", len(newCfg.Retention.Policies))
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── Streaming ingest ──────────────────────────────────────────────────────
	var consumer *ingest.KafkaConsumer
	if k := cfg.Ingest.Kafka; k.Enabled {
		consumer, err = ingest.NewKafkaConsumer(ingest.KafkaConfig{
			Brokers:     k.Brokers,
			Topic:       k.Topic,
			GroupID:     k.GroupID,
			PollTimeout: time.Duration(k.PollTimeoutMs) * time.Millisecond,
		}, eng, logger)
		if err != nil {
			slog.Error("failed to create kafka consumer", "err", err)
			os.Exit(1)
		}
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("kafka consumer stopped", "err", err)
			}
		}()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.New(eng, loader, cfg.Server),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	cancel() // stop tickers, consumer and workers
	sched.Wait()
	if err := consumer.Close(); err != nil {
		slog.Warn("kafka consumer close", "err", err)
	}
	eng.Shutdown()
	slog.Info("goodbye")
}
