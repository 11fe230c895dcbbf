// Command shardd is the single binary entrypoint: it wires configuration,
// logging, the engine binding, the reputation ledger, the golden ticket
// engine, the control-plane client, the checkpoint manager, the speculative
// loop, and the HTTP collaborator together, then serves requests until
// signaled to stop.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trentpierce/shard/internal/checkpoint"
	"github.com/trentpierce/shard/internal/config"
	"github.com/trentpierce/shard/internal/controlplane"
	"github.com/trentpierce/shard/internal/engine"
	"github.com/trentpierce/shard/internal/goldenticket"
	"github.com/trentpierce/shard/internal/httpserver"
	"github.com/trentpierce/shard/internal/logging"
	"github.com/trentpierce/shard/internal/reputation"
	"github.com/trentpierce/shard/internal/speculative"
	"github.com/trentpierce/shard/internal/telemetry"
)

func main() {
	cfg := config.Get()

	logger, err := newLogger(cfg)
	if err != nil {
		panic(err)
	}
	slog.SetDefault(logger)

	store, err := reputation.NewStore(reputation.StoreConfig{
		Backend:     cfg.Reputation.Backend,
		JSONPath:    cfg.Reputation.JSONPath,
		PostgresDSN: cfg.Reputation.PostgresDSN,
	})
	if err != nil {
		logger.Error("failed to open reputation store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	repMgr, err := reputation.NewManager(store, reputation.Config{
		ReputationThreshold:  cfg.Reputation.ReputationThreshold,
		MinAttemptsBeforeBan: cfg.Reputation.MinAttemptsBeforeBan,
		BanDurationHours:     *cfg.Reputation.BanDurationHours,
	})
	if err != nil {
		logger.Error("failed to start reputation manager", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ticketEngine := goldenticket.NewEngine(goldenticket.DefaultCatalog, cfg.GoldenTicket.InjectionRate, repMgr)

	cpClient := controlplane.New(cfg.ControlPlane.SidecarURL, secondsToDuration(cfg.ControlPlane.CallTimeoutSec))

	registry := prometheus.NewRegistry()
	collector := telemetry.NewCollector(registry)

	factory := func() (*engine.Handle, httpserver.Generator, error) {
		eng, err := engine.Load(cfg.Engine.ModelPath)
		if err != nil {
			return nil, nil, err
		}

		ckptMgr := checkpoint.New(cfg.Checkpoint.EveryNTokens, cfg.Checkpoint.TailLen)
		if cfg.Checkpoint.RedisAddr != "" {
			ckptMgr = ckptMgr.WithRemote(
				generateSessionID(),
				checkpoint.NewRemoteStore(cfg.Checkpoint.RedisAddr, 10*time.Minute),
			)
		}

		loop := speculative.New(eng, cpClient, repMgr, ticketEngine, speculative.Config{
			BroadcastThrottle: time.Duration(cfg.ControlPlane.BroadcastThrottleMS) * time.Millisecond,
			DraftPollTimeout:  secondsToDuration(cfg.ControlPlane.ScoutResultTimeoutS),
			CheckpointManager: ckptMgr,
			Telemetry:         collector.Sample,
			ScoutEvents:       collector.ScoutEvent,
		})
		return eng, loop, nil
	}

	srv := httpserver.New(cfg, factory, logger)
	go serveMetrics(cfg, registry, logger)

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}
}

// newLogger builds the process-wide logger from cfg via internal/logging.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.New(cfg.Logging.Level, cfg.Logging.Format)
}

// serveMetrics exposes the Prometheus registry on its own listener, separate
// from the chat-completions server, so a slow scrape never competes with
// request handling for the same http.Server's connection limits.
func serveMetrics(cfg *config.Config, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	addr := cfg.Server.MetricsAddr
	if addr == "" {
		addr = ":9090"
	}
	logger.Info("metrics server starting", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", slog.String("error", err.Error()))
	}
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// generateSessionID is a placeholder session identifier for the
// process-wide remote checkpoint replication key; multi-session deployments
// key this per-request instead.
func generateSessionID() string {
	return "shardd"
}
