package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mirrorkv/mirrorkv/internal/admission"
	"github.com/mirrorkv/mirrorkv/internal/config"
	"github.com/mirrorkv/mirrorkv/internal/conflict"
	"github.com/mirrorkv/mirrorkv/internal/db"
	"github.com/mirrorkv/mirrorkv/internal/dispatch"
	"github.com/mirrorkv/mirrorkv/internal/httpapi"
	"github.com/mirrorkv/mirrorkv/internal/offline"
	"github.com/mirrorkv/mirrorkv/internal/realtime"
	"github.com/mirrorkv/mirrorkv/internal/scheduler"
	"github.com/mirrorkv/mirrorkv/internal/storage"
)

func main() {
	cfg := config.Load()

	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	log.Logger = log.With().Str("service", "mirrorkv").Logger()

	// Pretty logging for local dev
	if cfg.Env == "dev" && cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Open(ctx, cfg.PostgresURL(), int32(cfg.DBPoolSize))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	// Core engine wiring.
	repo := storage.NewRepo(pool)
	conflicts := conflict.NewService(pool)
	bus := dispatch.NewBus()
	dispatcher := dispatch.New(pool, repo, conflicts, bus)

	keys := admission.NewKeyStore(pool)
	gate := admission.NewGate(keys)
	gate.JWTSecret = cfg.JWTSecret

	// Delivery side: hub, session registry, offline queues.
	hub := realtime.NewHub()
	registry := realtime.NewRegistry()
	queue := offline.NewManager()
	fanout := realtime.NewFanOut(hub, registry, queue)

	// Optional cross-process mirror.
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		bridge := realtime.NewRedisBridge(redis.NewClient(opts))
		fanout.Bridge = bridge
		go bridge.Run(ctx, fanout)
	}
	fanout.Wire(bus)

	socket := &realtime.SocketServer{
		Hub:        hub,
		Registry:   registry,
		Queue:      queue,
		Dispatcher: dispatcher,
	}

	go scheduler.New(keys, repo, queue, registry, hub).Run(ctx)

	var limiter *httpapi.RateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = httpapi.NewRateLimiter(cfg.RateLimitWindowSec, cfg.RateLimitMax)
	}

	srv := &httpapi.Server{
		Gate:            gate,
		Dispatcher:      dispatcher,
		Repo:            repo,
		Conflicts:       conflicts,
		Socket:          socket,
		Limiter:         limiter,
		CORSOrigin:      cfg.CORSOrigin,
		CORSCredentials: cfg.CORSCredentials,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
