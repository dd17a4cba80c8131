package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/agentworkforce/adsync/internal/config"
	"github.com/agentworkforce/adsync/internal/devserver"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env")
	}
	addr := os.Getenv("ADSYNC_DEVSERVER_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger := config.NewLogger(envOrDefault("ADSYNC_LOG_LEVEL", "info"), boolEnv("ADSYNC_LOG_PRETTY", false))
	log.Logger = logger

	server := devserver.NewServer(serverConfigFromEnv())
	httpServer := &http.Server{Addr: addr, Handler: server, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		server.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown did not complete cleanly")
		}
	}()

	logger.Info().Str("addr", addr).Msg("adsync devserver listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func serverConfigFromEnv() devserver.ServerConfig {
	return devserver.ServerConfig{
		JWTSecret:         os.Getenv("ADSYNC_DEVSERVER_JWT_SECRET"),
		TokenTTL:          durationEnv("ADSYNC_DEVSERVER_TOKEN_TTL", 24*time.Hour),
		EnrichDelay:       durationEnv("ADSYNC_DEVSERVER_ENRICH_DELAY", 3*time.Second),
		FailEnrichment:    boolEnv("ADSYNC_DEVSERVER_FAIL_ENRICHMENT", false),
		HeartbeatInterval: durationEnv("ADSYNC_DEVSERVER_HEARTBEAT", 25*time.Second),
		PollWindow:        durationEnv("ADSYNC_DEVSERVER_POLL_WINDOW", 20*time.Second),
		MaxBodyBytes:      int64Env("ADSYNC_DEVSERVER_MAX_BODY_BYTES", 0),
		Logger:            log.Logger,
	}
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Bool("fallback", fallback).Msg("invalid boolean, using fallback")
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int64("fallback", fallback).Msg("invalid integer, using fallback")
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration, using fallback")
		return fallback
	}
	return value
}
