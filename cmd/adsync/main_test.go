package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/adsync/internal/config"
	"github.com/agentworkforce/adsync/internal/devserver"
)

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-1); got != 0 {
		t.Fatalf("expected lower clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(2); got != 1 {
		t.Fatalf("expected upper clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.2); got != 0.2 {
		t.Fatalf("expected passthrough value, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != base {
		t.Fatalf("expected midpoint interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.2, 1); got != 0 {
		t.Fatalf("expected disabled interval to stay 0, got %s", got)
	}
}

func TestParseFlagsOverridesEnvironment(t *testing.T) {
	t.Setenv("ADSYNC_API_URL", "https://env.example.test")
	t.Setenv("ADSYNC_TRANSPORTS", "websocket,polling")
	t.Setenv("ADSYNC_PASSWORD", "from-env")

	opts, cfg, err := parseFlags([]string{
		"--env-file", "",
		"--api-url", "https://flag.example.test",
		"--transports", "Polling",
		"--email", "ada@example.test",
		"--refresh-jitter", "3",
	})
	if err != nil {
		t.Fatalf("parse flags failed: %v", err)
	}
	if cfg.APIBaseURL != "https://flag.example.test" {
		t.Fatalf("expected flag api url to win, got %q", cfg.APIBaseURL)
	}
	if len(cfg.Transports) != 1 || cfg.Transports[0] != "polling" {
		t.Fatalf("expected transports from flag, got %v", cfg.Transports)
	}
	if opts.password != "from-env" {
		t.Fatalf("expected password from environment, got %q", opts.password)
	}
	if opts.refreshJitter != 1 {
		t.Fatalf("expected jitter clamped to 1, got %f", opts.refreshJitter)
	}
}

func TestParseFlagsRejectsInvalidConfig(t *testing.T) {
	if _, _, err := parseFlags([]string{"--env-file", "", "--transports", "carrier-pigeon"}); err == nil {
		t.Fatalf("expected unknown transport to be rejected")
	}
}

func TestBuildTransportsFollowsConfiguredOrder(t *testing.T) {
	cfg := config.Default()
	cfg.APIBaseURL = "https://api.example.test"
	cfg.Transports = []string{"polling", "websocket"}
	transports := buildTransports(cfg, zerolog.Nop())
	if len(transports) != 2 {
		t.Fatalf("expected two transports, got %d", len(transports))
	}
	if transports[0].Name() != "polling" || transports[1].Name() != "websocket" {
		t.Fatalf("unexpected transport order %s, %s", transports[0].Name(), transports[1].Name())
	}
}

func TestRunOnceSignsInThenReusesPersistedSession(t *testing.T) {
	srv := devserver.NewServer(devserver.ServerConfig{PollWindow: 100 * time.Millisecond})
	server := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		server.Close()
	})
	statePath := filepath.Join(t.TempDir(), "state.json")
	base := []string{
		"--env-file", "",
		"--api-url", server.URL,
		"--identity-url", server.URL,
		"--state-dsn", statePath,
		"--log-level", "error",
		"--once",
	}

	var first bytes.Buffer
	args := append(append([]string{}, base...), "--email", "ada@example.test", "--password", "pw")
	if err := run(context.Background(), args, &first); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	out := first.String()
	if !strings.Contains(out, "channel: connected via websocket") {
		t.Fatalf("expected a live websocket channel, got:\n%s", out)
	}
	if !strings.Contains(out, "businesses: 1") || !strings.Contains(out, `"My Business"`) {
		t.Fatalf("expected the starter business in the summary, got:\n%s", out)
	}

	var second bytes.Buffer
	if err := run(context.Background(), base, &second); err != nil {
		t.Fatalf("second run without credentials failed: %v", err)
	}
	if !strings.Contains(second.String(), "businesses: 1") {
		t.Fatalf("expected the restored session to see the business, got:\n%s", second.String())
	}

	var logout bytes.Buffer
	if err := run(context.Background(), append(append([]string{}, base...), "--logout"), &logout); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if err := run(context.Background(), base, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected a run after logout without credentials to fail")
	}
}
