package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/adsync/internal/config"
	"github.com/agentworkforce/adsync/internal/dashboard"
	"github.com/agentworkforce/adsync/internal/imagedrop"
	"github.com/agentworkforce/adsync/internal/livesync"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "adsync: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath      string
	envFile         string
	email           string
	password        string
	googleIDToken   string
	generate        string
	post            string
	business        string
	once            bool
	logout          bool
	refreshInterval time.Duration
	refreshJitter   float64
}

func parseFlags(args []string) (options, config.Config, error) {
	fs := flag.NewFlagSet("adsync", flag.ContinueOnError)
	var opts options
	fs.StringVar(&opts.configPath, "config", strings.TrimSpace(os.Getenv("ADSYNC_CONFIG")), "YAML config file")
	fs.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	fs.StringVar(&opts.email, "email", "", "sign in with this email (password from --password or ADSYNC_PASSWORD)")
	fs.StringVar(&opts.password, "password", "", "password for --email")
	fs.StringVar(&opts.googleIDToken, "google-id-token", "", "sign in with a Google id token")
	fs.StringVar(&opts.generate, "generate", "", "start ad generation for this product id")
	fs.StringVar(&opts.post, "post", "", "mark this enriched product as posted")
	fs.StringVar(&opts.business, "business", "", "switch the current business")
	fs.BoolVar(&opts.once, "once", false, "print a dashboard summary and exit")
	fs.BoolVar(&opts.logout, "logout", false, "log out and purge persisted state")
	fs.DurationVar(&opts.refreshInterval, "refresh-interval", 0, "periodic product refresh interval (0 disables)")
	fs.Float64Var(&opts.refreshJitter, "refresh-jitter", 0.2, "refresh interval jitter ratio (0.0-1.0)")

	apiURL := fs.String("api-url", "", "dashboard API base URL")
	realtimeURL := fs.String("realtime-url", "", "websocket endpoint (derived from --api-url when empty)")
	workflowURL := fs.String("workflow-url", "", "workflow engine base URL")
	identityURL := fs.String("identity-url", "", "identity provider base URL")
	stateDSN := fs.String("state-dsn", "", "persisted state DSN (file://, memory://, postgres://, redis://)")
	transports := fs.String("transports", "", "push transports in preference order")
	logLevel := fs.String("log-level", "", "log level")
	logPretty := fs.Bool("log-pretty", false, "human readable logs")
	imageDir := fs.String("image-dir", "", "upload <productId>.<ext> images dropped into this folder")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	if err := fs.Parse(args); err != nil {
		return opts, config.Config{}, err
	}

	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return opts, config.Config{}, fmt.Errorf("load %s: %w", opts.envFile, err)
		}
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return opts, cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "api-url":
			cfg.APIBaseURL = *apiURL
		case "realtime-url":
			cfg.RealtimeURL = *realtimeURL
		case "workflow-url":
			cfg.WorkflowURL = *workflowURL
		case "identity-url":
			cfg.IdentityURL = *identityURL
		case "state-dsn":
			cfg.StateDSN = *stateDSN
		case "transports":
			cfg.Transports = config.SplitList(*transports)
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-pretty":
			cfg.LogPretty = *logPretty
		case "image-dir":
			cfg.ImageDir = *imageDir
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		}
	})
	if opts.password == "" {
		opts.password = os.Getenv("ADSYNC_PASSWORD")
	}
	opts.refreshJitter = clampJitterRatio(opts.refreshJitter)
	return opts, cfg, cfg.Validate()
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, cfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.LogLevel, cfg.LogPretty)

	registry := prometheus.NewRegistry()
	agent, err := buildAgent(cfg, livesync.NewMetrics(registry), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := agent.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close agent")
		}
	}()

	if err := agent.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if opts.logout {
		if err := agent.Logout(); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "logged out")
		return nil
	}
	if err := ensureSession(ctx, agent, opts); err != nil {
		return err
	}
	if err := runCommands(ctx, agent, opts); err != nil {
		return err
	}

	if opts.once {
		waitConnected(ctx, agent, cfg.ConnectTimeout)
		return writeSummary(stdout, agent)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.ImageDir != "" {
		watcher, err := imagedrop.New(agent.Commands(), imagedrop.Options{Dir: cfg.ImageDir, Logger: logger})
		if err != nil {
			return err
		}
		g.Go(func() error { return watcher.Run(gctx) })
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, registry, logger) })
	}
	if opts.refreshInterval > 0 {
		g.Go(func() error {
			refreshLoop(gctx, agent, opts.refreshInterval, opts.refreshJitter, logger)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("adsync stopping")
		return nil
	})
	return g.Wait()
}

func buildAgent(cfg config.Config, metrics *livesync.Metrics, logger zerolog.Logger) (*livesync.Agent, error) {
	stateBackend, err := dashboard.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		return nil, fmt.Errorf("state backend: %w", err)
	}
	sessions := dashboard.NewSessionStore()
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	remote := livesync.NewHTTPClient(cfg.APIBaseURL, sessions.Token, httpClient)

	var trigger livesync.EnrichmentTrigger
	if cfg.WorkflowURL != "" {
		trigger = livesync.NewWorkflowClient(cfg.WorkflowURL, nil)
	}
	var identity livesync.IdentityProvider
	if cfg.IdentityURL != "" {
		identity = livesync.NewIdentityClient(cfg.IdentityURL, cfg.IdentityAPIKey, nil)
	}

	burst := int(math.Ceil(cfg.PollRate))
	if burst < 1 {
		burst = 1
	}
	return livesync.NewAgent(livesync.AgentOptions{
		Sessions: sessions,
		Remote:   remote,
		Identity: identity,
		Trigger:  trigger,
		State:    stateBackend,
		Connection: livesync.ConnectionOptions{
			Transports:          buildTransports(cfg, logger),
			ReconnectAttempts:   cfg.ReconnectAttempts,
			ReconnectDelay:      cfg.ReconnectDelay,
			ReconnectDelayMax:   cfg.ReconnectDelayMax,
			RandomizationFactor: 0.5,
			ConnectTimeout:      cfg.ConnectTimeout,
		},
		Poller: livesync.PollerOptions{
			GracePeriod:    cfg.PollGracePeriod,
			Interval:       cfg.PollInterval,
			RequestTimeout: cfg.RequestTimeout,
			Limiter:        rate.NewLimiter(rate.Limit(cfg.PollRate), burst),
		},
		ResyncOnReconnect: cfg.ResyncOnReconnect,
		Logger:            logger,
		Metrics:           metrics,
	})
}

func buildTransports(cfg config.Config, logger zerolog.Logger) []livesync.Transport {
	var out []livesync.Transport
	for _, name := range cfg.Transports {
		switch name {
		case "websocket":
			out = append(out, livesync.NewWebSocketTransport(livesync.WebSocketTransportOptions{
				URL:    cfg.RealtimeWebSocketURL(),
				Logger: logger,
			}))
		case "polling":
			out = append(out, livesync.NewPollingTransport(livesync.PollingTransportOptions{BaseURL: cfg.APIBaseURL}))
		}
	}
	return out
}

func ensureSession(ctx context.Context, agent *livesync.Agent, opts options) error {
	if _, ok := agent.Sessions().Current(); ok && opts.email == "" && opts.googleIDToken == "" {
		return nil
	}
	switch {
	case opts.googleIDToken != "":
		_, err := agent.LoginWithGoogle(ctx, opts.googleIDToken)
		return err
	case opts.email != "":
		if opts.password == "" {
			return errors.New("password is required with --email (--password or ADSYNC_PASSWORD)")
		}
		_, err := agent.LoginWithPassword(ctx, opts.email, opts.password)
		return err
	default:
		return errors.New("no persisted session; sign in with --email or --google-id-token")
	}
}

func runCommands(ctx context.Context, agent *livesync.Agent, opts options) error {
	commands := agent.Commands()
	if opts.business != "" {
		if err := commands.SwitchBusiness(ctx, opts.business); err != nil {
			return err
		}
	}
	if opts.generate != "" {
		if err := commands.Generate(ctx, opts.generate); err != nil {
			return err
		}
	}
	if opts.post != "" {
		if _, err := commands.MarkPosted(ctx, opts.post); err != nil {
			return err
		}
	}
	return nil
}

func waitConnected(ctx context.Context, agent *livesync.Agent, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for !agent.Connection().Connected() {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

func writeSummary(w io.Writer, agent *livesync.Agent) error {
	store := agent.Store()
	state := agent.Connection().State()
	connection := "disconnected"
	if state.Connected {
		connection = "connected via " + state.Transport
	} else if state.LastDisconnectReason != nil {
		connection = "disconnected (" + *state.LastDisconnectReason + ")"
	}
	current, _ := store.CurrentBusiness()

	counts := map[dashboard.ProductStatus]int{}
	products := store.ProductsForBusiness(current.BusinessID)
	for _, product := range products {
		counts[product.Status]++
	}
	statuses := make([]string, 0, len(counts))
	for status, n := range counts {
		statuses = append(statuses, fmt.Sprintf("%s=%d", status, n))
	}
	sort.Strings(statuses)

	_, err := fmt.Fprintf(w, "channel: %s\nbusinesses: %d\ncurrent business: %s %q\nproducts: %d [%s]\n",
		connection,
		len(store.Businesses()),
		current.BusinessID,
		current.Name,
		len(products),
		strings.Join(statuses, " "),
	)
	return err
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func refreshLoop(ctx context.Context, agent *livesync.Agent, interval time.Duration, jitter float64, logger zerolog.Logger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			products, err := agent.Commands().RefreshProducts(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("periodic product refresh failed")
			} else {
				logger.Debug().Int("products", len(products)).Msg("periodic product refresh completed")
			}
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
