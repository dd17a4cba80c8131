package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the sync agent's runtime configuration. Values come from the
// defaults, then an optional YAML file, then ADSYNC_* environment variables;
// the CLIs apply their flags last.
type Config struct {
	APIBaseURL     string `yaml:"apiBaseURL"`
	RealtimeURL    string `yaml:"realtimeURL"`
	WorkflowURL    string `yaml:"workflowURL"`
	IdentityURL    string `yaml:"identityURL"`
	IdentityAPIKey string `yaml:"identityAPIKey"`
	StateDSN       string `yaml:"stateDSN"`

	LogLevel  string `yaml:"logLevel"`
	LogPretty bool   `yaml:"logPretty"`

	Transports        []string      `yaml:"transports"`
	ReconnectAttempts int           `yaml:"reconnectAttempts"`
	ReconnectDelay    time.Duration `yaml:"reconnectDelay"`
	ReconnectDelayMax time.Duration `yaml:"reconnectDelayMax"`
	ConnectTimeout    time.Duration `yaml:"connectTimeout"`
	ResyncOnReconnect bool          `yaml:"resyncOnReconnect"`

	PollGracePeriod time.Duration `yaml:"pollGracePeriod"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	PollRate        float64       `yaml:"pollRate"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`

	ImageDir    string `yaml:"imageDir"`
	MetricsAddr string `yaml:"metricsAddr"`
}

func Default() Config {
	return Config{
		APIBaseURL:        "http://127.0.0.1:8080",
		StateDSN:          defaultStateDSN(),
		LogLevel:          "info",
		Transports:        []string{"websocket", "polling"},
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		ReconnectDelayMax: 10 * time.Second,
		ConnectTimeout:    20 * time.Second,
		PollGracePeriod:   25 * time.Second,
		PollInterval:      5 * time.Second,
		PollRate:          2,
		RequestTimeout:    15 * time.Second,
	}
}

func defaultStateDSN() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "file://" + filepath.Join(".adsync", "state.json")
	}
	return "file://" + filepath.Join(home, ".adsync", "state.json")
}

// Load builds a Config from the defaults, the YAML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(name string, dst *time.Duration) {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s=%q: %w", name, v, err))
			return
		}
		*dst = d
	}
	integer := func(name string, dst *int) {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s=%q: %w", name, v, err))
			return
		}
		*dst = n
	}
	boolean := func(name string, dst *bool) {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s=%q: %w", name, v, err))
			return
		}
		*dst = b
	}

	str("ADSYNC_API_URL", &c.APIBaseURL)
	str("ADSYNC_REALTIME_URL", &c.RealtimeURL)
	str("ADSYNC_WORKFLOW_URL", &c.WorkflowURL)
	str("ADSYNC_IDENTITY_URL", &c.IdentityURL)
	str("ADSYNC_IDENTITY_API_KEY", &c.IdentityAPIKey)
	str("ADSYNC_STATE_DSN", &c.StateDSN)
	str("ADSYNC_LOG_LEVEL", &c.LogLevel)
	boolean("ADSYNC_LOG_PRETTY", &c.LogPretty)
	if v, ok := lookup("ADSYNC_TRANSPORTS"); ok && strings.TrimSpace(v) != "" {
		c.Transports = SplitList(v)
	}
	integer("ADSYNC_RECONNECT_ATTEMPTS", &c.ReconnectAttempts)
	dur("ADSYNC_RECONNECT_DELAY", &c.ReconnectDelay)
	dur("ADSYNC_RECONNECT_DELAY_MAX", &c.ReconnectDelayMax)
	dur("ADSYNC_CONNECT_TIMEOUT", &c.ConnectTimeout)
	boolean("ADSYNC_RESYNC_ON_RECONNECT", &c.ResyncOnReconnect)
	dur("ADSYNC_POLL_GRACE", &c.PollGracePeriod)
	dur("ADSYNC_POLL_INTERVAL", &c.PollInterval)
	if v, ok := lookup("ADSYNC_POLL_RATE"); ok && strings.TrimSpace(v) != "" {
		rate, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid ADSYNC_POLL_RATE=%q: %w", v, err))
		} else {
			c.PollRate = rate
		}
	}
	dur("ADSYNC_REQUEST_TIMEOUT", &c.RequestTimeout)
	str("ADSYNC_IMAGE_DIR", &c.ImageDir)
	str("ADSYNC_METRICS_ADDR", &c.MetricsAddr)
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	if _, err := parseHTTPURL(c.APIBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("apiBaseURL: %w", err))
	}
	for name, raw := range map[string]string{"realtimeURL": c.RealtimeURL, "workflowURL": c.WorkflowURL, "identityURL": c.IdentityURL} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := url.Parse(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if len(c.Transports) == 0 {
		errs = append(errs, errors.New("transports: at least one transport is required"))
	}
	for _, transport := range c.Transports {
		switch transport {
		case "websocket", "polling":
		default:
			errs = append(errs, fmt.Errorf("transports: unknown transport %q", transport))
		}
	}
	if c.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("reconnectAttempts must not be negative"))
	}
	if c.ReconnectDelay <= 0 || c.ReconnectDelayMax < c.ReconnectDelay {
		errs = append(errs, errors.New("reconnect delays must be positive with reconnectDelayMax >= reconnectDelay"))
	}
	for name, d := range map[string]time.Duration{
		"connectTimeout":  c.ConnectTimeout,
		"pollGracePeriod": c.PollGracePeriod,
		"pollInterval":    c.PollInterval,
		"requestTimeout":  c.RequestTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.PollRate <= 0 {
		errs = append(errs, errors.New("pollRate must be positive"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RealtimeWebSocketURL is the websocket endpoint, derived from the API base
// URL unless configured explicitly.
func (c Config) RealtimeWebSocketURL() string {
	if strings.TrimSpace(c.RealtimeURL) != "" {
		return strings.TrimSpace(c.RealtimeURL)
	}
	u, err := parseHTTPURL(c.APIBaseURL)
	if err != nil {
		return ""
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/ws"
	return u.String()
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("host is required")
	}
	return u, nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
