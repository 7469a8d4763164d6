package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/flowpbx/callbridge/internal/resilience"
)

// Config holds all runtime configuration for the callbridge server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir     string
	DatabaseURL string // empty selects SQLite under DataDir; postgres:// selects PostgreSQL
	HTTPPort    int
	RedisURL    string
	LogLevel    string
	LogFormat   string // log output format: "text" or "json"
	PublicURL   string // externally reachable base URL carriers connect back to

	EnableCallRegistry   bool
	CallRegistryTTL      time.Duration
	EnableCallQueue      bool
	MaxCallQueueSize     int
	MaxConcurrentCalls   int // 0 disables the capacity check
	QueueWaitTimeout     time.Duration
	ShutdownDrainTimeout time.Duration

	RealtimeURL     string
	RealtimeModel   string
	OpenAIAPIKey    string
	RealtimeTimeout time.Duration
	MaxRetries      int
	BackoffFactor   float64
	FailureThresh   int
	RecoveryTimeout time.Duration
	ToolTimeout     time.Duration

	RecordRetentionDays int // 0 keeps call records forever

	EnableQA        bool // score saved transcripts after each call
	AnthropicAPIKey string
	QAModel         string
	QAThreshold     int // minimum overall score that passes
	QAMaxConcurrent int
	QATimeout       time.Duration // per-attempt timeout for the evaluation model

	WSConnectRate  float64 // carrier websocket upgrades per second per IP
	WSConnectBurst int
	EnableMetrics  bool
}

// defaults
const (
	defaultDataDir              = "./data"
	defaultHTTPPort             = 8080
	defaultRedisURL             = "redis://localhost:6379/0"
	defaultLogLevel             = "info"
	defaultLogFormat            = "text"
	defaultCallRegistryTTL      = 30 * time.Minute
	defaultMaxCallQueueSize     = 1000
	defaultQueueWaitTimeout     = 60 * time.Second
	defaultShutdownDrainTimeout = 120 * time.Second
	defaultRealtimeURL          = "wss://api.openai.com/v1/realtime"
	defaultRealtimeModel        = "gpt-realtime-2025-08-28"
	defaultRealtimeTimeout      = 30 * time.Second
	defaultMaxRetries           = 3
	defaultBackoffFactor        = 2.0
	defaultFailureThresh        = 5
	defaultRecoveryTimeout      = 60 * time.Second
	defaultToolTimeout          = 10 * time.Second
	defaultWSConnectRate        = 5.0
	defaultQAModel              = "claude-sonnet-4-20250514"
	defaultQAThreshold          = 70
	defaultQAMaxConcurrent      = 5
	defaultQATimeout            = 30 * time.Second
	defaultWSConnectBurst       = 20
)

// envPrefix is the prefix for all callbridge environment variables.
const envPrefix = "CALLBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callbridge", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the SQLite database")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "PostgreSQL connection URL (SQLite in data-dir when empty)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.RedisURL, "redis-url", defaultRedisURL, "Redis URL for the call registry and admission queue")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.PublicURL, "public-url", "", "externally reachable base URL used in carrier stream instructions")
	fs.BoolVar(&cfg.EnableCallRegistry, "enable-call-registry", true, "track active calls in Redis")
	fs.DurationVar(&cfg.CallRegistryTTL, "call-registry-ttl", defaultCallRegistryTTL, "expiry for call registry records")
	fs.BoolVar(&cfg.EnableCallQueue, "enable-call-queue", false, "queue calls that arrive while at capacity")
	fs.IntVar(&cfg.MaxCallQueueSize, "max-call-queue-size", defaultMaxCallQueueSize, "maximum number of queued calls")
	fs.IntVar(&cfg.MaxConcurrentCalls, "max-concurrent-calls", 0, "maximum concurrent calls (0 for unlimited)")
	fs.DurationVar(&cfg.QueueWaitTimeout, "queue-wait-timeout", defaultQueueWaitTimeout, "how long a queued call waits for capacity")
	fs.DurationVar(&cfg.ShutdownDrainTimeout, "shutdown-drain-timeout", defaultShutdownDrainTimeout, "how long shutdown waits for active calls to end")
	fs.StringVar(&cfg.RealtimeURL, "realtime-url", defaultRealtimeURL, "realtime AI websocket endpoint")
	fs.StringVar(&cfg.RealtimeModel, "realtime-model", defaultRealtimeModel, "realtime AI model name")
	fs.StringVar(&cfg.OpenAIAPIKey, "openai-api-key", "", "API key for the realtime AI endpoint")
	fs.DurationVar(&cfg.RealtimeTimeout, "realtime-timeout", defaultRealtimeTimeout, "per-attempt timeout for realtime session setup")
	fs.IntVar(&cfg.MaxRetries, "realtime-max-retries", defaultMaxRetries, "attempts for transient realtime failures")
	fs.Float64Var(&cfg.BackoffFactor, "retry-backoff-factor", defaultBackoffFactor, "exponential backoff multiplier")
	fs.IntVar(&cfg.FailureThresh, "circuit-failure-threshold", defaultFailureThresh, "consecutive failures before a circuit opens")
	fs.DurationVar(&cfg.RecoveryTimeout, "circuit-recovery-timeout", defaultRecoveryTimeout, "time an open circuit waits before a trial call")
	fs.DurationVar(&cfg.ToolTimeout, "tool-timeout", defaultToolTimeout, "per-attempt timeout for tool execution")
	fs.IntVar(&cfg.RecordRetentionDays, "record-retention-days", 0, "delete call records and transcripts older than this many days (0 keeps them)")
	fs.BoolVar(&cfg.EnableQA, "enable-qa", false, "evaluate call transcripts after each call")
	fs.StringVar(&cfg.AnthropicAPIKey, "anthropic-api-key", "", "API key for the evaluation model")
	fs.StringVar(&cfg.QAModel, "qa-model", defaultQAModel, "model used to evaluate transcripts")
	fs.IntVar(&cfg.QAThreshold, "qa-threshold", defaultQAThreshold, "minimum overall score (0-100) a call needs to pass")
	fs.IntVar(&cfg.QAMaxConcurrent, "qa-max-concurrent", defaultQAMaxConcurrent, "evaluations that may run at once")
	fs.DurationVar(&cfg.QATimeout, "qa-timeout", defaultQATimeout, "per-attempt timeout for the evaluation model")
	fs.Float64Var(&cfg.WSConnectRate, "ws-connect-rate", defaultWSConnectRate, "carrier websocket upgrades per second per client IP")
	fs.IntVar(&cfg.WSConnectBurst, "ws-connect-burst", defaultWSConnectBurst, "burst allowance for carrier websocket upgrades")
	fs.BoolVar(&cfg.EnableMetrics, "enable-metrics", true, "expose Prometheus metrics at /metrics")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		// Unparseable values are ignored and the default kept.
		if err := f.Value.Set(val); err != nil {
			_ = f.Value.Set(f.DefValue)
			slog.Warn("ignoring invalid environment value", "env", envVar, "error", err)
		}
	})

	// Unprefixed key accepted for compatibility with realtime SDK tooling.
	if !set["openai-api-key"] && cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if !set["anthropic-api-key"] && cfg.AnthropicAPIKey == "" {
		cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.DatabaseURL != "" && !c.UsesPostgres() {
		return fmt.Errorf("database-url must start with postgres:// or postgresql://, got %q", c.DatabaseURL)
	}
	if c.CallRegistryTTL <= 0 {
		return fmt.Errorf("call-registry-ttl must be positive, got %s", c.CallRegistryTTL)
	}
	if c.MaxCallQueueSize < 0 {
		return fmt.Errorf("max-call-queue-size must not be negative, got %d", c.MaxCallQueueSize)
	}
	if c.MaxConcurrentCalls < 0 {
		return fmt.Errorf("max-concurrent-calls must not be negative, got %d", c.MaxConcurrentCalls)
	}
	if c.ShutdownDrainTimeout <= 0 {
		return fmt.Errorf("shutdown-drain-timeout must be positive, got %s", c.ShutdownDrainTimeout)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("realtime-max-retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("retry-backoff-factor must be at least 1, got %g", c.BackoffFactor)
	}
	if c.FailureThresh < 1 {
		return fmt.Errorf("circuit-failure-threshold must be at least 1, got %d", c.FailureThresh)
	}
	if c.RecordRetentionDays < 0 {
		return fmt.Errorf("record-retention-days must not be negative, got %d", c.RecordRetentionDays)
	}
	if c.QAThreshold < 0 || c.QAThreshold > 100 {
		return fmt.Errorf("qa-threshold must be between 0 and 100, got %d", c.QAThreshold)
	}
	if c.QAMaxConcurrent < 1 {
		return fmt.Errorf("qa-max-concurrent must be at least 1, got %d", c.QAMaxConcurrent)
	}
	if c.EnableQA && c.AnthropicAPIKey == "" {
		return fmt.Errorf("enable-qa requires anthropic-api-key")
	}
	if c.WSConnectRate <= 0 || c.WSConnectBurst < 1 {
		return fmt.Errorf("ws-connect-rate and ws-connect-burst must be positive")
	}
	return nil
}

// UsesPostgres reports whether DatabaseURL selects the PostgreSQL backend.
func (c *Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// Resilience returns the resilience settings for the named downstream
// dependency. Tool calls use the tool timeout and the evaluator uses the QA
// timeout; everything else uses the realtime timeout.
func (c *Config) Resilience(name string) resilience.Config {
	rc := resilience.DefaultConfig(name)
	rc.Timeout = c.RealtimeTimeout
	switch name {
	case "tools":
		rc.Timeout = c.ToolTimeout
	case "evaluator":
		rc.Timeout = c.QATimeout
	}
	rc.MaxAttempts = c.MaxRetries
	rc.Multiplier = c.BackoffFactor
	rc.FailureThreshold = c.FailureThresh
	rc.RecoveryTimeout = c.RecoveryTimeout
	return rc
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
