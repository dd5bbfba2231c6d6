package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codeready-toolchain/remedy/pkg/models"
)

// Initialize loads remedy.yaml from configDir (if present), applies
// defaults for unset fields, then applies REMEDY_* environment overrides,
// and validates the result.
func Initialize(configDir string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(configDir, "remedy.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Built-in defaults only.
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the built-in defaults. Values mirror the documented
// recognized options.
func DefaultConfig() *Config {
	return &Config{
		Execution: ExecutionConfig{
			Mode:                    models.ModeHIL,
			MaxSessionsPerTenant:    10,
			SessionTimeout:          30 * time.Minute,
			GracefulShutdownTimeout: 5 * time.Minute,
		},
		Matcher: MatcherConfig{
			MatchMinimum:         0.5,
			AutoExecuteThreshold: 0.8,
			TopK:                 5,
			RecencyHalfLife:      7 * 24 * time.Hour,
		},
		Queue: QueueConfig{
			WorkerCount:            5,
			MaxLoad:                4,
			PollInterval:           time.Second,
			PollIntervalJitter:     500 * time.Millisecond,
			AckWindow:              5 * time.Second,
			HeartbeatInterval:      15 * time.Second,
			HeartbeatTimeout:       45 * time.Second,
			RedeliveryScanInterval: 10 * time.Second,
		},
		Approval: ApprovalConfig{
			SLAByEnvironment: map[string]time.Duration{
				"":     30 * time.Minute,
				"prod": 15 * time.Minute,
			},
		},
		Credentials: CredentialsConfig{
			TTL:          5 * time.Minute,
			ReleaseGrace: 30 * time.Second,
		},
		Events: EventsConfig{
			WriteTimeout:       10 * time.Second,
			SubscriberLagLimit: 256,
			CleanupInterval:    time.Hour,
		},
		Ticketing: TicketingConfig{
			ReplayWindow:   5 * time.Minute,
			NonceRetention: time.Hour,
			OutcomeTimeout: 15 * time.Second,
		},
		Connectors: ConnectorsConfig{
			RESTBodyCap:    64 * 1024,
			DatabaseRowCap: 10_000,
			LocalAllowlist: []string{"uptime", "df", "free", "uname"},
			KillGrace:      5 * time.Second,
		},
	}
}

// applyEnvOverrides applies REMEDY_* environment variables on top of the
// loaded configuration. Only the operationally relevant knobs are exposed.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REMEDY_EXECUTION_MODE"); v != "" {
		cfg.Execution.Mode = models.ExecutionMode(v)
	}
	if v, ok := envFloat("REMEDY_MATCH_MINIMUM"); ok {
		cfg.Matcher.MatchMinimum = v
	}
	if v, ok := envFloat("REMEDY_AUTO_EXECUTE_THRESHOLD"); ok {
		cfg.Matcher.AutoExecuteThreshold = v
	}
	if v, ok := envDuration("REMEDY_HEARTBEAT_INTERVAL"); ok {
		cfg.Queue.HeartbeatInterval = v
	}
	if v, ok := envDuration("REMEDY_HEARTBEAT_TIMEOUT"); ok {
		cfg.Queue.HeartbeatTimeout = v
	}
	if v, ok := envDuration("REMEDY_CREDENTIAL_TTL"); ok {
		cfg.Credentials.TTL = v
	}
	if v := os.Getenv("REMEDY_SECRETS_STORE_ENDPOINT"); v != "" {
		cfg.Credentials.StoreEndpoint = v
	}
	if v := os.Getenv("REMEDY_BOOTSTRAP_CREDENTIALS_PATH"); v != "" {
		cfg.Credentials.BootstrapCredentialsPath = v
	}
	if v := os.Getenv("REMEDY_WEBHOOK_SECRET_PATH"); v != "" {
		cfg.Ticketing.WebhookSecretPath = v
	}
	if v, ok := envInt("REMEDY_MAX_SESSIONS_PER_TENANT"); ok {
		cfg.Execution.MaxSessionsPerTenant = v
	}
	if v, ok := envInt("REMEDY_WORKER_COUNT"); ok {
		cfg.Queue.WorkerCount = v
	}
}

func envFloat(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// Validate checks cross-field configuration invariants.
func (c *Config) Validate() error {
	if c.Execution.Mode != models.ModeHIL && c.Execution.Mode != models.ModeAuto {
		return fmt.Errorf("config: execution.mode must be hil or auto, got %q", c.Execution.Mode)
	}
	if c.Matcher.MatchMinimum < 0 || c.Matcher.MatchMinimum > 1 {
		return fmt.Errorf("config: matcher.match_minimum must be in [0,1]")
	}
	if c.Matcher.AutoExecuteThreshold < c.Matcher.MatchMinimum || c.Matcher.AutoExecuteThreshold > 1 {
		return fmt.Errorf("config: matcher.auto_execute_threshold must be in [match_minimum,1]")
	}
	if c.Queue.WorkerCount < 1 {
		return fmt.Errorf("config: queue.worker_count must be at least 1")
	}
	if c.Queue.HeartbeatTimeout <= c.Queue.HeartbeatInterval {
		return fmt.Errorf("config: queue.heartbeat_timeout must exceed heartbeat_interval")
	}
	if c.Credentials.TTL <= 0 || c.Credentials.TTL > 5*time.Minute {
		return fmt.Errorf("config: credentials.ttl must be positive and at most 5m")
	}
	return nil
}
