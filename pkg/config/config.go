// Package config loads and validates remedy configuration from YAML plus
// environment overrides.
package config

import (
	"time"

	"github.com/codeready-toolchain/remedy/pkg/models"
)

// Config is the root configuration tree, loaded from remedy.yaml with
// REMEDY_* environment overrides on top.
type Config struct {
	Execution   ExecutionConfig   `yaml:"execution"`
	Matcher     MatcherConfig     `yaml:"matcher"`
	Queue       QueueConfig       `yaml:"queue"`
	Approval    ApprovalConfig    `yaml:"approval"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Events      EventsConfig      `yaml:"events"`
	Ticketing   TicketingConfig   `yaml:"ticketing"`
	Connectors  ConnectorsConfig  `yaml:"connectors"`
}

// ExecutionConfig controls session admission and global gating.
type ExecutionConfig struct {
	// Mode is the global execution mode: hil (every session started by an
	// operator) or auto (high-confidence matches start themselves).
	Mode models.ExecutionMode `yaml:"mode"`

	// MaxSessionsPerTenant bounds concurrent non-terminal sessions per tenant.
	MaxSessionsPerTenant int `yaml:"max_sessions_per_tenant"`

	// SessionTimeout is the maximum wall-clock time for one session.
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// GracefulShutdownTimeout is the max time to wait for in-flight steps
	// during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// MatcherConfig controls ticket→runbook matching thresholds.
type MatcherConfig struct {
	// MatchMinimum is the confidence below which no candidates are emitted.
	MatchMinimum float64 `yaml:"match_minimum"`

	// AutoExecuteThreshold is the confidence at or above which a session is
	// created automatically when the global mode is auto.
	AutoExecuteThreshold float64 `yaml:"auto_execute_threshold"`

	// TopK truncates the candidate list.
	TopK int `yaml:"top_k"`

	// RecencyHalfLife controls the recency prior on recently succeeded
	// runbooks.
	RecencyHalfLife time.Duration `yaml:"recency_half_life"`
}

// QueueConfig controls the durable command queue and worker heartbeating.
type QueueConfig struct {
	// WorkerCount is the number of in-process worker runtimes per replica.
	WorkerCount int `yaml:"worker_count"`

	// MaxLoad is the per-worker cap on concurrently executing steps.
	MaxLoad int `yaml:"max_load"`

	// PollInterval is the base interval for checking pending messages.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter randomizes the poll interval: actual interval is
	// PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// AckWindow is how long a claimed message may stay unacknowledged
	// before it is redelivered to another eligible worker.
	AckWindow time.Duration `yaml:"ack_window"`

	// HeartbeatInterval is how often workers report liveness and load.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HeartbeatTimeout is how long a worker may go silent before it is
	// marked offline and its in-flight sessions are paused.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// RedeliveryScanInterval is how often claimed-but-unacked messages are
	// scanned for redelivery.
	RedeliveryScanInterval time.Duration `yaml:"redelivery_scan_interval"`
}

// ApprovalConfig controls the approval gate.
type ApprovalConfig struct {
	// SLAByEnvironment maps environment tag to approval SLA. The empty key
	// is the default.
	SLAByEnvironment map[string]time.Duration `yaml:"sla_by_environment"`

	// EscalationChannel names the notification channel for expired
	// approvals.
	EscalationChannel string `yaml:"escalation_channel"`
}

// SLAFor returns the approval SLA for an environment.
func (a *ApprovalConfig) SLAFor(environment string) time.Duration {
	if d, ok := a.SLAByEnvironment[environment]; ok {
		return d
	}
	if d, ok := a.SLAByEnvironment[""]; ok {
		return d
	}
	return 30 * time.Minute
}

// CredentialsConfig controls the credential broker.
type CredentialsConfig struct {
	// StoreEndpoint is the external secrets store URL.
	StoreEndpoint string `yaml:"store_endpoint"`

	// BootstrapCredentialsPath is the path to the broker's own credential
	// for the store.
	BootstrapCredentialsPath string `yaml:"bootstrap_credentials_path"`

	// TTL is the maximum credential lifetime per fetch.
	TTL time.Duration `yaml:"ttl"`

	// ReleaseGrace is the grace period after TTL within which a release
	// must be observed.
	ReleaseGrace time.Duration `yaml:"release_grace"`
}

// EventsConfig controls the event bus.
type EventsConfig struct {
	// WriteTimeout bounds a single WebSocket send.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// SubscriberLagLimit is the number of undelivered events after which a
	// slow live subscriber is dropped. The persistent log is never blocked.
	SubscriberLagLimit int `yaml:"subscriber_lag_limit"`

	// AllowedOrigins lists origin patterns accepted for WebSocket upgrades.
	// Empty means same-origin only; browser requests from other origins are
	// refused.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// RetentionByKind maps event kind to retention period. The empty key is
	// the default.
	RetentionByKind map[string]time.Duration `yaml:"retention_by_kind"`

	// CleanupInterval is how often expired events and nonces are purged.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// RetentionFor returns the retention period for an event kind.
func (e *EventsConfig) RetentionFor(kind string) time.Duration {
	if d, ok := e.RetentionByKind[kind]; ok {
		return d
	}
	if d, ok := e.RetentionByKind[""]; ok {
		return d
	}
	return 30 * 24 * time.Hour
}

// TicketingConfig controls webhook ingest and outcome reporting.
type TicketingConfig struct {
	// WebhookSecretPath is the path to the HMAC secret for webhook
	// signature verification.
	WebhookSecretPath string `yaml:"webhook_secret_path"`

	// ReplayWindow is the maximum accepted webhook timestamp age.
	ReplayWindow time.Duration `yaml:"replay_window"`

	// NonceRetention is how long ingest nonces are kept for replay
	// prevention.
	NonceRetention time.Duration `yaml:"nonce_retention"`

	// OutcomeEndpoint is the external ticketing status callback base URL.
	OutcomeEndpoint string `yaml:"outcome_endpoint"`

	// OutcomeTimeout bounds one outcome delivery attempt.
	OutcomeTimeout time.Duration `yaml:"outcome_timeout"`
}

// ConnectorsConfig holds per-connector-class limits.
type ConnectorsConfig struct {
	// RESTBodyCap truncates captured REST response bodies.
	RESTBodyCap int `yaml:"rest_body_cap"`

	// DatabaseRowCap rejects queries that would return more rows.
	DatabaseRowCap int `yaml:"database_row_cap"`

	// LocalAllowlist is the whitelist of commands the local connector may
	// run (health and diagnostics on the worker itself).
	LocalAllowlist []string `yaml:"local_allowlist"`

	// KnownHostsPath is the known_hosts file used for SSH host key
	// verification. Connections to hosts absent from it are refused.
	KnownHostsPath string `yaml:"known_hosts_path"`

	// KillGrace is the delay between the cooperative cancel and the second,
	// stronger kill.
	KillGrace time.Duration `yaml:"kill_grace"`
}
