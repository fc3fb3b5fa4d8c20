// Package config loads pool manager configuration from environment
// variables, in the same shape as the teacher's internal/config: a struct
// of immutable fields plus a small mutex-guarded subset that the control
// plane is allowed to tune at runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds all pool manager configuration.
//
// Mutable fields (MinIdle, MaxTotal, TickInterval, HeartbeatInterval,
// StuckTimeout) are protected by an RWMutex and must be accessed via
// getter/setter methods, since the reconciler and heartbeat goroutines
// read them on every tick while a setter may run concurrently. No
// control-plane route calls the setters; they are only exercised from Go
// code (tests included).
type Config struct {
	// Control plane
	Port        string
	BearerToken string

	// Provider
	ProviderBaseURL     string
	ProviderToken       string
	ProviderOAuthURL    string // token endpoint; empty disables OAuth2 client-credentials refresh
	ProviderOAuthID     string
	ProviderOAuthSecret string

	// Pool identity
	EnvironmentTag string // selects provider environment and branch defaults
	PoolPrefix     string // e.g. "convos-agent-"
	DeployBranch   string // branch/commit deployed into every new instance

	// Per-instance secrets
	ModelAPIKey         string
	GatewayMasterSecret string // HKDF input key material for per-instance gateway tokens

	// Storage
	DBPath string

	// Logging / observability
	LogJSON        bool
	MetricsEnabled bool

	// Heartbeat
	HeartbeatEnabled          bool
	HeartbeatFailureThreshold int
	HeartbeatRecoveryCap      int

	// Fixed external-call timeouts (not runtime-tunable; spec §5)
	GatewayProbeTimeout time.Duration
	CreateTimeout       time.Duration
	RecycleTimeout      time.Duration

	// Maintenance
	MaintenanceSchedule   string        // cron expression; empty disables the sweep
	MaintenanceDigestAge  time.Duration // minimum age for a crashed entry to appear in the digest

	// Notify channels (optional; empty disables each)
	SlackWebhookURL string
	MQTTBroker      string
	MQTTTopic       string
	WebhookURL      string

	// mu protects the mutable runtime fields below.
	mu                sync.RWMutex
	minIdle           int
	maxTotal          int
	tickInterval      time.Duration
	heartbeatInterval time.Duration
	stuckTimeout      time.Duration
	orphanGrace       time.Duration
	failureThreshold  int
	coolDown          time.Duration
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:                envStr("POOL_PORT", "8080"),
		BearerToken:         envStr("POOL_BEARER_TOKEN", ""),
		ProviderBaseURL:     envStr("POOL_PROVIDER_BASE_URL", ""),
		ProviderToken:       envStr("POOL_PROVIDER_TOKEN", ""),
		ProviderOAuthURL:    envStr("POOL_PROVIDER_OAUTH_URL", ""),
		ProviderOAuthID:     envStr("POOL_PROVIDER_OAUTH_CLIENT_ID", ""),
		ProviderOAuthSecret: envStr("POOL_PROVIDER_OAUTH_CLIENT_SECRET", ""),
		EnvironmentTag:      envStr("POOL_ENVIRONMENT", "production"),
		PoolPrefix:          envStr("POOL_PREFIX", "convos-agent-"),
		DeployBranch:        envStr("POOL_DEPLOY_BRANCH", "main"),
		ModelAPIKey:         envStr("POOL_MODEL_API_KEY", ""),
		GatewayMasterSecret: envStr("POOL_GATEWAY_MASTER_SECRET", ""),
		DBPath:              envStr("POOL_DB_PATH", "/data/pool.db"),
		LogJSON:             envBool("POOL_LOG_JSON", true),
		MetricsEnabled:      envBool("POOL_METRICS", true),

		HeartbeatEnabled:          envBool("POOL_HEARTBEAT_ENABLED", false),
		HeartbeatFailureThreshold: envInt("POOL_HEARTBEAT_FAILURE_THRESHOLD", 3),
		HeartbeatRecoveryCap:      envInt("POOL_HEARTBEAT_RECOVERY_CAP", 3),

		GatewayProbeTimeout: envDuration("POOL_GATEWAY_PROBE_TIMEOUT", 5*time.Second),
		CreateTimeout:       envDuration("POOL_CREATE_TIMEOUT", 2*time.Minute),
		RecycleTimeout:      envDuration("POOL_RECYCLE_TIMEOUT", 60*time.Second),

		MaintenanceSchedule:  envStr("POOL_MAINTENANCE_SCHEDULE", ""),
		MaintenanceDigestAge: envDuration("POOL_MAINTENANCE_DIGEST_AGE", 24*time.Hour),

		SlackWebhookURL: envStr("POOL_NOTIFY_SLACK_WEBHOOK_URL", ""),
		MQTTBroker:      envStr("POOL_NOTIFY_MQTT_BROKER", ""),
		MQTTTopic:       envStr("POOL_NOTIFY_MQTT_TOPIC", "pool/alerts"),
		WebhookURL:      envStr("POOL_NOTIFY_WEBHOOK_URL", ""),

		minIdle:           envInt("POOL_MIN_IDLE", 1),
		maxTotal:          envInt("POOL_MAX_TOTAL", 10),
		tickInterval:      envDuration("POOL_TICK_INTERVAL", 30*time.Second),
		heartbeatInterval: envDuration("POOL_HEARTBEAT_INTERVAL", 20*time.Second),
		stuckTimeout:      envDuration("POOL_STUCK_TIMEOUT", 15*time.Minute),
		orphanGrace:       envDuration("POOL_ORPHAN_GRACE", 5*time.Minute),
		failureThreshold:  envInt("POOL_CIRCUIT_FAILURE_THRESHOLD", 3),
		coolDown:          envDuration("POOL_CIRCUIT_COOLDOWN", 5*time.Minute),
	}
}

// NewTestConfig returns a Config with small, fast defaults for tests.
func NewTestConfig() *Config {
	return &Config{
		Port:                "0",
		BearerToken:         "test-token",
		EnvironmentTag:      "test",
		PoolPrefix:          "convos-agent-",
		DeployBranch:        "main",
		GatewayMasterSecret: "test-gateway-master",
		DBPath:              ":memory:",
		GatewayProbeTimeout: time.Second,
		CreateTimeout:       5 * time.Second,
		RecycleTimeout:      5 * time.Second,
		minIdle:             1,
		maxTotal:            3,
		tickInterval:        50 * time.Millisecond,
		heartbeatInterval:   50 * time.Millisecond,
		stuckTimeout:        time.Minute,
		orphanGrace:         time.Minute,
		failureThreshold:     3,
		coolDown:             time.Minute,
		MaintenanceDigestAge: time.Minute,
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	c.mu.RLock()
	mi, mt, ti, hi, st := c.minIdle, c.maxTotal, c.tickInterval, c.heartbeatInterval, c.stuckTimeout
	c.mu.RUnlock()

	var errs []error
	if c.BearerToken == "" {
		errs = append(errs, fmt.Errorf("POOL_BEARER_TOKEN must be set"))
	}
	if mi < 0 {
		errs = append(errs, fmt.Errorf("POOL_MIN_IDLE must be >= 0, got %d", mi))
	}
	if mt <= 0 {
		errs = append(errs, fmt.Errorf("POOL_MAX_TOTAL must be > 0, got %d", mt))
	}
	if mi > mt {
		errs = append(errs, fmt.Errorf("POOL_MIN_IDLE (%d) must be <= POOL_MAX_TOTAL (%d)", mi, mt))
	}
	if ti <= 0 {
		errs = append(errs, fmt.Errorf("POOL_TICK_INTERVAL must be > 0, got %s", ti))
	}
	if c.HeartbeatEnabled && hi <= 0 {
		errs = append(errs, fmt.Errorf("POOL_HEARTBEAT_INTERVAL must be > 0 when heartbeat is enabled, got %s", hi))
	}
	if st <= 0 {
		errs = append(errs, fmt.Errorf("POOL_STUCK_TIMEOUT must be > 0, got %s", st))
	}
	if c.ProviderOAuthURL != "" && (c.ProviderOAuthID == "" || c.ProviderOAuthSecret == "") {
		errs = append(errs, fmt.Errorf("POOL_PROVIDER_OAUTH_CLIENT_ID and POOL_PROVIDER_OAUTH_CLIENT_SECRET are required when POOL_PROVIDER_OAUTH_URL is set"))
	}
	return errors.Join(errs...)
}

// MinIdle returns the reconciler's idle target (thread-safe).
func (c *Config) MinIdle() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.minIdle
}

// SetMinIdle updates the idle target at runtime (thread-safe).
func (c *Config) SetMinIdle(n int) {
	c.mu.Lock()
	c.minIdle = n
	c.mu.Unlock()
}

// MaxTotal returns the hard cap on total instances (thread-safe).
func (c *Config) MaxTotal() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxTotal
}

// SetMaxTotal updates the total cap at runtime (thread-safe).
func (c *Config) SetMaxTotal(n int) {
	c.mu.Lock()
	c.maxTotal = n
	c.mu.Unlock()
}

// TickInterval returns the reconciler cadence (thread-safe).
func (c *Config) TickInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tickInterval
}

// SetTickInterval updates the reconciler cadence at runtime (thread-safe).
func (c *Config) SetTickInterval(d time.Duration) {
	c.mu.Lock()
	c.tickInterval = d
	c.mu.Unlock()
}

// HeartbeatInterval returns the heartbeat cadence (thread-safe).
func (c *Config) HeartbeatInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.heartbeatInterval
}

// SetHeartbeatInterval updates the heartbeat cadence at runtime (thread-safe).
func (c *Config) SetHeartbeatInterval(d time.Duration) {
	c.mu.Lock()
	c.heartbeatInterval = d
	c.mu.Unlock()
}

// StuckTimeout returns the age beyond which an unreachable SUCCESS deploy is
// considered dead (thread-safe).
func (c *Config) StuckTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stuckTimeout
}

// SetStuckTimeout updates the stuck timeout at runtime (thread-safe).
func (c *Config) SetStuckTimeout(d time.Duration) {
	c.mu.Lock()
	c.stuckTimeout = d
	c.mu.Unlock()
}

// OrphanGrace returns the configured orphan grace period (thread-safe).
// It is reported in Values only: the reconciler does not consult it and
// deletes a dead metadata-less service on the tick that observes it,
// whatever its age.
func (c *Config) OrphanGrace() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orphanGrace
}

// FailureThreshold returns the consecutive-creation-failure count that trips
// the circuit breaker (thread-safe).
func (c *Config) FailureThreshold() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failureThreshold
}

// CoolDown returns the circuit breaker's cool-down window (thread-safe).
func (c *Config) CoolDown() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.coolDown
}

// Values returns all configuration as a string map for display/diagnostics.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"POOL_PORT":                      c.Port,
		"POOL_ENVIRONMENT":               c.EnvironmentTag,
		"POOL_PREFIX":                    c.PoolPrefix,
		"POOL_DEPLOY_BRANCH":             c.DeployBranch,
		"POOL_DB_PATH":                   c.DBPath,
		"POOL_MIN_IDLE":                  strconv.Itoa(c.MinIdle()),
		"POOL_MAX_TOTAL":                 strconv.Itoa(c.MaxTotal()),
		"POOL_TICK_INTERVAL":             c.TickInterval().String(),
		"POOL_HEARTBEAT_ENABLED":         fmt.Sprintf("%t", c.HeartbeatEnabled),
		"POOL_HEARTBEAT_INTERVAL":        c.HeartbeatInterval().String(),
		"POOL_STUCK_TIMEOUT":             c.StuckTimeout().String(),
		"POOL_ORPHAN_GRACE":              c.OrphanGrace().String(),
		"POOL_CIRCUIT_FAILURE_THRESHOLD": strconv.Itoa(c.FailureThreshold()),
		"POOL_CIRCUIT_COOLDOWN":          c.CoolDown().String(),
		"POOL_METRICS":                   fmt.Sprintf("%t", c.MetricsEnabled),
		"POOL_MAINTENANCE_SCHEDULE":      c.MaintenanceSchedule,
		"POOL_MAINTENANCE_DIGEST_AGE":    c.MaintenanceDigestAge.String(),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
