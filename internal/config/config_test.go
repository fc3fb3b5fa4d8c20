package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"POOL_PORT", "POOL_BEARER_TOKEN", "POOL_MIN_IDLE", "POOL_MAX_TOTAL",
		"POOL_TICK_INTERVAL", "POOL_DB_PATH", "POOL_LOG_JSON", "POOL_ENVIRONMENT",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.PoolPrefix != "convos-agent-" {
		t.Errorf("PoolPrefix = %q, want convos-agent-", cfg.PoolPrefix)
	}
	if cfg.DeployBranch != "main" {
		t.Errorf("DeployBranch = %q, want main", cfg.DeployBranch)
	}
	if cfg.DBPath != "/data/pool.db" {
		t.Errorf("DBPath = %q, want /data/pool.db", cfg.DBPath)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
	if cfg.MinIdle() != 1 {
		t.Errorf("MinIdle = %d, want 1", cfg.MinIdle())
	}
	if cfg.MaxTotal() != 10 {
		t.Errorf("MaxTotal = %d, want 10", cfg.MaxTotal())
	}
	if cfg.TickInterval() != 30*time.Second {
		t.Errorf("TickInterval = %s, want 30s", cfg.TickInterval())
	}
	if cfg.HeartbeatEnabled {
		t.Error("HeartbeatEnabled = true, want false")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("POOL_MIN_IDLE", "2")
	t.Setenv("POOL_MAX_TOTAL", "20")
	t.Setenv("POOL_TICK_INTERVAL", "1m")
	t.Setenv("POOL_LOG_JSON", "false")
	t.Setenv("POOL_HEARTBEAT_ENABLED", "true")

	cfg := Load()
	if cfg.MinIdle() != 2 {
		t.Errorf("MinIdle = %d, want 2", cfg.MinIdle())
	}
	if cfg.MaxTotal() != 20 {
		t.Errorf("MaxTotal = %d, want 20", cfg.MaxTotal())
	}
	if cfg.TickInterval() != time.Minute {
		t.Errorf("TickInterval = %s, want 1m", cfg.TickInterval())
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
	if !cfg.HeartbeatEnabled {
		t.Error("HeartbeatEnabled = false, want true")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := NewTestConfig()
		return c
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(_ *Config) {}, false},
		{"missing bearer token", func(c *Config) { c.BearerToken = "" }, true},
		{"zero max total", func(c *Config) { c.SetMaxTotal(0) }, true},
		{"min idle exceeds max total", func(c *Config) { c.SetMinIdle(100) }, true},
		{"zero tick interval", func(c *Config) { c.SetTickInterval(0) }, true},
		{"zero stuck timeout", func(c *Config) { c.SetStuckTimeout(0) }, true},
		{"heartbeat enabled with zero interval", func(c *Config) {
			c.HeartbeatEnabled = true
			c.SetHeartbeatInterval(0)
		}, true},
		{"oauth url without credentials", func(c *Config) { c.ProviderOAuthURL = "https://example.test/token" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvStr(t *testing.T) {
	const key = "POOL_TEST_ENV_STR"
	t.Setenv(key, "custom")

	if got := envStr(key, "default"); got != "custom" {
		t.Errorf("got %q, want %q", got, "custom")
	}
	if got := envStr("POOL_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}

func TestEnvInt(t *testing.T) {
	const key = "POOL_TEST_ENV_INT"

	t.Setenv(key, "42")
	if got := envInt(key, 0); got != 42 {
		t.Errorf("got %d, want 42", got)
	}

	t.Setenv(key, "notanumber")
	if got := envInt(key, 99); got != 99 {
		t.Errorf("got %d, want 99 (default on parse failure)", got)
	}
}

func TestEnvBool(t *testing.T) {
	const key = "POOL_TEST_ENV_BOOL"

	t.Setenv(key, "true")
	if got := envBool(key, false); !got {
		t.Errorf("got false, want true")
	}

	t.Setenv(key, "invalid")
	if got := envBool(key, true); !got {
		t.Errorf("got false, want true (default on parse failure)")
	}
}

func TestEnvDuration(t *testing.T) {
	const key = "POOL_TEST_ENV_DUR"

	t.Setenv(key, "5m")
	if got := envDuration(key, time.Hour); got != 5*time.Minute {
		t.Errorf("got %s, want 5m", got)
	}

	t.Setenv(key, "notaduration")
	if got := envDuration(key, time.Hour); got != time.Hour {
		t.Errorf("got %s, want 1h (default on parse failure)", got)
	}
}
