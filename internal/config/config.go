// Package config loads the orchestrator's configuration via viper, with
// defaults for every value spec.md pins a number to.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig configures the inbound HTTP webhook API (§4.Q).
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// MaxBodyBytes bounds how much of an inbound webhook body the server
	// will buffer before rejecting the request with 413.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
	// IdempotencyTTLSeconds is how long a delivery's idempotency key is
	// remembered; a replay within this window is acknowledged without
	// being re-dispatched to the orchestrator.
	IdempotencyTTLSeconds int `mapstructure:"idempotency_ttl_seconds"`
}

// GatewayConfig configures the outbound session gateway RPC client (§4.H).
type GatewayConfig struct {
	URL               string `mapstructure:"url"`
	Token             string `mapstructure:"token"`
	RunTimeoutSeconds int    `mapstructure:"run_timeout_seconds"`
}

// DataConfig configures the on-disk state layout (§6).
type DataConfig struct {
	Root         string `mapstructure:"root"`
	ProjectsRoot string `mapstructure:"projects_root"`
	WorktreeRoot string `mapstructure:"worktree_root"`
}

// DispatchConfig configures the Worker Dispatcher (§4.I).
type DispatchConfig struct {
	SpawnDelayMs        int      `mapstructure:"spawn_delay_ms"`
	ReviewChain         []string `mapstructure:"review_chain"`
	WebDesignKeywords   []string `mapstructure:"web_design_keywords"`
}

// RetryConfig configures the Retry Controller (§4.E).
type RetryConfig struct {
	MaxAttempts       int `mapstructure:"max_attempts"`
	BaseDelayMs       int `mapstructure:"base_delay_ms"`
	MaxDelayMs        int `mapstructure:"max_delay_ms"`
	BackoffMultiplier int `mapstructure:"backoff_multiplier"`
}

// ReviewConfig configures the Phase Merger + Review Chain (§4.K).
type ReviewConfig struct {
	MaxFixAttempts int `mapstructure:"max_fix_attempts"`
}

// WatcherConfig configures the Phase Advancer / Watcher (§4.L).
type WatcherConfig struct {
	TickInterval         time.Duration `mapstructure:"tick_interval"`
	BuildCooldown        time.Duration `mapstructure:"build_cooldown"`
	SpecCooldown         time.Duration `mapstructure:"spec_cooldown"`
	WatchdogInterval     time.Duration `mapstructure:"watchdog_interval"`
	WatchdogInactivity   time.Duration `mapstructure:"watchdog_inactivity"`
	WatchdogMaxRetries   int           `mapstructure:"watchdog_max_retries"`
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// NotifyConfig configures the optional GitHub issue notifier for
// high-severity escalations. Disabled unless Enabled is set, since most
// deployments have no GitHub repo to file against.
type NotifyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	Owner   string `mapstructure:"owner"`
	Repo    string `mapstructure:"repo"`
}

// Config is the root configuration object.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Data     DataConfig     `mapstructure:"data"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Review   ReviewConfig   `mapstructure:"review"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

// Default returns a fully populated Config using spec.md's defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080, MaxBodyBytes: 1 << 20, IdempotencyTTLSeconds: 86400},
		Gateway: GatewayConfig{
			URL:               "http://localhost:9000",
			RunTimeoutSeconds: 600,
		},
		Data: DataConfig{
			Root:         "./data",
			ProjectsRoot: "./projects",
			WorktreeRoot: "/tmp/swarmops-worktrees",
		},
		Dispatch: DispatchConfig{
			SpawnDelayMs: 3000,
			ReviewChain:  []string{"reviewer", "security-reviewer", "designer"},
			WebDesignKeywords: []string{"*ui*", "*frontend*", "*design*", "*css*", "*layout*"},
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BaseDelayMs:       5000,
			MaxDelayMs:        60000,
			BackoffMultiplier: 2,
		},
		Review: ReviewConfig{MaxFixAttempts: 3},
		Watcher: WatcherConfig{
			TickInterval:       30 * time.Second,
			BuildCooldown:      30 * time.Second,
			SpecCooldown:       5 * time.Minute,
			WatchdogInterval:   2 * time.Minute,
			WatchdogInactivity: 10 * time.Minute,
			WatchdogMaxRetries: 3,
		},
		Logging: LoggingConfig{Level: "INFO"},
		Notify:  NotifyConfig{Enabled: false},
	}
}

// SetDefaults registers every field of Default() with v, so that unset
// values in a config file or environment still resolve sensibly.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)
	v.SetDefault("server.idempotency_ttl_seconds", d.Server.IdempotencyTTLSeconds)
	v.SetDefault("gateway.url", d.Gateway.URL)
	v.SetDefault("gateway.token", d.Gateway.Token)
	v.SetDefault("gateway.run_timeout_seconds", d.Gateway.RunTimeoutSeconds)
	v.SetDefault("data.root", d.Data.Root)
	v.SetDefault("data.projects_root", d.Data.ProjectsRoot)
	v.SetDefault("data.worktree_root", d.Data.WorktreeRoot)
	v.SetDefault("dispatch.spawn_delay_ms", d.Dispatch.SpawnDelayMs)
	v.SetDefault("dispatch.review_chain", d.Dispatch.ReviewChain)
	v.SetDefault("dispatch.web_design_keywords", d.Dispatch.WebDesignKeywords)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay_ms", d.Retry.BaseDelayMs)
	v.SetDefault("retry.max_delay_ms", d.Retry.MaxDelayMs)
	v.SetDefault("retry.backoff_multiplier", d.Retry.BackoffMultiplier)
	v.SetDefault("review.max_fix_attempts", d.Review.MaxFixAttempts)
	v.SetDefault("watcher.tick_interval", d.Watcher.TickInterval)
	v.SetDefault("watcher.build_cooldown", d.Watcher.BuildCooldown)
	v.SetDefault("watcher.spec_cooldown", d.Watcher.SpecCooldown)
	v.SetDefault("watcher.watchdog_interval", d.Watcher.WatchdogInterval)
	v.SetDefault("watcher.watchdog_inactivity", d.Watcher.WatchdogInactivity)
	v.SetDefault("watcher.watchdog_max_retries", d.Watcher.WatchdogMaxRetries)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("notify.enabled", d.Notify.Enabled)
	v.SetDefault("notify.token", d.Notify.Token)
	v.SetDefault("notify.owner", d.Notify.Owner)
	v.SetDefault("notify.repo", d.Notify.Repo)
}

// Load reads configuration from path (if non-empty) merged over
// environment variables prefixed SWARMOPS_, merged over Default().
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("swarmops")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that Default() always satisfies but an
// overriding config file might violate.
func (c *Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1")
	}
	if c.Review.MaxFixAttempts < 0 {
		return fmt.Errorf("review.max_fix_attempts must be >= 0")
	}
	if len(c.Dispatch.ReviewChain) == 0 {
		return fmt.Errorf("dispatch.review_chain must be non-empty")
	}
	return nil
}

// ResolveDataPath expands a leading "~" and resolves relative paths
// against the current working directory.
func ResolveDataPath(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	if !filepath.IsAbs(p) {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		p = abs
	}
	return p, nil
}
