// Package config loads the runtime's own settings (plugins root, reliability
// layer tuning, signature policy), grounded on the pack's viper + env
// override idiom. This is distinct from a plugin's own config_schema, which
// lives in the manifest and is validated by the lifecycle manager.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Reliability holds the reliability layer's tunables.
type Reliability struct {
	CacheCapacityBytes    int64         `mapstructure:"cache_capacity_bytes"`
	SchedulerWorkers      int           `mapstructure:"scheduler_workers"`
	SchedulerCapacity     int           `mapstructure:"scheduler_capacity"`
	RateLimitGlobal       RateLimit     `mapstructure:"rate_limit_global"`
	RateLimitPerPlugin    RateLimit     `mapstructure:"rate_limit_per_plugin"`
	RetryBase             time.Duration `mapstructure:"retry_base"`
	RetryMax              time.Duration `mapstructure:"retry_max"`
	RetryJitter           float64       `mapstructure:"retry_jitter"`
	RetryAttempts         int           `mapstructure:"retry_attempts"`
}

// RateLimit mirrors reliability.BucketConfig in config-file shape.
type RateLimit struct {
	Capacity        float64 `mapstructure:"capacity"`
	RefillPerSecond float64 `mapstructure:"refill_per_second"`
}

// Sandbox holds per-invocation resource limits.
type Sandbox struct {
	MemoryBytes uint64        `mapstructure:"memory_bytes"`
	StackBytes  int           `mapstructure:"stack_bytes"`
	WallClock   time.Duration `mapstructure:"wall_clock"`
}

// Signing holds manifest signature verification policy.
type Signing struct {
	RequireForInstall bool `mapstructure:"require_for_install"`
}

// Config is the runtime's own settings, loaded from settings.yaml plus env
// overrides (§6's persisted state layout names settings.json for the
// front-end's own settings store; this is the core's separate runtime
// config, deliberately not sharing that file).
type Config struct {
	PluginsRoot string      `mapstructure:"plugins_root"`
	LogLevel    string      `mapstructure:"log_level"`
	Reliability Reliability `mapstructure:"reliability"`
	Sandbox     Sandbox     `mapstructure:"sandbox"`
	Signing     Signing     `mapstructure:"signing"`
}

func defaultConfig() *Config {
	return &Config{
		PluginsRoot: "./plugins",
		LogLevel:    "info",
		Reliability: Reliability{
			CacheCapacityBytes: 100 * 1024 * 1024,
			SchedulerWorkers:   0, // 0 = min(cores, 8) at construction time
			SchedulerCapacity:  1000,
			RateLimitGlobal:    RateLimit{Capacity: 10, RefillPerSecond: 5},
			RateLimitPerPlugin: RateLimit{Capacity: 10, RefillPerSecond: 5},
			RetryBase:          500 * time.Millisecond,
			RetryMax:           30 * time.Second,
			RetryJitter:        0.3,
			RetryAttempts:      3,
		},
		Sandbox: Sandbox{
			MemoryBytes: 16 * 1024 * 1024,
			StackBytes:  512 * 1024,
			WallClock:   30 * time.Second,
		},
		Signing: Signing{RequireForInstall: false},
	}
}

// Load reads settings.yaml at path (if present) layered under documented
// defaults, with TOKENWATCH_-prefixed environment overrides (e.g.
// TOKENWATCH_PLUGINS_ROOT, TOKENWATCH_RELIABILITY_SCHEDULER_WORKERS).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TOKENWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("plugins_root", def.PluginsRoot)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("reliability.cache_capacity_bytes", def.Reliability.CacheCapacityBytes)
	v.SetDefault("reliability.scheduler_workers", def.Reliability.SchedulerWorkers)
	v.SetDefault("reliability.scheduler_capacity", def.Reliability.SchedulerCapacity)
	v.SetDefault("reliability.rate_limit_global.capacity", def.Reliability.RateLimitGlobal.Capacity)
	v.SetDefault("reliability.rate_limit_global.refill_per_second", def.Reliability.RateLimitGlobal.RefillPerSecond)
	v.SetDefault("reliability.rate_limit_per_plugin.capacity", def.Reliability.RateLimitPerPlugin.Capacity)
	v.SetDefault("reliability.rate_limit_per_plugin.refill_per_second", def.Reliability.RateLimitPerPlugin.RefillPerSecond)
	v.SetDefault("reliability.retry_base", def.Reliability.RetryBase)
	v.SetDefault("reliability.retry_max", def.Reliability.RetryMax)
	v.SetDefault("reliability.retry_jitter", def.Reliability.RetryJitter)
	v.SetDefault("reliability.retry_attempts", def.Reliability.RetryAttempts)
	v.SetDefault("sandbox.memory_bytes", def.Sandbox.MemoryBytes)
	v.SetDefault("sandbox.stack_bytes", def.Sandbox.StackBytes)
	v.SetDefault("sandbox.wall_clock", def.Sandbox.WallClock)
	v.SetDefault("signing.require_for_install", def.Signing.RequireForInstall)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field invariants the manifest schema itself can't
// express, falling back to documented defaults being the only way to avoid
// booting with an invalid configuration.
func Validate(cfg *Config) error {
	if cfg.PluginsRoot == "" {
		return fmt.Errorf("config: plugins_root must not be empty")
	}
	if cfg.Reliability.SchedulerWorkers < 0 {
		return fmt.Errorf("config: reliability.scheduler_workers must be >= 0")
	}
	if cfg.Reliability.SchedulerCapacity < 1 {
		return fmt.Errorf("config: reliability.scheduler_capacity must be >= 1")
	}
	if cfg.Reliability.RetryJitter < 0 || cfg.Reliability.RetryJitter > 1 {
		return fmt.Errorf("config: reliability.retry_jitter must be in [0,1]")
	}
	if cfg.Sandbox.WallClock <= 0 || cfg.Sandbox.WallClock > 30*time.Second {
		return fmt.Errorf("config: sandbox.wall_clock must be in (0, 30s]")
	}
	return nil
}
