// Package config loads and validates onboarding service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/mailbox-onboarding/internal/onboarding"
	"github.com/JakeFAU/mailbox-onboarding/internal/store"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	DB         DBConfig         `mapstructure:"db"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Onboarding OnboardingConfig `mapstructure:"onboarding"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the mailbox database. An empty DSN selects the
// in-memory store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	PubSub         PubSubConfig  `mapstructure:"pubsub"`
}

// PubSubConfig optionally forwards progress events to a Pub/Sub topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Enabled reports whether a topic has been configured.
func (p PubSubConfig) Enabled() bool {
	return p.TopicID != ""
}

// RateLimitConfig throttles session creation per user. A zero rate disables it.
type RateLimitConfig struct {
	PerUserRPS float64 `mapstructure:"per_user_rps"`
	Burst      int     `mapstructure:"burst"`
}

// OnboardingConfig describes the step plan and its pacing.
type OnboardingConfig struct {
	TickInterval   time.Duration         `mapstructure:"tick_interval"`
	MinInterval    time.Duration         `mapstructure:"min_interval"`
	MaxInterval    time.Duration         `mapstructure:"max_interval"`
	Seed           uint64                `mapstructure:"seed"`
	MaxSessions    int                   `mapstructure:"max_sessions"`
	RetainFinished time.Duration         `mapstructure:"retain_finished"`
	Steps          []onboarding.PlanStep `mapstructure:"steps"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ONBOARDING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "250ms")
	v.SetDefault("progress.pubsub.project_id", "")
	v.SetDefault("progress.pubsub.topic_id", "")
	v.SetDefault("ratelimit.per_user_rps", 0.2)
	v.SetDefault("ratelimit.burst", 3)
	v.SetDefault("onboarding.tick_interval", "100ms")
	v.SetDefault("onboarding.min_interval", "250ms")
	v.SetDefault("onboarding.max_interval", "2250ms")
	v.SetDefault("onboarding.seed", 0)
	v.SetDefault("onboarding.max_sessions", 1000)
	v.SetDefault("onboarding.retain_finished", "5m")

	plan := onboarding.DefaultPlan()
	steps := make([]map[string]any, len(plan))
	for i, p := range plan {
		steps[i] = map[string]any{"description": p.Description, "kind": string(p.Kind)}
	}
	v.SetDefault("onboarding.steps", steps)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.DB.MinConns < 0 || c.DB.MaxConns < 0 || (c.DB.MaxConns > 0 && c.DB.MinConns > c.DB.MaxConns) {
		return fmt.Errorf("db.min_conns must be between 0 and db.max_conns")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Progress.PubSub.Enabled() && c.Progress.PubSub.ProjectID == "" {
		return fmt.Errorf("progress.pubsub.project_id must be set when a topic is configured")
	}
	if c.RateLimit.PerUserRPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("ratelimit.per_user_rps and ratelimit.burst must be >= 0")
	}
	o := c.Onboarding
	if o.TickInterval <= 0 {
		return fmt.Errorf("onboarding.tick_interval must be > 0")
	}
	if o.MinInterval <= 0 {
		return fmt.Errorf("onboarding.min_interval must be > 0")
	}
	if o.MaxInterval <= o.MinInterval {
		return fmt.Errorf("onboarding.max_interval must exceed onboarding.min_interval")
	}
	if o.MaxSessions < 0 {
		return fmt.Errorf("onboarding.max_sessions must be >= 0")
	}
	if len(o.Steps) == 0 {
		return fmt.Errorf("onboarding.steps must not be empty")
	}
	for i, step := range o.Steps {
		if strings.TrimSpace(step.Description) == "" {
			return fmt.Errorf("onboarding.steps[%d].description is required", i)
		}
		if _, err := store.ParseStepKind(string(step.Kind)); err != nil {
			return fmt.Errorf("onboarding.steps[%d]: %w", i, err)
		}
	}
	return nil
}

// UsesMemoryStore reports whether no database is configured.
func (c Config) UsesMemoryStore() bool {
	return c.DB.DSN == ""
}
