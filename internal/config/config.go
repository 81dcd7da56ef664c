// Package config provides YAML-based configuration loading for guidepost.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level guidepost configuration, loaded from guidepost.yaml.
type Config struct {
	Guide     GuideConfig     `yaml:"guide"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Session   SessionConfig   `yaml:"session"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Assistant AssistantConfig `yaml:"assistant"`
	Notify    NotifyConfig    `yaml:"notify"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// GuideConfig identifies the guide and its canned texts.
type GuideConfig struct {
	Slug           string `yaml:"slug"`
	WelcomeText    string `yaml:"welcome_text"`
	TransitionText string `yaml:"transition_text"`
	FarewellText   string `yaml:"farewell_text"`
}

// DatabaseConfig selects the conversation/identity store backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Database string `yaml:"database"`
	Path     string `yaml:"path"` // sqlite file
}

// RedisConfig enables the Redis-backed identity store when URL is set.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// NATSConfig enables cross-process change notifications when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// SessionConfig holds the conversation lifecycle timings and limits.
type SessionConfig struct {
	StaleCloseWindowSec    int    `yaml:"stale_close_window_sec"`
	ReentryCap             int    `yaml:"reentry_cap"`
	IdentityTTLDays        int    `yaml:"identity_ttl_days"`
	VerifyInitialBackoffMS int    `yaml:"verify_initial_backoff_ms"`
	VerifyMaxBackoffMS     int    `yaml:"verify_max_backoff_ms"`
	FarewellDwellSec       int    `yaml:"farewell_dwell_sec"`
	BannerDwellSec         int    `yaml:"banner_dwell_sec"`
	RecheckSchedule        string `yaml:"recheck_schedule"`
	UnloadCloseTimeoutMS   int    `yaml:"unload_close_timeout_ms"`
	PollIntervalMS         int    `yaml:"poll_interval_ms"`
}

// PlaybackConfig holds media coordination timings.
type PlaybackConfig struct {
	HandoffOffsetMS  int `yaml:"handoff_offset_ms"`
	ResizeDebounceMS int `yaml:"resize_debounce_ms"`
	UnmuteDelayMS    int `yaml:"unmute_delay_ms"`
	PlayAckTimeoutMS int `yaml:"play_ack_timeout_ms"`
}

// AssistantConfig configures the AI responder.
type AssistantConfig struct {
	Provider      string `yaml:"provider"` // "anthropic" or "none"
	Model         string `yaml:"model"`
	APIKeyEnv     string `yaml:"api_key_env"`
	HandoffMarker string `yaml:"handoff_marker"`
	MaxTokens     int    `yaml:"max_tokens"`
	SystemPrompt  string `yaml:"system_prompt"`
}

// NotifyConfig configures operator notifications.
type NotifyConfig struct {
	Slack   ChannelConfig `yaml:"slack"`
	Discord ChannelConfig `yaml:"discord"`
}

// ChannelConfig is a bot token plus the channel to post to.
type ChannelConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// Enabled reports whether both token and channel are set.
func (c ChannelConfig) Enabled() bool { return c.Token != "" && c.Channel != "" }

// DashboardConfig configures the HTTP server.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated configuration for the given guide with every
// default applied. Used by the in-memory serve mode and by tests.
func Default(slug string) *Config {
	cfg := &Config{Guide: GuideConfig{Slug: slug}}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Guide.WelcomeText == "" {
		c.Guide.WelcomeText = "Thanks! An operator will join this conversation shortly."
	}
	if c.Guide.TransitionText == "" {
		c.Guide.TransitionText = "You are now talking to a member of our team."
	}
	if c.Guide.FarewellText == "" {
		c.Guide.FarewellText = "This conversation has been closed. Thank you for visiting!"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Database == "" && c.Guide.Slug != "" {
			c.Database.Database = "guidepost_" + strings.ReplaceAll(c.Guide.Slug, "-", "_")
		}
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = "guidepost.db"
		}
	}

	if c.NATS.URL != "" && c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "guidepost"
	}

	s := &c.Session
	setDefault(&s.StaleCloseWindowSec, 30)
	setDefault(&s.ReentryCap, 4)
	setDefault(&s.IdentityTTLDays, 7)
	setDefault(&s.VerifyInitialBackoffMS, 2000)
	setDefault(&s.VerifyMaxBackoffMS, 30000)
	setDefault(&s.FarewellDwellSec, 10)
	setDefault(&s.BannerDwellSec, 3)
	setDefault(&s.UnloadCloseTimeoutMS, 800)
	setDefault(&s.PollIntervalMS, 1000)
	if s.RecheckSchedule == "" {
		s.RecheckSchedule = "@every 5m"
	}

	p := &c.Playback
	setDefault(&p.HandoffOffsetMS, 300)
	setDefault(&p.ResizeDebounceMS, 250)
	setDefault(&p.UnmuteDelayMS, 500)
	setDefault(&p.PlayAckTimeoutMS, 3000)

	a := &c.Assistant
	if a.Provider == "" {
		a.Provider = "anthropic"
	}
	if a.Model == "" {
		a.Model = "claude-sonnet-4-20250514"
	}
	if a.APIKeyEnv == "" {
		a.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if a.HandoffMarker == "" {
		a.HandoffMarker = "[[HANDOFF]]"
	}
	setDefault(&a.MaxTokens, 512)

	setDefault(&c.Dashboard.Port, 8080)
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Guide.Slug == "" {
		errs = append(errs, "guide.slug is required")
	}
	switch c.Database.Driver {
	case "mysql":
		if c.Database.Database == "" {
			errs = append(errs, "database.database is required for mysql")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql, sqlite)", c.Database.Driver))
	}
	switch c.Assistant.Provider {
	case "anthropic", "none":
	default:
		errs = append(errs, fmt.Sprintf("assistant.provider %q is not supported (anthropic, none)", c.Assistant.Provider))
	}
	if c.Session.ReentryCap < 0 {
		errs = append(errs, "session.reentry_cap must not be negative")
	}
	if c.Session.VerifyMaxBackoffMS < c.Session.VerifyInitialBackoffMS {
		errs = append(errs, "session.verify_max_backoff_ms must be >= verify_initial_backoff_ms")
	}
	if _, err := cron.ParseStandard(c.Session.RecheckSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("session.recheck_schedule %q: %v", c.Session.RecheckSchedule, err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// StaleCloseWindow returns the staleness guard window.
func (s SessionConfig) StaleCloseWindow() time.Duration {
	return time.Duration(s.StaleCloseWindowSec) * time.Second
}

// IdentityTTL returns how long identity keys persist.
func (s SessionConfig) IdentityTTL() time.Duration {
	return time.Duration(s.IdentityTTLDays) * 24 * time.Hour
}

// VerifyInitialBackoff returns the first verify-after-create delay.
func (s SessionConfig) VerifyInitialBackoff() time.Duration {
	return time.Duration(s.VerifyInitialBackoffMS) * time.Millisecond
}

// VerifyMaxBackoff returns the cap on verify-after-create delays.
func (s SessionConfig) VerifyMaxBackoff() time.Duration {
	return time.Duration(s.VerifyMaxBackoffMS) * time.Millisecond
}

// FarewellDwell returns how long the farewell message stays visible.
func (s SessionConfig) FarewellDwell() time.Duration {
	return time.Duration(s.FarewellDwellSec) * time.Second
}

// BannerDwell returns how long an operator close banner stays visible.
func (s SessionConfig) BannerDwell() time.Duration {
	return time.Duration(s.BannerDwellSec) * time.Second
}

// UnloadCloseTimeout bounds the close request sent while a tab unloads.
func (s SessionConfig) UnloadCloseTimeout() time.Duration {
	return time.Duration(s.UnloadCloseTimeoutMS) * time.Millisecond
}

// PollInterval returns the change-feed polling interval.
func (s SessionConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

// HandoffOffset returns how far Primary is rewound when it takes over from PiP.
func (p PlaybackConfig) HandoffOffset() time.Duration {
	return time.Duration(p.HandoffOffsetMS) * time.Millisecond
}

// ResizeDebounce returns the layout debounce.
func (p PlaybackConfig) ResizeDebounce() time.Duration {
	return time.Duration(p.ResizeDebounceMS) * time.Millisecond
}

// UnmuteDelay returns the delay before restoring sound after a muted fallback.
func (p PlaybackConfig) UnmuteDelay() time.Duration {
	return time.Duration(p.UnmuteDelayMS) * time.Millisecond
}

// PlayAckTimeout bounds how long a remote play command waits for its ack.
func (p PlaybackConfig) PlayAckTimeout() time.Duration {
	return time.Duration(p.PlayAckTimeoutMS) * time.Millisecond
}
