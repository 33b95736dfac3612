package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/john/chatkeep/internal/message"
)

// Config holds the application configuration
type Config struct {
	DataDir      string           `yaml:"data_dir"`
	PrefsPath    string           `yaml:"prefs_path"` // logging flags and blacklist; default <data_dir>/prefs.yaml
	Log          LogConfig        `yaml:"log"`
	Twitch       TwitchConfig     `yaml:"twitch"`
	Kick         KickConfig       `yaml:"kick"`
	Supervisor   SupervisorConfig `yaml:"supervisor"`
	Channels     []ChannelConfig  `yaml:"channels"`      // followed on startup in addition to stores on disk
	Blacklist    []string         `yaml:"blacklist"`     // senders whose messages are dropped
	MentionNames []string         `yaml:"mention_names"` // names that raise mention events
	Status       StatusConfig     `yaml:"status"`
	Archive      ArchiveConfig    `yaml:"archive"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

// TwitchConfig holds Twitch-specific configuration
type TwitchConfig struct {
	Address        string        `yaml:"address"`
	TLS            *bool         `yaml:"tls"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// Channel existence probing: Helix when client_id and app_token are set, passport otherwise
	ClientID    string `yaml:"client_id"`
	AppToken    string `yaml:"app_token"`
	HelixURL    string `yaml:"helix_url"`
	PassportURL string `yaml:"passport_url"`
	SkipProbe   bool   `yaml:"skip_probe"`
}

// KickConfig holds Kick-specific configuration
type KickConfig struct {
	APIURL         string              `yaml:"api_url"`
	SocketURL      string              `yaml:"socket_url"`
	ConnectTimeout time.Duration       `yaml:"connect_timeout"`
	JitterMin      time.Duration       `yaml:"jitter_min"`
	JitterMax      time.Duration       `yaml:"jitter_max"`
	Channels       []KickChannelConfig `yaml:"channels"`
}

// KickChannelConfig pins a chatroom id for a slug so it never needs resolving
type KickChannelConfig struct {
	Slug       string `yaml:"slug"`
	ChatroomID int    `yaml:"chatroom_id"`
}

// SupervisorConfig holds channel lifecycle tuning
type SupervisorConfig struct {
	StatsEvery      int           `yaml:"stats_every"`
	StatsInterval   time.Duration `yaml:"stats_interval"`
	RetryInitial    time.Duration `yaml:"retry_initial"`
	RetryMax        time.Duration `yaml:"retry_max"`
	EventBuffer     int           `yaml:"event_buffer"`
	DeleteAttempts  int           `yaml:"delete_attempts"`
	DeleteBackoff   time.Duration `yaml:"delete_backoff"`
	RestoreWorkers  int           `yaml:"restore_workers"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ChannelConfig is one channel to follow on startup
type ChannelConfig struct {
	Name     string `yaml:"name"`
	Platform string `yaml:"platform"` // twitch (default) or kick
	Logging  *bool  `yaml:"logging"`  // default true
}

// StatusConfig holds the status HTTP server configuration
type StatusConfig struct {
	Enabled *bool  `yaml:"enabled"` // default true
	Addr    string `yaml:"addr"`
}

// ArchiveConfig holds archive-before-delete configuration
type ArchiveConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Dir       string   `yaml:"dir"`        // export directory; default <data_dir>/archive
	KeepLocal bool     `yaml:"keep_local"` // keep exports after a successful upload
	S3        S3Config `yaml:"s3"`
}

// S3Config holds S3 upload configuration
type S3Config struct {
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Prefix          string        `yaml:"prefix"`
	RoleARN         string        `yaml:"role_arn"`          // IAM role ARN for OIDC authentication
	TokenSocket     string        `yaml:"token_socket"`      // unix socket serving OIDC tokens
	AccessKeyID     string        `yaml:"access_key_id"`     // Legacy: static credentials
	SecretAccessKey string        `yaml:"secret_access_key"` // Legacy: static credentials
	Endpoint        string        `yaml:"endpoint"`          // For S3-compatible services
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
}

// Load reads an optional .env file, then the YAML file at path, then applies environment
// overrides and defaults and validates the result. A missing config file is allowed.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	overrides := []struct {
		env string
		dst *string
	}{
		{"DATA_DIR", &c.DataDir},
		{"LOG_LEVEL", &c.Log.Level},
		{"LOG_FORMAT", &c.Log.Format},
		{"TWITCH_CLIENT_ID", &c.Twitch.ClientID},
		{"TWITCH_APP_TOKEN", &c.Twitch.AppToken},
		{"STATUS_ADDR", &c.Status.Addr},
		{"AWS_ROLE_ARN", &c.Archive.S3.RoleARN},
		{"S3_ACCESS_KEY_ID", &c.Archive.S3.AccessKeyID},
		{"S3_SECRET_ACCESS_KEY", &c.Archive.S3.SecretAccessKey},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.PrefsPath == "" {
		c.PrefsPath = filepath.Join(c.DataDir, "prefs.yaml")
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Twitch.TLS == nil {
		tls := c.Twitch.Address == ""
		c.Twitch.TLS = &tls
	}
	if c.Twitch.ConnectTimeout == 0 {
		c.Twitch.ConnectTimeout = 15 * time.Second
	}

	if c.Kick.ConnectTimeout == 0 {
		c.Kick.ConnectTimeout = 20 * time.Second
	}
	if c.Kick.JitterMin == 0 && c.Kick.JitterMax == 0 {
		c.Kick.JitterMin = time.Second
		c.Kick.JitterMax = 2500 * time.Millisecond
	}

	s := &c.Supervisor
	if s.StatsEvery == 0 {
		s.StatsEvery = 100
	}
	if s.StatsInterval == 0 {
		s.StatsInterval = 30 * time.Second
	}
	if s.RetryInitial == 0 {
		s.RetryInitial = 5 * time.Second
	}
	if s.RetryMax == 0 {
		s.RetryMax = 5 * time.Minute
	}
	if s.EventBuffer == 0 {
		s.EventBuffer = 256
	}
	if s.DeleteAttempts == 0 {
		s.DeleteAttempts = 5
	}
	if s.DeleteBackoff == 0 {
		s.DeleteBackoff = 100 * time.Millisecond
	}
	if s.RestoreWorkers == 0 {
		s.RestoreWorkers = 4
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}

	if c.Status.Enabled == nil {
		enabled := true
		c.Status.Enabled = &enabled
	}
	if c.Status.Addr == "" {
		c.Status.Addr = ":8080"
	}

	if c.Archive.Dir == "" {
		c.Archive.Dir = filepath.Join(c.DataDir, "archive")
	}
	if c.Archive.S3.MaxRetries == 0 {
		c.Archive.S3.MaxRetries = 3
	}
	if c.Archive.S3.RetryBackoff == 0 {
		c.Archive.S3.RetryBackoff = time.Second
	}
	if c.Archive.S3.TokenSocket == "" {
		c.Archive.S3.TokenSocket = "/.fly/api"
	}
}

// Validate checks the configuration for values the application cannot run with
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}

	if c.Kick.JitterMax < c.Kick.JitterMin {
		return fmt.Errorf("kick.jitter_max (%s) is below kick.jitter_min (%s)", c.Kick.JitterMax, c.Kick.JitterMin)
	}
	for i, kc := range c.Kick.Channels {
		if kc.Slug == "" || kc.ChatroomID <= 0 {
			return fmt.Errorf("kick.channels[%d] needs a slug and a positive chatroom_id", i)
		}
	}

	if c.Supervisor.RetryMax < c.Supervisor.RetryInitial {
		return fmt.Errorf("supervisor.retry_max (%s) is below supervisor.retry_initial (%s)", c.Supervisor.RetryMax, c.Supervisor.RetryInitial)
	}
	if c.Supervisor.StatsEvery < 0 || c.Supervisor.EventBuffer < 0 || c.Supervisor.RestoreWorkers < 0 {
		return fmt.Errorf("supervisor counts must not be negative")
	}

	for i, ch := range c.Channels {
		key, err := ch.Key()
		if err != nil {
			return fmt.Errorf("channels[%d]: %w", i, err)
		}
		if err := key.Validate(); err != nil {
			return fmt.Errorf("channels[%d]: %w", i, err)
		}
	}

	if c.Archive.Enabled && c.Archive.S3.Bucket != "" {
		s3 := c.Archive.S3
		if s3.Region == "" {
			return fmt.Errorf("archive.s3.region is required")
		}
		// If using static credentials, both key and secret are required
		if s3.RoleARN == "" && s3.AccessKeyID != "" && s3.SecretAccessKey == "" {
			return fmt.Errorf("archive.s3.secret_access_key is required when using access_key_id")
		}
	}
	return nil
}

// Key returns the channel's normalized key
func (c ChannelConfig) Key() (message.ChannelKey, error) {
	platform := message.DefaultPlatform
	if strings.TrimSpace(c.Platform) != "" {
		p, err := message.ParsePlatform(c.Platform)
		if err != nil {
			return message.ChannelKey{}, err
		}
		platform = p
	}
	return message.NewKey(c.Name, platform), nil
}

// LoggingEnabled reports the configured logging flag, defaulting to true
func (c ChannelConfig) LoggingEnabled() bool {
	return c.Logging == nil || *c.Logging
}

// StartupChannels returns every channel to follow on startup: the channels list plus
// the pinned Kick chatrooms
func (c *Config) StartupChannels() []message.ChannelKey {
	var keys []message.ChannelKey
	for _, ch := range c.Channels {
		if key, err := ch.Key(); err == nil {
			keys = append(keys, key)
		}
	}
	for _, kc := range c.Kick.Channels {
		keys = append(keys, message.NewKey(kc.Slug, message.PlatformKick))
	}
	return keys
}

// KickChatrooms returns the pinned chatroom ids keyed by normalized slug
func (c *Config) KickChatrooms() map[string]int {
	rooms := make(map[string]int, len(c.Kick.Channels))
	for _, kc := range c.Kick.Channels {
		rooms[message.NormalizeChannel(kc.Slug)] = kc.ChatroomID
	}
	return rooms
}

// StatusEnabled reports whether the status server should run
func (c *Config) StatusEnabled() bool {
	return c.Status.Enabled == nil || *c.Status.Enabled
}
