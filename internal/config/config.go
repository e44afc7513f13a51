// Package config provides configuration for agentbridge.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable override,
// e.g. AGENTBRIDGE_SERVER_PORT.
const EnvPrefix = "AGENTBRIDGE"

// ModeMock selects the built-in mock agent instead of the external binary.
const ModeMock = "MOCK"

// Config holds the agentbridge configuration.
type Config struct {
	Mode       string     `mapstructure:"mode"`
	Server     Server     `mapstructure:"server"`
	Agent      Agent      `mapstructure:"agent"`
	Invocation Invocation `mapstructure:"invocation"`
	Session    Session    `mapstructure:"session"`
	Journal    Journal    `mapstructure:"journal"`
	Policy     Policy     `mapstructure:"policy"`
	Log        Log        `mapstructure:"log"`
	Telemetry  Telemetry  `mapstructure:"telemetry"`
}

// Server settings.
type Server struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Agent describes the external agent binary.
type Agent struct {
	Binary     string   `mapstructure:"binary"`
	WorkingDir string   `mapstructure:"working_dir"`
	Models     []string `mapstructure:"models"`
}

// Invocation tunes how the agent process is executed.
type Invocation struct {
	// FileInputThreshold is the largest prompt, in bytes, passed inline.
	FileInputThreshold int `mapstructure:"file_input_threshold"`
	// MaxInlineBytes bounds the inline fallback when a temp file cannot be written.
	MaxInlineBytes int           `mapstructure:"max_inline_bytes"`
	Timeout        time.Duration `mapstructure:"timeout"`
	TempDir        string        `mapstructure:"temp_dir"`
	// StreamFormat is "stream-json" or "text".
	StreamFormat string `mapstructure:"stream_format"`
}

// Session store settings.
type Session struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Journal settings.
type Journal struct {
	DSN string `mapstructure:"dsn"`
}

// Policy settings.
type Policy struct {
	File string `mapstructure:"file"`
}

// Log settings.
type Log struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Telemetry settings.
type Telemetry struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("mode", "")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.working_dir", "")
	v.SetDefault("agent.models", []string{
		"claude-sonnet-4-20250514",
		"claude-opus-4-20250514",
		"claude-3-7-sonnet-20250219",
		"claude-3-5-haiku-20241022",
	})
	v.SetDefault("invocation.file_input_threshold", 50*1024)
	v.SetDefault("invocation.max_inline_bytes", 128*1024)
	v.SetDefault("invocation.timeout", 10*time.Minute)
	v.SetDefault("invocation.temp_dir", "")
	v.SetDefault("invocation.stream_format", "stream-json")
	v.SetDefault("session.ttl", time.Hour)
	v.SetDefault("session.sweep_interval", 5*time.Minute)
	v.SetDefault("journal.dsn", "file:agentbridge?mode=memory&cache=shared")
	v.SetDefault("policy.file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.dir", "logs")
}

// Load reads defaults, the optional config file and the environment into a Config.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			logrus.WithField("file", e.Name).Warn("config file changed; restart to apply")
		})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints and clamps the sweep interval.
func (c *Config) Validate() error {
	if c.Invocation.FileInputThreshold <= 0 {
		return fmt.Errorf("invocation.file_input_threshold must be positive")
	}
	if c.Invocation.Timeout <= 0 {
		return fmt.Errorf("invocation.timeout must be positive")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	switch c.Invocation.StreamFormat {
	case "stream-json", "text":
	default:
		return fmt.Errorf("invocation.stream_format must be stream-json or text, got %q", c.Invocation.StreamFormat)
	}
	if c.Session.SweepInterval <= 0 || c.Session.SweepInterval > c.Session.TTL {
		c.Session.SweepInterval = c.Session.TTL
	}
	return nil
}

// IsMock reports whether the mock agent is selected.
func (c *Config) IsMock() bool {
	return strings.EqualFold(c.Mode, ModeMock)
}
