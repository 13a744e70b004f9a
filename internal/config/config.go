package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/billm/baaaht/forknode/pkg/types"
)

// Config represents the complete configuration for the fork orchestrator
type Config struct {
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Channel ChannelConfig `json:"channel" yaml:"channel"`
	Fork    ForkConfig    `json:"fork" yaml:"fork"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// ChannelConfig contains the settings of one fork channel
type ChannelConfig struct {
	Transport       string        `json:"transport" yaml:"transport"` // tcp, pipe
	Codec           string        `json:"codec" yaml:"codec"`         // jsonl, lenprefix
	MaxFrameSize    int           `json:"max_frame_size" yaml:"max_frame_size"`
	AcceptTimeout   time.Duration `json:"accept_timeout" yaml:"accept_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ForkConfig describes how worker processes are launched
type ForkConfig struct {
	Count      int               `json:"count" yaml:"count"`
	WorkerPath string            `json:"worker_path" yaml:"worker_path"`
	WorkerArgs []string          `json:"worker_args,omitempty" yaml:"worker_args,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkDir    string            `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// applyDefaults fills zero-valued fields left out of a YAML file
func applyDefaults(cfg *Config) {
	logging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = logging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = logging.Output
	}

	channel := DefaultChannelConfig()
	if cfg.Channel.Transport == "" {
		cfg.Channel.Transport = channel.Transport
	}
	if cfg.Channel.Codec == "" {
		cfg.Channel.Codec = channel.Codec
	}
	if cfg.Channel.MaxFrameSize == 0 {
		cfg.Channel.MaxFrameSize = channel.MaxFrameSize
	}
	if cfg.Channel.AcceptTimeout == 0 {
		cfg.Channel.AcceptTimeout = channel.AcceptTimeout
	}
	if cfg.Channel.ShutdownTimeout == 0 {
		cfg.Channel.ShutdownTimeout = channel.ShutdownTimeout
	}

	fork := DefaultForkConfig()
	if cfg.Fork.Count == 0 {
		cfg.Fork.Count = fork.Count
	}
	if cfg.Fork.WorkerPath == "" {
		cfg.Fork.WorkerPath = fork.WorkerPath
	}

	metrics := DefaultMetricsConfig()
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = metrics.Port
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = metrics.Path
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvChannelTransport); v != "" {
		cfg.Channel.Transport = v
	}
	if v := os.Getenv(EnvChannelCodec); v != "" {
		cfg.Channel.Codec = v
	}
	if v := os.Getenv(EnvMaxFrameSize); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvMaxFrameSize, err)
		}
		cfg.Channel.MaxFrameSize = size
	}
	if v := os.Getenv(EnvAcceptTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvAcceptTimeout, err)
		}
		cfg.Channel.AcceptTimeout = d
	}
	if v := os.Getenv(EnvShutdownTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvShutdownTimeout, err)
		}
		cfg.Channel.ShutdownTimeout = d
	}

	if v := os.Getenv(EnvForkCount); v != "" {
		count, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvForkCount, err)
		}
		cfg.Fork.Count = count
	}
	if v := os.Getenv(EnvWorkerPath); v != "" {
		cfg.Fork.WorkerPath = v
	}

	if v := os.Getenv(EnvMetricsEnabled); v != "" {
		cfg.Metrics.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv(EnvMetricsPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}

	return nil
}

// Default returns a configuration populated with defaults only
func Default() *Config {
	return &Config{
		Logging: DefaultLoggingConfig(),
		Channel: DefaultChannelConfig(),
		Fork:    DefaultForkConfig(),
		Metrics: DefaultMetricsConfig(),
	}
}

// Load loads the configuration from the default config file (if present),
// then applies environment variable overrides and validates the result
func Load() (*Config, error) {
	var cfg *Config

	configPath, err := GetDefaultConfigPath()
	if err == nil {
		if _, err := os.Stat(configPath); err == nil {
			cfg, err = LoadFromFile(configPath)
			if err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to check config file: %w", err)
		}
	}

	if cfg == nil {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	if err := c.Channel.Validate(); err != nil {
		return err
	}

	if c.Fork.Count < 1 {
		return types.NewError(types.ErrCodeInvalidArgument, "fork count must be at least 1")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return types.NewError(types.ErrCodeInvalidArgument, "metrics port must be between 1 and 65535")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return types.NewError(types.ErrCodeInvalidArgument, "metrics path must start with /")
		}
	}

	return nil
}

// Validate checks the channel settings
func (c ChannelConfig) Validate() error {
	switch c.Transport {
	case TransportTCP, TransportPipe:
	default:
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid channel transport: %s (must be tcp or pipe)", c.Transport))
	}
	switch c.Codec {
	case CodecJSONLines, CodecLengthPrefixed:
	default:
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid channel codec: %s (must be jsonl or lenprefix)", c.Codec))
	}
	if c.MaxFrameSize < MinFrameSize {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("max frame size must be at least %d bytes", MinFrameSize))
	}
	if c.AcceptTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "accept timeout cannot be negative")
	}
	if c.ShutdownTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "shutdown timeout must be positive")
	}
	return nil
}

// MetricsAddress returns the metrics server address in host:port format
func (c *Config) MetricsAddress() string {
	return fmt.Sprintf(":%d", c.Metrics.Port)
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Logging: %s, Channel: %s, Fork: %s, Metrics: %s}",
		c.Logging.String(),
		c.Channel.String(),
		c.Fork.String(),
		c.Metrics.String(),
	)
}

// ApplyOverrides applies CLI flag-style overrides to the configuration.
// Called after defaults, YAML file and environment variables have been applied.
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}

	if opts.Transport != "" {
		c.Channel.Transport = opts.Transport
	}
	if opts.Codec != "" {
		c.Channel.Codec = opts.Codec
	}
	if opts.ShutdownTimeout != "" {
		if d, err := time.ParseDuration(opts.ShutdownTimeout); err == nil {
			c.Channel.ShutdownTimeout = d
		}
	}

	if opts.ForkCount > 0 {
		c.Fork.Count = opts.ForkCount
	}
	if opts.WorkerPath != "" {
		c.Fork.WorkerPath = opts.WorkerPath
	}

	if opts.MetricsPort > 0 {
		c.Metrics.Enabled = true
		c.Metrics.Port = opts.MetricsPort
	}
}

// OverrideOptions contains override options typically set via CLI flags
type OverrideOptions struct {
	LogLevel  string
	LogFormat string
	LogOutput string

	Transport       string
	Codec           string
	ShutdownTimeout string

	ForkCount  int
	WorkerPath string

	MetricsPort int
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}",
		c.Level, c.Format, c.Output)
}

func (c ChannelConfig) String() string {
	return fmt.Sprintf("ChannelConfig{Transport: %s, Codec: %s, MaxFrameSize: %d, AcceptTimeout: %s, ShutdownTimeout: %s}",
		c.Transport, c.Codec, c.MaxFrameSize, c.AcceptTimeout, c.ShutdownTimeout)
}

func (c ForkConfig) String() string {
	return fmt.Sprintf("ForkConfig{Count: %d, WorkerPath: %s, Args: %d}",
		c.Count, c.WorkerPath, len(c.WorkerArgs))
}

func (c MetricsConfig) String() string {
	return fmt.Sprintf("MetricsConfig{Enabled: %v, Port: %d, Path: %s}",
		c.Enabled, c.Port, c.Path)
}
