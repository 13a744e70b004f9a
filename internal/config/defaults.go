package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
// If set, GetDefaultConfigPath will return this value instead of the standard path
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the forknode configuration directory
// Uses ~/.config/forknode/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "forknode"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvLogLevel         = "FORKNODE_LOG_LEVEL"
	EnvLogFormat        = "FORKNODE_LOG_FORMAT"
	EnvLogOutput        = "FORKNODE_LOG_OUTPUT"
	EnvChannelTransport = "FORKNODE_TRANSPORT"
	EnvChannelCodec     = "FORKNODE_CODEC"
	EnvMaxFrameSize     = "FORKNODE_MAX_FRAME_SIZE"
	EnvAcceptTimeout    = "FORKNODE_ACCEPT_TIMEOUT"
	EnvShutdownTimeout  = "FORKNODE_SHUTDOWN_TIMEOUT"
	EnvForkCount        = "FORKNODE_FORK_COUNT"
	EnvWorkerPath       = "FORKNODE_WORKER_PATH"
	EnvMetricsEnabled   = "FORKNODE_METRICS_ENABLED"
	EnvMetricsPort      = "FORKNODE_METRICS_PORT"
)

const (
	// Transports
	TransportTCP  = "tcp"
	TransportPipe = "pipe"

	// Frame codecs
	CodecJSONLines      = "jsonl"
	CodecLengthPrefixed = "lenprefix"

	// Default Logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	// Default Channel settings
	DefaultTransport       = TransportTCP
	DefaultCodec           = CodecJSONLines
	DefaultMaxFrameSize    = 1024 * 1024 // 1MB
	MinFrameSize           = 64
	DefaultAcceptTimeout   = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	// Default Fork settings
	DefaultForkCount  = 1
	DefaultWorkerPath = "forknode-worker"

	// Default Metrics settings
	DefaultMetricsEnabled = false
	DefaultMetricsPort    = 9090
)

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: "stdout",
	}
}

// DefaultChannelConfig returns the default fork channel configuration
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Transport:       DefaultTransport,
		Codec:           DefaultCodec,
		MaxFrameSize:    DefaultMaxFrameSize,
		AcceptTimeout:   DefaultAcceptTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// DefaultForkConfig returns the default worker launch configuration
func DefaultForkConfig() ForkConfig {
	return ForkConfig{
		Count:      DefaultForkCount,
		WorkerPath: DefaultWorkerPath,
	}
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: DefaultMetricsEnabled,
		Port:    DefaultMetricsPort,
		Path:    "/metrics",
	}
}
