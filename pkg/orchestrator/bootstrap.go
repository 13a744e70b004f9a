package orchestrator

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/billm/baaaht/forknode/internal/config"
	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/ipc"
	"github.com/billm/baaaht/forknode/pkg/types"
)

const (
	// DefaultVersion is the default version of the orchestrator
	DefaultVersion = "0.1.0"
)

// BootstrapResult contains the result of a bootstrap operation
type BootstrapResult struct {
	Forker    *Forker
	Shutdown  *ShutdownManager
	Metrics   *ipc.Metrics
	Registry  *prometheus.Registry
	StartedAt time.Time
	Version   string
}

// BootstrapConfig contains configuration for the bootstrap process
type BootstrapConfig struct {
	Config  config.Config
	Logger  *logger.Logger
	Version string
	// Launcher overrides the exec launcher built from Config.Fork
	Launcher Launcher
	// HandleSignals starts the shutdown manager's SIGINT/SIGTERM handling
	HandleSignals bool
}

// NewDefaultBootstrapConfig loads configuration from the default path and environment
func NewDefaultBootstrapConfig() (BootstrapConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return BootstrapConfig{}, err
	}
	return BootstrapConfig{
		Config:        *cfg,
		Version:       DefaultVersion,
		HandleSignals: true,
	}, nil
}

// Bootstrap wires the metrics registry, launcher, forker and shutdown manager
func Bootstrap(ctx context.Context, cfg BootstrapConfig) (*BootstrapResult, error) {
	startedAt := time.Now()

	if err := cfg.Config.Validate(); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid configuration", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.ErrCodeCanceled, "bootstrap abandoned", err)
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}

	log := cfg.Logger
	if log == nil {
		var err error
		log, err = logger.New(cfg.Config.Logging)
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create logger", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := ipc.NewMetrics(reg)

	launcher := cfg.Launcher
	if launcher == nil {
		execLauncher, err := NewExecLauncher(&cfg.Config, log)
		if err != nil {
			return nil, err
		}
		launcher = execLauncher
	}

	forker, err := NewForker(&cfg.Config, launcher, log, WithMetrics(metrics))
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create forker", err)
	}

	sm := NewShutdownManager(forker, cfg.Config.Channel.ShutdownTimeout, log)
	if cfg.HandleSignals {
		sm.Start()
	}

	log.Info("Orchestrator bootstrapped",
		"version", cfg.Version,
		"transport", cfg.Config.Channel.Transport,
		"codec", cfg.Config.Channel.Codec,
		"forks", cfg.Config.Fork.Count,
		"duration", time.Since(startedAt).String())

	return &BootstrapResult{
		Forker:    forker,
		Shutdown:  sm,
		Metrics:   metrics,
		Registry:  reg,
		StartedAt: startedAt,
		Version:   cfg.Version,
	}, nil
}

// GetVersion returns the version of the orchestrator
func GetVersion() string {
	return DefaultVersion
}

// GetVersionInfo returns detailed version information
func GetVersionInfo() map[string]string {
	return map[string]string{
		"version":    DefaultVersion,
		"go_version": runtime.Version(),
	}
}
