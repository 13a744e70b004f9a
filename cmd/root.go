package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/billm/baaaht/forknode/internal/config"
	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/events"
	"github.com/billm/baaaht/forknode/pkg/ipc"
	"github.com/billm/baaaht/forknode/pkg/orchestrator"
	"github.com/billm/baaaht/forknode/pkg/types"
)

var (
	// CLI flags
	cfgFile         string
	logLevel        string
	logFormat       string
	logOutput       string
	transport       string
	codecName       string
	workerPath      string
	shutdownTimeout string
	forkCount       int
	metricsPort     int

)

// errRunFailed marks a run whose tests or workers failed; details were already printed
var errRunFailed = errors.New("run failed")

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "forknode [flags] TEST...",
	Short: "forknode - run tests across forked worker processes",
	Long: `forknode launches worker processes and talks to each one over its own
fork channel: a loopback socket (or the worker's stdio) carrying framed
commands to the worker and framed events back.

The named tests are dealt round-robin across --forks workers. Each worker
runs its tests, finishes the test set, says bye and exits.`,
	Version:       orchestrator.DefaultVersion,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runOrchestrator,
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()
	logger.SetGlobal(log)

	log.Info("Starting forknode", "version", orchestrator.GetVersion(), "tests", len(args))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	result, err := orchestrator.Bootstrap(ctx, orchestrator.BootstrapConfig{
		Config:        *cfg,
		Logger:        log,
		Version:       orchestrator.DefaultVersion,
		HandleSignals: true,
	})
	if err != nil {
		return fmt.Errorf("failed to bootstrap: %w", err)
	}
	defer result.Shutdown.Stop()

	// a signal-driven shutdown also stops forks still being launched
	go func() {
		select {
		case <-result.Shutdown.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.Metrics.Enabled {
		srv := startMetricsServer(cfg, result, log)
		result.Shutdown.AddNamedHook("metrics-server", srv.Shutdown)
		defer srv.Close()
	}

	collector := events.NewCollector()
	handler, err := newEventPipeline(cmd.OutOrStdout(), collector, cfg.Channel.ShutdownTimeout, log)
	if err != nil {
		return err
	}

	plans := orchestrator.Plan(args, cfg.Fork.Count)
	results, runErr := result.Forker.RunAll(ctx, plans, handler)

	summary := collector.Summary()
	fmt.Fprintln(cmd.OutOrStdout(), summary.String())

	finishShutdown(result.Shutdown, log)

	unclean := 0
	for _, res := range results {
		if res != nil && !res.Clean() {
			unclean++
			log.Warn("Fork did not finish cleanly",
				"fork_id", int(res.ID),
				"said_bye", res.SaidBye,
				"worker_error", res.WorkerError,
				"exit_error", res.ExitErr)
		}
	}

	if runErr != nil {
		return runErr
	}
	if !summary.OK() || unclean > 0 {
		return errRunFailed
	}
	return nil
}

// finishShutdown runs the shutdown hooks after a normal finish, or waits for
// a signal-driven shutdown already in progress, then logs the outcome
func finishShutdown(sm *orchestrator.ShutdownManager, log *logger.Logger) {
	err := sm.Shutdown(context.Background(), "run finished")
	if err != nil && !types.IsErrCode(err, types.ErrCodeFailedPrecondition) {
		log.Warn("Shutdown did not complete cleanly", "error", err)
	}
	<-sm.Done()
	if hookErr := sm.Report().HookError(); hookErr != nil {
		log.Warn("Shutdown hooks failed", "error", hookErr)
	}
}

// newEventPipeline validates events, records all of them and prints the ones a user cares about.
// A delivery that takes longer than timeout is abandoned so the reader keeps draining.
func newEventPipeline(out io.Writer, collector *events.Collector, timeout time.Duration, log *logger.Logger) (*events.MiddlewareChain, error) {
	router, err := events.NewRouter(log)
	if err != nil {
		return nil, err
	}

	printer := events.NewPrintHandler(out)
	routes := []struct {
		pattern  string
		handler  ipc.EventHandler
		priority int
	}{
		{"*", collector, 100},
		{"test.*", printer, 0},
		{"testset.*", printer, 0},
		{"stream.*", printer, 0},
		{"worker.exit-error", printer, 0},
		{"channel.*", printer, 0},
	}
	for _, r := range routes {
		if _, err := router.AddRouteWithPriority(r.pattern, r.handler, r.priority); err != nil {
			return nil, err
		}
	}

	bounded, err := events.NewTimeoutHandler(log, router, timeout)
	if err != nil {
		return nil, err
	}
	validation, err := events.NewValidationMiddleware(log)
	if err != nil {
		return nil, err
	}
	return events.NewMiddlewareChain(log, bounded, validation)
}

func startMetricsServer(cfg *config.Config, result *orchestrator.BootstrapResult, log *logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(result.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.MetricsAddress(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("Serving metrics", "address", srv.Addr, "path", cfg.Metrics.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}

// loadConfig reads the config file (or the default path), then environment, then flags
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadFromFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	cfg.ApplyOverrides(config.OverrideOptions{
		LogLevel:        logLevel,
		LogFormat:       logFormat,
		LogOutput:       logOutput,
		Transport:       transport,
		Codec:           codecName,
		ShutdownTimeout: shutdownTimeout,
		ForkCount:       forkCount,
		WorkerPath:      workerPath,
		MetricsPort:     metricsPort,
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/forknode/config.yaml if present)")

	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	// Channel flags
	rootCmd.Flags().StringVar(&transport, "transport", "",
		"Fork channel transport: tcp, pipe (default: tcp)")
	rootCmd.Flags().StringVar(&codecName, "codec", "",
		"Frame codec: jsonl, lenprefix (default: jsonl)")
	rootCmd.Flags().StringVar(&shutdownTimeout, "shutdown-timeout", "",
		"How long a fork may take to drain before it is force-closed, e.g. 30s")

	// Fork flags
	rootCmd.Flags().IntVar(&forkCount, "forks", 0,
		"Number of worker processes (default: 1)")
	rootCmd.Flags().StringVar(&workerPath, "worker", "",
		"Worker binary (default: forknode-worker on PATH)")

	// Metrics flags
	rootCmd.Flags().IntVar(&metricsPort, "metrics-port", 0,
		"Serve Prometheus metrics on this port")
}
