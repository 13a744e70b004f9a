package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/billm/baaaht/forknode/internal/config"
	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/codec"
	"github.com/billm/baaaht/forknode/pkg/worker"
)

var (
	// CLI flags
	connectString string
	codecName     string
	maxFrameSize  int
	logLevel      string
	logFormat     string
	testTimeout   time.Duration
	noShell       bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "forknode-worker",
	Short: "forknode-worker - runs the tests forknode sends it",
	Long: `forknode-worker is started by forknode with the connection string of its
fork channel. It connects back, runs each test named by a run command and
reports the outcome as events until the orchestrator acknowledges its bye.

Unless --no-shell is given, a test name is run as a shell command and its
output is forwarded line by line.`,
	Version:      worker.DefaultVersion,
	SilenceUsage: true,
	RunE:         runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	// stdout may carry the event stream, so logs always go to stderr
	logCfg := config.DefaultLoggingConfig()
	logCfg.Output = "stderr"
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	if logFormat != "" {
		logCfg.Format = logFormat
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()
	log = log.With("connection", connectString, "pid", os.Getpid())

	c, err := codec.New(codecName, maxFrameSize)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	execCfg := worker.ExecutorConfig{Timeout: testTimeout, Logger: log}
	if !noShell {
		execCfg.Resolve = worker.ShellTest
	}
	executor, err := worker.NewExecutor(execCfg)
	if err != nil {
		return err
	}

	conn, err := worker.Dial(ctx, connectString)
	if err != nil {
		return err
	}

	node, err := worker.NewNode(conn, worker.NodeConfig{Codec: c, Handler: executor, Logger: log})
	if err != nil {
		conn.Close()
		return err
	}

	log.Info("Worker connected", "codec", c.Name(), "version", worker.GetVersion())
	return node.Run(ctx)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&connectString, "connect", "",
		"Connection string of the fork channel (tcp://host:port or pipe://id)")
	_ = rootCmd.MarkFlagRequired("connect")

	rootCmd.Flags().StringVar(&codecName, "codec", codec.NameJSONLines,
		"Frame codec: jsonl, lenprefix")
	rootCmd.Flags().IntVar(&maxFrameSize, "max-frame-size", codec.DefaultMaxFrameSize,
		"Largest frame accepted or sent, in bytes")
	rootCmd.Flags().DurationVar(&testTimeout, "test-timeout", 0,
		"Time limit per test (default: none)")
	rootCmd.Flags().BoolVar(&noShell, "no-shell", false,
		"Report unknown test names as errors instead of running them with sh -c")

	rootCmd.Flags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text")
}
