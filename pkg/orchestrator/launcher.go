package orchestrator

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/billm/baaaht/forknode/internal/config"
	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/ipc"
	"github.com/billm/baaaht/forknode/pkg/types"
)

// Process is a launched worker
type Process interface {
	// Wait blocks until the worker exits and returns its exit error. It is called once.
	Wait() error
	// Kill stops the worker without waiting for it
	Kill() error
	Pid() int
}

// Launcher starts the worker for a channel. The worker must connect using
// the channel's connection string and codec.
type Launcher interface {
	Launch(ctx context.Context, ch *ipc.ForkChannel) (Process, error)
}

// workerFiles is implemented by endpoints that hand the worker its stdio
type workerFiles interface {
	WorkerFiles() (stdin, stdout *os.File)
	ReleaseWorkerFiles()
}

// ExecLauncher runs the worker binary as a child process
type ExecLauncher struct {
	Path         string
	Args         []string
	Env          map[string]string
	Dir          string
	MaxFrameSize int
	// Stderr receives the worker's diagnostics; nil inherits the parent's stderr
	Stderr io.Writer

	logger *logger.Logger
}

// NewExecLauncher builds a launcher from the fork and channel configuration
func NewExecLauncher(cfg *config.Config, log *logger.Logger) (*ExecLauncher, error) {
	if cfg == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "configuration cannot be nil")
	}
	if cfg.Fork.WorkerPath == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "worker path cannot be empty")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	path, err := exec.LookPath(cfg.Fork.WorkerPath)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeNotFound, "worker binary not found: "+cfg.Fork.WorkerPath, err)
	}

	return &ExecLauncher{
		Path:         path,
		Args:         append([]string(nil), cfg.Fork.WorkerArgs...),
		Env:          cfg.Fork.Env,
		Dir:          cfg.Fork.WorkDir,
		MaxFrameSize: cfg.Channel.MaxFrameSize,
		logger:       log.With("component", "exec_launcher"),
	}, nil
}

// WorkerArgs returns the arguments a worker for ch is started with
func (l *ExecLauncher) WorkerArgs(ch *ipc.ForkChannel) []string {
	args := append([]string(nil), l.Args...)
	args = append(args,
		"--connect", ch.ConnectionString(),
		"--codec", ch.Codec().Name(),
	)
	if l.MaxFrameSize > 0 {
		args = append(args, "--max-frame-size", strconv.Itoa(l.MaxFrameSize))
	}
	return args
}

func (l *ExecLauncher) Launch(ctx context.Context, ch *ipc.ForkChannel) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.ErrCodeCanceled, "launch abandoned", err)
	}

	cmd := exec.Command(l.Path, l.WorkerArgs(ch)...)
	cmd.Dir = l.Dir
	cmd.Env = os.Environ()
	for k, v := range l.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	var files workerFiles
	if ch.UsesStdio() {
		var ok bool
		files, ok = ch.Endpoint().(workerFiles)
		if !ok {
			return nil, types.NewError(types.ErrCodeInvalidArgument, "stdio endpoint does not expose worker files")
		}
		stdin, stdout := files.WorkerFiles()
		if stdin == nil || stdout == nil {
			return nil, types.NewError(types.ErrCodeIllegalState, "worker pipes were already released")
		}
		cmd.Stdin, cmd.Stdout = stdin, stdout
	} else {
		// keep the orchestrator's stdout for its own output
		cmd.Stdout = cmd.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to start worker "+l.Path, err)
	}
	if files != nil {
		files.ReleaseWorkerFiles()
	}

	l.logger.Info("Worker started",
		"fork_id", int(ch.ID()),
		"pid", cmd.Process.Pid,
		"connection", ch.ConnectionString())

	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }
func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }
func (p *execProcess) Pid() int    { return p.cmd.Process.Pid }
