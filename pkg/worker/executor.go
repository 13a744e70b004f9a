package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/types"
)

// TestFunc runs one named test. Output may be reported through out.
type TestFunc func(ctx context.Context, out Emitter) error

// ExecutorConfig holds configuration for creating a new Executor
type ExecutorConfig struct {
	// Resolve supplies a test for names that were never registered.
	// Nil reports such names as test.error.
	Resolve func(name string) TestFunc

	// Timeout bounds each test; zero leaves it unbounded
	Timeout time.Duration

	Logger *logger.Logger
}

// TestSetSummary totals one test set
type TestSetSummary struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errored int `json:"errored"`
	Skipped int `json:"skipped"`
}

func (s TestSetSummary) String() string {
	return fmt.Sprintf("passed=%d failed=%d errored=%d skipped=%d", s.Passed, s.Failed, s.Errored, s.Skipped)
}

// Executor is the CommandHandler that runs tests named by run commands
type Executor struct {
	resolve func(name string) TestFunc
	timeout time.Duration
	logger  *logger.Logger

	mu         sync.Mutex
	tests      map[string]TestFunc
	setStarted bool
	skipNext   bool
	summary    TestSetSummary
}

// NewExecutor creates an executor with no registered tests
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	log := cfg.Logger
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if cfg.Timeout < 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "test timeout cannot be negative")
	}

	return &Executor{
		resolve: cfg.Resolve,
		timeout: cfg.Timeout,
		logger:  log.With("component", "worker_executor"),
		tests:   make(map[string]TestFunc),
	}, nil
}

// Register adds a named test
func (e *Executor) Register(name string, fn TestFunc) error {
	if name == "" || fn == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "test name and function are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tests[name]; ok {
		return types.NewError(types.ErrCodeInvalidArgument, "test already registered: "+name)
	}
	e.tests[name] = fn
	return nil
}

// Summary returns the totals of the current test set
func (e *Executor) Summary() TestSetSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.summary
}

// HandleCommand implements CommandHandler. Test failures are reported as
// events; an error means the command itself was unusable or an event could not be sent.
func (e *Executor) HandleCommand(ctx context.Context, cmd *types.Command, out Emitter) error {
	switch cmd.Kind {
	case types.CommandRun:
		return e.run(ctx, cmd.Data, out)
	case types.CommandSkipSinceNextTest:
		e.mu.Lock()
		e.skipNext = true
		e.mu.Unlock()
		return out.Emit(types.EventWorkerStopOnNext, "")
	case types.CommandTestSetFinished:
		e.mu.Lock()
		summary := e.summary
		e.summary = TestSetSummary{}
		e.setStarted = false
		e.skipNext = false
		e.mu.Unlock()
		e.logger.Info("Test set finished", "summary", summary.String())
		return out.Emit(types.EventTestSetCompleted, summary.String())
	default:
		return types.NewError(types.ErrCodeInvalidArgument, "executor cannot handle command "+string(cmd.Kind))
	}
}

func (e *Executor) run(ctx context.Context, name string, out Emitter) error {
	if name == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "run command names no test")
	}

	e.mu.Lock()
	first := !e.setStarted
	e.setStarted = true
	skip := e.skipNext
	fn, ok := e.tests[name]
	e.mu.Unlock()

	if first {
		if err := out.Emit(types.EventTestSetStarting, ""); err != nil {
			return err
		}
	}

	if skip {
		e.record(func(s *TestSetSummary) { s.Skipped++ })
		return out.Emit(types.EventTestSkipped, name)
	}

	if !ok && e.resolve != nil {
		fn = e.resolve(name)
	}
	if fn == nil {
		e.record(func(s *TestSetSummary) { s.Errored++ })
		return out.Emit(types.EventTestError, name+": no such test")
	}

	if err := out.Emit(types.EventTestStarting, name); err != nil {
		return err
	}

	start := time.Now()
	err := e.invoke(ctx, fn, out)
	log := e.logger.With("test", name, "duration", time.Since(start).String())

	var kind types.EventKind
	data := name
	switch {
	case err == nil:
		kind = types.EventTestSucceeded
		e.record(func(s *TestSetSummary) { s.Passed++ })
		log.Debug("Test passed")
	case types.IsErrCode(err, types.ErrCodeInternal), types.IsErrCode(err, types.ErrCodeTimeout):
		kind = types.EventTestError
		data = name + ": " + err.Error()
		e.record(func(s *TestSetSummary) { s.Errored++ })
		log.Warn("Test errored", "error", err)
	default:
		kind = types.EventTestFailed
		data = name + ": " + err.Error()
		e.record(func(s *TestSetSummary) { s.Failed++ })
		log.Info("Test failed", "error", err)
	}

	if err := out.Emit(kind, data); err != nil {
		return err
	}
	return out.Emit(types.EventWorkerNextTest, "")
}

// invoke runs fn under the executor timeout and turns a panic into an INTERNAL error
func (e *Executor) invoke(ctx context.Context, fn TestFunc, out Emitter) (err error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = types.NewError(types.ErrCodeInternal, fmt.Sprintf("test panicked: %v", r))
		}
	}()

	err = fn(ctx, out)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.WrapError(types.ErrCodeTimeout, "test timed out", err)
	}
	return err
}

func (e *Executor) record(fn func(*TestSetSummary)) {
	e.mu.Lock()
	fn(&e.summary)
	e.mu.Unlock()
}

// ShellTest runs command through sh -c. Each line of output becomes a
// stream.stdout or stream.stderr event; a non-zero exit fails the test.
func ShellTest(command string) TestFunc {
	return func(ctx context.Context, out Emitter) error {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return types.WrapError(types.ErrCodeInternal, "failed to capture stdout", err)
		}
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Start(); err != nil {
			return types.WrapError(types.ErrCodeInternal, "failed to start command", err)
		}
		streamErr := streamLines(stdout, types.EventStdout, out)
		if streamErr != nil {
			_, _ = io.Copy(io.Discard, stdout)
		}
		waitErr := cmd.Wait()

		if stderr.Len() > 0 {
			if err := streamLines(&stderr, types.EventStderr, out); err != nil && streamErr == nil {
				streamErr = err
			}
		}
		if streamErr != nil {
			return streamErr
		}
		return waitErr
	}
}

func streamLines(r io.Reader, kind types.EventKind, out Emitter) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := out.Emit(kind, sc.Text()); err != nil {
			return types.WrapError(types.ErrCodeInternal, "failed to forward output", err)
		}
	}
	return sc.Err()
}
