package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/types"
)

// ShutdownState represents the current state of the shutdown process
type ShutdownState string

const (
	// ShutdownStateRunning indicates forks are running normally
	ShutdownStateRunning ShutdownState = "running"
	// ShutdownStateInitiated indicates shutdown has been initiated
	ShutdownStateInitiated ShutdownState = "initiated"
	// ShutdownStateStopping indicates fork channels are draining
	ShutdownStateStopping ShutdownState = "stopping"
	// ShutdownStateComplete indicates shutdown is complete
	ShutdownStateComplete ShutdownState = "complete"
)

// hookTimeout bounds a single shutdown hook
const hookTimeout = 5 * time.Second

// ShutdownHook is a function that can be called during shutdown
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   ShutdownHook
}

// ShutdownReport describes a completed shutdown
type ShutdownReport struct {
	Reason string
	// ActiveForks lists the forks that were still running when shutdown began
	ActiveForks []types.ForkChannelID
	HookErrors  []error
	DrainErr    error
	Duration    time.Duration
}

// Clean reports whether every fork drained and every hook succeeded
func (r ShutdownReport) Clean() bool {
	return r.DrainErr == nil && len(r.HookErrors) == 0
}

// ShutdownManager drains the forker when the process is asked to stop
type ShutdownManager struct {
	mu              sync.RWMutex
	forker          *Forker
	state           ShutdownState
	shutdownTimeout time.Duration
	preHooks        []namedHook
	hooks           []namedHook
	report          ShutdownReport
	logger          *logger.Logger
	signalChan      chan os.Signal
	shutdownCtx     context.Context
	shutdownCancel  context.CancelFunc
	started         bool
	startedAt       time.Time
	completionChan  chan struct{}
	shutdownReason  string
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(forker *Forker, timeout time.Duration, log *logger.Logger) *ShutdownManager {
	if log == nil {
		log = logger.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ShutdownManager{
		forker:          forker,
		state:           ShutdownStateRunning,
		shutdownTimeout: timeout,
		logger:          log.With("component", "shutdown_manager"),
		signalChan:      make(chan os.Signal, 1),
		shutdownCtx:     ctx,
		shutdownCancel:  cancel,
		completionChan:  make(chan struct{}),
	}
}

// Start begins listening for SIGINT and SIGTERM
func (sm *ShutdownManager) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.started {
		return
	}

	signals := []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	signal.Notify(sm.signalChan, signals...)

	sm.started = true
	sm.logger.Info("Shutdown manager started",
		"timeout", sm.shutdownTimeout.String(),
		"signals", len(signals))

	go sm.handleSignals()
}

// Stop stops signal handling
func (sm *ShutdownManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.started {
		return
	}

	signal.Stop(sm.signalChan)
	sm.shutdownCancel()
	sm.started = false

	sm.logger.Debug("Shutdown manager stopped")
}

// Shutdown runs the pre-shutdown hooks, drains every fork within the
// shutdown timeout, then runs the post-shutdown hooks. It may run once.
// Hook failures are logged and recorded in the report; only a fork that
// failed to drain is returned as an error.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.mu.Lock()
	if sm.state != ShutdownStateRunning {
		sm.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "shutdown already initiated")
	}
	sm.state = ShutdownStateInitiated
	sm.shutdownReason = reason
	sm.startedAt = time.Now()
	sm.mu.Unlock()

	report := ShutdownReport{Reason: reason}
	if sm.forker != nil {
		report.ActiveForks = sm.forker.Active()
	}
	sm.logger.Info("Shutdown initiated", "reason", reason, "active_forks", len(report.ActiveForks))

	shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
	defer cancel()

	report.HookErrors = append(report.HookErrors, sm.executeHooks(shutdownCtx, "pre-shutdown", sm.hookList(true))...)

	sm.setState(ShutdownStateStopping)

	if sm.forker != nil {
		if report.DrainErr = sm.forker.Shutdown(shutdownCtx); report.DrainErr != nil {
			sm.logger.Warn("Forks did not drain cleanly", "forks", report.ActiveForks, "error", report.DrainErr)
		}
	}

	report.HookErrors = append(report.HookErrors, sm.executeHooks(shutdownCtx, "post-shutdown", sm.hookList(false))...)
	report.Duration = time.Since(sm.getStartTime())

	sm.mu.Lock()
	sm.report = report
	sm.state = ShutdownStateComplete
	sm.mu.Unlock()
	close(sm.completionChan)

	sm.logger.Info("Shutdown complete",
		"reason", reason,
		"clean", report.Clean(),
		"duration", report.Duration.String())
	return report.DrainErr
}

// Report returns the outcome of the shutdown. It is empty until Done is closed.
func (sm *ShutdownManager) Report() ShutdownReport {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.report
}

// HookError folds the recorded hook failures into one PARTIAL_FAILURE error
func (r ShutdownReport) HookError() error {
	if len(r.HookErrors) == 0 {
		return nil
	}
	return types.WrapError(types.ErrCodePartialFailure,
		fmt.Sprintf("%d shutdown hooks failed", len(r.HookErrors)), errors.Join(r.HookErrors...))
}

// ShutdownAndWait initiates shutdown and waits for completion
func (sm *ShutdownManager) ShutdownAndWait(ctx context.Context, reason string) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- sm.Shutdown(ctx, reason)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "shutdown wait canceled", ctx.Err())
	}
}

// AddHook adds a hook that runs after the forks have drained
func (sm *ShutdownManager) AddHook(hook ShutdownHook) {
	sm.AddNamedHook("", hook)
}

// AddNamedHook is AddHook with a name used in logs
func (sm *ShutdownManager) AddNamedHook(name string, hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if name == "" {
		name = fmt.Sprintf("post-%d", len(sm.hooks))
	}
	sm.hooks = append(sm.hooks, namedHook{name: name, fn: hook})
	sm.logger.Debug("Shutdown hook registered", "hook", name, "total_hooks", len(sm.hooks))
}

// AddPreHook adds a hook that runs before the forks are drained
func (sm *ShutdownManager) AddPreHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	name := fmt.Sprintf("pre-%d", len(sm.preHooks))
	sm.preHooks = append(sm.preHooks, namedHook{name: name, fn: hook})
	sm.logger.Debug("Pre-shutdown hook registered", "hook", name, "total_hooks", len(sm.preHooks))
}

func (sm *ShutdownManager) hookList(pre bool) []namedHook {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if pre {
		return append([]namedHook(nil), sm.preHooks...)
	}
	return append([]namedHook(nil), sm.hooks...)
}

// State returns the current shutdown state
func (sm *ShutdownManager) State() ShutdownState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// IsShuttingDown returns true if shutdown has been initiated
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.State() != ShutdownStateRunning
}

// IsComplete returns true if shutdown is complete
func (sm *ShutdownManager) IsComplete() bool {
	return sm.State() == ShutdownStateComplete
}

// ShutdownReason returns the reason for shutdown
func (sm *ShutdownManager) ShutdownReason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.shutdownReason
}

// WaitCompletion waits for shutdown to complete
func (sm *ShutdownManager) WaitCompletion(ctx context.Context) error {
	select {
	case <-sm.completionChan:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for completion canceled", ctx.Err())
	}
}

// Done is closed once shutdown has completed
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.completionChan
}

// Context returns a context cancelled when the manager is stopped
func (sm *ShutdownManager) Context() context.Context {
	return sm.shutdownCtx
}

func (sm *ShutdownManager) handleSignals() {
	for {
		select {
		case sig := <-sm.signalChan:
			reason := fmt.Sprintf("signal received: %s", sig)
			sm.logger.Info("Shutdown signal received", "signal", sig.String())

			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
				defer cancel()
				if err := sm.ShutdownAndWait(ctx, reason); err != nil && !types.IsErrCode(err, types.ErrCodeFailedPrecondition) {
					sm.logger.Error("Shutdown failed", "error", err)
				}
			}()

		case <-sm.shutdownCtx.Done():
			sm.logger.Debug("Signal handler stopping")
			return
		}
	}
}

// executeHooks runs hooks in registration order and returns their failures.
// A hook that fails does not stop the ones after it; an expired ctx does.
func (sm *ShutdownManager) executeHooks(ctx context.Context, phase string, hooks []namedHook) []error {
	sm.logger.Debug("Executing shutdown hooks", "phase", phase, "count", len(hooks))

	var errs []error
	for _, h := range hooks {
		if err := ctx.Err(); err != nil {
			sm.logger.Warn("Shutdown hook execution canceled", "phase", phase, "hook", h.name)
			return append(errs, types.WrapError(types.ErrCodeCanceled, h.name+": not run", err))
		}
		if err := runHook(ctx, h.fn); err != nil {
			sm.logger.Error("Shutdown hook failed", "phase", phase, "hook", h.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errs
}

// runHook bounds hook by hookTimeout and reports a panic as an error
func runHook(ctx context.Context, hook ShutdownHook) (err error) {
	hookCtx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = types.NewError(types.ErrCodeInternal, fmt.Sprintf("shutdown hook panicked: %v", r))
		}
	}()
	return hook(hookCtx)
}

func (sm *ShutdownManager) setState(state ShutdownState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state
	sm.logger.Debug("Shutdown state changed", "state", string(state))
}

func (sm *ShutdownManager) getStartTime() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.startedAt
}

// ShutdownGracefully drains the forker within timeout
func ShutdownGracefully(forker *Forker, timeout time.Duration) error {
	if forker == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "forker is nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return forker.Shutdown(ctx)
}

// ShutdownWithSignalHandling creates a shutdown manager and starts signal handling
func ShutdownWithSignalHandling(forker *Forker, timeout time.Duration, log *logger.Logger) (*ShutdownManager, error) {
	if forker == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "forker is nil")
	}

	sm := NewShutdownManager(forker, timeout, log)
	sm.Start()
	return sm, nil
}

// ShutdownOnContextCancel initiates shutdown when ctx is cancelled
func ShutdownOnContextCancel(ctx context.Context, forker *Forker, timeout time.Duration, log *logger.Logger) (*ShutdownManager, error) {
	if forker == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "forker is nil")
	}

	sm := NewShutdownManager(forker, timeout, log)

	go func() {
		select {
		case <-ctx.Done():
		case <-sm.completionChan:
			return
		}
		reason := fmt.Sprintf("context canceled: %v", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
		defer cancel()
		if err := sm.ShutdownAndWait(shutdownCtx, reason); err != nil && !types.IsErrCode(err, types.ErrCodeFailedPrecondition) {
			sm.logger.Error("Context-based shutdown failed", "error", err)
		}
	}()

	return sm, nil
}

// String returns a string representation of the shutdown state
func (s ShutdownState) String() string {
	return string(s)
}

// String returns a string representation of the shutdown manager
func (sm *ShutdownManager) String() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return fmt.Sprintf("ShutdownManager{state: %s, timeout: %v, hooks: %d, started: %t}",
		sm.state, sm.shutdownTimeout, len(sm.preHooks)+len(sm.hooks), sm.started)
}
