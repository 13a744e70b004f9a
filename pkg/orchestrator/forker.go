// Package orchestrator launches workers and drives one fork channel per worker.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/billm/baaaht/forknode/internal/config"
	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/ipc"
	"github.com/billm/baaaht/forknode/pkg/types"
)

// ForkPlan is the work assigned to one worker
type ForkPlan struct {
	ID       types.ForkChannelID
	Commands []*types.Command
}

// ForkResult reports how one fork ended
type ForkResult struct {
	ID           types.ForkChannelID `json:"id"`
	Pid          int                 `json:"pid"`
	Commands     int                 `json:"commands"`
	Events       int                 `json:"events"`
	WriterReason string              `json:"writer_reason"`
	ReaderReason string              `json:"reader_reason"`
	SaidBye      bool                `json:"said_bye"`
	WorkerError  string              `json:"worker_error,omitempty"`
	ExitErr      error               `json:"-"`
	Duration     time.Duration       `json:"duration"`
}

// Clean reports whether the worker said bye and exited without error
func (r *ForkResult) Clean() bool {
	return r != nil && r.SaidBye && r.ExitErr == nil && r.WorkerError == ""
}

// ForkerOption configures a Forker
type ForkerOption func(*Forker)

// WithMetrics records channel activity of every fork in m
func WithMetrics(m *ipc.Metrics) ForkerOption {
	return func(f *Forker) { f.metrics = m }
}

// Forker creates a channel per worker, launches the worker and runs the
// session to completion
type Forker struct {
	channelCfg config.ChannelConfig
	launcher   Launcher
	metrics    *ipc.Metrics
	base       *logger.Logger
	logger     *logger.Logger

	mu       sync.Mutex
	channels map[types.ForkChannelID]*ipc.ForkChannel
	closed   bool
}

// NewForker creates a forker using the channel settings in cfg
func NewForker(cfg *config.Config, launcher Launcher, log *logger.Logger, opts ...ForkerOption) (*Forker, error) {
	if cfg == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "configuration cannot be nil")
	}
	if launcher == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "launcher cannot be nil")
	}
	if err := cfg.Channel.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	f := &Forker{
		channelCfg: cfg.Channel,
		launcher:   launcher,
		base:       log,
		logger:     log.With("component", "forker"),
		channels:   make(map[types.ForkChannelID]*ipc.ForkChannel),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Plan deals tests round-robin over at most forks workers. Every plan ends
// with test-set-finished; shutdown is appended by Fork.
func Plan(tests []string, forks int) []ForkPlan {
	if forks < 1 {
		forks = 1
	}
	if forks > len(tests) {
		forks = len(tests)
	}

	plans := make([]ForkPlan, forks)
	for i := range plans {
		plans[i].ID = types.ForkChannelID(i + 1)
	}
	for i, test := range tests {
		p := &plans[i%forks]
		p.Commands = append(p.Commands, types.NewCommand(types.CommandRun, test))
	}
	for i := range plans {
		plans[i].Commands = append(plans[i].Commands, types.NewCommand(types.CommandTestSetFinished, ""))
	}
	return plans
}

// RunAll runs every plan in parallel and returns one result per plan, in
// plan order. The error is the first fork that failed to run.
func (f *Forker) RunAll(ctx context.Context, plans []ForkPlan, handler ipc.EventHandler) ([]*ForkResult, error) {
	results := make([]*ForkResult, len(plans))

	var g errgroup.Group
	for i, plan := range plans {
		i, plan := i, plan
		g.Go(func() error {
			res, err := f.Fork(ctx, plan.ID, plan.Commands, handler)
			results[i] = res
			return err
		})
	}

	err := g.Wait()
	return results, err
}

// Fork launches one worker, feeds it commands followed by shutdown, answers
// its bye and waits for both the channel and the process to finish.
func (f *Forker) Fork(ctx context.Context, id types.ForkChannelID, commands []*types.Command, handler ipc.EventHandler) (*ForkResult, error) {
	if handler == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "event handler cannot be nil")
	}

	ch, err := ipc.New(id, f.channelCfg, f.base, ipc.WithMetrics(f.metrics))
	if err != nil {
		return nil, fmt.Errorf("fork %d: %w", id, err)
	}
	defer ch.Close()
	if err := f.register(ch); err != nil {
		return nil, err
	}
	defer f.unregister(id)

	log := f.logger.With("fork_id", int(id))
	start := time.Now()
	result := &ForkResult{ID: id}

	proc, err := f.launcher.Launch(ctx, ch)
	if err != nil {
		return result, fmt.Errorf("fork %d: %w", id, err)
	}
	result.Pid = proc.Pid()

	var exitErr error
	exited := make(chan struct{})
	go func() {
		exitErr = proc.Wait()
		close(exited)
	}()
	defer func() {
		f.reap(proc, exited, log)
		result.ExitErr = exitErr
		result.Duration = time.Since(start)
		log.Info("Fork finished",
			"pid", result.Pid,
			"commands", result.Commands,
			"events", result.Events,
			"said_bye", result.SaidBye,
			"exit_error", exitErr,
			"duration", result.Duration.String())
	}()

	if err := f.accept(ctx, ch, exited); err != nil {
		return result, fmt.Errorf("fork %d: %w", id, err)
	}

	queue := ipc.NewCommandQueue()
	for _, cmd := range commands {
		if err := queue.Push(cmd); err != nil {
			return result, fmt.Errorf("fork %d: %w", id, err)
		}
	}
	if err := queue.Push(types.NewCommand(types.CommandShutdown, "")); err != nil {
		return result, fmt.Errorf("fork %d: %w", id, err)
	}

	session := &byeResponder{next: handler, queue: queue, logger: log}
	if err := ch.Bind(ctx, queue, session); err != nil {
		return result, fmt.Errorf("fork %d: %w", id, err)
	}

	// a worker that stops talking will not read further commands either
	go func() {
		<-ch.Reader().Done()
		queue.Close()
		ch.Writer().Stop()
	}()

	var runErr error
	select {
	case <-ch.Done():
	case <-ctx.Done():
		log.Warn("Fork interrupted, shutting down channel", "error", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.channelCfg.ShutdownTimeout)
		if err := ch.Shutdown(shutdownCtx); err != nil {
			log.Warn("Channel shutdown incomplete", "error", err)
		}
		cancel()
		runErr = types.WrapError(types.ErrCodeCanceled, fmt.Sprintf("fork %d interrupted", id), ctx.Err())
	}

	result.Commands = ch.Writer().Written()
	result.Events = ch.Reader().Delivered()
	result.WriterReason = ch.Writer().Reason()
	result.ReaderReason = ch.Reader().Reason()
	result.SaidBye = session.saidBye.Load()
	if msg, ok := session.workerError.Load().(string); ok {
		result.WorkerError = msg
	}
	return result, runErr
}

// accept waits for the worker to connect, giving up early if it exits first
func (f *Forker) accept(ctx context.Context, ch *ipc.ForkChannel, exited <-chan struct{}) error {
	acceptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-exited:
			cancel()
		case <-acceptCtx.Done():
		}
	}()

	err := ch.Accept(acceptCtx)
	if err == nil {
		return nil
	}
	select {
	case <-exited:
		return types.WrapError(types.ErrCodeWorkerExited, "worker exited before connecting", err)
	default:
		return err
	}
}

// reap waits for the worker to exit, killing it after the shutdown timeout
func (f *Forker) reap(proc Process, exited <-chan struct{}, log *logger.Logger) {
	timer := time.NewTimer(f.channelCfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-exited:
		return
	case <-timer.C:
	}

	log.Warn("Worker did not exit, killing it", "pid", proc.Pid(), "timeout", f.channelCfg.ShutdownTimeout.String())
	if err := proc.Kill(); err != nil {
		log.Error("Failed to kill worker", "pid", proc.Pid(), "error", err)
	}
	<-exited
}

func (f *Forker) register(ch *ipc.ForkChannel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return types.NewError(types.ErrCodeUnavailable, "forker is shut down")
	}
	if _, ok := f.channels[ch.ID()]; ok {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("fork %d is already running", ch.ID()))
	}
	f.channels[ch.ID()] = ch
	return nil
}

func (f *Forker) unregister(id types.ForkChannelID) {
	f.mu.Lock()
	delete(f.channels, id)
	f.mu.Unlock()
}

// Active returns the IDs of forks currently running, in ascending order
func (f *Forker) Active() []types.ForkChannelID {
	f.mu.Lock()
	ids := make([]types.ForkChannelID, 0, len(f.channels))
	for id := range f.channels {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (f *Forker) snapshot(markClosed bool) []*ipc.ForkChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if markClosed {
		f.closed = true
	}
	out := make([]*ipc.ForkChannel, 0, len(f.channels))
	for _, ch := range f.channels {
		out = append(out, ch)
	}
	return out
}

// Shutdown refuses new forks and gives every running channel until ctx
// ends to drain before it is force-closed
func (f *Forker) Shutdown(ctx context.Context) error {
	channels := f.snapshot(true)
	f.logger.Info("Shutting down forks", "active", len(channels))

	var g errgroup.Group
	for _, ch := range channels {
		ch := ch
		g.Go(func() error { return ch.Shutdown(ctx) })
	}
	return g.Wait()
}

// Close refuses new forks and force-closes every running channel
func (f *Forker) Close() error {
	for _, ch := range f.snapshot(true) {
		ch.Close()
	}
	return nil
}

// byeResponder forwards events and completes the shutdown handshake
type byeResponder struct {
	next        ipc.EventHandler
	queue       *ipc.CommandQueue
	logger      *logger.Logger
	saidBye     atomic.Bool
	workerError atomic.Value
}

func (b *byeResponder) HandleEvent(ctx context.Context, ev *types.Event) error {
	err := b.next.HandleEvent(ctx, ev)

	switch ev.Kind {
	case types.EventWorkerBye:
		b.saidBye.Store(true)
		if pushErr := b.queue.Push(types.NewCommand(types.CommandByeAck, "")); pushErr != nil {
			b.logger.Warn("Failed to acknowledge bye", "error", pushErr)
		}
		b.queue.Close()
	case types.EventWorkerExitError:
		b.workerError.Store(ev.Data)
		b.queue.Close()
	}
	return err
}
