package ipc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/billm/baaaht/forknode/internal/config"
	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/codec"
	"github.com/billm/baaaht/forknode/pkg/types"
)

// pumpCount is the number of participants sharing an endpoint
const pumpCount = 2

// State is the lifecycle position of a ForkChannel
type State int

const (
	StateBound State = iota
	StateAwaitingConnection
	StateConnected
	StatePumpsRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateBound:
		return "bound"
	case StateAwaitingConnection:
		return "awaiting_connection"
	case StateConnected:
		return "connected"
	case StatePumpsRunning:
		return "pumps_running"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option configures a ForkChannel
type Option func(*ForkChannel)

// WithMetrics records channel activity in m
func WithMetrics(m *Metrics) Option {
	return func(c *ForkChannel) { c.metrics = m }
}

// WithAcceptTimeout bounds Accept; zero waits for the caller's context only
func WithAcceptTimeout(d time.Duration) Option {
	return func(c *ForkChannel) { c.acceptTimeout = d }
}

// WithShutdownTimeout bounds Shutdown when the caller's context has no deadline
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *ForkChannel) { c.shutdownTimeout = d }
}

// ForkChannel binds one Endpoint to one CommandWriter and one EventReader.
// Close may be called any number of times from any goroutine.
type ForkChannel struct {
	id              types.ForkChannelID
	endpoint        Endpoint
	codec           codec.Codec
	countdown       *CountdownCloser
	metrics         *Metrics
	logger          *logger.Logger
	acceptTimeout   time.Duration
	shutdownTimeout time.Duration

	mu        sync.Mutex
	state     State
	acceptErr error
	writer    *CommandWriter
	reader *EventReader
}

// New creates the endpoint and codec described by cfg
func New(id types.ForkChannelID, cfg config.ChannelConfig, log *logger.Logger, opts ...Option) (*ForkChannel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	c, err := codec.New(cfg.Codec, cfg.MaxFrameSize)
	if err != nil {
		return nil, err
	}
	ep, err := NewEndpoint(id, cfg.Transport, log)
	if err != nil {
		return nil, err
	}

	opts = append([]Option{
		WithAcceptTimeout(cfg.AcceptTimeout),
		WithShutdownTimeout(cfg.ShutdownTimeout),
	}, opts...)
	return NewWithEndpoint(ep, c, log, opts...)
}

// NewWithEndpoint wraps an existing endpoint. The channel takes ownership of ep.
func NewWithEndpoint(ep Endpoint, c codec.Codec, log *logger.Logger, opts ...Option) (*ForkChannel, error) {
	if ep == nil || c == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "endpoint and codec are required")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	ch := &ForkChannel{
		id:              ep.ID(),
		endpoint:        ep,
		codec:           c,
		countdown:       NewCountdownCloser(ep, pumpCount),
		shutdownTimeout: config.DefaultShutdownTimeout,
		state:           StateBound,
	}
	for _, opt := range opts {
		opt(ch)
	}
	ch.logger = log.With("component", "fork_channel", "fork_id", int(ch.id))

	ch.logger.Info("Fork channel created",
		"connection", ep.ConnectionString(),
		"codec", c.Name(),
		"stdio", ep.UsesStdio())

	return ch, nil
}

func (c *ForkChannel) ID() types.ForkChannelID { return c.id }

// ConnectionString is passed to the worker at launch
func (c *ForkChannel) ConnectionString() string { return c.endpoint.ConnectionString() }

func (c *ForkChannel) UsesStdio() bool { return c.endpoint.UsesStdio() }

// Endpoint exposes the transport for launchers that need to hand files to the worker
func (c *ForkChannel) Endpoint() Endpoint { return c.endpoint }

func (c *ForkChannel) Codec() codec.Codec { return c.codec }

// State returns the current lifecycle state
func (c *ForkChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePumpsRunning && c.countdown.Closed() {
		return StateClosed
	}
	return c.state
}

// Writer returns the command pump, nil before Bind
func (c *ForkChannel) Writer() *CommandWriter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer
}

// Reader returns the event pump, nil before Bind
func (c *ForkChannel) Reader() *EventReader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reader
}

// Accept waits for the worker to connect. Only the first call may proceed;
// any later call fails with ILLEGAL_STATE whatever the first one returned.
func (c *ForkChannel) Accept(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "fork channel is closed")
	case StateBound:
	default:
		state, prevErr := c.state, c.acceptErr
		c.mu.Unlock()
		if prevErr != nil {
			return types.WrapError(types.ErrCodeIllegalState,
				fmt.Sprintf("accept on fork %d already failed", c.id), prevErr)
		}
		return types.NewError(types.ErrCodeIllegalState,
			fmt.Sprintf("accept called twice on fork %d (channel is %s)", c.id, state))
	}
	c.state = StateAwaitingConnection
	c.mu.Unlock()

	if c.acceptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.acceptTimeout)
		defer cancel()
	}

	c.logger.Debug("Waiting for worker", "timeout", c.acceptTimeout.String())
	err := c.endpoint.Accept(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return types.NewError(types.ErrCodeUnavailable, "fork channel closed during accept")
	}
	if err != nil {
		c.acceptErr = err
		c.logger.Error("Worker did not connect", "error", err)
		return err
	}
	c.state = StateConnected
	return nil
}

// Bind starts both pumps. It may be called exactly once, after Accept.
// Cancelling ctx stops the command writer; the event reader keeps draining
// until the worker closes its output or the channel is closed.
func (c *ForkChannel) Bind(ctx context.Context, source CommandSource, handler EventHandler) error {
	if source == nil || handler == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "command source and event handler are required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return types.NewError(types.ErrCodeUnavailable, "fork channel is closed")
	case StateConnected:
	case StatePumpsRunning:
		return types.NewError(types.ErrCodeIllegalState, "fork channel is already bound")
	default:
		return types.NewError(types.ErrCodeIllegalState,
			fmt.Sprintf("fork channel is %s, accept must succeed before bind", c.state))
	}

	c.writer = newCommandWriter(ctx, c.endpoint, c.codec, source, c.countdown, c.metrics, c.logger)
	c.reader = newEventReader(ctx, c.endpoint, c.codec, handler, c.countdown, c.metrics, c.logger)
	c.state = StatePumpsRunning

	c.metrics.channelStarted()
	go func() {
		<-c.countdown.Done()
		c.metrics.channelStopped()
		c.logger.Info("Fork channel drained",
			"writer", c.writer.Reason(),
			"reader", c.reader.Reason(),
			"commands", c.writer.Written(),
			"events", c.reader.Delivered())
	}()

	c.writer.start()
	c.reader.start()
	return nil
}

// Done is closed once both pumps have finished, or the channel was closed
// before they started
func (c *ForkChannel) Done() <-chan struct{} {
	return c.countdown.Done()
}

// Wait blocks until Done or ctx ends
func (c *ForkChannel) Wait(ctx context.Context) error {
	return c.countdown.Wait(ctx)
}

// Shutdown waits for both pumps to drain. If they have not finished when
// the deadline passes, the channel is force-closed and TIMEOUT is returned.
func (c *ForkChannel) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	running := c.state == StatePumpsRunning
	c.mu.Unlock()
	if !running {
		return c.Close()
	}

	if _, ok := ctx.Deadline(); !ok && c.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.shutdownTimeout)
		defer cancel()
	}

	if err := c.Wait(ctx); err != nil {
		c.logger.Warn("Fork channel did not drain in time, forcing close", "error", err)
		c.Close()
		return err
	}
	return c.Close()
}

// Close stops both pumps, cancelling the context a blocked event handler is
// waiting on, and releases the endpoint through the countdown,
// so a pump still mid-flight sees a closed transport rather than a reused one.
// It does not wait for the pumps; use Wait or Shutdown for that.
func (c *ForkChannel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	c.state = StateClosed
	writer, reader := c.writer, c.reader
	c.mu.Unlock()

	if writer != nil {
		writer.Stop()
	}
	if reader != nil {
		reader.Stop()
	}
	if err := c.countdown.ForceClose(); err != nil {
		c.logger.Warn("Failed to close endpoint", "error", err)
	}
	if prev < StatePumpsRunning {
		// the pumps never started, so sign off on their behalf
		for i := 0; i < pumpCount; i++ {
			c.countdown.CountDown()
		}
	}

	c.logger.Debug("Fork channel closed", "previous_state", prev.String())
	return nil
}
