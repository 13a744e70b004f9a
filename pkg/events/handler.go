package events

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/ipc"
	"github.com/billm/baaaht/forknode/pkg/types"
)

func defaultLogger(log *logger.Logger) (*logger.Logger, error) {
	if log != nil {
		return log, nil
	}
	log, err := logger.NewDefault()
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
	}
	return log, nil
}

// HandlerChain runs handlers in sequence and stops at the first error
type HandlerChain struct {
	handlers []ipc.EventHandler
	logger   *logger.Logger
}

// NewHandlerChain creates a new handler chain
func NewHandlerChain(log *logger.Logger, handlers ...ipc.EventHandler) (*HandlerChain, error) {
	if len(handlers) == 0 {
		return nil, types.NewError(types.ErrCodeInvalid, "at least one handler required")
	}
	for i, h := range handlers {
		if h == nil {
			return nil, types.NewError(types.ErrCodeInvalid, fmt.Sprintf("handler at index %d is nil", i))
		}
	}
	log, err := defaultLogger(log)
	if err != nil {
		return nil, err
	}

	return &HandlerChain{
		handlers: handlers,
		logger:   log.With("component", "handler_chain"),
	}, nil
}

// HandleEvent executes all handlers in the chain
func (c *HandlerChain) HandleEvent(ctx context.Context, event *types.Event) error {
	for i, handler := range c.handlers {
		if err := handler.HandleEvent(ctx, event); err != nil {
			return types.WrapError(types.ErrCodeHandlerFailed,
				fmt.Sprintf("handler at index %d failed", i), err)
		}
	}
	return nil
}

// HandlerCount returns the number of handlers in the chain
func (c *HandlerChain) HandlerCount() int {
	return len(c.handlers)
}

// TimeoutHandler bounds how long the wrapped handler may hold up the event
// reader. On timeout the handler's context is cancelled and the event is
// abandoned; the handler goroutine is left to finish on its own.
type TimeoutHandler struct {
	handler ipc.EventHandler
	logger  *logger.Logger
	timeout time.Duration
}

// NewTimeoutHandler creates a new timeout handler. A zero timeout means 30s.
func NewTimeoutHandler(log *logger.Logger, handler ipc.EventHandler, timeout time.Duration) (*TimeoutHandler, error) {
	if handler == nil {
		return nil, types.NewError(types.ErrCodeInvalid, "handler cannot be nil")
	}
	log, err := defaultLogger(log)
	if err != nil {
		return nil, err
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &TimeoutHandler{
		handler: handler,
		logger:  log.With("component", "timeout_handler"),
		timeout: timeout,
	}, nil
}

// HandleEvent executes the handler with a timeout
func (h *TimeoutHandler) HandleEvent(ctx context.Context, event *types.Event) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- types.NewError(types.ErrCodeInternal, fmt.Sprintf("handler panic: %v", r))
			}
		}()
		resultCh <- h.handler.HandleEvent(ctx, event)
	}()

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		h.logger.Warn("Event handler abandoned", "kind", string(event.Kind), "timeout", h.timeout.String())
		return types.NewError(types.ErrCodeTimeout, fmt.Sprintf("handler timed out after %v", h.timeout))
	}
}

// LoggingHandler logs every event at the configured level before handing it on
type LoggingHandler struct {
	handler  ipc.EventHandler
	logger   *logger.Logger
	logLevel string
}

// NewLoggingHandler creates a new logging handler. handler may be nil to only log.
func NewLoggingHandler(log *logger.Logger, handler ipc.EventHandler, logLevel string) (*LoggingHandler, error) {
	log, err := defaultLogger(log)
	if err != nil {
		return nil, err
	}
	if logLevel == "" {
		logLevel = "info"
	}

	return &LoggingHandler{
		handler:  handler,
		logger:   log.With("component", "event_log"),
		logLevel: logLevel,
	}, nil
}

// HandleEvent logs the event and runs the wrapped handler
func (h *LoggingHandler) HandleEvent(ctx context.Context, event *types.Event) error {
	args := []any{"kind", string(event.Kind), "fork_id", int(event.ForkID), "data", event.Data}
	switch h.logLevel {
	case "debug":
		h.logger.Debug("Event", args...)
	default:
		h.logger.Info("Event", args...)
	}

	if h.handler == nil {
		return nil
	}
	return h.handler.HandleEvent(ctx, event)
}

// PrintHandler writes one line per event to w
type PrintHandler struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPrintHandler creates a handler printing to w
func NewPrintHandler(w io.Writer) *PrintHandler {
	return &PrintHandler{w: w}
}

// HandleEvent prints "[fork N] kind data"
func (h *PrintHandler) HandleEvent(ctx context.Context, event *types.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	if event.Data == "" {
		_, err = fmt.Fprintf(h.w, "[fork %d] %s\n", event.ForkID, event.Kind)
	} else {
		_, err = fmt.Fprintf(h.w, "[fork %d] %s %s\n", event.ForkID, event.Kind, event.Data)
	}
	return err
}

// Collector records events and tallies test outcomes. It is safe to share
// between the event readers of several channels.
type Collector struct {
	mu     sync.Mutex
	events []*types.Event
	counts map[types.EventKind]int
}

// NewCollector creates an empty collector
func NewCollector() *Collector {
	return &Collector{counts: make(map[types.EventKind]int)}
}

// HandleEvent records the event
func (c *Collector) HandleEvent(ctx context.Context, event *types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	c.counts[event.Kind]++
	return nil
}

// Events returns a copy of every recorded event
func (c *Collector) Events() []*types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Event(nil), c.events...)
}

// ForFork returns the events of one fork in arrival order
func (c *Collector) ForFork(id types.ForkChannelID) []*types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*types.Event
	for _, ev := range c.events {
		if ev.ForkID == id {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns how many events of kind were recorded
func (c *Collector) Count(kind types.EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[kind]
}

// Summary tallies test outcomes and channel failures
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summary{
		Succeeded:     c.counts[types.EventTestSucceeded],
		Failed:        c.counts[types.EventTestFailed],
		Errors:        c.counts[types.EventTestError],
		Skipped:       c.counts[types.EventTestSkipped],
		WorkerErrors:  c.counts[types.EventWorkerExitError],
		ChannelErrors: c.counts[types.EventChannelError],
	}
}

// Summary is the outcome of a run as reported by the workers
type Summary struct {
	Succeeded     int `json:"succeeded"`
	Failed        int `json:"failed"`
	Errors        int `json:"errors"`
	Skipped       int `json:"skipped"`
	WorkerErrors  int `json:"worker_errors"`
	ChannelErrors int `json:"channel_errors"`
}

// OK reports whether nothing failed
func (s Summary) OK() bool {
	return s.Failed == 0 && s.Errors == 0 && s.WorkerErrors == 0 && s.ChannelErrors == 0
}

func (s Summary) String() string {
	return fmt.Sprintf("Summary{Succeeded: %d, Failed: %d, Errors: %d, Skipped: %d, WorkerErrors: %d, ChannelErrors: %d}",
		s.Succeeded, s.Failed, s.Errors, s.Skipped, s.WorkerErrors, s.ChannelErrors)
}
