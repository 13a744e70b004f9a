package events

import (
	"context"
	"fmt"

	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/ipc"
	"github.com/billm/baaaht/forknode/pkg/types"
)

// Middleware inspects or rewrites an event before it reaches a handler.
// Returning a FILTERED error drops the event quietly.
type Middleware interface {
	Process(ctx context.Context, event *types.Event) (*types.Event, error)
}

// MiddlewareFunc adapts a function to Middleware
type MiddlewareFunc func(ctx context.Context, event *types.Event) (*types.Event, error)

func (f MiddlewareFunc) Process(ctx context.Context, event *types.Event) (*types.Event, error) {
	return f(ctx, event)
}

// FilterMiddleware drops events the predicate rejects
type FilterMiddleware struct {
	logger *logger.Logger
	filter func(*types.Event) bool
}

// NewFilterMiddleware creates a new filter middleware
func NewFilterMiddleware(log *logger.Logger, filter func(*types.Event) bool) (*FilterMiddleware, error) {
	if filter == nil {
		return nil, types.NewError(types.ErrCodeInvalid, "filter function cannot be nil")
	}
	log, err := defaultLogger(log)
	if err != nil {
		return nil, err
	}
	return &FilterMiddleware{
		logger: log.With("component", "filter_middleware"),
		filter: filter,
	}, nil
}

func (m *FilterMiddleware) Process(ctx context.Context, event *types.Event) (*types.Event, error) {
	if !m.filter(event) {
		m.logger.Debug("Event filtered", "kind", string(event.Kind), "fork_id", int(event.ForkID))
		return event, types.NewError(types.ErrCodeFiltered, fmt.Sprintf("event %s filtered", event.Kind))
	}
	return event, nil
}

// KindFilterMiddleware passes only the listed kinds or patterns ("console.*").
// With no patterns every event passes.
type KindFilterMiddleware struct {
	patterns []string
}

// NewKindFilterMiddleware creates a kind filter
func NewKindFilterMiddleware(patterns ...string) (*KindFilterMiddleware, error) {
	for _, p := range patterns {
		if err := validatePattern(p); err != nil {
			return nil, types.WrapError(types.ErrCodeInvalid, "invalid pattern", err)
		}
	}
	return &KindFilterMiddleware{patterns: patterns}, nil
}

func (m *KindFilterMiddleware) Process(ctx context.Context, event *types.Event) (*types.Event, error) {
	if len(m.patterns) == 0 {
		return event, nil
	}
	for _, p := range m.patterns {
		if matchPattern(string(event.Kind), p) {
			return event, nil
		}
	}
	return event, types.NewError(types.ErrCodeFiltered, fmt.Sprintf("event kind %s not allowed", event.Kind))
}

// ValidationMiddleware rejects events missing a kind or timestamp
type ValidationMiddleware struct {
	logger           *logger.Logger
	requireTimestamp bool
	validators       []func(*types.Event) error
}

// NewValidationMiddleware creates a new validation middleware
func NewValidationMiddleware(log *logger.Logger) (*ValidationMiddleware, error) {
	log, err := defaultLogger(log)
	if err != nil {
		return nil, err
	}
	return &ValidationMiddleware{
		logger:           log.With("component", "validation_middleware"),
		requireTimestamp: true,
	}, nil
}

func (m *ValidationMiddleware) Process(ctx context.Context, event *types.Event) (*types.Event, error) {
	if event.Kind == "" {
		return event, types.NewError(types.ErrCodeInvalid, "event kind is required")
	}
	if m.requireTimestamp && event.Timestamp.IsZero() {
		return event, types.NewError(types.ErrCodeInvalid, "event timestamp is required")
	}
	for i, validator := range m.validators {
		if err := validator(event); err != nil {
			m.logger.Debug("Event validation failed", "validator_index", i, "error", err)
			return event, types.WrapError(types.ErrCodeInvalid,
				fmt.Sprintf("validation failed at validator %d", i), err)
		}
	}
	return event, nil
}

// SetRequireTimestamp sets whether a timestamp is required
func (m *ValidationMiddleware) SetRequireTimestamp(require bool) {
	m.requireTimestamp = require
}

// AddValidator adds a custom validator
func (m *ValidationMiddleware) AddValidator(validator func(*types.Event) error) {
	m.validators = append(m.validators, validator)
}

// MiddlewareChain runs middleware in order, then hands the event to a handler
type MiddlewareChain struct {
	middleware []Middleware
	handler    ipc.EventHandler
	logger     *logger.Logger
}

var _ ipc.EventHandler = (*MiddlewareChain)(nil)

// NewMiddlewareChain creates a chain ending in handler
func NewMiddlewareChain(log *logger.Logger, handler ipc.EventHandler, middleware ...Middleware) (*MiddlewareChain, error) {
	if handler == nil {
		return nil, types.NewError(types.ErrCodeInvalid, "handler cannot be nil")
	}
	log, err := defaultLogger(log)
	if err != nil {
		return nil, err
	}
	return &MiddlewareChain{
		middleware: middleware,
		handler:    handler,
		logger:     log.With("component", "middleware_chain"),
	}, nil
}

// Process executes all middleware in the chain
func (c *MiddlewareChain) Process(ctx context.Context, event *types.Event) (*types.Event, error) {
	var err error
	for i, mw := range c.middleware {
		event, err = mw.Process(ctx, event)
		if err != nil {
			c.logger.Debug("Middleware chain stopped", "middleware_index", i, "error", err)
			return event, err
		}
	}
	return event, nil
}

// HandleEvent runs the middleware and delivers the result. Filtered events
// are dropped without error.
func (c *MiddlewareChain) HandleEvent(ctx context.Context, event *types.Event) error {
	event, err := c.Process(ctx, event)
	if err != nil {
		if types.IsErrCode(err, types.ErrCodeFiltered) {
			return nil
		}
		return err
	}
	return c.handler.HandleEvent(ctx, event)
}

// AddMiddleware adds middleware to the end of the chain
func (c *MiddlewareChain) AddMiddleware(mw Middleware) {
	c.middleware = append(c.middleware, mw)
}

// MiddlewareCount returns the number of middleware in the chain
func (c *MiddlewareChain) MiddlewareCount() int {
	return len(c.middleware)
}
