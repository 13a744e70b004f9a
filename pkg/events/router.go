package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/ipc"
	"github.com/billm/baaaht/forknode/pkg/types"
)

// Router dispatches events to handlers registered on kind patterns.
// Patterns use the dotted event kinds:
//   - Exact match: "test.failed"
//   - Wildcard: "test.*" matches every test event
//   - Catch-all: "*"
//
// Matching handlers run one after another, highest priority first, so a
// Router keeps the wire order it receives from the event reader.
type Router struct {
	mu     sync.RWMutex
	routes []*routeEntry
	logger *logger.Logger
	closed bool
}

// routeEntry represents a single route registration
type routeEntry struct {
	ID       types.ID
	Pattern  string
	Handler  ipc.EventHandler
	Active   bool
	Priority int
}

var _ ipc.EventHandler = (*Router)(nil)

// NewRouter creates a new event router
func NewRouter(log *logger.Logger) (*Router, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	return &Router{logger: log.With("component", "event_router")}, nil
}

// AddRoute registers a handler with priority 0
func (r *Router) AddRoute(pattern string, handler ipc.EventHandler) (types.ID, error) {
	return r.AddRouteWithPriority(pattern, handler, 0)
}

// AddRouteWithPriority registers a handler. Higher priority runs first;
// equal priorities run in registration order.
func (r *Router) AddRouteWithPriority(pattern string, handler ipc.EventHandler, priority int) (types.ID, error) {
	if handler == nil {
		return "", types.NewError(types.ErrCodeInvalid, "handler cannot be nil")
	}
	if err := validatePattern(pattern); err != nil {
		return "", types.WrapError(types.ErrCodeInvalid, "invalid pattern", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", types.NewError(types.ErrCodeUnavailable, "router is closed")
	}

	entry := &routeEntry{
		ID:       types.GenerateID(),
		Pattern:  pattern,
		Handler:  handler,
		Active:   true,
		Priority: priority,
	}
	r.routes = append(r.routes, entry)
	sort.SliceStable(r.routes, func(i, j int) bool {
		return r.routes[i].Priority > r.routes[j].Priority
	})

	r.logger.Debug("Route added", "route_id", entry.ID.String(), "pattern", pattern, "priority", priority)
	return entry.ID, nil
}

// RemoveRoute removes a route by ID
func (r *Router) RemoveRoute(routeID types.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, entry := range r.routes {
		if entry.ID == routeID {
			r.routes = append(r.routes[:i], r.routes[i+1:]...)
			r.logger.Debug("Route removed", "route_id", routeID.String(), "pattern", entry.Pattern)
			return nil
		}
	}
	return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("route not found: %s", routeID))
}

// SetRouteActive enables or disables a route without removing it
func (r *Router) SetRouteActive(routeID types.ID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.routes {
		if entry.ID == routeID {
			entry.Active = active
			return nil
		}
	}
	return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("route not found: %s", routeID))
}

// HandleEvent routes one event to every active matching handler.
// All handlers run even if one fails; failures are joined into one HANDLER_FAILED error.
func (r *Router) HandleEvent(ctx context.Context, event *types.Event) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return types.NewError(types.ErrCodeUnavailable, "router is closed")
	}
	handlers := r.match(string(event.Kind))
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.Debug("No handlers for event", "kind", string(event.Kind), "fork_id", int(event.ForkID))
		return nil
	}

	var errs []error
	for _, entry := range handlers {
		if err := entry.Handler.HandleEvent(ctx, event); err != nil {
			r.logger.Error("Handler failed",
				"route_id", entry.ID.String(),
				"pattern", entry.Pattern,
				"kind", string(event.Kind),
				"error", err)
			errs = append(errs, fmt.Errorf("route %s: %w", entry.Pattern, err))
		}
	}

	if len(errs) > 0 {
		return types.WrapError(types.ErrCodeHandlerFailed,
			fmt.Sprintf("%d handler(s) failed", len(errs)), errors.Join(errs...))
	}
	return nil
}

// match returns the active routes for kind in dispatch order; the caller holds mu
func (r *Router) match(kind string) []*routeEntry {
	var out []*routeEntry
	for _, entry := range r.routes {
		if entry.Active && matchPattern(kind, entry.Pattern) {
			out = append(out, entry)
		}
	}
	return out
}

// matchPattern checks if a kind matches a pattern
func matchPattern(kind, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(kind, prefix+".")
	}
	return kind == pattern
}

// validatePattern validates a kind pattern
func validatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern cannot be empty")
	}
	if pattern == "*" {
		return nil
	}

	parts := strings.Split(pattern, ".")
	for i, part := range parts {
		if part == "" {
			return fmt.Errorf("pattern has empty segment: %s", pattern)
		}
		if strings.Contains(part, "*") && (part != "*" || i != len(parts)-1) {
			return fmt.Errorf("wildcard must be the last segment: %s", pattern)
		}
	}
	return nil
}

// ListRoutes returns all registered routes in dispatch order
func (r *Router) ListRoutes() []RouteInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make([]RouteInfo, 0, len(r.routes))
	for _, entry := range r.routes {
		routes = append(routes, RouteInfo{
			ID:       entry.ID,
			Pattern:  entry.Pattern,
			Active:   entry.Active,
			Priority: entry.Priority,
		})
	}
	return routes
}

// Stats returns router statistics
func (r *Router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s RouterStats
	for _, entry := range r.routes {
		s.TotalRoutes++
		if entry.Pattern == "*" || strings.HasSuffix(entry.Pattern, ".*") {
			s.WildcardRoutes++
		} else {
			s.ExactRoutes++
		}
		if entry.Active {
			s.ActiveRoutes++
		}
	}
	s.InactiveRoutes = s.TotalRoutes - s.ActiveRoutes
	return s
}

// Close stops the router from accepting routes or events
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return types.NewError(types.ErrCodeInvalid, "router already closed")
	}
	r.closed = true
	r.logger.Debug("Event router closed")
	return nil
}

// RouteInfo contains information about a route
type RouteInfo struct {
	ID       types.ID `json:"id"`
	Pattern  string   `json:"pattern"`
	Active   bool     `json:"active"`
	Priority int      `json:"priority"`
}

// RouterStats contains statistics about the router
type RouterStats struct {
	TotalRoutes    int `json:"total_routes"`
	ExactRoutes    int `json:"exact_routes"`
	WildcardRoutes int `json:"wildcard_routes"`
	ActiveRoutes   int `json:"active_routes"`
	InactiveRoutes int `json:"inactive_routes"`
}

// String returns a string representation of the stats
func (s RouterStats) String() string {
	return fmt.Sprintf("RouterStats{Total: %d, Exact: %d, Wildcard: %d, Active: %d, Inactive: %d}",
		s.TotalRoutes, s.ExactRoutes, s.WildcardRoutes, s.ActiveRoutes, s.InactiveRoutes)
}
