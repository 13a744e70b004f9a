package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/types"
)

// mockRouteHandler is a test handler that records events
type mockRouteHandler struct {
	mu       sync.Mutex
	name     string
	order    *[]string
	events   []*types.Event
	handleFn func(context.Context, *types.Event) error
}

func newMockRouteHandler(name string, order *[]string) *mockRouteHandler {
	return &mockRouteHandler{name: name, order: order}
}

func (m *mockRouteHandler) HandleEvent(ctx context.Context, event *types.Event) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	if m.order != nil {
		*m.order = append(*m.order, m.name)
	}
	m.mu.Unlock()

	if m.handleFn != nil {
		return m.handleFn(ctx, event)
	}
	return nil
}

func (m *mockRouteHandler) getEventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func createTestRouter(t *testing.T) *Router {
	t.Helper()
	router, err := NewRouter(logger.NewNop())
	if err != nil {
		t.Fatalf("Failed to create router: %v", err)
	}
	return router
}

func TestRouterExactAndWildcardRoutes(t *testing.T) {
	router := createTestRouter(t)

	exact := newMockRouteHandler("exact", nil)
	wildcard := newMockRouteHandler("wildcard", nil)
	all := newMockRouteHandler("all", nil)

	if _, err := router.AddRoute("test.failed", exact); err != nil {
		t.Fatalf("AddRoute(exact) error = %v", err)
	}
	if _, err := router.AddRoute("test.*", wildcard); err != nil {
		t.Fatalf("AddRoute(wildcard) error = %v", err)
	}
	if _, err := router.AddRoute("*", all); err != nil {
		t.Fatalf("AddRoute(*) error = %v", err)
	}

	ctx := context.Background()
	for _, kind := range []types.EventKind{types.EventTestFailed, types.EventTestSucceeded, types.EventStdout, "testset.starting"} {
		if err := router.HandleEvent(ctx, types.NewEvent(kind, "")); err != nil {
			t.Fatalf("HandleEvent(%s) error = %v", kind, err)
		}
	}

	if got := exact.getEventCount(); got != 1 {
		t.Errorf("exact handler got %d events, want 1", got)
	}
	// "testset.starting" must not match "test.*"
	if got := wildcard.getEventCount(); got != 2 {
		t.Errorf("wildcard handler got %d events, want 2", got)
	}
	if got := all.getEventCount(); got != 4 {
		t.Errorf("catch-all handler got %d events, want 4", got)
	}
}

func TestRouterPriorityOrder(t *testing.T) {
	router := createTestRouter(t)
	var order []string

	router.AddRouteWithPriority("*", newMockRouteHandler("low", &order), -1)
	router.AddRoute("console.*", newMockRouteHandler("first-default", &order))
	router.AddRouteWithPriority("console.info", newMockRouteHandler("high", &order), 10)
	router.AddRoute("console.info", newMockRouteHandler("second-default", &order))

	if err := router.HandleEvent(context.Background(), types.NewEvent(types.EventConsoleInfo, "hello")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	want := []string{"high", "first-default", "second-default", "low"}
	if len(order) != len(want) {
		t.Fatalf("dispatch order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("dispatch order = %v, want %v", order, want)
			break
		}
	}
}

func TestRouterHandlerFailureDoesNotStopOthers(t *testing.T) {
	router := createTestRouter(t)

	failing := newMockRouteHandler("failing", nil)
	failing.handleFn = func(context.Context, *types.Event) error { return errors.New("boom") }
	healthy := newMockRouteHandler("healthy", nil)

	router.AddRouteWithPriority("test.*", failing, 1)
	router.AddRoute("test.*", healthy)

	err := router.HandleEvent(context.Background(), types.NewEvent(types.EventTestError, ""))
	if !types.IsErrCode(err, types.ErrCodeHandlerFailed) {
		t.Fatalf("HandleEvent() error = %v, want HANDLER_FAILED", err)
	}
	if healthy.getEventCount() != 1 {
		t.Error("healthy handler was skipped after a failure")
	}
}

func TestRouterRemoveAndDeactivate(t *testing.T) {
	router := createTestRouter(t)
	h := newMockRouteHandler("h", nil)

	id, err := router.AddRoute("worker.*", h)
	if err != nil {
		t.Fatalf("AddRoute() error = %v", err)
	}

	if err := router.SetRouteActive(id, false); err != nil {
		t.Fatalf("SetRouteActive() error = %v", err)
	}
	router.HandleEvent(context.Background(), types.NewEvent(types.EventWorkerBye, ""))
	if h.getEventCount() != 0 {
		t.Error("inactive route received an event")
	}

	stats := router.Stats()
	if stats.TotalRoutes != 1 || stats.WildcardRoutes != 1 || stats.InactiveRoutes != 1 {
		t.Errorf("Stats() = %s", stats)
	}

	if err := router.RemoveRoute(id); err != nil {
		t.Fatalf("RemoveRoute() error = %v", err)
	}
	if len(router.ListRoutes()) != 0 {
		t.Error("route still listed after removal")
	}
	if err := router.RemoveRoute(id); !types.IsErrCode(err, types.ErrCodeNotFound) {
		t.Errorf("RemoveRoute() twice error = %v, want NOT_FOUND", err)
	}
}

func TestRouterValidatePattern(t *testing.T) {
	tests := []struct {
		pattern string
		wantErr bool
	}{
		{"test.failed", false},
		{"test.*", false},
		{"*", false},
		{"", true},
		{"test.", true},
		{"*.failed", true},
		{"te*st", true},
		{"test.*.x", true},
	}

	router := createTestRouter(t)
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			_, err := router.AddRoute(tt.pattern, newMockRouteHandler("h", nil))
			if (err != nil) != tt.wantErr {
				t.Errorf("AddRoute(%q) error = %v, wantErr %v", tt.pattern, err, tt.wantErr)
			}
		})
	}

	if _, err := router.AddRoute("test.*", nil); !types.IsErrCode(err, types.ErrCodeInvalid) {
		t.Errorf("AddRoute(nil handler) error = %v", err)
	}
}

func TestRouterClose(t *testing.T) {
	router := createTestRouter(t)
	if err := router.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := router.Close(); err == nil {
		t.Error("second Close() should fail")
	}
	if _, err := router.AddRoute("*", newMockRouteHandler("h", nil)); !types.IsErrCode(err, types.ErrCodeUnavailable) {
		t.Errorf("AddRoute after Close error = %v", err)
	}
	if err := router.HandleEvent(context.Background(), types.NewEvent(types.EventStdout, "")); !types.IsErrCode(err, types.ErrCodeUnavailable) {
		t.Errorf("HandleEvent after Close error = %v", err)
	}
}
