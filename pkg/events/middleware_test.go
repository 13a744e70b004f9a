package events

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/types"
)

func TestMiddlewareChainFiltersQuietly(t *testing.T) {
	sink := newMockRouteHandler("sink", nil)
	kinds, err := NewKindFilterMiddleware("test.*", "worker.bye")
	if err != nil {
		t.Fatalf("NewKindFilterMiddleware() error = %v", err)
	}

	chain, err := NewMiddlewareChain(logger.NewNop(), sink, kinds)
	if err != nil {
		t.Fatalf("NewMiddlewareChain() error = %v", err)
	}

	ctx := context.Background()
	for _, kind := range []types.EventKind{types.EventTestStarting, types.EventStdout, types.EventWorkerBye, types.EventConsoleDebug} {
		if err := chain.HandleEvent(ctx, types.NewEvent(kind, "")); err != nil {
			t.Fatalf("HandleEvent(%s) error = %v", kind, err)
		}
	}
	if sink.getEventCount() != 2 {
		t.Errorf("sink got %d events, want 2", sink.getEventCount())
	}

	if _, err := NewKindFilterMiddleware("bad*"); err == nil {
		t.Error("NewKindFilterMiddleware() accepted an invalid pattern")
	}
}

func TestMiddlewareChainTransformsAndValidates(t *testing.T) {
	sink := newMockRouteHandler("sink", nil)

	upper := MiddlewareFunc(func(ctx context.Context, ev *types.Event) (*types.Event, error) {
		out := *ev
		out.Data = strings.ToUpper(ev.Data)
		return &out, nil
	})
	validation, err := NewValidationMiddleware(logger.NewNop())
	if err != nil {
		t.Fatalf("NewValidationMiddleware() error = %v", err)
	}
	validation.AddValidator(func(ev *types.Event) error {
		if ev.Kind == types.EventTestFailed && ev.Data == "" {
			return errors.New("failure without a test name")
		}
		return nil
	})

	chain, _ := NewMiddlewareChain(logger.NewNop(), sink, upper)
	chain.AddMiddleware(validation)
	if chain.MiddlewareCount() != 2 {
		t.Errorf("MiddlewareCount() = %d", chain.MiddlewareCount())
	}

	ctx := context.Background()
	if err := chain.HandleEvent(ctx, types.NewEvent(types.EventConsoleInfo, "hello")); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if sink.events[0].Data != "HELLO" {
		t.Errorf("transformed data = %q", sink.events[0].Data)
	}

	err = chain.HandleEvent(ctx, types.NewEvent(types.EventTestFailed, ""))
	if !types.IsErrCode(err, types.ErrCodeInvalid) {
		t.Errorf("HandleEvent(invalid) error = %v, want INVALID", err)
	}

	err = chain.HandleEvent(ctx, &types.Event{Kind: types.EventStdout})
	if !types.IsErrCode(err, types.ErrCodeInvalid) {
		t.Errorf("missing timestamp error = %v, want INVALID", err)
	}
	validation.SetRequireTimestamp(false)
	if err := chain.HandleEvent(ctx, &types.Event{Kind: types.EventStdout}); err != nil {
		t.Errorf("HandleEvent() without timestamp error = %v", err)
	}
}

func TestFilterMiddleware(t *testing.T) {
	onlyFork1, err := NewFilterMiddleware(logger.NewNop(), func(ev *types.Event) bool { return ev.ForkID == 1 })
	if err != nil {
		t.Fatalf("NewFilterMiddleware() error = %v", err)
	}

	ev := types.NewEvent(types.EventStdout, "")
	ev.ForkID = 2
	if _, err := onlyFork1.Process(context.Background(), ev); !types.IsErrCode(err, types.ErrCodeFiltered) {
		t.Errorf("Process() error = %v, want FILTERED", err)
	}

	if _, err := NewFilterMiddleware(logger.NewNop(), nil); err == nil {
		t.Error("NewFilterMiddleware(nil) should fail")
	}
}
