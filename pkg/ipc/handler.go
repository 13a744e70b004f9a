package ipc

import (
	"context"

	"github.com/billm/baaaht/forknode/pkg/types"
)

// EventHandler consumes events in the order the worker sent them.
// Errors and panics are logged by the reader pump and do not stop delivery.
type EventHandler interface {
	HandleEvent(ctx context.Context, event *types.Event) error
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc func(ctx context.Context, event *types.Event) error

func (f EventHandlerFunc) HandleEvent(ctx context.Context, event *types.Event) error {
	return f(ctx, event)
}
