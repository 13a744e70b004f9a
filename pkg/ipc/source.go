package ipc

import (
	"context"
	"io"
	"sync"

	"github.com/billm/baaaht/forknode/pkg/types"
)

// CommandSource supplies commands to the writer pump
type CommandSource interface {
	// Next blocks until a command is ready. It returns io.EOF once the
	// source is closed and drained, or the context error.
	Next(ctx context.Context) (*types.Command, error)
	// Close signals that no more commands will be produced
	Close() error
}

// CommandQueue is an unbounded FIFO CommandSource
type CommandQueue struct {
	mu     sync.Mutex
	items  []*types.Command
	closed bool
	ready  chan struct{}
	done   chan struct{}
}

// NewCommandQueue creates an empty, open queue
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends cmd. It fails with UNAVAILABLE after Close.
func (q *CommandQueue) Push(cmd *types.Command) error {
	if cmd == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "command cannot be nil")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return types.NewError(types.ErrCodeUnavailable, "command queue is closed")
	}
	q.items = append(q.items, cmd)
	q.signal()
	return nil
}

// signal wakes one waiter; the caller holds mu
func (q *CommandQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *CommandQueue) Next(ctx context.Context) (*types.Command, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			cmd := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return cmd, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, io.EOF
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close marks the end of input. Commands already queued are still delivered.
func (q *CommandQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

// Len returns the number of queued commands
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
