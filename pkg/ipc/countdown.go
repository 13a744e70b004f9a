package ipc

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/billm/baaaht/forknode/pkg/types"
)

// CountdownCloser closes a shared resource once a fixed number of
// participants have each counted down. The resource is closed exactly once,
// whether by the final CountDown or by ForceClose.
type CountdownCloser struct {
	resource io.Closer
	count    atomic.Int64
	once     sync.Once
	closed   chan struct{}
	zero     chan struct{}
}

// NewCountdownCloser wraps resource with n participants.
// n <= 0 closes the resource immediately.
func NewCountdownCloser(resource io.Closer, n int) *CountdownCloser {
	c := &CountdownCloser{
		resource: resource,
		closed:   make(chan struct{}),
		zero:     make(chan struct{}),
	}
	c.count.Store(int64(n))
	if n <= 0 {
		c.closeResource()
		close(c.zero)
	}
	return c
}

// CountDown records one participant as finished. The caller whose
// decrement reaches zero closes the resource and receives its error.
// Calls past zero are no-ops.
func (c *CountdownCloser) CountDown() error {
	for {
		cur := c.count.Load()
		if cur <= 0 {
			return nil
		}
		if !c.count.CompareAndSwap(cur, cur-1) {
			continue
		}
		if cur > 1 {
			return nil
		}
		err := c.closeResource()
		close(c.zero)
		return err
	}
}

// ForceClose closes the resource now without touching the count.
// Participants still running see their I/O fail and count down as usual.
func (c *CountdownCloser) ForceClose() error {
	return c.closeResource()
}

func (c *CountdownCloser) closeResource() error {
	var err error
	c.once.Do(func() {
		err = c.resource.Close()
		close(c.closed)
	})
	return err
}

// Done is closed when every participant has counted down
func (c *CountdownCloser) Done() <-chan struct{} {
	return c.zero
}

// Wait blocks until the count reaches zero or ctx is done
func (c *CountdownCloser) Wait(ctx context.Context) error {
	select {
	case <-c.zero:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.WrapError(types.ErrCodeTimeout, "participants still running", ctx.Err())
		}
		return types.WrapError(types.ErrCodeCanceled, "wait abandoned", ctx.Err())
	}
}

// Await waits up to timeout and reports whether the count reached zero
func (c *CountdownCloser) Await(timeout time.Duration) bool {
	select {
	case <-c.zero:
		return true
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.zero:
		return true
	case <-t.C:
		return false
	}
}

// Remaining returns the number of participants yet to count down
func (c *CountdownCloser) Remaining() int {
	if n := c.count.Load(); n > 0 {
		return int(n)
	}
	return 0
}

// Closed reports whether the resource has been released
func (c *CountdownCloser) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
