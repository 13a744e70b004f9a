package ipc

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/codec"
	"github.com/billm/baaaht/forknode/pkg/types"
	"github.com/stretchr/testify/require"
)

const testBound = 5 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testBound)
	t.Cleanup(cancel)
	return ctx
}

// newTestSocketChannel returns an accepted channel and the worker side of its session
func newTestSocketChannel(t *testing.T, c codec.Codec, opts ...Option) (*ForkChannel, *net.TCPConn) {
	t.Helper()

	ep, err := NewSocketEndpoint(7, logger.NewNop())
	require.NoError(t, err)

	ch, err := NewWithEndpoint(ep, c, logger.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })

	conn, err := net.Dial("tcp", strings.TrimPrefix(ch.ConnectionString(), "tcp://"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, ch.Accept(testContext(t)))
	require.Equal(t, StateConnected, ch.State())

	return ch, conn.(*net.TCPConn)
}

func jsonlCodec() codec.Codec { return codec.JSONLines{MaxFrameSize: 4096} }

// recordingHandler collects events and lets tests wait for a count
type recordingHandler struct {
	mu     sync.Mutex
	events []*types.Event
	notify chan struct{}
	fn     func(n int, ev *types.Event) error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan struct{}, 64)}
}

func (h *recordingHandler) HandleEvent(ctx context.Context, ev *types.Event) error {
	h.mu.Lock()
	h.events = append(h.events, ev)
	n := len(h.events)
	h.mu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
	if h.fn != nil {
		return h.fn(n, ev)
	}
	return nil
}

func (h *recordingHandler) kinds() []types.EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.EventKind, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (h *recordingHandler) snapshot() []*types.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*types.Event(nil), h.events...)
}

// closeCounter counts Close calls
type closeCounter struct {
	mu    sync.Mutex
	calls int
}

func (c *closeCounter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func (c *closeCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testBound):
		t.Fatalf("%s did not finish within %s", what, testBound)
	}
}
