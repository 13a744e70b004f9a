package ipc

import (
	"context"
	"io"
	"testing"

	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeEndpoint(t *testing.T) *PipeEndpoint {
	t.Helper()
	ep, err := NewPipeEndpoint(9, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	return ep
}

func TestPipeEndpointContract(t *testing.T) {
	ep := newTestPipeEndpoint(t)

	assert.Equal(t, "pipe://9", ep.ConnectionString())
	assert.True(t, ep.UsesStdio())

	_, err := ep.Write([]byte("x"))
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition), "got %v", err)

	require.NoError(t, ep.Accept(context.Background()))
	err = ep.Accept(context.Background())
	assert.True(t, types.IsErrCode(err, types.ErrCodeIllegalState), "got %v", err)
}

func TestPipeEndpointCancelledAccept(t *testing.T) {
	ep := newTestPipeEndpoint(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ep.Accept(ctx)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled), "got %v", err)

	err = ep.Accept(context.Background())
	assert.True(t, types.IsErrCode(err, types.ErrCodeIllegalState), "got %v", err)
	assert.Contains(t, err.Error(), "already failed")

	_, err = ep.Read(make([]byte, 1))
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition), "got %v", err)
}

func TestPipeEndpointRoundTrip(t *testing.T) {
	ep := newTestPipeEndpoint(t)
	stdin, stdout := ep.WorkerFiles()
	require.NotNil(t, stdin)
	require.NotNil(t, stdout)
	require.NoError(t, ep.Accept(context.Background()))

	_, err := ep.Write([]byte("cmd"))
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = io.ReadFull(stdin, buf)
	require.NoError(t, err)
	assert.Equal(t, "cmd", string(buf))

	_, err = stdout.Write([]byte("evt"))
	require.NoError(t, err)
	_, err = io.ReadFull(ep, buf)
	require.NoError(t, err)
	assert.Equal(t, "evt", string(buf))

	// end of input reaches the worker
	require.NoError(t, ep.CloseWrite())
	require.NoError(t, ep.CloseWrite())
	_, err = stdin.Read(buf)
	assert.Equal(t, io.EOF, err)

	// worker exit reaches the orchestrator
	ep.ReleaseWorkerFiles()
	_, err = ep.Read(buf)
	assert.Equal(t, io.EOF, err)

	in, out := ep.WorkerFiles()
	assert.Nil(t, in)
	assert.Nil(t, out)
}

func TestPipeEndpointCloseIdempotent(t *testing.T) {
	ep := newTestPipeEndpoint(t)
	require.NoError(t, ep.Accept(context.Background()))

	for i := 0; i < 3; i++ {
		assert.NoError(t, ep.Close())
	}
	_, err := ep.Read(make([]byte, 1))
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
	assert.True(t, types.IsErrCode(ep.Accept(context.Background()), types.ErrCodeUnavailable))
}
