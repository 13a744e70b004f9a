package ipc

import (
	"context"
	"fmt"
	"io"

	"github.com/billm/baaaht/forknode/internal/config"
	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/types"
)

// Endpoint owns the duplex transport to one worker.
//
// Read and Write fail with FAILED_PRECONDITION before Accept has produced a
// session and with UNAVAILABLE after Close. Accept succeeds at most once;
// every later call fails with ILLEGAL_STATE without blocking.
type Endpoint interface {
	ID() types.ForkChannelID
	// ConnectionString tells the worker how to reach this endpoint
	ConnectionString() string
	// UsesStdio reports whether the worker talks over its stdin and stdout
	UsesStdio() bool
	Accept(ctx context.Context) error
	io.Reader
	io.Writer
	// CloseWrite signals end of input to the worker
	CloseWrite() error
	io.Closer
}

type endpointState int

const (
	endpointBound endpointState = iota
	endpointAccepting
	endpointConnected
	// endpointAbandoned follows an accept that failed or was cancelled
	endpointAbandoned
	endpointClosed
)

func (s endpointState) String() string {
	switch s {
	case endpointBound:
		return "bound"
	case endpointAccepting:
		return "accepting"
	case endpointConnected:
		return "connected"
	case endpointAbandoned:
		return "abandoned"
	case endpointClosed:
		return "closed"
	default:
		return fmt.Sprintf("endpointState(%d)", int(s))
	}
}

// NewEndpoint creates the endpoint variant named by transport
func NewEndpoint(id types.ForkChannelID, transport string, log *logger.Logger) (Endpoint, error) {
	switch transport {
	case config.TransportTCP, "":
		return NewSocketEndpoint(id, log)
	case config.TransportPipe:
		return NewPipeEndpoint(id, log)
	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument, "unknown transport: "+transport)
	}
}

func errEndpointClosed(id types.ForkChannelID) error {
	return types.NewError(types.ErrCodeUnavailable, fmt.Sprintf("endpoint of fork %d is closed", id))
}

func errNoSession(id types.ForkChannelID) error {
	return types.NewError(types.ErrCodeFailedPrecondition, fmt.Sprintf("endpoint of fork %d has no session", id))
}

func errAlreadyAccepted(id types.ForkChannelID, state endpointState) error {
	if state == endpointAbandoned {
		return types.NewError(types.ErrCodeIllegalState,
			fmt.Sprintf("accept on fork %d already failed; an endpoint accepts only once", id))
	}
	return types.NewError(types.ErrCodeIllegalState,
		fmt.Sprintf("accept called twice on fork %d (endpoint is %s)", id, state))
}
