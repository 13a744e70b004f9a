package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/types"
)

const keepAlivePeriod = 15 * time.Second

// SocketEndpoint is a loopback TCP listener that accepts exactly one worker
type SocketEndpoint struct {
	id       types.ForkChannelID
	addr     string
	logger   *logger.Logger
	mu       sync.Mutex
	state    endpointState
	listener *net.TCPListener
	conn     *net.TCPConn
}

// NewSocketEndpoint binds an ephemeral port on 127.0.0.1.
// The port is assigned before the worker is spawned, so the worker can
// never dial a listener that does not exist yet.
func NewSocketEndpoint(id types.ForkChannelID, log *logger.Logger) (*SocketEndpoint, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	lc := net.ListenConfig{Control: controlReuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp4", "127.0.0.1:0")
	if err != nil {
		return nil, types.WrapError(types.ErrCodeBindFailed, "failed to listen on loopback", err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, types.NewError(types.ErrCodeBindFailed, fmt.Sprintf("unexpected listener type %T", ln))
	}

	s := &SocketEndpoint{
		id:       id,
		addr:     tcpLn.Addr().String(),
		listener: tcpLn,
		state:    endpointBound,
	}
	s.logger = log.With("component", "socket_endpoint", "fork_id", int(id), "addr", s.addr)
	s.logger.Debug("Socket endpoint bound")

	return s, nil
}

func (s *SocketEndpoint) ID() types.ForkChannelID { return s.id }

// ConnectionString returns tcp://127.0.0.1:<port>
func (s *SocketEndpoint) ConnectionString() string { return "tcp://" + s.addr }

func (s *SocketEndpoint) UsesStdio() bool { return false }

// Accept blocks until one worker connects or ctx is done.
// The listener is closed once the session exists, so no second worker can
// ever be queued behind the first.
func (s *SocketEndpoint) Accept(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case endpointClosed:
		s.mu.Unlock()
		return errEndpointClosed(s.id)
	case endpointBound:
	default:
		state := s.state
		s.mu.Unlock()
		return errAlreadyAccepted(s.id, state)
	}
	s.state = endpointAccepting
	ln := s.listener
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		ln.SetDeadline(time.Now())
	})
	conn, err := ln.AcceptTCP()
	stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == endpointClosed {
		if conn != nil {
			conn.Close()
		}
		return errEndpointClosed(s.id)
	}
	if err != nil {
		s.state = endpointAbandoned
		if ctxErr := ctx.Err(); ctxErr != nil {
			code := types.ErrCodeCanceled
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				code = types.ErrCodeTimeout
			}
			return types.WrapError(code, "accept abandoned", ctxErr)
		}
		return types.WrapError(types.ErrCodeInternal, "accept failed", err)
	}

	if err := conn.SetNoDelay(true); err != nil {
		s.logger.Debug("TCP_NODELAY not applied", "error", err)
	}
	if err := conn.SetKeepAlive(true); err != nil {
		s.logger.Debug("Keep-alive not applied", "error", err)
	} else if err := conn.SetKeepAlivePeriod(keepAlivePeriod); err != nil {
		s.logger.Debug("Keep-alive period not applied", "error", err)
	}

	s.conn = conn
	s.state = endpointConnected
	if err := s.listener.Close(); err != nil {
		s.logger.Debug("Failed to close listener after accept", "error", err)
	}
	s.listener = nil

	s.logger.Info("Worker connected", "remote_addr", conn.RemoteAddr().String())
	return nil
}

func (s *SocketEndpoint) session() (*net.TCPConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == endpointClosed {
		return nil, errEndpointClosed(s.id)
	}
	if s.conn == nil {
		return nil, errNoSession(s.id)
	}
	return s.conn, nil
}

func (s *SocketEndpoint) Read(p []byte) (int, error) {
	conn, err := s.session()
	if err != nil {
		return 0, err
	}
	return conn.Read(p)
}

func (s *SocketEndpoint) Write(p []byte) (int, error) {
	conn, err := s.session()
	if err != nil {
		return 0, err
	}
	return conn.Write(p)
}

// CloseWrite half-closes the session; the worker reads EOF while events can still flow back
func (s *SocketEndpoint) CloseWrite() error {
	conn, err := s.session()
	if err != nil {
		return err
	}
	return conn.CloseWrite()
}

// Close releases the session and then the listener. It is idempotent and
// always returns nil; failures are logged.
func (s *SocketEndpoint) Close() error {
	s.mu.Lock()
	if s.state == endpointClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = endpointClosed
	conn, ln := s.conn, s.listener
	s.conn, s.listener = nil, nil
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("Failed to close session", "error", err)
		}
	}
	if ln != nil {
		if err := ln.Close(); err != nil {
			s.logger.Debug("Failed to close listener", "error", err)
		}
	}

	s.logger.Debug("Socket endpoint closed")
	return nil
}
