package worker

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/billm/baaaht/forknode/pkg/types"
)

const (
	// DefaultDialTimeout bounds the connection to the orchestrator
	DefaultDialTimeout = 10 * time.Second

	schemeTCP  = "tcp://"
	schemePipe = "pipe://"
)

// Conn is the worker side of a fork channel session
type Conn interface {
	io.ReadWriteCloser
	// CloseWrite tells the orchestrator no more events will follow
	CloseWrite() error
}

// Dial connects to the orchestrator named by a connection string.
// tcp://host:port dials loopback; pipe://<id> uses the process's stdin and stdout.
func Dial(ctx context.Context, connString string) (Conn, error) {
	switch {
	case strings.HasPrefix(connString, schemeTCP):
		addr := strings.TrimPrefix(connString, schemeTCP)
		if addr == "" {
			return nil, types.NewError(types.ErrCodeInvalidArgument, "connection string has no address: "+connString)
		}
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
			defer cancel()
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, types.WrapError(types.ErrCodeUnavailable, "failed to connect to orchestrator at "+addr, err)
		}
		return conn.(*net.TCPConn), nil
	case strings.HasPrefix(connString, schemePipe):
		return NewStdioConn(os.Stdin, os.Stdout), nil
	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument, "unsupported connection string: "+connString)
	}
}

// StdioConn joins a command input and an event output into one Conn
type StdioConn struct {
	in  io.ReadCloser
	out io.WriteCloser
}

// NewStdioConn reads commands from in and writes events to out
func NewStdioConn(in io.ReadCloser, out io.WriteCloser) *StdioConn {
	return &StdioConn{in: in, out: out}
}

func (c *StdioConn) Read(b []byte) (int, error)  { return c.in.Read(b) }
func (c *StdioConn) Write(b []byte) (int, error) { return c.out.Write(b) }

// CloseWrite closes the event output
func (c *StdioConn) CloseWrite() error { return c.out.Close() }

// Close closes both directions
func (c *StdioConn) Close() error {
	errIn := c.in.Close()
	errOut := c.out.Close()
	if errIn != nil && !isAlreadyClosed(errIn) {
		return errIn
	}
	if errOut != nil && !isAlreadyClosed(errOut) {
		return errOut
	}
	return nil
}

func isAlreadyClosed(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
