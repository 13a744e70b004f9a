package ipc

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/types"
)

// PipeEndpoint talks to a worker over its standard input and output.
// It is used where the worker cannot dial back over loopback.
type PipeEndpoint struct {
	id     types.ForkChannelID
	logger *logger.Logger

	mu    sync.Mutex
	state endpointState

	// parent side
	commands *os.File // write end of the worker's stdin
	events   *os.File // read end of the worker's stdout

	// worker side, handed to the launcher
	workerIn  *os.File
	workerOut *os.File

	writeClosed bool
}

// NewPipeEndpoint creates the two pipes for one worker
func NewPipeEndpoint(id types.ForkChannelID, log *logger.Logger) (*PipeEndpoint, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	workerIn, commands, err := os.Pipe()
	if err != nil {
		return nil, types.WrapError(types.ErrCodeBindFailed, "failed to create command pipe", err)
	}
	events, workerOut, err := os.Pipe()
	if err != nil {
		workerIn.Close()
		commands.Close()
		return nil, types.WrapError(types.ErrCodeBindFailed, "failed to create event pipe", err)
	}

	p := &PipeEndpoint{
		id:        id,
		state:     endpointBound,
		commands:  commands,
		events:    events,
		workerIn:  workerIn,
		workerOut: workerOut,
	}
	p.logger = log.With("component", "pipe_endpoint", "fork_id", int(id))
	p.logger.Debug("Pipe endpoint created")

	return p, nil
}

func (p *PipeEndpoint) ID() types.ForkChannelID { return p.id }

// ConnectionString returns pipe://<id>; the worker reads stdin and writes stdout
func (p *PipeEndpoint) ConnectionString() string { return fmt.Sprintf("pipe://%d", p.id) }

func (p *PipeEndpoint) UsesStdio() bool { return true }

// WorkerFiles returns the ends the launcher installs as the worker's stdin and stdout.
// They are nil once released.
func (p *PipeEndpoint) WorkerFiles() (stdin, stdout *os.File) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workerIn, p.workerOut
}

// ReleaseWorkerFiles closes the parent's copies of the worker-side ends.
// Call it after the worker has started so EOF propagates when either side exits.
func (p *PipeEndpoint) ReleaseWorkerFiles() {
	p.mu.Lock()
	in, out := p.workerIn, p.workerOut
	p.workerIn, p.workerOut = nil, nil
	p.mu.Unlock()

	closeQuietly(in)
	closeQuietly(out)
}

// Accept is immediate since the pipes exist from construction, but it
// keeps the at-most-once contract of the socket variant.
func (p *PipeEndpoint) Accept(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case endpointClosed:
		return errEndpointClosed(p.id)
	case endpointBound:
	default:
		return errAlreadyAccepted(p.id, p.state)
	}
	if err := ctx.Err(); err != nil {
		p.state = endpointAbandoned
		return types.WrapError(types.ErrCodeCanceled, "accept abandoned", err)
	}

	p.state = endpointConnected
	p.logger.Info("Worker pipes attached")
	return nil
}

func (p *PipeEndpoint) check() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case endpointClosed:
		return errEndpointClosed(p.id)
	case endpointConnected:
		return nil
	default:
		return errNoSession(p.id)
	}
}

func (p *PipeEndpoint) Read(b []byte) (int, error) {
	if err := p.check(); err != nil {
		return 0, err
	}
	return p.events.Read(b)
}

func (p *PipeEndpoint) Write(b []byte) (int, error) {
	if err := p.check(); err != nil {
		return 0, err
	}
	return p.commands.Write(b)
}

// CloseWrite closes the worker's stdin
func (p *PipeEndpoint) CloseWrite() error {
	if err := p.check(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeClosed {
		return nil
	}
	p.writeClosed = true
	return p.commands.Close()
}

// Close releases every pipe end still held. It is idempotent and always returns nil.
func (p *PipeEndpoint) Close() error {
	p.mu.Lock()
	if p.state == endpointClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = endpointClosed
	files := []*os.File{p.events, p.workerIn, p.workerOut}
	if !p.writeClosed {
		p.writeClosed = true
		files = append(files, p.commands)
	}
	p.workerIn, p.workerOut = nil, nil
	p.mu.Unlock()

	for _, f := range files {
		closeQuietly(f)
	}

	p.logger.Debug("Pipe endpoint closed")
	return nil
}

func closeQuietly(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
