package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/billm/baaaht/forknode/internal/config"
	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/ipc"
	"github.com/billm/baaaht/forknode/pkg/types"
	"github.com/billm/baaaht/forknode/pkg/worker"
)

const testBound = 10 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testBound)
	t.Cleanup(cancel)
	return ctx
}

func newTestConfig(transport, codec string) *config.Config {
	cfg := config.Default()
	cfg.Channel.Transport = transport
	cfg.Channel.Codec = codec
	cfg.Channel.MaxFrameSize = 4096
	cfg.Channel.AcceptTimeout = 3 * time.Second
	cfg.Channel.ShutdownTimeout = 300 * time.Millisecond
	return cfg
}

var nextPid atomic.Int64

// fakeProcess is a worker running as a goroutine
type fakeProcess struct {
	pid    int
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	killed atomic.Bool
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.cancel()
	return nil
}

func (p *fakeProcess) Pid() int { return p.pid }

// inProcessLauncher runs each worker in the test process. run replaces the
// worker body; by default it serves the channel with a worker.Node.
type inProcessLauncher struct {
	handler func() worker.CommandHandler
	run     func(ctx context.Context, ch *ipc.ForkChannel) error

	mu        sync.Mutex
	processes []*fakeProcess
}

func (l *inProcessLauncher) Launch(ctx context.Context, ch *ipc.ForkChannel) (Process, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	p := &fakeProcess{pid: int(nextPid.Add(1)), cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	l.processes = append(l.processes, p)
	l.mu.Unlock()

	go func() {
		defer close(p.done)
		defer cancel()
		if l.run != nil {
			p.err = l.run(runCtx, ch)
			return
		}
		p.err = serveNode(runCtx, ch, l.handler())
	}()
	return p, nil
}

func (l *inProcessLauncher) launched() []*fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeProcess(nil), l.processes...)
}

// serveNode connects to ch the way the worker binary does
func serveNode(ctx context.Context, ch *ipc.ForkChannel, handler worker.CommandHandler) error {
	var conn worker.Conn
	if ch.UsesStdio() {
		stdin, stdout := ch.Endpoint().(workerFiles).WorkerFiles()
		if stdin == nil || stdout == nil {
			return errors.New("worker pipes missing")
		}
		conn = worker.NewStdioConn(stdin, stdout)
	} else {
		var err error
		conn, err = worker.Dial(ctx, ch.ConnectionString())
		if err != nil {
			return err
		}
	}

	node, err := worker.NewNode(conn, worker.NodeConfig{Codec: ch.Codec(), Handler: handler, Logger: logger.NewNop()})
	if err != nil {
		return err
	}
	return node.Run(ctx)
}

// newTestWorkerExecutor registers a passing, a failing and a chatty test
func newTestWorkerExecutor() worker.CommandHandler {
	e, err := worker.NewExecutor(worker.ExecutorConfig{Logger: logger.NewNop()})
	if err != nil {
		panic(err)
	}
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(e.Register("pass", func(ctx context.Context, out worker.Emitter) error { return nil }))
	must(e.Register("fail", func(ctx context.Context, out worker.Emitter) error { return errors.New("assertion failed") }))
	must(e.Register("chatty", func(ctx context.Context, out worker.Emitter) error {
		return out.Emit(types.EventStdout, "working")
	}))
	return e
}

func newTestForker(t *testing.T, cfg *config.Config, launcher Launcher, opts ...ForkerOption) *Forker {
	t.Helper()
	f, err := NewForker(cfg, launcher, logger.NewNop(), opts...)
	if err != nil {
		t.Fatalf("NewForker() error = %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}
