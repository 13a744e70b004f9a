// Package worker is the worker-side peer of a fork channel. A worker dials the
// connection string it was launched with, decodes commands in the order the
// orchestrator wrote them and reports events back over the same session.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/codec"
	"github.com/billm/baaaht/forknode/pkg/types"
)

// Emitter sends one event to the orchestrator. It is safe for concurrent use.
type Emitter interface {
	Emit(kind types.EventKind, data string) error
}

// CommandHandler executes the commands a node does not answer itself.
// Returning an error ends the session with a worker.exit-error event.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd *types.Command, out Emitter) error
}

// CommandHandlerFunc adapts a function to CommandHandler
type CommandHandlerFunc func(ctx context.Context, cmd *types.Command, out Emitter) error

func (f CommandHandlerFunc) HandleCommand(ctx context.Context, cmd *types.Command, out Emitter) error {
	return f(ctx, cmd, out)
}

// NodeConfig configures a Node
type NodeConfig struct {
	Codec   codec.Codec
	Handler CommandHandler
	Logger  *logger.Logger
}

// NodeStats counts traffic through a node
type NodeStats struct {
	Commands int64 `json:"commands"`
	Events   int64 `json:"events"`
}

// Node runs the worker side of one session
type Node struct {
	conn    Conn
	codec   codec.Codec
	handler CommandHandler
	logger  *logger.Logger

	encMu sync.Mutex
	enc   codec.Encoder

	running   atomic.Bool
	stopping  atomic.Bool
	closeOnce sync.Once
	commands  atomic.Int64
	events    atomic.Int64
}

// NewNode wraps conn. The node owns conn and closes it when Run returns.
func NewNode(conn Conn, cfg NodeConfig) (*Node, error) {
	if conn == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "connection cannot be nil")
	}
	if cfg.Handler == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "command handler cannot be nil")
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.JSONLines{MaxFrameSize: codec.DefaultMaxFrameSize}
	}
	log := cfg.Logger
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	return &Node{
		conn:    conn,
		codec:   cfg.Codec,
		handler: cfg.Handler,
		logger:  log.With("component", "worker_node"),
		enc:     cfg.Codec.NewEncoder(conn),
	}, nil
}

// Emit encodes one event. Concurrent callers are serialised so frames never interleave.
func (n *Node) Emit(kind types.EventKind, data string) error {
	ev := types.NewEvent(kind, data)

	n.encMu.Lock()
	err := n.enc.Encode(ev)
	n.encMu.Unlock()

	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, fmt.Sprintf("failed to send %s event", kind), err)
	}
	n.events.Add(1)
	return nil
}

// Stats returns a snapshot of the node's counters
func (n *Node) Stats() NodeStats {
	return NodeStats{Commands: n.commands.Load(), Events: n.events.Load()}
}

// Run processes commands until the orchestrator acknowledges bye, closes the
// command stream, or ctx ends. It may be called once.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return types.NewError(types.ErrCodeIllegalState, "worker node is already running")
	}
	defer n.finish()

	n.logger.Info("Worker node running", "codec", n.codec.Name(), "version", GetVersion())

	cmds := make(chan *types.Command)
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, n.finish)
	defer stop()

	g.Go(func() error {
		defer close(cmds)
		return n.readCommands(gctx, cmds)
	})
	g.Go(func() error {
		return n.execute(gctx, cmds)
	})

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = types.WrapError(types.ErrCodeCanceled, "worker node stopped", ctx.Err())
	}

	stats := n.Stats()
	if err != nil {
		n.logger.Error("Worker node stopped", "error", err, "commands", stats.Commands, "events", stats.Events)
		return err
	}
	n.logger.Info("Worker node finished", "commands", stats.Commands, "events", stats.Events)
	return nil
}

func (n *Node) readCommands(ctx context.Context, out chan<- *types.Command) error {
	dec := n.codec.NewDecoder(n.conn)
	for {
		var cmd types.Command
		if err := dec.Decode(&cmd); err != nil {
			if n.stopping.Load() || errors.Is(err, io.EOF) {
				return nil
			}
			if codec.IsMalformed(err) {
				return err
			}
			return types.WrapError(types.ErrCodeUnavailable, "failed to read command", err)
		}
		select {
		case out <- &cmd:
		case <-ctx.Done():
			return nil
		}
	}
}

func (n *Node) execute(ctx context.Context, cmds <-chan *types.Command) error {
	for cmd := range cmds {
		n.commands.Add(1)

		switch cmd.Kind {
		case types.CommandNoop:
			continue
		case types.CommandShutdown:
			n.logger.Debug("Shutdown requested, saying bye")
			if err := n.Emit(types.EventWorkerBye, ""); err != nil {
				return err
			}
			continue
		case types.CommandByeAck:
			n.logger.Debug("Bye acknowledged")
			n.finish()
			return nil
		}

		if !cmd.Valid() {
			n.logger.Warn("Ignoring unknown command", "kind", cmd.Kind, "id", cmd.ID)
			continue
		}

		if err := n.handler.HandleCommand(ctx, cmd, n); err != nil {
			n.logger.Error("Command failed", "kind", cmd.Kind, "id", cmd.ID, "error", err)
			if emitErr := n.Emit(types.EventWorkerExitError, err.Error()); emitErr != nil {
				n.logger.Warn("Failed to report exit error", "error", emitErr)
			}
			return types.WrapError(types.ErrCodeHandlerFailed,
				fmt.Sprintf("command %s (%s) failed", cmd.ID, cmd.Kind), err)
		}
	}
	return nil
}

// finish half-closes the session so the orchestrator sees end of events,
// then releases the connection
func (n *Node) finish() {
	n.closeOnce.Do(func() {
		n.stopping.Store(true)
		n.encMu.Lock()
		defer n.encMu.Unlock()
		if err := n.conn.CloseWrite(); err != nil {
			n.logger.Debug("Failed to half-close connection", "error", err)
		}
		_ = n.conn.Close()
	})
}
