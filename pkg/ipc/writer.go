package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/billm/baaaht/forknode/internal/logger"
	"github.com/billm/baaaht/forknode/pkg/codec"
	"github.com/billm/baaaht/forknode/pkg/types"
)

// CommandWriter drains a CommandSource onto the endpoint's write side
type CommandWriter struct {
	name      string
	endpoint  Endpoint
	enc       codec.Encoder
	source    CommandSource
	countdown *CountdownCloser
	metrics   *Metrics
	logger    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	reason  string
	written int
}

func newCommandWriter(ctx context.Context, ep Endpoint, c codec.Codec, source CommandSource,
	countdown *CountdownCloser, metrics *Metrics, log *logger.Logger) *CommandWriter {
	name := fmt.Sprintf("commands-fork-%d", ep.ID())
	wctx, cancel := context.WithCancel(ctx)
	return &CommandWriter{
		name:      name,
		endpoint:  ep,
		enc:       c.NewEncoder(ep),
		source:    source,
		countdown: countdown,
		metrics:   metrics,
		logger:    log.With("pump", name),
		ctx:       wctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Name returns commands-fork-<id>
func (w *CommandWriter) Name() string { return w.name }

func (w *CommandWriter) start() { go w.run() }

// Stop asks the pump to exit before taking the next command.
// A write already in progress finishes or fails on its own.
func (w *CommandWriter) Stop() { w.cancel() }

// Done is closed when the pump has exited and counted down
func (w *CommandWriter) Done() <-chan struct{} { return w.done }

// Reason reports why the pump exited; empty while running
func (w *CommandWriter) Reason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason
}

// Written returns the number of commands written so far
func (w *CommandWriter) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *CommandWriter) run() {
	reason := ReasonStopped
	defer func() {
		w.cancel()
		w.mu.Lock()
		w.reason = reason
		w.mu.Unlock()
		w.metrics.pumpTerminated("writer", reason)
		if err := w.countdown.CountDown(); err != nil {
			w.logger.Warn("Failed to release endpoint", "error", err)
		}
		close(w.done)
	}()

	w.logger.Debug("Command writer started")
	for {
		cmd, err := w.source.Next(w.ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				reason = ReasonEOF
				if err := w.endpoint.CloseWrite(); err != nil {
					w.logger.Debug("Failed to half-close endpoint", "error", err)
				}
				w.logger.Debug("Command source drained")
			case w.ctx.Err() != nil:
				reason = ReasonStopped
				w.logger.Debug("Command writer stopped")
			default:
				reason = ReasonSourceError
				w.logger.Warn("Command source failed", "error", err)
			}
			return
		}

		if err := w.enc.Encode(cmd); err != nil {
			if types.IsErrCode(err, types.ErrCodeInvalidArgument) {
				w.logger.Error("Dropping command that cannot be framed",
					"command_id", cmd.ID.String(), "kind", string(cmd.Kind), "error", err)
				continue
			}
			reason = ReasonIOError
			w.logger.Warn("Failed to write command, worker gone",
				"command_id", cmd.ID.String(), "kind", string(cmd.Kind), "error", err)
			return
		}

		w.mu.Lock()
		w.written++
		w.mu.Unlock()
		w.metrics.commandWritten(string(cmd.Kind))
		w.logger.Debug("Command written", "command_id", cmd.ID.String(), "kind", string(cmd.Kind))
	}
}
