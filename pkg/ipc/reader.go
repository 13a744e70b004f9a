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

// EventReader decodes events from the endpoint and hands them to an
// EventHandler one at a time, in wire order
type EventReader struct {
	name      string
	id        types.ForkChannelID
	codecName string
	dec       codec.Decoder
	handler   EventHandler
	countdown *CountdownCloser
	metrics   *Metrics
	logger    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	reason    string
	err       error
	delivered int
}

func newEventReader(ctx context.Context, ep Endpoint, c codec.Codec, handler EventHandler,
	countdown *CountdownCloser, metrics *Metrics, log *logger.Logger) *EventReader {
	name := fmt.Sprintf("fork-%d-event-reader", ep.ID())
	// the reader outlives the Bind context and ends only with the stream or Stop
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &EventReader{
		name:      name,
		id:        ep.ID(),
		codecName: c.Name(),
		dec:       c.NewDecoder(ep),
		handler:   handler,
		countdown: countdown,
		metrics:   metrics,
		logger:    log.With("pump", name),
		ctx:       rctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Name returns fork-<id>-event-reader
func (r *EventReader) Name() string { return r.name }

func (r *EventReader) start() { go r.run() }

// Stop cancels the context handed to the event handler. A handler blocked
// on it returns, and the pump exits once the closed transport fails the
// next read.
func (r *EventReader) Stop() { r.cancel() }

// Done is closed when the pump has exited and counted down
func (r *EventReader) Done() <-chan struct{} { return r.done }

// Reason reports why the pump exited; empty while running
func (r *EventReader) Reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// Err returns the stream error that ended the pump, nil on a clean EOF
func (r *EventReader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Delivered returns the number of worker events dispatched so far
func (r *EventReader) Delivered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered
}

func (r *EventReader) run() {
	var reason string
	var streamErr error
	defer func() {
		r.mu.Lock()
		r.reason, r.err = reason, streamErr
		r.mu.Unlock()
		r.metrics.pumpTerminated("reader", reason)
		if err := r.countdown.CountDown(); err != nil {
			r.logger.Warn("Failed to release endpoint", "error", err)
		}
		r.cancel()
		close(r.done)
	}()

	r.logger.Debug("Event reader started")
	for {
		var ev types.Event
		err := r.dec.Decode(&ev)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				reason = ReasonEOF
				r.logger.Debug("Worker closed its output")
			case codec.IsMalformed(err):
				reason, streamErr = ReasonMalformed, err
				r.metrics.frameError(r.codecName)
				r.logger.Error("Malformed frame on event stream", "error", err)
				synthetic := types.NewEvent(types.EventChannelError, err.Error())
				synthetic.ForkID = r.id
				r.dispatch(synthetic)
			case r.ctx.Err() != nil:
				reason = ReasonStopped
				r.logger.Debug("Event reader stopped", "error", err)
			default:
				reason, streamErr = ReasonIOError, err
				r.logger.Warn("Event stream ended abnormally", "error", err)
			}
			return
		}

		if ev.Kind.Reserved() {
			r.metrics.eventRead(metricTopic(ev.Kind))
			r.logger.Warn("Dropping reserved event kind sent by worker", "kind", string(ev.Kind))
			continue
		}

		ev.ForkID = r.id
		r.mu.Lock()
		r.delivered++
		r.mu.Unlock()
		r.metrics.eventRead(metricTopic(ev.Kind))
		r.dispatch(&ev)
	}
}

// metricTopic bounds the topic label to the kinds workers are expected to send
func metricTopic(kind types.EventKind) string {
	switch topic := kind.Topic(); {
	case types.IsWorkerTopic(topic):
		return topic
	case topic == types.TopicChannel:
		return "reserved"
	default:
		return "other"
	}
}

// dispatch delivers one event; handler failures never stop the pump
func (r *EventReader) dispatch(ev *types.Event) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.handlerError()
			r.logger.Error("Event handler panicked", "kind", string(ev.Kind), "panic", fmt.Sprint(p))
		}
	}()

	if err := r.handler.HandleEvent(r.ctx, ev); err != nil {
		r.metrics.handlerError()
		r.logger.Warn("Event handler failed", "kind", string(ev.Kind), "error", err)
	}
}
