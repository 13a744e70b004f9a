package types

import "strings"

// EventKind represents the kind of event a worker reports.
// Kinds are dotted so routes can match on a prefix ("test.*").
type EventKind string

const (
	EventTestSetStarting  EventKind = "testset.starting"
	EventTestSetCompleted EventKind = "testset.completed"
	EventTestStarting     EventKind = "test.starting"
	EventTestSucceeded    EventKind = "test.succeeded"
	EventTestFailed       EventKind = "test.failed"
	EventTestError        EventKind = "test.error"
	EventTestSkipped      EventKind = "test.skipped"
	EventConsoleInfo      EventKind = "console.info"
	EventConsoleWarning   EventKind = "console.warning"
	EventConsoleError     EventKind = "console.error"
	EventConsoleDebug     EventKind = "console.debug"
	EventStdout           EventKind = "stream.stdout"
	EventStderr           EventKind = "stream.stderr"
	EventWorkerBye        EventKind = "worker.bye"
	EventWorkerExitError  EventKind = "worker.exit-error"
	EventWorkerNextTest   EventKind = "worker.next-test"
	EventWorkerStopOnNext EventKind = "worker.stop-on-next-test"

	// EventChannelError is never sent by a worker. The event reader
	// synthesises it once when the stream can no longer be decoded.
	EventChannelError EventKind = "channel.error"
)

// TopicChannel is reserved for events the channel itself produces
const TopicChannel = "channel"

var workerTopics = map[string]bool{
	"testset": true,
	"test":    true,
	"console": true,
	"stream":  true,
	"worker":  true,
}

// IsWorkerTopic reports whether topic is one a worker may send
func IsWorkerTopic(topic string) bool {
	return workerTopics[topic]
}

// Reserved reports whether only the channel may produce this kind
func (k EventKind) Reserved() bool {
	return k.Topic() == TopicChannel
}

// Topic returns the first segment of the kind ("test" for "test.failed")
func (k EventKind) Topic() string {
	if i := strings.IndexByte(string(k), '.'); i >= 0 {
		return string(k[:i])
	}
	return string(k)
}

// Event is one framed unit of result or telemetry flowing worker -> orchestrator
type Event struct {
	Kind      EventKind     `json:"kind"`
	ForkID    ForkChannelID `json:"fork_id,omitempty"`
	Data      string        `json:"data,omitempty"`
	Timestamp Timestamp     `json:"timestamp"`
}

// NewEvent creates an event stamped with the current time
func NewEvent(kind EventKind, data string) *Event {
	return &Event{
		Kind:      kind,
		Data:      data,
		Timestamp: NewTimestamp(),
	}
}

// IsSynthetic reports whether the event was produced locally by the channel
func (e *Event) IsSynthetic() bool {
	return e != nil && e.Kind == EventChannelError
}
