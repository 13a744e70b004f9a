package types

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// CommandKind names the instruction a command carries to a worker
type CommandKind string

const (
	CommandRun               CommandKind = "run"
	CommandTestSetFinished   CommandKind = "test-set-finished"
	CommandSkipSinceNextTest CommandKind = "skip-since-next-test"
	CommandShutdown          CommandKind = "shutdown"
	CommandNoop              CommandKind = "noop"
	CommandByeAck            CommandKind = "bye-ack"
)

// Command is one framed instruction flowing orchestrator -> worker
type Command struct {
	ID   ID          `json:"id"`
	Kind CommandKind `json:"kind"`
	Data string      `json:"data,omitempty"`
}

// Valid reports whether the command carries a known kind
func (c *Command) Valid() bool {
	if c == nil {
		return false
	}
	switch c.Kind {
	case CommandRun, CommandTestSetFinished, CommandSkipSinceNextTest,
		CommandShutdown, CommandNoop, CommandByeAck:
		return true
	}
	return false
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// GenerateID returns a time-ordered unique identifier
func GenerateID() ID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ID(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

// NewCommandID returns a time-ordered unique command identifier
func NewCommandID() ID {
	return GenerateID()
}

// NewCommand creates a command of the given kind with a fresh ID
func NewCommand(kind CommandKind, data string) *Command {
	return &Command{
		ID:   NewCommandID(),
		Kind: kind,
		Data: data,
	}
}
