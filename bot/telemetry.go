package bot

import (
	"sync"

	"go.uber.org/atomic"
)

// Counter names shared with the stats publisher and the info command.
const (
	CounterMessagesRead = "messages_read"
	CounterCommandsUsed = "commands_used"
)

// Telemetry holds the process-wide usage counters. All methods are safe for
// concurrent use; counters reset only on process restart.
type Telemetry struct {
	messagesRead atomic.Int64
	commandsUsed atomic.Int64

	perCommand sync.Map // map[string]*atomic.Int64
}

func NewTelemetry() *Telemetry {
	return &Telemetry{}
}

// MessageRead counts one processed message event.
func (t *Telemetry) MessageRead() {
	t.messagesRead.Inc()
}

// CommandUsed counts one dispatched command, both globally and per command.
func (t *Telemetry) CommandUsed(name string) {
	t.commandsUsed.Inc()

	v, ok := t.perCommand.Load(name)
	if !ok {
		v, _ = t.perCommand.LoadOrStore(name, atomic.NewInt64(0))
	}
	v.(*atomic.Int64).Inc()
}

// Count returns a named global counter.
func (t *Telemetry) Count(name string) int64 {
	switch name {
	case CounterMessagesRead:
		return t.messagesRead.Load()
	case CounterCommandsUsed:
		return t.commandsUsed.Load()
	default:
		return 0
	}
}

// CommandCount returns the per-command dispatch count.
func (t *Telemetry) CommandCount(name string) int64 {
	v, ok := t.perCommand.Load(name)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Snapshot copies every counter into a map, for the stats publisher.
func (t *Telemetry) Snapshot() map[string]int64 {
	out := map[string]int64{
		CounterMessagesRead: t.messagesRead.Load(),
		CounterCommandsUsed: t.commandsUsed.Load(),
	}

	t.perCommand.Range(func(k, v interface{}) bool {
		out["command_"+k.(string)] = v.(*atomic.Int64).Load()
		return true
	})

	return out
}
