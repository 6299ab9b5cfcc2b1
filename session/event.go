package session

import (
	"fmt"
	"time"

	"github.com/DanielAraqueStudios/lab-udp-micros/device"
)

type EventKind uint8

const (
	EventInvalid EventKind = iota
	// Session state changed, see Event.State.
	EventState
	// New telemetry decoded.
	EventSnapshot
	// Fault recorded, state is Error.
	EventError
	// Previous fault superseded by successful connect.
	EventClearError
	// Command sent to device.
	EventCommand
	// Datagram dropped by decoder; connection state unaffected.
	EventDrop
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventSnapshot:
		return "snapshot"
	case EventError:
		return "error"
	case EventClearError:
		return "clear-error"
	case EventCommand:
		return "command"
	case EventDrop:
		return "drop"
	}
	return fmt.Sprintf("EventKind(%d)", k)
}

// Event is one item of the session feed.
// State is the session state at the moment of emitting, for every kind.
type Event struct {
	Kind     EventKind
	State    device.ConnState
	Snapshot device.Snapshot
	Command  device.Command
	Err      error
	Time     time.Time
}

func (e Event) String() string {
	switch e.Kind {
	case EventSnapshot:
		return fmt.Sprintf("snapshot %s", e.Snapshot.String())
	case EventError, EventDrop:
		return fmt.Sprintf("%s state=%s err=%v", e.Kind, e.State, e.Err)
	case EventCommand:
		return fmt.Sprintf("command %s", e.Command.String())
	}
	return fmt.Sprintf("%s state=%s", e.Kind, e.State)
}
