package collab

import "time"

// EventKind names a room lifecycle transition.
type EventKind string

const (
	EventRoomCreated   EventKind = "room_created"
	EventRoomClosed    EventKind = "room_closed"
	EventSessionJoined EventKind = "session_joined"
	EventSessionLeft   EventKind = "session_left"
	EventSessionClosed EventKind = "session_closed" // no ProjectID; follows any session_left
)

// Event is a room lifecycle notification for collaborators outside the hub,
// such as autosave workers or analytics.
type Event struct {
	Kind      EventKind `json:"kind"`
	ProjectID string    `json:"projectId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Count     int       `json:"count"`
	At        time.Time `json:"at"`
}

// EventSink receives room events on the hub's event loop. Implementations
// must not block.
type EventSink interface {
	HandleRoomEvent(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// HandleRoomEvent calls f(e).
func (f EventSinkFunc) HandleRoomEvent(e Event) { f(e) }
