package collab

import (
	"context"
	"log"
	"time"

	"github.com/codecollab/collab-server/internal/metrics"
	"github.com/codecollab/collab-server/internal/protocol"
)

// Connect registers a freshly upgraded session. It must precede Join. The
// registration is applied even if ctx expires while the hub is busy.
func (h *Hub) Connect(ctx context.Context, sessionID string) error {
	return h.doLifecycle(ctx, func() {
		if _, ok := h.sessions[sessionID]; ok {
			return
		}
		h.sessions[sessionID] = &client{id: sessionID, connectedAt: time.Now()}
		h.connected.Add(1)
	})
}

// Join moves sessionID into projectID's room. A session already in another
// room leaves it first. The joiner receives joined with the new room size and
// every member, joiner included, receives usersUpdate.
func (h *Hub) Join(ctx context.Context, sessionID, projectID string) error {
	return h.do(ctx, func() { h.join(sessionID, projectID) })
}

// Leave removes sessionID from its room. Leaving when not in a room is a
// no-op.
func (h *Hub) Leave(ctx context.Context, sessionID string) error {
	return h.do(ctx, func() { h.leave(sessionID) })
}

// Disconnect performs Leave, forgets the session, and emits session_closed.
// Like Connect it is never dropped; an expired ctx only stops the wait.
func (h *Hub) Disconnect(ctx context.Context, sessionID string) error {
	return h.doLifecycle(ctx, func() {
		h.leave(sessionID)
		if _, ok := h.sessions[sessionID]; ok {
			delete(h.sessions, sessionID)
			h.connected.Add(-1)
			h.emit(Event{Kind: EventSessionClosed, SessionID: sessionID})
		}
	})
}

func (h *Hub) join(sessionID, projectID string) {
	if _, ok := h.sessions[sessionID]; !ok {
		log.Printf("collab: join from unknown session=%s dropped", sessionID)
		return
	}
	if projectID == "" {
		log.Printf("collab: join without projectId session=%s dropped", sessionID)
		return
	}

	if current, ok := h.presence.RoomOf(sessionID); ok && current != projectID {
		h.leave(sessionID)
	}
	h.presence.Add(projectID, sessionID)

	count := h.presence.Count(projectID)
	_ = h.send(sessionID, protocol.TypeJoined, protocol.JoinedMsg{
		ProjectID: projectID,
		Count:     count,
	})
	metrics.MessagesTotal.WithLabelValues(protocol.TypeJoin).Inc()
	log.Printf("collab: session=%s joined project=%s (count=%d)", sessionID, projectID, count)
}

func (h *Hub) leave(sessionID string) {
	projectID, ok := h.presence.RoomOf(sessionID)
	if !ok {
		return
	}
	change, ok := h.presence.Remove(projectID, sessionID)
	if !ok {
		return
	}
	h.sync.sessionLeft(h, sessionID, projectID)

	if h.registry.ReapIfEmpty(projectID) {
		h.sync.dropRoom(projectID)
		h.emit(Event{Kind: EventRoomClosed, ProjectID: projectID})
		metrics.ActiveRooms.Set(float64(h.registry.Count()))
		log.Printf("collab: project=%s closed", projectID)
	}
	log.Printf("collab: session=%s left project=%s (count=%d)", sessionID, projectID, change.Count)
}
