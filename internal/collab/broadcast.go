package collab

import (
	"context"
	"log"

	"github.com/codecollab/collab-server/internal/metrics"
	"github.com/codecollab/collab-server/internal/protocol"
)

// PublishCode relays a full file snapshot from senderID to every other member
// of its room as codeUpdate. The snapshot is neither inspected nor stored.
// Messages without a projectId, or naming a room the sender is not in, are
// dropped.
func (h *Hub) PublishCode(ctx context.Context, senderID string, msg protocol.CodeChangeMsg) error {
	return h.do(ctx, func() { h.publishCode(senderID, msg) })
}

func (h *Hub) publishCode(senderID string, msg protocol.CodeChangeMsg) {
	if msg.ProjectID == "" {
		log.Printf("collab: codeChange without projectId session=%s dropped", senderID)
		return
	}
	current, ok := h.presence.RoomOf(senderID)
	if !ok || current != msg.ProjectID {
		log.Printf("collab: codeChange for project=%s from non-member session=%s dropped", msg.ProjectID, senderID)
		return
	}

	files := msg.Files
	if files == nil {
		files = []protocol.File{}
	}
	data, err := protocol.NewServerMessage(protocol.TypeCodeUpdate, protocol.CodeUpdateMsg{
		ProjectID:       msg.ProjectID,
		From:            senderID,
		Files:           files,
		ActiveFileIndex: msg.ActiveFileIndex,
	})
	if err != nil {
		log.Printf("collab: failed to build codeUpdate session=%s: %v", senderID, err)
		return
	}

	h.fanout(msg.ProjectID, data, senderID)
	metrics.MessagesTotal.WithLabelValues(protocol.TypeCodeChange).Inc()
}
