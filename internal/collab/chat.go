package collab

import (
	"context"
	"log"
	"time"

	"github.com/codecollab/collab-server/internal/chat"
	"github.com/codecollab/collab-server/internal/metrics"
	"github.com/codecollab/collab-server/internal/protocol"
)

// PublishChat relays a chat line to every member of the sender's room,
// sender included. Invalid text is dropped. A missing timestamp is stamped
// with the server clock. Nothing is stored.
func (h *Hub) PublishChat(ctx context.Context, senderID string, msg protocol.ChatMsg) error {
	return h.do(ctx, func() { h.publishChat(senderID, msg) })
}

func (h *Hub) publishChat(senderID string, msg protocol.ChatMsg) {
	projectID, ok := h.presence.RoomOf(senderID)
	if !ok {
		log.Printf("collab: chatMessage from session=%s outside any room dropped", senderID)
		return
	}
	if err := chat.ValidateMessage(msg.Text); err != nil {
		log.Printf("collab: chatMessage from session=%s rejected: %v", senderID, err)
		metrics.MessagesTotal.WithLabelValues("chat_rejected").Inc()
		return
	}

	ts := msg.Timestamp
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339)
	}
	sender := msg.Sender
	if sender.ID == "" {
		sender.ID = senderID
	}

	data, err := protocol.NewServerMessage(protocol.TypeChatMessage, protocol.ServerChatMsg{
		ProjectID: projectID,
		Text:      msg.Text,
		Timestamp: ts,
		Sender:    sender,
	})
	if err != nil {
		log.Printf("collab: failed to build chatMessage session=%s: %v", senderID, err)
		return
	}

	h.fanout(projectID, data, "")
	metrics.MessagesTotal.WithLabelValues(protocol.TypeChatMessage).Inc()
}
