package ws

import (
	"log"

	"github.com/codecollab/collab-server/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete struct
// returned by protocol.ParseClientMessage (protocol.JoinMsg,
// protocol.CodeChangeMsg, ...).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming messages to handlers by type. Ping is
// answered internally. Malformed frames and unknown types are logged and
// dropped; the client gets no error frame.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates a MessageHandler with a message type, replacing any
// previous handler.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback for Server.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dropping frame session=%s: %v", conn.ID, err)
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: no handler for type=%q session=%s", msgType, conn.ID)
		return
	}
	handler(conn, msg)
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong session=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong session=%s: %v", conn.ID, err)
	}
}
