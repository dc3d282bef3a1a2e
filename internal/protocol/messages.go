// Package protocol defines the WebSocket message types exchanged between
// editor clients and the collaboration server. Every frame is a JSON object
// carrying a "type" discriminator; the remaining fields depend on the type.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin                = "join"
	TypeLeave               = "leave"
	TypeCodeChange          = "codeChange"
	TypeRequestInitialState = "requestInitialState"
	TypeChatMessage         = "chatMessage"
	TypePing                = "ping"
)

// TypeProvideInitialState travels in both directions: the server forwards a
// state request to a chosen peer, and the peer answers with the same type
// carrying its snapshot.
const TypeProvideInitialState = "provideInitialState"

// Server -> Client message types.
const (
	TypeSessionCreated = "sessionCreated"
	TypeJoined         = "joined"
	TypeCodeUpdate     = "codeUpdate"
	TypeUsersUpdate    = "usersUpdate"
	TypeInitialState   = "initialState"
	TypeRateLimited    = "rateLimited"
	TypePong           = "pong"
)

// Initial state outcomes reported in InitialStateMsg.Status.
const (
	StateOK       = "ok"       // a peer supplied its snapshot
	StateEmpty    = "empty"    // requester is alone in the room
	StateFallback = "fallback" // peer did not answer; load the local copy
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the full raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload types
// ---------------------------------------------------------------------------

// File is one editor buffer. Content is opaque to the server.
type File struct {
	Name    string `json:"name"`
	Ext     string `json:"ext"`
	Content string `json:"content"`
}

// Sender identifies the author of a chat message.
type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg moves the session into the room for ProjectID.
type JoinMsg struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
}

// LeaveMsg removes the session from its current room.
type LeaveMsg struct {
	Type string `json:"type"`
}

// CodeChangeMsg carries the sender's full file snapshot.
type CodeChangeMsg struct {
	Type            string `json:"type"`
	ProjectID       string `json:"projectId"`
	Files           []File `json:"files"`
	ActiveFileIndex int    `json:"activeFileIndex"`
}

// RequestInitialStateMsg asks the server to fetch the room's current state
// from a peer. RequestID is echoed back in the InitialStateMsg reply.
type RequestInitialStateMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
}

// ProvideInitialStateMsg is a peer's answer to a forwarded state request.
type ProvideInitialStateMsg struct {
	Type            string `json:"type"`
	RequestID       string `json:"requestId"`
	Files           []File `json:"files"`
	ActiveFileIndex int    `json:"activeFileIndex"`
}

// ChatMsg is a chat line sent by a client.
type ChatMsg struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp,omitempty"`
	Sender    Sender `json:"sender"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once, right after the upgrade.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// JoinedMsg confirms a join and reports the room size including the joiner.
type JoinedMsg struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
	Count     int    `json:"count"`
}

// CodeUpdateMsg relays a peer's snapshot.
type CodeUpdateMsg struct {
	Type            string `json:"type"`
	ProjectID       string `json:"projectId"`
	From            string `json:"from"`
	Files           []File `json:"files"`
	ActiveFileIndex int    `json:"activeFileIndex"`
}

// UsersUpdateMsg is broadcast whenever room membership changes.
type UsersUpdateMsg struct {
	Type      string   `json:"type"`
	ProjectID string   `json:"projectId"`
	Count     int      `json:"count"`
	Users     []string `json:"users"`
}

// ServerChatMsg is a chat line relayed to the room.
type ServerChatMsg struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Sender    Sender `json:"sender"`
}

// StateRequestMsg is forwarded to the peer chosen to supply initial state.
// The peer must answer with a ProvideInitialStateMsg carrying RequestID.
type StateRequestMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// InitialStateMsg answers a RequestInitialStateMsg. Files is always an
// array, empty unless Status is "ok".
type InitialStateMsg struct {
	Type            string `json:"type"`
	RequestID       string `json:"requestId,omitempty"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	Files           []File `json:"files"`
	ActiveFileIndex int    `json:"activeFileIndex"`
}

// RateLimitedMsg tells the client its last message was dropped.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. Server-only types are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCodeChange:
		var m CodeChangeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRequestInitialState:
		var m RequestInitialStateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeProvideInitialState:
		var m ProvideInitialStateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChatMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload as JSON with the "type" key forced to
// msgType. The payload should be one of the server message structs.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage)
	}

	t, _ := json.Marshal(msgType)
	m["type"] = t

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
