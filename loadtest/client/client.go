// Package client is a WebSocket editor simulator for load tests. It speaks
// the collab wire protocol with gobwas/ws, the library the server uses, and
// keeps per-connection counters.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeJoin                = "join"
	TypeLeave               = "leave"
	TypeCodeChange          = "codeChange"
	TypeRequestInitialState = "requestInitialState"
	TypeProvideInitialState = "provideInitialState"
	TypeChatMessage         = "chatMessage"
	TypePing                = "ping"
)

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

// File is one editor buffer.
type File struct {
	Name    string `json:"name"`
	Ext     string `json:"ext"`
	Content string `json:"content"`
}

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Client is one simulated editor.
type Client struct {
	conn      net.Conn
	rd        io.ReadWriter
	sessionID atomic.Value
	writeMu   sync.Mutex
	handlers  map[string]func(json.RawMessage)

	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
	errors         atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// New dials url. Register handlers with On, then call Start.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:           conn,
		rd:             conn,
		handlers:       make(map[string]func(json.RawMessage)),
		done:           make(chan struct{}),
		connectLatency: time.Since(start),
	}
	// The server writes sessionCreated right after the handshake, so it may
	// already be buffered in br.
	if br != nil {
		c.rd = &bufferedConn{Conn: conn, r: io.MultiReader(br, conn)}
	}
	return c, nil
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// Start begins the read loop.
func (c *Client) Start() {
	go c.readLoop()
}

// On registers a handler for a server message type. Handlers run on the read
// goroutine. Registering a type twice replaces the first handler.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// Send writes msg as a JSON text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.errors.Add(1)
		return err
	}
	c.sent.Add(1)
	return nil
}

// Join asks the server to move this client into projectID's room.
func (c *Client) Join(projectID string) error {
	return c.Send(map[string]string{"type": TypeJoin, "projectId": projectID})
}

// SendCode publishes a full snapshot.
func (c *Client) SendCode(projectID string, files []File, active int) error {
	return c.Send(map[string]interface{}{
		"type":            TypeCodeChange,
		"projectId":       projectID,
		"files":           files,
		"activeFileIndex": active,
	})
}

// WaitForSession blocks until sessionCreated arrived.
func (c *Client) WaitForSession(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before session was created")
		case <-ticker.C:
			if c.SessionID() != "" {
				return nil
			}
		}
	}
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// SessionID returns the server-assigned id, or "" before the handshake.
func (c *Client) SessionID() string {
	id, _ := c.sessionID.Load().(string)
	return id
}

// GetMetrics returns a snapshot of the client's counters.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.rd)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errors.Add(1)
			}
			return
		}
		c.received.Add(1)

		var envelope struct {
			Type      string `json:"type"`
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		if envelope.Type == TypeSessionCreated && envelope.SessionID != "" {
			c.sessionID.Store(envelope.SessionID)
		}
		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
