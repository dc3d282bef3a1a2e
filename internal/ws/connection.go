package ws

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
)

var (
	// ErrSendQueueFull is returned when a connection's outbound queue has no
	// room left. The connection is evicted.
	ErrSendQueueFull = errors.New("ws: send queue full")
	// ErrConnectionClosed is returned for writes after Close.
	ErrConnectionClosed = errors.New("ws: connection closed")
)

// Connection is one upgraded WebSocket client. Text frames go through a
// bounded outbound queue drained by a writer goroutine, so callers never
// block on a slow socket. Every socket write carries the write timeout.
type Connection struct {
	ID         string    // session ID (UUID)
	Conn       net.Conn  // underlying TCP connection
	Fd         int       // file descriptor, -1 when not polled through epoll
	RemoteAddr string    // client IP, honoring X-Forwarded-For
	ProjectID  string    // projectId from the upgrade URL, if any
	CreatedAt  time.Time // when the connection was established

	rd           io.Reader     // frame source; may buffer ahead of Conn
	lastSeen     atomic.Int64  // unix nanos of the last frame received
	writeMu      sync.Mutex    // serializes writes to this connection
	writeTimeout time.Duration // applied to every socket write; 0 disables
	send         chan []byte   // outbound text frames
	evict        func(*Connection)
	closed       chan struct{}
	closeOnce    sync.Once
	processing   atomic.Bool // set while a worker is reading a frame
}

func newConnection(id string, conn net.Conn, remoteAddr string, writeTimeout time.Duration, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultServerConfig().SendQueueSize
	}
	c := &Connection{
		ID:           id,
		Conn:         conn,
		Fd:           -1,
		RemoteAddr:   remoteAddr,
		CreatedAt:    time.Now(),
		rd:           conn,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, queueSize),
		closed:       make(chan struct{}),
	}
	c.Touch()
	return c
}

// start launches the writer goroutine. evict is called, at most once per
// failure, when a write fails or the outbound queue overflows.
func (c *Connection) start(evict func(*Connection)) {
	c.evict = evict
	go c.writeLoop()
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			if err := c.writeFrame(ws.NewTextFrame(data)); err != nil {
				select {
				case <-c.closed:
				default:
					log.Printf("ws: write failed session=%s: %v", c.ID, err)
					if c.evict != nil {
						c.evict(c)
					}
				}
				return
			}
		}
	}
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last frame received from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage queues a text frame for this connection. It never blocks; a
// full queue evicts the connection and returns ErrSendQueueFull.
func (c *Connection) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		log.Printf("ws: send queue full session=%s (cap=%d), evicting", c.ID, cap(c.send))
		if c.evict != nil {
			go c.evict(c)
		}
		return ErrSendQueueFull
	}
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

// writeFrame is the only path to the socket.
func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, f)
}

// Close stops the writer and closes the underlying network connection.
// Queued frames are discarded.
func (c *Connection) Close() error {
	err := ErrConnectionClosed
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry of live connections keyed by
// session ID.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters the connection with the given ID and closes it. It
// returns false if the connection was already gone, so concurrent removals
// clean up exactly once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
