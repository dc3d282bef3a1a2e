// Package ws handles WebSocket connection management: upgrading HTTP
// connections, polling sockets for readiness, reading frames on a bounded
// worker pool, and dispatching decoded messages to handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/codecollab/collab-server/internal/metrics"
	"github.com/codecollab/collab-server/internal/protocol"
	"github.com/codecollab/collab-server/internal/ratelimit"
	"github.com/codecollab/collab-server/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr      string        // address to listen on, e.g. ":8080"
	WorkerPoolSize  int           // max concurrent read-worker goroutines
	MaxConnections  int           // hard cap on total connections
	ReadTimeout     time.Duration // timeout for WebSocket read operations
	WriteTimeout    time.Duration // timeout for WebSocket write operations
	MaxMessageBytes int64         // largest accepted message after reassembly; snapshots carry whole files
	SendQueueSize   int           // outbound frames buffered per connection before eviction
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		WorkerPoolSize:  256,
		MaxConnections:  100000,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: 2 << 20,
		SendQueueSize:   256,
	}
}

// Server is the WebSocket server built on gobwas/ws. Upgraded connections
// are registered with a poller, and ready connections are handed to a
// bounded worker pool that reads one frame per dispatch.
type Server struct {
	config       ServerConfig
	heartbeat    HeartbeatConfig
	poller       *poller
	conns        *ConnectionManager
	sessionStore *session.Store     // optional Redis mirror of sessions
	limiter      *ratelimit.Limiter // optional; nil allows every connection
	workerPool   chan struct{}      // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(connID string)
	mux          *http.ServeMux
	httpServer   *http.Server
	initOnce     sync.Once
	initErr      error
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine for
// every complete text frame. sessionStore may be nil.
func NewServer(config ServerConfig, sessionStore *session.Store, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = DefaultServerConfig().MaxMessageBytes
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = DefaultServerConfig().SendQueueSize
	}
	s := &Server{
		config:       config,
		heartbeat:    DefaultHeartbeatConfig(),
		conns:        NewConnectionManager(),
		sessionStore: sessionStore,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		mux:          http.NewServeMux(),
		done:         make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// SetOnConnect registers a callback invoked after the sessionCreated frame is
// written and before the connection is polled, so no client frame can be
// dispatched ahead of it.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked once when a connection is
// removed (read error, close frame, heartbeat timeout, failed or overflowing
// writes). The callback owns the Redis session record from then on.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetLimiter enables per-IP connection rate limiting.
func (s *Server) SetLimiter(l *ratelimit.Limiter) {
	s.limiter = l
}

// SetHeartbeat overrides the heartbeat configuration. Call before Init.
func (s *Server) SetHeartbeat(config HeartbeatConfig) {
	s.heartbeat = config
}

// Handle mounts an additional HTTP handler next to /ws and /health.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler returns the server's HTTP handler. Init must have been called for
// upgraded connections to be read.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Init creates the poller and starts the event loop and heartbeat. Start
// calls it; tests serving Handler through httptest call it directly.
func (s *Server) Init() error {
	s.initOnce.Do(func() {
		p, err := newPoller()
		if err != nil {
			s.initErr = fmt.Errorf("ws: failed to create poller: %w", err)
			return
		}
		s.poller = p
		s.startedAt = time.Now()

		go s.eventLoop()
		StartHeartbeat(s, s.heartbeat)
	})
	return s.initErr
}

// Start initializes the server and blocks serving HTTP on ListenAddr.
func (s *Server) Start() error {
	if err := s.Init(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection, sends
// sessionCreated, runs the connect callback, and registers the connection
// with the poller.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
		retry, _ := s.limiter.RetryAfter(r.Context(), ip, ratelimit.RuleConnect)
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	// Clients see how many connects are left in the current window.
	upgrader := ws.HTTPUpgrader{Timeout: s.config.WriteTimeout}
	if s.limiter != nil {
		if left, err := s.limiter.Remaining(r.Context(), ip, ratelimit.RuleConnect); err == nil {
			upgrader.Header = http.Header{"X-Ratelimit-Remaining": []string{strconv.Itoa(left)}}
		}
	}

	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.NewString(), conn, ip, s.config.WriteTimeout, s.config.SendQueueSize)
	c.ProjectID = r.URL.Query().Get("projectId")
	c.start(s.RemoveConnection)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessionStore.Create(ctx, c.ID, ip); err != nil {
			log.Printf("ws: failed to create redis session for %s: %v", c.ID, err)
		}
		cancel()
	}

	hello, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: c.ID,
	})
	if err != nil {
		log.Printf("ws: failed to build sessionCreated for session %s: %v", c.ID, err)
	} else if err := s.SendMessage(c.ID, hello); err != nil {
		log.Printf("ws: failed to send sessionCreated for session %s: %v", c.ID, err)
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}

	if err := s.poller.add(c); err != nil {
		log.Printf("ws: poller add failed for session %s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection session=%s fd=%d ip=%s (total=%d)", c.ID, c.Fd, ip, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// eventLoop hands every ready connection to a worker, bounded by the worker
// pool semaphore. The connection is re-armed once the worker is done.
func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.poller.wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			log.Printf("ws: poller wait error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for _, c := range ready {
			if !c.processing.CompareAndSwap(false, true) {
				continue
			}
			s.workerPool <- struct{}{}

			go func(c *Connection) {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
				c.processing.Store(false)
				s.poller.resume(c)
			}(c)
		}
	}
}

// errCloseFrame aborts a fragmented read when the client closes mid-message.
var errCloseFrame = errors.New("ws: close frame received")

// handleConn reads one message from a ready connection. Fragmented messages
// are reassembled up to MaxMessageBytes; control frames, including those
// interleaved with fragments, are answered inline. A complete text message is
// passed to onMessage. Any read failure other than a timeout removes the
// connection.
func (s *Server) handleConn(c *Connection) {
	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer c.Conn.SetReadDeadline(time.Time{})
	}

	rd := wsutil.Reader{
		Source:       c.rd,
		State:        ws.StateServerSide,
		CheckUTF8:    true,
		MaxFrameSize: s.config.MaxMessageBytes,
		OnIntermediate: func(h ws.Header, r io.Reader) error {
			return s.handleControl(c, h, r)
		},
	}

	header, err := rd.NextFrame()
	if err != nil {
		// A timeout means readiness was stale; the heartbeat handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.closeWith(c, err, header)
		return
	}
	c.Touch()

	if header.OpCode.IsControl() {
		if err := s.handleControl(c, header, &rd); err != nil {
			s.RemoveConnection(c)
		}
		return
	}

	data, err := io.ReadAll(io.LimitReader(&rd, s.config.MaxMessageBytes+1))
	if err == nil && int64(len(data)) > s.config.MaxMessageBytes {
		err = wsutil.ErrFrameTooLarge
	}
	if err != nil {
		s.closeWith(c, err, header)
		return
	}
	if header.OpCode != ws.OpText || len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// closeWith sends the close status matching a read error, then removes c.
func (s *Server) closeWith(c *Connection, err error, header ws.Header) {
	var (
		status ws.StatusCode
		reason string
	)
	var protoErr ws.ProtocolError
	switch {
	case errors.Is(err, wsutil.ErrFrameTooLarge):
		status, reason = ws.StatusMessageTooBig, "message too big"
	case errors.Is(err, wsutil.ErrInvalidUTF8):
		status, reason = ws.StatusInvalidFramePayloadData, "invalid utf-8"
	case errors.As(err, &protoErr):
		status, reason = ws.StatusProtocolError, protoErr.Error()
	}
	if status != 0 {
		log.Printf("ws: rejecting message session=%s op=%v len=%d fin=%v: %v",
			c.ID, header.OpCode, header.Length, header.Fin, err)
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(status, reason)))
	}
	s.RemoveConnection(c)
}

// handleControl answers a ping or close frame. A non-nil error means the
// connection is done.
func (s *Server) handleControl(c *Connection, header ws.Header, reader io.Reader) error {
	payload := make([]byte, header.Length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return err
	}
	c.Touch()

	switch header.OpCode {
	case ws.OpClose:
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
		return errCloseFrame
	case ws.OpPing:
		return c.writeFrame(ws.NewPongFrame(payload))
	}
	return nil
}

// RemoveConnection unregisters c from the poller and the connection manager,
// closes it, and runs the disconnect callback. Concurrent calls for the same
// connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.remove(c)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	log.Printf("ws: connection closed session=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage queues a text frame for the connection identified by connID.
// It never blocks on the socket, so it is safe to call from the hub loop. A
// connection whose queue is full is evicted.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	if err := c.WriteMessage(data); err != nil {
		return fmt.Errorf("ws: send to %s: %w", connID, err)
	}
	return nil
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, the event loop, and the heartbeat, then
// closes every connection. Disconnect callbacks run for each of them.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")
	s.closeOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down")))
		s.RemoveConnection(c)
	}

	if s.poller != nil {
		_ = s.poller.close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// clientIP returns the first X-Forwarded-For hop, or the peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
