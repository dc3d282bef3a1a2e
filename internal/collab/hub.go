// Package collab is the collaboration core. A Hub owns the room registry,
// presence, and initial-state exchanges, and applies every mutation on a
// single event loop so that membership, broadcasts, and sync decisions are
// observed in one total order.
package collab

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codecollab/collab-server/internal/metrics"
	"github.com/codecollab/collab-server/internal/protocol"
	"github.com/codecollab/collab-server/internal/room"
)

// ErrHubClosed is returned by Hub operations once Run has returned.
var ErrHubClosed = errors.New("collab: hub closed")

// Sender delivers an encoded server message to one session. It is called on
// the hub's event loop and must not block on the network; ws.Server queues
// the frame and returns.
type Sender interface {
	SendMessage(sessionID string, data []byte) error
}

// Config holds tunable parameters for the Hub.
type Config struct {
	SyncTimeout time.Duration // how long a chosen peer has to supply state
	EventBuffer int           // capacity of the event queue
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SyncTimeout: 4 * time.Second,
		EventBuffer: 256,
	}
}

type event struct {
	fn   func()
	done chan struct{}
}

// lifecycleQueue is an unbounded FIFO for Connect and Disconnect. Unlike the
// event queue it never rejects, so a session cannot be left behind in
// presence because the hub was busy when it went away.
type lifecycleQueue struct {
	mu     sync.Mutex
	items  []event
	signal chan struct{}
}

func (q *lifecycleQueue) push(ev event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *lifecycleQueue) drain() []event {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

type client struct {
	id          string
	connectedAt time.Time
}

// Hub serializes all room state changes onto the goroutine running Run.
type Hub struct {
	config   Config
	registry *room.Registry
	presence *room.Presence
	sender   Sender
	sinks    []EventSink

	events    chan event
	lifecycle lifecycleQueue
	done      chan struct{}

	// Owned by the Run goroutine.
	sessions map[string]*client
	sync     *syncBroker

	connected atomic.Int64
}

// NewHub creates a Hub. Membership changes are broadcast to rooms as
// usersUpdate and forwarded to every sink.
func NewHub(config Config, registry *room.Registry, presence *room.Presence, sender Sender, sinks ...EventSink) *Hub {
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = DefaultConfig().SyncTimeout
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultConfig().EventBuffer
	}
	h := &Hub{
		config:   config,
		registry: registry,
		presence: presence,
		sender:   sender,
		sinks:    sinks,
		events:   make(chan event, config.EventBuffer),
		done:     make(chan struct{}),
		sessions: make(map[string]*client),
		sync:     newSyncBroker(),
	}
	h.lifecycle.signal = make(chan struct{}, 1)
	presence.Subscribe(h.onPresence)
	return h
}

// Run processes events until ctx is cancelled. It must be called exactly once.
func (h *Hub) Run(ctx context.Context) {
	log.Printf("collab: hub started (sync_timeout=%s)", h.config.SyncTimeout)
	defer func() {
		h.sync.stopAll()
		close(h.done)
		log.Printf("collab: hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.lifecycle.signal:
			h.runLifecycle()
		case ev := <-h.events:
			// Lifecycle events queued before ev was sent run first, so a Join
			// always sees the Connect that preceded it.
			h.runLifecycle()
			ev.run()
		}
	}
}

func (ev event) run() {
	ev.fn()
	if ev.done != nil {
		close(ev.done)
	}
}

func (h *Hub) runLifecycle() {
	for _, ev := range h.lifecycle.drain() {
		ev.run()
	}
}

// do runs fn on the event loop and waits for it to finish.
func (h *Hub) do(ctx context.Context, fn func()) error {
	ev := event{fn: fn, done: make(chan struct{})}
	select {
	case h.events <- ev:
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ev.done:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// doLifecycle queues fn on the lifecycle queue and waits for it to finish.
// The queue never rejects: if ctx expires first, fn still runs later.
func (h *Hub) doLifecycle(ctx context.Context, fn func()) error {
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}

	ev := event{fn: fn, done: make(chan struct{})}
	h.lifecycle.push(ev)

	select {
	case <-ev.done:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting. Used by timers.
func (h *Hub) post(fn func()) {
	select {
	case h.events <- event{fn: fn}:
	case <-h.done:
	}
}

// Stats is a point-in-time view of hub occupancy.
type Stats struct {
	Connections int            `json:"connections"`
	Sessions    int            `json:"sessions"`
	Rooms       int            `json:"rooms"`
	Members     map[string]int `json:"members"`
}

// Stats reports live counts. It does not go through the event loop.
func (h *Hub) Stats() Stats {
	members := h.registry.Snapshot()
	return Stats{
		Connections: int(h.connected.Load()),
		Sessions:    h.presence.Sessions(),
		Rooms:       len(members),
		Members:     members,
	}
}

func (h *Hub) onPresence(c room.Change) {
	kind := EventSessionLeft
	if c.Joined {
		kind = EventSessionJoined
		if c.Created {
			h.emit(Event{Kind: EventRoomCreated, ProjectID: c.ProjectID, Count: 0})
		}
	}
	h.emit(Event{Kind: kind, ProjectID: c.ProjectID, SessionID: c.SessionID, Count: c.Count})

	metrics.ActiveRooms.Set(float64(h.registry.Count()))
	metrics.JoinedSessions.Set(float64(h.presence.Sessions()))

	if c.Count == 0 {
		return
	}
	data, err := protocol.NewServerMessage(protocol.TypeUsersUpdate, protocol.UsersUpdateMsg{
		ProjectID: c.ProjectID,
		Count:     c.Count,
		Users:     c.Members,
	})
	if err != nil {
		log.Printf("collab: failed to build usersUpdate project=%s: %v", c.ProjectID, err)
		return
	}
	for _, sid := range c.Members {
		h.deliver(sid, data)
	}
}

func (h *Hub) emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	for _, s := range h.sinks {
		s.HandleRoomEvent(e)
	}
}

// send encodes payload as msgType and delivers it to one session.
func (h *Hub) send(sessionID, msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("collab: failed to build %s for session=%s: %v", msgType, sessionID, err)
		return err
	}
	return h.deliver(sessionID, data)
}

func (h *Hub) deliver(sessionID string, data []byte) error {
	if err := h.sender.SendMessage(sessionID, data); err != nil {
		log.Printf("collab: send to session=%s failed: %v", sessionID, err)
		return err
	}
	return nil
}

// fanout delivers data to every member of projectID except exclude.
func (h *Hub) fanout(projectID string, data []byte, exclude string) int {
	n := 0
	for _, sid := range h.presence.Members(projectID) {
		if sid == exclude {
			continue
		}
		if h.deliver(sid, data) == nil {
			n++
		}
	}
	return n
}
