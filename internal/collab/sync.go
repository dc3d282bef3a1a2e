package collab

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/codecollab/collab-server/internal/metrics"
	"github.com/codecollab/collab-server/internal/protocol"
)

// Fallback reasons reported in InitialStateMsg.Reason.
const (
	ReasonTimeout     = "timeout"
	ReasonPeerLeft    = "peer_left"
	ReasonUnavailable = "unavailable" // no candidate peer accepted the request
)

type syncRequest struct {
	requester string
	requestID string // client's id, echoed in the reply
	projectID string
	queuedAt  time.Time
}

// exchange is one in-flight peer round-trip, keyed by correlation id.
type exchange struct {
	corrID    string
	req       syncRequest
	peer      string
	startedAt time.Time
	timer     *time.Timer
}

// syncBroker tracks initial-state exchanges. At most one exchange per room is
// in flight; other requests for that room wait in FIFO order. Only the hub's
// event loop touches it.
type syncBroker struct {
	inflight map[string]*exchange     // correlation id -> exchange
	byRoom   map[string]*exchange     // project id -> exchange
	queues   map[string][]syncRequest // project id -> waiting requests
}

func newSyncBroker() *syncBroker {
	return &syncBroker{
		inflight: make(map[string]*exchange),
		byRoom:   make(map[string]*exchange),
		queues:   make(map[string][]syncRequest),
	}
}

// RequestInitialState asks a peer in the requester's room for its current
// snapshot. The requester always receives exactly one initialState reply:
// "empty" when no peer exists, "ok" with the peer's files, or "fallback" when
// the peer times out or leaves.
func (h *Hub) RequestInitialState(ctx context.Context, sessionID, requestID string) error {
	return h.do(ctx, func() { h.requestInitialState(sessionID, requestID) })
}

// ProvideInitialState accepts a peer's reply to a forwarded state request.
// Replies for unknown or already resolved exchanges, and replies from any
// session other than the chosen peer, are ignored.
func (h *Hub) ProvideInitialState(ctx context.Context, sessionID string, msg protocol.ProvideInitialStateMsg) error {
	return h.do(ctx, func() { h.provideInitialState(sessionID, msg) })
}

func (h *Hub) requestInitialState(sessionID, requestID string) {
	projectID, ok := h.presence.RoomOf(sessionID)
	if !ok {
		log.Printf("collab: requestInitialState from session=%s outside any room dropped", sessionID)
		return
	}
	if h.sync.awaiting(projectID, sessionID) {
		log.Printf("collab: duplicate requestInitialState session=%s ignored", sessionID)
		return
	}

	h.sync.queues[projectID] = append(h.sync.queues[projectID], syncRequest{
		requester: sessionID,
		requestID: requestID,
		projectID: projectID,
		queuedAt:  time.Now(),
	})
	h.startNextSync(projectID)
}

// startNextSync dispatches queued requests for projectID until one of them
// opens an exchange or the queue is empty.
func (h *Hub) startNextSync(projectID string) {
	for h.sync.byRoom[projectID] == nil {
		q := h.sync.queues[projectID]
		if len(q) == 0 {
			delete(h.sync.queues, projectID)
			return
		}
		req := q[0]
		h.sync.queues[projectID] = q[1:]
		h.dispatchSync(req)
	}
}

func (h *Hub) dispatchSync(req syncRequest) {
	// Membership may have changed while the request was queued.
	if current, ok := h.presence.RoomOf(req.requester); !ok || current != req.projectID {
		return
	}

	var candidates []string
	for _, sid := range h.presence.Members(req.projectID) {
		if sid == req.requester || h.sync.awaiting(req.projectID, sid) {
			continue
		}
		candidates = append(candidates, sid)
	}

	if len(candidates) == 0 {
		h.replyState(req, protocol.InitialStateMsg{Status: protocol.StateEmpty})
		return
	}

	for _, peer := range candidates {
		corrID := uuid.NewString()
		data, err := protocol.NewServerMessage(protocol.TypeProvideInitialState, protocol.StateRequestMsg{
			RequestID: corrID,
		})
		if err != nil {
			log.Printf("collab: failed to build state request: %v", err)
			break
		}
		if h.deliver(peer, data) != nil {
			continue
		}

		ex := &exchange{corrID: corrID, req: req, peer: peer, startedAt: time.Now()}
		ex.timer = time.AfterFunc(h.config.SyncTimeout, func() {
			h.post(func() { h.expireSync(corrID) })
		})
		h.sync.inflight[corrID] = ex
		h.sync.byRoom[req.projectID] = ex
		log.Printf("collab: state request corr=%s requester=%s peer=%s project=%s",
			corrID, req.requester, peer, req.projectID)
		return
	}

	h.replyState(req, protocol.InitialStateMsg{Status: protocol.StateFallback, Reason: ReasonUnavailable})
}

func (h *Hub) provideInitialState(sessionID string, msg protocol.ProvideInitialStateMsg) {
	ex, ok := h.sync.inflight[msg.RequestID]
	if !ok {
		log.Printf("collab: late or unknown state reply corr=%q session=%s ignored", msg.RequestID, sessionID)
		return
	}
	if ex.peer != sessionID {
		log.Printf("collab: state reply corr=%s from unexpected session=%s ignored", msg.RequestID, sessionID)
		return
	}

	h.sync.finish(ex)
	h.replyState(ex.req, protocol.InitialStateMsg{
		Status:          protocol.StateOK,
		Files:           msg.Files,
		ActiveFileIndex: msg.ActiveFileIndex,
	})
	h.startNextSync(ex.req.projectID)
}

func (h *Hub) expireSync(corrID string) {
	ex, ok := h.sync.inflight[corrID]
	if !ok {
		return
	}
	h.sync.finish(ex)
	log.Printf("collab: state request corr=%s timed out after %s", corrID, h.config.SyncTimeout)
	h.replyState(ex.req, protocol.InitialStateMsg{Status: protocol.StateFallback, Reason: ReasonTimeout})
	h.startNextSync(ex.req.projectID)
}

func (h *Hub) replyState(req syncRequest, reply protocol.InitialStateMsg) {
	reply.RequestID = req.requestID
	if reply.Files == nil {
		reply.Files = []protocol.File{}
	}
	metrics.InitialStateTotal.WithLabelValues(reply.Status).Inc()
	metrics.InitialStateLatency.Observe(time.Since(req.queuedAt).Seconds())
	_ = h.send(req.requester, protocol.TypeInitialState, reply)
}

// sessionLeft resolves every exchange involving sessionID after it left
// projectID: its queued requests are discarded, an exchange it requested is
// cancelled, and an exchange it was serving falls back with peer_left.
func (b *syncBroker) sessionLeft(h *Hub, sessionID, projectID string) {
	if q := b.queues[projectID]; len(q) > 0 {
		kept := q[:0]
		for _, req := range q {
			if req.requester != sessionID {
				kept = append(kept, req)
			}
		}
		b.queues[projectID] = kept
	}

	ex := b.byRoom[projectID]
	if ex == nil {
		return
	}
	switch sessionID {
	case ex.req.requester:
		b.finish(ex)
		log.Printf("collab: state request corr=%s cancelled, requester left", ex.corrID)
	case ex.peer:
		b.finish(ex)
		h.replyState(ex.req, protocol.InitialStateMsg{Status: protocol.StateFallback, Reason: ReasonPeerLeft})
	default:
		return
	}
	h.startNextSync(projectID)
}

// awaiting reports whether sessionID has a pending or queued request in
// projectID.
func (b *syncBroker) awaiting(projectID, sessionID string) bool {
	if ex := b.byRoom[projectID]; ex != nil && ex.req.requester == sessionID {
		return true
	}
	for _, req := range b.queues[projectID] {
		if req.requester == sessionID {
			return true
		}
	}
	return false
}

func (b *syncBroker) finish(ex *exchange) {
	ex.timer.Stop()
	delete(b.inflight, ex.corrID)
	if b.byRoom[ex.req.projectID] == ex {
		delete(b.byRoom, ex.req.projectID)
	}
}

func (b *syncBroker) dropRoom(projectID string) {
	if ex := b.byRoom[projectID]; ex != nil {
		b.finish(ex)
	}
	delete(b.queues, projectID)
}

func (b *syncBroker) stopAll() {
	for _, ex := range b.inflight {
		ex.timer.Stop()
	}
}

// pending reports the number of in-flight exchanges and queued requests.
func (b *syncBroker) pending() (inflight, queued int) {
	for _, q := range b.queues {
		queued += len(q)
	}
	return len(b.inflight), queued
}
