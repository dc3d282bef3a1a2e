package main

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/codecollab/collab-server/internal/collab"
	"github.com/codecollab/collab-server/internal/metrics"
	"github.com/codecollab/collab-server/internal/protocol"
	"github.com/codecollab/collab-server/internal/ratelimit"
	"github.com/codecollab/collab-server/internal/ws"
)

// handlers adapts dispatched client messages to hub operations. Handlers run
// on the connection's read worker, so a slow hub call delays only that
// client's next frame.
type handlers struct {
	hub     *collab.Hub
	limiter rateLimiter
	timeout time.Duration
}

// rateLimiter is satisfied by *ratelimit.Limiter, including a nil one.
type rateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) (time.Duration, error)
}

func registerHandlers(d *ws.MessageDispatcher, hub *collab.Hub, limiter rateLimiter) {
	h := &handlers{hub: hub, limiter: limiter, timeout: 5 * time.Second}

	d.Register(protocol.TypeJoin, h.join)
	d.Register(protocol.TypeLeave, h.leave)
	d.Register(protocol.TypeCodeChange, h.codeChange)
	d.Register(protocol.TypeRequestInitialState, h.requestInitialState)
	d.Register(protocol.TypeProvideInitialState, h.provideInitialState)
	d.Register(protocol.TypeChatMessage, h.chatMessage)
}

func (h *handlers) join(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinMsg)
	if !ok {
		return
	}
	h.call(conn, protocol.TypeJoin, func(ctx context.Context) error {
		return h.hub.Join(ctx, conn.ID, m.ProjectID)
	})
}

func (h *handlers) leave(conn *ws.Connection, msg interface{}) {
	h.call(conn, protocol.TypeLeave, func(ctx context.Context) error {
		return h.hub.Leave(ctx, conn.ID)
	})
}

func (h *handlers) codeChange(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.CodeChangeMsg)
	if !ok || !h.allow(conn.ID, conn.WriteMessage, protocol.TypeCodeChange, ratelimit.RuleCodeChange) {
		return
	}
	h.call(conn, protocol.TypeCodeChange, func(ctx context.Context) error {
		return h.hub.PublishCode(ctx, conn.ID, m)
	})
}

func (h *handlers) requestInitialState(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.RequestInitialStateMsg)
	if !ok || !h.allow(conn.ID, conn.WriteMessage, protocol.TypeRequestInitialState, ratelimit.RuleStateRequest) {
		return
	}
	h.call(conn, protocol.TypeRequestInitialState, func(ctx context.Context) error {
		return h.hub.RequestInitialState(ctx, conn.ID, m.RequestID)
	})
}

func (h *handlers) provideInitialState(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ProvideInitialStateMsg)
	if !ok {
		return
	}
	h.call(conn, protocol.TypeProvideInitialState, func(ctx context.Context) error {
		return h.hub.ProvideInitialState(ctx, conn.ID, m)
	})
}

func (h *handlers) chatMessage(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.ChatMsg)
	if !ok || !h.allow(conn.ID, conn.WriteMessage, protocol.TypeChatMessage, ratelimit.RuleChat) {
		return
	}
	h.call(conn, protocol.TypeChatMessage, func(ctx context.Context) error {
		return h.hub.PublishChat(ctx, conn.ID, m)
	})
}

func (h *handlers) call(conn *ws.Connection, msgType string, fn func(ctx context.Context) error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		log.Printf("collab: %s from session=%s failed: %v", msgType, conn.ID, err)
		return
	}
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
}

// allow applies rule to the session. A denied message is dropped and the
// client is told through reply how long to back off.
func (h *handlers) allow(sessionID string, reply func([]byte) error, msgType string, rule ratelimit.Rule) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ok, err := h.limiter.Allow(ctx, sessionID, rule)
	if err != nil {
		log.Printf("[ratelimit] session=%s type=%s: %v", sessionID, msgType, err)
	}
	if ok {
		return true
	}

	metrics.RateLimitedTotal.WithLabelValues(msgType).Inc()
	wait, _ := h.limiter.RetryAfter(ctx, sessionID, rule)
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	data, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: secs})
	if err == nil {
		_ = reply(data)
	}
	log.Printf("[ratelimit] session=%s type=%s limited, retry in %ds", sessionID, msgType, secs)
	return false
}
