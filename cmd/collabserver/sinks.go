package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/codecollab/collab-server/internal/collab"
	"github.com/codecollab/collab-server/internal/messaging"
	"github.com/codecollab/collab-server/internal/session"
)

// natsSink publishes room lifecycle events on collab.room.<projectId>.
// nats.Conn buffers publishes, so this never blocks the hub.
type natsSink struct {
	client *messaging.NATSClient
}

func (s natsSink) HandleRoomEvent(e collab.Event) {
	if e.ProjectID == "" {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := s.client.PublishRoomEvent(e.ProjectID, data); err != nil {
		log.Printf("[nats] publish %s project=%s: %v", e.Kind, e.ProjectID, err)
	}
}

// sessionMirror is the part of session.Store the mirror writes to.
type sessionMirror interface {
	SetProject(ctx context.Context, sessionID, projectID string) error
	ClearProject(ctx context.Context, sessionID, projectID string) error
	Delete(ctx context.Context, sessionID string) error
}

// sessionSink mirrors room membership into the Redis session hash. One
// goroutine applies events in hub order, so a session's delete always lands
// after its last join or leave. When the queue is full the event is dropped;
// a Redis outage only loses the mirror and the hash expires on its own.
type sessionSink struct {
	store   sessionMirror
	events  chan collab.Event
	timeout time.Duration
}

func newSessionSink(store sessionMirror) *sessionSink {
	return &sessionSink{
		store:   store,
		events:  make(chan collab.Event, 1024),
		timeout: 2 * time.Second,
	}
}

func (s *sessionSink) HandleRoomEvent(e collab.Event) {
	switch e.Kind {
	case collab.EventSessionJoined, collab.EventSessionLeft, collab.EventSessionClosed:
	default:
		return
	}
	select {
	case s.events <- e:
	default:
		log.Printf("session: mirror queue full, dropping %s session=%s", e.Kind, e.SessionID)
	}
}

func (s *sessionSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.events:
			s.apply(ctx, e)
		}
	}
}

func (s *sessionSink) apply(ctx context.Context, e collab.Event) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var err error
	switch e.Kind {
	case collab.EventSessionJoined:
		err = s.store.SetProject(ctx, e.SessionID, e.ProjectID)
	case collab.EventSessionLeft:
		err = s.store.ClearProject(ctx, e.SessionID, e.ProjectID)
	case collab.EventSessionClosed:
		err = s.store.Delete(ctx, e.SessionID)
	}
	if errors.Is(err, session.ErrNotFound) {
		return
	}
	if err != nil {
		log.Printf("session: mirror %s session=%s: %v", e.Kind, e.SessionID, err)
	}
}
