package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/codecollab/collab-server/internal/session"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace period after a missed ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and evicts those with
// no inbound frame for Interval + Timeout. Eviction goes through
// RemoveConnection, so the session leaves its room like any disconnect. Live
// sessions get their Redis TTL extended. The goroutine exits when the server
// shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastSeen())
		if idle > deadline {
			log.Printf("ws: heartbeat timeout session=%s last_activity=%s ago",
				c.ID, idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		// Browsers answer protocol pings automatically; the pong is a frame
		// and refreshes LastSeen.
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed session=%s: %v", c.ID, err)
			server.RemoveConnection(c)
			continue
		}
		refreshSession(server.sessionStore, c.ID)
	}
}

func refreshSession(store *session.Store, sessionID string) {
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := store.RefreshTTL(ctx, sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Printf("ws: heartbeat ttl refresh failed session=%s: %v", sessionID, err)
	}
}
