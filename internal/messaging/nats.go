// Package messaging provides a NATS client wrapper used to publish room
// lifecycle events to collaborators running outside the server process, such
// as autosave workers or usage analytics. The server only publishes;
// consumers subscribe to SubjectRoomAll or SubjectProject.>.
package messaging

import (
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns.
const (
	SubjectRoom      = "collab.room"    // + .<project_id>
	SubjectRoomAll   = "collab.room.>"  // every room
	SubjectProject   = "collab.project" // + .<project_id> (saved snapshots)
	subjectSeparator = "."
)

// NATSClient wraps the NATS connection with publish helpers.
type NATSClient struct {
	conn *nats.Conn
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "collab",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect %s: %w", config.URL, err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{conn: nc}, nil
}

// RoomSubject returns the subject carrying events for one project room.
func RoomSubject(projectID string) string {
	return SubjectRoom + subjectSeparator + projectID
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishRoomEvent publishes an encoded room event on collab.room.<projectID>.
func (c *NATSClient) PublishRoomEvent(projectID string, data []byte) error {
	return c.Publish(RoomSubject(projectID), data)
}

// PublishProjectSaved announces that a project snapshot was persisted.
func (c *NATSClient) PublishProjectSaved(projectID string, data []byte) error {
	return c.Publish(ProjectSubject(projectID), data)
}

// ProjectSubject returns the subject carrying save notices for one project.
func ProjectSubject(projectID string) string {
	return SubjectProject + subjectSeparator + projectID
}

// Flush blocks until the server has processed everything published so far.
func (c *NATSClient) Flush(timeout time.Duration) error {
	return c.conn.FlushTimeout(timeout)
}

// Close drains pending publishes and closes the NATS connection.
func (c *NATSClient) Close() {
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] client closed")
}
