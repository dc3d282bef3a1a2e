package messaging

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "collab.room.p1", RoomSubject("p1"))
	assert.Equal(t, "collab.project.p1", ProjectSubject("p1"))
}

// newTestClient connects to a local NATS server, skipping the test when none
// is running.
func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	config := DefaultNATSConfig()
	config.Name = "collab-test"
	config.MaxReconnects = 0
	c, err := NewNATSClient(config)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// subscribe collects messages on subject from a second connection, the way
// an external consumer would.
func subscribe(t *testing.T, subject string) <-chan *nats.Msg {
	t.Helper()
	nc, err := nats.Connect(DefaultNATSConfig().URL)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	got := make(chan *nats.Msg, 4)
	_, err = nc.ChanSubscribe(subject, got)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	return got
}

func TestRoomEventReachesConsumer(t *testing.T) {
	c := newTestClient(t)
	got := subscribe(t, SubjectRoomAll)

	require.NoError(t, c.PublishRoomEvent("p-42", []byte(`{"kind":"room_created"}`)))
	require.NoError(t, c.Flush(time.Second))

	select {
	case msg := <-got:
		assert.Equal(t, "collab.room.p-42", msg.Subject)
		assert.JSONEq(t, `{"kind":"room_created"}`, string(msg.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for room event")
	}
}

func TestProjectSavedReachesConsumer(t *testing.T) {
	c := newTestClient(t)
	got := subscribe(t, SubjectProject+".>")

	require.NoError(t, c.PublishProjectSaved("p-7", []byte(`{"id":"p-7"}`)))
	require.NoError(t, c.Flush(time.Second))

	select {
	case msg := <-got:
		assert.Equal(t, ProjectSubject("p-7"), msg.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for save notice")
	}
}
