package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codecollab/collab-server/internal/collab"
	"github.com/codecollab/collab-server/internal/protocol"
)

type client struct {
	t    *testing.T
	conn net.Conn
	id   string
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func startApp(t *testing.T, opts ...func(*Config)) (*app, string) {
	t.Helper()
	cfg := loadConfig()
	cfg.RedisAddr = ""
	cfg.NATS.URL = ""
	cfg.DatabaseURL = ""
	cfg.Heartbeat.Interval = 0
	cfg.Hub = collab.Config{SyncTimeout: 500 * time.Millisecond, EventBuffer: 64}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a, err := newApp(ctx, cfg)
	if cfg.RedisAddr != "" && err != nil {
		cancel()
		t.Skipf("redis not available: %v", err)
	}
	require.NoError(t, err)
	a.start(ctx)
	require.NoError(t, a.server.Init())

	ts := httptest.NewServer(a.server.Handler())
	t.Cleanup(func() {
		a.shutdown()
		cancel()
		ts.Close()
	})
	return a, ts.URL
}

func connect(t *testing.T, baseURL, query string) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, br, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(baseURL, "http")+"/ws"+query)
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	var conn net.Conn = raw
	if br != nil {
		conn = &bufferedConn{Conn: raw, r: io.MultiReader(br, raw)}
	}
	c := &client{t: t, conn: conn}

	var hello protocol.SessionCreatedMsg
	c.expect(protocol.TypeSessionCreated, &hello)
	c.id = hello.SessionID
	return c
}

func (c *client) send(v interface{}) {
	c.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(c.t, err)
	require.NoError(c.t, wsutil.WriteClientText(c.conn, data))
}

// expect reads frames until one of msgType arrives and decodes it into v.
func (c *client) expect(msgType string, v interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		data, err := wsutil.ReadServerText(c.conn)
		require.NoError(c.t, err, "waiting for %s", msgType)

		var env struct {
			Type string `json:"type"`
		}
		require.NoError(c.t, json.Unmarshal(data, &env))
		if env.Type == msgType {
			require.NoError(c.t, json.Unmarshal(data, v))
			return
		}
	}
}

// silent asserts that no frame of msgType arrives within d.
func (c *client) silent(msgType string, d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			return
		}
		assert.NotContains(c.t, string(data), `"type":"`+msgType+`"`)
	}
}

func TestCodeChangeReachesPeerNotSender(t *testing.T) {
	_, url := startApp(t)

	b := connect(t, url, "")
	b.send(protocol.JoinMsg{Type: protocol.TypeJoin, ProjectID: "p1"})
	var joined protocol.JoinedMsg
	b.expect(protocol.TypeJoined, &joined)
	assert.Equal(t, 1, joined.Count)

	a := connect(t, url, "")
	a.send(protocol.JoinMsg{Type: protocol.TypeJoin, ProjectID: "p1"})
	a.expect(protocol.TypeJoined, &joined)
	assert.Equal(t, 2, joined.Count)

	var users protocol.UsersUpdateMsg
	b.expect(protocol.TypeUsersUpdate, &users)
	for users.Count != 2 {
		b.expect(protocol.TypeUsersUpdate, &users)
	}
	assert.ElementsMatch(t, []string{a.id, b.id}, users.Users)

	files := []protocol.File{{Name: "index", Ext: "html", Content: "<h1>hi</h1>"}}
	a.send(protocol.CodeChangeMsg{Type: protocol.TypeCodeChange, ProjectID: "p1", Files: files})

	var update protocol.CodeUpdateMsg
	b.expect(protocol.TypeCodeUpdate, &update)
	assert.Equal(t, files, update.Files)
	assert.Equal(t, a.id, update.From)

	a.silent(protocol.TypeCodeUpdate, 300*time.Millisecond)
}

func TestJoinFromQueryAndInitialState(t *testing.T) {
	_, url := startApp(t)

	first := connect(t, url, "?projectId=demo")
	var joined protocol.JoinedMsg
	first.expect(protocol.TypeJoined, &joined)

	first.send(protocol.RequestInitialStateMsg{Type: protocol.TypeRequestInitialState, RequestID: "r0"})
	var state protocol.InitialStateMsg
	first.expect(protocol.TypeInitialState, &state)
	assert.Equal(t, protocol.StateEmpty, state.Status)

	second := connect(t, url, "?projectId=demo")
	second.expect(protocol.TypeJoined, &joined)
	second.send(protocol.RequestInitialStateMsg{Type: protocol.TypeRequestInitialState, RequestID: "r1"})

	var req protocol.StateRequestMsg
	first.expect(protocol.TypeProvideInitialState, &req)
	files := []protocol.File{{Name: "style", Ext: "css", Content: "p{}"}}
	first.send(protocol.ProvideInitialStateMsg{
		Type:            protocol.TypeProvideInitialState,
		RequestID:       req.RequestID,
		Files:           files,
		ActiveFileIndex: 0,
	})

	second.expect(protocol.TypeInitialState, &state)
	assert.Equal(t, protocol.StateOK, state.Status)
	assert.Equal(t, "r1", state.RequestID)
	assert.Equal(t, files, state.Files)
}

func TestChatAndStats(t *testing.T) {
	a, url := startApp(t)

	alice := connect(t, url, "?projectId=room-a")
	bob := connect(t, url, "?projectId=room-a")
	carol := connect(t, url, "?projectId=room-b")

	var joined protocol.JoinedMsg
	for _, c := range []*client{alice, bob, carol} {
		c.expect(protocol.TypeJoined, &joined)
	}

	alice.send(protocol.ChatMsg{Type: protocol.TypeChatMessage, Text: "hello", Sender: protocol.Sender{DisplayName: "Alice"}})

	var msg protocol.ServerChatMsg
	bob.expect(protocol.TypeChatMessage, &msg)
	assert.Equal(t, "hello", msg.Text)
	alice.expect(protocol.TypeChatMessage, &msg)
	carol.silent(protocol.TypeChatMessage, 300*time.Millisecond)

	rr := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var stats statsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.Connections)
	assert.Equal(t, map[string]int{"room-a": 2, "room-b": 1}, stats.Members)
	assert.Nil(t, stats.Cluster, "no cluster view without redis")

	rr = httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/sessions/"+alice.id, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestDisconnectRemovesMirroredSession(t *testing.T) {
	a, url := startApp(t, func(cfg *Config) {
		cfg.RedisAddr = "localhost:6379"
		cfg.ServerName = "mirror-test"
	})
	project := "mirror-" + time.Now().Format("150405.000000")

	alice := connect(t, url, "?projectId="+project)
	bob := connect(t, url, "?projectId="+project)
	var joined protocol.JoinedMsg
	alice.expect(protocol.TypeJoined, &joined)
	bob.expect(protocol.TypeJoined, &joined)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		ids, err := a.sessions.ProjectSessions(ctx, project)
		return err == nil && len(ids) == 2
	}, 5*time.Second, 20*time.Millisecond)

	rr := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	var stats statsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Cluster[project])

	rr = httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/sessions/"+bob.id, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"projectId":"`+project+`"`)

	// Leave and close back to back; the delete must land after the leave.
	bob.send(protocol.LeaveMsg{Type: protocol.TypeLeave})
	require.NoError(t, bob.conn.Close())

	require.Eventually(t, func() bool {
		sess, err := a.sessions.Get(ctx, bob.id)
		return err == nil && sess == nil
	}, 5*time.Second, 20*time.Millisecond)
	ids, err := a.sessions.ProjectSessions(ctx, project)
	require.NoError(t, err)
	assert.Equal(t, []string{alice.id}, ids)

	// Nothing recreates the hash afterwards.
	time.Sleep(200 * time.Millisecond)
	sess, err := a.sessions.Get(ctx, bob.id)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestProjectRoutesMounted(t *testing.T) {
	a, _ := startApp(t)

	rr := httptest.NewRecorder()
	body := strings.NewReader(`{"name":"mounted"}`)
	a.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/projects", body))
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	sc := bufio.NewScanner(rr.Body)
	found := false
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "collab_connections_total") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("WORKER_POOL_SIZE", "8")
	t.Setenv("MAX_CONNECTIONS", "not-a-number")
	t.Setenv("SYNC_TIMEOUT", "2s")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("SERVER_NAME", "node-7")

	cfg := loadConfig()
	assert.Equal(t, ":9999", cfg.Server.ListenAddr)
	assert.Equal(t, 8, cfg.Server.WorkerPoolSize)
	assert.Equal(t, 100000, cfg.Server.MaxConnections)
	assert.Equal(t, 2*time.Second, cfg.Hub.SyncTimeout)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, "node-7", cfg.ServerName)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "postgres://app:xxxxx@db:5432/collab", redact("postgres://app:secret@db:5432/collab"))
	assert.Equal(t, "", redact(""))
}
