package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codecollab/collab-server/internal/collab"
	"github.com/codecollab/collab-server/internal/messaging"
	"github.com/codecollab/collab-server/internal/metrics"
	"github.com/codecollab/collab-server/internal/project"
	"github.com/codecollab/collab-server/internal/ratelimit"
	"github.com/codecollab/collab-server/internal/room"
	"github.com/codecollab/collab-server/internal/session"
	"github.com/codecollab/collab-server/internal/ws"
)

func main() {
	cfg := loadConfig()

	log.Printf("Collab server starting")
	log.Printf("  listen_addr:     %s", cfg.Server.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.Server.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.Server.MaxConnections)
	log.Printf("  read_timeout:    %s", cfg.Server.ReadTimeout)
	log.Printf("  write_timeout:   %s", cfg.Server.WriteTimeout)
	log.Printf("  send_queue:      %d", cfg.Server.SendQueueSize)
	log.Printf("  sync_timeout:    %s", cfg.Hub.SyncTimeout)
	log.Printf("  nats_url:        %s", orDisabled(cfg.NATS.URL))
	log.Printf("  redis_addr:      %s", orDisabled(cfg.RedisAddr))
	log.Printf("  database:        %s", orDisabled(redact(cfg.DatabaseURL)))
	log.Printf("  server_name:     %s", cfg.ServerName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	a.start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		a.shutdown()
		cancel()
		os.Exit(0)
	}()

	if err := a.server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// app owns every long-lived component of one server process.
type app struct {
	server   *ws.Server
	hub      *collab.Hub
	sessions *session.Store
	mirror   *sessionSink
	nats     *messaging.NATSClient
	projects project.Store
	db       *project.PostgresStore
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	a := &app{}
	var sinks []collab.EventSink

	if cfg.RedisAddr != "" {
		store, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			return nil, err
		}
		a.sessions = store
		a.mirror = newSessionSink(store)
		sinks = append(sinks, a.mirror)
	}

	if cfg.NATS.URL != "" {
		nc, err := messaging.NewNATSClient(cfg.NATS)
		if err != nil {
			a.close()
			return nil, err
		}
		a.nats = nc
		sinks = append(sinks, natsSink{client: nc})
	}

	if cfg.DatabaseURL != "" {
		db, err := project.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.db = db
		a.projects = db
	} else {
		a.projects = project.NewMemoryStore()
	}

	var limiter *ratelimit.Limiter
	if a.sessions != nil {
		limiter = ratelimit.NewLimiter(a.sessions.Client())
	}

	registry := room.NewRegistry()
	presence := room.NewPresence(registry)
	dispatcher := ws.NewMessageDispatcher()

	a.server = ws.NewServer(cfg.Server, a.sessions, dispatcher.Dispatch)
	a.server.SetHeartbeat(cfg.Heartbeat)
	a.server.SetLimiter(limiter)
	a.hub = collab.NewHub(cfg.Hub, registry, presence, a.server, sinks...)
	registerHandlers(dispatcher, a.hub, limiter)

	a.server.SetOnConnect(a.onConnect)
	a.server.SetOnDisconnect(a.onDisconnect)

	var notifier project.SaveNotifier
	if a.nats != nil {
		notifier = a.nats
	}
	mux := http.NewServeMux()
	project.NewHandler(a.projects, notifier).Register(mux)
	a.server.Handle("/api/projects", mux)
	a.server.Handle("/api/projects/", mux)
	a.server.Handle("/api/stats", http.HandlerFunc(a.handleStats))
	a.server.Handle("GET /api/sessions/{id}", http.HandlerFunc(a.handleSession))
	a.server.Handle("/metrics", metrics.Handler())
	return a, nil
}

// start runs the hub loop and the Redis mirror. The HTTP side is started by
// the caller.
func (a *app) start(ctx context.Context) {
	go a.hub.Run(ctx)
	if a.mirror != nil {
		go a.mirror.run(ctx)
	}
}

func (a *app) onConnect(c *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// An expired ctx only ends the wait; the hub still registers the session.
	if err := a.hub.Connect(ctx, c.ID); err != nil {
		log.Printf("collab: connect session=%s: %v", c.ID, err)
		if errors.Is(err, collab.ErrHubClosed) {
			return
		}
	}
	if c.ProjectID != "" {
		joinCtx, cancelJoin := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelJoin()
		if err := a.hub.Join(joinCtx, c.ID, c.ProjectID); err != nil {
			log.Printf("collab: auto-join session=%s project=%s: %v", c.ID, c.ProjectID, err)
		}
	}
}

func (a *app) onDisconnect(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.hub.Disconnect(ctx, connID); err != nil {
		log.Printf("collab: disconnect session=%s: %v", connID, err)
	}
}

// statsResponse extends the local hub view with, per local room, the number of
// sessions editing it on every server instance.
type statsResponse struct {
	collab.Stats
	Cluster map[string]int `json:"cluster,omitempty"`
}

func (a *app) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Stats: a.hub.Stats()}
	if a.sessions != nil && len(resp.Members) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		resp.Cluster = make(map[string]int, len(resp.Members))
		for projectID := range resp.Members {
			ids, err := a.sessions.ProjectSessions(ctx, projectID)
			if err != nil {
				log.Printf("stats: cluster count project=%s: %v", projectID, err)
				resp.Cluster = nil
				break
			}
			resp.Cluster[projectID] = len(ids)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleSession returns the Redis record of one session, whichever instance
// holds its socket.
func (a *app) handleSession(w http.ResponseWriter, r *http.Request) {
	if a.sessions == nil {
		http.Error(w, "session store disabled", http.StatusServiceUnavailable)
		return
	}
	sess, err := a.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		log.Printf("session lookup failed: %v", err)
		http.Error(w, "session lookup failed", http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sess)
}

// shutdown closes client connections first so their leaves reach the hub,
// then drains the side channels.
func (a *app) shutdown() {
	if err := a.server.Shutdown(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	a.close()
}

func (a *app) close() {
	if a.nats != nil {
		if err := a.nats.Flush(2 * time.Second); err != nil {
			log.Printf("[nats] flush error: %v", err)
		}
		a.nats.Close()
	}
	if a.sessions != nil {
		if err := a.sessions.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Printf("project store close error: %v", err)
		}
	}
}

func orDisabled(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}

// redact hides the password of a postgres:// URL.
func redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
