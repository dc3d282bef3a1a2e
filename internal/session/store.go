package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// ProjectPrefix is the Redis key prefix for the set of sessions editing
	// a project.
	ProjectPrefix = "project:sessions:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	// Status constants for the session state machine.
	StatusConnected = "connected"
	StatusEditing   = "editing"
)

// ErrNotFound is returned when a session's hash is gone, either deleted on
// disconnect or expired.
var ErrNotFound = errors.New("session: not found")

// Session represents a session's state stored in Redis.
type Session struct {
	ID         string `redis:"id" json:"id"`
	Status     string `redis:"status" json:"status"`        // connected | editing
	ProjectID  string `redis:"project_id" json:"projectId"` // empty unless editing
	Server     string `redis:"server" json:"server"`        // which server instance holds the socket
	RemoteAddr string `redis:"remote_addr" json:"remoteAddr"`
	CreatedAt  int64  `redis:"created_at" json:"createdAt"`   // unix timestamp
	LastActive int64  `redis:"last_active" json:"lastActive"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client      *redis.Client
	serverName  string // identifier for this server instance
	setScript   *redis.Script
	clearScript *redis.Script
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{
		client:      client,
		serverName:  serverName,
		setScript:   redis.NewScript(setProjectLua),
		clearScript: redis.NewScript(clearProjectLua),
	}
}

// Create stores a new session with connected status and a 1h TTL.
func (s *Store) Create(ctx context.Context, sessionID, remoteAddr string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	fields := map[string]interface{}{
		"id":          sessionID,
		"status":      StatusConnected,
		"project_id":  "",
		"server":      s.serverName,
		"remote_addr": remoteAddr,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var sess Session
	if err := s.client.HGetAll(ctx, key).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// SetProject marks the session as editing projectID and adds it to the
// project's session set. It returns ErrNotFound, changing nothing, when the
// session hash no longer exists.
func (s *Store) SetProject(ctx context.Context, sessionID, projectID string) error {
	keys := []string{SessionPrefix + sessionID, ProjectPrefix + projectID}
	n, err := s.setScript.Run(ctx, s.client, keys,
		sessionID, projectID, StatusEditing, time.Now().Unix(), int(SessionTTL.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("session: set project %s: %w", sessionID, err)
	}
	if n == 0 {
		return fmt.Errorf("session: set project %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// ClearProject removes the session from projectID's set and resets its
// status. The status reset is skipped, with ErrNotFound, when the hash is gone.
func (s *Store) ClearProject(ctx context.Context, sessionID, projectID string) error {
	keys := []string{SessionPrefix + sessionID, ProjectPrefix + projectID}
	n, err := s.clearScript.Run(ctx, s.client, keys,
		sessionID, StatusConnected, time.Now().Unix()).Int()
	if err != nil {
		return fmt.Errorf("session: clear project %s: %w", sessionID, err)
	}
	if n == 0 {
		return fmt.Errorf("session: clear project %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// ProjectSessions returns the ids of sessions editing projectID across every
// server instance.
func (s *Store) ProjectSessions(ctx context.Context, projectID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, ProjectPrefix+projectID).Result()
	if err != nil {
		return nil, fmt.Errorf("session: project sessions %s: %w", projectID, err)
	}
	return ids, nil
}

// RefreshTTL extends the session's TTL. A missing hash is left missing.
func (s *Store) RefreshTTL(ctx context.Context, sessionID string) error {
	ok, err := s.client.Expire(ctx, SessionPrefix+sessionID, SessionTTL).Result()
	if err != nil {
		return fmt.Errorf("session: refresh %s: %w", sessionID, err)
	}
	if !ok {
		return fmt.Errorf("session: refresh %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// Delete removes a session from Redis, including its project membership.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID

	projectID, err := s.client.HGet(ctx, key, "project_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("session: delete %s: %w", sessionID, err)
	}

	pipe := s.client.TxPipeline()
	if projectID != "" {
		pipe.SRem(ctx, ProjectPrefix+projectID, sessionID)
	}
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete %s: %w", sessionID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

// setProjectLua updates a live session hash and its project set together.
// KEYS: session hash, project set. ARGV: session id, project id, status,
// unix time, ttl seconds.
const setProjectLua = `
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then return 0 end

redis.call('HSET', key, 'project_id', ARGV[2], 'status', ARGV[3], 'last_active', ARGV[4])
redis.call('EXPIRE', key, ARGV[5])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('EXPIRE', KEYS[2], ARGV[5])
return 1
`

// clearProjectLua always drops the session from the project set but never
// recreates a deleted hash.
// KEYS: session hash, project set. ARGV: session id, status, unix time.
const clearProjectLua = `
local key = KEYS[1]
redis.call('SREM', KEYS[2], ARGV[1])
if redis.call('EXISTS', key) == 0 then return 0 end

redis.call('HSET', key, 'project_id', '', 'status', ARGV[2], 'last_active', ARGV[3])
return 1
`
