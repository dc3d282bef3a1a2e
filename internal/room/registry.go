package room

import "sync"

// Registry maps project ids to live rooms. Rooms are created lazily on first
// join and removed by ReapIfEmpty once their last member is gone.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// ResolveOrCreate returns the room for projectID, creating an empty one if
// none exists. It is idempotent.
func (g *Registry) ResolveOrCreate(projectID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[projectID]; ok {
		return r
	}
	r := newRoom(projectID)
	g.rooms[projectID] = r
	return r
}

// ReapIfEmpty removes the room for projectID iff it has no members. It returns
// true when a room was removed. Redundant and concurrent calls are safe.
func (g *Registry) ReapIfEmpty(projectID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[projectID]
	if !ok || r.Size() > 0 {
		return false
	}
	delete(g.rooms, projectID)
	return true
}

// Get returns the live room for projectID, if any.
func (g *Registry) Get(projectID string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[projectID]
	return r, ok
}

// Count returns the number of live rooms.
func (g *Registry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// Snapshot returns the member count of every live room.
func (g *Registry) Snapshot() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]int, len(g.rooms))
	for id, r := range g.rooms {
		out[id] = r.Size()
	}
	return out
}

// join adds sessionID to the room for projectID under the registry lock so a
// concurrent ReapIfEmpty cannot remove the room between lookup and insert.
func (g *Registry) join(projectID, sessionID string) (r *Room, created, added bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[projectID]
	if !ok {
		r = newRoom(projectID)
		g.rooms[projectID] = r
		created = true
	}
	added = r.add(sessionID)
	return r, created, added
}

func (g *Registry) leave(projectID, sessionID string) (*Room, bool) {
	g.mu.RLock()
	r, ok := g.rooms[projectID]
	g.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r, r.remove(sessionID)
}
