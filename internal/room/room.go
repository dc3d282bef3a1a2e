// Package room tracks which sessions are editing which project. A Registry
// owns the live rooms keyed by project id; Presence is the only writer of room
// membership and notifies subscribers whenever it changes.
package room

import (
	"sync"
	"time"
)

// Room is the server-side grouping of sessions sharing one project id. It
// holds no file content.
type Room struct {
	ID        string
	CreatedAt time.Time

	mu      sync.RWMutex
	members []string // session ids in join order
}

func newRoom(id string) *Room {
	return &Room{
		ID:        id,
		CreatedAt: time.Now(),
		members:   make([]string, 0, 4),
	}
}

// Members returns a copy of the member session ids, earliest joiner first.
func (r *Room) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.members))
	copy(out, r.members)
	return out
}

// Size returns the number of members.
func (r *Room) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Room) add(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexOf(sessionID) >= 0 {
		return false
	}
	r.members = append(r.members, sessionID)
	return true
}

func (r *Room) remove(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(sessionID)
	if i < 0 {
		return false
	}
	r.members = append(r.members[:i], r.members[i+1:]...)
	return true
}

// indexOf must be called with r.mu held.
func (r *Room) indexOf(sessionID string) int {
	for i, id := range r.members {
		if id == sessionID {
			return i
		}
	}
	return -1
}
