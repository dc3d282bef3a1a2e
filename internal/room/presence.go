package room

import "sync"

// Change describes one membership mutation and the resulting room state.
type Change struct {
	ProjectID string
	SessionID string
	Joined    bool     // false for a leave
	Count     int      // member count after the change
	Members   []string // members after the change, join order
	Created   bool     // the join created the room
}

// Presence is the single authority over room membership. A session belongs to
// at most one room at a time.
type Presence struct {
	registry *Registry

	mu          sync.Mutex
	sessions    map[string]string // session id -> project id
	subscribers []func(Change)
}

// NewPresence creates a Presence that stores membership in registry.
func NewPresence(registry *Registry) *Presence {
	return &Presence{
		registry: registry,
		sessions: make(map[string]string),
	}
}

// Subscribe registers fn to be called after every membership change.
// Subscribers run synchronously on the mutating goroutine, outside the lock.
func (p *Presence) Subscribe(fn func(Change)) {
	p.mu.Lock()
	p.subscribers = append(p.subscribers, fn)
	p.mu.Unlock()
}

// Add places sessionID in projectID's room. If the session is in another room
// it is removed from that room first, and that leave is the first change
// returned. Adding a session to the room it is already in changes nothing.
func (p *Presence) Add(projectID, sessionID string) []Change {
	p.mu.Lock()
	var changes []Change
	if prev, ok := p.sessions[sessionID]; ok {
		if prev == projectID {
			p.mu.Unlock()
			return nil
		}
		if c, ok := p.removeLocked(prev, sessionID); ok {
			changes = append(changes, c)
		}
	}

	r, created, added := p.registry.join(projectID, sessionID)
	if added {
		p.sessions[sessionID] = projectID
		members := r.Members()
		changes = append(changes, Change{
			ProjectID: projectID,
			SessionID: sessionID,
			Joined:    true,
			Count:     len(members),
			Members:   members,
			Created:   created,
		})
	}
	subs := p.subscribers
	p.mu.Unlock()

	p.notify(subs, changes...)
	return changes
}

// Remove takes sessionID out of projectID's room. It returns false, and
// notifies nobody, when the session was not a member.
func (p *Presence) Remove(projectID, sessionID string) (Change, bool) {
	p.mu.Lock()
	if p.sessions[sessionID] != projectID {
		p.mu.Unlock()
		return Change{}, false
	}
	c, ok := p.removeLocked(projectID, sessionID)
	subs := p.subscribers
	p.mu.Unlock()

	if ok {
		p.notify(subs, c)
	}
	return c, ok
}

// RemoveSession removes sessionID from whichever room it is in.
func (p *Presence) RemoveSession(sessionID string) (Change, bool) {
	projectID, ok := p.RoomOf(sessionID)
	if !ok {
		return Change{}, false
	}
	return p.Remove(projectID, sessionID)
}

// RoomOf returns the project id of the room sessionID is in.
func (p *Presence) RoomOf(sessionID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.sessions[sessionID]
	return id, ok
}

// Members returns the sessions in projectID's room, earliest joiner first.
func (p *Presence) Members(projectID string) []string {
	r, ok := p.registry.Get(projectID)
	if !ok {
		return nil
	}
	return r.Members()
}

// Count returns the number of sessions in projectID's room.
func (p *Presence) Count(projectID string) int {
	r, ok := p.registry.Get(projectID)
	if !ok {
		return 0
	}
	return r.Size()
}

// Sessions returns the number of sessions currently in any room.
func (p *Presence) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Presence) removeLocked(projectID, sessionID string) (Change, bool) {
	delete(p.sessions, sessionID)
	r, ok := p.registry.leave(projectID, sessionID)
	if !ok {
		return Change{}, false
	}
	members := r.Members()
	return Change{
		ProjectID: projectID,
		SessionID: sessionID,
		Count:     len(members),
		Members:   members,
	}, true
}

func (p *Presence) notify(subs []func(Change), changes ...Change) {
	for _, c := range changes {
		for _, fn := range subs {
			fn(c)
		}
	}
}
