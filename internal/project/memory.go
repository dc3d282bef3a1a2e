package project

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/codecollab/collab-server/internal/protocol"
)

// MemoryStore keeps projects in process memory. It is used when no database
// is configured; projects are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*Project
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{projects: make(map[string]*Project)}
}

func (s *MemoryStore) List(ctx context.Context) ([]Summary, error) {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, Summary{ID: p.ID, Name: p.Name, LastModified: p.LastModified})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastModified.After(out[j].LastModified)
	})
	return out, nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (s *MemoryStore) Save(ctx context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; !ok {
		return ErrNotFound
	}
	p.LastModified = time.Now().UTC()
	s.projects[p.ID] = clone(p)
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = clone(p)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return ErrNotFound
	}
	delete(s.projects, id)
	return nil
}

func clone(p *Project) *Project {
	c := *p
	c.Files = append([]protocol.File(nil), p.Files...)
	return &c
}
