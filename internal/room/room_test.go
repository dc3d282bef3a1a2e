package room

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOrCreateIsIdempotent(t *testing.T) {
	reg := NewRegistry()

	r1 := reg.ResolveOrCreate("p1")
	r2 := reg.ResolveOrCreate("p1")
	r3 := reg.ResolveOrCreate("p2")

	assert.Same(t, r1, r2)
	assert.NotSame(t, r1, r3)
	assert.Equal(t, 2, reg.Count())
	assert.Equal(t, 0, r1.Size())
}

func TestReapIfEmpty(t *testing.T) {
	reg := NewRegistry()
	p := NewPresence(reg)

	p.Add("p1", "a")
	assert.False(t, reg.ReapIfEmpty("p1"), "occupied room must not be reaped")

	_, ok := p.Remove("p1", "a")
	require.True(t, ok)

	old, _ := reg.Get("p1")
	assert.True(t, reg.ReapIfEmpty("p1"))
	assert.False(t, reg.ReapIfEmpty("p1"), "second reap is a no-op")
	assert.False(t, reg.ReapIfEmpty("never-existed"))

	fresh := reg.ResolveOrCreate("p1")
	assert.NotSame(t, old, fresh)
	assert.Equal(t, 0, fresh.Size())
}

func TestReapIfEmptyConcurrent(t *testing.T) {
	reg := NewRegistry()
	reg.ResolveOrCreate("p1")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		removed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.ReapIfEmpty("p1") {
				mu.Lock()
				removed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, reg.Count())
}

func TestPresenceAddNotifiesCount(t *testing.T) {
	p := NewPresence(NewRegistry())

	var got []Change
	p.Subscribe(func(c Change) { got = append(got, c) })

	p.Add("p1", "a")
	p.Add("p1", "b")

	require.Len(t, got, 2)
	assert.True(t, got[0].Created)
	assert.False(t, got[1].Created)
	assert.Equal(t, 1, got[0].Count)
	assert.Equal(t, 2, got[1].Count)
	assert.Equal(t, []string{"a", "b"}, got[1].Members)
	assert.True(t, got[1].Joined)
}

func TestPresenceAddSameRoomTwice(t *testing.T) {
	p := NewPresence(NewRegistry())

	calls := 0
	p.Subscribe(func(Change) { calls++ })

	p.Add("p1", "a")
	changes := p.Add("p1", "a")

	assert.Empty(t, changes)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, p.Count("p1"))
}

func TestPresenceSwitchRoomLeavesPrior(t *testing.T) {
	reg := NewRegistry()
	p := NewPresence(reg)

	p.Add("p1", "a")
	p.Add("p1", "b")
	changes := p.Add("p2", "a")

	require.Len(t, changes, 2)
	assert.False(t, changes[0].Joined)
	assert.Equal(t, "p1", changes[0].ProjectID)
	assert.Equal(t, 1, changes[0].Count)
	assert.True(t, changes[1].Joined)
	assert.Equal(t, "p2", changes[1].ProjectID)

	assert.Equal(t, []string{"b"}, p.Members("p1"))
	assert.Equal(t, []string{"a"}, p.Members("p2"))

	room, ok := p.RoomOf("a")
	require.True(t, ok)
	assert.Equal(t, "p2", room)
}

func TestPresenceRemoveIsIdempotent(t *testing.T) {
	p := NewPresence(NewRegistry())

	calls := 0
	p.Subscribe(func(c Change) {
		if !c.Joined {
			calls++
		}
	})

	p.Add("p1", "a")
	p.Add("p1", "b")

	c, ok := p.Remove("p1", "a")
	require.True(t, ok)
	assert.Equal(t, 1, c.Count)

	_, ok = p.Remove("p1", "a")
	assert.False(t, ok)
	_, ok = p.RemoveSession("a")
	assert.False(t, ok)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, p.Count("p1"))
}

func TestPresenceRemoveWrongRoom(t *testing.T) {
	p := NewPresence(NewRegistry())
	p.Add("p1", "a")

	_, ok := p.Remove("p2", "a")
	assert.False(t, ok)
	assert.Equal(t, 1, p.Count("p1"))
}

// Membership count must always equal the number of sessions whose most recent
// join targeted that project and who have not since left.
func TestPresenceMembershipMatchesLastJoin(t *testing.T) {
	reg := NewRegistry()
	p := NewPresence(reg)

	want := map[string]string{}
	ops := []struct {
		join    bool
		session string
		project string
	}{
		{true, "s1", "p1"}, {true, "s2", "p1"}, {true, "s3", "p2"},
		{true, "s1", "p2"}, {false, "s2", ""}, {true, "s4", "p1"},
		{false, "s2", ""}, {true, "s3", "p3"}, {false, "s4", ""},
		{true, "s2", "p1"},
	}
	for _, op := range ops {
		if op.join {
			p.Add(op.project, op.session)
			want[op.session] = op.project
		} else {
			p.RemoveSession(op.session)
			delete(want, op.session)
		}

		counts := map[string]int{}
		for _, project := range want {
			counts[project]++
		}
		for _, project := range []string{"p1", "p2", "p3"} {
			assert.Equal(t, counts[project], p.Count(project), "project %s after %+v", project, op)
		}
	}
	assert.Equal(t, len(want), p.Sessions())
}

func TestPresenceConcurrentJoinLeave(t *testing.T) {
	reg := NewRegistry()
	p := NewPresence(reg)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sid := fmt.Sprintf("s-%d", i)
			project := fmt.Sprintf("p-%d", i%5)
			p.Add(project, sid)
			if i%2 == 0 {
				p.Remove(project, sid)
				reg.ReapIfEmpty(project)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, p.Sessions())
	total := 0
	for _, n := range reg.Snapshot() {
		total += n
	}
	assert.Equal(t, 50, total)
}
