//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds each epoll_wait so the event loop notices shutdown.
const waitTimeoutMs = 250

// poller reports connections with unread data. Each fd is registered
// EPOLLONESHOT: after it fires once it stays disarmed until resume, so a
// connection is never handed to two workers at a time and frames from one
// client are read in order.
type poller struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]*Connection
	events []unix.EpollEvent
}

const pollEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLONESHOT

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

func (p *poller) add(c *Connection) error {
	fd := socketFD(c.Conn)
	if fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	c.Fd = fd
	c.rd = c.Conn

	p.mu.Lock()
	if p.conns == nil {
		p.mu.Unlock()
		return net.ErrClosed
	}
	p.conns[fd] = c
	p.mu.Unlock()

	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: pollEvents, Fd: int32(fd)}); err != nil {
		p.mu.Lock()
		delete(p.conns, fd)
		p.mu.Unlock()
		return err
	}
	return nil
}

// resume re-arms c after a worker finished reading from it. Data that
// arrived meanwhile fires immediately.
func (p *poller) resume(c *Connection) {
	p.mu.RLock()
	_, ok := p.conns[c.Fd]
	p.mu.RUnlock()
	if !ok {
		return
	}
	_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, c.Fd, &unix.EpollEvent{Events: pollEvents, Fd: int32(c.Fd)})
}

func (p *poller) remove(c *Connection) error {
	p.mu.Lock()
	if p.conns[c.Fd] == c {
		delete(p.conns, c.Fd)
	}
	p.mu.Unlock()
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, c.Fd, nil)
}

// wait returns the connections that became readable. An empty slice means
// the wait timed out.
func (p *poller) wait() ([]*Connection, error) {
	n, err := unix.EpollWait(p.fd, p.events, waitTimeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}

	p.mu.RLock()
	ready := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := p.conns[int(p.events[i].Fd)]; ok {
			ready = append(ready, c)
		}
	}
	p.mu.RUnlock()
	return ready, nil
}

func (p *poller) close() error {
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return unix.Close(p.fd)
}

// socketFD extracts the file descriptor from a net.Conn without dup'ing it,
// so the descriptor registered with epoll is the one the runtime reads from.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
