//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// poller is the portable fallback: one goroutine per connection peeks for
// data through a bufio.Reader, which the server then reads frames from, so
// no bytes are lost. After signalling readiness the goroutine waits for
// resume, which keeps one worker per connection like the epoll version.
type poller struct {
	mu      sync.Mutex
	watches map[*Connection]*watch
	ready   chan *Connection
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	resume chan struct{}
	stop   chan struct{}
}

func newPoller() (*poller, error) {
	return &poller{
		watches: make(map[*Connection]*watch),
		ready:   make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

func (p *poller) add(c *Connection) error {
	br := bufio.NewReader(c.Conn)
	c.rd = br
	w := &watch{resume: make(chan struct{}, 1), stop: make(chan struct{})}

	p.mu.Lock()
	p.watches[c] = w
	p.mu.Unlock()

	go p.watch(c, br, w)
	return nil
}

func (p *poller) watch(c *Connection, br *bufio.Reader, w *watch) {
	for {
		// A read error also counts as readiness so the server observes it.
		_, err := br.Peek(1)

		select {
		case p.ready <- c:
		case <-w.stop:
			return
		case <-p.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.resume:
		case <-w.stop:
			return
		case <-p.done:
			return
		}
	}
}

func (p *poller) resume(c *Connection) {
	p.mu.Lock()
	w, ok := p.watches[c]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

func (p *poller) remove(c *Connection) error {
	p.mu.Lock()
	w, ok := p.watches[c]
	delete(p.watches, c)
	p.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// wait blocks until at least one connection is ready and drains any others
// that are ready too.
func (p *poller) wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-p.ready:
	case <-p.done:
		return nil, net.ErrClosed
	}

	conns := []*Connection{first}
	for {
		select {
		case c := <-p.ready:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

func (p *poller) close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
