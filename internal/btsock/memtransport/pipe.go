package memtransport

import (
	"bytes"
	"sync"
)

// pipe is a bounded one-way byte stream. Waiters are woken by closing the
// current notify channel, so any number of goroutines can wait on it.
type pipe struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	limit  int
	closed bool
	notify chan struct{}
}

func newPipe(limit int) *pipe {
	return &pipe{limit: limit, notify: make(chan struct{})}
}

// broadcast must be called with mu held.
func (p *pipe) broadcast() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// tryRead returns ok=false when the caller has to wait on the returned
// channel. A closed, drained pipe reads as (0, true).
func (p *pipe) tryRead(b []byte) (n int, ok bool, wait <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf.Len() > 0 {
		n, _ = p.buf.Read(b)
		p.broadcast()
		return n, true, nil
	}
	if p.closed {
		return 0, true, nil
	}
	return 0, false, p.notify
}

// tryWrite writes as much of b as fits. ok=false means the pipe is full and
// the caller has to wait; closed reports a broken pipe.
func (p *pipe) tryWrite(b []byte) (n int, ok, closed bool, wait <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, false, true, nil
	}
	space := p.limit - p.buf.Len()
	if space <= 0 {
		return 0, false, false, p.notify
	}
	if len(b) > space {
		b = b[:space]
	}
	n, _ = p.buf.Write(b)
	p.broadcast()
	return n, true, false, nil
}

func (p *pipe) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}

func (p *pipe) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.broadcast()
	}
}
