package memtransport

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"

	"bluetooth-socket/internal/btsock"
)

type state int

const (
	stateIdle state = iota
	stateListening
	stateConnected
	stateDestroyed
)

type endpoint struct {
	adapter *Adapter
	cfg     btsock.EndpointConfig

	abortOnce sync.Once
	aborted   chan struct{}

	mu      sync.Mutex
	state   state
	key     listenKey
	backlog *queue.Queue // of *endpoint, server-side halves
	arrived chan struct{}
	in      *pipe
	out     *pipe
}

func newEndpoint(a *Adapter, cfg btsock.EndpointConfig) *endpoint {
	return &endpoint{
		adapter: a,
		cfg:     cfg,
		aborted: make(chan struct{}),
	}
}

func (e *endpoint) isAborted() bool {
	select {
	case <-e.aborted:
		return true
	default:
		return false
	}
}

func (e *endpoint) Connect() error {
	e.mu.Lock()
	if e.state != stateIdle {
		e.mu.Unlock()
		return errBusy
	}
	e.mu.Unlock()

	if d := e.adapter.net.latency; d > 0 {
		t := e.adapter.net.clock.Timer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-e.aborted:
			return btsock.ErrAborted
		}
	}
	if e.isAborted() {
		return btsock.ErrAborted
	}

	k := listenKey{addr: e.cfg.Remote.Address, kind: e.cfg.Kind, channel: e.cfg.Channel}
	l := e.adapter.net.lookup(k)
	if l == nil {
		return fmt.Errorf("%w: %s channel %d on %s", ErrConnectionRefused, k.kind, k.channel, k.addr)
	}

	size := e.adapter.net.bufSize
	up, down := newPipe(size), newPipe(size)
	peerCfg := l.cfg
	peerCfg.Remote = e.adapter.dev
	peer := &endpoint{
		adapter: l.adapter,
		cfg:     peerCfg,
		aborted: make(chan struct{}),
		state:   stateConnected,
		in:      up,
		out:     down,
	}
	if !l.enqueue(peer) {
		return fmt.Errorf("%w: listener went away", ErrConnectionRefused)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateIdle {
		up.close()
		down.close()
		return errBusy
	}
	e.in, e.out = down, up
	e.state = stateConnected
	return nil
}

func (e *endpoint) enqueue(peer *endpoint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateListening {
		return false
	}
	e.backlog.Add(peer)
	close(e.arrived)
	e.arrived = make(chan struct{})
	return true
}

func (e *endpoint) BindListen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateIdle {
		return errBusy
	}
	k := listenKey{addr: e.adapter.dev.Address, kind: e.cfg.Kind, channel: e.cfg.Channel}
	if err := e.adapter.net.register(k, e); err != nil {
		return err
	}
	e.key = k
	e.backlog = queue.New()
	e.arrived = make(chan struct{})
	e.state = stateListening
	return nil
}

func (e *endpoint) Accept(timeout time.Duration) (btsock.Endpoint, btsock.Device, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := e.adapter.net.clock.Timer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		if e.isAborted() {
			return nil, btsock.Device{}, btsock.ErrAborted
		}
		e.mu.Lock()
		if e.state != stateListening {
			e.mu.Unlock()
			return nil, btsock.Device{}, ErrNotListening
		}
		if e.backlog.Length() > 0 {
			peer := e.backlog.Remove().(*endpoint)
			e.mu.Unlock()
			return peer, peer.cfg.Remote, nil
		}
		wait := e.arrived
		e.mu.Unlock()

		select {
		case <-wait:
		case <-e.aborted:
			return nil, btsock.Device{}, btsock.ErrAborted
		case <-expired:
			return nil, btsock.Device{}, btsock.ErrTimeout
		}
	}
}

func (e *endpoint) pipes() (in, out *pipe, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateConnected {
		return nil, nil, ErrNotConnected
	}
	return e.in, e.out, nil
}

func (e *endpoint) Available() (int, error) {
	in, _, err := e.pipes()
	if err != nil {
		return 0, err
	}
	return in.len(), nil
}

func (e *endpoint) Read(p []byte) (int, error) {
	in, _, err := e.pipes()
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if e.isAborted() {
			return 0, btsock.ErrAborted
		}
		n, ok, wait := in.tryRead(p)
		if ok {
			return n, nil
		}
		select {
		case <-wait:
		case <-e.aborted:
			return 0, btsock.ErrAborted
		}
	}
}

func (e *endpoint) Write(p []byte) (int, error) {
	_, out, err := e.pipes()
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if e.isAborted() {
			return 0, btsock.ErrAborted
		}
		n, ok, closed, wait := out.tryWrite(p)
		if closed {
			return 0, ErrBrokenPipe
		}
		if ok {
			return n, nil
		}
		select {
		case <-wait:
		case <-e.aborted:
			return 0, btsock.ErrAborted
		}
	}
}

func (e *endpoint) Abort() {
	e.abortOnce.Do(func() { close(e.aborted) })
}

func (e *endpoint) Destroy() error {
	e.mu.Lock()
	prev := e.state
	if prev == stateDestroyed {
		e.mu.Unlock()
		return errDestroyed
	}
	e.state = stateDestroyed
	var pending []*endpoint
	if prev == stateListening {
		for e.backlog.Length() > 0 {
			pending = append(pending, e.backlog.Remove().(*endpoint))
		}
	}
	in, out := e.in, e.out
	e.mu.Unlock()

	switch prev {
	case stateListening:
		e.adapter.net.unregister(e.key, e)
		for _, p := range pending {
			_ = p.Destroy()
		}
	case stateConnected:
		in.close()
		out.close()
	}
	return nil
}

var _ btsock.Endpoint = (*endpoint)(nil)
