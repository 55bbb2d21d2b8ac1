package btsock_test

import (
	"sync"
	"sync/atomic"
	"time"

	"bluetooth-socket/internal/btsock"
)

// fakeTransport hands out a preconfigured endpoint.
type fakeTransport struct {
	ep      *fakeEndpoint
	err     error
	opened  atomic.Int32
	lastCfg btsock.EndpointConfig
}

func (t *fakeTransport) Open(cfg btsock.EndpointConfig) (btsock.Endpoint, error) {
	t.opened.Add(1)
	t.lastCfg = cfg
	if t.err != nil {
		return nil, t.err
	}
	return t.ep, nil
}

// fakeEndpoint blocks where told to until Abort, and records how it is used.
type fakeEndpoint struct {
	blockConnect bool
	blockRead    bool
	blockWrite   bool

	readData  []byte
	writeMax  int
	bindErr   error
	readErr   error
	destroyFn func() error

	// readGate, when set, makes Read wait for it to be closed.
	readGate chan struct{}
	// pending is returned by Accept before any waiting.
	pending *fakeEndpoint
	peer    btsock.Device

	entered chan string

	abortOnce sync.Once
	aborted   chan struct{}

	calls       atomic.Int32
	busy        atomic.Int32
	aborts      atomic.Int32
	destroys    atomic.Int32
	lateDestroy atomic.Bool
	written     atomic.Int64
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{
		aborted: make(chan struct{}),
		entered: make(chan string, 16),
	}
}

func (e *fakeEndpoint) enter(op string) func() {
	e.calls.Add(1)
	e.busy.Add(1)
	select {
	case e.entered <- op:
	default:
	}
	return func() { e.busy.Add(-1) }
}

func (e *fakeEndpoint) waitAbort() error {
	<-e.aborted
	return btsock.ErrAborted
}

func (e *fakeEndpoint) Connect() error {
	defer e.enter("connect")()
	if e.blockConnect {
		return e.waitAbort()
	}
	return nil
}

func (e *fakeEndpoint) BindListen() error {
	defer e.enter("bind")()
	return e.bindErr
}

func (e *fakeEndpoint) Accept(timeout time.Duration) (btsock.Endpoint, btsock.Device, error) {
	defer e.enter("accept")()
	if e.pending != nil {
		return e.pending, e.peer, nil
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-e.aborted:
		return nil, btsock.Device{}, btsock.ErrAborted
	case <-expired:
		return nil, btsock.Device{}, btsock.ErrTimeout
	}
}

func (e *fakeEndpoint) Available() (int, error) {
	defer e.enter("available")()
	return len(e.readData), nil
}

func (e *fakeEndpoint) Read(p []byte) (int, error) {
	defer e.enter("read")()
	if e.readGate != nil {
		select {
		case <-e.readGate:
		case <-e.aborted:
			return 0, btsock.ErrAborted
		}
	}
	if e.blockRead {
		return 0, e.waitAbort()
	}
	if e.readErr != nil {
		return 0, e.readErr
	}
	n := copy(p, e.readData)
	e.readData = e.readData[n:]
	return n, nil
}

func (e *fakeEndpoint) Write(p []byte) (int, error) {
	defer e.enter("write")()
	if e.blockWrite {
		return 0, e.waitAbort()
	}
	n := len(p)
	if e.writeMax > 0 && n > e.writeMax {
		n = e.writeMax
	}
	e.written.Add(int64(n))
	return n, nil
}

func (e *fakeEndpoint) Abort() {
	e.aborts.Add(1)
	e.abortOnce.Do(func() { close(e.aborted) })
}

func (e *fakeEndpoint) Destroy() error {
	if e.busy.Load() > 0 {
		e.lateDestroy.Store(true)
	}
	e.destroys.Add(1)
	if e.destroyFn != nil {
		return e.destroyFn()
	}
	return nil
}

func (e *fakeEndpoint) waitEntered(op string) bool {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-e.entered:
			if got == op {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
