// Package memtransport is an in-memory btsock.Transport.
//
// A Network links any number of Adapters, each standing in for one local
// Bluetooth controller with its own address. Sockets opened on one adapter
// can listen on a channel and sockets opened on another can connect to that
// (address, kind, channel) triple. Data flows through bounded in-memory
// pipes; Abort unblocks every waiter immediately.
//
// Timeouts and connect latency run on an injectable clock so tests can drive
// them deterministically.
package memtransport

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/containerd/errdefs"

	"bluetooth-socket/internal/btsock"
)

// DefaultBufferSize is the per-direction pipe capacity.
const DefaultBufferSize = 64 << 10

var (
	// ErrConnectionRefused means nothing listens on the target channel.
	ErrConnectionRefused = fmt.Errorf("memtransport: connection refused: %w", syscall.ECONNREFUSED)
	// ErrNotConnected is returned by I/O on an endpoint that is not connected.
	ErrNotConnected = fmt.Errorf("memtransport: not connected: %w", errdefs.ErrFailedPrecondition)
	// ErrNotListening is returned by Accept before BindListen.
	ErrNotListening = fmt.Errorf("memtransport: not listening: %w", errdefs.ErrFailedPrecondition)
	// ErrBrokenPipe is returned by Write once the peer is gone.
	ErrBrokenPipe = fmt.Errorf("memtransport: broken pipe: %w", syscall.EPIPE)

	errBusy      = fmt.Errorf("memtransport: endpoint already in use: %w", errdefs.ErrFailedPrecondition)
	errDestroyed = errors.New("memtransport: endpoint destroyed")
)

// Option configures a Network.
type Option func(*Network)

// WithClock sets the clock used for accept timeouts and connect latency.
func WithClock(c clock.Clock) Option {
	return func(n *Network) { n.clock = c }
}

// WithBufferSize sets the per-direction pipe capacity.
func WithBufferSize(size int) Option {
	return func(n *Network) {
		if size > 0 {
			n.bufSize = size
		}
	}
}

// WithConnectLatency delays every Connect by d.
func WithConnectLatency(d time.Duration) Option {
	return func(n *Network) { n.latency = d }
}

type listenKey struct {
	addr    string
	kind    btsock.Kind
	channel int
}

// Network is the shared medium between adapters.
type Network struct {
	clock   clock.Clock
	bufSize int
	latency time.Duration

	mu        sync.Mutex
	listeners map[listenKey]*endpoint
}

// New creates an empty network.
func New(opts ...Option) *Network {
	n := &Network{
		clock:     clock.New(),
		bufSize:   DefaultBufferSize,
		listeners: make(map[listenKey]*endpoint),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Adapter returns a transport whose sockets originate from addr.
func (n *Network) Adapter(addr, name string) *Adapter {
	return &Adapter{net: n, dev: btsock.Device{Address: addr, Name: name}}
}

func (n *Network) register(k listenKey, e *endpoint) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[k]; ok {
		return btsock.ErrAddressInUse
	}
	n.listeners[k] = e
	return nil
}

func (n *Network) unregister(k listenKey, e *endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners[k] == e {
		delete(n.listeners, k)
	}
}

func (n *Network) lookup(k listenKey) *endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listeners[k]
}

// Adapter is one local controller on a Network. It implements
// btsock.Transport.
type Adapter struct {
	net *Network
	dev btsock.Device
}

// Device returns the identity peers see for this adapter.
func (a *Adapter) Device() btsock.Device { return a.dev }

// Open implements btsock.Transport.
func (a *Adapter) Open(cfg btsock.EndpointConfig) (btsock.Endpoint, error) {
	return newEndpoint(a, cfg), nil
}

var _ btsock.Transport = (*Adapter)(nil)
