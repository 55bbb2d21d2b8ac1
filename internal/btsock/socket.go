package btsock

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"
)

const (
	opConnect   = "connect"
	opBind      = "bind_listen"
	opAccept    = "accept"
	opAvailable = "available"
	opRead      = "read"
	opWrite     = "write"
)

const (
	originNew      = "new"
	originAdopted  = "adopted"
	originAccepted = "accepted"
)

// Socket is a connected or connecting socket. All methods are safe for
// concurrent use.
type Socket struct {
	id       string
	kind     Kind
	channel  int
	remote   Device
	security Security

	in  *InputStream
	out *OutputStream

	// mu guards closed and the lifetime of h. Operations hold the read side
	// for their whole transport call; only teardown takes the write side.
	mu     sync.RWMutex
	closed bool
	h      *handle

	log *log.Entry
}

// New allocates a fresh endpoint from tr and wraps it.
func New(tr Transport, opts Options) (*Socket, error) {
	if err := ValidateChannel(opts.Kind, opts.Channel); err != nil {
		return nil, err
	}
	ep, err := tr.Open(EndpointConfig(opts))
	if err != nil {
		opErrors.WithLabelValues("open", "transport").Inc()
		return nil, fmt.Errorf("%w: %w", ErrTransportInit, err)
	}
	if ep == nil {
		return nil, ErrTransportInit
	}
	return newSocket(ep, opts, originNew), nil
}

// Adopt wraps an endpoint that is already connected, for instance one handed
// over by a profile manager. On error the caller keeps ownership of ep.
func Adopt(ep Endpoint, opts Options) (*Socket, error) {
	if err := ValidateChannel(opts.Kind, opts.Channel); err != nil {
		return nil, err
	}
	if ep == nil {
		return nil, ErrTransportInit
	}
	return newSocket(ep, opts, originAdopted), nil
}

func newSocket(ep Endpoint, opts Options, origin string) *Socket {
	s := &Socket{
		id:       uuid.NewString(),
		kind:     opts.Kind,
		channel:  opts.Channel,
		remote:   opts.Remote,
		security: opts.Security,
		h:        newHandle(ep),
	}
	s.in = &InputStream{s: s}
	s.out = &OutputStream{s: s}
	s.log = log.L.WithFields(log.Fields{
		"socket":  s.id,
		"kind":    s.kind.String(),
		"channel": s.channel,
		"remote":  s.remote.Address,
	})
	socketsOpened.WithLabelValues(s.kind.String(), origin).Inc()
	s.log.WithField("origin", origin).Debug("btsock: socket open")
	return s
}

// Kind returns the socket kind.
func (s *Socket) Kind() Kind { return s.kind }

// Channel returns the RFCOMM channel or L2CAP PSM.
func (s *Socket) Channel() int { return s.channel }

// RemoteDevice returns the peer, or the zero Device when unbound.
func (s *Socket) RemoteDevice() Device { return s.remote }

// Security returns the link requirements.
func (s *Socket) Security() Security { return s.security }

// InputStream returns the reader side. It is valid before the socket is
// connected but reads fail until then.
func (s *Socket) InputStream() *InputStream { return s.in }

// OutputStream returns the writer side.
func (s *Socket) OutputStream() *OutputStream { return s.out }

func (s *Socket) String() string {
	return s.kind.String() + ":" + strconv.Itoa(s.channel) + "->" + s.remote.Address
}

// do runs fn against the endpoint while holding the read side of mu.
func (s *Socket) do(op string, fn func(Endpoint) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		opErrors.WithLabelValues(op, "closed").Inc()
		return ErrSocketClosed
	}
	ep, err := s.h.endpoint()
	if err != nil {
		return ErrSocketClosed
	}
	g := opsInFlight.WithLabelValues(op)
	g.Inc()
	defer g.Dec()
	err = translate(op, fn(ep))
	if err != nil {
		opErrors.WithLabelValues(op, reason(err)).Inc()
	}
	return err
}

// Connect blocks until the connection is made or fails. Close aborts it.
func (s *Socket) Connect() error {
	return s.do(opConnect, func(ep Endpoint) error {
		return ep.Connect()
	})
}

// BindListen binds the socket to its channel and starts listening. Use Code
// to recover the raw numeric result.
func (s *Socket) BindListen() error {
	return s.do(opBind, func(ep Endpoint) error {
		return ep.BindListen()
	})
}

// Accept waits for an incoming connection on a listening socket. A timeout
// <= 0 waits forever. Close aborts the wait regardless of the timeout.
func (s *Socket) Accept(timeout time.Duration) (*Socket, error) {
	var (
		child Endpoint
		peer  Device
	)
	err := s.do(opAccept, func(ep Endpoint) error {
		var err error
		child, peer, err = ep.Accept(timeout)
		return err
	})
	if err != nil {
		return nil, err
	}
	if child == nil {
		return nil, &TransportError{Op: opAccept, Err: ErrTransportInit}
	}
	opts := Options{
		Kind:     s.kind,
		Channel:  s.channel,
		Remote:   peer,
		Security: s.security,
	}
	return newSocket(child, opts, originAccepted), nil
}

// Available returns the number of bytes that can be read without blocking.
func (s *Socket) Available() (int, error) {
	var n int
	err := s.do(opAvailable, func(ep Endpoint) error {
		var err error
		n, err = ep.Available()
		return err
	})
	return clamp(n), err
}

// Read reads up to len(p) bytes. Zero bytes with a nil error means the peer
// closed the stream.
func (s *Socket) Read(p []byte) (int, error) {
	var n int
	err := s.do(opRead, func(ep Endpoint) error {
		var err error
		n, err = ep.Read(p)
		return err
	})
	return clamp(n), err
}

// Write writes up to len(p) bytes and returns how many were sent.
func (s *Socket) Write(p []byte) (int, error) {
	var n int
	err := s.do(opWrite, func(ep Endpoint) error {
		var err error
		n, err = ep.Write(p)
		return err
	})
	return clamp(n), err
}

// Close aborts every blocked operation and releases the endpoint. It is
// idempotent and always returns nil; teardown failures are logged.
func (s *Socket) Close() error {
	// Phase 1: abort under the read lock. Blocked operations also hold the
	// read lock, so this never waits on them.
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	if ep, err := s.h.endpoint(); err == nil {
		ep.Abort()
		abortsIssued.Inc()
	}
	s.mu.RUnlock()

	// Phase 2: the write lock is granted once every aborted call returned.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.h.destroy(); err != nil {
		s.log.WithError(err).Warn("btsock: destroy endpoint")
	}
	socketsClosed.WithLabelValues(s.kind.String()).Inc()
	s.log.Debug("btsock: socket closed")
	return nil
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
