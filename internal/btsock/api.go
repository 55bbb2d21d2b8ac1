// Package btsock provides a connection-oriented Bluetooth socket whose
// blocking operations can be cancelled from any goroutine.
//
// A Socket wraps exactly one transport endpoint. Connect, Accept, Available,
// Read and Write may run concurrently with each other (full-duplex I/O is
// never serialized). Close may be called from any goroutine at any time: it
// aborts every call blocked in the transport, waits for those calls to
// return, and then destroys the endpoint exactly once.
//
// The concrete transport is supplied by the caller through the Transport and
// Endpoint interfaces; see the memtransport and unixsock packages.
//
// Sockets are not reclaimed by the garbage collector. The owner must call
// Close on every exit path, typically with defer.
package btsock

import (
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
)

// MaxRFCOMMChannel is the highest valid RFCOMM channel number.
const MaxRFCOMMChannel = 30

// Kind is the channel type of a socket.
type Kind int

const (
	// StreamChannel is a sequential, connection-oriented channel addressed by
	// a small channel number (RFCOMM).
	StreamChannel Kind = 1
	// FixedChannel is a synchronous link without a channel number (SCO).
	FixedChannel Kind = 2
	// DatagramChannel is a packet-oriented channel addressed by a PSM (L2CAP).
	DatagramChannel Kind = 3
)

func (k Kind) String() string {
	switch k {
	case StreamChannel:
		return "rfcomm"
	case FixedChannel:
		return "sco"
	case DatagramChannel:
		return "l2cap"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts either the protocol name ("rfcomm", "sco", "l2cap") or
// the generic name ("stream", "fixed", "datagram").
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rfcomm", "stream":
		return StreamChannel, nil
	case "sco", "fixed":
		return FixedChannel, nil
	case "l2cap", "datagram":
		return DatagramChannel, nil
	}
	return 0, fmt.Errorf("btsock: unknown socket kind %q: %w", s, errdefs.ErrInvalidArgument)
}

// Security holds the link requirements requested at construction.
type Security struct {
	RequireAuth    bool
	RequireEncrypt bool
}

// Device identifies the remote end of a socket. The zero value means the
// socket is unbound or listening.
type Device struct {
	Address string // "XX:XX:XX:XX:XX:XX"
	Name    string // optional
}

func (d Device) String() string {
	if d.Name != "" {
		return d.Name + " (" + d.Address + ")"
	}
	return d.Address
}

// Options describes the socket to construct.
type Options struct {
	Kind     Kind
	Channel  int // RFCOMM channel or L2CAP PSM; ignored for FixedChannel
	Remote   Device
	Security Security
}

// EndpointConfig is handed to Transport.Open.
type EndpointConfig struct {
	Kind     Kind
	Channel  int
	Remote   Device
	Security Security
}

// Transport allocates endpoints.
type Transport interface {
	// Open allocates a fresh, unconnected endpoint.
	Open(cfg EndpointConfig) (Endpoint, error)
}

// Endpoint is one open transport handle.
//
// Blocking methods must return ErrAborted promptly once Abort has been
// called, no matter how many goroutines are blocked in them. Accept reports
// an elapsed timeout with ErrTimeout and BindListen an occupied channel with
// ErrAddressInUse. A read of zero bytes with a nil error means end of stream.
type Endpoint interface {
	Connect() error
	BindListen() error
	// Accept waits for one incoming connection. A timeout <= 0 waits forever.
	Accept(timeout time.Duration) (Endpoint, Device, error)
	Available() (int, error)
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Abort is non-blocking, idempotent and safe to call while other
	// goroutines are blocked in the endpoint.
	Abort()
	// Destroy releases the endpoint. It is only called once no blocking
	// call can still be in progress.
	Destroy() error
}

// ValidateChannel checks the channel number for the given kind.
func ValidateChannel(kind Kind, channel int) error {
	switch kind {
	case StreamChannel:
		if channel < 1 || channel > MaxRFCOMMChannel {
			return fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
		}
	case FixedChannel, DatagramChannel:
	default:
		return fmt.Errorf("btsock: unknown socket kind %d: %w", int(kind), errdefs.ErrInvalidArgument)
	}
	return nil
}
