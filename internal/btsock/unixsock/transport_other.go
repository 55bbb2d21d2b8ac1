//go:build !linux

package unixsock

import (
	"fmt"

	"github.com/containerd/errdefs"

	"bluetooth-socket/internal/btsock"
)

var errUnsupported = fmt.Errorf("unixsock: bluetooth sockets need linux: %w", errdefs.ErrNotImplemented)

// Transport is unavailable on this platform; Open always fails.
type Transport struct{}

// New returns a transport whose Open always fails.
func New() *Transport { return &Transport{} }

// Open implements btsock.Transport.
func (t *Transport) Open(btsock.EndpointConfig) (btsock.Endpoint, error) {
	return nil, errUnsupported
}

// FromFD is unavailable on this platform.
func FromFD(int, btsock.EndpointConfig) (btsock.Endpoint, error) {
	return nil, errUnsupported
}

// Peer is unavailable on this platform.
func Peer(int) (btsock.Device, int, error) {
	return btsock.Device{}, 0, errUnsupported
}
