//go:build linux

package unixsock

import (
	"fmt"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"

	"bluetooth-socket/internal/btsock"
)

// Link mode socket options from <bluetooth/rfcomm.h> and <bluetooth/l2cap.h>.
const (
	rfcommLM  = 0x03
	l2capLM   = 0x03
	lmAuth    = 0x0002
	lmEncrypt = 0x0004
)

const listenBacklog = 1

// Transport opens kernel Bluetooth sockets.
type Transport struct{}

// New returns the Linux Bluetooth transport.
func New() *Transport { return &Transport{} }

// Open implements btsock.Transport.
func (t *Transport) Open(cfg btsock.EndpointConfig) (btsock.Endpoint, error) {
	sotype, proto, err := socketType(cfg.Kind)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return nil, fmt.Errorf("unixsock: socket(%s): %w", cfg.Kind, err)
	}
	if err := setLinkMode(fd, cfg); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	ep, err := newEndpoint(fd, cfg)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return ep, nil
}

// FromFD adopts an already connected descriptor, such as the one BlueZ
// passes to Profile1.NewConnection. On success the endpoint owns fd; on
// error the caller still does.
func FromFD(fd int, cfg btsock.EndpointConfig) (btsock.Endpoint, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("unixsock: set nonblock: %w", err)
	}
	return newEndpoint(fd, cfg)
}

// Peer reports the remote device and channel of a connected descriptor.
func Peer(fd int) (btsock.Device, int, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return btsock.Device{}, 0, fmt.Errorf("unixsock: getpeername: %w", err)
	}
	switch sa := sa.(type) {
	case *unix.SockaddrRFCOMM:
		return deviceFromSockaddr(sa), int(sa.Channel), nil
	case *unix.SockaddrL2:
		return deviceFromSockaddr(sa), int(sa.PSM), nil
	}
	return btsock.Device{}, 0, fmt.Errorf("unixsock: not a bluetooth socket: %w", errdefs.ErrInvalidArgument)
}

func socketType(kind btsock.Kind) (sotype, proto int, err error) {
	switch kind {
	case btsock.StreamChannel:
		return unix.SOCK_STREAM, unix.BTPROTO_RFCOMM, nil
	case btsock.FixedChannel:
		return unix.SOCK_SEQPACKET, unix.BTPROTO_SCO, nil
	case btsock.DatagramChannel:
		return unix.SOCK_SEQPACKET, unix.BTPROTO_L2CAP, nil
	}
	return 0, 0, fmt.Errorf("unixsock: unknown socket kind %d: %w", int(kind), errdefs.ErrInvalidArgument)
}

func setLinkMode(fd int, cfg btsock.EndpointConfig) error {
	lm := 0
	if cfg.Security.RequireAuth {
		lm |= lmAuth
	}
	if cfg.Security.RequireEncrypt {
		lm |= lmEncrypt
	}
	if lm == 0 {
		return nil
	}
	var err error
	switch cfg.Kind {
	case btsock.StreamChannel:
		err = unix.SetsockoptInt(fd, unix.SOL_RFCOMM, rfcommLM, lm)
	case btsock.DatagramChannel:
		err = unix.SetsockoptInt(fd, unix.SOL_L2CAP, l2capLM, lm)
	}
	if err != nil {
		return fmt.Errorf("unixsock: set link mode: %w", err)
	}
	return nil
}

func sockaddr(kind btsock.Kind, channel int, addr [6]uint8) (unix.Sockaddr, error) {
	switch kind {
	case btsock.StreamChannel:
		return &unix.SockaddrRFCOMM{Addr: addr, Channel: uint8(channel)}, nil
	case btsock.DatagramChannel:
		// SockaddrL2 reverses Addr when handing it to the kernel.
		return &unix.SockaddrL2{PSM: uint16(channel), Addr: reverseAddress(addr)}, nil
	}
	return nil, fmt.Errorf("unixsock: %s sockets are not addressable: %w", kind, errdefs.ErrNotImplemented)
}

func reverseAddress(addr [6]uint8) [6]uint8 {
	for i, j := 0, len(addr)-1; i < j; i, j = i+1, j-1 {
		addr[i], addr[j] = addr[j], addr[i]
	}
	return addr
}

func deviceFromSockaddr(sa unix.Sockaddr) btsock.Device {
	switch sa := sa.(type) {
	case *unix.SockaddrRFCOMM:
		return btsock.Device{Address: FormatAddress(sa.Addr)}
	case *unix.SockaddrL2:
		return btsock.Device{Address: FormatAddress(sa.Addr)}
	}
	return btsock.Device{}
}

var _ btsock.Transport = (*Transport)(nil)
