//go:build linux

package unixsock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"bluetooth-socket/internal/btsock"
)

type endpoint struct {
	fd      int
	abortFD int
	cfg     btsock.EndpointConfig

	abortOnce sync.Once
	aborted   atomic.Bool
}

func newEndpoint(fd int, cfg btsock.EndpointConfig) (*endpoint, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("unixsock: eventfd: %w", err)
	}
	return &endpoint{fd: fd, abortFD: efd, cfg: cfg}, nil
}

// wait blocks until the socket reports one of events, the endpoint is
// aborted, or deadline passes. A zero deadline waits forever.
func (e *endpoint) wait(events int16, deadline time.Time) error {
	for {
		timeout := -1
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return btsock.ErrTimeout
			}
			timeout = int((d + time.Millisecond - 1) / time.Millisecond)
		}
		fds := []unix.PollFd{
			{Fd: int32(e.fd), Events: events},
			{Fd: int32(e.abortFD), Events: unix.POLLIN},
		}
		_, err := unix.Poll(fds, timeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("unixsock: poll: %w", err)
		}
		if fds[1].Revents != 0 {
			return btsock.ErrAborted
		}
		// POLLERR and POLLHUP are left for the retried syscall to report.
		if fds[0].Revents != 0 {
			return nil
		}
	}
}

func (e *endpoint) Connect() error {
	if e.aborted.Load() {
		return btsock.ErrAborted
	}
	addr, err := ParseAddress(e.cfg.Remote.Address)
	if err != nil {
		return err
	}
	sa, err := sockaddr(e.cfg.Kind, e.cfg.Channel, addr)
	if err != nil {
		return err
	}
	err = unix.Connect(e.fd, sa)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
	default:
		return fmt.Errorf("unixsock: connect: %w", err)
	}
	if err := e.wait(unix.POLLOUT, time.Time{}); err != nil {
		return err
	}
	soerr, err := unix.GetsockoptInt(e.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("unixsock: connect: %w", err)
	}
	if soerr != 0 {
		return fmt.Errorf("unixsock: connect: %w", unix.Errno(soerr))
	}
	return nil
}

func (e *endpoint) BindListen() error {
	sa, err := sockaddr(e.cfg.Kind, e.cfg.Channel, [6]uint8{})
	if err != nil {
		return err
	}
	if err := unix.Bind(e.fd, sa); err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			return btsock.ErrAddressInUse
		}
		return fmt.Errorf("unixsock: bind: %w", err)
	}
	if err := unix.Listen(e.fd, listenBacklog); err != nil {
		return fmt.Errorf("unixsock: listen: %w", err)
	}
	return nil
}

func (e *endpoint) Accept(timeout time.Duration) (btsock.Endpoint, btsock.Device, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if e.aborted.Load() {
			return nil, btsock.Device{}, btsock.ErrAborted
		}
		nfd, sa, err := unix.Accept4(e.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			dev := deviceFromSockaddr(sa)
			cfg := e.cfg
			cfg.Remote = dev
			child, err := newEndpoint(nfd, cfg)
			if err != nil {
				_ = unix.Close(nfd)
				return nil, btsock.Device{}, err
			}
			return child, dev, nil
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ECONNABORTED):
			if err := e.wait(unix.POLLIN, deadline); err != nil {
				return nil, btsock.Device{}, err
			}
		case errors.Is(err, unix.EINTR):
		default:
			return nil, btsock.Device{}, fmt.Errorf("unixsock: accept: %w", err)
		}
	}
}

func (e *endpoint) Available() (int, error) {
	if e.aborted.Load() {
		return 0, btsock.ErrAborted
	}
	n, err := unix.IoctlGetInt(e.fd, unix.TIOCINQ)
	if err != nil {
		return 0, fmt.Errorf("unixsock: available: %w", err)
	}
	return n, nil
}

func (e *endpoint) Read(p []byte) (int, error) {
	for {
		if e.aborted.Load() {
			return 0, btsock.ErrAborted
		}
		n, err := unix.Read(e.fd, p)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EAGAIN):
			if err := e.wait(unix.POLLIN, time.Time{}); err != nil {
				return 0, err
			}
		case errors.Is(err, unix.EINTR):
		default:
			return 0, fmt.Errorf("unixsock: read: %w", err)
		}
	}
}

func (e *endpoint) Write(p []byte) (int, error) {
	for {
		if e.aborted.Load() {
			return 0, btsock.ErrAborted
		}
		n, err := unix.Write(e.fd, p)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EAGAIN):
			if err := e.wait(unix.POLLOUT, time.Time{}); err != nil {
				return 0, err
			}
		case errors.Is(err, unix.EINTR):
		default:
			return 0, fmt.Errorf("unixsock: write: %w", err)
		}
	}
}

func (e *endpoint) Abort() {
	e.abortOnce.Do(func() {
		e.aborted.Store(true)
		var one [8]byte
		binary.NativeEndian.PutUint64(one[:], 1)
		_, _ = unix.Write(e.abortFD, one[:])
	})
}

func (e *endpoint) Destroy() error {
	return multierr.Combine(
		unix.Close(e.fd),
		unix.Close(e.abortFD),
	)
}

var _ btsock.Endpoint = (*endpoint)(nil)
