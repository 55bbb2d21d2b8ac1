package btsock

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/containerd/errdefs"
)

var (
	// ErrInvalidChannel is returned when a StreamChannel socket is constructed
	// with a channel outside [1, MaxRFCOMMChannel].
	ErrInvalidChannel = fmt.Errorf("btsock: invalid RFCOMM channel: %w", errdefs.ErrInvalidArgument)

	// ErrTransportInit wraps any failure of Transport.Open.
	ErrTransportInit = fmt.Errorf("btsock: transport init failed: %w", errdefs.ErrUnavailable)

	// ErrSocketClosed is returned by every operation attempted on, or
	// interrupted by, a closed socket.
	ErrSocketClosed = fmt.Errorf("btsock: socket closed: %w", errdefs.ErrFailedPrecondition)

	// ErrTimeout is returned by Accept when its timeout elapses.
	ErrTimeout = fmt.Errorf("btsock: accept timed out: %w", context.DeadlineExceeded)

	// ErrAddressInUse is returned by BindListen when the channel is taken.
	ErrAddressInUse = fmt.Errorf("btsock: address in use: %w", errdefs.ErrConflict)

	// ErrAborted is reported by an Endpoint whose blocking call was
	// interrupted by Abort. Socket translates it to ErrSocketClosed.
	ErrAborted = fmt.Errorf("btsock: operation aborted: %w", errdefs.ErrAborted)

	errHandleDestroyed = errors.New("btsock: handle already destroyed")
)

// TransportError is an opaque lower-layer failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "btsock: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Numeric results of BindListen, for callers that compare raw codes.
const (
	CodeOK        = 0
	CodeIO        = int(syscall.EIO)
	CodeBadFD     = 77 // EBADFD
	CodeAddrInUse = 98 // EADDRINUSE
)

// Code maps an operation result to a raw errno-style code: 0 for nil,
// CodeBadFD for a closed socket, CodeAddrInUse for an occupied channel, the
// errno carried by a transport failure if any, and CodeIO otherwise.
func Code(err error) int {
	if err == nil {
		return CodeOK
	}
	switch {
	case errors.Is(err, ErrSocketClosed):
		return CodeBadFD
	case errors.Is(err, ErrAddressInUse):
		return CodeAddrInUse
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return int(errno)
	}
	return CodeIO
}

// translate maps an endpoint error to the socket error taxonomy.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	switch {
	case errors.Is(err, ErrAborted), errors.Is(err, errHandleDestroyed):
		return ErrSocketClosed
	case errors.Is(err, ErrTimeout):
		return ErrTimeout
	case errors.Is(err, ErrAddressInUse):
		return ErrAddressInUse
	case errors.As(err, &te):
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// reason labels an error for metrics.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrSocketClosed):
		return "closed"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrAddressInUse):
		return "addr_in_use"
	default:
		return "transport"
	}
}
