//go:build !linux

package connmgr

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"

	"bluetooth-socket/internal/btsock"
)

var errUnsupported = fmt.Errorf("connmgr: BlueZ is only available on linux: %w", errdefs.ErrNotImplemented)

// New returns a manager whose operations all fail on this platform.
func New() Mgr { return unsupported{} }

type unsupported struct{}

func (unsupported) StartServer(context.Context, ServerOptions) error { return errUnsupported }

func (unsupported) Accept(context.Context) (*btsock.Socket, Device, error) {
	return nil, Device{}, errUnsupported
}

func (unsupported) ScanSPP(context.Context) ([]Device, error) { return nil, errUnsupported }

func (unsupported) Connect(context.Context, Device, ClientOptions) (*btsock.Socket, error) {
	return nil, errUnsupported
}

func (unsupported) Close() error { return nil }
