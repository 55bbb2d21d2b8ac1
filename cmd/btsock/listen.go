package main

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"bluetooth-socket/internal/btsock"
	"bluetooth-socket/internal/btsock/unixsock"
	"bluetooth-socket/internal/connmgr"
)

func newListenCmd(a *app) *cobra.Command {
	var direct bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Wait for one incoming connection and chat over it",
		Long: `Wait for one incoming connection and chat over it.

By default an SPP profile is registered with BlueZ, which hands the accepted
RFCOMM socket over. With --direct the kernel socket is bound and accepted
here, honoring --kind, --accept-timeout and the link security flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			var (
				s   *btsock.Socket
				err error
			)
			if direct {
				s, err = a.listenDirect(ctx)
			} else {
				s, err = a.listenProfile(ctx)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "connected: %s\n", s)
			return chat(ctx, s, a.stdin, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&direct, "direct", false, "bind the kernel socket instead of registering a BlueZ profile")
	cmd.Flags().String("name", "btsock", "SPP service name")
	_ = a.v.BindPFlag("server.service_name", cmd.Flags().Lookup("name"))
	return cmd
}

// listenProfile registers an SPP server with BlueZ and waits for the socket
// it hands over.
func (a *app) listenProfile(ctx context.Context) (*btsock.Socket, error) {
	m := connmgr.New()
	// The accepted socket outlives the manager.
	defer closeMgr(ctx, m)

	if err := m.StartServer(ctx, a.cfg.ServerOptions()); err != nil {
		return nil, err
	}
	if t := a.cfg.Socket.AcceptTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	s, peer, err := m.Accept(ctx)
	if err != nil {
		return nil, err
	}
	log.G(ctx).WithFields(log.Fields{"path": peer.Path, "mac": peer.MAC}).Info("btsock: accepted")
	return s, nil
}

// listenDirect binds a kernel socket and accepts one connection. Canceling
// ctx closes the listener, which unblocks Accept.
func (a *app) listenDirect(ctx context.Context) (*btsock.Socket, error) {
	opts, err := a.cfg.SocketOptions(btsock.Device{})
	if err != nil {
		return nil, err
	}
	return acceptOne(ctx, unixsock.New(), opts, a.cfg.Socket.AcceptTimeout)
}

// acceptOne listens on tr and returns the first accepted socket.
func acceptOne(ctx context.Context, tr btsock.Transport, opts btsock.Options, timeout time.Duration) (*btsock.Socket, error) {
	srv, err := btsock.Listen(tr, opts)
	if err != nil {
		return nil, err
	}
	defer srv.Close()

	stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stop()

	log.G(ctx).WithFields(log.Fields{"kind": opts.Kind.String(), "channel": srv.Channel()}).Info("btsock: listening")
	s, err := srv.Accept(timeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("btsock: accept canceled: %w", context.Cause(ctx))
		}
		return nil, err
	}
	return s, nil
}
