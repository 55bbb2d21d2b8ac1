package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"bluetooth-socket/internal/btsock"
	"bluetooth-socket/internal/btsock/unixsock"
	"bluetooth-socket/internal/connmgr"
)

func newConnectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <device-path|address>",
		Short: "Connect to a device and chat over the socket",
		Long: `Connect to a device and chat over the socket.

A BlueZ object path (/org/bluez/hciN/dev_...) connects through the SPP
profile; BlueZ picks the channel and handles pairing. A plain address
(XX:XX:XX:XX:XX:XX) opens a kernel socket to --channel directly.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var (
				s   *btsock.Socket
				err error
			)
			if strings.HasPrefix(args[0], "/") {
				s, err = connectProfile(ctx, connmgr.Device{Path: args[0]}, a.cfg.ClientOptions())
			} else {
				var opts btsock.Options
				opts, err = a.cfg.SocketOptions(btsock.Device{Address: args[0]})
				if err == nil {
					s, err = dial(ctx, unixsock.New(), opts)
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "connected: %s\n", s)
			return chat(ctx, s, a.stdin, cmd.OutOrStdout())
		},
	}
}

func connectProfile(ctx context.Context, dev connmgr.Device, opts connmgr.ClientOptions) (*btsock.Socket, error) {
	m := connmgr.New()
	defer closeMgr(ctx, m)
	return m.Connect(ctx, dev, opts)
}

// dial opens a socket on tr and connects it. Canceling ctx closes the
// socket, which aborts a connect in progress.
func dial(ctx context.Context, tr btsock.Transport, opts btsock.Options) (*btsock.Socket, error) {
	s, err := btsock.New(tr, opts)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	if err := s.Connect(); err != nil {
		_ = s.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("btsock: connect canceled: %w", context.Cause(ctx))
		}
		return nil, err
	}
	if !stop() {
		return nil, fmt.Errorf("btsock: connect canceled: %w", context.Cause(ctx))
	}
	return s, nil
}
