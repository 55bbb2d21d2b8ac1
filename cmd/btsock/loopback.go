package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"bluetooth-socket/internal/btsock"
	"bluetooth-socket/internal/btsock/memtransport"
)

const (
	loopbackServerAddr = "00:00:00:00:00:01"
	loopbackClientAddr = "00:00:00:00:00:02"
)

func newLoopbackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "loopback",
		Short: "Echo stdin lines through an in-memory socket pair",
		Long: `Echo stdin lines through an in-memory socket pair.

An echo server and a client are connected over an in-process network using
the configured kind and channel. Each input line is sent, echoed back and
printed. No Bluetooth hardware is involved.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := a.cfg.SocketOptions(btsock.Device{Address: loopbackServerAddr})
			if err != nil {
				return err
			}
			return loopback(cmd.Context(), memtransport.New(), opts, a.stdin, cmd.OutOrStdout())
		},
	}
}

func loopback(ctx context.Context, network *memtransport.Network, opts btsock.Options, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := network.Adapter(loopbackServerAddr, "echo")
	client := network.Adapter(loopbackClientAddr, "loopback")

	srv, err := btsock.Listen(server, opts)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stop()

	echoDone := make(chan error, 1)
	go func() {
		echoDone <- echo(ctx, srv)
	}()

	c, err := dial(ctx, client, opts)
	if err != nil {
		return err
	}
	defer c.Close()
	context.AfterFunc(ctx, func() { _ = c.Close() })

	r := bufio.NewReader(c.InputStream())
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if _, err := fmt.Fprintln(c.OutputStream(), sc.Text()); err != nil {
			return err
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		fmt.Fprint(out, line)
	}
	if err := sc.Err(); err != nil {
		return err
	}

	cancel()
	if err := <-echoDone; err != nil && !errors.Is(err, btsock.ErrSocketClosed) {
		return err
	}
	return nil
}

// echo accepts one connection on srv and writes back whatever it reads
// until the peer hangs up or ctx is canceled.
func echo(ctx context.Context, srv *btsock.ServerSocket) error {
	defer srv.Close()
	s, err := srv.Accept(0)
	if err != nil {
		return err
	}
	defer s.Close()
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	n, err := io.Copy(s.OutputStream(), s.InputStream())
	log.G(ctx).WithField("bytes", n).Debug("btsock: echo finished")
	return err
}
