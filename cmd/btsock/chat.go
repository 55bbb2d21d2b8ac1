package main

import (
	"context"
	"errors"
	"io"

	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"

	"bluetooth-socket/internal/btsock"
)

// chat pumps in to s and s to out until the peer hangs up, in is exhausted
// or ctx is canceled. s is closed on return.
func chat(ctx context.Context, s *btsock.Socket, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		_, err := io.Copy(out, s.InputStream())
		if errors.Is(err, btsock.ErrSocketClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.Close()
	})

	// Not part of the group: a read from a terminal cannot be interrupted,
	// and Wait must not depend on it.
	go func() {
		defer cancel()
		if _, err := io.Copy(s.OutputStream(), in); err != nil && !errors.Is(err, btsock.ErrSocketClosed) {
			log.G(ctx).WithError(err).Warn("btsock: send")
		}
	}()

	return g.Wait()
}
