package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"bluetooth-socket/internal/connmgr"
)

func newScanCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby devices advertising the Serial Port Profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Scan.Timeout)
			defer cancel()

			m := connmgr.New()
			defer closeMgr(ctx, m)

			devs, err := m.ScanSPP(ctx)
			if err != nil {
				return err
			}
			printDevices(cmd.OutOrStdout(), devs)
			return nil
		},
	}
	cmd.Flags().Duration("scan-timeout", 10*time.Second, "how long to discover")
	_ = a.v.BindPFlag("scan.timeout", cmd.Flags().Lookup("scan-timeout"))
	return cmd
}

func printDevices(w io.Writer, devs []connmgr.Device) {
	if len(devs) == 0 {
		fmt.Fprintln(w, "no SPP devices found")
		return
	}
	for i, d := range devs {
		fmt.Fprintf(w, "[%d] Path=%s MAC=%s Name=%s Alias=%s\n", i, d.Path, d.MAC, d.Name, d.Alias)
	}
}

func closeMgr(ctx context.Context, m connmgr.Mgr) {
	if err := m.Close(); err != nil {
		log.G(ctx).WithError(err).Warn("btsock: close manager")
	}
}
