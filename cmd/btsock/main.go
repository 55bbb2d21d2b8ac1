// Command btsock drives cancellable Bluetooth sockets from the shell.
//
// Prerequisites for the Bluetooth commands
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access.
//   - Adapter powered on: `bluetoothctl power on`.
//   - RegisterProfile usually needs root.
//
// Examples
//
//	btsock scan --scan-timeout 15s
//	btsock listen --name MyChatService --channel 22
//	btsock listen --direct --channel 3 --accept-timeout 2m
//	btsock connect /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX
//	btsock connect --channel 3 XX:XX:XX:XX:XX:XX
//	btsock loopback
//
// Ctrl-C cancels the command context; the open socket is then closed, which
// unblocks any pending accept, read or write.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdin).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "btsock:", err)
		stop()
		os.Exit(1)
	}
}
