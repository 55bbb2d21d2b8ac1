// Package unixsock implements btsock.Transport over Linux AF_BLUETOOTH
// sockets.
//
// Every blocking call runs on a non-blocking descriptor and waits in ppoll
// on two descriptors: the socket itself and a per-endpoint eventfd. Abort
// makes the eventfd readable and leaves it that way, so every current and
// future waiter returns btsock.ErrAborted at once.
package unixsock

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// ParseAddress parses "XX:XX:XX:XX:XX:XX" into the little-endian byte order
// used by the kernel's bdaddr_t.
func ParseAddress(s string) ([6]uint8, error) {
	var addr [6]uint8
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return addr, fmt.Errorf("unixsock: bad bluetooth address %q: %w", s, errdefs.ErrInvalidArgument)
	}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return addr, fmt.Errorf("unixsock: bad bluetooth address %q: %w", s, errdefs.ErrInvalidArgument)
		}
		addr[5-i] = b[0]
	}
	return addr, nil
}

// FormatAddress is the inverse of ParseAddress.
func FormatAddress(addr [6]uint8) string {
	var sb strings.Builder
	for i := 5; i >= 0; i-- {
		fmt.Fprintf(&sb, "%02X", addr[i])
		if i > 0 {
			sb.WriteByte(':')
		}
	}
	return sb.String()
}
