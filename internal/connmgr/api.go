// Package connmgr registers Serial Port Profile endpoints with BlueZ over
// D-Bus and turns the RFCOMM descriptors BlueZ hands back into cancellable
// btsock sockets.
//
// Thread-safety: except for Close(), methods are not safe for concurrent use.
// Callers must serialize StartServer, Accept, ScanSPP, and Connect. Close is
// safe to call concurrently and is idempotent. The sockets returned by Accept
// and Connect are fully concurrent (see btsock.Socket).
package connmgr

import (
	"context"

	"bluetooth-socket/internal/btsock"
)

const (
	// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRFCOMMChannel is the RFCOMM channel used when ServerOptions
	// does not name one.
	DefaultRFCOMMChannel = 22
)

// Device represents the minimum information needed to display and connect.
//
// Path is required (BlueZ Device1 object path as string). Other fields are optional
// and may be empty depending on discovery results.
type Device struct {
	Path        string // required: D-Bus object path of the device (e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX)
	MAC         string // optional: Bluetooth device address
	Name        string // optional: Device1.Name
	Alias       string // optional: Device1.Alias
	ServiceName string // optional: SDP ServiceName (0x0100) if available
}

// Remote converts the discovery record into the socket's peer identity.
func (d Device) Remote() btsock.Device {
	name := d.Alias
	if name == "" {
		name = d.Name
	}
	mac := d.MAC
	if mac == "" {
		mac = macFromPath(d.Path)
	}
	return btsock.Device{Address: mac, Name: name}
}

// ServerOptions controls server-side profile registration.
type ServerOptions struct {
	// ServiceName is required and will be used for RegisterProfile options["Name"].
	ServiceName string
	// Channel is the RFCOMM channel to register; 0 means DefaultRFCOMMChannel.
	Channel int
	// Security is requested from BlueZ and recorded on accepted sockets.
	Security btsock.Security
}

// ClientOptions controls client-side profile registration.
type ClientOptions struct {
	// Security is requested from BlueZ and recorded on the connected socket.
	Security btsock.Security
}

// Mgr is the single public interface for discovery and connections.
// Responsibilities end at handing over a connected socket; reconnect is out of scope.
type Mgr interface {
	// StartServer registers an SPP profile (Role="server").
	// After a successful call, use Accept to wait for exactly one incoming connection.
	// State/usage constraints:
	//   - Must be called before Accept; calling Accept without a prior StartServer returns an error.
	//   - Calling StartServer more than once returns an error.
	//   - A Mgr instance is single-role: if Connect has been used on this instance,
	//     StartServer returns an error (and vice versa).
	//   - The channel must be a valid RFCOMM channel (btsock.ErrInvalidChannel otherwise).
	//   - If the RFCOMM channel is already in use, an error is returned.
	StartServer(ctx context.Context, opts ServerOptions) error

	// Accept blocks until a connection is established or ctx is canceled.
	// It returns a connected socket the caller owns and must Close, plus the
	// peer as BlueZ reported it.
	// Server semantics and state/usage constraints:
	//   - Accept may be called at most once. Multiple connections or re-listen are not supported.
	//   - After one connection has been accepted, any subsequent incoming connections are rejected
	//     and their FDs closed immediately.
	//   - Once Accept has returned a socket, the manager never closes it, not even on Close.
	//   - If called before StartServer or after Close, returns an error.
	Accept(ctx context.Context) (*btsock.Socket, Device, error)

	// ScanSPP discovers nearby devices advertising SPP and returns a snapshot list.
	// Only devices containing SPPUUID are included.
	// Timing control is by the caller-provided context; use context.WithTimeout as needed.
	// Contract:
	//   - Each returned Device must have a non-empty Path.
	//   - May be called in any state except after Close; after Close returns an error.
	ScanSPP(ctx context.Context) ([]Device, error)

	// Connect initiates an outgoing connection to the given device and
	// returns the connected socket, owned by the caller.
	// A client-side profile (Role="client") is registered internally as needed;
	// opts.Security is requested there and recorded on the returned socket.
	// If pairing is required, a pre-registered BlueZ Agent (external to this package) must handle it.
	// State/usage constraints:
	//   - The provided dev.Path must be non-empty; if empty, returns an error immediately.
	//   - A Mgr instance is single-role: if StartServer/Accept has been used on this
	//     instance, Connect returns an error.
	//   - Connect may be called at most once per manager instance.
	// Error policy:
	//   - Context cancellation and deadlines are propagated: errors wrapping context.Canceled or
	//     context.DeadlineExceeded may be returned.
	Connect(ctx context.Context, dev Device, opts ClientOptions) (*btsock.Socket, error)

	// Close releases resources held by the manager (e.g., D-Bus objects, signal subscriptions).
	// Contract:
	//   - Safe for concurrent use; redundant calls are allowed (idempotent).
	//   - After Close, all other methods return an error.
	//   - Descriptors delivered by BlueZ but never claimed by Accept/Connect are closed.
	Close() error
}
