//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/containerd/log"
	dbus "github.com/godbus/dbus/v5"

	"bluetooth-socket/internal/btsock"
	"bluetooth-socket/internal/btsock/unixsock"
)

// New creates a new manager instance.
func New() Mgr {
	return &mgr{}
}

var errClosed = errors.New("connmgr: closed")

type role int

const (
	roleNone role = iota
	roleServer
	roleClient
)

var pathCounter uint64

type mgr struct {
	mu     sync.Mutex
	closed bool

	bus *dbus.Conn

	role role

	// server state
	serverExported bool
	acceptUsed     bool
	srvProf        *profile
	serverPath     dbus.ObjectPath
	serverChannel  int
	serverSecurity btsock.Security

	// client state
	clientExported bool
	connectUsed    bool
	cliProf        *profile
	clientPath     dbus.ObjectPath

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

// ensureBusLocked connects to the system bus if not yet connected.
func (m *mgr) ensureBusLocked() error {
	if m.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connmgr: connect system bus: %w", err)
	}
	m.bus = c
	// Close the bus last during cleanup.
	m.cleanup = append(m.cleanup, func() { m.bus.Close() })
	return nil
}

func nextProfilePath(role string) dbus.ObjectPath {
	id := atomic.AddUint64(&pathCounter, 1)
	return dbus.ObjectPath("/org/bluetooth_socket/connmgr/" + role + "/p" + strconv.FormatUint(id, 10))
}

// profile implements org.bluez.Profile1 and forwards NewConnection events.
type profile struct {
	mu       sync.Mutex
	ch       chan acceptResult
	accepted bool // true after first delivery; subsequent connections are rejected/closed
	shut     bool
}

type acceptResult struct {
	fd  int
	dev Device
}

func newProfile() *profile {
	return &profile{ch: make(chan acceptResult, 1)}
}

func closeFD(fd int) {
	_ = os.NewFile(uintptr(fd), "rfcomm").Close()
}

func rejected(reason string) *dbus.Error {
	return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{reason}}
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the socket owner decides when to close.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the incoming RFCOMM socket FD to the waiting goroutine.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	res := acceptResult{
		fd: int(fd),
		dev: Device{
			Path: string(dev),
			MAC:  macFromPath(string(dev)),
		},
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shut {
		closeFD(res.fd)
		return rejected("shutting down")
	}
	if p.accepted {
		closeFD(res.fd)
		return rejected("already accepted")
	}
	select {
	case p.ch <- res:
		p.accepted = true
		return nil
	default:
		closeFD(res.fd)
		return rejected("no receiver")
	}
}

// shutdown rejects further connections and closes a descriptor that was
// delivered but never claimed.
func (p *profile) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shut = true
	select {
	case res := <-p.ch:
		closeFD(res.fd)
	default:
	}
}

// adoptFD wraps a BlueZ-delivered descriptor. The descriptor is closed on error.
func adoptFD(fd int, opts btsock.Options) (*btsock.Socket, error) {
	ep, err := unixsock.FromFD(fd, btsock.EndpointConfig(opts))
	if err != nil {
		closeFD(fd)
		return nil, fmt.Errorf("connmgr: adopt fd: %w", err)
	}
	s, err := btsock.Adopt(ep, opts)
	if err != nil {
		_ = ep.Destroy()
		return nil, fmt.Errorf("connmgr: adopt fd: %w", err)
	}
	return s, nil
}

func (m *mgr) StartServer(ctx context.Context, opts ServerOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	if m.role == roleClient || m.connectUsed {
		return errors.New("connmgr: already used as client")
	}
	if m.serverExported {
		return errors.New("connmgr: server already started")
	}
	if opts.ServiceName == "" {
		return errors.New("connmgr: ServiceName required")
	}
	channel, err := serverChannel(opts)
	if err != nil {
		return fmt.Errorf("connmgr: %w", err)
	}
	if err := m.ensureBusLocked(); err != nil {
		return err
	}

	// Export Profile1 for server role under a unique path per instance.
	prof := newProfile()
	path := nextProfilePath("server")
	if err := m.bus.Export(prof, path, profileInterfaceName); err != nil {
		return fmt.Errorf("connmgr: export server profile: %w", err)
	}
	m.srvProf = prof
	m.serverPath = path
	m.serverExported = true

	pm := m.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.CallWithContext(ctx, profileManagerIface+".RegisterProfile", 0, path, SPPUUID, serverProfileOptions(opts, channel)); call.Err != nil {
		_ = m.bus.Export(nil, path, profileInterfaceName)
		return fmt.Errorf("connmgr: RegisterProfile(server): %w", call.Err)
	}
	// On close, unregister server profile before closing the bus.
	m.cleanup = append(m.cleanup, func() {
		prof.shutdown()
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		// Unexport the object path (best-effort).
		_ = m.bus.Export(nil, path, profileInterfaceName)
	})
	m.serverChannel = channel
	m.serverSecurity = opts.Security
	m.role = roleServer
	log.G(ctx).WithFields(log.Fields{
		"service": opts.ServiceName,
		"channel": channel,
		"path":    string(path),
	}).Info("connmgr: SPP server registered")
	return nil
}

func (m *mgr) Accept(ctx context.Context) (*btsock.Socket, Device, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, Device{}, errClosed
	}
	if m.role != roleServer || !m.serverExported {
		m.mu.Unlock()
		return nil, Device{}, errors.New("connmgr: server not started")
	}
	if m.acceptUsed {
		m.mu.Unlock()
		return nil, Device{}, errors.New("connmgr: Accept already used")
	}
	m.acceptUsed = true
	ch := m.srvProf.ch
	opts := btsock.Options{
		Kind:     btsock.StreamChannel,
		Channel:  m.serverChannel,
		Security: m.serverSecurity,
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, Device{}, fmt.Errorf("connmgr: accept canceled: %w", ctx.Err())
	case res := <-ch:
		opts.Remote = res.dev.Remote()
		s, err := adoptFD(res.fd, opts)
		if err != nil {
			return nil, Device{}, err
		}
		log.G(ctx).WithField("remote", opts.Remote.Address).Info("connmgr: connection accepted")
		return s, res.dev, nil
	}
}

func (m *mgr) ScanSPP(ctx context.Context) ([]Device, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errClosed
	}
	if err := m.ensureBusLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	bus := m.bus
	m.mu.Unlock()

	// Discover adapters.
	adapters, err := listAdapters(bus)
	if err != nil {
		return nil, err
	}
	// Start discovery on all adapters (best-effort); stop when done.
	for _, ap := range adapters {
		if err := bus.Object(bluezService, ap).Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
			log.G(ctx).WithError(err).WithField("adapter", string(ap)).Debug("connmgr: StartDiscovery")
		}
		defer func(p dbus.ObjectPath) { _ = bus.Object(bluezService, p).Call(adapterIface+".StopDiscovery", 0).Err }(ap)
	}

	// Prime from current managed objects.
	devMap, err := snapshotSPPDevices(bus)
	if err != nil {
		return nil, err
	}

	// Subscribe to InterfacesAdded to catch new devices until ctx is done.
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	if err := bus.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return nil, fmt.Errorf("connmgr: AddMatchSignal: %w", err)
	}
	defer func() {
		_ = bus.RemoveMatchSignal(
			dbus.WithMatchInterface(objManagerIface),
			dbus.WithMatchMember("InterfacesAdded"),
		)
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if ifaces == nil {
				continue
			}
			if dev, ok := deviceFromIfaces(path, ifaces); ok {
				devMap[dev.Path] = dev
			}
		}
	}

	out := make([]Device, 0, len(devMap))
	for _, d := range devMap {
		out = append(out, d)
	}
	log.G(ctx).WithField("count", len(out)).Debug("connmgr: scan finished")
	return out, nil
}

func (m *mgr) Connect(ctx context.Context, dev Device, opts ClientOptions) (*btsock.Socket, error) {
	if dev.Path == "" {
		return nil, errors.New("connmgr: device path required")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errClosed
	}
	if m.role == roleServer || m.acceptUsed {
		m.mu.Unlock()
		return nil, errors.New("connmgr: already used as server")
	}
	if m.connectUsed {
		m.mu.Unlock()
		return nil, errors.New("connmgr: Connect already used")
	}
	if err := m.ensureBusLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	// Export Profile1 for client role once.
	if !m.clientExported {
		prof := newProfile()
		path := nextProfilePath("client")
		if err := m.bus.Export(prof, path, profileInterfaceName); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("connmgr: export client profile: %w", err)
		}
		pm := m.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
		if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, SPPUUID, clientProfileOptions(opts)); call.Err != nil {
			_ = m.bus.Export(nil, path, profileInterfaceName)
			m.mu.Unlock()
			return nil, fmt.Errorf("connmgr: RegisterProfile(client): %w", call.Err)
		}
		// Unregister client profile on close.
		m.cleanup = append(m.cleanup, func() {
			prof.shutdown()
			_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
			_ = m.bus.Export(nil, path, profileInterfaceName)
		})
		m.cliProf = prof
		m.clientPath = path
		m.clientExported = true
		m.role = roleClient
	}
	ch := m.cliProf.ch
	m.connectUsed = true
	bus := m.bus
	m.mu.Unlock()

	// Ensure paired; if not, attempt Pair() via Agent.
	devObj := bus.Object(bluezService, dbus.ObjectPath(dev.Path))
	var pairedVar dbus.Variant
	if call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
		if err := call.Store(&pairedVar); err == nil {
			if b, ok := pairedVar.Value().(bool); ok && !b {
				log.G(ctx).WithField("device", dev.Path).Info("connmgr: pairing")
				if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
					return nil, fmt.Errorf("connmgr: Pair: %w", err)
				}
			}
		}
	}
	// Initiate ConnectProfile on the device.
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, SPPUUID); call.Err != nil {
		return nil, fmt.Errorf("connmgr: ConnectProfile: %w", call.Err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
	case res := <-ch:
		_, channel, err := unixsock.Peer(res.fd)
		if err != nil {
			closeFD(res.fd)
			return nil, fmt.Errorf("connmgr: connect: %w", err)
		}
		sockOpts := clientSocketOptions(dev, channel, opts)
		s, err := adoptFD(res.fd, sockOpts)
		if err != nil {
			return nil, err
		}
		log.G(ctx).WithFields(log.Fields{"remote": sockOpts.Remote.Address, "channel": channel}).Info("connmgr: connected")
		return s, nil
	}
}

// Close is safe for concurrent and redundant calls (idempotent).
func (m *mgr) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cleanup := m.cleanup
	// Clear to allow GC of captured resources.
	m.cleanup = nil
	m.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

func listAdapters(bus *dbus.Conn) ([]dbus.ObjectPath, error) {
	objs, err := managedObjects(bus)
	if err != nil {
		return nil, err
	}
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, path)
		}
	}
	return out, nil
}

func snapshotSPPDevices(bus *dbus.Conn) (map[string]Device, error) {
	objs, err := managedObjects(bus)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Device)
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces); ok {
			out[dev.Path] = dev
		}
	}
	return out, nil
}

func managedObjects(bus *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("connmgr: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}
