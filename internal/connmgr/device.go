package connmgr

import (
	"strings"

	dbus "github.com/godbus/dbus/v5"

	"bluetooth-socket/internal/btsock"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

// serverProfileOptions builds the RegisterProfile options for the server role.
func serverProfileOptions(opts ServerOptions, channel int) map[string]dbus.Variant {
	m := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(opts.ServiceName),
		"Role": dbus.MakeVariant("server"),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel": dbus.MakeVariant(uint16(channel)),
	}
	requireAuthentication(m, opts.Security)
	return m
}

// clientProfileOptions builds the RegisterProfile options for the client role.
func clientProfileOptions(opts ClientOptions) map[string]dbus.Variant {
	m := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	requireAuthentication(m, opts.Security)
	return m
}

func requireAuthentication(m map[string]dbus.Variant, sec btsock.Security) {
	if sec.RequireAuth || sec.RequireEncrypt {
		// BlueZ has no separate encryption switch; an authenticated link is encrypted.
		m["RequireAuthentication"] = dbus.MakeVariant(true)
	}
}

// clientSocketOptions describes the socket BlueZ hands over after ConnectProfile.
func clientSocketOptions(dev Device, channel int, opts ClientOptions) btsock.Options {
	return btsock.Options{
		Kind:     btsock.StreamChannel,
		Channel:  channel,
		Remote:   dev.Remote(),
		Security: opts.Security,
	}
}

func serverChannel(opts ServerOptions) (int, error) {
	ch := opts.Channel
	if ch == 0 {
		ch = DefaultRFCOMMChannel
	}
	if err := btsock.ValidateChannel(btsock.StreamChannel, ch); err != nil {
		return 0, err
	}
	return ch, nil
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	vUUIDs, ok := props["UUIDs"]
	if !ok {
		return Device{}, false
	}
	uu, _ := vUUIDs.Value().([]string)
	if !containsUUID(uu, SPPUUID) {
		return Device{}, false
	}
	var mac, name, alias string
	if v, ok := props["Address"]; ok {
		mac, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		alias, _ = v.Value().(string)
	}
	if mac == "" {
		mac = macFromPath(string(path))
	}
	return Device{
		Path:  string(path),
		MAC:   mac,
		Name:  name,
		Alias: alias,
	}, true
}

func containsUUID(list []string, target string) bool {
	for _, s := range list {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}

// macFromPath extracts the address from .../dev_XX_XX_XX_XX_XX_XX.
func macFromPath(p string) string {
	idx := strings.LastIndex(p, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(p[idx+5:], "_", ":")
}
