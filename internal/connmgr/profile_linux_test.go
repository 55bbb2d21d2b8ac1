//go:build linux

package connmgr

import (
	"testing"

	dbus "github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"bluetooth-socket/internal/btsock"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

// peerClosed reports whether the other end of a socketpair has been closed.
func peerClosed(t *testing.T, fd int) bool {
	t.Helper()
	buf := make([]byte, 1)
	n, err := unix.Read(fd, buf)
	require.NoError(t, err)
	return n == 0
}

func TestProfileDeliversFirstConnectionOnly(t *testing.T) {
	p := newProfile()
	const dev = dbus.ObjectPath("/org/bluez/hci0/dev_11_22_33_44_55_66")

	a, aPeer := socketpair(t)
	defer unix.Close(aPeer)
	require.Nil(t, p.NewConnection(dev, dbus.UnixFD(a), nil))

	b, bPeer := socketpair(t)
	defer unix.Close(bPeer)
	derr := p.NewConnection(dev, dbus.UnixFD(b), nil)
	require.NotNil(t, derr)
	assert.Equal(t, "org.bluez.Error.Rejected", derr.Name)
	assert.True(t, peerClosed(t, bPeer))

	res := <-p.ch
	assert.Equal(t, a, res.fd)
	assert.Equal(t, "11:22:33:44:55:66", res.dev.MAC)
	assert.Equal(t, string(dev), res.dev.Path)
	require.NoError(t, unix.Close(res.fd))
}

func TestProfileShutdownClosesUnclaimed(t *testing.T) {
	p := newProfile()
	a, aPeer := socketpair(t)
	defer unix.Close(aPeer)
	require.Nil(t, p.NewConnection("/org/bluez/hci0/dev_11_22_33_44_55_66", dbus.UnixFD(a), nil))

	p.shutdown()
	assert.True(t, peerClosed(t, aPeer))

	b, bPeer := socketpair(t)
	defer unix.Close(bPeer)
	derr := p.NewConnection("/org/bluez/hci0/dev_11_22_33_44_55_66", dbus.UnixFD(b), nil)
	require.NotNil(t, derr)
	assert.True(t, peerClosed(t, bPeer))
}

func TestAdoptFD(t *testing.T) {
	a, aPeer := socketpair(t)
	defer unix.Close(aPeer)

	s, err := adoptFD(a, btsock.Options{
		Kind:    btsock.StreamChannel,
		Channel: DefaultRFCOMMChannel,
		Remote:  btsock.Device{Address: "11:22:33:44:55:66"},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultRFCOMMChannel, s.Channel())
	assert.Equal(t, "11:22:33:44:55:66", s.RemoteDevice().Address)

	n, err := s.Write([]byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	buf := make([]byte, 2)
	_, err = unix.Read(aPeer, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))

	require.NoError(t, s.Close())
	assert.True(t, peerClosed(t, aPeer))
}

func TestAdoptFDInvalidChannelClosesDescriptor(t *testing.T) {
	a, aPeer := socketpair(t)
	defer unix.Close(aPeer)

	_, err := adoptFD(a, btsock.Options{Kind: btsock.StreamChannel, Channel: 0})
	assert.ErrorIs(t, err, btsock.ErrInvalidChannel)
	assert.True(t, peerClosed(t, aPeer))
}
