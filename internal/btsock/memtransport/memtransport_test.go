package memtransport_test

import (
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-socket/internal/btsock"
	"bluetooth-socket/internal/btsock/memtransport"
)

const (
	aliceAddr = "00:00:00:00:00:A1"
	bobAddr   = "00:00:00:00:00:B0"
)

type pair struct {
	net          *memtransport.Network
	alice, bob   *memtransport.Adapter
	client, peer *btsock.Socket
}

func rfcomm(ch int, remote btsock.Device) btsock.Options {
	return btsock.Options{Kind: btsock.StreamChannel, Channel: ch, Remote: remote}
}

// connectPair makes alice connect to bob's listener on channel 4.
func connectPair(t *testing.T, opts ...memtransport.Option) *pair {
	t.Helper()
	p := &pair{net: memtransport.New(opts...)}
	p.alice = p.net.Adapter(aliceAddr, "alice")
	p.bob = p.net.Adapter(bobAddr, "bob")

	l, err := btsock.Listen(p.bob, rfcomm(4, btsock.Device{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	p.client, err = btsock.New(p.alice, rfcomm(4, p.bob.Device()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.client.Close() })
	require.NoError(t, p.client.Connect())

	p.peer, err = l.Accept(time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.peer.Close() })
	return p
}

func TestConnectAcceptAndExchange(t *testing.T) {
	p := connectPair(t)
	assert.Equal(t, p.alice.Device(), p.peer.RemoteDevice())
	assert.Equal(t, 4, p.peer.Channel())

	_, err := p.client.OutputStream().Write([]byte("ping"))
	require.NoError(t, err)
	n, err := p.peer.Available()
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 16)
	n, err = p.peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	_, err = p.peer.Write([]byte("pong"))
	require.NoError(t, err)
	n, err = p.client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}

func TestConnectRefusedWithoutListener(t *testing.T) {
	net := memtransport.New()
	a := net.Adapter(aliceAddr, "alice")
	s, err := btsock.New(a, rfcomm(9, btsock.Device{Address: bobAddr}))
	require.NoError(t, err)
	defer s.Close()

	err = s.Connect()
	var te *btsock.TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, memtransport.ErrConnectionRefused)
}

func TestBindListenAddressInUse(t *testing.T) {
	net := memtransport.New()
	bob := net.Adapter(bobAddr, "bob")

	first, err := btsock.Listen(bob, rfcomm(6, btsock.Device{}))
	require.NoError(t, err)

	_, err = btsock.Listen(bob, rfcomm(6, btsock.Device{}))
	assert.ErrorIs(t, err, btsock.ErrAddressInUse)
	assert.Equal(t, btsock.CodeAddrInUse, btsock.Code(err))

	// Different kind on the same number does not collide.
	other, err := btsock.Listen(bob, btsock.Options{Kind: btsock.DatagramChannel, Channel: 6})
	require.NoError(t, err)
	require.NoError(t, other.Close())

	require.NoError(t, first.Close())
	again, err := btsock.Listen(bob, rfcomm(6, btsock.Device{}))
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestAcceptTimeoutFollowsClock(t *testing.T) {
	mock := clock.NewMock()
	net := memtransport.New(memtransport.WithClock(mock))
	l, err := btsock.Listen(net.Adapter(bobAddr, "bob"), rfcomm(2, btsock.Device{}))
	require.NoError(t, err)
	defer l.Close()

	done := make(chan error, 1)
	go func() {
		_, err := l.Accept(5 * time.Second)
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("accept returned before the clock moved: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	for {
		select {
		case err := <-done:
			assert.ErrorIs(t, err, btsock.ErrTimeout)
			return
		case <-time.After(time.Millisecond):
			mock.Add(time.Second)
		}
	}
}

func TestCloseBeatsAcceptTimeout(t *testing.T) {
	net := memtransport.New(memtransport.WithClock(clock.NewMock()))
	l, err := btsock.Listen(net.Adapter(bobAddr, "bob"), rfcomm(2, btsock.Device{}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := l.Accept(time.Hour)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, btsock.ErrSocketClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("accept not aborted")
	}
}

func TestCloseAbortsSlowConnect(t *testing.T) {
	net := memtransport.New(
		memtransport.WithClock(clock.NewMock()),
		memtransport.WithConnectLatency(time.Minute),
	)
	s, err := btsock.New(net.Adapter(aliceAddr, "alice"), rfcomm(1, btsock.Device{Address: bobAddr}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Connect() }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, <-done, btsock.ErrSocketClosed)
}

func TestPeerCloseEndsStream(t *testing.T) {
	p := connectPair(t)
	_, err := p.peer.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, p.peer.Close())

	got, err := io.ReadAll(p.client.InputStream())
	require.NoError(t, err)
	assert.Equal(t, "bye", string(got))

	_, err = p.client.Write([]byte("anyone?"))
	assert.ErrorIs(t, err, memtransport.ErrBrokenPipe)
}

func TestCloseUnblocksFullWrite(t *testing.T) {
	p := connectPair(t, memtransport.WithBufferSize(4))

	n, err := p.client.Write([]byte("12345678"))
	require.NoError(t, err)
	assert.Equal(t, 4, n, "short write up to the buffer size")

	done := make(chan error, 1)
	go func() {
		_, err := p.client.OutputStream().Write([]byte("more"))
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("write into a full pipe returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	require.NoError(t, p.client.Close())
	assert.ErrorIs(t, <-done, btsock.ErrSocketClosed)
}

func TestDuplexUnderConcurrentReaders(t *testing.T) {
	p := connectPair(t)
	const msg = "full duplex"

	recv := make(chan string, 2)
	for _, s := range []*btsock.Socket{p.client, p.peer} {
		s := s
		go func() {
			buf := make([]byte, len(msg))
			_, err := io.ReadFull(s.InputStream(), buf)
			if err != nil {
				recv <- err.Error()
				return
			}
			recv <- string(buf)
		}()
	}
	_, err := p.client.OutputStream().Write([]byte(msg))
	require.NoError(t, err)
	_, err = p.peer.OutputStream().Write([]byte(msg))
	require.NoError(t, err)
	assert.Equal(t, msg, <-recv)
	assert.Equal(t, msg, <-recv)
}
