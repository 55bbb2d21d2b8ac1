package btsock

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// panicEndpoint panics inside Read and Write.
type panicEndpoint struct{}

func (panicEndpoint) Connect() error { return nil }
func (panicEndpoint) BindListen() error { return nil }
func (panicEndpoint) Accept(time.Duration) (Endpoint, Device, error) {
	return nil, Device{}, ErrTimeout
}
func (panicEndpoint) Available() (int, error) { return 0, nil }
func (panicEndpoint) Read([]byte) (int, error) { panic("read failed") }
func (panicEndpoint) Write([]byte) (int, error) { panic("write failed") }
func (panicEndpoint) Abort() {}
func (panicEndpoint) Destroy() error { return nil }

func TestInFlightGaugeSurvivesEndpointPanic(t *testing.T) {
	s, err := Adopt(panicEndpoint{}, Options{Kind: StreamChannel, Channel: 3})
	require.NoError(t, err)

	readBefore := testutil.ToFloat64(opsInFlight.WithLabelValues(opRead))
	writeBefore := testutil.ToFloat64(opsInFlight.WithLabelValues(opWrite))

	assert.Panics(t, func() { _, _ = s.Read(make([]byte, 1)) })
	assert.Panics(t, func() { _, _ = s.Write([]byte("x")) })

	assert.Equal(t, readBefore, testutil.ToFloat64(opsInFlight.WithLabelValues(opRead)))
	assert.Equal(t, writeBefore, testutil.ToFloat64(opsInFlight.WithLabelValues(opWrite)))

	// The read lock was released too, so Close does not deadlock.
	require.NoError(t, s.Close())
}
