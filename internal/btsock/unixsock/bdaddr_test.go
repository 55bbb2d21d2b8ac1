package unixsock

import (
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("00:1a:7D:da:71:13")
	require.NoError(t, err)
	assert.Equal(t, [6]uint8{0x13, 0x71, 0xda, 0x7d, 0x1a, 0x00}, addr)
	assert.Equal(t, "00:1A:7D:DA:71:13", FormatAddress(addr))

	for _, bad := range []string{"", "00:11:22:33:44", "00:11:22:33:44:55:66", "0:11:22:33:44:55", "zz:11:22:33:44:55"} {
		_, err := ParseAddress(bad)
		assert.True(t, errdefs.IsInvalidArgument(err), bad)
	}
}
