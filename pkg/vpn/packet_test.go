package vpn

import (
	"testing"

	"github.com/songgao/water/waterutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePacketIPv4(t *testing.T) {
	src := mustAddr("10.8.0.5")
	dst := mustAddr("192.0.2.1")
	pkt, err := ParsePacket(v4Packet(src, dst, 32))
	require.NoError(t, err)

	assert.Equal(t, src, pkt.Src)
	assert.Equal(t, dst, pkt.Dst)
	assert.Equal(t, waterutil.IPProtocol(waterutil.UDP), pkt.Protocol)
}

func TestParsePacketIPv6(t *testing.T) {
	raw := make([]byte, ipv6HeaderLen+8)
	raw[0] = 0x60
	raw[6] = 17 // next header: udp
	copy(raw[8:24], mustAddr("fd00:8::5").AsSlice())
	copy(raw[24:40], mustAddr("2001:db8::1").AsSlice())

	pkt, err := ParsePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, mustAddr("fd00:8::5"), pkt.Src)
	assert.Equal(t, mustAddr("2001:db8::1"), pkt.Dst)
}

func TestParsePacketRejectsGarbage(t *testing.T) {
	_, err := ParsePacket(nil)
	assert.ErrorIs(t, err, errShortPacket)

	_, err = ParsePacket([]byte{0x45, 0x00, 0x00}) // truncated v4 header
	assert.ErrorIs(t, err, errShortPacket)

	short6 := make([]byte, ipv6HeaderLen-1)
	short6[0] = 0x60
	_, err = ParsePacket(short6)
	assert.ErrorIs(t, err, errShortPacket)

	_, err = ParsePacket([]byte{0x00, 0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, errBadVersion)
}
