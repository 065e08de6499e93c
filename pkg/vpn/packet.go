package vpn

import (
	"errors"
	"io"
	"net/netip"

	"github.com/songgao/water/waterutil"
)

const (
	ipv4HeaderLen = 20
	ipv6HeaderLen = 40

	tunPacketBuffSize = 65535
)

var (
	errShortPacket = errors.New("truncated IP packet")
	errBadVersion  = errors.New("not an IPv4/IPv6 packet")
)

// Device is the virtual network device the pumps talk to. *water.Interface
// satisfies it; tests substitute an in-memory fake.
type Device interface {
	io.ReadWriteCloser
	Name() string
}

// RawIPPacket is one IP datagram with the addresses already parsed, so
// routing and anti-spoof checks never re-parse the header.
type RawIPPacket struct {
	Raw      []byte
	Src      netip.Addr
	Dst      netip.Addr
	Protocol waterutil.IPProtocol
}

// ParsePacket extracts source, destination and protocol from a raw IP
// datagram. The packet bytes are not copied.
func ParsePacket(raw []byte) (*RawIPPacket, error) {
	if len(raw) == 0 {
		return nil, errShortPacket
	}
	switch raw[0] >> 4 {
	case 4:
		if len(raw) < ipv4HeaderLen {
			return nil, errShortPacket
		}
		src, _ := netip.AddrFromSlice(waterutil.IPv4Source(raw))
		dst, _ := netip.AddrFromSlice(waterutil.IPv4Destination(raw))
		return &RawIPPacket{
			Raw:      raw,
			Src:      src,
			Dst:      dst,
			Protocol: waterutil.IPv4Protocol(raw),
		}, nil
	case 6:
		if len(raw) < ipv6HeaderLen {
			return nil, errShortPacket
		}
		src, _ := netip.AddrFromSlice(raw[8:24])
		dst, _ := netip.AddrFromSlice(raw[24:40])
		return &RawIPPacket{
			Raw:      raw,
			Src:      src,
			Dst:      dst,
			Protocol: waterutil.IPProtocol(raw[6]),
		}, nil
	default:
		return nil, errBadVersion
	}
}
