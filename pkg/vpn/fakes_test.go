package vpn

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"sync"

	"github.com/quic-go/quic-go"
)

var errConnClosed = errors.New("connection closed")

// fakeConn implements datagramConn in memory.
type fakeConn struct {
	sent chan []byte // datagrams the server sent to the peer
	recv chan []byte // datagrams the peer sent to the server

	ctx    context.Context
	cancel context.CancelFunc
}

func newFakeConn() *fakeConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeConn{
		sent:   make(chan []byte, 64),
		recv:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *fakeConn) SendDatagram(b []byte) error {
	if c.ctx.Err() != nil {
		return errConnClosed
	}
	select {
	case c.sent <- b:
	default:
	}
	return nil
}

func (c *fakeConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.recv:
		return b, nil
	case <-c.ctx.Done():
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) CloseWithError(quic.ApplicationErrorCode, string) error {
	c.cancel()
	return nil
}

func (c *fakeConn) Context() context.Context { return c.ctx }

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4242}
}

// fakeDevice implements Device in memory.
type fakeDevice struct {
	in  chan []byte // packets the OS hands to the reader
	out chan []byte // packets written towards the OS

	once   sync.Once
	closed chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	select {
	case pkt := <-d.in:
		return copy(p, pkt), nil
	case <-d.closed:
		return 0, errors.New("device closed")
	}
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, errors.New("device closed")
	default:
	}
	d.out <- append([]byte(nil), p...)
	return len(p), nil
}

func (d *fakeDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDevice) Name() string { return "tun-test" }

// verifierFunc adapts a function to CredentialVerifier.
type verifierFunc func(username, secret string) error

func (f verifierFunc) Verify(username, secret string) error { return f(username, secret) }

// v4Packet builds a minimal IPv4/UDP datagram.
func v4Packet(src, dst netip.Addr, payload int) []byte {
	pkt := make([]byte, ipv4HeaderLen+payload)
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:], uint16(len(pkt)))
	pkt[8] = 64 // ttl
	pkt[9] = 17 // udp
	copy(pkt[12:16], src.AsSlice())
	copy(pkt[16:20], dst.AsSlice())
	return pkt
}

func mustPrefix(s string) netip.Prefix { return netip.MustParsePrefix(s) }

func mustAddr(s string) netip.Addr { return netip.MustParseAddr(s) }
