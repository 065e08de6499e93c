package vpn

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// activeSession allocates an address and wires a fully active session into
// the server, the way handleConn does after a successful handshake.
func activeSession(t *testing.T, srv *Server, username string) (*Session, *fakeConn, netip.Addr) {
	t.Helper()
	addr, err := srv.pool.Allocate()
	require.NoError(t, err)

	conn := newFakeConn()
	sess := newSession(conn, srv.spoofLimit)
	require.NoError(t, sess.beginAuth())
	sess.onClose = func(a netip.Addr) {
		srv.table.Remove(a)
		srv.pool.Release(a)
	}
	require.NoError(t, srv.table.Insert(addr, sess))
	require.NoError(t, sess.activate(username, addr))
	return sess, conn, addr
}

func recvPacket(t *testing.T, ch chan *RawIPPacket) *RawIPPacket {
	t.Helper()
	select {
	case pkt := <-ch:
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
		return nil
	}
}

func waitClosed(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never closed")
	}
}

func TestRouteDeliversToOwningSessionOnly(t *testing.T) {
	srv := testServer(t, allowOnly("x", "x"), "10.8.0.0/24")
	sessA, _, addrA := activeSession(t, srv, "alice")
	sessB, _, _ := activeSession(t, srv, "bob")

	ext := mustAddr("192.0.2.1")
	pkt, err := ParsePacket(v4Packet(ext, addrA, 16))
	require.NoError(t, err)
	srv.route(pkt)

	got := recvPacket(t, sessA.outbound)
	assert.Equal(t, addrA, got.Dst)
	assert.Empty(t, sessB.outbound, "packet must never reach another session")
}

func TestRouteDropsUnownedDestination(t *testing.T) {
	srv := testServer(t, allowOnly("x", "x"), "10.8.0.0/24")
	sessA, _, _ := activeSession(t, srv, "alice")

	pkt, err := ParsePacket(v4Packet(mustAddr("192.0.2.1"), mustAddr("10.8.0.9"), 16))
	require.NoError(t, err)
	srv.route(pkt)

	assert.Empty(t, sessA.outbound)
}

func TestRouteDropsMulticast(t *testing.T) {
	srv := testServer(t, allowOnly("x", "x"), "10.8.0.0/24")
	sessA, _, _ := activeSession(t, srv, "alice")

	pkt, err := ParsePacket(v4Packet(mustAddr("192.0.2.1"), mustAddr("224.0.0.1"), 16))
	require.NoError(t, err)
	srv.route(pkt)

	assert.Empty(t, sessA.outbound)
}

func TestAntiSpoofDropsMismatchedSource(t *testing.T) {
	srv := testServer(t, allowOnly("x", "x"), "10.8.0.0/24")
	sess, conn, addr := activeSession(t, srv, "alice")

	srv.wg.Add(1)
	go srv.sessionReadLoop(context.Background(), sess)

	ext := mustAddr("192.0.2.1")
	conn.recv <- v4Packet(mustAddr("10.8.0.66"), ext, 16) // spoofed source
	conn.recv <- v4Packet(addr, ext, 16)                  // legitimate

	pkt := recvPacket(t, srv.tunOut)
	assert.Equal(t, addr, pkt.Src, "spoofed packet must never reach the device")
	assert.Empty(t, srv.tunOut)

	sess.Close(closeCodeOK, "")
}

func TestAntiSpoofClosesSessionPastThreshold(t *testing.T) {
	srv := testServer(t, allowOnly("x", "x"), "10.8.0.0/24")
	require.Equal(t, 3, srv.spoofLimit)
	sess, conn, addr := activeSession(t, srv, "alice")

	srv.wg.Add(1)
	go srv.sessionReadLoop(context.Background(), sess)

	spoofed := v4Packet(mustAddr("10.8.0.66"), mustAddr("192.0.2.1"), 16)
	for i := 0; i < 3; i++ {
		conn.recv <- spoofed
	}
	waitClosed(t, sess)

	assert.Nil(t, srv.table.Lookup(addr))
	assert.Equal(t, srv.pool.Capacity(), srv.pool.Free(), "closing must release the address")
}

func TestTransportLossReleasesAddress(t *testing.T) {
	srv := testServer(t, allowOnly("x", "x"), "10.8.0.0/24")
	sess, conn, addr := activeSession(t, srv, "alice")

	srv.wg.Add(1)
	go srv.sessionReadLoop(context.Background(), sess)

	// Transport reports closure (reset or idle timeout).
	conn.cancel()
	waitClosed(t, sess)

	assert.Nil(t, srv.table.Lookup(addr))
	assert.Equal(t, srv.pool.Capacity(), srv.pool.Free())

	// The address is allocatable again for the next peer.
	again, err := srv.pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, addr, again)
}

func TestSessionWriteLoopDrainsQueue(t *testing.T) {
	srv := testServer(t, allowOnly("x", "x"), "10.8.0.0/24")
	sess, conn, addr := activeSession(t, srv, "alice")

	srv.wg.Add(1)
	go srv.sessionWriteLoop(sess)

	raw := v4Packet(mustAddr("192.0.2.1"), addr, 16)
	pkt, err := ParsePacket(raw)
	require.NoError(t, err)
	require.True(t, sess.queueOutbound(pkt))

	select {
	case sent := <-conn.sent:
		assert.Equal(t, raw, sent)
	case <-time.After(2 * time.Second):
		t.Fatal("packet never sent to peer")
	}
	sess.Close(closeCodeOK, "")
}

func TestTunReadLoopRoutesAndDropsOversize(t *testing.T) {
	srv := testServer(t, allowOnly("x", "x"), "10.8.0.0/24")
	dev := srv.dev.(*fakeDevice)
	sess, _, addr := activeSession(t, srv, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.wg.Add(1)
	go srv.tunReadLoop(ctx)

	dev.in <- v4Packet(mustAddr("192.0.2.1"), addr, srv.mtu) // oversize: header + mtu
	dev.in <- v4Packet(mustAddr("192.0.2.1"), addr, 16)

	pkt := recvPacket(t, sess.outbound)
	assert.Len(t, pkt.Raw, ipv4HeaderLen+16, "oversize packet must be dropped, not delivered")
	assert.Empty(t, sess.outbound)
}

func TestTunWriteLoopWritesToDevice(t *testing.T) {
	srv := testServer(t, allowOnly("x", "x"), "10.8.0.0/24")
	dev := srv.dev.(*fakeDevice)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.wg.Add(1)
	go srv.tunWriteLoop(ctx)

	raw := v4Packet(mustAddr("10.8.0.3"), mustAddr("192.0.2.1"), 16)
	pkt, err := ParsePacket(raw)
	require.NoError(t, err)
	srv.tunOut <- pkt

	select {
	case written := <-dev.out:
		assert.Equal(t, raw, written)
	case <-time.After(2 * time.Second):
		t.Fatal("packet never written to device")
	}
}

func TestDeviceFailureIsFatal(t *testing.T) {
	srv := testServer(t, allowOnly("x", "x"), "10.8.0.0/24")
	dev := srv.dev.(*fakeDevice)

	srv.wg.Add(1)
	go srv.tunReadLoop(context.Background())

	dev.Close()
	select {
	case err := <-srv.fatal:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("device failure never reported")
	}
}

func TestTableConflictDropsNewSession(t *testing.T) {
	srv := testServer(t, allowOnly("x", "x"), "10.8.0.0/24")
	_, _, addr := activeSession(t, srv, "alice")

	dup := newSession(newFakeConn(), srv.spoofLimit)
	err := srv.table.Insert(addr, dup)
	assert.ErrorIs(t, err, ErrTableConflict)
	assert.Equal(t, "alice", srv.table.Lookup(addr).Username(), "existing session must be untouched")
}
