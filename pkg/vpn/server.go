package vpn

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/songgao/water"

	"github.com/burrowvpn/burrow/pkg/config"
	"github.com/burrowvpn/burrow/pkg/log"
)

const (
	// Queue of packets bound for the local device; all session readers feed
	// it, one writer drains it.
	tunOutboundQueue = 400

	drainTimeout = 5 * time.Second
)

// CredentialVerifier authenticates a connecting peer. The core never sees
// the hashing scheme behind it.
type CredentialVerifier interface {
	Verify(username, secret string) error
}

// Server terminates the QUIC transport, authenticates peers, assigns each
// an address from the pool and pumps packets between their connections and
// the local TUN device.
type Server struct {
	listen      string
	certFile    string
	keyFile     string
	mtu         int
	authTimeout time.Duration
	idleTimeout time.Duration
	spoofLimit  int

	verifier CredentialVerifier
	dev      Device
	pool     *AddressPool
	table    *SessionTable

	tunOut chan *RawIPPacket
	fatal  chan error
	drops  dropLog
	wg     sync.WaitGroup
}

// NewServer creates the TUN device, assigns it the subnet gateway address
// and prepares the server. Requires CAP_NET_ADMIN.
func NewServer(cfg *config.ServerConfig, verifier CredentialVerifier) (*Server, error) {
	pool, err := NewAddressPool(cfg.Prefix(), cfg.Reserved)
	if err != nil {
		return nil, err
	}

	devConfig := water.Config{DeviceType: water.TUN}
	devConfig.Name = cfg.TunName
	dev, err := water.New(devConfig)
	if err != nil {
		return nil, fmt.Errorf("create device %s: %w", cfg.TunName, err)
	}
	log.LOG.Infof("created device %s", dev.Name())

	gateway := netip.PrefixFrom(pool.Gateway(), cfg.Prefix().Bits())
	if err := SetDevAddr(dev.Name(), gateway); err != nil {
		dev.Close()
		return nil, fmt.Errorf("assign %s to %s: %w", gateway, dev.Name(), err)
	}
	if err := SetDevMTU(dev.Name(), cfg.MTU); err != nil {
		dev.Close()
		return nil, err
	}
	if err := SetDevUp(dev.Name()); err != nil {
		dev.Close()
		return nil, err
	}

	return newServerWithDevice(cfg, verifier, dev, pool), nil
}

// newServerWithDevice wires a server around an already configured device.
// Split out so tests can inject a fake device.
func newServerWithDevice(cfg *config.ServerConfig, verifier CredentialVerifier, dev Device, pool *AddressPool) *Server {
	return &Server{
		listen:      cfg.Listen,
		certFile:    cfg.CertFile,
		keyFile:     cfg.KeyFile,
		mtu:         cfg.MTU,
		authTimeout: cfg.AuthTimeout.Std(),
		idleTimeout: cfg.IdleTimeout.Std(),
		spoofLimit:  cfg.SpoofThreshold,
		verifier:    verifier,
		dev:         dev,
		pool:        pool,
		table:       &SessionTable{},
		tunOut:      make(chan *RawIPPacket, tunOutboundQueue),
		fatal:       make(chan error, 1),
	}
}

// Run serves until ctx is cancelled or the device fails. On return all
// sessions are closed and every address is back in the pool.
func (s *Server) Run(ctx context.Context) error {
	tlsConf, err := serverTLSConfig(s.certFile, s.keyFile)
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(s.listen, tlsConf, &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  s.idleTimeout,
	})
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.listen, err)
	}
	log.LOG.Infof("listening on %s, subnet %s (%d addresses)", s.listen, s.pool.Prefix(), s.pool.Capacity())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.wg.Add(2)
	go s.tunReadLoop(ctx)
	go s.tunWriteLoop(ctx)

	go func() {
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.LOG.Errorf("accept: %v", err)
				}
				return
			}
			s.wg.Add(1)
			go s.handleConn(ctx, conn)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.LOG.Infof("shutting down")
	case runErr = <-s.fatal:
		log.LOG.Errorf("device failure, shutting down: %v", runErr)
	}

	cancel()
	ln.Close()
	s.table.Range(func(sess *Session) bool {
		sess.Close(closeCodeShutdown, "server shutdown")
		return true
	})
	s.dev.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.LOG.Warnf("shutdown drain timed out")
	}
	return runErr
}

// handleConn owns one connection from acceptance to Closed.
func (s *Server) handleConn(ctx context.Context, conn quic.Connection) {
	defer s.wg.Done()

	sess := newSession(conn, s.spoofLimit)
	if err := sess.beginAuth(); err != nil {
		conn.CloseWithError(closeCodeInternal, "")
		return
	}

	actx, cancel := context.WithTimeout(ctx, s.authTimeout)
	stream, err := conn.AcceptStream(actx)
	cancel()
	if err != nil {
		log.LOG.Debugf("peer %s opened no control stream in time: %v", conn.RemoteAddr(), err)
		conn.CloseWithError(closeCodeAuthFailed, "authentication timeout")
		return
	}
	stream.SetDeadline(time.Now().Add(s.authTimeout))

	username, addr, err := s.authenticatePeer(stream)
	if err != nil {
		sess.failAuth()
		code := closeCodeProtocol
		switch {
		case errors.Is(err, ErrAuthRejected):
			code = closeCodeAuthFailed
		case errors.Is(err, ErrPoolExhausted):
			code = closeCodeCapacity
		}
		log.LOG.Infof("handshake with %s failed: %v", conn.RemoteAddr(), err)
		conn.CloseWithError(code, "")
		return
	}
	stream.Close()

	// Deregistration and release happen as one step, exactly once.
	sess.onClose = func(a netip.Addr) {
		s.table.Remove(a)
		s.pool.Release(a)
	}
	if err := s.table.Insert(addr, sess); err != nil {
		log.LOG.Errorf("invariant violation: %s already in session table, dropping connection from %s", addr, conn.RemoteAddr())
		s.pool.Release(addr)
		conn.CloseWithError(closeCodeInternal, "")
		return
	}
	if err := sess.activate(username, addr); err != nil {
		log.LOG.Errorf("invariant violation: %v", err)
		s.table.Remove(addr)
		s.pool.Release(addr)
		conn.CloseWithError(closeCodeInternal, "")
		return
	}
	log.LOG.Infof("peer %s authenticated as %q, assigned %s", conn.RemoteAddr(), username, addr)

	s.wg.Add(2)
	go s.sessionReadLoop(ctx, sess)
	go s.sessionWriteLoop(sess)

	select {
	case <-ctx.Done():
		sess.Close(closeCodeShutdown, "server shutdown")
	case <-conn.Context().Done():
		// Transport gone: reset, idle timeout or peer close.
		sess.Close(closeCodeOK, "")
	case <-sess.Done():
	}
	log.LOG.Infof("session %q (%s) closed", username, addr)
}

// sessionReadLoop moves packets from one peer to the device queue,
// enforcing the anti-spoof check.
func (s *Server) sessionReadLoop(ctx context.Context, sess *Session) {
	defer s.wg.Done()
	for {
		data, err := sess.conn.ReceiveDatagram(ctx)
		if err != nil {
			sess.Close(closeCodeOK, "")
			return
		}
		pkt, err := ParsePacket(data)
		if err != nil {
			s.drops.logf("malformed", "malformed packet from %q: %v", sess.Username(), err)
			continue
		}
		if pkt.Src != sess.Addr() {
			s.drops.logf("spoof", "dropping packet from %q: source %s, assigned %s", sess.Username(), pkt.Src, sess.Addr())
			if sess.noteSpoof() {
				log.LOG.Warnf("closing session %q after %d source address violations", sess.Username(), s.spoofLimit)
				sess.Close(closeCodeProtocol, "source address violations")
				return
			}
			continue
		}
		select {
		case s.tunOut <- pkt:
		default:
			s.drops.logf("tun-queue", "device queue full, dropping packet from %q", sess.Username())
		}
	}
}

// sessionWriteLoop drains one session's outbound queue into its connection.
func (s *Server) sessionWriteLoop(sess *Session) {
	defer s.wg.Done()
	for {
		select {
		case <-sess.Done():
			return
		case pkt := <-sess.outbound:
			if err := sess.conn.SendDatagram(pkt.Raw); err != nil {
				if sess.conn.Context().Err() != nil {
					sess.Close(closeCodeOK, "")
					return
				}
				s.drops.logf("send", "send to %q failed: %v", sess.Username(), err)
			}
		}
	}
}

// tunReadLoop is the single reader of the device; it routes each packet to
// the session owning the destination address.
func (s *Server) tunReadLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		buf := make([]byte, tunPacketBuffSize)
		n, err := s.dev.Read(buf)
		if err != nil {
			if ctx.Err() == nil {
				s.reportFatal(fmt.Errorf("device read: %w", err))
			}
			return
		}
		if n == 0 {
			continue
		}
		if n > s.mtu {
			s.drops.logf("oversize", "dropping %d byte packet exceeding mtu %d", n, s.mtu)
			continue
		}
		pkt, err := ParsePacket(buf[:n])
		if err != nil {
			s.drops.logf("device-garbage", "unroutable device packet: %v", err)
			continue
		}
		s.route(pkt)
	}
}

// route delivers an outbound packet to the owner of its destination
// address, or drops it.
func (s *Server) route(pkt *RawIPPacket) {
	if pkt.Dst.IsMulticast() {
		return
	}
	sess := s.table.Lookup(pkt.Dst)
	if sess == nil {
		s.drops.logf("no-route", "no session owns %s, dropping", pkt.Dst)
		return
	}
	if sess.State() != StateActive {
		s.drops.logf("not-active", "session for %s is %s, dropping", pkt.Dst, sess.State())
		return
	}
	if !sess.queueOutbound(pkt) {
		s.drops.logf("queue-full", "outbound queue for %s full, dropping", pkt.Dst)
	}
}

// tunWriteLoop is the single writer of the device.
func (s *Server) tunWriteLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-s.tunOut:
			if _, err := s.dev.Write(pkt.Raw); err != nil {
				if ctx.Err() == nil {
					s.reportFatal(fmt.Errorf("device write: %w", err))
				}
				return
			}
		}
	}
}

func (s *Server) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// dropLog rate-limits packet drop logging to one line per second per
// reason, so a flood cannot turn into a logging storm.
type dropLog struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func (d *dropLog) logf(reason, format string, args ...any) {
	d.mu.Lock()
	now := time.Now()
	if d.last == nil {
		d.last = make(map[string]time.Time)
	}
	if now.Sub(d.last[reason]) < time.Second {
		d.mu.Unlock()
		return
	}
	d.last[reason] = now
	d.mu.Unlock()
	log.LOG.Debugf(format, args...)
}
