package vpn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/quic-go/quic-go"
)

// Size of a session's outbound packet queue. When the peer cannot drain it
// fast enough further packets are dropped, never queued unboundedly.
const sessionOutboundQueue = 200

// Application close codes carried on the QUIC CONNECTION_CLOSE.
const (
	closeCodeOK quic.ApplicationErrorCode = iota
	closeCodeAuthFailed
	closeCodeCapacity
	closeCodeProtocol
	closeCodeInternal
	closeCodeShutdown
)

// ErrBadTransition is returned when a session lifecycle step is attempted
// from the wrong state.
var ErrBadTransition = errors.New("invalid session state transition")

// State is the session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateAuthFailed:
		return "auth-failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var validNext = map[State][]State{
	StateConnecting:     {StateAuthenticating},
	StateAuthenticating: {StateActive, StateAuthFailed},
}

// datagramConn is the slice of quic.Connection the data plane needs, kept
// narrow so tests can fake the transport.
type datagramConn interface {
	SendDatagram([]byte) error
	ReceiveDatagram(context.Context) ([]byte, error)
	CloseWithError(quic.ApplicationErrorCode, string) error
	Context() context.Context
	RemoteAddr() net.Addr
}

// Session is one authenticated peer connection: its identity, its assigned
// virtual address, the underlying connection and the outbound queue feeding
// the per-session datagram writer. The address and identity are set once,
// by the connection's own task, and never mutated afterwards.
type Session struct {
	conn       datagramConn
	outbound   chan *RawIPPacket
	spoofLimit int

	// onClose removes the session from the table and releases the address
	// in one step. Set when the session activates.
	onClose func(netip.Addr)

	mu         sync.Mutex
	state      State
	username   string
	addr       netip.Addr
	violations int

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(conn datagramConn, spoofLimit int) *Session {
	return &Session{
		conn:       conn,
		outbound:   make(chan *RawIPPacket, sessionOutboundQueue),
		spoofLimit: spoofLimit,
		state:      StateConnecting,
		closed:     make(chan struct{}),
	}
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, next := range validNext[s.state] {
		if next == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrBadTransition, s.state, to)
}

func (s *Session) beginAuth() error { return s.transition(StateAuthenticating) }

// activate records the peer's identity and assigned address and enters
// Active. Only valid from Authenticating.
func (s *Session) activate(username string, addr netip.Addr) error {
	s.mu.Lock()
	if s.state != StateAuthenticating {
		from := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, StateActive)
	}
	s.state = StateActive
	s.username = username
	s.addr = addr
	s.mu.Unlock()
	return nil
}

func (s *Session) failAuth() error { return s.transition(StateAuthFailed) }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *Session) Addr() netip.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// queueOutbound hands a routed packet to the session's writer. Reports
// false when the queue is full and the packet was dropped.
func (s *Session) queueOutbound(pkt *RawIPPacket) bool {
	select {
	case s.outbound <- pkt:
		return true
	default:
		return false
	}
}

// noteSpoof counts a source-address violation. Reports true once the
// session has crossed the close threshold.
func (s *Session) noteSpoof() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations++
	return s.violations >= s.spoofLimit
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Close tears the session down exactly once: deregisters and releases the
// address in one step, closes the connection, and reaches Closed. Closing
// an already closed session is a no-op.
func (s *Session) Close(code quic.ApplicationErrorCode, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state != StateAuthFailed {
			s.state = StateClosing
		}
		addr := s.addr
		onClose := s.onClose
		s.mu.Unlock()

		if onClose != nil && addr.IsValid() {
			onClose(addr)
		}
		s.conn.CloseWithError(code, reason)

		s.mu.Lock()
		if s.state != StateAuthFailed {
			s.state = StateClosed
		}
		s.mu.Unlock()
		close(s.closed)
	})
}
