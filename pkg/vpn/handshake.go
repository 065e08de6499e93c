package vpn

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
)

// Control channel: the client opens one bidirectional stream right after
// the transport handshake and sends a single authRequest; the server
// answers with a single authResponse. Each message is JSON behind a
// big-endian uint16 length prefix.
const maxControlFrame = 1024

const (
	reasonAuthFailed = "authentication failed"
	reasonCapacity   = "capacity exceeded"
)

// ErrAuthRejected is the server-local result of a failed peer
// authentication. The reason string sent to the peer never distinguishes
// unknown users from wrong secrets.
var ErrAuthRejected = errors.New("peer authentication rejected")

// ErrServerRejected is returned by the client when the server answered the
// handshake with a rejection. It is terminal; reconnecting will not help.
type ErrServerRejected struct {
	Reason string
}

func (e *ErrServerRejected) Error() string {
	return fmt.Sprintf("server rejected handshake: %s", e.Reason)
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	OK      bool   `json:"ok"`
	Address string `json:"address,omitempty"` // assigned address with subnet, e.g. "10.8.0.5/24"
	MTU     int    `json:"mtu,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func writeControl(w io.Writer, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(body) > maxControlFrame {
		return fmt.Errorf("control frame too large: %d bytes", len(body))
	}
	buf := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(buf, uint16(len(body)))
	copy(buf[2:], body)
	_, err = w.Write(buf)
	return err
}

func readControl(r io.Reader, msg any) error {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if n == 0 || n > maxControlFrame {
		return fmt.Errorf("control frame length %d out of range", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, msg)
}

// authenticatePeer runs the server side of the control exchange on an
// accepted stream: verify the credential, allocate an address, send the
// lease. On any failure the peer gets a rejection (when the stream still
// works) and no address stays allocated.
func (s *Server) authenticatePeer(stream io.ReadWriter) (string, netip.Addr, error) {
	var req authRequest
	if err := readControl(stream, &req); err != nil {
		return "", netip.Addr{}, fmt.Errorf("malformed handshake: %w", err)
	}

	if err := s.verifier.Verify(req.Username, req.Password); err != nil {
		writeControl(stream, authResponse{OK: false, Reason: reasonAuthFailed})
		return "", netip.Addr{}, ErrAuthRejected
	}

	addr, err := s.pool.Allocate()
	if err != nil {
		writeControl(stream, authResponse{OK: false, Reason: reasonCapacity})
		return "", netip.Addr{}, err
	}

	resp := authResponse{
		OK:      true,
		Address: netip.PrefixFrom(addr, s.pool.Prefix().Bits()).String(),
		MTU:     s.mtu,
	}
	if err := writeControl(stream, resp); err != nil {
		s.pool.Release(addr)
		return "", netip.Addr{}, err
	}
	return req.Username, addr, nil
}

// authenticateClient runs the client side: send the credential, receive the
// assigned address and MTU.
func authenticateClient(stream io.ReadWriter, username, password string) (netip.Prefix, int, error) {
	if err := writeControl(stream, authRequest{Username: username, Password: password}); err != nil {
		return netip.Prefix{}, 0, err
	}
	var resp authResponse
	if err := readControl(stream, &resp); err != nil {
		return netip.Prefix{}, 0, err
	}
	if !resp.OK {
		return netip.Prefix{}, 0, &ErrServerRejected{Reason: resp.Reason}
	}
	assigned, err := netip.ParsePrefix(resp.Address)
	if err != nil {
		return netip.Prefix{}, 0, fmt.Errorf("bad assigned address %q: %w", resp.Address, err)
	}
	if resp.MTU <= 0 {
		return netip.Prefix{}, 0, fmt.Errorf("bad mtu %d in handshake response", resp.MTU)
	}
	return assigned, resp.MTU, nil
}
