package vpn

import (
	"errors"
	"net/netip"
	"sync"
)

// ErrTableConflict means an address is already owned by another session.
// Given the pool invariant this should be unreachable; the caller logs it
// loudly and drops the new session.
var ErrTableConflict = errors.New("address already registered")

// SessionTable maps an assigned virtual address to its active session. The
// outbound packet pump reads it on every routed packet, so access is
// per-key concurrent rather than behind one table-wide lock.
type SessionTable struct {
	m sync.Map // netip.Addr -> *Session
}

// Insert registers a newly authenticated session under its address.
func (t *SessionTable) Insert(addr netip.Addr, s *Session) error {
	if _, loaded := t.m.LoadOrStore(addr, s); loaded {
		return ErrTableConflict
	}
	return nil
}

// Lookup returns the session owning addr, or nil if no session does.
func (t *SessionTable) Lookup(addr netip.Addr) *Session {
	v, ok := t.m.Load(addr)
	if !ok {
		return nil
	}
	return v.(*Session)
}

// Remove deregisters addr. The caller releases the address back to the pool
// in the same step so it is never neither routable nor free.
func (t *SessionTable) Remove(addr netip.Addr) {
	t.m.Delete(addr)
}

// Range calls f for every active session until f returns false.
func (t *SessionTable) Range(f func(*Session) bool) {
	t.m.Range(func(_, v any) bool {
		return f(v.(*Session))
	})
}

// Len counts the active sessions.
func (t *SessionTable) Len() int {
	n := 0
	t.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
