package vpn

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolCapacitySlash24(t *testing.T) {
	pool, err := NewAddressPool(mustPrefix("10.8.0.0/24"), 2)
	require.NoError(t, err)

	assert.Equal(t, 252, pool.Capacity())
	assert.Equal(t, mustAddr("10.8.0.1"), pool.Gateway())

	seen := make(map[netip.Addr]bool)
	for i := 0; i < 252; i++ {
		addr, err := pool.Allocate()
		require.NoError(t, err, "allocation %d", i)
		require.False(t, seen[addr], "address %s handed out twice", addr)
		require.True(t, pool.Prefix().Contains(addr))
		seen[addr] = true
	}
	assert.False(t, seen[mustAddr("10.8.0.0")], "network address allocated")
	assert.False(t, seen[mustAddr("10.8.0.1")], "gateway address allocated")
	assert.False(t, seen[mustAddr("10.8.0.2")], "reserved address allocated")
	assert.False(t, seen[mustAddr("10.8.0.255")], "broadcast address allocated")

	_, err = pool.Allocate()
	assert.ErrorIs(t, err, ErrPoolExhausted, "253rd allocation must fail")
}

func TestPoolLowestFreeFirst(t *testing.T) {
	pool, err := NewAddressPool(mustPrefix("10.8.0.0/24"), 2)
	require.NoError(t, err)

	first, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, mustAddr("10.8.0.3"), first)

	second, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, mustAddr("10.8.0.4"), second)

	pool.Release(first)
	again, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, first, again, "released address must become allocatable again")
}

func TestPoolReleaseMakesRoom(t *testing.T) {
	pool, err := NewAddressPool(mustPrefix("10.8.0.248/29"), 1)
	require.NoError(t, err)
	require.Equal(t, 5, pool.Capacity())

	addrs := make([]netip.Addr, 0, 5)
	for i := 0; i < 5; i++ {
		addr, err := pool.Allocate()
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	_, err = pool.Allocate()
	require.ErrorIs(t, err, ErrPoolExhausted)

	pool.Release(addrs[2])
	require.Equal(t, 1, pool.Free())
	addr, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, addrs[2], addr)
}

func TestPoolDoubleReleasePanics(t *testing.T) {
	pool, err := NewAddressPool(mustPrefix("10.8.0.0/24"), 2)
	require.NoError(t, err)

	addr, err := pool.Allocate()
	require.NoError(t, err)
	pool.Release(addr)
	assert.Panics(t, func() { pool.Release(addr) })
}

func TestPoolReleaseUnallocatedPanics(t *testing.T) {
	pool, err := NewAddressPool(mustPrefix("10.8.0.0/24"), 2)
	require.NoError(t, err)
	assert.Panics(t, func() { pool.Release(mustAddr("10.8.0.77")) })
}

func TestPoolConcurrentAllocateRelease(t *testing.T) {
	pool, err := NewAddressPool(mustPrefix("10.8.0.0/24"), 2)
	require.NoError(t, err)

	var mu sync.Mutex
	held := make(map[netip.Addr]bool)

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				addr, err := pool.Allocate()
				if err != nil {
					continue
				}
				mu.Lock()
				if held[addr] {
					mu.Unlock()
					t.Errorf("address %s held twice", addr)
					return
				}
				held[addr] = true
				mu.Unlock()

				mu.Lock()
				delete(held, addr)
				mu.Unlock()
				pool.Release(addr)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, pool.Capacity(), pool.Free(), "all addresses must be back in the pool")
}

func TestPoolRejectsTinySubnets(t *testing.T) {
	_, err := NewAddressPool(mustPrefix("10.8.0.0/31"), 1)
	assert.Error(t, err)
	_, err = NewAddressPool(mustPrefix("10.8.0.0/30"), 2)
	assert.Error(t, err, "reserving every usable address must fail")
}

func TestPoolIPv6(t *testing.T) {
	pool, err := NewAddressPool(mustPrefix("fd00:8::/120"), 1)
	require.NoError(t, err)
	require.Equal(t, 254, pool.Capacity())

	addr, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, mustAddr("fd00:8::2"), addr)
}
