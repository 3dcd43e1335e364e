package modemsim

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressPool_InvalidCIDR(t *testing.T) {
	_, err := NewAddressPool("invalid")
	assert.Error(t, err)

	_, err = NewAddressPool("fd00::/64")
	assert.Error(t, err)

	_, err = NewAddressPool("10.0.0.0/31")
	assert.Error(t, err)
}

func TestAddressPool_AllocateSequential(t *testing.T) {
	pool, err := NewAddressPool("10.60.0.0/24")
	require.NoError(t, err)

	for _, want := range []string{"10.60.0.1", "10.60.0.2", "10.60.0.3"} {
		ip, err := pool.Allocate()
		require.NoError(t, err)
		assert.Equal(t, want, ip.String())
	}
}

func TestAddressPool_ExhaustionSkipsBroadcast(t *testing.T) {
	// /30: .0 network, .1 and .2 usable, .3 broadcast
	pool, err := NewAddressPool("10.60.0.0/30")
	require.NoError(t, err)

	ip1, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, "10.60.0.1", ip1.String())

	ip2, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, "10.60.0.2", ip2.String())

	_, err = pool.Allocate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")

	pool.Release(ip2)
	ip3, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, ip2.String(), ip3.String())
}

func TestAddressPool_Counts(t *testing.T) {
	pool, err := NewAddressPool("10.60.0.0/24")
	require.NoError(t, err)

	assert.Equal(t, 254, pool.Available())
	assert.Equal(t, 0, pool.AllocatedCount())

	ip, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 253, pool.Available())
	assert.Equal(t, 1, pool.AllocatedCount())

	pool.Release(ip)
	pool.Release(net.ParseIP("10.60.0.99"))
	assert.Equal(t, 0, pool.AllocatedCount())

	assert.Equal(t, "255.255.255.0", pool.Netmask().String())
}

func TestAddressPool_ConcurrentAccess(t *testing.T) {
	pool, err := NewAddressPool("10.60.0.0/16")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan string, 1000)
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ip, err := pool.Allocate()
			if err != nil {
				t.Error(err)
				return
			}
			results <- ip.String()
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for ip := range results {
		assert.False(t, seen[ip], "duplicate address allocated: %s", ip)
		seen[ip] = true
	}
	assert.Len(t, seen, 1000)
}
