package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFingerprintIsDeterministic(t *testing.T) {
	type cmd struct {
		A string
		B int
	}
	c := cmd{A: "x", B: 1}
	f1, err := Fingerprint(c)
	require.NoError(t, err)
	f2, err := Fingerprint(c)
	require.NoError(t, err)
	require.Equal(t, f1, f2)

	other, err := Fingerprint(cmd{A: "x", B: 2})
	require.NoError(t, err)
	require.NotEqual(t, f1, other)
}

func TestLookupStoreRoundTrip(t *testing.T) {
	c := NewInMemoryCache()
	_, ok := c.Lookup("missing")
	require.False(t, ok)

	c.Store("key", "value", time.Minute)
	entry, ok := c.Lookup("key")
	require.True(t, ok)
	require.Equal(t, "value", entry.Value)
}

func TestStoreExpiresAfterTTL(t *testing.T) {
	c := NewInMemoryCache()
	c.Store("key", "value", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	_, ok := c.Lookup("key")
	require.False(t, ok)
}

func TestInvalidateByPrefix(t *testing.T) {
	c := NewInMemoryCache()
	c.Store("tenant-a:1", "v1", 0)
	c.Store("tenant-a:2", "v2", 0)
	c.Store("tenant-b:1", "v3", 0)

	c.Invalidate("tenant-a:")

	_, ok := c.Lookup("tenant-a:1")
	require.False(t, ok)
	_, ok = c.Lookup("tenant-a:2")
	require.False(t, ok)
	_, ok = c.Lookup("tenant-b:1")
	require.True(t, ok)
}

// TestGetOrBuildCollapsesConcurrentMisses reproduces spec.md §8.4 S7:
// 10 concurrent executes of the same fingerprint against an empty
// cache must invoke build exactly once.
func TestGetOrBuildCollapsesConcurrentMisses(t *testing.T) {
	c := NewInMemoryCache()

	var builds atomic.Int32
	var wg sync.WaitGroup
	results := make([]any, 10)
	errs := make([]error, 10)

	ready := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-ready
			v, err := c.GetOrBuild("fp", time.Minute, func() (any, error) {
				builds.Add(1)
				time.Sleep(20 * time.Millisecond)
				return "built-value", nil
			})
			results[i] = v
			errs[i] = err
		}(i)
	}
	close(ready)
	wg.Wait()

	require.EqualValues(t, 1, builds.Load())
	for i := 0; i < 10; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "built-value", results[i])
	}
}

func TestGetOrBuildReturnsCachedValueWithoutRebuilding(t *testing.T) {
	c := NewInMemoryCache()
	c.Store("fp", "cached", time.Minute)

	called := false
	v, err := c.GetOrBuild("fp", time.Minute, func() (any, error) {
		called = true
		return "rebuilt", nil
	})
	require.NoError(t, err)
	require.Equal(t, "cached", v)
	require.False(t, called)
}
