package ports

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestAllocate_PreferredWhenFree(t *testing.T) {
	a := NewAllocator(time.Minute)
	preferred := freePort(t)

	port, err := a.Allocate(context.Background(), preferred)

	require.NoError(t, err)
	require.Equal(t, preferred, port)
}

func TestAllocate_BusyPreferredFallsBackToEphemeral(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	busy := ln.Addr().(*net.TCPAddr).Port

	port, err := NewAllocator(time.Minute).Allocate(context.Background(), busy)

	require.NoError(t, err)
	require.NotEqual(t, busy, port)
	require.Positive(t, port)
}

func TestAllocate_FallsBackToPreferredPlusOne(t *testing.T) {
	a := NewAllocator(time.Minute)
	a.listen = func(string, string) (net.Listener, error) { return nil, errors.New("denied") }

	port, err := a.Allocate(context.Background(), 5000)

	require.NoError(t, err)
	require.Equal(t, 5001, port)
}

func TestAllocate_ReleaseMakesPortReusable(t *testing.T) {
	a := NewAllocator(time.Minute)
	preferred := freePort(t)

	first, err := a.Allocate(context.Background(), preferred)
	require.NoError(t, err)
	second, err := a.Allocate(context.Background(), preferred)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	a.Release(first)
	third, err := a.Allocate(context.Background(), preferred)
	require.NoError(t, err)
	require.Equal(t, preferred, third)
}

func TestAllocate_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewAllocator(time.Minute).Allocate(ctx, 4173)

	require.ErrorIs(t, err, context.Canceled)
}

// Concurrent allocations with the same preferred port never collide.
func TestAllocate_ConcurrentNonCollision(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 12).Draw(rt, "n")
		preferred := rapid.IntRange(20000, 40000).Draw(rt, "preferred")
		a := NewAllocator(time.Minute)

		var wg sync.WaitGroup
		results := make([]int, n)
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = a.Allocate(context.Background(), preferred)
			}(i)
		}
		wg.Wait()

		seen := map[int]bool{}
		for i, p := range results {
			if errs[i] != nil {
				rt.Fatalf("allocation %d failed: %v", i, errs[i])
			}
			if seen[p] {
				rt.Fatalf("port %d returned twice", p)
			}
			seen[p] = true
		}
		for p := range seen {
			a.Release(p)
		}
		if a.reserved.Len() != 0 {
			rt.Fatalf("reservations left: %d", a.reserved.Len())
		}
	})
}

func TestAllocate_ReservedPortIsSkipped(t *testing.T) {
	a := NewAllocator(time.Minute)
	preferred := freePort(t)
	require.NoError(t, a.reserved.Add(context.Background(), strconv.Itoa(preferred), struct{}{}, time.Minute))

	port, err := a.Allocate(context.Background(), preferred)

	require.NoError(t, err)
	require.NotEqual(t, preferred, port)
}
