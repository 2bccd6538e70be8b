// Package ports finds free TCP ports for the application preview server.
package ports

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/testmind-dev/tmrun/internal/cachemanager"
	"github.com/testmind-dev/tmrun/internal/log"
)

// DefaultReservationTTL bounds how long an unreleased port stays reserved.
const DefaultReservationTTL = 30 * time.Minute

const maxAttempts = 32

// Allocator hands out ports that were free when checked and are not held by
// another run of this process.
type Allocator struct {
	reserved cachemanager.CacheManager[string, struct{}]
	ttl      time.Duration
	host     string
	listen   func(network, addr string) (net.Listener, error)
}

// NewAllocator creates an Allocator with its own reservation set.
func NewAllocator(ttl time.Duration) *Allocator {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &Allocator{
		reserved: cachemanager.NewInMemoryCacheManager[string, struct{}]("ports", ttl, ttl),
		ttl:      ttl,
		host:     "127.0.0.1",
		listen:   net.Listen,
	}
}

// Allocate returns a free port, trying preferred first, then an OS-assigned
// ephemeral port, then preferred+1. Every listener is closed before return.
// The port stays reserved until Release.
func (a *Allocator) Allocate(ctx context.Context, preferred int) (int, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		port := a.probe(preferred)
		if port <= 0 || port > 65535 {
			return 0, fmt.Errorf("no usable port near %d", preferred)
		}
		if err := a.reserved.Add(ctx, strconv.Itoa(port), struct{}{}, a.ttl); err == nil {
			log.Debug(log.CatPort, "Port allocated", "preferred", preferred, "port", port)
			return port, nil
		}
		// Held by a concurrent run; ask the OS for a different one.
		preferred = 0
	}
	return 0, fmt.Errorf("could not reserve a port after %d attempts", maxAttempts)
}

// Release frees a reservation made by Allocate.
func (a *Allocator) Release(port int) {
	a.reserved.Delete(context.Background(), strconv.Itoa(port))
}

func (a *Allocator) probe(preferred int) int {
	if preferred > 0 {
		if a.free(preferred) {
			return preferred
		}
		log.Debug(log.CatPort, "Preferred port busy", "port", preferred)
	}
	if p, ok := a.ephemeral(); ok {
		return p
	}
	return preferred + 1
}

func (a *Allocator) free(port int) bool {
	if a.isReserved(port) {
		return false
	}
	ln, err := a.listen("tcp", net.JoinHostPort(a.host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func (a *Allocator) ephemeral() (int, bool) {
	ln, err := a.listen("tcp", net.JoinHostPort(a.host, "0"))
	if err != nil {
		return 0, false
	}
	defer func() { _ = ln.Close() }()
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, false
	}
	return addr.Port, true
}

func (a *Allocator) isReserved(port int) bool {
	_, ok := a.reserved.Get(context.Background(), strconv.Itoa(port))
	return ok
}
