// Package portalloc hands out and reclaims loopback TCP ports for
// ChildDriver processes. Grounded on the region.Manager map+RWMutex
// bookkeeping idiom from the teacher repo and on the bind-then-close
// probe used by SessionDriver's original Rust implementation and by
// go-portalloc's port-tracking state (see other_examples).
package portalloc

import (
	"fmt"
	"net"
	"sync"
)

// ErrNoPortAvailable surfaces as a 500 per spec.md §4.1 and §7.
var ErrNoPortAvailable = fmt.Errorf("no port available")

// Allocator tracks loopback ports currently leased to a ChildDriver.
type Allocator struct {
	host string

	mu   sync.Mutex
	held map[int]struct{}
}

// New creates an Allocator that hands out ports on host (normally
// 127.0.0.1).
func New(host string) *Allocator {
	return &Allocator{
		host: host,
		held: make(map[int]struct{}),
	}
}

// Acquire binds an ephemeral port, reads back what the kernel assigned,
// releases the listening socket, and leases that port number. The
// bind-close-handoff race is accepted per spec.md §4.1; ChildDriver's
// readiness probe is what actually detects a startup failure.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		port, err := a.probeFreePort()
		if err != nil {
			continue
		}
		if _, taken := a.held[port]; taken {
			continue
		}
		a.held[port] = struct{}{}
		return port, nil
	}

	return 0, ErrNoPortAvailable
}

const maxAcquireAttempts = 16

func (a *Allocator) probeFreePort() (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(a.host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()

	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address type %T", ln.Addr())
	}
	return addr.Port, nil
}

// Release marks a port free. Idempotent: releasing an already-free or
// unknown port is a no-op, per spec.md §4.1.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.held, port)
}

// Host returns the loopback address ports are allocated on.
func (a *Allocator) Host() string {
	return a.host
}
