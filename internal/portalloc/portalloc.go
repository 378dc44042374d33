// Package portalloc tracks the TCP/UDP ports claimed by this process and
// hands out free ones.
//
// The reserved set is the authority for in-process bookkeeping, but a port
// that is free here may still be bound by another program (the supervised
// proxy, the metrics scraper, anything else on the host). ReserveFirstFree
// therefore also probes the OS before committing a port.
package portalloc

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
)

const (
	MinPort = 1
	MaxPort = 65535

	// DefaultSearchLimit bounds how many candidates ReserveFirstFree tries.
	DefaultSearchLimit = 65535
)

// ConflictError reports a port that is already reserved.
type ConflictError struct {
	Port int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("port %d is already reserved", e.Port)
}

// ExhaustionError reports that no free port was found in the search range.
type ExhaustionError struct {
	Start int
	End   int
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("no free port in range %d-%d", e.Start, e.End)
}

// RangeError reports a port number outside 1..65535.
type RangeError struct {
	Port int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("port %d out of range", e.Port)
}

// ProbeFunc reports nil when the port can be bound on the host.
type ProbeFunc func(port int) error

// Allocator is the process-wide reserved port set. It is safe for
// concurrent use.
type Allocator struct {
	mu          sync.Mutex
	reserved    map[int]struct{}
	probe       ProbeFunc
	maxPort     int
	searchLimit int
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithProbe replaces the OS bind probe.
func WithProbe(probe ProbeFunc) Option {
	return func(a *Allocator) {
		a.probe = probe
	}
}

// WithMaxPort lowers the highest port ReserveFirstFree will consider.
func WithMaxPort(port int) Option {
	return func(a *Allocator) {
		if port >= MinPort && port <= MaxPort {
			a.maxPort = port
		}
	}
}

// WithSearchLimit bounds the number of candidate ports per search.
func WithSearchLimit(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.searchLimit = n
		}
	}
}

// New creates an empty allocator.
func New(opts ...Option) *Allocator {
	a := &Allocator{
		reserved:    make(map[int]struct{}),
		probe:       ProbeBind,
		maxPort:     MaxPort,
		searchLimit: DefaultSearchLimit,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Reserve marks port as unavailable.
func (a *Allocator) Reserve(port int) error {
	if port < MinPort || port > MaxPort {
		return &RangeError{Port: port}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.reserved[port]; ok {
		return &ConflictError{Port: port}
	}
	a.reserved[port] = struct{}{}
	return nil
}

// ReserveFirstFree reserves and returns the first port at or above start
// that is neither reserved nor bound on the host.
func (a *Allocator) ReserveFirstFree(start int) (int, error) {
	if start < MinPort || start > MaxPort {
		return 0, &RangeError{Port: start}
	}
	end := a.maxPort
	if limit := start + a.searchLimit - 1; limit < end {
		end = limit
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// The probe runs under the lock so two callers never settle on the same
	// port. Probes are local binds and return quickly.
	for port := start; port <= end; port++ {
		if _, ok := a.reserved[port]; ok {
			continue
		}
		if err := a.probe(port); err != nil {
			continue
		}
		a.reserved[port] = struct{}{}
		return port, nil
	}
	return 0, &ExhaustionError{Start: start, End: end}
}

// Release returns port to the free pool. Releasing an unreserved port is a
// no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// IsReserved reports whether port is in the reserved set.
func (a *Allocator) IsReserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.reserved[port]
	return ok
}

// Reserved returns the reserved ports in ascending order.
func (a *Allocator) Reserved() []int {
	a.mu.Lock()
	ports := make([]int, 0, len(a.reserved))
	for p := range a.reserved {
		ports = append(ports, p)
	}
	a.mu.Unlock()
	sort.Ints(ports)
	return ports
}

// ProbeBind binds TCP and UDP on port and releases both. Shadowsocks keys
// listen on both protocols, so a port is only usable if both binds work.
func ProbeBind(port int) error {
	addr := net.JoinHostPort("", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	return pc.Close()
}
