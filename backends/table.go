// Package backends holds the fixed set of servers traffic is balanced over.
package backends

import (
	"fmt"
	"math"
	"net"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// MaxBackends is the hard cap on configured backends.
const MaxBackends = 1024

const (
	// IdleLoad is reported for a backend that has not been assigned any
	// flow yet. It ranks below every load a used backend can report.
	IdleLoad uint64 = 0
	// MaxLoad is reported for an index that has no backend.
	MaxLoad uint64 = math.MaxUint64
)

type Backend struct {
	Addr [4]byte

	numFlows   atomic.Uint64
	numPackets atomic.Uint64
	_          cpu.CacheLinePad
}

func (b *Backend) NumFlows() uint64 {
	return b.numFlows.Load()
}

func (b *Backend) NumPackets() uint64 {
	return b.numPackets.Load()
}

func (b *Backend) String() string {
	return fmt.Sprintf("backend %s flows=%d packets=%d",
		net.IP(b.Addr[:]), b.NumFlows(), b.NumPackets())
}

// Table is a fixed size array of backends addressed by index. Membership
// never changes after NewTable; only the counters move.
type Table struct {
	backends []Backend
}

// NewTable creates one backend per address, in order.
func NewTable(addrs [][4]byte) (*Table, error) {
	if len(addrs) > MaxBackends {
		return nil, fmt.Errorf("%d backends configured, at most %d allowed", len(addrs), MaxBackends)
	}
	t := &Table{backends: make([]Backend, len(addrs))}
	for i, addr := range addrs {
		t.backends[i].Addr = addr
	}
	return t, nil
}

func (t *Table) Len() int {
	return len(t.backends)
}

func (t *Table) Get(i int) (*Backend, bool) {
	if i < 0 || i >= len(t.backends) {
		return nil, false
	}
	return &t.backends[i], true
}

func (t *Table) IncrementPackets(i int) {
	if b, ok := t.Get(i); ok {
		b.numPackets.Add(1)
	}
}

func (t *Table) IncrementFlows(i int) {
	if b, ok := t.Get(i); ok {
		b.numFlows.Add(1)
	}
}

// Load returns packets per flow of backend i using integer division.
// A backend with no flows reports IdleLoad; the division is never attempted.
func (t *Table) Load(i int) uint64 {
	b, ok := t.Get(i)
	if !ok {
		return MaxLoad
	}
	flows := b.numFlows.Load()
	if flows == 0 {
		return IdleLoad
	}
	return b.numPackets.Load() / flows
}

type Stats struct {
	Index      int
	Addr       [4]byte
	NumFlows   uint64
	NumPackets uint64
}

// Snapshot reads every backend's counters without locking. Counters of
// different backends may be read at slightly different instants.
func (t *Table) Snapshot() []Stats {
	out := make([]Stats, len(t.backends))
	for i := range t.backends {
		b := &t.backends[i]
		out[i] = Stats{
			Index:      i,
			Addr:       b.Addr,
			NumFlows:   b.numFlows.Load(),
			NumPackets: b.numPackets.Load(),
		}
	}
	return out
}
