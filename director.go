package lb

import (
	"errors"

	"l4lb/backends"
	"l4lb/flows"
)

// ErrNoBackend is returned when no backend can take a packet.
var ErrNoBackend = errors.New("no backend available")

// Decision is where the Director sent a packet.
type Decision struct {
	Index   int
	Backend *backends.Backend
	NewFlow bool
	// Persisted is false for a new flow whose assignment could not be
	// stored, because the directory is full or a concurrent packet of the
	// same flow stored its own choice first. The packet is still sent to
	// Backend.
	Persisted bool
}

// Director assigns flows to backends and keeps the backend counters.
//
// Lookup, selection, counter updates and the directory insert are separate
// steps with no lock around them. Two packets of one new flow handled at the
// same time can each select a backend; both are forwarded to their own
// choice and the first insert decides where the rest of the flow goes.
type Director struct {
	backends *backends.Table
	flows    *flows.Directory
	selector BackendSelector
}

func NewDirector(table *backends.Table, dir *flows.Directory, selector BackendSelector) *Director {
	if selector == nil {
		selector = LeastLoaded{}
	}
	return &Director{backends: table, flows: dir, selector: selector}
}

// Direct returns the backend for the flow identified by key and accounts
// one packet to it.
func (d *Director) Direct(key flows.Key) (Decision, error) {
	idx, ok := d.flows.Lookup(key)
	newFlow := !ok
	if newFlow {
		if idx, ok = d.selector.Select(d.backends); !ok {
			return Decision{}, ErrNoBackend
		}
	}

	b, ok := d.backends.Get(idx)
	if !ok {
		return Decision{}, ErrNoBackend
	}

	d.backends.IncrementPackets(idx)
	persisted := true
	if newFlow {
		d.backends.IncrementFlows(idx)
		persisted = d.flows.InsertIfAbsent(key, idx)
	}

	return Decision{Index: idx, Backend: b, NewFlow: newFlow, Persisted: persisted}, nil
}

func (d *Director) Backends() *backends.Table {
	return d.backends
}

func (d *Director) Flows() *flows.Directory {
	return d.flows
}
