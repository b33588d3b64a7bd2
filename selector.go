package lb

import (
	"l4lb/backends"
)

// BackendSelector picks the backend for a flow that has no assignment yet.
type BackendSelector interface {
	Select(table *backends.Table) (int, bool)
}

// LeastLoaded picks the backend with the fewest packets per flow. Ties go to
// the lowest index. Backends that have never been assigned a flow report
// backends.IdleLoad and therefore win over any used backend.
type LeastLoaded struct{}

func (LeastLoaded) Select(table *backends.Table) (int, bool) {
	idx := -1
	minLoad := backends.MaxLoad
	for i := 0; i < table.Len(); i++ {
		// strict < keeps the first of equal loads
		if load := table.Load(i); idx == -1 || load < minLoad {
			idx = i
			minLoad = load
		}
	}
	return idx, idx >= 0
}
