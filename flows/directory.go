// Package flows maps flow keys to the backend they were assigned to.
package flows

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/cpu"
)

// DefaultCapacity is the number of flows tracked when none is configured.
const DefaultCapacity = 1024

const numShards = 64

type entry struct {
	backend  int
	lastUsed atomic.Uint64
}

type shard struct {
	mu      sync.RWMutex
	entries map[Key]*entry
	_       cpu.CacheLinePad
}

// Directory is a bounded concurrent map from flow key to backend index.
//
// Lookups and inserts lock only the shard the key hashes to. Lookup and
// InsertIfAbsent are separate operations: two callers that both miss on the
// same key will both try to insert, and only the first insert is kept.
type Directory struct {
	shards   [numShards]shard
	capacity int64
	size     atomic.Int64
	clock    func() uint64
}

type Option func(*Directory)

// WithClock makes the directory stamp entries with clock() on insert and
// on every hit. Without a clock entries are never stamped and Expire has
// nothing to compare against.
func WithClock(clock func() uint64) Option {
	return func(d *Directory) {
		d.clock = clock
	}
}

func NewDirectory(capacity int, opts ...Option) *Directory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	d := &Directory{capacity: int64(capacity)}
	for i := range d.shards {
		d.shards[i].entries = make(map[Key]*entry)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Directory) shardFor(k Key) *shard {
	b := k.bytes()
	return &d.shards[xxhash.Sum64(b[:])%numShards]
}

// Lookup returns the backend index assigned to k.
func (d *Directory) Lookup(k Key) (int, bool) {
	s := d.shardFor(k)
	s.mu.RLock()
	e, ok := s.entries[k]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if d.clock != nil {
		e.lastUsed.Store(d.clock())
	}
	return e.backend, true
}

// InsertIfAbsent assigns backend to k unless k is already assigned or the
// directory is full. It reports whether this call stored the assignment.
func (d *Directory) InsertIfAbsent(k Key, backend int) bool {
	s := d.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[k]; ok {
		return false
	}
	if d.size.Add(1) > d.capacity {
		d.size.Add(-1)
		return false
	}

	e := &entry{backend: backend}
	if d.clock != nil {
		e.lastUsed.Store(d.clock())
	}
	s.entries[k] = e
	return true
}

func (d *Directory) Len() int {
	return int(d.size.Load())
}

func (d *Directory) Capacity() int {
	return int(d.capacity)
}

// Range calls fn for every entry until fn returns false. Entries inserted or
// removed while Range runs may or may not be visited.
func (d *Directory) Range(fn func(k Key, backend int, lastUsed uint64) bool) {
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.RLock()
		type item struct {
			k Key
			e *entry
		}
		items := make([]item, 0, len(s.entries))
		for k, e := range s.entries {
			items = append(items, item{k, e})
		}
		s.mu.RUnlock()

		for _, it := range items {
			if !fn(it.k, it.e.backend, it.e.lastUsed.Load()) {
				return
			}
		}
	}
}

// Expire removes every entry last used before cutoff and returns how many
// were removed.
func (d *Directory) Expire(cutoff uint64) int {
	removed := 0
	for i := range d.shards {
		s := &d.shards[i]
		n := 0
		s.mu.Lock()
		for k, e := range s.entries {
			if e.lastUsed.Load() < cutoff {
				delete(s.entries, k)
				n++
			}
		}
		d.size.Add(int64(-n))
		s.mu.Unlock()
		removed += n
	}
	return removed
}
