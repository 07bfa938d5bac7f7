// Package idreg implements the process-wide opaque-id registry that backs
// OpId, MPAddr and SysOpId. Ids are generated, never reused while registered,
// and wrap-around skips any id still in use.
package idreg

import (
	"sync"
	"sync/atomic"
)

const shardCount = 64 // power of two

// Registry maps opaque 64-bit ids to arbitrary pointers/values.
type Registry struct {
	next   atomic.Uint64
	shards [shardCount]shard
}

type shard struct {
	mu    sync.RWMutex
	table map[uint64]any
}

// New creates an empty registry. Id 0 is never issued so callers can use it
// as a sentinel for "no id".
func New() *Registry {
	r := &Registry{}
	r.next.Store(1)
	for i := range r.shards {
		r.shards[i].table = make(map[uint64]any)
	}
	return r
}

func (r *Registry) shardFor(id uint64) *shard {
	return &r.shards[id&(shardCount-1)]
}

// Register allocates a fresh id bound to ptr and returns it.
func (r *Registry) Register(ptr any) uint64 {
	for {
		id := r.next.Add(1)
		if id == 0 {
			// wrapped past zero; reserve 0 and keep going
			continue
		}
		sh := r.shardFor(id)
		sh.mu.Lock()
		if _, taken := sh.table[id]; taken {
			// extremely unlikely collision after 64-bit wrap; skip this id
			sh.mu.Unlock()
			continue
		}
		sh.table[id] = ptr
		sh.mu.Unlock()
		return id
	}
}

// Lookup resolves id back to its pointer, if still registered.
func (r *Registry) Lookup(id uint64) (any, bool) {
	if id == 0 {
		return nil, false
	}
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.table[id]
	return v, ok
}

// Unregister removes id. Subsequent Lookup calls return (nil, false).
func (r *Registry) Unregister(id uint64) {
	if id == 0 {
		return
	}
	sh := r.shardFor(id)
	sh.mu.Lock()
	delete(sh.table, id)
	sh.mu.Unlock()
}

// Len reports how many ids are currently live; intended for tests/metrics.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		r.shards[i].mu.RLock()
		n += len(r.shards[i].table)
		r.shards[i].mu.RUnlock()
	}
	return n
}
