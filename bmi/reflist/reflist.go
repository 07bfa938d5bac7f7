// Package reflist implements the address reference list: a doubly linked
// list of AddressEntry plus a string-keyed hash table sized to a power of two
// >= 128, shared behind one mutex per shard (matching the sharded-map shape
// the rest of this module uses for its hot tables). Disposal is lazy: an
// entry at refcount 0 stays around until the owning transport method's
// drop-query callback agrees it may go.
package reflist

import (
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

const minShards = 128 // power of two, matches spec.md's ">=128" hash sizing

// DropQuery is invoked by List.DecRef and List.TryReclaim to ask the owning transport method
// whether a zero-refcount entry may actually be destroyed. TCP, for
// instance, may refuse while a socket is still reconnectable.
type DropQuery func(e *AddressEntry) (mayDrop bool)

// AddressEntry is one entry of the reference list: the string form of an
// address, which TM owns it, the TM's private address struct, a refcount,
// and a primary/secondary pair used for transparent failover.
type AddressEntry struct {
	mu sync.Mutex

	ID         uint64 // MPAddr id, assigned by the caller's id registry
	String     string // "scheme://host:port", exactly as inserted
	Method     string // TM name, e.g. "tcp", "gm", "mx"
	TMAddr     any    // TM-private address struct (back-link stored in that struct)
	RefCount   int
	Primary    *AddressEntry // failover pair; nil unless a swap occurred
	Secondary  *AddressEntry
	next, prev *AddressEntry // intrusive doubly linked list
}

// List is the reference list: one doubly linked list plus a sharded
// string-keyed hash table. Every operation documented here is O(1) except
// the list walks (LookupByTMAddr, EntriesForMethod), which are linear
// (spec.md §4.3).
type List struct {
	mu       sync.RWMutex // guards head/tail/count; table shards have their own locks
	head     *AddressEntry
	tail     *AddressEntry
	count    int
	shards   []shard
	shardsSz uint32
	log      *logrus.Entry
}

type shard struct {
	mu    sync.RWMutex
	byStr map[string]*AddressEntry
}

// New creates an empty reference list with a hash table of at least
// minShards buckets.
func New(log *logrus.Entry) *List {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	l := &List{
		shards:   make([]shard, minShards),
		shardsSz: minShards,
		log:      log.WithField("component", "reflist"),
	}
	for i := range l.shards {
		l.shards[i].byStr = make(map[string]*AddressEntry)
	}
	return l
}

func (l *List) shardFor(s string) *shard {
	h := fnv32(s)
	return &l.shards[h&(l.shardsSz-1)]
}

// Insert creates a new entry for s and links it into both the hash table and
// the list. The creation log line carries a fresh xid under "corr" for log
// grep-ability; the entry's String is s unchanged.
// Insert does not check for an existing entry; callers must Lookup first.
func (l *List) Insert(id uint64, s, method string, tmAddr any) *AddressEntry {
	e := &AddressEntry{
		ID:       id,
		String:   s,
		Method:   method,
		TMAddr:   tmAddr,
		RefCount: 1,
	}

	sh := l.shardFor(s)
	sh.mu.Lock()
	sh.byStr[s] = e
	sh.mu.Unlock()

	l.mu.Lock()
	if l.tail == nil {
		l.head, l.tail = e, e
	} else {
		e.prev = l.tail
		l.tail.next = e
		l.tail = e
	}
	l.count++
	l.mu.Unlock()

	l.log.WithFields(logrus.Fields{
		"addr": s, "method": method, "corr": xid.New().String(),
	}).Debug("address entry created")
	return e
}

// LookupString returns the live entry for s, if any. Per spec.md's invariant,
// the same entry is returned for the same string while refcount > 0.
func (l *List) LookupString(s string) (*AddressEntry, bool) {
	sh := l.shardFor(s)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.byStr[s]
	return e, ok
}

// IncRef bumps e's refcount under the list's lock discipline.
func (l *List) IncRef(e *AddressEntry) {
	e.mu.Lock()
	e.RefCount++
	e.mu.Unlock()
}

// DecRef drops e's refcount by one and, on transition to zero, asks dq
// whether the entry may be reclaimed. If dq agrees (or is nil), the entry is
// unlinked and removed from the hash table. Returns true if the entry was
// removed.
func (l *List) DecRef(e *AddressEntry, dq DropQuery) bool {
	e.mu.Lock()
	e.RefCount--
	zero := e.RefCount <= 0
	e.mu.Unlock()

	if !zero {
		return false
	}
	if dq != nil && !dq(e) {
		l.log.WithField("addr", e.String).Debug("drop query refused; entry kept alive")
		return false
	}
	l.remove(e)
	return true
}

// TryReclaim re-attempts disposal of an entry already at refcount <= 0 (e.g.
// one a prior DecRef's drop query refused). Unlike DecRef it does not touch
// the refcount itself. Returns true if dq agreed and the entry was removed.
func (l *List) TryReclaim(e *AddressEntry, dq DropQuery) bool {
	e.mu.Lock()
	zero := e.RefCount <= 0
	e.mu.Unlock()
	if !zero {
		return false
	}
	if dq != nil && !dq(e) {
		return false
	}
	l.remove(e)
	return true
}

func (l *List) remove(e *AddressEntry) {
	sh := l.shardFor(e.String)
	sh.mu.Lock()
	delete(sh.byStr, e.String)
	sh.mu.Unlock()

	l.mu.Lock()
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.next, e.prev = nil, nil
	l.count--
	l.mu.Unlock()

	l.log.WithField("addr", e.String).Debug("address entry reclaimed")
}

// LookupByTMAddr walks the list comparing TM-private address structs via eq.
// This is the one O(n) search spec.md documents for the reference list; TMs
// should prefer a back-pointer into their own address struct when possible.
func (l *List) LookupByTMAddr(eq func(tmAddr any) bool) (*AddressEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for e := l.head; e != nil; e = e.next {
		if eq(e.TMAddr) {
			return e, true
		}
	}
	return nil, false
}

// EntriesForMethod snapshots every live entry currently owned by method.
// Used by MP's force-drop-list protocol, which must visit each zero-refcount
// entry for a method exactly once rather than re-walking a live list that a
// concurrent DecRef could shrink out from under it.
func (l *List) EntriesForMethod(method string) []*AddressEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*AddressEntry
	for e := l.head; e != nil; e = e.next {
		if e.Method == method {
			out = append(out, e)
		}
	}
	return out
}

// Swap reassigns e's primary/secondary pair for transparent failover. The
// exact conditions under which production code performs this swap are
// undocumented upstream (spec.md §9 Open Question); this implementation
// preserves the observed matching behavior verbatim and only logs the event.
func (l *List) Swap(e *AddressEntry, primary, secondary *AddressEntry) {
	e.mu.Lock()
	e.Primary, e.Secondary = primary, secondary
	e.mu.Unlock()
	l.log.WithFields(logrus.Fields{
		"addr": e.String, "primary": primary, "secondary": secondary,
	}).Warn("address entry primary/secondary reassigned")
}

// Len returns the number of live entries; used by tests and metrics.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}
