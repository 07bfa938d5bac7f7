// Package oplist implements the in-flight operation list used by every
// transport method: a doubly linked list of MethodOp supporting independently
// conjunctive multi-key search (by OpId, tag, address-or-failover-pair,
// mode mask, class, or context id). All set keys in a Query must match.
// Size is not a search key: Query has no field for ActualSize or Expected.
package oplist

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Direction identifies which way a MethodOp moves data.
type Direction int

const (
	Send Direction = iota
	Recv
)

// MethodOp is one in-flight operation inside a transport method.
type MethodOp struct {
	OpID       uint64
	Dir        Direction
	UserPtr    any
	Tag        uint32
	Class      uint8
	Error      error
	ActualSize int64
	Expected   int64
	Buffers    [][]byte
	BufIndex   int // current buffer-list index
	ByteIndex  int64 // cumulative progress within the current buffer
	Addr       any // TM-private address, compared via AddrEq
	Mode       uint32
	ContextID  uint32

	next, prev *MethodOp
}

// List is a doubly linked list of MethodOp with O(n) conjunctive search
// (the source structure these specs describe is a linear scan list, not a
// hash table — every key narrows the same walk).
type List struct {
	mu         sync.Mutex
	head, tail *MethodOp
	count      int
	log        *logrus.Entry
}

// New creates an empty op list.
func New(log *logrus.Entry) *List {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &List{log: log.WithField("component", "oplist")}
}

// Push appends op to the list. Per spec.md's MethodOp invariant, a posted op
// must appear exactly once on some TM queue until reaped; callers must not
// Push the same *MethodOp twice.
func (l *List) Push(op *MethodOp) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tail == nil {
		l.head, l.tail = op, op
	} else {
		op.prev = l.tail
		l.tail.next = op
		l.tail = op
	}
	l.count++
}

// Remove unlinks op. No-op if op is not (or no longer) in the list.
func (l *List) Remove(op *MethodOp) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(op)
}

func (l *List) removeLocked(op *MethodOp) {
	if op.prev != nil {
		op.prev.next = op.next
	} else if l.head == op {
		l.head = op.next
	}
	if op.next != nil {
		op.next.prev = op.prev
	} else if l.tail == op {
		l.tail = op.prev
	}
	op.next, op.prev = nil, nil
	l.count--
}

// Query describes a conjunctive multi-key search; a nil/zero field is
// treated as "don't care" except where noted.
type Query struct {
	OpID      uint64 // 0 = don't care
	HasOpID   bool
	Tag       uint32
	HasTag    bool
	AddrEq    func(addr any) bool // matches op.Addr OR its primary/secondary failover pair
	Class     uint8
	HasClass  bool
	ModeMask  uint32
	HasMode   bool
	ContextID uint32
	HasCtx    bool
}

// failoverPair is implemented by the reflist.AddressEntry shape without
// importing reflist, so oplist stays decoupled from address bookkeeping;
// any TM-private address type may opt in.
type failoverPair interface {
	FailoverAddrs() (primary, secondary any)
}

// Find returns the first op matching every set key in q, scanning from head.
// When AddrEq is set and the direct address doesn't match but the address
// implements failoverPair, a match against its primary or secondary
// transparently rebinds the op to the matched one — this preserves the
// upstream behavior flagged as an open question in spec.md §9 verbatim.
func (l *List) Find(q Query) (*MethodOp, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for op := l.head; op != nil; op = op.next {
		if !l.matches(op, q) {
			continue
		}
		return op, true
	}
	return nil, false
}

// FindAll returns every op matching q, in list order.
func (l *List) FindAll(q Query) []*MethodOp {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*MethodOp
	for op := l.head; op != nil; op = op.next {
		if l.matches(op, q) {
			out = append(out, op)
		}
	}
	return out
}

func (l *List) matches(op *MethodOp, q Query) bool {
	if q.HasOpID && op.OpID != q.OpID {
		return false
	}
	if q.HasTag && op.Tag != q.Tag {
		return false
	}
	if q.HasClass && op.Class != q.Class {
		return false
	}
	if q.HasMode && op.Mode&q.ModeMask != q.ModeMask {
		return false
	}
	if q.HasCtx && op.ContextID != q.ContextID {
		return false
	}
	if q.AddrEq != nil {
		if q.AddrEq(op.Addr) {
			return true
		}
		if fp, ok := op.Addr.(failoverPair); ok {
			primary, secondary := fp.FailoverAddrs()
			if primary != nil && q.AddrEq(primary) {
				l.log.WithField("op_id", op.OpID).Warn("op rebound to primary failover address during search")
				op.Addr = primary
				return true
			}
			if secondary != nil && q.AddrEq(secondary) {
				l.log.WithField("op_id", op.OpID).Warn("op rebound to secondary failover address during search")
				op.Addr = secondary
				return true
			}
		}
		return false
	}
	return true
}

// Len reports the number of in-flight ops; used by tests/metrics.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
