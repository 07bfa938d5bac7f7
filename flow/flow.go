// Package flow implements the flow engine: a queued scatter/gather
// data-transfer layer atop bmi/mp used by I/O-heavy state-machine states
// (spec.md §4.5). A flow descriptor names a transfer between two endpoints —
// typically one network peer (via bmi/mp) and one local file or buffer — and
// is opaque to the state-machine engine apart from its completion
// notifications delivered the same way an MP completion is.
package flow

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/parafs/corenet/bmi"
)

// EndpointKind names which side of a Descriptor a given Buffer/Addr pair
// describes.
type EndpointKind int

const (
	EndpointMemory EndpointKind = iota
	EndpointNetwork
	EndpointDisk
)

// Endpoint is one side of a flow transfer.
type Endpoint struct {
	Kind EndpointKind
	Addr bmi.MPAddr // meaningful for EndpointNetwork
	Path string     // meaningful for EndpointDisk
}

// Descriptor describes one queued bulk transfer (spec.md §3's "a flow
// descriptor describes a scatter/gather transfer between two endpoints").
type Descriptor struct {
	JobID   uint64
	Src     Endpoint
	Dst     Endpoint
	Buffers [][]byte
	Tag     uint32
	Mode    uint32
	Class   uint8

	ContextID bmi.ContextID
	UserPtr   any

	Error      error
	ActualSize int64
	done       bool

	// onComplete, when set, is called by Queue.Complete once the descriptor
	// is marked done and unlinked — the flow-engine equivalent of an SMCB's
	// onCompleteHook, letting a caller (the SME engine) learn of completion
	// without polling the queue itself.
	onComplete func(d *Descriptor)

	next, prev *Descriptor
}

// OnComplete registers a callback invoked once this descriptor completes.
func (d *Descriptor) OnComplete(f func(d *Descriptor)) { d.onComplete = f }

// Canceler is what Queue.Cancel chains a flow's network legs down to
// (bmi/mp). Local legs (memory or disk) have no canceler; a flow with no
// network leg never calls this.
type Canceler interface {
	Cancel(opID bmi.OpID, ctx bmi.ContextID) error
}

// Queue is the flow FIFO: a doubly linked list of Descriptor with the same
// independently-conjunctive multi-key search semantics as bmi/oplist's
// op-list (spec.md §4.5: "multi-search semantics identical to the
// op-list's").
type Queue struct {
	mu         sync.Mutex
	head, tail *Descriptor
	count      int
	nextJobID  uint64
	log        *logrus.Entry
}

// New creates an empty flow queue.
func New(log *logrus.Entry) *Queue {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Queue{log: log.WithField("component", "flow")}
}

// Enqueue assigns a fresh JobID to d and appends it to the FIFO.
func (q *Queue) Enqueue(d *Descriptor) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextJobID++
	d.JobID = q.nextJobID
	if q.tail == nil {
		q.head, q.tail = d, d
	} else {
		d.prev = q.tail
		q.tail.next = d
		q.tail = d
	}
	q.count++
	return d.JobID
}

// Remove unlinks d. No-op if d is not (or no longer) queued.
func (q *Queue) Remove(d *Descriptor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(d)
}

func (q *Queue) removeLocked(d *Descriptor) {
	if d.prev != nil {
		d.prev.next = d.next
	} else if q.head == d {
		q.head = d.next
	}
	if d.next != nil {
		d.next.prev = d.prev
	} else if q.tail == d {
		q.tail = d.prev
	}
	d.next, d.prev = nil, nil
	q.count--
}

// Query describes a conjunctive multi-key search, mirroring oplist.Query.
type Query struct {
	JobID     uint64
	HasJobID  bool
	Tag       uint32
	HasTag    bool
	ContextID bmi.ContextID
	HasCtx    bool
	Class     uint8
	HasClass  bool
}

// Find returns the first queued descriptor matching every set key in q.
func (q *Queue) Find(query Query) (*Descriptor, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for d := q.head; d != nil; d = d.next {
		if matches(d, query) {
			return d, true
		}
	}
	return nil, false
}

func matches(d *Descriptor, q Query) bool {
	if q.HasJobID && d.JobID != q.JobID {
		return false
	}
	if q.HasTag && d.Tag != q.Tag {
		return false
	}
	if q.HasCtx && d.ContextID != q.ContextID {
		return false
	}
	if q.HasClass && d.Class != q.Class {
		return false
	}
	return true
}

// Len reports how many descriptors are currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Complete marks d done with the given result and unlinks it from the
// queue; it is how a flow's underlying transport (network leg via bmi/mp,
// disk leg via whatever local I/O backend) reports a finished transfer.
func (q *Queue) Complete(d *Descriptor, actualSize int64, err error) {
	q.mu.Lock()
	d.done = true
	d.ActualSize = actualSize
	d.Error = err
	q.removeLocked(d)
	hook := d.onComplete
	q.mu.Unlock()
	if hook != nil {
		hook(d)
	}
}

// Cancel calls net's Cancel once for each network endpoint of d. It does
// nothing for memory or disk endpoints and neither unlinks nor completes d,
// so a flow with no network leg, or a nil net, is left as it is.
func (q *Queue) Cancel(d *Descriptor, net Canceler) error {
	if net == nil {
		return nil
	}
	var firstErr error
	if d.Src.Kind == EndpointNetwork {
		if err := net.Cancel(bmi.OpID(d.JobID), d.ContextID); err != nil {
			firstErr = err
		}
	}
	if d.Dst.Kind == EndpointNetwork {
		if err := net.Cancel(bmi.OpID(d.JobID), d.ContextID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
