package flow

import (
	"testing"

	"github.com/parafs/corenet/bmi"
)

type fakeCanceler struct {
	canceled []bmi.OpID
}

func (f *fakeCanceler) Cancel(opID bmi.OpID, ctx bmi.ContextID) error {
	f.canceled = append(f.canceled, opID)
	return nil
}

func TestQueue_EnqueueAssignsFIFOOrder(t *testing.T) {
	q := New(nil)
	d1 := &Descriptor{Tag: 1}
	d2 := &Descriptor{Tag: 2}
	id1 := q.Enqueue(d1)
	id2 := q.Enqueue(d2)
	if id2 <= id1 {
		t.Fatalf("expected monotonically increasing job ids, got %d then %d", id1, id2)
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 queued, got %d", q.Len())
	}
}

func TestQueue_FindConjunctiveKeys(t *testing.T) {
	q := New(nil)
	a := &Descriptor{Tag: 7, ContextID: 1}
	b := &Descriptor{Tag: 7, ContextID: 2}
	q.Enqueue(a)
	q.Enqueue(b)

	found, ok := q.Find(Query{Tag: 7, HasTag: true, ContextID: 2, HasCtx: true})
	if !ok || found != b {
		t.Fatalf("expected conjunctive search to find b, got %v ok=%v", found, ok)
	}
}

func TestQueue_CompleteUnlinks(t *testing.T) {
	q := New(nil)
	d := &Descriptor{Tag: 1}
	q.Enqueue(d)
	q.Complete(d, 128, nil)
	if q.Len() != 0 {
		t.Fatalf("expected queue empty after Complete, got %d", q.Len())
	}
	if !d.done || d.ActualSize != 128 {
		t.Fatalf("expected descriptor marked done with actual size recorded")
	}
}

func TestQueue_CancelChainsOnlyForNetworkLegs(t *testing.T) {
	q := New(nil)
	d := &Descriptor{
		Src: Endpoint{Kind: EndpointDisk},
		Dst: Endpoint{Kind: EndpointNetwork},
	}
	q.Enqueue(d)
	c := &fakeCanceler{}
	if err := q.Cancel(d, c); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(c.canceled) != 1 {
		t.Fatalf("expected exactly one network-leg cancel, got %d", len(c.canceled))
	}
}

func TestQueue_CancelNoNetworkLegIsLocalOnly(t *testing.T) {
	q := New(nil)
	d := &Descriptor{Src: Endpoint{Kind: EndpointDisk}, Dst: Endpoint{Kind: EndpointMemory}}
	q.Enqueue(d)
	c := &fakeCanceler{}
	if err := q.Cancel(d, c); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(c.canceled) != 0 {
		t.Fatalf("expected no network cancel for an all-local flow")
	}
}
