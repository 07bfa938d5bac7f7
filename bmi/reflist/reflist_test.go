package reflist

import "testing"

func TestInsertLookupSameEntry(t *testing.T) {
	l := New(nil)
	e := l.Insert(1, "tcp://127.0.0.1:1234", "tcp", nil)
	got, ok := l.LookupString("tcp://127.0.0.1:1234")
	if !ok || got != e {
		t.Fatalf("expected same entry back, got %v ok=%v", got, ok)
	}
}

func TestRefcountRoundTrip(t *testing.T) {
	l := New(nil)
	e := l.Insert(1, "tcp://h:1", "tcp", nil)
	l.IncRef(e) // 2
	removed := l.DecRef(e, nil)
	if removed {
		t.Fatalf("should not be removed: refcount should be back to 1")
	}
	removed = l.DecRef(e, func(*AddressEntry) bool { return true })
	if !removed {
		t.Fatalf("expected removal at refcount 0")
	}
	if _, ok := l.LookupString("tcp://h:1"); ok {
		t.Fatalf("entry should be gone after removal")
	}
}

func TestDropQueryRefusal(t *testing.T) {
	l := New(nil)
	e := l.Insert(1, "tcp://h:2", "tcp", nil)
	removed := l.DecRef(e, func(*AddressEntry) bool { return false })
	if removed {
		t.Fatalf("drop query refused removal, should not have been removed")
	}
	if _, ok := l.LookupString("tcp://h:2"); !ok {
		t.Fatalf("entry should still be present after refused drop")
	}
}

func TestLookupByTMAddrAfterSwap(t *testing.T) {
	l := New(nil)
	primary := l.Insert(1, "tcp://primary:1", "tcp", "p")
	secondary := l.Insert(2, "tcp://secondary:1", "tcp", "s")
	target := l.Insert(3, "tcp://h:3", "tcp", "target-tmaddr")

	l.Swap(target, primary, secondary)

	got, ok := l.LookupByTMAddr(func(tmAddr any) bool { return tmAddr == "target-tmaddr" })
	if !ok || got != target {
		t.Fatalf("search should still find the entry after a manual primary/secondary reassignment")
	}
	if got.Primary != primary || got.Secondary != secondary {
		t.Fatalf("swap did not stick")
	}
}
