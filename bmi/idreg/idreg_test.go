package idreg

import "testing"

func TestRegisterLookupUnregister(t *testing.T) {
	r := New()
	id := r.Register("hello")
	v, ok := r.Lookup(id)
	if !ok || v != "hello" {
		t.Fatalf("lookup after register: got (%v, %v)", v, ok)
	}
	r.Unregister(id)
	if _, ok := r.Lookup(id); ok {
		t.Fatalf("lookup after unregister should fail")
	}
}

func TestNeverIssuesZero(t *testing.T) {
	r := New()
	for i := 0; i < 1000; i++ {
		if id := r.Register(i); id == 0 {
			t.Fatalf("registry issued id 0")
		}
	}
}

func TestConcurrentRegister(t *testing.T) {
	r := New()
	const n = 2000
	ids := make(chan uint64, n)
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func(i int) {
			ids <- r.Register(i)
		}(i)
	}
	go func() {
		seen := make(map[uint64]bool)
		for i := 0; i < n; i++ {
			id := <-ids
			if seen[id] {
				t.Errorf("duplicate id %d issued", id)
			}
			seen[id] = true
		}
		close(done)
	}()
	<-done
}
