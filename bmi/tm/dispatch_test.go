package tm

import (
	"testing"

	"github.com/parafs/corenet/bmi"
)

type stubMethod struct {
	name      string
	noPolling bool
}

func (s *stubMethod) Name() string                        { return s.name }
func (s *stubMethod) Initialize(string, InitFlags) error  { return nil }
func (s *stubMethod) Finalize() error                      { return nil }
func (s *stubMethod) OpenContext(bmi.ContextID) error       { return nil }
func (s *stubMethod) CloseContext(bmi.ContextID) error      { return nil }
func (s *stubMethod) PostSendList(any, [][]byte, uint32, uint32, bmi.ContextID, any) (uint64, bool, error) {
	return 0, false, nil
}
func (s *stubMethod) PostRecvList(any, [][]byte, uint32, int64, uint32, bmi.ContextID, any) (uint64, bool, error) {
	return 0, false, nil
}
func (s *stubMethod) PostSendUnexpectedList(any, [][]byte, uint32, uint8, bmi.ContextID, any) (uint64, bool, error) {
	return 0, false, nil
}
func (s *stubMethod) Test(uint64, bmi.ContextID) (bool, Completion, error) { return false, Completion{}, nil }
func (s *stubMethod) TestContext(int, bmi.ContextID, int) ([]Completion, error) {
	return nil, nil
}
func (s *stubMethod) TestUnexpected(int, uint8, bool, int) ([]Completion, error) { return nil, nil }
func (s *stubMethod) Cancel(uint64, bmi.ContextID) error                         { return nil }
func (s *stubMethod) AddrLookup(string) (any, error)                            { return nil, nil }
func (s *stubMethod) AddrRevLookup(any) (string, bool)                          { return "", false }
func (s *stubMethod) SetInfo(bmi.InfoKey, any) error                            { return nil }
func (s *stubMethod) GetInfo(bmi.InfoKey) (any, error)                          { return nil, nil }
func (s *stubMethod) QueryAddrRange(any, string, int) (int, error)              { return 0, nil }
func (s *stubMethod) NoPolling() bool                                           { return s.noPolling }

func TestAntiStarvation(t *testing.T) {
	d := NewDispatch(nil, nil)
	t1 := &stubMethod{name: "t1"}
	t2 := &stubMethod{name: "t2"}
	d.RegisterKnown("t1", t1)
	d.RegisterKnown("t2", t2)
	if _, err := d.Activate("t1", "", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Activate("t2", "", 0); err != nil {
		t.Fatal(err)
	}

	// t1 stays "busy" (we mark it active every cycle); t2 never completes
	// anything. t2 counts as recently active (and is polled) for its first
	// UsageItersActive cycles; after UsageItersStarvation further cycles
	// without a poll it must be force-polled.
	var lastPlan []planEntry
	for i := 0; i < UsageItersActive+UsageItersStarvation; i++ {
		lastPlan = d.Schedule(100)
		d.MarkActive("t1")
	}

	found := false
	for _, p := range lastPlan {
		if p.method.Name() == "t2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("t2 should have been force-included in the plan after starving, got %+v", lastPlan)
	}
}

func TestScheduleAllWhenNoneActiveOrStarving(t *testing.T) {
	d := NewDispatch(nil, nil)
	t1 := &stubMethod{name: "t1"}
	d.RegisterKnown("t1", t1)
	if _, err := d.Activate("t1", "", 0); err != nil {
		t.Fatal(err)
	}
	// For its first UsageItersActive cycles t1 counts as recently active.
	// Run those out without marking it active, so on the next cycle it is
	// neither recently active nor starving and the fallback schedules it.
	for i := 0; i < UsageItersActive; i++ {
		d.Schedule(50)
	}
	plan := d.Schedule(50)
	if len(plan) != 1 {
		t.Fatalf("expected single method scheduled, got %d", len(plan))
	}
	if plan[0].pollForSpeed || plan[0].idleTimeMs != 50 {
		t.Fatalf("expected fallback scheduling with the full idle budget, got %+v", plan[0])
	}
}

func TestActivateForAddrPrefixMatch(t *testing.T) {
	d := NewDispatch(nil, nil)
	tcp := &stubMethod{name: "tcp"}
	d.RegisterKnown("tcp", tcp)
	m, err := d.ActivateForAddr("tcp://127.0.0.1:1234")
	if err != nil || m != tcp {
		t.Fatalf("expected tcp method activated, got %v err=%v", m, err)
	}
}
