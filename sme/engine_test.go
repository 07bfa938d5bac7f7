package sme

import (
	"testing"
	"time"

	"github.com/parafs/corenet/bmi"
	"github.com/parafs/corenet/flow"
)

// buildTwoStateImmediate is spec.md §8 scenario 6: a two-state machine where
// state-1 returns 1 (immediate) must reach state-2 within the same post()
// call and complete without any MP op.
func buildTwoStateImmediate() *CompiledStateMachine {
	s2 := &State{
		Name:   "finish",
		Action: ActionRun,
		Run: func(smcb *SMCB, job JobStatus) (bool, int) {
			return true, 0
		},
		Transitions: []Transition{{ReturnValue: 0, Kind: Terminate}},
	}
	s1 := &State{
		Name:   "start",
		Action: ActionRun,
		Run: func(smcb *SMCB, job JobStatus) (bool, int) {
			return true, 1
		},
		Transitions: []Transition{{ReturnValue: 1, Kind: NextState, Next: s2}},
	}
	return &CompiledStateMachine{Name: "two-state", States: []*State{s1, s2}, First: s1}
}

func TestEngine_TwoStateImmediateCompletesSynchronously(t *testing.T) {
	e := New(nil, nil)
	e.Register(OpLookup, buildTwoStateImmediate())

	smcb := &SMCB{}
	id, err := e.Post(OpLookup, smcb, "marker")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if !smcb.Complete {
		t.Fatalf("expected synchronous completion, machine still pending")
	}
	if smcb.Error != nil {
		t.Fatalf("unexpected error: %v", smcb.Error)
	}
	if id == 0 {
		t.Fatalf("expected a non-zero SysOpID")
	}
}

// buildDeferredMachine posts nothing itself (a real RunFunc would call
// smcb.Engine().MP().PostSendList and Engine().TrackOp); this test instead
// drives the yield/redeliver path directly via Deliver, standing in for
// whatever would have driven mp.Core.TestContext.
func buildDeferredMachine(opID bmi.OpID) *CompiledStateMachine {
	done := &State{
		Name:   "done",
		Action: ActionRun,
		Run: func(smcb *SMCB, job JobStatus) (bool, int) {
			if job.Error != nil {
				return true, 1
			}
			return true, 0
		},
		Transitions: []Transition{
			{ReturnValue: 0, Kind: Terminate},
			{ReturnValue: 1, Kind: Terminate},
		},
	}
	posting := &State{
		Name:   "posting",
		Action: ActionRun,
		Run: func(smcb *SMCB, job JobStatus) (bool, int) {
			if job.OpID == uint64(opID) {
				// re-entered after the completion was delivered
				return true, 0
			}
			smcb.Engine().TrackOp(opID, smcb)
			return false, 0 // yield
		},
		Transitions: []Transition{{ReturnValue: 0, Kind: NextState, Next: done}},
	}
	return &CompiledStateMachine{Name: "deferred", States: []*State{posting, done}, First: posting}
}

func TestEngine_DeferredCompletionReentersSameState(t *testing.T) {
	e := New(nil, nil)
	const opID bmi.OpID = 42
	e.Register(OpIO, buildDeferredMachine(opID))

	smcb := &SMCB{}
	_, err := e.Post(OpIO, smcb, nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if smcb.Complete {
		t.Fatalf("machine should have yielded, not completed")
	}

	e.Deliver(bmi.Completion{OpID: opID})
	if !smcb.Complete {
		t.Fatalf("expected completion after Deliver")
	}
}

// buildDeferredFlowMachine mirrors buildDeferredMachine but yields on a
// posted flow job instead of an MP op, exercising Engine.PostFlow/DeliverFlow
// the way a real bulk-transfer RunFunc would.
func buildDeferredFlowMachine() *CompiledStateMachine {
	var jobID uint64
	var posted bool
	done := &State{
		Name:   "done",
		Action: ActionRun,
		Run: func(smcb *SMCB, job JobStatus) (bool, int) {
			if job.Error != nil {
				return true, 1
			}
			return true, 0
		},
		Transitions: []Transition{
			{ReturnValue: 0, Kind: Terminate},
			{ReturnValue: 1, Kind: Terminate},
		},
	}
	posting := &State{
		Name:   "posting",
		Action: ActionRun,
		Run: func(smcb *SMCB, job JobStatus) (bool, int) {
			if posted && job.OpID == jobID {
				// re-entered after the flow completion was delivered
				return true, 0
			}
			id, err := smcb.Engine().PostFlow(&flow.Descriptor{}, smcb)
			if err != nil {
				return true, 1
			}
			jobID, posted = id, true
			return false, 0 // yield
		},
		Transitions: []Transition{{ReturnValue: 0, Kind: NextState, Next: done}},
	}
	return &CompiledStateMachine{Name: "deferred-flow", States: []*State{posting, done}, First: posting}
}

func TestEngine_FlowCompletionReentersSameState(t *testing.T) {
	e := New(nil, nil)
	e.BindFlow(flow.New(nil))
	e.Register(OpIO, buildDeferredFlowMachine())

	smcb := &SMCB{}
	if _, err := e.Post(OpIO, smcb, nil); err != nil {
		t.Fatalf("post: %v", err)
	}
	if smcb.Complete {
		t.Fatalf("machine should have yielded, not completed")
	}

	d, ok := e.Flow().Find(flow.Query{})
	if !ok {
		t.Fatalf("expected a queued flow descriptor")
	}
	e.Flow().Complete(d, 0, nil)
	if !smcb.Complete {
		t.Fatalf("expected completion after flow Complete")
	}
}

func TestEngine_TestSomeDrainsCompletionList(t *testing.T) {
	e := New(nil, nil)
	e.Register(OpLookup, buildTwoStateImmediate())

	for i := 0; i < 3; i++ {
		if _, err := e.Post(OpLookup, &SMCB{}, i); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}

	ids, userPtrs, errs, err := e.TestSome(10, 50)
	if err != nil {
		t.Fatalf("testsome: %v", err)
	}
	if len(ids) != 3 || len(userPtrs) != 3 || len(errs) != 3 {
		t.Fatalf("expected 3 completions, got %d", len(ids))
	}
}

func TestEngine_ParallelJumpFansOutAndResumes(t *testing.T) {
	childOK := &CompiledStateMachine{
		Name: "child-ok",
		First: &State{
			Name:        "only",
			Action:      ActionRun,
			Run:         func(smcb *SMCB, job JobStatus) (bool, int) { return true, 0 },
			Transitions: []Transition{{ReturnValue: 0, Kind: Terminate}},
		},
	}
	after := &State{
		Name:        "after-fanout",
		Action:      ActionRun,
		Run:         func(smcb *SMCB, job JobStatus) (bool, int) { return true, 0 },
		Transitions: []Transition{{ReturnValue: 0, Kind: Terminate}},
	}
	fanout := &State{
		Name:   "fanout",
		Action: ActionParallelJump,
		Run:    func(smcb *SMCB, job JobStatus) (bool, int) { return true, 0 },
		Parallel: []ParallelEntry{
			{ReturnValue: 0, Sub: childOK},
			{ReturnValue: 0, Sub: childOK},
		},
		Transitions: []Transition{{ReturnValue: 0, Kind: NextState, Next: after}},
	}
	machine := &CompiledStateMachine{Name: "parallel", States: []*State{fanout, after}, First: fanout}

	e := New(nil, nil)
	e.Register(OpIO, machine)

	smcb := &SMCB{}
	if _, err := e.Post(OpIO, smcb, nil); err != nil {
		t.Fatalf("post: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !smcb.Complete && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !smcb.Complete {
		t.Fatalf("parallel machine never completed")
	}
	if smcb.Error != nil {
		t.Fatalf("unexpected error: %v", smcb.Error)
	}
}

func TestEngine_CancelMarksSMCBAndIsIdempotentAfterReap(t *testing.T) {
	e := New(nil, nil)
	e.Register(OpLookup, buildTwoStateImmediate())

	smcb := &SMCB{}
	id, err := e.Post(OpLookup, smcb, nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	// Complete but not yet reaped, so Cancel still finds it and sets the flag.
	if err := e.Cancel(id); err != nil {
		t.Fatalf("cancel before reap: %v", err)
	}
	if !smcb.IsCanceled() {
		t.Fatalf("expected Cancel to mark the SMCB canceled")
	}

	// Already complete; testsome reaps and unregisters it, after which
	// Cancel must be a documented no-op (spec.md §7).
	if _, _, _, err := e.TestSome(1, 10); err != nil {
		t.Fatalf("testsome: %v", err)
	}
	if err := e.Cancel(id); err != nil {
		t.Fatalf("cancel after reap should be a no-op, got %v", err)
	}
}

func TestEngine_DeviceUnexpectedCompletesImmediately(t *testing.T) {
	e := New(nil, nil)
	id := e.PostDeviceUnexpected("upcall")
	ids, userPtrs, _, err := e.TestSome(1, 10)
	if err != nil {
		t.Fatalf("testsome: %v", err)
	}
	if len(ids) != 1 || ids[0] != id || userPtrs[0] != "upcall" {
		t.Fatalf("expected the device-unexpected smcb to be immediately reapable")
	}
}
