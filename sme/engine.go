package sme

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/parafs/corenet/bmi"
	"github.com/parafs/corenet/bmi/idreg"
	"github.com/parafs/corenet/bmi/mp"
	"github.com/parafs/corenet/flow"
)

// ClientSMContext is the single shared completion domain every SMCB's posted
// MP ops are reaped through (spec.md §4.4's client_sm_context). New opens
// it on the bound Core, where it counts toward bmi.MaxContexts like any
// other open context.
const ClientSMContext bmi.ContextID = 0

// Engine drives every compiled state machine registered with it: advancing
// SMCBs through Run/Jump/ParallelJump states, delivering MP completions back
// into their owning SMCB, and exposing the post/test/testsome/cancel surface
// spec.md §4.4 specifies.
type Engine struct {
	mu       sync.Mutex
	machines map[OpKind]*CompiledStateMachine
	byOpID   map[bmi.OpID]*SMCB // which SMCB owns a posted-and-not-yet-reaped MP op
	byFlow   map[uint64]*SMCB   // ditto, keyed by flow job id

	completionMu   sync.Mutex
	completionList []*SMCB

	ids *idreg.Registry
	mp  *mp.Core     // nil is valid for machines that never touch the network (unit tests)
	flq *flow.Queue  // bound flow queue, nil for machines that never post bulk transfers
	log *logrus.Entry
}

// New creates an engine bound to core (may be nil) for posting MP operations.
func New(core *mp.Core, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &Engine{
		machines: make(map[OpKind]*CompiledStateMachine),
		byOpID:   make(map[bmi.OpID]*SMCB),
		byFlow:   make(map[uint64]*SMCB),
		ids:      idreg.New(),
		mp:       core,
		log:      log.WithField("component", "sme"),
	}
	if core != nil {
		_ = core.OpenContext(ClientSMContext)
	}
	return e
}

// MP exposes the bound Core so RunFuncs can post sends/recvs.
func (e *Engine) MP() *mp.Core { return e.mp }

// BindFlow attaches the flow queue I/O RunFuncs post bulk transfers through.
// Optional: an engine with no bound queue simply never has an OpIO RunFunc
// call PostFlow.
func (e *Engine) BindFlow(q *flow.Queue) { e.flq = q }

// Flow exposes the bound queue so RunFuncs can post flow descriptors.
func (e *Engine) Flow() *flow.Queue { return e.flq }

// PostFlow enqueues d on the bound flow queue and wires its completion back
// into smcb: once the underlying transfer calls Queue.Complete, Deliver's
// flow-engine counterpart re-enters smcb's advance loop the same way an MP
// completion does (spec.md §4.5: "Flows are opaque to the SME apart from
// their completion notifications").
func (e *Engine) PostFlow(d *flow.Descriptor, smcb *SMCB) (uint64, error) {
	if e.flq == nil {
		return 0, bmi.NewError(bmi.CodeNoSys, nil)
	}
	jobID := e.flq.Enqueue(d)
	e.TrackFlow(jobID, smcb)
	d.OnComplete(func(d *flow.Descriptor) { e.DeliverFlow(d) })
	return jobID, nil
}

// Register compiles op into the engine's table of selectable machines.
func (e *Engine) Register(op OpKind, machine *CompiledStateMachine) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.machines[op] = machine
}

// TrackOp records that opID's completion, once delivered via TestContext,
// belongs to smcb. RunFuncs call this right after a deferred (non-immediate)
// MP post.
func (e *Engine) TrackOp(opID bmi.OpID, smcb *SMCB) {
	e.mu.Lock()
	e.byOpID[opID] = smcb
	e.mu.Unlock()
}

// TrackFlow is TrackOp's flow-engine equivalent.
func (e *Engine) TrackFlow(flowJobID uint64, smcb *SMCB) {
	e.mu.Lock()
	e.byFlow[flowJobID] = smcb
	e.mu.Unlock()
}

// Post selects the compiled machine for opKind, attaches it to smcb, and
// advances it until suspension (spec.md §4.4's post() steps 1-4).
func (e *Engine) Post(opKind OpKind, smcb *SMCB, userPtr any) (bmi.SysOpID, error) {
	e.mu.Lock()
	machine, ok := e.machines[opKind]
	e.mu.Unlock()
	if !ok {
		return 0, bmi.NewError(bmi.CodeNoSys, nil)
	}

	smcb.OpKind = opKind
	smcb.UserPtr = userPtr
	smcb.engine = e
	smcb.machine = machine
	smcb.current = machine.First
	smcb.SysOpID = bmi.SysOpID(e.ids.Register(smcb))

	e.advance(smcb, JobStatus{})
	return smcb.SysOpID, nil
}

// PostDeviceUnexpected enqueues a receive against the out-of-band device
// transport used for OS upcalls (spec.md §4.4's "device-unexpected path").
// There being no real device in this environment, the SMCB is marked
// complete the instant it would have appeared in testcontext.
func (e *Engine) PostDeviceUnexpected(userPtr any) bmi.SysOpID {
	smcb := &SMCB{UserPtr: userPtr, OpKind: OpDeviceUnexpected, engine: e, Complete: true}
	smcb.SysOpID = bmi.SysOpID(e.ids.Register(smcb))
	e.pushCompletion(smcb)
	return smcb.SysOpID
}

// advance runs smcb's current state (and every state a chain of immediate
// completions reaches) until the machine yields on a deferred MP/flow post,
// or terminates.
func (e *Engine) advance(smcb *SMCB, job JobStatus) {
	for {
		state := smcb.current

		switch state.Action {
		case ActionJump:
			smcb.stack = append(smcb.stack, jumpFrame{returnState: state})
			smcb.current = state.Jump.First
			job = JobStatus{}
			continue

		case ActionParallelJump:
			immediate, _ := state.Run(smcb, job)
			_ = immediate // the setup call's own return is not transition-matched; it only primes state
			e.dispatchParallel(smcb, state)
			return // yields until every child machine terminates

		default: // ActionRun
			immediate, ret := state.Run(smcb, job)
			if !immediate {
				return // yields until the posted op's completion re-enters here
			}
			next, unwound := e.resolveTransition(smcb, state, ret)
			if !unwound {
				return // completeSMCB already called by resolveTransition
			}
			if next == nil {
				job = JobStatus{}
				continue // resolveTransition already set smcb.current
			}
			smcb.current = next
			job = JobStatus{}
			continue
		}
	}
}

// resolveTransition looks up ret in state's transition table and applies it:
// NextState sets smcb.current directly, Return unwinds one Jump frame
// (possibly more, if the enclosing machine's own transition for the same
// ret is itself Return/Terminate), and Terminate or an exhausted stack
// completes the SMCB. It reports (nil, true) when smcb.current was already
// advanced by an unwind step, or (next, true) for a plain same-machine move;
// (nil, false) means the SMCB is now complete and the caller must stop.
func (e *Engine) resolveTransition(smcb *SMCB, state *State, ret int) (*State, bool) {
	for {
		t, matched := state.FindTransition(ret)
		if !matched {
			e.completeSMCB(smcb, bmi.NewError(bmi.CodeProto, nil))
			return nil, false
		}
		switch t.Kind {
		case NextState:
			return t.Next, true
		case Terminate:
			e.completeSMCB(smcb, nil)
			return nil, false
		case Return:
			if len(smcb.stack) == 0 {
				e.completeSMCB(smcb, nil)
				return nil, false
			}
			frame := smcb.stack[len(smcb.stack)-1]
			smcb.stack = smcb.stack[:len(smcb.stack)-1]
			smcb.current = frame.returnState
			state = frame.returnState // consult the enclosing machine's own table next
			continue
		}
	}
}

// dispatchParallel fans every ParallelEntry out as an independent child
// machine (spec.md §4.4's ActionParallelJump), waits for all to terminate,
// then resumes smcb's enclosing transition table.
func (e *Engine) dispatchParallel(smcb *SMCB, state *State) {
	children := make([]*SMCB, len(state.Parallel))
	var g errgroup.Group
	for i, entry := range state.Parallel {
		i, entry := i, entry
		child := &SMCB{OpKind: smcb.OpKind, engine: e, machine: entry.Sub, current: entry.Sub.First}
		child.SysOpID = bmi.SysOpID(e.ids.Register(child))
		children[i] = child
		g.Go(func() error {
			done := make(chan struct{})
			child.onCompleteHook = func() { close(done) }
			e.advance(child, JobStatus{})
			if !child.Complete {
				<-done
			}
			return child.Error
		})
	}
	go func() {
		err := g.Wait()
		ret := 0
		if err != nil {
			ret = int(bmi.AsCode(err))
		}
		t, matched := state.FindTransition(ret)
		if !matched {
			e.completeSMCB(smcb, bmi.NewError(bmi.CodeProto, nil))
			return
		}
		if t.Kind == NextState {
			smcb.current = t.Next
			e.advance(smcb, JobStatus{})
			return
		}
		e.completeSMCB(smcb, nil)
	}()
}

func (e *Engine) completeSMCB(smcb *SMCB, err error) {
	smcb.mu.Lock()
	smcb.Complete = true
	smcb.Error = err
	hook := smcb.onCompleteHook
	smcb.mu.Unlock()
	if hook != nil {
		hook()
		return // a parallel child: its parent's goroutine observes completion directly
	}
	e.pushCompletion(smcb)
}

func (e *Engine) pushCompletion(smcb *SMCB) {
	e.completionMu.Lock()
	e.completionList = append(e.completionList, smcb)
	e.completionMu.Unlock()
}

// Deliver feeds one MP completion back into its owning SMCB, re-entering the
// advance loop at the SMCB's current state (spec.md §4.4's completion
// delivery). Callers drive this from whatever drains bmi/mp's
// ClientSMContext (a dedicated goroutine, or DriveOnce below).
func (e *Engine) Deliver(comp bmi.Completion) {
	e.mu.Lock()
	smcb, ok := e.byOpID[comp.OpID]
	if ok {
		delete(e.byOpID, comp.OpID)
	}
	e.mu.Unlock()
	if !ok {
		e.log.WithField("op_id", comp.OpID).Error("completion for unknown op id")
		return
	}
	e.advance(smcb, JobStatus{Error: comp.Error, OpID: uint64(comp.OpID), ActualSize: comp.ActualSize, UserPtr: comp.UserPtr})
}

// DeliverFlow is Deliver's flow-engine counterpart: it feeds one completed
// flow.Descriptor back into its owning SMCB (spec.md §4.5's "Flows are
// opaque to the SME apart from their completion notifications"). PostFlow
// wires this in as the Descriptor's OnComplete callback.
func (e *Engine) DeliverFlow(d *flow.Descriptor) {
	e.mu.Lock()
	smcb, ok := e.byFlow[d.JobID]
	if ok {
		delete(e.byFlow, d.JobID)
	}
	e.mu.Unlock()
	if !ok {
		e.log.WithField("flow_job_id", d.JobID).Error("completion for unknown flow job id")
		return
	}
	e.advance(smcb, JobStatus{Error: d.Error, OpID: d.JobID, ActualSize: d.ActualSize, UserPtr: d.UserPtr})
}

// DriveOnce pulls up to incount completions off the bound Core's shared
// context and delivers each; it is the core's driver loop climbing
// completions from TM up through MP into SME (spec.md §2's "Completions
// climb" paragraph). No-op if this engine has no bound Core.
func (e *Engine) DriveOnce(incount, timeoutMs int) (int, error) {
	if e.mp == nil {
		return 0, nil
	}
	comps, err := e.mp.TestContext(incount, ClientSMContext, timeoutMs)
	for _, c := range comps {
		e.Deliver(c)
	}
	return len(comps), err
}

// Test polls until sysOpID's SMCB completes, driving the shared context in
// the meantime, up to timeoutMs (spec.md §4.4).
func (e *Engine) Test(sysOpID bmi.SysOpID, timeoutMs int) (bool, error) {
	v, ok := e.ids.Lookup(uint64(sysOpID))
	if !ok {
		return false, bmi.NewError(bmi.CodeInval, nil)
	}
	smcb := v.(*SMCB)

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		smcb.mu.Lock()
		done := smcb.Complete
		smcb.mu.Unlock()
		if done {
			e.ids.Unregister(uint64(sysOpID))
			return true, smcb.Error
		}
		if _, err := e.DriveOnce(16, 10); err != nil {
			return false, err
		}
		if timeoutMs >= 0 && time.Now().After(deadline) {
			return false, nil
		}
	}
}

// TestSome drains up to count completed SMCBs from the process-wide
// completion list (spec.md §4.4).
func (e *Engine) TestSome(count int, timeoutMs int) (ids []bmi.SysOpID, userPtrs []any, errs []error, err error) {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		e.completionMu.Lock()
		n := len(e.completionList)
		if n > count {
			n = count
		}
		batch := e.completionList[:n]
		e.completionList = e.completionList[n:]
		e.completionMu.Unlock()

		if n > 0 {
			for _, smcb := range batch {
				ids = append(ids, smcb.SysOpID)
				userPtrs = append(userPtrs, smcb.UserPtr)
				errs = append(errs, smcb.Error)
				e.ids.Unregister(uint64(smcb.SysOpID))
			}
			return ids, userPtrs, errs, nil
		}
		if _, derr := e.DriveOnce(16, 10); derr != nil {
			return nil, nil, nil, derr
		}
		if time.Now().After(deadline) {
			return nil, nil, nil, nil
		}
	}
}

// Cancel sets sysOpID's SMCB cancel flag and, for I/O operations, issues an
// MP-level cancel on every in-flight per-datafile sub-op (spec.md §4.4).
// Safe to call concurrently with TestSome.
func (e *Engine) Cancel(sysOpID bmi.SysOpID) error {
	v, ok := e.ids.Lookup(uint64(sysOpID))
	if !ok {
		return nil // already reaped; cancel is a no-op (spec.md §7)
	}
	smcb := v.(*SMCB)
	smcb.MarkCanceled()

	if smcb.OpKind != OpIO || e.mp == nil {
		return nil
	}
	smcb.mu.Lock()
	ioCtxs := append([]IoContext(nil), smcb.IoContexts...)
	smcb.mu.Unlock()

	var firstErr error
	for _, ioc := range ioCtxs {
		if ioc.SendInProgress {
			if err := e.mp.Cancel(ioc.SendJobID, ClientSMContext); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if ioc.RecvInProgress {
			if err := e.mp.Cancel(ioc.RecvJobID, ClientSMContext); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if ioc.WriteAckInProgress {
			if err := e.mp.Cancel(ioc.WriteAckJobID, ClientSMContext); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if ioc.FlowInProgress && e.flq != nil {
			if d, ok := e.flq.Find(flow.Query{JobID: ioc.FlowJobID, HasJobID: true}); ok {
				if err := e.flq.Cancel(d, e.mp); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}
