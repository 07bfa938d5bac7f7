package sme

import (
	"sync"

	"github.com/parafs/corenet/bmi"
)

// OpKind names which compiled machine a post() call selects (spec.md §4.4's
// op_kind). The concrete set mirrors the top-level client operations this
// core's state-machine framework implements; their POSIX-ish surface itself
// is out of scope (spec.md §1) but the machine shapes are not.
type OpKind int

const (
	OpLookup OpKind = iota
	OpCreate
	OpMkdir
	OpRemove
	OpGetattr
	OpIO
	OpReaddir
	OpDeviceUnexpected
)

func (k OpKind) String() string {
	switch k {
	case OpLookup:
		return "lookup"
	case OpCreate:
		return "create"
	case OpMkdir:
		return "mkdir"
	case OpRemove:
		return "remove"
	case OpGetattr:
		return "getattr"
	case OpIO:
		return "io"
	case OpReaddir:
		return "readdir"
	case OpDeviceUnexpected:
		return "device-unexpected"
	default:
		return "unknown"
	}
}

// IoContext tracks one datafile's in-flight sub-operations for an I/O SMCB,
// matching spec.md §4.4's "I/O SMCB specifics". Cancel walks these.
type IoContext struct {
	SendJobID      bmi.OpID
	RecvJobID      bmi.OpID
	FlowJobID      uint64
	WriteAckJobID  bmi.OpID
	SendInProgress     bool
	RecvInProgress     bool
	FlowInProgress     bool
	WriteAckInProgress bool
}

// jumpFrame records where to resume after a nested machine (reached via
// ActionJump) returns.
type jumpFrame struct {
	returnState *State // the Jump state itself, whose Transitions apply next
}

// LookupWalkState holds the per-component path-resolution progress for an
// OpLookup SMCB (the "lookup walk state" spec.md §3 mentions as one of the
// op-kind's sub-union members).
type LookupWalkState struct {
	Components []string
	Index      int
	ResolvedID uint64
}

// SMCB is the state-machine control block: one instance per in-flight SME
// operation (spec.md §3).
type SMCB struct {
	mu sync.Mutex

	OpKind  OpKind
	SysOpID bmi.SysOpID
	UserPtr any
	Creds   any

	engine  *Engine
	machine *CompiledStateMachine
	current *State
	stack   []jumpFrame

	Complete bool
	Error    error

	Canceled bool

	// IoContexts is populated for OpIO SMCBs: one entry per datafile.
	IoContexts []IoContext
	// Lookup is populated for OpLookup SMCBs.
	Lookup *LookupWalkState

	// onCompleteHook, when set, is called instead of pushing onto the
	// engine's process-wide completion list — used for a ParallelJump
	// child SMCB, whose parent goroutine is the one actually waiting.
	onCompleteHook func()
}

// Engine returns the engine driving this SMCB, so RunFuncs can post further
// MP/flow operations and register themselves for completion delivery.
func (s *SMCB) Engine() *Engine { return s.engine }

// MarkCanceled sets the cancel flag, which RunFuncs can read through
// IsCanceled. The engine itself does not check it: it neither stops a
// canceled SMCB's states from running nor blocks their MP posts.
func (s *SMCB) MarkCanceled() {
	s.mu.Lock()
	s.Canceled = true
	s.mu.Unlock()
}

// IsCanceled reports whether cancel has been requested for this SMCB.
func (s *SMCB) IsCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Canceled
}
