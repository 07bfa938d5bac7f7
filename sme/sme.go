// Package sme is the state-machine engine: a table-driven finite-state
// executor that composes multi-stage client RPCs (lookup, create, I/O,
// readdir, ...) over bmi/mp's post/test surface. Every client operation is a
// CompiledStateMachine — pure static data, the Go equivalent of the source's
// compiled-C state tables — walked by one shared Engine per Core.
package sme

import "math"

// ActionKind selects what a State does when the engine reaches it.
type ActionKind int

const (
	// ActionRun executes a plain state function.
	ActionRun ActionKind = iota
	// ActionJump transfers control into a nested machine; on that machine's
	// terminal transition, control returns here and the return value feeds
	// this state's own transition table.
	ActionJump
	// ActionParallelJump fans out every entry of Parallel as an
	// independent child machine and resumes once all have terminated.
	ActionParallelJump
)

// RetKind says what a matched transition does next.
type RetKind int

const (
	// NextState moves to another state in the same machine.
	NextState RetKind = iota
	// Return unwinds one level of Jump nesting (or completes the SMCB if
	// this is the outermost machine).
	Return
	// Terminate ends the whole operation regardless of nesting depth.
	Terminate
)

// Wildcard is the special transition-table return value that matches any
// return code not otherwise listed, always tried last (spec.md §4.4).
const Wildcard = math.MinInt32

// Transition is one entry of a state's transition table: a return code maps
// to either another state in this machine, a Return, or a Terminate.
type Transition struct {
	ReturnValue int
	Kind        RetKind
	Next        *State // only meaningful when Kind == NextState
}

// ParallelEntry is one fan-out target of an ActionParallelJump state.
type ParallelEntry struct {
	ReturnValue int
	Sub         *CompiledStateMachine
}

// RunFunc is a state's action function. It returns whether the state
// completed immediately (so the engine should consult the transition table
// right away) or deferred (the function posted an MP/flow op and the engine
// must yield until that op's completion re-enters this same state with a
// populated JobStatus). retCode is looked up in the state's transition table
// in either case — once on immediate completion, once again after the state
// re-examines a delivered completion and itself decides it is now done.
type RunFunc func(smcb *SMCB, job JobStatus) (immediate bool, retCode int)

// JobStatus carries a delivered MP/flow completion (or the zero value, for a
// state's first entry) back into a RunFunc.
type JobStatus struct {
	Error      error
	OpID       uint64
	ActualSize int64
	UserPtr    any
}

// State is one node of a CompiledStateMachine.
type State struct {
	Name   string
	Action ActionKind

	Run  RunFunc               // ActionRun, and the setup call for ActionParallelJump
	Jump *CompiledStateMachine // ActionJump target

	Transitions []Transition
	Parallel    []ParallelEntry // ActionParallelJump's fan-out table
}

// FindTransition returns the first transition whose ReturnValue matches ret,
// falling back to a trailing Wildcard entry. The first match wins, matching
// spec.md §4.4's ordered transition-table semantics.
func (s *State) FindTransition(ret int) (Transition, bool) {
	var wildcard (*Transition)
	for i := range s.Transitions {
		t := &s.Transitions[i]
		if t.ReturnValue == ret {
			return *t, true
		}
		if t.ReturnValue == Wildcard {
			wildcard = t
		}
	}
	if wildcard != nil {
		return *wildcard, true
	}
	return Transition{}, false
}

// CompiledStateMachine is pure static data describing one client operation
// (lookup, create, I/O, readdir, ...): an ordered list of states reached
// from First. Arbitrary Jump nesting depth is supported.
type CompiledStateMachine struct {
	Name   string
	States []*State
	First  *State
}
