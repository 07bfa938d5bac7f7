// Package tm defines the transport-method (TM) contract shared by every
// network technology this core drives (TCP, GM, MX), plus the anti-starvation
// polling schedule the MP layer uses to fan its testcontext/testunexpected
// calls out across whichever TMs are currently active.
package tm

import "github.com/parafs/corenet/bmi"

// InitFlags controls Initialize's server/client behavior.
type InitFlags uint32

const (
	FlagServer InitFlags = 1 << iota
	FlagNoPolling
)

// Completion is re-exported for convenience; see bmi.Completion.
type Completion = bmi.Completion

// Method is the fixed capability set every transport method must implement
// (spec.md §4.1). Post operations return (opID, immediate, err): immediate
// true means the operation already completed and no further test is needed
// to observe its result via the returned Completion-equivalent fields;
// immediate false means the caller must reap it later via Test/TestContext.
type Method interface {
	Name() string

	Initialize(listenAddr string, flags InitFlags) error
	Finalize() error

	OpenContext(id bmi.ContextID) error
	CloseContext(id bmi.ContextID) error

	PostSendList(addr any, buffers [][]byte, tag uint32, mode uint32, ctx bmi.ContextID, userPtr any) (opID uint64, immediate bool, err error)
	PostRecvList(addr any, buffers [][]byte, tag uint32, expected int64, mode uint32, ctx bmi.ContextID, userPtr any) (opID uint64, immediate bool, err error)
	PostSendUnexpectedList(addr any, buffers [][]byte, tag uint32, class uint8, ctx bmi.ContextID, userPtr any) (opID uint64, immediate bool, err error)

	Test(opID uint64, ctx bmi.ContextID) (done bool, comp Completion, err error)
	TestContext(incount int, ctx bmi.ContextID, timeoutMs int) (completions []Completion, err error)
	TestUnexpected(incount int, class uint8, hasClass bool, timeoutMs int) (completions []Completion, err error)

	Cancel(opID uint64, ctx bmi.ContextID) error

	AddrLookup(s string) (any, error)
	AddrRevLookup(tmAddr any) (string, bool)

	SetInfo(key bmi.InfoKey, val any) error
	GetInfo(key bmi.InfoKey) (any, error)

	QueryAddrRange(addr any, cidr string, netmask int) (int, error)

	// NoPolling reports whether this TM drives its own completions (e.g. via
	// a helper thread) and should be excluded from the MP polling schedule.
	NoPolling() bool
}

// ForgetCallback is how a TM offers an address for reclamation
// (method_addr_forget_callback in spec.md §4.2).
type ForgetCallback func(tmAddr any)

// DropCallback is how a TM demands MP release all zero-refcount addresses
// for this method (method_addr_drop_callback in spec.md §4.2).
type DropCallback func(methodName string)

// AddrCallbackSetter is implemented by TMs that can offer addresses for
// asynchronous reclamation (spec.md §4.2's forget-list / force-drop-list).
// Not every TM needs one: GM/MX's simulated Device has no independent
// liveness signal the way TCP's socket collection (zero-reads, POLLHUP) has.
type AddrCallbackSetter interface {
	SetAddrCallbacks(forget ForgetCallback, drop DropCallback)
}
