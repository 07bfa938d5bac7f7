package bmi

// InfoKey enumerates the get_info/set_info keys defined in spec.md §6.
type InfoKey int

const (
	InfoDropAddr InfoKey = iota
	InfoCheckInit
	InfoCheckMaxsize
	InfoGetMethAddr
	InfoIncAddrRef
	InfoDecAddrRef
	InfoDropAddrQuery
	InfoForcefulCancelMode
	InfoGetUnexpSize
	InfoTcpCloseSocket
)

// OpID names one in-flight MP operation.
type OpID uint64

// SysOpID names one in-flight state machine (owned by the sme package, but
// the type lives here since completion records carry it across the
// MP/SME boundary).
type SysOpID uint64

// Completion is the shape MP hands back to a caller out of testcontext /
// testsome (spec.md §6's "Completion-record shape").
type Completion struct {
	OpID       OpID
	Error      error
	ActualSize int64
	UserPtr    any

	// Populated only for completions surfaced via testunexpected.
	Unexpected bool
	Sender     MPAddr
	Buffer     []byte
	Tag        uint32 // the message's own tag (spec.md §6's completion-record shape)
	Class      uint8  // testunexpected's class filter matches against this, not Tag
}
