// Package bmi holds what every layer of the message-passing stack shares:
// the handle types, the info keys, the completion record, the address
// grammar, and the canonical error taxonomy. The executable MP shim that
// multiplexes the transport methods (TCP, GM, MX) and owns the address
// reference list and id registry is bmi/mp.
package bmi

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is the canonical, transport-independent error taxonomy (spec.md §6).
type Code int

const (
	CodeOK Code = iota
	CodePerm
	CodeNoEnt
	CodeIntr
	CodeIO
	CodeNoMem
	CodeInval
	CodeNameTooLong
	CodeNoSys
	CodeMessageSize
	CodeProtoType
	CodeProtoNoSupport
	CodeOpNotSupp
	CodeAddrInUse
	CodeAddrNotAvail
	CodeNetDown
	CodeNetUnreach
	CodeNetReset
	CodeNoBufs
	CodeTimedOut
	CodeConnRefused
	CodeHostDown
	CodeHostUnreach
	CodeAlready
	CodeCanceled
	CodeProto
	CodeAccess
	CodeConnReset
)

var codeNames = map[Code]string{
	CodeOK:             "OK",
	CodePerm:           "Perm",
	CodeNoEnt:          "NoEnt",
	CodeIntr:           "Intr",
	CodeIO:             "Io",
	CodeNoMem:          "NoMem",
	CodeInval:          "Inval",
	CodeNameTooLong:    "NameTooLong",
	CodeNoSys:          "NoSys",
	CodeMessageSize:    "MessageSize",
	CodeProtoType:      "ProtoType",
	CodeProtoNoSupport: "ProtoNoSupport",
	CodeOpNotSupp:      "OpNotSupp",
	CodeAddrInUse:      "AddrInUse",
	CodeAddrNotAvail:   "AddrNotAvail",
	CodeNetDown:        "NetDown",
	CodeNetUnreach:     "NetUnreach",
	CodeNetReset:       "NetReset",
	CodeNoBufs:         "NoBufs",
	CodeTimedOut:       "TimedOut",
	CodeConnRefused:    "ConnRefused",
	CodeHostDown:       "HostDown",
	CodeHostUnreach:    "HostUnreach",
	CodeAlready:        "Already",
	CodeCanceled:       "Canceled",
	CodeProto:          "Proto",
	CodeAccess:         "Access",
	CodeConnReset:      "ConnReset",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error wraps a canonical Code with the "BMI-origin" sentinel bit so callers
// can distinguish a transport failure from a higher-layer (SME/Flow) one,
// plus the underlying cause for logging.
type Error struct {
	Code      Code
	BMIOrigin bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("bmi: %s: %v", e.Code, e.cause)
	}
	return fmt.Sprintf("bmi: %s", e.Code)
}

// Cause exposes the wrapped error to github.com/pkg/errors.Cause.
func (e *Error) Cause() error { return e.cause }

// Unwrap supports errors.Is/As from the standard library too.
func (e *Error) Unwrap() error { return e.cause }

// NewError builds a canonical BMI-origin error around cause (which may be
// nil when the code alone is the payload, e.g. a cancellation).
func NewError(code Code, cause error) *Error {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Code: code, BMIOrigin: true, cause: cause}
}

// AsCode extracts the canonical Code from err, if it is (or wraps) a *Error.
// Any other error maps to CodeIO, matching the "unknown codes fall through to
// Io" rule in spec.md §7.
func AsCode(err error) Code {
	if err == nil {
		return CodeOK
	}
	var be *Error
	if errorsAs(err, &be) {
		return be.Code
	}
	return CodeIO
}

func errorsAs(err error, target **Error) bool {
	for err != nil {
		if be, ok := err.(*Error); ok {
			*target = be
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// TMErrorTable maps a transport method's native error codes to the canonical
// taxonomy. Each TM supplies one; unmapped codes fall through to CodeIO
// (spec.md §7).
type TMErrorTable map[int]Code

// Normalize converts a raw TM errno (looked up in table) plus its underlying
// cause into a canonical *Error, wrapped with github.com/pkg/errors so
// errors.Cause still recovers the original syscall error for logging.
func Normalize(table TMErrorTable, nativeErrno int, cause error) *Error {
	code, ok := table[nativeErrno]
	if !ok {
		code = CodeIO
	}
	return NewError(code, cause)
}
