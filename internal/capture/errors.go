package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/smazurov/rtcapture/internal/rtcpu"
)

// Code is the status reported to the layer above for every operation.
type Code int

// Status codes. The numbering matches the firmware result codes.
const (
	CodeOK Code = iota
	CodeInvalidParameter
	CodeNoMemory
	CodeBusy
	CodeNotSupported
	CodeNotInitialized
	CodeOverflow
	CodeNoResources
	CodeTimeout
	CodeInvalidState
)

var codeNames = [...]string{
	CodeOK:               "OK",
	CodeInvalidParameter: "INVALID_PARAMETER",
	CodeNoMemory:         "NO_MEMORY",
	CodeBusy:             "BUSY",
	CodeNotSupported:     "NOT_SUPPORTED",
	CodeNotInitialized:   "NOT_INITIALIZED",
	CodeOverflow:         "OVERFLOW",
	CodeNoResources:      "NO_RESOURCES",
	CodeTimeout:          "TIMEOUT",
	CodeInvalidState:     "INVALID_STATE",
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// Error is returned by every channel operation.
type Error struct {
	Code    Code
	Op      string
	Message string
	Cause   error
	kind    *Error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel an error was derived from.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && (t == e || t == e.kind)
}

// HasCode checks if the error carries a specific code.
func (e *Error) HasCode(code Code) bool {
	return e.Code == code
}

// Sentinel errors. Use errors.Is to test for them.
var (
	ErrAlreadySetUp      = &Error{Code: CodeInvalidState, Message: "channel already set up"}
	ErrNotReady          = &Error{Code: CodeNotInitialized, Message: "channel not ready"}
	ErrBusy              = &Error{Code: CodeBusy, Message: "request slot owned by device"}
	ErrChannelReset      = &Error{Code: CodeInvalidState, Message: "channel reset"}
	ErrChannelReleased   = &Error{Code: CodeNotInitialized, Message: "channel released"}
	ErrInvalidParameter  = &Error{Code: CodeInvalidParameter, Message: "invalid parameter"}
	ErrInvalidDescriptor = &Error{Code: CodeInvalidParameter, Message: "invalid descriptor"}
	ErrNotSupported      = &Error{Code: CodeNotSupported, Message: "not supported"}
	ErrTimeout           = &Error{Code: CodeTimeout, Message: "timed out"}
	ErrProtocol          = &Error{Code: CodeInvalidState, Message: "protocol error"}
	ErrTooManySurfaces   = &Error{Code: CodeOverflow, Message: "too many surfaces for slot"}
)

// fail derives an error from a sentinel, adding operation context.
func fail(kind *Error, op string, cause error, format string, args ...any) *Error {
	msg := kind.Message
	if format != "" {
		msg += ": " + fmt.Sprintf(format, args...)
	}
	return &Error{Code: kind.Code, Op: op, Message: msg, Cause: cause, kind: kind}
}

// failCode builds an error that is not tied to a sentinel.
func failCode(code Code, op string, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf maps any error onto the status enumeration.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInvalidState
	}
}

// CodeFromResult converts a firmware result to a status code.
func CodeFromResult(r rtcpu.Result) Code {
	if r > rtcpu.ResultInvalidState {
		return CodeInvalidState
	}
	return Code(r)
}
