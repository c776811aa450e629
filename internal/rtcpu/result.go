package rtcpu

import "fmt"

// Result is the status word the firmware returns in control responses.
type Result uint32

// Firmware result codes.
const (
	ResultOK Result = iota
	ResultInvalidParameter
	ResultNoMemory
	ResultBusy
	ResultNotSupported
	ResultNotInitialized
	ResultOverflow
	ResultNoResources
	ResultTimeout
	ResultInvalidState
)

var resultNames = map[Result]string{
	ResultOK:               "ok",
	ResultInvalidParameter: "invalid-parameter",
	ResultNoMemory:         "no-memory",
	ResultBusy:             "busy",
	ResultNotSupported:     "not-supported",
	ResultNotInitialized:   "not-initialized",
	ResultOverflow:         "overflow",
	ResultNoResources:      "no-resources",
	ResultTimeout:          "timeout",
	ResultInvalidState:     "invalid-state",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("result(%d)", uint32(r))
}
