// Package capture implements the host side of the coprocessor capture
// protocol.
//
// A Channel owns a ring of process descriptors (and, for the image
// processor, a second ring of program descriptors) in memory shared with the
// firmware. Submitting a slot rewrites its fences, pins every surface it
// references and sends a message naming the slot. The firmware answers
// asynchronously with status indications; the channel's dispatcher completes
// requests strictly in submission order, drops their pins and then signals
// completion, either to callers blocked in Status or by writing a
// progress-status cell.
//
// Reset and release are the only ways to abandon outstanding work. Both
// drop every pin whatever the firmware answers.
package capture
