// Package rtcpu defines the wire contract between the host and the camera
// coprocessor firmware.
//
// All traffic is exchanged as fixed-size little-endian frames of [FrameSize]
// bytes. Every frame starts with an 8-byte [Header] holding the message kind and
// a 32-bit identifier. For control traffic the identifier is the channel id once
// a channel exists; setup requests, which precede channel allocation, carry a
// caller-chosen transaction id in the same field.
//
// Two independent streams exist:
//
//	StreamControl  request/response pairs, one in flight per channel
//	StreamCapture  fire-and-forget requests and unsolicited status indications
//
// Field order and size inside a frame are part of the firmware contract and must
// not be rearranged.
package rtcpu
