// Package mailbox provides an in-process coprocessor for the capture channel
// protocol.
//
// Transport implements rtcpu.Transport with one outbound queue per stream and
// inbound routing by header id. Firmware consumes the host side of the
// transport and plays the device: it assigns channel ids, executes requests
// in arrival order against the descriptor rings, increments progress
// counters, reports status indications and answers reset and release.
//
// Wiring a host channel to the simulator:
//
//	mb := mailbox.NewTransport(0, logger)
//	fw, err := mailbox.NewFirmware(mailbox.Options{
//		Mailbox:  mb,
//		Memory:   surfaces,
//		Counters: pool,
//	})
//	mb.Start(fw)
//	defer mb.Close()
//
// Memory is usually a *surface.Registry and Counters a *syncpt.Pool shared
// with the host channels.
package mailbox
