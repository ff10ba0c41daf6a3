// Package device implements the thin device-core boundary between a USB
// controller driver and class drivers.
//
// The core owns endpoint 0: it receives setup packets from the driver in
// hardware arrival order, runs the data stage, hands each request to the
// registered class handler and completes or stalls the status stage. For
// data endpoints it provides asynchronous isochronous submission with
// bounded per-endpoint queueing; completions are delivered to the
// submitter's callback in wire order.
//
// Descriptor emission, configuration enumeration and the standard request
// set live outside this module; the core routes every request it receives
// to the class handler unmodified.
package device
