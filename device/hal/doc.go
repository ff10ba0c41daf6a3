// Package hal defines the Hardware Abstraction Layer contract between the
// USB device core and controller drivers.
//
// A controller driver implements Driver: start/stop, frame number access,
// endpoint open/close, asynchronous transfer arming and harvesting, abort,
// stall control and an ISR entry. The driver reports upward through Events:
// bus events, setup packet delivery and per-endpoint transfer completions.
//
// Drivers in this repository:
//
//   - usbhs: the Renesas USB high-speed controller family, with DMA-enabled
//     and FIFO-only flavors.
//   - loopback: an in-memory controller for tests and demos.
package hal
