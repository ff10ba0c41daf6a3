// Package usbhs implements the device-side driver for the Renesas USB
// high-speed controller family.
//
// The controller exposes sixteen pipes over an 8 KB FIFO memory divided in
// 64-byte slots, one CPU-driven central FIFO (CFIFO) and two DMA-capable
// FIFO channels (DFIFO). The driver allocates FIFO regions to bulk and
// isochronous pipes at endpoint open, enabling double buffering and (for
// bulk) continuous mode when the region admits it and a DMA channel is in
// use.
//
// The controller answers the SET_ADDRESS standard request on its own and
// reports control-transfer stages through the CTSQ field; the driver keeps
// a setup-packet queue so the stack sees every standard request, including
// a fabricated SET_ADDRESS, in hardware arrival order.
//
// Two flavors are provided: NewDMA and NewFIFO, sharing everything except
// transfer dispatch.
package usbhs
