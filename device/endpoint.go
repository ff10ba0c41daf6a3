package device

import (
	"fmt"
	"sync"

	"github.com/ardnew/usbaudio/device/hal"
	"github.com/ardnew/usbaudio/pkg"
)

// Endpoint transfer types (USB 2.0 Spec Table 9-13).
const (
	EndpointTypeControl     = 0x00 // Control transfer
	EndpointTypeIsochronous = 0x01 // Isochronous transfer
	EndpointTypeBulk        = 0x02 // Bulk transfer
	EndpointTypeInterrupt   = 0x03 // Interrupt transfer
)

// Endpoint directions.
const (
	EndpointDirectionOut = 0x00 // Host to device
	EndpointDirectionIn  = 0x80 // Device to host
)

// Isochronous synchronization types (bits 2-3 of Attributes).
const (
	IsoSyncNone     = 0x00 // No synchronization
	IsoSyncAsync    = 0x04 // Asynchronous
	IsoSyncAdaptive = 0x08 // Adaptive
	IsoSyncSync     = 0x0C // Synchronous
)

// Isochronous usage types (bits 4-5 of Attributes).
const (
	IsoUsageData     = 0x00 // Data endpoint
	IsoUsageFeedback = 0x10 // Feedback endpoint
	IsoUsageImplicit = 0x20 // Implicit feedback data endpoint
)

// EndpointAddrNone marks an absent optional endpoint (e.g. a streaming
// interface with no synch endpoint).
const EndpointAddrNone = 0xFF

// Endpoint is the core's runtime state for one open endpoint: the
// characteristics the controller was configured with, plus the stall
// bookkeeping. Endpoints are registered with Core.OpenEndpoint; transfer
// submissions are validated against the registered direction and stall
// state.
type Endpoint struct {
	Address       uint8  // Endpoint address including direction
	Attributes    uint8  // Transfer type and sync/usage for isochronous
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval (interrupt/isochronous)

	mu      sync.Mutex
	stalled bool
}

// NewIsochronous builds an isochronous endpoint. attr carries the
// synchronization and usage bits (IsoSync*, IsoUsage*).
func NewIsochronous(addr uint8, maxPktSize uint16, attr uint8) *Endpoint {
	return &Endpoint{
		Address:       addr,
		Attributes:    EndpointTypeIsochronous | attr,
		MaxPacketSize: maxPktSize,
		Interval:      1,
	}
}

// Config translates the endpoint into the HAL configuration handed to the
// controller driver at open.
func (e *Endpoint) Config() hal.EndpointConfig {
	return hal.EndpointConfig{
		Address:       e.Address,
		Attributes:    e.Attributes,
		MaxPacketSize: e.MaxPacketSize,
		Interval:      e.Interval,
	}
}

// Number returns the endpoint number (0-15).
func (e *Endpoint) Number() uint8 {
	return e.Address & 0x0F
}

// Direction returns EndpointDirectionIn or EndpointDirectionOut.
func (e *Endpoint) Direction() uint8 {
	return e.Address & 0x80
}

// IsIn reports whether this is an IN endpoint (device to host).
func (e *Endpoint) IsIn() bool {
	return e.Direction() == EndpointDirectionIn
}

// IsOut reports whether this is an OUT endpoint (host to device).
func (e *Endpoint) IsOut() bool {
	return e.Direction() == EndpointDirectionOut
}

// TransferType returns the transfer type bits of the attributes.
func (e *Endpoint) TransferType() uint8 {
	return e.Attributes & 0x03
}

// IsIsochronous reports whether this is an isochronous endpoint.
func (e *Endpoint) IsIsochronous() bool {
	return e.TransferType() == EndpointTypeIsochronous
}

// IsoSyncType returns the isochronous synchronization bits.
func (e *Endpoint) IsoSyncType() uint8 {
	return e.Attributes & 0x0C
}

// IsoUsageType returns the isochronous usage bits.
func (e *Endpoint) IsoUsageType() uint8 {
	return e.Attributes & 0x30
}

// setStall records the stall state. The core updates it alongside the
// driver's PID selection.
func (e *Endpoint) setStall(stalled bool) {
	e.mu.Lock()
	e.stalled = stalled
	e.mu.Unlock()
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint stall changed",
		"address", fmt.Sprintf("0x%02X", e.Address), "stalled", stalled)
}

// IsStalled reports the recorded stall state.
func (e *Endpoint) IsStalled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stalled
}
