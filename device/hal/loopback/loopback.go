// Package loopback provides an in-memory USB device controller for tests
// and demos. The driver side implements hal.Driver; the Host side stands
// in for a USB host, delivering setup packets, completing OUT transfers
// with data and draining IN transfers.
package loopback

import (
	"sync"
	"time"

	"github.com/ardnew/usbaudio/device/hal"
	"github.com/ardnew/usbaudio/pkg"
)

// armWaitTimeout bounds how long the host waits for the device to arm an
// endpoint before giving up on a completion.
const armWaitTimeout = time.Second

type endpoint struct {
	armed   bool
	buf     []byte
	rxLen   int
	pending []byte // IN data awaiting host collection
	stalled bool
}

// Driver is the device-side half of the loopback controller.
type Driver struct {
	mu     sync.Mutex
	events hal.Events
	eps    [32]endpoint
	armCh  [32]chan struct{}

	frame   uint16
	speed   hal.Speed
	running bool

	ctrlResp []byte // bytes the device transmitted on endpoint 0
}

var _ hal.Driver = (*Driver)(nil)

// New creates a loopback controller at the given speed.
func New(speed hal.Speed) *Driver {
	d := &Driver{speed: speed}
	for i := range d.armCh {
		d.armCh[i] = make(chan struct{}, 1)
	}
	return d
}

// SetEvents installs the upward event interface.
func (d *Driver) SetEvents(ev hal.Events) { d.events = ev }

func epIndex(addr uint8) int {
	if addr&0x80 != 0 {
		return int(addr&0x0F) + 16
	}
	return int(addr & 0x0F)
}

// Start implements hal.Driver.
func (d *Driver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return pkg.ErrAlreadyRunning
	}
	d.running = true
	return nil
}

// Stop implements hal.Driver.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	return nil
}

// FrameNumber implements hal.Driver.
func (d *Driver) FrameNumber() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frame
}

// Speed implements hal.Driver.
func (d *Driver) Speed() hal.Speed { return d.speed }

// EPOpen implements hal.Driver.
func (d *Driver) EPOpen(cfg hal.EndpointConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eps[epIndex(cfg.Address)] = endpoint{}
	return nil
}

// EPClose implements hal.Driver.
func (d *Driver) EPClose(addr uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eps[epIndex(addr)] = endpoint{}
}

// EPRxStart implements hal.Driver.
func (d *Driver) EPRxStart(addr uint8, buf []byte) (int, error) {
	d.mu.Lock()
	ep := &d.eps[epIndex(addr)]
	ep.armed = true
	ep.buf = buf
	ep.rxLen = 0
	d.mu.Unlock()

	select {
	case d.armCh[epIndex(addr)] <- struct{}{}:
	default:
	}
	return len(buf), nil
}

// EPRx implements hal.Driver.
func (d *Driver) EPRx(addr uint8, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eps[epIndex(addr)].rxLen, nil
}

// EPRxZLP implements hal.Driver.
func (d *Driver) EPRxZLP(addr uint8) error { return nil }

// EPTx implements hal.Driver.
func (d *Driver) EPTx(addr uint8, buf []byte) (int, error) {
	return len(buf), nil
}

// EPTxStart implements hal.Driver. Endpoint 0 transmissions complete
// immediately, as if the host drained them; data endpoints hold the
// buffer until the host collects it.
func (d *Driver) EPTxStart(addr uint8, buf []byte) error {
	ix := epIndex(addr)
	if addr&0x0F == 0 {
		d.mu.Lock()
		d.ctrlResp = append(d.ctrlResp, buf...)
		d.mu.Unlock()
		if d.events != nil {
			d.events.EPTxCmpl(0)
		}
		return nil
	}

	d.mu.Lock()
	ep := &d.eps[ix]
	ep.armed = true
	ep.pending = append([]byte(nil), buf...)
	d.mu.Unlock()

	select {
	case d.armCh[ix] <- struct{}{}:
	default:
	}
	return nil
}

// EPTxZLP implements hal.Driver.
func (d *Driver) EPTxZLP(addr uint8) error {
	if addr&0x0F == 0 && d.events != nil {
		d.events.EPTxCmpl(0)
	}
	return nil
}

// EPAbort implements hal.Driver.
func (d *Driver) EPAbort(addr uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eps[epIndex(addr)] = endpoint{}
	return nil
}

// EPStall implements hal.Driver.
func (d *Driver) EPStall(addr uint8, set bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eps[epIndex(addr)].stalled = set
	return nil
}

// ISR implements hal.Driver. The loopback controller delivers events
// inline, so there is nothing to decode.
func (d *Driver) ISR() {}

// Host is the host-side view of the loopback controller.
type Host struct {
	d *Driver
}

// Host returns the host-side view.
func (d *Driver) Host() *Host { return &Host{d: d} }

// DeliverSetup hands a setup packet to the device.
func (h *Host) DeliverSetup(pkt hal.SetupPacket) {
	if h.d.events != nil {
		h.d.events.EventSetup(pkt)
	}
}

// Reset injects a bus reset.
func (h *Host) Reset() {
	if h.d.events != nil {
		h.d.events.EventReset()
	}
}

// AdvanceFrames moves the frame counter forward.
func (h *Host) AdvanceFrames(n uint16) {
	h.d.mu.Lock()
	h.d.frame = (h.d.frame + n) & 0x07FF
	h.d.mu.Unlock()
}

// WaitArmed blocks until the device arms the endpoint, or fails after the
// arm wait timeout.
func (h *Host) WaitArmed(addr uint8) error {
	ix := epIndex(addr)

	h.d.mu.Lock()
	armed := h.d.eps[ix].armed
	h.d.mu.Unlock()
	if armed {
		return nil
	}

	select {
	case <-h.d.armCh[ix]:
		return nil
	case <-time.After(armWaitTimeout):
		return pkg.ErrTimeout
	}
}

// CompleteOut finishes an armed OUT transfer with the given data and
// reports the completion.
func (h *Host) CompleteOut(addr uint8, data []byte) error {
	if err := h.WaitArmed(addr); err != nil {
		return err
	}

	h.d.mu.Lock()
	ep := &h.d.eps[epIndex(addr)]
	if !ep.armed {
		h.d.mu.Unlock()
		return pkg.ErrNAK
	}
	n := copy(ep.buf, data)
	ep.rxLen = n
	ep.armed = false
	h.d.mu.Unlock()

	if h.d.events != nil {
		h.d.events.EPRxCmpl(addr & 0x0F)
	}
	return nil
}

// CollectIn drains an armed IN transfer, returning the transmitted data.
func (h *Host) CollectIn(addr uint8) ([]byte, error) {
	if err := h.WaitArmed(addr); err != nil {
		return nil, err
	}

	h.d.mu.Lock()
	ep := &h.d.eps[epIndex(addr)]
	if !ep.armed {
		h.d.mu.Unlock()
		return nil, pkg.ErrNAK
	}
	data := ep.pending
	ep.pending = nil
	ep.armed = false
	h.d.mu.Unlock()

	if h.d.events != nil {
		h.d.events.EPTxCmpl(addr & 0x0F)
	}
	return data, nil
}

// ControlResponse returns and clears the bytes the device transmitted on
// endpoint 0.
func (h *Host) ControlResponse() []byte {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	out := h.d.ctrlResp
	h.d.ctrlResp = nil
	return out
}

// Stalled reports the endpoint's stall state.
func (h *Host) Stalled(addr uint8) bool {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	return h.d.eps[epIndex(addr)].stalled
}
