package usbhs

import (
	"sync"

	"github.com/ardnew/usbaudio/device/hal"
)

// The tests in this package drive the driver against a simulated
// controller: a zero-value register block, FIFO windows backed by byte
// queues, a synchronous DMA engine, and a recorder standing in for the
// device core.

// testBSP satisfies BSP with no-op delays.
type testBSP struct{}

func (testBSP) DelayMicroseconds(int) {}
func (testBSP) DelayMilliseconds(int) {}
func (testBSP) Connect()              {}
func (testBSP) Disconnect()           {}

// byteFIFO is a FIFO window over a byte queue.
type byteFIFO struct {
	mu   sync.Mutex
	data []byte
}

func (f *byteFIFO) ReadWord() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var w uint32
	for i := 0; i < 4 && len(f.data) > 0; i++ {
		w |= uint32(f.data[0]) << (8 * i)
		f.data = f.data[1:]
	}
	return w
}

func (f *byteFIFO) WriteWord(v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < 4; i++ {
		f.data = append(f.data, byte(v>>(8*i)))
	}
}

func (f *byteFIFO) WriteByte(b byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, b)
}

func (f *byteFIFO) bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out
}

func (f *byteFIFO) load(p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, p...)
}

func (f *byteFIFO) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = nil
}

// syncDMA copies synchronously and raises the complete status, which the
// next ISR pass collects.
type syncDMA struct {
	mu     sync.Mutex
	status [DFIFOCount]uint8
	fail   bool
}

func (d *syncDMA) CopyStart(ch int, read bool, buf []byte, port *FIFOPort, n int) bool {
	if d.fail {
		d.mu.Lock()
		d.status[ch] |= DMAStatusError
		d.mu.Unlock()
		return false
	}
	if read {
		for i := 0; i < n; i += 4 {
			w := port.ReadWord()
			for b := 0; b < 4 && i+b < n; b++ {
				buf[i+b] = byte(w >> (8 * b))
			}
		}
	} else {
		for i := 0; i < n; i += 4 {
			var w uint32
			for b := 0; b < 4 && i+b < n; b++ {
				w |= uint32(buf[i+b]) << (8 * b)
			}
			port.WriteWord(w)
		}
	}
	d.mu.Lock()
	d.status[ch] |= DMAStatusComplete
	d.mu.Unlock()
	return true
}

func (d *syncDMA) ChannelStatus(ch int) uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status[ch]
}

func (d *syncDMA) ChannelStatusClear(ch int) {
	d.mu.Lock()
	d.status[ch] = 0
	d.mu.Unlock()
}

// recorder captures the driver's upward traffic.
type recorder struct {
	mu       sync.Mutex
	resets   int
	conns    int
	disconns int
	suspends int
	resumes  int
	hs       int
	setups   []hal.SetupPacket
	rxCmpl   []uint8
	txCmpl   []uint8
}

func (e *recorder) EventReset() {
	e.mu.Lock()
	e.resets++
	e.mu.Unlock()
}

func (e *recorder) EventSuspend() {
	e.mu.Lock()
	e.suspends++
	e.mu.Unlock()
}

func (e *recorder) EventResume() {
	e.mu.Lock()
	e.resumes++
	e.mu.Unlock()
}

func (e *recorder) EventConn() {
	e.mu.Lock()
	e.conns++
	e.mu.Unlock()
}

func (e *recorder) EventDisconn() {
	e.mu.Lock()
	e.disconns++
	e.mu.Unlock()
}

func (e *recorder) EventHighSpeed() {
	e.mu.Lock()
	e.hs++
	e.mu.Unlock()
}

func (e *recorder) EventSetup(pkt hal.SetupPacket) {
	e.mu.Lock()
	e.setups = append(e.setups, pkt)
	e.mu.Unlock()
}

func (e *recorder) EPRxCmpl(ep uint8) {
	e.mu.Lock()
	e.rxCmpl = append(e.rxCmpl, ep)
	e.mu.Unlock()
}

func (e *recorder) EPTxCmpl(ep uint8) {
	e.mu.Lock()
	e.txCmpl = append(e.txCmpl, ep)
	e.mu.Unlock()
}

func (e *recorder) setupCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.setups)
}

// simHost bundles a simulated controller with a driver under test.
type simHost struct {
	regs  *Registers
	drv   *USBHS
	ev    *recorder
	dma   *syncDMA
	cfifo *byteFIFO
	dfifo [DFIFOCount]*byteFIFO
}

// newSimHost builds a DMA-flavor driver over a simulated controller.
func newSimHost(cfg Config) *simHost {
	h := &simHost{
		regs:  &Registers{},
		ev:    &recorder{},
		dma:   &syncDMA{},
		cfifo: &byteFIFO{},
	}
	h.regs.CFIFO.Attach(h.cfifo)
	for i := range h.dfifo {
		h.dfifo[i] = &byteFIFO{}
		h.regs.DFIFO[i].Attach(h.dfifo[i])
	}
	h.drv = NewDMA(h.regs, testBSP{}, h.dma, cfg)
	h.drv.SetEvents(h.ev)
	if err := h.drv.Start(); err != nil {
		panic(err)
	}
	// The simulated FIFO is always ready for CPU access.
	h.regs.CFIFOCTR.SetBits(FIFOCTR_FRDY)
	return h
}

// injectDeviceState raises a device-state-change interrupt for the state.
func (h *simHost) injectDeviceState(dvsq uint16) {
	h.regs.INTSTS0.SetField(INTSTS0_DVSQ_MASK, 4, dvsq)
	h.regs.INTSTS0.SetBits(INT_DVST)
	h.drv.ISR()
}

// injectControlStage raises a control-transfer-stage interrupt.
func (h *simHost) injectControlStage(ctsq uint16) {
	h.regs.INTSTS0.SetField(INTSTS0_CTSQ_MASK, 0, ctsq)
	h.regs.INTSTS0.SetBits(INT_CTRT | INTSTS0_VALID)
	h.drv.ISR()
}

// injectSetup latches a setup packet in the request registers and raises
// the matching data-stage transition.
func (h *simHost) injectSetup(pkt hal.SetupPacket, ctsq uint16) {
	h.regs.USBREQ.Set(uint16(pkt.RequestType) | uint16(pkt.Request)<<8)
	h.regs.USBVAL.Set(pkt.Value)
	h.regs.USBINDX.Set(pkt.Index)
	h.regs.USBLENG.Set(pkt.Length)
	h.injectControlStage(ctsq)
}

// injectBEMP raises a buffer-empty interrupt for the endpoint.
func (h *simHost) injectBEMP(ep uint8) {
	h.regs.BEMPSTS.SetBits(1 << ep)
	h.regs.INTSTS0.SetBits(INT_BEMP)
	h.drv.ISR()
}

// injectBRDY raises a buffer-ready interrupt for the endpoint with the
// given packet length reported in the channel's data-length field.
func (h *simHost) injectBRDY(ep uint8, dtln int, ch int) {
	if ch >= 0 {
		h.regs.DFIFOn[ch].CTR.SetField(FIFOCTR_DTLN_MASK, 0, uint16(dtln))
	} else {
		h.regs.CFIFOCTR.SetField(FIFOCTR_DTLN_MASK, 0, uint16(dtln))
		h.regs.CFIFOCTR.SetBits(FIFOCTR_FRDY)
	}
	h.regs.BRDYSTS.SetBits(1 << ep)
	h.regs.INTSTS0.SetBits(INT_BRDY)
	h.drv.ISR()
}
