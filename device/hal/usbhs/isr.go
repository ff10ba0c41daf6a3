package usbhs

import (
	"math/bits"

	"github.com/ardnew/usbaudio/device/hal"
	"github.com/ardnew/usbaudio/pkg"
)

// vbusDebounceDelayUs is the spacing between VBUS samples; three reads at
// this spacing must agree before the level is trusted.
const vbusDebounceDelayUs = 10

// ISR services the controller interrupt. It decodes, in order: VBUS
// change, device-state change, control-transfer-stage transition, DMA
// channel completion, buffer-empty (IN complete) and buffer-ready (OUT
// data or IN drained) per endpoint. Three trailing status reads enforce
// register write ordering before returning.
func (d *USBHS) ISR() {
	r := d.regs

	intsts0 := r.INTSTS0.Get()

	bempsts := r.BEMPSTS.Get()
	r.BEMPSTS.ClearBits(bempsts)

	brdysts := r.BRDYSTS.Get()
	r.BRDYSTS.ClearBits(brdysts)

	if intsts0&INT_VBINT != 0 {
		r.INTSTS0.ClearBits(INT_VBINT)
		d.vbusEvent()
	}

	if intsts0&INTSTS0_DVSQ_SUSP != 0 {
		if d.events != nil {
			d.events.EventSuspend()
		}
	}

	if intsts0&INT_RESM != 0 {
		r.INTSTS0.ClearBits(INT_RESM)
		if d.events != nil {
			d.events.EventResume()
		}
	}

	if intsts0&INT_DVST != 0 {
		d.deviceStateEvent(intsts0)
		r.INTSTS0.ClearBits(INT_DVST)
	}

	if intsts0&INT_CTRT != 0 {
		d.controlStageEvent()
		r.INTSTS0.ClearBits(INT_CTRT)
	}

	if d.dmaEnabled {
		for ch := 0; ch < DFIFOCount; ch++ {
			status := d.dma.ChannelStatus(ch)
			if status&DMAStatusComplete != 0 {
				d.dfifoEvent(uint8(ch))
				d.dma.ChannelStatusClear(ch)
			} else if status&DMAStatusError != 0 {
				d.dmaChannelError(uint8(ch))
				d.dma.ChannelStatusClear(ch)
			}
		}
	}

	bempsts &= r.BEMPENB.Get()
	for bempsts != 0 {
		ep := uint8(bits.TrailingZeros16(bempsts))
		d.bempEvent(ep)
		bempsts &^= 1 << ep
	}

	brdysts &= r.BRDYENB.Get()
	for brdysts != 0 {
		ep := uint8(bits.TrailingZeros16(brdysts))
		d.brdyEvent(ep)
		brdysts &^= 1 << ep
	}

	// Register ordering barrier.
	for i := 0; i < 3; i++ {
		_ = r.INTSTS0.Get()
		_ = r.BRDYSTS.Get()
		_ = r.BEMPSTS.Get()
	}
}

// vbusEvent debounces the VBUS level (three agreeing samples at 10 us
// spacing) and reports connection or disconnection.
func (d *USBHS) vbusEvent() {
	r := d.regs

	var v1, v2, v3 bool
	for {
		v1 = r.INTSTS0.IsSet(INTSTS0_VBSTS)
		d.bsp.DelayMicroseconds(vbusDebounceDelayUs)
		v2 = r.INTSTS0.IsSet(INTSTS0_VBSTS)
		d.bsp.DelayMicroseconds(vbusDebounceDelayUs)
		v3 = r.INTSTS0.IsSet(INTSTS0_VBSTS)
		if v1 == v2 && v2 == v3 {
			break
		}
	}

	if d.events == nil {
		return
	}
	if r.INTSTS0.IsSet(INTSTS0_VBSTS) {
		d.events.EventConn()
	} else {
		d.events.EventDisconn()
	}
}

// deviceStateEvent handles Default/Addressed/Configured transitions. The
// controller answers SET_ADDRESS on its own, so on the transition to
// Addressed a synthetic SET_ADDRESS carrying the address already latched
// in USBADDR is fabricated and enqueued exactly once per bus reset.
func (d *USBHS) deviceStateEvent(intsts0 uint16) {
	r := d.regs

	switch (intsts0 & INTSTS0_DVSQ_MASK) >> 4 {
	case DVSQ_DEFAULT:
		if d.events != nil {
			d.events.EventReset()
			if r.DVSTCTR0.Get()&DVSTCTR0_RHST_MASK == DVSTCTR0_RHST_HS {
				d.events.EventHighSpeed()
			}
		}
		d.resetEvent()
		d.mu.Lock()
		d.issueSetAddr = true
		d.mu.Unlock()

	case DVSQ_ADDRESSED:
		d.mu.Lock()
		issue := d.issueSetAddr
		if issue {
			d.issueSetAddr = false
			d.noZLP = true
		}
		d.mu.Unlock()

		if issue {
			pkt := hal.SetupPacket{
				Request: 0x05, // SET_ADDRESS
				Value:   r.USBADDR.Get() & USBADDR_MASK,
			}
			d.setupQ.add(pkt, d.deliverSetup)
		}

	case DVSQ_POWERED:
		d.mu.Lock()
		d.issueSetAddr = true
		d.mu.Unlock()
	}
}

// controlStageEvent decodes a control-transfer-stage (CTSQ) transition.
// Data-stage entries enqueue the setup packet the controller latched; the
// return to the setup stage converts recorded status-stage starts into
// endpoint 0 completions.
func (d *USBHS) controlStageEvent() {
	r := d.regs

	switch r.INTSTS0.Get() & INTSTS0_CTSQ_MASK {
	case CTSQ_WR_STATUS_NDATA, CTSQ_RD_DATA, CTSQ_WR_DATA:
		if r.INTSTS0.Get()&INTSTS0_CTSQ_MASK == CTSQ_WR_STATUS_NDATA {
			d.mu.Lock()
			d.ctrlWrStatusStart = true
			d.mu.Unlock()
		}

		pkt := hal.SetupPacket{
			RequestType: uint8(r.USBREQ.Get()),
			Request:     uint8(r.USBREQ.Get() >> 8),
			Value:       r.USBVAL.Get(),
			Index:       r.USBINDX.Get(),
			Length:      r.USBLENG.Get(),
		}
		d.setupQ.add(pkt, d.deliverSetup)

		r.INTSTS0.ClearBits(INTSTS0_VALID)

	case CTSQ_RD_STATUS:
		d.mu.Lock()
		d.ctrlRdStatusStart = true
		d.mu.Unlock()

	case CTSQ_WR_STATUS:
		d.mu.Lock()
		d.ctrlWrStatusStart = true
		d.mu.Unlock()

	case CTSQ_SETUP:
		d.mu.Lock()
		rd := d.ctrlRdStatusStart
		wr := d.ctrlWrStatusStart
		d.ctrlRdStatusStart = false
		d.ctrlWrStatusStart = false
		d.mu.Unlock()

		if d.events != nil {
			if rd {
				d.events.EPRxCmpl(0)
			}
			if wr {
				d.events.EPTxCmpl(0)
			}
		}
	}
}

// resetEvent clears the per-bus-reset driver state.
func (d *USBHS) resetEvent() {
	d.mu.Lock()
	d.noZLP = false
	d.ctrlRdStatusStart = false
	d.ctrlWrStatusStart = false
	d.availDFIFO = dfifoMask
	d.mu.Unlock()
	d.setupQ.clear()
}

// dmaChannelError completes the transfer owning the channel with an error.
// The endpoint itself stays operational.
func (d *USBHS) dmaChannelError(ch uint8) {
	f := &d.dfifo[ch]

	if f.xferIsRead {
		f.err = pkg.ErrRx
		if d.events != nil {
			d.events.EPRxCmpl(f.epLogNbr)
		}
		return
	}

	f.err = pkg.ErrTx
	d.fifoRelease(ch)
	if d.events != nil {
		d.events.EPTxCmpl(f.epLogNbr)
	}
}

// brdyEvent handles a buffer-ready interrupt: OUT data available, or (for
// a DMA IN transfer) a FIFO buffer freed for the next copy.
func (d *USBHS) brdyEvent(epLogNbr uint8) {
	r := d.regs
	pipe := &d.pipes[epLogNbr]

	if pipe.fifoUsed != CFIFO {
		f := &d.dfifo[pipe.fifoUsed]
		if f.xferIsRead {
			d.dfifoRead(pipe, f, pipe.fifoUsed)
		} else {
			d.dfifoWrite(pipe, f, pipe.fifoUsed)
		}
		return
	}

	r.BRDYENB.ClearBits(1 << epLogNbr)
	d.setPID(epLogNbr, PIPECTR_PID_NAK)
	if d.events != nil {
		d.events.EPRxCmpl(epLogNbr)
	}
}

// bempEvent handles a buffer-empty interrupt: the host has drained an IN
// buffer.
func (d *USBHS) bempEvent(epLogNbr uint8) {
	r := d.regs
	pipe := &d.pipes[epLogNbr]

	if pipe.fifoUsed != CFIFO {
		f := &d.dfifo[pipe.fifoUsed]

		d.mu.Lock()
		f.usbXferByteCnt += f.copyDataCnt
		f.copyDataCnt = 0
		d.mu.Unlock()

		if f.usbXferByteCnt >= len(f.buf) {
			d.setPID(epLogNbr, PIPECTR_PID_NAK)
			d.fifoRelease(pipe.fifoUsed)
			r.BRDYENB.ClearBits(1 << epLogNbr)
			r.BEMPENB.ClearBits(1 << epLogNbr)
			if d.events != nil {
				d.events.EPTxCmpl(epLogNbr)
			}
		}
		return
	}

	d.setPID(epLogNbr, PIPECTR_PID_NAK)
	if pipe.useDblBuf {
		d.mu.Lock()
		r.PIPESEL.Set(uint16(epLogNbr))
		r.PIPECFG.SetBits(PIPECFG_DBLB)
		r.PIPESEL.Set(0)
		d.mu.Unlock()
	}
	r.BEMPENB.ClearBits(1 << epLogNbr)
	if d.events != nil {
		d.events.EPTxCmpl(epLogNbr)
	}
}

// dfifoRead services buffer-ready on a DMA OUT transfer: it computes the
// packet length the controller reports, queues a DMA descriptor, and
// starts the copy if the channel is idle. The 0-3 straggler bytes of the
// final packet are read through the FIFO port directly when the last DMA
// completes.
func (d *USBHS) dfifoRead(pipe *pipeInfo, f *dfifoInfo, ch uint8) bool {
	r := d.regs

	rxLen := int(r.DFIFOn[ch].CTR.Get() & FIFOCTR_DTLN_MASK)
	buf := f.buf[f.dmaXferByteCnt:]

	var xferLen int
	if rxLen <= len(f.buf)-f.usbXferByteCnt {
		f.remByteCnt = rxLen % 4
		xferLen = rxLen - f.remByteCnt
	} else {
		xferLen = len(f.buf) - f.usbXferByteCnt
		f.remByteCnt = xferLen % 4
		xferLen -= f.remByteCnt
		f.err = pkg.ErrRx
	}
	f.usbXferByteCnt += xferLen + f.remByteCnt

	xferEnd := f.usbXferByteCnt >= len(f.buf) ||
		xferLen == 0 ||
		xferLen%int(pipe.maxPktSize) != 0

	if xferLen > 0 {
		d.mu.Lock()
		startDMA := f.dmaQ.Len() == 0
		ix, ok := f.dmaQ.Push()
		if ok {
			f.dmaLens[ix] = xferLen
		}
		f.xferEnd = xferEnd
		d.mu.Unlock()

		if startDMA {
			return d.dma.CopyStart(int(ch), true, buf[:xferLen], &r.DFIFO[ch], xferLen)
		}
		return true
	}

	d.mu.Lock()
	idle := f.dmaQ.Len() == 0
	d.mu.Unlock()
	if idle {
		r.BRDYENB.ClearBits(1 << f.epLogNbr)
		d.dfifoRemBytesRead(f.buf[f.dmaXferByteCnt:], f.remByteCnt, ch)
		if d.events != nil {
			d.events.EPRxCmpl(f.epLogNbr)
		}
	}
	return true
}

// dfifoWrite copies the next chunk of an IN transfer into the FIFO: a DMA
// copy for the word-aligned body, byte-wide FIFO writes for the 0-3
// stragglers, then BVAL and PID=BUF to hand the buffer to the controller.
func (d *USBHS) dfifoWrite(pipe *pipeInfo, f *dfifoInfo, ch uint8) bool {
	r := d.regs

	dmaLen := len(f.buf) - f.dmaXferByteCnt
	if dmaLen > int(pipe.maxBufLen) {
		dmaLen = int(pipe.maxBufLen)
	}
	f.remByteCnt = dmaLen % 4
	dmaLen -= f.remByteCnt
	buf := f.buf[f.dmaXferByteCnt:]

	if dmaLen > 0 {
		f.dmaXferByteCnt += dmaLen
		f.curDMATxLen = dmaLen

		if f.dmaXferByteCnt+f.remByteCnt >= len(f.buf) {
			// Last chunk: stop buffer-freed notifications.
			r.BRDYENB.ClearBits(1 << f.epLogNbr)
		}
		return d.dma.CopyStart(int(ch), false, buf[:dmaLen], &r.DFIFO[ch], dmaLen)
	}

	d.dfifoRemBytesWrite(buf, f.remByteCnt, ch)
	f.dmaXferByteCnt += f.remByteCnt
	f.copyDataCnt += f.remByteCnt

	r.BRDYENB.ClearBits(1 << f.epLogNbr)
	r.DFIFOn[ch].CTR.SetBits(FIFOCTR_BVAL)
	return d.setPID(f.epLogNbr, PIPECTR_PID_BUF)
}

// dfifoEvent services a DMA completion on the channel.
func (d *USBHS) dfifoEvent(ch uint8) {
	r := d.regs
	f := &d.dfifo[ch]
	pipe := &d.pipes[f.epLogNbr]

	if f.xferIsRead {
		nextLen := 0

		d.mu.Lock()
		if ix, ok := f.dmaQ.Pop(); ok {
			f.dmaXferByteCnt += f.dmaLens[ix]
		}
		if ix, ok := f.dmaQ.Peek(); ok {
			nextLen = f.dmaLens[ix]
			d.mu.Unlock()
		} else if f.xferEnd {
			d.mu.Unlock()
			r.BRDYENB.ClearBits(1 << f.epLogNbr)
			d.dfifoRemBytesRead(f.buf[f.dmaXferByteCnt:], f.remByteCnt, ch)
			if d.events != nil {
				d.events.EPRxCmpl(f.epLogNbr)
			}
		} else {
			d.mu.Unlock()
		}

		if nextLen > 0 {
			d.dma.CopyStart(int(ch), true, f.buf[f.dmaXferByteCnt:f.dmaXferByteCnt+nextLen], &r.DFIFO[ch], nextLen)
		}
		return
	}

	// IN direction: flush stragglers, commit the buffer, enable transmission.
	d.dfifoRemBytesWrite(f.buf[f.dmaXferByteCnt:], f.remByteCnt, ch)
	f.copyDataCnt += f.remByteCnt
	f.dmaXferByteCnt += f.remByteCnt
	f.copyDataCnt += f.curDMATxLen
	f.curDMATxLen = 0

	if f.dmaXferByteCnt%int(pipe.maxBufLen) != 0 &&
		!r.DFIFOn[ch].CTR.IsSet(FIFOCTR_BVAL) {
		r.DFIFOn[ch].CTR.SetBits(FIFOCTR_BVAL)
	}

	d.setPID(f.epLogNbr, PIPECTR_PID_BUF)
}

// dfifoRemBytesWrite pushes the straggler bytes through the FIFO port with
// 8-bit access width.
func (d *USBHS) dfifoRemBytesWrite(buf []byte, n int, ch uint8) {
	if n == 0 {
		return
	}
	r := d.regs
	r.DFIFOn[ch].SEL.SetField(FIFOSEL_MBW_MASK, 0, FIFOSEL_MBW_8)
	for i := 0; i < n && i < len(buf); i++ {
		r.DFIFO[ch].WriteByte(buf[i])
	}
}

// dfifoRemBytesRead pops one word from the FIFO port and extracts the
// straggler bytes.
func (d *USBHS) dfifoRemBytesRead(buf []byte, n int, ch uint8) {
	if n == 0 {
		return
	}
	word := d.regs.DFIFO[ch].ReadWord()
	for i := 0; i < n && i < len(buf); i++ {
		buf[i] = byte(word >> (8 * i))
	}
}
