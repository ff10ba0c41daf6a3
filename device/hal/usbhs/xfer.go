package usbhs

import (
	"github.com/ardnew/usbaudio/internal/reg"
	"github.com/ardnew/usbaudio/pkg"
)

// fifoReadySpinLimit bounds the FRDY confirmation poll (1 us per spin).
const fifoReadySpinLimit = 4

// EPRxStart arms reception into buf and returns the number of octets the
// controller will accept for this transfer.
//
// In DMA mode the driver handles the entire transfer itself: each buffer
// ready interrupt queues a DMA descriptor, DMA completions chain the next
// copy, and the final straggler bytes are drained through byte-wide FIFO
// reads before RX completion is reported. When no DFIFO channel is free
// the transfer falls back to the CFIFO; a double-buffered pipe runs the
// fallback with double buffering transiently disabled.
func (d *USBHS) EPRxStart(addr uint8, buf []byte) (int, error) {
	r := d.regs
	logNbr := addr & 0x0F
	pipe := &d.pipes[logNbr]

	if logNbr == 0 {
		return d.rxStartFIFO(addr, buf)
	}

	if d.dmaEnabled && len(buf) > 0 {
		pipe.fifoUsed = d.fifoAcquire(logNbr)
	} else {
		pipe.fifoUsed = CFIFO
	}

	if pipe.fifoUsed == CFIFO {
		if pipe.useDblBuf {
			d.mu.Lock()
			r.PIPESEL.Set(uint16(logNbr))
			r.PIPECFG.ClearBits(PIPECFG_DBLB)
			r.PIPESEL.Set(0)
			d.mu.Unlock()
		}
		return d.rxStartFIFO(addr, buf)
	}

	if !d.curPipeSet(&r.DFIFOn[pipe.fifoUsed].SEL, logNbr, false) {
		d.fifoRelease(pipe.fifoUsed)
		return 0, pkg.ErrRx
	}

	// Flush the pipe FIFO.
	ctr := r.pipeCtr(logNbr)
	ctr.SetBits(PIPECTR_ACLRM)
	ctr.ClearBits(PIPECTR_ACLRM)

	// Program the transaction counter so the pipe answers NAK once the
	// expected packet count has been received.
	if slot := pipeTransactionSlot(logNbr); slot >= 0 {
		r.PIPETR[slot].TRN.Set(uint16((len(buf)-1)/int(pipe.maxPktSize)) + 1)
		r.PIPETR[slot].TRE.Set(PIPETRE_TRENB)
	}

	f := &d.dfifo[pipe.fifoUsed]
	f.buf = buf
	f.usbXferByteCnt = 0
	f.dmaXferByteCnt = 0
	f.epLogNbr = logNbr
	f.xferIsRead = true
	f.err = nil
	f.dmaQ.Clear()
	f.xferEnd = false
	f.remByteCnt = 0

	r.BRDYENB.SetBits(1 << logNbr)

	if !d.setPID(logNbr, PIPECTR_PID_BUF) {
		d.fifoRelease(pipe.fifoUsed)
		return 0, pkg.ErrRx
	}
	return len(buf), nil
}

// rxStartFIFO arms a CFIFO reception.
func (d *USBHS) rxStartFIFO(addr uint8, buf []byte) (int, error) {
	r := d.regs
	logNbr := addr & 0x0F
	pipe := &d.pipes[logNbr]

	pipe.fifoUsed = CFIFO

	rxLen := len(buf)
	limit := int(pipe.maxPktSize)
	if pipe.useContinMode {
		limit = int(pipe.maxBufLen)
	}
	if rxLen > limit {
		rxLen = limit
	}

	if logNbr != 0 {
		ctr := r.pipeCtr(logNbr)
		ctr.SetBits(PIPECTR_ACLRM)
		ctr.ClearBits(PIPECTR_ACLRM)
	}

	r.BRDYENB.SetBits(1 << logNbr)

	if !d.setPID(logNbr, PIPECTR_PID_BUF) {
		return 0, pkg.ErrRx
	}
	return rxLen, nil
}

// EPRx completes a received transfer, returning the number of octets
// stored in the buffer passed to EPRxStart.
func (d *USBHS) EPRx(addr uint8, buf []byte) (int, error) {
	r := d.regs
	logNbr := addr & 0x0F
	pipe := &d.pipes[logNbr]

	if pipe.fifoUsed != CFIFO {
		f := &d.dfifo[pipe.fifoUsed]
		n := f.usbXferByteCnt
		err := f.err
		d.fifoRelease(pipe.fifoUsed)
		return n, err
	}

	n, err := d.cfifoRead(logNbr, buf)
	if pipe.useDblBuf {
		d.mu.Lock()
		r.PIPESEL.Set(uint16(logNbr))
		r.PIPECFG.SetBits(PIPECFG_DBLB)
		r.PIPESEL.Set(0)
		d.mu.Unlock()
	}
	if n > len(buf) {
		return len(buf), pkg.ErrRx
	}
	return n, err
}

// EPRxZLP receives a zero-length packet. On endpoint 0 this is the status
// stage of a control read: the controller completes it on its own once
// CCPL is set, and the finished control transfer releases the next queued
// setup packet.
func (d *USBHS) EPRxZLP(addr uint8) error {
	r := d.regs
	logNbr := addr & 0x0F

	if logNbr == 0 {
		if !d.setPID(0, PIPECTR_PID_BUF) {
			return pkg.ErrRx
		}
		r.DCPCTR.SetBits(PIPECTR_CCPL)
		d.setupQ.submitNext(d.deliverSetup)
		return nil
	}

	r.BRDYENB.SetBits(1 << logNbr)
	if !d.setPID(logNbr, PIPECTR_PID_BUF) {
		return pkg.ErrRx
	}
	return nil
}

// cfifoRead drains the current CFIFO content for the pipe into buf,
// returning the packet length the controller reports.
func (d *USBHS) cfifoRead(pipe uint8, buf []byte) (int, error) {
	r := d.regs

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.curPipeSet(&r.CFIFOSEL, pipe, false) {
		return 0, pkg.ErrRx
	}
	if !d.waitFIFOReady(&r.CFIFOCTR) {
		return 0, pkg.ErrRx
	}

	rxLen := int(r.CFIFOCTR.Get() & FIFOCTR_DTLN_MASK)
	if rxLen == 0 {
		r.CFIFOCTR.SetBits(FIFOCTR_BCLR)
		return 0, nil
	}

	n := rxLen
	if n > len(buf) {
		n = len(buf)
	}
	for i := 0; i < n; i += 4 {
		word := r.CFIFO.ReadWord()
		for b := 0; b < 4 && i+b < n; b++ {
			buf[i+b] = byte(word >> (8 * b))
		}
	}
	return rxLen, nil
}

// cfifoWrite pushes buf into the CFIFO for the pipe and marks the pipe
// ready to answer the host. A short packet is committed with BVAL.
func (d *USBHS) cfifoWrite(pipe uint8, buf []byte) error {
	r := d.regs

	if !d.curPipeSet(&r.CFIFOSEL, pipe, pipe == 0) {
		return pkg.ErrTx
	}
	if !d.waitFIFOReady(&r.CFIFOCTR) {
		return pkg.ErrTx
	}

	words := len(buf) / 4
	for i := 0; i < words*4; i += 4 {
		w := uint32(buf[i]) | uint32(buf[i+1])<<8 |
			uint32(buf[i+2])<<16 | uint32(buf[i+3])<<24
		r.CFIFO.WriteWord(w)
	}
	if rem := len(buf) % 4; rem != 0 {
		// Switch to byte-wide access for the stragglers.
		r.CFIFOSEL.SetField(FIFOSEL_MBW_MASK, 0, FIFOSEL_MBW_8)
		for _, b := range buf[words*4:] {
			r.CFIFO.WriteByte(b)
		}
	}

	pi := &d.pipes[pipe]
	if len(buf) < int(pi.maxBufLen) {
		r.CFIFOCTR.SetBits(FIFOCTR_BVAL)
	}

	if !d.setPID(pipe, PIPECTR_PID_BUF) {
		return pkg.ErrTx
	}
	return nil
}

// waitFIFOReady polls FRDY within the bounded spin.
func (d *USBHS) waitFIFOReady(ctr *reg.R16) bool {
	if ctr.IsSet(FIFOCTR_FRDY) {
		return true
	}
	for cnt := 0; cnt < fifoReadySpinLimit; cnt++ {
		d.bsp.DelayMicroseconds(1)
		if ctr.IsSet(FIFOCTR_FRDY) {
			return true
		}
	}
	return false
}

// EPTx prepares a transmission and returns the number of octets the
// controller accepts in one submission: the whole buffer in DMA mode, one
// packet (or one FIFO buffer in continuous mode) through the CFIFO.
func (d *USBHS) EPTx(addr uint8, buf []byte) (int, error) {
	r := d.regs
	logNbr := addr & 0x0F
	pipe := &d.pipes[logNbr]

	if logNbr == 0 || !d.dmaEnabled {
		return d.txPrepFIFO(logNbr, buf), nil
	}

	pipe.fifoUsed = d.fifoAcquire(logNbr)
	if pipe.fifoUsed == CFIFO {
		if pipe.useDblBuf {
			d.mu.Lock()
			r.PIPESEL.Set(uint16(logNbr))
			r.PIPECFG.ClearBits(PIPECFG_DBLB)
			r.PIPESEL.Set(0)
			d.mu.Unlock()
		}
		return d.txPrepFIFO(logNbr, buf), nil
	}

	if !d.curPipeSet(&r.DFIFOn[pipe.fifoUsed].SEL, logNbr, false) {
		d.fifoRelease(pipe.fifoUsed)
		return 0, pkg.ErrTx
	}
	// The driver carries the entire transfer in DMA mode.
	return len(buf), nil
}

// txPrepFIFO computes the CFIFO submission size.
func (d *USBHS) txPrepFIFO(logNbr uint8, buf []byte) int {
	pipe := &d.pipes[logNbr]
	pipe.fifoUsed = CFIFO

	limit := int(pipe.maxPktSize)
	if pipe.useContinMode {
		limit = int(pipe.maxBufLen)
	}
	if len(buf) < limit {
		return len(buf)
	}
	return limit
}

// EPTxStart starts the prepared transmission.
func (d *USBHS) EPTxStart(addr uint8, buf []byte) error {
	r := d.regs
	logNbr := addr & 0x0F
	pipe := &d.pipes[logNbr]

	if pipe.fifoUsed == CFIFO {
		return d.txStartFIFO(logNbr, buf)
	}

	// Flush the pipe FIFO.
	ctr := r.pipeCtr(logNbr)
	ctr.SetBits(PIPECTR_ACLRM)
	ctr.ClearBits(PIPECTR_ACLRM)

	f := &d.dfifo[pipe.fifoUsed]
	f.buf = buf
	f.usbXferByteCnt = 0
	f.dmaXferByteCnt = 0
	f.epLogNbr = logNbr
	f.xferIsRead = false
	f.err = nil
	f.copyDataCnt = 0
	f.remByteCnt = 0

	r.BEMPENB.SetBits(1 << logNbr)
	r.BRDYENB.SetBits(1 << logNbr)

	if !d.dfifoWrite(pipe, f, pipe.fifoUsed) {
		return pkg.ErrTx
	}
	return nil
}

// txStartFIFO pushes one submission through the CFIFO.
func (d *USBHS) txStartFIFO(logNbr uint8, buf []byte) error {
	r := d.regs

	if logNbr != 0 {
		ctr := r.pipeCtr(logNbr)
		ctr.SetBits(PIPECTR_ACLRM)
		ctr.ClearBits(PIPECTR_ACLRM)
	}

	r.BEMPENB.SetBits(1 << logNbr)

	d.mu.Lock()
	err := d.cfifoWrite(logNbr, buf)
	d.mu.Unlock()
	return err
}

// EPTxZLP transmits a zero-length packet. On endpoint 0 this is the status
// stage of a control write; after the controller-handled SET_ADDRESS the
// ZLP is suppressed and completion is reported directly. Either way the
// finished control transfer releases the next queued setup packet.
func (d *USBHS) EPTxZLP(addr uint8) error {
	r := d.regs
	logNbr := addr & 0x0F

	if logNbr == 0 {
		d.mu.Lock()
		noZLP := d.noZLP
		if noZLP {
			d.noZLP = false
		}
		d.mu.Unlock()

		if noZLP {
			if d.events != nil {
				d.events.EPTxCmpl(0)
			}
		} else {
			r.BEMPENB.SetBits(1 << 0)
			ok := d.setPID(0, PIPECTR_PID_BUF)
			r.DCPCTR.SetBits(PIPECTR_CCPL)
			if !ok {
				return pkg.ErrTx
			}
		}
		d.setupQ.submitNext(d.deliverSetup)
		return nil
	}

	return d.txStartFIFO(logNbr, nil)
}
