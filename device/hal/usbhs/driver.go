package usbhs

import (
	"sync"

	"github.com/ardnew/usbaudio/device/hal"
	"github.com/ardnew/usbaudio/internal/reg"
	"github.com/ardnew/usbaudio/internal/ring"
	"github.com/ardnew/usbaudio/pkg"
)

// Config selects driver-wide options.
type Config struct {
	// HighSpeed enables high-speed negotiation.
	HighSpeed bool

	// PipeBufLen optionally reserves a FIFO region length (in bytes, a
	// multiple of 64) per endpoint number. Endpoints without an entry get
	// the default: twice the rounded-up max packet size in DMA mode, one
	// max packet otherwise.
	PipeBufLen map[uint8]uint16
}

// pipeInfo is the driver's bookkeeping for one pipe.
type pipeInfo struct {
	totBufLen     uint16 // total FIFO region reserved for this pipe
	maxBufLen     uint16 // length of a single buffer (half when double-buffered)
	bufStartIx    uint8  // first FIFO slot of the region; 0 = not allocated
	useDblBuf     bool
	useContinMode bool
	maxPktSize    uint16
	fifoUsed      uint8 // DFIFO channel index, or CFIFO
}

// dfifoInfo is the state of one DMA FIFO channel for the transfer that
// currently owns it.
type dfifoInfo struct {
	epLogNbr   uint8
	xferIsRead bool
	buf        []byte

	// IN transfer counters.
	copyDataCnt int // octets copied to the FIFO and pending transmission
	curDMATxLen int // length of the DMA copy in flight
	remByteCnt  int // 0-3 straggler bytes moved by byte-wide FIFO access

	// OUT transfer descriptor queue (double buffering keeps up to
	// RxQueueDepth packet lengths in flight between BRDY and DMA
	// completion).
	dmaQ    *ring.Queue
	dmaLens [RxQueueDepth]int
	xferEnd bool

	err            error
	usbXferByteCnt int // octets moved on the USB wire
	dmaXferByteCnt int // octets moved by DMA
}

// USBHS is the device-side driver for the Renesas USB high-speed
// controller family. Two flavors exist: NewDMA uses the two DFIFO channels
// with double buffering and continuous mode where the pipe's FIFO region
// admits it; NewFIFO moves every byte through the CPU-driven CFIFO. The
// flavors share everything except transfer dispatch.
type USBHS struct {
	regs   *Registers
	bsp    BSP
	dma    DMA
	events hal.Events
	cfg    Config

	dmaEnabled bool

	mu         sync.Mutex // guards the fields below (short critical sections)
	availDFIFO uint8      // bitmap of free DFIFO channels
	nextBufIx  uint8      // next free FIFO buffer slot for bulk/isoc pipes

	noZLP             bool // suppress status ZLP after the controller-handled SET_ADDRESS
	issueSetAddr      bool // fabricate one SET_ADDRESS on the next Addressed transition
	ctrlRdStatusStart bool
	ctrlWrStatusStart bool

	setupQ *setupQueue

	pipes [PipeCount]pipeInfo
	dfifo [DFIFOCount]dfifoInfo
}

var _ hal.Driver = (*USBHS)(nil)

// NewDMA creates the DMA-enabled driver flavor.
func NewDMA(regs *Registers, bsp BSP, dma DMA, cfg Config) *USBHS {
	d := newDriver(regs, bsp, cfg)
	d.dma = dma
	d.dmaEnabled = true
	return d
}

// NewFIFO creates the FIFO-only driver flavor.
func NewFIFO(regs *Registers, bsp BSP, cfg Config) *USBHS {
	return newDriver(regs, bsp, cfg)
}

func newDriver(regs *Registers, bsp BSP, cfg Config) *USBHS {
	d := &USBHS{
		regs:   regs,
		bsp:    bsp,
		cfg:    cfg,
		setupQ: newSetupQueue(),
	}
	for i := range d.dfifo {
		d.dfifo[i].dmaQ = ring.NewQueue(RxQueueDepth)
	}
	return d
}

// SetEvents installs the upward event interface. Must be called before
// Start.
func (d *USBHS) SetEvents(ev hal.Events) { d.events = ev }

// dfifoMask is the bitmap of all DFIFO channels.
const dfifoMask = (1 << DFIFOCount) - 1

// Start brings the controller online and attaches to the bus.
func (d *USBHS) Start() error {
	r := d.regs

	// Wake the UTMI transceiver and the PLL.
	r.SUSPMODE.ClearBits(SUSPMODE_SUSPM)
	r.SYSCFG0.Set(SYSCFG0_UPLLE)
	d.bsp.DelayMilliseconds(1)
	r.SUSPMODE.SetBits(SUSPMODE_SUSPM)
	d.bsp.DelayMilliseconds(50)

	r.SYSCFG0.ClearBits(SYSCFG0_DCFM)
	if d.cfg.HighSpeed {
		r.SYSCFG0.SetBits(SYSCFG0_HSE)
	}

	d.bsp.Connect()

	r.SYSCFG0.SetBits(SYSCFG0_USBE)
	r.INTENB0.Set(INT_VBINT | INT_RESM | INT_DVST | INT_CTRT | INT_BEMP | INT_BRDY)
	r.BRDYENB.Set(0)
	r.NRDYENB.Set(0)
	r.BEMPENB.Set(0)
	for i := range r.DFIFOn {
		r.DFIFOn[i].SEL.Set(0)
	}

	d.mu.Lock()
	d.availDFIFO = dfifoMask
	d.nextBufIx = BufStartIndex
	d.issueSetAddr = true
	d.noZLP = false
	d.ctrlRdStatusStart = false
	d.ctrlWrStatusStart = false
	for i := range d.pipes {
		d.pipes[i].fifoUsed = CFIFO
	}
	d.mu.Unlock()
	d.setupQ.clear()

	d.bsp.DelayMilliseconds(10)
	r.SYSCFG0.SetBits(SYSCFG0_DPRPU)

	pkg.LogDebug(pkg.ComponentDriver, "controller started",
		"dma", d.dmaEnabled, "high-speed", d.cfg.HighSpeed)
	return nil
}

// Stop detaches from the bus and disables the controller.
func (d *USBHS) Stop() error {
	r := d.regs
	r.BRDYENB.Set(0)
	r.NRDYENB.Set(0)
	r.BEMPENB.Set(0)
	r.SYSCFG0.ClearBits(SYSCFG0_USBE)
	d.bsp.DelayMilliseconds(1)
	r.SUSPMODE.ClearBits(SUSPMODE_SUSPM)
	r.SYSCFG0.Set(0)
	d.bsp.Disconnect()
	return nil
}

// FrameNumber returns the current (micro)frame number: the 11-bit frame
// counter with the microframe number in bits 11-13 at high speed.
func (d *USBHS) FrameNumber() uint16 {
	r := d.regs
	frm := r.FRMNUM.Get() & FRMNUM_FRNM_MASK
	frm |= (r.UFRMNUM.Get() & UFRMNUM_UFRNM_MASK) << 11
	return frm
}

// Speed returns the negotiated bus speed.
func (d *USBHS) Speed() hal.Speed {
	switch d.regs.DVSTCTR0.Get() & DVSTCTR0_RHST_MASK {
	case DVSTCTR0_RHST_HS:
		return hal.SpeedHigh
	case DVSTCTR0_RHST_FS:
		return hal.SpeedFull
	default:
		return hal.SpeedUnknown
	}
}

// roundUpBufUnit rounds n up to the FIFO buffer slot granularity.
func roundUpBufUnit(n uint16) uint16 {
	return ((n - 1) &^ (BufUnitLen - 1)) + BufUnitLen
}

// EPOpen allocates controller resources for the endpoint and configures
// its pipe.
func (d *USBHS) EPOpen(cfg hal.EndpointConfig) error {
	r := d.regs
	logNbr := cfg.Number()
	pipe := &d.pipes[logNbr]

	if cfg.TransferType() == hal.EndpointTypeControl {
		r.DCPCFG.Set(0)
		r.DCPMAXP.Set(cfg.MaxPacketSize & 0x007F)
		pipe.maxPktSize = cfg.MaxPacketSize
		pipe.maxBufLen = BufUnitLen
		return nil
	}

	pipe.useDblBuf = false
	pipe.useContinMode = false

	var pipebufVal uint16
	if cfg.TransferType() != hal.EndpointTypeInterrupt {
		// Bulk and isochronous pipes share the FIFO slot pool above the
		// fixed control/interrupt region.
		rounded := roundUpBufUnit(cfg.MaxPacketSize)

		reserved := d.cfg.PipeBufLen[logNbr]
		if reserved == 0 {
			reserved = rounded
			if d.dmaEnabled {
				reserved = 2 * rounded
			}
		}
		if reserved < rounded {
			return pkg.ErrInvalidParameter
		}

		d.mu.Lock()
		if pipe.bufStartIx == 0 || pipe.totBufLen < reserved {
			slots := uint16(reserved / BufUnitLen)
			if uint16(d.nextBufIx)+slots > BufSlotCount {
				d.mu.Unlock()
				return pkg.ErrNoResources
			}
			pipe.bufStartIx = d.nextBufIx
			d.nextBufIx += uint8(slots)
			pipe.totBufLen = reserved
		}
		d.mu.Unlock()

		single := pipe.totBufLen
		if d.dmaEnabled && single/2 >= rounded {
			single /= 2
			pipe.useDblBuf = true
			if single/2 >= rounded && cfg.TransferType() == hal.EndpointTypeBulk {
				pipe.useContinMode = true
			}
		}
		pipe.maxBufLen = single

		bufQty := single/BufUnitLen - 1
		pipebufVal = (bufQty << PIPEBUF_BUFSIZE_POS) & PIPEBUF_BUFSIZE_MASK
		pipebufVal |= uint16(pipe.bufStartIx) & PIPEBUF_BUFNMB_MASK
	} else {
		pipe.maxBufLen = BufUnitLen
	}

	pipecfgVal := uint16(logNbr) & PIPECFG_EPNUM_MASK
	switch cfg.TransferType() {
	case hal.EndpointTypeInterrupt:
		pipecfgVal |= PIPECFG_TYPE_INTR
	case hal.EndpointTypeBulk:
		pipecfgVal |= PIPECFG_TYPE_BULK
	case hal.EndpointTypeIsochronous:
		pipecfgVal |= PIPECFG_TYPE_ISOC
	default:
		return pkg.ErrInvalidParameter
	}

	if pipe.useDblBuf {
		pipecfgVal |= PIPECFG_DBLB
	}
	if pipe.useContinMode {
		pipecfgVal |= PIPECFG_CNTMD
	}
	if cfg.IsIn() {
		pipecfgVal |= PIPECFG_DIR
	} else {
		pipecfgVal |= PIPECFG_SHTNAK
	}

	d.mu.Lock()
	r.PIPESEL.Set(uint16(logNbr))
	r.PIPEMAXP.Set(cfg.MaxPacketSize & PIPEMAXP_MXPS_MASK)
	r.PIPECFG.Set(pipecfgVal)
	r.PIPEPERI.Set(0)
	r.PIPEBUF.Set(pipebufVal)
	r.PIPESEL.Set(0)
	d.mu.Unlock()

	// Reset data toggle and flush the pipe FIFO.
	ctr := r.pipeCtr(logNbr)
	ctr.SetBits(PIPECTR_SQCLR)
	ctr.SetBits(PIPECTR_ACLRM)
	ctr.ClearBits(PIPECTR_ACLRM)

	pipe.maxPktSize = cfg.MaxPacketSize
	return nil
}

// EPClose disables the endpoint's pipe and its interrupt sources.
func (d *USBHS) EPClose(addr uint8) {
	r := d.regs
	logNbr := addr & 0x0F

	if logNbr != 0 {
		d.mu.Lock()
		r.PIPESEL.Set(uint16(logNbr))
		r.PIPEMAXP.Set(0)
		r.PIPECFG.Set(0)
		r.PIPEPERI.Set(0)
		r.PIPESEL.Set(0)
		d.mu.Unlock()
	}

	r.BEMPENB.ClearBits(1 << logNbr)
	r.BRDYENB.ClearBits(1 << logNbr)
}

// EPStall sets or clears the endpoint stall condition. Stalling endpoint 0
// completes the current control transfer, so the next queued setup packet
// is released to the stack.
func (d *USBHS) EPStall(addr uint8, set bool) error {
	logNbr := addr & 0x0F
	if set {
		ok := d.setPID(logNbr, PIPECTR_PID_STALL1)
		if addr == 0x00 {
			d.setupQ.submitNext(d.deliverSetup)
		}
		if !ok {
			return pkg.ErrTimeout
		}
		return nil
	}

	ok := d.setPID(logNbr, PIPECTR_PID_NAK)
	// Reset data toggle.
	d.regs.pipeCtr(logNbr).SetBits(PIPECTR_SQCLR)
	if !ok {
		return pkg.ErrTimeout
	}
	return nil
}

// EPAbort cancels any transfer on the endpoint: the pipe answers NAK, its
// interrupt sources are disabled, and an owned DFIFO channel is released.
func (d *USBHS) EPAbort(addr uint8) error {
	r := d.regs
	logNbr := addr & 0x0F

	ok := d.setPID(logNbr, PIPECTR_PID_NAK)

	r.BEMPENB.ClearBits(1 << logNbr)
	r.BRDYENB.ClearBits(1 << logNbr)

	pipe := &d.pipes[logNbr]
	if pipe.fifoUsed < DFIFOCount && d.dfifo[pipe.fifoUsed].epLogNbr == logNbr {
		d.fifoRelease(pipe.fifoUsed)
	}

	if !ok {
		return pkg.ErrTimeout
	}
	return nil
}

// fifoAcquire claims a free DFIFO channel for the endpoint, falling back
// to the CFIFO when the pool is exhausted or DMA is disabled.
func (d *USBHS) fifoAcquire(epLogNbr uint8) uint8 {
	if epLogNbr == 0 || !d.dmaEnabled {
		return CFIFO
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for ch := uint8(0); ch < DFIFOCount; ch++ {
		if d.availDFIFO&(1<<ch) != 0 {
			d.availDFIFO &^= 1 << ch
			return ch
		}
	}
	return CFIFO
}

// fifoRelease returns a DFIFO channel to the pool.
func (d *USBHS) fifoRelease(ch uint8) {
	if ch >= DFIFOCount {
		return
	}
	d.mu.Lock()
	d.availDFIFO |= 1 << ch
	d.mu.Unlock()
}

// pidSpinLimit bounds the PBUSY poll when leaving the BUF response
// (1 us per spin, 200 us total).
const pidSpinLimit = 200

// setPID drives the pipe response selection through its legal transitions:
// STALL2 is left via STALL1, BUF is entered via NAK, and leaving BUF waits
// for PBUSY to clear within the bounded spin.
func (d *USBHS) setPID(pipe uint8, pid uint16) bool {
	ctr := d.regs.pipeCtr(pipe)
	prev := ctr.Get() & PIPECTR_PID_MASK
	if prev == pid {
		return true
	}

	valid := true
	switch pid {
	case PIPECTR_PID_BUF:
		if prev == PIPECTR_PID_STALL2 {
			ctr.SetField(PIPECTR_PID_MASK, 0, PIPECTR_PID_STALL1)
		}
		ctr.SetField(PIPECTR_PID_MASK, 0, PIPECTR_PID_NAK)
		ctr.SetField(PIPECTR_PID_MASK, 0, PIPECTR_PID_BUF)

	case PIPECTR_PID_NAK:
		if prev == PIPECTR_PID_STALL2 {
			ctr.SetField(PIPECTR_PID_MASK, 0, PIPECTR_PID_STALL1)
		}
		ctr.SetField(PIPECTR_PID_MASK, 0, PIPECTR_PID_NAK)
		if prev == PIPECTR_PID_BUF {
			cnt := 0
			for ctr.IsSet(PIPECTR_PBUSY) && cnt < pidSpinLimit {
				cnt++
				d.bsp.DelayMicroseconds(1)
			}
			if cnt >= pidSpinLimit {
				valid = false
			}
		}

	case PIPECTR_PID_STALL1, PIPECTR_PID_STALL2:
		if prev == PIPECTR_PID_BUF {
			ctr.SetField(PIPECTR_PID_MASK, 0, PIPECTR_PID_STALL2)
		} else {
			ctr.SetField(PIPECTR_PID_MASK, 0, PIPECTR_PID_STALL1)
		}
	}
	return valid
}

// curPipeSpinLimit bounds the FIFOSEL confirmation polls (1 us per spin).
const curPipeSpinLimit = 4

// curPipeSet points a FIFO select register at the pipe, confirming each
// write within a bounded poll, and selects 32-bit access width.
func (d *USBHS) curPipeSet(sel *reg.R16, pipe uint8, isIn bool) bool {
	val := sel.Get()
	val &^= FIFOSEL_CURPIPE_MASK
	if pipe == 0 && isIn {
		val |= FIFOSEL_ISEL
	} else {
		val &^= FIFOSEL_ISEL
	}
	sel.Set(val)

	confirm := val & (FIFOSEL_ISEL | FIFOSEL_CURPIPE_MASK)
	if !d.confirmSel(sel, confirm) {
		return false
	}

	val &^= FIFOSEL_MBW_MASK
	val |= FIFOSEL_MBW_32
	val |= uint16(pipe) & FIFOSEL_CURPIPE_MASK
	sel.Set(val)

	confirm = val & (FIFOSEL_ISEL | FIFOSEL_CURPIPE_MASK)
	if !d.confirmSel(sel, confirm) {
		return false
	}

	d.bsp.DelayMicroseconds(1)
	return true
}

// confirmSel polls until the select register reflects the requested pipe.
func (d *USBHS) confirmSel(sel *reg.R16, confirm uint16) bool {
	const mask = FIFOSEL_ISEL | FIFOSEL_CURPIPE_MASK
	if sel.Get()&mask == confirm {
		return true
	}
	for cnt := 0; cnt < curPipeSpinLimit; cnt++ {
		d.bsp.DelayMicroseconds(1)
		if sel.Get()&mask == confirm {
			return true
		}
	}
	return false
}

// deliverSetup hands one setup packet to the stack.
func (d *USBHS) deliverSetup(pkt hal.SetupPacket) {
	if d.events != nil {
		d.events.EventSetup(pkt)
	}
}
