package usbhs

import "github.com/ardnew/usbaudio/internal/reg"

// Controller geometry.
const (
	// PipeCount is the number of pipes the controller supports, pipe 0
	// being the default control pipe (DCP).
	PipeCount = 16

	// DFIFOCount is the number of DMA-capable FIFO channels.
	DFIFOCount = 2

	// CFIFO marks the CPU-driven central FIFO in a pipe's channel field.
	CFIFO = 0x80

	// BufStartIndex is the first FIFO buffer slot available to bulk and
	// isochronous pipes; the preceding slots are fixed 64-byte buffers
	// for the control and interrupt pipes.
	BufStartIndex = 8

	// BufUnitLen is the length of a single FIFO buffer slot.
	BufUnitLen = 64

	// BufSlotCount is the number of buffer slots in the 8 KB FIFO memory.
	BufSlotCount = 128

	// SetupQueueDepth is the capacity of the setup-packet queue.
	SetupQueueDepth = 3

	// RxQueueDepth is the per-channel DMA descriptor queue depth used by
	// double-buffered OUT pipes.
	RxQueueDepth = 4
)

// SYSCFG0 bits.
const (
	SYSCFG0_USBE  = 1 << 0 // Controller enable
	SYSCFG0_UPLLE = 1 << 1 // PLL enable
	SYSCFG0_DPRPU = 1 << 4 // D+ pull-up (attach)
	SYSCFG0_DRPD  = 1 << 5
	SYSCFG0_DCFM  = 1 << 6 // Host mode select
	SYSCFG0_HSE   = 1 << 7 // High-speed enable
)

// DVSTCTR0 bits.
const (
	DVSTCTR0_RHST_MASK  = 0x0007
	DVSTCTR0_RHST_RESET = 0x0004
	DVSTCTR0_RHST_FS    = 0x0002
	DVSTCTR0_RHST_HS    = 0x0003
)

// FIFOSEL bits (CFIFOSEL and DxFIFOSEL share the layout).
const (
	FIFOSEL_CURPIPE_MASK = 0x000F
	FIFOSEL_ISEL         = 1 << 5
	FIFOSEL_MBW_MASK     = 0x0C00
	FIFOSEL_MBW_8        = 0x0000
	FIFOSEL_MBW_32       = 0x0800
	FIFOSEL_DREQE        = 1 << 12
)

// FIFOCTR bits.
const (
	FIFOCTR_DTLN_MASK = 0x0FFF
	FIFOCTR_FRDY      = 1 << 13
	FIFOCTR_BCLR      = 1 << 14
	FIFOCTR_BVAL      = 1 << 15
)

// INTENB0 / INTSTS0 interrupt bits.
const (
	INT_BRDY  = 1 << 8
	INT_NRDY  = 1 << 9
	INT_BEMP  = 1 << 10
	INT_CTRT  = 1 << 11
	INT_DVST  = 1 << 12
	INT_SOFR  = 1 << 13
	INT_RESM  = 1 << 14
	INT_VBINT = 1 << 15
)

// INTSTS0 status fields.
const (
	INTSTS0_CTSQ_MASK = 0x0007
	INTSTS0_VALID     = 1 << 3
	INTSTS0_DVSQ_MASK = 0x0030
	INTSTS0_DVSQ_SUSP = 1 << 6
	INTSTS0_VBSTS     = 1 << 7
)

// Control transfer stages (CTSQ field).
const (
	CTSQ_SETUP           = 0x0 // Idle or setup stage: control transfer complete
	CTSQ_RD_DATA         = 0x1 // Control read data stage
	CTSQ_RD_STATUS       = 0x2 // Control read status stage
	CTSQ_WR_DATA         = 0x3 // Control write data stage
	CTSQ_WR_STATUS       = 0x4 // Control write status stage
	CTSQ_WR_STATUS_NDATA = 0x5 // Control write (no data) status stage
	CTSQ_SEQ_ERR         = 0x6 // Control transfer sequence error
)

// Device states (DVSQ field, shifted down).
const (
	DVSQ_POWERED    = 0x0
	DVSQ_DEFAULT    = 0x1
	DVSQ_ADDRESSED  = 0x2
	DVSQ_CONFIGURED = 0x3
)

// Frame number registers.
const (
	FRMNUM_FRNM_MASK   = 0x07FF
	UFRMNUM_UFRNM_MASK = 0x0007
)

// USBADDR register.
const USBADDR_MASK = 0x007F

// DCPCTR / PIPExCTR bits.
const (
	PIPECTR_PID_MASK   = 0x0003
	PIPECTR_PID_NAK    = 0x0000
	PIPECTR_PID_BUF    = 0x0001
	PIPECTR_PID_STALL1 = 0x0002
	PIPECTR_PID_STALL2 = 0x0003
	PIPECTR_CCPL       = 1 << 2 // DCP only: status stage completion enable
	PIPECTR_PBUSY      = 1 << 5
	PIPECTR_SQCLR      = 1 << 8
	PIPECTR_ACLRM      = 1 << 9
	PIPECTR_BSTS       = 1 << 15
)

// PIPECFG bits.
const (
	PIPECFG_EPNUM_MASK = 0x000F
	PIPECFG_DIR        = 1 << 4 // IN direction
	PIPECFG_SHTNAK     = 1 << 7 // NAK on transfer end (OUT)
	PIPECFG_CNTMD      = 1 << 8 // Continuous mode
	PIPECFG_DBLB       = 1 << 9 // Double buffering
	PIPECFG_TYPE_MASK  = 0xC000
	PIPECFG_TYPE_BULK  = 0x4000
	PIPECFG_TYPE_INTR  = 0x8000
	PIPECFG_TYPE_ISOC  = 0xC000
)

// PIPEBUF fields.
const (
	PIPEBUF_BUFNMB_MASK  = 0x00FF
	PIPEBUF_BUFSIZE_MASK = 0x7C00
	PIPEBUF_BUFSIZE_POS  = 10
)

// PIPEMAXP fields.
const PIPEMAXP_MXPS_MASK = 0x07FF

// PIPExTRE bits.
const (
	PIPETRE_TRCLR = 1 << 8
	PIPETRE_TRENB = 1 << 9
)

// SUSPMODE bits.
const SUSPMODE_SUSPM = 1 << 14

// DxFIFO is the select/control register pair of one DMA FIFO channel.
type DxFIFO struct {
	SEL reg.R16
	CTR reg.R16
}

// TransactionCounter is the enable/count register pair of one pipe
// transaction counter slot.
type TransactionCounter struct {
	TRE reg.R16
	TRN reg.R16
}

// Registers is the controller register block. On target hardware an
// instance is placed over the peripheral base address; in tests a zero
// value backed by ordinary memory stands in for the controller.
type Registers struct {
	SYSCFG0  reg.R16
	SYSSTS0  reg.R16
	DVSTCTR0 reg.R16

	CFIFO FIFOPort
	DFIFO [DFIFOCount]FIFOPort

	CFIFOSEL reg.R16
	CFIFOCTR reg.R16
	DFIFOn   [DFIFOCount]DxFIFO

	INTENB0 reg.R16
	BRDYENB reg.R16
	NRDYENB reg.R16
	BEMPENB reg.R16

	INTSTS0 reg.R16
	BRDYSTS reg.R16
	NRDYSTS reg.R16
	BEMPSTS reg.R16

	FRMNUM  reg.R16
	UFRMNUM reg.R16
	USBADDR reg.R16

	USBREQ  reg.R16
	USBVAL  reg.R16
	USBINDX reg.R16
	USBLENG reg.R16

	DCPCFG  reg.R16
	DCPMAXP reg.R16
	DCPCTR  reg.R16

	PIPESEL  reg.R16
	PIPECFG  reg.R16
	PIPEBUF  reg.R16
	PIPEMAXP reg.R16
	PIPEPERI reg.R16

	PIPECTR [PipeCount - 1]reg.R16
	PIPETR  [5]TransactionCounter

	SUSPMODE reg.R16
}

// pipeCtr returns the control register for the given pipe: DCPCTR for pipe
// zero, PIPExCTR otherwise.
func (r *Registers) pipeCtr(pipe uint8) *reg.R16 {
	if pipe == 0 {
		return &r.DCPCTR
	}
	return &r.PIPECTR[pipe-1]
}

// pipeTransactionSlot maps a pipe number to its transaction counter slot,
// or -1 when the pipe has none. Only pipes 1-5 carry counters on this
// controller family.
func pipeTransactionSlot(pipe uint8) int {
	if pipe >= 1 && pipe <= 5 {
		return int(pipe - 1)
	}
	return -1
}
