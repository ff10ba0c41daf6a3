package usbhs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbaudio/device/hal"
)

func openIsocOut(t *testing.T, h *simHost, num uint8, maxPkt uint16) {
	t.Helper()
	err := h.drv.EPOpen(hal.EndpointConfig{
		Address:       num,
		Attributes:    hal.EndpointTypeIsochronous,
		MaxPacketSize: maxPkt,
	})
	require.NoError(t, err)
}

func openIsocIn(t *testing.T, h *simHost, num uint8, maxPkt uint16) {
	t.Helper()
	err := h.drv.EPOpen(hal.EndpointConfig{
		Address:       0x80 | num,
		Attributes:    hal.EndpointTypeIsochronous,
		MaxPacketSize: maxPkt,
	})
	require.NoError(t, err)
}

// Bus reset to Addressed: one reset event, then exactly one synthetic
// SET_ADDRESS carrying the address the controller latched in USBADDR.
func TestBusResetToAddressed(t *testing.T) {
	h := newSimHost(Config{})

	h.regs.USBADDR.Set(7)

	h.injectDeviceState(DVSQ_DEFAULT)
	assert.Equal(t, 1, h.ev.resets)
	assert.Equal(t, 0, h.ev.setupCount())

	h.injectDeviceState(DVSQ_ADDRESSED)
	require.Equal(t, 1, h.ev.setupCount())

	pkt := h.ev.setups[0]
	assert.Equal(t, uint8(0x05), pkt.Request)
	assert.Equal(t, uint16(7), pkt.Value)
	assert.Equal(t, uint16(0), pkt.Index)
	assert.Equal(t, uint16(0), pkt.Length)

	var raw [8]byte
	pkt.MarshalTo(raw[:])
	assert.Equal(t, []byte{0x00, 0x05, 0x07, 0x00, 0x00, 0x00, 0x00, 0x00}, raw[:])

	// A second Addressed transition without a reset fabricates nothing.
	h.injectDeviceState(DVSQ_ADDRESSED)
	assert.Equal(t, 1, h.ev.setupCount())
}

// Control read: GET_DESCRIPTOR(DEVICE) is enqueued on the RD_DATA stage,
// the stack transmits 18 bytes, and the return to the setup stage after
// the status ZLP reports EPRxCmpl(0).
func TestControlReadTransfer(t *testing.T) {
	h := newSimHost(Config{})
	require.NoError(t, h.drv.EPOpen(hal.EndpointConfig{
		Address:       0,
		Attributes:    hal.EndpointTypeControl,
		MaxPacketSize: 64,
	}))

	h.injectSetup(hal.SetupPacket{
		RequestType: 0x80,
		Request:     0x06, // GET_DESCRIPTOR
		Value:       0x0100,
		Length:      18,
	}, CTSQ_RD_DATA)
	require.Equal(t, 1, h.ev.setupCount())

	// Stack responds with the 18-byte device descriptor.
	desc := make([]byte, 18)
	for i := range desc {
		desc[i] = byte(i + 1)
	}
	n, err := h.drv.EPTx(0, desc)
	require.NoError(t, err)
	assert.Equal(t, 18, n)
	require.NoError(t, h.drv.EPTxStart(0, desc[:n]))

	assert.Equal(t, desc, h.cfifo.bytes())

	// Host drains the FIFO; buffer empty completes the data stage.
	h.cfifo.reset()
	h.injectBEMP(0)
	assert.Equal(t, []uint8{0}, h.ev.txCmpl)

	// Status stage: the stack receives the ZLP, the controller finishes
	// on its own and the CTSQ returns to the setup stage.
	require.NoError(t, h.drv.EPRxZLP(0))
	assert.True(t, h.regs.DCPCTR.IsSet(PIPECTR_CCPL))

	h.injectControlStage(CTSQ_RD_STATUS)
	h.injectControlStage(CTSQ_SETUP)
	assert.Equal(t, []uint8{0}, h.ev.rxCmpl)
}

// Setup packets are delivered one at a time in arrival order; the next is
// released only when the stack completes or stalls the current transfer,
// and overflow beyond the queue capacity is dropped cleanly.
func TestSetupQueueOrderAndOverflow(t *testing.T) {
	h := newSimHost(Config{})

	for i := 0; i < SetupQueueDepth+1; i++ {
		h.injectSetup(hal.SetupPacket{
			RequestType: 0x00,
			Request:     0x0B, // SET_INTERFACE
			Value:       uint16(i),
		}, CTSQ_WR_STATUS_NDATA)
	}

	// Only the head packet has been delivered.
	require.Equal(t, 1, h.ev.setupCount())
	assert.Equal(t, uint16(0), h.ev.setups[0].Value)

	// Completing each transfer releases the next queued packet. The
	// overflowed fourth packet was dropped.
	require.NoError(t, h.drv.EPTxZLP(0))
	require.Equal(t, 2, h.ev.setupCount())
	assert.Equal(t, uint16(1), h.ev.setups[1].Value)

	require.NoError(t, h.drv.EPTxZLP(0))
	require.Equal(t, 3, h.ev.setupCount())
	assert.Equal(t, uint16(2), h.ev.setups[2].Value)

	require.NoError(t, h.drv.EPTxZLP(0))
	assert.Equal(t, 3, h.ev.setupCount())
}

// A stall on endpoint 0 also releases the next queued setup packet.
func TestStallReleasesNextSetup(t *testing.T) {
	h := newSimHost(Config{})

	h.injectSetup(hal.SetupPacket{Request: 0x01, Value: 1}, CTSQ_WR_STATUS_NDATA)
	h.injectSetup(hal.SetupPacket{Request: 0x01, Value: 2}, CTSQ_WR_STATUS_NDATA)
	require.Equal(t, 1, h.ev.setupCount())

	require.NoError(t, h.drv.EPStall(0, true))
	require.Equal(t, 2, h.ev.setupCount())
	assert.Equal(t, uint16(2), h.ev.setups[1].Value)
}

// PID transitions follow the legal paths: entering stall from BUF goes to
// STALL2, clearing a stall passes through NAK and resets the data toggle.
func TestPIDTransitions(t *testing.T) {
	h := newSimHost(Config{})
	openIsocOut(t, h, 1, 192)

	ctr := &h.regs.PIPECTR[0]

	// NAK -> STALL1.
	require.NoError(t, h.drv.EPStall(0x01, true))
	assert.Equal(t, uint16(PIPECTR_PID_STALL1), ctr.Get()&PIPECTR_PID_MASK)

	// STALL -> NAK on clear.
	require.NoError(t, h.drv.EPStall(0x01, false))
	assert.Equal(t, uint16(PIPECTR_PID_NAK), ctr.Get()&PIPECTR_PID_MASK)

	// Arm a transfer: PID goes to BUF.
	buf := make([]byte, 192)
	_, err := h.drv.EPRxStart(0x01, buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(PIPECTR_PID_BUF), ctr.Get()&PIPECTR_PID_MASK)

	// BUF -> STALL2.
	require.NoError(t, h.drv.EPStall(0x01, true))
	assert.Equal(t, uint16(PIPECTR_PID_STALL2), ctr.Get()&PIPECTR_PID_MASK)

	// STALL2 -> NAK passes through STALL1 internally and lands on NAK.
	require.NoError(t, h.drv.EPStall(0x01, false))
	assert.Equal(t, uint16(PIPECTR_PID_NAK), ctr.Get()&PIPECTR_PID_MASK)
}

// EPAbort forces NAK, disables the endpoint's interrupt sources and
// releases the owned DFIFO channel.
func TestEPAbort(t *testing.T) {
	h := newSimHost(Config{})
	openIsocOut(t, h, 1, 192)

	buf := make([]byte, 192)
	_, err := h.drv.EPRxStart(0x01, buf)
	require.NoError(t, err)

	h.drv.mu.Lock()
	avail := h.drv.availDFIFO
	h.drv.mu.Unlock()
	assert.NotEqual(t, uint8(dfifoMask), avail, "transfer should own a DFIFO channel")

	require.NoError(t, h.drv.EPAbort(0x01))

	assert.Equal(t, uint16(PIPECTR_PID_NAK), h.regs.PIPECTR[0].Get()&PIPECTR_PID_MASK)
	assert.False(t, h.regs.BRDYENB.IsSet(1<<1))
	assert.False(t, h.regs.BEMPENB.IsSet(1<<1))

	h.drv.mu.Lock()
	avail = h.drv.availDFIFO
	h.drv.mu.Unlock()
	assert.Equal(t, uint8(dfifoMask), avail)
}

// Pipe allocation: DMA mode reserves twice the rounded max packet size and
// enables double buffering; the slot pool is bounded.
func TestEPOpenAllocation(t *testing.T) {
	h := newSimHost(Config{})

	openIsocOut(t, h, 1, 192)
	assert.True(t, h.drv.pipes[1].useDblBuf)
	assert.False(t, h.drv.pipes[1].useContinMode, "continuous mode is bulk only")
	assert.Equal(t, uint16(192), h.drv.pipes[1].maxBufLen)
	assert.Equal(t, uint8(BufStartIndex), h.drv.pipes[1].bufStartIx)

	// A bulk pipe whose region holds two max packets per half gets
	// continuous mode on top of double buffering.
	h2 := newSimHost(Config{PipeBufLen: map[uint8]uint16{2: 2048}})
	err := h2.drv.EPOpen(hal.EndpointConfig{
		Address:       0x02,
		Attributes:    hal.EndpointTypeBulk,
		MaxPacketSize: 512,
	})
	require.NoError(t, err)
	assert.True(t, h2.drv.pipes[2].useDblBuf)
	assert.True(t, h2.drv.pipes[2].useContinMode)
	assert.Equal(t, uint16(1024), h2.drv.pipes[2].maxBufLen)

	// Exhaust the pool: the open fails cleanly.
	h.drv.mu.Lock()
	h.drv.nextBufIx = BufSlotCount - 1
	h.drv.mu.Unlock()
	err = h.drv.EPOpen(hal.EndpointConfig{
		Address:       0x04,
		Attributes:    hal.EndpointTypeBulk,
		MaxPacketSize: 512,
	})
	assert.Error(t, err)
}

// DMA OUT flow: buffer ready queues the packet for DMA; the DMA completion
// with the end-of-transfer flag set finishes the transfer and reports the
// received length.
func TestDMAOutTransfer(t *testing.T) {
	h := newSimHost(Config{})
	openIsocOut(t, h, 1, 192)

	buf := make([]byte, 192)
	n, err := h.drv.EPRxStart(0x01, buf)
	require.NoError(t, err)
	assert.Equal(t, 192, n)

	// Host delivers a 96-byte packet (short: end of transfer).
	pkt := make([]byte, 96)
	for i := range pkt {
		pkt[i] = byte(i)
	}
	ch := int(h.drv.pipes[1].fifoUsed)
	require.Less(t, ch, DFIFOCount, "transfer should run on a DFIFO channel")
	h.dfifo[ch].load(pkt)

	h.injectBRDY(1, 96, ch)

	// The synchronous DMA engine finished during the first ISR pass; the
	// next pass collects the completion and ends the transfer.
	h.drv.ISR()
	require.Equal(t, []uint8{1}, h.ev.rxCmpl)

	got, err := h.drv.EPRx(0x01, buf)
	require.NoError(t, err)
	assert.Equal(t, 96, got)
	assert.Equal(t, pkt, buf[:96])
}

// DMA IN flow: the driver copies the buffer into the FIFO, asserts BVAL
// through the straggler path, and completes once the host drains it.
func TestDMAInTransfer(t *testing.T) {
	h := newSimHost(Config{})
	openIsocIn(t, h, 2, 192)

	data := make([]byte, 96)
	for i := range data {
		data[i] = byte(255 - i)
	}
	n, err := h.drv.EPTx(0x82, data)
	require.NoError(t, err)
	assert.Equal(t, 96, n)
	require.NoError(t, h.drv.EPTxStart(0x82, data))

	ch := int(h.drv.pipes[2].fifoUsed)
	require.Less(t, ch, DFIFOCount)

	// Collect the DMA completion: stragglers flushed, pipe ready.
	h.drv.ISR()
	assert.Equal(t, data, h.dfifo[ch].bytes())
	assert.Equal(t, uint16(PIPECTR_PID_BUF), h.regs.PIPECTR[1].Get()&PIPECTR_PID_MASK)

	// Host drains the buffer.
	h.injectBEMP(2)
	assert.Equal(t, []uint8{2}, h.ev.txCmpl)

	h.drv.mu.Lock()
	avail := h.drv.availDFIFO
	h.drv.mu.Unlock()
	assert.Equal(t, uint8(dfifoMask), avail, "channel released on completion")
}

// VBUS debounce reports connection and disconnection.
func TestVBUSEvents(t *testing.T) {
	h := newSimHost(Config{})

	h.regs.INTSTS0.SetBits(INTSTS0_VBSTS | INT_VBINT)
	h.drv.ISR()
	assert.Equal(t, 1, h.ev.conns)

	h.regs.INTSTS0.ClearBits(INTSTS0_VBSTS)
	h.regs.INTSTS0.SetBits(INT_VBINT)
	h.drv.ISR()
	assert.Equal(t, 1, h.ev.disconns)
}

// High-speed detection accompanies the reset event when the controller
// reports a high-speed handshake.
func TestHighSpeedDetection(t *testing.T) {
	h := newSimHost(Config{HighSpeed: true})

	h.regs.DVSTCTR0.SetField(DVSTCTR0_RHST_MASK, 0, DVSTCTR0_RHST_HS)
	h.injectDeviceState(DVSQ_DEFAULT)
	assert.Equal(t, 1, h.ev.resets)
	assert.Equal(t, 1, h.ev.hs)
	assert.Equal(t, hal.SpeedHigh, h.drv.Speed())
}

// The frame counter combines the frame and microframe registers.
func TestFrameNumber(t *testing.T) {
	h := newSimHost(Config{})

	h.regs.FRMNUM.Set(0x0123)
	h.regs.UFRMNUM.Set(0x5)
	assert.Equal(t, uint16(0x0123|0x5<<11), h.drv.FrameNumber())
}
