package usbhs

import (
	"sync"

	"github.com/ardnew/usbaudio/internal/reg"
)

// BSP provides the board-level services the driver depends on: bounded
// busy-wait delays and the attach/detach hooks.
type BSP interface {
	// DelayMicroseconds busy-waits for the given number of microseconds.
	// Used inside bounded hardware-confirmation polls.
	DelayMicroseconds(us int)

	// DelayMilliseconds sleeps for the given number of milliseconds.
	DelayMilliseconds(ms int)

	// Connect performs any board-specific work before the D+ pull-up is
	// enabled. May be a no-op.
	Connect()

	// Disconnect performs any board-specific work after detaching.
	Disconnect()
}

// DMA channel status bits reported by ChannelStatus.
const (
	DMAStatusComplete = 0x01 // Copy finished
	DMAStatusError    = 0x02 // Channel error
)

// DMA drives the copies between memory and a FIFO port. The controller's
// two DFIFO channels each map to one DMA channel.
type DMA interface {
	// CopyStart begins an asynchronous copy of n bytes between buf and
	// the FIFO port. read selects the FIFO-to-memory direction. The
	// engine raises the channel's complete status and the controller
	// interrupt when the copy finishes.
	CopyStart(channel int, read bool, buf []byte, port *FIFOPort, n int) bool

	// ChannelStatus returns the channel's status bits.
	ChannelStatus(channel int) uint8

	// ChannelStatusClear clears the channel's status bits.
	ChannelStatusClear(channel int)
}

// FIFOWindow models the memory behind a FIFO port. On hardware the window
// is the controller's FIFO RAM; in tests a simulated host attaches one.
type FIFOWindow interface {
	// ReadWord pops the next 32-bit word from the FIFO.
	ReadWord() uint32

	// WriteWord pushes one 32-bit word into the FIFO.
	WriteWord(v uint32)

	// WriteByte pushes a single byte (8-bit access width).
	WriteByte(b byte)
}

// FIFOPort is one 32-bit FIFO register window. With no window attached it
// degrades to a plain register cell, which is enough for tests that only
// exercise control flow.
type FIFOPort struct {
	mu  sync.Mutex
	win FIFOWindow
	r   reg.R32
}

// Attach connects the port to a FIFO window.
func (p *FIFOPort) Attach(w FIFOWindow) {
	p.mu.Lock()
	p.win = w
	p.mu.Unlock()
}

// ReadWord pops one word from the port.
func (p *FIFOPort) ReadWord() uint32 {
	p.mu.Lock()
	w := p.win
	p.mu.Unlock()
	if w != nil {
		return w.ReadWord()
	}
	return p.r.Get()
}

// WriteWord pushes one word into the port.
func (p *FIFOPort) WriteWord(v uint32) {
	p.mu.Lock()
	w := p.win
	p.mu.Unlock()
	if w != nil {
		w.WriteWord(v)
		return
	}
	p.r.Set(v)
}

// WriteByte pushes one byte into the port (8-bit access width).
func (p *FIFOPort) WriteByte(b byte) {
	p.mu.Lock()
	w := p.win
	p.mu.Unlock()
	if w != nil {
		w.WriteByte(b)
		return
	}
	p.r.Set(uint32(b))
}
