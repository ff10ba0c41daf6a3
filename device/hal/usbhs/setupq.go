package usbhs

import (
	"sync"

	"github.com/ardnew/usbaudio/device/hal"
	"github.com/ardnew/usbaudio/internal/ring"
)

// setupQueue buffers setup packets between the interrupt handler and the
// stack. The controller answers the SET_ADDRESS request on its own and
// reports control stages ahead of the stack's processing, so packets are
// queued in hardware arrival order and handed up one at a time: the next
// packet is delivered only after the stack finishes the previous control
// transfer (status-stage ZLP on endpoint 0, or a stall).
type setupQueue struct {
	mu   sync.Mutex
	fifo *ring.Queue
	pkts [SetupQueueDepth]hal.SetupPacket

	// overflows counts packets dropped on a full queue.
	overflows uint32
}

func newSetupQueue() *setupQueue {
	return &setupQueue{fifo: ring.NewQueue(SetupQueueDepth)}
}

// clear empties the queue (bus reset).
func (q *setupQueue) clear() {
	q.mu.Lock()
	q.fifo.Clear()
	q.mu.Unlock()
}

// add enqueues a setup packet. If it is the only pending packet it is
// delivered to the stack immediately; otherwise delivery waits until the
// stack completes the control transfers ahead of it.
func (q *setupQueue) add(pkt hal.SetupPacket, deliver func(hal.SetupPacket)) {
	q.mu.Lock()
	ix, ok := q.fifo.Push()
	if !ok {
		q.overflows++
		q.mu.Unlock()
		return
	}
	q.pkts[ix] = pkt
	first := q.fifo.Len() == 1
	var head hal.SetupPacket
	if first {
		head = q.pkts[ix]
	}
	q.mu.Unlock()

	if first {
		deliver(head)
	}
}

// submitNext dequeues the packet the stack just finished with and delivers
// the next pending packet, if any.
func (q *setupQueue) submitNext(deliver func(hal.SetupPacket)) {
	q.mu.Lock()
	q.fifo.Pop()
	ix, ok := q.fifo.Peek()
	var head hal.SetupPacket
	if ok {
		head = q.pkts[ix]
	}
	q.mu.Unlock()

	if ok {
		deliver(head)
	}
}
