package device

import (
	"context"
	"sync"
	"time"

	"github.com/ardnew/usbaudio/device/hal"
	"github.com/ardnew/usbaudio/pkg"
)

// ep0StageTimeout bounds how long the core waits for a control data stage
// to complete before abandoning the transfer.
const ep0StageTimeout = time.Second

// setupQueueDepth is the depth of the core's pending-setup channel. The
// controller driver serializes setup delivery, so more than a few in flight
// means the class handler has wedged.
const setupQueueDepth = 4

// IsocCallback is invoked when an asynchronous transfer completes.
// buf is the buffer passed at submission, xferLen the number of octets
// moved on the wire. err is nil on success, pkg.ErrAbort when the endpoint
// was aborted, or a transfer error.
//
// Callbacks run in the driver's completion context and must not block.
type IsocCallback func(buf []byte, xferLen int, err error)

// ClassHandler processes every request delivered to the device. The core
// performs the data stage: for host-to-device requests data holds the
// received payload; for device-to-host requests the returned slice is
// transmitted (clamped to wLength). A non-nil error stalls endpoint 0.
type ClassHandler interface {
	Setup(setup *SetupPacket, data []byte) ([]byte, error)
}

// EventHooks receives bus-level notifications. All fields are optional.
type EventHooks struct {
	OnReset     func()
	OnSuspend   func()
	OnResume    func()
	OnConnect   func()
	OnDisconn   func()
	OnHighSpeed func()
}

type pendingXfer struct {
	buf  []byte
	cb   IsocCallback
	in   bool
	armN int // octets the driver accepted at arm time
}

type epQueue struct {
	mu     sync.Mutex
	items  [MaxPendingTransfersPerEndpoint]pendingXfer
	head   int
	count  int
	active bool
}

// Core is the device-core boundary: it owns endpoint 0, fans out bus
// events, and queues asynchronous transfers on data endpoints.
type Core struct {
	drv     hal.Driver
	handler ClassHandler
	hooks   EventHooks

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	setupCh chan hal.SetupPacket
	ep0Tx   chan struct{}
	ep0Rx   chan struct{}
	ep0Buf  [MaxControlDataSize]byte

	// Pending transfers indexed by endpoint address: OUT 0x01-0x0F at
	// 1-15, IN 0x81-0x8F at 17-31.
	queues [32]epQueue

	// Open endpoints, same indexing.
	epMu      sync.RWMutex
	endpoints [32]*Endpoint
}

// NewCore creates a device core over the given controller driver.
func NewCore(drv hal.Driver, handler ClassHandler) *Core {
	return &Core{
		drv:     drv,
		handler: handler,
		setupCh: make(chan hal.SetupPacket, setupQueueDepth),
		ep0Tx:   make(chan struct{}, 1),
		ep0Rx:   make(chan struct{}, 1),
	}
}

// SetEventHooks installs bus event callbacks. Must be called before Start.
func (c *Core) SetEventHooks(hooks EventHooks) {
	c.hooks = hooks
}

// Driver returns the underlying controller driver.
func (c *Core) Driver() hal.Driver { return c.drv }

// endpointIndex converts an endpoint address to a queue index.
func endpointIndex(addr uint8) int {
	if addr&0x80 != 0 {
		return int(addr&0x0F) + 16
	}
	return int(addr & 0x0F)
}

// Start brings the controller online and starts the control task.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return pkg.ErrAlreadyRunning
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.mu.Unlock()

	if err := c.drv.Start(); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}

	pkg.LogDebug(pkg.ComponentStack, "device core started")
	go c.controlLoop()
	return nil
}

// Stop detaches from the bus and stops the control task.
func (c *Core) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	err := c.drv.Stop()
	pkg.LogDebug(pkg.ComponentStack, "device core stopped")
	return err
}

// FrameNumber returns the current USB (micro)frame number.
func (c *Core) FrameNumber() uint16 {
	return c.drv.FrameNumber()
}

// OpenEndpoint allocates controller resources for the endpoint and
// registers it with the core. Subsequent submissions on its address are
// validated against the registered direction and stall state.
func (c *Core) OpenEndpoint(ep *Endpoint) error {
	if err := c.drv.EPOpen(ep.Config()); err != nil {
		return err
	}
	c.epMu.Lock()
	c.endpoints[endpointIndex(ep.Address)] = ep
	c.epMu.Unlock()
	return nil
}

// CloseEndpoint releases the endpoint's controller resources and drops
// its registration.
func (c *Core) CloseEndpoint(addr uint8) {
	c.drv.EPClose(addr)
	c.epMu.Lock()
	c.endpoints[endpointIndex(addr)] = nil
	c.epMu.Unlock()
}

// Endpoint returns the registered endpoint at the address, nil if none is
// open.
func (c *Core) Endpoint(addr uint8) *Endpoint {
	c.epMu.RLock()
	defer c.epMu.RUnlock()
	return c.endpoints[endpointIndex(addr)]
}

// StallEndpoint sets or clears the endpoint stall in the controller and
// in the registered endpoint's bookkeeping.
func (c *Core) StallEndpoint(addr uint8, set bool) error {
	if ep := c.Endpoint(addr); ep != nil {
		ep.setStall(set)
	}
	return c.drv.EPStall(addr, set)
}

// Speed returns the negotiated bus speed.
func (c *Core) Speed() Speed {
	switch c.drv.Speed() {
	case hal.SpeedHigh:
		return SpeedHigh
	case hal.SpeedLow:
		return SpeedLow
	default:
		return SpeedFull
	}
}

// controlLoop is the core task: it serializes control transfers delivered
// by the driver's setup queue.
func (c *Core) controlLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case pkt := <-c.setupCh:
			var setup SetupPacket
			setup.RequestType = pkt.RequestType
			setup.Request = pkt.Request
			setup.Value = pkt.Value
			setup.Index = pkt.Index
			setup.Length = pkt.Length
			if err := c.handleSetup(&setup); err != nil {
				pkg.LogDebug(pkg.ComponentStack, "control request stalled",
					"request", setup.String(), "error", err)
				c.drv.EPStall(0, true)
			}
		}
	}
}

// handleSetup runs one control transfer end to end.
func (c *Core) handleSetup(setup *SetupPacket) error {
	pkg.LogDebug(pkg.ComponentStack, "setup received", "request", setup.String())

	// Drop stage tokens left over from the previous transfer's status
	// completion.
	select {
	case <-c.ep0Tx:
	default:
	}
	select {
	case <-c.ep0Rx:
	default:
	}

	if setup.IsHostToDevice() {
		var data []byte
		if setup.Length > 0 {
			n := int(setup.Length)
			if n > MaxControlDataSize {
				return pkg.ErrBufferTooSmall
			}
			buf := c.ep0Buf[:n]
			if _, err := c.drv.EPRxStart(0, buf); err != nil {
				return err
			}
			if err := c.waitEP0(c.ep0Rx); err != nil {
				return err
			}
			got, err := c.drv.EPRx(0, buf)
			if err != nil {
				return err
			}
			data = buf[:got]
		}
		if _, err := c.handler.Setup(setup, data); err != nil {
			return err
		}
		// Status stage.
		return c.drv.EPTxZLP(0)
	}

	resp, err := c.handler.Setup(setup, nil)
	if err != nil {
		return err
	}
	if len(resp) > int(setup.Length) {
		resp = resp[:setup.Length]
	}
	for len(resp) > 0 {
		n, err := c.drv.EPTx(0, resp)
		if err != nil {
			return err
		}
		if err := c.drv.EPTxStart(0, resp[:n]); err != nil {
			return err
		}
		if err := c.waitEP0(c.ep0Tx); err != nil {
			return err
		}
		resp = resp[n:]
	}
	// Status stage.
	return c.drv.EPRxZLP(0)
}

// waitEP0 blocks for an endpoint-0 stage completion signal.
func (c *Core) waitEP0(ch chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-c.ctx.Done():
		return pkg.ErrNotRunning
	case <-time.After(ep0StageTimeout):
		return pkg.ErrTimeout
	}
}

// IsocTxAsync queues an isochronous IN transfer. The callback fires from
// the driver's completion context once the buffer has drained to the host.
// Returns pkg.ErrQueueing when the endpoint queue is full.
func (c *Core) IsocTxAsync(epAddr uint8, buf []byte, cb IsocCallback) error {
	return c.submit(epAddr, pendingXfer{buf: buf, cb: cb, in: true})
}

// IsocRxAsync queues an isochronous OUT transfer. The callback fires with
// the number of octets received from the host.
// Returns pkg.ErrQueueing when the endpoint queue is full.
func (c *Core) IsocRxAsync(epAddr uint8, buf []byte, cb IsocCallback) error {
	return c.submit(epAddr, pendingXfer{buf: buf, cb: cb, in: false})
}

func (c *Core) submit(epAddr uint8, x pendingXfer) error {
	c.mu.RLock()
	running := c.running
	c.mu.RUnlock()
	if !running {
		return pkg.ErrNotRunning
	}

	if ep := c.Endpoint(epAddr); ep != nil {
		if ep.IsIn() != x.in {
			return pkg.ErrInvalidEndpoint
		}
		if ep.IsStalled() {
			return pkg.ErrStall
		}
	}

	q := &c.queues[endpointIndex(epAddr)]
	q.mu.Lock()
	if q.count >= MaxPendingTransfersPerEndpoint {
		q.mu.Unlock()
		return pkg.ErrQueueing
	}
	q.items[(q.head+q.count)%MaxPendingTransfersPerEndpoint] = x
	q.count++
	arm := !q.active
	if arm {
		q.active = true
	}
	q.mu.Unlock()

	if arm {
		if err := c.arm(epAddr, q); err != nil {
			// Roll back the failed submission.
			q.mu.Lock()
			q.count--
			q.active = false
			q.mu.Unlock()
			return err
		}
	}
	return nil
}

// arm starts the transfer at the queue head in the driver.
func (c *Core) arm(epAddr uint8, q *epQueue) error {
	q.mu.Lock()
	x := &q.items[q.head]
	q.mu.Unlock()

	if x.in {
		n, err := c.drv.EPTx(epAddr, x.buf)
		if err != nil {
			return err
		}
		x.armN = n
		return c.drv.EPTxStart(epAddr, x.buf[:n])
	}
	n, err := c.drv.EPRxStart(epAddr, x.buf)
	if err != nil {
		return err
	}
	x.armN = n
	return nil
}

// complete pops the head transfer, harvests its result, arms the next
// queued transfer, and invokes the callback.
func (c *Core) complete(epAddr uint8) {
	q := &c.queues[endpointIndex(epAddr)]

	q.mu.Lock()
	if q.count == 0 {
		q.mu.Unlock()
		return
	}
	x := q.items[q.head]
	q.mu.Unlock()

	var n int
	var err error
	if x.in {
		n = len(x.buf)
	} else {
		n, err = c.drv.EPRx(epAddr, x.buf)
	}
	if err != nil {
		pkg.LogDebug(pkg.ComponentTransfer, "transfer completed",
			"endpoint", epAddr, "status", pkg.StatusFromError(err).String())
	}

	q.mu.Lock()
	q.head = (q.head + 1) % MaxPendingTransfersPerEndpoint
	q.count--
	next := q.count > 0
	if !next {
		q.active = false
	}
	q.mu.Unlock()

	if next {
		if armErr := c.arm(epAddr, q); armErr != nil {
			pkg.LogWarn(pkg.ComponentTransfer, "re-arm failed",
				"endpoint", epAddr, "error", armErr)
			c.failQueued(epAddr, q, armErr)
		}
	}

	if x.cb != nil {
		x.cb(x.buf, n, err)
	}
}

// failQueued drains the endpoint queue, completing every pending transfer
// with err.
func (c *Core) failQueued(epAddr uint8, q *epQueue, err error) {
	status := pkg.StatusFromError(err)
	drained := 0
	defer func() {
		if drained > 0 {
			pkg.LogDebug(pkg.ComponentTransfer, "endpoint queue drained",
				"endpoint", epAddr, "count", drained, "status", status.String())
		}
	}()
	for {
		q.mu.Lock()
		if q.count == 0 {
			q.active = false
			q.mu.Unlock()
			return
		}
		x := q.items[q.head]
		q.head = (q.head + 1) % MaxPendingTransfersPerEndpoint
		q.count--
		q.mu.Unlock()
		drained++
		if x.cb != nil {
			x.cb(x.buf, 0, err)
		}
	}
}

// AbortEndpoint cancels the in-progress transfer and every queued transfer
// on the endpoint. Pending callbacks complete with pkg.ErrAbort.
func (c *Core) AbortEndpoint(epAddr uint8) error {
	err := c.drv.EPAbort(epAddr)
	c.failQueued(epAddr, &c.queues[endpointIndex(epAddr)], pkg.ErrAbort)
	return err
}

// resetQueues drops all pending transfers after a bus reset. The driver has
// already flushed its pipes; callbacks complete with pkg.ErrAbort.
func (c *Core) resetQueues() {
	for ep := range c.queues {
		addr := uint8(ep)
		if ep >= 16 {
			addr = uint8(ep-16) | 0x80
		}
		c.failQueued(addr, &c.queues[ep], pkg.ErrAbort)
	}
}

// hal.Events implementation. These run in the driver's interrupt context.

// EventReset implements hal.Events.
func (c *Core) EventReset() {
	c.resetQueues()
	if c.hooks.OnReset != nil {
		c.hooks.OnReset()
	}
}

// EventSuspend implements hal.Events.
func (c *Core) EventSuspend() {
	if c.hooks.OnSuspend != nil {
		c.hooks.OnSuspend()
	}
}

// EventResume implements hal.Events.
func (c *Core) EventResume() {
	if c.hooks.OnResume != nil {
		c.hooks.OnResume()
	}
}

// EventConn implements hal.Events.
func (c *Core) EventConn() {
	if c.hooks.OnConnect != nil {
		c.hooks.OnConnect()
	}
}

// EventDisconn implements hal.Events.
func (c *Core) EventDisconn() {
	if c.hooks.OnDisconn != nil {
		c.hooks.OnDisconn()
	}
}

// EventHighSpeed implements hal.Events.
func (c *Core) EventHighSpeed() {
	if c.hooks.OnHighSpeed != nil {
		c.hooks.OnHighSpeed()
	}
}

// EventSetup implements hal.Events: it hands the packet to the control
// task. The driver gates delivery so the queue cannot legally overflow; a
// full channel means the handler has wedged, and the packet is dropped
// with a log entry rather than blocking the interrupt path.
func (c *Core) EventSetup(pkt hal.SetupPacket) {
	select {
	case c.setupCh <- pkt:
	default:
		pkg.LogError(pkg.ComponentStack, "setup queue overflow, packet dropped")
	}
}

// EPRxCmpl implements hal.Events.
func (c *Core) EPRxCmpl(epLogNbr uint8) {
	if epLogNbr == 0 {
		select {
		case c.ep0Rx <- struct{}{}:
		default:
		}
		return
	}
	c.complete(epLogNbr)
}

// EPTxCmpl implements hal.Events.
func (c *Core) EPTxCmpl(epLogNbr uint8) {
	if epLogNbr == 0 {
		select {
		case c.ep0Tx <- struct{}{}:
		default:
		}
		return
	}
	c.complete(epLogNbr | EndpointDirectionIn)
}
