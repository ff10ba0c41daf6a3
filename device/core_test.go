package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbaudio/device/hal"
	"github.com/ardnew/usbaudio/pkg"
)

// fakeDriver records driver calls and lets the test fire completions.
type fakeDriver struct {
	mu      sync.Mutex
	started bool
	stalled map[uint8]bool
	rxArmed []uint8
	txData  map[uint8][][]byte
	rxData  map[uint8][]byte
	aborted []uint8
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		stalled: make(map[uint8]bool),
		txData:  make(map[uint8][][]byte),
		rxData:  make(map[uint8][]byte),
	}
}

func (d *fakeDriver) Start() error { d.started = true; return nil }
func (d *fakeDriver) Stop() error  { d.started = false; return nil }

func (d *fakeDriver) FrameNumber() uint16 { return 42 }
func (d *fakeDriver) Speed() hal.Speed    { return hal.SpeedFull }

func (d *fakeDriver) EPOpen(cfg hal.EndpointConfig) error { return nil }
func (d *fakeDriver) EPClose(addr uint8)                  {}

func (d *fakeDriver) EPRxStart(addr uint8, buf []byte) (int, error) {
	d.mu.Lock()
	d.rxArmed = append(d.rxArmed, addr)
	d.mu.Unlock()
	return len(buf), nil
}

func (d *fakeDriver) EPRx(addr uint8, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copy(buf, d.rxData[addr]), nil
}

func (d *fakeDriver) EPRxZLP(addr uint8) error { return nil }

func (d *fakeDriver) EPTx(addr uint8, buf []byte) (int, error) {
	return len(buf), nil
}

func (d *fakeDriver) EPTxStart(addr uint8, buf []byte) error {
	d.mu.Lock()
	d.txData[addr] = append(d.txData[addr], append([]byte(nil), buf...))
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) EPTxZLP(addr uint8) error { return nil }

func (d *fakeDriver) EPAbort(addr uint8) error {
	d.mu.Lock()
	d.aborted = append(d.aborted, addr)
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) EPStall(addr uint8, set bool) error {
	d.mu.Lock()
	d.stalled[addr] = set
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) ISR() {}

func (d *fakeDriver) txCount(addr uint8) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.txData[addr])
}

// echoHandler responds to device-to-host requests with a fixed payload.
type echoHandler struct {
	mu   sync.Mutex
	resp []byte
	got  []SetupPacket
	data [][]byte
	fail bool
}

func (h *echoHandler) Setup(setup *SetupPacket, data []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return nil, pkg.ErrInvalidRequest
	}
	h.got = append(h.got, *setup)
	h.data = append(h.data, append([]byte(nil), data...))
	return h.resp, nil
}

func startCore(t *testing.T, drv hal.Driver, handler ClassHandler) *Core {
	t.Helper()
	c := NewCore(drv, handler)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Stop() })
	return c
}

// A control read runs the data stage from the handler's response and the
// status stage through EPRxZLP.
func TestControlRead(t *testing.T) {
	drv := newFakeDriver()
	h := &echoHandler{resp: []byte{1, 2, 3, 4}}
	c := startCore(t, drv, h)

	c.EventSetup(hal.SetupPacket{
		RequestType: 0x80,
		Request:     0x06,
		Length:      4,
	})
	// The data stage waits for the endpoint-0 completion.
	require.Eventually(t, func() bool { return drv.txCount(0) == 1 },
		time.Second, time.Millisecond)
	c.EPTxCmpl(0)

	require.Eventually(t, func() bool {
		drv.mu.Lock()
		defer drv.mu.Unlock()
		return len(drv.txData[0]) == 1
	}, time.Second, time.Millisecond)

	drv.mu.Lock()
	assert.Equal(t, []byte{1, 2, 3, 4}, drv.txData[0][0])
	drv.mu.Unlock()
}

// A control write collects the data stage before invoking the handler.
func TestControlWrite(t *testing.T) {
	drv := newFakeDriver()
	h := &echoHandler{}
	c := startCore(t, drv, h)

	drv.mu.Lock()
	drv.rxData[0] = []byte{9, 8, 7}
	drv.mu.Unlock()

	c.EventSetup(hal.SetupPacket{
		RequestType: 0x00,
		Request:     0x01,
		Length:      3,
	})

	require.Eventually(t, func() bool {
		drv.mu.Lock()
		defer drv.mu.Unlock()
		return len(drv.rxArmed) == 1
	}, time.Second, time.Millisecond)
	c.EPRxCmpl(0)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.got) == 1
	}, time.Second, time.Millisecond)

	h.mu.Lock()
	assert.Equal(t, []byte{9, 8, 7}, h.data[0])
	h.mu.Unlock()
}

// A handler error stalls endpoint 0.
func TestControlStallOnHandlerError(t *testing.T) {
	drv := newFakeDriver()
	h := &echoHandler{fail: true}
	c := startCore(t, drv, h)

	c.EventSetup(hal.SetupPacket{RequestType: 0x00, Request: 0x0B})

	require.Eventually(t, func() bool {
		drv.mu.Lock()
		defer drv.mu.Unlock()
		return drv.stalled[0]
	}, time.Second, time.Millisecond)
}

// Isochronous submissions queue per endpoint; completions pop in order
// and re-arm the next transfer.
func TestIsocQueueing(t *testing.T) {
	drv := newFakeDriver()
	c := startCore(t, drv, &echoHandler{})

	var mu sync.Mutex
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		buf := make([]byte, 8)
		err := c.IsocTxAsync(0x81, buf, func(b []byte, n int, err error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	// Only the head transfer is armed.
	assert.Equal(t, 1, drv.txCount(0x81))

	for i := 0; i < 3; i++ {
		c.EPTxCmpl(1)
	}

	mu.Lock()
	assert.Equal(t, []int{0, 1, 2}, order)
	mu.Unlock()
	assert.Equal(t, 3, drv.txCount(0x81))
}

// The queue bound surfaces as ErrQueueing; the caller resubmits on the
// next completion.
func TestIsocQueueFull(t *testing.T) {
	drv := newFakeDriver()
	c := startCore(t, drv, &echoHandler{})

	buf := make([]byte, 8)
	for i := 0; i < MaxPendingTransfersPerEndpoint; i++ {
		require.NoError(t, c.IsocTxAsync(0x81, buf, nil))
	}
	err := c.IsocTxAsync(0x81, buf, nil)
	assert.ErrorIs(t, err, pkg.ErrQueueing)

	c.EPTxCmpl(1)
	assert.NoError(t, c.IsocTxAsync(0x81, buf, nil))
}

// A registered endpoint gates submissions: wrong-direction transfers are
// rejected, stalled endpoints refuse new work until the stall clears.
func TestOpenEndpointValidation(t *testing.T) {
	drv := newFakeDriver()
	c := startCore(t, drv, &echoHandler{})

	ep := NewIsochronous(0x81, 196, IsoSyncAsync)
	require.NoError(t, c.OpenEndpoint(ep))
	require.Same(t, ep, c.Endpoint(0x81))

	buf := make([]byte, 8)

	// An OUT submission on the registered IN endpoint is rejected.
	err := c.IsocRxAsync(0x81, buf, nil)
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)

	// A stalled endpoint refuses submissions.
	require.NoError(t, c.StallEndpoint(0x81, true))
	assert.True(t, ep.IsStalled())
	err = c.IsocTxAsync(0x81, buf, nil)
	assert.ErrorIs(t, err, pkg.ErrStall)

	require.NoError(t, c.StallEndpoint(0x81, false))
	assert.NoError(t, c.IsocTxAsync(0x81, buf, nil))

	c.CloseEndpoint(0x81)
	assert.Nil(t, c.Endpoint(0x81))
}

// Aborting an endpoint completes every queued transfer with ErrAbort.
func TestAbortEndpoint(t *testing.T) {
	drv := newFakeDriver()
	c := startCore(t, drv, &echoHandler{})

	var mu sync.Mutex
	var errs []error
	buf := make([]byte, 8)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.IsocRxAsync(0x02, buf, func(b []byte, n int, err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}))
	}

	require.NoError(t, c.AbortEndpoint(0x02))

	mu.Lock()
	require.Len(t, errs, 3)
	for _, err := range errs {
		assert.ErrorIs(t, err, pkg.ErrAbort)
	}
	mu.Unlock()

	drv.mu.Lock()
	assert.Equal(t, []uint8{0x02}, drv.aborted)
	drv.mu.Unlock()
}
