package audio_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbaudio/device"
	"github.com/ardnew/usbaudio/device/class/audio"
	"github.com/ardnew/usbaudio/device/hal"
	"github.com/ardnew/usbaudio/device/hal/loopback"
)

// integCodec consumes playback buffers and releases them asynchronously.
type integCodec struct {
	proc *audio.Processing

	mu       sync.Mutex
	starts   int
	received [][]byte
	handle   audio.Handle
}

func (c *integCodec) StreamStart(h audio.Handle, terminalID uint8) bool {
	c.mu.Lock()
	c.starts++
	c.handle = h
	c.mu.Unlock()

	// Kick the playback loop: the first codec "transfer complete" pulls
	// the first ready buffer from the ring.
	go c.proc.PlaybackTxCmpl(h)
	return true
}

func (c *integCodec) StreamStop(terminalID uint8) bool { return true }

func (c *integCodec) StreamRecordRx(terminalID uint8, buf []byte) (int, error) {
	return len(buf), nil
}

func (c *integCodec) StreamPlaybackTx(terminalID uint8, buf []byte) error {
	c.mu.Lock()
	c.received = append(c.received, append([]byte(nil), buf...))
	h := c.handle
	c.mu.Unlock()

	go func() {
		c.proc.PlaybackBufFree(h, buf)
		c.proc.PlaybackTxCmpl(h)
	}()
	return nil
}

func (c *integCodec) SamplingFreqManage(terminalID uint8, set bool, freqHz *uint32) bool {
	return true
}

func (c *integCodec) receivedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

// deferredHandler routes core requests to a class created afterwards.
type deferredHandler struct{ cls **audio.Class }

func (h deferredHandler) Setup(setup *device.SetupPacket, data []byte) ([]byte, error) {
	return (*h.cls).Setup(setup, data)
}

func deliver(host *loopback.Host, setup *device.SetupPacket) {
	var raw [device.SetupPacketSize]byte
	setup.MarshalTo(raw[:])
	var pkt hal.SetupPacket
	hal.ParseSetupPacket(raw[:], &pkt)
	host.DeliverSetup(pkt)
}

// A playback stream over the loopback controller: SET_INTERFACE opens the
// stream, host packets prime the ring, the codec starts once and receives
// the streamed audio through the Playback task.
func TestPlaybackOverLoopback(t *testing.T) {
	drv := loopback.New(hal.SpeedFull)
	host := drv.Host()
	codec := &integCodec{}

	var cls *audio.Class
	core := device.NewCore(drv, deferredHandler{&cls})
	drv.SetEvents(core)

	cls = audio.NewClass(core, 16, 1)
	t.Cleanup(cls.Close)
	codec.proc = cls.Processing()

	cfg := audio.AltConfig{
		NbrCh:            2,
		SubframeSize:     2,
		BitRes:           16,
		SamplingFreqs:    []uint32{48000},
		SamplingFreqCtrl: true,
		SynchRefresh:     2,
	}
	_, err := cls.AddStream(audio.StreamConfig{
		Dir:         audio.StreamOut,
		Driver:      codec,
		TerminalID:  1,
		BufTotalNbr: 12,
		BufTotalLen: 200,
		PreBufMax:   4,
		Alt: audio.AltSetting{
			Cfg:           &cfg,
			IfNbr:         1,
			AltNbr:        1,
			DataIsocAddr:  0x01,
			SynchIsocAddr: device.EndpointAddrNone,
			MaxPktLen:     192,
		},
	})
	require.NoError(t, err)

	require.NoError(t, core.Start(context.Background()))
	t.Cleanup(func() { core.Stop() })

	var setup device.SetupPacket
	device.SetInterfaceSetup(&setup, 1, 1)
	deliver(host, &setup)

	// Stream packets from the host side.
	pkt := make([]byte, 192)
	for i := range pkt {
		pkt[i] = byte(i)
	}
	for i := 0; i < 12; i++ {
		host.AdvanceFrames(1)
		require.NoError(t, host.CompleteOut(0x01, pkt))
	}

	require.Eventually(t, func() bool { return codec.receivedCount() > 0 },
		2*time.Second, time.Millisecond)

	codec.mu.Lock()
	defer codec.mu.Unlock()
	assert.Equal(t, 1, codec.starts)
	assert.Equal(t, pkt, codec.received[0])
}
