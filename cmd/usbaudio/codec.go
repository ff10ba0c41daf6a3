package main

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/usbaudio/device/class/audio"
)

// toneCodec is the demo codec: the microphone side produces a sine wave,
// the speaker side consumes buffers and counts them.
type toneCodec struct {
	proc     *audio.Processing
	settings streamSettings
	rate     uint32

	mu         sync.Mutex
	recording  bool
	recordDone chan struct{}
	muted      [8]bool
	volume     [8]uint16
	phase      float64
	pbHandle   audio.Handle

	rendered atomic.Uint32
}

func newToneCodec(settings streamSettings, rate uint32) *toneCodec {
	c := &toneCodec{settings: settings, rate: rate}
	for i := range c.volume {
		c.volume[i] = 0x2000
	}
	return c
}

// makePacket renders one millisecond of a 1 kHz test tone.
func (c *toneCodec) makePacket(pktLen int) []byte {
	buf := make([]byte, pktLen)
	c.fillSine(buf)
	return buf
}

func (c *toneCodec) fillSine(buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	frameLen := int(c.settings.Channels) * int(c.settings.SubframeSize)
	step := 2 * math.Pi * 1000 / float64(c.rate)
	for off := 0; off+frameLen <= len(buf); off += frameLen {
		v := int16(sineAmplitude * math.MaxInt16 * math.Sin(c.phase))
		c.phase += step
		for ch := 0; ch < int(c.settings.Channels); ch++ {
			binary.LittleEndian.PutUint16(buf[off+ch*2:], uint16(v))
		}
	}
}

var _ audio.StreamDriver = (*toneCodec)(nil)

// StreamStart implements audio.StreamDriver. For the record terminal a
// producer goroutine feeds sine packets into the ring at a 1 ms cadence.
func (c *toneCodec) StreamStart(h audio.Handle, terminalID uint8) bool {
	if terminalID < 100 {
		c.mu.Lock()
		c.pbHandle = h
		c.mu.Unlock()
		// Kick the playback loop; buffers then arrive via PlaybackTx.
		go c.proc.PlaybackTxCmpl(h)
		return true
	}

	c.mu.Lock()
	if c.recording {
		c.mu.Unlock()
		return false
	}
	c.recording = true
	done := make(chan struct{})
	c.recordDone = done
	c.mu.Unlock()

	go func() {
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				buf, ok := c.proc.RecordBufGet(h)
				if !ok {
					continue
				}
				c.fillSine(buf)
				c.proc.RecordRxCmpl(h)
			}
		}
	}()
	return true
}

// StreamStop implements audio.StreamDriver.
func (c *toneCodec) StreamStop(terminalID uint8) bool {
	if terminalID < 100 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording {
		c.recording = false
		close(c.recordDone)
	}
	return true
}

// StreamRecordRx implements audio.StreamDriver: the producer goroutine
// fills buffers in place, so the prepared length stands.
func (c *toneCodec) StreamRecordRx(terminalID uint8, buf []byte) (int, error) {
	return len(buf), nil
}

// StreamPlaybackTx implements audio.StreamDriver: the buffer is consumed
// immediately and released back to the ring.
func (c *toneCodec) StreamPlaybackTx(terminalID uint8, buf []byte) error {
	c.rendered.Add(1)
	// Release happens from a separate goroutine, as a real codec's
	// transfer-complete interrupt would.
	go func() {
		p := c.proc
		h := c.playbackHandle()
		p.PlaybackBufFree(h, buf)
		p.PlaybackTxCmpl(h)
	}()
	return nil
}

// playbackHandle resolves the playback stream handle lazily; the demo has
// a single playback stream at interface index 0.
func (c *toneCodec) playbackHandle() audio.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pbHandle
}

// SamplingFreqManage implements audio.StreamDriver.
func (c *toneCodec) SamplingFreqManage(terminalID uint8, set bool, freqHz *uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set {
		c.rate = *freqHz
		return true
	}
	*freqHz = c.rate
	return true
}

// muteControl backs the feature unit mute callback.
func (c *toneCodec) muteControl(unitID, ch uint8, set bool, v *bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(ch) >= len(c.muted) {
		return false
	}
	if set {
		c.muted[ch] = *v
	} else {
		*v = c.muted[ch]
	}
	return true
}

// volumeControl backs the feature unit volume callback.
func (c *toneCodec) volumeControl(req uint8, unitID, ch uint8, v *uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(ch) >= len(c.volume) {
		return false
	}
	switch req {
	case audio.RequestSetCur:
		c.volume[ch] = *v
	case audio.RequestGetCur:
		*v = c.volume[ch]
	case audio.RequestGetMin:
		*v = 0x8001
	case audio.RequestGetMax:
		*v = 0x7FFF
	case audio.RequestGetRes:
		*v = 0x0100
	}
	return true
}
