// Package portaudio implements the audio codec driver interface over the
// host sound device using the PortAudio bindings. It stands in for the
// codec hardware when the stack runs on a development machine: playback
// buffers render to the default output device, record buffers capture
// from the default input device.
//
// Only 16-bit PCM streams are supported.
package portaudio

import (
	"encoding/binary"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/ardnew/usbaudio/device/class/audio"
	"github.com/ardnew/usbaudio/pkg"
)

// framesPerBuffer is the PortAudio buffer granularity: one millisecond at
// 48 kHz.
const framesPerBuffer = 48

// Driver renders or captures one stream through PortAudio.
type Driver struct {
	proc     *audio.Processing
	dir      audio.StreamDir
	channels int

	mu         sync.Mutex
	sampleRate uint32
	stream     *pa.Stream
	frames     []int16
	handle     audio.Handle
	running    bool
	done       chan struct{}
	wg         sync.WaitGroup

	playbackQ chan []byte
}

// New creates a PortAudio codec driver for the given direction and
// channel count. Attach must be called once the audio processing state
// exists.
func New(dir audio.StreamDir, channels int) (*Driver, error) {
	if err := pa.Initialize(); err != nil {
		return nil, err
	}
	return &Driver{
		dir:        dir,
		channels:   channels,
		sampleRate: 48000,
		playbackQ:  make(chan []byte, 8),
	}, nil
}

// Attach wires the driver to the audio processing state it reports
// completions into.
func (d *Driver) Attach(proc *audio.Processing) { d.proc = proc }

// Close releases the PortAudio resources.
func (d *Driver) Close() error {
	d.StreamStop(0)
	return pa.Terminate()
}

var _ audio.StreamDriver = (*Driver)(nil)

// StreamStart implements audio.StreamDriver: it opens the default device
// stream at the configured rate and launches the transfer goroutine.
func (d *Driver) StreamStart(h audio.Handle, terminalID uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return false
	}

	d.frames = make([]int16, framesPerBuffer*d.channels)

	var (
		stream *pa.Stream
		err    error
	)
	if d.dir == audio.StreamOut {
		stream, err = pa.OpenDefaultStream(0, d.channels, float64(d.sampleRate),
			framesPerBuffer, &d.frames)
	} else {
		stream, err = pa.OpenDefaultStream(d.channels, 0, float64(d.sampleRate),
			framesPerBuffer, &d.frames)
	}
	if err != nil {
		pkg.LogError(pkg.ComponentCodec, "portaudio open failed", "error", err)
		return false
	}
	if err := stream.Start(); err != nil {
		pkg.LogError(pkg.ComponentCodec, "portaudio start failed", "error", err)
		stream.Close()
		return false
	}

	d.stream = stream
	d.handle = h
	d.running = true
	d.done = make(chan struct{})

	d.wg.Add(1)
	if d.dir == audio.StreamOut {
		go d.renderLoop()
	} else {
		go d.captureLoop()
	}
	return true
}

// StreamStop implements audio.StreamDriver.
func (d *Driver) StreamStop(terminalID uint8) bool {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return true
	}
	d.running = false
	close(d.done)
	stream := d.stream
	d.stream = nil
	d.mu.Unlock()

	d.wg.Wait()
	if stream != nil {
		stream.Stop()
		stream.Close()
	}
	return true
}

// StreamRecordRx implements audio.StreamDriver. The capture loop fills
// ring buffers directly; this entry only reports the most recent capture
// length, which equals the requested buffer length.
func (d *Driver) StreamRecordRx(terminalID uint8, buf []byte) (int, error) {
	return len(buf), nil
}

// StreamPlaybackTx implements audio.StreamDriver: the buffer queues to
// the render goroutine, which releases it once written to the device.
func (d *Driver) StreamPlaybackTx(terminalID uint8, buf []byte) error {
	select {
	case d.playbackQ <- buf:
		return nil
	default:
		return pkg.ErrBusy
	}
}

// SamplingFreqManage implements audio.StreamDriver.
func (d *Driver) SamplingFreqManage(terminalID uint8, set bool, freqHz *uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set {
		if d.running {
			// Rate changes apply at the next stream start.
			return false
		}
		d.sampleRate = *freqHz
		return true
	}
	*freqHz = d.sampleRate
	return true
}

// renderLoop writes queued playback buffers to the output device and
// releases them back to the ring.
func (d *Driver) renderLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case buf := <-d.playbackQ:
			d.writeFrames(buf)
			d.proc.PlaybackBufFree(d.handle, buf)
			d.proc.PlaybackTxCmpl(d.handle)
		}
	}
}

// writeFrames converts 16-bit little-endian PCM to the bound frame buffer
// and writes it out in framesPerBuffer chunks.
func (d *Driver) writeFrames(buf []byte) {
	d.mu.Lock()
	stream := d.stream
	d.mu.Unlock()
	if stream == nil {
		return
	}

	samples := len(buf) / 2
	for off := 0; off < samples; off += len(d.frames) {
		n := len(d.frames)
		if off+n > samples {
			// Zero-pad the tail chunk.
			for i := range d.frames {
				d.frames[i] = 0
			}
			n = samples - off
		}
		for i := 0; i < n; i++ {
			d.frames[i] = int16(binary.LittleEndian.Uint16(buf[(off+i)*2:]))
		}
		if err := stream.Write(); err != nil {
			pkg.LogWarn(pkg.ComponentCodec, "portaudio write failed", "error", err)
			return
		}
	}
}

// captureLoop fills ring buffers from the input device and signals the
// Record task for each one.
func (d *Driver) captureLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		default:
		}

		buf, ok := d.proc.RecordBufGet(d.handle)
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}

		d.mu.Lock()
		stream := d.stream
		d.mu.Unlock()
		if stream == nil {
			return
		}

		for off := 0; off+len(d.frames)*2 <= len(buf); off += len(d.frames) * 2 {
			if err := stream.Read(); err != nil {
				pkg.LogWarn(pkg.ComponentCodec, "portaudio read failed", "error", err)
				return
			}
			for i, s := range d.frames {
				binary.LittleEndian.PutUint16(buf[off+i*2:], uint16(s))
			}
		}

		d.proc.RecordRxCmpl(d.handle)
	}
}
