package audio

import (
	"sync"

	"github.com/ardnew/usbaudio/device"
	"github.com/ardnew/usbaudio/pkg"
)

// Handle identifies one streaming interface across its lifetime: the low
// byte is the interface index, the high byte a generation counter bumped
// on every stream stop. A handle held by a worker task or codec driver is
// validated before dereference, so late completions from a just-closed
// stream are dropped.
type Handle uint16

// InvalidHandle never validates.
const InvalidHandle Handle = 0xFFFF

func makeHandle(ix uint8) Handle       { return Handle(ix) }
func (h Handle) index() uint8          { return uint8(h) }
func (h Handle) invalidate() Handle    { return h + 0x0100 }
func (h Handle) matches(o Handle) bool { return h == o }

// StreamDir is the stream direction.
type StreamDir uint8

// Stream directions: IN carries record data to the host, OUT carries
// playback data from the host.
const (
	StreamNone StreamDir = iota
	StreamIn
	StreamOut
)

// state tracks the per-interface request state machine.
type state uint8

const (
	stateNone state = iota
	stateInit
	stateCfg
)

// AltConfig describes the stream characteristics of one operational
// alternate setting.
type AltConfig struct {
	// NbrCh is the number of physical channels.
	NbrCh uint8

	// SubframeSize is the size in bytes of one audio subframe (sample).
	SubframeSize uint8

	// BitRes is the number of significant bits per sample.
	BitRes uint8

	// SamplingFreqs enumerates the supported discrete sampling
	// frequencies. Leave empty for a continuous range.
	SamplingFreqs []uint32

	// LowerSamplingFreq and UpperSamplingFreq bound the continuous range
	// when SamplingFreqs is empty.
	LowerSamplingFreq uint32
	UpperSamplingFreq uint32

	// SamplingFreqCtrl and PitchCtrl report which endpoint controls the
	// alternate setting exposes.
	SamplingFreqCtrl bool
	PitchCtrl        bool

	// SynchRefresh is the bRefresh exponent of the synch endpoint: a
	// feedback value is transmitted at most once per 2^SynchRefresh
	// frames.
	SynchRefresh uint8
}

// FrameLen returns the length in bytes of one audio frame (one sample per
// channel).
func (c *AltConfig) FrameLen() int {
	return int(c.NbrCh) * int(c.SubframeSize)
}

// AltSetting binds an AltConfig to concrete endpoint addresses.
type AltSetting struct {
	Cfg           *AltConfig
	IfNbr         uint8  // interface number of the streaming interface
	AltNbr        uint8  // operational alternate setting number
	DataIsocAddr  uint8  // isochronous data endpoint address
	SynchIsocAddr uint8  // synch endpoint address, device.EndpointAddrNone if absent
	MaxPktLen     uint16 // data endpoint max packet size
}

// playbackSynch is the explicit-feedback state of a playback stream.
type playbackSynch struct {
	synchFrameNbr uint16 // frame baseline for the bRefresh period
	prevFrameNbr  uint16 // frame of the last recorded situation change

	boundaryLightPos int
	boundaryLightNeg int

	feedbackNominal uint32 // nominal feedback value, already bit-shifted
	feedbackCur     uint32 // current feedback value
	feedbackUpdate  bool   // a new value must be transmitted

	prevBufDiff int

	synchBuf     []byte
	synchBufFree bool
}

// settings holds the stream state shared across configurations; stream
// characteristics are speed-independent, so one settings instance backs
// every configuration's instance of the same stream.
type settings struct {
	api        StreamDriver
	ix         uint8
	terminalID uint8

	bufTotalNbr uint16
	bufTotalLen uint16
	bufMem      []byte

	dir StreamDir

	mu sync.Mutex // critical sections over the scalar stream state

	streamStarted bool
	primingDone   bool
	preBufMax     uint16

	ringQ *streamRingQueue

	synch playbackSynch

	recordBufLen         uint16
	recordRateAdjMs      uint16
	recordRateAdjXferCtr uint32
	recordIsocOngoing    int

	corrPeriod   uint16
	corrFrameNbr uint16
	corrCallback PlaybackCorrFunc

	corrBoundaryHeavyPos int
	corrBoundaryHeavyNeg int

	stats *Stats

	// asLock serializes start/stop against the worker tasks; ringLock
	// protects the ring cursors where a worker may race a completion
	// handler.
	asLock   tmutex
	ringLock tmutex
}

// StreamInterface is one AudioStreaming interface bound to an isochronous
// endpoint.
type StreamInterface struct {
	mu       sync.Mutex
	handle   Handle
	settings *settings
	altCur   *AltSetting
	state    state
}

// Handle returns the interface's current handle.
func (s *StreamInterface) Handle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// validate reports whether h is still current.
func (s *StreamInterface) validate(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.matches(h)
}

// invalidateHandle bumps the generation, detaching every outstanding
// reference (stream marked as closed internally).
func (s *StreamInterface) invalidateHandle() {
	s.mu.Lock()
	s.handle = s.handle.invalidate()
	s.mu.Unlock()
}

// Stats returns the stream's statistics counters.
func (s *StreamInterface) Stats() *Stats {
	return s.settings.stats
}

// AltCurrent returns the active alternate setting, nil when the idle
// setting is selected.
func (s *StreamInterface) AltCurrent() *AltSetting {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.altCur
}

// PlaybackCorrFunc is an application-supplied replacement for the
// built-in sample insertion/removal correction. It returns the corrected
// buffer length.
type PlaybackCorrFunc func(cfg *AltConfig, underrun bool, buf []byte, bufLen, bufTotalLen int) (int, error)

// StreamConfig configures one stream at registration.
type StreamConfig struct {
	Dir        StreamDir
	Driver     StreamDriver
	TerminalID uint8

	// BufTotalNbr and BufTotalLen size the ring: BufTotalNbr buffers of
	// BufTotalLen bytes each.
	BufTotalNbr uint16
	BufTotalLen uint16

	// PreBufMax is the number of ready buffers accumulated before the
	// stream primes.
	PreBufMax uint16

	// CorrPeriod is the number of USB frames between evaluations of the
	// built-in correction. Zero selects the default.
	CorrPeriod uint16

	// CorrBoundaryHeavyPos/Neg bound the safe zone of the buffer
	// difference metric. Zero selects the defaults derived from the ring
	// size.
	CorrBoundaryHeavyPos int
	CorrBoundaryHeavyNeg int

	// SynchBoundaryLightPos/Neg bound the light-correction region of the
	// feedback engine. Zero selects half the heavy boundary.
	SynchBoundaryLightPos int
	SynchBoundaryLightNeg int

	// CorrCallback optionally replaces the built-in sample
	// insertion/removal algorithm.
	CorrCallback PlaybackCorrFunc

	Alt AltSetting
}

// defaultCorrPeriod is the built-in correction evaluation period in
// frames.
const defaultCorrPeriod = 8

// bufAlign aligns stream buffers for DMA access.
const bufAlign = 4

// Processing owns every streaming interface of the audio function and the
// two worker tasks.
type Processing struct {
	port USBPort

	mu    sync.Mutex
	asIFs []*StreamInterface

	recordQ   taskQueue
	playbackQ taskQueue

	done chan struct{}
	once sync.Once
}

// USBPort is the slice of the device core the audio layer drives.
type USBPort interface {
	OpenEndpoint(ep *device.Endpoint) error
	CloseEndpoint(epAddr uint8)
	IsocTxAsync(epAddr uint8, buf []byte, cb device.IsocCallback) error
	IsocRxAsync(epAddr uint8, buf []byte, cb device.IsocCallback) error
	AbortEndpoint(epAddr uint8) error
	FrameNumber() uint16
	Speed() device.Speed
}

// NewProcessing creates the audio processing state. msgQty sizes the
// per-task message queues; maxStreams bounds the interface arena.
func NewProcessing(port USBPort, msgQty, maxStreams int) *Processing {
	p := &Processing{
		port:      port,
		asIFs:     make([]*StreamInterface, 0, maxStreams),
		recordQ:   newTaskQueue(msgQty),
		playbackQ: newTaskQueue(msgQty),
		done:      make(chan struct{}),
	}
	go p.recordTask()
	go p.playbackTask()
	return p
}

// Close stops the worker tasks.
func (p *Processing) Close() {
	p.once.Do(func() {
		close(p.done)
		close(p.recordQ.ch)
		close(p.playbackQ.ch)
	})
}

// AddStream registers a stream and returns its interface.
func (p *Processing) AddStream(cfg StreamConfig) (*StreamInterface, error) {
	if cfg.Driver == nil || cfg.Dir == StreamNone {
		return nil, pkg.ErrInvalidParameter
	}
	if cfg.BufTotalNbr < 2 || cfg.BufTotalLen == 0 {
		return nil, pkg.ErrInvalidParameter
	}
	if cfg.PreBufMax == 0 || cfg.PreBufMax >= cfg.BufTotalNbr {
		return nil, pkg.ErrInvalidParameter
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.asIFs) >= cap(p.asIFs) {
		return nil, pkg.ErrNoResources
	}

	stats := &Stats{}
	blkLen := alignUp(int(cfg.BufTotalLen), bufAlign)
	set := &settings{
		api:          cfg.Driver,
		ix:           uint8(len(p.asIFs)),
		terminalID:   cfg.TerminalID,
		bufTotalNbr:  cfg.BufTotalNbr,
		bufTotalLen:  cfg.BufTotalLen,
		bufMem:       make([]byte, int(cfg.BufTotalNbr)*blkLen),
		dir:          cfg.Dir,
		preBufMax:    cfg.PreBufMax,
		ringQ:        newStreamRingQueue(cfg.BufTotalNbr, stats),
		corrPeriod:   cfg.CorrPeriod,
		corrCallback: cfg.CorrCallback,
		stats:        stats,
		asLock:       newTMutex(),
		ringLock:     newTMutex(),
	}
	if set.corrPeriod == 0 {
		set.corrPeriod = defaultCorrPeriod
	}

	set.corrBoundaryHeavyPos = cfg.CorrBoundaryHeavyPos
	set.corrBoundaryHeavyNeg = cfg.CorrBoundaryHeavyNeg
	if set.corrBoundaryHeavyPos == 0 {
		set.corrBoundaryHeavyPos = int(cfg.BufTotalNbr-cfg.PreBufMax+1) / 2
		if set.corrBoundaryHeavyPos < 2 {
			set.corrBoundaryHeavyPos = 2
		}
	}
	if set.corrBoundaryHeavyNeg == 0 {
		set.corrBoundaryHeavyNeg = -set.corrBoundaryHeavyPos
	}

	set.synch.boundaryLightPos = cfg.SynchBoundaryLightPos
	set.synch.boundaryLightNeg = cfg.SynchBoundaryLightNeg
	if set.synch.boundaryLightPos == 0 {
		set.synch.boundaryLightPos = (set.corrBoundaryHeavyPos + 1) / 2
		if set.synch.boundaryLightPos < 1 {
			set.synch.boundaryLightPos = 1
		}
	}
	if set.synch.boundaryLightNeg == 0 {
		set.synch.boundaryLightNeg = -set.synch.boundaryLightPos
	}

	alt := cfg.Alt
	s := &StreamInterface{
		handle:   makeHandle(uint8(len(p.asIFs))),
		settings: set,
		altCur:   &alt,
		state:    stateInit,
	}
	p.asIFs = append(p.asIFs, s)
	return s, nil
}

// get resolves a handle to its interface without validating the
// generation.
func (p *Processing) get(h Handle) *StreamInterface {
	p.mu.Lock()
	defer p.mu.Unlock()
	ix := int(h.index())
	if ix >= len(p.asIFs) {
		return nil
	}
	return p.asIFs[ix]
}

// alignUp rounds n up to the next multiple of align.
func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// ringBufQInit splits the buffer memory region into aligned blocks and
// installs them in the ring descriptors. Record descriptors start with the
// per-millisecond buffer length; playback descriptors are sized by the
// received transfer lengths.
func (s *StreamInterface) ringBufQInit() {
	set := s.settings
	blkLen := alignUp(int(set.bufTotalLen), bufAlign)
	for ix := uint16(0); ix < set.bufTotalNbr; ix++ {
		d := set.ringQ.desc(ix)
		d.buf = set.bufMem[int(ix)*blkLen : int(ix)*blkLen+int(set.bufTotalLen)]
		if set.dir == StreamIn {
			d.length = int(s.recordDataRateAdj())
		} else {
			d.length = 0
		}
	}
}

// Start opens the stream: the ring is rebuilt, and for record the codec
// starts producing while for playback the first isochronous OUT transfer
// primes the ring from the host.
func (s *StreamInterface) Start(p *Processing) error {
	set := s.settings

	if err := set.asLock.acquire(lockTimeout); err != nil {
		pkg.LogError(pkg.ComponentAudio, "stream start: lock acquire failed", "error", err)
		return err
	}
	defer set.asLock.release()

	set.mu.Lock()
	set.streamStarted = true
	set.mu.Unlock()

	set.ringQ.reset()
	s.ringBufQInit()

	if set.dir == StreamIn {
		if !set.api.StreamStart(s.Handle(), set.terminalID) {
			s.startFailed(set)
			return pkg.ErrNotSupported
		}
	} else {
		if err := s.playbackPrime(p); err != nil {
			pkg.LogError(pkg.ComponentPlayback, "stream start: priming failed", "error", err)
			s.startFailed(set)
			return err
		}
	}

	set.stats.StreamOpen.Add(1)
	return nil
}

func (s *StreamInterface) startFailed(set *settings) {
	set.mu.Lock()
	set.streamStarted = false
	set.mu.Unlock()
	s.invalidateHandle()
}

// Stop closes the stream: the handle is invalidated so pending worker
// messages are discarded, per-stream state is cleared, the codec stops,
// and the ring is reset. Buffers live permanently in the stream memory
// region; resetting the ring releases them all for the next open.
func (s *StreamInterface) Stop(p *Processing) error {
	set := s.settings

	if err := set.asLock.acquire(lockTimeout); err != nil {
		pkg.LogError(pkg.ComponentAudio, "stream stop: lock acquire failed", "error", err)
		return err
	}
	defer set.asLock.release()

	set.mu.Lock()
	started := set.streamStarted
	set.mu.Unlock()
	if !started {
		return nil
	}

	s.invalidateHandle()

	// Abort before clearing the stream state so aborted completions are
	// dropped by handle validation, not accounted against fresh counters.
	if alt := s.AltCurrent(); alt != nil {
		p.port.AbortEndpoint(alt.DataIsocAddr)
		if alt.SynchIsocAddr != device.EndpointAddrNone {
			p.port.AbortEndpoint(alt.SynchIsocAddr)
		}
	}

	set.mu.Lock()
	set.streamStarted = false
	set.primingDone = false
	set.corrFrameNbr = 0
	if set.dir == StreamIn {
		set.recordRateAdjMs = 0
		set.recordRateAdjXferCtr = 0
		set.recordBufLen = 0
		set.recordIsocOngoing = 0
	}
	set.mu.Unlock()

	set.stats.StreamClosed.Add(1)

	if !set.api.StreamStop(set.terminalID) {
		return pkg.ErrNotSupported
	}

	set.ringQ.reset()
	return nil
}

// RecordBufGet returns the next buffer the codec driver should fill, or
// nil when the ring has no free slot or the handle is stale. The returned
// length accounts for the rate adjustment and built-in correction.
func (p *Processing) RecordBufGet(h Handle) ([]byte, bool) {
	s := p.get(h)
	if s == nil || !s.validate(h) {
		pkg.LogDebug(pkg.ComponentRecord, "record buffer get: stale handle")
		return nil, false
	}
	set := s.settings

	ix, ok := set.ringQ.producerStart()
	if !ok {
		return nil, false
	}
	d := set.ringQ.desc(ix)
	buf := d.buf[:d.length]
	set.ringQ.advance(cursorProducerStart)
	return buf, true
}

// RecordRxCmpl signals the Record task that the codec finished filling a
// buffer.
func (p *Processing) RecordRxCmpl(h Handle) {
	s := p.get(h)
	if s == nil {
		pkg.LogDebug(pkg.ComponentRecord, "record rx completion: unknown handle")
		return
	}
	if !p.recordQ.post(h) {
		pkg.LogError(pkg.ComponentRecord, "record task queue full, completion dropped")
		return
	}
	s.settings.stats.RecordReqPost.Add(1)
}

// RecordBufFree is retained for codec drivers that used to return aborted
// record buffers explicitly.
//
// Deprecated: the record path reclaims consumed buffers through the ring
// queue; this function has no effect.
func (p *Processing) RecordBufFree(h Handle, buf []byte) {
	_ = h
	_ = buf
}

// PlaybackTxCmpl signals the Playback task that the codec finished
// rendering a buffer.
func (p *Processing) PlaybackTxCmpl(h Handle) {
	s := p.get(h)
	if s == nil {
		pkg.LogDebug(pkg.ComponentPlayback, "playback tx completion: unknown handle")
		return
	}
	if !p.playbackQ.post(h) {
		pkg.LogError(pkg.ComponentPlayback, "playback task queue full, completion dropped")
		return
	}
	s.settings.stats.PlaybackReqPost.Add(1)
}

// PlaybackBufFree releases a buffer the codec has finished with back to
// the producer side by advancing ConsumerEnd.
func (p *Processing) PlaybackBufFree(h Handle, buf []byte) {
	_ = buf
	s := p.get(h)
	if s == nil || !s.validate(h) {
		pkg.LogDebug(pkg.ComponentPlayback, "playback buffer free: stale handle")
		return
	}
	set := s.settings
	if _, ok := set.ringQ.consumerEnd(); ok {
		set.ringQ.advance(cursorConsumerEnd)
	}
}
