package audio

import (
	"github.com/ardnew/usbaudio/device"
	"github.com/ardnew/usbaudio/pkg"
)

// recordTask processes codec completion messages for record streams. It
// pulls the codec's ready buffer into the ring, and when the USB side has
// no transfer in flight (priming, or a broken stream loop) it submits a
// new isochronous IN transfer itself.
func (p *Processing) recordTask() {
	for {
		h, ok := p.recordQ.pend()
		if !ok {
			return
		}

		s := p.get(h)
		if s == nil {
			pkg.LogDebug(pkg.ComponentRecord, "record task: unknown handle")
			continue
		}
		set := s.settings
		set.stats.RecordReqPend.Add(1)

		if err := set.asLock.acquire(lockTimeout); err != nil {
			pkg.LogError(pkg.ComponentRecord, "record task: lock acquire failed", "error", err)
			continue
		}

		p.recordTaskBody(s, h)
		set.asLock.release()
	}
}

// recordTaskBody runs one record task iteration with the stream lock
// held.
func (p *Processing) recordTaskBody(s *StreamInterface, h Handle) {
	set := s.settings

	if !s.validate(h) {
		pkg.LogDebug(pkg.ComponentRecord, "record task: stale handle")
		return
	}

	// Commit the codec's ready buffer into the ring.
	ix, ok := set.ringQ.producerEnd()
	if !ok {
		set.stats.RingBufQErr.Add(1)
		return
	}
	d := set.ringQ.desc(ix)
	n, err := set.api.StreamRecordRx(set.terminalID, d.buf[:d.length])
	if err != nil {
		pkg.LogError(pkg.ComponentRecord, "record task: codec buffer retrieval failed", "error", err)
		return
	}
	d.length = n
	set.ringQ.advance(cursorProducerEnd)

	set.mu.Lock()
	primingDone := set.primingDone
	ongoing := set.recordIsocOngoing
	set.mu.Unlock()

	// With transfers in flight the completion handler keeps the loop
	// going; nothing to do until the next codec completion.
	if primingDone && ongoing > 0 {
		return
	}

	preBufDone := set.ringQ.producerEndPos() >= set.preBufMax
	if !primingDone && !preBufDone {
		return
	}

	if err := s.recordPrime(p); err != nil {
		pkg.LogError(pkg.ComponentRecord, "record task: first isochronous IN failed", "error", err)
		return
	}

	if !primingDone {
		set.mu.Lock()
		set.corrFrameNbr = p.port.FrameNumber() & device.FrameNumberMask
		set.primingDone = true
		set.mu.Unlock()
	}
}

// recordPrime submits the first isochronous IN transfer of the stream, or
// restarts a broken stream loop. The ring queue lock protects
// ConsumerStart against the completion handler racing the restart.
func (s *StreamInterface) recordPrime(p *Processing) error {
	set := s.settings

	if err := set.ringLock.acquire(lockTimeout); err != nil {
		pkg.LogError(pkg.ComponentRecord, "record prime: lock acquire failed", "error", err)
		return err
	}
	defer set.ringLock.release()

	ix, ok := set.ringQ.consumerStart()
	if !ok {
		set.stats.RecordIsocTxBufNotAvail.Add(1)
		return pkg.ErrNoResources
	}
	d := set.ringQ.desc(ix)

	h := s.Handle()
	alt := s.AltCurrent()
	err := p.port.IsocTxAsync(alt.DataIsocAddr, d.buf[:d.length],
		func(buf []byte, xferLen int, err error) {
			p.recordIsocCmpl(s, h, err)
		})
	if err != nil {
		set.stats.RecordIsocTxSubmitErr.Add(1)
		return err
	}

	set.ringQ.advance(cursorConsumerStart)
	set.stats.RecordIsocTxSubmitOK.Add(1)

	set.mu.Lock()
	set.recordIsocOngoing++
	set.mu.Unlock()
	return nil
}

// recordIsocCmpl processes an isochronous IN completion. It runs in the
// driver's completion context: the consumed buffer is released to the
// codec side, the next buffer's length picks up the rate adjustment and
// the built-in correction, and as many queued IN transfers as the driver
// accepts are submitted.
func (p *Processing) recordIsocCmpl(s *StreamInterface, h Handle, err error) {
	set := s.settings
	set.stats.RecordIsocTxCmpl.Add(1)

	set.mu.Lock()
	set.recordIsocOngoing--
	set.mu.Unlock()

	// An aborted transfer means the host closed the stream or the device
	// disconnected; other errors still recycle the buffer.
	switch pkg.StatusFromError(err) {
	case pkg.TransferStatusSuccess:
	case pkg.TransferStatusAborted:
		set.stats.RecordIsocTxCmplErrAbort.Add(1)
		return
	default:
		set.stats.RecordIsocTxCmplErrOther.Add(1)
	}

	if !s.validate(h) {
		return
	}

	if lockErr := set.ringLock.acquire(lockTimeout); lockErr != nil {
		pkg.LogError(pkg.ComponentRecord, "record completion: lock acquire failed", "error", lockErr)
		return
	}
	ix, ok := set.ringQ.consumerEnd()
	set.ringLock.release()
	if !ok {
		return
	}

	d := set.ringQ.desc(ix)
	d.length = int(s.recordDataRateAdj())

	// Evaluate the built-in correction once per correction period.
	frame := p.port.FrameNumber() & device.FrameNumberMask
	set.mu.Lock()
	diff := device.FrameNumberDiff(set.corrFrameNbr, frame)
	period := set.corrPeriod
	set.mu.Unlock()
	if diff >= period {
		s.recordCorrBuiltIn(d)
		set.mu.Lock()
		set.corrFrameNbr = frame
		set.mu.Unlock()
	}

	set.ringQ.advance(cursorConsumerEnd)

	s.recordUsbBufSubmit(p)
}

// recordUsbBufSubmit submits as many record buffers as the driver will
// queue. The driver reports a full queue with pkg.ErrQueueing; submission
// resumes on the next completion.
func (s *StreamInterface) recordUsbBufSubmit(p *Processing) int {
	set := s.settings
	alt := s.AltCurrent()
	h := s.Handle()
	submitted := 0

	for {
		ix, ok := set.ringQ.consumerStart()
		if !ok {
			set.stats.RecordIsocTxBufNotAvail.Add(1)
			break
		}
		d := set.ringQ.desc(ix)

		err := p.port.IsocTxAsync(alt.DataIsocAddr, d.buf[:d.length],
			func(buf []byte, xferLen int, err error) {
				p.recordIsocCmpl(s, h, err)
			})
		if err != nil {
			set.stats.RecordIsocTxSubmitErr.Add(1)
			break
		}

		set.ringQ.advance(cursorConsumerStart)
		set.stats.RecordIsocTxSubmitOK.Add(1)
		submitted++

		set.mu.Lock()
		set.recordIsocOngoing++
		set.mu.Unlock()
	}
	return submitted
}

// recordDataRateAdj returns the next buffer length, lengthened by one
// audio frame once per rate-adjustment period for sampling frequencies
// with a non-integer number of samples per millisecond. The adjustment
// counter is not reset by a mid-stream sampling frequency change.
func (s *StreamInterface) recordDataRateAdj() uint16 {
	set := s.settings
	alt := s.AltCurrent()
	bufLen := set.recordBufLen

	if set.recordRateAdjMs == 0 {
		return bufLen
	}

	set.mu.Lock()
	defer set.mu.Unlock()
	set.recordRateAdjXferCtr++
	if set.recordRateAdjXferCtr == uint32(set.recordRateAdjMs) {
		bufLen = set.recordBufLen + uint16(alt.Cfg.FrameLen())
		set.recordRateAdjXferCtr = 0
	}
	return bufLen
}

// recordCorrBuiltIn applies the record data-rate correction: outside the
// safe zone the next buffer is shortened (overrun) or lengthened
// (underrun) by one audio frame, and the codec hardware simply fetches
// that many samples on its next transfer.
//
// The overrun/underrun naming is USB-centric: for record a negative
// buffer difference means USB drains faster than the codec fills.
func (s *StreamInterface) recordCorrBuiltIn(d *bufDesc) {
	set := s.settings
	alt := s.AltCurrent()

	diff := set.ringQ.bufDiff(set.preBufMax)
	if diff > set.corrBoundaryHeavyNeg && diff < set.corrBoundaryHeavyPos {
		set.stats.CorrSafeZone.Add(1)
		return
	}

	frameLen := alt.Cfg.FrameLen()
	if diff <= set.corrBoundaryHeavyNeg {
		set.stats.CorrOverrun.Add(1)
		d.length -= frameLen
	} else {
		set.stats.CorrUnderrun.Add(1)
		d.length += frameLen
	}
}
