package audio

import (
	"github.com/ardnew/usbaudio/device"
	"github.com/ardnew/usbaudio/pkg"
)

// playbackTask processes codec completion messages for playback streams:
// each message means the codec finished rendering a buffer, so a new
// ready buffer can be forwarded and, if the stream loop broke, new USB
// transfers submitted.
func (p *Processing) playbackTask() {
	for {
		h, ok := p.playbackQ.pend()
		if !ok {
			return
		}

		s := p.get(h)
		if s == nil {
			pkg.LogDebug(pkg.ComponentPlayback, "playback task: unknown handle")
			continue
		}
		set := s.settings
		set.stats.PlaybackReqPend.Add(1)

		if err := set.asLock.acquire(lockTimeout); err != nil {
			pkg.LogError(pkg.ComponentPlayback, "playback task: lock acquire failed", "error", err)
			continue
		}

		if s.validate(h) {
			p.playbackBufSubmit(s, h)
		} else {
			pkg.LogDebug(pkg.ComponentPlayback, "playback task: stale handle")
		}
		set.asLock.release()
	}
}

// playbackPrime submits the first isochronous OUT transfer, beginning the
// priming of the ring from the host.
func (s *StreamInterface) playbackPrime(p *Processing) error {
	set := s.settings

	ix, ok := set.ringQ.producerStart()
	if !ok {
		return pkg.ErrNoResources
	}
	d := set.ringQ.desc(ix)

	h := s.Handle()
	alt := s.AltCurrent()
	err := p.port.IsocRxAsync(alt.DataIsocAddr, d.buf[:alt.MaxPktLen],
		func(buf []byte, xferLen int, err error) {
			p.playbackIsocCmpl(s, h, xferLen, err)
		})
	if err != nil {
		set.stats.PlaybackIsocRxSubmitErr.Add(1)
		return err
	}

	set.ringQ.advance(cursorProducerStart)
	set.stats.PlaybackIsocRxSubmitOK.Add(1)
	return nil
}

// playbackIsocCmpl processes an isochronous OUT completion in the
// driver's completion context: the received buffer is committed to the
// ring, further OUT transfers are submitted, and once enough buffers have
// accumulated the codec is started exactly once.
//
// The ring queue lock protects ProducerEnd against the Playback task
// restarting a broken stream concurrently.
func (p *Processing) playbackIsocCmpl(s *StreamInterface, h Handle, xferLen int, err error) {
	set := s.settings
	set.stats.PlaybackIsocRxCmpl.Add(1)

	switch pkg.StatusFromError(err) {
	case pkg.TransferStatusSuccess:
	case pkg.TransferStatusAborted:
		set.stats.PlaybackIsocRxCmplErrAbort.Add(1)
		return
	default:
		set.stats.PlaybackIsocRxCmplErrOther.Add(1)
		return
	}

	if !s.validate(h) {
		return
	}

	if lockErr := set.ringLock.acquire(lockTimeout); lockErr != nil {
		pkg.LogError(pkg.ComponentPlayback, "playback completion: lock acquire failed", "error", lockErr)
		return
	}
	ix, ok := set.ringQ.producerEnd()
	set.ringLock.release()
	if !ok {
		set.stats.RingBufQErr.Add(1)
		return
	}

	d := set.ringQ.desc(ix)
	d.length = xferLen
	// Commit the index only after the descriptor is written.
	set.ringQ.advance(cursorProducerEnd)

	s.playbackUsbBufSubmit(p)

	// Start the codec once priming completes.
	set.mu.Lock()
	primingDone := set.primingDone
	set.mu.Unlock()
	preBufDone := set.ringQ.producerEndPos() >= set.preBufMax

	if !primingDone && preBufDone {
		if !set.api.StreamStart(s.Handle(), set.terminalID) {
			s.invalidateHandle()
			set.stats.StreamClosed.Add(1)
			pkg.LogError(pkg.ComponentPlayback, "playback completion: codec start failed")
			return
		}

		alt := s.AltCurrent()
		set.mu.Lock()
		if alt.SynchIsocAddr == device.EndpointAddrNone {
			// Built-in correction baseline.
			set.corrFrameNbr = p.port.FrameNumber() & device.FrameNumberMask
		}
		set.primingDone = true
		set.mu.Unlock()
	}
}

// playbackUsbBufSubmit submits as many empty buffers as the driver will
// queue for reception.
func (s *StreamInterface) playbackUsbBufSubmit(p *Processing) int {
	set := s.settings
	alt := s.AltCurrent()
	h := s.Handle()
	submitted := 0

	for {
		ix, ok := set.ringQ.producerStart()
		if !ok {
			set.stats.PlaybackIsocRxBufNotAvail.Add(1)
			break
		}
		d := set.ringQ.desc(ix)

		err := p.port.IsocRxAsync(alt.DataIsocAddr, d.buf[:alt.MaxPktLen],
			func(buf []byte, xferLen int, err error) {
				p.playbackIsocCmpl(s, h, xferLen, err)
			})
		if err != nil {
			set.stats.PlaybackIsocRxSubmitErr.Add(1)
			break
		}

		set.ringQ.advance(cursorProducerStart)
		set.stats.PlaybackIsocRxSubmitOK.Add(1)
		submitted++
	}
	return submitted
}

// playbackBufSubmit runs one Playback task iteration: restart or top up
// the USB side, then forward one ready buffer to the codec, applying
// stream correction on the way.
func (p *Processing) playbackBufSubmit(s *StreamInterface, h Handle) {
	set := s.settings

	// USB side. The ring queue lock protects ProducerStart while a
	// completion handler may be checking ProducerEnd concurrently.
	if err := set.ringLock.acquire(lockTimeout); err != nil {
		pkg.LogError(pkg.ComponentPlayback, "playback submit: lock acquire failed", "error", err)
		return
	}
	s.playbackUsbBufSubmit(p)
	set.ringLock.release()

	// Codec side.
	ix, ok := set.ringQ.consumerStart()
	if !ok {
		// No ready buffer yet: yield briefly and try again on a
		// self-posted completion.
		delayMs(1)
		p.PlaybackTxCmpl(h)
		return
	}
	d := set.ringQ.desc(ix)

	if err := s.playbackCorrExec(p, d); err != nil {
		return
	}

	if err := set.api.StreamPlaybackTx(set.terminalID, d.buf[:d.length]); err != nil {
		pkg.LogError(pkg.ComponentPlayback, "playback submit: codec transfer failed", "error", err)
		return
	}

	set.ringQ.advance(cursorConsumerStart)
}
