package audio

import (
	"encoding/binary"

	"github.com/ardnew/usbaudio/device"
	"github.com/ardnew/usbaudio/pkg"
)

// The synch endpoint carries a 3-byte feedback value: samples per
// (micro)frame in 10.14 format at either speed. Windows expects the same
// transfer length and bit shift regardless of speed.
const (
	synchBitShift = 14
	synchXferLen  = 3
)

// Feedback value adjustments. The maximum adds or removes one sample per
// frame, the medium one half sample, the minimum 1/2048 sample.
const (
	synchMinAdj = 1 << (synchBitShift - 11)
	synchMedAdj = 1 << (synchBitShift - 1)
	synchMaxAdj = 1 << synchBitShift
)

// playbackCorrSynchInit initializes the feedback state for the sampling
// frequency and transmits the nominal value on the synch endpoint.
func (s *StreamInterface) playbackCorrSynchInit(p *Processing, samplingFreq uint32) error {
	set := s.settings
	alt := s.AltCurrent()

	frame := p.port.FrameNumber() & device.FrameNumberMask

	set.mu.Lock()
	set.synch.synchFrameNbr = frame
	set.synch.prevFrameNbr = frame
	// Integer part, then the fractional part of the feedback value.
	nominal := (samplingFreq / 1000) << synchBitShift
	nominal += ((samplingFreq % 1000) << synchBitShift) / 1000
	set.synch.feedbackNominal = nominal
	set.synch.feedbackCur = nominal
	set.synch.prevBufDiff = 0
	set.synch.feedbackUpdate = false
	if set.synch.synchBuf == nil {
		set.synch.synchBuf = make([]byte, 4)
	}
	set.synch.synchBufFree = true
	set.mu.Unlock()

	buf, ok := s.synchBufGet()
	if !ok {
		set.stats.SynchBufNotAvail.Add(1)
		pkg.LogError(pkg.ComponentPlayback, "synch init: feedback buffer unavailable")
		return pkg.ErrNoResources
	}

	binary.LittleEndian.PutUint32(buf, nominal)

	err := p.port.IsocTxAsync(alt.SynchIsocAddr, buf[:synchXferLen],
		func(b []byte, xferLen int, err error) {
			s.synchIsocCmpl()
		})
	if err != nil {
		s.synchBufFree()
		pkg.LogError(pkg.ComponentPlayback, "synch init: isochronous IN not started", "error", err)
		return err
	}
	set.stats.SynchIsocTxSubmitted.Add(1)
	return nil
}

// synchBufGet claims the single synch buffer. A false return means the
// host has not yet retrieved the previous feedback value.
func (s *StreamInterface) synchBufGet() ([]byte, bool) {
	set := s.settings
	set.mu.Lock()
	defer set.mu.Unlock()
	if !set.synch.synchBufFree {
		return nil, false
	}
	set.synch.synchBufFree = false
	return set.synch.synchBuf, true
}

// synchBufFree returns the synch buffer to the free state.
func (s *StreamInterface) synchBufFree() {
	set := s.settings
	set.mu.Lock()
	set.synch.synchBufFree = true
	set.mu.Unlock()
}

// synchIsocCmpl completes a feedback transmission.
func (s *StreamInterface) synchIsocCmpl() {
	s.synchBufFree()
	s.settings.stats.SynchIsocTxCmpl.Add(1)
}

// playbackCorrSynch runs the feedback engine. The buffer difference is
// monitored against the light and heavy boundaries:
//
//	diff <= heavyNeg          heavy underrun  -> nominal + max adjustment
//	heavyNeg < diff <= lightNeg  light underrun -> additive adjustment
//	lightNeg < diff < lightPos   safe zone      -> restore nominal from an edge
//	lightPos <= diff < heavyPos  light overrun  -> subtractive adjustment
//	diff >= heavyPos          heavy overrun   -> nominal - max adjustment
//
// Entering light correction from the safe zone derives the adjustment
// from the buffer variation over the elapsed frames, clamped between the
// minimum and maximum; entering it from heavy correction backs off with
// the medium adjustment to avoid overshoot. Re-entering the same region
// leaves the value alone.
//
// A transmit is issued at most once per 2^bRefresh frames, and only when
// an update is pending. If the single synch buffer is still held by the
// host the update is lost; the next refresh interval sends the following
// one.
func (s *StreamInterface) playbackCorrSynch(p *Processing, frame uint16) error {
	set := s.settings
	alt := s.AltCurrent()

	diff := set.ringQ.bufDiff(set.preBufMax)

	set.mu.Lock()
	sy := &set.synch
	prevBufDiff := sy.prevBufDiff
	prevFrameNbr := sy.prevFrameNbr
	frameNbrDiff := device.FrameNumberDiff(prevFrameNbr, frame)
	saveInfo := false

	switch {
	case diff == 0:
		saveInfo = true
		set.stats.SynchSafeZone.Add(1)
		if prevBufDiff != 0 {
			// Coming out of underrun or overrun: restore nominal.
			sy.feedbackUpdate = true
			sy.feedbackCur = sy.feedbackNominal
		}

	case diff >= set.corrBoundaryHeavyPos:
		set.stats.SynchOverrun.Add(1)
		set.stats.SynchHeavyOverrun.Add(1)
		if prevBufDiff < set.corrBoundaryHeavyPos {
			// First time in heavy overrun: slow the host by one full
			// sample per frame.
			saveInfo = true
			sy.feedbackUpdate = true
			sy.feedbackCur = sy.feedbackNominal - synchMaxAdj
		}

	case diff <= set.corrBoundaryHeavyNeg:
		set.stats.SynchUnderrun.Add(1)
		set.stats.SynchHeavyUnderrun.Add(1)
		if prevBufDiff > set.corrBoundaryHeavyNeg {
			saveInfo = true
			sy.feedbackUpdate = true
			sy.feedbackCur = sy.feedbackNominal + synchMaxAdj
		}

	case diff >= sy.boundaryLightPos:
		set.stats.SynchOverrun.Add(1)
		set.stats.SynchLightOverrun.Add(1)
		if prevBufDiff >= set.corrBoundaryHeavyPos {
			// Backing off from heavy overrun: reduce the adjustment to
			// avoid overshoot.
			saveInfo = true
			sy.feedbackUpdate = true
			sy.feedbackCur = sy.feedbackNominal - synchMedAdj
		} else if prevBufDiff < sy.boundaryLightPos {
			saveInfo = true
			sy.feedbackUpdate = true
			adj := synchAdjFromVariation(sy.boundaryLightPos, frameNbrDiff)
			sy.feedbackCur -= adj
		}

	case diff <= sy.boundaryLightNeg:
		set.stats.SynchUnderrun.Add(1)
		set.stats.SynchLightUnderrun.Add(1)
		if prevBufDiff <= set.corrBoundaryHeavyNeg {
			saveInfo = true
			sy.feedbackUpdate = true
			sy.feedbackCur = sy.feedbackNominal + synchMedAdj
		} else if prevBufDiff > sy.boundaryLightNeg {
			saveInfo = true
			sy.feedbackUpdate = true
			adj := synchAdjFromVariation(sy.boundaryLightPos, frameNbrDiff)
			sy.feedbackCur += adj
		}
	}

	if saveInfo {
		sy.prevBufDiff = diff
		sy.prevFrameNbr = frame
	}

	refresh := uint16(1) << alt.Cfg.SynchRefresh
	refreshDue := device.FrameNumberDiff(sy.synchFrameNbr, frame) >= refresh
	sendUpdate := false
	var val uint32
	if refreshDue {
		set.stats.SynchRefreshPeriodReached.Add(1)
		sy.synchFrameNbr = frame
		if sy.feedbackUpdate {
			sy.feedbackUpdate = false
			sendUpdate = true
			val = sy.feedbackCur
		}
	}
	set.mu.Unlock()

	if !sendUpdate {
		return nil
	}

	buf, ok := s.synchBufGet()
	if !ok {
		// The host skipped a bRefresh interval; the update is lost and
		// the next refresh sends the following value.
		set.stats.SynchBufNotAvail.Add(1)
		return nil
	}

	binary.LittleEndian.PutUint32(buf, val)

	err := p.port.IsocTxAsync(alt.SynchIsocAddr, buf[:synchXferLen],
		func(b []byte, xferLen int, err error) {
			s.synchIsocCmpl()
		})
	if err != nil {
		s.synchBufFree()
		pkg.LogError(pkg.ComponentPlayback, "feedback transmit not started", "error", err)
		return err
	}
	set.stats.SynchIsocTxSubmitted.Add(1)
	return nil
}

// synchAdjFromVariation derives the light-correction adjustment from the
// buffer variation across the elapsed frames, clamped to the minimum and
// maximum adjustments.
func synchAdjFromVariation(boundaryLightPos int, frameNbrDiff uint16) uint32 {
	if frameNbrDiff == 0 {
		return synchMaxAdj
	}
	adj := (uint32(boundaryLightPos) << synchBitShift) / uint32(frameNbrDiff)
	if adj < synchMinAdj {
		adj = synchMinAdj
	}
	if adj > synchMaxAdj {
		adj = synchMaxAdj
	}
	return adj
}
