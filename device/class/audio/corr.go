package audio

import (
	"github.com/ardnew/usbaudio/device"
	"github.com/ardnew/usbaudio/pkg"
)

// corrMinSampleFrames is the minimum number of audio frames a buffer must
// hold for the built-in correction to operate: the removal algorithm
// averages over the last four frames.
const corrMinSampleFrames = 4

// playbackCorrExec applies the stream correction the alternate setting
// selects: explicit feedback when a synch endpoint is configured, the
// built-in sample insertion/removal otherwise. The two are mutually
// exclusive, one correction method at a time acts on the stream.
func (s *StreamInterface) playbackCorrExec(p *Processing, d *bufDesc) error {
	set := s.settings
	alt := s.AltCurrent()

	frame := p.port.FrameNumber() & device.FrameNumberMask

	if alt.SynchIsocAddr != device.EndpointAddrNone {
		return s.playbackCorrSynch(p, frame)
	}

	set.mu.Lock()
	diff := device.FrameNumberDiff(set.corrFrameNbr, frame)
	period := set.corrPeriod
	set.mu.Unlock()

	if diff >= period {
		if err := s.playbackCorrBuiltIn(d); err != nil {
			return err
		}
		set.mu.Lock()
		set.corrFrameNbr = frame
		set.mu.Unlock()
	}
	return nil
}

// playbackCorrBuiltIn corrects the data-rate error by removing (overrun)
// or inserting (underrun) one audio sample per logical channel. The
// approach suits low-cost designs where the incoming rate stays close to
// the DAC clock; a large mismatch audibly distorts.
//
// An application-supplied correction callback replaces the built-in
// algorithm when present.
func (s *StreamInterface) playbackCorrBuiltIn(d *bufDesc) error {
	set := s.settings
	alt := s.AltCurrent()
	cfg := alt.Cfg

	diff := set.ringQ.bufDiff(set.preBufMax)
	if diff > set.corrBoundaryHeavyNeg && diff < set.corrBoundaryHeavyPos {
		set.stats.CorrSafeZone.Add(1)
		return nil
	}

	subframeLen := int(cfg.SubframeSize)
	frameLen := cfg.FrameLen()
	if d.length < corrMinSampleFrames*frameLen {
		return pkg.ErrBufferTooSmall
	}

	if diff >= set.corrBoundaryHeavyPos {
		// Overrun: USB runs ahead of the codec, drop one sample frame.
		set.stats.CorrOverrun.Add(1)

		if set.corrCallback != nil {
			newLen, err := set.corrCallback(cfg, false, d.buf, d.length, int(set.bufTotalLen))
			if err != nil {
				return err
			}
			d.length = newLen
			return nil
		}

		// Sample N-2 is rebuilt as the average of N, N-1, N-2 and N-3,
		// sample N moves to N-1, and the buffer shrinks by one frame.
		end := d.length
		frameN := end - frameLen
		frameNm1 := frameN - frameLen
		frameNm2 := frameNm1 - frameLen

		for ch := 0; ch < int(cfg.NbrCh); ch++ {
			off := subframeLen * ch
			var sum int64
			for i := 1; i <= 4; i++ {
				pos := end - i*frameLen + off
				sum += int64(sampleRead(d.buf[pos:], subframeLen, cfg.BitRes))
			}
			avg := int32(sum / 4)
			sampleWrite(d.buf[frameNm2+off:], subframeLen, avg)
		}

		copy(d.buf[frameNm1:frameNm1+frameLen], d.buf[frameN:frameN+frameLen])
		d.length -= frameLen
		return nil
	}

	// Underrun: the codec runs ahead of USB, add one sample frame.
	set.stats.CorrUnderrun.Add(1)

	if set.corrCallback != nil {
		newLen, err := set.corrCallback(cfg, true, d.buf, d.length, int(set.bufTotalLen))
		if err != nil {
			return err
		}
		d.length = newLen
		return nil
	}

	if d.length+frameLen > len(d.buf) {
		return pkg.ErrBufferTooSmall
	}

	// Sample N moves to N+1 and is rebuilt as the average of N-1 and the
	// moved N+1; the buffer grows by one frame.
	end := d.length
	frameNp1 := end
	frameN := end - frameLen
	frameNm1 := frameN - frameLen

	copy(d.buf[frameNp1:frameNp1+frameLen], d.buf[frameN:frameN+frameLen])

	for ch := 0; ch < int(cfg.NbrCh); ch++ {
		off := subframeLen * ch
		a := int64(sampleRead(d.buf[frameNp1+off:], subframeLen, cfg.BitRes))
		b := int64(sampleRead(d.buf[frameNm1+off:], subframeLen, cfg.BitRes))
		avg := int32((a + b) / 2)
		sampleWrite(d.buf[frameN+off:], subframeLen, avg)
	}

	d.length += frameLen
	return nil
}

// sampleRead loads one little-endian sample of subframeLen bytes,
// sign-extending 16- and 24-bit samples to 32 bits using the stream's bit
// resolution. 8-bit PCM stays unsigned.
func sampleRead(buf []byte, subframeLen int, bitRes uint8) int32 {
	var v uint32
	for i := 0; i < subframeLen; i++ {
		v |= uint32(buf[i]) << (8 * i)
	}
	if subframeLen == 2 || subframeLen == 3 {
		if v&(1<<(bitRes-1)) != 0 {
			v |= ^uint32(0) << bitRes
		}
	}
	return int32(v)
}

// sampleWrite stores the low subframeLen bytes of v little-endian.
func sampleWrite(buf []byte, subframeLen int, v int32) {
	for i := 0; i < subframeLen; i++ {
		buf[i] = byte(uint32(v) >> (8 * i))
	}
}
