package audio

import (
	"encoding/binary"
	"math/bits"

	"github.com/ardnew/usbaudio/device"
	"github.com/ardnew/usbaudio/pkg"
)

// AS endpoint control selectors (Audio 1.0 Table A-19).
const (
	ASEPControlSamplingFreq = 0x01
	ASEPControlPitch        = 0x02
)

// terminalControl processes a control request addressed to a terminal.
// Only the copy-protect control exists: readable on an Input Terminal,
// writable on an Output Terminal.
func (c *Class) terminalControl(e *entity, bReq uint8, wVal uint16, buf []byte) error {
	selector := uint8(wVal >> 8)
	if selector != TerminalControlCopyProtect {
		return pkg.ErrInvalidControl
	}

	switch e.typ {
	case EntityInputTerminal:
		if bReq != RequestGetCur {
			return pkg.ErrInvalidAttribute
		}
		if !e.it.CopyProtEnabled {
			return pkg.ErrInvalidAttribute
		}
		if len(buf) < 1 {
			return pkg.ErrBufferTooSmall
		}
		buf[0] = e.it.CopyProtLevel
		return nil

	case EntityOutputTerminal:
		if bReq != RequestSetCur {
			return pkg.ErrInvalidAttribute
		}
		if !e.ot.CopyProtEnabled || e.ot.API.CopyProtSet == nil {
			return pkg.ErrInvalidAttribute
		}
		if len(buf) < 1 {
			return pkg.ErrBufferTooSmall
		}
		if !e.ot.API.CopyProtSet(e.id, buf[0]) {
			return pkg.ErrInvalidRequest
		}
		return nil

	default:
		return pkg.ErrInvalidRecipient
	}
}

// unitControl processes a control request addressed to a Feature, Mixer
// or Selector Unit.
func (c *Class) unitControl(e *entity, bReq uint8, wVal uint16, buf []byte, reqLen int) error {
	switch e.typ {
	case EntityFeatureUnit:
		return c.featureUnitControl(e, bReq, wVal, buf, reqLen)
	case EntityMixerUnit:
		return c.mixerUnitControl(e, bReq, wVal, buf)
	case EntitySelectorUnit:
		return c.selectorUnitControl(e, bReq, wVal, buf)
	default:
		return pkg.ErrInvalidRecipient
	}
}

// featureUnitControl validates the channel and capability mask, then
// dispatches to the per-control driver callback. The second request form
// (channel 0xFF bulk access) is not supported, and SET of MIN/MAX/RES is
// rejected across all Feature Unit controls.
func (c *Class) featureUnitControl(e *entity, bReq uint8, wVal uint16, buf []byte, reqLen int) error {
	fu := e.fu
	selector := uint8(wVal >> 8)
	logChNbr := uint8(wVal)

	if logChNbr == 0xFF || logChNbr > fu.LogChNbr {
		return pkg.ErrInvalidRequest
	}
	if int(logChNbr) >= len(fu.LogChControls) ||
		fu.LogChControls[logChNbr]&(1<<(selector-1)) == 0 {
		return pkg.ErrInvalidControl
	}

	switch selector {
	case FUControlMute:
		return boolControl(fu.API.Mute, e.id, logChNbr, bReq, buf)

	case FUControlVolume:
		return u16Control(fu.API.Volume, e.id, logChNbr, bReq, buf)

	case FUControlBass:
		return s8Control(fu.API.Bass, e.id, logChNbr, bReq, buf)

	case FUControlMid:
		return s8Control(fu.API.Mid, e.id, logChNbr, bReq, buf)

	case FUControlTreble:
		return s8Control(fu.API.Treble, e.id, logChNbr, bReq, buf)

	case FUControlGraphicEqualizer:
		return c.graphicEqualizerControl(e, logChNbr, bReq, buf, reqLen)

	case FUControlAutoGain:
		return boolControl(fu.API.AutoGain, e.id, logChNbr, bReq, buf)

	case FUControlDelay:
		return u16Control(fu.API.Delay, e.id, logChNbr, bReq, buf)

	case FUControlBassBoost:
		return boolControl(fu.API.BassBoost, e.id, logChNbr, bReq, buf)

	case FUControlLoudness:
		return boolControl(fu.API.Loudness, e.id, logChNbr, bReq, buf)

	default:
		return pkg.ErrInvalidControl
	}
}

// boolControl handles the CUR-only boolean controls (mute, auto-gain,
// bass-boost, loudness).
func boolControl(fn func(unitID, logChNbr uint8, set bool, v *bool) bool, unitID, logChNbr uint8, bReq uint8, buf []byte) error {
	if fn == nil {
		return pkg.ErrInvalidRequest
	}
	if len(buf) < 1 {
		return pkg.ErrBufferTooSmall
	}

	switch bReq {
	case RequestGetCur:
		var v bool
		if !fn(unitID, logChNbr, false, &v) {
			return pkg.ErrInvalidRequest
		}
		if v {
			buf[0] = 1
		} else {
			buf[0] = 0
		}
		return nil

	case RequestSetCur:
		v := buf[0] != 0
		if !fn(unitID, logChNbr, true, &v) {
			return pkg.ErrInvalidRequest
		}
		return nil

	default:
		return pkg.ErrInvalidAttribute
	}
}

// u16Control handles the 16-bit controls (volume, delay): the full GET
// attribute family plus SET_CUR.
func u16Control(fn func(req uint8, unitID, logChNbr uint8, v *uint16) bool, unitID, logChNbr uint8, bReq uint8, buf []byte) error {
	if fn == nil {
		return pkg.ErrInvalidRequest
	}
	if len(buf) < 2 {
		return pkg.ErrBufferTooSmall
	}

	switch bReq {
	case RequestGetCur, RequestGetMin, RequestGetMax, RequestGetRes:
		var v uint16
		if !fn(bReq, unitID, logChNbr, &v) {
			return pkg.ErrInvalidRequest
		}
		binary.LittleEndian.PutUint16(buf, v)
		return nil

	case RequestSetCur:
		v := binary.LittleEndian.Uint16(buf)
		if !fn(bReq, unitID, logChNbr, &v) {
			return pkg.ErrInvalidRequest
		}
		return nil

	default:
		return pkg.ErrInvalidAttribute
	}
}

// s8Control handles the signed 8-bit tone controls (bass, mid, treble) in
// 0.25 dB steps.
func s8Control(fn func(req uint8, unitID, logChNbr uint8, v *int8) bool, unitID, logChNbr uint8, bReq uint8, buf []byte) error {
	if fn == nil {
		return pkg.ErrInvalidRequest
	}
	if len(buf) < 1 {
		return pkg.ErrBufferTooSmall
	}

	switch bReq {
	case RequestGetCur, RequestGetMin, RequestGetMax, RequestGetRes:
		var v int8
		if !fn(bReq, unitID, logChNbr, &v) {
			return pkg.ErrInvalidRequest
		}
		buf[0] = byte(v)
		return nil

	case RequestSetCur:
		v := int8(buf[0])
		if !fn(bReq, unitID, logChNbr, &v) {
			return pkg.ErrInvalidRequest
		}
		return nil

	default:
		return pkg.ErrInvalidAttribute
	}
}

// graphicEqualizerControl handles the graphic equalizer parameter block:
// a 4-byte little-endian bmBandsPresent bitmap followed by one bBand byte
// per set bit. A SET whose band count does not match the bitmap's bit
// count is rejected.
func (c *Class) graphicEqualizerControl(e *entity, logChNbr uint8, bReq uint8, buf []byte, reqLen int) error {
	fn := e.fu.API.GraphicEqualizer
	if fn == nil {
		return pkg.ErrInvalidRequest
	}
	if len(buf) < 4 {
		return pkg.ErrBufferTooSmall
	}

	switch bReq {
	case RequestGetCur, RequestGetMin, RequestGetMax, RequestGetRes:
		var bmBands uint32
		if !fn(bReq, e.id, logChNbr, 0, &bmBands, buf[4:]) {
			return pkg.ErrInvalidRequest
		}
		binary.LittleEndian.PutUint32(buf, bmBands)
		return nil

	case RequestSetCur:
		if reqLen < 5 {
			// At least one frequency band must be specified.
			return pkg.ErrInvalidAttribute
		}
		nbrBands := uint8(reqLen - 4)
		bmBands := binary.LittleEndian.Uint32(buf)
		if uint8(bits.OnesCount32(bmBands)) != nbrBands {
			return pkg.ErrInvalidAttribute
		}
		if !fn(bReq, e.id, logChNbr, nbrBands, &bmBands, buf[4:reqLen]) {
			return pkg.ErrInvalidRequest
		}
		return nil

	default:
		return pkg.ErrInvalidAttribute
	}
}

// mixerUnitControl validates the mixing point addressing and, for SET,
// its programmability, then dispatches to the driver callback. The second
// and third request forms are not supported.
func (c *Class) mixerUnitControl(e *entity, bReq uint8, wVal uint16, buf []byte) error {
	mu := e.mu
	logInChNbr := uint8(wVal >> 8)
	logOutChNbr := uint8(wVal)

	if (logInChNbr == 0xFF || logInChNbr == 0x00) && logInChNbr == logOutChNbr {
		return pkg.ErrInvalidRequest
	}

	totalLogInCh := uint32(mu.LogOutChNbr) * uint32(mu.NbrInPins)
	if uint32(logInChNbr) > totalLogInCh {
		return pkg.ErrInvalidRequest
	}
	if logOutChNbr > mu.LogOutChNbr {
		return pkg.ErrInvalidRequest
	}

	if bReq == RequestSetCur {
		programmable := false
		for _, b := range mu.Controls {
			if b != 0 {
				programmable = true
				break
			}
		}
		if !programmable {
			return pkg.ErrInvalidRequest
		}

		// bmControls is a two-dimensional bit array, MSB first within a
		// byte: bit (in-1)*outCount + (out-1) marks a programmable
		// mixing point.
		bitNbr := uint32(logInChNbr-1)*uint32(mu.LogOutChNbr) + uint32(logOutChNbr-1)
		byteIx := bitNbr / 8
		bitShift := bitNbr % 8
		if int(byteIx) >= len(mu.Controls) ||
			mu.Controls[byteIx]&(0x80>>bitShift) == 0 {
			return pkg.ErrInvalidRequest
		}
	}

	switch bReq {
	case RequestGetCur, RequestGetMin, RequestGetMax, RequestGetRes, RequestSetCur:
		if mu.API.Ctrl == nil {
			return pkg.ErrInvalidRequest
		}
		if len(buf) < 2 {
			return pkg.ErrBufferTooSmall
		}
		var v uint16
		if bReq == RequestSetCur {
			v = binary.LittleEndian.Uint16(buf)
		}
		if !mu.API.Ctrl(bReq, e.id, logInChNbr, logOutChNbr, &v) {
			return pkg.ErrInvalidRequest
		}
		if bReq != RequestSetCur {
			binary.LittleEndian.PutUint16(buf, v)
		}
		return nil

	default:
		return pkg.ErrInvalidAttribute
	}
}

// selectorUnitControl processes a Selector Unit request: GET_MIN and
// GET_RES always answer 1, GET_MAX the number of input pins, and the
// current pin selection is delegated to the driver.
func (c *Class) selectorUnitControl(e *entity, bReq uint8, wVal uint16, buf []byte) error {
	if wVal != 0 {
		return pkg.ErrInvalidControl
	}
	su := e.su
	if len(buf) < 1 {
		return pkg.ErrBufferTooSmall
	}

	switch bReq {
	case RequestGetMin, RequestGetRes:
		buf[0] = 1
		return nil

	case RequestGetMax:
		buf[0] = su.NbrInPins
		return nil

	case RequestGetCur:
		if su.API.InPin == nil {
			return pkg.ErrInvalidRequest
		}
		if !su.API.InPin(e.id, false, &buf[0]) {
			return pkg.ErrInvalidRequest
		}
		return nil

	case RequestSetCur:
		if su.API.InPin == nil {
			return pkg.ErrInvalidRequest
		}
		if !su.API.InPin(e.id, true, &buf[0]) {
			return pkg.ErrInvalidRequest
		}
		return nil

	default:
		return pkg.ErrInvalidAttribute
	}
}

// endpointControl processes an AudioStreaming endpoint request: sampling
// frequency or pitch.
func (c *Class) endpointControl(s *StreamInterface, epAddr uint8, bReq uint8, wVal uint16, buf []byte, reqLen int) error {
	alt := s.AltCurrent()
	cfg := alt.Cfg

	switch uint8(wVal >> 8) {
	case ASEPControlSamplingFreq:
		if !cfg.SamplingFreqCtrl {
			return pkg.ErrInvalidControl
		}
		if err := c.samplingFreqManage(s, bReq, buf); err != nil {
			return err
		}

		// The value holds on three bytes; the top byte is forced clear.
		samplingFreq := getFreq24(buf)

		set := s.settings
		if set.dir == StreamIn {
			// Buffer length per millisecond of audio.
			set.mu.Lock()
			set.recordBufLen = uint16(samplingFreq/1000) * uint16(cfg.SubframeSize) * uint16(cfg.NbrCh)
			set.mu.Unlock()

			if epAddr&0x80 != 0 && bReq == RequestSetCur {
				if rem := samplingFreq % 1000; rem != 0 {
					set.mu.Lock()
					set.recordRateAdjMs = uint16(1000 / rem)
					set.recordRateAdjXferCtr = 0
					set.mu.Unlock()
				}
				// Record streaming begins only once the host has
				// configured the sampling frequency.
				if err := s.Start(c.proc); err != nil {
					return err
				}
			}
		}

		if set.dir == StreamOut && alt.SynchIsocAddr != device.EndpointAddrNone && bReq == RequestSetCur {
			if err := s.playbackCorrSynchInit(c.proc, samplingFreq); err != nil {
				return err
			}
		}
		return nil

	case ASEPControlPitch:
		if !cfg.PitchCtrl {
			return pkg.ErrInvalidControl
		}
		return c.pitchManage(s, bReq, buf)

	default:
		return pkg.ErrInvalidControl
	}
}

// samplingFreqManage services the sampling frequency control. GET_MIN and
// GET_MAX answer the range bounds or the extremes of the discrete list;
// GET_RES answers a 1 Hz resolution for a continuous range and stalls for
// discrete lists; SET_CUR validates against the range or list before
// delegating to the codec driver.
func (c *Class) samplingFreqManage(s *StreamInterface, bReq uint8, buf []byte) error {
	set := s.settings
	cfg := s.AltCurrent().Cfg

	if len(buf) < 3 {
		return pkg.ErrBufferTooSmall
	}

	switch bReq {
	case RequestGetCur:
		var freq uint32
		if !set.api.SamplingFreqManage(set.terminalID, false, &freq) {
			return pkg.ErrInvalidRequest
		}
		putFreq24(buf, freq)
		return nil

	case RequestGetMin:
		freq := cfg.LowerSamplingFreq
		if len(cfg.SamplingFreqs) > 0 {
			freq = cfg.SamplingFreqs[0]
			for _, f := range cfg.SamplingFreqs[1:] {
				if f < freq {
					freq = f
				}
			}
		}
		putFreq24(buf, freq)
		return nil

	case RequestGetMax:
		freq := cfg.UpperSamplingFreq
		if len(cfg.SamplingFreqs) > 0 {
			freq = cfg.SamplingFreqs[0]
			for _, f := range cfg.SamplingFreqs[1:] {
				if f > freq {
					freq = f
				}
			}
		}
		putFreq24(buf, freq)
		return nil

	case RequestGetRes:
		if len(cfg.SamplingFreqs) > 0 {
			// No fixed resolution exists between discrete frequencies.
			return pkg.ErrInvalidRequest
		}
		putFreq24(buf, 1)
		return nil

	case RequestSetCur:
		freq := getFreq24(buf)
		if len(cfg.SamplingFreqs) == 0 {
			if freq < cfg.LowerSamplingFreq || freq > cfg.UpperSamplingFreq {
				return pkg.ErrInvalidRequest
			}
		} else {
			match := false
			for _, f := range cfg.SamplingFreqs {
				if f == freq {
					match = true
					break
				}
			}
			if !match {
				return pkg.ErrInvalidRequest
			}
		}
		if !set.api.SamplingFreqManage(set.terminalID, true, &freq) {
			return pkg.ErrInvalidRequest
		}
		return nil

	default:
		return pkg.ErrInvalidAttribute
	}
}

// pitchManage services the pitch control: a CUR-only boolean enabling an
// adaptive endpoint to track its sampling frequency dynamically.
func (c *Class) pitchManage(s *StreamInterface, bReq uint8, buf []byte) error {
	set := s.settings
	drv, ok := set.api.(PitchDriver)
	if !ok {
		return pkg.ErrInvalidRequest
	}
	if len(buf) < 1 {
		return pkg.ErrBufferTooSmall
	}

	switch bReq {
	case RequestGetCur:
		var pitch bool
		if !drv.PitchManage(set.terminalID, false, &pitch) {
			return pkg.ErrInvalidRequest
		}
		if pitch {
			buf[0] = 1
		} else {
			buf[0] = 0
		}
		return nil

	case RequestSetCur:
		pitch := buf[0] != 0
		if !drv.PitchManage(set.terminalID, true, &pitch) {
			return pkg.ErrInvalidRequest
		}
		return nil

	default:
		return pkg.ErrInvalidAttribute
	}
}

// putFreq24 stores a sampling frequency as 3 little-endian bytes.
func putFreq24(buf []byte, freq uint32) {
	buf[0] = byte(freq)
	buf[1] = byte(freq >> 8)
	buf[2] = byte(freq >> 16)
}

// getFreq24 loads a 3-byte little-endian sampling frequency.
func getFreq24(buf []byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16
}
