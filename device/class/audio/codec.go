package audio

// StreamDriver is the codec driver interface for one audio stream. The
// audio layer calls it from its worker tasks and completion handlers;
// StreamStart may block, the data-path methods should not.
type StreamDriver interface {
	// StreamStart begins streaming for the terminal. The handle is kept
	// by the codec driver and passed back in RecordRxCmpl /
	// PlaybackTxCmpl and the buffer accessors. A playback codec kicks
	// its consumption loop by posting an initial PlaybackTxCmpl once
	// started.
	StreamStart(handle Handle, terminalID uint8) bool

	// StreamStop ends streaming for the terminal.
	StreamStop(terminalID uint8) bool

	// StreamRecordRx copies the codec's next ready record buffer into
	// buf, returning the number of bytes produced.
	StreamRecordRx(terminalID uint8, buf []byte) (int, error)

	// StreamPlaybackTx hands one ready buffer to the codec for rendering.
	// The codec signals consumption asynchronously via PlaybackBufFree.
	StreamPlaybackTx(terminalID uint8, buf []byte) error

	// SamplingFreqManage gets (set=false) or sets (set=true) the codec
	// sampling frequency in Hz. A false return stalls the request.
	SamplingFreqManage(terminalID uint8, set bool, freqHz *uint32) bool
}

// PitchDriver is implemented by codec drivers supporting the adaptive
// endpoint pitch control. Drivers without it stall pitch requests.
type PitchDriver interface {
	PitchManage(terminalID uint8, set bool, pitch *bool) bool
}

// Request codes of the audio class control requests.
const (
	RequestSetCur = 0x01
	RequestGetCur = 0x81
	RequestSetMin = 0x02
	RequestGetMin = 0x82
	RequestSetMax = 0x03
	RequestGetMax = 0x83
	RequestSetRes = 0x04
	RequestGetRes = 0x84
)

// FUAPI is the driver callback table of a Feature Unit. A nil entry means
// the control is unsupported and its requests stall. The req parameter
// carries the class request code so drivers with MIN/MAX/RES state can
// distinguish attribute accesses.
type FUAPI struct {
	Mute             func(unitID, logChNbr uint8, set bool, mute *bool) bool
	Volume           func(req uint8, unitID, logChNbr uint8, vol *uint16) bool
	Bass             func(req uint8, unitID, logChNbr uint8, val *int8) bool
	Mid              func(req uint8, unitID, logChNbr uint8, val *int8) bool
	Treble           func(req uint8, unitID, logChNbr uint8, val *int8) bool
	GraphicEqualizer func(req uint8, unitID, logChNbr uint8, nbrBands uint8, bmBandsPresent *uint32, bands []byte) bool
	AutoGain         func(unitID, logChNbr uint8, set bool, on *bool) bool
	Delay            func(req uint8, unitID, logChNbr uint8, delay *uint16) bool
	BassBoost        func(unitID, logChNbr uint8, set bool, on *bool) bool
	Loudness         func(unitID, logChNbr uint8, set bool, on *bool) bool
}

// MUAPI is the driver callback table of a Mixer Unit.
type MUAPI struct {
	Ctrl func(req uint8, unitID, logInChNbr, logOutChNbr uint8, val *uint16) bool
}

// SUAPI is the driver callback table of a Selector Unit.
type SUAPI struct {
	InPin func(unitID uint8, set bool, pin *uint8) bool
}

// OTAPI is the driver callback table of an Output Terminal.
type OTAPI struct {
	CopyProtSet func(terminalID uint8, level uint8) bool
}
