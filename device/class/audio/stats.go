package audio

import "sync/atomic"

// Stats aggregates per-stream counters. All fields are updated atomically
// and may be read at any time.
type Stats struct {
	// Ring buffer queue.
	RingBufQProducerStartCatchUp    atomic.Uint32
	RingBufQProducerEndCatchUp      atomic.Uint32
	RingBufQConsumerStartCatchUp    atomic.Uint32
	RingBufQConsumerEndCatchUp      atomic.Uint32
	RingBufQProducerStartWrapAround atomic.Uint32
	RingBufQProducerEndWrapAround   atomic.Uint32
	RingBufQConsumerStartWrapAround atomic.Uint32
	RingBufQConsumerEndWrapAround   atomic.Uint32
	RingBufQErr                     atomic.Uint32

	// Stream lifecycle.
	StreamOpen   atomic.Uint32
	StreamClosed atomic.Uint32

	// Record path.
	RecordIsocTxCmpl         atomic.Uint32
	RecordIsocTxCmplErrAbort atomic.Uint32
	RecordIsocTxCmplErrOther atomic.Uint32
	RecordIsocTxSubmitOK     atomic.Uint32
	RecordIsocTxSubmitErr    atomic.Uint32
	RecordIsocTxBufNotAvail  atomic.Uint32
	RecordReqPost            atomic.Uint32
	RecordReqPend            atomic.Uint32

	// Playback path.
	PlaybackIsocRxCmpl         atomic.Uint32
	PlaybackIsocRxCmplErrAbort atomic.Uint32
	PlaybackIsocRxCmplErrOther atomic.Uint32
	PlaybackIsocRxSubmitOK     atomic.Uint32
	PlaybackIsocRxSubmitErr    atomic.Uint32
	PlaybackIsocRxBufNotAvail  atomic.Uint32
	PlaybackReqPost            atomic.Uint32
	PlaybackReqPend            atomic.Uint32

	// Built-in correction.
	CorrSafeZone atomic.Uint32
	CorrOverrun  atomic.Uint32
	CorrUnderrun atomic.Uint32

	// Synch (feedback) correction.
	SynchSafeZone             atomic.Uint32
	SynchOverrun              atomic.Uint32
	SynchUnderrun             atomic.Uint32
	SynchHeavyOverrun         atomic.Uint32
	SynchHeavyUnderrun        atomic.Uint32
	SynchLightOverrun         atomic.Uint32
	SynchLightUnderrun        atomic.Uint32
	SynchRefreshPeriodReached atomic.Uint32
	SynchBufNotAvail          atomic.Uint32
	SynchIsocTxSubmitted      atomic.Uint32
	SynchIsocTxCmpl           atomic.Uint32
}
