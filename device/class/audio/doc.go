// Package audio implements the USB Audio 1.0 class streaming core:
// isochronous record and playback pipelines over a producer/consumer ring
// buffer queue, stream priming, data-rate correction, explicit-feedback
// (synch) endpoint control, and the audio-control request surface for
// terminals and units.
//
// # Streams
//
// Each AudioStreaming interface binds one isochronous data endpoint to a
// codec driver (StreamDriver). Playback flows host -> ring -> codec: the
// USB side produces buffers as OUT transfers complete, the Playback task
// consumes them into the codec. Record mirrors it: the codec produces
// ready buffers, the USB side drains them as IN transfers.
//
// A stream primes before moving data: playback accumulates PreBufMax
// buffers from the host before starting the codec; record accumulates the
// same count from the codec before the first IN transfer.
//
// # Correction
//
// The buffer-difference metric (ring distance between the producer-end
// and consumer-end cursors, minus the pre-buffer target) drives all
// rate correction. Playback uses explicit feedback when the alternate
// setting has a synch endpoint, built-in sample insertion/removal
// otherwise; record shortens or lengthens the next hardware fetch by one
// audio frame.
//
// # Handles
//
// Codec drivers and worker tasks address a stream through a
// generation-counted Handle. Stopping a stream bumps the generation, so
// completions arriving after close validate stale and are dropped without
// side effects.
package audio
