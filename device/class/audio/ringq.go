package audio

import "github.com/ardnew/usbaudio/internal/ring"

// Cursor shorthands.
const (
	cursorProducerStart = ring.CursorProducerStart
	cursorProducerEnd   = ring.CursorProducerEnd
	cursorConsumerStart = ring.CursorConsumerStart
	cursorConsumerEnd   = ring.CursorConsumerEnd
)

// bufDesc describes one stream buffer slot.
type bufDesc struct {
	buf    []byte
	length int
}

// streamRingQueue mediates every audio byte between the USB side and the
// codec side: a table of buffer descriptors indexed by the four ring
// cursors. For playback USB produces and the codec consumes; for record
// the codec produces and USB drains.
type streamRingQueue struct {
	cursors *ring.FourCursor
	descs   []bufDesc
	stats   *Stats
}

func newStreamRingQueue(bufTotalNbr uint16, stats *Stats) *streamRingQueue {
	return &streamRingQueue{
		cursors: ring.NewFourCursor(bufTotalNbr),
		descs:   make([]bufDesc, bufTotalNbr),
		stats:   stats,
	}
}

// reset returns all cursors to slot zero and clears the descriptors.
func (q *streamRingQueue) reset() {
	q.cursors.Reset()
	for i := range q.descs {
		q.descs[i] = bufDesc{}
	}
}

// desc returns the descriptor at the given slot.
func (q *streamRingQueue) desc(ix uint16) *bufDesc {
	return &q.descs[ix]
}

// producerStart claims the next fill-start slot.
func (q *streamRingQueue) producerStart() (uint16, bool) {
	ix := q.cursors.ProducerStart()
	if ix == ring.InvalidIndex {
		q.stats.RingBufQProducerStartCatchUp.Add(1)
		return 0, false
	}
	return ix, true
}

// producerEnd claims the next slot to commit as produced.
func (q *streamRingQueue) producerEnd() (uint16, bool) {
	ix := q.cursors.ProducerEnd()
	if ix == ring.InvalidIndex {
		q.stats.RingBufQProducerEndCatchUp.Add(1)
		return 0, false
	}
	return ix, true
}

// consumerStart claims the next drain-start slot.
func (q *streamRingQueue) consumerStart() (uint16, bool) {
	ix := q.cursors.ConsumerStart()
	if ix == ring.InvalidIndex {
		q.stats.RingBufQConsumerStartCatchUp.Add(1)
		return 0, false
	}
	return ix, true
}

// consumerEnd claims the next slot to release back to the producer.
func (q *streamRingQueue) consumerEnd() (uint16, bool) {
	ix := q.cursors.ConsumerEnd()
	if ix == ring.InvalidIndex {
		q.stats.RingBufQConsumerEndCatchUp.Add(1)
		return 0, false
	}
	return ix, true
}

// advance moves the cursor forward, accounting wrap-arounds.
func (q *streamRingQueue) advance(c ring.Cursor) {
	if !q.cursors.Advance(c) {
		return
	}
	switch c {
	case ring.CursorProducerStart:
		q.stats.RingBufQProducerStartWrapAround.Add(1)
	case ring.CursorProducerEnd:
		q.stats.RingBufQProducerEndWrapAround.Add(1)
	case ring.CursorConsumerStart:
		q.stats.RingBufQConsumerStartWrapAround.Add(1)
	case ring.CursorConsumerEnd:
		q.stats.RingBufQConsumerEndWrapAround.Add(1)
	}
}

// bufDiff computes the buffer-difference metric: the circular distance
// from ConsumerEnd to ProducerEnd minus the pre-buffer target. Positive
// means the producer side runs ahead of the consumer side.
func (q *streamRingQueue) bufDiff(preBufMax uint16) int {
	return int(q.cursors.Distance()) - int(preBufMax)
}

// producerEndPos returns the raw ProducerEnd position for priming
// threshold checks.
func (q *streamRingQueue) producerEndPos() uint16 {
	return q.cursors.ProducerEndPos()
}
