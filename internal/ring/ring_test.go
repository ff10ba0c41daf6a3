package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestFourCursorInitialState(t *testing.T) {
	r := NewFourCursor(4)

	// Only ProducerStart may move on an empty ring.
	assert.Equal(t, uint16(0), r.ProducerStart())
	assert.Equal(t, uint16(InvalidIndex), r.ProducerEnd())
	assert.Equal(t, uint16(InvalidIndex), r.ConsumerStart())
	assert.Equal(t, uint16(InvalidIndex), r.ConsumerEnd())
}

func TestFourCursorFillDrainCycle(t *testing.T) {
	r := NewFourCursor(4)

	// Claim and commit one slot on the producer side.
	ix := r.ProducerStart()
	assert.Equal(t, uint16(0), ix)
	r.Advance(CursorProducerStart)

	ix = r.ProducerEnd()
	assert.Equal(t, uint16(0), ix)
	r.Advance(CursorProducerEnd)

	// Consumer drains it.
	ix = r.ConsumerStart()
	assert.Equal(t, uint16(0), ix)
	r.Advance(CursorConsumerStart)

	ix = r.ConsumerEnd()
	assert.Equal(t, uint16(0), ix)
	r.Advance(CursorConsumerEnd)

	// Ring returns to an all-caught-up state one slot over.
	assert.Equal(t, uint16(1), r.ProducerStart())
	assert.Equal(t, uint16(InvalidIndex), r.ProducerEnd())
}

func TestFourCursorProducerStartCatchUp(t *testing.T) {
	r := NewFourCursor(4)

	// Claim slots until the producer would lap ConsumerEnd.
	for i := 0; i < 3; i++ {
		ix := r.ProducerStart()
		assert.NotEqual(t, uint16(InvalidIndex), ix, "claim %d", i)
		r.Advance(CursorProducerStart)
	}
	assert.Equal(t, uint16(InvalidIndex), r.ProducerStart())
}

func TestFourCursorDistance(t *testing.T) {
	r := NewFourCursor(8)
	assert.Equal(t, uint16(0), r.Distance())

	for i := 0; i < 3; i++ {
		r.Advance(CursorProducerStart)
		r.Advance(CursorProducerEnd)
	}
	assert.Equal(t, uint16(3), r.Distance())

	r.Advance(CursorConsumerStart)
	r.Advance(CursorConsumerEnd)
	assert.Equal(t, uint16(2), r.Distance())
}

func TestQueueOrderAndOverflow(t *testing.T) {
	q := NewQueue(3)

	var claimed []uint8
	for i := 0; i < 3; i++ {
		ix, ok := q.Push()
		assert.True(t, ok)
		claimed = append(claimed, ix)
	}

	// Capacity overflow returns cleanly.
	_, ok := q.Push()
	assert.False(t, ok)
	assert.Equal(t, 3, q.Len())

	// Dequeue order equals enqueue order.
	for i := 0; i < 3; i++ {
		ix, ok := q.Pop()
		assert.True(t, ok)
		assert.Equal(t, claimed[i], ix)
	}
	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestQueueWrapAround(t *testing.T) {
	q := NewQueue(3)

	for round := 0; round < 5; round++ {
		in, ok := q.Push()
		assert.True(t, ok)
		out, ok := q.Pop()
		assert.True(t, ok)
		assert.Equal(t, in, out)
	}
}

// cursorModel mirrors the ring as a simple count of in-flight slots per
// stage, which is enough to prove no cursor ever overtakes its successor.
func TestFourCursorNoOvertake(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.Uint16Range(2, 16).Draw(t, "size")
		r := NewFourCursor(size)

		// Slots claimed but not yet committed at each stage.
		var claimed, produced, draining int

		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0:
				if r.ProducerStart() != InvalidIndex {
					r.Advance(CursorProducerStart)
					claimed++
				}
			case 1:
				if r.ProducerEnd() != InvalidIndex {
					r.Advance(CursorProducerEnd)
					claimed--
					produced++
				}
			case 2:
				if r.ConsumerStart() != InvalidIndex {
					r.Advance(CursorConsumerStart)
					produced--
					draining++
				}
			case 3:
				if r.ConsumerEnd() != InvalidIndex {
					r.Advance(CursorConsumerEnd)
					draining--
				}
			}

			// A successful advance can never drive a stage count
			// negative or let total in-flight slots exceed the ring.
			if claimed < 0 || produced < 0 || draining < 0 {
				t.Fatalf("cursor overtake: claimed=%d produced=%d draining=%d",
					claimed, produced, draining)
			}
			if claimed+produced+draining > int(size) {
				t.Fatalf("more in-flight slots (%d) than ring size %d",
					claimed+produced+draining, size)
			}
		}
	})
}
