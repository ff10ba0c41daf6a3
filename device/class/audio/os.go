package audio

import (
	"time"

	"github.com/ardnew/usbaudio/pkg"
)

// lockTimeout is the acquisition timeout for the stream and ring queue
// locks. A timeout is logged and the operation abandoned, never retried
// silently.
const lockTimeout = 1000 * time.Millisecond

// tmutex is a mutex with timed acquisition, usable from completion
// handlers and worker tasks alike.
type tmutex struct {
	ch chan struct{}
}

func newTMutex() tmutex {
	m := tmutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// acquire takes the lock, failing with pkg.ErrLockTimeout after the
// timeout elapses.
func (m *tmutex) acquire(timeout time.Duration) error {
	select {
	case <-m.ch:
		return nil
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-m.ch:
		return nil
	case <-t.C:
		return pkg.ErrLockTimeout
	}
}

// release returns the lock.
func (m *tmutex) release() {
	select {
	case m.ch <- struct{}{}:
	default:
	}
}

// taskQueue carries stream handles from codec completion context to a
// worker task. Posting never blocks; a full queue drops the message and
// reports failure so the caller can count it.
type taskQueue struct {
	ch chan Handle
}

func newTaskQueue(msgQty int) taskQueue {
	return taskQueue{ch: make(chan Handle, msgQty)}
}

// post enqueues a handle for the worker. Returns false when the queue is
// full.
func (q *taskQueue) post(h Handle) bool {
	select {
	case q.ch <- h:
		return true
	default:
		return false
	}
}

// pend blocks until a handle arrives or the queue is closed.
func (q *taskQueue) pend() (Handle, bool) {
	h, ok := <-q.ch
	return h, ok
}

// delayMs yields the processor for the given number of milliseconds.
func delayMs(ms int) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}
