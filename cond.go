//go:build linux
// +build linux

package libevfibers

import "container/list"

// CondVar is a cooperative condition variable. It does not own a mutex; each
// wait supplies one. Wake-ups are bounced through the reactor's pending
// queue, so a broadcast resumes waiters one per loop iteration, interleaved
// with IO, and in their original enqueue order.
type CondVar struct {
	c       *Context
	waiting list.List // of *Fiber, FIFO
}

// CondCreate makes a condition variable bound to this runtime.
func (c *Context) CondCreate() *CondVar {
	return &CondVar{c: c}
}

// Wait atomically enqueues the running fiber, unlocks m and suspends; on a
// reactor-driven resumption it re-acquires m and returns. The mutex must be
// locked on entry, else ErrInvalid.
func (cv *CondVar) Wait(m *Mutex) error {
	c := cv.c
	cur := c.currentFiber()
	if m.lockedBy == nil {
		return c.setError(EInvalid)
	}
	cur.waitCond = cv
	cur.waitElem = cv.waiting.PushBack(cur)
	m.Unlock()
	c.Yield()
	for !c.calledByRoot() {
		c.Yield()
	}
	m.Lock()
	return c.setError(Success)
}

// moveToPending shifts a waiter onto the context's pending queue.
func (cv *CondVar) moveToPending(e *list.Element) {
	c := cv.c
	f := cv.waiting.Remove(e).(*Fiber)
	f.waitCond = nil
	f.waitElem = nil
	f.pendingElem = c.pendingFibers.PushBack(f)
}

// Signal wakes the longest-waiting fiber, if any. Never suspends.
func (cv *CondVar) Signal() {
	c := cv.c
	e := cv.waiting.Front()
	if e == nil {
		return
	}
	cv.moveToPending(e)
	c.loop.StartAsync(&c.pendingAsync)
	c.loop.SendAsync(&c.pendingAsync)
}

// Broadcast wakes every waiter, preserving their relative order. Never
// suspends.
func (cv *CondVar) Broadcast() {
	c := cv.c
	if cv.waiting.Len() == 0 {
		return
	}
	for e := cv.waiting.Front(); e != nil; e = cv.waiting.Front() {
		cv.moveToPending(e)
	}
	c.loop.StartAsync(&c.pendingAsync)
	c.loop.SendAsync(&c.pendingAsync)
}

// Destroy releases the condition variable record. The caller must ensure
// there is no waiter.
func (cv *CondVar) Destroy() {
	cv.c = nil
	cv.waiting.Init()
}
