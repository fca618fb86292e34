//go:build linux
// +build linux

package libevfibers

import "container/list"

// Mutex is a cooperative mutual-exclusion lock. Waiters queue in FIFO order;
// on unlock the head waiter becomes the owner immediately, before any other
// fiber can intervene, and is resumed later from the root fiber through the
// reactor's async channel.
type Mutex struct {
	c          *Context
	lockedBy   *Fiber
	pending    list.List // of *Fiber, FIFO
	resumeElem *list.Element
}

// MutexCreate makes a mutex bound to this runtime.
func (c *Context) MutexCreate() *Mutex {
	return &Mutex{c: c}
}

// dequeueWaiter pops the head of the pending queue, clearing its park
// bookkeeping.
func (m *Mutex) dequeueWaiter() *Fiber {
	e := m.pending.Front()
	if e == nil {
		return nil
	}
	f := m.pending.Remove(e).(*Fiber)
	f.waitMutex = nil
	f.waitElem = nil
	return f
}

// Lock acquires the mutex, suspending the running fiber while it is held
// elsewhere. Spurious wakes re-suspend until ownership is observed.
func (m *Mutex) Lock() {
	c := m.c
	cur := c.currentFiber()
	if m.lockedBy == nil {
		m.lockedBy = cur
		return
	}
	cur.waitMutex = m
	cur.waitElem = m.pending.PushBack(cur)
	c.Yield()
	for m.lockedBy != cur {
		c.Yield()
	}
	cur.grantedMutex = nil
}

// TryLock acquires the mutex if it is free; never suspends.
func (m *Mutex) TryLock() bool {
	if m.lockedBy == nil {
		m.lockedBy = m.c.currentFiber()
		return true
	}
	return false
}

// Unlock releases the mutex. With waiters queued, the head waiter becomes
// the owner at once and the mutex joins the resume queue; the waiter's lock
// call returns after the root processes the async signal. Never suspends.
func (m *Mutex) Unlock() {
	c := m.c
	next := m.dequeueWaiter()
	if next == nil {
		m.lockedBy = nil
		return
	}
	m.lockedBy = next
	next.grantedMutex = m

	m.resumeElem = c.mutexesToResume.PushBack(m)
	c.loop.StartAsync(&c.mutexAsync)
	c.loop.SendAsync(&c.mutexAsync)
}

// Destroy releases the mutex record. The caller must ensure there is no
// owner and no waiter.
func (m *Mutex) Destroy() {
	m.c = nil
	m.lockedBy = nil
	m.pending.Init()
}
