//go:build linux
// +build linux

package libevfibers

import (
	"container/list"
	"os"

	"github.com/damoxinjiang/libevfibers/ev"
)

// DefaultStackSize is the per-fiber stack budget applied when Create is
// given zero. Rounded up to the page size, recorded on the fiber and retained
// across pool reuse; the actual memory is managed by the Go runtime.
const DefaultStackSize = 64 * 1024

// EntryFunc is a fiber body. It is invoked once, on the fiber's first
// resumption; the fiber is reclaimed when it returns.
type EntryFunc func(c *Context)

// Fiber is one cooperative execution context.
type Fiber struct {
	name      string
	entry     EntryFunc
	stackSize int
	started   bool

	coro *coroutine

	parent    *Fiber
	children  list.List // of *Fiber
	childElem *list.Element

	reclaimed bool

	// arena
	pool      list.List // of *poolEntry, insertion order
	poolIndex map[*byte]*list.Element

	// reactor glue
	wIO            ev.IO
	wTimer         ev.Timer
	wIOExpected    bool
	wTimerExpected bool
	wIOTrace       traceInfo
	wTimerTrace    traceInfo

	reclaimTrace traceInfo

	callList list.List // of *CallInfo, FIFO

	// park bookkeeping, used to cancel waits on reclaim
	waitMutex    *Mutex
	waitCond     *CondVar
	waitElem     *list.Element
	pendingElem  *list.Element // membership in Context.pendingFibers
	grantedMutex *Mutex        // mutex handed over but not yet resumed for
}

// Name returns the diagnostic name given at creation.
func (f *Fiber) Name() string { return f.name }

// StackSize returns the fiber's recorded stack budget.
func (f *Fiber) StackSize() int { return f.stackSize }

func roundUpToPageSize(size int) int {
	sz := os.Getpagesize()
	if rem := size % sz; rem != 0 {
		size += sz - rem
	}
	return size
}

// Create makes a new fiber as a child of the running fiber, reusing a retired
// one from the reclaimed pool when possible (its goroutine and recorded stack
// size are retained). The fiber does not run until explicitly called.
func (c *Context) Create(name string, entry EntryFunc, stackSize int) *Fiber {
	var f *Fiber
	if e := c.reclaimed.Front(); e != nil {
		f = c.reclaimed.Remove(e).(*Fiber)
	} else {
		f = &Fiber{}
		if stackSize == 0 {
			stackSize = DefaultStackSize
		}
		f.stackSize = roundUpToPageSize(stackSize)
		f.coro = startCoroutine(func() { c.trampoline(f) }, c.die)
	}
	f.name = name
	f.entry = entry
	f.reclaimed = false
	f.wIOExpected = false
	f.wTimerExpected = false
	f.callList.Init()

	cur := c.currentFiber()
	f.parent = cur
	f.childElem = cur.children.PushFront(f)
	return f
}

// fiberPrepare wires the fiber's watchers; runs on the fiber's first entry.
func (c *Context) fiberPrepare(f *Fiber) {
	f.wIO.Init(c.ioWakeup)
	f.wIO.Data = f
	f.wTimer.Init(c.timerWakeup)
	f.wTimer.Data = f
	f.reclaimed = false
	f.started = true
}

// trampoline is the first frame of every fiber. It never returns normally;
// control leaves only through the final yield.
func (c *Context) trampoline(f *Fiber) {
	if f.reclaimed {
		c.logger.Errorf("fiber %q resumed after reclaim", f.name)
		panic("libevfibers: transfer to a reclaimed fiber")
	}
	c.fiberPrepare(f)

	f.entry(c)

	c.Reclaim(f)
	c.finalYield(f)
}

// ioWakeup routes an fd readiness event back into the waiting fiber.
func (c *Context) ioWakeup(l *ev.Loop, w *ev.IO, revents ev.Event) {
	f := w.Data.(*Fiber)
	c.ensureRootFiber()
	if !f.wIOExpected {
		c.logger.Errorf("fiber %q is about to be woken up by an io event"+
			" but it does not expect this", f.name)
		c.logger.Errorf("last registered io request for this fiber was:")
		c.logger.Errorf("--- begin trace ---")
		f.wIOTrace.print(c.logger.Errorf)
		c.logger.Errorf("--- end trace ---")
		panic("libevfibers: unexpected io wakeup")
	}
	_ = c.CallNoInfo(f)
}

// timerWakeup routes a timer expiry back into the sleeping fiber.
func (c *Context) timerWakeup(l *ev.Loop, t *ev.Timer) {
	f := t.Data.(*Fiber)
	c.ensureRootFiber()
	if !f.wTimerExpected {
		c.logger.Errorf("fiber %q is about to be woken up by a timer event"+
			" but it does not expect this", f.name)
		c.logger.Errorf("last registered timer request for this fiber was:")
		c.logger.Errorf("--- begin trace ---")
		f.wTimerTrace.print(c.logger.Errorf)
		c.logger.Errorf("--- end trace ---")
		panic("libevfibers: unexpected timer wakeup")
	}
	_ = c.CallNoInfo(f)
}

func (c *Context) reclaimChildren(f *Fiber) {
	for e := f.children.Front(); e != nil; e = f.children.Front() {
		c.Reclaim(e.Value.(*Fiber))
	}
}

// fiberCleanup stops the fiber's watchers and runs its arena destructors in
// insertion order.
func (c *Context) fiberCleanup(f *Fiber) {
	c.loop.StopIO(&f.wIO)
	c.loop.StopTimer(&f.wTimer)
	f.wIOExpected = false
	f.wTimerExpected = false
	c.arenaCleanup(f)
}

// cancelWaits dequeues f from whichever wait queue holds it. When f had
// already been designated owner of a mutex whose resume is in flight, the
// ownership moves on to the next waiter, or the mutex is released and drops
// out of the resume queue.
func (c *Context) cancelWaits(f *Fiber) {
	switch {
	case f.waitMutex != nil:
		f.waitMutex.pending.Remove(f.waitElem)
		f.waitMutex = nil
		f.waitElem = nil
	case f.waitCond != nil:
		f.waitCond.waiting.Remove(f.waitElem)
		f.waitCond = nil
		f.waitElem = nil
	}
	if f.pendingElem != nil {
		c.pendingFibers.Remove(f.pendingElem)
		f.pendingElem = nil
	}
	if m := f.grantedMutex; m != nil {
		f.grantedMutex = nil
		if next := m.dequeueWaiter(); next != nil {
			m.lockedBy = next
			next.grantedMutex = m
		} else {
			m.lockedBy = nil
			if m.resumeElem != nil {
				c.mutexesToResume.Remove(m.resumeElem)
				m.resumeElem = nil
			}
		}
	}
}

// onStack reports whether f currently occupies a frame of the call stack.
func (c *Context) onStack(f *Fiber) bool {
	for i := range c.stack {
		if c.stack[i].fiber == f {
			return true
		}
	}
	return false
}

// Reclaim retires f: stops its watchers, runs its arena destructors in
// insertion order, cancels any pending waits, recursively reclaims its
// children and pushes it onto the reclaimed pool for reuse. Idempotent.
//
// When f is parked at a suspension point, its goroutine is unwound; deferred
// functions in its entry run during the unwind and must not call back into
// the runtime.
func (c *Context) Reclaim(f *Fiber) {
	if f.reclaimed || f == &c.root {
		return
	}
	c.fillTrace(&f.reclaimTrace)
	c.reclaimChildren(f)
	c.fiberCleanup(f)
	c.cancelWaits(f)
	f.reclaimed = true
	if f.parent != nil {
		f.parent.children.Remove(f.childElem)
		f.childElem = nil
		f.parent = nil
	}
	c.reclaimed.PushFront(f)

	if f.started && f != c.currentFiber() && !c.onStack(f) {
		f.coro.interrupt(c.currentFiber().coro)
	}
	f.started = false
}

// IsReclaimed reports whether f sits on the reclaimed pool.
func (c *Context) IsReclaimed(f *Fiber) bool {
	return f.reclaimed
}
