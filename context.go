//go:build linux
// +build linux

// Package libevfibers is a cooperative fiber runtime layered over a
// single-threaded event reactor.
//
// Application code in a fiber is written in plain blocking style; whenever an
// operation would block, the fiber suspends and control returns to the root
// fiber, which drives the reactor. Reactor events route control back into the
// waiting fiber. The runtime is strictly single-threaded: fibers only switch
// at explicit suspension points, and reactor callbacks only ever execute with
// the root fiber on top of the call stack.
package libevfibers

import (
	"container/list"

	"go.uber.org/zap"

	"github.com/damoxinjiang/libevfibers/ev"
)

const (
	// MaxArgNum bounds the argument vector of a single call.
	MaxArgNum = 10

	// callListWarn is the call-list length at which the runtime suspects
	// nobody is fetching the calls.
	callListWarn = 1000
)

// Arg is one tagged call argument: a signed integer or an opaque value.
type Arg struct {
	I int64
	V interface{}
}

// ArgInt makes an integer argument.
func ArgInt(i int64) Arg { return Arg{I: i} }

// ArgPtr makes an opaque-value argument.
func ArgPtr(v interface{}) Arg { return Arg{V: v} }

// CallInfo is the record delivered to a callee: who called, with what
// arguments. Retrieved lazily via NextCallInfo.
type CallInfo struct {
	Caller *Fiber
	Args   []Arg
}

// stackFrame is one entry of the active-call stack.
type stackFrame struct {
	fiber *Fiber
	trace traceInfo
}

// LogFunc is a printf-style sink for stack dumps and trace output.
type LogFunc func(format string, args ...interface{})

// Context is the runtime handle. All operations go through it; multiple
// independent contexts may coexist (each with its own loop), which is why
// there is no package-level instance.
type Context struct {
	loop   *ev.Loop
	logger *zap.SugaredLogger

	root  Fiber
	stack []stackFrame // stack[0].fiber == &root, top is the running fiber

	reclaimed list.List // of *Fiber, retired and ready for reuse

	mutexesToResume list.List // of *Mutex whose new owner awaits resumption
	pendingFibers   list.List // of *Fiber to resume, one per loop iteration

	mutexAsync   ev.Async
	pendingAsync ev.Async

	backtracesEnabled bool
	errCode           ErrorCode

	die chan struct{} // closed on Destroy, releases pooled goroutines
}

// New creates a runtime bound to loop. The calling goroutine becomes the root
// fiber and is expected to drive loop.Run.
func New(loop *ev.Loop) *Context {
	c := &Context{
		loop:   loop,
		logger: zap.NewNop().Sugar(),
		die:    make(chan struct{}),
	}
	c.root.name = "root"
	c.root.coro = newRootCoroutine()
	c.stack = append(c.stack, stackFrame{fiber: &c.root})
	c.fillTrace(&c.stack[0].trace)
	c.mutexAsync.Init(c.mutexAsyncCb)
	c.mutexAsync.Data = c
	c.pendingAsync.Init(c.pendingAsyncCb)
	c.pendingAsync.Data = c
	return c
}

// SetLogger replaces the runtime logger. The default discards everything.
func (c *Context) SetLogger(logger *zap.SugaredLogger) {
	if logger != nil {
		c.logger = logger
	}
}

// Logger returns the runtime logger.
func (c *Context) Logger() *zap.SugaredLogger { return c.logger }

// Loop returns the reactor this runtime is bound to.
func (c *Context) Loop() *ev.Loop { return c.loop }

// EnableBacktraces toggles capture of trace snapshots at watcher-arming and
// reclamation sites. Off by default; enabling costs a runtime.Callers per
// suspension point.
func (c *Context) EnableBacktraces(enabled bool) {
	c.backtracesEnabled = enabled
}

// Destroy reclaims every fiber and releases all pooled goroutines. Must be
// called from the root fiber. The context is unusable afterwards.
func (c *Context) Destroy() {
	c.loop.StopAsync(&c.mutexAsync)
	c.loop.StopAsync(&c.pendingAsync)
	c.reclaimChildren(&c.root)
	close(c.die)
}

// currentFiber returns the fiber on top of the call stack.
func (c *Context) currentFiber() *Fiber {
	return c.stack[len(c.stack)-1].fiber
}

// calledByRoot reports whether the frame below the running fiber is the root,
// i.e. whether the last resumption came from the reactor rather than from
// another fiber's explicit call.
func (c *Context) calledByRoot() bool {
	return c.stack[len(c.stack)-2].fiber == &c.root
}

func (c *Context) ensureRootFiber() {
	if c.currentFiber() != &c.root {
		panic("libevfibers: reactor callback outside the root fiber")
	}
}

func (c *Context) vcall(callee *Fiber, leaveInfo bool, args []Arg) error {
	caller := c.currentFiber()

	if len(args) > MaxArgNum {
		c.logger.Infof("attempt to pass %d arguments while the limit is %d",
			len(args), MaxArgNum)
		return c.setError(EInvalid)
	}
	if callee.reclaimed {
		c.logger.Infof("fiber %q is about to be called but it was reclaimed here:",
			callee.name)
		callee.reclaimTrace.print(c.logger.Infof)
		return c.setError(ENoFiber)
	}

	c.stack = append(c.stack, stackFrame{fiber: callee})
	c.fillTrace(&c.stack[len(c.stack)-1].trace)

	if leaveInfo {
		info := &CallInfo{Caller: caller}
		if len(args) > 0 {
			info.Args = append(make([]Arg, 0, len(args)), args...)
		}
		callee.callList.PushBack(info)
		if callee.callList.Len() >= callListWarn {
			c.logger.Warnf("call list for %q contains %d elements, which looks"+
				" suspicious. Is anyone fetching the calls?",
				callee.name, callee.callList.Len())
			c.DumpStack(c.logger.Infof)
		}
	}

	transfer(caller.coro, callee.coro)
	return c.setError(Success)
}

// Call transfers control to callee, delivering a call-info record with the
// given arguments to its call list. Returns once the caller is resumed.
func (c *Context) Call(callee *Fiber, args ...Arg) error {
	return c.vcall(callee, true, args)
}

// CallNoInfo transfers control to callee without leaving a call-info record.
func (c *Context) CallNoInfo(callee *Fiber, args ...Arg) error {
	return c.vcall(callee, false, args)
}

// Yield suspends the running fiber and transfers control to the fiber it was
// called from. Must never be invoked by the root fiber.
func (c *Context) Yield() {
	if len(c.stack) < 2 {
		panic("libevfibers: root fiber must not yield")
	}
	callee := c.currentFiber()
	c.stack = c.stack[:len(c.stack)-1]
	transfer(callee.coro, c.currentFiber().coro)
}

// finalYield pops the finished fiber's frame and hands control onward,
// unwinding the fiber's goroutine back to its pool park.
func (c *Context) finalYield(f *Fiber) {
	c.stack = c.stack[:len(c.stack)-1]
	f.coro.exit(c.currentFiber().coro)
}

// NextCallInfo destructively dequeues the head of the running fiber's call
// list. When slot is non-nil the dequeued record replaces its previous
// content. Reports whether a record was produced.
func (c *Context) NextCallInfo(slot **CallInfo) bool {
	f := c.currentFiber()
	e := f.callList.Front()
	if e == nil {
		return false
	}
	info := f.callList.Remove(e).(*CallInfo)
	if slot != nil {
		*slot = info
	}
	return true
}

// mutexAsyncCb resumes, from the root, every fiber that has been designated
// owner of an unlocked mutex.
func (c *Context) mutexAsyncCb(l *ev.Loop, a *ev.Async) {
	c.ensureRootFiber()
	for {
		e := c.mutexesToResume.Front()
		if e == nil {
			l.StopAsync(&c.mutexAsync)
			return
		}
		m := c.mutexesToResume.Remove(e).(*Mutex)
		m.resumeElem = nil
		_ = c.CallNoInfo(m.lockedBy)
	}
}

// pendingAsyncCb resumes exactly one pending fiber per firing, re-raising
// itself while the queue is non-empty so other reactor events interleave
// between resumptions.
func (c *Context) pendingAsyncCb(l *ev.Loop, a *ev.Async) {
	c.ensureRootFiber()
	e := c.pendingFibers.Front()
	if e == nil {
		l.StopAsync(&c.pendingAsync)
		return
	}
	f := c.pendingFibers.Remove(e).(*Fiber)
	f.pendingElem = nil
	_ = c.CallNoInfo(f)
	if c.pendingFibers.Len() == 0 {
		l.StopAsync(&c.pendingAsync)
	} else {
		l.SendAsync(&c.pendingAsync)
	}
}

// DumpStack writes the active-call stack, top first, through logFn.
func (c *Context) DumpStack(logFn LogFunc) {
	logFn("Fiber call stack:\n%s", "-------------------------------")
	for i := len(c.stack) - 1; i >= 0; i-- {
		fr := &c.stack[i]
		logFn("fiber_call: %p\t%s", fr.fiber, fr.fiber.name)
		fr.trace.print(logFn)
		logFn("%s", "-------------------------------")
	}
}
