//go:build linux
// +build linux

package ev

import (
	"container/list"
	"sync/atomic"
	"time"
)

// IO watches a file descriptor for readiness. Level-triggered: the callback
// keeps firing while the condition holds and the watcher is active.
type IO struct {
	// Data is an opaque back-pointer for the callback's owner.
	Data interface{}

	cb     func(l *Loop, w *IO, revents Event)
	fd     int
	events Event
	active bool
	elem   *list.Element
}

// Init sets the callback. Must be called once before the first start.
func (w *IO) Init(cb func(l *Loop, w *IO, revents Event)) {
	w.cb = cb
}

// Set points the watcher at fd with the given event mask. The watcher must
// not be active.
func (w *IO) Set(fd int, events Event) {
	w.fd = fd
	w.events = events
}

// StartIO arms w. Starting an active watcher is a no-op.
func (l *Loop) StartIO(w *IO) {
	if w.active {
		return
	}
	desc, ok := l.descs[w.fd]
	if !ok {
		desc = &fdDesc{}
		l.descs[w.fd] = desc
	}
	w.elem = desc.watchers.PushBack(w)
	if err := l.updateFD(w.fd, desc); err != nil {
		desc.watchers.Remove(w.elem)
		w.elem = nil
		l.logger.Errorw("ev: cannot watch fd", "fd", w.fd, "error", err)
		return
	}
	w.active = true
	l.active++
}

// StopIO disarms w. Stopping an inactive watcher is a no-op.
func (l *Loop) StopIO(w *IO) {
	if !w.active {
		return
	}
	w.active = false
	l.active--
	if desc, ok := l.descs[w.fd]; ok {
		desc.watchers.Remove(w.elem)
		if err := l.updateFD(w.fd, desc); err != nil {
			l.logger.Errorw("ev: cannot unwatch fd", "fd", w.fd, "error", err)
		}
	}
	w.elem = nil
}

// Timer fires its callback once, after a relative delay measured against the
// loop's cached now.
type Timer struct {
	// Data is an opaque back-pointer for the callback's owner.
	Data interface{}

	cb       func(l *Loop, t *Timer)
	after    time.Duration
	deadline time.Time
	idx      int
	active   bool
}

// Init sets the callback. Must be called once before the first start.
func (t *Timer) Init(cb func(l *Loop, t *Timer)) {
	t.cb = cb
}

// Set configures the relative delay. The timer must not be active.
func (t *Timer) Set(after time.Duration) {
	t.after = after
}

// StartTimer arms t to fire once after its configured delay.
func (l *Loop) StartTimer(t *Timer) {
	if t.active {
		return
	}
	t.deadline = l.now.Add(t.after)
	t.active = true
	l.active++
	l.timers.push(t)
}

// StopTimer disarms t. Stopping an inactive timer is a no-op.
func (l *Loop) StopTimer(t *Timer) {
	if !t.active {
		return
	}
	l.stopTimerLocked(t)
}

// stopTimerLocked removes t from the heap without the active check.
func (l *Loop) stopTimerLocked(t *Timer) {
	t.active = false
	l.active--
	l.timers.remove(t)
}

// Async is a wake signal that may be raised from any goroutine. Multiple
// sends before the loop observes the signal coalesce into one callback
// invocation.
type Async struct {
	// Data is an opaque back-pointer for the callback's owner.
	Data interface{}

	cb      func(l *Loop, a *Async)
	pending atomic.Bool
	active  bool
	elem    *list.Element
}

// Init sets the callback. Must be called once before the first start.
func (a *Async) Init(cb func(l *Loop, a *Async)) {
	a.cb = cb
}

// StartAsync registers a for delivery. A signal sent while the watcher was
// stopped is delivered on the loop iteration after the start.
func (l *Loop) StartAsync(a *Async) {
	if a.active {
		return
	}
	a.active = true
	l.active++
	a.elem = l.asyncs.PushBack(a)
	if a.pending.Load() {
		if err := l.pfd.wakeup(); err != nil {
			l.logger.Errorw("ev: wakeup failed", "error", err)
		}
	}
}

// StopAsync deregisters a. A pending signal is retained and delivered if the
// watcher is started again.
func (l *Loop) StopAsync(a *Async) {
	if !a.active {
		return
	}
	a.active = false
	l.active--
	l.asyncs.Remove(a.elem)
	a.elem = nil
}

// SendAsync raises the signal. Safe from any goroutine, before or during Run.
func (l *Loop) SendAsync(a *Async) {
	a.pending.Store(true)
	if err := l.pfd.wakeup(); err != nil {
		l.logger.Errorw("ev: wakeup failed", "error", err)
	}
}
