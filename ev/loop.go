//go:build linux
// +build linux

// Package ev is a minimal level-triggered event reactor: a single-goroutine
// loop multiplexing file-descriptor readiness, one-shot timers and
// cross-goroutine async signals.
//
// The loop runs until no watcher is active or Stop is called. Watcher
// registration is not synchronized; apart from SendAsync and Stop, the loop
// and its watchers must only be touched from the goroutine driving Run (or
// before Run is entered).
package ev

import (
	"container/list"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event is a bitmask of fd readiness conditions.
type Event int

const (
	EV_READ Event = 1 << iota
	EV_WRITE
)

// fdDesc contains all watchers armed on a single fd
type fdDesc struct {
	watchers list.List // of *IO
	events   Event     // union mask currently registered with the poller
}

// Loop multiplexes IO watchers, timers and async signals.
type Loop struct {
	pfd *poller

	descs  map[int]*fdDesc
	timers timerHeap
	asyncs list.List // of *Async, started ones only

	// dispatch scratch, reused to avoid per-iteration allocation
	ready []*IO

	now     time.Time
	active  int // watchers keeping the loop alive
	stopped atomic.Bool

	logger *zap.SugaredLogger
}

// NewLoop creates a reactor backed by epoll and an eventfd wake channel.
func NewLoop() (*Loop, error) {
	pfd, err := openPoller()
	if err != nil {
		return nil, err
	}
	l := &Loop{
		pfd:    pfd,
		descs:  make(map[int]*fdDesc),
		now:    time.Now(),
		logger: zap.NewNop().Sugar(),
	}
	return l, nil
}

// SetLogger replaces the loop's logger. The default discards everything.
func (l *Loop) SetLogger(logger *zap.SugaredLogger) {
	if logger != nil {
		l.logger = logger
	}
}

// Now returns the timestamp cached at the start of the current loop
// iteration. All timer arithmetic uses this value.
func (l *Loop) Now() time.Time { return l.now }

// Stop makes Run return after the current iteration. Safe to call from
// watcher callbacks and from other goroutines.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	if err := l.pfd.wakeup(); err != nil {
		l.logger.Errorw("ev: wakeup failed", "error", err)
	}
}

// Close releases the poller file descriptors. The loop must not be running.
func (l *Loop) Close() error {
	return l.pfd.close()
}

// Run drives the loop until Stop is called or no watcher remains active.
func (l *Loop) Run() error {
	l.now = time.Now()
	for {
		l.runTimers()
		if l.stopped.Load() || l.active == 0 {
			return nil
		}

		evs, woken, err := l.pfd.wait(l.nextTimeout())
		l.now = time.Now()
		if err != nil {
			return err
		}
		if woken {
			l.runAsyncs()
		}
		l.dispatch(evs)
		if l.stopped.Load() {
			return nil
		}
	}
}

// nextTimeout computes how long the poller may block: until the earliest
// timer deadline, or forever when none is armed.
func (l *Loop) nextTimeout() time.Duration {
	if l.timers.Len() == 0 {
		return -1
	}
	d := l.timers[0].deadline.Sub(l.now)
	if d < 0 {
		return 0
	}
	return d
}

func (l *Loop) runTimers() {
	for l.timers.Len() > 0 {
		t := l.timers[0]
		if t.deadline.After(l.now) {
			break
		}
		l.stopTimerLocked(t)
		t.cb(l, t)
	}
}

func (l *Loop) runAsyncs() {
	// snapshot: a callback may start or stop asyncs
	var pending []*Async
	for e := l.asyncs.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(*Async))
	}
	for _, a := range pending {
		if a.active && a.pending.Swap(false) {
			a.cb(l, a)
		}
	}
}

func (l *Loop) dispatch(evs []pollerEvent) {
	for _, e := range evs {
		desc, ok := l.descs[e.fd]
		if !ok {
			continue
		}
		// snapshot matching watchers: callbacks rearm and disarm freely
		l.ready = l.ready[:0]
		for el := desc.watchers.Front(); el != nil; el = el.Next() {
			w := el.Value.(*IO)
			if w.events&e.events != 0 {
				l.ready = append(l.ready, w)
			}
		}
		for _, w := range l.ready {
			if w.active {
				w.cb(l, w, e.events&w.events)
			}
		}
	}
}

// updateFD reconciles the poller registration of fd with the union mask of
// its armed watchers.
func (l *Loop) updateFD(fd int, desc *fdDesc) error {
	var mask Event
	for el := desc.watchers.Front(); el != nil; el = el.Next() {
		mask |= el.Value.(*IO).events
	}
	switch {
	case mask == 0:
		delete(l.descs, fd)
		return l.pfd.unwatch(fd)
	case desc.events == 0:
		desc.events = mask
		return l.pfd.watch(fd, mask, false)
	case desc.events != mask:
		desc.events = mask
		return l.pfd.watch(fd, mask, true)
	}
	return nil
}
