//go:build linux
// +build linux

package libevfibers

import "runtime"

const traceDepth = 16

// traceInfo is a snapshot of program counters recorded at watcher-arming and
// reclamation sites, kept for post-mortem dumps. Empty unless backtraces are
// enabled on the context.
type traceInfo struct {
	pcs [traceDepth]uintptr
	n   int
}

func (c *Context) fillTrace(ti *traceInfo) {
	if !c.backtracesEnabled {
		ti.n = 0
		return
	}
	ti.n = runtime.Callers(3, ti.pcs[:])
}

func (ti *traceInfo) print(logFn LogFunc) {
	if ti.n == 0 {
		logFn("(no backtrace recorded)")
		return
	}
	frames := runtime.CallersFrames(ti.pcs[:ti.n])
	for {
		fr, more := frames.Next()
		logFn("%s\n\t%s:%d", fr.Function, fr.File, fr.Line)
		if !more {
			break
		}
	}
}
