//go:build linux
// +build linux

package libevfibers

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/damoxinjiang/libevfibers/ev"
)

// IO wrappers turn blocking-style calls into cooperative suspensions: arm the
// fiber's watcher, yield to the root fiber, and on resumption check whether
// the wake-up came from the reactor. In the single-shot wrappers (Read,
// Write, Recvfrom, Sendto, Accept) a resumption by anything else is a
// spurious wake and surfaces as EINTR, mirroring POSIX conventions. ReadAll
// and WriteAll re-suspend on a spurious wake, ReadLine retries after one, and
// Sleep returns early with the unslept remainder. File descriptors are
// expected to be non-blocking.

func (c *Context) ioStart(f *Fiber, fd int, events ev.Event) {
	f.wIO.Set(fd, events)
	c.loop.StartIO(&f.wIO)
	f.wIOExpected = true
	c.fillTrace(&f.wIOTrace)
}

func (c *Context) ioStop(f *Fiber) {
	f.wIOExpected = false
	c.loop.StopIO(&f.wIO)
}

func (c *Context) timerStart(f *Fiber, after time.Duration) {
	f.wTimer.Set(after)
	c.loop.StartTimer(&f.wTimer)
	f.wTimerExpected = true
	c.fillTrace(&f.wTimerTrace)
}

func (c *Context) timerStop(f *Fiber) {
	f.wTimerExpected = false
	c.loop.StopTimer(&f.wTimer)
}

// Read suspends until fd is readable, then performs a single read.
func (c *Context) Read(fd int, buf []byte) (int, error) {
	f := c.currentFiber()
	c.ioStart(f, fd, ev.EV_READ)
	c.Yield()
	if !c.calledByRoot() {
		c.ioStop(f)
		return -1, unix.EINTR
	}
	var n int
	var err error
	for {
		n, err = unix.Read(fd, buf)
		if err != unix.EINTR {
			break
		}
	}
	c.ioStop(f)
	return n, err
}

// ReadAll reads until buf is filled or EOF is reached, re-suspending on
// every would-block. Returns the byte count transferred.
func (c *Context) ReadAll(fd int, buf []byte) (int, error) {
	f := c.currentFiber()
	c.ioStart(f, fd, ev.EV_READ)
	done := 0
	for done < len(buf) {
		c.Yield()
		if !c.calledByRoot() {
			continue
		}
	read:
		for {
			n, err := unix.Read(fd, buf[done:])
			switch err {
			case unix.EINTR:
				continue
			case unix.EAGAIN:
				break read // watcher stays armed, wait for readiness
			case nil:
				if n == 0 { // EOF
					c.ioStop(f)
					return done, nil
				}
				done += n
				break read
			default:
				c.ioStop(f)
				return -1, err
			}
		}
	}
	c.ioStop(f)
	return done, nil
}

// ReadLine reads one byte at a time until a newline or EOF, storing at most
// len(buf) bytes, the newline included when it fits. Bytes past a full buffer
// are discarded until the newline. Returns the byte count stored; zero means
// EOF before any data.
func (c *Context) ReadLine(fd int, buf []byte) (int, error) {
	if len(buf) == 0 {
		return -1, unix.EINVAL
	}
	var ch [1]byte
	total := 0
	for {
		n, err := c.Read(fd, ch[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, err
		}
		if n == 0 { // EOF
			break
		}
		if total < len(buf) {
			buf[total] = ch[0]
			total++
		}
		if ch[0] == '\n' {
			break
		}
	}
	return total, nil
}

// Write suspends until fd is writable, then performs a single write.
func (c *Context) Write(fd int, buf []byte) (int, error) {
	f := c.currentFiber()
	c.ioStart(f, fd, ev.EV_WRITE)
	c.Yield()
	if !c.calledByRoot() {
		c.ioStop(f)
		return -1, unix.EINTR
	}
	var n int
	var err error
	for {
		n, err = unix.Write(fd, buf)
		if err != unix.EINTR {
			break
		}
	}
	c.ioStop(f)
	return n, err
}

// WriteAll writes the whole buffer, re-suspending on every would-block.
func (c *Context) WriteAll(fd int, buf []byte) (int, error) {
	f := c.currentFiber()
	c.ioStart(f, fd, ev.EV_WRITE)
	done := 0
	for done < len(buf) {
		c.Yield()
		if !c.calledByRoot() {
			continue
		}
	write:
		for {
			n, err := unix.Write(fd, buf[done:])
			switch err {
			case unix.EINTR:
				continue
			case unix.EAGAIN:
				break write
			case nil:
				done += n
				break write
			default:
				c.ioStop(f)
				return -1, err
			}
		}
	}
	c.ioStop(f)
	return done, nil
}

// Recvfrom suspends until fd is readable, then performs a single recvfrom.
func (c *Context) Recvfrom(fd int, buf []byte, flags int) (int, unix.Sockaddr, error) {
	f := c.currentFiber()
	c.ioStart(f, fd, ev.EV_READ)
	c.Yield()
	c.ioStop(f)
	if !c.calledByRoot() {
		return -1, nil, unix.EINTR
	}
	for {
		n, from, err := unix.Recvfrom(fd, buf, flags)
		if err != unix.EINTR {
			return n, from, err
		}
	}
}

// Sendto suspends until fd is writable, then performs a single sendto.
func (c *Context) Sendto(fd int, buf []byte, flags int, to unix.Sockaddr) error {
	f := c.currentFiber()
	c.ioStart(f, fd, ev.EV_WRITE)
	c.Yield()
	c.ioStop(f)
	if !c.calledByRoot() {
		return unix.EINTR
	}
	for {
		if err := unix.Sendto(fd, buf, flags, to); err != unix.EINTR {
			return err
		}
	}
}

// Accept suspends until a connection is pending, then accepts it.
func (c *Context) Accept(fd int) (int, unix.Sockaddr, error) {
	f := c.currentFiber()
	c.ioStart(f, fd, ev.EV_READ)
	c.Yield()
	if !c.calledByRoot() {
		c.ioStop(f)
		return -1, nil, unix.EINTR
	}
	var nfd int
	var sa unix.Sockaddr
	var err error
	for {
		nfd, sa, err = unix.Accept(fd)
		if err != unix.EINTR {
			break
		}
	}
	c.ioStop(f)
	return nfd, sa, err
}

// Sleep suspends the fiber until d has elapsed or it is resumed early, and
// returns the unslept remainder (zero when the full duration elapsed),
// measured against the reactor's cached clock.
func (c *Context) Sleep(d time.Duration) time.Duration {
	f := c.currentFiber()
	expected := c.loop.Now().Add(d)
	c.timerStart(f, d)
	c.Yield()
	c.timerStop(f)
	if rem := expected.Sub(c.loop.Now()); rem > 0 {
		return rem
	}
	return 0
}
