package ev

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// maxEvents is the epoll batch size per wait
const maxEvents = 128

// pollerEvent is one readiness report translated out of epoll terms.
type pollerEvent struct {
	fd     int
	events Event
}

// poller wraps an epoll instance plus an eventfd used as the cross-goroutine
// wake channel.
type poller struct {
	epfd int
	efd  int

	events []unix.EpollEvent
	evbuf  []pollerEvent
}

func openPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "ev: epoll_create1")
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "ev: eventfd")
	}
	p := &poller{
		epfd:   epfd,
		efd:    efd,
		events: make([]unix.EpollEvent, maxEvents),
	}
	err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd,
		&unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(efd)})
	if err != nil {
		p.close()
		return nil, errors.Wrap(err, "ev: epoll_ctl eventfd")
	}
	return p, nil
}

func (p *poller) close() error {
	err1 := unix.Close(p.efd)
	err2 := unix.Close(p.epfd)
	if err1 != nil {
		return errors.Wrap(err1, "ev: close eventfd")
	}
	return errors.Wrap(err2, "ev: close epoll")
}

func epollMask(events Event) uint32 {
	var m uint32
	if events&EV_READ != 0 {
		m |= unix.EPOLLIN
	}
	if events&EV_WRITE != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func (p *poller) watch(fd int, events Event, mod bool) error {
	op := unix.EPOLL_CTL_ADD
	if mod {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{Events: epollMask(events), Fd: int32(fd)}
	return errors.Wrap(unix.EpollCtl(p.epfd, op, fd, &ev), "ev: epoll_ctl")
}

func (p *poller) unwatch(fd int) error {
	return errors.Wrap(unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil), "ev: epoll_ctl del")
}

// wakeup bumps the eventfd counter. Writes coalesce until the loop drains.
func (p *poller) wakeup() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.efd, buf[:])
	if err == unix.EAGAIN {
		// counter saturated, the loop is overdue to drain anyway
		err = nil
	}
	return errors.Wrap(err, "ev: eventfd write")
}

func (p *poller) drain() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.efd, buf[:]); err != nil {
			return
		}
	}
}

// wait blocks until readiness, a wake signal, or the timeout elapses.
// A negative timeout blocks indefinitely.
func (p *poller) wait(timeout time.Duration) (evs []pollerEvent, woken bool, err error) {
	msec := -1
	if timeout >= 0 {
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	var n int
	for {
		n, err = unix.EpollWait(p.epfd, p.events, msec)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, false, errors.Wrap(err, "ev: epoll_wait")
		}
		break
	}

	p.evbuf = p.evbuf[:0]
	for i := 0; i < n; i++ {
		e := &p.events[i]
		fd := int(e.Fd)
		if fd == p.efd {
			p.drain()
			woken = true
			continue
		}
		var events Event
		if e.Events&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			events |= EV_READ
		}
		if e.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			events |= EV_WRITE
		}
		if events != 0 {
			p.evbuf = append(p.evbuf, pollerEvent{fd: fd, events: events})
		}
	}
	return p.evbuf, woken, nil
}
