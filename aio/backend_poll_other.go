//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package aio

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueuePoller implements pollerImpl via kqueue, the BSD/Darwin sibling
// of backend_poll_linux.go's epollPoller, grounded on the same reference
// pack's kqueue-based poller pattern.
type kqueuePoller struct {
	kq  int
	buf [256]unix.Kevent_t
}

func newKqueueBackend() *pollBackend {
	return newPollBackend(&kqueuePoller{})
}

func (p *kqueuePoller) init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	p.kq = kq
	return nil
}

func (p *kqueuePoller) changeList(fd int, readable, writable bool) []unix.Kevent_t {
	readFlag := uint16(unix.EV_DELETE)
	writeFlag := uint16(unix.EV_DELETE)
	if readable {
		readFlag = unix.EV_ADD | unix.EV_ENABLE
	}
	if writable {
		writeFlag = unix.EV_ADD | unix.EV_ENABLE
	}
	return []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: readFlag},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: writeFlag},
	}
}

func (p *kqueuePoller) add(fd int, readable, writable bool) error {
	changes := p.changeList(fd, readable, writable)
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) modify(fd int, readable, writable bool) error {
	return p.add(fd, readable, writable)
}

func (p *kqueuePoller) remove(fd int) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) wait(timeout time.Duration) ([]readyEvent, error) {
	var tsPtr *unix.Timespec
	if timeout >= 0 {
		ts := unix.NsecToTimespec(int64(timeout))
		tsPtr = &ts
	}
	n, err := unix.Kevent(p.kq, nil, p.buf[:], tsPtr)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	merged := make(map[int]*readyEvent, n)
	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		e := p.buf[i]
		fd := int(e.Ident)
		re, ok := merged[fd]
		if !ok {
			re = &readyEvent{fd: fd}
			merged[fd] = re
			order = append(order, fd)
		}
		switch e.Filter {
		case unix.EVFILT_READ:
			re.readable = true
		case unix.EVFILT_WRITE:
			re.writable = true
		}
		if e.Flags&unix.EV_EOF != 0 || e.Flags&unix.EV_ERROR != 0 {
			re.errored = true
		}
	}
	out := make([]readyEvent, 0, len(order))
	for _, fd := range order {
		out = append(out, *merged[fd])
	}
	return out, nil
}

func (p *kqueuePoller) close() error {
	return unix.Close(p.kq)
}
