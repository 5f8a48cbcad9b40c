//go:build linux

package aio

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller implements pollerImpl via epoll, grounded on the reference
// FastPoller's Init/RegisterFD/ModifyFD/PollIO shape.
type epollPoller struct {
	epfd int
	buf  [256]unix.EpollEvent
}

func newEpollBackend() *pollBackend {
	return newPollBackend(&epollPoller{})
}

func (p *epollPoller) init() error {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = fd
	return nil
}

func epollMask(readable, writable bool) uint32 {
	var m uint32
	if readable {
		m |= unix.EPOLLIN
	}
	if writable {
		m |= unix.EPOLLOUT
	}
	return m
}

func (p *epollPoller) add(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: epollMask(readable, writable), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) modify(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: epollMask(readable, writable), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) wait(timeout time.Duration) ([]readyEvent, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	n, err := unix.EpollWait(p.epfd, p.buf[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make([]readyEvent, 0, n)
	for i := 0; i < n; i++ {
		e := p.buf[i]
		out = append(out, readyEvent{
			fd:       int(e.Fd),
			readable: e.Events&unix.EPOLLIN != 0,
			writable: e.Events&unix.EPOLLOUT != 0,
			errored:  e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return out, nil
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}
