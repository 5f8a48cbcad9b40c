//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package aio

import (
	"syscall"
	"time"
)

// readyEvent reports one fd's readiness after a poller wait.
type readyEvent struct {
	fd                          int
	readable, writable, errored bool
}

// pollerImpl is the thin per-OS primitive (epoll on Linux, kqueue on the
// other BSDs/Darwin) that backend_poll_linux.go / backend_poll_other.go
// each implement. Everything else — non-blocking retry, the Completion
// dispatch, timers — lives here once.
type pollerImpl interface {
	init() error
	add(fd int, readable, writable bool) error
	modify(fd int, readable, writable bool) error
	remove(fd int) error
	wait(timeout time.Duration) ([]readyEvent, error)
	close() error
}

// fdWaiters holds the completions currently blocked on one fd, split by
// direction, grounded on the gaio watcher's per-fd pending-op queues.
type fdWaiters struct {
	readable, writable bool
	onRead, onWrite    queue
}

// pollBackend implements Backend as a non-blocking-retry readiness poll,
// grounded on the reference FastPoller (registration/dispatch shape) and
// the gaio watcher (EAGAIN-retry loop).
type pollBackend struct {
	poller  pollerImpl
	fds     map[int]*fdWaiters
	timers  queue
	wakeR   int
	wakeW   int
}

func newPollBackend(p pollerImpl) *pollBackend {
	return &pollBackend{poller: p, fds: make(map[int]*fdWaiters)}
}

func (b *pollBackend) Init(opt Options) error {
	if err := b.poller.init(); err != nil {
		return err
	}
	r, w, err := selfPipe()
	if err != nil {
		return err
	}
	b.wakeR, b.wakeW = r, w
	return b.poller.add(b.wakeR, true, false)
}

func (b *pollBackend) Deinit() {
	_ = b.poller.close()
	closeSocket(b.wakeR)
	closeSocket(b.wakeW)
}

func (b *pollBackend) waiters(fd int) *fdWaiters {
	w, ok := b.fds[fd]
	if !ok {
		w = &fdWaiters{}
		b.fds[fd] = w
	}
	return w
}

func (b *pollBackend) wait(fd int, forWrite bool, c *Completion) {
	w := b.waiters(fd)
	wantRead, wantWrite := w.readable, w.writable
	if forWrite {
		w.onWrite.push(c)
		wantWrite = true
	} else {
		w.onRead.push(c)
		wantRead = true
	}
	if wantRead != w.readable || wantWrite != w.writable {
		if !w.readable && !w.writable {
			_ = b.poller.add(fd, wantRead, wantWrite)
		} else {
			_ = b.poller.modify(fd, wantRead, wantWrite)
		}
		w.readable, w.writable = wantRead, wantWrite
	}
}

func (b *pollBackend) Submit(c *Completion) bool {
	switch c.Op {
	case OpNetOpen:
		fd, err := openSocket(c.domain, c.socketType)
		if err != nil {
			c.setError(classifyErr(err), err)
		} else {
			c.setHandle(fd)
		}
		return false
	case OpNetBind:
		if err := bindAndListen0(c.fd, c.addr); err != nil {
			c.setError(classifyErr(err), err)
		} else {
			c.setOK()
		}
		return false
	case OpNetListen:
		if err := listenOnly(c.fd, c.flags); err != nil {
			c.setError(classifyErr(err), err)
		} else {
			c.setOK()
		}
		return false
	case OpNetClose:
		delete(b.fds, c.fd)
		_ = b.poller.remove(c.fd)
		if err := closeSocket(c.fd); err != nil {
			c.setError(classifyErr(err), err)
		} else {
			c.setOK()
		}
		return false
	case OpNetShutdown:
		err := syscall.Shutdown(c.fd, syscall.SHUT_RDWR)
		if err != nil {
			c.setError(classifyErr(err), err)
		} else {
			c.setOK()
		}
		return false
	case OpNetAccept:
		return b.submitAccept(c)
	case OpNetConnect:
		return b.submitConnect(c)
	case OpNetRecv:
		return b.submitRecv(c)
	case OpNetSend:
		return b.submitSend(c)
	case OpNetRecvFrom:
		return b.submitRecvFrom(c)
	case OpNetSendTo:
		return b.submitSendTo(c)
	case OpTimer:
		b.timers.push(c)
		return true
	default:
		c.setError(ErrUnsupported, nil)
		return false
	}
}

func (b *pollBackend) submitAccept(c *Completion) bool {
	fd, sa, err := acceptNonblock(c.fd)
	if err == nil {
		_ = sa
		c.setHandle(fd)
		return false
	}
	if !wouldBlock(err) {
		c.setError(classifyErr(err), err)
		return false
	}
	b.wait(c.fd, false, c)
	return true
}

func (b *pollBackend) submitConnect(c *Completion) bool {
	err := connectNonblock(c.fd, c.addr)
	if err == nil {
		c.setOK()
		return false
	}
	if err != syscall.EINPROGRESS && !wouldBlock(err) {
		c.setError(classifyErr(err), err)
		return false
	}
	b.wait(c.fd, true, c)
	return true
}

func (b *pollBackend) submitRecv(c *Completion) bool {
	n, err := recvNonblock(c.fd, c.buf)
	if err == nil {
		c.setN(n)
		return false
	}
	if !wouldBlock(err) {
		c.setError(classifyErr(err), err)
		return false
	}
	b.wait(c.fd, false, c)
	return true
}

func (b *pollBackend) submitSend(c *Completion) bool {
	n, err := sendNonblock(c.fd, c.buf)
	if err == nil {
		c.setN(n)
		return false
	}
	if !wouldBlock(err) {
		c.setError(classifyErr(err), err)
		return false
	}
	b.wait(c.fd, true, c)
	return true
}

func (b *pollBackend) submitRecvFrom(c *Completion) bool {
	n, from, err := recvFromNonblock(c.fd, c.buf)
	if err == nil {
		c.setRecvFrom(n, from)
		return false
	}
	if !wouldBlock(err) {
		c.setError(classifyErr(err), err)
		return false
	}
	b.wait(c.fd, false, c)
	return true
}

func (b *pollBackend) submitSendTo(c *Completion) bool {
	n, err := sendToNonblock(c.fd, c.buf, c.addr)
	if err == nil {
		c.setN(n)
		return false
	}
	if !wouldBlock(err) {
		c.setError(classifyErr(err), err)
		return false
	}
	b.wait(c.fd, true, c)
	return true
}

// Cancel removes target from whichever wait queue or timer list holds it
// and delivers its callback with ErrCanceled directly: a waiter pulled out
// of these queues has no other path left to reach its callback, since the
// readiness event or deadline that would have fired it will never arrive.
// It always returns false — by the time Cancel can reach a completion,
// Add has already moved it past pending, so the original operation still
// fires its callback exactly once, just as Loop.Cancel's contract requires
// for a non-winning cancel.
func (b *pollBackend) Cancel(target *Completion) bool {
	for fd, w := range b.fds {
		if w.onRead.remove(target) || w.onWrite.remove(target) {
			if w.onRead.len() == 0 && w.onWrite.len() == 0 {
				_ = b.poller.remove(fd)
				delete(b.fds, fd)
			}
			b.deliverCanceled(target)
			return false
		}
	}
	if b.timers.remove(target) {
		b.deliverCanceled(target)
		return false
	}
	return false
}

func (b *pollBackend) deliverCanceled(target *Completion) {
	target.storeState(stateCanceled)
	target.setError(ErrCanceled, nil)
	if target.Callback != nil {
		target.Callback(target.loop, target)
	}
}

func (b *pollBackend) Wake() {
	var buf [1]byte
	_, _ = syscall.Write(b.wakeW, buf[:])
}

func (b *pollBackend) WakeFromAnywhere() { b.Wake() }

func (b *pollBackend) Poll(timeout time.Duration) (bool, error) {
	timeout = b.clampForTimers(timeout)
	events, err := b.poller.wait(timeout)
	if err != nil {
		return false, err
	}
	b.fireTimers()
	if len(events) == 0 {
		return true, nil
	}
	for _, ev := range events {
		if ev.fd == b.wakeR {
			drainSelfPipe(b.wakeR)
			continue
		}
		b.fireReady(ev)
	}
	return false, nil
}

// clampForTimers shortens timeout to the nearest timer deadline so armed
// timers fire close to on time even while idle.
func (b *pollBackend) clampForTimers(timeout time.Duration) time.Duration {
	if b.timers.len() == 0 {
		return timeout
	}
	now := time.Now()
	var soonest time.Duration = -1
	for c := b.timers.head; c != nil; c = c.next {
		d := c.deadline.Sub(now)
		if d < 0 {
			d = 0
		}
		if soonest < 0 || d < soonest {
			soonest = d
		}
	}
	if timeout < 0 || soonest < timeout {
		return soonest
	}
	return timeout
}

func (b *pollBackend) fireTimers() {
	now := time.Now()
	var fired []*Completion
	for c := b.timers.head; c != nil; {
		next := c.next
		if !c.deadline.After(now) {
			b.timers.remove(c)
			fired = append(fired, c)
		}
		c = next
	}
	for _, c := range fired {
		c.setOK()
		if c.Callback != nil {
			c.Callback(c.loop, c)
		}
	}
}

func (b *pollBackend) fireReady(ev readyEvent) {
	w, ok := b.fds[ev.fd]
	if !ok {
		return
	}
	if ev.readable || ev.errored {
		b.retry(ev.fd, w, &w.onRead, false)
	}
	if ev.writable || ev.errored {
		b.retry(ev.fd, w, &w.onWrite, true)
	}
	if w.onRead.len() == 0 && w.onWrite.len() == 0 {
		_ = b.poller.remove(ev.fd)
		delete(b.fds, ev.fd)
	}
}

// retry pops every completion currently waiting on dir and re-attempts
// its syscall; one that would still block is pushed back for next time.
func (b *pollBackend) retry(fd int, w *fdWaiters, dir *queue, isWrite bool) {
	var stillBlocked []*Completion
	dir.drain(func(c *Completion) {
		var done bool
		switch c.Op {
		case OpNetAccept:
			cfd, _, err := acceptNonblock(fd)
			if err == nil {
				c.setHandle(cfd)
				done = true
			} else if !wouldBlock(err) {
				c.setError(classifyErr(err), err)
				done = true
			}
		case OpNetConnect:
			if sockErr := connectCompleteErr(fd); sockErr != nil {
				c.setError(classifyErr(sockErr), sockErr)
			} else {
				c.setOK()
			}
			done = true
		case OpNetRecv:
			n, err := recvNonblock(fd, c.buf)
			if err == nil {
				c.setN(n)
				done = true
			} else if !wouldBlock(err) {
				c.setError(classifyErr(err), err)
				done = true
			}
		case OpNetSend:
			n, err := sendNonblock(fd, c.buf)
			if err == nil {
				c.setN(n)
				done = true
			} else if !wouldBlock(err) {
				c.setError(classifyErr(err), err)
				done = true
			}
		case OpNetRecvFrom:
			n, from, err := recvFromNonblock(fd, c.buf)
			if err == nil {
				c.setRecvFrom(n, from)
				done = true
			} else if !wouldBlock(err) {
				c.setError(classifyErr(err), err)
				done = true
			}
		case OpNetSendTo:
			n, err := sendToNonblock(fd, c.buf, c.addr)
			if err == nil {
				c.setN(n)
				done = true
			} else if !wouldBlock(err) {
				c.setError(classifyErr(err), err)
				done = true
			}
		}
		if done {
			logCompletionError(c, c.res.err)
			if c.Callback != nil {
				c.Callback(c.loop, c)
			}
		} else {
			stillBlocked = append(stillBlocked, c)
		}
	})
	for _, c := range stillBlocked {
		dir.push(c)
	}
	if isWrite {
		w.writable = dir.len() > 0
	} else {
		w.readable = dir.len() > 0
	}
}
