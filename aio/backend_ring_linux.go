//go:build linux

package aio

import (
	"log/slog"
	"math"
	"syscall"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
)

const ringBatchSize = 128

// acceptWaiters tracks one armed multishot-accept SQE per listening fd,
// and the FIFO of Completions waiting on the next inbound connection.
// Grounded on the teacher's single prepareMultishotAccept-per-listener
// pattern, generalized so any number of Accept completions can be queued
// against it.
type acceptWaiters struct {
	armed   bool
	waiting queue
}

// ringBackend implements Backend on top of io_uring via giouring, adapted
// from the teacher's Loop/callbacks/providedBuffers trio in aio/loop.go.
type ringBackend struct {
	ring    *giouring.Ring
	opt     Options
	buffers providedBuffers

	callbacks map[uint64]*Completion
	nextID    uint64
	pending   []func(*giouring.SubmissionQueueEntry)

	accepting map[int]*acceptWaiters

	wakeFD int
}

func newRingBackend() *ringBackend {
	return &ringBackend{callbacks: make(map[uint64]*Completion), accepting: make(map[int]*acceptWaiters)}
}

func (b *ringBackend) Init(opt Options) error {
	b.opt = opt
	ring, err := giouring.CreateRing(opt.Entries)
	if err != nil {
		return err
	}
	b.ring = ring
	b.nextID = math.MaxUint16 // reserve low userdata values, as the teacher does
	if err := b.buffers.init(ring, uint32(opt.RecvBufferCount), uint32(opt.RecvBufferSize)); err != nil {
		ring.QueueExit()
		return err
	}
	fd, err := createWakeFD()
	if err != nil {
		b.buffers.deinit()
		ring.QueueExit()
		return err
	}
	b.wakeFD = fd
	b.armWakeRead()
	return nil
}

func (b *ringBackend) Deinit() {
	closeSocket(b.wakeFD)
	b.buffers.deinit()
	b.ring.QueueExit()
}

func (b *ringBackend) setCallback(sqe *giouring.SubmissionQueueEntry, c *Completion) {
	b.nextID++
	id := b.nextID
	b.callbacks[id] = c
	sqe.UserData = id
	c.internal = id
}

// prepare obtains an SQE for op, submitting to free space or deferring to
// the pending slice if the ring is momentarily full, exactly as the
// teacher's Loop.prepare does.
func (b *ringBackend) prepare(op func(*giouring.SubmissionQueueEntry)) {
	sqe := b.ring.GetSQE()
	if sqe == nil {
		b.submit()
		sqe = b.ring.GetSQE()
	}
	if sqe == nil {
		b.pending = append(b.pending, op)
		return
	}
	op(sqe)
}

func (b *ringBackend) preparePending() {
	n := 0
	for _, op := range b.pending {
		sqe := b.ring.GetSQE()
		if sqe == nil {
			break
		}
		op(sqe)
		n++
	}
	if n == len(b.pending) {
		b.pending = nil
	} else {
		b.pending = b.pending[n:]
	}
}

func (b *ringBackend) submit() error {
	_, err := b.ring.SubmitAndWait(0)
	return err
}

func (b *ringBackend) submitAndWait(waitNr uint32) error {
	for {
		if len(b.pending) > 0 {
			if _, err := b.ring.SubmitAndWait(0); err == nil {
				b.preparePending()
			}
		}
		_, err := b.ring.SubmitAndWait(waitNr)
		if err != nil {
			if errno, ok := err.(syscall.Errno); ok && isTemporary(errno) {
				continue
			}
			return err
		}
		return nil
	}
}

func (b *ringBackend) armWakeRead() {
	b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareRead(b.wakeFD, 0, 8, 0)
		sqe.UserData = wakeUserData
	})
}

const wakeUserData = uint64(1) // reserved below the math.MaxUint16 floor

// Submit dispatches c to the ring, or completes it inline when the
// operation is a plain synchronous syscall (bind, listen, close,
// shutdown). getaddrinfo, getnameinfo and file ops are pool-offloaded by
// the Loop before Submit is ever called for them.
func (b *ringBackend) Submit(c *Completion) bool {
	switch c.Op {
	case OpNetOpen:
		b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareSocket(c.domain, c.socketType, 0, 0)
			b.setCallback(sqe, c)
		})
		return true
	case OpNetBind:
		err := bindInline(c.fd, c.addr)
		if err != nil {
			c.setError(classifyErr(err), err)
		} else {
			c.setOK()
		}
		return false
	case OpNetListen:
		if err := listenInline(c.fd, c.flags); err != nil {
			c.setError(classifyErr(err), err)
		} else {
			c.setOK()
		}
		return false
	case OpNetAccept:
		b.submitAccept(c)
		return true
	case OpNetConnect:
		rawSa, _, err := toSyscallSockaddr(c.addr)
		if err != nil {
			c.setError(ErrAddressFamilyNotSupported, err)
			return false
		}
		ptr, length := sockaddrBytes(rawSa)
		c.pinner.Pin(ptr)
		b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareConnect(c.fd, uintptr(unsafe.Pointer(ptr)), uint64(length))
			b.setCallback(sqe, c)
		})
		return true
	case OpNetRecv:
		c.pinner.Pin(&c.buf[0])
		b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareRecv(c.fd, 0, 0, 0)
			sqe.Flags |= giouring.SqeBufferSelect
			sqe.BufIG = buffersGroupID
			b.setCallback(sqe, c)
		})
		return true
	case OpNetSend:
		c.pinner.Pin(&c.buf[0])
		b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareSend(c.fd, uintptr(unsafe.Pointer(&c.buf[0])), uint32(len(c.buf)), 0)
			b.setCallback(sqe, c)
		})
		return true
	case OpNetRecvFrom:
		c.peerBuf = make([]byte, unsafe.Sizeof(syscall.RawSockaddrInet6{}))
		msg := &syscall.Msghdr{
			Name:    &c.peerBuf[0],
			Namelen: uint32(len(c.peerBuf)),
			Iov:     &syscall.Iovec{Base: &c.buf[0]},
			Iovlen:  1,
		}
		msg.Iov.SetLen(len(c.buf))
		c.pinner.Pin(&c.peerBuf[0])
		c.pinner.Pin(&c.buf[0])
		c.pinner.Pin(msg.Iov)
		c.pinner.Pin(msg)
		b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareRecvmsg(c.fd, msg, 0)
			b.setCallback(sqe, c)
		})
		return true
	case OpNetSendTo:
		rawSa, _, err := toSyscallSockaddr(c.addr)
		if err != nil {
			c.setError(ErrAddressFamilyNotSupported, err)
			return false
		}
		namePtr, nameLen := sockaddrBytes(rawSa)
		msg := &syscall.Msghdr{
			Name:    namePtr,
			Namelen: uint32(nameLen),
			Iov:     &syscall.Iovec{Base: &c.buf[0]},
			Iovlen:  1,
		}
		msg.Iov.SetLen(len(c.buf))
		c.pinner.Pin(namePtr)
		c.pinner.Pin(&c.buf[0])
		c.pinner.Pin(msg.Iov)
		c.pinner.Pin(msg)
		b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareSendmsg(c.fd, msg, 0)
			b.setCallback(sqe, c)
		})
		return true
	case OpNetClose:
		if err := closeSocket(c.fd); err != nil {
			c.setError(classifyErr(err), err)
		} else {
			c.setOK()
		}
		return false
	case OpNetShutdown:
		if err := syscall.Shutdown(c.fd, syscall.SHUT_RDWR); err != nil {
			c.setError(classifyErr(err), err)
		} else {
			c.setOK()
		}
		return false
	case OpTimer:
		ts := syscall.NsecToTimespec(int64(time.Until(c.deadline)))
		b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareTimeout(&giouring.Timespec{Sec: ts.Sec, Nsec: ts.Nsec}, 0, 0)
			b.setCallback(sqe, c)
		})
		return true
	default:
		c.setError(ErrUnsupported, nil)
		return false
	}
}

func (b *ringBackend) submitAccept(c *Completion) {
	aw, ok := b.accepting[c.fd]
	if !ok {
		aw = &acceptWaiters{}
		b.accepting[c.fd] = aw
	}
	aw.waiting.push(c)
	if !aw.armed {
		aw.armed = true
		b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareMultishotAccept(c.fd, 0, 0, 0)
			sqe.UserData = b.acceptUserData(c.fd)
		})
	}
}

// acceptUserData reuses the low reserved ids, one per listening fd, so a
// multishot accept's CQEs route back without a callbacks map entry per
// connection.
func (b *ringBackend) acceptUserData(fd int) uint64 {
	return uint64(2) + uint64(fd)
}

func (b *ringBackend) deliverAccept(fd int, clientFd int32, err *Error) {
	aw, ok := b.accepting[fd]
	if !ok {
		return
	}
	c := aw.waiting.pop()
	if c == nil {
		return
	}
	if err != nil {
		c.setError(err.Kind, err.Raw)
	} else {
		c.setHandle(int(clientFd))
	}
	if c.Callback != nil {
		c.Callback(c.loop, c)
	}
}

// Cancel asks the kernel to cancel the SQE identified by target's
// user_data. The original SQE still completes through the normal CQE
// path — with -ECANCELED if the kernel's cancel wins the race — so
// Cancel never delivers target's callback itself, and always reports
// false: target's callback fires exactly once regardless, through the
// ordinary completion path, matching Loop.Cancel's contract for a
// non-winning cancel.
func (b *ringBackend) Cancel(target *Completion) bool {
	id, ok := target.internal.(uint64)
	if !ok {
		return false
	}
	b.prepare(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareCancel64(id, 0)
		sqe.UserData = math.MaxUint64 // fire-and-forget: the cancel op's own result is not surfaced
	})
	return false
}

func (b *ringBackend) Wake() {
	_ = b.submit()
}

func (b *ringBackend) WakeFromAnywhere() {
	var buf [8]byte
	buf[0] = 1
	_, _ = syscall.Write(b.wakeFD, buf[:])
}

func (b *ringBackend) Poll(timeout time.Duration) (bool, error) {
	waitNr := uint32(1)
	var ts syscall.Timespec
	var tsPtr *syscall.Timespec
	if timeout >= 0 {
		ts = syscall.NsecToTimespec(int64(timeout))
		tsPtr = &ts
	}
	if tsPtr != nil {
		if _, err := b.ring.WaitCQEs(1, &giouring.Timespec{Sec: tsPtr.Sec, Nsec: tsPtr.Nsec}, nil); err != nil {
			if errno, ok := err.(syscall.Errno); ok && (errno == syscall.EAGAIN || errno == syscall.ETIME) {
				b.flushCompletions()
				return true, nil
			}
			if errno, ok := err.(syscall.Errno); ok && isTemporary(errno) {
				// fall through to flush whatever arrived anyway
			} else if err != nil {
				return false, err
			}
		}
	} else {
		if err := b.submitAndWait(waitNr); err != nil {
			return false, err
		}
	}
	b.flushCompletions()
	return false, nil
}

func (b *ringBackend) flushCompletions() {
	var cqes [ringBatchSize]*giouring.CompletionQueueEvent
	for {
		peeked := b.ring.PeekBatchCQE(cqes[:])
		for _, cqe := range cqes[:peeked] {
			b.dispatch(cqe)
		}
		b.ring.CQAdvance(peeked)
		if peeked < uint32(len(cqes)) {
			return
		}
	}
}

func (b *ringBackend) dispatch(cqe *giouring.CompletionQueueEvent) {
	if cqe.UserData == wakeUserData {
		b.armWakeRead()
		return
	}
	if cqe.UserData >= 2 && cqe.UserData < math.MaxUint16 {
		fd := int(cqe.UserData - 2)
		var cerr *Error
		if cqe.Res < 0 {
			errno := syscall.Errno(-cqe.Res)
			cerr = errFromErrno(errno)
		}
		b.deliverAccept(fd, cqe.Res, cerr)
		if cqe.Flags&giouring.CQEFMore == 0 {
			if aw, ok := b.accepting[fd]; ok {
				aw.armed = false
			}
		}
		return
	}
	c, ok := b.callbacks[cqe.UserData]
	if !ok {
		slog.Debug("aio: cqe for unknown userdata", "user_data", cqe.UserData, "res", cqe.Res)
		return
	}
	if cqe.Flags&giouring.CQEFMore == 0 {
		delete(b.callbacks, cqe.UserData)
	}
	b.completeFromCQE(c, cqe)
	logCompletionError(c, c.res.err)
	if c.Callback != nil {
		c.Callback(c.loop, c)
	}
}

func (b *ringBackend) completeFromCQE(c *Completion, cqe *giouring.CompletionQueueEvent) {
	defer c.pinner.Unpin()
	if cqe.Res < 0 {
		errno := syscall.Errno(-cqe.Res)
		c.setError(translateErrno(errno), errno)
		if c.Op == OpNetRecv && cqe.Flags&giouring.CQEFBuffer != 0 {
			_, bufID := b.buffers.get(0, cqe.Flags)
			b.buffers.release(bufID)
		}
		return
	}
	switch c.Op {
	case OpNetOpen:
		c.setHandle(int(cqe.Res))
	case OpNetConnect, OpNetClose, OpNetShutdown, OpTimer:
		c.setOK()
	case OpNetRecv:
		buf, bufID := b.buffers.get(cqe.Res, cqe.Flags)
		n := copy(c.buf, buf)
		b.buffers.release(bufID)
		c.setN(n)
	case OpNetSend, OpNetSendTo:
		c.setN(int(cqe.Res))
	case OpNetRecvFrom:
		c.setRecvFrom(int(cqe.Res), decodeRawSockaddr(c.peerBuf))
	default:
		c.setOK()
	}
}

// decodeRawSockaddr reads the address family out of a raw sockaddr buffer
// (as filled in by recvmsg's name parameter) and builds the matching
// Sockaddr. Mirrors sockaddrBytes' encoding in reverse.
func decodeRawSockaddr(buf []byte) Sockaddr {
	if len(buf) < 2 {
		return nil
	}
	family := uint16(buf[0]) | uint16(buf[1])<<8
	switch family {
	case syscall.AF_INET:
		if len(buf) < int(unsafe.Sizeof(syscall.RawSockaddrInet4{})) {
			return nil
		}
		raw := (*syscall.RawSockaddrInet4)(unsafe.Pointer(&buf[0]))
		port := int(raw.Port[0])<<8 | int(raw.Port[1])
		return &SockaddrInet4{Port: port, Addr: raw.Addr}
	case syscall.AF_INET6:
		if len(buf) < int(unsafe.Sizeof(syscall.RawSockaddrInet6{})) {
			return nil
		}
		raw := (*syscall.RawSockaddrInet6)(unsafe.Pointer(&buf[0]))
		port := int(raw.Port[0])<<8 | int(raw.Port[1])
		return &SockaddrInet6{Port: port, Addr: raw.Addr, ZoneId: raw.Scope_id}
	default:
		return nil
	}
}

// bindInline/listenInline are synchronous syscalls performed directly
// from the loop goroutine, since io_uring has no bind/listen opcode.
func bindInline(fd int, sa Sockaddr) error {
	rawSa, _, err := toSyscallSockaddr(sa)
	if err != nil {
		return err
	}
	return syscall.Bind(fd, rawSa)
}

func listenInline(fd int, backlog int) error {
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, soReuseAddr, 1); err != nil {
		return err
	}
	return syscall.Listen(fd, backlog)
}

func sockaddrBytes(sa syscall.Sockaddr) (*byte, int) {
	switch a := sa.(type) {
	case *syscall.SockaddrInet4:
		raw := syscall.RawSockaddrInet4{Family: syscall.AF_INET}
		raw.Port[0] = byte(a.Port >> 8)
		raw.Port[1] = byte(a.Port)
		raw.Addr = a.Addr
		return (*byte)(unsafe.Pointer(&raw)), int(unsafe.Sizeof(raw))
	case *syscall.SockaddrInet6:
		raw := syscall.RawSockaddrInet6{Family: syscall.AF_INET6}
		raw.Port[0] = byte(a.Port >> 8)
		raw.Port[1] = byte(a.Port)
		raw.Addr = a.Addr
		raw.Scope_id = a.ZoneId
		return (*byte)(unsafe.Pointer(&raw)), int(unsafe.Sizeof(raw))
	default:
		return nil, 0
	}
}
