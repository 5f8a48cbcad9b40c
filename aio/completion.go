package aio

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Op is the closed set of operation kinds a Completion may describe.
type Op int

const (
	OpTimer Op = iota
	OpWake
	OpWork
	OpCancel
	OpNetOpen
	OpNetBind
	OpNetListen
	OpNetAccept
	OpNetConnect
	OpNetRecv
	OpNetSend
	OpNetRecvFrom
	OpNetSendTo
	OpNetClose
	OpNetShutdown
	OpNetGetAddrInfo
	OpNetGetNameInfo
	OpFileOpen
	OpFileClose
	OpFileRead
	OpFileWrite
	OpFileSync
	OpFileRename
	OpFileDelete
)

var opNames = [...]string{
	"timer", "wake", "work", "cancel",
	"net-open", "net-bind", "net-listen", "net-accept", "net-connect",
	"net-recv", "net-send", "net-recvfrom", "net-sendto", "net-close",
	"net-shutdown", "net-getaddrinfo", "net-getnameinfo",
	"file-open", "file-close", "file-read", "file-write", "file-sync",
	"file-rename", "file-delete",
}

func (op Op) String() string {
	if int(op) >= 0 && int(op) < len(opNames) {
		return opNames[op]
	}
	return "unknown"
}

type state int32

const (
	statePending state = iota
	stateRunning
	stateCompleted
	stateCanceled
)

// AddrInfo mirrors one getaddrinfo result: an address family/socktype tuple
// plus the resolved address as a portable Sockaddr.
type AddrInfo struct {
	Family   int
	SockType int
	Protocol int
	Addr     Sockaddr
}

// result is the tagged union of everything an operation can produce,
// keyed by the owning Completion's Op. Only the fields relevant to Op are
// meaningful; GetResult-style accessors assert Op before reading them.
type result struct {
	err       *Error
	handle    int        // fd/socket handle (net-open, accept, file-open)
	n         int        // byte count (read/write/recv/send/sendto/recvfrom)
	fromAddr  Sockaddr   // recvfrom source address
	addrInfos []AddrInfo // getaddrinfo output, truncated to caller's buffer
	host      string     // getnameinfo output
	service   string     // getnameinfo output
}

// Completion is a caller-owned descriptor of one pending async operation.
// It is exclusively owned by the caller until passed to Loop.Add, at which
// point the loop and its backend borrow it until the callback fires.
type Completion struct {
	Op       Op
	UserData any
	Callback func(*Loop, *Completion)

	// operation parameters, set by the New* constructors below.
	fd         int
	path       string
	flags      int
	mode       uint32
	buf        []byte
	bufs       [][]byte
	addr       Sockaddr
	deadline   time.Time
	domain     int
	socketType int
	host       string
	service    string
	hostBuf    []byte
	svcBuf     []byte
	addrInfoN  int // capacity of caller-supplied AddrInfo buffer
	workFunc   func() (int, error)
	peerBuf    []byte // raw sockaddr scratch for net-recvfrom (ring backend's recvmsg name buffer)
	connAddr   []byte // raw sockaddr scratch for net-connect (IOCP backend's ConnectEx remote address)

	state     atomic.Int32
	hasResult bool
	res       result

	internal any      // backend-specific scratch (OVERLAPPED, SQE bookkeeping, ...)
	loop      *Loop    // set by Loop.Add; a pool worker uses it to hand the result back
	next      *Completion
	pinner    runtime.Pinner
}

func (c *Completion) loadState() state  { return state(c.state.Load()) }
func (c *Completion) storeState(s state) { c.state.Store(int32(s)) }

// casState attempts an atomic from->to transition, returning whether it won.
func (c *Completion) casState(from, to state) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// State reports the current lifecycle state of the completion.
func (c *Completion) State() string {
	switch c.loadState() {
	case statePending:
		return "pending"
	case stateRunning:
		return "running"
	case stateCompleted:
		return "completed"
	case stateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (c *Completion) setError(kind ErrorKind, raw error) {
	c.res = result{err: newError(kind, raw)}
	c.hasResult = true
}

func (c *Completion) setHandle(h int) {
	c.res = result{handle: h}
	c.hasResult = true
}

func (c *Completion) setN(n int) {
	c.res = result{n: n}
	c.hasResult = true
}

func (c *Completion) setRecvFrom(n int, from Sockaddr) {
	c.res = result{n: n, fromAddr: from}
	c.hasResult = true
}

func (c *Completion) setAddrInfos(infos []AddrInfo) {
	c.res = result{addrInfos: infos}
	c.hasResult = true
}

func (c *Completion) setNameInfo(host, service string) {
	c.res = result{host: host, service: service}
	c.hasResult = true
}

func (c *Completion) setOK() {
	c.res = result{}
	c.hasResult = true
}

// requireOp panics if c.Op is not one of expected; mirrors spec.md's
// getResult op-tag check.
func (c *Completion) requireOp(expected ...Op) {
	for _, op := range expected {
		if c.Op == op {
			return
		}
	}
	panic("aio: getResult called with op " + c.Op.String() + " not matching expected op(s)")
}

func (c *Completion) requireResult() {
	if !c.hasResult {
		panic("aio: getResult called before completion has a result")
	}
}

// Handle returns the fd/socket-handle result of an open/socket/accept
// operation. A connect creates no socket and reports handle 0.
func (c *Completion) Handle() (int, error) {
	c.requireOp(OpNetOpen, OpNetAccept, OpNetConnect, OpFileOpen)
	c.requireResult()
	if c.res.err != nil {
		return 0, c.res.err
	}
	return c.res.handle, nil
}

// N returns the byte-count result of a read/write/recv/send operation, or
// the count returned by a work function.
func (c *Completion) N() (int, error) {
	c.requireOp(OpNetRecv, OpNetSend, OpNetSendTo, OpFileRead, OpFileWrite, OpWork)
	c.requireResult()
	if c.res.err != nil {
		return 0, c.res.err
	}
	return c.res.n, nil
}

// RecvFrom returns the byte-count and source address of a recvfrom.
func (c *Completion) RecvFrom() (int, Sockaddr, error) {
	c.requireOp(OpNetRecvFrom)
	c.requireResult()
	if c.res.err != nil {
		return 0, nil, c.res.err
	}
	return c.res.n, c.res.fromAddr, nil
}

// AddrInfos returns the resolved records of a getaddrinfo operation.
func (c *Completion) AddrInfos() ([]AddrInfo, error) {
	c.requireOp(OpNetGetAddrInfo)
	c.requireResult()
	if c.res.err != nil {
		return nil, c.res.err
	}
	return c.res.addrInfos, nil
}

// NameInfo returns the host/service strings of a getnameinfo operation.
func (c *Completion) NameInfo() (host, service string, err error) {
	c.requireOp(OpNetGetNameInfo)
	c.requireResult()
	if c.res.err != nil {
		return "", "", c.res.err
	}
	return c.res.host, c.res.service, nil
}

// Err returns the plain success/failure of operations with no payload
// (bind, listen, close, shutdown, file-sync, file-rename, file-delete,
// cancel, timer, wake).
func (c *Completion) Err() error {
	c.requireResult()
	if c.res.err != nil {
		return c.res.err
	}
	return nil
}

// --- constructors -----------------------------------------------------

func newCompletion(op Op, cb func(*Loop, *Completion), userdata any) *Completion {
	c := &Completion{Op: op, Callback: cb, UserData: userdata}
	c.storeState(statePending)
	return c
}

// NewTimer arms a one-shot timer completion that fires after d.
func NewTimer(d time.Duration, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpTimer, cb, userdata)
	c.deadline = time.Now().Add(d)
	return c
}

// NewWork submits fn to run on the thread pool, reporting its byte-count-
// shaped return value (callers that don't need a count can ignore it).
func NewWork(fn func() (int, error), cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpWork, cb, userdata)
	c.workFunc = fn
	return c
}

// NewCancel requests best-effort cancellation of target.
func NewCancel(target *Completion, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpCancel, cb, userdata)
	c.internal = target
	return c
}

// NewSocket opens a new socket of the given domain/type (net-open).
func NewSocket(domain, socketType int, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpNetOpen, cb, userdata)
	c.domain = domain
	c.socketType = socketType
	return c
}

// NewBind binds fd to addr (synchronous op, completes inline).
func NewBind(fd int, addr Sockaddr, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpNetBind, cb, userdata)
	c.fd = fd
	c.addr = addr
	return c
}

// NewListen marks fd listening with the given backlog (synchronous op).
func NewListen(fd int, backlog int, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpNetListen, cb, userdata)
	c.fd = fd
	c.flags = backlog
	return c
}

// NewAccept accepts one connection on listening fd. Repeated use (e.g.
// multishot on the ring backend) is backend-defined; see spec §4.5.1.
func NewAccept(fd int, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpNetAccept, cb, userdata)
	c.fd = fd
	return c
}

// NewConnect connects fd to addr.
func NewConnect(fd int, addr Sockaddr, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpNetConnect, cb, userdata)
	c.fd = fd
	c.addr = addr
	return c
}

// NewRecv reads into buf from fd. buf must remain valid and immovable
// until the callback fires.
func NewRecv(fd int, buf []byte, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpNetRecv, cb, userdata)
	c.fd = fd
	c.buf = buf
	return c
}

// NewSend writes buf to fd.
func NewSend(fd int, buf []byte, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpNetSend, cb, userdata)
	c.fd = fd
	c.buf = buf
	return c
}

// NewRecvFrom reads a datagram into buf from fd, reporting the sender.
func NewRecvFrom(fd int, buf []byte, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpNetRecvFrom, cb, userdata)
	c.fd = fd
	c.buf = buf
	return c
}

// NewSendTo writes buf as one datagram to addr via fd.
func NewSendTo(fd int, buf []byte, addr Sockaddr, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpNetSendTo, cb, userdata)
	c.fd = fd
	c.buf = buf
	c.addr = addr
	return c
}

// NewNetClose closes a socket fd (synchronous op).
func NewNetClose(fd int, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpNetClose, cb, userdata)
	c.fd = fd
	return c
}

// NewShutdown shuts down both directions of fd (synchronous op).
func NewShutdown(fd int, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpNetShutdown, cb, userdata)
	c.fd = fd
	return c
}

// AddrInfoHints narrows a getaddrinfo lookup.
type AddrInfoHints struct {
	Family   int
	SockType int
	Protocol int
}

// NewGetAddrInfo resolves host/service into at most maxResults AddrInfo
// records. Completes on the thread pool; fails with ErrNoThreadPool at
// submission time if the owning Loop has none.
func NewGetAddrInfo(host, service string, hints AddrInfoHints, maxResults int, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpNetGetAddrInfo, cb, userdata)
	c.host = host
	c.service = service
	c.domain = hints.Family
	c.socketType = hints.SockType
	c.flags = hints.Protocol
	c.addrInfoN = maxResults
	return c
}

// NewGetNameInfo reverse-resolves addr into host/service strings of at
// most hostBufLen/svcBufLen bytes; a longer result fails with
// ErrNameTooLong.
func NewGetNameInfo(addr Sockaddr, hostBufLen, svcBufLen int, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpNetGetNameInfo, cb, userdata)
	c.addr = addr
	c.hostBuf = make([]byte, hostBufLen)
	c.svcBuf = make([]byte, svcBufLen)
	return c
}

// NewFileOpen opens path with flags/mode. Always dispatched via the thread
// pool, on every backend.
func NewFileOpen(path string, flags int, mode uint32, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpFileOpen, cb, userdata)
	c.path = path
	c.flags = flags
	c.mode = mode
	return c
}

// NewFileClose closes a file handle.
func NewFileClose(fd int, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpFileClose, cb, userdata)
	c.fd = fd
	return c
}

// NewFileRead reads from fd into buf.
func NewFileRead(fd int, buf []byte, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpFileRead, cb, userdata)
	c.fd = fd
	c.buf = buf
	return c
}

// NewFileWrite writes buf to fd.
func NewFileWrite(fd int, buf []byte, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpFileWrite, cb, userdata)
	c.fd = fd
	c.buf = buf
	return c
}

// NewFileSync flushes fd to stable storage.
func NewFileSync(fd int, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpFileSync, cb, userdata)
	c.fd = fd
	return c
}

// NewFileRename renames oldPath to newPath.
func NewFileRename(oldPath, newPath string, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpFileRename, cb, userdata)
	c.path = oldPath
	c.host = newPath // reuse an unused string slot rather than adding a field
	return c
}

// NewFileDelete removes path.
func NewFileDelete(path string, cb func(*Loop, *Completion), userdata any) *Completion {
	c := newCompletion(OpFileDelete, cb, userdata)
	c.path = path
	return c
}
