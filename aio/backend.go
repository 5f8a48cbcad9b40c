package aio

import "time"

// BackendKind selects which Backend implementation a Loop uses.
type BackendKind int

const (
	// BackendAuto picks completion_ring on Linux, overlapped_port on
	// Windows, and readiness_poll everywhere else.
	BackendAuto BackendKind = iota
	BackendCompletionRing
	BackendOverlappedPort
	BackendReadinessPoll
)

func (k BackendKind) String() string {
	switch k {
	case BackendCompletionRing:
		return "completion_ring"
	case BackendOverlappedPort:
		return "overlapped_port"
	case BackendReadinessPoll:
		return "readiness_poll"
	default:
		return "auto"
	}
}

// Backend is the contract every platform implementation (completion-ring,
// overlapped-port, readiness-poll) satisfies. A Loop owns exactly one
// Backend for its lifetime, selected at Init time.
type Backend interface {
	// Init prepares the backend's OS resources (ring, IOCP handle, epoll/
	// kqueue fd). Called once, from the loop's owning goroutine.
	Init(opt Options) error

	// Deinit releases OS resources. Called once, from Loop.Close on the
	// loop's owning goroutine; in-flight backend completions are not
	// drained or canceled first.
	Deinit()

	// Submit hands c to the backend. Returns true if c was queued for
	// asynchronous delivery (its callback will fire from a later Poll),
	// false if c already completed inline (its result is set; the Loop
	// delivers the callback on its next drain of inline completions).
	Submit(c *Completion) bool

	// Poll blocks up to timeout waiting for completions, dispatching
	// each ready Completion's Callback before returning. A zero timeout
	// polls without blocking; a negative timeout blocks indefinitely
	// until at least one event (or a Wake) arrives.
	Poll(timeout time.Duration) (timedOut bool, err error)

	// Cancel requests best-effort cancellation of an in-flight
	// completion previously passed to Submit. Every backend returns
	// false: a target the backend still holds fires its callback exactly
	// once (normally with ErrCanceled), and one it has no record of is
	// left alone.
	Cancel(target *Completion) bool

	// Wake interrupts a Poll call blocked on this backend, from the same
	// goroutine that owns the loop (e.g. a nested callback re-arming
	// work). Always safe to call even when not blocked.
	Wake()

	// WakeFromAnywhere is the cross-thread variant of Wake, used by the
	// Pool to signal the loop goroutine that workCompletions has new
	// entries.
	WakeFromAnywhere()
}

// Options configures a Loop and its Backend. Mirrors the teacher's
// Options/DefaultOptions pattern.
type Options struct {
	// Backend selects which Backend implementation to use. BackendAuto
	// (the default) picks the best fit for the current OS.
	Backend BackendKind

	// Entries sizes the completion-ring backend's submission/completion
	// queues. Ignored by the other backends.
	Entries uint32

	// PoolMinThreads is the number of pool worker goroutines started
	// eagerly at Loop creation.
	PoolMinThreads int

	// PoolMaxThreads is the ceiling the pool grows to under load. Zero
	// disables the pool entirely; any Completion that would need it
	// fails with ErrNoThreadPool.
	PoolMaxThreads int

	// RecvBufferSize sizes each buffer in the completion-ring backend's
	// provided-buffer ring used for buffer-select recv.
	RecvBufferSize int

	// RecvBufferCount is the number of buffers in that ring.
	RecvBufferCount int
}

// DefaultOptions mirrors the teacher's conservative defaults: a modest
// ring/poll set size and a small but nonzero pool.
var DefaultOptions = Options{
	Backend:         BackendAuto,
	Entries:         256,
	PoolMinThreads:  1,
	PoolMaxThreads:  4,
	RecvBufferSize:  4096,
	RecvBufferCount: 64,
}
