package aio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// RunMode selects how long Run keeps the loop spinning.
type RunMode int

const (
	// RunOnce submits whatever is pending, waits for at least one
	// completion, dispatches it, and returns.
	RunOnce RunMode = iota
	// RunUntilDone loops until no completions remain outstanding
	// anywhere (backend or pool).
	RunUntilDone
	// RunNoWait submits pending work and drains whatever has already
	// completed, without blocking if nothing has.
	RunNoWait
)

// Loop is the single-threaded event loop: the goroutine that calls Run
// owns every field below except workCompletions, which the Pool also
// touches (hence its own mutex).
type Loop struct {
	backend Backend
	pool    *Pool

	outstanding int // completions submitted to the backend and not yet delivered

	// ready holds completions whose backend.Submit finished synchronously
	// (queued == false). Add() stages them here instead of invoking their
	// callback inline, so a callback that re-arms the next operation
	// (recv -> send -> recv, ...) never recurses through Add -> Submit ->
	// Callback -> Add on one goroutine's stack: drainReady only runs from
	// runOnce/RunCtx/Run(RunNoWait), one loop iteration after the
	// submission that filled it.
	ready queue

	workMu          sync.Mutex
	workCompletions queue

	stopped       atomic.Bool
	wakeRequested atomic.Bool
}

// New creates a Loop with its backend and thread pool initialized per
// opt, mirroring the teacher's New(Options) constructor.
func New(opt Options) (*Loop, error) {
	backend, err := newDefaultBackend(opt.Backend)
	if err != nil {
		return nil, err
	}
	if err := backend.Init(opt); err != nil {
		return nil, err
	}
	l := &Loop{backend: backend}
	if opt.PoolMaxThreads > 0 {
		l.pool = NewPool(opt.PoolMinThreads, opt.PoolMaxThreads)
	}
	return l, nil
}

// Add submits c to the loop. If c needs the thread pool (getaddrinfo,
// getnameinfo, or any file op the backend doesn't handle natively) and
// none is configured, its callback fires synchronously with
// ErrNoThreadPool, exactly as spec.md describes for that edge case.
func (l *Loop) Add(c *Completion) {
	c.storeState(statePending)
	c.loop = l

	if c.Op == OpCancel {
		target, _ := c.internal.(*Completion)
		c.storeState(stateCompleted)
		if target == nil {
			c.setError(ErrUnexpected, nil)
		} else {
			// The cancel request itself always succeeds once accepted:
			// whether target actually avoids running is a separate
			// outcome, observable only through target's own callback.
			l.Cancel(target)
			c.setOK()
		}
		if c.Callback != nil {
			c.Callback(l, c)
		}
		return
	}

	if l.needsPool(c) {
		if l.pool == nil {
			c.storeState(stateCompleted)
			c.setError(ErrNoThreadPool, nil)
			if c.Callback != nil {
				c.Callback(l, c)
			}
			return
		}
		if err := l.pool.Submit(c); err != nil {
			c.storeState(stateCompleted)
			c.setError(ErrNoThreadPool, nil)
			if c.Callback != nil {
				c.Callback(l, c)
			}
		}
		return
	}

	// Wrap the caller's callback so delivery (sync or async) always
	// retires this completion's outstanding count exactly once, whether
	// it's a backend dispatch loop or a direct inline call below.
	userCallback := c.Callback
	c.Callback = func(lp *Loop, cc *Completion) {
		lp.outstanding--
		if userCallback != nil {
			userCallback(lp, cc)
		}
	}
	l.outstanding++

	queued := l.backend.Submit(c)
	if !queued {
		c.storeState(stateCompleted)
		l.ready.push(c)
		return
	}
	c.storeState(stateRunning)
}

func (l *Loop) needsPool(c *Completion) bool {
	switch c.Op {
	case OpWork, OpNetGetAddrInfo, OpNetGetNameInfo:
		return true
	case OpFileOpen, OpFileClose, OpFileRead, OpFileWrite, OpFileSync, OpFileRename, OpFileDelete:
		return !l.backendHandlesFiles()
	default:
		return false
	}
}

// backendHandlesFiles reports whether the active backend can perform
// file operations itself. Only the completion-ring backend ever could
// (via IORING_OP_OPENAT/READ/WRITE/FSYNC), and only on kernels new
// enough to support them; detecting that at Init time is backend-
// internal plumbing this runtime doesn't yet wire up, so file ops always
// take the pool path — correct everywhere, just not maximally fast on a
// fully-capable io_uring kernel.
func (l *Loop) backendHandlesFiles() bool {
	return false
}

// Cancel requests cancellation of an in-flight completion, trying the
// pool first (blocking work) and falling back to the backend (async
// I/O), matching whichever one is holding it. Returns true only for the
// genuine pending->canceled win (target's callback will never fire);
// false means target's callback fires exactly once, with either success
// or a Canceled result. Since Loop.Add submits to the backend
// synchronously, a backend-held target is always already past pending
// by the time Cancel can observe it, so backend.Cancel never reports a
// true win — only Pool.Cancel can, racing a worker for still-queued
// work.
func (l *Loop) Cancel(target *Completion) bool {
	if l.pool != nil && l.pool.Cancel(target) {
		return true
	}
	return l.backend.Cancel(target)
}

// pushWorkCompletion is called by Pool goroutines once a work item has a
// result; it hands the Completion back to the loop goroutine, which
// drains workCompletions from runOnce/RunCtx.
func (l *Loop) pushWorkCompletion(c *Completion) {
	l.workMu.Lock()
	l.workCompletions.push(c)
	l.workMu.Unlock()
	l.wakeRequested.Store(true)
	l.backend.WakeFromAnywhere()
}

func (l *Loop) drainWorkCompletions() int {
	l.workMu.Lock()
	var items []*Completion
	l.workCompletions.drain(func(c *Completion) { items = append(items, c) })
	l.workMu.Unlock()
	for _, c := range items {
		if c.Callback != nil {
			c.Callback(l, c)
		}
	}
	return len(items)
}

// drainReady delivers every completion that finished synchronously since
// the last drain. It snapshots the queue into items before invoking any
// callback, so a callback that calls Add() and completes synchronously
// again only refills l.ready for the next drainReady call, never this one.
func (l *Loop) drainReady() int {
	var items []*Completion
	l.ready.drain(func(c *Completion) { items = append(items, c) })
	for _, c := range items {
		if c.Callback != nil {
			c.Callback(l, c)
		}
	}
	return len(items)
}

// runOnce submits pending work, waits for at least one event (from the
// backend or the pool), and dispatches whatever arrived. Grounded on the
// teacher's runOnce: submit-and-wait, then flush completions. When
// completions are already staged in l.ready, Poll is given a zero timeout
// instead of blocking indefinitely, since nothing further may ever arrive
// from the backend to wake it.
func (l *Loop) runOnce() error {
	timeout := time.Duration(-1)
	if l.ready.len() > 0 {
		timeout = 0
	}
	_, err := l.backend.Poll(timeout)
	l.drainWorkCompletions()
	l.drainReady()
	if err != nil {
		return err
	}
	return nil
}

// runUntilDone runs the loop until every outstanding backend completion
// and pool work item has been delivered. It makes no check for
// outstanding work that nothing is left to complete; in that case the
// blocking Poll in runOnce does not return.
func (l *Loop) runUntilDone() error {
	for {
		if l.outstanding == 0 && l.pendingPoolWork() == 0 {
			return nil
		}
		if err := l.runOnce(); err != nil {
			return err
		}
	}
}

func (l *Loop) pendingPoolWork() int {
	if l.pool == nil {
		return 0
	}
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	return l.pool.pending.len()
}

// RunCtx runs the loop until ctx is canceled, polling the backend at a
// fixed interval to notice cancellation, then drains remaining work.
// Grounded directly on the teacher's Run(ctx)/runCtx.
func (l *Loop) RunCtx(ctx context.Context, pollInterval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			l.stopped.Store(true)
			return l.runUntilDone()
		default:
		}
		timeout := pollInterval
		if l.ready.len() > 0 {
			timeout = 0
		}
		_, err := l.backend.Poll(timeout)
		l.drainWorkCompletions()
		l.drainReady()
		if err != nil {
			return err
		}
	}
}

// Run dispatches on mode: RunOnce performs exactly one wait-and-dispatch
// cycle, RunUntilDone drains everything outstanding, RunNoWait polls
// without blocking.
func (l *Loop) Run(mode RunMode) error {
	switch mode {
	case RunOnce:
		return l.runOnce()
	case RunUntilDone:
		return l.runUntilDone()
	case RunNoWait:
		_, err := l.backend.Poll(0)
		l.drainWorkCompletions()
		l.drainReady()
		return err
	default:
		return nil
	}
}

// Close releases the backend and stops the pool, waiting for in-flight
// pool work to finish (or be canceled) first.
func (l *Loop) Close() {
	if l.pool != nil {
		l.pool.Stop()
	}
	l.backend.Deinit()
}

// logCompletionError logs anything other than cancellation at Debug,
// never at a noisier level, matching the teacher's treatment of expected
// errors like ECANCELED.
func logCompletionError(c *Completion, err *Error) {
	if err == nil {
		return
	}
	if err.Kind == ErrCanceled {
		slog.Debug("aio: completion canceled", "op", c.Op.String())
		return
	}
	slog.Debug("aio: completion failed", "op", c.Op.String(), "kind", err.Kind.String(), "raw", err.Raw)
}
