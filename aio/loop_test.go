package aio

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	loop, err := New(Options{
		Backend:         BackendAuto,
		Entries:         64,
		PoolMinThreads:  1,
		PoolMaxThreads:  2,
		RecvBufferSize:  1024,
		RecvBufferCount: 8,
	})
	require.NoError(t, err)
	t.Cleanup(loop.Close)
	return loop
}

// runLoopInBackground drives loop until ctx is canceled, returning a
// function that cancels and waits for the goroutine to exit.
func runLoopInBackground(t *testing.T, loop *Loop) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.RunCtx(ctx, 5*time.Millisecond)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestSocketOpenClose(t *testing.T) {
	loop := newTestLoop(t)

	var openedFd int
	var openErr error
	loop.Add(NewSocket(syscall.AF_INET, syscall.SOCK_STREAM, func(_ *Loop, c *Completion) {
		openedFd, openErr = c.Handle()
	}, nil))
	require.NoError(t, loop.Run(RunUntilDone))
	require.NoError(t, openErr)
	require.NotZero(t, openedFd)

	var closeErr error
	loop.Add(NewNetClose(openedFd, func(_ *Loop, c *Completion) {
		closeErr = c.Err()
	}, nil))
	require.NoError(t, loop.Run(RunUntilDone))
	require.NoError(t, closeErr)
}

func bindListen(t *testing.T, loop *Loop, addr Sockaddr) int {
	t.Helper()
	domain := syscall.AF_INET
	if _, ok := addr.(*SockaddrUnix); ok {
		domain = syscall.AF_UNIX
	}

	var fd int
	var err error
	loop.Add(NewSocket(domain, syscall.SOCK_STREAM, func(_ *Loop, c *Completion) {
		fd, err = c.Handle()
	}, nil))
	require.NoError(t, loop.Run(RunUntilDone))
	require.NoError(t, err)

	var bindErr error
	loop.Add(NewBind(fd, addr, func(_ *Loop, c *Completion) { bindErr = c.Err() }, nil))
	require.NoError(t, loop.Run(RunUntilDone))
	require.NoError(t, bindErr)

	var listenErr error
	loop.Add(NewListen(fd, 128, func(_ *Loop, c *Completion) { listenErr = c.Err() }, nil))
	require.NoError(t, loop.Run(RunUntilDone))
	require.NoError(t, listenErr)

	return fd
}

// TestEchoIPv4 accepts one TCP connection and echoes whatever it receives
// back to the sender, driven against a real net.Dial client.
func TestEchoIPv4(t *testing.T) {
	loop := newTestLoop(t)

	listenFd := bindListen(t, loop, &SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}})
	bound, err := getBoundAddr(listenFd)
	require.NoError(t, err)
	port := bound.(*SockaddrInet4).Port

	var wg sync.WaitGroup
	wg.Add(1)
	var armRecv func(fd int)
	armRecv = func(fd int) {
		buf := make([]byte, 256)
		loop.Add(NewRecv(fd, buf, func(_ *Loop, c *Completion) {
			n, err := c.N()
			if err != nil || n == 0 {
				loop.Add(NewNetClose(fd, func(*Loop, *Completion) { wg.Done() }, nil))
				return
			}
			loop.Add(NewSend(fd, buf[:n], func(_ *Loop, c *Completion) {
				if _, err := c.N(); err != nil {
					return
				}
				armRecv(fd)
			}, nil))
		}, nil))
	}
	loop.Add(NewAccept(listenFd, func(_ *Loop, c *Completion) {
		fd, err := c.Handle()
		require.NoError(t, err)
		armRecv(fd)
	}, nil))

	stop := runLoopInBackground(t, loop)
	defer stop()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello echo"))
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = conn.Read(reply)
	require.NoError(t, err)
	require.Equal(t, "hello echo", string(reply))

	conn.Close()
	wg.Wait()
}

// TestEchoUnixSocket mirrors TestEchoIPv4 over a UNIX domain socket.
func TestEchoUnixSocket(t *testing.T) {
	loop := newTestLoop(t)

	sockPath := filepath.Join(t.TempDir(), "echo.sock")
	listenFd := bindListen(t, loop, &SockaddrUnix{Name: sockPath})

	var wg sync.WaitGroup
	wg.Add(1)
	loop.Add(NewAccept(listenFd, func(_ *Loop, c *Completion) {
		fd, err := c.Handle()
		require.NoError(t, err)
		buf := make([]byte, 64)
		loop.Add(NewRecv(fd, buf, func(_ *Loop, c *Completion) {
			n, err := c.N()
			require.NoError(t, err)
			loop.Add(NewSend(fd, buf[:n], func(_ *Loop, c *Completion) {
				_, err := c.N()
				require.NoError(t, err)
				loop.Add(NewNetClose(fd, func(*Loop, *Completion) { wg.Done() }, nil))
			}, nil))
		}, nil))
	}, nil))

	stop := runLoopInBackground(t, loop)
	defer stop()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	reply := make([]byte, 4)
	_, err = conn.Read(reply)
	require.NoError(t, err)
	require.Equal(t, "ping", string(reply))

	wg.Wait()
}

func TestGetAddrInfoLocalhost(t *testing.T) {
	loop := newTestLoop(t)

	var infos []AddrInfo
	var resErr error
	loop.Add(NewGetAddrInfo("localhost", "80", AddrInfoHints{}, 8, func(_ *Loop, c *Completion) {
		infos, resErr = c.AddrInfos()
	}, nil))
	require.NoError(t, loop.Run(RunUntilDone))
	require.NoError(t, resErr)
	require.NotEmpty(t, infos)
	for _, info := range infos {
		require.NotNil(t, info.Addr)
	}
}

func TestGetAddrInfoUnknownHost(t *testing.T) {
	loop := newTestLoop(t)

	var resErr error
	loop.Add(NewGetAddrInfo("this-host-does-not-exist.invalid", "80", AddrInfoHints{}, 8, func(_ *Loop, c *Completion) {
		_, resErr = c.AddrInfos()
	}, nil))
	require.NoError(t, loop.Run(RunUntilDone))
	require.Error(t, resErr)
	var aioErr *Error
	require.ErrorAs(t, resErr, &aioErr)
	require.Equal(t, ErrUnknownHostName, aioErr.Kind)
}

func TestGetNameInfoNumeric(t *testing.T) {
	loop := newTestLoop(t)

	var host, service string
	var resErr error
	loop.Add(NewGetNameInfo(&SockaddrInet4{Port: 8080, Addr: [4]byte{127, 0, 0, 1}}, 64, 32, func(_ *Loop, c *Completion) {
		host, service, resErr = c.NameInfo()
	}, nil))
	require.NoError(t, loop.Run(RunUntilDone))
	require.NoError(t, resErr)
	require.NotEmpty(t, host)
	require.NotEmpty(t, service)
}

// TestGetAddrInfoNoThreadPool checks that a pool-dependent op fails
// immediately with ErrNoThreadPool when PoolMaxThreads is zero.
func TestGetAddrInfoNoThreadPool(t *testing.T) {
	loop, err := New(Options{Backend: BackendAuto, Entries: 64, RecvBufferSize: 1024, RecvBufferCount: 8})
	require.NoError(t, err)
	defer loop.Close()

	var resErr error
	loop.Add(NewGetAddrInfo("localhost", "80", AddrInfoHints{}, 4, func(_ *Loop, c *Completion) {
		_, resErr = c.AddrInfos()
	}, nil))
	require.Error(t, resErr)
	var aioErr *Error
	require.ErrorAs(t, resErr, &aioErr)
	require.Equal(t, ErrNoThreadPool, aioErr.Kind)
}

func TestFileReadWrite(t *testing.T) {
	loop := newTestLoop(t)

	path := filepath.Join(t.TempDir(), "data.txt")
	var fd int
	var openErr error
	loop.Add(NewFileOpen(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600, func(_ *Loop, c *Completion) {
		fd, openErr = c.Handle()
	}, nil))
	require.NoError(t, loop.Run(RunUntilDone))
	require.NoError(t, openErr)

	var writeErr error
	loop.Add(NewFileWrite(fd, []byte("payload"), func(_ *Loop, c *Completion) {
		_, writeErr = c.N()
	}, nil))
	require.NoError(t, loop.Run(RunUntilDone))
	require.NoError(t, writeErr)

	var syncErr error
	loop.Add(NewFileSync(fd, func(_ *Loop, c *Completion) { syncErr = c.Err() }, nil))
	require.NoError(t, loop.Run(RunUntilDone))
	require.NoError(t, syncErr)

	var closeErr error
	loop.Add(NewFileClose(fd, func(_ *Loop, c *Completion) { closeErr = c.Err() }, nil))
	require.NoError(t, loop.Run(RunUntilDone))
	require.NoError(t, closeErr)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "payload", string(contents))
}

// TestCancelTimer exercises the backend.Cancel path: the timer is already
// past pending by the time Cancel can reach it, so it can never win a true
// pending->canceled race. Its callback still fires once with ErrCanceled:
// through the kernel-canceled CQE on the ring backend, or directly after
// removal from the timer queue on the poll and IOCP backends. The cancel
// completion itself still reports success: the request was accepted,
// regardless of that outcome.
func TestCancelTimer(t *testing.T) {
	loop := newTestLoop(t)

	var timerFired bool
	var timerErr error
	timer := NewTimer(time.Hour, func(_ *Loop, c *Completion) {
		timerFired = true
		timerErr = c.Err()
	}, nil)
	loop.Add(timer)

	var cancelErr error
	loop.Add(NewCancel(timer, func(_ *Loop, c *Completion) {
		cancelErr = c.Err()
	}, nil))

	require.NoError(t, loop.Run(RunUntilDone))
	require.NoError(t, cancelErr)
	require.True(t, timerFired)
	require.Error(t, timerErr)
	var aioErr *Error
	require.ErrorAs(t, timerErr, &aioErr)
	require.Equal(t, ErrCanceled, aioErr.Kind)
}

// TestCancelPoolWorkBeforeRun exercises the Pool.Cancel true-win path:
// with no workers started yet, canceling immediately after Add races a
// freshly spawned worker for the same item and, winning, must leave the
// work's callback never invoked (P3: true cancel, silent completion).
func TestCancelPoolWorkBeforeRun(t *testing.T) {
	loop, err := New(Options{Backend: BackendAuto, Entries: 64, PoolMinThreads: 0, PoolMaxThreads: 1, RecvBufferSize: 1024, RecvBufferCount: 8})
	require.NoError(t, err)
	defer loop.Close()

	var ran bool
	work := NewWork(func() (int, error) {
		ran = true
		return 0, nil
	}, func(*Loop, *Completion) {
		t.Fatal("canceled work's callback must never fire")
	}, nil)
	loop.Add(work)

	won := loop.Cancel(work)
	if !won {
		t.Skip("worker claimed the item before cancel could win the race")
	}
	require.False(t, ran)
	require.Equal(t, "canceled", work.State())
}
