// Command echo is a minimal TCP echo server built directly on the aio
// Completion API, replacing the higher-level TCPConn/TCPListener demo
// this package no longer carries.
package main

import (
	"log/slog"
	"time"

	"github.com/lalinsky/zevent-go/aio"
	"github.com/lalinsky/zevent-go/aio/rtsignal"
)

func main() {
	if err := run(4242); err != nil {
		slog.Error("run", "error", err)
	}
}

func run(port int) error {
	slog.Debug("starting server", "port", port)
	opt := aio.DefaultOptions
	lp, err := aio.New(opt)
	if err != nil {
		return err
	}
	defer lp.Close()

	listenFd, err := listen(lp, port)
	if err != nil {
		return err
	}

	armAccept(lp, listenFd)

	ctx := rtsignal.InterruptContext()
	if err := lp.RunCtx(ctx, time.Second); err != nil {
		return err
	}
	return lp.Run(aio.RunUntilDone)
}

// listen synchronously opens, binds, and listens on port, since bind and
// listen are never asynchronous operations in this runtime.
func listen(lp *aio.Loop, port int) (int, error) {
	var openedFd int
	var openErr error
	lp.Add(aio.NewSocket(2 /* AF_INET */, 1 /* SOCK_STREAM */, func(_ *aio.Loop, c *aio.Completion) {
		openedFd, openErr = c.Handle()
	}, nil))
	if err := lp.Run(aio.RunOnce); err != nil {
		return 0, err
	}
	if openErr != nil {
		return 0, openErr
	}

	addr := &aio.SockaddrInet4{Port: port}
	var bindErr error
	lp.Add(aio.NewBind(openedFd, addr, func(_ *aio.Loop, c *aio.Completion) {
		bindErr = c.Err()
	}, nil))
	if err := lp.Run(aio.RunOnce); err != nil {
		return 0, err
	}
	if bindErr != nil {
		return 0, bindErr
	}

	var listenErr error
	lp.Add(aio.NewListen(openedFd, 128, func(_ *aio.Loop, c *aio.Completion) {
		listenErr = c.Err()
	}, nil))
	if err := lp.Run(aio.RunOnce); err != nil {
		return 0, err
	}
	if listenErr != nil {
		return 0, listenErr
	}
	return openedFd, nil
}

func armAccept(lp *aio.Loop, listenFd int) {
	lp.Add(aio.NewAccept(listenFd, func(_ *aio.Loop, c *aio.Completion) {
		defer armAccept(lp, listenFd) // keep accepting
		fd, err := c.Handle()
		if err != nil {
			slog.Debug("accept failed", "error", err)
			return
		}
		slog.Debug("accepted", "fd", fd)
		armRecv(lp, fd)
	}, nil))
}

func armRecv(lp *aio.Loop, fd int) {
	buf := make([]byte, 4096)
	lp.Add(aio.NewRecv(fd, buf, func(_ *aio.Loop, c *aio.Completion) {
		n, err := c.N()
		if err != nil || n == 0 {
			lp.Add(aio.NewNetClose(fd, func(*aio.Loop, *aio.Completion) {
				slog.Debug("closed", "fd", fd)
			}, nil))
			return
		}
		slog.Debug("received", "fd", fd, "len", n)
		echo(lp, fd, buf[:n])
	}, nil))
}

func echo(lp *aio.Loop, fd int, data []byte) {
	lp.Add(aio.NewSend(fd, data, func(_ *aio.Loop, c *aio.Completion) {
		if _, err := c.N(); err != nil {
			slog.Debug("send failed", "fd", fd, "error", err)
			return
		}
		armRecv(lp, fd)
	}, nil))
}
