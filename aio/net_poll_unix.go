//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package aio

import "syscall"

func wouldBlock(err error) bool {
	errno, ok := err.(syscall.Errno)
	return ok && (errno == syscall.EAGAIN || errno == syscall.EWOULDBLOCK)
}

func acceptNonblock(fd int) (int, Sockaddr, error) {
	nfd, sa, err := syscall.Accept(fd)
	if err != nil {
		return 0, nil, err
	}
	if err := syscall.SetNonblock(nfd, true); err != nil {
		syscall.Close(nfd)
		return 0, nil, err
	}
	return nfd, fromSyscallSockaddr(sa), nil
}

func connectNonblock(fd int, sa Sockaddr) error {
	rawSa, _, err := toSyscallSockaddr(sa)
	if err != nil {
		return err
	}
	return syscall.Connect(fd, rawSa)
}

// connectCompleteErr checks SO_ERROR after a connect's fd becomes
// writable, the standard non-blocking-connect completion check.
func connectCompleteErr(fd int) error {
	errno, err := syscall.GetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return syscall.Errno(errno)
	}
	return nil
}

func recvNonblock(fd int, buf []byte) (int, error) {
	return syscall.Read(fd, buf)
}

func sendNonblock(fd int, buf []byte) (int, error) {
	return syscall.Write(fd, buf)
}

func recvFromNonblock(fd int, buf []byte) (int, Sockaddr, error) {
	n, from, err := syscall.Recvfrom(fd, buf, 0)
	if err != nil {
		return 0, nil, err
	}
	return n, fromSyscallSockaddr(from), nil
}

func sendToNonblock(fd int, buf []byte, addr Sockaddr) (int, error) {
	rawSa, _, err := toSyscallSockaddr(addr)
	if err != nil {
		return 0, err
	}
	if err := syscall.Sendto(fd, buf, 0, rawSa); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func bindAndListen0(fd int, sa Sockaddr) error {
	rawSa, _, err := toSyscallSockaddr(sa)
	if err != nil {
		return err
	}
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, soReuseAddr, 1); err != nil {
		return err
	}
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, soReusePort, 1); err != nil {
		return err
	}
	return syscall.Bind(fd, rawSa)
}

func listenOnly(fd int, backlog int) error {
	return syscall.Listen(fd, backlog)
}

// selfPipe opens a non-blocking pipe used as the cross-thread wake
// primitive for the readiness-poll backend, on every POSIX target
// including Linux (the Linux completion-ring backend instead gets its own
// eventfd wake via wake_linux.go).
func selfPipe() (r int, w int, err error) {
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	if err := syscall.SetNonblock(fds[0], true); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return 0, 0, err
	}
	if err := syscall.SetNonblock(fds[1], true); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return 0, 0, err
	}
	syscall.CloseOnExec(fds[0])
	syscall.CloseOnExec(fds[1])
	return fds[0], fds[1], nil
}

func drainSelfPipe(fd int) {
	var buf [64]byte
	for {
		n, err := syscall.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}
