//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package aio

import "golang.org/x/sys/unix"

// openFD, closeFD, readFD, writeFD, syncFD wrap the raw syscalls directly
// rather than going through *os.File, since the fd must outlive the
// caller's wrapper and os.File's finalizer would otherwise race us.

func openFD(path string, flags int, mode uint32) (int, error) {
	fd, err := unix.Open(path, flags, mode)
	if err != nil {
		return 0, err
	}
	return fd, nil
}

func closeFD(fd int) error {
	return unix.Close(fd)
}

func readFD(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func writeFD(fd int, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Write(fd, buf[total:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

func syncFD(fd int) error {
	return unix.Fsync(fd)
}
