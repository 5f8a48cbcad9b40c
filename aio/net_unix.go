//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package aio

import "syscall"

// toSyscallSockaddr converts our portable Sockaddr into the syscall
// package's representation, exactly the shape the teacher's listen/
// ParseIPPort functions already use.
func toSyscallSockaddr(sa Sockaddr) (syscall.Sockaddr, int, error) {
	switch a := sa.(type) {
	case *SockaddrInet4:
		return &syscall.SockaddrInet4{Port: a.Port, Addr: a.Addr}, syscall.AF_INET, nil
	case *SockaddrInet6:
		return &syscall.SockaddrInet6{Port: a.Port, Addr: a.Addr, ZoneId: a.ZoneId}, syscall.AF_INET6, nil
	case *SockaddrUnix:
		return &syscall.SockaddrUnix{Name: a.Name}, syscall.AF_UNIX, nil
	default:
		return nil, 0, newError(ErrAddressFamilyNotSupported, nil)
	}
}

func fromSyscallSockaddr(sa syscall.Sockaddr) Sockaddr {
	switch a := sa.(type) {
	case *syscall.SockaddrInet4:
		return &SockaddrInet4{Port: a.Port, Addr: a.Addr}
	case *syscall.SockaddrInet6:
		return &SockaddrInet6{Port: a.Port, Addr: a.Addr, ZoneId: a.ZoneId}
	case *syscall.SockaddrUnix:
		return &SockaddrUnix{Name: a.Name}
	default:
		return nil
	}
}

// openSocket creates a non-blocking socket of the given domain/type,
// ready to be associated with a backend.
func openSocket(domain, socketType int) (int, error) {
	fd, err := syscall.Socket(domain, socketType, 0)
	if err != nil {
		return 0, err
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return 0, err
	}
	return fd, nil
}

// bindAndListen binds fd to sa and marks it listening with the given
// backlog, setting SO_REUSEADDR/SO_REUSEPORT first, matching the
// teacher's listen() helper.
func bindAndListen(fd int, sa Sockaddr, backlog int) error {
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
	if err := syscall.Bind(fd, rawSa); err != nil {
		return err
	}
	return syscall.Listen(fd, backlog)
}

func getBoundAddr(fd int) (Sockaddr, error) {
	sa, err := syscall.Getsockname(fd)
	if err != nil {
		return nil, err
	}
	return fromSyscallSockaddr(sa), nil
}

func closeSocket(fd int) error {
	return syscall.Close(fd)
}
