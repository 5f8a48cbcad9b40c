package aio

import (
	"errors"
	"net"
	"os"
	"strconv"
	"syscall"
)

// execWork performs the blocking work described by c synchronously, on
// whatever pool goroutine is currently running it, and stores the result
// on c via the set* helpers. Called only from Pool.run.
func execWork(c *Completion) {
	switch c.Op {
	case OpWork:
		n, err := c.workFunc()
		if err != nil {
			c.setError(classifyErr(err), err)
			return
		}
		c.setN(n)
	case OpNetGetAddrInfo:
		execGetAddrInfo(c)
	case OpNetGetNameInfo:
		execGetNameInfo(c)
	case OpFileOpen:
		execFileOpen(c)
	case OpFileClose:
		execFileClose(c)
	case OpFileRead:
		execFileRead(c)
	case OpFileWrite:
		execFileWrite(c)
	case OpFileSync:
		execFileSync(c)
	case OpFileRename:
		execFileRename(c)
	case OpFileDelete:
		execFileDelete(c)
	default:
		c.setError(ErrUnsupported, nil)
	}
}

// classifyErr recovers a syscall.Errno from a wrapped stdlib error (os,
// net errors all wrap one at the bottom) and translates it; anything else
// becomes ErrUnexpected.
func classifyErr(err error) ErrorKind {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return translateErrno(errno)
	}
	return ErrUnexpected
}

func execGetAddrInfo(c *Completion) {
	ips, err := net.LookupIP(c.host)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			if dnsErr.IsNotFound {
				c.setError(ErrUnknownHostName, err)
				return
			}
			if dnsErr.IsTemporary || dnsErr.IsTimeout {
				c.setError(ErrTemporaryNameServerFailure, err)
				return
			}
		}
		c.setError(ErrPermanentNameServerFailure, err)
		return
	}
	port := 0
	if c.service != "" {
		if p, err := strconv.Atoi(c.service); err == nil {
			port = p
		} else if p, err := net.LookupPort("tcp", c.service); err == nil {
			port = p
		}
	}
	infos := make([]AddrInfo, 0, c.addrInfoN)
	for _, ip := range ips {
		if len(infos) >= c.addrInfoN {
			break
		}
		if ip4 := ip.To4(); ip4 != nil {
			if c.domain != 0 && c.domain != syscall.AF_INET {
				continue
			}
			infos = append(infos, AddrInfo{
				Family:   2, // AF_INET, kept numeric to avoid a platform import here
				SockType: c.socketType,
				Protocol: c.flags,
				Addr:     &SockaddrInet4{Port: port, Addr: [4]byte(ip4)},
			})
			continue
		}
		ip16 := ip.To16()
		if ip16 == nil || (c.domain != 0 && c.domain != syscall.AF_INET6) {
			continue
		}
		infos = append(infos, AddrInfo{
			Family:   10, // AF_INET6
			SockType: c.socketType,
			Protocol: c.flags,
			Addr:     &SockaddrInet6{Port: port, Addr: [16]byte(ip16)},
		})
	}
	if len(infos) == 0 {
		c.setError(ErrNameHasNoUsableAddress, nil)
		return
	}
	c.setAddrInfos(infos)
}

func execGetNameInfo(c *Completion) {
	host := SockaddrString(c.addr)
	ip, _, err := net.SplitHostPort(host)
	if err != nil {
		ip = host
	}
	names, err := net.LookupAddr(ip)
	resolvedHost := ip
	if err == nil && len(names) > 0 {
		resolvedHost = names[0]
	}
	var port string
	switch a := c.addr.(type) {
	case *SockaddrInet4:
		port = strconv.Itoa(a.Port)
	case *SockaddrInet6:
		port = strconv.Itoa(a.Port)
	}
	if len(resolvedHost) > len(c.hostBuf) {
		c.setError(ErrNameTooLong, nil)
		return
	}
	if len(port) > len(c.svcBuf) {
		c.setError(ErrNameTooLong, nil)
		return
	}
	c.setNameInfo(resolvedHost, port)
}

func execFileOpen(c *Completion) {
	fd, err := openFD(c.path, c.flags, c.mode)
	if err != nil {
		c.setError(classifyErr(err), err)
		return
	}
	c.setHandle(fd)
}

func execFileClose(c *Completion) {
	if err := closeFD(c.fd); err != nil {
		c.setError(classifyErr(err), err)
		return
	}
	c.setOK()
}

func execFileRead(c *Completion) {
	n, err := readFD(c.fd, c.buf)
	if err != nil {
		c.setError(classifyErr(err), err)
		return
	}
	c.setN(n)
}

func execFileWrite(c *Completion) {
	n, err := writeFD(c.fd, c.buf)
	if err != nil {
		c.setError(classifyErr(err), err)
		return
	}
	c.setN(n)
}

func execFileSync(c *Completion) {
	if err := syncFD(c.fd); err != nil {
		c.setError(classifyErr(err), err)
		return
	}
	c.setOK()
}

func execFileRename(c *Completion) {
	if err := os.Rename(c.path, c.host); err != nil {
		c.setError(classifyErr(err), err)
		return
	}
	c.setOK()
}

func execFileDelete(c *Completion) {
	if err := os.Remove(c.path); err != nil {
		c.setError(classifyErr(err), err)
		return
	}
	c.setOK()
}
