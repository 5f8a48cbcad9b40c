//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package aio

import "golang.org/x/sys/unix"

const (
	soReuseAddr = unix.SO_REUSEADDR
	soReusePort = unix.SO_REUSEPORT
)
