//go:build linux

package aio

import "golang.org/x/sys/unix"

// createWakeFD opens a nonblocking eventfd used to interrupt a blocked
// io_uring wait from another goroutine, grounded on the reference
// poller pack's createWakeFd.
func createWakeFD() (int, error) {
	return unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
}
