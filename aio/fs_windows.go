//go:build windows

package aio

import "golang.org/x/sys/windows"

func openFD(path string, flags int, mode uint32) (int, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	h, err := windows.CreateFile(p,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_ALWAYS,
		windows.FILE_ATTRIBUTE_NORMAL,
		0)
	if err != nil {
		return 0, err
	}
	return int(h), nil
}

func closeFD(fd int) error {
	return windows.CloseHandle(windows.Handle(fd))
}

func readFD(fd int, buf []byte) (int, error) {
	var n uint32
	err := windows.ReadFile(windows.Handle(fd), buf, &n, nil)
	return int(n), err
}

func writeFD(fd int, buf []byte) (int, error) {
	var n uint32
	err := windows.WriteFile(windows.Handle(fd), buf, &n, nil)
	return int(n), err
}

func syncFD(fd int) error {
	return windows.FlushFileBuffers(windows.Handle(fd))
}
