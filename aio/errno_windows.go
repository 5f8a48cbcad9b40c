//go:build windows

package aio

import (
	"syscall"
)

// translateErrno maps a raw Windows error code into the normalized
// ErrorKind taxonomy. Unrecognized codes fall through to ErrUnexpected.
func translateErrno(errno syscall.Errno) ErrorKind {
	switch errno {
	case 0:
		return ErrUnexpected
	case syscall.ERROR_ACCESS_DENIED:
		return ErrAccessDenied
	case syscall.ERROR_TOO_MANY_OPEN_FILES:
		return ErrSystemFdQuotaExceeded
	case syscall.ERROR_FILE_NOT_FOUND:
		return ErrFileNotFound
	case syscall.ERROR_PATH_NOT_FOUND:
		return ErrNotDir
	case syscall.ERROR_FILENAME_EXCED_RANGE:
		return ErrNameTooLong
	case syscall.ERROR_NOT_ENOUGH_MEMORY, syscall.ERROR_OUTOFMEMORY:
		return ErrSystemResources
	case syscall.ERROR_DISK_FULL:
		return ErrNoSpaceLeft
	case syscall.ERROR_FILE_EXISTS, syscall.ERROR_ALREADY_EXISTS:
		return ErrPathAlreadyExists
	case syscall.ERROR_BUSY:
		return ErrDeviceBusy
	case syscall.ERROR_SHARING_VIOLATION, syscall.ERROR_LOCK_VIOLATION:
		return ErrLockViolation
	case syscall.ERROR_INVALID_PARAMETER:
		return ErrBadPathName
	case syscall.WSAEWOULDBLOCK:
		return ErrWouldBlock
	case syscall.WSAECONNRESET:
		return ErrConnectionResetByPeer
	case syscall.WSAETIMEDOUT:
		return ErrConnectionTimedOut
	case syscall.ERROR_OPERATION_ABORTED:
		return ErrOperationAborted
	case syscall.ERROR_BROKEN_PIPE:
		return ErrBrokenPipe
	case syscall.WSAENOTCONN:
		return ErrSocketNotConnected
	case syscall.WSAEAFNOSUPPORT:
		return ErrAddressFamilyNotSupported
	case syscall.WSAESOCKTNOSUPPORT, syscall.WSAEPROTONOSUPPORT:
		return ErrServiceNotAvailableForSocketType
	default:
		return ErrUnexpected
	}
}

func errFromErrno(errno syscall.Errno) *Error {
	if errno == 0 {
		return nil
	}
	return newError(translateErrno(errno), errno)
}

// isTemporary reports codes worth retrying the submission for, mirroring
// the POSIX side's EINTR/EMFILE/ENFILE/ENOBUFS treatment.
func isTemporary(errno syscall.Errno) bool {
	return errno == syscall.WSAEINTR || errno == syscall.WSAEMFILE || errno == syscall.ERROR_NOT_ENOUGH_MEMORY
}
