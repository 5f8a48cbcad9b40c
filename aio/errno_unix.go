//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package aio

import "syscall"

// translateErrno maps a raw POSIX errno into the normalized ErrorKind
// taxonomy. Unrecognized codes fall through to ErrUnexpected, never panic.
func translateErrno(errno syscall.Errno) ErrorKind {
	switch errno {
	case 0:
		return ErrUnexpected
	case syscall.EACCES:
		return ErrAccessDenied
	case syscall.EPERM:
		return ErrPermissionDenied
	case syscall.ELOOP:
		return ErrSymLinkLoop
	case syscall.EMFILE:
		return ErrProcessFdQuotaExceeded
	case syscall.ENFILE:
		return ErrSystemFdQuotaExceeded
	case syscall.ENXIO, syscall.ENODEV:
		return ErrNoDevice
	case syscall.ENOENT:
		return ErrFileNotFound
	case syscall.ENAMETOOLONG:
		return ErrNameTooLong
	case syscall.ENOMEM, syscall.ENOBUFS:
		return ErrSystemResources
	case syscall.EFBIG:
		return ErrFileTooBig
	case syscall.EISDIR:
		return ErrIsDir
	case syscall.ENOSPC:
		return ErrNoSpaceLeft
	case syscall.ENOTDIR:
		return ErrNotDir
	case syscall.EEXIST:
		return ErrPathAlreadyExists
	case syscall.EBUSY:
		return ErrDeviceBusy
	case syscall.ETXTBSY:
		return ErrFileBusy
	case syscall.EINVAL:
		return ErrBadPathName
	case syscall.EAGAIN:
		return ErrWouldBlock
	case syscall.ECONNRESET:
		return ErrConnectionResetByPeer
	case syscall.ETIMEDOUT, syscall.ETIME:
		return ErrConnectionTimedOut
	case syscall.EIO:
		return ErrInputOutput
	case syscall.ECANCELED:
		return ErrCanceled
	case syscall.EPIPE:
		return ErrBrokenPipe
	case syscall.ENOTCONN:
		return ErrSocketNotConnected
	case syscall.EDQUOT:
		return ErrDiskQuota
	case syscall.EAFNOSUPPORT:
		return ErrAddressFamilyNotSupported
	case syscall.ESOCKTNOSUPPORT, syscall.EPROTONOSUPPORT:
		return ErrServiceNotAvailableForSocketType
	default:
		return ErrUnexpected
	}
}

// errFromErrno wraps a raw errno into an *Error, keeping the original
// value reachable via errors.Unwrap.
func errFromErrno(errno syscall.Errno) *Error {
	if errno == 0 {
		return nil
	}
	return newError(translateErrno(errno), errno)
}

// isTemporary mirrors the teacher's TemporaryError: codes worth retrying
// the submission for rather than surfacing to the caller.
func isTemporary(errno syscall.Errno) bool {
	return errno == syscall.EINTR || errno == syscall.EMFILE || errno == syscall.ENFILE || errno == syscall.ENOBUFS
}
