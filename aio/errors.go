package aio

import "fmt"

// ErrorKind is the normalized, platform-independent error taxonomy that
// every backend and OS shim translates raw syscall/OS errors into before
// storing them on a Completion's result.
type ErrorKind int

const (
	ErrUnexpected ErrorKind = iota
	ErrAccessDenied
	ErrPermissionDenied
	ErrSymLinkLoop
	ErrProcessFdQuotaExceeded
	ErrSystemFdQuotaExceeded
	ErrNoDevice
	ErrFileNotFound
	ErrNameTooLong
	ErrSystemResources
	ErrFileTooBig
	ErrIsDir
	ErrNoSpaceLeft
	ErrNotDir
	ErrPathAlreadyExists
	ErrDeviceBusy
	ErrFileBusy
	ErrBadPathName
	ErrWouldBlock
	ErrConnectionResetByPeer
	ErrConnectionTimedOut
	ErrInputOutput
	ErrOperationAborted
	ErrBrokenPipe
	ErrSocketNotConnected
	ErrNotOpenForReading
	ErrNotOpenForWriting
	ErrDiskQuota
	ErrLockViolation
	ErrUnknownHostName
	ErrTemporaryNameServerFailure
	ErrAddressFamilyNotSupported
	ErrServiceNotAvailableForSocketType
	ErrInvalidFlags
	ErrPermanentNameServerFailure
	ErrNameHasNoUsableAddress
	ErrCanceled
	ErrNoThreadPool
	ErrUnsupported
)

var errorKindNames = map[ErrorKind]string{
	ErrUnexpected:                       "Unexpected",
	ErrAccessDenied:                     "AccessDenied",
	ErrPermissionDenied:                 "PermissionDenied",
	ErrSymLinkLoop:                      "SymLinkLoop",
	ErrProcessFdQuotaExceeded:           "ProcessFdQuotaExceeded",
	ErrSystemFdQuotaExceeded:            "SystemFdQuotaExceeded",
	ErrNoDevice:                         "NoDevice",
	ErrFileNotFound:                     "FileNotFound",
	ErrNameTooLong:                      "NameTooLong",
	ErrSystemResources:                  "SystemResources",
	ErrFileTooBig:                       "FileTooBig",
	ErrIsDir:                            "IsDir",
	ErrNoSpaceLeft:                      "NoSpaceLeft",
	ErrNotDir:                           "NotDir",
	ErrPathAlreadyExists:                "PathAlreadyExists",
	ErrDeviceBusy:                       "DeviceBusy",
	ErrFileBusy:                         "FileBusy",
	ErrBadPathName:                      "BadPathName",
	ErrWouldBlock:                       "WouldBlock",
	ErrConnectionResetByPeer:            "ConnectionResetByPeer",
	ErrConnectionTimedOut:               "ConnectionTimedOut",
	ErrInputOutput:                      "InputOutput",
	ErrOperationAborted:                 "OperationAborted",
	ErrBrokenPipe:                       "BrokenPipe",
	ErrSocketNotConnected:               "SocketNotConnected",
	ErrNotOpenForReading:                "NotOpenForReading",
	ErrNotOpenForWriting:                "NotOpenForWriting",
	ErrDiskQuota:                        "DiskQuota",
	ErrLockViolation:                    "LockViolation",
	ErrUnknownHostName:                  "UnknownHostName",
	ErrTemporaryNameServerFailure:       "TemporaryNameServerFailure",
	ErrAddressFamilyNotSupported:        "AddressFamilyNotSupported",
	ErrServiceNotAvailableForSocketType: "ServiceNotAvailableForSocketType",
	ErrInvalidFlags:                     "InvalidFlags",
	ErrPermanentNameServerFailure:       "PermanentNameServerFailure",
	ErrNameHasNoUsableAddress:           "NameHasNoUsableAddress",
	ErrCanceled:                         "Canceled",
	ErrNoThreadPool:                     "NoThreadPool",
	ErrUnsupported:                      "Unsupported",
}

func (k ErrorKind) String() string {
	if s, ok := errorKindNames[k]; ok {
		return s
	}
	return "Unexpected"
}

// Error wraps a normalized ErrorKind together with the raw errno (if any)
// that produced it, so callers can still ask about temporariness without
// every backend re-deriving it from the raw code.
type Error struct {
	Kind ErrorKind
	Raw  error
}

func (e *Error) Error() string {
	if e.Raw != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Raw)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Raw }

// Canceled reports whether this error represents a canceled operation.
func (e *Error) Canceled() bool { return e.Kind == ErrCanceled }

func newError(kind ErrorKind, raw error) *Error {
	return &Error{Kind: kind, Raw: raw}
}
