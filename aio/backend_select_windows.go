//go:build windows

package aio

import "fmt"

// newDefaultBackend on Windows always resolves to the IOCP-backed
// overlapped-port backend; the other two are platform-specific.
func newDefaultBackend(kind BackendKind) (Backend, error) {
	switch kind {
	case BackendAuto, BackendOverlappedPort:
		return newIOCPBackend(), nil
	case BackendCompletionRing:
		return nil, fmt.Errorf("aio: completion_ring backend is Linux-only")
	case BackendReadinessPoll:
		return nil, fmt.Errorf("aio: readiness_poll backend is not supported on Windows")
	default:
		return nil, fmt.Errorf("aio: unknown backend kind %v", kind)
	}
}
