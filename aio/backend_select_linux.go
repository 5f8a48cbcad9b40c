//go:build linux

package aio

import "fmt"

// newDefaultBackend resolves an Options.Backend selection into a concrete
// Backend. Linux supports all three kinds; BackendAuto prefers the
// completion-ring.
func newDefaultBackend(kind BackendKind) (Backend, error) {
	switch kind {
	case BackendAuto, BackendCompletionRing:
		return newRingBackend(), nil
	case BackendReadinessPoll:
		return newEpollBackend(), nil
	case BackendOverlappedPort:
		return nil, fmt.Errorf("aio: overlapped_port backend is Windows-only")
	default:
		return nil, fmt.Errorf("aio: unknown backend kind %v", kind)
	}
}
