//go:build linux

package aio

import (
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
)

const buffersGroupID = 0

// providedBuffers is a ring of kernel-shared recv buffers, lifted near-
// verbatim from the teacher's providedBuffers: one big mmap'd region,
// handed to io_uring via SetupBufRing so IOSQE_BUFFER_SELECT recvs avoid
// a kernel-chosen allocation per call.
type providedBuffers struct {
	br      *giouring.BufAndRing
	data    []byte
	entries uint32
	bufLen  uint32
}

func (b *providedBuffers) init(ring *giouring.Ring, entries, bufLen uint32) error {
	b.entries = entries
	b.bufLen = bufLen
	var err error
	size := int(b.entries * b.bufLen)
	b.data, err = syscall.Mmap(-1, 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_ANON|syscall.MAP_PRIVATE)
	if err != nil {
		return err
	}
	b.br, err = ring.SetupBufRing(b.entries, buffersGroupID, 0)
	if err != nil {
		return err
	}
	for i := uint32(0); i < b.entries; i++ {
		b.br.BufRingAdd(
			uintptr(unsafe.Pointer(&b.data[b.bufLen*i])),
			b.bufLen,
			uint16(i),
			giouring.BufRingMask(b.entries),
			int(i),
		)
	}
	b.br.BufRingAdvance(int(b.entries))
	return nil
}

// get recovers the provided-buffer slice selected by the kernel for a
// completed recv, from the cqe's res/flags.
func (b *providedBuffers) get(res int32, flags uint32) ([]byte, uint16) {
	if flags&giouring.CQEFBuffer == 0 {
		panic("aio: recv cqe missing provided-buffer flag")
	}
	bufferID := uint16(flags >> giouring.CQEBufferShift)
	start := uint32(bufferID) * b.bufLen
	n := uint32(res)
	return b.data[start : start+n], bufferID
}

func (b *providedBuffers) release(bufferID uint16) {
	start := uint32(bufferID) * b.bufLen
	b.br.BufRingAdd(
		uintptr(unsafe.Pointer(&b.data[start])),
		b.bufLen,
		bufferID,
		giouring.BufRingMask(b.entries),
		0,
	)
	b.br.BufRingAdvance(1)
}

func (b *providedBuffers) deinit() {
	_ = syscall.Munmap(b.data)
}
