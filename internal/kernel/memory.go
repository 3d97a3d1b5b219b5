// Package kernel implements the resource-management core of the Helios
// kernel: physical memory framing, virtual address spaces, the process
// table, the priority scheduler and the privilege boundary between user
// and kernel execution. The package is instance-based: a Kernel value owns
// every global table, so tests can run independent kernels side by side.
package kernel

import (
	"fmt"
	"math/bits"
	"sync"
)

// Page geometry. The machine model is a 32-bit address space with
// two-level 1024-entry page tables, so these are architectural constants
// rather than configuration.
const (
	PageSize  = 4096
	PageShift = 12
)

// PhysAddr is a 32-bit physical address.
type PhysAddr uint32

// VirtAddr is a 32-bit virtual address.
type VirtAddr uint32

// KernelBase is the kernel/user split. Virtual addresses at or above it
// belong to the kernel and are never accepted from user code.
const KernelBase VirtAddr = 0xC0000000

// Frame identifies one physical page-sized frame by index.
type Frame uint32

// Address returns the physical base address of the frame.
func (f Frame) Address() PhysAddr { return PhysAddr(f) << PageShift }

// FrameFromAddress returns the frame covering a physical address.
func FrameFromAddress(addr PhysAddr) Frame { return Frame(addr >> PageShift) }

// ============================================================================
// Frame Allocator
// ============================================================================

// FrameAllocator tracks free and used physical frames with a bitmap and
// owns the backing bytes of simulated physical memory. A set bit means the
// frame is in use. Allocation is a first-clear-bit scan; physical memory
// is small and fixed at boot, so the linear scan is acceptable.
type FrameAllocator struct {
	mu     sync.Mutex
	bitmap []uint64
	mem    []byte
	frames uint32
	free   uint32

	allocs uint64
	frees  uint64
}

// FrameStats is a snapshot of frame allocator counters.
type FrameStats struct {
	TotalFrames uint32
	FreeFrames  uint32
	UsedFrames  uint32
	Allocations uint64
	Frees       uint64
}

// NewFrameAllocator creates an allocator covering memBytes of physical
// memory, rounded down to whole frames.
func NewFrameAllocator(memBytes uint32) (*FrameAllocator, error) {
	frames := memBytes >> PageShift
	if frames == 0 {
		return nil, fmt.Errorf("memory size %d smaller than one frame", memBytes)
	}

	return &FrameAllocator{
		bitmap: make([]uint64, (frames+63)/64),
		mem:    make([]byte, uint64(frames)<<PageShift),
		frames: frames,
		free:   frames,
	}, nil
}

// AllocFrame reserves the first free frame and returns it. The scan and
// the bit set happen under one lock so the operation is atomic to callers.
func (fa *FrameAllocator) AllocFrame() (Frame, error) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	for i, word := range fa.bitmap {
		if word == ^uint64(0) {
			continue
		}

		bit := bits.TrailingZeros64(^word)
		frame := Frame(i*64 + bit)
		if uint32(frame) >= fa.frames {
			break
		}

		fa.bitmap[i] |= 1 << uint(bit)
		fa.free--
		fa.allocs++
		return frame, nil
	}

	return 0, fmt.Errorf("alloc frame: %w", ErrOutOfMemory)
}

// FreeFrame releases a frame. Freeing a frame that is out of range or
// already free is a caller bug and is reported instead of corrupting the
// bitmap.
func (fa *FrameAllocator) FreeFrame(f Frame) error {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if uint32(f) >= fa.frames {
		return fmt.Errorf("free frame %d: %w", f, ErrFrameRange)
	}

	word, mask := uint32(f)/64, uint64(1)<<(uint(f)%64)
	if fa.bitmap[word]&mask == 0 {
		return fmt.Errorf("free frame %d: %w", f, ErrFrameNotAllocated)
	}

	fa.bitmap[word] &^= mask
	fa.free++
	fa.frees++
	return nil
}

// Reserve marks a specific frame as used. Boot uses it to carve out the
// kernel image region before general allocation starts.
func (fa *FrameAllocator) Reserve(f Frame) error {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if uint32(f) >= fa.frames {
		return fmt.Errorf("reserve frame %d: %w", f, ErrFrameRange)
	}

	word, mask := uint32(f)/64, uint64(1)<<(uint(f)%64)
	if fa.bitmap[word]&mask != 0 {
		return fmt.Errorf("reserve frame %d: already in use", f)
	}

	fa.bitmap[word] |= mask
	fa.free--
	return nil
}

// FrameUsed reports whether the frame is currently marked used.
func (fa *FrameAllocator) FrameUsed(f Frame) bool {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if uint32(f) >= fa.frames {
		return false
	}
	return fa.bitmap[uint32(f)/64]&(1<<(uint(f)%64)) != 0
}

// FrameBytes returns the backing bytes of a frame. The slice aliases the
// allocator's physical memory; writes through it are visible to every
// mapping of the frame.
func (fa *FrameAllocator) FrameBytes(f Frame) ([]byte, error) {
	if uint32(f) >= fa.frames {
		return nil, fmt.Errorf("frame %d: %w", f, ErrFrameRange)
	}

	base := uint64(f) << PageShift
	return fa.mem[base : base+PageSize : base+PageSize], nil
}

// ZeroFrame clears a frame's bytes.
func (fa *FrameAllocator) ZeroFrame(f Frame) error {
	b, err := fa.FrameBytes(f)
	if err != nil {
		return err
	}

	for i := range b {
		b[i] = 0
	}
	return nil
}

// Stats returns a snapshot of the allocator counters.
func (fa *FrameAllocator) Stats() FrameStats {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	return FrameStats{
		TotalFrames: fa.frames,
		FreeFrames:  fa.free,
		UsedFrames:  fa.frames - fa.free,
		Allocations: fa.allocs,
		Frees:       fa.frees,
	}
}
